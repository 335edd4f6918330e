// Package session tracks one user's upload → transcribe → result → reset
// cycle.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/whiscribe/whiscribe/internal/audio"
	"github.com/whiscribe/whiscribe/internal/transcriber"
)

// Placeholder replaces a transcript in which no speech was detected.
const Placeholder = "___ Couldn't detect any speech. Please check your file and try again. ___"

type State int

const (
	Empty State = iota
	Staged
	Running
	Complete
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Staged:
		return "staged"
	case Running:
		return "running"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

var (
	ErrNoFile          = errors.New("no file staged")
	ErrBusy            = errors.New("a transcription is already running")
	ErrAlreadyComplete = errors.New("transcript already available, reset first")
	ErrNotRunning      = errors.New("no transcription is running")
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a flash message shown once on the next render.
type Notice struct {
	Level   Level
	Message string
}

// Settings are the sidebar values last submitted in this session.
type Settings struct {
	Model    string
	CacheDir string
	Params   transcriber.Parameters
}

type Transcript struct {
	Text    string
	Elapsed time.Duration
}

// View is a consistent copy of the session for rendering.
type View struct {
	State      State
	Filename   string
	FileSize   int64
	Transcript Transcript
	Generation int
	Settings   Settings
}

type Session struct {
	id string

	mu         sync.Mutex
	state      State
	upload     audio.Upload
	transcript Transcript
	generation int
	notices    []Notice
	settings   Settings
	lastSeen   time.Time
}

func New(id string, settings Settings) *Session {
	return &Session{id: id, settings: settings}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		State:      s.state,
		Filename:   s.upload.Filename,
		FileSize:   s.upload.Size(),
		Transcript: s.transcript,
		Generation: s.generation,
		Settings:   s.settings,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation identifies the current uploader. Reset moves it forward so a
// form rendered before the reset can no longer stage a file.
func (s *Session) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Session) Transcript() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// Upload returns the staged file, if any.
func (s *Session) Upload() (audio.Upload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upload, s.upload.Data != nil
}

// Stage holds upload as the session's file. A completed session keeps its
// transcript until reset.
func (s *Session) Stage(upload audio.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Running {
		return ErrBusy
	}
	s.upload = upload
	if s.state == Empty {
		s.state = Staged
	}
	return nil
}

// Begin moves a staged session to Running and hands out its file.
func (s *Session) Begin() (audio.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Empty:
		return audio.Upload{}, ErrNoFile
	case Running:
		return audio.Upload{}, ErrBusy
	case Complete:
		return audio.Upload{}, ErrAlreadyComplete
	}
	s.state = Running
	return s.upload, nil
}

// Commit stores the finished transcript and completes the run.
func (s *Session) Commit(t Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		return ErrNotRunning
	}
	if strings.TrimSpace(t.Text) == "" {
		t.Text = Placeholder
	}
	s.transcript = t
	s.state = Complete
	return nil
}

// Abort ends a failed run. The staged file is kept.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		return ErrNotRunning
	}
	s.state = Staged
	return nil
}

func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Running {
		return ErrBusy
	}
	s.state = Empty
	s.upload = audio.Upload{}
	s.transcript = Transcript{}
	s.generation++
	return nil
}

func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Session) SetSettings(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

func (s *Session) Info(msg string)    { s.notify(LevelInfo, msg) }
func (s *Session) Success(msg string) { s.notify(LevelSuccess, msg) }
func (s *Session) Warn(msg string)    { s.notify(LevelWarning, msg) }
func (s *Session) Error(msg string)   { s.notify(LevelError, msg) }

// DrainNotices returns pending notices in order and forgets them.
func (s *Session) DrainNotices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	notices := s.notices
	s.notices = nil
	return notices
}

func (s *Session) notify(level Level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, Notice{Level: level, Message: msg})
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

func (s *Session) idleSince(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen), s.state == Running
}
