package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultIdleTTL = 30 * time.Minute

type StoreOptions struct {
	IdleTTL  time.Duration
	Defaults Settings
	Logger   *zap.Logger
}

// Store keeps sessions in memory, keyed by a random ID the browser carries
// in a cookie. Nothing survives a restart.
type Store struct {
	opts StoreOptions
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

type StoreOption func(*Store)

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(opts StoreOptions, options ...StoreOption) *Store {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Store{opts: opts, now: time.Now, sessions: make(map[string]*Session)}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Get returns the live session for id and marks it as seen.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	sess.touch(s.now())
	return sess, true
}

// Create starts a session seeded with the default settings.
func (s *Store) Create() *Session {
	sess := New(uuid.NewString(), s.opts.Defaults)
	sess.touch(s.now())

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	s.opts.Logger.Debug("session created", zap.String("session", sess.ID()))
	return sess
}

// GetOrCreate looks id up and falls back to a fresh session. created reports
// whether the caller must hand the new ID back to the client.
func (s *Store) GetOrCreate(id string) (sess *Session, created bool) {
	if id != "" {
		if sess, ok := s.Get(id); ok {
			return sess, false
		}
	}
	return s.Create(), true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops sessions idle for longer than the idle TTL. Running sessions
// are kept regardless of age.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		idle, running := sess.idleSince(now)
		if running || idle < s.opts.IdleTTL {
			continue
		}
		delete(s.sessions, id)
		removed++
	}
	if removed > 0 {
		s.opts.Logger.Debug("swept idle sessions", zap.Int("removed", removed), zap.Int("live", len(s.sessions)))
	}
	return removed
}

// Run sweeps periodically until ctx is done.
func (s *Store) Run(ctx context.Context) {
	interval := s.opts.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
