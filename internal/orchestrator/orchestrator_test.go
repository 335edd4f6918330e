package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/whiscribe/whiscribe/internal/audio"
	"github.com/whiscribe/whiscribe/internal/session"
	"github.com/whiscribe/whiscribe/internal/transcriber"
	"github.com/whiscribe/whiscribe/internal/whisper"
)

var mp3 = []byte("ID3\x03\x00\x00\x00\x00\x00\x00frames")

type stubModel struct{ id string }

func (m stubModel) ID() string { return m.id }

func (m stubModel) Transcribe(context.Context, []byte, whisper.DecodeOptions) (whisper.Segments, error) {
	return func(func(whisper.Segment, error) bool) {}, nil
}

type fakeModels struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeModels) GetOrLoad(_ context.Context, modelID, cacheDir string) (whisper.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, modelID+"@"+cacheDir)
	if f.err != nil {
		return nil, f.err
	}
	return stubModel{id: modelID}, nil
}

type fakeInvoker struct {
	text   string
	err    error
	calls  int
	params transcriber.Parameters
	upload audio.Upload
}

func (f *fakeInvoker) Transcribe(_ context.Context, upload audio.Upload, _ whisper.Model, params transcriber.Parameters) (transcriber.Result, error) {
	f.calls++
	f.params = params
	f.upload = upload
	if f.err != nil {
		return transcriber.Result{}, f.err
	}
	return transcriber.Result{Text: f.text, Elapsed: 1234 * time.Millisecond}, nil
}

func settings() session.Settings {
	return session.Settings{Model: "small", CacheDir: "/tmp/cache", Params: transcriber.DefaultParameters()}
}

func stage(t *testing.T, o *Orchestrator, sess *session.Session) {
	t.Helper()
	require.NoError(t, o.Upload(sess, sess.Generation(), "clip.mp3", int64(len(mp3)), bytes.NewReader(mp3)))
}

func TestTranscribeWithoutFileWarnsAndSkipsEngine(t *testing.T) {
	t.Parallel()

	models := &fakeModels{}
	invoker := &fakeInvoker{text: "never"}
	o := New(models, invoker, audio.NewValidator(0), nil)
	sess := session.New("s", settings())

	err := o.Transcribe(context.Background(), sess, settings())
	require.ErrorIs(t, err, session.ErrNoFile)
	require.Equal(t, session.Empty, sess.State())
	require.Empty(t, models.calls)
	require.Zero(t, invoker.calls)
	require.Equal(t, []session.Notice{{Level: session.LevelWarning, Message: NoFileWarning}}, sess.DrainNotices())
}

func TestTranscribeCommitsResult(t *testing.T) {
	t.Parallel()

	models := &fakeModels{}
	invoker := &fakeInvoker{text: "hello world"}
	o := New(models, invoker, audio.NewValidator(0), nil)
	sess := session.New("s", settings())
	stage(t, o, sess)

	custom := settings()
	custom.Model = "tiny"
	custom.Params.BeamSize = 10
	custom.Params.VADThreshold = 1

	require.NoError(t, o.Transcribe(context.Background(), sess, custom))
	require.Equal(t, session.Complete, sess.State())
	require.Equal(t, session.Transcript{Text: "hello world", Elapsed: 1234 * time.Millisecond}, sess.Transcript())
	require.Equal(t, []string{"tiny@/tmp/cache"}, models.calls)
	require.Equal(t, custom.Params, invoker.params)
	require.Equal(t, mp3, invoker.upload.Data)
	require.Equal(t, custom, sess.Settings())
	require.Equal(t, []session.Notice{{Level: session.LevelSuccess, Message: "Completed · 1.23 s"}}, sess.DrainNotices())
}

func TestTranscribeSilenceCompletesWithPlaceholder(t *testing.T) {
	t.Parallel()

	o := New(&fakeModels{}, &fakeInvoker{text: ""}, audio.NewValidator(0), nil)
	sess := session.New("s", settings())
	stage(t, o, sess)

	require.NoError(t, o.Transcribe(context.Background(), sess, settings()))
	require.Equal(t, session.Complete, sess.State())
	require.Equal(t, session.Placeholder, sess.Transcript().Text)
}

func TestTranscribeFailureLeavesFileStaged(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		models  *fakeModels
		invoker *fakeInvoker
		message string
	}{
		"invoker": {
			models:  &fakeModels{},
			invoker: &fakeInvoker{err: errors.New("unsupported codec")},
			message: "Error: unsupported codec",
		},
		"cache": {
			models:  &fakeModels{err: errors.New("load model \"small\": network down")},
			invoker: &fakeInvoker{},
			message: "Error: load model \"small\": network down",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			o := New(tt.models, tt.invoker, audio.NewValidator(0), nil)
			sess := session.New("s", settings())
			stage(t, o, sess)

			require.Error(t, o.Transcribe(context.Background(), sess, settings()))
			require.Equal(t, session.Staged, sess.State())
			upload, ok := sess.Upload()
			require.True(t, ok)
			require.Equal(t, mp3, upload.Data)
			require.Empty(t, sess.Transcript().Text)
			require.Equal(t, []session.Notice{{Level: session.LevelError, Message: tt.message}}, sess.DrainNotices())
		})
	}
}

func TestTranscribeRejectsInvalidParametersBeforeLoading(t *testing.T) {
	t.Parallel()

	models := &fakeModels{}
	o := New(models, &fakeInvoker{}, audio.NewValidator(0), nil)
	sess := session.New("s", settings())
	stage(t, o, sess)

	bad := settings()
	bad.Params.BeamSize = 11
	err := o.Transcribe(context.Background(), sess, bad)
	require.ErrorIs(t, err, transcriber.ErrInvalidParameters)
	require.Equal(t, session.Staged, sess.State())
	require.Empty(t, models.calls)

	notices := sess.DrainNotices()
	require.Len(t, notices, 1)
	require.Equal(t, session.LevelError, notices[0].Level)
	require.Contains(t, notices[0].Message, "Beam size must be at most 10")
}

func TestTranscribeAfterCompleteAsksForReset(t *testing.T) {
	t.Parallel()

	invoker := &fakeInvoker{text: "done"}
	o := New(&fakeModels{}, invoker, audio.NewValidator(0), nil)
	sess := session.New("s", settings())
	stage(t, o, sess)
	require.NoError(t, o.Transcribe(context.Background(), sess, settings()))
	sess.DrainNotices()

	require.ErrorIs(t, o.Transcribe(context.Background(), sess, settings()), session.ErrAlreadyComplete)
	require.Equal(t, 1, invoker.calls)
	require.Equal(t, session.LevelInfo, sess.DrainNotices()[0].Level)
}

func TestUploadOverLimitLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	o := New(&fakeModels{}, &fakeInvoker{}, audio.NewValidator(16), nil)

	empty := session.New("s", settings())
	err := o.Upload(empty, 0, "big.mp3", 17, bytes.NewReader(bytes.Repeat([]byte{1}, 17)))
	require.ErrorIs(t, err, audio.ErrTooLarge)
	require.Equal(t, session.Empty, empty.State())
	_, ok := empty.Upload()
	require.False(t, ok)

	understated := session.New("s", settings())
	payload := append(append([]byte{}, mp3...), bytes.Repeat([]byte{0}, 32)...)
	err = o.Upload(understated, 0, "big.mp3", 4, bytes.NewReader(payload))
	require.ErrorIs(t, err, audio.ErrTooLarge)
	require.Equal(t, session.Empty, understated.State())

	notices := understated.DrainNotices()
	require.Len(t, notices, 1)
	require.Equal(t, session.LevelError, notices[0].Level)
	require.True(t, strings.HasPrefix(notices[0].Message, "File exceeds size limit"))
}

func TestUploadRejectionKeepsPreviousFile(t *testing.T) {
	t.Parallel()

	o := New(&fakeModels{}, &fakeInvoker{}, audio.NewValidator(0), nil)
	sess := session.New("s", settings())
	stage(t, o, sess)

	err := o.Upload(sess, sess.Generation(), "notes.txt", 5, strings.NewReader("hello"))
	require.ErrorIs(t, err, audio.ErrUnsupportedExtension)
	require.Equal(t, session.Staged, sess.State())
	upload, _ := sess.Upload()
	require.Equal(t, "clip.mp3", upload.Filename)
}

func TestUploadFromStaleGenerationIsIgnored(t *testing.T) {
	t.Parallel()

	o := New(&fakeModels{}, &fakeInvoker{}, audio.NewValidator(0), nil)
	sess := session.New("s", settings())
	stale := sess.Generation()
	require.NoError(t, o.Reset(sess))

	err := o.Upload(sess, stale, "clip.mp3", int64(len(mp3)), bytes.NewReader(mp3))
	require.ErrorIs(t, err, ErrStaleUpload)
	require.Equal(t, session.Empty, sess.State())
	require.Equal(t, session.LevelWarning, sess.DrainNotices()[0].Level)
}

func TestResetFromComplete(t *testing.T) {
	t.Parallel()

	o := New(&fakeModels{}, &fakeInvoker{text: "done"}, audio.NewValidator(0), nil)
	sess := session.New("s", settings())
	stage(t, o, sess)
	require.NoError(t, o.Transcribe(context.Background(), sess, settings()))
	generation := sess.Generation()

	require.NoError(t, o.Reset(sess))
	view := sess.View()
	require.Equal(t, session.Empty, view.State)
	require.Equal(t, session.Transcript{}, view.Transcript)
	require.Equal(t, generation+1, view.Generation)
}

func TestOnceAppliesPlaceholderAndValidation(t *testing.T) {
	t.Parallel()

	o := New(&fakeModels{}, &fakeInvoker{text: "  "}, audio.NewValidator(0), nil)

	got, err := o.Once(context.Background(), settings(), audio.Upload{Filename: "clip.mp3", Data: mp3})
	require.NoError(t, err)
	require.Equal(t, session.Placeholder, got.Text)
	require.Equal(t, 1234*time.Millisecond, got.Elapsed)

	_, err = o.Once(context.Background(), settings(), audio.Upload{Filename: "clip.mp3"})
	require.ErrorIs(t, err, audio.ErrEmpty)

	bad := settings()
	bad.Params.VADMinSpeechMs = 50
	_, err = o.Once(context.Background(), bad, audio.Upload{Filename: "clip.mp3", Data: mp3})
	require.ErrorIs(t, err, transcriber.ErrInvalidParameters)
}
