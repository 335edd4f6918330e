// Package orchestrator drives a session through upload, transcription and
// reset, and is the one place engine failures become user-visible notices.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/whiscribe/whiscribe/internal/audio"
	"github.com/whiscribe/whiscribe/internal/session"
	"github.com/whiscribe/whiscribe/internal/transcriber"
	"github.com/whiscribe/whiscribe/internal/whisper"
	"go.uber.org/zap"
)

const NoFileWarning = "Please upload a file first."

var ErrStaleUpload = errors.New("upload form is out of date")

type ModelSource interface {
	GetOrLoad(ctx context.Context, modelID, cacheDir string) (whisper.Model, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, upload audio.Upload, model whisper.Model, params transcriber.Parameters) (transcriber.Result, error)
}

type Orchestrator struct {
	models  ModelSource
	invoker Transcriber
	uploads audio.Validator
	logger  *zap.Logger
}

func New(models ModelSource, invoker Transcriber, uploads audio.Validator, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if uploads.MaxBytes <= 0 {
		uploads = audio.NewValidator(0)
	}
	return &Orchestrator{models: models, invoker: invoker, uploads: uploads, logger: logger}
}

// Transcribe runs one transcription for the session's staged file. The
// outcome is recorded on the session as state and notices; the returned
// error only tells the caller that the run did not complete.
func (o *Orchestrator) Transcribe(ctx context.Context, sess *session.Session, settings session.Settings) error {
	sess.SetSettings(settings)

	upload, err := sess.Begin()
	switch {
	case errors.Is(err, session.ErrNoFile):
		sess.Warn(NoFileWarning)
		return err
	case errors.Is(err, session.ErrBusy):
		sess.Warn("A transcription is already running.")
		return err
	case errors.Is(err, session.ErrAlreadyComplete):
		sess.Info("Reset to transcribe another file.")
		return err
	case err != nil:
		return err
	}

	logger := o.logger.With(
		zap.String("session", sess.ID()),
		zap.String("model", settings.Model),
		zap.String("file", upload.Filename),
	)

	result, err := o.run(ctx, upload, settings)
	if err != nil {
		if abortErr := sess.Abort(); abortErr != nil {
			logger.Warn("abort failed", zap.Error(abortErr))
		}
		sess.Error("Error: " + err.Error())
		logger.Error("transcription failed", zap.Error(err))
		return err
	}

	if err := sess.Commit(session.Transcript{Text: result.Text, Elapsed: result.Elapsed}); err != nil {
		return err
	}
	sess.Success(fmt.Sprintf("Completed · %.2f s", result.Elapsed.Seconds()))
	logger.Info("transcription complete",
		zap.Duration("elapsed", result.Elapsed),
		zap.Int("segments", result.Segments),
	)
	return nil
}

// Upload validates and stages a file. generation must match the session's
// current uploader; forms rendered before a reset are turned away.
func (o *Orchestrator) Upload(sess *session.Session, generation int, filename string, size int64, r io.Reader) error {
	if generation != sess.Generation() {
		sess.Warn("That upload form was reset. Please choose the file again.")
		return ErrStaleUpload
	}

	upload, err := o.uploads.Read(filename, size, r)
	if err != nil {
		sess.Error(userMessage(err))
		o.logger.Info("upload rejected", zap.String("session", sess.ID()), zap.String("file", filename), zap.Error(err))
		return err
	}

	if err := sess.Stage(upload); err != nil {
		sess.Warn("A transcription is already running.")
		return err
	}
	o.logger.Debug("upload staged",
		zap.String("session", sess.ID()),
		zap.String("file", upload.Filename),
		zap.Int64("bytes", upload.Size()),
	)
	return nil
}

func (o *Orchestrator) Reset(sess *session.Session) error {
	if err := sess.Reset(); err != nil {
		sess.Warn("Wait for the running transcription to finish before resetting.")
		return err
	}
	return nil
}

// Once transcribes upload without a session, for the JSON API and the CLI.
// The placeholder rule applies as it does for sessions.
func (o *Orchestrator) Once(ctx context.Context, settings session.Settings, upload audio.Upload) (session.Transcript, error) {
	if err := o.uploads.Check(upload); err != nil {
		return session.Transcript{}, err
	}

	result, err := o.run(ctx, upload, settings)
	if err != nil {
		return session.Transcript{}, err
	}

	text := result.Text
	if strings.TrimSpace(text) == "" {
		text = session.Placeholder
	}
	return session.Transcript{Text: text, Elapsed: result.Elapsed}, nil
}

func (o *Orchestrator) run(ctx context.Context, upload audio.Upload, settings session.Settings) (transcriber.Result, error) {
	if err := settings.Params.Validate(); err != nil {
		return transcriber.Result{}, err
	}

	model, err := o.models.GetOrLoad(ctx, settings.Model, settings.CacheDir)
	if err != nil {
		return transcriber.Result{}, err
	}
	return o.invoker.Transcribe(ctx, upload, model, settings.Params)
}

func userMessage(err error) string {
	msg := err.Error()
	r, size := utf8.DecodeRuneInString(msg)
	if size == 0 {
		return msg
	}
	return string(unicode.ToUpper(r)) + msg[size:]
}
