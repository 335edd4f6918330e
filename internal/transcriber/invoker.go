// Package transcriber runs one decode over a loaded model and turns the
// segment stream into a transcript.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/whiscribe/whiscribe/internal/audio"
	"github.com/whiscribe/whiscribe/internal/validation"
	"github.com/whiscribe/whiscribe/internal/whisper"
	"go.uber.org/zap"
)

var ErrInvalidParameters = errors.New("invalid transcription parameters")

// Parameters are the per-request decoding knobs shown in the settings panel.
type Parameters struct {
	VADMinSpeechMs int     `json:"vad_min_speech_ms" mapstructure:"vad_min_speech_ms" label:"Min. speech (ms)" validate:"gte=100,lte=1000"`
	VADMaxSpeechS  int     `json:"vad_max_speech_s" mapstructure:"vad_max_speech_s" label:"Max. speech (s)" validate:"gte=5,lte=60"`
	VADThreshold   float64 `json:"vad_threshold" mapstructure:"vad_threshold" label:"VAD threshold" validate:"gte=0,lte=1"`
	BeamSize       int     `json:"beam_size" mapstructure:"beam_size" label:"Beam size" validate:"gte=1,lte=10"`
}

func DefaultParameters() Parameters {
	return Parameters{
		VADMinSpeechMs: 250,
		VADMaxSpeechS:  30,
		VADThreshold:   0.15,
		BeamSize:       5,
	}
}

func (p Parameters) Validate() error {
	if err := validation.Struct(p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}
	return nil
}

type Result struct {
	Text     string
	Elapsed  time.Duration
	Segments int
}

type Invoker struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewInvoker(logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{logger: logger, now: time.Now}
}

// Transcribe decodes upload with model. Parameters reach the engine exactly
// as given; out-of-range values are rejected rather than clamped. Engine
// errors are returned as-is.
func (i *Invoker) Transcribe(ctx context.Context, upload audio.Upload, model whisper.Model, params Parameters) (Result, error) {
	if model == nil {
		return Result{}, errors.New("model is required")
	}
	if err := params.Validate(); err != nil {
		return Result{}, err
	}

	started := i.now()
	segments, err := model.Transcribe(ctx, upload.Data, whisper.DecodeOptions{
		Format:   upload.Format(),
		Language: whisper.LanguageAuto,
		BeamSize: params.BeamSize,
		VAD: whisper.VADOptions{
			Enabled:             true,
			Threshold:           params.VADThreshold,
			MinSpeechDurationMs: params.VADMinSpeechMs,
			MaxSpeechDurationS:  params.VADMaxSpeechS,
		},
	})
	if err != nil {
		return Result{}, err
	}

	text, count, err := JoinSegments(segments)
	if err != nil {
		return Result{}, err
	}
	elapsed := i.now().Sub(started)

	i.logger.Debug("decode finished",
		zap.String("model", model.ID()),
		zap.Int("segments", count),
		zap.Duration("elapsed", elapsed),
	)

	return Result{Text: text, Elapsed: elapsed, Segments: count}, nil
}

// JoinSegments trims every segment, drops empty ones and joins the rest with
// single spaces in stream order. It stops at the first error.
func JoinSegments(segments whisper.Segments) (string, int, error) {
	var b strings.Builder
	count := 0
	for segment, err := range segments {
		if err != nil {
			return "", 0, err
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
		count++
	}
	return b.String(), count, nil
}
