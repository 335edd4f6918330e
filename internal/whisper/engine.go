package whisper

import (
	"context"
	"iter"
	"time"
)

const (
	DeviceCPU = "cpu"

	ComputeTypeInt8    = "int8"
	ComputeTypeDefault = "default"

	LanguageAuto = "auto"
)

// LoadOptions mirrors the knobs a speech engine takes when it materializes a
// model: where weights live, whether they may be fetched, and how the model
// runs.
type LoadOptions struct {
	ModelID        string
	DownloadRoot   string
	Device         string
	ComputeType    string
	LocalFilesOnly bool
	CPUThreads     int
}

type VADOptions struct {
	Enabled             bool
	Threshold           float64
	MinSpeechDurationMs int
	MaxSpeechDurationS  int
}

type DecodeOptions struct {
	// Format is the container extension of the audio bytes, without the dot.
	Format   string
	Language string
	BeamSize int
	VAD      VADOptions
}

type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Segments is a lazy, finite, ordered sequence. A non-nil error ends it.
type Segments = iter.Seq2[Segment, error]

type Model interface {
	ID() string
	Transcribe(ctx context.Context, audio []byte, opts DecodeOptions) (Segments, error)
}

type Engine interface {
	Load(ctx context.Context, opts LoadOptions) (Model, error)
}
