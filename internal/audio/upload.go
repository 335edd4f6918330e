// Package audio validates uploaded media before it is staged for
// transcription.
package audio

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const DefaultMaxBytes int64 = 100 * 1024 * 1024

var (
	ErrEmpty                = errors.New("file is empty")
	ErrTooLarge             = errors.New("file exceeds size limit")
	ErrUnsupportedExtension = errors.New("unsupported file type")
	ErrNotMedia             = errors.New("file content is not audio or video")
)

// Extensions is the upload allow-list, lower case and without the dot.
var Extensions = []string{"opus", "mp3", "wav", "flac", "m4a", "aac", "mp4", "ogg", "webm", "mov", "3gp", "aiff", "aif"}

// Upload is one user-selected file held in memory.
type Upload struct {
	Filename string
	Data     []byte
}

// Format is the lower-case file extension without the dot.
func (u Upload) Format() string {
	return extension(u.Filename)
}

func (u Upload) Size() int64 {
	return int64(len(u.Data))
}

type Validator struct {
	MaxBytes int64
}

func NewValidator(maxBytes int64) Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return Validator{MaxBytes: maxBytes}
}

// CheckHeader rejects a file on its name and declared size alone, before
// any bytes are read.
func (v Validator) CheckHeader(filename string, size int64) error {
	if !slices.Contains(Extensions, extension(filename)) {
		return fmt.Errorf("%w %q; accepted: %s", ErrUnsupportedExtension, filepath.Ext(filename), strings.Join(Extensions, ", "))
	}
	if size > v.MaxBytes {
		return fmt.Errorf("%w of %s", ErrTooLarge, HumanSize(v.MaxBytes))
	}
	return nil
}

// Read validates and buffers r. The reader is never consumed past
// MaxBytes+1, so an understated declared size is still caught.
func (v Validator) Read(filename string, size int64, r io.Reader) (Upload, error) {
	if err := v.CheckHeader(filename, size); err != nil {
		return Upload{}, err
	}

	data, err := io.ReadAll(io.LimitReader(r, v.MaxBytes+1))
	if err != nil {
		return Upload{}, fmt.Errorf("read upload: %w", err)
	}

	upload := Upload{Filename: filepath.Base(filename), Data: data}
	if err := v.Check(upload); err != nil {
		return Upload{}, err
	}
	return upload, nil
}

// Check validates an already buffered upload.
func (v Validator) Check(upload Upload) error {
	if err := v.CheckHeader(upload.Filename, upload.Size()); err != nil {
		return err
	}
	if upload.Size() == 0 {
		return ErrEmpty
	}
	if !isMedia(mimetype.Detect(upload.Data)) {
		return ErrNotMedia
	}
	return nil
}

// isMedia accepts anything sniffed as audio or video and anything the
// detector cannot name; the engine has the final word on the latter.
func isMedia(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		value := m.String()
		switch {
		case strings.HasPrefix(value, "audio/"), strings.HasPrefix(value, "video/"):
			return true
		case m.Is("application/ogg"):
			return true
		}
	}
	return mtype.Is("application/octet-stream")
}

func extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

func HumanSize(n int64) string {
	const mib = 1024 * 1024
	if n%mib == 0 {
		return fmt.Sprintf("%d MB", n/mib)
	}
	return fmt.Sprintf("%.1f MB", float64(n)/mib)
}

// IsValidation reports whether err came from upload validation.
func IsValidation(err error) bool {
	for _, target := range []error{ErrEmpty, ErrTooLarge, ErrUnsupportedExtension, ErrNotMedia} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
