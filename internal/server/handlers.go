package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/whiscribe/whiscribe/internal/audio"
	"github.com/whiscribe/whiscribe/internal/session"
	"github.com/whiscribe/whiscribe/internal/transcriber"
	"github.com/whiscribe/whiscribe/internal/whisper"
	"go.uber.org/zap"
)

const transcriptFileName = "transcript.txt"

type settingsForm struct {
	Model          string  `form:"model" json:"model"`
	CacheDir       string  `form:"cache_dir" json:"cache_dir"`
	VADMinSpeechMs int     `form:"vad_min_speech_ms" json:"vad_min_speech_ms"`
	VADMaxSpeechS  int     `form:"vad_max_speech_s" json:"vad_max_speech_s"`
	VADThreshold   float64 `form:"vad_threshold" json:"vad_threshold"`
	BeamSize       int     `form:"beam_size" json:"beam_size"`
}

type modelInfo struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

type modelsResponse struct {
	Default string      `json:"default"`
	Models  []modelInfo `json:"models"`
}

type transcriptionResponse struct {
	Text           string  `json:"text"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Model          string  `json:"model"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) index(c echo.Context) error {
	return c.Render(http.StatusOK, "index.html", s.buildPage(sessionFrom(c)))
}

func (s *Server) upload(c echo.Context) error {
	sess := sessionFrom(c)

	generation, err := strconv.Atoi(c.FormValue("generation"))
	if err != nil {
		generation = -1
	}

	fh, err := c.FormFile("audio")
	if err != nil {
		if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
			return err
		}
		sess.Warn("Choose a file to upload.")
		return backToIndex(c)
	}

	f, err := fh.Open()
	if err != nil {
		sess.Error("Could not read the uploaded file.")
		s.logger.Warn("open multipart file", zap.Error(err))
		return backToIndex(c)
	}
	defer f.Close()

	_ = s.orch.Upload(sess, generation, fh.Filename, fh.Size, f)
	return backToIndex(c)
}

func (s *Server) transcribe(c echo.Context) error {
	sess := sessionFrom(c)

	settings, err := s.bindSettings(c, sess.Settings())
	if err != nil {
		sess.Error("Invalid settings: " + bindMessage(err))
		return backToIndex(c)
	}

	_ = s.orch.Transcribe(c.Request().Context(), sess, settings)
	return backToIndex(c)
}

func (s *Server) reset(c echo.Context) error {
	_ = s.orch.Reset(sessionFrom(c))
	return backToIndex(c)
}

func (s *Server) downloadTranscript(c echo.Context) error {
	sess := sessionFrom(c)
	view := sess.View()
	if view.State != session.Complete {
		sess.Warn("There is no transcript to download yet.")
		return backToIndex(c)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", transcriptFileName))
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, []byte(view.Transcript.Text))
}

func (s *Server) listModels(c echo.Context) error {
	names := whisper.ModelNames()
	resp := modelsResponse{Default: s.defaults.Model, Models: make([]modelInfo, 0, len(names))}
	for _, name := range names {
		preset, _ := whisper.LookupModel(name)
		resp.Models = append(resp.Models, modelInfo{Name: name, Label: preset.Label})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) createTranscription(c echo.Context) error {
	settings, err := s.bindSettings(c, s.defaults)
	if err != nil {
		return BadRequest("invalid_form", bindMessage(err))
	}
	// The API is cookieless, so callers never choose where models land.
	settings.CacheDir = s.defaults.CacheDir

	fh, err := c.FormFile("audio")
	if err != nil {
		if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
			return err
		}
		return BadRequest("missing_file", `multipart field "audio" is required`)
	}
	f, err := fh.Open()
	if err != nil {
		return InternalError("upload_unreadable", "could not read the uploaded file")
	}
	defer f.Close()

	upload, err := audio.NewValidator(s.maxUpload).Read(fh.Filename, fh.Size, f)
	if err != nil {
		return uploadError(err)
	}

	transcript, err := s.orch.Once(c.Request().Context(), settings, upload)
	switch {
	case err == nil:
	case errors.Is(err, transcriber.ErrInvalidParameters):
		return invalidInput("invalid_parameters", err)
	case errors.Is(err, whisper.ErrUnknownModel):
		return BadRequest("unknown_model", err.Error())
	case audio.IsValidation(err):
		return uploadError(err)
	default:
		s.logger.Error("api transcription failed", zap.String("model", settings.Model), zap.Error(err))
		return InternalError("transcription_failed", err.Error())
	}

	return c.JSON(http.StatusOK, transcriptionResponse{
		Text:           transcript.Text,
		ElapsedSeconds: transcript.Elapsed.Seconds(),
		Model:          settings.Model,
	})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Version: s.version})
}

// bindSettings overlays submitted form values on base. Fields missing from
// the request keep their base value; an empty model or cache folder means the
// server default.
func (s *Server) bindSettings(c echo.Context, base session.Settings) (session.Settings, error) {
	form := settingsForm{
		Model:          base.Model,
		CacheDir:       base.CacheDir,
		VADMinSpeechMs: base.Params.VADMinSpeechMs,
		VADMaxSpeechS:  base.Params.VADMaxSpeechS,
		VADThreshold:   base.Params.VADThreshold,
		BeamSize:       base.Params.BeamSize,
	}
	if err := c.Bind(&form); err != nil {
		return session.Settings{}, err
	}

	cacheDir := strings.TrimSpace(form.CacheDir)
	if cacheDir == "" {
		cacheDir = s.defaults.CacheDir
	}

	model := strings.TrimSpace(form.Model)
	if model == "" {
		model = s.defaultModel()
	}

	return session.Settings{
		Model:    model,
		CacheDir: cacheDir,
		Params: transcriber.Parameters{
			VADMinSpeechMs: form.VADMinSpeechMs,
			VADMaxSpeechS:  form.VADMaxSpeechS,
			VADThreshold:   form.VADThreshold,
			BeamSize:       form.BeamSize,
		},
	}, nil
}

func (s *Server) defaultModel() string {
	if model := strings.TrimSpace(s.defaults.Model); model != "" {
		return model
	}
	return whisper.DefaultModel
}

func uploadError(err error) *echo.HTTPError {
	if errors.Is(err, audio.ErrTooLarge) {
		return NewAPIError("file_too_large", err.Error()).ToHTTP(http.StatusRequestEntityTooLarge)
	}
	if audio.IsValidation(err) {
		return invalidInput("invalid_upload", err)
	}
	return InternalError("upload_unreadable", err.Error())
}

func bindMessage(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return fmt.Sprint(he.Message)
	}
	return err.Error()
}

func backToIndex(c echo.Context) error {
	return c.Redirect(http.StatusSeeOther, "/")
}
