package server

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/whiscribe/whiscribe/internal/audio"
	"github.com/whiscribe/whiscribe/internal/session"
	"github.com/whiscribe/whiscribe/internal/whisper"
)

//go:embed templates/*.html
var templateFS embed.FS

const pageTitle = "Whiscribe (Audio → Text Converter)"

type renderer struct {
	templates *template.Template
}

func newRenderer() (*renderer, error) {
	t, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &renderer{templates: t}, nil
}

func (r *renderer) Render(w io.Writer, name string, data any, _ echo.Context) error {
	return r.templates.ExecuteTemplate(w, name, data)
}

type modelOption struct {
	Name     string
	Label    string
	Selected bool
}

type page struct {
	Title             string
	View              session.View
	Settings          session.Settings
	Notices           []session.Notice
	Models            []modelOption
	CacheDir          string
	DefaultCacheDir   string
	EffectiveCacheDir string
	Accept            string
	MaxUpload         string
	FileSize          string
	Complete          bool
	Running           bool
}

func (s *Server) buildPage(sess *session.Session) page {
	view := sess.View()
	settings := view.Settings

	models := make([]modelOption, 0, len(whisper.ModelNames()))
	for _, name := range whisper.ModelNames() {
		preset, _ := whisper.LookupModel(name)
		models = append(models, modelOption{Name: name, Label: preset.Label, Selected: name == settings.Model})
	}

	cacheDir := settings.CacheDir
	if cacheDir == s.defaults.CacheDir {
		cacheDir = ""
	}

	accept := make([]string, 0, len(audio.Extensions))
	for _, ext := range audio.Extensions {
		accept = append(accept, "."+ext)
	}

	return page{
		Title:             pageTitle,
		View:              view,
		Settings:          settings,
		Notices:           sess.DrainNotices(),
		Models:            models,
		CacheDir:          cacheDir,
		DefaultCacheDir:   s.defaults.CacheDir,
		EffectiveCacheDir: settings.CacheDir,
		Accept:            strings.Join(accept, ","),
		MaxUpload:         audio.HumanSize(s.maxUpload),
		FileSize:          audio.HumanSize(view.FileSize),
		Complete:          view.State == session.Complete,
		Running:           view.State == session.Running,
	}
}
