// Package server is the browser front end and JSON API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/whiscribe/whiscribe/internal/audio"
	"github.com/whiscribe/whiscribe/internal/logging"
	"github.com/whiscribe/whiscribe/internal/orchestrator"
	"github.com/whiscribe/whiscribe/internal/session"
	"go.uber.org/zap"
)

const (
	sessionCookieName = "whiscribe_session"
	sessionContextKey = "session"
	shutdownTimeout   = 10 * time.Second

	// multipartOverhead covers form fields and boundaries around the file.
	multipartOverhead = 1 << 20
)

type Options struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	Sessions     *session.Store
	Defaults     session.Settings
	MaxUpload    int64
	Version      string
	Logger       *zap.Logger
}

type Server struct {
	addr      string
	echo      *echo.Echo
	orch      *orchestrator.Orchestrator
	sessions  *session.Store
	defaults  session.Settings
	maxUpload int64
	version   string
	logger    *zap.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = audio.DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r, err := newRenderer()
	if err != nil {
		return nil, err
	}

	s := &Server{
		addr:      opts.Addr,
		orch:      opts.Orchestrator,
		sessions:  opts.Sessions,
		defaults:  opts.Defaults,
		maxUpload: opts.MaxUpload,
		version:   opts.Version,
		logger:    opts.Logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Renderer = r
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(logging.RequestLogger(opts.Logger))
	e.Use(middleware.BodyLimit(strconv.FormatInt(opts.MaxUpload+multipartOverhead, 10)))
	s.echo = e

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.health)

	api := s.echo.Group("/api/v1")
	api.GET("/models", s.listModels)
	api.POST("/transcriptions", s.createTranscription)

	ui := s.echo.Group("", s.withSession)
	ui.GET("/", s.index)
	ui.POST("/upload", s.upload)
	ui.POST("/transcribe", s.transcribe)
	ui.POST("/reset", s.reset)
	ui.GET("/transcript.txt", s.downloadTranscript)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully. The
// session janitor runs for as long as the server does.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.sessions.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.addr))
		errCh <- s.echo.Start(s.addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// withSession attaches the caller's session, creating one and setting the
// cookie when the browser has none or an expired one.
func (s *Server) withSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := ""
		if cookie, err := c.Cookie(sessionCookieName); err == nil {
			id = cookie.Value
		}

		sess, created := s.sessions.GetOrCreate(id)
		if created {
			c.SetCookie(&http.Cookie{
				Name:     sessionCookieName,
				Value:    sess.ID(),
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		c.Set(sessionContextKey, sess)
		return next(c)
	}
}

func sessionFrom(c echo.Context) *session.Session {
	sess, _ := c.Get(sessionContextKey).(*session.Session)
	return sess
}

// handleError answers API callers with an APIError body. Browser routes get
// an oversized upload reported as a notice instead of an error page.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, apiErr := asAPIError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request().URL.Path), zap.Error(err))
	}

	if status == http.StatusRequestEntityTooLarge && c.Request().URL.Path == "/upload" {
		id := ""
		if cookie, cookieErr := c.Cookie(sessionCookieName); cookieErr == nil {
			id = cookie.Value
		}
		if sess, ok := s.sessions.Get(id); ok {
			sess.Error(fmt.Sprintf("File exceeds %s limit.", audio.HumanSize(s.maxUpload)))
			_ = c.Redirect(http.StatusSeeOther, "/")
			return
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, apiErr)
}
