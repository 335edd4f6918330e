package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/whiscribe/whiscribe/internal/server"
	"github.com/whiscribe/whiscribe/internal/session"
	"github.com/whiscribe/whiscribe/internal/version"
	"go.uber.org/zap"
)

func newServeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web front end",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.serve(cmd.Context())
		},
	}

	bindServerFlags(cmd)
	bindModelFlags(cmd)
	bindDecodeFlags(cmd)
	return cmd
}

func (a *appState) serve(ctx context.Context) error {
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}

	sessions := session.NewStore(session.StoreOptions{
		IdleTTL:  a.cfg.Session.IdleTTL,
		Defaults: a.cfg.Settings(),
		Logger:   a.log(),
	})

	srv, err := server.New(server.Options{
		Addr:         a.cfg.Server.Addr,
		Orchestrator: orch,
		Sessions:     sessions,
		Defaults:     a.cfg.Settings(),
		MaxUpload:    a.cfg.Upload.MaxBytes,
		Version:      version.Resolve(),
		Logger:       a.log(),
	})
	if err != nil {
		return err
	}

	a.log().Info("whiscribe ready",
		zap.String("url", displayURL(a.cfg.Server.Addr)),
		zap.String("model", a.cfg.Model.Default),
		zap.String("cache_dir", a.cfg.Model.CacheDir),
	)
	return srv.Start(ctx)
}

func displayURL(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
