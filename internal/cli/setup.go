package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/whiscribe/whiscribe/internal/download"
	"github.com/whiscribe/whiscribe/internal/whisper"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify speech model assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			modelDir := app.cfg.Model.CacheDir

			weights, err := whisper.ResolveModel(app.cfg.Model.Default, modelDir, whisper.ComputeTypeInt8)
			if err != nil {
				return err
			}
			vad, err := whisper.ResolveVADModel(modelDir)
			if err != nil {
				return err
			}

			for _, asset := range []whisper.ResolvedModel{weights, vad} {
				if err := app.installAsset(cmd.Context(), cmd.OutOrStdout(), asset); err != nil {
					return err
				}
			}
			return nil
		},
	}

	bindModelFlags(cmd)
	return cmd
}

// installAsset verifies an asset already on disk and downloads it when it is
// missing or fails verification.
func (a *appState) installAsset(ctx context.Context, out io.Writer, resolved whisper.ResolvedModel) error {
	client := a.downloader()
	asset := resolved.Asset()

	if !resolved.NeedsDownload {
		err := client.Verify(ctx, asset)
		switch {
		case err == nil:
			a.log().Info("model verified", zap.String("model", asset.Name), zap.String("path", asset.Destination))
			fmt.Fprintf(out, "Model %s already present at %s\n", asset.Name, asset.Destination)
			return nil
		case errors.Is(err, download.ErrChecksumMismatch):
			a.log().Warn("model checksum verification failed; downloading fresh copy", zap.String("model", asset.Name), zap.Error(err))
		default:
			return fmt.Errorf("verify model %s: %w", asset.Name, err)
		}
	}

	a.log().Info("downloading model", zap.String("model", asset.Name), zap.String("path", asset.Destination))
	if err := client.Fetch(ctx, asset); err != nil {
		return fmt.Errorf("download model %s: %w", asset.Name, err)
	}

	fmt.Fprintf(out, "Model %s installed at %s\n", asset.Name, asset.Destination)
	return nil
}
