package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/whiscribe/whiscribe/internal/audio"
	"github.com/whiscribe/whiscribe/internal/session"
	"go.uber.org/zap"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	var outputPath string
	var copyToClipboard bool

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			audioPath := filepath.Clean(args[0])
			f, err := os.Open(audioPath)
			if err != nil {
				return fmt.Errorf("audio file not found: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return fmt.Errorf("stat audio file: %w", err)
			}

			upload, err := audio.NewValidator(app.cfg.Upload.MaxBytes).Read(filepath.Base(audioPath), info.Size(), f)
			if err != nil {
				return err
			}

			orch, err := app.orchestrator()
			if err != nil {
				return err
			}

			settings := app.cfg.Settings()
			app.log().Info("transcribing...", zap.String("audio", audioPath), zap.String("model", settings.Model))
			stopStatus := startTranscribeStatus(app.progressEnabled(), upload.Filename, settings.Model)
			transcript, err := orch.Once(cmd.Context(), settings, upload)
			stopStatus()
			if err != nil {
				return err
			}
			app.log().Info(fmt.Sprintf("completed · %.2f s", transcript.Elapsed.Seconds()))

			fmt.Fprintln(cmd.OutOrStdout(), transcript.Text)
			if transcript.Text == session.Placeholder {
				app.log().Warn("no speech detected; try a lower --vad-threshold")
			}

			if copyToClipboard {
				if err := app.copier().Copy(cmd.Context(), transcript.Text); err != nil {
					app.log().Warn("could not copy transcript to clipboard", zap.Error(err))
				} else {
					app.log().Info("transcript copied to clipboard")
				}
			}

			if strings.TrimSpace(outputPath) == "" {
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			if err := os.WriteFile(outputPath, []byte(transcript.Text+"\n"), 0o644); err != nil {
				return fmt.Errorf("write transcript: %w", err)
			}
			app.log().Info("transcript written", zap.String("path", outputPath))
			return nil
		},
	}

	bindModelFlags(cmd)
	bindDecodeFlags(cmd)
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Also write the transcript to this file")
	cmd.Flags().BoolVar(&copyToClipboard, "copy", false, "Copy the transcript to the clipboard")
	return cmd
}
