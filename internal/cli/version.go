package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/whiscribe/whiscribe/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "whiscribe v%s\n", version.Resolve())
			return nil
		},
	}
}
