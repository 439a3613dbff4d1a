package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/meetsynth/transcribe-gateway/internal/observability"
)

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scribe version",
		// No config needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scribe %s (%s, %s/%s)\n",
				observability.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
