package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meetsynth/transcribe-gateway/internal/transcript"
)

func NewSummarizeCmd(deps *Dependencies) *cobra.Command {
	var (
		feedback string
		outFile  string
	)

	cmd := &cobra.Command{
		Use:   "summarize <meeting-id>",
		Short: "Summarize a recorded meeting",
		Long: `Stream an AI summary of the meeting's saved transcript to stdout. The
finished summary is saved to the meeting.

Examples:
  scribe summarize 1842
  scribe summarize 1842 --feedback "focus on action items" -o summary.md`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := deps.backendClient(true)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			printer := NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr())
			// Summaries never open an ASR channel
			live := newLiveSession(deps, client, args[0], nil, printer)
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = live.close(closeCtx)
			}()

			if _, err := live.ctrl.Open(ctx); err != nil {
				return err
			}
			if len(live.ctrl.Transcript()) == 0 {
				return fmt.Errorf("meeting %s has no transcript yet", args[0])
			}

			if err := live.summarize(ctx, feedback); err != nil {
				return err
			}

			if outFile != "" {
				if err := transcript.WriteSummary(outFile, live.ctrl.SummaryText()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "✅ Saved %s\n", outFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&feedback, "feedback", "", "Instructions for the summary")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "Also write the summary to this file")
	return cmd
}
