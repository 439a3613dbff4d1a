package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meetsynth/transcribe-gateway/internal/asr"
	"github.com/meetsynth/transcribe-gateway/internal/audio"
)

type recordOptions struct {
	wavPath       string
	device        string
	realtime      bool
	separateRoles bool
	summarize     bool
	feedback      string
	outDir        string
}

func NewRecordCmd(deps *Dependencies) *cobra.Command {
	opts := recordOptions{}

	cmd := &cobra.Command{
		Use:   "record <meeting-id>",
		Short: "Record and transcribe a meeting live",
		Long: `Record from the microphone (through ffmpeg) or replay a WAV file, print the
transcript as it is recognized and save it to the meeting. Ctrl+C stops the
recording; the transcript is saved before scribe exits.

Examples:
  scribe record 1842
  scribe record 1842 --wav standup.wav --summary --out ./standup`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, deps, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.wavPath, "wav", "", "Transcribe a WAV file instead of the microphone")
	cmd.Flags().StringVar(&opts.device, "device", "", "ffmpeg input device (platform default when empty)")
	cmd.Flags().BoolVar(&opts.realtime, "realtime", true, "Pace WAV playback in real time")
	cmd.Flags().BoolVar(&opts.separateRoles, "separate-roles", false, "Attribute the new text to speakers after recording")
	cmd.Flags().BoolVar(&opts.summarize, "summary", false, "Summarize the meeting after recording")
	cmd.Flags().StringVar(&opts.feedback, "feedback", "", "Instructions for the summary")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "Export transcript and summary files into this directory")

	return cmd
}

func runRecord(cmd *cobra.Command, deps *Dependencies, meetingID string, opts recordOptions) error {
	if err := deps.Config.Validate(); err != nil {
		return err
	}
	client, err := deps.backendClient(true)
	if err != nil {
		return err
	}
	newChannel, err := asr.NewFactory(deps.Config)
	if err != nil {
		return err
	}

	var src audio.CaptureSource
	if opts.wavPath != "" {
		src = audio.NewWAVSource(opts.wavPath, opts.realtime)
	} else {
		if err := audio.CheckFFmpeg(); err != nil {
			return err
		}
		src = audio.NewMicSource(opts.device)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr())
	live := newLiveSession(deps, client, meetingID, newChannel, printer)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := live.close(closeCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "❌ Final save failed: %v\n", err)
		}
	}()

	meeting, err := live.ctrl.Open(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "📁 %s\n", meeting.Title)

	started := time.Now()
	if err := live.ctrl.StartRecording(ctx, src); err != nil {
		return err
	}

	select {
	case <-live.idle:
	case <-ctx.Done():
		// Drain what was captured and wait for the provider's last result
		if err := live.ctrl.StopRecording(); err == nil {
			<-live.idle
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "⏱️  %s recorded\n", time.Since(started).Round(time.Second))

	// A second Ctrl+C skips the follow-up steps
	stop()
	ctx, stop = signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.separateRoles {
		fmt.Fprintln(cmd.ErrOrStderr(), "👥 Separating speakers...")
		if err := live.ctrl.SeparateRoles(ctx); err != nil {
			return err
		}
	}

	if opts.summarize {
		if err := live.summarize(ctx, opts.feedback); err != nil {
			return err
		}
	}

	if opts.outDir != "" {
		files, err := export(opts.outDir, meeting.Title, live.ctrl.Transcript(), live.ctrl.SummaryText())
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintf(cmd.ErrOrStderr(), "✅ Saved %s\n", f)
		}
	}
	return nil
}
