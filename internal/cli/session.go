package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/meetsynth/transcribe-gateway/internal/asr"
	"github.com/meetsynth/transcribe-gateway/internal/backend"
	"github.com/meetsynth/transcribe-gateway/internal/session"
	"github.com/meetsynth/transcribe-gateway/internal/summary"
	"github.com/meetsynth/transcribe-gateway/internal/transcript"
)

var errSummaryCancelled = errors.New("summary cancelled")

// liveSession runs a controller and prints its events
type liveSession struct {
	ctrl    *session.Controller
	printer *Printer

	idle    chan struct{}
	summary chan error
	done    chan struct{}

	mu      sync.Mutex
	started bool
}

func newLiveSession(deps *Dependencies, client *backend.Client, meetingID string, newChannel asr.Factory, printer *Printer) *liveSession {
	cfg := deps.Config
	ctrl := session.New(session.Options{
		MeetingID:         meetingID,
		Backend:           client,
		NewChannel:        newChannel,
		Summary:           &summary.HTTPSource{Backend: client, Path: cfg.SummaryPath},
		Locker:            session.NewMemoryLocker(),
		SampleRate:        cfg.AudioSampleRate,
		FrameSize:         cfg.AudioFrameSize,
		SaveDebounce:      cfg.SaveDebounce(),
		FirstChunkTimeout: cfg.FirstChunkTimeout(),
		LockTTL:           cfg.LockTTL(),
		Logger:            deps.Logger,
	})

	s := &liveSession{
		ctrl:    ctrl,
		printer: printer,
		idle:    make(chan struct{}, 1),
		summary: make(chan error, 1),
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *liveSession) pump() {
	defer close(s.done)
	for ev := range s.ctrl.Events() {
		s.printer.Event(ev)

		switch ev.Kind {
		case session.EventRecording:
			s.mu.Lock()
			if ev.State == session.RecordingActive {
				s.started = true
			}
			ended := s.started && ev.State == session.RecordingIdle
			s.mu.Unlock()
			if ended {
				notify(s.idle, struct{}{})
			}
		case session.EventSummaryDone:
			notify(s.summary, nil)
		case session.EventSummaryError:
			notify(s.summary, ev.Err)
		case session.EventSummaryCancelled:
			notify(s.summary, errSummaryCancelled)
		}
	}
}

func notify[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// summarize requests a summary and waits for it to finish
func (s *liveSession) summarize(ctx context.Context, feedback string) error {
	ok, err := s.ctrl.RequestSummary(feedback)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("a summary is already being generated")
	}

	select {
	case err := <-s.summary:
		return err
	case <-ctx.Done():
		s.ctrl.CancelSummary()
		return ctx.Err()
	}
}

// close flushes the transcript and waits for the last event
func (s *liveSession) close(ctx context.Context) error {
	err := s.ctrl.Close(ctx)
	<-s.done
	return err
}

// export writes transcript.txt, transcript.md and, when there is one,
// summary.md into dir
func export(dir, title string, segs []transcript.Segment, summaryText string) ([]string, error) {
	files := []string{filepath.Join(dir, "transcript.txt"), filepath.Join(dir, "transcript.md")}
	if err := transcript.WriteText(files[0], segs); err != nil {
		return nil, err
	}
	if err := transcript.WriteMarkdown(files[1], title, segs, summaryText); err != nil {
		return nil, err
	}
	if summaryText != "" {
		path := filepath.Join(dir, "summary.md")
		if err := transcript.WriteSummary(path, summaryText); err != nil {
			return nil, err
		}
		files = append(files, path)
	}
	return files, nil
}
