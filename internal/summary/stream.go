package summary

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmaxmax/go-sse"

	"github.com/meetsynth/transcribe-gateway/internal/observability"
)

const (
	eventBufferSize = 256
	saveTimeout     = 30 * time.Second
)

// Saver persists the summary text of a meeting
type Saver interface {
	SaveSummary(ctx context.Context, meetingID, content string) error
}

// Options configures a Stream
type Options struct {
	MeetingID         string
	Source            Source
	Saver             Saver
	FirstChunkTimeout time.Duration // zero disables
	Logger            zerolog.Logger
	Metrics           *observability.Metrics // optional
}

// Stream drives summary generation for one meeting. At most one request is
// in flight; a Request while streaming is ignored. The text is saved once
// when a stream ends and once per closed edit session.
type Stream struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	status   Status
	text     string
	feedback string
	lastErr  error
	editing  bool
	gen      uint64
	cancel   context.CancelFunc
	closed   bool

	saveMu   sync.Mutex
	saveSeq  uint64
	savedSeq uint64

	emitMu     sync.Mutex
	eventsDone bool
	events     chan Event
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

// NewStream creates an idle stream
func NewStream(opts Options) *Stream {
	return &Stream{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "summary").Logger(),
		events:   make(chan Event, eventBufferSize),
		shutdown: make(chan struct{}),
	}
}

// Events delivers stream events until Close
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Load sets previously saved summary text. Ignored while streaming.
func (s *Stream) Load(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStreaming {
		return
	}
	s.text = text
}

// SetFeedback stores steering text for the next request
func (s *Stream) SetFeedback(feedback string) {
	s.mu.Lock()
	s.feedback = feedback
	s.mu.Unlock()
}

// Request starts a summary of transcriptText. It returns false and does
// nothing while a stream is open, while the summary is being edited, or when
// the transcript is blank. Starting discards the previous text; pending
// feedback is sent and then cleared.
func (s *Stream) Request(transcriptText string) (bool, error) {
	if strings.TrimSpace(transcriptText) == "" {
		return false, ErrEmptyTranscript
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	if s.status == StatusStreaming || s.editing {
		s.mu.Unlock()
		return false, nil
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	s.gen++
	gen := s.gen
	s.status = StatusStreaming
	s.text = ""
	s.lastErr = nil
	s.cancel = func() { cancel(context.Canceled) }
	req := Request{MeetingID: s.opts.MeetingID, Feedback: s.feedback, Transcript: transcriptText}
	s.feedback = ""
	s.wg.Add(1)
	s.mu.Unlock()

	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordSummaryStart()
	}
	s.logger.Info().Int("transcript_len", len(transcriptText)).Bool("feedback", req.Feedback != "").Msg("Summary requested")

	go s.run(ctx, cancel, gen, req)
	return true, nil
}

func (s *Stream) run(ctx context.Context, cancel context.CancelCauseFunc, gen uint64, req Request) {
	defer s.wg.Done()
	defer cancel(nil)

	var firstChunk *time.Timer
	if s.opts.FirstChunkTimeout > 0 {
		firstChunk = time.AfterFunc(s.opts.FirstChunkTimeout, func() { cancel(ErrFirstChunkTimeout) })
		defer firstChunk.Stop()
	}

	body, err := s.opts.Source.Open(ctx, req)
	if err != nil {
		s.finish(gen, streamErr(ctx, err))
		return
	}
	defer body.Close()
	stopClose := context.AfterFunc(ctx, func() { body.Close() })
	defer stopClose()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			s.finish(gen, streamErr(ctx, err))
			return
		}

		switch {
		case ev.Type == endEvent || ev.Data == EndSentinel:
			s.finish(gen, nil)
			return
		case ev.Type == "error":
			s.finish(gen, fmt.Errorf("summary service error: %s", ev.Data))
			return
		case ev.Type != "" && ev.Type != "message":
			s.logger.Debug().Str("event", ev.Type).Msg("Ignoring summary event")
			continue
		}

		if firstChunk != nil {
			firstChunk.Stop()
		}
		if !s.appendChunk(gen, ev.Data) {
			return
		}
	}

	// The body ended without an end marker
	s.finish(gen, streamErr(ctx, ErrStreamClosed))
}

// streamErr prefers the cancellation cause over the I/O error it produced
func streamErr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

func (s *Stream) appendChunk(gen uint64, chunk string) bool {
	s.mu.Lock()
	if gen != s.gen || s.status != StatusStreaming {
		s.mu.Unlock()
		return false
	}
	s.text += chunk
	s.mu.Unlock()

	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordSummaryChunk()
	}
	s.emit(Event{Kind: EventChunk, Text: chunk})
	return true
}

// finish ends the stream identified by gen. A superseded or cancelled
// stream finishes silently.
func (s *Stream) finish(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || s.status != StatusStreaming {
		s.mu.Unlock()
		return
	}
	s.cancel = nil
	text := s.text
	if err == nil {
		s.status = StatusDone
	} else {
		s.status = StatusError
		s.lastErr = &Error{Err: err}
	}
	lastErr := s.lastErr
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Int("partial_len", len(text)).Msg("Summary stream failed")
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordSummaryEnd("error")
		}
		s.emit(Event{Kind: EventError, Text: text, Err: lastErr})
		return
	}

	s.logger.Info().Int("summary_len", len(text)).Msg("Summary stream completed")
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordSummaryEnd("done")
	}
	s.emit(Event{Kind: EventDone, Text: text})
	s.save(s.nextSaveSeq(), text)
}

// Cancel closes an open stream. The text received so far is kept and the
// status returns to idle. It reports whether a stream was open.
func (s *Stream) Cancel() bool {
	s.mu.Lock()
	if s.status != StatusStreaming {
		s.mu.Unlock()
		return false
	}
	s.gen++
	s.status = StatusIdle
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordSummaryEnd("cancelled")
	}
	s.logger.Info().Msg("Summary stream cancelled")
	s.emit(Event{Kind: EventCancelled})
	return true
}

// BeginEdit enters manual edit mode. Rejected while streaming.
func (s *Stream) BeginEdit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStreaming {
		return ErrStreaming
	}
	s.editing = true
	return nil
}

// UpdateEdit replaces the text during an edit session. Nothing is saved.
func (s *Stream) UpdateEdit(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.editing {
		return ErrNotEditing
	}
	s.text = text
	return nil
}

// EndEdit closes the edit session and saves the text in the background.
// The outcome arrives as EventSaved or EventSaveFailed.
func (s *Stream) EndEdit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.editing {
		s.mu.Unlock()
		return ErrNotEditing
	}
	s.editing = false
	text := s.text
	if s.status == StatusError {
		s.status = StatusIdle
		s.lastErr = nil
	}
	s.wg.Add(1)
	s.mu.Unlock()

	seq := s.nextSaveSeq()
	go func() {
		defer s.wg.Done()
		s.save(seq, text)
	}()
	return nil
}

func (s *Stream) nextSaveSeq() uint64 {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.saveSeq++
	return s.saveSeq
}

// save persists text unless a later save already went through
func (s *Stream) save(seq uint64, text string) {
	if s.opts.Saver == nil {
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if seq <= s.savedSeq {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	start := time.Now()
	err := s.opts.Saver.SaveSummary(ctx, s.opts.MeetingID, text)
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordSave("summary", err == nil, time.Since(start))
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to save summary")
		s.emit(Event{Kind: EventSaveFailed, Err: err})
		return
	}
	s.savedSeq = seq
	s.emit(Event{Kind: EventSaved, Text: text})
}

// Snapshot returns a copy of the current state
func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:   s.status,
		Text:     s.text,
		Feedback: s.feedback,
		Editing:  s.editing,
		Err:      s.lastErr,
	}
}

// Text returns the current summary text
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *Stream) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.eventsDone {
		return
	}
	select {
	case s.events <- ev:
	case <-s.shutdown:
	}
}

// Close cancels any open stream, waits for in-flight saves, and closes Events
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	if s.status == StatusStreaming {
		s.status = StatusIdle
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(s.shutdown)
	s.wg.Wait()

	s.emitMu.Lock()
	s.eventsDone = true
	close(s.events)
	s.emitMu.Unlock()
}
