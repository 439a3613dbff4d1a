package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetsynth/transcribe-gateway/internal/asr"
	"github.com/meetsynth/transcribe-gateway/internal/audio"
	"github.com/meetsynth/transcribe-gateway/internal/backend"
	"github.com/meetsynth/transcribe-gateway/internal/observability"
	"github.com/meetsynth/transcribe-gateway/internal/summary"
	"github.com/meetsynth/transcribe-gateway/internal/transcript"
)

const (
	eventBufferSize = 256
	saveTimeout     = 30 * time.Second
	lockOpTimeout   = 5 * time.Second
)

// Backend is the meeting persistence the controller needs
type Backend interface {
	GetMeeting(ctx context.Context, id string) (*backend.Meeting, error)
	SaveRecording(ctx context.Context, id, recording string) error
	SaveSummary(ctx context.Context, id, content string) error
	SeparateRoles(ctx context.Context, id, text string) ([]transcript.RawItem, error)
}

// Options configures a Controller
type Options struct {
	SessionID  string // generated when empty
	MeetingID  string
	Backend    Backend
	NewChannel asr.Factory
	Summary    summary.Source
	Locker     Locker // optional

	SampleRate        int
	FrameSize         int
	SaveDebounce      time.Duration
	FirstChunkTimeout time.Duration
	LockTTL           time.Duration

	Logger zerolog.Logger
}

// Controller composes capture, transcription, the transcript and the summary
// for one meeting. All record-pipeline state is owned by a single loop
// goroutine; capture frames, ASR events, summary events and client commands
// are all handled there, each source in its own arrival order.
type Controller struct {
	opts    Options
	id      string
	logger  zerolog.Logger
	metrics *observability.Metrics

	agg     *transcript.Aggregator
	summary *summary.Stream
	saver   *transcript.Debouncer

	ctx    context.Context
	cancel context.CancelFunc

	cmds     chan func()
	saveReq  chan struct{}
	quit     chan struct{}
	loopDone chan struct{}

	// owned by the loop
	state     RecordingState
	attempt   uint64
	capture   audio.CaptureSource
	frames    <-chan audio.Frame
	channel   asr.Channel
	asrEvents <-chan asr.Event
	lockHeld  bool
	lockTick  *time.Ticker

	saveMu   sync.Mutex
	saveSeq  uint64
	savedSeq uint64
	bg       sync.WaitGroup

	emitMu       sync.Mutex
	events       chan Event
	eventsClosed bool
	closeOnce    sync.Once
	closeErr     error
}

// New creates a controller and starts its loop. Call Open to restore the
// meeting, and Close to tear the session down.
func New(opts Options) *Controller {
	id := opts.SessionID
	if id == "" {
		id = observability.NewCorrelationID()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		opts:     opts,
		id:       id,
		logger:   observability.SessionLogger(opts.Logger, id, opts.MeetingID),
		metrics:  observability.NewSessionMetrics(id),
		agg:      transcript.NewAggregator(),
		ctx:      ctx,
		cancel:   cancel,
		cmds:     make(chan func()),
		saveReq:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		events:   make(chan Event, eventBufferSize),
	}
	c.summary = summary.NewStream(summary.Options{
		MeetingID:         opts.MeetingID,
		Source:            opts.Summary,
		Saver:             opts.Backend,
		FirstChunkTimeout: opts.FirstChunkTimeout,
		Logger:            c.logger,
		Metrics:           c.metrics,
	})
	c.saver = transcript.NewDebouncer(opts.SaveDebounce, func() {
		select {
		case c.saveReq <- struct{}{}:
		default:
		}
	})

	c.metrics.RecordSessionStart()
	go c.loop()
	return c
}

// ID returns the session id used in logs
func (c *Controller) ID() string {
	return c.id
}

// Events delivers session events until Close. The channel must be drained.
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	summaryEvents := c.summary.Events()

	for {
		var lockTick <-chan time.Time
		if c.lockTick != nil {
			lockTick = c.lockTick.C
		}

		select {
		case <-c.quit:
			return
		case fn := <-c.cmds:
			fn()
		case f, ok := <-c.frames:
			c.onFrame(f, ok)
		case ev, ok := <-c.asrEvents:
			c.onChannelEvent(ev, ok)
		case ev, ok := <-summaryEvents:
			if !ok {
				summaryEvents = nil
				continue
			}
			c.onSummaryEvent(ev)
		case <-c.saveReq:
			c.saveInBackground()
		case <-lockTick:
			c.refreshLock()
		}
	}
}

// exec runs fn on the loop and returns its result
func (c *Controller) exec(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.cmds <- func() { errc <- fn() }:
	case <-c.loopDone:
		return ErrClosed
	}
	return <-errc
}

func (c *Controller) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.quit:
		// Tearing down: deliver only if there is room
		select {
		case c.events <- ev:
		default:
		}
	}
}

func (c *Controller) emitError(source string, err error) {
	c.metrics.RecordError(source, "session")
	c.emit(Event{Kind: EventError, Source: source, Err: err})
}

func (c *Controller) emitTranscript() {
	c.emit(Event{Kind: EventTranscript, Segments: c.agg.Segments()})
}

func (c *Controller) setState(s RecordingState) {
	if c.state == s {
		return
	}
	c.logger.Info().Str("from", c.state.String()).Str("to", s.String()).Msg("Recording state changed")
	c.state = s
	c.emit(Event{Kind: EventRecording, State: s})
}

// mutated records a persisted-state change
func (c *Controller) mutated() {
	c.emitTranscript()
	c.saver.Trigger()
}

// Open loads the meeting and restores its saved transcript and summary
func (c *Controller) Open(ctx context.Context) (*backend.Meeting, error) {
	m, err := c.opts.Backend.GetMeeting(ctx, c.opts.MeetingID)
	if err != nil {
		return nil, err
	}

	err = c.exec(func() error {
		if c.state != RecordingIdle {
			return ErrRecording
		}
		if err := c.agg.Load(m.Recording); err != nil {
			return fmt.Errorf("restoring transcript: %w", err)
		}
		c.summary.Load(m.Content)
		c.emit(Event{Kind: EventLoaded, Segments: c.agg.Segments(), Text: m.Content})
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().Int("segments", c.agg.Len()).Bool("has_summary", m.Content != "").Msg("Meeting loaded")
	return m, nil
}

// StartRecording connects a fresh transcription channel and, once it is
// open, starts src. It blocks until recording is running or has failed.
func (c *Controller) StartRecording(ctx context.Context, src audio.CaptureSource) error {
	var (
		ch      asr.Channel
		attempt uint64
	)
	err := c.exec(func() error {
		if c.state != RecordingIdle {
			return ErrRecording
		}
		if err := c.acquireLock(); err != nil {
			return err
		}
		c.attempt++
		attempt = c.attempt
		ch = c.opts.NewChannel(c.logger, c.metrics)
		c.channel = ch
		c.setState(RecordingConnecting)
		return nil
	})
	if err != nil {
		return err
	}

	// Teardown cancels an in-flight handshake
	connCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	c.metrics.RecordConnectStart()
	connErr := ch.Connect(connCtx)
	c.metrics.RecordConnectEnd(connErr == nil)
	stop()
	cancel()

	return c.exec(func() error {
		if attempt != c.attempt || c.channel != ch {
			ch.Close()
			return ErrStopped
		}
		if connErr != nil {
			c.logger.Error().Err(connErr).Msg("ASR connect failed")
			c.channel = nil
			ch.Close()
			c.finishRecording()
			c.emitError(SourceChannel, connErr)
			return connErr
		}
		if err := src.Start(c.ctx, c.opts.SampleRate, c.opts.FrameSize); err != nil {
			c.logger.Error().Err(err).Msg("Capture failed to start")
			c.channel = nil
			ch.Close()
			c.finishRecording()
			c.emitError(SourceCapture, err)
			return err
		}

		c.capture = src
		c.frames = src.Frames()
		c.asrEvents = ch.Events()
		c.setState(RecordingActive)
		return nil
	})
}

// StopRecording stops capture. The last frame is followed by the end
// marker and the recording finishes when the provider closes the channel.
func (c *Controller) StopRecording() error {
	return c.exec(func() error {
		if c.state != RecordingActive {
			return ErrNotRecording
		}
		c.setState(RecordingStopping)
		// Stop blocks until the loop has taken the last frame
		go c.capture.Stop()
		return nil
	})
}

func (c *Controller) onFrame(f audio.Frame, ok bool) {
	if !ok {
		c.captureEnded()
		return
	}

	if c.channel != nil && len(f.Data) > 0 {
		sent := c.channel.SendFrame(f.Data)
		c.metrics.RecordFrame(sent, len(f.Data))
	}
	if f.Last {
		c.captureEnded()
	}
}

// captureEnded runs once per recording, on the last frame or when the
// frame channel closes without one
func (c *Controller) captureEnded() {
	if c.frames == nil {
		return
	}
	c.frames = nil
	c.capture = nil

	if c.channel == nil {
		c.finishRecording()
		return
	}

	c.setState(RecordingStopping)
	if err := c.channel.SendEndMarker(); err != nil {
		c.logger.Warn().Err(err).Msg("Could not send end marker")
		c.closeChannel()
	}
}

func (c *Controller) onChannelEvent(ev asr.Event, ok bool) {
	if !ok {
		c.asrEvents = nil
		return
	}

	switch ev.Kind {
	case asr.EventSegment:
		if ev.Segment.Final {
			c.metrics.RecordSegment(true)
			hadInterim := c.agg.Interim() != ""
			c.agg.AppendFinal(ev.Segment.Text)
			if ev.Segment.Text == "" {
				// Nothing committed; only the interim line goes away
				if hadInterim {
					c.emit(Event{Kind: EventInterim})
				}
				return
			}
			c.mutated()
			return
		}
		c.metrics.RecordSegment(false)
		c.agg.SetInterim(ev.Segment.Text)
		c.emit(Event{Kind: EventInterim, Text: ev.Segment.Text})

	case asr.EventState:
		c.logger.Debug().Str("state", ev.State.String()).Msg("ASR channel state")
		if ev.State == asr.StateClosed {
			c.closeChannel()
		}

	case asr.EventError:
		c.logger.Error().Err(ev.Err).Msg("ASR channel failed")
		c.emitError(SourceChannel, ev.Err)
	}
}

// closeChannel releases the channel. If capture is still running it is
// stopped and drained; frames arriving meanwhile are discarded.
func (c *Controller) closeChannel() {
	if c.channel == nil {
		return
	}
	c.channel.Close()
	c.channel = nil
	c.asrEvents = nil

	if interim := c.agg.Interim(); interim != "" {
		c.agg.SetInterim("")
		c.emit(Event{Kind: EventInterim})
	}

	if c.capture != nil {
		c.setState(RecordingStopping)
		go c.capture.Stop()
		return
	}
	c.finishRecording()
}

func (c *Controller) finishRecording() {
	c.releaseLock()
	c.setState(RecordingIdle)
}

func (c *Controller) acquireLock() error {
	if c.opts.Locker == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, lockOpTimeout)
	defer cancel()

	ok, err := c.opts.Locker.Acquire(ctx, c.opts.MeetingID, c.id, c.opts.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocked
	}
	c.lockHeld = true
	c.lockTick = time.NewTicker(c.opts.LockTTL / 3)
	return nil
}

func (c *Controller) refreshLock() {
	if !c.lockHeld {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, lockOpTimeout)
	defer cancel()

	ok, err := c.opts.Locker.Refresh(ctx, c.opts.MeetingID, c.id, c.opts.LockTTL)
	if err != nil {
		// Transient; the lease outlives a few missed refreshes
		c.logger.Warn().Err(err).Msg("Live-session lock refresh failed")
		return
	}
	if ok {
		return
	}

	c.logger.Error().Msg("Live-session lock lost, stopping recording")
	c.stopLockTicker()
	c.lockHeld = false
	c.emitError(SourceLock, ErrLocked)
	c.closeChannel()
}

func (c *Controller) stopLockTicker() {
	if c.lockTick != nil {
		c.lockTick.Stop()
		c.lockTick = nil
	}
}

func (c *Controller) releaseLock() {
	c.stopLockTicker()
	if !c.lockHeld {
		return
	}
	c.lockHeld = false

	ctx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
	defer cancel()
	if err := c.opts.Locker.Release(ctx, c.opts.MeetingID, c.id); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to release live-session lock")
	}
}

// AppendText adds typed text as its own segment
func (c *Controller) AppendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return c.exec(func() error {
		c.agg.AppendSegment(text)
		c.mutated()
		return nil
	})
}

// BeginEdit puts segment i in edit mode. Segments are only editable while
// no recording is running, since final results keep extending the tail.
func (c *Controller) BeginEdit(i int) error {
	return c.exec(func() error {
		if c.state != RecordingIdle {
			return ErrRecording
		}
		if err := c.agg.BeginEdit(i); err != nil {
			return err
		}
		c.emitTranscript()
		return nil
	})
}

// CommitEdit replaces the text of segment i
func (c *Controller) CommitEdit(i int, text string) error {
	return c.exec(func() error {
		if c.state != RecordingIdle {
			return ErrRecording
		}
		if err := c.agg.CommitEdit(i, text); err != nil {
			return err
		}
		c.mutated()
		return nil
	})
}

// CancelEdit leaves edit mode without saving
func (c *Controller) CancelEdit(i int) error {
	return c.exec(func() error {
		if err := c.agg.CancelEdit(i); err != nil {
			return err
		}
		c.emitTranscript()
		return nil
	})
}

// Delete removes segment i. Not allowed while recording.
func (c *Controller) Delete(i int) error {
	return c.exec(func() error {
		if c.state != RecordingIdle {
			return ErrRecording
		}
		if err := c.agg.Delete(i); err != nil {
			return err
		}
		c.mutated()
		return nil
	})
}

// Clear removes the whole transcript. Not allowed while recording.
func (c *Controller) Clear() error {
	return c.exec(func() error {
		if c.state != RecordingIdle {
			return ErrRecording
		}
		c.agg.Clear()
		c.mutated()
		return nil
	})
}

// SeparateRoles attributes the text recorded since the last pass to
// speakers. It is rejected while recording, and when the transcript changed
// while the backend was working.
func (c *Controller) SeparateRoles(ctx context.Context) error {
	var text string
	err := c.exec(func() error {
		if c.state != RecordingIdle {
			return ErrRecording
		}
		text = c.agg.PendingText()
		return nil
	})
	if err != nil || text == "" {
		return err
	}

	items, err := c.opts.Backend.SeparateRoles(ctx, c.opts.MeetingID, text)
	if err != nil {
		return err
	}

	return c.exec(func() error {
		if c.state != RecordingIdle {
			return ErrRecording
		}
		if c.agg.PendingText() != text {
			return ErrTranscriptChanged
		}
		c.agg.ApplyRoleSeparation(items)
		c.logger.Info().Int("items", len(items)).Int("segments", c.agg.Len()).Msg("Role separation applied")
		c.mutated()
		return nil
	})
}

// RequestSummary summarizes the current transcript. Feedback, when given,
// steers this request. It reports false when a summary is already streaming.
func (c *Controller) RequestSummary(feedback string) (bool, error) {
	if feedback != "" {
		c.summary.SetFeedback(feedback)
	}
	return c.summary.Request(c.agg.Text())
}

// CancelSummary closes an open summary stream
func (c *Controller) CancelSummary() bool {
	return c.summary.Cancel()
}

// BeginSummaryEdit starts a manual summary edit
func (c *Controller) BeginSummaryEdit() error {
	return c.summary.BeginEdit()
}

// UpdateSummary replaces the summary text during an edit
func (c *Controller) UpdateSummary(text string) error {
	return c.summary.UpdateEdit(text)
}

// EndSummaryEdit closes the edit and saves the summary
func (c *Controller) EndSummaryEdit() error {
	return c.summary.EndEdit()
}

func (c *Controller) onSummaryEvent(ev summary.Event) {
	switch ev.Kind {
	case summary.EventChunk:
		c.emit(Event{Kind: EventSummaryChunk, Text: ev.Text})
	case summary.EventDone:
		c.emit(Event{Kind: EventSummaryDone, Text: ev.Text})
	case summary.EventError:
		c.emit(Event{Kind: EventSummaryError, Text: ev.Text, Source: SourceSummary, Err: ev.Err})
	case summary.EventCancelled:
		c.emit(Event{Kind: EventSummaryCancelled})
	case summary.EventSaved:
		c.emit(Event{Kind: EventSaved, Saved: SavedSummary, Text: ev.Text})
	case summary.EventSaveFailed:
		c.emitError(SourcePersistence, ev.Err)
	}
}

// Snapshot returns the current session state
func (c *Controller) Snapshot() (Snapshot, error) {
	var state RecordingState
	if err := c.exec(func() error {
		state = c.state
		return nil
	}); err != nil {
		return Snapshot{}, err
	}

	sum := c.summary.Snapshot()
	return Snapshot{
		State:         state,
		Segments:      c.agg.Segments(),
		Interim:       c.agg.Interim(),
		Summary:       sum.Text,
		SummaryStatus: sum.Status.String(),
		SummaryEdit:   sum.Editing,
	}, nil
}

// Transcript returns the current segments
func (c *Controller) Transcript() []transcript.Segment {
	return c.agg.Segments()
}

// SummaryText returns the current summary text
func (c *Controller) SummaryText() string {
	return c.summary.Text()
}

func (c *Controller) nextSaveSeq() uint64 {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	c.saveSeq++
	return c.saveSeq
}

func (c *Controller) saveInBackground() {
	rec, err := c.agg.Serialize()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to serialize transcript")
		return
	}
	seq := c.nextSaveSeq()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		_ = c.saveRecording(ctx, seq, rec)
	}()
}

// saveRecording persists rec unless a later save already went through.
// Saves run one at a time.
func (c *Controller) saveRecording(ctx context.Context, seq uint64, rec string) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if seq <= c.savedSeq {
		return nil
	}

	start := time.Now()
	err := c.opts.Backend.SaveRecording(ctx, c.opts.MeetingID, rec)
	c.metrics.RecordSave(SavedRecording, err == nil, time.Since(start))
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to save transcript")
		c.emitError(SourcePersistence, err)
		return err
	}

	c.savedSeq = seq
	c.logger.Debug().Int("bytes", len(rec)).Msg("Transcript saved")
	c.emit(Event{Kind: EventSaved, Saved: SavedRecording})
	return nil
}

// Close tears the session down: recording is abandoned, a pending autosave
// is cancelled and replaced by one immediate save of the full transcript,
// the summary stream is closed, and Events is closed. Later calls return
// the first call's result.
func (c *Controller) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.teardown(ctx)
	})
	return c.closeErr
}

func (c *Controller) teardown(ctx context.Context) error {
	var (
		final     string
		needsSave bool
	)
	_ = c.exec(func() error {
		c.attempt++
		if c.channel != nil {
			c.channel.Close()
			c.channel = nil
			c.asrEvents = nil
		}
		capture := c.capture
		c.capture = nil
		c.frames = nil
		// Abandons frame delivery and any handshake in flight
		c.cancel()
		if capture != nil {
			go capture.Stop()
		}
		c.releaseLock()
		c.state = RecordingIdle

		pending := c.saver.Stop()
		if pending || c.agg.Len() > 0 {
			rec, err := c.agg.Serialize()
			if err != nil {
				c.logger.Error().Err(err).Msg("Failed to serialize transcript")
				return nil
			}
			final, needsSave = rec, true
		}
		return nil
	})

	close(c.quit)
	<-c.loopDone
	c.cancel()

	c.summary.Close()

	var err error
	if needsSave {
		err = c.saveRecording(ctx, c.nextSaveSeq(), final)
	}
	c.bg.Wait()

	c.metrics.RecordSessionEnd()
	c.logger.Info().Bool("final_save", needsSave).Err(err).Msg("Session closed")

	c.emitMu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.emitMu.Unlock()
	return err
}
