package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetsynth/transcribe-gateway/internal/asr"
	"github.com/meetsynth/transcribe-gateway/internal/audio"
	"github.com/meetsynth/transcribe-gateway/internal/backend"
	"github.com/meetsynth/transcribe-gateway/internal/observability"
	"github.com/meetsynth/transcribe-gateway/internal/summary"
	"github.com/meetsynth/transcribe-gateway/internal/transcript"
)

// fakeChannel answers the end marker by closing, like a provider that has
// flushed its last result
type fakeChannel struct {
	mu         sync.Mutex
	connectErr error
	state      asr.State
	events     chan asr.Event
	frames     [][]byte
	endMarker  bool
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan asr.Event, 64)}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		f.state = asr.StateClosed
		return f.connectErr
	}
	f.state = asr.StateOpen
	return nil
}

func (f *fakeChannel) SendFrame(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != asr.StateOpen {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeChannel) SendEndMarker() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != asr.StateOpen {
		return asr.ErrNotOpen
	}
	f.endMarker = true
	f.state = asr.StateClosed
	f.pushLocked(asr.Event{Kind: asr.EventState, State: asr.StateClosed})
	return nil
}

func (f *fakeChannel) Events() <-chan asr.Event { return f.events }

func (f *fakeChannel) State() asr.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.state = asr.StateClosed
		close(f.events)
	}
	return nil
}

func (f *fakeChannel) push(ev asr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushLocked(ev)
}

func (f *fakeChannel) pushLocked(ev asr.Event) {
	if !f.closed {
		f.events <- ev
	}
}

func (f *fakeChannel) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeChannel) sawEndMarker() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endMarker
}

type fakeBackend struct {
	mu         sync.Mutex
	meeting    backend.Meeting
	recordings []string
	summaries  []string
	roles      []transcript.RawItem
	roleText   []string
	saveErr    error
	onSeparate func()
}

func (b *fakeBackend) GetMeeting(ctx context.Context, id string) (*backend.Meeting, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.meeting
	m.ID = id
	return &m, nil
}

func (b *fakeBackend) SaveRecording(ctx context.Context, id, recording string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordings = append(b.recordings, recording)
	return b.saveErr
}

func (b *fakeBackend) SaveSummary(ctx context.Context, id, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summaries = append(b.summaries, content)
	return b.saveErr
}

func (b *fakeBackend) SeparateRoles(ctx context.Context, id, text string) ([]transcript.RawItem, error) {
	b.mu.Lock()
	b.roleText = append(b.roleText, text)
	hook := b.onSeparate
	items := b.roles
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return items, nil
}

func (b *fakeBackend) savedRecordings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.recordings...)
}

func (b *fakeBackend) savedSummaries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.summaries...)
}

type bodySource string

func (s bodySource) Open(ctx context.Context, req summary.Request) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(s))), nil
}

// eventLog drains a controller's events in the background
type eventLog struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func collect(c *Controller) *eventLog {
	l := &eventLog{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for ev := range c.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) has(match func(Event) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if match(ev) {
			return true
		}
	}
	return false
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) waitFor(t *testing.T, match func(Event) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return l.has(match) }, 2*time.Second, 5*time.Millisecond)
}

func isKind(kind EventKind) func(Event) bool {
	return func(ev Event) bool { return ev.Kind == kind }
}

func isState(s RecordingState) func(Event) bool {
	return func(ev Event) bool { return ev.Kind == EventRecording && ev.State == s }
}

type harness struct {
	ctrl     *Controller
	backend  *fakeBackend
	log      *eventLog
	mu       sync.Mutex
	channels []*fakeChannel
	nextErr  error
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{backend: &fakeBackend{}}
	opts := Options{
		MeetingID: "m-1",
		Backend:   h.backend,
		NewChannel: func(logger zerolog.Logger, metrics *observability.Metrics) asr.Channel {
			h.mu.Lock()
			defer h.mu.Unlock()
			ch := newFakeChannel()
			ch.connectErr = h.nextErr
			h.channels = append(h.channels, ch)
			return ch
		},
		Summary:      bodySource("data: Summary text.\n\ndata: event: end\n\n"),
		SampleRate:   16000,
		FrameSize:    4,
		SaveDebounce: time.Hour,
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.ctrl = New(opts)
	h.log = collect(h.ctrl)
	t.Cleanup(func() { h.ctrl.Close(context.Background()) })
	return h
}

func (h *harness) channel(i int) *fakeChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels[i]
}

func (h *harness) state(t *testing.T) RecordingState {
	t.Helper()
	snap, err := h.ctrl.Snapshot()
	require.NoError(t, err)
	return snap.State
}

func TestController_RecordingFlow(t *testing.T) {
	h := newHarness(t, nil)
	src := audio.NewPushSource()

	require.NoError(t, h.ctrl.StartRecording(context.Background(), src))
	assert.Equal(t, RecordingActive, h.state(t))
	ch := h.channel(0)

	_, err := src.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ch.frameCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	ch.push(asr.Event{Kind: asr.EventSegment, Segment: asr.Segment{Text: "Hel"}})
	h.log.waitFor(t, func(ev Event) bool { return ev.Kind == EventInterim && ev.Text == "Hel" })

	ch.push(asr.Event{Kind: asr.EventSegment, Segment: asr.Segment{Text: "Hello ", Final: true}})
	ch.push(asr.Event{Kind: asr.EventSegment, Segment: asr.Segment{Text: "world", Final: true}})
	h.log.waitFor(t, func(ev Event) bool {
		return ev.Kind == EventTranscript && len(ev.Segments) == 1 && ev.Segments[0].Text == "Hello world"
	})

	require.NoError(t, h.ctrl.StopRecording())
	h.log.waitFor(t, isState(RecordingIdle))

	// The trailing partial frame goes out before the end marker
	assert.Equal(t, 3, ch.frameCount())
	assert.True(t, ch.sawEndMarker())

	snap, err := h.ctrl.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, RecordingIdle, snap.State)
	assert.Empty(t, snap.Interim)
	require.Len(t, snap.Segments, 1)
	assert.Equal(t, "Hello world", snap.Segments[0].Text)
}

func TestController_InterimNotPersisted(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.StartRecording(context.Background(), audio.NewPushSource()))
	ch := h.channel(0)

	ch.push(asr.Event{Kind: asr.EventSegment, Segment: asr.Segment{Text: "maybe"}})
	h.log.waitFor(t, isKind(EventInterim))

	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.Empty(t, h.backend.savedRecordings())
}

func TestController_StartWhileRecording(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.StartRecording(context.Background(), audio.NewPushSource()))

	err := h.ctrl.StartRecording(context.Background(), audio.NewPushSource())
	assert.ErrorIs(t, err, ErrRecording)
}

func TestController_StopWhenIdle(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.ctrl.StopRecording(), ErrNotRecording)
}

func TestController_ConnectFailure(t *testing.T) {
	locker := NewMemoryLocker()
	h := newHarness(t, func(o *Options) { o.Locker = locker })
	h.nextErr = &asr.ChannelError{Op: asr.OpHandshake, Err: errors.New("refused")}

	err := h.ctrl.StartRecording(context.Background(), audio.NewPushSource())
	require.Error(t, err)
	assert.Equal(t, RecordingIdle, h.state(t))
	h.log.waitFor(t, func(ev Event) bool { return ev.Kind == EventError && ev.Source == SourceChannel })

	// The lock went back with the failed attempt
	ok, err := locker.Acquire(context.Background(), "m-1", "someone-else", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, locker.Release(context.Background(), "m-1", "someone-else"))

	// No automatic retry; a new start uses a fresh channel
	h.nextErr = nil
	require.NoError(t, h.ctrl.StartRecording(context.Background(), audio.NewPushSource()))
	assert.Len(t, h.channels, 2)
}

func TestController_ChannelDropEndsRecording(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.StartRecording(context.Background(), audio.NewPushSource()))
	ch := h.channel(0)

	ch.push(asr.Event{Kind: asr.EventSegment, Segment: asr.Segment{Text: "kept", Final: true}})
	ch.push(asr.Event{Kind: asr.EventState, State: asr.StateClosed})
	ch.push(asr.Event{Kind: asr.EventError, Err: &asr.ChannelError{Op: asr.OpTransport, Err: io.ErrUnexpectedEOF}})

	h.log.waitFor(t, isState(RecordingIdle))
	assert.Equal(t, "kept", h.ctrl.Transcript()[0].Text)
}

func TestController_LockHeldByAnotherSession(t *testing.T) {
	locker := NewMemoryLocker()
	first := newHarness(t, func(o *Options) { o.Locker = locker })
	second := newHarness(t, func(o *Options) { o.Locker = locker })

	require.NoError(t, first.ctrl.StartRecording(context.Background(), audio.NewPushSource()))
	err := second.ctrl.StartRecording(context.Background(), audio.NewPushSource())
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.ctrl.Close(context.Background()))
	require.NoError(t, second.ctrl.StartRecording(context.Background(), audio.NewPushSource()))
}

func TestController_LockLostStopsRecording(t *testing.T) {
	locker := NewMemoryLocker()
	h := newHarness(t, func(o *Options) {
		o.Locker = locker
		o.LockTTL = 30 * time.Millisecond
	})
	require.NoError(t, h.ctrl.StartRecording(context.Background(), audio.NewPushSource()))

	// Another owner takes the meeting over
	locker.mu.Lock()
	locker.locks["m-1"] = memoryLease{owner: "intruder", expires: time.Now().Add(time.Hour)}
	locker.mu.Unlock()

	h.log.waitFor(t, func(ev Event) bool { return ev.Kind == EventError && ev.Source == SourceLock })
	h.log.waitFor(t, isState(RecordingIdle))
}

func TestController_CloseSavesExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.AppendText("typed note"))

	require.NoError(t, h.ctrl.Close(context.Background()))
	<-h.log.done

	saves := h.backend.savedRecordings()
	require.Len(t, saves, 1)
	segs, err := transcript.Unmarshal(saves[0])
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "typed note", segs[0].Text)

	// Closing again changes nothing
	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.Len(t, h.backend.savedRecordings(), 1)
}

func TestController_CloseEmptyDoesNotSave(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.Empty(t, h.backend.savedRecordings())
}

func TestController_CloseDuringRecording(t *testing.T) {
	h := newHarness(t, nil)
	src := audio.NewPushSource()
	require.NoError(t, h.ctrl.StartRecording(context.Background(), src))
	ch := h.channel(0)
	ch.push(asr.Event{Kind: asr.EventSegment, Segment: asr.Segment{Text: "mid sentence", Final: true}})
	h.log.waitFor(t, isKind(EventTranscript))

	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.Len(t, h.backend.savedRecordings(), 1)
	assert.False(t, ch.sawEndMarker())

	require.Eventually(t, func() bool {
		_, err := src.Write([]byte{1, 2})
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestController_AutosaveAfterQuietPeriod(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SaveDebounce = 50 * time.Millisecond })

	require.NoError(t, h.ctrl.AppendText("one"))
	require.NoError(t, h.ctrl.AppendText("two"))
	h.log.waitFor(t, func(ev Event) bool { return ev.Kind == EventSaved && ev.Saved == SavedRecording })

	saves := h.backend.savedRecordings()
	require.Len(t, saves, 1)
	segs, err := transcript.Unmarshal(saves[0])
	require.NoError(t, err)
	assert.Len(t, segs, 2)
}

func TestController_SaveFailureIsReported(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SaveDebounce = 10 * time.Millisecond })
	h.backend.saveErr = errors.New("backend down")

	require.NoError(t, h.ctrl.AppendText("text"))
	h.log.waitFor(t, func(ev Event) bool { return ev.Kind == EventError && ev.Source == SourcePersistence })
}

func TestController_OpenRestoresMeeting(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.meeting = backend.Meeting{
		Title:     "Weekly",
		Recording: `[{"speaker":"1","text":"Hi"},{"speaker":"2","text":"Hello"}]`,
		Content:   "Saved summary",
	}

	m, err := h.ctrl.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Weekly", m.Title)
	h.log.waitFor(t, isKind(EventLoaded))

	snap, err := h.ctrl.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Segments, 2)
	assert.Equal(t, "2", snap.Segments[1].Speaker)
	assert.Equal(t, "Saved summary", snap.Summary)
}

func TestController_OpenRejectsBadRecording(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.meeting = backend.Meeting{Recording: "{not json"}

	_, err := h.ctrl.Open(context.Background())
	assert.Error(t, err)
}

func TestController_EditAndDelete(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.AppendText("first"))
	require.NoError(t, h.ctrl.AppendText("second"))

	require.NoError(t, h.ctrl.BeginEdit(0))
	assert.ErrorIs(t, h.ctrl.BeginEdit(1), transcript.ErrEditInProgress)
	require.NoError(t, h.ctrl.CommitEdit(0, "First!"))
	require.NoError(t, h.ctrl.Delete(1))
	assert.ErrorIs(t, h.ctrl.Delete(5), transcript.ErrIndexOutOfRange)

	segs := h.ctrl.Transcript()
	require.Len(t, segs, 1)
	assert.Equal(t, "First!", segs[0].Text)
}

func TestController_EditRejectedWhileRecording(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.StartRecording(context.Background(), audio.NewPushSource()))
	ch := h.channel(0)

	ch.push(asr.Event{Kind: asr.EventSegment, Segment: asr.Segment{Text: "Hello ", Final: true}})
	h.log.waitFor(t, isKind(EventTranscript))

	assert.ErrorIs(t, h.ctrl.BeginEdit(0), ErrRecording)
	assert.ErrorIs(t, h.ctrl.CommitEdit(0, "Hi "), ErrRecording)
	assert.ErrorIs(t, h.ctrl.Delete(0), ErrRecording)

	ch.push(asr.Event{Kind: asr.EventSegment, Segment: asr.Segment{Text: "world", Final: true}})
	h.log.waitFor(t, func(ev Event) bool {
		return ev.Kind == EventTranscript && len(ev.Segments) == 1 && ev.Segments[0].Text == "Hello world"
	})

	require.NoError(t, h.ctrl.StopRecording())
	h.log.waitFor(t, isState(RecordingIdle))

	require.NoError(t, h.ctrl.BeginEdit(0))
	require.NoError(t, h.ctrl.CommitEdit(0, "Hello, world"))
	assert.Equal(t, "Hello, world", h.ctrl.Transcript()[0].Text)
}

func TestController_EmptyFinalChangesNothing(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.StartRecording(context.Background(), audio.NewPushSource()))
	ch := h.channel(0)

	ch.push(asr.Event{Kind: asr.EventSegment, Segment: asr.Segment{Text: "um"}})
	ch.push(asr.Event{Kind: asr.EventSegment, Segment: asr.Segment{Text: "", Final: true}})
	ch.push(asr.Event{Kind: asr.EventSegment, Segment: asr.Segment{Text: "next"}})
	h.log.waitFor(t, func(ev Event) bool { return ev.Kind == EventInterim && ev.Text == "next" })

	assert.Zero(t, h.log.count(EventTranscript))
	assert.True(t, h.log.has(func(ev Event) bool { return ev.Kind == EventInterim && ev.Text == "" }))
	assert.Empty(t, h.ctrl.Transcript())

	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.Empty(t, h.backend.savedRecordings())
}

func TestController_ClearRejectedWhileRecording(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.AppendText("keep me"))
	require.NoError(t, h.ctrl.StartRecording(context.Background(), audio.NewPushSource()))

	assert.ErrorIs(t, h.ctrl.Clear(), ErrRecording)
	assert.Len(t, h.ctrl.Transcript(), 1)
}

func TestController_SeparateRoles(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.roles = []transcript.RawItem{
		{Speaker: "1", Text: "Hello "},
		{Speaker: "1", Text: "there"},
		{Speaker: "2", Text: "Hi"},
	}
	require.NoError(t, h.ctrl.AppendText("Hello there"))
	require.NoError(t, h.ctrl.AppendText("Hi"))

	require.NoError(t, h.ctrl.SeparateRoles(context.Background()))

	segs := h.ctrl.Transcript()
	require.Len(t, segs, 2)
	assert.Equal(t, transcript.Segment{Speaker: "1", Text: "Hello there"}, segs[0])
	assert.Equal(t, transcript.Segment{Speaker: "2", Text: "Hi"}, segs[1])
	assert.Equal(t, []string{"Hello thereHi"}, h.backend.roleText)
}

func TestController_SeparateRolesNothingPending(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.SeparateRoles(context.Background()))
	assert.Empty(t, h.backend.roleText)
}

func TestController_SeparateRolesTranscriptChanged(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.roles = []transcript.RawItem{{Speaker: "1", Text: "a"}}
	h.backend.onSeparate = func() {
		require.NoError(t, h.ctrl.AppendText("typed meanwhile"))
	}
	require.NoError(t, h.ctrl.AppendText("a"))

	err := h.ctrl.SeparateRoles(context.Background())
	assert.ErrorIs(t, err, ErrTranscriptChanged)
	assert.Len(t, h.ctrl.Transcript(), 2)
}

func TestController_Summary(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.AppendText("We agreed on X."))

	started, err := h.ctrl.RequestSummary("")
	require.NoError(t, err)
	assert.True(t, started)

	h.log.waitFor(t, func(ev Event) bool { return ev.Kind == EventSummaryDone && ev.Text == "Summary text." })
	h.log.waitFor(t, func(ev Event) bool { return ev.Kind == EventSaved && ev.Saved == SavedSummary })
	assert.Equal(t, []string{"Summary text."}, h.backend.savedSummaries())
	assert.Equal(t, "Summary text.", h.ctrl.SummaryText())
}

func TestController_SummaryEmptyTranscript(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.ctrl.RequestSummary("")
	assert.ErrorIs(t, err, summary.ErrEmptyTranscript)
}

func TestController_SummaryEdit(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.BeginSummaryEdit())
	require.NoError(t, h.ctrl.UpdateSummary("hand written"))
	require.NoError(t, h.ctrl.EndSummaryEdit())

	h.log.waitFor(t, func(ev Event) bool { return ev.Kind == EventSaved && ev.Saved == SavedSummary })
	assert.Equal(t, []string{"hand written"}, h.backend.savedSummaries())
}

func TestController_ClosedRejectsCommands(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Close(context.Background()))

	assert.ErrorIs(t, h.ctrl.AppendText("late"), ErrClosed)
	assert.ErrorIs(t, h.ctrl.StartRecording(context.Background(), audio.NewPushSource()), ErrClosed)
	_, err := h.ctrl.Snapshot()
	assert.ErrorIs(t, err, ErrClosed)
}
