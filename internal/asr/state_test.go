package asr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_Transitions(t *testing.T) {
	l := newLifecycle()
	assert.Equal(t, StateIdle, l.State())

	require.NoError(t, l.begin())
	assert.ErrorIs(t, l.begin(), ErrBusy)

	assert.True(t, l.transition(StateOpen, StateConnecting))
	assert.False(t, l.transition(StateOpen, StateConnecting))
	assert.True(t, l.transition(StateClosing, StateOpen))
	assert.True(t, l.transition(StateClosed, StateClosing))

	// Closed may reconnect
	require.NoError(t, l.begin())
	assert.Equal(t, StateConnecting, l.State())
}

func TestLifecycle_FailReportsOnce(t *testing.T) {
	l := newLifecycle()
	require.NoError(t, l.begin())
	l.transition(StateOpen, StateConnecting)

	assert.True(t, l.fail(OpTransport, errors.New("reset")))
	assert.False(t, l.fail(OpTransport, errors.New("reset again")))
	l.close()

	var errs int
	for ev := range l.Events() {
		if ev.Kind == EventError {
			errs++
			var ce *ChannelError
			require.ErrorAs(t, ev.Err, &ce)
			assert.Equal(t, OpTransport, ce.Op)
		}
	}
	assert.Equal(t, 1, errs)
}

func TestLifecycle_FailFromIdleIgnored(t *testing.T) {
	l := newLifecycle()
	assert.False(t, l.fail(OpTransport, errors.New("x")))
	assert.Equal(t, StateIdle, l.State())
}

func TestLifecycle_EmitAfterCloseDropped(t *testing.T) {
	l := newLifecycle()
	l.close()
	l.close()

	l.emit(Event{Kind: EventSegment})
	_, ok := <-l.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, l.begin(), ErrClosed)
}

// fillQueue leaves the event queue with no free slot
func fillQueue(l *lifecycle) {
	for len(l.events) < cap(l.events) {
		l.events <- Event{Kind: EventSegment}
	}
}

func TestLifecycle_FailFromCallerDoesNotWaitForQueue(t *testing.T) {
	l := newLifecycle()
	require.NoError(t, l.begin())
	l.transition(StateOpen, StateConnecting)
	<-l.Events()
	<-l.Events()
	fillQueue(l)

	done := make(chan bool, 1)
	go func() { done <- l.failFromCaller(OpTransport, errors.New("broken pipe")) }()

	select {
	case reported := <-done:
		assert.True(t, reported)
	case <-time.After(time.Second):
		t.Fatal("failFromCaller blocked on a full queue")
	}
	assert.Equal(t, StateClosed, l.State())

	// Draining releases the parked events in order
	var tail []Event
	for len(tail) < 2 {
		ev := <-l.Events()
		if ev.Kind != EventSegment {
			tail = append(tail, ev)
		}
	}
	assert.Equal(t, EventState, tail[0].Kind)
	assert.Equal(t, StateClosed, tail[0].State)
	assert.Equal(t, EventError, tail[1].Kind)
	l.close()
}

func TestLifecycle_PostWhileEmitterParked(t *testing.T) {
	l := newLifecycle()
	fillQueue(l)

	// A reader-side emit waits for room while holding the send lock
	parked := make(chan struct{})
	go func() {
		close(parked)
		l.emit(Event{Kind: EventSegment, Segment: Segment{Text: "late"}})
	}()
	<-parked
	time.Sleep(10 * time.Millisecond)

	returned := make(chan struct{})
	go func() {
		l.post(Event{Kind: EventState, State: StateClosing})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("post blocked behind a parked emit")
	}

	var sawClosing, sawLate bool
	for !(sawClosing && sawLate) {
		select {
		case ev := <-l.Events():
			sawClosing = sawClosing || (ev.Kind == EventState && ev.State == StateClosing)
			sawLate = sawLate || ev.Segment.Text == "late"
		case <-time.After(time.Second):
			t.Fatal("posted event never delivered")
		}
	}
	l.close()
}

func TestLifecycle_PostAfterCloseDropped(t *testing.T) {
	l := newLifecycle()
	l.close()
	l.post(Event{Kind: EventState, State: StateClosed})

	_, ok := <-l.Events()
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "state(9)", State(9).String())
}
