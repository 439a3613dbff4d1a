package asr

import (
	"sync"
)

// lifecycle holds channel state and the outbound event queue shared by providers
type lifecycle struct {
	mu    sync.Mutex
	state State

	// emitMu serializes sends so events keep their order without holding mu
	emitMu   sync.Mutex
	events   chan Event
	shutdown chan struct{}
	once     sync.Once
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		state:    StateIdle,
		events:   make(chan Event, 256),
		shutdown: make(chan struct{}),
	}
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) Events() <-chan Event {
	return l.events
}

// begin moves Idle/Closed to Connecting
func (l *lifecycle) begin() error {
	select {
	case <-l.shutdown:
		return ErrClosed
	default:
	}

	l.mu.Lock()
	switch l.state {
	case StateIdle, StateClosed:
		l.state = StateConnecting
	default:
		l.mu.Unlock()
		return ErrBusy
	}
	l.mu.Unlock()

	l.emit(Event{Kind: EventState, State: StateConnecting})
	return nil
}

// transition moves from one of the allowed states to next.
// It reports false when the current state is not in from.
func (l *lifecycle) transition(next State, from ...State) bool {
	if !l.swap(next, from...) {
		return false
	}
	l.emit(Event{Kind: EventState, State: next})
	return true
}

// swap is transition without the state event
func (l *lifecycle) swap(next State, from ...State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range from {
		if l.state == s {
			l.state = next
			return true
		}
	}
	return false
}

// fail closes the channel and reports err, unless it is already Closed or Idle.
// It reports whether this call did the reporting.
func (l *lifecycle) fail(op string, err error) bool {
	if !l.swap(StateClosed, StateConnecting, StateOpen, StateClosing) {
		return false
	}
	l.emit(Event{Kind: EventState, State: StateClosed})
	l.emit(Event{Kind: EventError, Err: &ChannelError{Op: op, Err: err}})
	return true
}

// failFromCaller is fail for the Send methods. Their caller is usually the
// one draining Events, so the report must not wait for queue space.
func (l *lifecycle) failFromCaller(op string, err error) bool {
	if !l.swap(StateClosed, StateConnecting, StateOpen, StateClosing) {
		return false
	}
	l.post(
		Event{Kind: EventState, State: StateClosed},
		Event{Kind: EventError, Err: &ChannelError{Op: op, Err: err}},
	)
	return true
}

// abort moves to Closed without an error event; used when the failure is
// returned to the caller instead
func (l *lifecycle) abort() {
	if l.forceClosed() {
		l.emit(Event{Kind: EventState, State: StateClosed})
	}
}

// forceClosed sets Closed and reports whether the state changed
func (l *lifecycle) forceClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := l.state != StateClosed && l.state != StateIdle
	l.state = StateClosed
	return changed
}

// emit blocks while the queue is full so nothing is reordered or lost.
// After close events are discarded.
func (l *lifecycle) emit(ev Event) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	select {
	case <-l.shutdown:
		return
	default:
	}

	select {
	case <-l.shutdown:
	case l.events <- ev:
	}
}

// post queues evs without blocking. When the queue is full, or another
// sender is parked in emit, the remainder is handed to a goroutine that
// delivers it once there is room.
func (l *lifecycle) post(evs ...Event) {
	if !l.emitMu.TryLock() {
		go l.deliver(evs)
		return
	}
	for i, ev := range evs {
		select {
		case <-l.shutdown:
			l.emitMu.Unlock()
			return
		case l.events <- ev:
			continue
		default:
		}

		l.emitMu.Unlock()
		go l.deliver(evs[i:])
		return
	}
	l.emitMu.Unlock()
}

func (l *lifecycle) deliver(evs []Event) {
	for _, ev := range evs {
		l.emit(ev)
	}
}

// close ends event delivery
func (l *lifecycle) close() {
	l.once.Do(func() {
		close(l.shutdown)
		l.emitMu.Lock()
		close(l.events)
		l.emitMu.Unlock()
	})
}
