package transcript

import (
	"sync"
	"time"
)

// DefaultSaveDelay is the quiet period before an autosave
const DefaultSaveDelay = 5 * time.Second

// Debouncer runs fn once after triggers stop arriving for delay.
// A timer that fires after Flush or Stop has superseded it does nothing.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	timer   *time.Timer
	gen     uint64
	pending bool
	stopped bool
}

// NewDebouncer creates a debouncer; a non-positive delay uses DefaultSaveDelay
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger (re)arms the timer
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	d.pending = true
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()

	d.fn()
}

// cancel disarms the timer and reports whether a run was pending
func (d *Debouncer) cancel() bool {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	wasPending := d.pending
	d.pending = false
	return wasPending
}

// Flush cancels the timer and, if a run was pending, runs fn now on the
// caller's goroutine. It reports whether fn ran.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	wasPending := d.cancel()
	d.mu.Unlock()

	if wasPending {
		d.fn()
	}
	return wasPending
}

// Stop cancels the timer for good and reports whether a run was pending
func (d *Debouncer) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	return d.cancel()
}

// Pending reports whether a run is scheduled
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}
