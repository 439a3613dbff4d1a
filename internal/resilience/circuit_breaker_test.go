package resilience

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("backend", maxFailures, time.Second)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.GetState())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}
	if cb.allowRequest() {
		t.Error("Expected to not allow request in Open state")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2)

	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)
	if cb.GetState() != StateClosed {
		t.Error("Expected non-consecutive failures to keep the circuit closed")
	}
}

func TestCircuitBreaker_HalfOpenTrialsThenCloses(t *testing.T) {
	cb, clock := newTestBreaker(1)
	cb.RecordResult(false)

	clock.Advance(500 * time.Millisecond)
	if cb.allowRequest() {
		t.Fatal("Expected circuit to stay open before the reset timeout")
	}

	clock.Advance(600 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if !cb.allowRequest() {
			t.Fatalf("Expected trial call %d to be allowed", i)
		}
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("Expected HalfOpen, got %s", cb.GetState())
	}
	if cb.allowRequest() {
		t.Error("Expected trial calls beyond the half-open limit to be rejected")
	}

	for i := 0; i < 3; i++ {
		cb.RecordResult(true)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected Closed after successful trial calls, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OpenAfterFailureInHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(1)
	cb.RecordResult(false)
	clock.Advance(2 * time.Second)

	if !cb.allowRequest() {
		t.Fatal("Expected trial call to be allowed")
	}
	cb.RecordResult(false)

	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after failure in HalfOpen")
	}
	if cb.allowRequest() {
		t.Error("Expected reopened circuit to wait a full reset timeout")
	}
}

func TestCircuitBreaker_Call(t *testing.T) {
	cb, _ := newTestBreaker(1)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	boom := errors.New("test error")
	if err := cb.Call(func() error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Expected the call's own error, got %v", err)
	}

	called := false
	err := cb.Call(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected fn not to run while open")
	}
}

func TestCircuitBreaker_CallIgnoredErrors(t *testing.T) {
	cb, _ := newTestBreaker(1)
	rejected := errors.New("rejected by backend")

	err := cb.Call(func() error { return rejected }, func(err error) bool { return errors.Is(err, rejected) })
	if !errors.Is(err, rejected) {
		t.Errorf("Expected error to pass through, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Error("Expected ignored error not to trip the breaker")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clock := newTestBreaker(1)

	var seen []CircuitState
	cb.OnStateChange = func(name string, s CircuitState) {
		if name != "backend" {
			t.Errorf("unexpected name %q", name)
		}
		seen = append(seen, s)
	}

	cb.RecordResult(false)
	clock.Advance(2 * time.Second)
	for i := 0; i < 3; i++ {
		cb.allowRequest()
		cb.RecordResult(true)
	}

	want := []CircuitState{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb, _ := newTestBreaker(3)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requestCount, failureCount, failureRate := cb.GetStats()
	if state != StateClosed {
		t.Errorf("Expected state Closed, got %s", state)
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount)
	}
	if failureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failureCount)
	}
	if failureRate < 33.0 || failureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", failureRate)
	}
}

func TestCircuitState_String(t *testing.T) {
	if StateHalfOpen.String() != "half_open" || CircuitState(9).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
