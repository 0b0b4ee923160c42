package clearance

import (
	"sync"
	"time"
)

// throttlePollInterval is how often acquire re-checks the concurrency
// ceiling. A short fixed poll is fine here: maxConcurrent defaults to 1 and
// stays small, so the wait is rare and brief.
const throttlePollInterval = 100 * time.Millisecond

// throttle enforces minimum inter-request spacing and a concurrency ceiling
// across one session. Acquisition is explicit; release happens through the
// session's exit-path decrement, never inside the governor.
type throttle struct {
	minInterval   time.Duration
	maxConcurrent int

	sleep func(time.Duration)
	now   func() time.Time

	mu           sync.Mutex
	lastDispatch time.Time
	inFlight     int
}

func newThrottle(minInterval time.Duration, maxConcurrent int) *throttle {
	return &throttle{
		minInterval:   minInterval,
		maxConcurrent: maxConcurrent,
		sleep:         time.Sleep,
		now:           time.Now,
	}
}

// acquire blocks until at least minInterval has elapsed since the last
// permitted dispatch and fewer than maxConcurrent requests are in flight,
// then claims the slot: the check, the timestamp update and the in-flight
// increment happen under one lock so two concurrent callers cannot both
// pass the ceiling. Nested dispatches from a solver re-entering the
// session never call acquire, so recursion cannot double-count
// concurrency.
func (t *throttle) acquire() {
	for {
		t.mu.Lock()
		now := t.now()
		sinceLast := now.Sub(t.lastDispatch)
		if sinceLast >= t.minInterval && t.inFlight < t.maxConcurrent {
			t.lastDispatch = now
			t.inFlight++
			t.mu.Unlock()
			return
		}

		wait := throttlePollInterval
		if remaining := t.minInterval - sinceLast; remaining > 0 && remaining < wait {
			wait = remaining
		}
		t.mu.Unlock()
		t.sleep(wait)
	}
}

// exit is the session's guaranteed exit-path decrement.
func (t *throttle) exit() {
	t.mu.Lock()
	if t.inFlight > 0 {
		t.inFlight--
	}
	t.mu.Unlock()
}

// InFlight returns the current concurrency count.
func (t *throttle) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}
