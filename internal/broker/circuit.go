package broker

import (
	"sync"
	"time"
)

// failureWindow is a sliding-window failure counter. gobreaker's
// ratio-based ReadyToTrip can't express "open on exactly the Nth failure
// within a fixed window regardless of how many successful requests also
// happened" — so the WS connectivity breaker gets a small bespoke
// implementation instead (see SPEC_FULL.md §4.1; gobreaker is used by
// telemetry.BreakerManager for the durable store's writes, not here).
type failureWindow struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	failures  []time.Time
	openUntil time.Time
}

func newFailureWindow(window time.Duration, threshold int) *failureWindow {
	return &failureWindow{window: window, threshold: threshold}
}

// recordFailure appends a failure timestamp and reports whether the
// breaker should (newly) open.
func (f *failureWindow) recordFailure(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prune(now)
	f.failures = append(f.failures, now)

	if len(f.failures) >= f.threshold && f.openUntil.Before(now) {
		f.openUntil = now.Add(f.window)
		return true
	}
	return false
}

func (f *failureWindow) prune(now time.Time) {
	cutoff := now.Add(-f.window)
	i := 0
	for ; i < len(f.failures); i++ {
		if f.failures[i].After(cutoff) {
			break
		}
	}
	f.failures = f.failures[i:]
}

// open reports whether the breaker currently refuses connects.
func (f *failureWindow) open(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return now.Before(f.openUntil)
}

func (f *failureWindow) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = nil
	f.openUntil = time.Time{}
}
