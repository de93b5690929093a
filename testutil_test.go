package phasesched

import (
	"runtime"
	"testing"
	"time"
)

// checkNumGoroutines returns a function that fails the test if the number of
// goroutines has not returned to at most the starting number, within timeout.
func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for {
			after := runtime.NumGoroutine()
			if after <= before {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf(`goroutine leak: %d before, %d after`, before, after)
				return
			}
			time.Sleep(time.Millisecond * 10)
		}
	}
}

// newTestScheduler creates a Scheduler that is closed on test cleanup.
func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	x, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := x.Close(); err != nil {
			t.Error(err)
		}
	})
	return x
}
