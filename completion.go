package phasesched

import (
	"sync"
	"sync/atomic"
	"time"
)

// completion is the barrier for one sub-phase. It is armed by the driver with
// the number of tasks about to be enqueued, signalled exactly once per task by
// the workers, and waited on by the driver. Re-arming resets it, so a single
// completion serves every frame.
type completion struct {
	done    chan struct{}
	errs    []error
	mu      sync.Mutex
	pending atomic.Int64
}

// arm resets the completion, expecting n signals. It must not be called while
// a previous arming is still pending.
func (x *completion) arm(n int) {
	x.mu.Lock()
	clear(x.errs)
	x.errs = x.errs[:0]
	x.mu.Unlock()

	x.done = make(chan struct{})
	x.pending.Store(int64(n))
	if n <= 0 {
		close(x.done)
	}
}

// fail records a failure, to be reported once the barrier is released.
func (x *completion) fail(err error) {
	x.mu.Lock()
	x.errs = append(x.errs, err)
	x.mu.Unlock()
}

// signal marks one unit of work done, releasing waiters on the last.
func (x *completion) signal() {
	switch n := x.pending.Add(-1); {
	case n == 0:
		close(x.done)
	case n < 0:
		panic(`phasesched: completion signalled more than armed`)
	}
}

// wait blocks until every armed unit of work has signalled. If threshold is
// positive, onStall is called each time another threshold elapses, with the
// number of outstanding signals and the total time waited so far.
func (x *completion) wait(threshold time.Duration, onStall func(pending int64, waited time.Duration)) {
	if threshold <= 0 || onStall == nil {
		<-x.done
		return
	}

	start := time.Now()
	timer := time.NewTimer(threshold)
	defer timer.Stop()

	for {
		select {
		case <-x.done:
			return
		case <-timer.C:
			onStall(x.pending.Load(), time.Since(start))
			timer.Reset(threshold)
		}
	}
}

// isSet reports whether the completion has been released, without blocking.
func (x *completion) isSet() bool {
	if x.done == nil {
		return false
	}
	select {
	case <-x.done:
		return true
	default:
		return false
	}
}

// failures returns a copy of the failures recorded since the last arm.
func (x *completion) failures() []error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.errs) == 0 {
		return nil
	}
	return append([]error(nil), x.errs...)
}
