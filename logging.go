package phasesched

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// failureKey identifies the source of a failure, for rate limiting.
type failureKey struct {
	object   any
	subphase Subphase
}

// logFailures logs each failure at error level, subject to the failure log
// rate limits, which are tracked per object and sub-phase.
func (x *Scheduler) logFailures(s Subphase, errs []error) {
	for _, err := range errs {
		b := x.logger.Err()
		if !b.Enabled() {
			return
		}

		var (
			kind   = `task`
			object any
		)
		var (
			taskErr *TaskError
			jobErr  *JobError
		)
		switch {
		case errors.As(err, &taskErr):
			object = taskErr.Object
		case errors.As(err, &jobErr):
			kind, object = `job`, jobErr.Object
		}

		var next time.Time
		if x.failureLimiter != nil {
			var ok bool
			if next, ok = x.failureLimiter.Allow(failureKey{object: object, subphase: s}); !ok {
				b.Release()
				continue
			}
		}

		b.Str(`subphase`, s.String()).
			Str(`kind`, kind).
			Str(`object`, fmt.Sprintf(`%T`, object)).
			Err(err).
			Call(func(b *logiface.Builder[logiface.Event]) {
				var panicErr PanicError
				if errors.As(err, &panicErr) {
					b.Str(`stack`, string(panicErr.Stack))
				}
				if !next.IsZero() {
					b.Time(`suppressed_until`, next)
				}
			}).
			Log(`phasesched: ` + kind + ` failed`)
	}
}

// logStall is called each time a sub-phase barrier exceeds the stall
// threshold.
func (x *Scheduler) logStall(s Subphase, barrier string, pending int64, waited time.Duration) {
	x.metrics.recordStall(s)
	x.logger.Warning().
		Str(`subphase`, s.String()).
		Str(`barrier`, barrier).
		Int64(`pending`, pending).
		Dur(`waited`, waited).
		Log(`phasesched: sub-phase stalled`)
}

// logRejected reports invalid input to the registration API.
func (x *Scheduler) logRejected(op string, object any, err error) error {
	if x != nil {
		x.logger.Warning().
			Str(`op`, op).
			Str(`object`, fmt.Sprintf(`%T`, object)).
			Err(err).
			Log(`phasesched: rejected`)
	}
	return err
}
