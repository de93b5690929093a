package phasesched

import (
	"context"
)

type (
	// Callback is the work a TaskObject performs for one sub-phase. It runs
	// synchronously on a worker goroutine, must return in bounded time, and
	// must not block on the scheduler (e.g. by calling Register).
	//
	// Returned errors and panics are isolated to the task, see Scheduler.
	Callback func() error

	// TaskObject participates in the internal worker pool. Implementations
	// must be comparable, as identity is the value itself (use a pointer).
	TaskObject interface {
		// Capabilities is called once, by Scheduler.Register.
		Capabilities() Capabilities

		// Callback is called once per supported sub-phase, by
		// Scheduler.Register, and the result is reused every frame. A nil
		// result is treated as a no-op.
		Callback(s Subphase) Callback
	}

	// JobHandle joins a unit of work running on an external job facility.
	// Wait must block until the work is complete, or ctx is done.
	//
	// Note that *microbatch.JobResult satisfies this interface.
	JobHandle interface {
		Wait(ctx context.Context) error
	}

	// JobObject participates via an external job facility, e.g. the jobs
	// package. KickoffJob is invoked once per sub-phase, for every sub-phase,
	// on the goroutine driving the scheduler, and must return promptly. A nil
	// handle indicates there is nothing to join. Implementations must be
	// comparable (use a pointer).
	JobObject interface {
		KickoffJob(ctx context.Context, s Subphase) (JobHandle, error)
	}

	// TaskFuncs implements TaskObject using optional callbacks, one per
	// sub-phase. Capabilities are derived from which fields are non-nil.
	// Must be used by pointer.
	TaskFuncs struct {
		EvaluateVariable Callback
		ApplyVariable    Callback
		EvaluateFixed    Callback
		ApplyFixed       Callback
		EvaluateLate     Callback
		ApplyLate        Callback
	}

	// KickoffFunc starts a job for a single sub-phase.
	KickoffFunc func(ctx context.Context) (JobHandle, error)

	// JobFuncs implements JobObject using optional kickoff functions, one per
	// sub-phase. Nil fields kick off nothing. Must be used by pointer.
	JobFuncs struct {
		EvaluateVariable KickoffFunc
		ApplyVariable    KickoffFunc
		EvaluateFixed    KickoffFunc
		ApplyFixed       KickoffFunc
		EvaluateLate     KickoffFunc
		ApplyLate        KickoffFunc
	}
)

var (
	// compile time assertions

	_ TaskObject = (*TaskFuncs)(nil)
	_ JobObject  = (*JobFuncs)(nil)
)

func (x *TaskFuncs) Capabilities() (c Capabilities) {
	for s := range Subphases() {
		if x.Callback(s) != nil {
			c = c.With(s)
		}
	}
	return c
}

func (x *TaskFuncs) Callback(s Subphase) Callback {
	if x == nil {
		return nil
	}
	switch s {
	case EvaluateVariable:
		return x.EvaluateVariable
	case ApplyVariable:
		return x.ApplyVariable
	case EvaluateFixed:
		return x.EvaluateFixed
	case ApplyFixed:
		return x.ApplyFixed
	case EvaluateLate:
		return x.EvaluateLate
	case ApplyLate:
		return x.ApplyLate
	default:
		return nil
	}
}

func (x *JobFuncs) KickoffJob(ctx context.Context, s Subphase) (JobHandle, error) {
	if fn := x.kickoff(s); fn != nil {
		return fn(ctx)
	}
	return nil, nil
}

func (x *JobFuncs) kickoff(s Subphase) KickoffFunc {
	if x == nil {
		return nil
	}
	switch s {
	case EvaluateVariable:
		return x.EvaluateVariable
	case ApplyVariable:
		return x.ApplyVariable
	case EvaluateFixed:
		return x.EvaluateFixed
	case ApplyFixed:
		return x.ApplyFixed
	case EvaluateLate:
		return x.EvaluateLate
	case ApplyLate:
		return x.ApplyLate
	default:
		return nil
	}
}
