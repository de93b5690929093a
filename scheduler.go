package phasesched

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

type (
	// Scheduler runs the per-frame work of every registered object, for each
	// cadence the host drives, across a fixed pool of worker goroutines.
	//
	// Each cadence runs its evaluate sub-phase to completion, then its apply
	// sub-phase. A sub-phase enqueues one task per registered TaskObject that
	// supports it, kicks off the job of every JobObject, then blocks until all
	// tasks have signalled, and all job handles have been joined.
	//
	// Cadences and registration changes are serialized by an atomic state
	// guard, rather than a lock: calls that would overlap fail with ErrBusy.
	// The expected usage is a single goroutine driving cadences, and making
	// registration changes between them.
	//
	// Instances must be created with New.
	Scheduler struct {
		logger         *logiface.Logger[logiface.Event]
		failureLimiter *catrate.Limiter
		pool           *pool
		registry       *registry
		metrics        *metricsCollector
		inflight       []inflightJob
		taskCounts     [NumSubphases]atomic.Int32
		jobCount       atomic.Int32
		stallThreshold time.Duration
		state          fastState
		failurePolicy  FailurePolicy
	}

	inflightJob struct {
		object JobObject
		handle JobHandle
	}
)

// New initializes a new Scheduler, starting its worker goroutines. It returns
// an error if any option is invalid. The Scheduler should be stopped using
// Shutdown or Close.
func New(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	x := &Scheduler{
		logger:         cfg.logger,
		failureLimiter: cfg.failureLimiter,
		registry:       newRegistry(),
		stallThreshold: cfg.stallThreshold,
		failurePolicy:  cfg.failurePolicy,
	}
	if cfg.metrics {
		x.metrics = new(metricsCollector)
	}
	x.pool = newPool(cfg.workerCount, cfg.queueSize, cfg.logger)

	x.logger.Info().
		Int(`workers`, cfg.workerCount).
		Int(`queue_size`, cfg.queueSize).
		Stringer(`failure_policy`, cfg.failurePolicy).
		Dur(`stall_threshold`, cfg.stallThreshold).
		Log(`phasesched: scheduler started`)

	return x, nil
}

// Register adds a TaskObject, creating a task for each sub-phase included in
// its Capabilities, which are read exactly once. Objects are identified by
// value, so must be comparable (normally a pointer).
//
// Returns ErrAlreadyRegistered if the object is already registered, leaving
// the existing registration unchanged.
func (x *Scheduler) Register(object TaskObject) error {
	const op = `register`
	if err := validateObject(object); err != nil {
		return x.logRejected(op, object, err)
	}
	if err := x.acquire(StateMutating); err != nil {
		return x.logRejected(op, object, err)
	}
	defer x.release(StateMutating)

	capabilities, err := x.registry.register(object)
	if err != nil {
		return x.logRejected(op, object, err)
	}
	for s := range capabilities.Subphases() {
		x.taskCounts[s].Add(1)
	}

	x.logger.Debug().
		Str(`object`, fmt.Sprintf(`%T`, object)).
		Stringer(`subphases`, capabilities).
		Log(`phasesched: registered task object`)

	return nil
}

// Remove deletes a TaskObject's tasks, from exactly the sub-phases it was
// registered for. None of its callbacks will be invoked by subsequent
// cadences. It is a no-op if the object is not registered.
func (x *Scheduler) Remove(object TaskObject) error {
	const op = `remove`
	if err := validateObject(object); err != nil {
		return x.logRejected(op, object, err)
	}
	if err := x.acquire(StateMutating); err != nil {
		return x.logRejected(op, object, err)
	}
	defer x.release(StateMutating)

	capabilities, ok := x.registry.remove(object)
	if !ok {
		return nil
	}
	for s := range capabilities.Subphases() {
		x.taskCounts[s].Add(-1)
	}

	x.logger.Debug().
		Str(`object`, fmt.Sprintf(`%T`, object)).
		Stringer(`subphases`, capabilities).
		Log(`phasesched: removed task object`)

	return nil
}

// RegisterJob adds a JobObject, which will be asked to kick off a job for
// every sub-phase, in registration order.
func (x *Scheduler) RegisterJob(object JobObject) error {
	const op = `register job`
	if err := validateObject(object); err != nil {
		return x.logRejected(op, object, err)
	}
	if err := x.acquire(StateMutating); err != nil {
		return x.logRejected(op, object, err)
	}
	defer x.release(StateMutating)

	if err := x.registry.registerJob(object); err != nil {
		return x.logRejected(op, object, err)
	}
	x.jobCount.Add(1)

	x.logger.Debug().
		Str(`object`, fmt.Sprintf(`%T`, object)).
		Log(`phasesched: registered job object`)

	return nil
}

// RemoveJob deletes a JobObject. It is a no-op if the object is not
// registered.
func (x *Scheduler) RemoveJob(object JobObject) error {
	const op = `remove job`
	if err := validateObject(object); err != nil {
		return x.logRejected(op, object, err)
	}
	if err := x.acquire(StateMutating); err != nil {
		return x.logRejected(op, object, err)
	}
	defer x.release(StateMutating)

	if !x.registry.removeJob(object) {
		return nil
	}
	x.jobCount.Add(-1)

	x.logger.Debug().
		Str(`object`, fmt.Sprintf(`%T`, object)).
		Log(`phasesched: removed job object`)

	return nil
}

// Variable runs the variable cadence, see RunCadence.
func (x *Scheduler) Variable(ctx context.Context) error {
	return x.RunCadence(ctx, CadenceVariable)
}

// Fixed runs the fixed cadence, see RunCadence.
func (x *Scheduler) Fixed(ctx context.Context) error {
	return x.RunCadence(ctx, CadenceFixed)
}

// Late runs the late cadence, see RunCadence.
func (x *Scheduler) Late(ctx context.Context) error {
	return x.RunCadence(ctx, CadenceLate)
}

// RunCadence runs the evaluate, then the apply sub-phase of the cadence,
// blocking until both have fully completed. No apply callback or job is
// started before every evaluate task and job of the cadence has finished.
//
// The ctx is passed to JobObject.KickoffJob and JobHandle.Wait only. Task
// barriers are not cancellable, as callbacks are expected to return in
// bounded time, see WithStallThreshold.
//
// Failures do not interrupt a sub-phase. Each sub-phase that had any task or
// job failures contributes a *SubphaseError to the returned error, which is
// informational. See also FailurePolicy.
func (x *Scheduler) RunCadence(ctx context.Context, c Cadence) error {
	if x == nil || x.pool == nil {
		return ErrNotInitialized
	}
	if !c.Valid() {
		return ErrInvalidCadence
	}
	if err := x.acquire(StateRunning); err != nil {
		return err
	}
	defer x.release(StateRunning)

	evaluateErr := x.runSubphase(ctx, c.Evaluate())

	var applyErr error
	if evaluateErr != nil && x.failurePolicy == FailureSkipApply {
		x.metrics.recordSkipped(c.Apply())
		x.logger.Debug().
			Stringer(`subphase`, c.Apply()).
			Log(`phasesched: sub-phase skipped`)
	} else {
		applyErr = x.runSubphase(ctx, c.Apply())
	}

	x.metrics.recordCadence(c)

	return errors.Join(evaluateErr, applyErr)
}

func (x *Scheduler) runSubphase(ctx context.Context, s Subphase) error {
	if len(x.inflight) != 0 {
		panic(`phasesched: in-flight jobs at sub-phase entry`)
	}

	start := time.Now()
	slot := &x.registry.slots[s]
	tasks := slot.order

	// fan out to the workers, and the job facility, concurrently
	slot.done.arm(len(tasks))
	for _, t := range tasks {
		x.pool.enqueue(t)
	}

	var jobErrs []error
	for _, object := range x.registry.jobs {
		handle, err := kickoffJob(ctx, object, s)
		if err != nil {
			jobErrs = append(jobErrs, &JobError{Subphase: s, Object: object, Err: err})
		}
		if handle != nil {
			x.inflight = append(x.inflight, inflightJob{object: object, handle: handle})
		}
	}

	// task barrier
	slot.done.wait(x.stallThreshold, func(pending int64, waited time.Duration) {
		x.logStall(s, `tasks`, pending, waited)
	})

	// job barrier
	joined := len(x.inflight)
	for i, job := range x.inflight {
		if err := x.joinJob(ctx, s, job.handle); err != nil {
			jobErrs = append(jobErrs, &JobError{Subphase: s, Object: job.object, Err: err})
		}
		x.inflight[i] = inflightJob{}
	}
	x.inflight = x.inflight[:0]

	errs := append(slot.done.failures(), jobErrs...)
	latency := time.Since(start)

	x.metrics.recordSubphase(s, latency, len(tasks), joined, len(errs))

	x.logger.Debug().
		Stringer(`subphase`, s).
		Int(`tasks`, len(tasks)).
		Int(`jobs`, joined).
		Int(`failures`, len(errs)).
		Dur(`duration`, latency).
		Log(`phasesched: sub-phase complete`)

	if len(errs) == 0 {
		return nil
	}
	x.logFailures(s, errs)
	return &SubphaseError{Subphase: s, Errors: errs}
}

// joinJob waits for the job, logging each time the stall threshold elapses.
func (x *Scheduler) joinJob(ctx context.Context, s Subphase, handle JobHandle) error {
	if x.stallThreshold <= 0 {
		return waitJob(ctx, handle)
	}

	var (
		done completion
		err  error
	)
	done.arm(1)
	go func() {
		result := errGoexit
		defer func() {
			err = result
			done.signal()
		}()
		result = waitJob(ctx, handle)
	}()
	done.wait(x.stallThreshold, func(pending int64, waited time.Duration) {
		x.logStall(s, `jobs`, pending, waited)
	})

	return err
}

func kickoffJob(ctx context.Context, object JobObject, s Subphase) (handle JobHandle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return object.KickoffJob(ctx, s)
}

func waitJob(ctx context.Context, handle JobHandle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return handle.Wait(ctx)
}

// Shutdown stops the Scheduler, waiting for the workers to exit, or until
// ctx is canceled, in which case they are stopped immediately, and the ctx
// error is returned. It returns ErrBusy if a cadence or registration change
// is in progress. Subsequent calls are permitted.
func (x *Scheduler) Shutdown(ctx context.Context) error {
	if x == nil || x.pool == nil {
		return ErrNotInitialized
	}
	if !x.terminate() {
		return ErrBusy
	}
	return x.pool.shutdown(ctx)
}

// Close stops the Scheduler immediately, blocking until the workers have
// exited. It returns ErrBusy if a cadence or registration change is in
// progress. Subsequent calls are permitted.
func (x *Scheduler) Close() error {
	if x == nil || x.pool == nil {
		return ErrNotInitialized
	}
	if !x.terminate() {
		return ErrBusy
	}
	x.pool.close()
	return nil
}

// terminate moves to StateTerminated, returning false if busy.
func (x *Scheduler) terminate() bool {
	if x.state.TryTransition(StateIdle, StateTerminated) {
		x.logger.Info().
			Log(`phasesched: scheduler stopped`)
		return true
	}
	return x.state.Load() == StateTerminated
}

// TaskCount returns the number of tasks registered for s, i.e. the number
// of registered TaskObject values whose Capabilities include s.
func (x *Scheduler) TaskCount(s Subphase) int {
	if x == nil || !s.Valid() {
		return 0
	}
	return int(x.taskCounts[s].Load())
}

// JobObjectCount returns the number of registered JobObject values.
func (x *Scheduler) JobObjectCount() int {
	if x == nil {
		return 0
	}
	return int(x.jobCount.Load())
}

// WorkerCount returns the fixed number of worker goroutines.
func (x *Scheduler) WorkerCount() int {
	if x == nil || x.pool == nil {
		return 0
	}
	return x.pool.size
}

// State returns the current state. A nil Scheduler reports StateTerminated.
func (x *Scheduler) State() State {
	if x == nil {
		return StateTerminated
	}
	return x.state.Load()
}

// Metrics returns a copy of the current metrics, or nil if not enabled, see
// WithMetrics.
func (x *Scheduler) Metrics() *Metrics {
	if x == nil {
		return nil
	}
	return x.metrics.snapshot()
}

// acquire moves from StateIdle to the given state.
func (x *Scheduler) acquire(to State) error {
	if x == nil || x.pool == nil {
		return ErrNotInitialized
	}
	if x.state.TryTransition(StateIdle, to) {
		return nil
	}
	if x.state.Load() == StateTerminated {
		return ErrClosed
	}
	return ErrBusy
}

func (x *Scheduler) release(from State) {
	x.state.TryTransition(from, StateIdle)
}
