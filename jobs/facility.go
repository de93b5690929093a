package jobs

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/go-phasesched"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// DefaultFlushInterval is the default Config.FlushInterval. It is far
// shorter than the microbatch default, as jobs are joined within a frame.
const DefaultFlushInterval = time.Millisecond

type (
	// Config models optional configuration, for New.
	Config struct {
		// Logger is used to log batch processing, at trace level, and job
		// panics, at error level. Optional.
		Logger *logiface.Logger[logiface.Event]

		// MaxBatchSize restricts the maximum number of jobs per batch, if
		// positive. **Defaults to 16, if 0, or Config is nil.**
		MaxBatchSize int

		// FlushInterval specifies the maximum duration before an incomplete
		// batch is started, if positive. **Defaults to DefaultFlushInterval,
		// if 0, or Config is nil.**
		//
		// WARNING: New will panic if both MaxBatchSize and FlushInterval are
		// disabled.
		FlushInterval time.Duration

		// MaxConcurrency specifies the maximum number of concurrently running
		// batches, if positive. **Defaults to runtime.NumCPU(), if 0, or
		// Config is nil.**
		MaxConcurrency int

		// MaxParallel specifies the maximum number of jobs run in parallel,
		// within a single batch, if positive. **Defaults to
		// runtime.NumCPU(), if 0, or Config is nil.** Negative values disable
		// the limit.
		MaxParallel int
	}

	// Func is a unit of work run by a Facility. The ctx is canceled if the
	// Facility is closed.
	Func func(ctx context.Context) error

	// Facility runs submitted functions on its own goroutines, in batches.
	// Instances must be initialized using the New factory.
	Facility struct {
		logger      *logiface.Logger[logiface.Event]
		batcher     *microbatch.Batcher[*job]
		maxParallel int
	}

	// Handle joins a submitted function.
	Handle struct {
		result *microbatch.JobResult[*job]
	}

	job struct {
		fn  Func
		err error
	}
)

var (
	// compile time assertions

	_ phasesched.JobHandle = (*Handle)(nil)
)

// New initializes a new Facility. The config may be nil. The Facility.Close
// method and/or Facility.Shutdown method should be called when the Facility
// is no longer needed.
func New(config *Config) *Facility {
	x := Facility{maxParallel: runtime.NumCPU()}
	batcherConfig := microbatch.BatcherConfig{
		FlushInterval:  DefaultFlushInterval,
		MaxConcurrency: runtime.NumCPU(),
	}

	if config != nil {
		x.logger = config.Logger
		if config.MaxParallel != 0 {
			x.maxParallel = config.MaxParallel
		}
		if config.MaxBatchSize != 0 {
			batcherConfig.MaxSize = config.MaxBatchSize
		}
		if config.FlushInterval != 0 {
			batcherConfig.FlushInterval = config.FlushInterval
		}
		if config.MaxConcurrency != 0 {
			batcherConfig.MaxConcurrency = config.MaxConcurrency
		}
	}

	x.batcher = microbatch.NewBatcher(&batcherConfig, x.process)

	return &x
}

// Submit schedules fn, returning an error if ctx is canceled, or the
// Facility is stopped. Errors returned by fn are available via Handle.Wait.
func (x *Facility) Submit(ctx context.Context, fn Func) (*Handle, error) {
	if fn == nil {
		panic(`jobs: nil func`)
	}
	result, err := x.batcher.Submit(ctx, &job{fn: fn})
	if err != nil {
		return nil, err
	}
	return &Handle{result: result}, nil
}

// Kickoff adapts fn to phasesched.KickoffFunc, for use with
// phasesched.JobFuncs.
func (x *Facility) Kickoff(fn Func) phasesched.KickoffFunc {
	return func(ctx context.Context) (phasesched.JobHandle, error) {
		h, err := x.Submit(ctx, fn)
		if err != nil {
			// avoid a non-nil interface wrapping a nil pointer
			return nil, err
		}
		return h, nil
	}
}

// Shutdown prevents further submissions, then waits for every submitted job
// to complete. An error will be returned if ctx is canceled prior to this,
// causing a forced Close.
func (x *Facility) Shutdown(ctx context.Context) error {
	return x.batcher.Shutdown(ctx)
}

// Close immediately cancels all jobs, and prevents further submissions,
// blocking until the Facility has finished closing.
func (x *Facility) Close() error {
	return x.batcher.Close()
}

// Wait blocks until the job has completed, returning its error, or until
// ctx is canceled.
func (x *Handle) Wait(ctx context.Context) error {
	if err := x.result.Wait(ctx); err != nil {
		return err
	}
	return x.result.Job.err
}

func (x *Facility) process(ctx context.Context, jobs []*job) error {
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(x.maxParallel)
	for _, j := range jobs {
		g.Go(func() error {
			j.run(ctx, x.logger)
			return nil
		})
	}
	_ = g.Wait()

	x.logger.Trace().
		Int(`size`, len(jobs)).
		Dur(`duration`, time.Since(start)).
		Log(`jobs: batch processed`)

	return nil
}

func (x *job) run(ctx context.Context, logger *logiface.Logger[logiface.Event]) {
	defer func() {
		if r := recover(); r != nil {
			err := phasesched.PanicError{Value: r, Stack: debug.Stack()}
			logger.Err().
				Err(err).
				Str(`stack`, string(err.Stack)).
				Log(`jobs: job panicked`)
			x.err = err
		}
	}()
	if err := ctx.Err(); err != nil {
		x.err = err
		return
	}
	x.err = x.fn(ctx)
}
