package phasesched

import (
	"errors"
	"fmt"
	"maps"
	"runtime"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// FailurePolicy controls how a cadence proceeds once its evaluate sub-phase
// has reported a failure.
type FailurePolicy uint8

const (
	// FailureContinue runs the apply sub-phase regardless. This is the
	// default.
	FailureContinue FailurePolicy = iota

	// FailureSkipApply skips the apply sub-phase of a cadence if any task or
	// job failed during its evaluate sub-phase.
	FailureSkipApply
)

// DefaultQueueSize is the default capacity of the task queue.
const DefaultQueueSize = 1024

// defaultFailureLogRates allows one failure log per second, and ten per
// minute, for each task.
var defaultFailureLogRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

// options holds configuration for Scheduler creation.
type options struct {
	logger         *logiface.Logger[logiface.Event]
	failureLimiter *catrate.Limiter
	workerCount    int
	queueSize      int
	stallThreshold time.Duration
	failurePolicy  FailurePolicy
	metrics        bool
}

// Option configures a Scheduler, see New.
type Option interface {
	applyOption(*options) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyOptionFunc func(*options) error
}

func (o *optionImpl) applyOption(opts *options) error {
	return o.applyOptionFunc(opts)
}

func (x FailurePolicy) String() string {
	switch x {
	case FailureContinue:
		return `continue`
	case FailureSkipApply:
		return `skip-apply`
	default:
		return fmt.Sprintf(`FailurePolicy(%d)`, uint8(x))
	}
}

// WithLogger sets the logger. Logging is disabled by default, or if logger
// is nil.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithWorkerCount sets the number of worker goroutines, which is fixed for
// the lifetime of the Scheduler. Defaults to runtime.NumCPU().
func WithWorkerCount(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n <= 0 {
			return fmt.Errorf(`phasesched: invalid worker count: %d`, n)
		}
		opts.workerCount = n
		return nil
	}}
}

// WithQueueSize sets the capacity of the task queue. The driving goroutine
// blocks while the queue is full, so this only bounds memory, not the number
// of tasks. Defaults to DefaultQueueSize.
func WithQueueSize(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 0 {
			return fmt.Errorf(`phasesched: invalid queue size: %d`, n)
		}
		opts.queueSize = n
		return nil
	}}
}

// WithFailurePolicy sets the FailurePolicy. Defaults to FailureContinue.
func WithFailurePolicy(policy FailurePolicy) Option {
	return &optionImpl{func(opts *options) error {
		switch policy {
		case FailureContinue, FailureSkipApply:
		default:
			return fmt.Errorf(`phasesched: invalid failure policy: %s`, policy)
		}
		opts.failurePolicy = policy
		return nil
	}}
}

// WithStallThreshold enables a warning, logged each time a sub-phase has
// been waiting on its tasks or jobs for another d. The wait itself is never
// abandoned. Disabled by default, or if d is 0.
func WithStallThreshold(d time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		if d < 0 {
			return fmt.Errorf(`phasesched: invalid stall threshold: %s`, d)
		}
		opts.stallThreshold = d
		return nil
	}}
}

// WithFailureLogRates sets the rate limits applied to failure logs, per task
// or job object and sub-phase, with the same semantics as catrate.NewLimiter.
// A nil map disables rate limiting. Defaults to one per second and ten per
// minute.
//
// Note that suppressed failures are still returned from the cadence.
func WithFailureLogRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *options) (err error) {
		if rates == nil {
			opts.failureLimiter = nil
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf(`phasesched: invalid failure log rates: %v`, r)
			}
		}()
		opts.failureLimiter = catrate.NewLimiter(maps.Clone(rates))
		return nil
	}}
}

// WithMetrics enables metrics collection, accessible via Scheduler.Metrics.
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.metrics = enabled
		return nil
	}}
}

// resolveOptions applies Option instances to options.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		failureLimiter: catrate.NewLimiter(defaultFailureLogRates),
		workerCount:    runtime.NumCPU(),
		queueSize:      DefaultQueueSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.workerCount <= 0 {
		return nil, errors.New(`phasesched: no workers`)
	}
	return cfg, nil
}
