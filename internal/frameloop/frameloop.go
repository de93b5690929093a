// Package frameloop drives a phasesched host, in the manner of a real-time
// application loop: each frame runs the fixed cadence zero or more times, to
// catch up with wall time in fixed steps, then the variable cadence, then the
// late cadence.
package frameloop

import (
	"context"
	"time"

	"github.com/joeycumines/go-phasesched"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultFixedStep is the default Config.FixedStep.
	DefaultFixedStep = time.Millisecond * 20
	// DefaultFrameInterval is the default Config.FrameInterval.
	DefaultFrameInterval = time.Second / 60
	// DefaultMaxFixedSteps is the default Config.MaxFixedSteps.
	DefaultMaxFixedSteps = 8
)

type (
	// Host is implemented by *phasesched.Scheduler.
	Host interface {
		Fixed(ctx context.Context) error
		Variable(ctx context.Context) error
		Late(ctx context.Context) error
	}

	// Config models optional configuration, for Run.
	Config struct {
		Logger *logiface.Logger[logiface.Event]

		// OnError is called with every error returned by the host. Errors
		// never stop the loop. Optional.
		OnError func(c phasesched.Cadence, err error)

		// FixedStep is the simulated duration of each fixed cadence.
		// **Defaults to DefaultFixedStep, if 0, or Config is nil.**
		FixedStep time.Duration

		// FrameInterval paces frames, if positive. **Defaults to
		// DefaultFrameInterval, if 0, or Config is nil.** Negative values
		// run frames back to back.
		FrameInterval time.Duration

		// MaxFixedSteps caps the fixed cadences per frame. Any remaining
		// backlog is dropped, to avoid falling further behind. **Defaults to
		// DefaultMaxFixedSteps, if 0, or Config is nil.**
		MaxFixedSteps int

		// MaxFrames stops the loop after this many frames, if positive.
		MaxFrames int
	}

	// Stats summarizes a Run.
	Stats struct {
		Frames       int
		FixedSteps   int
		DroppedSteps int
		Errors       int
		Elapsed      time.Duration
	}

	loop struct {
		host          Host
		logger        *logiface.Logger[logiface.Event]
		onError       func(c phasesched.Cadence, err error)
		now           func() time.Time
		fixedStep     time.Duration
		frameInterval time.Duration
		maxFixedSteps int
		maxFrames     int
	}
)

// Run drives host until ctx is canceled, returning its error, or MaxFrames
// frames have run, returning nil. The config may be nil.
func Run(ctx context.Context, host Host, config *Config) (Stats, error) {
	return newLoop(host, config).run(ctx)
}

func newLoop(host Host, config *Config) *loop {
	if host == nil {
		panic(`frameloop: nil host`)
	}

	x := loop{
		host:          host,
		now:           time.Now,
		fixedStep:     DefaultFixedStep,
		frameInterval: DefaultFrameInterval,
		maxFixedSteps: DefaultMaxFixedSteps,
	}

	if config != nil {
		x.logger = config.Logger
		x.onError = config.OnError
		x.maxFrames = config.MaxFrames
		if config.FixedStep != 0 {
			x.fixedStep = config.FixedStep
		}
		if config.FrameInterval != 0 {
			x.frameInterval = config.FrameInterval
		}
		if config.MaxFixedSteps != 0 {
			x.maxFixedSteps = config.MaxFixedSteps
		}
	}

	if x.fixedStep <= 0 {
		panic(`frameloop: fixed step must be positive`)
	}
	if x.maxFixedSteps <= 0 {
		panic(`frameloop: max fixed steps must be positive`)
	}

	return &x
}

func (x *loop) run(ctx context.Context) (stats Stats, err error) {
	var ticker *time.Ticker
	if x.frameInterval > 0 {
		ticker = time.NewTicker(x.frameInterval)
		defer ticker.Stop()
	}

	start := x.now()
	last := start
	var accumulator time.Duration

	defer func() {
		stats.Elapsed = x.now().Sub(start)
		x.logger.Debug().
			Int(`frames`, stats.Frames).
			Int(`fixed_steps`, stats.FixedSteps).
			Int(`dropped_steps`, stats.DroppedSteps).
			Int(`errors`, stats.Errors).
			Dur(`elapsed`, stats.Elapsed).
			Log(`frameloop: stopped`)
	}()

	for x.maxFrames <= 0 || stats.Frames < x.maxFrames {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		now := x.now()
		accumulator += now.Sub(last)
		last = now

		var steps int
		for accumulator >= x.fixedStep && steps < x.maxFixedSteps {
			x.cadence(ctx, &stats, phasesched.CadenceFixed, x.host.Fixed)
			accumulator -= x.fixedStep
			steps++
		}
		stats.FixedSteps += steps
		if accumulator >= x.fixedStep {
			dropped := int(accumulator / x.fixedStep)
			stats.DroppedSteps += dropped
			accumulator -= time.Duration(dropped) * x.fixedStep
			x.logger.Debug().
				Int(`frame`, stats.Frames).
				Int(`dropped`, dropped).
				Log(`frameloop: fixed steps dropped`)
		}

		x.cadence(ctx, &stats, phasesched.CadenceVariable, x.host.Variable)
		x.cadence(ctx, &stats, phasesched.CadenceLate, x.host.Late)

		stats.Frames++

		if ticker != nil && (x.maxFrames <= 0 || stats.Frames < x.maxFrames) {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-ticker.C:
			}
		}
	}

	return stats, nil
}

func (x *loop) cadence(ctx context.Context, stats *Stats, c phasesched.Cadence, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		stats.Errors++
		if x.onError != nil {
			x.onError(c, err)
		}
	}
}
