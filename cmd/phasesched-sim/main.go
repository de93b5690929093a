// phasesched-sim runs a synthetic workload, described by a YAML scenario,
// through a phasesched scheduler driven by a reference frame loop, then
// reports per sub-phase metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-phasesched"
	"github.com/joeycumines/go-phasesched/internal/frameloop"
	"github.com/joeycumines/go-phasesched/internal/scenario"
	"github.com/joeycumines/go-phasesched/jobs"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"gopkg.in/yaml.v3"
)

type (
	options struct {
		logLevel        string
		format          string
		frames          int
		duration        time.Duration
		shutdownTimeout time.Duration
		respectCPUQuota bool
	}

	// report is the final output, in either format.
	report struct {
		RunID      string           `yaml:"run_id"`
		Scenario   string           `yaml:"scenario"`
		Workers    int              `yaml:"workers"`
		Frames     int              `yaml:"frames"`
		FixedSteps int              `yaml:"fixed_steps"`
		Dropped    int              `yaml:"dropped_fixed_steps"`
		Errors     int              `yaml:"cadence_errors"`
		Elapsed    time.Duration    `yaml:"elapsed"`
		Subphases  []subphaseReport `yaml:"subphases"`
	}

	subphaseReport struct {
		Subphase phasesched.Subphase `yaml:"subphase"`
		Runs     uint64              `yaml:"runs"`
		Skipped  uint64              `yaml:"skipped"`
		Tasks    uint64              `yaml:"tasks"`
		Jobs     uint64              `yaml:"jobs"`
		Failures uint64              `yaml:"failures"`
		Stalls   uint64              `yaml:"stalls"`
		P50      time.Duration       `yaml:"p50"`
		P99      time.Duration       `yaml:"p99"`
		Max      time.Duration       `yaml:"max"`
	}
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "phasesched-sim [flags] <scenario.yaml>",
		Short: "Simulate a phasesched workload",
		Long: `phasesched-sim registers the task and job objects described by a scenario,
drives the scheduler with a fixed-step frame loop, then prints per sub-phase
metrics.

Examples:
  # Run the frames configured by the scenario
  phasesched-sim scenario.yaml

  # Run for ten seconds, with debug logs
  phasesched-sim --duration 10s --log-level debug scenario.yaml
`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], &opts)
		},
	}

	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level (trace|debug|info|notice|warning|err|crit|alert|emerg|disabled)")
	cmd.Flags().StringVar(&opts.format, "format", "text", "Report format (text|yaml)")
	cmd.Flags().IntVar(&opts.frames, "frames", 0, "Number of frames to run (default: from the scenario, else until interrupted)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Maximum duration to run for (default: unlimited)")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 5*time.Second, "Maximum time to wait for graceful shutdown")
	cmd.Flags().BoolVar(&opts.respectCPUQuota, "respect-cpu-quota", false, "Set GOMAXPROCS from the container CPU quota")

	return cmd
}

func run(ctx context.Context, stdout, stderr io.Writer, path string, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	level, err := parseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	switch opts.format {
	case `text`, `yaml`:
	default:
		return fmt.Errorf(`unknown format: %q`, opts.format)
	}

	runID := uuid.NewString()
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(level),
	).Logger().
		Clone().
		Str(`run_id`, runID).
		Logger()

	if opts.respectCPUQuota {
		undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
			logger.Debug().Logf(format, args...)
		}))
		defer undo()
		if err != nil {
			logger.Warning().
				Err(err).
				Log(`phasesched-sim: failed to set GOMAXPROCS`)
		}
	}

	s, err := scenario.Load(path)
	if err != nil {
		return err
	}

	logger.Info().
		Str(`scenario`, s.Name).
		Int(`num_cpu`, runtime.NumCPU()).
		Int(`gomaxprocs`, runtime.GOMAXPROCS(0)).
		Log(`phasesched-sim: starting`)

	facilityConfig := s.FacilityConfig()
	facilityConfig.Logger = logger
	facility := jobs.New(facilityConfig)
	defer facility.Close()

	scheduler, err := phasesched.New(append(
		s.Options(),
		phasesched.WithLogger(logger),
		phasesched.WithMetrics(true),
	)...)
	if err != nil {
		return err
	}
	defer scheduler.Close()

	if err := s.Register(scheduler, facility); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	frames := s.Loop.Frames
	if opts.frames > 0 {
		frames = opts.frames
	}

	stats, err := frameloop.Run(ctx, scheduler, &frameloop.Config{
		Logger:        logger,
		FixedStep:     s.Loop.FixedStep,
		FrameInterval: s.Loop.FrameInterval,
		MaxFixedSteps: s.Loop.MaxFixedSteps,
		MaxFrames:     frames,
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf(`scheduler shutdown: %w`, err)
	}
	if err := facility.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf(`facility shutdown: %w`, err)
	}

	r := newReport(runID, s.Name, scheduler.WorkerCount(), stats, scheduler.Metrics())

	logger.Info().
		Int(`frames`, stats.Frames).
		Dur(`elapsed`, stats.Elapsed).
		Log(`phasesched-sim: finished`)

	if opts.format == `yaml` {
		encoder := yaml.NewEncoder(stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(r); err != nil {
			return err
		}
		return encoder.Close()
	}
	return r.writeText(stdout)
}

func parseLevel(s string) (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf(`unknown log level: %q`, s)
}

func newReport(runID, name string, workers int, stats frameloop.Stats, metrics *phasesched.Metrics) *report {
	r := report{
		RunID:      runID,
		Scenario:   name,
		Workers:    workers,
		Frames:     stats.Frames,
		FixedSteps: stats.FixedSteps,
		Dropped:    stats.DroppedSteps,
		Errors:     stats.Errors,
		Elapsed:    stats.Elapsed,
	}
	if metrics != nil {
		for s := range phasesched.Subphases() {
			m := &metrics.Subphases[s]
			r.Subphases = append(r.Subphases, subphaseReport{
				Subphase: s,
				Runs:     m.Runs,
				Skipped:  m.Skipped,
				Tasks:    m.Tasks,
				Jobs:     m.Jobs,
				Failures: m.Failures,
				Stalls:   m.Stalls,
				P50:      m.Latency.P50,
				P99:      m.Latency.P99,
				Max:      m.Latency.Max,
			})
		}
	}
	return &r
}

func (x *report) writeText(w io.Writer) error {
	fmt.Fprintf(w, "run %s: scenario %q, %d workers\n", x.RunID, x.Scenario, x.Workers)
	fmt.Fprintf(w, "%d frames, %d fixed steps (%d dropped), %d cadence errors, in %s\n\n", x.Frames, x.FixedSteps, x.Dropped, x.Errors, x.Elapsed)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBPHASE\tRUNS\tSKIPPED\tTASKS\tJOBS\tFAILURES\tSTALLS\tP50\tP99\tMAX")
	for _, v := range x.Subphases {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n", v.Subphase, v.Runs, v.Skipped, v.Tasks, v.Jobs, v.Failures, v.Stalls, v.P50, v.P99, v.Max)
	}
	return tw.Flush()
}
