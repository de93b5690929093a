// Package scenario loads synthetic workloads for phasesched, from YAML, and
// builds the task and job objects that simulate them.
package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/joeycumines/go-phasesched"
	"github.com/joeycumines/go-phasesched/jobs"
	"gopkg.in/yaml.v3"
)

// ErrSyntheticFailure is returned by simulated callbacks and jobs, at their
// configured failure rate.
var ErrSyntheticFailure = errors.New(`scenario: synthetic failure`)

type (
	// Scenario describes a simulated workload, and how to drive it.
	Scenario struct {
		Name      string        `yaml:"name"`
		Scheduler SchedulerSpec `yaml:"scheduler"`
		Loop      LoopSpec      `yaml:"loop"`
		Facility  FacilitySpec  `yaml:"facility"`
		Tasks     []TaskGroup   `yaml:"tasks"`
		Jobs      []JobGroup    `yaml:"jobs"`
	}

	// SchedulerSpec maps to phasesched options. Zero values use the
	// phasesched defaults, except QueueSize, which uses the default only if
	// absent, as 0 selects an unbuffered hand-off.
	SchedulerSpec struct {
		QueueSize      *int          `yaml:"queue_size"`
		FailurePolicy  string        `yaml:"failure_policy"`
		Workers        int           `yaml:"workers"`
		StallThreshold time.Duration `yaml:"stall_threshold"`
	}

	// LoopSpec maps to frameloop.Config.
	LoopSpec struct {
		FixedStep     time.Duration `yaml:"fixed_step"`
		FrameInterval time.Duration `yaml:"frame_interval"`
		MaxFixedSteps int           `yaml:"max_fixed_steps"`
		Frames        int           `yaml:"frames"`
	}

	// FacilitySpec maps to jobs.Config.
	FacilitySpec struct {
		FlushInterval  time.Duration `yaml:"flush_interval"`
		MaxBatchSize   int           `yaml:"max_batch_size"`
		MaxConcurrency int           `yaml:"max_concurrency"`
		MaxParallel    int           `yaml:"max_parallel"`
	}

	// Workload is the simulated cost of one callback or job.
	Workload struct {
		// Busy is spent spinning, simulating CPU bound work.
		Busy time.Duration `yaml:"busy"`

		// Sleep is spent blocked, simulating waiting on I/O.
		Sleep time.Duration `yaml:"sleep"`

		// FailureRate is the probability, in [0, 1], of failing.
		FailureRate float64 `yaml:"failure_rate"`
	}

	// TaskGroup is Count identical task objects.
	TaskGroup struct {
		Name      string                `yaml:"name"`
		Cadences  []phasesched.Cadence  `yaml:"cadences"`
		Subphases []phasesched.Subphase `yaml:"subphases"`
		Workload  Workload              `yaml:"workload"`
		Count     int                   `yaml:"count"`
	}

	// JobGroup is Count identical job objects.
	JobGroup struct {
		Name      string                `yaml:"name"`
		Cadences  []phasesched.Cadence  `yaml:"cadences"`
		Subphases []phasesched.Subphase `yaml:"subphases"`
		Workload  Workload              `yaml:"workload"`
		Count     int                   `yaml:"count"`
	}

	// registrar is implemented by *phasesched.Scheduler.
	registrar interface {
		Register(object phasesched.TaskObject) error
		Remove(object phasesched.TaskObject) error
		RegisterJob(object phasesched.JobObject) error
		RemoveJob(object phasesched.JobObject) error
	}

	// Task is a simulated phasesched.TaskObject.
	Task struct {
		group        *TaskGroup
		index        int
		capabilities phasesched.Capabilities
	}
)

var (
	// compile time assertions

	_ phasesched.TaskObject = (*Task)(nil)
	_ registrar             = (*phasesched.Scheduler)(nil)
)

// Load reads and parses a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(`scenario: %w`, err)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario. Unknown fields are rejected.
func Parse(data []byte) (*Scenario, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var x Scenario
	if err := decoder.Decode(&x); err != nil {
		return nil, fmt.Errorf(`scenario: decode: %w`, err)
	}
	if err := x.Validate(); err != nil {
		return nil, err
	}
	return &x, nil
}

// Validate checks the scenario for invalid values.
func (x *Scenario) Validate() error {
	if _, err := x.Scheduler.failurePolicy(); err != nil {
		return err
	}
	if x.Scheduler.Workers < 0 || (x.Scheduler.QueueSize != nil && *x.Scheduler.QueueSize < 0) || x.Scheduler.StallThreshold < 0 {
		return errors.New(`scenario: scheduler: negative value`)
	}
	if x.Loop.FixedStep < 0 || x.Loop.MaxFixedSteps < 0 || x.Loop.Frames < 0 {
		return errors.New(`scenario: loop: negative value`)
	}
	if x.Facility.MaxBatchSize < 0 && x.Facility.FlushInterval < 0 {
		return errors.New(`scenario: facility: one of max_batch_size or flush_interval must be enabled`)
	}
	for i := range x.Tasks {
		g := &x.Tasks[i]
		if err := validateGroup(`task`, i, g.Name, g.Count, &g.Workload, capabilities(g.Cadences, g.Subphases)); err != nil {
			return err
		}
	}
	for i := range x.Jobs {
		g := &x.Jobs[i]
		if err := validateGroup(`job`, i, g.Name, g.Count, &g.Workload, capabilities(g.Cadences, g.Subphases)); err != nil {
			return err
		}
	}
	return nil
}

func validateGroup(kind string, index int, name string, count int, w *Workload, c phasesched.Capabilities) error {
	switch {
	case name == ``:
		return fmt.Errorf(`scenario: %s group %d: missing name`, kind, index)
	case count < 0:
		return fmt.Errorf(`scenario: %s group %q: negative count`, kind, name)
	case w.Busy < 0 || w.Sleep < 0:
		return fmt.Errorf(`scenario: %s group %q: negative workload`, kind, name)
	case w.FailureRate < 0 || w.FailureRate > 1:
		return fmt.Errorf(`scenario: %s group %q: failure rate out of range: %v`, kind, name, w.FailureRate)
	case c == 0:
		return fmt.Errorf(`scenario: %s group %q: no cadences or subphases`, kind, name)
	}
	return nil
}

func capabilities(cadences []phasesched.Cadence, subphases []phasesched.Subphase) phasesched.Capabilities {
	return phasesched.CadenceCapabilities(cadences...) | phasesched.NewCapabilities(subphases...)
}

func (x SchedulerSpec) failurePolicy() (phasesched.FailurePolicy, error) {
	switch x.FailurePolicy {
	case ``, phasesched.FailureContinue.String():
		return phasesched.FailureContinue, nil
	case phasesched.FailureSkipApply.String():
		return phasesched.FailureSkipApply, nil
	default:
		return 0, fmt.Errorf(`scenario: unknown failure policy: %q`, x.FailurePolicy)
	}
}

// Options returns the phasesched options described by the scenario.
func (x *Scenario) Options() []phasesched.Option {
	policy, _ := x.Scheduler.failurePolicy()
	opts := []phasesched.Option{
		phasesched.WithFailurePolicy(policy),
		phasesched.WithStallThreshold(x.Scheduler.StallThreshold),
	}
	if x.Scheduler.Workers > 0 {
		opts = append(opts, phasesched.WithWorkerCount(x.Scheduler.Workers))
	}
	if x.Scheduler.QueueSize != nil {
		opts = append(opts, phasesched.WithQueueSize(*x.Scheduler.QueueSize))
	}
	return opts
}

// FacilityConfig returns the job facility configuration.
func (x *Scenario) FacilityConfig() *jobs.Config {
	return &jobs.Config{
		MaxBatchSize:   x.Facility.MaxBatchSize,
		FlushInterval:  x.Facility.FlushInterval,
		MaxConcurrency: x.Facility.MaxConcurrency,
		MaxParallel:    x.Facility.MaxParallel,
	}
}

// Register adds every simulated task and job object to scheduler, with jobs
// submitted to facility. On error, any objects already added are removed
// again, leaving scheduler as it was.
func (x *Scenario) Register(scheduler *phasesched.Scheduler, facility *jobs.Facility) error {
	return x.register(scheduler, facility)
}

func (x *Scenario) register(r registrar, facility *jobs.Facility) (err error) {
	var (
		tasks   []phasesched.TaskObject
		objects []phasesched.JobObject
	)
	defer func() {
		if err == nil {
			return
		}
		for _, object := range tasks {
			_ = r.Remove(object)
		}
		for _, object := range objects {
			_ = r.RemoveJob(object)
		}
	}()

	for i := range x.Tasks {
		g := &x.Tasks[i]
		c := capabilities(g.Cadences, g.Subphases)
		for n := range g.Count {
			object := &Task{group: g, index: n, capabilities: c}
			if err := r.Register(object); err != nil {
				return fmt.Errorf(`scenario: task group %q: %w`, g.Name, err)
			}
			tasks = append(tasks, object)
		}
	}
	for i := range x.Jobs {
		g := &x.Jobs[i]
		for range g.Count {
			object := &jobs.Object{
				Facility:  facility,
				Subphases: capabilities(g.Cadences, g.Subphases),
				Run: func(ctx context.Context, s phasesched.Subphase) error {
					return g.Workload.run(ctx)
				},
			}
			if err := r.RegisterJob(object); err != nil {
				return fmt.Errorf(`scenario: job group %q: %w`, g.Name, err)
			}
			objects = append(objects, object)
		}
	}
	return nil
}

func (x *Task) Capabilities() phasesched.Capabilities { return x.capabilities }

func (x *Task) Callback(phasesched.Subphase) phasesched.Callback {
	return func() error {
		if err := x.group.Workload.run(context.Background()); err != nil {
			return fmt.Errorf(`%s[%d]: %w`, x.group.Name, x.index, err)
		}
		return nil
	}
}

// run simulates the workload, failing at the configured rate.
func (x *Workload) run(ctx context.Context) error {
	if x.Busy > 0 {
		for start := time.Now(); time.Since(start) < x.Busy; {
		}
	}
	if x.Sleep > 0 {
		timer := time.NewTimer(x.Sleep)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if x.FailureRate > 0 && rand.Float64() < x.FailureRate {
		return ErrSyntheticFailure
	}
	return nil
}
