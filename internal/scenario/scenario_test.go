package scenario

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/go-phasesched"
	"github.com/joeycumines/go-phasesched/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	x, err := Load(`testdata/basic.yaml`)
	require.NoError(t, err)

	assert.Equal(t, `basic`, x.Name)
	assert.Equal(t, SchedulerSpec{Workers: 2, FailurePolicy: `skip-apply`, StallThreshold: 50 * time.Millisecond}, x.Scheduler)
	assert.Equal(t, LoopSpec{FixedStep: 20 * time.Millisecond, FrameInterval: -1, Frames: 3}, x.Loop)
	assert.Equal(t, FacilitySpec{MaxBatchSize: 8, FlushInterval: 500 * time.Microsecond, MaxParallel: 2}, x.Facility)
	require.Len(t, x.Tasks, 2)
	assert.Equal(t, []phasesched.Cadence{phasesched.CadenceFixed}, x.Tasks[0].Cadences)
	assert.Equal(t, 10*time.Microsecond, x.Tasks[0].Workload.Busy)
	assert.Equal(t, []phasesched.Subphase{phasesched.EvaluateVariable, phasesched.ApplyLate}, x.Tasks[1].Subphases)
	require.Len(t, x.Jobs, 1)
	assert.Equal(t, time.Millisecond, x.Jobs[0].Workload.Sleep)

	require.Len(t, x.Options(), 3)
	assert.Equal(t, &jobs.Config{MaxBatchSize: 8, FlushInterval: 500 * time.Microsecond, MaxParallel: 2}, x.FacilityConfig())
}

func TestLoad_missing(t *testing.T) {
	_, err := Load(`testdata/does-not-exist.yaml`)
	require.Error(t, err)
}

func TestParse_invalid(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		data string
	}{
		{`unknown field`, "name: x\nunknown: 1\n"},
		{`unknown subphase`, "tasks: [{name: a, count: 1, subphases: [evaluate]}]\n"},
		{`unknown cadence`, "tasks: [{name: a, count: 1, cadences: [sometimes]}]\n"},
		{`unknown policy`, "scheduler: {failure_policy: retry}\n"},
		{`negative workers`, "scheduler: {workers: -1}\n"},
		{`negative queue size`, "scheduler: {queue_size: -1}\n"},
		{`negative frames`, "loop: {frames: -1}\n"},
		{`facility disabled`, "facility: {max_batch_size: -1, flush_interval: -1ms}\n"},
		{`missing name`, "tasks: [{count: 1, cadences: [late]}]\n"},
		{`negative count`, "jobs: [{name: a, count: -1, cadences: [late]}]\n"},
		{`no subphases`, "tasks: [{name: a, count: 1}]\n"},
		{`failure rate`, "tasks: [{name: a, count: 1, cadences: [late], workload: {failure_rate: 1.5}}]\n"},
		{`negative busy`, "jobs: [{name: a, count: 1, cadences: [late], workload: {busy: -1ms}}]\n"},
		{`bad duration`, "loop: {fixed_step: soon}\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			x, err := Parse([]byte(tc.data))
			require.Error(t, err)
			require.Nil(t, x)
		})
	}
}

func TestScenario_Register(t *testing.T) {
	x, err := Load(`testdata/basic.yaml`)
	require.NoError(t, err)

	facility := jobs.New(x.FacilityConfig())
	defer facility.Close()
	scheduler, err := phasesched.New(x.Options()...)
	require.NoError(t, err)
	defer scheduler.Close()

	require.NoError(t, x.Register(scheduler, facility))
	assert.Equal(t, 4, scheduler.TaskCount(phasesched.EvaluateFixed))
	assert.Equal(t, 4, scheduler.TaskCount(phasesched.ApplyFixed))
	assert.Equal(t, 2, scheduler.TaskCount(phasesched.EvaluateVariable))
	assert.Equal(t, 0, scheduler.TaskCount(phasesched.ApplyVariable))
	assert.Equal(t, 2, scheduler.TaskCount(phasesched.ApplyLate))
	assert.Equal(t, 1, scheduler.JobObjectCount())

	start := time.Now()
	require.NoError(t, scheduler.Variable(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), time.Millisecond)
	require.NoError(t, scheduler.Fixed(context.Background()))
	require.NoError(t, scheduler.Late(context.Background()))
}

func TestWorkload_run(t *testing.T) {
	require.ErrorIs(t, (&Workload{FailureRate: 1}).run(context.Background()), ErrSyntheticFailure)
	require.NoError(t, (&Workload{}).run(context.Background()))

	start := time.Now()
	require.NoError(t, (&Workload{Busy: time.Millisecond * 5}).run(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), time.Millisecond*5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, (&Workload{Sleep: time.Hour}).run(ctx), context.Canceled)
}

func TestTask_failure(t *testing.T) {
	group := &TaskGroup{Name: `flaky`, Workload: Workload{FailureRate: 1}}
	task := &Task{group: group, index: 3, capabilities: phasesched.AllCapabilities}
	err := task.Callback(phasesched.EvaluateLate)()
	require.True(t, errors.Is(err, ErrSyntheticFailure))
	require.EqualError(t, err, `flaky[3]: scenario: synthetic failure`)
}

func TestScenario_Options_queueSize(t *testing.T) {
	x, err := Parse([]byte("scheduler: {queue_size: 0}\n"))
	require.NoError(t, err)
	require.NotNil(t, x.Scheduler.QueueSize)
	require.Equal(t, 0, *x.Scheduler.QueueSize)
	require.Len(t, x.Options(), 3)

	scheduler, err := phasesched.New(append(x.Options(), phasesched.WithWorkerCount(1))...)
	require.NoError(t, err)
	defer scheduler.Close()
	var calls int
	require.NoError(t, scheduler.Register(&phasesched.TaskFuncs{
		EvaluateVariable: func() error { calls++; return nil },
	}))
	require.NoError(t, scheduler.Variable(context.Background()))
	require.Equal(t, 1, calls)

	x, err = Parse([]byte("name: default\n"))
	require.NoError(t, err)
	require.Nil(t, x.Scheduler.QueueSize)
	require.Len(t, x.Options(), 2)
}

// failingRegistrar delegates to a Scheduler, failing the n-th call to
// Register or RegisterJob.
type failingRegistrar struct {
	*phasesched.Scheduler
	n int
}

var errRegistrar = errors.New(`registrar failure`)

func (x *failingRegistrar) Register(object phasesched.TaskObject) error {
	if x.n--; x.n == 0 {
		return errRegistrar
	}
	return x.Scheduler.Register(object)
}

func (x *failingRegistrar) RegisterJob(object phasesched.JobObject) error {
	if x.n--; x.n == 0 {
		return errRegistrar
	}
	return x.Scheduler.RegisterJob(object)
}

func TestScenario_Register_rollback(t *testing.T) {
	x, err := Load(`testdata/basic.yaml`)
	require.NoError(t, err)

	facility := jobs.New(x.FacilityConfig())
	defer facility.Close()

	// 6 task objects, then 1 job object
	for _, n := range [...]int{1, 4, 6, 7} {
		scheduler, err := phasesched.New(x.Options()...)
		require.NoError(t, err)

		err = x.register(&failingRegistrar{Scheduler: scheduler, n: n}, facility)
		require.ErrorIs(t, err, errRegistrar, n)
		for s := range phasesched.Subphases() {
			assert.Zero(t, scheduler.TaskCount(s), n)
		}
		assert.Zero(t, scheduler.JobObjectCount(), n)

		require.NoError(t, scheduler.Close())
	}
}
