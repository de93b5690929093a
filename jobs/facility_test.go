package jobs

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-phasesched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for {
			after := runtime.NumGoroutine()
			if after <= before {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf(`goroutine leak: %d before, %d after`, before, after)
				return
			}
			time.Sleep(time.Millisecond * 10)
		}
	}
}

func TestNew_config(t *testing.T) {
	for _, tc := range [...]struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{`nil config`, nil, false},
		{`valid config`, &Config{MaxBatchSize: 4, FlushInterval: time.Millisecond * 5, MaxConcurrency: 2, MaxParallel: 2}, false},
		{`unlimited parallel`, &Config{MaxParallel: -1}, false},
		{`flush interval disabled`, &Config{MaxBatchSize: 8, FlushInterval: -1}, false},
		{`all flush options disabled`, &Config{MaxBatchSize: -1, FlushInterval: -1}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer checkNumGoroutines(time.Second * 3)(t)
			defer func() {
				if r := recover(); r != nil && !tc.wantErr {
					t.Errorf(`unexpected panic: %v`, r)
				}
			}()
			x := New(tc.config)
			defer x.Close()
			if tc.wantErr {
				t.Error(`should have panicked`)
			}
			if tc.config == nil || tc.config.MaxParallel == 0 {
				require.Equal(t, runtime.NumCPU(), x.maxParallel)
			}
		})
	}
}

func TestFacility_Submit(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	x := New(&Config{MaxBatchSize: 4, MaxParallel: 2})
	sentinel := errors.New(`sentinel`)

	var (
		count   atomic.Int32
		handles []*Handle
	)
	for i := range 10 {
		h, err := x.Submit(context.Background(), func(ctx context.Context) error {
			count.Add(1)
			if i%3 == 0 {
				return sentinel
			}
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for i, h := range handles {
		err := h.Wait(context.Background())
		if i%3 == 0 {
			require.ErrorIs(t, err, sentinel)
		} else {
			require.NoError(t, err)
		}
	}
	require.Equal(t, int32(10), count.Load())

	require.NoError(t, x.Shutdown(context.Background()))
	_, err := x.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
}

func TestFacility_maxParallel(t *testing.T) {
	x := New(&Config{MaxBatchSize: 8, FlushInterval: time.Millisecond * 20, MaxConcurrency: 1, MaxParallel: 2})
	defer x.Close()

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	var handles []*Handle
	for range 8 {
		h, err := x.Submit(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()
			time.Sleep(time.Millisecond * 10)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, peak)
}

func TestFacility_panic(t *testing.T) {
	x := New(nil)
	defer x.Close()
	h, err := x.Submit(context.Background(), func(ctx context.Context) error { panic(`boom`) })
	require.NoError(t, err)
	var panicErr phasesched.PanicError
	require.ErrorAs(t, h.Wait(context.Background()), &panicErr)
	assert.Equal(t, `boom`, panicErr.Value)
}

func TestFacility_Close_cancelsJobs(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	x := New(&Config{MaxBatchSize: 1})
	started := make(chan struct{})
	h, err := x.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started
	require.NoError(t, x.Close())
	require.ErrorIs(t, h.Wait(context.Background()), context.Canceled)
}

func TestHandle_Wait_ctx(t *testing.T) {
	x := New(&Config{MaxBatchSize: 1})
	defer x.Close()
	release := make(chan struct{})
	defer close(release)
	h, err := x.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*10)
	defer cancel()
	require.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)
}

func TestFacility_Kickoff_error(t *testing.T) {
	x := New(nil)
	require.NoError(t, x.Close())
	h, err := x.Kickoff(func(ctx context.Context) error { return nil })(context.Background())
	require.Error(t, err)
	require.Nil(t, h)
}

func TestObject_withScheduler(t *testing.T) {
	facility := New(nil)
	defer facility.Close()

	scheduler, err := phasesched.New(phasesched.WithWorkerCount(2))
	require.NoError(t, err)
	defer scheduler.Close()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	object := &Object{
		Facility:  facility,
		Subphases: phasesched.NewCapabilities(phasesched.EvaluateVariable),
		Run: func(ctx context.Context, s phasesched.Subphase) error {
			time.Sleep(time.Millisecond * 30)
			record(`job:` + s.String())
			return nil
		},
	}
	require.NoError(t, scheduler.RegisterJob(object))
	require.NoError(t, scheduler.Register(&phasesched.TaskFuncs{ApplyVariable: func() error {
		record(`task:apply-variable`)
		return nil
	}}))

	require.NoError(t, scheduler.Variable(context.Background()))
	require.NoError(t, scheduler.Late(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{`job:evaluate-variable`, `task:apply-variable`}, order)

	h, err := (*Object)(nil).KickoffJob(context.Background(), phasesched.EvaluateVariable)
	require.NoError(t, err)
	require.Nil(t, h)
}
