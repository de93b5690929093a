package phasesched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForWorkers(t *testing.T, p *pool, n int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.started.Load() == n && p.running.Load() == n
	}, time.Second*3, time.Millisecond)
}

func TestPool_exactlyOnce(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	const (
		workers = 4
		n       = 1000
	)
	p := newPool(workers, 8, nil)
	waitForWorkers(t, p, workers)

	var (
		done   completion
		counts [n]atomic.Int32
		tasks  = make([]*task, n)
	)
	for i := range tasks {
		tasks[i] = &task{
			object:   &TaskFuncs{},
			callback: func() error { counts[i].Add(1); return nil },
			done:     &done,
		}
	}

	for range 3 {
		done.arm(n)
		for _, v := range tasks {
			p.enqueue(v)
		}
		done.wait(0, nil)
	}

	for i := range counts {
		require.Equal(t, int32(3), counts[i].Load(), i)
	}

	// never resized
	require.Equal(t, int32(workers), p.started.Load())
	require.Equal(t, int32(workers), p.running.Load())

	require.NoError(t, p.shutdown(context.Background()))
	require.Equal(t, int32(0), p.running.Load())
	p.close()
}

func TestPool_shutdownDrains(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	p := newPool(1, 16, nil)
	var (
		done  completion
		count atomic.Int32
	)
	release := make(chan struct{})
	done.arm(8)
	p.enqueue(&task{object: &TaskFuncs{}, done: &done, callback: func() error {
		<-release
		count.Add(1)
		return nil
	}})
	for range 7 {
		p.enqueue(&task{object: &TaskFuncs{}, done: &done, callback: func() error {
			count.Add(1)
			return nil
		}})
	}

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- p.shutdown(context.Background()) }()
	time.Sleep(time.Millisecond * 20)
	close(release)

	require.NoError(t, <-shutdownErr)
	require.True(t, done.isSet())
	require.Equal(t, int32(8), count.Load())
}

func TestPool_shutdownCanceled(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	p := newPool(2, 16, nil)
	release := make(chan struct{})
	var done completion
	done.arm(1)
	p.enqueue(&task{object: &TaskFuncs{}, done: &done, callback: func() error {
		<-release
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- p.shutdown(ctx) }()

	time.Sleep(time.Millisecond * 50)
	close(release)

	require.ErrorIs(t, <-errCh, context.DeadlineExceeded)
	done.wait(0, nil)
}

func TestPool_close(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)
	p := newPool(3, 0, nil)
	waitForWorkers(t, p, 3)
	p.close()
	p.close()
	require.NoError(t, p.shutdown(context.Background()))
	require.Equal(t, int32(0), p.running.Load())
}

func TestNewPool_invalid(t *testing.T) {
	require.Panics(t, func() { newPool(0, 1, nil) })
	require.Panics(t, func() { newPool(1, -1, nil) })
}
