package phasesched

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

type (
	// pool is a fixed set of worker goroutines consuming a shared queue of
	// tasks. Each task is received, and therefore executed, exactly once.
	pool struct {
		ctx      context.Context
		cancel   context.CancelFunc
		logger   *logiface.Logger[logiface.Event]
		queue    chan *task
		done     chan struct{}
		group    errgroup.Group
		stopOnce sync.Once
		size     int
		started  atomic.Int32
		running  atomic.Int32
	}
)

// drainConfig blocks for the first task (idle), then receives every task that
// is immediately available (draining), before returning to idle.
var drainConfig = longpoll.ChannelConfig{
	MaxSize:        -1,
	MinSize:        1,
	PartialTimeout: -1,
}

func newPool(size, queueSize int, logger *logiface.Logger[logiface.Event]) *pool {
	if size <= 0 {
		panic(`phasesched: pool size must be positive`)
	}
	if queueSize < 0 {
		panic(`phasesched: queue size must not be negative`)
	}

	x := &pool{
		logger: logger,
		queue:  make(chan *task, queueSize),
		done:   make(chan struct{}),
		size:   size,
	}
	x.ctx, x.cancel = context.WithCancel(context.Background())

	for i := range size {
		x.group.Go(func() error { return x.worker(i) })
	}

	go x.run()

	return x
}

func (x *pool) run() {
	defer close(x.done)
	defer x.cancel()
	if err := x.group.Wait(); err != nil {
		x.logger.Err().
			Err(err).
			Log(`phasesched: worker pool failed`)
	}
}

func (x *pool) worker(id int) error {
	x.started.Add(1)
	x.running.Add(1)
	defer x.running.Add(-1)

	x.logger.Trace().
		Int(`worker`, id).
		Log(`phasesched: worker started`)

	for {
		switch err := longpoll.Channel(x.ctx, &drainConfig, x.queue, x.execute); {
		case err == nil:
			// drained, back to idle
		case errors.Is(err, io.EOF), x.ctx.Err() != nil:
			x.logger.Trace().
				Int(`worker`, id).
				Log(`phasesched: worker terminated`)
			return nil
		default:
			return err
		}
	}
}

func (x *pool) execute(t *task) error {
	t.execute()
	return nil
}

// enqueue hands a task to the workers, blocking while the queue is full. It
// must not be called after stop.
func (x *pool) enqueue(t *task) {
	x.queue <- t
}

// stop closes the queue. Workers exit once it has been drained.
func (x *pool) stop() {
	x.stopOnce.Do(func() {
		close(x.queue)
	})
}

// shutdown stops the pool gracefully, blocking until every worker has exited,
// or ctx is canceled, in which case the pool is closed immediately.
func (x *pool) shutdown(ctx context.Context) (err error) {
	x.stop()
	select {
	case <-ctx.Done():
		err = ctx.Err()
		x.cancel()
		<-x.done
	case <-x.done:
	}
	return err
}

// close cancels the workers, blocking until every one has exited.
func (x *pool) close() {
	x.stop()
	x.cancel()
	<-x.done
}
