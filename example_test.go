package phasesched_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeycumines/go-phasesched"
)

// Demonstrates the evaluate/apply split: every evaluate callback of a cadence
// completes before any apply callback of that cadence begins.
func ExampleScheduler() {
	// a single worker keeps the example output deterministic
	scheduler, err := phasesched.New(phasesched.WithWorkerCount(1))
	if err != nil {
		panic(err)
	}
	defer scheduler.Close()

	type body struct {
		position, velocity, next int
	}
	bodies := []*body{{0, 1, 0}, {10, -2, 0}}

	for i, b := range bodies {
		if err := scheduler.Register(&phasesched.TaskFuncs{
			// read state, compute results
			EvaluateFixed: func() error {
				b.next = b.position + b.velocity
				return nil
			},
			// commit results
			ApplyFixed: func() error {
				b.position = b.next
				fmt.Printf("body %d at %d\n", i, b.position)
				return nil
			},
		}); err != nil {
			panic(err)
		}
	}

	ctx := context.Background()
	for range 2 {
		if err := scheduler.Fixed(ctx); err != nil {
			panic(err)
		}
	}

	fmt.Println(scheduler.TaskCount(phasesched.EvaluateFixed), scheduler.TaskCount(phasesched.EvaluateVariable))

	//output:
	//body 0 at 1
	//body 1 at 8
	//body 0 at 2
	//body 1 at 6
	//2 0
}

// waitGroupHandle adapts a sync.WaitGroup to phasesched.JobHandle.
type waitGroupHandle struct{ wg *sync.WaitGroup }

func (x waitGroupHandle) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		x.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Demonstrates delegating work to an external facility, which is joined
// before the sub-phase completes.
func ExampleJobFuncs() {
	scheduler, err := phasesched.New(phasesched.WithWorkerCount(1))
	if err != nil {
		panic(err)
	}
	defer scheduler.Close()

	var total int
	if err := scheduler.RegisterJob(&phasesched.JobFuncs{
		EvaluateLate: func(ctx context.Context) (phasesched.JobHandle, error) {
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				total += 42
			}()
			return waitGroupHandle{&wg}, nil
		},
	}); err != nil {
		panic(err)
	}

	if err := scheduler.Register(&phasesched.TaskFuncs{
		ApplyLate: func() error {
			fmt.Println("total:", total)
			return nil
		},
	}); err != nil {
		panic(err)
	}

	if err := scheduler.Late(context.Background()); err != nil {
		panic(err)
	}

	//output:
	//total: 42
}
