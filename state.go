package phasesched

import (
	"sync/atomic"
)

// State is the lifecycle state of a Scheduler.
//
//	StateIdle → StateRunning       [RunCadence]
//	StateRunning → StateIdle       [RunCadence returns]
//	StateIdle → StateMutating      [Register, Remove, RegisterJob, RemoveJob]
//	StateMutating → StateIdle      [mutation done]
//	StateIdle → StateTerminated    [Shutdown, Close]
//	StateTerminated → (terminal)
//
// All transitions out of StateIdle are CAS based, which is what keeps the
// registry from being mutated while a cadence runs.
type State uint32

const (
	// StateIdle indicates the scheduler is ready for a cadence or a
	// registration change.
	StateIdle State = iota
	// StateRunning indicates a cadence is in progress.
	StateRunning
	// StateMutating indicates a registration change is in progress.
	StateMutating
	// StateTerminated indicates the scheduler has been shut down.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return `Idle`
	case StateRunning:
		return `Running`
	case StateMutating:
		return `Mutating`
	case StateTerminated:
		return `Terminated`
	default:
		return `Unknown`
	}
}

// fastState is a lock-free state cell.
type fastState struct {
	v atomic.Uint32
}

func (s *fastState) Load() State {
	return State(s.v.Load())
}

func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
