// Package phasesched implements a per-frame, multi-phase task scheduler, for
// use within a real-time application loop.
//
// The host drives up to three cadences per frame, see Cadence. Each cadence
// is split into an evaluate sub-phase, which reads state and computes
// results, followed by an apply sub-phase, which commits them. Within a
// sub-phase, the work of every registered TaskObject is fanned out across a
// fixed pool of worker goroutines, while every registered JobObject kicks off
// work on an external job facility (e.g. the jobs package). The sub-phase
// completes only once both have drained, so no apply callback ever observes
// a partially evaluated frame.
//
// See also [github.com/joeycumines/go-microbatch], which backs the jobs
// package, and [github.com/joeycumines/go-longpoll], which the workers use
// to drain the task queue.
package phasesched
