// Package jobs implements an external job facility for phasesched, running
// work outside the scheduler's own worker pool.
//
// Submitted functions are grouped into small batches, using
// [github.com/joeycumines/go-microbatch], and the jobs of each batch are run
// in parallel. Each submission returns a Handle, which satisfies
// phasesched.JobHandle, so the scheduler joins it before the sub-phase that
// kicked it off completes.
package jobs
