package jobs

import (
	"context"

	"github.com/joeycumines/go-phasesched"
)

// Object implements phasesched.JobObject, submitting Run to Facility, for
// each sub-phase in Subphases. Must be used by pointer.
type Object struct {
	Facility  *Facility
	Run       func(ctx context.Context, s phasesched.Subphase) error
	Subphases phasesched.Capabilities
}

var (
	// compile time assertions

	_ phasesched.JobObject = (*Object)(nil)
)

// KickoffJob submits a job if s is in Subphases, otherwise it returns a nil
// handle, i.e. nothing to join.
func (x *Object) KickoffJob(ctx context.Context, s phasesched.Subphase) (phasesched.JobHandle, error) {
	if x == nil || x.Run == nil || !x.Subphases.Has(s) {
		return nil, nil
	}
	return x.Facility.Kickoff(func(ctx context.Context) error {
		return x.Run(ctx, s)
	})(ctx)
}
