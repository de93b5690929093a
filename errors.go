package phasesched

import (
	"errors"
	"fmt"
	"strings"
)

// Standard errors.
var (
	// ErrNotInitialized is returned by methods of a nil or zero-value
	// Scheduler. Use New.
	ErrNotInitialized = errors.New(`phasesched: scheduler not initialized`)

	// ErrClosed is returned once Shutdown or Close has been called.
	ErrClosed = errors.New(`phasesched: scheduler closed`)

	// ErrBusy is returned when registration, removal, a cadence, or shutdown
	// is attempted while a cadence or registration is already in progress.
	ErrBusy = errors.New(`phasesched: scheduler busy`)

	// ErrNilObject is returned when a nil object is registered or removed.
	ErrNilObject = errors.New(`phasesched: nil object`)

	// ErrNotComparable is returned when an object cannot be used as an
	// identity key, e.g. a struct value containing a func field.
	ErrNotComparable = errors.New(`phasesched: object is not comparable`)

	// ErrAlreadyRegistered is returned on duplicate registration. The
	// existing registration is left unchanged.
	ErrAlreadyRegistered = errors.New(`phasesched: object already registered`)

	// ErrInvalidCadence is returned by RunCadence for an unknown cadence.
	ErrInvalidCadence = errors.New(`phasesched: invalid cadence`)

	// errGoexit is the result of a callback that exits its goroutine, e.g.
	// via runtime.Goexit, which would otherwise leave the task unsignalled.
	errGoexit = errors.New(`phasesched: callback exited without returning`)
)

type (
	// PanicError wraps a value recovered from a panicking callback.
	PanicError struct {
		Value any
		Stack []byte
	}

	// TaskError is a failure of a single TaskObject's callback.
	TaskError struct {
		Object   TaskObject
		Err      error
		Subphase Subphase
	}

	// JobError is a failure to kick off, or to join, a JobObject's job.
	JobError struct {
		Object   JobObject
		Err      error
		Subphase Subphase
	}

	// SubphaseError aggregates every failure of one sub-phase run. Note that
	// the sub-phase still ran to completion.
	SubphaseError struct {
		Errors   []error
		Subphase Subphase
	}
)

func (e PanicError) Error() string {
	return fmt.Sprintf(`phasesched: callback panicked: %v`, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func (e *TaskError) Error() string {
	return fmt.Sprintf(`phasesched: task %T failed in %s: %v`, e.Object, e.Subphase, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

func (e *JobError) Error() string {
	return fmt.Sprintf(`phasesched: job %T failed in %s: %v`, e.Object, e.Subphase, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

func (e *SubphaseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, `phasesched: %s: %d failure(s)`, e.Subphase, len(e.Errors))
	for _, err := range e.Errors {
		b.WriteString(`; `)
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap enables errors.Is and errors.As against every contained failure.
func (e *SubphaseError) Unwrap() []error { return e.Errors }
