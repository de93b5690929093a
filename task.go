package phasesched

import (
	"runtime/debug"
)

// task is the unit of work for one (TaskObject, Subphase) pair. It is created
// on registration and reused every frame.
type task struct {
	object   TaskObject
	callback Callback
	done     *completion
	subphase Subphase
}

// execute runs the callback and signals the completion, exactly once, even if
// the callback panics or exits its goroutine.
func (x *task) execute() {
	err := errGoexit
	defer func() {
		if err != nil {
			x.done.fail(&TaskError{Subphase: x.subphase, Object: x.object, Err: err})
		}
		x.done.signal()
	}()
	err = x.run()
}

func (x *task) run() (err error) {
	if x.callback == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return x.callback()
}
