package phasesched

import (
	"fmt"
	"reflect"
	"slices"
)

type (
	// registry holds the tasks of every registered TaskObject, indexed by
	// sub-phase, and the registered JobObject values. It is not safe for
	// concurrent use.
	registry struct {
		objects map[TaskObject]Capabilities
		jobs    []JobObject
		slots   [NumSubphases]slot
	}

	// slot is the state of a single sub-phase. The tasks map and the order
	// list always have the same members.
	slot struct {
		tasks map[TaskObject]*task
		order []*task
		done  completion
	}
)

func newRegistry() *registry {
	x := &registry{objects: make(map[TaskObject]Capabilities)}
	for s := range x.slots {
		x.slots[s].tasks = make(map[TaskObject]*task)
	}
	return x
}

// validateObject rejects nil objects, including typed nil pointers, and
// objects which would panic if used as a map key. Comparability is checked
// against the dynamic value, as e.g. a struct with an interface field holding
// a slice has a comparable type, but still panics when hashed.
func validateObject(object any) error {
	if object == nil {
		return ErrNilObject
	}
	v := reflect.ValueOf(object)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if v.IsNil() {
			return ErrNilObject
		}
	}
	if !v.Comparable() {
		return ErrNotComparable
	}
	return nil
}

// register creates a task for each sub-phase the object supports. The
// capabilities are read once, and recorded for removal.
func (x *registry) register(object TaskObject) (Capabilities, error) {
	if _, ok := x.objects[object]; ok {
		return 0, ErrAlreadyRegistered
	}
	capabilities := object.Capabilities() & AllCapabilities
	var callbacks [NumSubphases]Callback
	for s := range capabilities.Subphases() {
		callbacks[s] = object.Callback(s)
	}
	for s := range capabilities.Subphases() {
		slot := &x.slots[s]
		t := &task{
			object:   object,
			callback: callbacks[s],
			done:     &slot.done,
			subphase: s,
		}
		slot.tasks[object] = t
		slot.order = append(slot.order, t)
	}
	x.objects[object] = capabilities
	return capabilities, nil
}

// remove deletes the object's tasks from exactly the sub-phases recorded at
// registration, returning false if it was not registered.
func (x *registry) remove(object TaskObject) (Capabilities, bool) {
	capabilities, ok := x.objects[object]
	if !ok {
		return 0, false
	}
	for s := range capabilities.Subphases() {
		slot := &x.slots[s]
		if t, ok := slot.tasks[object]; ok {
			slot.order = slices.DeleteFunc(slot.order, func(v *task) bool { return v == t })
			delete(slot.tasks, object)
		}
	}
	delete(x.objects, object)
	return capabilities, true
}

func (x *registry) registerJob(object JobObject) error {
	if slices.Contains(x.jobs, object) {
		return ErrAlreadyRegistered
	}
	x.jobs = append(x.jobs, object)
	return nil
}

func (x *registry) removeJob(object JobObject) bool {
	i := slices.Index(x.jobs, object)
	if i < 0 {
		return false
	}
	x.jobs = slices.Delete(x.jobs, i, i+1)
	return true
}

// tasks returns the completion list for s.
func (x *registry) tasks(s Subphase) []*task {
	return x.slots[s].order
}

// checkInvariants verifies the map/list correspondence of every sub-phase,
// against the recorded capabilities.
func (x *registry) checkInvariants() error {
	for s := range Subphases() {
		slot := &x.slots[s]
		if len(slot.tasks) != len(slot.order) {
			return fmt.Errorf(`phasesched: %s: %d tasks in map, %d in list`, s, len(slot.tasks), len(slot.order))
		}
		for _, t := range slot.order {
			if slot.tasks[t.object] != t {
				return fmt.Errorf(`phasesched: %s: task %T not in map`, s, t.object)
			}
			if t.subphase != s || t.done != &slot.done {
				return fmt.Errorf(`phasesched: %s: task %T bound to %s`, s, t.object, t.subphase)
			}
		}
		var expected int
		for _, capabilities := range x.objects {
			if capabilities.Has(s) {
				expected++
			}
		}
		if expected != len(slot.order) {
			return fmt.Errorf(`phasesched: %s: %d tasks, expected %d`, s, len(slot.order), expected)
		}
	}
	return nil
}
