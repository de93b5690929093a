package phasesched

import (
	"encoding"
	"fmt"
	"iter"
)

// Cadence identifies one of the three rates at which the host drives the
// scheduler.
type Cadence uint8

const (
	// CadenceVariable is the variable-interval tick, run once per frame.
	CadenceVariable Cadence = iota
	// CadenceFixed is the fixed-interval tick, run zero or more times per
	// frame, at a constant step.
	CadenceFixed
	// CadenceLate is the post-tick pass, run once per frame, after the
	// variable tick.
	CadenceLate

	numCadences = 3
)

// Stage is one of the two ordered halves of a cadence.
type Stage uint8

const (
	// StageEvaluate reads state and computes results.
	StageEvaluate Stage = iota
	// StageApply commits the results computed during StageEvaluate.
	StageApply

	numStages = 2
)

// Subphase is one (Cadence, Stage) pair. There are exactly six.
type Subphase uint8

const (
	// EvaluateVariable is the evaluate stage of CadenceVariable.
	EvaluateVariable Subphase = iota
	// ApplyVariable is the apply stage of CadenceVariable.
	ApplyVariable
	// EvaluateFixed is the evaluate stage of CadenceFixed.
	EvaluateFixed
	// ApplyFixed is the apply stage of CadenceFixed.
	ApplyFixed
	// EvaluateLate is the evaluate stage of CadenceLate.
	EvaluateLate
	// ApplyLate is the apply stage of CadenceLate.
	ApplyLate

	// NumSubphases is the number of valid Subphase values.
	NumSubphases = numCadences * numStages
)

var (
	cadenceNames  = [numCadences]string{`variable`, `fixed`, `late`}
	stageNames    = [numStages]string{`evaluate`, `apply`}
	subphaseNames = [NumSubphases]string{
		`evaluate-variable`,
		`apply-variable`,
		`evaluate-fixed`,
		`apply-fixed`,
		`evaluate-late`,
		`apply-late`,
	}
)

// Cadences yields all cadences, in declaration order.
func Cadences() iter.Seq[Cadence] {
	return func(yield func(Cadence) bool) {
		for c := Cadence(0); c < numCadences; c++ {
			if !yield(c) {
				return
			}
		}
	}
}

// Subphases yields all sub-phases, in declaration order.
func Subphases() iter.Seq[Subphase] {
	return func(yield func(Subphase) bool) {
		for s := Subphase(0); s < NumSubphases; s++ {
			if !yield(s) {
				return
			}
		}
	}
}

// SubphaseOf returns the sub-phase for the given cadence and stage. It panics
// if either is invalid.
func SubphaseOf(c Cadence, s Stage) Subphase {
	if !c.Valid() || !s.Valid() {
		panic(fmt.Errorf(`phasesched: invalid cadence/stage: %d/%d`, c, s))
	}
	return Subphase(uint8(c)*numStages + uint8(s))
}

var (
	// compile time assertions

	_ encoding.TextMarshaler   = Cadence(0)
	_ encoding.TextUnmarshaler = (*Cadence)(nil)
	_ encoding.TextMarshaler   = Subphase(0)
	_ encoding.TextUnmarshaler = (*Subphase)(nil)
)

// ParseCadence returns the cadence with the given name, as returned by
// Cadence.String.
func ParseCadence(name string) (Cadence, error) {
	for c, v := range cadenceNames {
		if v == name {
			return Cadence(c), nil
		}
	}
	return 0, fmt.Errorf(`phasesched: unknown cadence: %q`, name)
}

// ParseSubphase returns the sub-phase with the given name, as returned by
// Subphase.String.
func ParseSubphase(name string) (Subphase, error) {
	for s, v := range subphaseNames {
		if v == name {
			return Subphase(s), nil
		}
	}
	return 0, fmt.Errorf(`phasesched: unknown subphase: %q`, name)
}

func (x Cadence) Valid() bool { return x < numCadences }

func (x Cadence) String() string {
	if x.Valid() {
		return cadenceNames[x]
	}
	return fmt.Sprintf(`Cadence(%d)`, uint8(x))
}

func (x Cadence) MarshalText() ([]byte, error) {
	if !x.Valid() {
		return nil, ErrInvalidCadence
	}
	return []byte(x.String()), nil
}

func (x *Cadence) UnmarshalText(text []byte) (err error) {
	*x, err = ParseCadence(string(text))
	return err
}

// Evaluate returns the evaluate sub-phase of this cadence.
func (x Cadence) Evaluate() Subphase { return SubphaseOf(x, StageEvaluate) }

// Apply returns the apply sub-phase of this cadence.
func (x Cadence) Apply() Subphase { return SubphaseOf(x, StageApply) }

func (x Stage) Valid() bool { return x < numStages }

func (x Stage) String() string {
	if x.Valid() {
		return stageNames[x]
	}
	return fmt.Sprintf(`Stage(%d)`, uint8(x))
}

func (x Subphase) Valid() bool { return x < NumSubphases }

func (x Subphase) String() string {
	if x.Valid() {
		return subphaseNames[x]
	}
	return fmt.Sprintf(`Subphase(%d)`, uint8(x))
}

func (x Subphase) MarshalText() ([]byte, error) {
	if !x.Valid() {
		return nil, fmt.Errorf(`phasesched: invalid subphase: %d`, uint8(x))
	}
	return []byte(x.String()), nil
}

func (x *Subphase) UnmarshalText(text []byte) (err error) {
	*x, err = ParseSubphase(string(text))
	return err
}

// Cadence returns the cadence this sub-phase belongs to.
func (x Subphase) Cadence() Cadence { return Cadence(x / numStages) }

// Stage returns whether this is the evaluate or apply half of its cadence.
func (x Subphase) Stage() Stage { return Stage(x % numStages) }
