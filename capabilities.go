package phasesched

import (
	"iter"
	"math/bits"
	"strings"
)

// Capabilities declares which sub-phases a TaskObject implements. It is read
// once, at registration, and only the sub-phases it contains get a task.
//
// The zero value supports nothing.
type Capabilities uint8

// AllCapabilities supports every sub-phase.
const AllCapabilities Capabilities = 1<<NumSubphases - 1

// NewCapabilities returns a Capabilities containing exactly the given
// sub-phases. Invalid sub-phases are ignored.
func NewCapabilities(subphases ...Subphase) Capabilities {
	var c Capabilities
	for _, s := range subphases {
		c = c.With(s)
	}
	return c
}

// CadenceCapabilities returns the evaluate and apply sub-phases of each
// given cadence.
func CadenceCapabilities(cadences ...Cadence) Capabilities {
	var c Capabilities
	for _, v := range cadences {
		if v.Valid() {
			c = c.With(v.Evaluate()).With(v.Apply())
		}
	}
	return c
}

// Has reports whether s is supported.
func (x Capabilities) Has(s Subphase) bool {
	return s.Valid() && x&(1<<s) != 0
}

// With returns a copy of x that also supports s.
func (x Capabilities) With(s Subphase) Capabilities {
	if !s.Valid() {
		return x
	}
	return x | 1<<s
}

// Without returns a copy of x that does not support s.
func (x Capabilities) Without(s Subphase) Capabilities {
	if !s.Valid() {
		return x
	}
	return x &^ (1 << s)
}

// Len returns the number of supported sub-phases.
func (x Capabilities) Len() int {
	return bits.OnesCount8(uint8(x & AllCapabilities))
}

// Subphases yields the supported sub-phases, in declaration order.
func (x Capabilities) Subphases() iter.Seq[Subphase] {
	return func(yield func(Subphase) bool) {
		for s := range Subphases() {
			if x.Has(s) && !yield(s) {
				return
			}
		}
	}
}

func (x Capabilities) String() string {
	if x&AllCapabilities == 0 {
		return `none`
	}
	var b strings.Builder
	for s := range x.Subphases() {
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString(s.String())
	}
	return b.String()
}
