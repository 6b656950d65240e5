package pauli

import (
	"github.com/pkg/errors"
)

// Strategy selects how terms are grouped into simultaneously measurable sets.
type Strategy int

const (
	// NoPartition measures every term on its own.
	NoPartition Strategy = iota
	// NonConflictingSets groups qubit-wise commuting terms.
	NonConflictingSets
	// CommutingSets groups terms that commute as operators.
	CommutingSets
)

func (s Strategy) String() string {
	switch s {
	case NoPartition:
		return "none"
	case NonConflictingSets:
		return "non_conflicting_sets"
	case CommutingSets:
		return "commuting_sets"
	default:
		return "unknown"
	}
}

// ParseStrategy is the inverse of Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range []Strategy{NoPartition, NonConflictingSets, CommutingSets} {
		if st.String() == s {
			return st, nil
		}
	}
	return -1, errors.Errorf("unknown partition strategy %q", s)
}

// Partition groups the terms of op with greedy first fit.
// Groups appear in order of their first term, and terms keep their relative order.
func Partition(op Operator, s Strategy) []Operator {
	var compatible func(a, b String) bool
	switch s {
	case NonConflictingSets:
		compatible = String.QubitWiseCommutes
	case CommutingSets:
		compatible = String.Commutes
	default:
		groups := make([]Operator, 0, len(op))
		for _, t := range op {
			groups = append(groups, Operator{t})
		}
		return groups
	}

	groups := make([]Operator, 0)
Terms:
	for _, t := range op {
		for i, g := range groups {
			fits := true
			for _, u := range g {
				if !compatible(t.String, u.String) {
					fits = false
					break
				}
			}
			if fits {
				groups[i] = append(g, t)
				continue Terms
			}
		}
		groups = append(groups, Operator{t})
	}
	return groups
}

// QubitWise reports whether all terms of g can be measured in one shared basis.
func QubitWise(g Operator) bool {
	for i, t := range g {
		for _, u := range g[i+1:] {
			if !t.String.QubitWiseCommutes(u.String) {
				return false
			}
		}
	}
	return true
}

// Basis returns the measurement basis of a qubit-wise commuting group, one Pauli per qubit of an n qubit register.
func Basis(g Operator, n int) []Pauli {
	basis := make([]Pauli, n)
	for _, t := range g {
		for _, f := range t.String.factors {
			if f.Qubit < n {
				basis[f.Qubit] = f.P
			}
		}
	}
	return basis
}
