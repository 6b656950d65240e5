// Package pauli implements observables as weighted sums of Pauli strings.
package pauli

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Pauli is a single qubit Pauli operator.
type Pauli byte

const (
	I Pauli = iota
	X
	Y
	Z
)

func (p Pauli) String() string {
	switch p {
	case I:
		return "I"
	case X:
		return "X"
	case Y:
		return "Y"
	case Z:
		return "Z"
	default:
		return fmt.Sprintf("Pauli(%d)", byte(p))
	}
}

func parsePauli(b byte) (Pauli, error) {
	switch b {
	case 'I':
		return I, nil
	case 'X':
		return X, nil
	case 'Y':
		return Y, nil
	case 'Z':
		return Z, nil
	default:
		return I, errors.Errorf("%q", b)
	}
}

// Factor is a Pauli acting on one qubit.
type Factor struct {
	Qubit int
	P     Pauli
}

// String is a tensor product of Pauli operators.
// Identity factors are dropped and the rest are kept sorted by qubit.
type String struct {
	factors []Factor
}

// NewString returns the product of fs.
func NewString(fs ...Factor) (String, error) {
	factors := make([]Factor, 0, len(fs))
	for _, f := range fs {
		if f.Qubit < 0 {
			return String{}, errors.Errorf("%#v", f)
		}
		if f.P > Z {
			return String{}, errors.Errorf("%#v", f)
		}
		if f.P == I {
			continue
		}
		factors = append(factors, f)
	}
	slices.SortFunc(factors, func(a, b Factor) int { return cmp.Compare(a.Qubit, b.Qubit) })
	for i := 1; i < len(factors); i++ {
		if factors[i].Qubit == factors[i-1].Qubit {
			return String{}, errors.Errorf("qubit %d appears twice", factors[i].Qubit)
		}
	}
	return String{factors: factors}, nil
}

// ParseString parses strings such as "X0 Z1".
// The empty string and "I" denote the identity.
func ParseString(s string) (String, error) {
	fields := strings.Fields(s)
	fs := make([]Factor, 0, len(fields))
	for _, f := range fields {
		if f == "I" {
			continue
		}
		if len(f) < 2 {
			return String{}, errors.Errorf("%q in %q", f, s)
		}
		p, err := parsePauli(f[0])
		if err != nil {
			return String{}, errors.Wrap(err, s)
		}
		q, err := strconv.Atoi(f[1:])
		if err != nil {
			return String{}, errors.Wrap(err, s)
		}
		fs = append(fs, Factor{Qubit: q, P: p})
	}
	ps, err := NewString(fs...)
	if err != nil {
		return String{}, errors.Wrap(err, s)
	}
	return ps, nil
}

// MustString is like ParseString but panics on error.
func MustString(s string) String {
	ps, err := ParseString(s)
	if err != nil {
		panic(fmt.Sprintf("%+v", err))
	}
	return ps
}

// Factors returns a copy of the non identity factors.
func (s String) Factors() []Factor { return slices.Clone(s.factors) }

// At returns the Pauli acting on qubit q.
func (s String) At(q int) Pauli {
	i, ok := slices.BinarySearchFunc(s.factors, q, func(f Factor, q int) int { return cmp.Compare(f.Qubit, q) })
	if !ok {
		return I
	}
	return s.factors[i].P
}

// IsIdentity reports whether s acts trivially on every qubit.
func (s String) IsIdentity() bool { return len(s.factors) == 0 }

// NumQubits returns one plus the largest qubit index s acts on.
func (s String) NumQubits() int {
	if len(s.factors) == 0 {
		return 0
	}
	return s.factors[len(s.factors)-1].Qubit + 1
}

func (s String) String() string {
	if len(s.factors) == 0 {
		return "I"
	}
	ss := make([]string, 0, len(s.factors))
	for _, f := range s.factors {
		ss = append(ss, fmt.Sprintf("%s%d", f.P, f.Qubit))
	}
	return strings.Join(ss, " ")
}

// Commutes reports whether s and o commute, which happens when they anticommute on an even number of qubits.
func (s String) Commutes(o String) bool {
	anti := 0
	for _, f := range s.factors {
		if p := o.At(f.Qubit); p != I && p != f.P {
			anti++
		}
	}
	return anti%2 == 0
}

// QubitWiseCommutes reports whether s and o agree on every qubit where both act non trivially.
// Such strings can be measured in one shared basis.
func (s String) QubitWiseCommutes(o String) bool {
	for _, f := range s.factors {
		if p := o.At(f.Qubit); p != I && p != f.P {
			return false
		}
	}
	return true
}

// Term is a weighted Pauli string.
type Term struct {
	Coef   complex128
	String String
}

// NewTerm returns coef times the Pauli string s.
func NewTerm(coef complex128, s string) (Term, error) {
	ps, err := ParseString(s)
	if err != nil {
		return Term{}, errors.Wrap(err, "")
	}
	return Term{Coef: coef, String: ps}, nil
}

// Operator is a sum of terms.
type Operator []Term

// NumQubits returns the smallest register the operator fits in.
func (op Operator) NumQubits() int {
	n := 0
	for _, t := range op {
		n = max(n, t.String.NumQubits())
	}
	return n
}

// String returns a canonical text form.
func (op Operator) String() string {
	ss := make([]string, 0, len(op))
	for _, t := range op {
		c := strconv.FormatComplex(t.Coef, 'g', -1, 128)
		ss = append(ss, c+" "+t.String.String())
	}
	return strings.Join(ss, " + ")
}
