// Package circuit describes parametrized quantum circuits and binds them to concrete parameter values.
//
// A Template is immutable once built. Binding a template never modifies it, and every Bound circuit owns its gates.
package circuit

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

var (
	// ErrQubit is returned when a gate addresses a qubit outside the register.
	ErrQubit = errors.New("qubit out of range")
	// ErrSharedSymbol is returned when a symbol parametrizes more than one gate.
	ErrSharedSymbol = errors.New("symbol parametrizes more than one gate")
	// ErrUnbound is returned when a free symbol has no value.
	ErrUnbound = errors.New("unbound symbol")
	// ErrExtraSymbol is returned when a value is given for a symbol the template does not have.
	ErrExtraSymbol = errors.New("extra symbol")
)

// Kind is a gate type.
type Kind int

const (
	H Kind = iota
	X
	Y
	Z
	S
	Sdg
	T
	CX
	CZ
	Rx
	Ry
	Rz
)

var kindNames = [...]string{
	H:   "h",
	X:   "x",
	Y:   "y",
	Z:   "z",
	S:   "s",
	Sdg: "sdg",
	T:   "t",
	CX:  "cx",
	CZ:  "cz",
	Rx:  "rx",
	Ry:  "ry",
	Rz:  "rz",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind returns the gate type of a lower case OpenQASM gate name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return -1, errors.Errorf("unknown gate %q", s)
}

// Rotation reports whether the gate takes an angle.
func (k Kind) Rotation() bool {
	return k == Rx || k == Ry || k == Rz
}

// Arity is the number of qubits the gate acts on.
func (k Kind) Arity() int {
	if k == CX || k == CZ {
		return 2
	}
	return 1
}

// Symbol names a free parameter.
type Symbol string

// Angle is either a constant or a free symbol.
type Angle struct {
	sym   Symbol
	value float64
}

// Const returns a fixed angle in radians.
func Const(v float64) Angle { return Angle{value: v} }

// Sym returns an angle bound later through the symbol s.
func Sym(s Symbol) Angle { return Angle{sym: s} }

// Symbolic reports whether the angle is a free symbol.
func (a Angle) Symbolic() bool { return a.sym != "" }

// Symbol returns the free symbol, or "" for constants.
func (a Angle) Symbol() Symbol { return a.sym }

// Value returns the constant angle.
func (a Angle) Value() float64 { return a.value }

// Gate is an operation in a Template.
type Gate struct {
	Kind   Kind
	Qubits [2]int
	Angle  Angle
}

// Template is a parametrized circuit.
type Template struct {
	numQubits int
	gates     []Gate
	symbols   []Symbol
}

// NumQubits returns the register size.
func (t *Template) NumQubits() int { return t.numQubits }

// Gates returns a copy of the gates.
func (t *Template) Gates() []Gate { return slices.Clone(t.gates) }

// Symbols returns the free symbols in gate order.
func (t *Template) Symbols() []Symbol { return slices.Clone(t.symbols) }

// Builder constructs a Template.
// The first invalid gate is remembered and reported by Template.
type Builder struct {
	numQubits int
	gates     []Gate
	seen      map[Symbol]int
	err       error
}

// NewBuilder starts a circuit on n qubits.
func NewBuilder(n int) *Builder {
	b := &Builder{numQubits: n, seen: make(map[Symbol]int)}
	if n < 1 {
		b.err = errors.Wrap(ErrQubit, fmt.Sprintf("register of %d qubits", n))
	}
	return b
}

func (b *Builder) H(q int) *Builder { return b.Add(H, Angle{}, q) }
func (b *Builder) X(q int) *Builder { return b.Add(X, Angle{}, q) }
func (b *Builder) Y(q int) *Builder { return b.Add(Y, Angle{}, q) }
func (b *Builder) Z(q int) *Builder { return b.Add(Z, Angle{}, q) }
func (b *Builder) S(q int) *Builder { return b.Add(S, Angle{}, q) }
func (b *Builder) Sdg(q int) *Builder { return b.Add(Sdg, Angle{}, q) }
func (b *Builder) T(q int) *Builder { return b.Add(T, Angle{}, q) }
func (b *Builder) CX(c, t int) *Builder { return b.Add(CX, Angle{}, c, t) }
func (b *Builder) CZ(c, t int) *Builder { return b.Add(CZ, Angle{}, c, t) }

func (b *Builder) Rx(a Angle, q int) *Builder { return b.Add(Rx, a, q) }
func (b *Builder) Ry(a Angle, q int) *Builder { return b.Add(Ry, a, q) }
func (b *Builder) Rz(a Angle, q int) *Builder { return b.Add(Rz, a, q) }

// Add appends a gate of kind k.
// The angle is ignored for gates that are not rotations.
func (b *Builder) Add(k Kind, a Angle, qubits ...int) *Builder {
	if b.err != nil {
		return b
	}
	i := len(b.gates)
	if len(qubits) != k.Arity() {
		b.err = errors.Errorf("gate %d %s: %d qubits, expected %d", i, k, len(qubits), k.Arity())
		return b
	}
	g := Gate{Kind: k}
	for j, q := range qubits {
		if q < 0 || q >= b.numQubits {
			b.err = errors.Wrap(ErrQubit, fmt.Sprintf("gate %d %s qubit %d, register %d", i, k, q, b.numQubits))
			return b
		}
		g.Qubits[j] = q
	}
	if k.Arity() == 2 && g.Qubits[0] == g.Qubits[1] {
		b.err = errors.Errorf("gate %d %s: control equals target %d", i, k, g.Qubits[0])
		return b
	}
	if k.Rotation() {
		g.Angle = a
		if a.Symbolic() {
			if prev, ok := b.seen[a.sym]; ok {
				b.err = errors.Wrap(ErrSharedSymbol, fmt.Sprintf("%q in gates %d and %d", a.sym, prev, i))
				return b
			}
			b.seen[a.sym] = i
		}
	}
	b.gates = append(b.gates, g)
	return b
}

// Template returns the built circuit.
func (b *Builder) Template() (*Template, error) {
	if b.err != nil {
		return nil, b.err
	}
	t := &Template{numQubits: b.numQubits, gates: slices.Clone(b.gates)}
	for _, g := range t.gates {
		if g.Angle.Symbolic() {
			t.symbols = append(t.symbols, g.Angle.sym)
		}
	}
	return t, nil
}

// Op is a gate with a concrete angle.
type Op struct {
	Kind   Kind
	Qubits [2]int
	Angle  float64
}

// Targets returns the qubits the operation acts on.
func (op Op) Targets() []int {
	return op.Qubits[:op.Kind.Arity()]
}

// Bound is a circuit with every parameter substituted.
type Bound struct {
	numQubits int
	ops       []Op
}

// NumQubits returns the register size.
func (c *Bound) NumQubits() int { return c.numQubits }

// Ops returns a copy of the operations.
func (c *Bound) Ops() []Op { return slices.Clone(c.ops) }

// Bind substitutes values into the free symbols of t.
// Every free symbol must have a value, and values must not name symbols that t does not have.
func Bind(t *Template, values map[Symbol]float64) (*Bound, error) {
	for _, s := range t.symbols {
		if _, ok := values[s]; !ok {
			return nil, errors.Wrap(ErrUnbound, string(s))
		}
	}
	if len(values) != len(t.symbols) {
		for s := range values {
			if !slices.Contains(t.symbols, s) {
				return nil, errors.Wrap(ErrExtraSymbol, string(s))
			}
		}
	}

	c := &Bound{numQubits: t.numQubits, ops: make([]Op, 0, len(t.gates))}
	for _, g := range t.gates {
		op := Op{Kind: g.Kind, Qubits: g.Qubits, Angle: g.Angle.value}
		if g.Angle.Symbolic() {
			op.Angle = values[g.Angle.sym]
		}
		c.ops = append(c.ops, op)
	}
	return c, nil
}
