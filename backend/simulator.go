package backend

import (
	"context"
	"math"
	"math/bits"
	"math/cmplx"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/pshift/circuit"
	"github.com/fumin/pshift/pauli"
)

const (
	// maxQubits bounds the state vector to 2^maxQubits amplitudes.
	maxQubits = 20
)

var (
	invSqrt2 = complex64(complex(1/math.Sqrt2, 0))

	gateH = [][]complex64{
		{invSqrt2, invSqrt2},
		{invSqrt2, -invSqrt2},
	}
	gateX = [][]complex64{
		{0, 1},
		{1, 0},
	}
	gateY = [][]complex64{
		{0, -1i},
		{1i, 0},
	}
	gateZ = [][]complex64{
		{1, 0},
		{0, -1},
	}
	gateS = [][]complex64{
		{1, 0},
		{0, 1i},
	}
	gateSdg = [][]complex64{
		{1, 0},
		{0, -1i},
	}
	gateT = [][]complex64{
		{1, 0},
		{0, complex64(cmplx.Exp(complex(0, math.Pi/4)))},
	}
	gateCX = [][]complex64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 0, 1},
		{0, 0, 1, 0},
	}
	gateCZ = [][]complex64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, -1},
	}
)

// SimulatorOptions are options for the state vector simulator.
type SimulatorOptions struct {
	seed   uint64
	seeded bool
}

// NewSimulatorOptions returns the default simulator options, which seed the sampler randomly.
func NewSimulatorOptions() SimulatorOptions {
	return SimulatorOptions{}
}

// Seed fixes the seed of the sampler.
func (opt SimulatorOptions) Seed(seed uint64) SimulatorOptions {
	opt.seed = seed
	opt.seeded = true
	return opt
}

// Simulator is a state vector simulator.
// Analytic evaluations are exact up to single precision; sampled evaluations draw Config.Shots samples per measurement setting.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator returns a simulator.
func NewSimulator(options ...SimulatorOptions) *Simulator {
	opt := NewSimulatorOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	seed := opt.seed
	if !opt.seeded {
		seed = rand.Uint64()
	}
	return &Simulator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *Simulator) ExpectationValue(ctx context.Context, c *circuit.Bound, op pauli.Operator, cfg Config) (complex128, error) {
	if err := cfg.Validate(); err != nil {
		return 0, errors.Wrap(err, "")
	}
	n := c.NumQubits()
	if n > maxQubits {
		return 0, errors.Errorf("%d qubits, at most %d", n, maxQubits)
	}
	if op.NumQubits() > n {
		return 0, errors.Errorf("observable on %d qubits, circuit has %d", op.NumQubits(), n)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	buf := tensor.Zeros(1)
	state := Run(c, buf)

	if cfg.Shots == 0 {
		amps := amplitudes(state)
		var e complex128
		for _, t := range op {
			e += t.Coef * expectation(amps, n, t.String)
		}
		return e, nil
	}

	var e complex128
	measured := make(pauli.Operator, 0, len(op))
	for _, t := range op {
		if t.String.IsIdentity() {
			e += t.Coef
			continue
		}
		measured = append(measured, t)
	}
	for _, g := range pauli.Partition(measured, cfg.Partition) {
		// Commuting groups that share no product basis are measured term by term.
		settings := []pauli.Operator{g}
		if !pauli.QubitWise(g) {
			settings = settings[:0]
			for _, t := range g {
				settings = append(settings, pauli.Operator{t})
			}
		}
		for _, setting := range settings {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			e += s.measure(state, setting, cfg.Shots, buf)
		}
	}
	return e, nil
}

// Run returns the final state of c as a tensor with one axis of dimension 2 per qubit, starting from |0...0>.
func Run(c *circuit.Bound, buf *tensor.Dense) *tensor.Dense {
	n := c.NumQubits()
	shape := make([]int, n)
	for i := range shape {
		shape[i] = 2
	}
	state := tensor.Zeros(shape...)
	state.SetAt(make([]int, n), 1)

	for _, op := range c.Ops() {
		applyGate(state, gateTensor(op), op.Targets(), buf)
	}
	return state
}

func gateTensor(op circuit.Op) *tensor.Dense {
	switch op.Kind {
	case circuit.H:
		return tensor.T2(gateH)
	case circuit.X:
		return tensor.T2(gateX)
	case circuit.Y:
		return tensor.T2(gateY)
	case circuit.Z:
		return tensor.T2(gateZ)
	case circuit.S:
		return tensor.T2(gateS)
	case circuit.Sdg:
		return tensor.T2(gateSdg)
	case circuit.T:
		return tensor.T2(gateT)
	case circuit.CX:
		return tensor.T2(gateCX).Reshape(2, 2, 2, 2)
	case circuit.CZ:
		return tensor.T2(gateCZ).Reshape(2, 2, 2, 2)
	}

	c, s := math.Cos(op.Angle/2), math.Sin(op.Angle/2)
	cc, sc := complex64(complex(c, 0)), complex64(complex(s, 0))
	switch op.Kind {
	case circuit.Rx:
		return tensor.T2([][]complex64{
			{cc, complex64(complex(0, -s))},
			{complex64(complex(0, -s)), cc},
		})
	case circuit.Ry:
		return tensor.T2([][]complex64{
			{cc, -sc},
			{sc, cc},
		})
	case circuit.Rz:
		return tensor.T2([][]complex64{
			{complex64(complex(c, -s)), 0},
			{0, complex64(complex(c, s))},
		})
	}
	panic(op.Kind.String())
}

// applyGate contracts g, of shape {out..., in...}, with the target axes of state.
func applyGate(state, g *tensor.Dense, targets []int, buf *tensor.Dense) {
	k := len(targets)
	axes := make([][2]int, 0, k)
	for i, q := range targets {
		axes = append(axes, [2]int{k + i, q})
	}
	// out is of shape {gate out..., untouched qubits...}.
	out := tensor.Contract(buf, g, state, axes)

	// Move the gate outputs back to the positions of their qubits.
	n := len(state.Shape())
	order := slices.Clone(targets)
	for q := range n {
		if !slices.Contains(targets, q) {
			order = append(order, q)
		}
	}
	perm := make([]int, n)
	for axis, q := range order {
		perm[q] = axis
	}
	resetCopy(state, out.Transpose(perm...))
}

// amplitudes flattens state with qubit 0 as the most significant bit.
func amplitudes(state *tensor.Dense) []complex128 {
	amps := make([]complex128, 1<<len(state.Shape()))
	for ijk, v := range state.All() {
		idx := 0
		for _, b := range ijk {
			idx = idx<<1 | b
		}
		amps[idx] = complex128(v)
	}
	return amps
}

// expectation returns <psi|s|psi>.
func expectation(amps []complex128, n int, s pauli.String) complex128 {
	factors := s.Factors()
	flip := 0
	for _, f := range factors {
		if f.P == pauli.X || f.P == pauli.Y {
			flip |= 1 << (n - 1 - f.Qubit)
		}
	}

	var e complex128
	for x, ax := range amps {
		if ax == 0 {
			continue
		}
		// s|x> = phase|x^flip>.
		var phase complex128 = 1
		for _, f := range factors {
			b := x >> (n - 1 - f.Qubit) & 1
			switch {
			case f.P == pauli.Y && b == 0:
				phase *= 1i
			case f.P == pauli.Y:
				phase *= -1i
			case f.P == pauli.Z && b == 1:
				phase = -phase
			}
		}
		e += cmplx.Conj(amps[x^flip]) * phase * ax
	}
	return e
}

// measure estimates the qubit-wise commuting group g from shots samples in its shared basis.
func (s *Simulator) measure(state *tensor.Dense, g pauli.Operator, shots int, buf *tensor.Dense) complex128 {
	n := len(state.Shape())
	rotated := resetCopy(tensor.Zeros(1), state)
	for q, p := range pauli.Basis(g, n) {
		switch p {
		case pauli.X:
			applyGate(rotated, tensor.T2(gateH), []int{q}, buf)
		case pauli.Y:
			applyGate(rotated, tensor.T2(gateSdg), []int{q}, buf)
			applyGate(rotated, tensor.T2(gateH), []int{q}, buf)
		}
	}

	amps := amplitudes(rotated)
	cdf := make([]float64, len(amps))
	var total float64
	for x, a := range amps {
		total += real(a)*real(a) + imag(a)*imag(a)
		cdf[x] = total
	}

	counts := make(map[int]int)
	s.mu.Lock()
	for range shots {
		// u is in (0, total], so the search never lands on a zero probability outcome.
		u := total * (1 - s.rng.Float64())
		x := min(sort.SearchFloat64s(cdf, u), len(cdf)-1)
		counts[x]++
	}
	s.mu.Unlock()

	var e complex128
	for _, t := range g {
		mask := 0
		for _, f := range t.String.Factors() {
			mask |= 1 << (n - 1 - f.Qubit)
		}
		var parity int
		for x, c := range counts {
			switch bits.OnesCount(uint(x&mask)) % 2 {
			case 0:
				parity += c
			default:
				parity -= c
			}
		}
		e += t.Coef * complex(float64(parity)/float64(shots), 0)
	}
	return e
}

func resetCopy(dst, src *tensor.Dense) *tensor.Dense {
	shape := src.Shape()
	zeroDigit := make([]int, len(shape))
	dst.Reset(shape...).Set(zeroDigit, src)
	return dst
}
