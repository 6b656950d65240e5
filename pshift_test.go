package pshift

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"

	"github.com/fumin/pshift/backend"
	"github.com/fumin/pshift/circuit"
	"github.com/fumin/pshift/pauli"
)

type counter struct {
	n    atomic.Int64
	next backend.Backend
}

func (c *counter) ExpectationValue(ctx context.Context, b *circuit.Bound, op pauli.Operator, cfg backend.Config) (complex128, error) {
	c.n.Add(1)
	return c.next.ExpectationValue(ctx, b, op, cfg)
}

func template(t *testing.T, b *circuit.Builder) *circuit.Template {
	tmpl, err := b.Template()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	return tmpl
}

func observable(terms ...string) pauli.Operator {
	op := make(pauli.Operator, 0, len(terms))
	for _, s := range terms {
		op = append(op, pauli.Term{Coef: 1, String: pauli.MustString(s)})
	}
	return op
}

// randomCircuit returns a circuit with one rotation per symbol, entangled by fixed gates.
func randomCircuit(t *testing.T, rng *rand.Rand, numQubits, numPar int) (*circuit.Template, []circuit.Symbol) {
	b := circuit.NewBuilder(numQubits)
	for q := range numQubits {
		b.H(q)
	}
	rotations := []circuit.Kind{circuit.Rx, circuit.Ry, circuit.Rz}
	syms := make([]circuit.Symbol, 0, numPar)
	for i := range numPar {
		s := circuit.Symbol(fmt.Sprintf("t%d", i))
		syms = append(syms, s)
		b.Add(rotations[rng.IntN(len(rotations))], circuit.Sym(s), rng.IntN(numQubits))
		if numQubits > 1 {
			c := rng.IntN(numQubits)
			b.CX(c, (c+1+rng.IntN(numQubits-1))%numQubits)
		}
		b.Add(rotations[rng.IntN(len(rotations))], circuit.Const(rng.Float64()*2*math.Pi), rng.IntN(numQubits))
	}
	return template(t, b), syms
}

func TestRy(t *testing.T) {
	t.Parallel()
	tmpl := template(t, circuit.NewBuilder(1).Ry(circuit.Sym("a"), 0))
	syms := []circuit.Symbol{"a"}
	sim := backend.NewSimulator()
	for k := range 81 {
		theta := -2 + 0.05*float64(k)
		d, err := PartialDerivative(context.Background(), 0, observable("Z0"), tmpl, []float64{theta}, syms, sim, backend.Config{})
		if err != nil {
			t.Fatalf("%+v", err)
		}
		if math.Abs(d-(-math.Sin(theta))) > 1e-5 {
			t.Fatalf("theta %f: %f, expected %f", theta, d, -math.Sin(theta))
		}
	}
}

func TestGradient(t *testing.T) {
	t.Parallel()
	// <Z0 + Z1 + Z0 Z1> = cos a + cos b + cos a cos b.
	tmpl := template(t, circuit.NewBuilder(2).Ry(circuit.Sym("a"), 0).Rx(circuit.Sym("b"), 1))
	syms := []circuit.Symbol{"a", "b"}
	op := observable("Z0", "Z1", "Z0 Z1")
	tests := []struct {
		a float64
		b float64
	}{
		{a: 0.5, b: 0.5},
		{a: -1.2, b: 2.1},
		{a: 0, b: math.Pi},
		{a: 3, b: -0.3},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%#v", test), func(t *testing.T) {
			t.Parallel()
			g, err := Gradient(context.Background(), op, tmpl, []float64{test.a, test.b}, syms, backend.NewSimulator(), backend.Config{})
			if err != nil {
				t.Fatalf("%+v", err)
			}
			expected := []float64{
				-math.Sin(test.a) * (1 + math.Cos(test.b)),
				-math.Sin(test.b) * (1 + math.Cos(test.a)),
			}
			for i := range expected {
				if math.Abs(g[i]-expected[i]) > 1e-5 {
					t.Fatalf("%v, expected %v", g, expected)
				}
			}
		})
	}
}

func TestGradientSymbolOrder(t *testing.T) {
	t.Parallel()
	tmpl := template(t, circuit.NewBuilder(2).Ry(circuit.Sym("a"), 0).Rx(circuit.Sym("b"), 1))
	op := observable("Z0", "Z1", "Z0 Z1")
	sim := backend.NewSimulator()

	g, err := Gradient(context.Background(), op, tmpl, []float64{0.3, 1.1}, []circuit.Symbol{"a", "b"}, sim, backend.Config{})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	swapped, err := Gradient(context.Background(), op, tmpl, []float64{1.1, 0.3}, []circuit.Symbol{"b", "a"}, sim, backend.Config{})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if g[0] != swapped[1] || g[1] != swapped[0] {
		t.Fatalf("%v %v", g, swapped)
	}
}

func TestGradientLength(t *testing.T) {
	t.Parallel()
	for _, numPar := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("%d", numPar), func(t *testing.T) {
			t.Parallel()
			rng := rand.New(rand.NewPCG(uint64(numPar), 0))
			tmpl, syms := randomCircuit(t, rng, 3, numPar)
			par := make([]float64, numPar)
			for i := range par {
				par[i] = rng.Float64() * 2 * math.Pi
			}
			g, err := Gradient(context.Background(), observable("Z0 Z1", "X2", "Y0"), tmpl, par, syms, backend.NewSimulator(), backend.Config{})
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if len(g) != numPar {
				t.Fatalf("%d, expected %d", len(g), numPar)
			}
		})
	}
}

func TestFiniteDifference(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(11, 13))
	tmpl, syms := randomCircuit(t, rng, 3, 4)
	op := pauli.Operator{
		{Coef: 0.5, String: pauli.MustString("Z0 Z1")},
		{Coef: -1, String: pauli.MustString("X2")},
		{Coef: 0.7, String: pauli.MustString("Y1 Z2")},
	}
	e := NewEstimator(op, tmpl, syms, backend.NewSimulator(), backend.Config{})
	par := []float64{0.1, -0.8, 1.9, 2.6}

	g, err := e.Gradient(context.Background(), par)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	var valueErr error
	f := func(x []float64) float64 {
		v, err := e.Value(context.Background(), x)
		if err != nil && valueErr == nil {
			valueErr = err
		}
		return v
	}
	expected := fd.Gradient(nil, f, par, &fd.Settings{Formula: fd.Central, Step: 1e-2})
	if valueErr != nil {
		t.Fatalf("%+v", valueErr)
	}
	for i := range expected {
		if math.Abs(g[i]-expected[i]) > 1e-3 {
			t.Fatalf("%v, expected %v", g, expected)
		}
	}
}

func TestWorkers(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(5, 8))
	tmpl, syms := randomCircuit(t, rng, 3, 5)
	op := observable("Z0", "X1 X2", "Y2")
	par := []float64{0.3, -1.4, 2.2, 0.9, -0.05}
	sim := backend.NewSimulator()

	var expected []float64
	for _, workers := range []int{1, 4, 0, 1} {
		g, err := Gradient(context.Background(), op, tmpl, par, syms, sim, backend.Config{}, NewOptions().Workers(workers))
		if err != nil {
			t.Fatalf("%+v", err)
		}
		if expected == nil {
			expected = g
			continue
		}
		for i := range expected {
			if g[i] != expected[i] {
				t.Fatalf("workers %d: %v, expected %v", workers, g, expected)
			}
		}
	}

	// Each partial derivative agrees with the gradient entry.
	e := NewEstimator(op, tmpl, syms, sim, backend.Config{})
	for i := range par {
		d, err := e.PartialDerivative(context.Background(), i, par)
		if err != nil {
			t.Fatalf("%+v", err)
		}
		if d != expected[i] {
			t.Fatalf("%d: %f, expected %f", i, d, expected[i])
		}
	}
}

func TestInvalidArgument(t *testing.T) {
	t.Parallel()
	tmpl := template(t, circuit.NewBuilder(2).Ry(circuit.Sym("a"), 0).Rz(circuit.Sym("b"), 1))
	tests := []struct {
		name  string
		index int
		par   []float64
		syms  []circuit.Symbol
		cfg   backend.Config
		is    error
	}{
		{name: "index too large", index: 2, par: []float64{1, 2}, syms: []circuit.Symbol{"a", "b"}},
		{name: "negative index", index: -1, par: []float64{1, 2}, syms: []circuit.Symbol{"a", "b"}},
		{name: "fewer parameters", index: 0, par: []float64{1}, syms: []circuit.Symbol{"a", "b"}},
		{name: "more parameters", index: 0, par: []float64{1, 2, 3}, syms: []circuit.Symbol{"a", "b"}},
		{name: "unbound", index: 0, par: []float64{1}, syms: []circuit.Symbol{"a"}, is: circuit.ErrUnbound},
		{name: "extra", index: 0, par: []float64{1, 2, 3}, syms: []circuit.Symbol{"a", "b", "c"}, is: circuit.ErrExtraSymbol},
		{name: "duplicate", index: 0, par: []float64{1, 2}, syms: []circuit.Symbol{"a", "a"}},
		{name: "negative shots", index: 0, par: []float64{1, 2}, syms: []circuit.Symbol{"a", "b"}, cfg: backend.Config{Shots: -1}},
		{name: "unknown partition", index: 0, par: []float64{1, 2}, syms: []circuit.Symbol{"a", "b"}, cfg: backend.Config{Partition: pauli.Strategy(99)}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			cnt := &counter{next: backend.NewSimulator()}
			d, err := PartialDerivative(context.Background(), test.index, observable("Z0"), tmpl, test.par, test.syms, cnt, test.cfg)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("%f %+v, expected %v", d, err, ErrInvalidArgument)
			}
			if test.is != nil && !errors.Is(err, test.is) {
				t.Fatalf("%+v, expected %v", err, test.is)
			}
			if n := cnt.n.Load(); n != 0 {
				t.Fatalf("%d backend calls, expected 0", n)
			}
		})
	}
}

func TestGradientLengthMismatch(t *testing.T) {
	t.Parallel()
	tmpl := template(t, circuit.NewBuilder(1).Ry(circuit.Sym("a"), 0))
	cnt := &counter{next: backend.NewSimulator()}
	g, err := Gradient(context.Background(), observable("Z0"), tmpl, []float64{1, 2}, []circuit.Symbol{"a"}, cnt, backend.Config{})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("%+v, expected %v", err, ErrInvalidArgument)
	}
	if g != nil {
		t.Fatalf("%v", g)
	}
	if n := cnt.n.Load(); n != 0 {
		t.Fatalf("%d backend calls, expected 0", n)
	}
}

func TestBackendError(t *testing.T) {
	t.Parallel()
	tmpl := template(t, circuit.NewBuilder(2).Ry(circuit.Sym("a"), 0).Ry(circuit.Sym("b"), 1))
	syms := []circuit.Symbol{"a", "b"}
	errBackend := errors.New("backend unavailable")

	var calls atomic.Int64
	failing := backend.Func(func(context.Context, *circuit.Bound, pauli.Operator, backend.Config) (complex128, error) {
		calls.Add(1)
		return 0, errBackend
	})
	e := NewEstimator(observable("Z0"), tmpl, syms, failing, backend.Config{})

	g, err := e.Gradient(context.Background(), []float64{1, 2})
	if err != errBackend {
		t.Fatalf("%+v, expected %v", err, errBackend)
	}
	if g != nil {
		t.Fatalf("%v", g)
	}
	// Evaluations after the first failure never reach the backend.
	if n := calls.Load(); n != 1 {
		t.Fatalf("%d backend calls, expected 1", n)
	}

	if _, err := e.PartialDerivative(context.Background(), 1, []float64{1, 2}); err != errBackend {
		t.Fatalf("%+v, expected %v", err, errBackend)
	}
	if _, err := e.Value(context.Background(), []float64{1, 2}); err != errBackend {
		t.Fatalf("%+v, expected %v", err, errBackend)
	}
}

func TestFailFast(t *testing.T) {
	t.Parallel()
	tmpl, syms := randomCircuit(t, rand.New(rand.NewPCG(1, 2)), 2, 5)
	errBackend := errors.New("compilation failed")

	var calls atomic.Int64
	b := backend.Func(func(ctx context.Context, c *circuit.Bound, op pauli.Operator, cfg backend.Config) (complex128, error) {
		if calls.Add(1) == 3 {
			return 0, errBackend
		}
		// The remaining evaluations wait until the failure cancels them.
		<-ctx.Done()
		return 0, ctx.Err()
	})
	par := make([]float64, len(syms))
	_, err := Gradient(context.Background(), observable("Z0"), tmpl, par, syms, b, backend.Config{}, NewOptions().Workers(4))
	if err != errBackend {
		t.Fatalf("%+v, expected %v", err, errBackend)
	}
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	tmpl := template(t, circuit.NewBuilder(1).Ry(circuit.Sym("a"), 0))
	syms := []circuit.Symbol{"a"}
	blocking := backend.Func(func(ctx context.Context, c *circuit.Bound, op pauli.Operator, cfg backend.Config) (complex128, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	opt := NewOptions().Timeout(10 * time.Millisecond)
	_, err := Gradient(context.Background(), observable("Z0"), tmpl, []float64{0}, syms, blocking, backend.Config{}, opt)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("%+v, expected %v", err, context.DeadlineExceeded)
	}

	// A cancelled context stops the call before any evaluation.
	cnt := &counter{next: blocking}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Gradient(ctx, observable("Z0"), tmpl, []float64{0}, syms, cnt, backend.Config{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("%+v, expected %v", err, context.Canceled)
	}
	if n := cnt.n.Load(); n != 0 {
		t.Fatalf("%d backend calls, expected 0", n)
	}
}

func TestNumericalDegeneracy(t *testing.T) {
	t.Parallel()
	tmpl := template(t, circuit.NewBuilder(1).Ry(circuit.Sym("a"), 0))
	syms := []circuit.Symbol{"a"}
	nan := backend.Func(func(context.Context, *circuit.Bound, pauli.Operator, backend.Config) (complex128, error) {
		return complex(math.NaN(), 0), nil
	})

	g, err := Gradient(context.Background(), observable("Z0"), tmpl, []float64{0}, syms, nan, backend.Config{})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if !math.IsNaN(g[0]) {
		t.Fatalf("%v", g)
	}

	_, err = Gradient(context.Background(), observable("Z0"), tmpl, []float64{0}, syms, nan, backend.Config{}, NewOptions().Strict(true))
	if !errors.Is(err, ErrNumericalDegeneracy) {
		t.Fatalf("%+v, expected %v", err, ErrNumericalDegeneracy)
	}
}

func TestSampled(t *testing.T) {
	t.Parallel()
	tmpl := template(t, circuit.NewBuilder(1).Ry(circuit.Sym("a"), 0))
	const shots = 20000
	sim := backend.NewSimulator(backend.NewSimulatorOptions().Seed(2))
	cfg := backend.Config{Shots: shots, Partition: pauli.NonConflictingSets}
	d, err := PartialDerivative(context.Background(), 0, observable("Z0"), tmpl, []float64{0.5}, []circuit.Symbol{"a"}, sim, cfg, NewOptions().Workers(2))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	// Each of the two estimates has variance at most 1/shots.
	sigma := math.Sqrt(0.5 / shots)
	if expected := -math.Sin(0.5); math.Abs(d-expected) > 5*sigma {
		t.Fatalf("%f, expected %f within %f", d, expected, 5*sigma)
	}
}

func TestDiskCache(t *testing.T) {
	t.Parallel()
	dir, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer os.RemoveAll(dir)

	cnt := &counter{next: backend.NewSimulator()}
	cache, err := backend.NewDiskCache(filepath.Join(dir, "cache.db"), cnt)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer cache.Close()

	tmpl, syms := randomCircuit(t, rand.New(rand.NewPCG(3, 4)), 2, 3)
	e := NewEstimator(observable("Z0 Z1", "X1"), tmpl, syms, backend.Limit(cache, 1), backend.Config{})
	e.Options = e.Options.Workers(0)
	par := []float64{0.2, 0.4, 0.6}

	g0, err := e.Gradient(context.Background(), par)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if n := cnt.n.Load(); n != 2*int64(len(par)) {
		t.Fatalf("%d, expected %d", n, 2*len(par))
	}
	g1, err := e.Gradient(context.Background(), par)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if n := cnt.n.Load(); n != 2*int64(len(par)) {
		t.Fatalf("%d, expected %d", n, 2*len(par))
	}
	for i := range g0 {
		if g0[i] != g1[i] {
			t.Fatalf("%v, expected %v", g1, g0)
		}
	}
}

func TestMain(m *testing.M) {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	os.Exit(m.Run())
}
