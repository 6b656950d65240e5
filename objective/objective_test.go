package objective

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize"

	"github.com/fumin/pshift"
	"github.com/fumin/pshift/backend"
	"github.com/fumin/pshift/circuit"
	"github.com/fumin/pshift/pauli"
)

// cosine evaluates <Z> = cos(θ0) + cos(θ1) + ... of Ry rotations in double precision.
var cosine = backend.Func(func(ctx context.Context, c *circuit.Bound, op pauli.Operator, cfg backend.Config) (complex128, error) {
	var e float64
	for _, o := range c.Ops() {
		e += math.Cos(o.Angle)
	}
	return complex(e, 0), nil
})

func estimator(t *testing.T, b backend.Backend, n int) *pshift.Estimator {
	builder := circuit.NewBuilder(n)
	syms := make([]circuit.Symbol, 0, n)
	for q := range n {
		s := circuit.Symbol(string(rune('a' + q)))
		builder.Ry(circuit.Sym(s), q)
		syms = append(syms, s)
	}
	tmpl, err := builder.Template()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	z := pauli.Operator{{Coef: 1, String: pauli.MustString("Z0")}}
	return pshift.NewEstimator(z, tmpl, syms, b, backend.Config{})
}

func TestMinimize(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"bfgs", "lbfgs", "cg", "gradient_descent"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			method, err := ParseMethod(name)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			obj := New(context.Background(), estimator(t, cosine, 2))
			settings := &optimize.Settings{GradientThreshold: 1e-6, MajorIterations: 1000}
			res, err := obj.Minimize([]float64{1, -2}, settings, method)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if math.Abs(res.F-(-2)) > 1e-6 {
				t.Fatalf("%f, expected -2", res.F)
			}
			for i, x := range res.X {
				if math.Cos(x) > -1+1e-6 {
					t.Fatalf("%d: %f, expected an odd multiple of pi", i, x)
				}
			}

			history := obj.History()
			if len(history) == 0 {
				t.Fatalf("no history")
			}
			first := history[0]
			if first.Iteration != 0 || !slices.Equal(first.X, []float64{1, -2}) {
				t.Fatalf("%#v", first)
			}
			if math.Abs(first.F-(math.Cos(1)+math.Cos(-2))) > 1e-12 || math.IsNaN(first.GradNorm) {
				t.Fatalf("%#v", first)
			}
			for i, s := range history {
				if s.Iteration != i {
					t.Fatalf("%d: %#v", i, s)
				}
			}
			last := history[len(history)-1]
			if last.F > history[0].F {
				t.Fatalf("%#v %#v", history[0], last)
			}
		})
	}
}

func TestMinimizeSharedSettings(t *testing.T) {
	t.Parallel()
	settings := &optimize.Settings{GradientThreshold: 1e-6}
	first := New(context.Background(), estimator(t, cosine, 1))
	if _, err := first.Minimize([]float64{1}, settings, &optimize.BFGS{}); err != nil {
		t.Fatalf("%+v", err)
	}
	if settings.Recorder != nil {
		t.Fatalf("%#v", settings.Recorder)
	}
	n := len(first.History())

	second := New(context.Background(), estimator(t, cosine, 1))
	if _, err := second.Minimize([]float64{-0.5}, settings, &optimize.BFGS{}); err != nil {
		t.Fatalf("%+v", err)
	}
	if len(first.History()) != n {
		t.Fatalf("%d steps, expected %d", len(first.History()), n)
	}
	history := second.History()
	if len(history) == 0 || !slices.Equal(history[0].X, []float64{-0.5}) {
		t.Fatalf("%#v", history)
	}
}

func TestGradFunc(t *testing.T) {
	t.Parallel()
	obj := New(context.Background(), estimator(t, cosine, 3))
	x := []float64{0.1, 1.2, -2.3}
	g, err := obj.GradFunc()(x)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	grad := make([]float64, len(x))
	obj.Grad(grad, x)
	for i := range x {
		if math.Abs(g[i]-(-math.Sin(x[i]))) > 1e-12 {
			t.Fatalf("%v", g)
		}
		if grad[i] != g[i] {
			t.Fatalf("%v, expected %v", grad, g)
		}
	}
	if f := obj.Func(x); math.Abs(f-(math.Cos(0.1)+math.Cos(1.2)+math.Cos(-2.3))) > 1e-12 {
		t.Fatalf("%f", f)
	}
}

func TestMinimizeError(t *testing.T) {
	t.Parallel()
	errBackend := errors.New("queue closed")
	var calls atomic.Int64
	flaky := backend.Func(func(ctx context.Context, c *circuit.Bound, op pauli.Operator, cfg backend.Config) (complex128, error) {
		if calls.Add(1) > 5 {
			return 0, errBackend
		}
		return cosine(ctx, c, op, cfg)
	})
	obj := New(context.Background(), estimator(t, flaky, 1))
	_, err := obj.Minimize([]float64{1}, nil, &optimize.BFGS{})
	if err != errBackend {
		t.Fatalf("%+v, expected %v", err, errBackend)
	}
	if status, err := obj.Status(); status != optimize.Failure || err != errBackend {
		t.Fatalf("%v %+v", status, err)
	}
	if f := obj.Func([]float64{1}); !math.IsNaN(f) {
		t.Fatalf("%f", f)
	}
}

func TestParseMethod(t *testing.T) {
	t.Parallel()
	if _, err := ParseMethod("newton"); err == nil {
		t.Fatalf("expected error")
	}
	m, err := ParseMethod("")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if _, ok := m.(*optimize.BFGS); !ok {
		t.Fatalf("%T", m)
	}
}

func TestMain(m *testing.M) {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	os.Exit(m.Run())
}
