// Package objective adapts a gradient estimator to gonum's optimize package.
//
// Gradients estimated from a sampling backend are noisy, and methods whose line searches assume a smooth objective,
// such as BFGS, may then stop without converging. Such terminations are reported as they are, not retried.
package objective

import (
	"context"
	"fmt"
	"log"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/fumin/pshift"
	"github.com/fumin/pshift/util"
)

// Step is the location at the end of a major iteration of the minimizer.
// Iteration 0 is the starting point.
type Step struct {
	Iteration int
	X         []float64
	F         float64
	GradNorm  float64
}

// Objective evaluates the expectation value and its parameter-shift gradient for a minimizer.
// Evaluation errors cannot pass through the minimizer's function signatures,
// so the first one is kept and stops the minimizer through Problem's Status.
type Objective struct {
	ctx context.Context
	est *pshift.Estimator

	mu        sync.Mutex
	err       error
	history   []Step
	throttler *util.SkipThrottler
}

// New returns an objective that evaluates est under ctx.
func New(ctx context.Context, est *pshift.Estimator) *Objective {
	o := &Objective{ctx: ctx, est: est}
	o.throttler = util.NewSkipThrottler(10 * time.Second)
	return o
}

// Func returns the real part of the expectation value at x, or NaN after an error.
func (o *Objective) Func(x []float64) float64 {
	if err := o.Err(); err != nil {
		return math.NaN()
	}
	v, err := o.est.Value(o.ctx, x)
	if err != nil {
		o.fail(err)
		return math.NaN()
	}
	return v
}

// Grad writes the gradient at x into grad.
func (o *Objective) Grad(grad, x []float64) {
	g, err := o.GradFunc()(x)
	if err != nil {
		for i := range grad {
			grad[i] = math.NaN()
		}
		return
	}
	copy(grad, g)
}

// GradFunc returns the gradient as a function of the flat parameter vector.
func (o *Objective) GradFunc() func(x []float64) ([]float64, error) {
	return func(x []float64) ([]float64, error) {
		if err := o.Err(); err != nil {
			return nil, err
		}
		g, err := o.est.Gradient(o.ctx, x)
		if err != nil {
			o.fail(err)
			return nil, err
		}
		return g, nil
	}
}

// Status stops the minimizer after the first evaluation error.
func (o *Objective) Status() (optimize.Status, error) {
	if err := o.Err(); err != nil {
		return optimize.Failure, err
	}
	return optimize.NotTerminated, nil
}

// Problem returns the optimization problem over the estimator's parameters.
func (o *Objective) Problem() optimize.Problem {
	return optimize.Problem{Func: o.Func, Grad: o.Grad, Status: o.Status}
}

// Err returns the first evaluation error.
func (o *Objective) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Objective) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err == nil {
		o.err = err
	}
}

// Minimize minimizes the expectation value from x0.
// A nil settings uses gonum's defaults; the objective records the major iterations unless settings has a recorder.
// settings is not modified.
// Evaluation errors are returned unchanged.
func (o *Objective) Minimize(x0 []float64, settings *optimize.Settings, method optimize.Method) (*optimize.Result, error) {
	var s optimize.Settings
	if settings != nil {
		s = *settings
	}
	if s.Recorder == nil {
		s.Recorder = o
	}
	settings = &s
	res, err := optimize.Minimize(o.Problem(), x0, settings, method)
	if evalErr := o.Err(); evalErr != nil {
		return res, evalErr
	}
	if err != nil {
		return res, errors.Wrap(err, fmt.Sprintf("%v", x0))
	}
	return res, nil
}

// Init implements optimize.Recorder.
func (o *Objective) Init() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = o.history[:0]
	return nil
}

// Record implements optimize.Recorder, keeping the major iterations.
// The location of InitIteration is not evaluated yet; the starting point arrives as the first major iteration.
func (o *Objective) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	s := Step{X: slices.Clone(loc.X), F: loc.F, GradNorm: math.NaN()}
	if loc.Gradient != nil {
		s.GradNorm = floats.Norm(loc.Gradient, 2)
	}

	o.mu.Lock()
	s.Iteration = len(o.history)
	o.history = append(o.history, s)
	o.mu.Unlock()

	if o.throttler.Ok() {
		log.Printf("iteration %d f %f |g| %g evaluations %d %d", s.Iteration, s.F, s.GradNorm, stats.FuncEvaluations, stats.GradEvaluations)
	}
	return nil
}

// History returns the recorded major iterations.
func (o *Objective) History() []Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.history)
}

// ParseMethod returns the gradient based method named s.
func ParseMethod(s string) (optimize.Method, error) {
	switch s {
	case "", "bfgs":
		return &optimize.BFGS{}, nil
	case "lbfgs":
		return &optimize.LBFGS{}, nil
	case "cg":
		return &optimize.CG{}, nil
	case "gradient_descent":
		return &optimize.GradientDescent{}, nil
	}
	return nil, errors.Errorf("unknown method %q", s)
}
