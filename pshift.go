// Package pshift estimates gradients of quantum circuit expectation values with the parameter-shift rule.
//
// For a gate exp(-iθP/2) whose generator P has eigenvalues ±1,
//
//	∂<O>/∂θ = (<O>(θ+π/2) - <O>(θ-π/2)) / 2,
//
// which is exact in the analytic limit. Only Rx, Ry and Rz carry free symbols in a circuit.Template,
// so every parametrized gate satisfies this precondition.
//
// References:
//   - Evaluating analytic gradients on quantum hardware, Maria Schuld, Ville Bergholm, Christian Gogolin, Josh Izaac, Nathan Killoran
package pshift

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/fumin/pshift/backend"
	"github.com/fumin/pshift/circuit"
	"github.com/fumin/pshift/pauli"
)

const (
	// Shift is the parameter shift for generators with eigenvalues ±1.
	Shift = math.Pi / 2
)

var (
	// ErrInvalidArgument is matched by every error caused by the arguments rather than by the backend.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNumericalDegeneracy is returned in strict mode for NaN or infinite expectation values.
	ErrNumericalDegeneracy = errors.New("numerical degeneracy")
)

type argumentError struct {
	err error
}

func (e argumentError) Error() string        { return ErrInvalidArgument.Error() + ": " + e.err.Error() }
func (e argumentError) Unwrap() error        { return e.err }
func (e argumentError) Is(target error) bool { return target == ErrInvalidArgument }

func invalid(err error) error {
	return argumentError{err: err}
}

// Options are options for the gradient estimator.
type Options struct {
	workers int
	timeout time.Duration
	strict  bool
}

// NewOptions returns the default options, which evaluate circuits one at a time without a timeout.
func NewOptions() Options {
	opt := Options{}
	opt.workers = 1
	return opt
}

// Workers sets the number of concurrent circuit evaluations.
// n <= 0 removes the bound.
func (opt Options) Workers(n int) Options {
	opt.workers = n
	return opt
}

// Timeout bounds every single circuit evaluation. Zero means no bound.
func (opt Options) Timeout(d time.Duration) Options {
	opt.timeout = d
	return opt
}

// Strict turns NaN or infinite expectation values into ErrNumericalDegeneracy instead of a logged warning.
func (opt Options) Strict(strict bool) Options {
	opt.strict = strict
	return opt
}

// Estimator computes parameter-shift derivatives of the expectation value of Observable.
// Symbols orders the parameters; the i-th parameter value binds to Symbols[i].
type Estimator struct {
	Observable pauli.Operator
	Template   *circuit.Template
	Symbols    []circuit.Symbol
	Backend    backend.Backend
	Config     backend.Config
	Options    Options
}

// NewEstimator returns an estimator with default options.
func NewEstimator(op pauli.Operator, tmpl *circuit.Template, syms []circuit.Symbol, b backend.Backend, cfg backend.Config) *Estimator {
	return &Estimator{Observable: op, Template: tmpl, Symbols: syms, Backend: b, Config: cfg, Options: NewOptions()}
}

// PartialDerivative returns the derivative with respect to the i-th parameter at par.
func PartialDerivative(ctx context.Context, i int, op pauli.Operator, tmpl *circuit.Template, par []float64, syms []circuit.Symbol, b backend.Backend, cfg backend.Config, options ...Options) (float64, error) {
	e := NewEstimator(op, tmpl, syms, b, cfg)
	if len(options) > 0 {
		e.Options = options[0]
	}
	return e.PartialDerivative(ctx, i, par)
}

// Gradient returns the gradient at par, in the order of par.
func Gradient(ctx context.Context, op pauli.Operator, tmpl *circuit.Template, par []float64, syms []circuit.Symbol, b backend.Backend, cfg backend.Config, options ...Options) ([]float64, error) {
	e := NewEstimator(op, tmpl, syms, b, cfg)
	if len(options) > 0 {
		e.Options = options[0]
	}
	return e.Gradient(ctx, par)
}

// PartialDerivative returns the derivative with respect to the i-th parameter at par.
func (e *Estimator) PartialDerivative(ctx context.Context, i int, par []float64) (float64, error) {
	if err := e.validate(par); err != nil {
		return math.NaN(), err
	}
	if i < 0 || i >= len(par) {
		return math.NaN(), invalid(errors.Errorf("index %d out of range [0, %d)", i, len(par)))
	}
	d, err := e.derivatives(ctx, par, []int{i})
	if err != nil {
		return math.NaN(), err
	}
	return d[0], nil
}

// Gradient returns the gradient at par, in the order of par.
// The whole call fails if any derivative fails.
func (e *Estimator) Gradient(ctx context.Context, par []float64) ([]float64, error) {
	if err := e.validate(par); err != nil {
		return nil, err
	}
	indices := make([]int, len(par))
	for i := range indices {
		indices[i] = i
	}
	return e.derivatives(ctx, par, indices)
}

// Value returns the real part of the expectation value at par.
func (e *Estimator) Value(ctx context.Context, par []float64) (float64, error) {
	if err := e.validate(par); err != nil {
		return math.NaN(), err
	}
	c, err := circuit.Bind(e.Template, e.assignment(par, -1, 0))
	if err != nil {
		return math.NaN(), invalid(err)
	}
	v, err := e.evaluate(ctx, c)
	if err != nil {
		return math.NaN(), err
	}
	return real(v), nil
}

func (e *Estimator) derivatives(ctx context.Context, par []float64, indices []int) ([]float64, error) {
	// Bind every shifted circuit before the first backend call.
	plusCircuits := make([]*circuit.Bound, len(indices))
	minusCircuits := make([]*circuit.Bound, len(indices))
	for k, i := range indices {
		var err error
		plusCircuits[k], err = circuit.Bind(e.Template, e.assignment(par, i, Shift))
		if err != nil {
			return nil, invalid(err)
		}
		minusCircuits[k], err = circuit.Bind(e.Template, e.assignment(par, i, -Shift))
		if err != nil {
			return nil, invalid(err)
		}
	}

	plus := make([]complex128, len(indices))
	minus := make([]complex128, len(indices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	for k := range indices {
		g.Go(func() error {
			var err error
			plus[k], err = e.evaluate(gctx, plusCircuits[k])
			return err
		})
		g.Go(func() error {
			var err error
			minus[k], err = e.evaluate(gctx, minusCircuits[k])
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d := make([]float64, len(indices))
	for k := range indices {
		d[k] = 0.5 * (real(plus[k]) - real(minus[k]))
	}
	return d, nil
}

// evaluate returns backend errors unchanged.
func (e *Estimator) evaluate(ctx context.Context, c *circuit.Bound) (complex128, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if e.Options.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Options.timeout)
		defer cancel()
	}

	v, err := e.Backend.ExpectationValue(ctx, c, e.Observable, e.Config)
	if err != nil {
		return 0, err
	}
	if re := real(v); math.IsNaN(re) || math.IsInf(re, 0) {
		if e.Options.strict {
			return 0, errors.Wrap(ErrNumericalDegeneracy, fmt.Sprintf("%v", v))
		}
		log.Printf("numerical degeneracy: expectation value %v", v)
	}
	return v, nil
}

// assignment maps the symbols to par, with par[i] shifted by shift.
// i < 0 means no shift.
func (e *Estimator) assignment(par []float64, i int, shift float64) map[circuit.Symbol]float64 {
	values := make(map[circuit.Symbol]float64, len(par))
	for j, s := range e.Symbols {
		values[s] = par[j]
	}
	if i >= 0 {
		values[e.Symbols[i]] = par[i] + shift
	}
	return values
}

func (e *Estimator) workers() int {
	if e.Options.workers <= 0 {
		return -1
	}
	return e.Options.workers
}

// validate checks the arguments without touching the backend.
func (e *Estimator) validate(par []float64) error {
	if len(par) != len(e.Symbols) {
		return invalid(errors.Errorf("%d parameters, %d symbols", len(par), len(e.Symbols)))
	}
	if e.Template == nil {
		return invalid(errors.Errorf("nil template"))
	}
	if e.Backend == nil {
		return invalid(errors.Errorf("nil backend"))
	}
	if err := e.Config.Validate(); err != nil {
		return invalid(err)
	}

	free := make(map[circuit.Symbol]bool)
	for _, s := range e.Template.Symbols() {
		free[s] = true
	}
	seen := make(map[circuit.Symbol]bool, len(e.Symbols))
	for _, s := range e.Symbols {
		if seen[s] {
			return invalid(errors.Errorf("symbol %q given twice", s))
		}
		seen[s] = true
		if !free[s] {
			return invalid(errors.Wrap(circuit.ErrExtraSymbol, string(s)))
		}
	}
	for s := range free {
		if !seen[s] {
			return invalid(errors.Wrap(circuit.ErrUnbound, string(s)))
		}
	}
	return nil
}
