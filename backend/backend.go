// Package backend evaluates expectation values of observables on bound circuits.
package backend

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/fumin/pshift/circuit"
	"github.com/fumin/pshift/pauli"
)

// Config is the execution setting of one evaluation.
type Config struct {
	// Shots is the number of samples per measurement setting.
	// Zero requests an analytic evaluation.
	Shots int
	// Partition groups commuting terms into shared measurement settings.
	Partition pauli.Strategy
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	if cfg.Shots < 0 {
		return errors.Errorf("negative shots %d", cfg.Shots)
	}
	switch cfg.Partition {
	case pauli.NoPartition, pauli.NonConflictingSets, pauli.CommutingSets:
	default:
		return errors.Errorf("partition %d", cfg.Partition)
	}
	return nil
}

// Backend computes expectation values.
// Implementations must be safe for concurrent use, and must not modify c or op.
type Backend interface {
	ExpectationValue(ctx context.Context, c *circuit.Bound, op pauli.Operator, cfg Config) (complex128, error)
}

// Func adapts a function to the Backend interface.
type Func func(ctx context.Context, c *circuit.Bound, op pauli.Operator, cfg Config) (complex128, error)

func (f Func) ExpectationValue(ctx context.Context, c *circuit.Bound, op pauli.Operator, cfg Config) (complex128, error) {
	return f(ctx, c, op, cfg)
}

type limited struct {
	b   Backend
	sem *semaphore.Weighted
}

// Limit returns a backend that lets at most n evaluations of b run at the same time.
// Callers over the limit wait, and give up when their context is done.
func Limit(b Backend, n int64) Backend {
	return &limited{b: b, sem: semaphore.NewWeighted(max(n, 1))}
}

func (l *limited) ExpectationValue(ctx context.Context, c *circuit.Bound, op pauli.Operator, cfg Config) (complex128, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer l.sem.Release(1)
	return l.b.ExpectationValue(ctx, c, op, cfg)
}
