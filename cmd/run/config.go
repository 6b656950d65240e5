package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/fumin/pshift/backend"
	"github.com/fumin/pshift/circuit"
	"github.com/fumin/pshift/pauli"
)

// Gate is a gate of the run file.
// Rotations take either a constant Angle or a free Symbol.
type Gate struct {
	Gate   string   `yaml:"gate"`
	Qubits []int    `yaml:"qubits"`
	Angle  *float64 `yaml:"angle"`
	Symbol string   `yaml:"symbol"`
}

// Term is a weighted Pauli string, such as "X0 Z1".
type Term struct {
	Pauli string  `yaml:"pauli"`
	Coeff float64 `yaml:"coeff"`
}

// IsingModel adds the transverse field Ising Hamiltonian of a lattice to the observable.
type IsingModel struct {
	Lattice [2]int  `yaml:"lattice"`
	H       float64 `yaml:"h"`
}

// Config is the run file.
type Config struct {
	Qubits     int         `yaml:"qubits"`
	Gates      []Gate      `yaml:"gates"`
	Observable []Term      `yaml:"observable"`
	Ising      *IsingModel `yaml:"ising"`
	Symbols    []string    `yaml:"symbols"`
	Initial    []float64   `yaml:"initial"`

	Shots     int    `yaml:"shots"`
	Partition string `yaml:"partition"`
	Seed      uint64 `yaml:"seed"`
	Workers   int    `yaml:"workers"`
	Timeout   string `yaml:"timeout"`
	Method    string `yaml:"method"`

	// GradientThreshold stops the minimizer once the gradient norm falls below it.
	GradientThreshold float64 `yaml:"gradient_threshold"`
	// MaxIterations bounds the major iterations of the minimizer. Zero means no bound.
	MaxIterations int `yaml:"max_iterations"`
}

func readConfig(fpath string) (Config, error) {
	b, err := os.ReadFile(fpath)
	if err != nil {
		return Config{}, errors.Wrap(err, "")
	}
	cfg := Config{Workers: 1}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, fpath)
	}
	if cfg.Ising != nil && cfg.Qubits == 0 {
		cfg.Qubits = cfg.Ising.Lattice[0] * cfg.Ising.Lattice[1]
	}
	if cfg.GradientThreshold == 0 {
		cfg.GradientThreshold = 1e-5
	}
	if cfg.Partition == "" {
		cfg.Partition = pauli.CommutingSets.String()
	}
	if len(cfg.Initial) == 0 {
		cfg.Initial = make([]float64, len(cfg.Symbols))
	}
	return cfg, nil
}

func (cfg Config) template() (*circuit.Template, error) {
	b := circuit.NewBuilder(cfg.Qubits)
	for i, g := range cfg.Gates {
		kind, err := circuit.ParseKind(g.Gate)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("gate %d", i))
		}
		var angle circuit.Angle
		switch {
		case !kind.Rotation() && (g.Symbol != "" || g.Angle != nil):
			return nil, errors.Errorf("gate %d %s takes no angle", i, g.Gate)
		case g.Symbol != "" && g.Angle != nil:
			return nil, errors.Errorf("gate %d %s: both angle and symbol", i, g.Gate)
		case g.Symbol != "":
			angle = circuit.Sym(circuit.Symbol(g.Symbol))
		case g.Angle != nil:
			angle = circuit.Const(*g.Angle)
		case kind.Rotation():
			return nil, errors.Errorf("gate %d %s: no angle", i, g.Gate)
		}
		b.Add(kind, angle, g.Qubits...)
	}
	tmpl, err := b.Template()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return tmpl, nil
}

func (cfg Config) observable() (pauli.Operator, error) {
	op := make(pauli.Operator, 0, len(cfg.Observable))
	for _, t := range cfg.Observable {
		term, err := pauli.NewTerm(complex(t.Coeff, 0), t.Pauli)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%#v", t))
		}
		op = append(op, term)
	}
	if cfg.Ising != nil {
		op = append(op, pauli.Ising(cfg.Ising.Lattice, cfg.Ising.H)...)
	}
	if len(op) == 0 {
		return nil, errors.Errorf("empty observable")
	}
	return op, nil
}

func (cfg Config) symbols() []circuit.Symbol {
	syms := make([]circuit.Symbol, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		syms = append(syms, circuit.Symbol(s))
	}
	return syms
}

func (cfg Config) backendConfig() (backend.Config, error) {
	partition, err := pauli.ParseStrategy(cfg.Partition)
	if err != nil {
		return backend.Config{}, errors.Wrap(err, "")
	}
	bc := backend.Config{Shots: cfg.Shots, Partition: partition}
	if err := bc.Validate(); err != nil {
		return backend.Config{}, errors.Wrap(err, "")
	}
	return bc, nil
}

func (cfg Config) timeout() (time.Duration, error) {
	if cfg.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	return d, nil
}
