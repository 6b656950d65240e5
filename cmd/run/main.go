package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize"

	"github.com/fumin/pshift"
	"github.com/fumin/pshift/backend"
	"github.com/fumin/pshift/circuit"
	"github.com/fumin/pshift/objective"
	"github.com/fumin/pshift/pauli"
)

const (
	fnameHistory = "history.csv"
	fnameCircuit = "circuit.qasm"

	// maxExactQubits bounds the exact diagonalization reported next to the minimum.
	maxExactQubits = 10
)

var (
	configPath = flag.String("c", "run.yaml", "run file")
	runDir     = flag.String("d", filepath.Join("runs", "pshift"), "run directory")
	workers    = flag.Int("workers", 0, "concurrent circuit evaluations, overrides the run file if positive")
	shots      = flag.Int("shots", -1, "shots per measurement setting, overrides the run file if not negative")
	cachePath  = flag.String("cache", "", "sqlite cache of analytic evaluations")
	verbose    = flag.Bool("v", false, "write the circuit at the initial point")
)

type result struct {
	gradient      []float64
	minimum       *optimize.Result
	history       []objective.Step
	magnetization float64
}

func run(ctx context.Context, cfg Config, dir, cache string) (result, error) {
	tmpl, err := cfg.template()
	if err != nil {
		return result{}, errors.Wrap(err, "")
	}
	op, err := cfg.observable()
	if err != nil {
		return result{}, errors.Wrap(err, "")
	}
	bc, err := cfg.backendConfig()
	if err != nil {
		return result{}, errors.Wrap(err, "")
	}
	timeout, err := cfg.timeout()
	if err != nil {
		return result{}, errors.Wrap(err, "")
	}
	method, err := objective.ParseMethod(cfg.Method)
	if err != nil {
		return result{}, errors.Wrap(err, "")
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return result{}, errors.Wrap(err, "")
	}

	simOpt := backend.NewSimulatorOptions()
	if cfg.Seed != 0 {
		simOpt = simOpt.Seed(cfg.Seed)
	}
	var b backend.Backend = backend.NewSimulator(simOpt)
	if cache != "" {
		dc, err := backend.NewDiskCache(cache, b)
		if err != nil {
			return result{}, errors.Wrap(err, "")
		}
		defer dc.Close()
		b = dc
	}
	if cfg.Workers > 0 {
		b = backend.Limit(b, int64(cfg.Workers))
	}

	est := pshift.NewEstimator(op, tmpl, cfg.symbols(), b, bc)
	est.Options = est.Options.Workers(cfg.Workers).Timeout(timeout)

	if *verbose {
		if err := writeCircuit(filepath.Join(dir, fnameCircuit), tmpl, cfg); err != nil {
			return result{}, errors.Wrap(err, "")
		}
	}

	var res result
	res.gradient, err = est.Gradient(ctx, cfg.Initial)
	if err != nil {
		return result{}, errors.Wrap(err, "")
	}
	log.Printf("gradient at %v: %v", cfg.Initial, res.gradient)

	obj := objective.New(ctx, est)
	settings := &optimize.Settings{
		GradientThreshold: cfg.GradientThreshold,
		MajorIterations:   cfg.MaxIterations,
		Converger:         &optimize.FunctionConverge{Absolute: 1e-6, Iterations: 20},
	}
	res.minimum, err = obj.Minimize(cfg.Initial, settings, method)
	switch {
	case obj.Err() != nil || res.minimum == nil:
		return result{}, errors.Wrap(err, "")
	case err != nil:
		// Line searches may give up on noisy estimates; the best location so far is still reported.
		log.Printf("%+v", err)
	}
	res.history = obj.History()
	if err := writeHistory(filepath.Join(dir, fnameHistory), cfg.Symbols, res.history); err != nil {
		return result{}, errors.Wrap(err, "")
	}

	res.magnetization = math.NaN()
	if cfg.Ising != nil {
		m := *est
		m.Observable = pauli.MagnetizationZ(cfg.Ising.Lattice)
		res.magnetization, err = m.Value(ctx, res.minimum.X)
		if err != nil {
			return result{}, errors.Wrap(err, "")
		}
	}
	return res, nil
}

func writeCircuit(fpath string, tmpl *circuit.Template, cfg Config) error {
	values := make(map[circuit.Symbol]float64, len(cfg.Symbols))
	for i, s := range cfg.symbols() {
		if i < len(cfg.Initial) {
			values[s] = cfg.Initial[i]
		}
	}
	c, err := circuit.Bind(tmpl, values)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := os.WriteFile(fpath, []byte(c.QASM()), 0644); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func writeHistory(fpath string, symbols []string, history []objective.Step) error {
	f, err := os.Create(fpath)
	if err != nil {
		return errors.Wrap(err, "")
	}
	w := csv.NewWriter(f)

	header := append([]string{"iter", "value", "grad_norm"}, symbols...)
	if err1 := w.Write(header); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	row := make([]string, len(header))
	for _, s := range history {
		row = row[:0]
		row = append(row, strconv.Itoa(s.Iteration))
		row = append(row, strconv.FormatFloat(s.F, 'f', -1, 64))
		row = append(row, strconv.FormatFloat(s.GradNorm, 'g', -1, 64))
		for _, x := range s.X {
			row = append(row, strconv.FormatFloat(x, 'f', -1, 64))
		}
		if err1 := w.Write(row); err1 != nil && err == nil {
			err = errors.Wrap(err1, "")
			break
		}
	}

	w.Flush()
	if err1 := w.Error(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	if err1 := f.Close(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	return err
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	if err := mainWithErr(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func mainWithErr() error {
	cfg, err := readConfig(*configPath)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *shots >= 0 {
		cfg.Shots = *shots
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	res, err := run(ctx, cfg, *runDir, *cachePath)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("%#v", cfg))
	}

	fmt.Printf("gradient %v\n", res.gradient)
	fmt.Printf("status %v iterations %d\n", res.minimum.Status, res.minimum.Stats.MajorIterations)
	fmt.Printf("minimum %f at %v\n", res.minimum.F, res.minimum.X)
	if cfg.Ising != nil {
		fmt.Printf("magnetization %f\n", res.magnetization)
	}
	if cfg.Qubits <= maxExactQubits {
		op, err := cfg.observable()
		if err != nil {
			return errors.Wrap(err, "")
		}
		e0, err := pauli.GroundEnergy(op, cfg.Qubits)
		if err != nil {
			return errors.Wrap(err, "")
		}
		fmt.Printf("ground energy %f\n", e0)
	}
	return nil
}
