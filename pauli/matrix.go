package pauli

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// maxDenseQubits bounds the dense matrices built by Matrix.
	maxDenseQubits = 12
)

var (
	matI = [][]complex128{
		{1, 0},
		{0, 1},
	}
	matX = [][]complex128{
		{0, 1},
		{1, 0},
	}
	matY = [][]complex128{
		{0, -1i},
		{1i, 0},
	}
	matZ = [][]complex128{
		{1, 0},
		{0, -1},
	}
)

func (p Pauli) matrix() [][]complex128 {
	switch p {
	case X:
		return matX
	case Y:
		return matY
	case Z:
		return matZ
	default:
		return matI
	}
}

// Matrix returns the dense matrix of s on n qubits, with qubit 0 as the most significant bit.
func (s String) Matrix(n int) ([][]complex128, error) {
	if n > maxDenseQubits {
		return nil, errors.Errorf("%d qubits", n)
	}
	if s.NumQubits() > n {
		return nil, errors.Errorf("%s on %d qubits", s, n)
	}
	m := [][]complex128{{1}}
	for q := range n {
		m = kron(m, s.At(q).matrix())
	}
	return m, nil
}

// Matrix returns the dense matrix of op on n qubits.
func (op Operator) Matrix(n int) ([][]complex128, error) {
	if n > maxDenseQubits {
		return nil, errors.Errorf("%d qubits", n)
	}
	dim := 1 << n
	m := make([][]complex128, dim)
	for i := range m {
		m[i] = make([]complex128, dim)
	}
	for _, t := range op {
		tm, err := t.String.Matrix(n)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		for i, row := range tm {
			for j, v := range row {
				m[i][j] += t.Coef * v
			}
		}
	}
	return m, nil
}

// GroundEnergy returns the smallest eigenvalue of op on n qubits.
//
// The Hermitian matrix A + iB is diagonalized through its real symmetric embedding [[A, -B], [B, A]],
// whose spectrum is that of A + iB with every eigenvalue doubled.
func GroundEnergy(op Operator, n int) (float64, error) {
	for _, t := range op {
		if imag(t.Coef) != 0 {
			return math.NaN(), errors.Errorf("not hermitian: %s", t.String)
		}
	}
	h, err := op.Matrix(n)
	if err != nil {
		return math.NaN(), errors.Wrap(err, "")
	}

	dim := len(h)
	sym := mat.NewSymDense(2*dim, nil)
	for i := range dim {
		for j := i; j < dim; j++ {
			a, b := real(h[i][j]), imag(h[i][j])
			sym.SetSym(i, j, a)
			sym.SetSym(dim+i, dim+j, a)
			sym.SetSym(i, dim+j, -b)
			sym.SetSym(j, dim+i, b)
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, false); !ok {
		return math.NaN(), errors.Errorf("eigen factorization failed for %d qubits", n)
	}
	return floats.Min(eig.Values(nil)), nil
}

func kron(a, b [][]complex128) [][]complex128 {
	rows, cols := len(a)*len(b), len(a[0])*len(b[0])
	k := make([][]complex128, rows)
	for i := range k {
		k[i] = make([]complex128, cols)
	}
	for ay, arow := range a {
		for ax, av := range arow {
			if av == 0 {
				continue
			}
			for by, brow := range b {
				for bx, bv := range brow {
					k[ay*len(b)+by][ax*len(brow)+bx] = av * bv
				}
			}
		}
	}
	return k
}
