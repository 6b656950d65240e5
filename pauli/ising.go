package pauli

// Ising returns the transverse field Ising Hamiltonian
//
//	H = -Σ<ij> Z_i Z_j - h Σ_i X_i
//
// on an n[0] by n[1] lattice with open boundaries.
// Site (y, x) is qubit y*n[1] + x.
func Ising(n [2]int, h float64) Operator {
	site := func(y, x int) int { return y*n[1] + x }
	op := make(Operator, 0)
	for y := range n[0] {
		for x := range n[1] {
			if up := y - 1; up >= 0 {
				op = append(op, coupling(site(up, x), site(y, x)))
			}
			if left := x - 1; left >= 0 {
				op = append(op, coupling(site(y, left), site(y, x)))
			}
			op = append(op, Term{Coef: complex(-h, 0), String: String{factors: []Factor{{Qubit: site(y, x), P: X}}}})
		}
	}
	return op
}

// MagnetizationZ returns the average spin Σ_i Z_i / N of a lattice.
func MagnetizationZ(n [2]int) Operator {
	numSpins := n[0] * n[1]
	op := make(Operator, 0, numSpins)
	for i := range numSpins {
		op = append(op, Term{Coef: complex(1/float64(numSpins), 0), String: String{factors: []Factor{{Qubit: i, P: Z}}}})
	}
	return op
}

func coupling(i, j int) Term {
	return Term{Coef: -1, String: String{factors: []Factor{{Qubit: i, P: Z}, {Qubit: j, P: Z}}}}
}
