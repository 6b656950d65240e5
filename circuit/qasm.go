package circuit

import (
	"fmt"
	"strconv"
	"strings"
)

// QASM renders the circuit as OpenQASM 2.0.
// Angles are printed with full precision so that equal texts mean equal circuits.
func (c *Bound) QASM() string {
	var b strings.Builder
	b.WriteString("OPENQASM 2.0;\n")
	b.WriteString("include \"qelib1.inc\";\n")
	fmt.Fprintf(&b, "qreg q[%d];\n", c.numQubits)
	for _, op := range c.ops {
		b.WriteString(op.Kind.String())
		if op.Kind.Rotation() {
			b.WriteString("(" + strconv.FormatFloat(op.Angle, 'g', -1, 64) + ")")
		}
		for i, q := range op.Targets() {
			switch i {
			case 0:
				b.WriteString(" ")
			default:
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "q[%d]", q)
		}
		b.WriteString(";\n")
	}
	return b.String()
}

// String renders the template in OpenQASM style with symbols in place of angles.
func (t *Template) String() string {
	lines := make([]string, 0, len(t.gates))
	for _, g := range t.gates {
		s := g.Kind.String()
		if g.Kind.Rotation() {
			switch {
			case g.Angle.Symbolic():
				s += "(" + string(g.Angle.sym) + ")"
			default:
				s += "(" + strconv.FormatFloat(g.Angle.value, 'g', -1, 64) + ")"
			}
		}
		qs := make([]string, 0, 2)
		for _, q := range g.Qubits[:g.Kind.Arity()] {
			qs = append(qs, fmt.Sprintf("q[%d]", q))
		}
		lines = append(lines, s+" "+strings.Join(qs, ", ")+";")
	}
	return strings.Join(lines, "\n")
}
