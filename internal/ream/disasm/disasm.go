// Package disasm renders a Program's instruction stream as human-
// readable text, for the `ream disasm` CLI subcommand and debugging
// tools.
package disasm

import (
	"fmt"
	"strings"

	"github.com/imroc/biu"

	"github.com/reamlang/ream/internal/ream/program"
)

// Disassemble renders every instruction in p as one line:
// "<pc>: <opcode> <operands> [sym]".
func Disassemble(p *program.Program) string {
	var b strings.Builder
	hash := p.Hash()
	fmt.Fprintf(&b, "; program %x, %d instructions, %d constants\n", hash[:8], len(p.Instructions), len(p.Constants))
	for pc, in := range p.Instructions {
		fmt.Fprintf(&b, "%6d: %-16s", pc, in.Op.String())
		for _, op := range in.Operands {
			fmt.Fprintf(&b, " %d", op)
		}
		if in.Sym != "" {
			fmt.Fprintf(&b, " %q", in.Sym)
		}
		if in.Grade != program.Pure {
			fmt.Fprintf(&b, " ; %s", in.Grade)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// DumpBits renders the raw encoded byte form as a bit string, one byte
// per line, using imroc/biu — useful when debugging the canonical
// encoder/decoder pair against the exact wire layout.
func DumpBits(p *program.Program) string {
	encoded := p.Encode()
	var b strings.Builder
	for i, by := range encoded {
		b.WriteString(biu.ByteToBinaryString(by))
		b.WriteByte(' ')
		if (i+1)%8 == 0 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
