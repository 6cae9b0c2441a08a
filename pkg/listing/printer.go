// Package listing prints an assembled layout as address, bytes and the
// instructions decoded back from those bytes.
package listing

import (
	"fmt"
	"io"
	"strings"

	"github.com/raymyers/ralph-as/pkg/isa"
	"github.com/raymyers/ralph-as/pkg/layout"
)

// Printer writes listings for one ISA
type Printer struct {
	w io.Writer
	x *isa.ISA

	// names maps addresses to the labels bound there
	names map[int64][]string
}

// NewPrinter creates a listing printer
func NewPrinter(w io.Writer, x *isa.ISA) *Printer {
	return &Printer{w: w, x: x}
}

// PrintLayout outputs the literal pool followed by every frag of l
func (p *Printer) PrintLayout(l *layout.Layout) {
	p.names = make(map[int64][]string)
	for _, s := range l.Symbols() {
		if a, ok := s.Address(); ok {
			p.names[a] = append(p.names[a], s.Name())
		}
	}

	if lits := l.Pool.Entries(); len(lits) > 0 {
		fmt.Fprintf(p.w, "\t.literal_position\n")
		for _, lit := range lits {
			v, ok := lit.Value.Resolve()
			if !ok {
				fmt.Fprintf(p.w, "%08x  %-20s  .literal %v\n", lit.Addr, "????????", lit.Value)
				continue
			}
			fmt.Fprintf(p.w, "%08x  %-20s  .literal %#x\n", lit.Addr, fmt.Sprintf("%08x", uint32(v)), uint32(v))
		}
	}

	fmt.Fprintf(p.w, "\t.text\n")
	for _, f := range l.Frags {
		p.printFrag(f)
	}
}

func (p *Printer) printFrag(f *layout.Frag) {
	addr := f.Addr
	b := f.Bytes
	labels := func() {
		for _, s := range f.Syms {
			fmt.Fprintf(p.w, "%s:\n", s.Name())
		}
	}
	if f.Size == 0 && f.Pad == 0 {
		labels()
	}
	for len(b) > 0 {
		// labels are bound to the content, after the filler
		if addr == f.Start() {
			labels()
		}
		format, slots, err := p.x.DecodeBundle(b)
		if err != nil {
			fmt.Fprintf(p.w, "%08x  %-20s  .byte %#x\n", addr, hexBytes(b[:1]), b[0])
			addr++
			b = b[1:]
			continue
		}
		n := p.x.FormatLength(format)
		fmt.Fprintf(p.w, "%08x  %-20s  %s\n", addr, hexBytes(b[:n]), p.word(format, slots, addr))
		addr += int64(n)
		b = b[n:]
	}
	if f.Size == 0 && f.Pad > 0 {
		labels()
	}
}

// word formats one decoded issue word; bundles are wrapped in braces
func (p *Printer) word(f isa.Format, slots []isa.SlotEncoding, pc int64) string {
	if len(slots) == 1 {
		return p.slot(slots[0], pc)
	}
	parts := make([]string, len(slots))
	for i, s := range slots {
		parts[i] = p.slot(s, pc)
	}
	return fmt.Sprintf("{ %s: %s }", p.x.FormatName(f), strings.Join(parts, "; "))
}

func (p *Printer) slot(s isa.SlotEncoding, pc int64) string {
	x := p.x
	name := x.OpcodeName(s.Opcode)
	if len(s.Fields) == 0 {
		return name
	}
	ops := make([]string, len(s.Fields))
	for i, field := range s.Fields {
		ops[i] = p.operand(s.Opcode, i, field, pc)
	}
	return fmt.Sprintf("%-8s%s", name, strings.Join(ops, ", "))
}

func (p *Printer) operand(op isa.Opcode, i int, field uint64, pc int64) string {
	x := p.x
	v, err := x.OperandDecode(op, i, field)
	if err != nil {
		return "?"
	}
	if x.OperandIsRegister(op, i) {
		return fmt.Sprintf("%s%d", x.RegFileName(x.OperandRegFile(op, i)), v)
	}
	if !x.OperandIsPCRelative(op, i) {
		return fmt.Sprintf("%d", v)
	}
	target, err := x.OperandUndoReloc(op, i, v, pc)
	if err != nil {
		return "?"
	}
	if names := p.names[target]; len(names) > 0 {
		return fmt.Sprintf("%s <%#x>", names[0], target)
	}
	return fmt.Sprintf("%#x", target)
}

func hexBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02x", c)
	}
	return strings.Join(parts, " ")
}
