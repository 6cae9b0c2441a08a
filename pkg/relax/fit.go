package relax

import (
	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
)

// Where is what is known about the address an instruction is placed at
type Where struct {
	// Known is false before the instruction has an address
	Known   bool
	PC      int64
	Section int
	// Stretch is the growth of preceding code not yet reflected in the
	// addresses of forward symbols
	Stretch int64
}

// At returns w moved forward by n bytes
func (w Where) At(n int64) Where {
	w.PC += n
	return w
}

// Fits reports whether every operand of t encodes at w
func (c *Context) Fits(t *insn.TInsn, w Where) bool {
	for i := range t.Operands() {
		if !c.OperandFits(t, i, w) {
			return false
		}
	}
	return true
}

// OperandFits reports whether operand i of t encodes at w
func (c *Context) OperandFits(t *insn.TInsn, i int, w Where) bool {
	o := c.ISA
	op := t.Ops[i]
	pcrel := o.OperandIsPCRelative(t.Opcode, i)

	switch op.Kind {
	case insn.OpRegister:
		if !o.OperandIsRegister(t.Opcode, i) {
			return false
		}
		_, err := o.OperandEncode(t.Opcode, i, op.Value)
		return err == nil
	case insn.OpConstant:
		if o.OperandIsRegister(t.Opcode, i) {
			return false
		}
		if pcrel {
			// a constant branch target is an absolute address
			return w.Known && c.displacementFits(t, i, op.Value, w)
		}
		_, err := o.OperandEncode(t.Opcode, i, op.Value)
		return err == nil
	case insn.OpLiteralRef, insn.OpLabelRef:
		// the literal pool and the generated label are placed to be in range;
		// a literal that ends up too far is reported when it is encoded
		return true
	case insn.OpLowHalf, insn.OpHighHalf:
		_, errLo := o.OperandEncode(t.Opcode, i, 0)
		_, errHi := o.OperandEncode(t.Opcode, i, 0xffff)
		return !pcrel && errLo == nil && errHi == nil
	case insn.OpSymbol, insn.OpPlt:
		if op.IsComplex() || !pcrel {
			return false
		}
		return c.symbolFits(t, i, op, w)
	}
	return false
}

// symbolFits implements the symbolic fit test of a pc-relative operand
func (c *Context) symbolFits(t *insn.TInsn, i int, op insn.Operand, w Where) bool {
	call := c.ISA.OpcodeIsCall(t.Opcode)
	if call && c.Opts.LongCalls {
		return false
	}

	target, defined := op.Target()
	if !defined || op.Sym.Section() != w.Section || !w.Known {
		// only direct calls are optimistic about what they cannot see
		return call
	}
	if target >= w.PC {
		target += w.Stretch
	}
	return c.displacementFits(t, i, target, w)
}

func (c *Context) displacementFits(t *insn.TInsn, i int, target int64, w Where) bool {
	off, err := c.ISA.OperandDoReloc(t.Opcode, i, target, w.PC)
	if err != nil {
		return false
	}
	_, err = c.ISA.OperandEncode(t.Opcode, i, off)
	return err == nil
}

// Size is the number of bytes t occupies issued on its own. Literal and
// label entries take no room in the instruction stream.
func (c *Context) Size(t *insn.TInsn) int {
	if t.Kind != insn.KindInsn {
		return 0
	}
	return isa.InsnLength(c.ISA, t.Opcode)
}

// StackSize is the total instruction-stream size of s
func (c *Context) StackSize(s *insn.IStack) int {
	n := 0
	for i := range s.Insns() {
		n += c.Size(s.At(i))
	}
	return n
}

// StackFits checks every instruction of s placed back to back from w
func (c *Context) StackFits(s *insn.IStack, w Where) bool {
	for i := range s.Insns() {
		t := s.At(i)
		if t.Kind != insn.KindInsn {
			continue
		}
		if !c.Fits(t, w) {
			return false
		}
		w = w.At(int64(c.Size(t)))
	}
	return true
}
