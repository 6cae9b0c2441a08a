package assembler

import (
	"strconv"
	"strings"

	"github.com/nikandfor/errors"

	"github.com/raymyers/ralph-as/pkg/asmparse"
	"github.com/raymyers/ralph-as/pkg/bundle"
	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
	"github.com/raymyers/ralph-as/pkg/layout"
)

// Directive region names
const (
	regionNoTransform   = "no-transform"
	regionNoTargetAlign = "no-target-align"
)

// statement handles one source statement. User errors are reported and
// the statement is dropped; nothing half-built reaches the layout.
func (s *Session) statement(st asmparse.Stmt) {
	switch st := st.(type) {
	case asmparse.Label:
		if _, err := s.Layout.Define(st.Name, st.Pos); err != nil {
			s.Diags.Errorf(st.Pos, "%v", err)
		}
	case asmparse.Instr:
		t, ok := s.instr(st)
		if !ok {
			return
		}
		s.emitInsn(t)
	case asmparse.Bundle:
		s.emitBundle(st)
	case asmparse.Directive:
		s.directive(st)
	default:
		diag.Fatalf("unexpected statement %T", st)
	}
}

func (s *Session) directive(d asmparse.Directive) {
	switch d.Name {
	case ".begin", ".end":
		depth := &s.noTransform
		switch d.Words {
		case regionNoTransform:
		case regionNoTargetAlign:
			depth = &s.noTargetAlign
		default:
			s.Diags.Errorf(d.Pos, "unknown region %q", d.Words)
			return
		}
		if d.Name == ".begin" {
			*depth++
			return
		}
		if *depth == 0 {
			s.Diags.Errorf(d.Pos, ".end %s without .begin", d.Words)
			return
		}
		*depth--

	case ".align":
		if len(d.Args) != 1 {
			s.Diags.Errorf(d.Pos, ".align takes one argument")
			return
		}
		n, ok := d.Args[0].(asmparse.Number)
		if !ok || n.Value <= 0 || n.Value&(n.Value-1) != 0 || n.Value > 1<<12 {
			s.Diags.Errorf(d.Pos, ".align %v: not a power of two", d.Args[0])
			return
		}
		s.Layout.NewFrag(0, &alignment{to: n.Value}, d.Pos)
		s.afterLoop = false

	case ".text", ".literal_position", ".global", ".globl":
		// one text region with its pool in front; symbols are not exported

	default:
		s.Diags.Errorf(d.Pos, "unknown directive %s", d.Name)
	}
}

// instr resolves an instruction statement against the ISA
func (s *Session) instr(in asmparse.Instr) (insn.TInsn, bool) {
	o := s.ISA
	op := o.OpcodeLookup(in.Mnemonic)
	if op == isa.NoOpcode {
		s.Diags.Errorf(in.Pos, "unknown opcode %s", in.Mnemonic)
		return insn.TInsn{}, false
	}
	if n := o.OperandCount(op); n != len(in.Args) {
		s.Diags.Errorf(in.Pos, "%s: wrong number of operands: %d, want %d", in.Mnemonic, len(in.Args), n)
		return insn.TInsn{}, false
	}

	t := insn.New(op)
	t.Pos = in.Pos
	t.ForceNoTransform = in.NoTransform || s.noTransform > 0
	for i, a := range in.Args {
		v, err := s.operand(op, i, a, in.Pos)
		if err != nil {
			s.Diags.Errorf(in.Pos, "%s: operand %d: %v", in.Mnemonic, i+1, err)
			return insn.TInsn{}, false
		}
		t.AddOperand(v)
	}
	return t, true
}

// operand converts expression e for operand i of op
func (s *Session) operand(op isa.Opcode, i int, e asmparse.Expr, pos diag.Pos) (insn.Operand, error) {
	o := s.ISA
	if o.OperandIsRegister(op, i) {
		id, ok := e.(asmparse.Ident)
		if !ok || id.Plt {
			return insn.Operand{}, errors.New("expected a register, got %v", e)
		}
		r, ok := s.register(o.OperandRegFile(op, i), id.Name)
		if !ok {
			return insn.Operand{}, errors.New("bad register %s", id.Name)
		}
		return insn.Reg(r), nil
	}

	v, err := s.expr(e, pos)
	if err != nil {
		return v, err
	}

	if sym, ok := v.Sym.(*layout.Symbol); ok && o.OperandIsPCRelative(op, i) {
		switch {
		case o.OpcodeIsLoop(op):
			sym.LoopEnd = true
		case o.OpcodeIsBranch(op) || o.OpcodeIsJump(op):
			sym.BranchTarget = true
		}
	}
	return v, nil
}

// register parses a register name like a3 of register file rf
func (s *Session) register(rf int, name string) (int, bool) {
	prefix := s.ISA.RegFileName(rf)
	num, ok := strings.CutPrefix(name, prefix)
	if !ok || num == "" {
		return 0, false
	}
	r, err := strconv.Atoi(num)
	if err != nil || r < 0 || r >= s.ISA.RegFileSize(rf) {
		return 0, false
	}
	return r, true
}

// expr evaluates an immediate or symbolic expression: a constant, a
// symbol plus a constant, or the difference of two symbols plus a constant
func (s *Session) expr(e asmparse.Expr, pos diag.Pos) (insn.Operand, error) {
	switch e := e.(type) {
	case asmparse.Number:
		return insn.Const(e.Value), nil

	case asmparse.Ident:
		sym := s.symbol(e.Name, pos)
		if e.Plt {
			return insn.Operand{Kind: insn.OpPlt, Sym: sym}, nil
		}
		return insn.Sym(sym, 0), nil

	case asmparse.Neg:
		x, err := s.expr(e.X, pos)
		if err != nil {
			return x, err
		}
		if !x.IsConstant() {
			return x, errors.New("cannot negate %v", e.X)
		}
		return insn.Const(-x.Value), nil

	case asmparse.Binary:
		x, err := s.expr(e.X, pos)
		if err != nil {
			return x, err
		}
		y, err := s.expr(e.Y, pos)
		if err != nil {
			return y, err
		}
		return combine(e.Op, x, y)
	}
	return insn.Operand{}, errors.New("bad expression %v", e)
}

func combine(op byte, x, y insn.Operand) (insn.Operand, error) {
	switch {
	case x.IsConstant() && y.IsConstant():
		if op == '-' {
			return insn.Const(x.Value - y.Value), nil
		}
		return insn.Const(x.Value + y.Value), nil

	case x.Kind == insn.OpSymbol && y.IsConstant():
		if op == '-' {
			x.Value -= y.Value
		} else {
			x.Value += y.Value
		}
		return x, nil

	case op == '+' && x.IsConstant() && y.Kind == insn.OpSymbol:
		y.Value += x.Value
		return y, nil

	case op == '-' && x.Kind == insn.OpSymbol && x.Sub == nil && y.Kind == insn.OpSymbol && y.Sub == nil:
		return insn.Diff(x.Sym, y.Sym, x.Value-y.Value), nil
	}
	return insn.Operand{}, errors.New("unsupported expression")
}

func (s *Session) symbol(name string, pos diag.Pos) *layout.Symbol {
	sym := s.Layout.Symbol(name)
	if _, ok := s.uses[sym]; !ok {
		s.uses[sym] = pos
	}
	return sym
}

// emitInsn expands t and appends its frag
func (s *Session) emitInsn(t insn.TInsn) {
	c := s.Relax
	if c.Deferred(&t) && !c.Frozen(&t) {
		s.emitRelaxable(t)
		return
	}

	st, err := c.Expand(t)
	if err != nil {
		s.Diags.Errorf(t.Pos, "%v", err)
		return
	}
	s.emitStack(st, t.Pos)
}

// emitRelaxable appends a frag whose form is decided during layout. The
// search starts from the narrow form when there is one.
func (s *Session) emitRelaxable(t insn.TInsn) {
	start := t
	if n, ok := s.Relax.Simplify(t); ok {
		start = n
	}
	d := s.newCode(t.Pos)
	d.start = &start
	d.stack.Push(start)
	d.tried = 1
	s.appendCode(d)
}

// emitStack appends a frag holding a fixed expansion
func (s *Session) emitStack(st insn.IStack, pos diag.Pos) {
	d := s.newCode(pos)
	d.stack = st
	s.appendCode(d)
}

func (s *Session) emitBundle(b asmparse.Bundle) {
	v := bundle.New(b.Pos)
	if b.Format != "" {
		f, ok := s.format(b.Format)
		if !ok {
			s.Diags.Errorf(b.Pos, "unknown format %s", b.Format)
			return
		}
		v.Format, v.Explicit = f, true
	}
	if len(b.Instrs) > bundle.MaxSlots {
		s.Diags.Errorf(b.Pos, "bundle has %d instructions", len(b.Instrs))
		return
	}
	for _, in := range b.Instrs {
		t, ok := s.instr(in)
		if !ok {
			return
		}
		v.Add(t)
	}

	res, err := bundle.FinishBundle(s.Relax, s.Scratch, &v)
	if err != nil {
		s.Diags.Errorf(b.Pos, "%v", err)
		return
	}
	s.tr.V("bundle").Printw("bundle format", "pos", b.Pos, "format", s.ISA.FormatName(res.Bundle.Format), "hoisted", len(res.Pre))

	for _, pre := range res.Pre {
		pre := pre
		if pre.Len() == 1 && s.Relax.Deferred(pre.At(0)) && !s.Relax.Frozen(pre.At(0)) {
			s.emitRelaxable(*pre.At(0))
			continue
		}
		s.emitStack(pre, b.Pos)
	}

	d := s.newCode(b.Pos)
	fin := res.Bundle
	d.bundle = &fin
	for i := 0; i < fin.N; i++ {
		if s.slotRelaxable(&fin.Slots[i]) {
			d.slots = append(d.slots, slotRelax{index: i, start: fin.Slots[i]})
		}
	}
	s.appendCode(d)
}

// slotRelaxable reports whether bundle slot t is decided during layout.
// Slots tied to a literal or a generated label keep the form FinishBundle
// gave them.
func (s *Session) slotRelaxable(t *insn.TInsn) bool {
	if !s.Relax.Deferred(t) || s.Relax.Frozen(t) || s.ISA.OpcodeIsCall(t.Opcode) {
		return false
	}
	for _, op := range t.Operands() {
		if op.Kind == insn.OpLiteralRef || op.Kind == insn.OpLabelRef {
			return false
		}
	}
	return true
}

func (s *Session) format(name string) (isa.Format, bool) {
	for f := 0; f < s.ISA.NumFormats(); f++ {
		if s.ISA.FormatName(isa.Format(f)) == name {
			return isa.Format(f), true
		}
	}
	return isa.NoFormat, false
}

func (s *Session) newCode(pos diag.Pos) *code {
	return &code{
		s:       s,
		pos:     pos,
		frozen:  s.noTransform > 0,
		noAlign: s.noTargetAlign > 0,
	}
}

// appendCode sizes d and adds its frag
func (s *Session) appendCode(d *code) {
	loop := false
	for _, t := range d.insns() {
		t := t
		if s.ISA.OpcodeIsLoop(t.Opcode) {
			loop = true
			if d.loopEnd == nil {
				d.loopEnd = loopEnd(s.ISA, &t)
			}
		}
	}
	if s.afterLoop {
		for _, t := range d.heads() {
			t.IsLoopTarget = true
		}
	}
	d.frag = s.Layout.NewFrag(d.size(), d, d.pos)
	s.afterLoop = loop
}

// heads returns the forms whose first instruction starts d
func (d *code) heads() []*insn.TInsn {
	var out []*insn.TInsn
	if d.start != nil {
		out = append(out, d.start)
	}
	if d.bundle != nil {
		for i := range d.slots {
			if d.slots[i].index == 0 {
				out = append(out, &d.slots[i].start)
			}
		}
		return append(out, &d.bundle.Slots[0])
	}
	for i := range d.stack.Insns() {
		if t := d.stack.At(i); t.Kind == insn.KindInsn {
			return append(out, t)
		}
	}
	return out
}

// markTargets flags the first instruction at each label a branch or jump
// refers to. A label bound to a frag without code marks the next code.
func (s *Session) markTargets() {
	pending := false
	for _, f := range s.Layout.Frags {
		for _, sym := range f.Syms {
			pending = pending || sym.BranchTarget
		}
		d, ok := f.Data.(*code)
		if !pending || !ok || len(d.insns()) == 0 {
			continue
		}
		for _, t := range d.heads() {
			t.IsBranchTarget = true
		}
		pending = false
	}
}

// loopEnd returns the end label named by a loop instruction
func loopEnd(o isa.Oracle, t *insn.TInsn) *layout.Symbol {
	for i, op := range t.Operands() {
		if !o.OperandIsPCRelative(t.Opcode, i) {
			continue
		}
		if sym, ok := op.Sym.(*layout.Symbol); ok {
			return sym
		}
	}
	return nil
}
