package assembler

import (
	"github.com/nikandfor/errors"

	"github.com/raymyers/ralph-as/pkg/bundle"
	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
	"github.com/raymyers/ralph-as/pkg/layout"
	"github.com/raymyers/ralph-as/pkg/postpass"
	"github.com/raymyers/ralph-as/pkg/relax"
)

// code is the frag data of one source instruction or bundle
type code struct {
	s    *Session
	pos  diag.Pos
	frag *layout.Frag

	// start is the form relaxation starts from on every pass; nil for
	// frags whose form was fixed when they were emitted
	start  *insn.TInsn
	stack  insn.IStack
	tried  uint64
	shrunk bool

	// bundle is set for brace groups; stack is unused then
	bundle *bundle.VliwInsn
	// slots are the bundle slots decided during layout, in slot order
	slots []slotRelax

	// lits holds the pool entry of each stack entry or bundle slot
	lits []*layout.Literal

	frozen  bool
	noAlign bool
	loopEnd *layout.Symbol
}

// slotRelax is a bundle slot whose form depends on addresses. A form the
// slot cannot hold goes in pre, ahead of the bundle, and the slot gets a
// no-op.
type slotRelax struct {
	index  int
	start  insn.TInsn
	steps  int
	pre    insn.IStack
	lits   []*layout.Literal
	warned bool
}

// alignment is the frag data of .align
type alignment struct {
	to int64
}

var _ postpass.Code = (*code)(nil)

// insns lists the instructions of the frag in issue order
func (d *code) insns() []insn.TInsn {
	var out []insn.TInsn
	if d.bundle != nil {
		for i := range d.slots {
			out = append(out, kindInsns(&d.slots[i].pre)...)
		}
		return append(out, d.bundle.Insns()...)
	}
	return kindInsns(&d.stack)
}

func kindInsns(st *insn.IStack) []insn.TInsn {
	var out []insn.TInsn
	for _, t := range st.Insns() {
		if t.Kind == insn.KindInsn {
			out = append(out, t)
		}
	}
	return out
}

// stepsOf reads the relaxation step recorded on the first instruction of st
func stepsOf(st *insn.IStack) int {
	for _, t := range st.Insns() {
		if t.Kind == insn.KindInsn {
			n, _ := t.Subtype.IsStep()
			return n
		}
	}
	return 0
}

// steps is the step of the current form of a relaxable frag
func (d *code) steps() int { return stepsOf(&d.stack) }

func (d *code) size() int {
	if d.bundle != nil {
		n := bundle.Length(d.s.ISA, d.bundle)
		for i := range d.slots {
			n += d.s.Relax.StackSize(&d.slots[i].pre)
		}
		return n
	}
	return d.s.Relax.StackSize(&d.stack)
}

func (d *code) Words() []postpass.Word {
	var ws []postpass.Word
	if d.bundle != nil {
		for i := range d.slots {
			for _, t := range kindInsns(&d.slots[i].pre) {
				t := t
				ws = append(ws, postpass.Word{Insns: []insn.TInsn{t}, Size: d.s.Relax.Size(&t)})
			}
		}
		return append(ws, postpass.Word{Insns: d.bundle.Insns(), Size: bundle.Length(d.s.ISA, d.bundle)})
	}
	for _, t := range d.insns() {
		t := t
		ws = append(ws, postpass.Word{Insns: []insn.TInsn{t}, Size: d.s.Relax.Size(&t)})
	}
	return ws
}

func (d *code) Frozen() bool {
	if d.frozen {
		return true
	}
	for _, t := range d.insns() {
		if t.ForceNoTransform {
			return true
		}
	}
	return false
}

func (d *code) NoTargetAlign() bool     { return d.noAlign }
func (d *code) LoopEnd() *layout.Symbol { return d.loopEnd }

// EstimateGrowth bounds a relaxable frag by the widest step of its start
// form. A bundle slot may grow by the whole expansion of its start form.
func (s *Session) EstimateGrowth(f *layout.Frag) int {
	d, ok := f.Data.(*code)
	if !ok {
		return 0
	}
	if d.start != nil {
		return s.Relax.Worst(*d.start) - f.Size
	}
	n := 0
	for i := range d.slots {
		n += s.wide.Worst(d.slots[i].start)
	}
	return n
}

// RecomputeOnRelax re-decides f at its current address
func (s *Session) RecomputeOnRelax(f *layout.Frag, stretch int64) int {
	switch d := f.Data.(type) {
	case *alignment:
		pad := s.alignPad(f.Addr, d.to, f.MinPad)
		delta := pad - f.Pad
		f.Pad = pad
		return delta

	case *code:
		delta := 0
		switch {
		case d.start != nil:
			delta = d.relax(f, stretch)
		case len(d.slots) > 0:
			delta = d.relaxBundle(f, stretch)
		}
		d.addLiterals(&s.Layout.Pool)
		return delta
	}
	return 0
}

// relax picks the form of a relaxable frag. The result depends only on
// the start form and the addresses, except that a frag may go back to a
// smaller form at most once, and only to one it held before.
func (d *code) relax(f *layout.Frag, stretch int64) int {
	s := d.s
	w := relax.Where{Known: true, PC: f.Start(), Section: layout.SectionText, Stretch: stretch}
	prev := d.steps()

	r := s.Relax.AssemblyRelax(*d.start, w, 0)
	if r.State == relax.Failed {
		// keep the current form; the overflow is reported when encoding
		r = relax.Result{Stack: d.stack, Steps: prev, State: relax.Failed}
	}

	if r.Steps < prev {
		if !d.shrunk && d.tried&stepBit(r.Steps) != 0 {
			d.shrunk = true
		} else {
			r = s.Relax.AssemblyRelax(*d.start, w, prev)
			if r.State == relax.Failed {
				r = relax.Result{Stack: d.stack, Steps: prev, State: relax.Failed}
			}
		}
	}

	if r.Steps != prev {
		s.tr.V("relax").Printw("relax step", "pos", d.pos, "from", prev, "to", r.Steps, "state", r.State, "pc", f.Start())
	}
	d.tried |= stepBit(r.Steps)
	d.stack = r.Stack

	old := f.Size
	f.Size = d.size()
	return f.Size - old
}

// relaxBundle re-decides the deferred slots of a bundle. A slot keeps the
// first form that fits and that it can hold; otherwise the form is
// searched again at its place ahead of the bundle. Slots never go back to
// a smaller step.
func (d *code) relaxBundle(f *layout.Frag, stretch int64) int {
	s := d.s
	o := s.ISA

	hoisted := 0
	for i := range d.slots {
		hoisted += s.Relax.StackSize(&d.slots[i].pre)
	}
	at := relax.Where{Known: true, PC: f.Start() + int64(hoisted), Section: layout.SectionText, Stretch: stretch}
	pc := f.Start()

	for i := range d.slots {
		sl := &d.slots[i]
		r := s.wide.AssemblyRelax(sl.start, at, sl.steps)
		if r.State != relax.Failed && r.Stack.Len() == 1 && o.SlotHolds(d.bundle.Format, sl.index, r.Stack.At(0).Opcode) {
			sl.pre.Reset()
			d.bundle.Slots[sl.index] = *r.Stack.At(0)
			sl.steps = r.Steps
			continue
		}

		w := relax.Where{Known: true, PC: pc, Section: layout.SectionText, Stretch: stretch}
		if r.State != relax.Failed {
			r = s.wide.AssemblyRelax(sl.start, w, r.Steps)
		}
		if r.State == relax.Failed {
			// keep the current form; the overflow is reported when encoding
			pc += int64(s.Relax.StackSize(&sl.pre))
			continue
		}
		if r.Steps != sl.steps {
			s.tr.V("relax").Printw("bundle slot step", "pos", d.pos, "slot", sl.index, "from", sl.steps, "to", r.Steps, "pc", pc)
		}
		if !sl.warned {
			sl.warned = true
			s.Diags.Warnf(d.pos, "bundle slot %d expanded ahead of the bundle", sl.index)
		}
		nop := bundle.NopFor(o, d.bundle.Format, sl.index)
		nop.IsBranchTarget = d.bundle.Slots[sl.index].IsBranchTarget
		nop.IsLoopTarget = d.bundle.Slots[sl.index].IsLoopTarget
		d.bundle.Slots[sl.index] = nop
		sl.pre, sl.steps = r.Stack, r.Steps
		pc += int64(s.Relax.StackSize(&sl.pre))
	}

	old := f.Size
	f.Size = d.size()
	return f.Size - old
}

func stepBit(n int) uint64 {
	if n >= 64 {
		return 0
	}
	return 1 << n
}

// addLiterals registers the generated literals of d in the pool
func (d *code) addLiterals(p *layout.Pool) {
	d.lits = d.lits[:0]
	if d.bundle == nil {
		d.lits = stackLiterals(p, &d.stack, d.lits)
		return
	}
	for i := range d.slots {
		sl := &d.slots[i]
		sl.lits = stackLiterals(p, &sl.pre, sl.lits[:0])
	}
	for i := 0; i < d.bundle.N; i++ {
		var l *layout.Literal
		if lt := d.bundle.Literal[i]; lt != nil {
			l = p.Add(lt.Ops[0])
		}
		d.lits = append(d.lits, l)
	}
}

func stackLiterals(p *layout.Pool, st *insn.IStack, out []*layout.Literal) []*layout.Literal {
	for _, t := range st.Insns() {
		var l *layout.Literal
		if t.Kind == insn.KindLiteral {
			l = p.Add(t.Ops[0])
		}
		out = append(out, l)
	}
	return out
}

// alignPad is the smallest no-op filler of at least floor bytes at addr
// that reaches a multiple of to. Without a fitting no-op sequence the gap
// is left as zero bytes.
func (s *Session) alignPad(addr, to int64, floor int) int {
	gap := int((to - addr%to) % to)
	for p := gap; p <= gap+floor+4*int(to); p += int(to) {
		if _, ok := s.passes.Filler(p); ok && p >= floor {
			return p
		}
	}
	return max(gap, floor)
}

// filler encodes n bytes of no-ops
func (s *Session) filler(n int) []byte {
	out := make([]byte, 0, n)
	seq, ok := s.passes.Filler(n)
	if !ok {
		return append(out, make([]byte, n)...)
	}
	for _, size := range seq {
		v := bundle.Single(insn.New(isa.NopOfLength(s.ISA, size)))
		b, _, err := bundle.Encode(s.ISA, &v, bundle.Env{})
		diag.Assertf(err == nil, "no-op of %d bytes: %v", size, err)
		out = append(out, b...)
	}
	return out
}

// FinalizeConversion encodes f at its final address
func (s *Session) FinalizeConversion(f *layout.Frag) error {
	out := s.filler(f.Pad)
	d, ok := f.Data.(*code)
	if !ok {
		f.Bytes = out
		return nil
	}

	b, err := d.encode(f.Start())
	if err != nil {
		f.Bytes = append(out, make([]byte, f.Size)...)
		return err
	}
	f.Bytes = append(out, b...)
	return nil
}

func (d *code) encode(pc int64) ([]byte, error) {
	if d.bundle == nil {
		return d.encodeStack(&d.stack, d.lits, pc)
	}

	var out []byte
	for i := range d.slots {
		sl := &d.slots[i]
		b, err := d.encodeStack(&sl.pre, sl.lits, pc)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
		pc += int64(len(b))
	}

	env := bundle.Env{PC: pc}
	for i, l := range d.lits {
		if l != nil {
			env.Refs[i] = bundle.Refs{Literal: l.Addr, HasLiteral: true}
		}
	}
	b, fx, err := bundle.Encode(d.s.ISA, d.bundle, env)
	if err := d.check(d.bundle.String(d.s.ISA), err, fx); err != nil {
		return nil, err
	}
	return append(out, b...), nil
}

// encodeStack encodes st at pc. lits holds the pool entry of each entry.
func (d *code) encodeStack(st *insn.IStack, lits []*layout.Literal, pc int64) ([]byte, error) {
	o := d.s.ISA
	var out []byte
	var lit *layout.Literal
	insns := st.Insns()
	for i := range insns {
		t := &insns[i]
		switch t.Kind {
		case insn.KindLiteral:
			lit = lits[i]
			continue
		case insn.KindLabel:
			continue
		}

		env := bundle.Env{PC: pc}
		if lit != nil {
			env.Refs[0].Literal, env.Refs[0].HasLiteral = lit.Addr, true
		}
		if at, ok := d.labelAfter(insns, i, pc); ok {
			env.Refs[0].Label, env.Refs[0].HasLabel = at, true
		}

		v := bundle.Single(*t)
		b, fx, err := bundle.Encode(o, &v, env)
		if err := d.check(t.Format(o), err, fx); err != nil {
			return nil, err
		}
		out = append(out, b...)
		pc += int64(len(b))
	}
	return out, nil
}

// labelAfter is the address of the first generated label at or after
// entry i of insns, which starts at pc
func (d *code) labelAfter(insns []insn.TInsn, i int, pc int64) (int64, bool) {
	for j := i; j < len(insns); j++ {
		if insns[j].Kind == insn.KindLabel {
			return pc, true
		}
		pc += int64(d.s.Relax.Size(&insns[j]))
	}
	return 0, false
}

// check turns an encoding failure into a user error. Operands of
// undefined symbols were reported by checkSymbols and stay zero.
func (d *code) check(what string, err error, fx []bundle.Fixup) error {
	if err != nil {
		var oe *bundle.OperandError
		if !errors.As(err, &oe) {
			return errors.Wrap(err, "%s", what)
		}
		diag.Assertf(oe.PCRelative, "%s: operand %d does not encode after it fit: %v", what, oe.Operand+1, oe.Err)
		return errors.Wrap(relax.ErrNoFit, "%s", what)
	}
	for _, f := range fx {
		if undefined(f.Op) {
			continue
		}
		return errors.New("%s: cannot encode operand %d", what, f.Operand+1)
	}
	return nil
}

func undefined(op insn.Operand) bool {
	for _, s := range []insn.Symbol{op.Sym, op.Sub} {
		if s == nil {
			continue
		}
		if _, ok := s.Address(); !ok {
			return true
		}
	}
	return false
}
