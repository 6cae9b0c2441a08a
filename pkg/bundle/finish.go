package bundle

import (
	"fmt"
	"strings"

	"github.com/nikandfor/errors"

	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
	"github.com/raymyers/ralph-as/pkg/relax"
	"github.com/raymyers/ralph-as/pkg/resource"
)

// User errors rejecting a bundle
var (
	ErrConflict         = errors.New("resource conflict")
	ErrMultipleBranches = errors.New("multiple branches or jumps in the same bundle")
	ErrUnitBusy         = errors.New("functional unit oversubscribed")
	ErrNoFormat         = errors.New("no format holds the bundle")
)

// ConflictError describes the first conflicting slot pair
type ConflictError struct {
	Kind resource.ConflictKind
	A, B int
	What string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %v on %s between slots %d and %d", ErrConflict, e.Kind, e.What, e.A, e.B)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Result of FinishBundle. Pre are freestanding expansions that are emitted,
// in order, before Bundle.
type Result struct {
	Pre    []insn.IStack
	Bundle VliwInsn
}

// FinishBundle makes v ready for encoding. On error nothing of the bundle
// may be emitted; v is left unchanged.
func FinishBundle(c *relax.Context, s *Scratch, v *VliwInsn) (Result, error) {
	o := c.ISA
	s.Cur = *v
	b := &s.Cur

	if b.N == 0 {
		return Result{}, errors.New("empty bundle")
	}
	if err := findConflicts(o, s, b); err != nil {
		return Result{}, err
	}
	if err := pickFormat(c, b); err != nil {
		return Result{}, err
	}

	// slots are never narrowed: the format was chosen for the forms written
	sc := *c
	sc.Opts.Density = false

	var res Result
	for i := 0; i < b.N; i++ {
		st, err := sc.Expand(b.Slots[i])
		if err != nil {
			return Result{}, errors.Wrap(err, "slot %d", i)
		}
		pre, last, lit, ok := splitSlot(&st)
		if !ok || !o.SlotHolds(b.Format, i, last.Opcode) {
			res.Pre = append(res.Pre, st)
			last, lit = NopFor(o, b.Format, i), nil
		} else if !pre.IsEmpty() {
			res.Pre = append(res.Pre, pre)
		}
		if err := SwapUnits(o, s, i, b.Slots[i].Opcode, last.Opcode); err != nil {
			return Result{}, err
		}
		b.Slots[i] = last
		b.Literal[i] = lit
	}

	if err := checkPairs(o, b); err != nil {
		return Result{}, err
	}
	if !b.Explicit {
		b.Format = isa.NoFormat
		if err := pickFormat(c, b); err != nil {
			return Result{}, err
		}
	}

	res.Bundle = *b
	*v = *b
	return res, nil
}

// splitSlot separates the last instruction of a slot expansion from what
// goes before it. The generated literal stays with the slot when the last
// instruction is the only one referring to it. ok is false when the
// expansion must be emitted as a whole.
func splitSlot(st *insn.IStack) (pre insn.IStack, last insn.TInsn, lit *insn.TInsn, ok bool) {
	li := -1
	for i := range st.Insns() {
		switch st.At(i).Kind {
		case insn.KindLabel:
			return pre, last, nil, false
		case insn.KindInsn:
			li = i
		}
	}
	if li < 0 {
		return pre, last, nil, false
	}
	last = *st.At(li)

	keepLit := refersToLiteral(&last)
	for i := range st.Insns() {
		t := st.At(i)
		switch {
		case i == li:
		case t.Kind == insn.KindLiteral && keepLit:
			l := *t
			lit = &l
		default:
			if keepLit && t.Kind == insn.KindInsn && refersToLiteral(t) {
				return insn.IStack{}, last, nil, false
			}
			pre.Push(*t)
		}
	}
	if keepLit && lit == nil {
		return insn.IStack{}, last, nil, false
	}
	return pre, last, lit, true
}

func refersToLiteral(t *insn.TInsn) bool {
	for _, op := range t.Operands() {
		if op.Kind == insn.OpLiteralRef {
			return true
		}
	}
	return false
}

// NopFor returns the no-op filling slot of format f
func NopFor(o isa.Oracle, f isa.Format, slot int) insn.TInsn {
	op := o.FormatSlotNop(f, slot)
	diag.Assertf(op != isa.NoOpcode, "format %s slot %d has no nop", o.FormatName(f), slot)
	return insn.New(op)
}

// findConflicts checks every slot pair and reserves the functional units
// of the bundle
func findConflicts(o isa.Oracle, s *Scratch, b *VliwInsn) error {
	if err := checkPairs(o, b); err != nil {
		return err
	}
	s.Res.Clear()
	for i := range b.Insns() {
		if !s.Res.Reserve(b.Slots[i].Opcode, 0) {
			return errors.Wrap(ErrUnitBusy, "slot %d: %s", i, o.OpcodeName(b.Slots[i].Opcode))
		}
	}
	return nil
}

// checkPairs rejects a second branch and conflicting slot pairs. An
// anti-dependency freezes the writing slot.
func checkPairs(o isa.Oracle, b *VliwInsn) error {
	branches := 0
	for i := range b.Insns() {
		op := b.Slots[i].Opcode
		if o.OpcodeIsBranch(op) || o.OpcodeIsJump(op) {
			branches++
		}
	}
	if branches > 1 {
		return ErrMultipleBranches
	}

	for i := 0; i < b.N; i++ {
		for j := i + 1; j < b.N; j++ {
			c := resource.Conflicts(o, &b.Slots[i], &b.Slots[j])
			if c.Kind.IsError() {
				return &ConflictError{Kind: c.Kind, A: i, B: j, What: c.What}
			}
			if c.AWrites {
				b.Slots[i].ForceNoTransform = true
			}
			if c.BWrites {
				b.Slots[j].ForceNoTransform = true
			}
		}
	}
	return nil
}

// SwapUnits moves the reservation of slot from one opcode to another
func SwapUnits(o isa.Oracle, s *Scratch, slot int, from, to isa.Opcode) error {
	if from == to {
		return nil
	}
	s.Res.Release(from, 0)
	if !s.Res.Reserve(to, 0) {
		return errors.Wrap(ErrUnitBusy, "slot %d: %s", slot, o.OpcodeName(to))
	}
	return nil
}

// pickFormat selects the first format, in table order, whose slots hold
// the bundle, substituting single-step widenings where needed. Formats with
// exactly the bundle's slot count are tried first; wider ones get nops.
func pickFormat(c *relax.Context, b *VliwInsn) error {
	o := c.ISA
	if b.Explicit {
		if fitFormat(c, b, b.Format) {
			return nil
		}
		return errors.Wrap(ErrNoFormat, "%s cannot hold %s", o.FormatName(b.Format), opcodeList(o, b))
	}

	cands := isa.FormatsWithSlots(o, b.N)
	if len(cands) == 0 {
		for f := 0; f < o.NumFormats(); f++ {
			if o.FormatSlotCount(isa.Format(f)) > b.N {
				cands = append(cands, isa.Format(f))
			}
		}
	}
	for _, f := range cands {
		if fitFormat(c, b, f) {
			b.Format = f
			return nil
		}
	}
	return errors.Wrap(ErrNoFormat, "%s", opcodeList(o, b))
}

// fitFormat applies f to b if every slot can be placed
func fitFormat(c *relax.Context, b *VliwInsn, f isa.Format) bool {
	o := c.ISA
	n := o.FormatSlotCount(f)
	if n < b.N || n > MaxSlots {
		return false
	}

	var slots [MaxSlots]insn.TInsn
	for i := 0; i < n; i++ {
		if i >= b.N {
			if o.FormatSlotNop(f, i) == isa.NoOpcode {
				return false
			}
			slots[i] = NopFor(o, f, i)
			continue
		}
		t := b.Slots[i]
		if o.SlotHolds(f, i, t.Opcode) {
			slots[i] = t
			continue
		}
		w, ok := c.WidenOnce(&t)
		if !ok || !o.SlotHolds(f, i, w.Opcode) {
			return false
		}
		slots[i] = w
	}

	b.Slots = slots
	b.N = n
	b.Format = f
	return true
}

func opcodeList(o isa.Oracle, b *VliwInsn) string {
	names := make([]string, b.N)
	for i := range b.Insns() {
		names[i] = o.OpcodeName(b.Slots[i].Opcode)
	}
	return "{" + strings.Join(names, ", ") + "}"
}
