package relax

import (
	"github.com/nikandfor/errors"

	"github.com/raymyers/ralph-as/pkg/insn"
)

// User errors returned by Expand
var (
	// ErrNoTransform: the instruction does not fit and may not be rewritten
	ErrNoTransform = errors.New("value out of range, transform disabled")
	// ErrNoFit: no rewrite of the instruction fits
	ErrNoFit = errors.New("value out of range")
)

// Result of relaxing one instruction
type Result struct {
	Stack insn.IStack
	Steps int
	State State
}

// Simplify returns the narrow equivalent of t when narrowing is enabled
// and the simplify table has one
func (c *Context) Simplify(t insn.TInsn) (insn.TInsn, bool) {
	if !c.Opts.Density || !c.Opts.Transform || t.ForceNoTransform || t.Kind != insn.KindInsn {
		return t, false
	}
	r := c.SimplifyTable.Match(&t)
	if r == nil || !r.IsSingle() {
		return t, false
	}
	s, err := r.Instantiate(&t)
	if err != nil {
		return t, false
	}
	n := *s.At(0)
	n.Subtype = insn.SubtypeNarrow
	n.IsBranchTarget = t.IsBranchTarget
	n.IsLoopTarget = t.IsLoopTarget
	return n, true
}

// Frozen reports whether t may not be rewritten at all
func (c *Context) Frozen(t *insn.TInsn) bool {
	return t.ForceNoTransform || !c.Opts.Transform
}

// Deferred reports whether expansion of t waits for addresses: a
// pc-relative operand refers to a symbol or to an absolute address, and
// nothing forces a rewrite now. Direct calls are never expanded early.
func (c *Context) Deferred(t *insn.TInsn) bool {
	if t.HasComplex() {
		return false
	}
	if t.HasSymbolic() && c.ISA.OpcodeIsCall(t.Opcode) {
		return true
	}
	deferred := false
	for i, op := range t.Operands() {
		pcrel := c.ISA.OperandIsPCRelative(t.Opcode, i)
		switch {
		case op.IsSymbolic():
			if !pcrel && op.Kind != insn.OpLiteralRef {
				return false
			}
			deferred = true
		case pcrel && op.Kind == insn.OpConstant:
			deferred = true
		}
	}
	return deferred
}

// Expand makes t assemble. Deferred instructions come back unchanged for
// AssemblyRelax to place later; everything else is simplified and, if it
// still does not fit, widened now. When nothing fits, the error wraps
// ErrNoFit and the stack holds t unchanged.
func (c *Context) Expand(t insn.TInsn) (insn.IStack, error) {
	var s insn.IStack
	if t.Kind != insn.KindInsn {
		s.Push(t)
		return s, nil
	}

	if c.Frozen(&t) {
		if !c.numericFits(&t) {
			return s, errors.Wrap(ErrNoTransform, "%s", t.Format(c.ISA))
		}
		s.Push(t)
		return s, nil
	}

	if c.Deferred(&t) {
		s.Push(t)
		return s, nil
	}

	m := Start(t, Unexpanded)
	if n, ok := c.Simplify(t); ok && c.Fits(&n, Where{}) {
		m = Start(n, Simplified)
	}
	r := c.run(m, Where{}, 0)
	if r.State == Failed {
		return r.Stack, errors.Wrap(ErrNoFit, "%s", t.Format(c.ISA))
	}
	return r.Stack, nil
}

// AssemblyRelax searches, from t, for the first form that fits at w and
// is at least minSteps steps away from t. When nothing fits, t itself is
// returned and the overflow is reported when it is encoded.
func (c *Context) AssemblyRelax(t insn.TInsn, w Where, minSteps int) Result {
	return c.run(Start(t, Unexpanded), w, minSteps)
}

func (c *Context) run(m Machine, w Where, minSteps int) Result {
	for !m.Done() {
		m = c.Next(m, w, minSteps)
	}
	return Result{Stack: m.Out, Steps: m.Steps, State: m.State}
}

// numericFits checks the operands that can be checked without addresses
func (c *Context) numericFits(t *insn.TInsn) bool {
	for i, op := range t.Operands() {
		if c.ISA.OperandIsPCRelative(t.Opcode, i) && !op.IsComplex() && (op.IsSymbolic() || op.Kind == insn.OpConstant) {
			// checked when the instruction has an address
			continue
		}
		if !c.OperandFits(t, i, Where{}) {
			return false
		}
	}
	return true
}
