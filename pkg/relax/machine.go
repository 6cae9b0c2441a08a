package relax

import (
	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/xform"
)

// State of the relaxation state machine
type State uint8

const (
	Unexpanded State = iota
	Simplified
	SingleWidened
	MultiWidened
	Failed
	Accepted
)

var stateNames = [...]string{
	Unexpanded:    "unexpanded",
	Simplified:    "simplified",
	SingleWidened: "single-widened",
	MultiWidened:  "multi-widened",
	Failed:        "failed",
	Accepted:      "accepted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "?"
}

// maxForms bounds the chain of single-instruction widenings
const maxForms = 8

// Machine is one point in the search for a fitting form.
//
// Steps count as follows: 0 is the starting form, 1..n the successive
// single-instruction widenings, and after those each lateral alternative
// takes one step whether or not it applies. The numbering depends only on
// the starting instruction, so a step number recorded in one layout pass
// names the same form in the next.
type Machine struct {
	State State
	Steps int
	Alt   int

	// Forms holds the starting form and every single widening of it
	Forms []insn.TInsn
	Out   insn.IStack
}

// Start returns the initial machine for t
func Start(t insn.TInsn, s State) Machine {
	return Machine{State: s, Forms: []insn.TInsn{t}}
}

// Cur returns the current single-instruction form
func (m *Machine) Cur() *insn.TInsn {
	return &m.Forms[len(m.Forms)-1]
}

// Done reports whether m is terminal
func (m *Machine) Done() bool {
	return m.State == Accepted || m.State == Failed
}

// Next is the transition function. It does not modify m.
func (c *Context) Next(m Machine, w Where, minSteps int) Machine {
	switch m.State {
	case Unexpanded, Simplified, SingleWidened:
		cur := m.Cur()
		if m.Steps >= minSteps && c.Fits(cur, w) {
			out := *cur
			if m.Steps > 0 {
				out.Subtype = insn.Step(m.Steps)
			}
			m.State = Accepted
			m.Out = insn.IStack{}
			m.Out.Push(out)
			return m
		}
		if next, ok := c.WidenOnce(cur); ok && len(m.Forms) < maxForms {
			forms := make([]insn.TInsn, len(m.Forms), len(m.Forms)+1)
			copy(forms, m.Forms)
			m.Forms = append(forms, next)
			m.State = SingleWidened
			m.Steps++
			return m
		}
		m.State = MultiWidened
		m.Alt = 0
		return m

	case MultiWidened:
		alts := c.alternatives(m.Forms)
		if m.Alt >= len(alts) {
			m.State = Failed
			m.Out = insn.IStack{}
			m.Out.Push(m.Forms[0])
			return m
		}
		a := alts[m.Alt]
		m.Alt++
		m.Steps = len(m.Forms) - 1 + m.Alt
		if m.Steps < minSteps || !a.rule.Holds(a.form) {
			return m
		}
		s, err := a.rule.Instantiate(a.form)
		if err != nil || !c.StackFits(&s, w) {
			return m
		}
		for i := range s.Insns() {
			s.At(i).Subtype = insn.Step(m.Steps)
			s.At(i).IsBranchTarget = false
			s.At(i).IsLoopTarget = false
		}
		// the first emitted instruction inherits the alignment marks
		for i := range s.Insns() {
			if s.At(i).Kind == insn.KindInsn {
				s.At(i).IsBranchTarget = m.Forms[0].IsBranchTarget
				s.At(i).IsLoopTarget = m.Forms[0].IsLoopTarget
				break
			}
		}
		m.State = Accepted
		m.Out = s
		return m
	}
	return m
}

// WidenOnce applies the first single-instruction widening of t that does
// not shrink it
func (c *Context) WidenOnce(t *insn.TInsn) (insn.TInsn, bool) {
	if t.ForceNoTransform || !c.Opts.Transform {
		return insn.TInsn{}, false
	}
	for _, r := range c.WidenTable.Rules(t.Opcode) {
		if !r.IsSingle() || !r.Holds(t) {
			continue
		}
		s, err := r.Instantiate(t)
		if err != nil {
			continue
		}
		n := *s.At(0)
		if c.Size(&n) < c.Size(t) {
			continue
		}
		n.IsBranchTarget = t.IsBranchTarget
		n.IsLoopTarget = t.IsLoopTarget
		return n, true
	}
	return insn.TInsn{}, false
}

type alternative struct {
	rule *xform.Rule
	form *insn.TInsn
}

// alternatives lists the multi-instruction rules of every form, widest
// form first, each in table order
func (c *Context) alternatives(forms []insn.TInsn) []alternative {
	if forms[0].ForceNoTransform || !c.Opts.Transform {
		return nil
	}
	var alts []alternative
	for i := len(forms) - 1; i >= 0; i-- {
		for _, r := range c.WidenTable.Rules(forms[i].Opcode) {
			if !r.IsSingle() {
				alts = append(alts, alternative{rule: r, form: &forms[i]})
			}
		}
	}
	return alts
}

// Worst is the largest instruction-stream size any step from t can take.
// The layout uses it to bound how far a frag may grow.
func (c *Context) Worst(t insn.TInsn) int {
	forms := []insn.TInsn{t}
	worst := c.Size(&t)
	for len(forms) < maxForms {
		next, ok := c.WidenOnce(&forms[len(forms)-1])
		if !ok {
			break
		}
		forms = append(forms, next)
		worst = max(worst, c.Size(&next))
	}
	for _, a := range c.alternatives(forms) {
		if !a.rule.Holds(a.form) {
			continue
		}
		if s, err := a.rule.Instantiate(a.form); err == nil {
			worst = max(worst, c.StackSize(&s))
		}
	}
	return worst
}
