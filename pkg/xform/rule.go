// Package xform holds the transition tables: pattern/replacement rules
// compiled against an ISA, used to narrow instructions (simplify) and to
// grow them when an operand does not fit (widen).
package xform

import (
	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
)

// ArgKind says where a replacement operand comes from
type ArgKind uint8

const (
	ArgOperand ArgKind = iota // an operand of the matched instruction
	ArgConst
	ArgReg
	ArgLiteral // the generated literal
	ArgLabel   // the generated label
)

// Arg is one operand of a replacement template
type Arg struct {
	Kind      ArgKind
	Index     int
	Value     int64
	Transform insn.Transform
}

// Template is one entry of a replacement
type Template struct {
	Kind   insn.Kind
	Opcode isa.Opcode
	Args   []Arg
}

// Cond is a precondition: operand A compared to operand B, or to Value
// when B is negative
type Cond struct {
	A     int
	B     int
	Value int64
	Equal bool
}

// Strategy classifies how a rule materializes a wide constant
type Strategy uint8

const (
	StrategyNone Strategy = iota
	StrategyLiteral
	StrategyConst16
)

func (s Strategy) String() string {
	switch s {
	case StrategyLiteral:
		return "literal"
	case StrategyConst16:
		return "const16"
	}
	return "none"
}

// Rule is a compiled pattern/replacement pair
type Rule struct {
	Opcode   isa.Opcode
	Conds    []Cond
	Repl     []Template
	Strategy Strategy

	Pattern     string
	Replacement string

	// key identifies the pattern without its capability terms
	key string
}

// IsSingle reports whether the replacement is exactly one instruction
func (r *Rule) IsSingle() bool {
	return len(r.Repl) == 1 && r.Repl[0].Kind == insn.KindInsn
}

// Last returns the opcode of the final instruction of the replacement
func (r *Rule) Last() isa.Opcode {
	for i := len(r.Repl) - 1; i >= 0; i-- {
		if r.Repl[i].Kind == insn.KindInsn {
			return r.Repl[i].Opcode
		}
	}
	return isa.NoOpcode
}

// Holds evaluates the preconditions against t. A condition on an operand
// that is not a constant or register never holds.
func (r *Rule) Holds(t *insn.TInsn) bool {
	if t.Kind != insn.KindInsn || t.Opcode != r.Opcode {
		return false
	}
	for _, c := range r.Conds {
		a := t.Ops[c.A]
		if !a.IsConstant() && !a.IsRegister() {
			return false
		}
		bv := c.Value
		if c.B >= 0 {
			b := t.Ops[c.B]
			if !b.IsConstant() && !b.IsRegister() {
				return false
			}
			bv = b.Value
		}
		if (a.Value == bv) != c.Equal {
			return false
		}
	}
	return true
}

// Instantiate builds the replacement for t. It fails when a transform
// cannot be applied to one of t's operands.
func (r *Rule) Instantiate(t *insn.TInsn) (insn.IStack, error) {
	var s insn.IStack
	for _, tp := range r.Repl {
		switch tp.Kind {
		case insn.KindLabel:
			l := insn.NewLabel()
			l.Pos = t.Pos
			s.Push(l)
		case insn.KindLiteral:
			v, err := tp.Args[0].operand(t)
			if err != nil {
				return s, err
			}
			l := insn.NewLiteral(v)
			l.Pos = t.Pos
			s.Push(l)
		default:
			n := insn.New(tp.Opcode)
			for _, a := range tp.Args {
				v, err := a.operand(t)
				if err != nil {
					return s, err
				}
				n.AddOperand(v)
			}
			n.Pos = t.Pos
			s.Push(n)
		}
	}
	return s, nil
}

func (a Arg) operand(t *insn.TInsn) (insn.Operand, error) {
	switch a.Kind {
	case ArgConst:
		return insn.Const(a.Value), nil
	case ArgReg:
		return insn.Reg(int(a.Value)), nil
	case ArgLiteral:
		return insn.LiteralRef(), nil
	case ArgLabel:
		return insn.LabelRef(), nil
	}
	return a.Transform.Apply(t.Ops[a.Index])
}
