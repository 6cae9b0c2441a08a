// Package insn defines the instruction occurrence (TInsn), its operands and
// the bounded instruction stack produced by expanding one source instruction.
package insn

import (
	"fmt"

	"github.com/raymyers/ralph-as/pkg/diag"
)

// Symbol is what a symbolic operand refers to. The layout implements it.
type Symbol interface {
	Name() string
	// Address returns the current address estimate and whether the symbol is defined
	Address() (addr int64, defined bool)
	// Section returns the section id; meaningful only for defined symbols
	Section() int
}

// OperandKind tags an Operand
type OperandKind uint8

const (
	OpNone OperandKind = iota
	OpConstant
	OpRegister
	OpSymbol

	// intermediate tags, resolved before encoding
	OpLowHalf
	OpHighHalf
	OpPlt
	OpLiteralRef
	OpLabelRef
)

var operandKindNames = [...]string{
	OpNone:       "none",
	OpConstant:   "constant",
	OpRegister:   "register",
	OpSymbol:     "symbol",
	OpLowHalf:    "low16",
	OpHighHalf:   "high16",
	OpPlt:        "plt",
	OpLiteralRef: "literal",
	OpLabelRef:   "label",
}

func (k OperandKind) String() string {
	if int(k) < len(operandKindNames) {
		return operandKindNames[k]
	}
	return fmt.Sprintf("OperandKind(%d)", k)
}

// Operand is a tagged union. Value is the constant, the register number or
// the addend of a symbolic operand. Sub, when set, makes the operand the
// difference Sym - Sub + Value, which only a literal can hold.
type Operand struct {
	Kind  OperandKind
	Value int64
	Sym   Symbol
	Sub   Symbol
}

// Const makes a constant operand
func Const(v int64) Operand { return Operand{Kind: OpConstant, Value: v} }

// Reg makes a register operand
func Reg(r int) Operand { return Operand{Kind: OpRegister, Value: int64(r)} }

// Sym makes a symbol+offset operand
func Sym(s Symbol, off int64) Operand { return Operand{Kind: OpSymbol, Sym: s, Value: off} }

// Diff makes the operand a - b + off
func Diff(a, b Symbol, off int64) Operand { return Operand{Kind: OpSymbol, Sym: a, Sub: b, Value: off} }

// LiteralRef refers to the literal generated by the current expansion
func LiteralRef() Operand { return Operand{Kind: OpLiteralRef} }

// LabelRef refers to the label generated by the current expansion
func LabelRef() Operand { return Operand{Kind: OpLabelRef} }

func (o Operand) IsConstant() bool { return o.Kind == OpConstant }
func (o Operand) IsRegister() bool { return o.Kind == OpRegister }

// IsSymbolic reports whether the value depends on an address
func (o Operand) IsSymbolic() bool {
	switch o.Kind {
	case OpSymbol, OpLowHalf, OpHighHalf, OpPlt, OpLiteralRef, OpLabelRef:
		return true
	}
	return false
}

// IsComplex reports whether the operand does not reduce to symbol+constant
func (o Operand) IsComplex() bool {
	return o.Sub != nil
}

// AsConstant returns the constant; the operand must be a constant
func (o Operand) AsConstant() int64 {
	diag.Assertf(o.Kind == OpConstant, "AsConstant on %v operand", o.Kind)
	return o.Value
}

// AsRegister returns the register number; the operand must be a register
func (o Operand) AsRegister() int {
	diag.Assertf(o.Kind == OpRegister, "AsRegister on %v operand", o.Kind)
	return int(o.Value)
}

// Equal compares two operands structurally
func (o Operand) Equal(p Operand) bool {
	return o.Kind == p.Kind && o.Value == p.Value && o.Sym == p.Sym && o.Sub == p.Sub
}

// Target returns the current address the operand refers to.
// It reports false for an undefined symbol.
func (o Operand) Target() (int64, bool) {
	if o.Sym == nil {
		return 0, false
	}
	a, ok := o.Sym.Address()
	if !ok {
		return 0, false
	}
	if o.Sub != nil {
		b, ok := o.Sub.Address()
		if !ok {
			return 0, false
		}
		a -= b
	}
	return a + o.Value, true
}

// Resolve computes the final value of a symbolic operand once addresses are known
func (o Operand) Resolve() (int64, bool) {
	switch o.Kind {
	case OpConstant, OpRegister:
		return o.Value, true
	}
	v, ok := o.Target()
	if !ok {
		return 0, false
	}
	switch o.Kind {
	case OpLowHalf:
		return v & 0xffff, true
	case OpHighHalf:
		return (v >> 16) & 0xffff, true
	}
	return v, true
}

func (o Operand) String() string {
	switch o.Kind {
	case OpConstant:
		return fmt.Sprintf("%d", o.Value)
	case OpRegister:
		return fmt.Sprintf("r%d", o.Value)
	case OpLiteralRef:
		return "%LITERAL"
	case OpLabelRef:
		return "%LABEL"
	case OpNone:
		return "<none>"
	}

	s := "?"
	if o.Sym != nil {
		s = o.Sym.Name()
	}
	if o.Sub != nil {
		s += "-" + o.Sub.Name()
	}
	if o.Value > 0 {
		s += fmt.Sprintf("+%d", o.Value)
	} else if o.Value < 0 {
		s += fmt.Sprintf("%d", o.Value)
	}
	switch o.Kind {
	case OpLowHalf:
		return "%lo(" + s + ")"
	case OpHighHalf:
		return "%hi(" + s + ")"
	case OpPlt:
		return s + "@plt"
	}
	return s
}
