package insn

import (
	"strconv"
	"strings"

	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/isa"
)

// MaxOperands bounds the operand list of one instruction
const MaxOperands = 10

// Kind of a TInsn entry
type Kind uint8

const (
	KindInsn Kind = iota
	KindLiteral
	KindLabel
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindLabel:
		return "label"
	}
	return "insn"
}

// Subtype records which relaxation the engine applied
type Subtype int

const (
	SubtypeNone Subtype = iota
	SubtypeNarrow
	subtypeStep0
)

// Step returns the subtype of the n-th immediate widening step
func Step(n int) Subtype { return subtypeStep0 + Subtype(n) }

// IsStep reports whether s is a widening step and which one
func (s Subtype) IsStep() (int, bool) {
	if s >= subtypeStep0 {
		return int(s - subtypeStep0), true
	}
	return 0, false
}

// TInsn is one instruction occurrence. It is a value type: copying a TInsn
// copies its operands.
type TInsn struct {
	Kind   Kind
	Opcode isa.Opcode
	Ops    [MaxOperands]Operand
	NumOps int

	// ForceNoTransform forbids any rewrite; a non-fit is an error
	ForceNoTransform bool
	Subtype          Subtype
	Pos              diag.Pos

	// IsBranchTarget is set on the first instruction after a label that a
	// branch refers to
	IsBranchTarget bool
	// IsLoopTarget is set on the first instruction of a loop body
	IsLoopTarget bool
}

// New makes an instruction
func New(op isa.Opcode, ops ...Operand) TInsn {
	diag.Assertf(len(ops) <= MaxOperands, "%d operands", len(ops))
	t := TInsn{Kind: KindInsn, Opcode: op, NumOps: len(ops)}
	copy(t.Ops[:], ops)
	return t
}

// NewLiteral makes a literal definition holding v
func NewLiteral(v Operand) TInsn {
	t := TInsn{Kind: KindLiteral, Opcode: isa.NoOpcode, NumOps: 1}
	t.Ops[0] = v
	return t
}

// NewLabel makes a generated label definition
func NewLabel() TInsn {
	return TInsn{Kind: KindLabel, Opcode: isa.NoOpcode}
}

// Operands returns the used part of the operand array
func (t *TInsn) Operands() []Operand {
	return t.Ops[:t.NumOps]
}

// AddOperand appends an operand
func (t *TInsn) AddOperand(o Operand) {
	diag.Assertf(t.NumOps < MaxOperands, "operand overflow")
	t.Ops[t.NumOps] = o
	t.NumOps++
}

// HasSymbolic reports whether any operand depends on an address
func (t *TInsn) HasSymbolic() bool {
	for _, o := range t.Operands() {
		if o.IsSymbolic() {
			return true
		}
	}
	return false
}

// HasComplex reports whether any operand is a difference of two symbols
func (t *TInsn) HasComplex() bool {
	for _, o := range t.Operands() {
		if o.IsComplex() {
			return true
		}
	}
	return false
}

// Format prints the instruction in assembly syntax
func (t *TInsn) Format(o isa.Oracle) string {
	var b strings.Builder
	switch t.Kind {
	case KindLiteral:
		b.WriteString(".literal ")
		b.WriteString(t.Ops[0].String())
		return b.String()
	case KindLabel:
		return "%LABEL:"
	}

	b.WriteString(o.OpcodeName(t.Opcode))
	for i, op := range t.Operands() {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		if op.Kind == OpRegister && o.OperandIsRegister(t.Opcode, i) {
			b.WriteString(o.RegFileName(o.OperandRegFile(t.Opcode, i)))
			b.WriteString(strconv.FormatInt(op.Value, 10))
			continue
		}
		b.WriteString(op.String())
	}
	return b.String()
}
