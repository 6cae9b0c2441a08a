package bundle

import (
	"fmt"

	"github.com/nikandfor/errors"

	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
)

// Refs are the addresses of the generated literal and label of one slot
type Refs struct {
	Literal    int64
	HasLiteral bool
	Label      int64
	HasLabel   bool
}

// Env is what Encode knows about the bundle's placement
type Env struct {
	PC   int64
	Refs [MaxSlots]Refs
}

// Fixup is an operand left unresolved in the encoded bytes
type Fixup struct {
	Format  isa.Format
	Slot    int
	Opcode  isa.Opcode
	Operand int
	Op      insn.Operand
}

// OperandError is an operand that resolved but does not encode
type OperandError struct {
	Slot    int
	Operand int
	Opcode  isa.Opcode
	// PCRelative errors are user errors: relaxation gave up on the operand
	PCRelative bool
	Err        error
}

func (e *OperandError) Error() string {
	return fmt.Sprintf("slot %d operand %d: %v", e.Slot, e.Operand, e.Err)
}

func (e *OperandError) Unwrap() error { return e.Err }

// Encode produces the bytes of v placed at env.PC. Operands referring to
// undefined symbols encode as zero and are returned as fixups.
func Encode(o isa.Oracle, v *VliwInsn, env Env) ([]byte, []Fixup, error) {
	f := v.Format
	if f == isa.NoFormat && v.N == 1 {
		f = isa.SingleFormat(o, v.Slots[0].Opcode)
	}
	if f == isa.NoFormat {
		return nil, nil, errors.Wrap(ErrNoFormat, "%s", opcodeList(o, v))
	}
	diag.Assertf(o.FormatSlotCount(f) == v.N, "format %s has %d slots, bundle %d", o.FormatName(f), o.FormatSlotCount(f), v.N)

	var fixups []Fixup
	slots := make([]isa.SlotEncoding, v.N)
	for i := range v.Insns() {
		t := &v.Slots[i]
		diag.Assertf(t.Kind == insn.KindInsn, "slot %d holds a %v", i, t.Kind)
		diag.Assertf(t.NumOps == o.OperandCount(t.Opcode), "%s: %d operands", o.OpcodeName(t.Opcode), t.NumOps)

		fields := make([]uint64, t.NumOps)
		for j := range t.Operands() {
			val, ok := operandValue(o, t, j, env.PC, env.Refs[i])
			if !ok {
				fixups = append(fixups, Fixup{Format: f, Slot: i, Opcode: t.Opcode, Operand: j, Op: t.Ops[j]})
				continue
			}
			field, err := o.OperandEncode(t.Opcode, j, val)
			if err != nil {
				return nil, nil, &OperandError{
					Slot:       i,
					Operand:    j,
					Opcode:     t.Opcode,
					PCRelative: o.OperandIsPCRelative(t.Opcode, j) || t.Ops[j].IsSymbolic(),
					Err:        err,
				}
			}
			fields[j] = field
		}
		slots[i] = isa.SlotEncoding{Opcode: t.Opcode, Fields: fields}
	}

	b, err := o.EncodeBundle(f, slots)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode %s", v.String(o))
	}
	return b, fixups, nil
}

// operandValue is the number stored for operand i: a register, a constant
// or, for pc-relative operands, the displacement from pc
func operandValue(o isa.Oracle, t *insn.TInsn, i int, pc int64, refs Refs) (int64, bool) {
	op := t.Ops[i]
	var v int64
	switch op.Kind {
	case insn.OpRegister, insn.OpConstant:
		v = op.Value
	case insn.OpLiteralRef:
		if !refs.HasLiteral {
			return 0, false
		}
		v = refs.Literal
	case insn.OpLabelRef:
		if !refs.HasLabel {
			return 0, false
		}
		v = refs.Label
	default:
		r, ok := op.Resolve()
		if !ok {
			return 0, false
		}
		v = r
	}

	if op.Kind != insn.OpRegister && o.OperandIsPCRelative(t.Opcode, i) {
		d, err := o.OperandDoReloc(t.Opcode, i, v, pc)
		if err != nil {
			return 0, false
		}
		return d, true
	}
	return v, true
}

// Length is the encoded size of v
func Length(o isa.Oracle, v *VliwInsn) int {
	if v.Format != isa.NoFormat {
		return o.FormatLength(v.Format)
	}
	if v.N == 1 {
		return isa.InsnLength(o, v.Slots[0].Opcode)
	}
	return 0
}
