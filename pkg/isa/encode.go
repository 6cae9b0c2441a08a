package isa

import (
	"encoding/binary"

	"github.com/nikandfor/errors"
)

// Encode maps an operand value to its bit field. For pc-relative fields the
// value is the displacement returned by Reloc.
func (f *Field) Encode(value int64) (uint64, error) {
	if len(f.Table) > 0 {
		for i, v := range f.Table {
			if v == value {
				return uint64(i), nil
			}
		}
		return 0, errors.Wrap(ErrOutOfRange, "%d not encodable in %s", value, f.Name)
	}

	v := value - f.Offset
	if v%f.Scale != 0 {
		return 0, errors.Wrap(ErrMisaligned, "%d in %s", value, f.Name)
	}
	v /= f.Scale

	lo, hi := f.fieldRange()
	if v < lo || v > hi {
		return 0, errors.Wrap(ErrOutOfRange, "%d not encodable in %s", value, f.Name)
	}
	if f.Negative {
		v += 1 << uint(f.Bits)
	}
	return uint64(v) & mask(f.Bits), nil
}

// Decode is the inverse of Encode
func (f *Field) Decode(field uint64) (int64, error) {
	if field > mask(f.Bits) {
		return 0, errors.Wrap(ErrOutOfRange, "field %#x wider than %s", field, f.Name)
	}
	if len(f.Table) > 0 {
		if field >= uint64(len(f.Table)) {
			return 0, errors.Wrap(ErrUnknownField, "table index %d in %s", field, f.Name)
		}
		return f.Table[field], nil
	}

	v := int64(field)
	switch {
	case f.Negative:
		v -= 1 << uint(f.Bits)
	case f.Signed && v >= 1<<uint(f.Bits-1):
		v -= 1 << uint(f.Bits)
	}
	return v*f.Scale + f.Offset, nil
}

// fieldRange is the range of the scaled value before it is stored
func (f *Field) fieldRange() (lo, hi int64) {
	switch {
	case f.Negative:
		return -(1 << uint(f.Bits)), -1
	case f.Signed:
		return -(1 << uint(f.Bits-1)), 1<<uint(f.Bits-1) - 1
	default:
		return 0, 1<<uint(f.Bits) - 1
	}
}

// Range returns the smallest and largest encodable values
func (f *Field) Range() (lo, hi int64) {
	if len(f.Table) > 0 {
		lo, hi = f.Table[0], f.Table[0]
		for _, v := range f.Table {
			lo, hi = min(lo, v), max(hi, v)
		}
		return lo, hi
	}
	lo, hi = f.fieldRange()
	return lo*f.Scale + f.Offset, hi*f.Scale + f.Offset
}

// base is the address pc-relative displacements are measured from
func (f *Field) base(pc int64) int64 {
	return (pc + f.PCBias) &^ (f.PCAlign - 1)
}

// Reloc converts an absolute target into the displacement stored by Encode
func (f *Field) Reloc(target, pc int64) int64 {
	return target - f.base(pc)
}

// Unreloc converts a displacement back to the absolute target
func (f *Field) Unreloc(offset, pc int64) int64 {
	return f.base(pc) + offset
}

// OperandEncode encodes value into the field of operand idx of op
func (x *ISA) OperandEncode(op Opcode, idx int, value int64) (uint64, error) {
	o := x.operand(op, idx)
	if o == nil {
		return 0, errors.New("%s has no operand %d", x.OpcodeName(op), idx)
	}
	if rf := o.Field.RegFile; rf >= 0 {
		if value < 0 || value >= int64(x.RegFiles[rf].Size) {
			return 0, errors.Wrap(ErrOutOfRange, "register %d", value)
		}
		return uint64(value), nil
	}
	return o.Field.Encode(value)
}

// OperandDecode decodes the field of operand idx of op
func (x *ISA) OperandDecode(op Opcode, idx int, field uint64) (int64, error) {
	o := x.operand(op, idx)
	if o == nil {
		return 0, errors.New("%s has no operand %d", x.OpcodeName(op), idx)
	}
	if o.Field.RegFile >= 0 {
		if field >= uint64(x.RegFiles[o.Field.RegFile].Size) {
			return 0, errors.Wrap(ErrOutOfRange, "register %d", field)
		}
		return int64(field), nil
	}
	return o.Field.Decode(field)
}

// OperandDoReloc turns the absolute target of a pc-relative operand into
// the value OperandEncode expects, given the address of the instruction
func (x *ISA) OperandDoReloc(op Opcode, idx int, target, pc int64) (int64, error) {
	o := x.operand(op, idx)
	if o == nil || !o.Field.PCRel {
		return 0, errors.New("%s operand %d is not pc-relative", x.OpcodeName(op), idx)
	}
	return o.Field.Reloc(target, pc), nil
}

// OperandUndoReloc is the inverse of OperandDoReloc
func (x *ISA) OperandUndoReloc(op Opcode, idx int, offset, pc int64) (int64, error) {
	o := x.operand(op, idx)
	if o == nil || !o.Field.PCRel {
		return 0, errors.New("%s operand %d is not pc-relative", x.OpcodeName(op), idx)
	}
	return o.Field.Unreloc(offset, pc), nil
}

// OperandField returns the encoding of operand idx, nil if there is none
func (x *ISA) OperandField(op Opcode, idx int) *Field {
	if o := x.operand(op, idx); o != nil {
		return o.Field
	}
	return nil
}

// EncodeBundle packs the selector of f and every slot into the issue word
func (x *ISA) EncodeBundle(f Format, slots []SlotEncoding) ([]byte, error) {
	fi := x.format(f)
	if fi == nil {
		return nil, errors.New("unknown format %d", f)
	}
	if len(slots) != len(fi.Slots) {
		return nil, errors.New("format %s has %d slots, got %d", fi.Name, len(fi.Slots), len(slots))
	}

	word := fi.SelValue
	for i, se := range slots {
		s := fi.Slots[i]
		code, ok := s.codes[se.Opcode]
		if !ok {
			return nil, errors.Wrap(ErrNotInSlot, "%s in %s", x.OpcodeName(se.Opcode), s.Name)
		}
		o := x.Opcodes[se.Opcode]
		if len(se.Fields) != len(o.Operands) {
			return nil, errors.New("%s: %d fields, want %d", o.Name, len(se.Fields), len(o.Operands))
		}

		content := code.value
		pos := code.bits
		for j, fv := range se.Fields {
			bits := o.Operands[j].Field.Bits
			if fv > mask(bits) {
				return nil, errors.Wrap(ErrOutOfRange, "%s operand %d field %#x", o.Name, j, fv)
			}
			content |= fv << uint(pos)
			pos += bits
		}
		word |= content << uint(s.Shift)
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	return append([]byte(nil), buf[:fi.Length]...), nil
}

// DecodeBundle decodes one issue word from the start of b
func (x *ISA) DecodeBundle(b []byte) (Format, []SlotEncoding, error) {
	if len(b) == 0 {
		return NoFormat, nil, errors.New("empty buffer")
	}

	f, fi := x.matchSelector(uint64(b[0]))
	if fi == nil {
		return NoFormat, nil, errors.Wrap(ErrUnknownField, "format selector %#x", b[0])
	}
	if len(b) < fi.Length {
		return NoFormat, nil, errors.New("format %s needs %d bytes, have %d", fi.Name, fi.Length, len(b))
	}

	var buf [8]byte
	copy(buf[:], b[:fi.Length])
	word := binary.LittleEndian.Uint64(buf[:])

	slots := make([]SlotEncoding, len(fi.Slots))
	for i, s := range fi.Slots {
		content := (word >> uint(s.Shift)) & mask(s.Bits)
		op, code, ok := s.match(content)
		if !ok {
			return NoFormat, nil, errors.Wrap(ErrUnknownField, "slot %s content %#x", s.Name, content)
		}
		o := x.Opcodes[op]
		fields := make([]uint64, len(o.Operands))
		pos := code.bits
		for j, opnd := range o.Operands {
			fields[j] = (content >> uint(pos)) & mask(opnd.Field.Bits)
			pos += opnd.Field.Bits
		}
		slots[i] = SlotEncoding{Opcode: op, Fields: fields}
	}
	return f, slots, nil
}

func (x *ISA) matchSelector(low uint64) (Format, *FormatInfo) {
	for i, fi := range x.Formats {
		if low&mask(fi.SelBits) == fi.SelValue {
			return Format(i), fi
		}
	}
	return NoFormat, nil
}

func (s *SlotInfo) match(content uint64) (Opcode, prefixCode, bool) {
	for _, op := range s.opcodes {
		c := s.codes[op]
		if content&mask(c.bits) == c.value {
			return op, c, true
		}
	}
	return NoOpcode, prefixCode{}, false
}
