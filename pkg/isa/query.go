package isa

// SingleFormat returns the first single-slot format holding op, or NoFormat
func SingleFormat(o Oracle, op Opcode) Format {
	for _, ref := range o.FormatsContaining(op) {
		if o.FormatSlotCount(ref.Format) == 1 {
			return ref.Format
		}
	}
	return NoFormat
}

// InsnLength is the size in bytes of op issued on its own, 0 if it cannot be
func InsnLength(o Oracle, op Opcode) int {
	f := SingleFormat(o, op)
	if f == NoFormat {
		return 0
	}
	return o.FormatLength(f)
}

// FormatsWithSlots lists the formats with exactly n slots, in table order
func FormatsWithSlots(o Oracle, n int) []Format {
	var r []Format
	for f := 0; f < o.NumFormats(); f++ {
		if o.FormatSlotCount(Format(f)) == n {
			r = append(r, Format(f))
		}
	}
	return r
}

// NopLength is the size of the narrowest stand-alone no-op, and whether
// any exists
func NopLength(o Oracle) (int, bool) {
	best := 0
	for op := 0; op < o.NumOpcodes(); op++ {
		if !o.OpcodeIsNop(Opcode(op)) {
			continue
		}
		if l := InsnLength(o, Opcode(op)); l > 0 && (best == 0 || l < best) {
			best = l
		}
	}
	return best, best > 0
}

// NopOfLength returns a stand-alone no-op whose encoding is exactly n bytes
func NopOfLength(o Oracle, n int) Opcode {
	for op := 0; op < o.NumOpcodes(); op++ {
		if o.OpcodeIsNop(Opcode(op)) && InsnLength(o, Opcode(op)) == n {
			return Opcode(op)
		}
	}
	return NoOpcode
}
