// Package isa is the ISA description oracle of the configurable VLIW core.
// It answers read-only queries about opcodes, operands, bit formats and
// hardware resources, and encodes/decodes operand fields and whole bundles.
// The description itself is data: a YAML file (see xtv.yaml for the default
// configuration) loaded by Load.
package isa

import (
	"github.com/nikandfor/errors"
)

// Opcode identifies an instruction; NoOpcode when a lookup fails
type Opcode int

// NoOpcode is returned by failed lookups
const NoOpcode Opcode = -1

// Format identifies a bit format (an issue-word layout)
type Format int

// NoFormat marks a bundle whose format is not determined yet
const NoFormat Format = -1

// Dir is the access direction of an operand, state or interface
type Dir byte

const (
	DirIn    Dir = 'i'
	DirOut   Dir = 'o'
	DirInOut Dir = 'm'
)

// Reads reports whether the access reads
func (d Dir) Reads() bool { return d == DirIn || d == DirInOut }

// Writes reports whether the access writes
func (d Dir) Writes() bool { return d == DirOut || d == DirInOut }

// Sentinel errors
var (
	ErrOutOfRange   = errors.New("value out of range")
	ErrMisaligned   = errors.New("value not a multiple of the operand scale")
	ErrNotInSlot    = errors.New("opcode not encodable in slot")
	ErrUnknownField = errors.New("unknown bit pattern")
)

// SlotRef names one slot of one format
type SlotRef struct {
	Format Format
	Slot   int
}

// RegAccess is an implicit register access (e.g. call0 writing a0)
type RegAccess struct {
	RegFile int
	Reg     int
	Dir     Dir
}

// StateAccess is an access to a named machine state
type StateAccess struct {
	State int
	Dir   Dir
}

// InterfaceAccess is an access to a named interface port
type InterfaceAccess struct {
	Interface int
	Dir       Dir
}

// UnitUse is one (functional unit, pipeline stage) reservation
type UnitUse struct {
	Unit  int
	Stage int
}

// Oracle is the query surface the assembler engine consumes
type Oracle interface {
	NumOpcodes() int
	OpcodeLookup(name string) Opcode
	OpcodeName(op Opcode) string
	OperandCount(op Opcode) int
	OperandIsRegister(op Opcode, idx int) bool
	OperandIsPCRelative(op Opcode, idx int) bool
	OperandIsVisible(op Opcode, idx int) bool
	OperandRegFile(op Opcode, idx int) int
	OperandDir(op Opcode, idx int) Dir
	OperandEncode(op Opcode, idx int, value int64) (uint64, error)
	OperandDecode(op Opcode, idx int, field uint64) (int64, error)
	OperandDoReloc(op Opcode, idx int, target, pc int64) (int64, error)
	OperandUndoReloc(op Opcode, idx int, offset, pc int64) (int64, error)

	OpcodeIsBranch(op Opcode) bool
	OpcodeIsJump(op Opcode) bool
	OpcodeIsCall(op Opcode) bool
	OpcodeIsLoop(op Opcode) bool
	OpcodeIsReturn(op Opcode) bool
	OpcodeIsNop(op Opcode) bool
	OpcodeImplicitRegs(op Opcode) []RegAccess
	OpcodeStates(op Opcode) []StateAccess
	OpcodeInterfaces(op Opcode) []InterfaceAccess
	OpcodeUnits(op Opcode) []UnitUse

	NumFormats() int
	FormatName(f Format) string
	FormatLength(f Format) int
	FormatSlotCount(f Format) int
	FormatSlotNop(f Format, slot int) Opcode
	SlotName(f Format, slot int) string
	FormatsContaining(op Opcode) []SlotRef
	SlotHolds(f Format, slot int, op Opcode) bool

	NumRegFiles() int
	RegFileName(rf int) string
	RegFileSize(rf int) int
	StateName(s int) string
	InterfaceName(i int) string
	InterfaceIsVolatile(i int) bool
	NumUnits() int
	UnitName(u int) string
	UnitCopies(u int) int

	HasCapability(name string) bool

	EncodeBundle(f Format, slots []SlotEncoding) ([]byte, error)
	DecodeBundle(b []byte) (Format, []SlotEncoding, error)
}

// SlotEncoding is the per-slot content of an encoded bundle: the opcode and
// its already-encoded operand fields
type SlotEncoding struct {
	Opcode Opcode
	Fields []uint64
}

// RegFile is a register file
type RegFile struct {
	Name  string
	Short string
	Size  int
	Bits  int
}

// Interface is a named side-effecting port
type Interface struct {
	Name     string
	Volatile bool
}

// Unit is a functional unit with a number of identical copies
type Unit struct {
	Name   string
	Copies int
}

// Field is an operand encoding: how a value maps to a bit field
type Field struct {
	Name     string
	Bits     int
	RegFile  int // -1 for immediates
	Signed   bool
	Scale    int64
	Offset   int64
	Table    []int64
	PCRel    bool
	PCBias   int64
	PCAlign  int64
	Negative bool
}

// Operand is one operand of an opcode
type Operand struct {
	Field *Field
	Dir   Dir
}

// OpcodeInfo describes one opcode
type OpcodeInfo struct {
	Name       string
	Operands   []Operand
	Branch     bool
	Jump       bool
	Call       bool
	Loop       bool
	Return     bool
	Nop        bool
	Implicit   []RegAccess
	States     []StateAccess
	Interfaces []InterfaceAccess
	Units      []UnitUse
	slots      []SlotRef
}

// operandBits is the total width of the opcode's operand fields
func (o *OpcodeInfo) operandBits() int {
	n := 0
	for _, opnd := range o.Operands {
		n += opnd.Field.Bits
	}
	return n
}

// SlotInfo is one slot of a format
type SlotInfo struct {
	Name    string
	Shift   int // bit offset inside the issue word
	Bits    int
	Nop     Opcode
	codes   map[Opcode]prefixCode
	opcodes []Opcode
}

// prefixCode is the slot-local opcode pattern, stored in the low bits
type prefixCode struct {
	value uint64
	bits  int
}

// FormatInfo describes one bit format
type FormatInfo struct {
	Name     string
	Length   int
	SelBits  int
	SelValue uint64
	Slots    []*SlotInfo
}

// ISA is a loaded description; it implements Oracle
type ISA struct {
	Name         string
	Capabilities map[string]bool
	RegFiles     []RegFile
	States       []string
	Interfaces   []Interface
	Units        []Unit
	Fields       map[string]*Field
	Opcodes      []*OpcodeInfo
	Formats      []*FormatInfo

	opcodeByName map[string]Opcode
}

var _ Oracle = (*ISA)(nil)

func (x *ISA) opcode(op Opcode) *OpcodeInfo {
	if op < 0 || int(op) >= len(x.Opcodes) {
		return nil
	}
	return x.Opcodes[op]
}

func (x *ISA) operand(op Opcode, idx int) *Operand {
	o := x.opcode(op)
	if o == nil || idx < 0 || idx >= len(o.Operands) {
		return nil
	}
	return &o.Operands[idx]
}

// NumOpcodes returns the number of opcodes
func (x *ISA) NumOpcodes() int { return len(x.Opcodes) }

// OpcodeLookup finds an opcode by name
func (x *ISA) OpcodeLookup(name string) Opcode {
	if op, ok := x.opcodeByName[name]; ok {
		return op
	}
	return NoOpcode
}

// OpcodeName returns the mnemonic of op
func (x *ISA) OpcodeName(op Opcode) string {
	if o := x.opcode(op); o != nil {
		return o.Name
	}
	return "<unknown>"
}

// OperandCount returns the number of operands of op, -1 if op is invalid
func (x *ISA) OperandCount(op Opcode) int {
	if o := x.opcode(op); o != nil {
		return len(o.Operands)
	}
	return -1
}

// OperandIsRegister reports whether operand idx names a register
func (x *ISA) OperandIsRegister(op Opcode, idx int) bool {
	o := x.operand(op, idx)
	return o != nil && o.Field.RegFile >= 0
}

// OperandIsPCRelative reports whether operand idx is encoded relative to the pc
func (x *ISA) OperandIsPCRelative(op Opcode, idx int) bool {
	o := x.operand(op, idx)
	return o != nil && o.Field.PCRel
}

// OperandIsVisible reports whether operand idx appears in assembly syntax.
// Implicit accesses are kept apart, so every declared operand is visible.
func (x *ISA) OperandIsVisible(op Opcode, idx int) bool {
	return x.operand(op, idx) != nil
}

// OperandRegFile returns the register file of operand idx, or -1
func (x *ISA) OperandRegFile(op Opcode, idx int) int {
	if o := x.operand(op, idx); o != nil {
		return o.Field.RegFile
	}
	return -1
}

// OperandDir returns the access direction of operand idx
func (x *ISA) OperandDir(op Opcode, idx int) Dir {
	if o := x.operand(op, idx); o != nil {
		return o.Dir
	}
	return DirIn
}

func (x *ISA) OpcodeIsBranch(op Opcode) bool { o := x.opcode(op); return o != nil && o.Branch }
func (x *ISA) OpcodeIsJump(op Opcode) bool   { o := x.opcode(op); return o != nil && o.Jump }
func (x *ISA) OpcodeIsCall(op Opcode) bool   { o := x.opcode(op); return o != nil && o.Call }
func (x *ISA) OpcodeIsLoop(op Opcode) bool   { o := x.opcode(op); return o != nil && o.Loop }
func (x *ISA) OpcodeIsReturn(op Opcode) bool { o := x.opcode(op); return o != nil && o.Return }
func (x *ISA) OpcodeIsNop(op Opcode) bool    { o := x.opcode(op); return o != nil && o.Nop }

// OpcodeImplicitRegs returns the registers op accesses without naming them
func (x *ISA) OpcodeImplicitRegs(op Opcode) []RegAccess {
	if o := x.opcode(op); o != nil {
		return o.Implicit
	}
	return nil
}

// OpcodeStates returns the machine states op accesses
func (x *ISA) OpcodeStates(op Opcode) []StateAccess {
	if o := x.opcode(op); o != nil {
		return o.States
	}
	return nil
}

// OpcodeInterfaces returns the interface ports op accesses
func (x *ISA) OpcodeInterfaces(op Opcode) []InterfaceAccess {
	if o := x.opcode(op); o != nil {
		return o.Interfaces
	}
	return nil
}

// OpcodeUnits returns the functional-unit reservations of op
func (x *ISA) OpcodeUnits(op Opcode) []UnitUse {
	if o := x.opcode(op); o != nil {
		return o.Units
	}
	return nil
}

func (x *ISA) format(f Format) *FormatInfo {
	if f < 0 || int(f) >= len(x.Formats) {
		return nil
	}
	return x.Formats[f]
}

// NumFormats returns the number of formats
func (x *ISA) NumFormats() int { return len(x.Formats) }

// FormatName returns the name of f
func (x *ISA) FormatName(f Format) string {
	if fi := x.format(f); fi != nil {
		return fi.Name
	}
	return "<none>"
}

// FormatLength returns the encoded length of f in bytes
func (x *ISA) FormatLength(f Format) int {
	if fi := x.format(f); fi != nil {
		return fi.Length
	}
	return 0
}

// FormatSlotCount returns the number of slots in f
func (x *ISA) FormatSlotCount(f Format) int {
	if fi := x.format(f); fi != nil {
		return len(fi.Slots)
	}
	return 0
}

// FormatSlotNop returns the no-op opcode for a slot
func (x *ISA) FormatSlotNop(f Format, slot int) Opcode {
	fi := x.format(f)
	if fi == nil || slot < 0 || slot >= len(fi.Slots) {
		return NoOpcode
	}
	return fi.Slots[slot].Nop
}

// FormatsContaining lists every (format, slot) that can hold op, in format-table order
func (x *ISA) FormatsContaining(op Opcode) []SlotRef {
	if o := x.opcode(op); o != nil {
		return o.slots
	}
	return nil
}

// SlotHolds reports whether op is encodable in slot of format f
func (x *ISA) SlotHolds(f Format, slot int, op Opcode) bool {
	fi := x.format(f)
	if fi == nil || slot < 0 || slot >= len(fi.Slots) {
		return false
	}
	_, ok := fi.Slots[slot].codes[op]
	return ok
}

// SlotName returns the name of a slot
func (x *ISA) SlotName(f Format, slot int) string {
	fi := x.format(f)
	if fi == nil || slot < 0 || slot >= len(fi.Slots) {
		return "<none>"
	}
	return fi.Slots[slot].Name
}

// NumRegFiles returns the number of register files
func (x *ISA) NumRegFiles() int { return len(x.RegFiles) }

// RegFileName returns the short assembly prefix of a register file
func (x *ISA) RegFileName(rf int) string {
	if rf < 0 || rf >= len(x.RegFiles) {
		return "?"
	}
	return x.RegFiles[rf].Short
}

// RegFileSize returns the number of registers in a register file
func (x *ISA) RegFileSize(rf int) int {
	if rf < 0 || rf >= len(x.RegFiles) {
		return 0
	}
	return x.RegFiles[rf].Size
}

// RegFileLookup finds a register file by its short name, -1 if none
func (x *ISA) RegFileLookup(short string) int {
	for i, rf := range x.RegFiles {
		if rf.Short == short {
			return i
		}
	}
	return -1
}

// StateName returns the name of a machine state
func (x *ISA) StateName(s int) string {
	if s < 0 || s >= len(x.States) {
		return "?"
	}
	return x.States[s]
}

// InterfaceName returns the name of an interface port
func (x *ISA) InterfaceName(i int) string {
	if i < 0 || i >= len(x.Interfaces) {
		return "?"
	}
	return x.Interfaces[i].Name
}

// InterfaceIsVolatile reports whether accessing the port has side effects
func (x *ISA) InterfaceIsVolatile(i int) bool {
	return i >= 0 && i < len(x.Interfaces) && x.Interfaces[i].Volatile
}

// NumUnits returns the number of functional units
func (x *ISA) NumUnits() int { return len(x.Units) }

// UnitName returns the name of a functional unit
func (x *ISA) UnitName(u int) string {
	if u < 0 || u >= len(x.Units) {
		return "?"
	}
	return x.Units[u].Name
}

// UnitCopies returns how many copies of a unit issue per cycle
func (x *ISA) UnitCopies(u int) int {
	if u < 0 || u >= len(x.Units) {
		return 0
	}
	return x.Units[u].Copies
}

// HasCapability reports a named configuration capability
func (x *ISA) HasCapability(name string) bool {
	return x.Capabilities[name]
}
