package isa

import (
	"bytes"
	_ "embed"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nikandfor/errors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

//go:embed xtv.yaml
var defaultDescription []byte

var (
	defaultOnce sync.Once
	defaultISA  *ISA
	defaultErr  error
)

// Default returns the embedded reference configuration. It is loaded once
// and shared; the returned ISA must not be modified.
func Default() (*ISA, error) {
	defaultOnce.Do(func() {
		defaultISA, defaultErr = Load(bytes.NewReader(defaultDescription))
	})
	return defaultISA, defaultErr
}

// DefaultDescription returns the raw YAML of the embedded configuration
func DefaultDescription() []byte {
	return slices.Clone(defaultDescription)
}

// LoadFile loads a description from a YAML file
func LoadFile(path string) (*ISA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open isa description")
	}
	defer f.Close()

	x, err := Load(f)
	if err != nil {
		return nil, errors.Wrap(err, "%s", path)
	}
	return x, nil
}

// YAML schema

type isaFile struct {
	Name         string               `yaml:"name"`
	Capabilities []string             `yaml:"capabilities"`
	RegFiles     []regFileSpec        `yaml:"regfiles"`
	States       []string             `yaml:"states"`
	Interfaces   []interfaceSpec      `yaml:"interfaces"`
	Units        []unitSpec           `yaml:"units"`
	Fields       map[string]fieldSpec `yaml:"fields"`
	Opcodes      []opcodeSpec         `yaml:"opcodes"`
	Formats      []formatSpec         `yaml:"formats"`
}

type regFileSpec struct {
	Name  string `yaml:"name"`
	Short string `yaml:"short"`
	Size  int    `yaml:"size"`
}

type interfaceSpec struct {
	Name     string `yaml:"name"`
	Volatile bool   `yaml:"volatile"`
}

type unitSpec struct {
	Name   string `yaml:"name"`
	Copies int    `yaml:"copies"`
}

type fieldSpec struct {
	RegFile  string  `yaml:"regfile"`
	Bits     int     `yaml:"bits"`
	Signed   bool    `yaml:"signed"`
	Scale    int64   `yaml:"scale"`
	Offset   int64   `yaml:"offset"`
	Table    []int64 `yaml:"table"`
	PCRel    bool    `yaml:"pcrel"`
	PCBias   int64   `yaml:"pcbias"`
	PCAlign  int64   `yaml:"pcalign"`
	Negative bool    `yaml:"negative"`
}

type opcodeSpec struct {
	Name       string   `yaml:"name"`
	Operands   []string `yaml:"operands"`
	Flags      []string `yaml:"flags"`
	Implicit   []string `yaml:"implicit"`
	States     []string `yaml:"states"`
	Interfaces []string `yaml:"interfaces"`
	Units      []string `yaml:"units"`
}

type formatSpec struct {
	Name     string       `yaml:"name"`
	Length   int          `yaml:"length"`
	Selector selectorSpec `yaml:"selector"`
	Slots    []slotSpec   `yaml:"slots"`
}

type selectorSpec struct {
	Bits  int    `yaml:"bits"`
	Value uint64 `yaml:"value"`
}

type slotSpec struct {
	Name    string   `yaml:"name"`
	Bits    int      `yaml:"bits"`
	Opcodes []string `yaml:"opcodes"`
}

// Load parses and validates a YAML ISA description
func Load(r io.Reader) (*ISA, error) {
	var spec isaFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, errors.Wrap(err, "decode isa description")
	}
	return build(&spec)
}

func build(spec *isaFile) (*ISA, error) {
	x := &ISA{
		Name:         spec.Name,
		Capabilities: make(map[string]bool),
		States:       spec.States,
		Fields:       make(map[string]*Field),
		opcodeByName: make(map[string]Opcode),
	}
	for _, c := range spec.Capabilities {
		x.Capabilities[c] = true
	}

	for _, rf := range spec.RegFiles {
		if rf.Size <= 0 {
			return nil, errors.New("register file %s: size must be positive", rf.Name)
		}
		x.RegFiles = append(x.RegFiles, RegFile{Name: rf.Name, Short: rf.Short, Size: rf.Size, Bits: bitsFor(rf.Size)})
	}
	for _, i := range spec.Interfaces {
		x.Interfaces = append(x.Interfaces, Interface{Name: i.Name, Volatile: i.Volatile})
	}
	for _, u := range spec.Units {
		if u.Copies <= 0 {
			return nil, errors.New("unit %s: copies must be positive", u.Name)
		}
		x.Units = append(x.Units, Unit{Name: u.Name, Copies: u.Copies})
	}

	for name, fs := range spec.Fields {
		f, err := x.buildField(name, fs)
		if err != nil {
			return nil, err
		}
		x.Fields[name] = f
	}

	for _, oc := range spec.Opcodes {
		if _, dup := x.opcodeByName[oc.Name]; dup {
			return nil, errors.New("opcode %s defined twice", oc.Name)
		}
		o, err := x.buildOpcode(oc)
		if err != nil {
			return nil, errors.Wrap(err, "opcode %s", oc.Name)
		}
		x.opcodeByName[o.Name] = Opcode(len(x.Opcodes))
		x.Opcodes = append(x.Opcodes, o)
	}

	for _, fs := range spec.Formats {
		f, err := x.buildFormat(fs)
		if err != nil {
			return nil, errors.Wrap(err, "format %s", fs.Name)
		}
		x.Formats = append(x.Formats, f)
	}
	if err := x.checkSelectors(); err != nil {
		return nil, err
	}

	for fi, f := range x.Formats {
		for si, s := range f.Slots {
			for _, op := range s.opcodes {
				o := x.Opcodes[op]
				o.slots = append(o.slots, SlotRef{Format: Format(fi), Slot: si})
			}
		}
	}
	return x, nil
}

func (x *ISA) buildField(name string, fs fieldSpec) (*Field, error) {
	f := &Field{
		Name:     name,
		Bits:     fs.Bits,
		RegFile:  -1,
		Signed:   fs.Signed,
		Scale:    fs.Scale,
		Offset:   fs.Offset,
		Table:    fs.Table,
		PCRel:    fs.PCRel,
		PCBias:   fs.PCBias,
		PCAlign:  fs.PCAlign,
		Negative: fs.Negative,
	}
	if f.Bits <= 0 || f.Bits > 32 {
		return nil, errors.New("field %s: bits must be in 1..32", name)
	}
	if f.Scale == 0 {
		f.Scale = 1
	}
	if f.PCAlign == 0 {
		f.PCAlign = 1
	}
	if f.PCAlign&(f.PCAlign-1) != 0 {
		return nil, errors.New("field %s: pcalign must be a power of two", name)
	}
	if len(f.Table) > 0 && len(f.Table) > 1<<uint(f.Bits) {
		return nil, errors.New("field %s: table larger than field", name)
	}
	if fs.RegFile != "" {
		f.RegFile = x.RegFileLookup(fs.RegFile)
		if f.RegFile < 0 {
			return nil, errors.New("field %s: unknown register file %q", name, fs.RegFile)
		}
		if x.RegFiles[f.RegFile].Bits > f.Bits {
			return nil, errors.New("field %s: too narrow for register file %s", name, fs.RegFile)
		}
	}
	return f, nil
}

func (x *ISA) buildOpcode(oc opcodeSpec) (*OpcodeInfo, error) {
	o := &OpcodeInfo{Name: oc.Name}
	for _, s := range oc.Operands {
		name, dir, err := splitDir(s)
		if err != nil {
			return nil, err
		}
		f, ok := x.Fields[name]
		if !ok {
			return nil, errors.New("unknown operand field %q", name)
		}
		o.Operands = append(o.Operands, Operand{Field: f, Dir: dir})
	}
	for _, fl := range oc.Flags {
		switch fl {
		case "branch":
			o.Branch = true
		case "jump":
			o.Jump = true
		case "call":
			o.Call = true
		case "loop":
			o.Loop = true
		case "return":
			o.Return = true
		case "nop":
			o.Nop = true
		default:
			return nil, errors.New("unknown flag %q", fl)
		}
	}
	for _, s := range oc.Implicit {
		name, dir, err := splitDir(s)
		if err != nil {
			return nil, err
		}
		rf, reg, ok := x.ParseRegister(name)
		if !ok {
			return nil, errors.New("bad implicit register %q", name)
		}
		o.Implicit = append(o.Implicit, RegAccess{RegFile: rf, Reg: reg, Dir: dir})
	}
	for _, s := range oc.States {
		name, dir, err := splitDir(s)
		if err != nil {
			return nil, err
		}
		st := slices.Index(x.States, name)
		if st < 0 {
			return nil, errors.New("unknown state %q", name)
		}
		o.States = append(o.States, StateAccess{State: st, Dir: dir})
	}
	for _, s := range oc.Interfaces {
		name, dir, err := splitDir(s)
		if err != nil {
			return nil, err
		}
		idx := -1
		for i, itf := range x.Interfaces {
			if itf.Name == name {
				idx = i
			}
		}
		if idx < 0 {
			return nil, errors.New("unknown interface %q", name)
		}
		o.Interfaces = append(o.Interfaces, InterfaceAccess{Interface: idx, Dir: dir})
	}
	for _, s := range oc.Units {
		at := strings.IndexByte(s, '@')
		if at < 0 {
			return nil, errors.New("unit use %q: want UNIT@STAGE", s)
		}
		u := -1
		for i, unit := range x.Units {
			if unit.Name == s[:at] {
				u = i
			}
		}
		if u < 0 {
			return nil, errors.New("unknown unit %q", s[:at])
		}
		stage, err := strconv.Atoi(s[at+1:])
		if err != nil || stage < 0 {
			return nil, errors.New("unit use %q: bad stage", s)
		}
		o.Units = append(o.Units, UnitUse{Unit: u, Stage: stage})
	}
	return o, nil
}

// splitDir splits "name/dir" into its parts; the direction defaults to read
func splitDir(s string) (string, Dir, error) {
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return s, DirIn, nil
	}
	switch s[slash+1:] {
	case "i":
		return s[:slash], DirIn, nil
	case "o":
		return s[:slash], DirOut, nil
	case "m":
		return s[:slash], DirInOut, nil
	}
	return "", 0, errors.New("bad direction in %q", s)
}

func (x *ISA) buildFormat(fs formatSpec) (*FormatInfo, error) {
	f := &FormatInfo{
		Name:     fs.Name,
		Length:   fs.Length,
		SelBits:  fs.Selector.Bits,
		SelValue: fs.Selector.Value,
	}
	if f.Length <= 0 || f.Length > 8 {
		return nil, errors.New("length must be 1..8 bytes")
	}
	if f.SelBits <= 0 || f.SelValue >= 1<<uint(f.SelBits) {
		return nil, errors.New("bad selector")
	}
	if len(fs.Slots) == 0 {
		return nil, errors.New("no slots")
	}

	shift := f.SelBits
	for _, ss := range fs.Slots {
		s := &SlotInfo{Name: ss.Name, Shift: shift, Bits: ss.Bits, Nop: NoOpcode, codes: make(map[Opcode]prefixCode)}
		shift += ss.Bits
		for _, name := range ss.Opcodes {
			op := x.OpcodeLookup(name)
			if op == NoOpcode {
				return nil, errors.New("slot %s: unknown opcode %q", ss.Name, name)
			}
			if slices.Contains(s.opcodes, op) {
				return nil, errors.New("slot %s: opcode %s listed twice", ss.Name, name)
			}
			s.opcodes = append(s.opcodes, op)
			if s.Nop == NoOpcode && x.Opcodes[op].Nop {
				s.Nop = op
			}
		}
		if err := x.assignCodes(s); err != nil {
			return nil, errors.Wrap(err, "slot %s", ss.Name)
		}
		f.Slots = append(f.Slots, s)
	}
	if shift != f.Length*8 {
		return nil, errors.New("selector and slots cover %d bits, want %d", shift, f.Length*8)
	}
	return f, nil
}

// assignCodes gives every opcode of a slot a canonical prefix code whose
// length is whatever the slot leaves after the operand fields. Codes are
// stored bit-reversed so that the first code bit is the lowest slot bit.
func (x *ISA) assignCodes(s *SlotInfo) error {
	type entry struct {
		op   Opcode
		bits int
	}
	entries := make([]entry, 0, len(s.opcodes))
	for _, op := range s.opcodes {
		n := s.Bits - x.Opcodes[op].operandBits()
		if n <= 0 {
			return errors.New("opcode %s needs %d operand bits, slot has %d", x.Opcodes[op].Name, x.Opcodes[op].operandBits(), s.Bits)
		}
		if n > 63 {
			return errors.New("opcode %s: code too long", x.Opcodes[op].Name)
		}
		entries = append(entries, entry{op, n})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].bits < entries[j].bits })

	var code uint64
	prev := 0
	for i, e := range entries {
		if i > 0 {
			code++
		}
		code <<= uint(e.bits - prev)
		prev = e.bits
		if code >= 1<<uint(e.bits) {
			return errors.New("opcode space exhausted at %s", x.Opcodes[e.op].Name)
		}
		s.codes[e.op] = prefixCode{value: reverseBits(code, e.bits), bits: e.bits}
	}
	return nil
}

// checkSelectors rejects formats whose selectors are not prefix-free
func (x *ISA) checkSelectors() error {
	for i, a := range x.Formats {
		for j, b := range x.Formats {
			if i == j || a.SelBits > b.SelBits {
				continue
			}
			if b.SelValue&mask(a.SelBits) == a.SelValue {
				return errors.New("format selectors of %s and %s collide", a.Name, b.Name)
			}
		}
	}
	return nil
}

// ParseRegister parses a register name such as "a3"
func (x *ISA) ParseRegister(name string) (rf, reg int, ok bool) {
	for i, f := range x.RegFiles {
		if !strings.HasPrefix(name, f.Short) {
			continue
		}
		n, err := strconv.Atoi(name[len(f.Short):])
		if err != nil || n < 0 || n >= f.Size {
			continue
		}
		return i, n, true
	}
	return -1, 0, false
}

func bitsFor(n int) int {
	b := 0
	for 1<<uint(b) < n {
		b++
	}
	return b
}

func mask(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return 1<<uint(bits) - 1
}

func reverseBits(v uint64, bits int) uint64 {
	var r uint64
	for i := 0; i < bits; i++ {
		r = r<<1 | v&1
		v >>= 1
	}
	return r
}
