// Package resource classifies conflicts between co-issued instructions and
// tracks functional-unit occupancy of one bundle.
package resource

import (
	"fmt"

	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
)

// ConflictKind is ordered by severity
type ConflictKind uint8

const (
	None ConflictKind = iota
	AntiDependency
	RegisterWriteWrite
	StateWriteWrite
	PortWriteWrite
	DualVolatilePort
)

var conflictNames = [...]string{
	None:               "none",
	AntiDependency:     "anti-dependency",
	RegisterWriteWrite: "register write-write",
	StateWriteWrite:    "state write-write",
	PortWriteWrite:     "interface write-write",
	DualVolatilePort:   "two volatile interface accesses",
}

func (k ConflictKind) String() string {
	if int(k) < len(conflictNames) {
		return conflictNames[k]
	}
	return fmt.Sprintf("ConflictKind(%d)", k)
}

// IsError reports whether k rejects the bundle
func (k ConflictKind) IsError() bool { return k > AntiDependency }

// Conflict is the classification of one pair of instructions. For an
// anti-dependency AWrites/BWrites tell which side writes what the other reads.
type Conflict struct {
	Kind    ConflictKind
	AWrites bool
	BWrites bool
	// What names the resource of the most severe conflict, for diagnostics
	What string
}

type regAccess struct {
	rf, reg int
	dir     isa.Dir
}

// regAccesses lists the explicit register operands and implicit register
// accesses of t
func regAccesses(o isa.Oracle, t *insn.TInsn) []regAccess {
	var r []regAccess
	for i, op := range t.Operands() {
		if op.Kind != insn.OpRegister || !o.OperandIsRegister(t.Opcode, i) {
			continue
		}
		r = append(r, regAccess{rf: o.OperandRegFile(t.Opcode, i), reg: int(op.Value), dir: o.OperandDir(t.Opcode, i)})
	}
	for _, a := range o.OpcodeImplicitRegs(t.Opcode) {
		r = append(r, regAccess{rf: a.RegFile, reg: a.Reg, dir: a.Dir})
	}
	return r
}

// Conflicts classifies a against b. The result's Kind does not depend on
// argument order.
func Conflicts(o isa.Oracle, a, b *insn.TInsn) Conflict {
	var c Conflict
	raise := func(k ConflictKind, what string) {
		if k > c.Kind {
			c.Kind = k
			c.What = what
		}
	}
	anti := func(ad, bd isa.Dir, what string) {
		if ad.Writes() && bd.Reads() {
			c.AWrites = true
			raise(AntiDependency, what)
		}
		if bd.Writes() && ad.Reads() {
			c.BWrites = true
			raise(AntiDependency, what)
		}
	}

	if a.Kind != insn.KindInsn || b.Kind != insn.KindInsn {
		return c
	}

	ra, rb := regAccesses(o, a), regAccesses(o, b)
	for _, x := range ra {
		for _, y := range rb {
			if x.rf != y.rf || x.reg != y.reg {
				continue
			}
			what := fmt.Sprintf("%s%d", o.RegFileName(x.rf), x.reg)
			if x.dir.Writes() && y.dir.Writes() {
				raise(RegisterWriteWrite, what)
				continue
			}
			anti(x.dir, y.dir, what)
		}
	}

	for _, x := range o.OpcodeStates(a.Opcode) {
		for _, y := range o.OpcodeStates(b.Opcode) {
			if x.State != y.State {
				continue
			}
			what := o.StateName(x.State)
			if x.Dir.Writes() && y.Dir.Writes() {
				raise(StateWriteWrite, what)
				continue
			}
			anti(x.Dir, y.Dir, what)
		}
	}

	for _, x := range o.OpcodeInterfaces(a.Opcode) {
		for _, y := range o.OpcodeInterfaces(b.Opcode) {
			what := o.InterfaceName(x.Interface)
			if x.Interface == y.Interface && x.Dir.Writes() && y.Dir.Writes() {
				raise(PortWriteWrite, what)
			}
			if o.InterfaceIsVolatile(x.Interface) && o.InterfaceIsVolatile(y.Interface) {
				raise(DualVolatilePort, what+"/"+o.InterfaceName(y.Interface))
				continue
			}
			if x.Interface == y.Interface {
				anti(x.Dir, y.Dir, what)
			}
		}
	}
	return c
}
