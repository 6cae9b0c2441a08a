package resource

import (
	"github.com/raymyers/ralph-as/pkg/isa"
)

// Table counts functional-unit reservations per pipeline cycle. It is
// scratch state of one bundle check: cleared, not reallocated, between
// bundles, and not safe for concurrent use.
type Table struct {
	o     isa.Oracle
	units int
	// used[cycle][unit]
	used [][]int
}

// NewTable returns an empty table for the units of o
func NewTable(o isa.Oracle) *Table {
	return &Table{o: o, units: o.NumUnits()}
}

// Clear drops every reservation
func (t *Table) Clear() {
	for _, row := range t.used {
		clear(row)
	}
}

func (t *Table) row(cycle int) []int {
	for len(t.used) <= cycle {
		t.used = append(t.used, make([]int, t.units))
	}
	return t.used[cycle]
}

// CanReserve reports whether op issued at cycle finds every unit it uses free
func (t *Table) CanReserve(op isa.Opcode, cycle int) bool {
	need := make(map[[2]int]int)
	for _, u := range t.o.OpcodeUnits(op) {
		need[[2]int{cycle + u.Stage, u.Unit}]++
	}
	for k, n := range need {
		if t.row(k[0])[k[1]]+n > t.o.UnitCopies(k[1]) {
			return false
		}
	}
	return true
}

// Reserve claims the units of op issued at cycle. It returns false and
// leaves the table unchanged if any unit is exhausted.
func (t *Table) Reserve(op isa.Opcode, cycle int) bool {
	if !t.CanReserve(op, cycle) {
		return false
	}
	for _, u := range t.o.OpcodeUnits(op) {
		t.row(cycle + u.Stage)[u.Unit]++
	}
	return true
}

// Release undoes a successful Reserve
func (t *Table) Release(op isa.Opcode, cycle int) {
	for _, u := range t.o.OpcodeUnits(op) {
		r := t.row(cycle + u.Stage)
		if r[u.Unit] > 0 {
			r[u.Unit]--
		}
	}
}

// Used returns the number of copies of unit reserved at cycle
func (t *Table) Used(cycle, unit int) int {
	if cycle >= len(t.used) {
		return 0
	}
	return t.used[cycle][unit]
}
