// Package bundle groups instructions into VLIW issue words. FinishBundle
// checks a bundle for conflicts, picks its bit format, expands each slot
// through the relaxation engine and hoists what does not fit the slot.
// Encode turns a finished bundle into bytes.
package bundle

import (
	"strings"

	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
	"github.com/raymyers/ralph-as/pkg/resource"
)

// MaxSlots bounds the slot count of any format
const MaxSlots = 4

// VliwInsn is one bundle under construction
type VliwInsn struct {
	Slots [MaxSlots]insn.TInsn
	N     int

	// Format is isa.NoFormat until selected, or the format the source named
	Format   isa.Format
	Explicit bool

	// Literal holds the generated literal a slot's instruction refers to
	Literal [MaxSlots]*insn.TInsn

	Pos diag.Pos
}

// New returns an empty bundle with an undetermined format
func New(pos diag.Pos) VliwInsn {
	return VliwInsn{Format: isa.NoFormat, Pos: pos}
}

// Single returns a one-slot bundle holding t
func Single(t insn.TInsn) VliwInsn {
	v := New(t.Pos)
	v.Add(t)
	return v
}

// Add appends an instruction to the next slot
func (v *VliwInsn) Add(t insn.TInsn) {
	diag.Assertf(v.N < MaxSlots, "too many slots")
	v.Slots[v.N] = t
	v.N++
}

// Insns returns the filled slots
func (v *VliwInsn) Insns() []insn.TInsn {
	return v.Slots[:v.N]
}

// String prints the bundle in assembly syntax
func (v *VliwInsn) String(o isa.Oracle) string {
	if v.N == 1 {
		return v.Slots[0].Format(o)
	}
	parts := make([]string, v.N)
	for i := range v.Insns() {
		parts[i] = v.Slots[i].Format(o)
	}
	return "{ " + strings.Join(parts, "; ") + " }"
}

// Scratch is the mutable state of bundle checking for one assembly run.
// It is reused across bundles and must not be shared between goroutines.
type Scratch struct {
	Res *resource.Table
	Cur VliwInsn
}

// NewScratch returns scratch state sized for o
func NewScratch(o isa.Oracle) *Scratch {
	return &Scratch{Res: resource.NewTable(o), Cur: New(diag.Pos{})}
}
