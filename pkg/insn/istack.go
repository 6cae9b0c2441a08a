package insn

import (
	"github.com/raymyers/ralph-as/pkg/diag"
)

// MaxIStack bounds the expansion of one source instruction
const MaxIStack = 12

// IStack is the ordered result of expanding one source instruction. It
// holds at most one literal definition and at most one label definition.
type IStack struct {
	insns [MaxIStack]TInsn
	n     int
}

// Len returns the number of entries
func (s *IStack) Len() int { return s.n }

func (s *IStack) IsEmpty() bool { return s.n == 0 }
func (s *IStack) IsFull() bool  { return s.n == MaxIStack }

// Reset empties the stack
func (s *IStack) Reset() { s.n = 0 }

// PushEmpty appends a zero entry and returns it for filling in
func (s *IStack) PushEmpty() *TInsn {
	diag.Assertf(!s.IsFull(), "instruction stack overflow")
	s.insns[s.n] = TInsn{}
	s.n++
	return &s.insns[s.n-1]
}

// Push appends a copy of t
func (s *IStack) Push(t TInsn) {
	switch t.Kind {
	case KindLiteral:
		diag.Assertf(s.Count(KindLiteral) == 0, "second literal in one expansion")
	case KindLabel:
		diag.Assertf(s.Count(KindLabel) == 0, "second label in one expansion")
	}
	*s.PushEmpty() = t
}

// Pop removes and returns the last entry
func (s *IStack) Pop() TInsn {
	diag.Assertf(s.n > 0, "pop from empty instruction stack")
	s.n--
	return s.insns[s.n]
}

// Top returns the last entry
func (s *IStack) Top() *TInsn {
	diag.Assertf(s.n > 0, "top of empty instruction stack")
	return &s.insns[s.n-1]
}

// At returns entry i
func (s *IStack) At(i int) *TInsn {
	diag.Assertf(i >= 0 && i < s.n, "instruction stack index %d out of %d", i, s.n)
	return &s.insns[i]
}

// Insns returns the entries in order
func (s *IStack) Insns() []TInsn {
	return s.insns[:s.n]
}

// Count returns the number of entries of kind k
func (s *IStack) Count(k Kind) int {
	c := 0
	for i := 0; i < s.n; i++ {
		if s.insns[i].Kind == k {
			c++
		}
	}
	return c
}

// Instructions returns only the real instructions
func (s *IStack) Instructions() []TInsn {
	var r []TInsn
	for _, t := range s.Insns() {
		if t.Kind == KindInsn {
			r = append(r, t)
		}
	}
	return r
}
