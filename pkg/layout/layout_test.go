package layout

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/insn"
)

// jump is a frag of 2 bytes that needs 3 when its target is more than
// limit bytes away
type jump struct {
	target *Symbol
	lit    *insn.Operand
	used   *Literal
}

type fakeMachine struct {
	l     *Layout
	limit int64
	grow  bool
}

func (m *fakeMachine) EstimateGrowth(f *Frag) int {
	if m.grow {
		return 1 << 20
	}
	if _, ok := f.Data.(*jump); ok {
		return 1
	}
	return 0
}

func (m *fakeMachine) RecomputeOnRelax(f *Frag, stretch int64) int {
	if m.grow {
		f.Size++
		return 1
	}
	j, ok := f.Data.(*jump)
	if !ok {
		return 0
	}
	if j.lit != nil {
		j.used = m.l.Pool.Add(*j.lit)
	}
	if j.target == nil {
		return 0
	}
	t, _ := j.target.Address()
	if t >= f.Start() {
		t += stretch
	}
	want := 2
	if d := t - f.Start(); d > m.limit || d < -m.limit {
		want = 3
	}
	if want < f.Size {
		want = f.Size
	}
	d := want - f.Size
	f.Size = want
	return d
}

func (m *fakeMachine) FinalizeConversion(f *Frag) error {
	f.Bytes = bytes.Repeat([]byte{byte(f.Index)}, f.Pad+f.Size)
	return nil
}

func TestRelaxChainReaction(t *testing.T) {
	l := New(16)
	m := &fakeMachine{l: l, limit: 20}
	pos := diag.Pos{File: "t.s", Line: 1}

	e, f := l.Symbol("E"), l.Symbol("F")
	j1 := l.NewFrag(2, &jump{target: e}, pos)
	l.NewFrag(16, nil, pos)
	j2 := l.NewFrag(2, &jump{target: f}, pos)
	if _, err := l.Define("E", pos); err != nil {
		t.Fatal(err)
	}
	l.NewFrag(30, nil, pos)
	if _, err := l.Define("F", pos); err != nil {
		t.Fatal(err)
	}
	l.Close(pos)

	if err := l.Relax(context.Background(), m); err != nil {
		t.Fatalf("Relax() = %v", err)
	}
	if j1.Size != 3 || j2.Size != 3 {
		t.Errorf("sizes = %d, %d, want 3, 3", j1.Size, j2.Size)
	}
	if a, _ := e.Address(); a != 22 {
		t.Errorf("E = %d, want 22", a)
	}
	if a, _ := f.Address(); a != 52 {
		t.Errorf("F = %d, want 52", a)
	}
	if l.Passes != 3 {
		t.Errorf("Passes = %d, want 3", l.Passes)
	}
	if l.Size() != 52 {
		t.Errorf("Size() = %d", l.Size())
	}
}

func TestRelaxPoolMovesText(t *testing.T) {
	l := New(16)
	m := &fakeMachine{l: l, limit: 100}
	pos := diag.Pos{Line: 1}

	a, b := insn.Const(0x11223344), insn.Const(7)
	j1 := &jump{lit: &a}
	j2 := &jump{lit: &b}
	j3 := &jump{lit: &a}
	l.NewFrag(2, j1, pos)
	l.NewFrag(2, j2, pos)
	l.NewFrag(2, j3, pos)

	if err := l.Relax(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if got := len(l.Pool.Entries()); got != 2 {
		t.Fatalf("pool has %d entries, want 2", got)
	}
	if j1.used != j3.used || j1.used.Refs != 2 {
		t.Error("equal literals not merged")
	}
	if l.TextBase != 8 || l.Frags[0].Addr != 8 {
		t.Errorf("TextBase = %d, first frag at %d", l.TextBase, l.Frags[0].Addr)
	}

	l.Finalize(m, func(f *Frag, err error) { t.Errorf("frag %d: %v", f.Index, err) })
	img, err := l.Image()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x44, 0x33, 0x22, 0x11, 7, 0, 0, 0, 0, 0, 1, 1, 2, 2}
	if !bytes.Equal(img, want) {
		t.Errorf("Image() = % x, want % x", img, want)
	}
}

func TestPoolUndefined(t *testing.T) {
	l := New(4)
	l.Pool.Add(insn.Sym(l.Symbol("nowhere"), 0))
	if _, err := l.Pool.Bytes(); !errors.Is(err, ErrUndefined) {
		t.Errorf("Bytes() = %v, want ErrUndefined", err)
	}
}

func TestRelaxNoConvergence(t *testing.T) {
	l := New(5)
	l.NewFrag(1, nil, diag.Pos{})
	err := l.Relax(context.Background(), &fakeMachine{l: l, grow: true})
	if !errors.Is(err, ErrNoConvergence) {
		t.Errorf("Relax() = %v, want ErrNoConvergence", err)
	}
}

func TestSymbols(t *testing.T) {
	l := New(4)
	pos := diag.Pos{File: "a.s", Line: 3}

	s, err := l.Define("L", pos)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Address(); ok {
		t.Error("label bound before any frag follows")
	}
	if _, err := l.Define("L", diag.Pos{File: "a.s", Line: 9}); !errors.Is(err, ErrRedefined) {
		t.Errorf("second Define() = %v, want ErrRedefined", err)
	}

	f := l.NewFrag(3, nil, pos)
	f.Pad = 2
	if a, ok := s.Address(); !ok || a != 2 || s.Frag() != f {
		t.Errorf("Address() = %d, %v", a, ok)
	}

	l.Define("end", pos)
	l.Close(pos)
	end, _ := l.Lookup("end")
	if a, ok := end.Address(); !ok || a != 5 {
		t.Errorf("end = %d, %v, want 5", a, ok)
	}
	if got := len(l.Symbols()); got != 2 {
		t.Errorf("Symbols() = %d", got)
	}
	if l.Next(f) == nil || l.Prev(f) != nil {
		t.Error("Next/Prev")
	}
}
