package assembler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/raymyers/ralph-as/pkg/asmparse"
	"github.com/raymyers/ralph-as/pkg/config"
	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
	"github.com/raymyers/ralph-as/pkg/layout"
)

// quiet turns off everything that adds filler
func quiet(o *config.Options) {
	o.TargetAlign = false
	o.LoopAlign = false
	for _, name := range config.ErratumNames() {
		o.Workarounds[name] = config.ModeOff
	}
}

func assemble(t *testing.T, src string, edits ...func(*config.Options)) (*Session, *Result, error) {
	t.Helper()
	x, err := isa.Default()
	if err != nil {
		t.Fatal(err)
	}
	opts := config.Default()
	for _, e := range edits {
		e(&opts)
	}
	stmts, perrs := asmparse.Parse("t.s", src)
	if len(perrs) != 0 {
		t.Fatalf("parse errors: %v", perrs)
	}
	s, err := New(context.Background(), x, opts)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	res, err := s.Assemble(context.Background(), stmts)
	return s, res, err
}

func mustAssemble(t *testing.T, src string, edits ...func(*config.Options)) (*Session, *Result) {
	t.Helper()
	s, res, err := assemble(t, src, edits...)
	if err != nil {
		var buf bytes.Buffer
		s.Diags.Print(&buf)
		t.Fatalf("Assemble() = %v\n%s", err, buf.String())
	}
	return s, res
}

func errorMessages(s *Session) []string {
	var out []string
	for _, d := range s.Diags.Diagnostics() {
		if d.Severity == diag.SevError {
			out = append(out, d.Msg)
		}
	}
	return out
}

func expectError(t *testing.T, s *Session, err error, want string) {
	t.Helper()
	if !errors.Is(err, diag.ErrAssembly) {
		t.Fatalf("Assemble() = %v, want ErrAssembly", err)
	}
	msgs := errorMessages(s)
	for _, m := range msgs {
		if strings.Contains(m, want) {
			return
		}
	}
	t.Errorf("errors = %q, want one containing %q", msgs, want)
}

// opcodes lists the opcodes of a code frag in issue order
func opcodes(s *Session, f *layout.Frag) []string {
	d, ok := f.Data.(*code)
	if !ok {
		return nil
	}
	var out []string
	for _, t := range d.insns() {
		out = append(out, s.ISA.OpcodeName(t.Opcode))
	}
	return out
}

func adds(n int) string {
	return strings.Repeat("add a2, a3, a4\n", n)
}

func TestNarrowsWithDensity(t *testing.T) {
	s, res := mustAssemble(t, "add a2, a3, a4\nret\n", quiet)
	if got := opcodes(s, res.Layout.Frags[0]); len(got) != 1 || got[0] != "add.n" {
		t.Errorf("frag 0 = %v, want [add.n]", got)
	}
	if len(res.Image) != 4 {
		t.Errorf("image = % x, want 4 bytes", res.Image)
	}
}

func TestDensityOff(t *testing.T) {
	_, res := mustAssemble(t, "add a2, a3, a4\n", quiet, func(o *config.Options) { o.Density = false })
	if len(res.Image) != 3 {
		t.Errorf("image = % x, want 3 bytes", res.Image)
	}
}

func TestSymbolicMoviUsesLiteral(t *testing.T) {
	src := "movi a2, data\ndata: nop\n"
	s, res := mustAssemble(t, src, quiet, func(o *config.Options) { o.Density = false })

	got := opcodes(s, res.Layout.Frags[0])
	if len(got) != 1 || got[0] != "l32r" {
		t.Fatalf("frag 0 = %v, want [l32r]", got)
	}
	lits := res.Layout.Pool.Entries()
	if len(lits) != 1 {
		t.Fatalf("pool has %d entries, want 1", len(lits))
	}
	if res.Layout.TextBase != layout.LiteralSize {
		t.Errorf("TextBase = %d, want %d", res.Layout.TextBase, layout.LiteralSize)
	}
	// the literal holds the address of data: text base plus the l32r
	want := []byte{byte(res.Layout.TextBase + 3), 0, 0, 0}
	if !bytes.Equal(res.Image[:4], want) {
		t.Errorf("pool = % x, want % x", res.Image[:4], want)
	}
	if len(res.Image) != 4+3+3 {
		t.Errorf("image is %d bytes, want 10", len(res.Image))
	}
}

func TestEqualLiteralsShareAnEntry(t *testing.T) {
	src := "movi a2, 0x12345678\nmovi a3, 0x12345678\nmovi a4, 0x1234567\n"
	_, res := mustAssemble(t, src, quiet)
	if n := len(res.Layout.Pool.Entries()); n != 2 {
		t.Fatalf("pool has %d entries, want 2", n)
	}
	if !bytes.Equal(res.Image[:4], []byte{0x78, 0x56, 0x34, 0x12}) {
		t.Errorf("first literal = % x", res.Image[:4])
	}
}

func TestWriteWriteBundleRejected(t *testing.T) {
	s, res, err := assemble(t, "{ movi a3, 1; add a3, a4, a5 }\nnop\n", quiet)
	expectError(t, s, err, "resource conflict")
	// nothing of the bundle reaches the layout
	if n := len(res.Layout.Frags); n != 1 {
		t.Errorf("%d frags, want 1", n)
	}
}

func TestTwoBranchesInBundleRejected(t *testing.T) {
	s, _, err := assemble(t, "L: { j L; beqz a2, L }\nnop\n", quiet)
	expectError(t, s, err, "multiple branches or jumps in the same bundle")
}

func TestBundleFormat(t *testing.T) {
	s, res := mustAssemble(t, "{ l32i a5, a6, 0; add a2, a3, a4 }\n", quiet)
	f := res.Layout.Frags[0]
	if f.Size != 6 {
		t.Errorf("bundle size = %d, want 6", f.Size)
	}
	if got := opcodes(s, f); len(got) != 2 || got[0] != "l32i" || got[1] != "add" {
		t.Errorf("slots = %v", got)
	}
}

func TestBranchRelaxation(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"near", "beqz a2, L\n" + adds(10) + "L: nop\n", []string{"beqz.n"}},
		{"single widening", "beqz a2, L\n" + adds(100) + "L: nop\n", []string{"beqz"}},
		{"around", "beqz a2, L\n" + adds(1100) + "L: nop\n", []string{"bnez", "j"}},
		{"backward", "L: add a2, a3, a4\nbeqz a2, L\n", []string{"beqz"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s, res := mustAssemble(t, tt.src, quiet)
			f := res.Layout.Frags[0]
			if strings.HasPrefix(tt.src, "L:") {
				f = res.Layout.Frags[1]
			}
			got := opcodes(s, f)
			if strings.Join(got, " ") != strings.Join(tt.want, " ") {
				t.Errorf("branch = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBranchAroundEncodes(t *testing.T) {
	s, res := mustAssemble(t, "beqz a2, L\n"+adds(1100)+"L: nop\n", quiet)
	f := res.Layout.Frags[0]
	if f.Size != 6 || len(f.Bytes) != 6 {
		t.Fatalf("frag 0: size %d, %d bytes", f.Size, len(f.Bytes))
	}

	// bnez skips the jump: its target is the generated label after j
	if got := target(t, s, f.Bytes, 1, f.Start()); got != f.End() {
		t.Errorf("bnez target = %d, want %d", got, f.End())
	}
}

// target decodes the pc-relative operand i of the instruction encoded at
// the start of b, placed at pc
func target(t *testing.T, s *Session, b []byte, i int, pc int64) int64 {
	t.Helper()
	x := s.ISA.(*isa.ISA)
	_, slots, err := x.DecodeBundle(b)
	if err != nil {
		t.Fatal(err)
	}
	off, err := x.OperandDecode(slots[0].Opcode, i, slots[0].Fields[i])
	if err != nil {
		t.Fatal(err)
	}
	at, err := x.OperandUndoReloc(slots[0].Opcode, i, off, pc)
	if err != nil {
		t.Fatal(err)
	}
	return at
}

func TestAbsoluteBranchTargets(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		frag    int
		want    []string
		operand int
		// at is the offset of the instruction holding the target
		at     int64
		target int64
	}{
		{"narrow", adds(4) + "beqz a2, 0x20\n" + adds(20), 4, []string{"beqz.n"}, 1, 0, 0x20},
		{"jump", "j 0x40\n" + adds(30), 0, []string{"j"}, 0, 0, 0x40},
		{"around", adds(4) + "beqz a2, 0x1000\n" + adds(20), 4, []string{"bnez", "j"}, 0, 3, 0x1000},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s, res := mustAssemble(t, tt.src, quiet)
			f := res.Layout.Frags[tt.frag]
			if got := opcodes(s, f); strings.Join(got, " ") != strings.Join(tt.want, " ") {
				t.Fatalf("frag %d = %v, want %v", tt.frag, got, tt.want)
			}
			if got := target(t, s, f.Bytes[tt.at:], tt.operand, f.Start()+tt.at); got != tt.target {
				t.Errorf("target = %#x, want %#x", got, tt.target)
			}
		})
	}
}

func TestBundleSlotRelaxation(t *testing.T) {
	const head = "{ add a2, a3, a4; beqz a5, L }\n"

	s, res := mustAssemble(t, head+adds(10)+"L: nop\n", quiet)
	if got := opcodes(s, res.Layout.Frags[0]); strings.Join(got, " ") != "add beqz" {
		t.Errorf("near: bundle = %v, want [add beqz]", got)
	}
	if ds := s.Diags.Diagnostics(); len(ds) != 0 {
		t.Errorf("near: diagnostics %v", ds)
	}

	s, res = mustAssemble(t, head+adds(1100)+"L: nop\n", quiet)
	f := res.Layout.Frags[0]
	if got := opcodes(s, f); strings.Join(got, " ") != "bnez j add nop" {
		t.Fatalf("far: frag 0 = %v, want [bnez j add nop]", got)
	}
	if f.Size != 3+3+6 || len(f.Bytes) != f.Size {
		t.Errorf("far: size %d, %d bytes", f.Size, len(f.Bytes))
	}

	// bnez skips the jump and lands on the bundle
	if got := target(t, s, f.Bytes, 1, f.Start()); got != f.Start()+6 {
		t.Errorf("bnez target = %d, want %d", got, f.Start()+6)
	}
	l, _ := res.Layout.Lookup("L")
	want, _ := l.Address()
	if got := target(t, s, f.Bytes[3:], 0, f.Start()+3); got != want {
		t.Errorf("j target = %d, want %d", got, want)
	}

	ds := s.Diags.Diagnostics()
	if len(ds) != 1 || ds[0].Severity != diag.SevWarning || !strings.Contains(ds[0].Msg, "slot 1 expanded ahead of the bundle") {
		t.Errorf("far: diagnostics %v", ds)
	}
}

func TestRecomputeOnRelaxSettles(t *testing.T) {
	s, res := mustAssemble(t, "beqz a2, L\n"+adds(100)+"L: nop\n", quiet)
	f := res.Layout.Frags[0]
	d := f.Data.(*code)

	// back to the state of the first pass
	d.stack.Reset()
	d.stack.Push(*d.start)
	d.tried, d.shrunk = 1, false
	f.Size = d.size()

	stretches := []int64{0, 0, 1000, 1000, 3000, 3000}
	prev := d.steps()
	for i, st := range stretches {
		delta := s.RecomputeOnRelax(f, st)
		if d.steps() < prev {
			t.Errorf("call %d: step went back from %d to %d", i, prev, d.steps())
		}
		prev = d.steps()
		if i > 0 && st == stretches[i-1] && delta != 0 {
			t.Errorf("call %d: unchanged stretch %d moved the frag by %d", i, st, delta)
		}
		if worst := s.Relax.Worst(*d.start); f.Size > worst {
			t.Errorf("call %d: size %d past the widest form %d", i, f.Size, worst)
		}
	}
	if got := opcodes(s, f); strings.Join(got, " ") != "bnez j" {
		t.Errorf("frag 0 = %v, want [bnez j]", got)
	}
	for i := 0; i < 3; i++ {
		if delta := s.RecomputeOnRelax(f, 3000); delta != 0 {
			t.Fatalf("settled frag moved by %d", delta)
		}
	}
}

func TestTargetMarks(t *testing.T) {
	first := func(f *layout.Frag) insn.TInsn {
		return f.Data.(*code).insns()[0]
	}

	_, res := mustAssemble(t, "j L\nadd a2, a3, a4\nL:\n.align 4\nadd a2, a3, a4\n", quiet)
	fs := res.Layout.Frags
	if first(fs[1]).IsBranchTarget {
		t.Error("instruction before the label marked")
	}
	if !first(fs[3]).IsBranchTarget {
		t.Error("instruction after the label and .align not marked")
	}

	_, res = mustAssemble(t, "loop a2, E\nadd a3, a3, a4\nE: nop\n", quiet)
	fs = res.Layout.Frags
	if !first(fs[1]).IsLoopTarget || first(fs[2]).IsLoopTarget {
		t.Error("loop body start not marked")
	}
}

func TestNoTransform(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"prefix", "_movi a2, 0x12345678\n"},
		{"region", ".begin no-transform\nmovi a2, 0x12345678\n.end no-transform\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s, _, err := assemble(t, tt.src, quiet)
			expectError(t, s, err, "transform disabled")
		})
	}
}

func TestNoTransformKeepsWideForm(t *testing.T) {
	s, res := mustAssemble(t, "_add a2, a3, a4\n", quiet)
	if got := opcodes(s, res.Layout.Frags[0]); got[0] != "add" {
		t.Errorf("frag 0 = %v, want [add]", got)
	}
}

func TestUnbalancedRegions(t *testing.T) {
	s, _, err := assemble(t, ".end no-transform\n", quiet)
	expectError(t, s, err, "without .begin")

	s, _, err = assemble(t, ".begin no-target-align\nnop\n", quiet)
	expectError(t, s, err, "missing .end no-target-align")
}

func TestUndefinedSymbol(t *testing.T) {
	s, _, err := assemble(t, "j nowhere\nbeqz a2, nowhere\n", quiet)
	expectError(t, s, err, "undefined symbol nowhere")
	if n := s.Diags.ErrorCount(); n != 1 {
		t.Errorf("%d errors, want 1: %q", n, errorMessages(s))
	}
}

func TestSourceErrors(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"frob a2\n", "unknown opcode frob"},
		{"add a2, a3\n", "wrong number of operands"},
		{"add a2, a3, b4\n", "bad register b4"},
		{"add a2, a3, a16\n", "bad register a16"},
		{"movi 5, 5\n", "expected a register"},
		{"L: nop\nL: nop\n", "already defined"},
		{".align 3\n", "not a power of two"},
		{".frob\n", "unknown directive"},
		{"{ x99: nop }\n", "unknown format x99"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.want, func(t *testing.T) {
			s, _, err := assemble(t, tt.src, quiet)
			expectError(t, s, err, tt.want)
		})
	}
}

func TestAlign(t *testing.T) {
	_, res := mustAssemble(t, "add a2, a3, a4\n.align 8\nL: add a2, a3, a4\n", quiet)
	l := res.Layout
	if l.Frags[1].Pad != 6 {
		t.Errorf("align pad = %d, want 6", l.Frags[1].Pad)
	}
	if got := l.Frags[2].Start(); got != 8 {
		t.Errorf("after .align: %d, want 8", got)
	}
	if len(res.Image) != 10 {
		t.Errorf("image is %d bytes, want 10", len(res.Image))
	}
}

func TestEmptyLoop(t *testing.T) {
	s, _, err := assemble(t, "loop a2, E\nE: nop\n", quiet)
	expectError(t, s, err, "invalid empty loop")
}

func TestShortLoopPadded(t *testing.T) {
	on := func(o *config.Options) { o.Workarounds[config.ShortLoop] = config.ModeOn }
	s, res := mustAssemble(t, "loop a2, E\nadd a3, a3, a4\nE: nop\n", quiet, on)
	end, _ := res.Layout.Lookup("E")
	if end.Frag().Pad == 0 {
		t.Errorf("loop end not padded")
	}
	if s.Diags.HasErrors() {
		t.Errorf("errors: %q", errorMessages(s))
	}
}

func TestTargetAlignment(t *testing.T) {
	align := func(o *config.Options) { o.TargetAlign = true }
	_, res := mustAssemble(t, "add a2, a3, a4\nadd a2, a3, a4\nnop\nL: nop\nj L\n", quiet, align)
	l, _ := res.Layout.Lookup("L")
	f := l.Frag()
	if s := f.Start(); s/4 != (s+int64(f.Size)-1)/4 {
		t.Errorf("target at %d size %d crosses a fetch block", s, f.Size)
	}
}

func TestConfigErrors(t *testing.T) {
	x, err := isa.Default()
	if err != nil {
		t.Fatal(err)
	}
	opts := config.Default()
	opts.HardwareVersion = config.VersionRange{Earliest: 1, Latest: 2}
	if _, err := New(context.Background(), x, opts); !errors.Is(err, config.ErrUnsupportedVersion) {
		t.Errorf("New() = %v, want ErrUnsupportedVersion", err)
	}
	opts = config.Default()
	opts.FetchWidth = 3
	if _, err := New(context.Background(), x, opts); err == nil {
		t.Errorf("New() accepted fetch width 3")
	}
}

// program is a random mix of branches, jumps, literals and plain code
func program(rng *rand.Rand, n int) string {
	labels := n / 8
	var b strings.Builder
	next := 0
	for i := 0; i < n; i++ {
		if next < labels && rng.Intn(8) == 0 {
			fmt.Fprintf(&b, "L%d:\n", next)
			next++
		}
		switch k := rng.Intn(10); {
		case k < 2:
			fmt.Fprintf(&b, "beqz a2, L%d\n", rng.Intn(labels))
		case k < 3:
			fmt.Fprintf(&b, "bne a2, a3, L%d\n", rng.Intn(labels))
		case k < 4:
			fmt.Fprintf(&b, "j L%d\n", rng.Intn(labels))
		case k < 5:
			fmt.Fprintf(&b, "movi a5, %d\n", rng.Int63n(1<<30))
		default:
			b.WriteString("add a2, a3, a4\n")
		}
	}
	for ; next < labels; next++ {
		fmt.Fprintf(&b, "L%d:\n", next)
	}
	b.WriteString("ret\n")
	return b.String()
}

func TestRelaxationConverges(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 6; i++ {
		src := program(rng, 200+rng.Intn(1200))
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, res := mustAssemble(t, src)

			// deterministic
			_, again := mustAssemble(t, src)
			if !bytes.Equal(res.Image, again.Image) {
				t.Fatalf("two runs produced different images")
			}

			// every relaxable frag shrank at most once and ended in a form
			// whose step it had already tried
			for _, f := range res.Layout.Frags {
				d, ok := f.Data.(*code)
				if !ok || d.start == nil {
					continue
				}
				if d.tried&stepBit(d.steps()) == 0 {
					t.Errorf("frag %d: final step %d never tried", f.Index, d.steps())
				}
				if f.Size > f.Max {
					t.Errorf("frag %d: size %d past bound %d", f.Index, f.Size, f.Max)
				}
			}
			if got := int64(len(res.Image)); got != res.Layout.TextBase+res.Layout.Size() {
				t.Errorf("image is %d bytes, want %d", got, res.Layout.TextBase+res.Layout.Size())
			}
		})
	}
}

func TestGeneratedLabelsFollowTheirStack(t *testing.T) {
	s, res := mustAssemble(t, "beqz a2, L\n"+adds(1100)+"L: nop\n", quiet)
	d := res.Layout.Frags[0].Data.(*code)
	n := d.stack.Count(insn.KindLabel)
	if n != 1 {
		t.Fatalf("%d generated labels, want 1", n)
	}
	if got := s.Relax.StackSize(&d.stack); got != 6 {
		t.Errorf("stack size = %d, want 6", got)
	}
}
