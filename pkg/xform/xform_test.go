package xform

import (
	"context"
	"errors"
	"testing"

	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
)

func oracle(t *testing.T) *isa.ISA {
	t.Helper()
	x, err := isa.Default()
	if err != nil {
		t.Fatalf("isa.Default() = %v", err)
	}
	return x
}

func op(t *testing.T, x isa.Oracle, name string) isa.Opcode {
	t.Helper()
	o := x.OpcodeLookup(name)
	if o == isa.NoOpcode {
		t.Fatalf("no opcode %s", name)
	}
	return o
}

func TestBuildDefaultTables(t *testing.T) {
	x := oracle(t)
	ctx := context.Background()
	for _, prefer := range []bool{false, true} {
		s, err := BuildSimplifyTable(ctx, x, Options{PreferConst16: prefer})
		if err != nil {
			t.Fatalf("BuildSimplifyTable() = %v", err)
		}
		w, err := BuildWidenTable(ctx, x, Options{PreferConst16: prefer})
		if err != nil {
			t.Fatalf("BuildWidenTable() = %v", err)
		}
		if s.Len() != len(SimplifyPairs) {
			t.Errorf("simplify rules = %d, want %d", s.Len(), len(SimplifyPairs))
		}
		if w.Len() != len(WidenPairs) {
			t.Errorf("widen rules = %d, want %d", w.Len(), len(WidenPairs))
		}
	}
}

func TestBuildIsCached(t *testing.T) {
	x := oracle(t)
	a, err := BuildWidenTable(context.Background(), x, Options{})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := BuildWidenTable(context.Background(), x, Options{})
	if a != b {
		t.Error("second build returned a different table")
	}
	c, _ := BuildWidenTable(context.Background(), x, Options{PreferConst16: true})
	if a == c {
		t.Error("different options share a table")
	}
}

func TestDroppedPairs(t *testing.T) {
	x := oracle(t)
	pairs := []Pair{
		{"frobnicate %ar", "nop"},               // unknown opcode
		{"movi %ar", "nop"},                     // arity mismatch
		{"movi %ar,%imm ? no-density", "nop"},   // capability false
		{"movi %ar,%imm ? bogus+density", "nop"}, // OR term holds
	}
	tbl, err := Build(context.Background(), x, Widen, pairs, Options{})
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
}

func TestMalformedPairs(t *testing.T) {
	x := oracle(t)
	tests := []struct {
		name string
		pair Pair
	}{
		{"literal before definition", Pair{"movi %at,%imm", "l32r %at,%LITERAL;LITERAL %imm"}},
		{"unknown replacement opcode", Pair{"movi %at,%imm", "frob %at"}},
		{"unbound operand", Pair{"movi %at,%imm", "movi %at,%other"}},
		{"undefined label", Pair{"beqz %as,%label", "bnez %as,%LABEL;j %label"}},
		{"label out of order", Pair{"beqz %as,%label", "bnez %as,%LABEL1;j %label;LABEL1"}},
		{"replacement arity", Pair{"movi %at,%imm", "movi %at"}},
		{"bad precondition", Pair{"add %ar,%as,%at | %ar<%as", "nop"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(context.Background(), x, Widen, []Pair{tt.pair}, Options{})
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Build() = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestMatchPreconditions(t *testing.T) {
	x := oracle(t)
	w, err := BuildWidenTable(context.Background(), x, Options{})
	if err != nil {
		t.Fatal(err)
	}
	addi := op(t, x, "addi")
	rules := w.Rules(addi)
	if len(rules) != 3 {
		t.Fatalf("addi rules = %d, want 3", len(rules))
	}
	lit := rules[2]
	if lit.Strategy != StrategyLiteral {
		t.Fatalf("third addi rule strategy = %v", lit.Strategy)
	}

	same := insn.New(addi, insn.Reg(2), insn.Reg(2), insn.Const(100000))
	if lit.Holds(&same) {
		t.Error("literal addi must not match when ar == as")
	}
	diff := insn.New(addi, insn.Reg(2), insn.Reg(3), insn.Const(100000))
	if !lit.Holds(&diff) {
		t.Error("literal addi should match when ar != as")
	}

	sym := insn.New(addi, insn.Operand{Kind: insn.OpSymbol}, insn.Reg(3), insn.Const(1))
	if lit.Holds(&sym) {
		t.Error("precondition on a symbolic operand must not hold")
	}
	if w.Match(&diff) != rules[0] {
		t.Error("Match should return the first rule")
	}
}

func TestTieBreak(t *testing.T) {
	x := oracle(t)
	movi := op(t, x, "movi")
	addi := op(t, x, "addi")

	lit, err := BuildWidenTable(context.Background(), x, Options{})
	if err != nil {
		t.Fatal(err)
	}
	c16, err := BuildWidenTable(context.Background(), x, Options{PreferConst16: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := lit.Rules(movi)[0].Strategy; got != StrategyLiteral {
		t.Errorf("default movi first strategy = %v, want literal", got)
	}
	if got := c16.Rules(movi)[0].Strategy; got != StrategyConst16 {
		t.Errorf("const16 movi first strategy = %v, want const16", got)
	}

	// addi has no const16 alternative: order untouched
	for i, r := range lit.Rules(addi) {
		if c16.Rules(addi)[i].Pattern != r.Pattern || c16.Rules(addi)[i].Replacement != r.Replacement {
			t.Errorf("addi rule %d reordered", i)
		}
	}
}

func TestInstantiate(t *testing.T) {
	x := oracle(t)
	w, err := BuildWidenTable(context.Background(), x, Options{})
	if err != nil {
		t.Fatal(err)
	}
	addi := op(t, x, "addi")
	src := insn.New(addi, insn.Reg(4), insn.Reg(5), insn.Const(0x1234))
	src.Pos.Line = 7

	split := w.Rules(addi)[1]
	s, err := split.Instantiate(&src)
	if err != nil {
		t.Fatalf("Instantiate() = %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	hi, lo := s.At(0), s.At(1)
	if hi.Opcode != op(t, x, "addmi") || lo.Opcode != addi {
		t.Errorf("opcodes = %s, %s", x.OpcodeName(hi.Opcode), x.OpcodeName(lo.Opcode))
	}
	if hi.Ops[2].AsConstant()+lo.Ops[2].AsConstant() != 0x1234 {
		t.Errorf("split %d + %d != 0x1234", hi.Ops[2].Value, lo.Ops[2].Value)
	}
	if lo.Ops[1].AsRegister() != 4 || lo.Pos.Line != 7 {
		t.Errorf("second insn = %+v", lo)
	}

	// HI24S of a symbol is not representable
	sym := insn.New(addi, insn.Reg(4), insn.Reg(5), insn.Operand{Kind: insn.OpSymbol})
	if _, err := split.Instantiate(&sym); !errors.Is(err, insn.ErrSymbolicTransform) {
		t.Errorf("Instantiate(symbolic) = %v", err)
	}

	lit := w.Rules(op(t, x, "movi"))[0]
	s, err = lit.Instantiate(&src)
	if err != nil {
		t.Fatal(err)
	}
	if s.At(0).Kind != insn.KindLiteral || s.At(1).Ops[1].Kind != insn.OpLiteralRef {
		t.Errorf("literal expansion = %+v", s.Insns())
	}
}

// Widened forms never encode smaller than what they replace.
func TestWidenNeverShrinks(t *testing.T) {
	x := oracle(t)
	w, err := BuildWidenTable(context.Background(), x, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for o := 0; o < x.NumOpcodes(); o++ {
		from := isa.InsnLength(x, isa.Opcode(o))
		for _, r := range w.Rules(isa.Opcode(o)) {
			size := 0
			for _, tp := range r.Repl {
				if tp.Kind == insn.KindInsn {
					size += isa.InsnLength(x, tp.Opcode)
				}
			}
			if size < from {
				t.Errorf("%q -> %q: %d bytes < %d", r.Pattern, r.Replacement, size, from)
			}
		}
	}
}
