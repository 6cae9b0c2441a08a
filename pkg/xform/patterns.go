package xform

// Pair is one pattern/replacement rule in source form.
//
// Pattern: opcode and operands, then "|"-separated preconditions, then
// "?"-separated capability terms. A term is satisfied when any of its
// "+"-joined capabilities holds; "no-" negates a capability.
//
// Replacement: ";"-separated instructions. "LITERAL x" defines the
// generated literal and "%LITERAL" refers to it; "LABEL" defines the
// generated label and "%LABEL" refers to it. Operands may be wrapped in a
// transform: LOW8, HI24S, HI16U, LOW16U, F32MINUS.
type Pair struct {
	Pattern     string
	Replacement string
}

// SimplifyPairs narrow an instruction to a density form
var SimplifyPairs = []Pair{
	{"add %ar,%as,%at ? density", "add.n %ar,%as,%at"},
	{"addi %ar,%as,%imm ? density", "addi.n %ar,%as,%imm"},
	{"beqz %as,%label ? density", "beqz.n %as,%label"},
	{"bnez %as,%label ? density", "bnez.n %as,%label"},
	{"l32i %at,%as,%imm ? density", "l32i.n %at,%as,%imm"},
	{"mov %at,%as ? density", "mov.n %at,%as"},
	{"movi %as,%imm ? density", "movi.n %as,%imm"},
	{"nop ? density ? realnop", "nop.n"},
	{"ret ? density", "ret.n"},
	{"retw ? density ? windowed", "retw.n"},
	{"s32i %at,%as,%imm ? density", "s32i.n %at,%as,%imm"},
}

// WidenPairs grow an instruction whose operands do not fit. For one
// opcode, single-instruction rules come first; the remaining rules are the
// lateral steps tried in order.
var WidenPairs = []Pair{
	// density forms back to their full-size equivalents
	{"add.n %ar,%as,%at", "add %ar,%as,%at"},
	{"addi.n %ar,%as,%imm", "addi %ar,%as,%imm"},
	{"beqz.n %as,%label", "beqz %as,%label"},
	{"bnez.n %as,%label", "bnez %as,%label"},
	{"l32i.n %at,%as,%imm", "l32i %at,%as,%imm"},
	{"mov.n %at,%as", "mov %at,%as"},
	{"movi.n %as,%imm", "movi %as,%imm"},
	{"nop.n", "nop"},
	{"ret.n", "ret"},
	{"retw.n", "retw"},
	{"s32i.n %at,%as,%imm", "s32i %at,%as,%imm"},

	// immediates
	{"addi %ar,%as,%imm", "addmi %ar,%as,%imm"},
	{"addi %ar,%as,%imm", "addmi %ar,%as,HI24S(%imm);addi %ar,%ar,LOW8(%imm)"},
	{"addi %ar,%as,%imm | %ar!=%as ? l32r", "LITERAL %imm;l32r %ar,%LITERAL;add %ar,%as,%ar"},
	{"movi %at,%imm ? l32r", "LITERAL %imm;l32r %at,%LITERAL"},
	{"movi %at,%imm ? const16", "const16 %at,HI16U(%imm);const16 %at,LOW16U(%imm)"},
	{"l32i %at,%as,%imm | %at!=%as ? l32r", "LITERAL %imm;l32r %at,%LITERAL;add %at,%at,%as;l32i %at,%at,0"},
	{"l32i %at,%as,%imm | %at!=%as ? const16", "const16 %at,HI16U(%imm);const16 %at,LOW16U(%imm);add %at,%at,%as;l32i %at,%at,0"},

	// branches around an unconditional jump
	{"beqz %as,%label", "bnez %as,%LABEL;j %label;LABEL"},
	{"bnez %as,%label", "beqz %as,%LABEL;j %label;LABEL"},
	{"bgez %as,%label", "bltz %as,%LABEL;j %label;LABEL"},
	{"bltz %as,%label", "bgez %as,%LABEL;j %label;LABEL"},
	{"beq %as,%at,%label", "bne %as,%at,%LABEL;j %label;LABEL"},
	{"bne %as,%at,%label", "beq %as,%at,%LABEL;j %label;LABEL"},
	{"blt %as,%at,%label", "bge %as,%at,%LABEL;j %label;LABEL"},
	{"bge %as,%at,%label", "blt %as,%at,%LABEL;j %label;LABEL"},
	{"bltu %as,%at,%label", "bgeu %as,%at,%LABEL;j %label;LABEL"},
	{"bgeu %as,%at,%label", "bltu %as,%at,%LABEL;j %label;LABEL"},
	{"beqi %as,%imm,%label", "bnei %as,%imm,%LABEL;j %label;LABEL"},
	{"bnei %as,%imm,%label", "beqi %as,%imm,%LABEL;j %label;LABEL"},
	{"blti %as,%imm,%label", "bgei %as,%imm,%LABEL;j %label;LABEL"},
	{"bgei %as,%imm,%label", "blti %as,%imm,%LABEL;j %label;LABEL"},

	// calls through a register
	{"call0 %label ? l32r", "LITERAL %label;l32r a0,%LITERAL;callx0 a0"},
	{"call0 %label ? const16", "const16 a0,HI16U(%label);const16 a0,LOW16U(%label);callx0 a0"},
	{"call8 %label ? l32r", "LITERAL %label;l32r a8,%LITERAL;callx8 a8"},
	{"call8 %label ? const16", "const16 a8,HI16U(%label);const16 a8,LOW16U(%label);callx8 a8"},
}
