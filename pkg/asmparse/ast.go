// Package asmparse parses assembly source into statements: labels,
// instructions, bundles in braces and directives. Operand expressions stay
// syntactic; the assembler resolves names against the ISA and its symbols.
package asmparse

import (
	"fmt"
	"strings"

	"github.com/raymyers/ralph-as/pkg/diag"
)

// Node is the base interface for all AST nodes
type Node interface {
	implAsmNode()
}

// Expr is an operand expression
type Expr interface {
	Node
	implAsmExpr()
	String() string
}

// Stmt is one source statement
type Stmt interface {
	Node
	implAsmStmt()
	Position() diag.Pos
}

// Number is an integer constant
type Number struct {
	Value int64
}

// Ident names a register or a symbol. Plt marks sym@plt.
type Ident struct {
	Name string
	Plt  bool
}

// Binary is X+Y or X-Y
type Binary struct {
	Op   byte
	X, Y Expr
}

// Neg is -X
type Neg struct {
	X Expr
}

func (Number) implAsmNode() {}
func (Ident) implAsmNode()  {}
func (Binary) implAsmNode() {}
func (Neg) implAsmNode()    {}
func (Number) implAsmExpr() {}
func (Ident) implAsmExpr()  {}
func (Binary) implAsmExpr() {}
func (Neg) implAsmExpr()    {}

func (n Number) String() string { return fmt.Sprint(n.Value) }

func (i Ident) String() string {
	if i.Plt {
		return i.Name + "@plt"
	}
	return i.Name
}

func (b Binary) String() string { return b.X.String() + string(b.Op) + b.Y.String() }
func (n Neg) String() string    { return "-" + n.X.String() }

// Label defines a symbol at the next instruction
type Label struct {
	Name string
	Pos  diag.Pos
}

// Instr is one instruction. NoTransform is set by the '_' prefix.
type Instr struct {
	Mnemonic    string
	NoTransform bool
	Args        []Expr
	Pos         diag.Pos
}

// Bundle is a brace group issued together. Format is empty unless the
// source names one.
type Bundle struct {
	Format string
	Instrs []Instr
	Pos    diag.Pos
}

// Directive is a dot command. Words holds the arguments of .begin and
// .end, Args those of every other directive.
type Directive struct {
	Name  string
	Args  []Expr
	Words string
	Pos   diag.Pos
}

func (Label) implAsmNode()     {}
func (Instr) implAsmNode()     {}
func (Bundle) implAsmNode()    {}
func (Directive) implAsmNode() {}
func (Label) implAsmStmt()     {}
func (Instr) implAsmStmt()     {}
func (Bundle) implAsmStmt()    {}
func (Directive) implAsmStmt() {}

func (s Label) Position() diag.Pos     { return s.Pos }
func (s Instr) Position() diag.Pos     { return s.Pos }
func (s Bundle) Position() diag.Pos    { return s.Pos }
func (s Directive) Position() diag.Pos { return s.Pos }

func (s Instr) String() string {
	var b strings.Builder
	if s.NoTransform {
		b.WriteByte('_')
	}
	b.WriteString(s.Mnemonic)
	for i, a := range s.Args {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	return b.String()
}
