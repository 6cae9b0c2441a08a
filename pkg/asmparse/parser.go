package asmparse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/lexer"
)

// Parser parses assembly source into statements
type Parser struct {
	l         *lexer.Lexer
	file      string
	curToken  lexer.Token
	peekToken lexer.Token
	errors    []diag.Diagnostic
}

// New creates a new Parser for the given lexer. file names the source in
// positions.
func New(l *lexer.Lexer, file string) *Parser {
	p := &Parser{l: l, file: file}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// Parse tokenizes and parses a whole source
func Parse(file, src string) ([]Stmt, []diag.Diagnostic) {
	p := New(lexer.New(src), file)
	stmts := p.ParseFile()
	return stmts, p.Errors()
}

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.l.NextToken()
}

// Errors returns the list of parsing errors
func (p *Parser) Errors() []diag.Diagnostic {
	return p.errors
}

func (p *Parser) pos() diag.Pos {
	return diag.Pos{File: p.file, Line: p.curToken.Line}
}

func (p *Parser) addError(msg string) {
	p.errors = append(p.errors, diag.Diagnostic{Pos: p.pos(), Severity: diag.SevError, Msg: msg})
}

func (p *Parser) curTokenIs(t lexer.TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) peekTokenIs(t lexer.TokenType) bool {
	return p.peekToken.Type == t
}

// atEnd reports whether the current token ends a statement
func (p *Parser) atEnd() bool {
	switch p.curToken.Type {
	case lexer.TokenNewline, lexer.TokenSemicolon, lexer.TokenEOF, lexer.TokenRBrace:
		return true
	}
	return false
}

// skipLine drops the rest of a bad statement
func (p *Parser) skipLine() {
	for !p.curTokenIs(lexer.TokenNewline) && !p.curTokenIs(lexer.TokenEOF) {
		p.nextToken()
	}
}

// ParseFile parses statements until EOF. A statement with errors is
// dropped and parsing resumes on the next line.
func (p *Parser) ParseFile() []Stmt {
	var stmts []Stmt
	for !p.curTokenIs(lexer.TokenEOF) {
		if p.curTokenIs(lexer.TokenNewline) || p.curTokenIs(lexer.TokenSemicolon) {
			p.nextToken()
			continue
		}
		n := len(p.errors)
		s := p.parseStatement()
		if len(p.errors) > n {
			p.skipLine()
			continue
		}
		if s != nil {
			stmts = append(stmts, s)
		}
		if _, isLabel := s.(Label); !isLabel && !p.atEnd() {
			p.addError(fmt.Sprintf("unexpected %s after statement", p.curToken.Type))
			p.skipLine()
		}
	}
	return stmts
}

func (p *Parser) parseStatement() Stmt {
	switch p.curToken.Type {
	case lexer.TokenIdent:
		if p.peekTokenIs(lexer.TokenColon) {
			s := Label{Name: p.curToken.Literal, Pos: p.pos()}
			p.nextToken()
			p.nextToken()
			return s
		}
		if strings.HasPrefix(p.curToken.Literal, ".") {
			return p.parseDirective()
		}
		in := p.parseInstr()
		return in
	case lexer.TokenLBrace:
		return p.parseBundle()
	default:
		p.addError(fmt.Sprintf("unexpected token in statement: %s", p.curToken.Type))
		return nil
	}
}

func (p *Parser) parseInstr() Instr {
	in := Instr{Mnemonic: p.curToken.Literal, Pos: p.pos()}
	if strings.HasPrefix(in.Mnemonic, "_") && len(in.Mnemonic) > 1 {
		in.Mnemonic = in.Mnemonic[1:]
		in.NoTransform = true
	}
	p.nextToken()
	if p.atEnd() {
		return in
	}
	for {
		e := p.parseExpression()
		if e == nil {
			return in
		}
		in.Args = append(in.Args, e)
		if !p.curTokenIs(lexer.TokenComma) {
			return in
		}
		p.nextToken()
	}
}

func (p *Parser) parseBundle() Stmt {
	b := Bundle{Pos: p.pos()}
	p.nextToken() // consume '{'
	p.skipNewlines()

	if p.curTokenIs(lexer.TokenIdent) && p.peekTokenIs(lexer.TokenColon) {
		b.Format = p.curToken.Literal
		p.nextToken()
		p.nextToken()
	}

	for {
		p.skipNewlines()
		switch p.curToken.Type {
		case lexer.TokenRBrace:
			p.nextToken()
			if len(b.Instrs) == 0 {
				p.addError("empty bundle")
				return nil
			}
			return b
		case lexer.TokenSemicolon:
			p.nextToken()
			continue
		case lexer.TokenIdent:
			if strings.HasPrefix(p.curToken.Literal, ".") {
				p.addError("directive inside a bundle")
				return nil
			}
			if p.peekTokenIs(lexer.TokenColon) {
				p.addError("label inside a bundle")
				return nil
			}
			n := len(p.errors)
			in := p.parseInstr()
			if len(p.errors) > n {
				return nil
			}
			b.Instrs = append(b.Instrs, in)
		default:
			p.addError(fmt.Sprintf("expected instruction or '}', got %s", p.curToken.Type))
			return nil
		}
	}
}

func (p *Parser) skipNewlines() {
	for p.curTokenIs(lexer.TokenNewline) {
		p.nextToken()
	}
}

func (p *Parser) parseDirective() Stmt {
	d := Directive{Name: p.curToken.Literal, Pos: p.pos()}
	p.nextToken()

	if d.Name == ".begin" || d.Name == ".end" {
		var words strings.Builder
		for !p.atEnd() {
			words.WriteString(p.curToken.Literal)
			p.nextToken()
		}
		d.Words = words.String()
		if d.Words == "" {
			p.addError(fmt.Sprintf("%s needs a region name", d.Name))
			return nil
		}
		return d
	}

	for !p.atEnd() {
		e := p.parseExpression()
		if e == nil {
			return nil
		}
		d.Args = append(d.Args, e)
		if !p.curTokenIs(lexer.TokenComma) {
			break
		}
		p.nextToken()
	}
	return d
}

func (p *Parser) parseExpression() Expr {
	x := p.parseTerm()
	if x == nil {
		return nil
	}
	for p.curTokenIs(lexer.TokenPlus) || p.curTokenIs(lexer.TokenMinus) {
		op := p.curToken.Literal[0]
		p.nextToken()
		y := p.parseTerm()
		if y == nil {
			return nil
		}
		x = Binary{Op: op, X: x, Y: y}
	}
	return x
}

func (p *Parser) parseTerm() Expr {
	switch p.curToken.Type {
	case lexer.TokenMinus:
		p.nextToken()
		x := p.parseTerm()
		if x == nil {
			return nil
		}
		if n, ok := x.(Number); ok {
			return Number{Value: -n.Value}
		}
		return Neg{X: x}
	case lexer.TokenInt:
		v, err := strconv.ParseInt(p.curToken.Literal, 0, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(p.curToken.Literal, 0, 64)
			if uerr != nil {
				p.addError(fmt.Sprintf("bad number %q", p.curToken.Literal))
				return nil
			}
			v = int64(u)
		}
		p.nextToken()
		return Number{Value: v}
	case lexer.TokenIdent:
		id := Ident{Name: p.curToken.Literal}
		p.nextToken()
		if p.curTokenIs(lexer.TokenAt) {
			p.nextToken()
			if !p.curTokenIs(lexer.TokenIdent) || p.curToken.Literal != "plt" {
				p.addError(fmt.Sprintf("unknown relocation @%s", p.curToken.Literal))
				return nil
			}
			id.Plt = true
			p.nextToken()
		}
		return id
	case lexer.TokenLParen:
		p.nextToken()
		x := p.parseExpression()
		if x == nil {
			return nil
		}
		if !p.curTokenIs(lexer.TokenRParen) {
			p.addError(fmt.Sprintf("expected ), got %s", p.curToken.Type))
			return nil
		}
		p.nextToken()
		return x
	}
	p.addError(fmt.Sprintf("expected expression, got %s", p.curToken.Type))
	return nil
}
