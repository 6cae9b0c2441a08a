package lexer

// TokenType represents the type of a token
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenIllegal
	TokenNewline

	// Literals
	TokenIdent  // add.n, loop_end, .align
	TokenInt    // 42, 0x2a, 0b101010
	TokenString // "hello"

	// Operators and punctuation
	TokenPlus      // +
	TokenMinus     // -
	TokenComma     // ,
	TokenColon     // :
	TokenSemicolon // ;
	TokenLBrace    // {
	TokenRBrace    // }
	TokenLParen    // (
	TokenRParen    // )
	TokenAt        // @
)

var tokenNames = map[TokenType]string{
	TokenEOF:       "EOF",
	TokenIllegal:   "ILLEGAL",
	TokenNewline:   "NEWLINE",
	TokenIdent:     "IDENT",
	TokenInt:       "INT",
	TokenString:    "STRING",
	TokenPlus:      "+",
	TokenMinus:     "-",
	TokenComma:     ",",
	TokenColon:     ":",
	TokenSemicolon: ";",
	TokenLBrace:    "{",
	TokenRBrace:    "}",
	TokenLParen:    "(",
	TokenRParen:    ")",
	TokenAt:        "@",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Token represents a lexical token
type Token struct {
	Type    TokenType
	Literal string
	Line    int
	Column  int
}
