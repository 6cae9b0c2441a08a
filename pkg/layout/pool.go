package layout

import (
	"encoding/binary"

	"github.com/nikandfor/errors"

	"github.com/raymyers/ralph-as/pkg/insn"
)

// LiteralSize is the size of one pool entry
const LiteralSize = 4

// ErrUndefined is an undefined symbol in a literal value
var ErrUndefined = errors.New("undefined symbol")

// Literal is one pool entry
type Literal struct {
	Value insn.Operand
	Addr  int64
	// Refs counts the uses registered this pass
	Refs int
}

type literalKey struct {
	kind  insn.OperandKind
	value int64
	sym   insn.Symbol
	sub   insn.Symbol
}

// Pool is the literal pool. It is rebuilt on every layout pass from the
// literals the frags currently use; equal values share one entry.
type Pool struct {
	entries []*Literal
	index   map[literalKey]*Literal
}

func newPool() Pool {
	return Pool{index: make(map[literalKey]*Literal)}
}

// Reset forgets every use
func (p *Pool) Reset() {
	p.entries = p.entries[:0]
	clear(p.index)
}

// Add registers a use of v and returns its entry
func (p *Pool) Add(v insn.Operand) *Literal {
	k := literalKey{kind: v.Kind, value: v.Value, sym: v.Sym, sub: v.Sub}
	if l, ok := p.index[k]; ok {
		l.Refs++
		return l
	}
	l := &Literal{Value: v, Addr: int64(len(p.entries) * LiteralSize), Refs: 1}
	p.entries = append(p.entries, l)
	p.index[k] = l
	return l
}

// Entries lists the pool in address order
func (p *Pool) Entries() []*Literal { return p.entries }

// Size is the pool size in bytes
func (p *Pool) Size() int64 { return int64(len(p.entries) * LiteralSize) }

// Bytes encodes every entry little-endian
func (p *Pool) Bytes() ([]byte, error) {
	out := make([]byte, 0, p.Size())
	for _, l := range p.entries {
		v, ok := l.Value.Resolve()
		if !ok {
			return nil, errors.Wrap(ErrUndefined, "literal %v", l.Value)
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(v))
	}
	return out, nil
}
