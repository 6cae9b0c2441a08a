// Package layout is the minimal host side of the assembler: a text region
// made of frags, symbols bound to frags, a literal pool placed before the
// text, and the fixpoint driver that re-relaxes frags until no size changes.
//
// What a frag holds is up to the Machine; layout only tracks addresses and
// sizes.
package layout

import (
	"github.com/nikandfor/errors"

	"github.com/raymyers/ralph-as/pkg/diag"
)

// Section ids
const (
	SectionLiteral = 0
	SectionText    = 1
)

// Frag is a piece of the text region. Its bytes are Pad filler bytes
// followed by Size bytes of content.
type Frag struct {
	Index int
	Addr  int64
	Pad   int
	// MinPad is a floor for filler that the machine owns
	MinPad int
	Size   int
	// Max bounds Size; set from the machine's growth estimate
	Max int

	Pos  diag.Pos
	Syms []*Symbol
	Data any

	// Bytes are set by FinalizeConversion
	Bytes []byte
}

// Start is the address of the content, after the filler
func (f *Frag) Start() int64 { return f.Addr + int64(f.Pad) }

// End is the address just past the frag
func (f *Frag) End() int64 { return f.Start() + int64(f.Size) }

// Symbol is a label. A defined label addresses the start of the content of
// the frag that follows its definition.
type Symbol struct {
	name    string
	frag    *Frag
	pos     diag.Pos
	defined bool

	// BranchTarget is set when a branch or jump refers to the label
	BranchTarget bool
	// LoopEnd is set when a loop instruction names the label as its end
	LoopEnd bool
}

// Name returns the label name
func (s *Symbol) Name() string { return s.name }

// Address returns the current address estimate
func (s *Symbol) Address() (int64, bool) {
	if s.frag == nil {
		return 0, false
	}
	return s.frag.Start(), true
}

// Section returns the section of a defined label
func (s *Symbol) Section() int { return SectionText }

// Defined reports whether the label was defined
func (s *Symbol) Defined() bool { return s.frag != nil }

// Frag returns the frag the label is bound to, nil if undefined
func (s *Symbol) Frag() *Frag { return s.frag }

// Pos returns where the label was defined
func (s *Symbol) Pos() diag.Pos { return s.pos }

// ErrRedefined is returned when a label is defined twice
var ErrRedefined = errors.New("symbol already defined")

// Layout is the text region and literal pool of one assembly run
type Layout struct {
	Frags    []*Frag
	Pool     Pool
	TextBase int64

	// MaxPasses bounds the fixpoint
	MaxPasses int
	// Passes is the number of passes the last Relax took
	Passes int

	symbols map[string]*Symbol
	order   []*Symbol
	pending []*Symbol
}

// New returns an empty layout
func New(maxPasses int) *Layout {
	return &Layout{
		MaxPasses: maxPasses,
		Pool:      newPool(),
		symbols:   make(map[string]*Symbol),
	}
}

// Symbol returns the label called name, creating it undefined
func (l *Layout) Symbol(name string) *Symbol {
	s, ok := l.symbols[name]
	if !ok {
		s = &Symbol{name: name}
		l.symbols[name] = s
		l.order = append(l.order, s)
	}
	return s
}

// Lookup returns an existing label
func (l *Layout) Lookup(name string) (*Symbol, bool) {
	s, ok := l.symbols[name]
	return s, ok
}

// Symbols lists every label in order of first mention
func (l *Layout) Symbols() []*Symbol { return l.order }

// Define binds name to the next frag created
func (l *Layout) Define(name string, pos diag.Pos) (*Symbol, error) {
	s := l.Symbol(name)
	if s.defined {
		return s, errors.Wrap(ErrRedefined, "%s (first at %v)", name, s.pos)
	}
	s.pos = pos
	s.defined = true
	l.pending = append(l.pending, s)
	return s, nil
}

// NewFrag appends a frag of the given content size holding data
func (l *Layout) NewFrag(size int, data any, pos diag.Pos) *Frag {
	f := &Frag{Index: len(l.Frags), Size: size, Max: size, Data: data, Pos: pos}
	if len(l.Frags) > 0 {
		f.Addr = l.Frags[len(l.Frags)-1].End()
	} else {
		f.Addr = l.TextBase
	}
	for _, s := range l.pending {
		s.frag = f
		f.Syms = append(f.Syms, s)
	}
	l.pending = l.pending[:0]
	l.Frags = append(l.Frags, f)
	return f
}

// Close binds labels defined after the last frag to an empty end frag
func (l *Layout) Close(pos diag.Pos) {
	if len(l.pending) > 0 {
		l.NewFrag(0, nil, pos)
	}
}

// Size is the total size of the text region
func (l *Layout) Size() int64 {
	if len(l.Frags) == 0 {
		return 0
	}
	return l.Frags[len(l.Frags)-1].End() - l.TextBase
}

// Next returns the frag after f, nil at the end
func (l *Layout) Next(f *Frag) *Frag {
	if f.Index+1 < len(l.Frags) {
		return l.Frags[f.Index+1]
	}
	return nil
}

// Prev returns the frag before f, nil at the start
func (l *Layout) Prev(f *Frag) *Frag {
	if f.Index > 0 {
		return l.Frags[f.Index-1]
	}
	return nil
}
