// Package postpass holds the passes that run once relaxation has settled:
// alignment of branch and loop targets and the hardware erratum
// workarounds. Both only change frag filler, never instructions, so the
// caller re-runs the layout fixpoint after them until neither moves.
package postpass

import (
	"github.com/raymyers/ralph-as/pkg/config"
	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
	"github.com/raymyers/ralph-as/pkg/layout"
)

// Word is one issue word: a lone instruction or a whole bundle
type Word struct {
	Insns []insn.TInsn
	Size  int
}

// Code is implemented by the data of frags that hold instructions
type Code interface {
	// Words lists the issue words of the frag in address order. The
	// IsBranchTarget and IsLoopTarget marks of their instructions ask for
	// the frag to start within a fetch block.
	Words() []Word
	// Frozen is set inside a no-transform region
	Frozen() bool
	// NoTargetAlign is set inside a no-target-align region
	NoTargetAlign() bool
	// LoopEnd is the end label of a loop instruction, nil otherwise
	LoopEnd() *layout.Symbol
}

// Options of the passes
type Options struct {
	FetchWidth  int
	TargetAlign bool
	LoopAlign   bool
	// Density allows narrow no-ops as filler
	Density bool
	Errata  config.Errata
}

// Passes is the post-pass state of one assembly run
type Passes struct {
	o    isa.Oracle
	opts Options

	nops   []int
	nopLen int

	reported map[reportKey]bool
}

type reportKey struct {
	frag int
	what string
}

// New prepares the passes for o
func New(o isa.Oracle, opts Options) *Passes {
	p := &Passes{o: o, opts: opts, reported: make(map[reportKey]bool)}
	for _, n := range []int{3, 2} {
		if n == 2 && !opts.Density {
			continue
		}
		if isa.NopOfLength(o, n) != isa.NoOpcode {
			p.nops = append(p.nops, n)
		}
	}
	for _, n := range p.nops {
		if p.nopLen == 0 || n < p.nopLen {
			p.nopLen = n
		}
	}
	return p
}

// NopSizes lists the filler no-op lengths, widest first
func (p *Passes) NopSizes() []int { return p.nops }

// Filler splits n bytes into the fewest no-ops, widest first. ok is false
// when the available no-ops cannot make up n.
func (p *Passes) Filler(n int) (seq []int, ok bool) {
	if n == 0 {
		return nil, true
	}
	if n < 0 || len(p.nops) == 0 {
		return nil, false
	}
	best := make([]int, n+1)
	from := make([]int, n+1)
	for i := 1; i <= n; i++ {
		best[i] = -1
		for _, s := range p.nops {
			if s > i || best[i-s] < 0 {
				continue
			}
			if best[i] < 0 || best[i-s]+1 < best[i] {
				best[i] = best[i-s] + 1
				from[i] = s
			}
		}
	}
	if best[n] < 0 {
		return nil, false
	}
	for i := n; i > 0; i -= from[i] {
		seq = append(seq, from[i])
	}
	return seq, true
}

func (p *Passes) fillable(n int) bool {
	_, ok := p.Filler(n)
	return ok
}

// Fill is the smallest filler placed at addr after which size bytes do
// not cross a fetch block boundary. Content larger than a block gets its
// start aligned instead.
func (p *Passes) Fill(addr int64, size int) int {
	w := int64(p.opts.FetchWidth)
	if w <= 1 || size == 0 {
		return 0
	}
	for f := 0; f <= 4*int(w); f++ {
		if !p.fillable(f) {
			continue
		}
		start := addr + int64(f)
		if int64(size) > w {
			if start%w == 0 {
				return f
			}
			continue
		}
		if start/w == (start+int64(size)-1)/w {
			return f
		}
	}
	return 0
}

// word is a Word located in the layout
type word struct {
	Word
	frag  *layout.Frag
	index int
}

func words(l *layout.Layout) []word {
	var ws []word
	for _, f := range l.Frags {
		c, ok := f.Data.(Code)
		if !ok {
			continue
		}
		for i, w := range c.Words() {
			ws = append(ws, word{Word: w, frag: f, index: i})
		}
	}
	return ws
}

// Check reports loops whose body is empty. It runs once, before the
// first pass.
func (p *Passes) Check(l *layout.Layout, dc *diag.Collector) {
	for _, f := range l.Frags {
		c, ok := f.Data.(Code)
		if !ok {
			continue
		}
		end := c.LoopEnd()
		if end == nil || end.Frag() == nil {
			continue
		}
		if bodyWords(l, f, end.Frag()) == 0 {
			dc.Errorf(f.Pos, "invalid empty loop")
		}
	}
}

// bodyWords counts the issue words strictly between the loop frag and the
// frag its end label is bound to. A label placed before the loop counts
// as empty.
func bodyWords(l *layout.Layout, loop, end *layout.Frag) int {
	n := 0
	for i := loop.Index + 1; i < end.Index; i++ {
		if c, ok := l.Frags[i].Data.(Code); ok {
			n += len(c.Words())
		}
	}
	return n
}

// Run recomputes the filler of every frag and reports whether any
// changed. Frag addresses are updated as it walks.
func (p *Passes) Run(l *layout.Layout, dc *diag.Collector) bool {
	need := p.erratumNops(l, dc)

	changed := false
	addr := l.TextBase
	var lastEnd *layout.Frag
	for _, f := range l.Frags {
		f.Addr = addr
		c, isCode := f.Data.(Code)
		if !isCode && f.Data != nil {
			// filler of other frags belongs to the machine; the passes
			// only raise its floor
			if floor := need[f.Index] * p.nopLen; f.MinPad != floor {
				f.MinPad = floor
				changed = true
			}
			addr = f.End()
			continue
		}
		frozen := isCode && c.Frozen()

		pad := 0
		if n := need[f.Index]; n > 0 {
			if frozen {
				p.report(f, dc, "erratum", "hardware workaround needs a no-op inside a no-transform region")
			} else {
				pad = n * p.nopLen
			}
		}

		if isCode && p.aligned(c) {
			if ws := c.Words(); len(ws) > 0 {
				pad += p.Fill(addr+int64(pad), ws[0].Size)
			}
		}

		if isLoopEnd(f) {
			if lastEnd != nil && p.opts.Errata.CloseLoopEnd {
				prev := lastEnd.Start()
				if d := addr + int64(pad) - prev; d < config.CloseLoopEndMinDistance {
					if frozen {
						p.report(f, dc, config.CloseLoopEnd, "loop ends too close inside a no-transform region")
					} else {
						pad += p.atLeast(int(config.CloseLoopEndMinDistance - d))
					}
				}
			}
			lastEnd = f
		}

		if f.Pad != pad {
			f.Pad = pad
			changed = true
		}
		addr = f.End()
	}
	return changed
}

// atLeast returns the smallest fillable size not below n
func (p *Passes) atLeast(n int) int {
	for m := n; m < n+8; m++ {
		if p.fillable(m) {
			return m
		}
	}
	diag.Fatalf("no filler of %d bytes", n)
	return 0
}

func (p *Passes) report(f *layout.Frag, dc *diag.Collector, what, msg string) {
	k := reportKey{frag: f.Index, what: what}
	if p.reported[k] {
		return
	}
	p.reported[k] = true
	dc.Errorf(f.Pos, "%s", msg)
}

// aligned reports whether c starts a loop body or a branch target that
// must not cross a fetch block
func (p *Passes) aligned(c Code) bool {
	branch, loop := false, false
	for _, w := range c.Words() {
		for i := range w.Insns {
			branch = branch || w.Insns[i].IsBranchTarget
			loop = loop || w.Insns[i].IsLoopTarget
		}
	}
	if loop && p.opts.LoopAlign {
		return true
	}
	return branch && p.opts.TargetAlign && !c.NoTargetAlign()
}

func isLoopEnd(f *layout.Frag) bool {
	for _, s := range f.Syms {
		if s.LoopEnd {
			return true
		}
	}
	return false
}

// erratumNops returns how many no-ops go in front of each frag
func (p *Passes) erratumNops(l *layout.Layout, dc *diag.Collector) map[int]int {
	e := p.opts.Errata
	need := make(map[int]int)
	ws := words(l)

	if e.A0BRetw {
		for i := 0; i+2 < len(ws); i++ {
			a, b, r := ws[i], ws[i+1], ws[i+2]
			if p.writesA0(a) && p.hasBranch(b) && p.hasReturn(r) && r.index == 0 {
				need[r.frag.Index]++
			}
		}
	}

	if e.BJLoopEnd {
		for i := 0; i+1 < len(ws); i++ {
			next := ws[i+1]
			if next.index != 0 {
				continue
			}
			// frags between two adjacent words hold no code, so a label
			// bound to any of them directly follows ws[i]
			for _, s := range p.targets(ws[i]) {
				g := s.Frag()
				if s.LoopEnd && g != nil && g.Index > ws[i].frag.Index && g.Index <= next.frag.Index {
					need[g.Index]++
					break
				}
			}
		}
	}

	if e.ShortLoop {
		for _, f := range l.Frags {
			c, ok := f.Data.(Code)
			if !ok || c.LoopEnd() == nil || c.LoopEnd().Frag() == nil {
				continue
			}
			end := c.LoopEnd().Frag()
			if n := bodyWords(l, f, end); n > 0 && n < config.ShortLoopMinInsns {
				need[end.Index] += config.ShortLoopMinInsns - n
			}
		}
	}
	return need
}

func (p *Passes) hasBranch(w word) bool {
	for i := range w.Insns {
		if p.o.OpcodeIsBranch(w.Insns[i].Opcode) {
			return true
		}
	}
	return false
}

func (p *Passes) hasReturn(w word) bool {
	for i := range w.Insns {
		if p.o.OpcodeIsReturn(w.Insns[i].Opcode) {
			return true
		}
	}
	return false
}

// writesA0 reports a write of address register 0, explicit or implicit
func (p *Passes) writesA0(w word) bool {
	for i := range w.Insns {
		t := &w.Insns[i]
		for j, op := range t.Operands() {
			if op.IsRegister() && op.AsRegister() == 0 && p.o.OperandRegFile(t.Opcode, j) == 0 && p.o.OperandDir(t.Opcode, j).Writes() {
				return true
			}
		}
		for _, r := range p.o.OpcodeImplicitRegs(t.Opcode) {
			if r.RegFile == 0 && r.Reg == 0 && r.Dir.Writes() {
				return true
			}
		}
	}
	return false
}

// targets returns the labels branched or jumped to from w
func (p *Passes) targets(w word) []*layout.Symbol {
	var out []*layout.Symbol
	for i := range w.Insns {
		t := &w.Insns[i]
		if !p.o.OpcodeIsBranch(t.Opcode) && !p.o.OpcodeIsJump(t.Opcode) {
			continue
		}
		for j, op := range t.Operands() {
			if !p.o.OperandIsPCRelative(t.Opcode, j) {
				continue
			}
			if s, ok := op.Sym.(*layout.Symbol); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
