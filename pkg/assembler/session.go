// Package assembler drives one assembly run. A Session turns parsed
// statements into layout frags, one per source instruction or bundle,
// relaxes them to a fixpoint together with the alignment and erratum
// passes, and finally encodes every frag.
package assembler

import (
	"context"

	"github.com/nikandfor/errors"
	"github.com/nikandfor/tlog"

	"github.com/raymyers/ralph-as/pkg/asmparse"
	"github.com/raymyers/ralph-as/pkg/bundle"
	"github.com/raymyers/ralph-as/pkg/config"
	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/isa"
	"github.com/raymyers/ralph-as/pkg/layout"
	"github.com/raymyers/ralph-as/pkg/postpass"
	"github.com/raymyers/ralph-as/pkg/relax"
)

// ErrCapability is a configuration asking for an ISA capability it lacks
var ErrCapability = errors.New("isa lacks capability")

// Session is the state of one assembly run. It is not safe for concurrent
// use; independent runs use independent sessions.
type Session struct {
	ISA     isa.Oracle
	Opts    config.Options
	Relax   *relax.Context
	Scratch *bundle.Scratch
	Layout  *layout.Layout
	Diags   *diag.Collector

	// wide relaxes bundle slots, which are never narrowed
	wide   *relax.Context
	passes *postpass.Passes
	tr     tlog.Span

	noTransform   int
	noTargetAlign int
	// afterLoop is set while the last instruction emitted is a loop setup
	afterLoop bool

	// uses records where each symbol was first referenced
	uses map[*layout.Symbol]diag.Pos
}

// Result of a run
type Result struct {
	Layout *layout.Layout
	// Image is the literal pool followed by the text
	Image []byte
}

// New checks opts against o and builds the run's tables
func New(ctx context.Context, o isa.Oracle, opts config.Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	errata, err := opts.Errata()
	if err != nil {
		return nil, err
	}
	if opts.PreferConst16 && !o.HasCapability("const16") {
		return nil, errors.Wrap(ErrCapability, "prefer_const16: const16")
	}
	if !o.HasCapability("density") {
		opts.Density = false
	}

	rc, err := relax.NewContext(ctx, o, relax.Options{
		Density:       opts.Density,
		Transform:     opts.Transform,
		LongCalls:     opts.LongCalls,
		PreferConst16: opts.PreferConst16,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		ISA:     o,
		Opts:    opts,
		Relax:   rc,
		Scratch: bundle.NewScratch(o),
		Layout:  layout.New(opts.MaxPasses),
		Diags:   diag.NewCollector(),
		passes: postpass.New(o, postpass.Options{
			FetchWidth:  opts.FetchWidth,
			TargetAlign: opts.TargetAlign,
			LoopAlign:   opts.LoopAlign && o.HasCapability("loops"),
			Density:     opts.Density,
			Errata:      errata,
		}),
		tr:   tlog.SpanFromContext(ctx),
		uses: make(map[*layout.Symbol]diag.Pos),
	}
	wide := *rc
	wide.Opts.Density = false
	s.wide = &wide
	s.tr.Printw("session", "isa", opts.ISA, "density", opts.Density, "transform", opts.Transform, "errata", errata)
	return s, nil
}

// Assemble runs the whole pipeline over stmts. User errors are collected
// in s.Diags; the returned error is diag.ErrAssembly when there were any,
// or a fatal error of the run.
func (s *Session) Assemble(ctx context.Context, stmts []asmparse.Stmt) (res *Result, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "assemble", "stmts", len(stmts))
	defer tr.Finish("err", &err)
	s.tr = tr

	var end diag.Pos
	for _, st := range stmts {
		s.statement(st)
		end = st.Position()
	}
	if s.noTransform > 0 {
		s.Diags.Errorf(end, "missing .end no-transform")
	}
	if s.noTargetAlign > 0 {
		s.Diags.Errorf(end, "missing .end no-target-align")
	}
	s.Layout.Close(end)
	s.checkSymbols()
	s.markTargets()

	s.passes.Check(s.Layout, s.Diags)

	if err := s.relax(ctx); err != nil {
		return nil, err
	}

	s.Layout.Finalize(s, func(f *layout.Frag, err error) {
		s.Diags.Errorf(f.Pos, "%v", err)
	})

	// undefined literal values were reported by checkSymbols
	img, err := s.Layout.Image()
	if err != nil && !errors.Is(err, layout.ErrUndefined) {
		s.Diags.Errorf(end, "%v", err)
	}
	tr.Printw("assembled", "text", s.Layout.Size(), "literals", len(s.Layout.Pool.Entries()), "passes", s.Layout.Passes)

	return &Result{Layout: s.Layout, Image: img}, s.Diags.Err()
}

// relax alternates the layout fixpoint and the post-passes until the
// post-passes change nothing
func (s *Session) relax(ctx context.Context) error {
	for round := 1; ; round++ {
		if round > s.Opts.MaxPasses {
			return errors.Wrap(layout.ErrNoConvergence, "post-passes keep changing the layout")
		}
		if err := s.Layout.Relax(ctx, s); err != nil {
			return err
		}
		if !s.passes.Run(s.Layout, s.Diags) {
			return nil
		}
		s.tr.V("relax").Printw("post-pass changed filler", "round", round)
	}
}

// checkSymbols reports labels that are used but never defined
func (s *Session) checkSymbols() {
	for _, sym := range s.Layout.Symbols() {
		if sym.Defined() {
			continue
		}
		if u, ok := s.uses[sym]; ok {
			s.Diags.Errorf(u, "undefined symbol %s", sym.Name())
		}
	}
}
