// Package relax is the relaxation engine. It decides which concrete form an
// instruction takes: the narrow form, a single-instruction widening, or a
// multi-instruction sequence from the widen table, given what is currently
// known about addresses.
package relax

import (
	"context"

	"github.com/nikandfor/errors"

	"github.com/raymyers/ralph-as/pkg/isa"
	"github.com/raymyers/ralph-as/pkg/xform"
)

// Options are the engine switches
type Options struct {
	// Density allows narrowing through the simplify table
	Density bool
	// Transform is the global transform switch; false freezes every instruction
	Transform bool
	// LongCalls makes every direct call to a symbol go through a register
	LongCalls bool
	// PreferConst16 selects split-immediate loads over literal loads
	PreferConst16 bool
}

// Context owns the immutable tables shared by every instruction of a run
type Context struct {
	ISA           isa.Oracle
	SimplifyTable *xform.Table
	WidenTable    *xform.Table
	Opts          Options
}

// NewContext builds (or reuses) the transition tables for o
func NewContext(ctx context.Context, o isa.Oracle, opts Options) (*Context, error) {
	xo := xform.Options{PreferConst16: opts.PreferConst16}

	s, err := xform.BuildSimplifyTable(ctx, o, xo)
	if err != nil {
		return nil, errors.Wrap(err, "build simplify table")
	}
	w, err := xform.BuildWidenTable(ctx, o, xo)
	if err != nil {
		return nil, errors.Wrap(err, "build widen table")
	}
	return &Context{ISA: o, SimplifyTable: s, WidenTable: w, Opts: opts}, nil
}
