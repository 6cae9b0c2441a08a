package layout

import (
	"context"

	"github.com/nikandfor/errors"
	"github.com/nikandfor/tlog"

	"github.com/raymyers/ralph-as/pkg/diag"
)

// Machine is the target side of the relaxation driver
type Machine interface {
	// EstimateGrowth returns how many bytes f may still grow. It is called
	// once per frag before the first pass.
	EstimateGrowth(f *Frag) int
	// RecomputeOnRelax re-decides f at its current address and returns the
	// change of f.Pad+f.Size. stretch is how much the frags before f grew
	// since the last pass; symbols after f do not reflect it yet. It also
	// registers the literals f uses in the pool.
	RecomputeOnRelax(f *Frag, stretch int64) int
	// FinalizeConversion writes f.Bytes once addresses are final
	FinalizeConversion(f *Frag) error
}

// ErrNoConvergence means the fixpoint did not settle within MaxPasses
var ErrNoConvergence = errors.New("layout did not converge")

// Relax runs passes until no frag changes size and the pool is stable
func (l *Layout) Relax(ctx context.Context, m Machine) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "layout_relax", "frags", len(l.Frags))
	defer tr.Finish("err", &err)

	if l.Passes == 0 {
		for _, f := range l.Frags {
			f.Max = f.Size + m.EstimateGrowth(f)
		}
	}

	for pass := 1; ; pass++ {
		if pass > l.MaxPasses {
			return errors.Wrap(ErrNoConvergence, "after %d passes", l.MaxPasses)
		}
		l.Passes++

		changed := l.pass(m)

		if base := alignUp(l.Pool.Size(), LiteralSize); base != l.TextBase {
			l.TextBase = base
			changed++
		}
		tr.Printw("fixpoint pass", "pass", pass, "changed", changed, "text", l.Size(), "literals", len(l.Pool.Entries()))
		if changed == 0 {
			return nil
		}
	}
}

// pass relaxes every frag once, in address order, and returns how many
// changed size
func (l *Layout) pass(m Machine) int {
	l.Pool.Reset()

	changed := 0
	addr := l.TextBase
	for _, f := range l.Frags {
		stretch := addr - f.Addr
		f.Addr = addr

		if d := m.RecomputeOnRelax(f, stretch); d != 0 {
			changed++
		}
		diag.Assertf(f.Pad >= 0 && f.Size >= 0, "frag %d: negative size", f.Index)
		diag.Assertf(f.Size <= f.Max, "frag %d at %v grew to %d past its bound %d", f.Index, f.Pos, f.Size, f.Max)

		addr = f.End()
	}
	return changed
}

// Finalize converts every frag; the first error of each frag is collected
func (l *Layout) Finalize(m Machine, errs func(f *Frag, err error)) {
	for _, f := range l.Frags {
		if err := m.FinalizeConversion(f); err != nil {
			errs(f, err)
			continue
		}
		diag.Assertf(len(f.Bytes) == f.Pad+f.Size, "frag %d: %d bytes, want %d", f.Index, len(f.Bytes), f.Pad+f.Size)
	}
}

// Text concatenates the bytes of every frag
func (l *Layout) Text() []byte {
	out := make([]byte, 0, l.Size())
	for _, f := range l.Frags {
		out = append(out, f.Bytes...)
	}
	return out
}

// Image is the pool, padded to the text base, followed by the text
func (l *Layout) Image() ([]byte, error) {
	pool, err := l.Pool.Bytes()
	if err != nil {
		return nil, err
	}
	for int64(len(pool)) < l.TextBase {
		pool = append(pool, 0)
	}
	return append(pool, l.Text()...), nil
}

func alignUp(v, a int64) int64 {
	return (v + a - 1) &^ (a - 1)
}
