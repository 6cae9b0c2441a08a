package xform

import (
	"context"
	"sync"

	"github.com/nikandfor/errors"
	"github.com/nikandfor/tlog"

	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
)

// Kind selects the simplify or the widen table
type Kind uint8

const (
	Simplify Kind = iota
	Widen
)

func (k Kind) String() string {
	if k == Simplify {
		return "simplify"
	}
	return "widen"
}

// Options are the configuration inputs of table construction
type Options struct {
	// PreferConst16 orders split-immediate loads before literal loads
	PreferConst16 bool
}

// Table is an immutable compiled transition table indexed by opcode
type Table struct {
	Kind  Kind
	rules [][]*Rule
	n     int
}

// Rules returns the rules for op in priority order
func (t *Table) Rules(op isa.Opcode) []*Rule {
	if op < 0 || int(op) >= len(t.rules) {
		return nil
	}
	return t.rules[op]
}

// Len returns the number of rules in the table
func (t *Table) Len() int { return t.n }

// Match returns the first rule whose preconditions hold for ti, or nil
func (t *Table) Match(ti *insn.TInsn) *Rule {
	for _, r := range t.Rules(ti.Opcode) {
		if r.Holds(ti) {
			return r
		}
	}
	return nil
}

// Build compiles pairs against o. Pairs that do not apply to o are dropped;
// a malformed pair fails the build.
func Build(ctx context.Context, o isa.Oracle, kind Kind, pairs []Pair, opts Options) (*Table, error) {
	tr := tlog.SpanFromContext(ctx)

	t := &Table{Kind: kind, rules: make([][]*Rule, o.NumOpcodes())}
	for _, p := range pairs {
		r, err := compile(o, p, o.HasCapability)
		if errors.Is(err, errDropped) {
			tr.Printw("transition rule dropped", "table", kind, "pattern", p.Pattern, "reason", err)
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "%v table", kind)
		}
		t.rules[r.Opcode] = append(t.rules[r.Opcode], r)
		t.n++
	}

	pref := StrategyLiteral
	if opts.PreferConst16 {
		pref = StrategyConst16
	}
	for _, rules := range t.rules {
		preferStrategy(rules, pref)
	}
	return t, nil
}

// preferStrategy swaps pairs of rules that differ only in how they load a
// wide constant so that the preferred strategy comes first. No other
// ordering is changed.
func preferStrategy(rules []*Rule, pref Strategy) {
	for i := range rules {
		for j := i + 1; j < len(rules); j++ {
			a, b := rules[i], rules[j]
			if a.key != b.key || a.Strategy == b.Strategy {
				continue
			}
			if a.Strategy == StrategyNone || b.Strategy == StrategyNone {
				continue
			}
			if b.Strategy == pref {
				rules[i], rules[j] = b, a
			}
		}
	}
}

type cacheKey struct {
	oracle isa.Oracle
	kind   Kind
	opts   Options
}

var cache struct {
	sync.Mutex
	tables map[cacheKey]*Table
}

// BuildSimplifyTable returns the simplify table for o, building it on first use
func BuildSimplifyTable(ctx context.Context, o isa.Oracle, opts Options) (*Table, error) {
	return cached(ctx, o, Simplify, SimplifyPairs, opts)
}

// BuildWidenTable returns the widen table for o, building it on first use
func BuildWidenTable(ctx context.Context, o isa.Oracle, opts Options) (*Table, error) {
	return cached(ctx, o, Widen, WidenPairs, opts)
}

func cached(ctx context.Context, o isa.Oracle, kind Kind, pairs []Pair, opts Options) (*Table, error) {
	cache.Lock()
	defer cache.Unlock()

	k := cacheKey{oracle: o, kind: kind, opts: opts}
	if t, ok := cache.tables[k]; ok {
		return t, nil
	}
	t, err := Build(ctx, o, kind, pairs, opts)
	if err != nil {
		return nil, err
	}
	if cache.tables == nil {
		cache.tables = make(map[cacheKey]*Table)
	}
	cache.tables[k] = t
	return t, nil
}
