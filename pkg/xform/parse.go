package xform

import (
	"strconv"
	"strings"

	"github.com/nikandfor/errors"

	"github.com/raymyers/ralph-as/pkg/insn"
	"github.com/raymyers/ralph-as/pkg/isa"
)

// ErrMalformed marks a broken rule; it is a build error, never a user error
var ErrMalformed = errors.New("malformed transition rule")

// errDropped is returned for pairs that do not apply to the configuration
var errDropped = errors.New("rule does not apply")

type pattern struct {
	opname   string
	operands []string
	conds    []string
	caps     [][]string
	key      string
}

func splitPattern(s string) pattern {
	var p pattern
	parts := strings.Split(s, "?")
	for _, term := range parts[1:] {
		var alts []string
		for _, a := range strings.Split(term, "+") {
			alts = append(alts, strings.TrimSpace(a))
		}
		p.caps = append(p.caps, alts)
	}

	head := strings.Split(parts[0], "|")
	p.key = strings.Join(strings.Fields(parts[0]), " ")
	p.opname, p.operands = splitInsn(head[0])
	for _, c := range head[1:] {
		p.conds = append(p.conds, strings.TrimSpace(c))
	}
	return p
}

// splitInsn splits "op a,b,c" into the opcode name and operand strings
func splitInsn(s string) (string, []string) {
	s = strings.TrimSpace(s)
	name, rest, _ := strings.Cut(s, " ")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return name, nil
	}
	var ops []string
	for _, o := range strings.Split(rest, ",") {
		ops = append(ops, strings.TrimSpace(o))
	}
	return name, ops
}

type capFunc func(name string) bool

// capsHold evaluates the AND of ORs of capability terms
func capsHold(caps [][]string, has capFunc) bool {
	for _, term := range caps {
		ok := false
		for _, alt := range term {
			if neg, found := strings.CutPrefix(alt, "no-"); found {
				ok = ok || !has(neg)
			} else {
				ok = ok || has(alt)
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// compile turns one pair into a rule. It returns errDropped for a pair
// the configuration does not support and ErrMalformed for a broken pair.
func compile(o isa.Oracle, pr Pair, has capFunc) (*Rule, error) {
	p := splitPattern(pr.Pattern)

	op := o.OpcodeLookup(p.opname)
	if op == isa.NoOpcode {
		return nil, errors.Wrap(errDropped, "unknown opcode %s", p.opname)
	}
	if len(p.operands) != o.OperandCount(op) {
		return nil, errors.Wrap(errDropped, "%s takes %d operands", p.opname, o.OperandCount(op))
	}
	if !capsHold(p.caps, has) {
		return nil, errors.Wrap(errDropped, "capabilities")
	}

	r := &Rule{Opcode: op, Pattern: pr.Pattern, Replacement: pr.Replacement, key: p.key}

	bound := map[string]int{}
	for i, s := range p.operands {
		if strings.HasPrefix(s, "%") {
			if first, dup := bound[s]; dup {
				r.Conds = append(r.Conds, Cond{A: i, B: first, Equal: true})
				continue
			}
			bound[s] = i
			continue
		}
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, "%q: bad operand %q", pr.Pattern, s)
		}
		r.Conds = append(r.Conds, Cond{A: i, B: -1, Value: v, Equal: true})
	}

	for _, cs := range p.conds {
		c, err := parseCond(cs, bound)
		if err != nil {
			return nil, errors.Wrap(err, "%q", pr.Pattern)
		}
		r.Conds = append(r.Conds, c)
	}

	if err := compileReplacement(o, r, bound); err != nil {
		return nil, errors.Wrap(err, "%q -> %q", pr.Pattern, pr.Replacement)
	}
	return r, nil
}

func parseCond(s string, bound map[string]int) (Cond, error) {
	c := Cond{Equal: true}
	lhs, rhs, ok := strings.Cut(s, "==")
	if !ok {
		lhs, rhs, ok = strings.Cut(s, "!=")
		c.Equal = false
	}
	if !ok {
		return c, errors.Wrap(ErrMalformed, "bad precondition %q", s)
	}
	lhs, rhs = strings.TrimSpace(lhs), strings.TrimSpace(rhs)

	a, ok := bound[lhs]
	if !ok {
		return c, errors.Wrap(ErrMalformed, "precondition on unbound operand %s", lhs)
	}
	c.A = a
	if strings.HasPrefix(rhs, "%") {
		b, ok := bound[rhs]
		if !ok {
			return c, errors.Wrap(ErrMalformed, "precondition on unbound operand %s", rhs)
		}
		c.B = b
		return c, nil
	}
	v, err := strconv.ParseInt(rhs, 0, 64)
	if err != nil {
		return c, errors.Wrap(ErrMalformed, "bad precondition constant %q", rhs)
	}
	c.B, c.Value = -1, v
	return c, nil
}

func compileReplacement(o isa.Oracle, r *Rule, bound map[string]int) error {
	literals, labels := 0, 0
	labelRefs := -1
	split := false

	for _, item := range strings.Split(r.Replacement, ";") {
		item = strings.TrimSpace(item)
		name, args := splitInsn(item)

		switch {
		case strings.HasPrefix(name, "LITERAL"):
			if idx, err := genIndex(name, "LITERAL"); err != nil || idx != literals {
				return errors.Wrap(ErrMalformed, "literal %s defined out of order", name)
			}
			if literals > 0 {
				return errors.Wrap(ErrMalformed, "more than one literal")
			}
			if len(args) != 1 {
				return errors.Wrap(ErrMalformed, "LITERAL takes one operand")
			}
			a, err := parseArg(o, args[0], bound, literals, &labelRefs)
			if err != nil {
				return err
			}
			if a.Kind == ArgLiteral || a.Kind == ArgLabel {
				return errors.Wrap(ErrMalformed, "literal of a generated reference")
			}
			split = split || a.Transform == insn.TransformHi16U || a.Transform == insn.TransformLow16U
			r.Repl = append(r.Repl, Template{Kind: insn.KindLiteral, Opcode: isa.NoOpcode, Args: []Arg{a}})
			literals++

		case strings.HasPrefix(name, "LABEL"):
			if idx, err := genIndex(name, "LABEL"); err != nil || idx != labels {
				return errors.Wrap(ErrMalformed, "label %s defined out of order", name)
			}
			if labels > 0 {
				return errors.Wrap(ErrMalformed, "more than one label")
			}
			r.Repl = append(r.Repl, Template{Kind: insn.KindLabel, Opcode: isa.NoOpcode})
			labels++

		default:
			op := o.OpcodeLookup(name)
			if op == isa.NoOpcode {
				return errors.Wrap(ErrMalformed, "unknown replacement opcode %s", name)
			}
			if len(args) != o.OperandCount(op) {
				return errors.Wrap(ErrMalformed, "%s takes %d operands, got %d", name, o.OperandCount(op), len(args))
			}
			t := Template{Kind: insn.KindInsn, Opcode: op}
			for _, s := range args {
				a, err := parseArg(o, s, bound, literals, &labelRefs)
				if err != nil {
					return err
				}
				split = split || a.Transform == insn.TransformHi16U || a.Transform == insn.TransformLow16U
				t.Args = append(t.Args, a)
			}
			r.Repl = append(r.Repl, t)
		}
	}

	if labelRefs >= labels {
		return errors.Wrap(ErrMalformed, "reference to undefined label %d", labelRefs)
	}
	switch {
	case literals > 0:
		r.Strategy = StrategyLiteral
	case split:
		r.Strategy = StrategyConst16
	}
	return nil
}

// genIndex parses the optional index of LITERAL0 / LABEL0 style names
func genIndex(name, prefix string) (int, error) {
	s := strings.TrimPrefix(name, prefix)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseArg(o isa.Oracle, s string, bound map[string]int, literals int, labelRefs *int) (Arg, error) {
	if open := strings.IndexByte(s, '('); open > 0 && strings.HasSuffix(s, ")") {
		tr, ok := insn.LookupTransform(s[:open])
		if !ok {
			return Arg{}, errors.Wrap(ErrMalformed, "unknown transform %s", s[:open])
		}
		a, err := parseArg(o, s[open+1:len(s)-1], bound, literals, labelRefs)
		if err != nil {
			return a, err
		}
		if a.Kind != ArgOperand {
			return a, errors.Wrap(ErrMalformed, "transform of %s", s)
		}
		a.Transform = tr
		return a, nil
	}

	switch {
	case strings.HasPrefix(s, "%LITERAL"):
		idx, err := genIndex(s[1:], "LITERAL")
		if err != nil || idx >= literals {
			return Arg{}, errors.Wrap(ErrMalformed, "%s used before its definition", s)
		}
		return Arg{Kind: ArgLiteral, Index: idx}, nil
	case strings.HasPrefix(s, "%LABEL"):
		idx, err := genIndex(s[1:], "LABEL")
		if err != nil {
			return Arg{}, errors.Wrap(ErrMalformed, "bad label reference %s", s)
		}
		*labelRefs = max(*labelRefs, idx)
		return Arg{Kind: ArgLabel, Index: idx}, nil
	case strings.HasPrefix(s, "%"):
		i, ok := bound[s]
		if !ok {
			return Arg{}, errors.Wrap(ErrMalformed, "operand %s not bound in pattern", s)
		}
		return Arg{Kind: ArgOperand, Index: i}, nil
	}

	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return Arg{Kind: ArgConst, Value: v}, nil
	}
	if reg, ok := parseReg(o, s); ok {
		return Arg{Kind: ArgReg, Value: int64(reg)}, nil
	}
	return Arg{}, errors.Wrap(ErrMalformed, "bad operand %q", s)
}

func parseReg(o isa.Oracle, s string) (int, bool) {
	for rf := 0; rf < o.NumRegFiles(); rf++ {
		rest, ok := strings.CutPrefix(s, o.RegFileName(rf))
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err == nil && n >= 0 && n < o.RegFileSize(rf) {
			return n, true
		}
	}
	return 0, false
}
