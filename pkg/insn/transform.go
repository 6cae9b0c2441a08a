package insn

import (
	"github.com/nikandfor/errors"
)

// Transform is a fixed operand function used by replacement templates
type Transform uint8

const (
	TransformNone Transform = iota
	TransformLow8
	TransformHi24S
	TransformHi16U
	TransformLow16U
	TransformF32Minus
)

var transformNames = map[string]Transform{
	"LOW8":     TransformLow8,
	"HI24S":    TransformHi24S,
	"HI16U":    TransformHi16U,
	"LOW16U":   TransformLow16U,
	"F32MINUS": TransformF32Minus,
}

// LookupTransform finds a transform by its template name
func LookupTransform(name string) (Transform, bool) {
	t, ok := transformNames[name]
	return t, ok
}

func (t Transform) String() string {
	for n, v := range transformNames {
		if v == t {
			return n
		}
	}
	return "NONE"
}

// ErrSymbolicTransform is returned when a transform cannot be applied to an address
var ErrSymbolicTransform = errors.New("transform not applicable to symbolic operand")

// Apply returns a new operand; the argument is never modified
func (t Transform) Apply(o Operand) (Operand, error) {
	if t == TransformNone {
		return o, nil
	}

	if o.Kind == OpConstant {
		v := o.Value
		switch t {
		case TransformLow8:
			v = int64(int8(v))
		case TransformHi24S:
			v = (v + 0x80) &^ 0xff
		case TransformHi16U:
			v = (v >> 16) & 0xffff
		case TransformLow16U:
			v &= 0xffff
		case TransformF32Minus:
			v = 32 - v
		}
		return Const(v), nil
	}

	if o.Kind == OpSymbol && !o.IsComplex() {
		switch t {
		case TransformHi16U:
			o.Kind = OpHighHalf
			return o, nil
		case TransformLow16U:
			o.Kind = OpLowHalf
			return o, nil
		}
	}
	return Operand{}, errors.Wrap(ErrSymbolicTransform, "%v of %v", t, o)
}
