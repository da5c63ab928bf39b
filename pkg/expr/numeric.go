package expr

import (
	"math"

	"github.com/northbeacon/agent/pkg/value"
)

// NumFunc is a unary numeric function: log, abs, sign.
type NumFuncKind int

const (
	NumLog NumFuncKind = iota
	NumAbs
	NumSign
)

type NumFunc struct {
	Inner Node
	Kind  NumFuncKind
}

func (n *NumFunc) TypeCheck(env Env) (value.Type, error) {
	t, err := n.Inner.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	if numericRank(t) < 0 {
		return value.Type{}, &TypeError{Msg: "numeric function requires a numeric operand, got " + t.String()}
	}
	if n.Kind == NumSign {
		return value.Int(), nil
	}
	return value.Float(), nil
}

func (n *NumFunc) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	f := toFloat(v)
	switch n.Kind {
	case NumLog:
		return value.FloatVal(math.Log(f)), nil
	case NumAbs:
		return value.FloatVal(math.Abs(f)), nil
	case NumSign:
		switch {
		case f > 0:
			return value.IntVal(1), nil
		case f < 0:
			return value.IntVal(-1), nil
		default:
			return value.IntVal(0), nil
		}
	}
	return value.Value{}, value.TypeErrorf("unknown numeric function")
}

// BitsExtract implements `bits_le(expr, hi, lo)` / `bits_be(expr, hi, lo)`,
// extracting an inclusive bit range [lo, hi] from an integer value.
type BitsExtract struct {
	Inner     Node
	Hi, Lo    int
	BigEndian bool
}

func (n *BitsExtract) TypeCheck(env Env) (value.Type, error) {
	if err := checkInt(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	return value.Int(), nil
}

func (n *BitsExtract) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	i, _ := v.AsInt()
	u := uint64(i)
	hi, lo := n.Hi, n.Lo
	if n.BigEndian {
		const width = 63
		hi, lo = width-n.Lo, width-n.Hi
	}
	if hi < lo {
		hi, lo = lo, hi
	}
	width := hi - lo + 1
	if width <= 0 || width > 64 {
		return value.Value{}, value.TypeErrorf("invalid bit range [%d,%d]", n.Lo, n.Hi)
	}
	var mask uint64
	if width == 64 {
		mask = ^uint64(0)
	} else {
		mask = (uint64(1) << uint(width)) - 1
	}
	return value.IntVal(int64((u >> uint(lo)) & mask)), nil
}

// EnumValue implements `enum_value(expr)`, projecting an enum or
// int-enum to its underlying string name.
type EnumValue struct{ Inner Node }

func (n *EnumValue) TypeCheck(env Env) (value.Type, error) {
	t, err := n.Inner.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	if t.Kind != value.KindEnum && t.Kind != value.KindIntEnum {
		return value.Type{}, &TypeError{Msg: "enum_value() requires an enum operand, got " + t.String()}
	}
	return value.String(), nil
}

func (n *EnumValue) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	return value.Str(v.Format(value.FormatOpts{})), nil
}

// UnwrapError extracts the error side of a Result value (or propagates
// a DataError if the Result holds Ok).
type UnwrapError struct{ Inner Node }

func (n *UnwrapError) TypeCheck(env Env) (value.Type, error) {
	t, err := n.Inner.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	if t.Kind != value.KindResult {
		return value.Type{}, &TypeError{Msg: "unwrap_error() requires a result operand, got " + t.String()}
	}
	return *t.Err, nil
}

func (n *UnwrapError) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	if v.IsOk() {
		return value.Value{}, value.TypeErrorf("unwrap_error() called on an ok result")
	}
	return v.ResultValue(), nil
}
