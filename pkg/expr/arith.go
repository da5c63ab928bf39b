package expr

import (
	"math"

	"github.com/northbeacon/agent/pkg/unit"
	"github.com/northbeacon/agent/pkg/value"
)

// ArithOp is one of the five arithmetic operators.
type ArithOp int

const (
	OpAdd ArithOp = iota
	OpSub
	OpMul
	OpDiv
	OpPow
)

type Arith struct {
	Op          ArithOp
	Left, Right Node
}

// numericRank returns a rough rank so the wider operand type wins:
// quantity > float > int.
func numericRank(t value.Type) int {
	switch t.Kind {
	case value.KindQuantity:
		return 2
	case value.KindFloat:
		return 1
	case value.KindInt:
		return 0
	default:
		return -1
	}
}

func (n *Arith) TypeCheck(env Env) (value.Type, error) {
	lt, err := n.Left.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	rt, err := n.Right.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	lr, rr := numericRank(lt), numericRank(rt)
	if lr < 0 || rr < 0 {
		return value.Type{}, &TypeError{Msg: "arithmetic requires numeric operands, got " + lt.String() + " and " + rt.String()}
	}
	if lt.Kind == value.KindQuantity && rt.Kind == value.KindQuantity && lt.Unit != rt.Unit && !unit.Convertible(lt.Unit, rt.Unit) {
		return value.Type{}, &TypeError{Msg: "incompatible units " + lt.Unit + " and " + rt.Unit}
	}
	if lr >= rr {
		return lt, nil
	}
	return rt, nil
}

func toFloat(v value.Value) float64 {
	switch v.Kind() {
	case value.KindInt:
		i, _ := v.AsInt()
		return float64(i)
	case value.KindFloat, value.KindQuantity:
		f, _ := v.AsFloat()
		return f
	}
	return math.NaN()
}

func (n *Arith) Eval(row Row) (value.Value, error) {
	lv, err := n.Left.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	rv, err := n.Right.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	lr, rr := numericRank(lv.Type()), numericRank(rv.Type())
	wantQty := lv.Type().Kind == value.KindQuantity || rv.Type().Kind == value.KindQuantity
	unitName := ""
	lf := toFloat(lv)
	rf := toFloat(rv)
	if wantQty {
		if lv.Type().Kind == value.KindQuantity {
			unitName = lv.Type().Unit
			if rv.Type().Kind == value.KindQuantity && rv.Type().Unit != unitName {
				if c, cerr := unit.Convert(rf, rv.Type().Unit, unitName); cerr == nil {
					rf = c
				}
			}
		} else {
			unitName = rv.Type().Unit
		}
	}

	var result float64
	switch n.Op {
	case OpAdd:
		result = lf + rf
	case OpSub:
		result = lf - rf
	case OpMul:
		result = lf * rf
	case OpDiv:
		result = lf / rf
	case OpPow:
		result = math.Pow(lf, rf)
	}

	if wantQty {
		return value.Qty(result, unitName), nil
	}
	if lr == 0 && rr == 0 && n.Op != OpDiv && n.Op != OpPow {
		return value.IntVal(int64(result)), nil
	}
	return value.FloatVal(result), nil
}

// Negate is unary `-`.
type Negate struct{ Inner Node }

func (n *Negate) TypeCheck(env Env) (value.Type, error) {
	t, err := n.Inner.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	if numericRank(t) < 0 {
		return value.Type{}, &TypeError{Msg: "unary - requires a numeric operand, got " + t.String()}
	}
	return t, nil
}

func (n *Negate) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	switch v.Kind() {
	case value.KindInt:
		i, _ := v.AsInt()
		return value.IntVal(-i), nil
	case value.KindFloat:
		f, _ := v.AsFloat()
		return value.FloatVal(-f), nil
	case value.KindQuantity:
		f, _ := v.AsFloat()
		return value.Qty(-f, v.Type().Unit), nil
	}
	return value.Value{}, value.TypeErrorf("unary - on non-numeric value")
}
