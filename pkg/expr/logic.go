package expr

import (
	"time"

	"github.com/northbeacon/agent/pkg/unit"
	"github.com/northbeacon/agent/pkg/value"
)

type CompareOp int

const (
	CmpEq CompareOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

type Compare struct {
	Op          CompareOp
	Left, Right Node
}

func (n *Compare) TypeCheck(env Env) (value.Type, error) {
	lt, err := n.Left.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	rt, err := n.Right.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	if n.Op != CmpEq && n.Op != CmpNe {
		if numericRank(lt) < 0 && lt.Kind != value.KindString && lt.Kind != value.KindTime && lt.Kind != value.KindAge {
			return value.Type{}, &TypeError{Msg: "ordering comparison requires an orderable operand, got " + lt.String()}
		}
	}
	if !lt.Equal(rt) && !(numericRank(lt) >= 0 && numericRank(rt) >= 0) {
		return value.Type{}, &TypeError{Msg: "cannot compare " + lt.String() + " with " + rt.String()}
	}
	return value.Bool(), nil
}

func (n *Compare) Eval(row Row) (value.Value, error) {
	lv, err := n.Left.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	rv, err := n.Right.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	if n.Op == CmpEq {
		return value.BoolVal(lv.Equal(rv)), nil
	}
	if n.Op == CmpNe {
		return value.BoolVal(!lv.Equal(rv)), nil
	}
	var cmp int
	switch {
	case numericRank(lv.Type()) >= 0 && numericRank(rv.Type()) >= 0:
		lf, rf := toFloat(lv), toFloat(rv)
		if lv.Type().Kind == value.KindQuantity && rv.Type().Kind == value.KindQuantity && lv.Type().Unit != rv.Type().Unit {
			if c, cerr := unit.Convert(rf, rv.Type().Unit, lv.Type().Unit); cerr == nil {
				rf = c
			}
		}
		cmp = compareFloat(lf, rf)
	case lv.Kind() == value.KindString:
		ls, _ := lv.AsString()
		rs, _ := rv.AsString()
		cmp = compareString(ls, rs)
	case lv.Kind() == value.KindTime:
		lt, _ := lv.AsTime()
		rt, _ := rv.AsTime()
		cmp = compareTime(lt, rt)
	case lv.Kind() == value.KindAge:
		la, _ := lv.AsAge()
		ra, _ := rv.AsAge()
		cmp = compareInt64(int64(la), int64(ra))
	default:
		return value.Value{}, value.TypeErrorf("cannot order values of kind %s", lv.Kind())
	}
	switch n.Op {
	case CmpLt:
		return value.BoolVal(cmp < 0), nil
	case CmpLe:
		return value.BoolVal(cmp <= 0), nil
	case CmpGt:
		return value.BoolVal(cmp > 0), nil
	case CmpGe:
		return value.BoolVal(cmp >= 0), nil
	}
	return value.Value{}, value.TypeErrorf("unknown comparison operator")
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

// And / Or implement boolean connectives with short-circuit evaluation.
type And struct{ Left, Right Node }
type Or struct{ Left, Right Node }
type Not struct{ Inner Node }

func checkBool(env Env, n Node) error {
	t, err := n.TypeCheck(env)
	if err != nil {
		return err
	}
	if t.Kind != value.KindBool {
		return &TypeError{Msg: "expected bool, got " + t.String()}
	}
	return nil
}

func (n *And) TypeCheck(env Env) (value.Type, error) {
	if err := checkBool(env, n.Left); err != nil {
		return value.Type{}, err
	}
	if err := checkBool(env, n.Right); err != nil {
		return value.Type{}, err
	}
	return value.Bool(), nil
}

func (n *And) Eval(row Row) (value.Value, error) {
	lv, err := n.Left.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	lb, _ := lv.AsBool()
	if !lb {
		return value.BoolVal(false), nil
	}
	rv, err := n.Right.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	rb, _ := rv.AsBool()
	return value.BoolVal(rb), nil
}

func (n *Or) TypeCheck(env Env) (value.Type, error) {
	if err := checkBool(env, n.Left); err != nil {
		return value.Type{}, err
	}
	if err := checkBool(env, n.Right); err != nil {
		return value.Type{}, err
	}
	return value.Bool(), nil
}

func (n *Or) Eval(row Row) (value.Value, error) {
	lv, err := n.Left.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	lb, _ := lv.AsBool()
	if lb {
		return value.BoolVal(true), nil
	}
	rv, err := n.Right.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	rb, _ := rv.AsBool()
	return value.BoolVal(rb), nil
}

func (n *Not) TypeCheck(env Env) (value.Type, error) {
	if err := checkBool(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	return value.Bool(), nil
}

func (n *Not) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	b, _ := v.AsBool()
	return value.BoolVal(!b), nil
}

// Concat implements string concatenation of two or more sub-expressions
// (each cast to string).
type Concat struct{ Parts []Node }

func (n *Concat) TypeCheck(env Env) (value.Type, error) {
	for _, p := range n.Parts {
		if _, err := p.TypeCheck(env); err != nil {
			return value.Type{}, err
		}
	}
	return value.String(), nil
}

func (n *Concat) Eval(row Row) (value.Value, error) {
	out := ""
	for _, p := range n.Parts {
		v, err := p.Eval(row)
		if err != nil {
			return value.Value{}, err
		}
		out += v.Format(value.FormatOpts{Precision: -1})
	}
	return value.Str(out), nil
}

// Convert is `convert(expr, "unit")`, casting a numeric/quantity
// expression to a named unit.
type Convert struct {
	Inner Node
	Unit  string
}

func (n *Convert) TypeCheck(env Env) (value.Type, error) {
	t, err := n.Inner.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	if numericRank(t) < 0 {
		return value.Type{}, &TypeError{Msg: "convert() requires a numeric/quantity operand"}
	}
	return value.Quantity(n.Unit), nil
}

func (n *Convert) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	f := toFloat(v)
	if v.Type().Kind == value.KindQuantity && v.Type().Unit != n.Unit {
		c, cerr := unit.Convert(f, v.Type().Unit, n.Unit)
		if cerr != nil {
			return value.Value{}, value.TypeErrorf("%s", cerr)
		}
		f = c
	}
	return value.Qty(f, n.Unit), nil
}

// Fallback evaluates Primary; if it yields a DataError, Default is
// evaluated and returned instead.
type Fallback struct {
	Primary, Default Node
}

func (n *Fallback) TypeCheck(env Env) (value.Type, error) {
	pt, err := n.Primary.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	dt, err := n.Default.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	if !pt.Equal(dt) {
		return value.Type{}, &TypeError{Msg: "fallback branches must share a type: " + pt.String() + " vs " + dt.String()}
	}
	return pt, nil
}

func (n *Fallback) Eval(row Row) (value.Value, error) {
	v, err := n.Primary.Eval(row)
	if err == nil {
		return v, nil
	}
	if _, ok := err.(*value.DataError); !ok {
		return value.Value{}, err
	}
	return n.Default.Eval(row)
}

// Format renders Inner through value.Format with the given options.
type Format struct {
	Inner     Node
	Unit      string
	Precision int
	Autoscale bool
}

func (n *Format) TypeCheck(env Env) (value.Type, error) {
	if _, err := n.Inner.TypeCheck(env); err != nil {
		return value.Type{}, err
	}
	return value.String(), nil
}

func (n *Format) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	return value.Str(v.Format(value.FormatOpts{Unit: n.Unit, Precision: n.Precision, Autoscale: n.Autoscale})), nil
}
