// Package expr implements the per-field expression engine: a typed
// AST, a hand-written parser for the textual grammar, a typecheck
// pass and a pure evaluator.
package expr

import (
	"github.com/northbeacon/agent/pkg/value"
)

// Env resolves the static types available while typechecking an
// expression: named variables (from $name / ${name}) and the type of
// the current data value (@), which is the declared input-type of the
// data-table field this expression is attached to.
type Env struct {
	Vars map[string]value.Type
	Data value.Type
}

// Row resolves the runtime values available while evaluating: named
// variables and the current data value.
type Row struct {
	Vars map[string]value.Value
	Data value.Value
}

// Node is one expression AST node. Every node is deterministic: same
// type-check inputs give the same output type, same eval inputs give
// the same output value (modulo propagated DataErrors).
type Node interface {
	TypeCheck(env Env) (value.Type, error)
	Eval(row Row) (value.Value, error)
}

// Literal is a constant value embedded verbatim in the expression text.
type Literal struct {
	Val value.Value
}

func (n *Literal) TypeCheck(Env) (value.Type, error) { return n.Val.Type(), nil }
func (n *Literal) Eval(Row) (value.Value, error)     { return n.Val, nil }

// VarRef is a `$name` / `${name}` reference to a named input variable
// (typically a literal config value or an outer query binding).
type VarRef struct {
	Name string
}

func (n *VarRef) TypeCheck(env Env) (value.Type, error) {
	t, ok := env.Vars[n.Name]
	if !ok {
		return value.Type{}, &ParseError{Msg: "undefined variable $" + n.Name}
	}
	return t, nil
}

func (n *VarRef) Eval(row Row) (value.Value, error) {
	v, ok := row.Vars[n.Name]
	if !ok {
		return value.Value{}, value.Missing()
	}
	return v, nil
}

// DataRef is `@`, the current row's data-table field value.
type DataRef struct{}

func (n *DataRef) TypeCheck(env Env) (value.Type, error) { return env.Data, nil }
func (n *DataRef) Eval(row Row) (value.Value, error)     { return row.Data, nil }
