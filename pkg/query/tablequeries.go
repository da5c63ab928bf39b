package query

import "github.com/northbeacon/agent/pkg/value"

// LegacyOperand is one member of a legacy TableQueries list: a
// sub-query plus the columns it is joined on and whether it
// participates as Inner or Outer.
type LegacyOperand struct {
	Sub  Node
	Keys []string
	Kind JoinKind
}

// DesugarTableQueries folds a legacy TableQueries list into a
// left-associated chain of Joins: ((op0 join op1) join op2) join...,
// matching how older monitoring pack table declarations compose
// several protocol tables via shared key columns.
func DesugarTableQueries(ops []LegacyOperand) Node {
	if len(ops) == 0 {
		return &emptyNode{}
	}
	acc := ops[0].Sub
	accKeys := ops[0].Keys
	accKind := ops[0].Kind
	for _, next := range ops[1:] {
		acc = &Join{
			Left:  JoinOperand{Sub: acc, Keys: accKeys, Kind: accKind},
			Right: JoinOperand{Sub: next.Sub, Keys: next.Keys, Kind: next.Kind},
		}
		accKeys = next.Keys
		accKind = next.Kind
	}
	return acc
}

// emptyNode is the degenerate zero-operand TableQueries: an empty
// table with no columns and no rows.
type emptyNode struct{}

func (n *emptyNode) TypeCheck() (Schema, error) { return Schema{Fields: map[string]value.Type{}}, nil }
func (n *emptyNode) Eval() (Table, bool, []Warning, error) {
	return Table{Schema: Schema{}}, true, nil, nil
}
