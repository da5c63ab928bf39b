package query

import (
	"github.com/northbeacon/agent/pkg/expr"
	"github.com/northbeacon/agent/pkg/value"
)

// Node is one query plan node: a TableQueries operand, a protocol
// data read, or a relational combinator over sub-nodes.
//
// Eval's second result is the existence flag: whether any
// non-optional data source contributed to the result. A Data leaf
// marked IgnoreExistence never establishes existence on its own; the
// flag ORs across Join operands and passes through Filter/Reindex, so
// a plan made up entirely of absent optional sources evaluates to
// exists == false. Run converts that into ErrDoesNotExist.
type Node interface {
	TypeCheck() (Schema, error)
	Eval() (Table, bool, []Warning, error)
}

// Run evaluates a query plan and applies the existence contract:
// a defined result is returned as-is, while exists == false becomes
// ErrDoesNotExist for the caller to short-circuit on.
func Run(n Node) (Table, []Warning, error) {
	tbl, exists, warns, err := n.Eval()
	if err != nil {
		return Table{}, warns, err
	}
	if !exists {
		return Table{}, warns, doesNotExist()
	}
	return tbl, warns, nil
}

// Filter keeps only the rows of Sub matching PreFilter, a boolean
// expression evaluated with every column of the row bound as a
// variable.
type Filter struct {
	Sub       Node
	PreFilter expr.Node
}

func (n *Filter) TypeCheck() (Schema, error) {
	sch, err := n.Sub.TypeCheck()
	if err != nil {
		return Schema{}, err
	}
	env := expr.Env{Vars: sch.Fields}
	t, err := n.PreFilter.TypeCheck(env)
	if err != nil {
		return Schema{}, err
	}
	if t.Kind != value.KindBool {
		return Schema{}, joinKeyMismatch("filter predicate must be boolean")
	}
	return sch, nil
}

func (n *Filter) Eval() (Table, bool, []Warning, error) {
	tbl, exists, warns, err := n.Sub.Eval()
	if err != nil {
		return Table{}, false, warns, err
	}
	out := Table{Schema: tbl.Schema, Rows: make([]Row, 0, len(tbl.Rows))}
	for _, row := range tbl.Rows {
		v, err := n.PreFilter.Eval(expr.Row{Vars: row})
		if err != nil {
			// A DataError while filtering excludes the row rather than
			// failing the whole table.
			continue
		}
		keep, _ := v.AsBool()
		if keep {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, exists, warns, nil
}
