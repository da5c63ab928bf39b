package query

import "github.com/northbeacon/agent/pkg/value"

// ErrorAction controls what happens when a Data node's underlying
// source fails to produce a table. Protocol-level errors
// reaching this layer always carry Fail regardless of configuration;
// Warn/Info are for optional tables a monitoring pack declares
// tolerant of absence.
type ErrorAction int

const (
	ActionFail ErrorAction = iota
	ActionWarn
	ActionInfo
)

// Source resolves a protocol data table by id, returning its schema
// and rows as retrieved by a plugin this scheduling cycle.
type Source interface {
	Schema(tableID string) (Schema, error)
	Fetch(tableID string) (Table, error)
}

// Data reads one protocol data table by id. Protocol
// records which collector owns TableID; it plays no part in
// TypeCheck/Eval (both go through Src) but lets a caller that walks a
// compiled plan — the scheduler building its per-run plugin dispatch
// — recover which protocol each leaf reference belongs to.
type Data struct {
	TableID         string
	Protocol        string
	Action          ErrorAction
	IgnoreExistence bool
	Src             Source
}

func (n *Data) TypeCheck() (Schema, error) {
	sch, err := n.Src.Schema(n.TableID)
	if err != nil {
		if n.IgnoreExistence {
			return Schema{Fields: map[string]value.Type{}}, nil
		}
		return Schema{}, missingTable(n.TableID)
	}
	return sch, nil
}

// Eval resolves the data table for this cycle. The returned existence
// flag is !IgnoreExistence on success: an optional source never
// establishes existence by itself, it only contributes rows when some
// other operand in the plan does. An absent or failed source under
// Warn/Info substitutes an empty table with exists == false, so a
// plan whose only sources are absent optionals surfaces as
// ErrDoesNotExist through Run rather than as an empty result.
func (n *Data) Eval() (Table, bool, []Warning, error) {
	sch, serr := n.Src.Schema(n.TableID)
	if serr != nil {
		if n.IgnoreExistence {
			return Table{Schema: Schema{Fields: map[string]value.Type{}}}, false, nil, nil
		}
		return Table{}, false, nil, missingTable(n.TableID)
	}
	tbl, err := n.Src.Fetch(n.TableID)
	if err != nil {
		switch n.Action {
		case ActionFail:
			return Table{}, false, nil, err
		case ActionWarn:
			return Table{Schema: sch}, false, []Warning{{Level: "warn", Message: err.Error()}}, nil
		case ActionInfo:
			return Table{Schema: sch}, false, []Warning{{Level: "info", Message: err.Error()}}, nil
		}
	}
	return tbl, !n.IgnoreExistence, nil, nil
}
