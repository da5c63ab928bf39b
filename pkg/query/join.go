package query

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/northbeacon/agent/pkg/value"
)

// JoinKind tags a Join operand as participating in an inner or outer
// combination: Inner drops unmatched rows, Outer retains
// them with the other side's columns left absent.
type JoinKind int

const (
	JoinInner JoinKind = iota
	JoinOuter
)

// JoinOperand is one side of a Join: a sub-plan plus the column names
// forming its join key.
type JoinOperand struct {
	Sub  Node
	Keys []string
	Kind JoinKind
}

// Join combines two operands by key equality, building a hash index
// on the right operand and probing it with each left row. At least one side's join key must equal
// its operand's declared primary key exactly, so rows from the other
// side join against at most one matching row from that side.
type Join struct {
	Left, Right JoinOperand
}

func keyTypes(sch Schema, keys []string) ([]value.Type, error) {
	out := make([]value.Type, len(keys))
	for i, k := range keys {
		t, ok := sch.Fields[k]
		if !ok {
			return nil, joinKeyMismatch("join key column " + k + " not found")
		}
		if !t.Hashable() {
			return nil, unhashableKey(k)
		}
		out[i] = t
	}
	return out, nil
}

func (n *Join) TypeCheck() (Schema, error) {
	lsch, err := n.Left.Sub.TypeCheck()
	if err != nil {
		return Schema{}, err
	}
	rsch, err := n.Right.Sub.TypeCheck()
	if err != nil {
		return Schema{}, err
	}
	ltypes, err := keyTypes(lsch, n.Left.Keys)
	if err != nil {
		return Schema{}, err
	}
	rtypes, err := keyTypes(rsch, n.Right.Keys)
	if err != nil {
		return Schema{}, err
	}
	if len(ltypes) != len(rtypes) {
		return Schema{}, joinKeyMismatch("join key column count mismatch")
	}
	for i := range ltypes {
		if !ltypes[i].Equal(rtypes[i]) {
			return Schema{}, joinKeyMismatch("join key column type mismatch at position " + strconv.Itoa(i))
		}
	}
	if !lsch.HasPrimaryKeyExactly(n.Left.Keys) && !rsch.HasPrimaryKeyExactly(n.Right.Keys) {
		return Schema{}, noPrimaryKey()
	}
	rightKeyCols := make(map[string]bool, len(n.Right.Keys))
	for _, c := range n.Right.Keys {
		rightKeyCols[c] = true
	}
	fields := make(map[string]value.Type, len(lsch.Fields)+len(rsch.Fields))
	for k, t := range lsch.Fields {
		fields[k] = t
	}
	for k, t := range rsch.Fields {
		if rightKeyCols[k] {
			// Join-key columns are expected on both sides and carry
			// equal values for matched rows; the left side's column
			// survives in the merged schema.
			continue
		}
		if _, exists := fields[k]; exists {
			return Schema{}, joinKeyMismatch("column " + k + " declared on both join operands")
		}
		fields[k] = t
	}
	var pk []string
	switch {
	case lsch.HasPrimaryKeyExactly(n.Left.Keys) && rsch.HasPrimaryKeyExactly(n.Right.Keys):
		pk = n.Left.Keys
	case rsch.HasPrimaryKeyExactly(n.Right.Keys):
		pk = lsch.PrimaryKey
	default:
		pk = rsch.PrimaryKey
	}
	return Schema{Fields: fields, PrimaryKey: pk}, nil
}

// rowKey computes the canonical hashable encoding of a row's join
// key columns, or ok=false if any column is missing/unhashable at
// runtime.
func rowKey(row Row, cols []string) (string, bool) {
	out := "k:"
	for _, c := range cols {
		v, ok := row[c]
		if !ok {
			return "", false
		}
		hk, ok := v.HashKey()
		if !ok {
			return "", false
		}
		out += hk + "\x1f"
	}
	return out, true
}

// bucketOf hashes a canonical key string into the index bucket used
// to group candidate rows before the exact string comparison that
// guards against hash collisions.
func bucketOf(key string) uint64 {
	return xxhash.Sum64String(key)
}

type indexedRow struct {
	key string
	row Row
}

func buildIndex(rows []Row, cols []string) map[uint64][]indexedRow {
	idx := make(map[uint64][]indexedRow, len(rows))
	for _, row := range rows {
		k, ok := rowKey(row, cols)
		if !ok {
			continue
		}
		b := bucketOf(k)
		idx[b] = append(idx[b], indexedRow{key: k, row: row})
	}
	return idx
}

func lookup(idx map[uint64][]indexedRow, key string) []Row {
	bucket := idx[bucketOf(key)]
	var out []Row
	for _, ir := range bucket {
		if ir.key == key {
			out = append(out, ir.row)
		}
	}
	return out
}

func mergeRows(left, right Row) Row {
	out := make(Row, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, v := range right {
		out[k] = v
	}
	return out
}

func (n *Join) Eval() (Table, bool, []Warning, error) {
	ltbl, lexists, lwarns, err := n.Left.Sub.Eval()
	if err != nil {
		return Table{}, false, lwarns, err
	}
	rtbl, rexists, rwarns, err := n.Right.Sub.Eval()
	if err != nil {
		return Table{}, false, append(lwarns, rwarns...), err
	}
	warns := append(lwarns, rwarns...)

	sch, err := n.TypeCheck()
	if err != nil {
		// An absent optional operand evaluates to an empty table with
		// no columns, which the key checks cannot see through; the
		// present side's schema is the join's schema in that case.
		switch {
		case !lexists && len(ltbl.Schema.Fields) == 0:
			sch = rtbl.Schema
		case !rexists && len(rtbl.Schema.Fields) == 0:
			sch = ltbl.Schema
		default:
			return Table{}, false, warns, err
		}
	}

	rIndex := buildIndex(rtbl.Rows, n.Right.Keys)
	rMatched := make(map[string]bool, len(rtbl.Rows))

	var out []Row
	for _, lrow := range ltbl.Rows {
		lk, ok := rowKey(lrow, n.Left.Keys)
		if !ok {
			if n.Left.Kind == JoinOuter {
				out = append(out, lrow.Clone())
			}
			continue
		}
		matches := lookup(rIndex, lk)
		if len(matches) == 0 {
			if n.Left.Kind == JoinOuter {
				out = append(out, lrow.Clone())
			}
			continue
		}
		for _, rrow := range matches {
			if rk, ok := rowKey(rrow, n.Right.Keys); ok {
				rMatched[rk] = true
			}
			out = append(out, mergeRows(lrow, rrow))
		}
	}
	if n.Right.Kind == JoinOuter {
		for _, rrow := range rtbl.Rows {
			rk, ok := rowKey(rrow, n.Right.Keys)
			if ok && rMatched[rk] {
				continue
			}
			out = append(out, rrow.Clone())
		}
	}
	// One present operand is enough: an optional (ignore-existence)
	// side that was absent contributes no rows but does not make the
	// join itself nonexistent.
	return Table{Schema: sch, Rows: out}, lexists || rexists, warns, nil
}
