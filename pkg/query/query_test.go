package query

import (
	"testing"

	"github.com/northbeacon/agent/pkg/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticNode wraps an already-materialized table for use as a query
// operand in tests, standing in for a resolved Data/Filter/Join leaf.
// absent marks it as a non-contributing source (exists == false), the
// way an ignore-existence Data leaf evaluates.
type staticNode struct {
	sch    Schema
	tbl    Table
	absent bool
}

func (n *staticNode) TypeCheck() (Schema, error) { return n.sch, nil }
func (n *staticNode) Eval() (Table, bool, []Warning, error) {
	return n.tbl, !n.absent, nil, nil
}

func leftSchema(pk ...string) Schema {
	return Schema{Fields: map[string]value.Type{
		"k": value.Int(),
		"a": value.Int(),
	}, PrimaryKey: pk}
}

func rightSchema(pk ...string) Schema {
	return Schema{Fields: map[string]value.Type{
		"k": value.Int(),
		"b": value.Int(),
	}, PrimaryKey: pk}
}

func row(cols map[string]int64) Row {
	r := make(Row, len(cols))
	for k, v := range cols {
		r[k] = value.IntVal(v)
	}
	return r
}

func TestJoinInnerTimesOuter(t *testing.T) {
	left := &staticNode{
		sch: leftSchema("k"),
		tbl: Table{Schema: leftSchema("k"), Rows: []Row{
			row(map[string]int64{"k": 1, "a": 10}),
			row(map[string]int64{"k": 2, "a": 20}),
		}},
	}
	right := &staticNode{
		sch: rightSchema("k"),
		tbl: Table{Schema: rightSchema("k"), Rows: []Row{
			row(map[string]int64{"k": 2, "b": 200}),
			row(map[string]int64{"k": 3, "b": 300}),
		}},
	}
	j := &Join{
		Left:  JoinOperand{Sub: left, Keys: []string{"k"}, Kind: JoinInner},
		Right: JoinOperand{Sub: right, Keys: []string{"k"}, Kind: JoinOuter},
	}
	_, err := j.TypeCheck()
	require.NoError(t, err)
	out, _, _, err := j.Eval()
	require.NoError(t, err)
	require.Len(t, out.Rows, 2)

	byKey := map[int64]Row{}
	for _, r := range out.Rows {
		k, _ := r["k"].AsInt()
		byKey[k] = r
	}
	a, ok := byKey[2]["a"]
	require.True(t, ok)
	av, _ := a.AsInt()
	assert.Equal(t, int64(20), av)
	b, ok := byKey[2]["b"]
	require.True(t, ok)
	bv, _ := b.AsInt()
	assert.Equal(t, int64(200), bv)

	_, hasA := byKey[3]["a"]
	assert.False(t, hasA)
	b3, _ := byKey[3]["b"].AsInt()
	assert.Equal(t, int64(300), b3)
}

func TestJoinRequiresPrimaryKeyOnOneSide(t *testing.T) {
	left := &staticNode{sch: leftSchema(), tbl: Table{Schema: leftSchema()}}
	right := &staticNode{sch: rightSchema(), tbl: Table{Schema: rightSchema()}}
	j := &Join{
		Left:  JoinOperand{Sub: left, Keys: []string{"k"}},
		Right: JoinOperand{Sub: right, Keys: []string{"k"}},
	}
	_, err := j.TypeCheck()
	require.Error(t, err)
	qerr, ok := err.(*QueryError)
	require.True(t, ok)
	assert.Equal(t, ErrNoPrimaryKey, qerr.Kind)
}

func TestJoinSymmetry(t *testing.T) {
	left := &staticNode{
		sch: leftSchema("k"),
		tbl: Table{Schema: leftSchema("k"), Rows: []Row{
			row(map[string]int64{"k": 1, "a": 10}),
			row(map[string]int64{"k": 2, "a": 20}),
		}},
	}
	right := &staticNode{
		sch: rightSchema("k"),
		tbl: Table{Schema: rightSchema("k"), Rows: []Row{
			row(map[string]int64{"k": 1, "b": 100}),
			row(map[string]int64{"k": 2, "b": 200}),
		}},
	}
	forward := &Join{
		Left:  JoinOperand{Sub: left, Keys: []string{"k"}, Kind: JoinInner},
		Right: JoinOperand{Sub: right, Keys: []string{"k"}, Kind: JoinInner},
	}
	backward := &Join{
		Left:  JoinOperand{Sub: right, Keys: []string{"k"}, Kind: JoinInner},
		Right: JoinOperand{Sub: left, Keys: []string{"k"}, Kind: JoinInner},
	}
	fwd, _, _, err := forward.Eval()
	require.NoError(t, err)
	bwd, _, _, err := backward.Eval()
	require.NoError(t, err)
	require.Equal(t, len(fwd.Rows), len(bwd.Rows))

	fwdSet := map[int64]int64{}
	for _, r := range fwd.Rows {
		k, _ := r["k"].AsInt()
		b, _ := r["b"].AsInt()
		fwdSet[k] = b
	}
	for _, r := range bwd.Rows {
		k, _ := r["k"].AsInt()
		b, _ := r["b"].AsInt()
		assert.Equal(t, fwdSet[k], b)
	}
}

func TestReindexLast(t *testing.T) {
	sch := Schema{Fields: map[string]value.Type{"k": value.Int(), "v": value.String()}}
	sub := &staticNode{sch: sch, tbl: Table{Schema: sch, Rows: []Row{
		{"k": value.IntVal(1), "v": value.Str("A")},
		{"k": value.IntVal(1), "v": value.Str("B")},
		{"k": value.IntVal(2), "v": value.Str("C")},
	}}}
	re := &Reindex{Sub: sub, Keys: []string{"k"}, Select: SelectLast}
	out, _, _, err := re.Eval()
	require.NoError(t, err)
	require.Len(t, out.Rows, 2)
	v0, _ := out.Rows[0]["v"].AsString()
	assert.Equal(t, "B", v0)
	v1, _ := out.Rows[1]["v"].AsString()
	assert.Equal(t, "C", v1)
}

func TestReindexFirst(t *testing.T) {
	sch := Schema{Fields: map[string]value.Type{"k": value.Int(), "v": value.String()}}
	sub := &staticNode{sch: sch, tbl: Table{Schema: sch, Rows: []Row{
		{"k": value.IntVal(1), "v": value.Str("A")},
		{"k": value.IntVal(1), "v": value.Str("B")},
	}}}
	re := &Reindex{Sub: sub, Keys: []string{"k"}, Select: SelectFirst}
	out, _, _, err := re.Eval()
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	v0, _ := out.Rows[0]["v"].AsString()
	assert.Equal(t, "A", v0)
}

func TestUnhashableJoinKeyRejected(t *testing.T) {
	sch := Schema{Fields: map[string]value.Type{"k": value.Float()}, PrimaryKey: []string{"k"}}
	left := &staticNode{sch: sch, tbl: Table{Schema: sch}}
	right := &staticNode{sch: sch, tbl: Table{Schema: sch}}
	j := &Join{
		Left:  JoinOperand{Sub: left, Keys: []string{"k"}},
		Right: JoinOperand{Sub: right, Keys: []string{"k"}},
	}
	_, err := j.TypeCheck()
	require.Error(t, err)
	qerr, ok := err.(*QueryError)
	require.True(t, ok)
	assert.Equal(t, ErrUnhashableKey, qerr.Kind)
}

// mapSource backs Data leaves with a fixed set of retrieved tables;
// anything not in the map counts as absent this cycle.
type mapSource struct {
	tables map[string]Table
}

func (s mapSource) Schema(tableID string) (Schema, error) {
	t, ok := s.tables[tableID]
	if !ok {
		return Schema{}, missingTable(tableID)
	}
	return t.Schema, nil
}

func (s mapSource) Fetch(tableID string) (Table, error) {
	t, ok := s.tables[tableID]
	if !ok {
		return Table{}, missingTable(tableID)
	}
	return t, nil
}

func TestRunAbsentOptionalSourceDoesNotExist(t *testing.T) {
	d := &Data{TableID: "opt", IgnoreExistence: true, Src: mapSource{}}
	_, _, err := Run(d)
	require.Error(t, err)
	assert.True(t, IsDoesNotExist(err))
}

func TestAbsentRequiredSourceFails(t *testing.T) {
	d := &Data{TableID: "req", Src: mapSource{}}
	_, _, _, err := d.Eval()
	require.Error(t, err)
	qerr, ok := err.(*QueryError)
	require.True(t, ok)
	assert.Equal(t, ErrMissingDataTable, qerr.Kind)
	assert.False(t, IsDoesNotExist(err))
}

// An optional source never establishes existence by itself, even when
// its data is present; only a required operand elsewhere in the plan
// does.
func TestPresentOptionalSourceAloneDoesNotExist(t *testing.T) {
	src := mapSource{tables: map[string]Table{
		"opt": {Schema: leftSchema("k"), Rows: []Row{row(map[string]int64{"k": 1, "a": 10})}},
	}}
	d := &Data{TableID: "opt", IgnoreExistence: true, Src: src}
	_, _, err := Run(d)
	require.Error(t, err)
	assert.True(t, IsDoesNotExist(err))
}

func TestJoinWithAbsentOptionalOperand(t *testing.T) {
	src := mapSource{tables: map[string]Table{
		"req": {Schema: leftSchema("k"), Rows: []Row{
			row(map[string]int64{"k": 1, "a": 10}),
			row(map[string]int64{"k": 2, "a": 20}),
		}},
	}}
	j := &Join{
		Left:  JoinOperand{Sub: &Data{TableID: "req", Src: src}, Keys: []string{"k"}, Kind: JoinOuter},
		Right: JoinOperand{Sub: &Data{TableID: "opt", IgnoreExistence: true, Src: src}, Keys: []string{"k"}, Kind: JoinInner},
	}
	out, warns, err := Run(j)
	require.NoError(t, err)
	assert.Empty(t, warns)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, leftSchema("k").Fields, out.Schema.Fields)
}

func TestExistencePropagatesThroughFilterAndReindex(t *testing.T) {
	sch := Schema{Fields: map[string]value.Type{"k": value.Int()}, PrimaryKey: []string{"k"}}
	sub := &staticNode{sch: sch, tbl: Table{Schema: sch}, absent: true}
	re := &Reindex{Sub: sub, Keys: []string{"k"}, Select: SelectFirst}
	_, exists, _, err := re.Eval()
	require.NoError(t, err)
	assert.False(t, exists)
	_, _, err = Run(re)
	assert.True(t, IsDoesNotExist(err))
}
