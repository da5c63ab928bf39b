package sqlquery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeacon/agent/pkg/value"
)

func TestConvertCellScalars(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		cell any
		typ  value.Type
		want value.Value
	}{
		{"int", int64(7), value.Int(), value.IntVal(7)},
		{"int to float", int64(7), value.Float(), value.FloatVal(7)},
		{"int to quantity", int64(1024), value.Quantity("B"), value.Qty(1024, "B")},
		{"float", 2.5, value.Float(), value.FloatVal(2.5)},
		{"bool", true, value.Bool(), value.BoolVal(true)},
		{"bytes to string", []byte("db1"), value.String(), value.Str("db1")},
		{"string", "db1", value.String(), value.Str("db1")},
		{"time", ts, value.TimeT(), value.Time(ts)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ConvertCell(tc.cell, tc.typ)
			require.NoError(t, err)
			assert.True(t, got.Equal(tc.want), "got %v want %v", got, tc.want)
		})
	}
}

func TestConvertCellNull(t *testing.T) {
	_, err := ConvertCell(nil, value.Int())
	assert.Error(t, err)

	got, err := ConvertCell(nil, value.Option(value.Int()))
	require.NoError(t, err)
	assert.True(t, got.IsNone())
}

func TestConvertCellOptionWraps(t *testing.T) {
	got, err := ConvertCell(int64(5), value.Option(value.Int()))
	require.NoError(t, err)
	require.True(t, got.IsSome())
	inner, ok := got.Inner()
	require.True(t, ok)
	n, ok := inner.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(5), n)
}

func TestConvertCellMismatch(t *testing.T) {
	_, err := ConvertCell("text", value.Int())
	assert.Error(t, err)
}

func TestExpandPassword(t *testing.T) {
	assert.Equal(t,
		"host=db user=mon password=s3cret sslmode=require",
		expandPassword("host=db user=mon password={password} sslmode=require", "s3cret"))
	assert.Equal(t, "no placeholder", expandPassword("no placeholder", "x"))
}
