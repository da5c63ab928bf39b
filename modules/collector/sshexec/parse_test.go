package sshexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/pkg/value"
)

func testInput() etc.PluginInput {
	return etc.PluginInput{
		Tables: map[string]etc.DataTableSpec{
			"mounts": {Protocol: "ssh", ID: "mounts", Name: "mounts", KeyFields: []string{"dev"}, Fields: []string{"dev", "pct"}},
			"uptime": {Protocol: "ssh", ID: "uptime", Name: "uptime", Singleton: true, Fields: []string{"load", "users"}},
		},
		Fields: map[string]etc.DataFieldSpec{
			"dev":   {Protocol: "ssh", ID: "dev", Name: "dev", InputType: value.String()},
			"pct":   {Protocol: "ssh", ID: "pct", Name: "pct", InputType: value.Float()},
			"load":  {Protocol: "ssh", ID: "load", Name: "load", InputType: value.Float()},
			"users": {Protocol: "ssh", ID: "users", Name: "users", InputType: value.Int()},
		},
	}
}

func TestParseJSONLines(t *testing.T) {
	in := testInput()
	out := []byte(`{"dev":"/dev/sda1","pct":81.5}` + "\n" + `{"dev":"/dev/sdb1","pct":12.0}` + "\n")

	rows, warns, err := ParseOutput(out, "json-lines", in.Tables["mounts"], in)
	require.NoError(t, err)
	assert.Empty(t, warns)
	require.Len(t, rows, 2)

	dev, ok := rows[0]["dev"].Value.AsString()
	require.True(t, ok)
	assert.Equal(t, "/dev/sda1", dev)
	pct, ok := rows[0]["pct"].Value.AsFloat()
	require.True(t, ok)
	assert.InDelta(t, 81.5, pct, 1e-9)
}

func TestParseJSONLinesSkipsGarbageWithWarning(t *testing.T) {
	in := testInput()
	out := []byte("df: /run/user: permission denied\n" + `{"dev":"/dev/sda1","pct":81.5}` + "\n")

	rows, warns, err := ParseOutput(out, "json-lines", in.Tables["mounts"], in)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, warns, 1)
}

func TestParseKVSingleton(t *testing.T) {
	in := testInput()
	out := []byte("load: 0.42\nusers: 3\nirrelevant: ignored\n")

	rows, _, err := ParseOutput(out, "kv", in.Tables["uptime"], in)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	load, ok := rows[0]["load"].Value.AsFloat()
	require.True(t, ok)
	assert.InDelta(t, 0.42, load, 1e-9)
	users, ok := rows[0]["users"].Value.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(3), users)
}

func TestParseKVBadCellDegrades(t *testing.T) {
	in := testInput()
	out := []byte("load: not-a-float\nusers: 3\n")

	rows, _, err := ParseOutput(out, "kv", in.Tables["uptime"], in)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0]["load"].IsError())
	assert.False(t, rows[0]["users"].IsError())
}

func TestParseUnknownParser(t *testing.T) {
	in := testInput()
	_, _, err := ParseOutput(nil, "csv", in.Tables["mounts"], in)
	assert.ErrorContains(t, err, "unknown parser")
}
