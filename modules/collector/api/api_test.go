package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/keyvault"
	"github.com/northbeacon/agent/pkg/value"
)

func testInput() etc.PluginInput {
	return etc.PluginInput{
		Tables: map[string]etc.DataTableSpec{
			"disks": {Protocol: "api", ID: "disks", Name: "disks", KeyFields: []string{"name"}, Fields: []string{"name", "used"}},
		},
		Fields: map[string]etc.DataFieldSpec{
			"name": {Protocol: "api", ID: "name", Name: "name", InputType: value.String()},
			"used": {Protocol: "api", ID: "used", Name: "used", InputType: value.Int()},
		},
	}
}

func TestRunQueriesDecodesTypedRows(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"items":[{"name":"sda","used":42},{"name":"sdb","used":7}]}`))
	}))
	defer srv.Close()

	c := NewFactory()(keyvault.Identity{}, log.NewNopLogger())
	cfg := Config{
		BaseURL:     srv.URL,
		Username:    "monitor",
		PasswordRef: "hunter2",
		Endpoints:   map[string]Endpoint{"disks": {Path: "/disks", RowsKey: "items"}},
	}

	res, err := c.RunQueries(context.Background(), testInput(), cfg, plugin.Query{"disks": nil})
	require.NoError(t, err)
	require.Contains(t, res, "disks")
	require.NoError(t, res["disks"].Err)
	require.Len(t, res["disks"].Rows, 2)

	assert.NotEmpty(t, gotAuth, "basic auth header should be sent")

	names := map[string]int64{}
	for _, row := range res["disks"].Rows {
		name, ok := row["name"].Value.AsString()
		require.True(t, ok)
		used, ok := row["used"].Value.AsInt()
		require.True(t, ok)
		names[name] = used
	}
	assert.Equal(t, map[string]int64{"sda": 42, "sdb": 7}, names)
}

func TestRunQueriesAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewFactory()(keyvault.Identity{}, log.NewNopLogger())
	cfg := Config{BaseURL: srv.URL, Endpoints: map[string]Endpoint{"disks": {Path: "/disks"}}}

	res, err := c.RunQueries(context.Background(), testInput(), cfg, plugin.Query{"disks": nil})
	require.NoError(t, err)
	assert.ErrorContains(t, res["disks"].Err, "authentication")
}

func TestRunQueriesMissingEndpointFailsOnlyThatTable(t *testing.T) {
	c := NewFactory()(keyvault.Identity{}, log.NewNopLogger())
	cfg := Config{BaseURL: "http://unused", Endpoints: map[string]Endpoint{}}

	res, err := c.RunQueries(context.Background(), testInput(), cfg, plugin.Query{"disks": nil})
	require.NoError(t, err)
	assert.ErrorContains(t, res["disks"].Err, "no endpoint")
}

func TestDecodeRowsBadCellDegradesToCellError(t *testing.T) {
	rows, _, err := decodeRows([]byte(`[{"name":"sda","used":"not-a-number"}]`), "", testInput().Tables["disks"], testInput())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0]["name"].IsError())
	assert.True(t, rows[0]["used"].IsError())
}

func TestDecodeRowsSingletonObject(t *testing.T) {
	in := testInput()
	tspec := in.Tables["disks"]
	tspec.Singleton = true
	rows, _, err := decodeRows([]byte(`{"name":"sda","used":1}`), "", tspec, in)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
