package plugin

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/northbeacon/agent/pkg/keyvault"
	"github.com/northbeacon/agent/pkg/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlugin struct {
	protocol string
}

func (s *stubPlugin) Protocol() string { return s.protocol }

func (s *stubPlugin) ShowQueries(context.Context, any, Query) (string, error) {
	return "stub query", nil
}

func (s *stubPlugin) GetTables(context.Context, any) (map[string]DataTableSpec, error) {
	return map[string]DataTableSpec{"t": {Name: "t", Singleton: true}}, nil
}

func (s *stubPlugin) GetFields(context.Context, any) (map[string]DataFieldSpec, error) {
	return map[string]DataFieldSpec{"f": {Name: "f", Type: value.Int()}}, nil
}

func (s *stubPlugin) RunQueries(context.Context, any, any, Query) (map[string]TableResult, error) {
	return map[string]TableResult{
		"t": {Rows: []Row{{"f": Cell(value.IntVal(1))}}},
	}, nil
}

func TestManagerRegisterAndDispatch(t *testing.T) {
	m := NewManager(keyvault.Identity{}, log.NewNopLogger())
	m.Register("stub", func(v keyvault.Vault, l log.Logger) Plugin {
		return &stubPlugin{protocol: "stub"}
	})

	p, ok := m.Get("stub")
	require.True(t, ok)
	assert.Equal(t, "stub", p.Protocol())

	res, err := p.RunQueries(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	require.Contains(t, res, "t")
	assert.False(t, res["t"].Rows[0]["f"].IsError())
}

func TestManagerGetUnknownProtocol(t *testing.T) {
	m := NewManager(keyvault.Identity{}, log.NewNopLogger())
	_, ok := m.Get("nonexistent")
	assert.False(t, ok)
}

func TestManagerReRegisterDropsCachedInstance(t *testing.T) {
	m := NewManager(keyvault.Identity{}, log.NewNopLogger())
	calls := 0
	m.Register("stub", func(v keyvault.Vault, l log.Logger) Plugin {
		calls++
		return &stubPlugin{protocol: "stub"}
	})
	m.Get("stub")
	m.Register("stub", func(v keyvault.Vault, l log.Logger) Plugin {
		calls++
		return &stubPlugin{protocol: "stub"}
	})
	m.Get("stub")
	assert.Equal(t, 2, calls)
}
