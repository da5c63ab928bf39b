package etc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePack(tableSuffix string) []byte {
	def := PackDef{
		DataTables: []DataTableDef{{
			Protocol: "snmp", ID: "ifTable", Name: "ifTable", Singleton: false,
			KeyFields: []string{"ifIndex"}, Fields: []string{"ifIndex", "ifDescr"},
		}},
		DataFields: []DataFieldDef{
			{Protocol: "snmp", ID: "ifIndex", Name: "ifIndex", Type: "int"},
			{Protocol: "snmp", ID: "ifDescr", Name: "ifDescr", Type: "string"},
		},
		Tables: []TableDef{{
			ID: "interfaces" + tableSuffix,
			Query: QueryDef{
				Kind: "data", Protocol: "snmp", TableID: "ifTable", ErrorAction: "fail",
			},
			Fields: []FieldDef{
				{Name: "descr", Type: "string", Modes: []string{"monitoring"}, DataField: "ifDescr"},
			},
		}},
		Checks: []CheckDef{{ID: "net" + tableSuffix, Tables: []string{"interfaces" + tableSuffix}}},
		MPs:    []MPDef{{ID: "switch" + tableSuffix, ElasticName: "switches", Checks: []string{"net" + tableSuffix}}},
	}
	b, _ := json.Marshal(def)
	return b
}

// TestLoadPkgDisjointCommutative: loading two packs whose tables,
// checks and monitoring packs are distinct, and whose identical data
// table and data field declarations overlap, succeeds in either order
// and yields the same final state.
func TestLoadPkgDisjointCommutative(t *testing.T) {
	a := samplePack("A")
	b := samplePack("B")

	m1 := NewManager()
	require.NoError(t, loadRaw(t, m1, "pack-a", "1", a))
	require.NoError(t, loadRaw(t, m1, "pack-b", "1", b))

	m2 := NewManager()
	require.NoError(t, loadRaw(t, m2, "pack-b", "1", b))
	require.NoError(t, loadRaw(t, m2, "pack-a", "1", a))

	assert.Equal(t, len(m1.Spec().MPs), len(m2.Spec().MPs))
	assert.Contains(t, m1.Spec().MPs, "switchA")
	assert.Contains(t, m1.Spec().MPs, "switchB")
	assert.Contains(t, m2.Spec().MPs, "switchA")
	assert.Contains(t, m2.Spec().MPs, "switchB")
}

// TestLoadPkgIdenticalOverlapSucceeds covers the "identical values"
// branch of the merge-commutativity property.
func TestLoadPkgIdenticalOverlapSucceeds(t *testing.T) {
	a := samplePack("A")
	m := NewManager()
	require.NoError(t, loadRaw(t, m, "pack-a", "1", a))
	require.NoError(t, loadRaw(t, m, "pack-a", "2", a))
}

// TestLoadPkgConflictingOverlapFails covers the "different values"
// branch: redeclaring a data field under the same id with a different
// type must fail without mutating the current snapshot.
func TestLoadPkgConflictingOverlapFails(t *testing.T) {
	m := NewManager()
	require.NoError(t, loadRaw(t, m, "pack-a", "1", samplePack("A")))
	before := m.Spec()

	conflicting := PackDef{
		DataFields: []DataFieldDef{
			{Protocol: "snmp", ID: "ifIndex", Name: "ifIndex", Type: "string"},
		},
	}
	b, _ := json.Marshal(conflicting)
	err := loadRaw(t, m, "pack-c", "1", b)
	assert.Error(t, err)
	assert.Same(t, before, m.Spec())
}

func loadRaw(t *testing.T, m *Manager, name, version string, source []byte) error {
	t.Helper()
	return m.LoadPkg(context.Background(), name, version, source, nil)
}
