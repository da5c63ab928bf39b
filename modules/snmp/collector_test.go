package snmp

import (
	"fmt"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeacon/agent/pkg/counterstore"
)

// TestWalkTerminatesAtTableBoundary drives the WalkVar state machine
// directly against a canned response sequence: two in-table rows
// followed by an OID that has left the table root, the way an agent's
// final GETNEXT response signals end-of-table.
func TestWalkTerminatesAtTableBoundary(t *testing.T) {
	root := OID("1.3.6.1.2.1.2.2.1.2")
	v := newWalkVar("ifDescr", root, false)

	warn := v.Save(root.Append(1), false, Quirks{})
	assert.False(t, warn)
	assert.Equal(t, InFlight, v.State)

	warn = v.Save(root.Append(2), false, Quirks{})
	assert.False(t, warn)
	assert.Equal(t, InFlight, v.State)

	// The agent's third response has walked off the table entirely,
	// into 1.3.6.1.2.1.2.3.1.1, outside the ifTable subtree.
	past := OID("1.3.6.1.2.1.2.3.1.1")
	warn = v.Save(past, false, Quirks{})
	assert.False(t, warn)
	assert.Equal(t, Done, v.State)
	assert.Equal(t, 2, v.Rows)

	// The two retrieved rows decode to index [1] and [2].
	s1 := root.Append(1).Suffix(root)
	s2 := root.Append(2).Suffix(root)
	require.Equal(t, []uint32{1}, s1)
	require.Equal(t, []uint32{2}, s2)
}

// TestWalkIgnoresNotIncreasingUnderQuirk exercises the
// IgnoreOIDsNotIncreasing device quirk: an agent that re-sends the
// same or an earlier OID is tolerated, with a warning, instead of
// terminating the walk in error.
func TestWalkIgnoresNotIncreasingUnderQuirk(t *testing.T) {
	root := OID("1.3.6.1.2.1.2.2.1.2")
	v := newWalkVar("ifDescr", root, false)
	v.Save(root.Append(5), false, Quirks{})

	warn := v.Save(root.Append(5), false, Quirks{IgnoreOIDsNotIncreasing: true})
	assert.True(t, warn)
	assert.Equal(t, InFlight, v.State)

	warn = v.Save(root.Append(5), false, Quirks{})
	assert.False(t, warn)
	assert.Equal(t, NotIncreasing, v.State)
}

// TestRateForComputesPerSecondRate covers the counter-to-rate
// conversion path a Counter32 column takes through RateFor: the first
// sample is pending (no prior reference), the second yields the rate
// implied by the elapsed wall-clock interval.
func TestRateForComputesPerSecondRate(t *testing.T) {
	store, err := counterstore.Open(t.TempDir() + "/counters.json")
	require.NoError(t, err)

	col := ObjectID{OID: "1.3.6.1.2.1.2.2.1.10", Syntax: SyntaxCounter32}
	suffix := []uint32{1}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err = RateFor(store, col, suffix, 100, t0)
	require.Error(t, err, "first observation has no reference sample")

	rate, err := RateFor(store, col, suffix, 160, t0.Add(10*time.Second))
	require.NoError(t, err)
	got, ok := rate.AsFloat()
	require.True(t, ok)
	assert.InDelta(t, 6.0, got, 1e-9)
}

// TestRateForHandlesCounter32Wraparound verifies a Counter32 sample
// that decreased is treated as wraparound rather than reset when the
// implied rate stays within the plausible range.
func TestRateForHandlesCounter32Wraparound(t *testing.T) {
	store, err := counterstore.Open(t.TempDir() + "/counters.json")
	require.NoError(t, err)

	col := ObjectID{OID: "1.3.6.1.2.1.2.2.1.10", Syntax: SyntaxCounter32}
	suffix := []uint32{1}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err = RateFor(store, col, suffix, 4294967200, t0)
	require.Error(t, err)

	rate, err := RateFor(store, col, suffix, 100, t0.Add(1*time.Second))
	require.NoError(t, err)
	got, ok := rate.AsFloat()
	require.True(t, ok)
	// wrapped delta = (4294967296 - 4294967200) + 100 = 196, over 1s.
	assert.InDelta(t, 196.0, got, 1e-6)
}

func TestCounterKeyDistinguishesRows(t *testing.T) {
	col := OID("1.3.6.1.2.1.2.2.1.10")
	k1 := counterKey(col, []uint32{1})
	k2 := counterKey(col, []uint32{2})
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, fmt.Sprintf("%s.1", col), k1)
}

// TestSingletonFallbackRow exercises the empty-singleton fallback: a
// walk that produced no rows issues a direct GET, and the response's
// varbinds become the table's single row — or no row at all when the
// agent answered for none of the declared columns, which is how
// "object does not exist" is told apart from "object is empty".
func TestSingletonFallbackRow(t *testing.T) {
	spec := &TableSpec{
		Root:      "1.3.6.1.2.1.1",
		Singleton: true,
		Columns: map[string]ObjectID{
			"sysName":   {OID: "1.3.6.1.2.1.1.5.0", Syntax: SyntaxOctetString},
			"sysUptime": {OID: "1.3.6.1.2.1.1.3.0", Syntax: SyntaxTimeTicks},
		},
	}

	pkt := &gosnmp.SnmpPacket{Variables: []gosnmp.SnmpPDU{
		{Name: "1.3.6.1.2.1.1.5.0", Type: gosnmp.OctetString, Value: []byte("core-sw1")},
		{Name: "1.3.6.1.2.1.1.3.0", Type: gosnmp.TimeTicks, Value: uint32(123456)},
	}}
	row := singletonFallbackRow(spec, pkt)
	require.NotNil(t, row)
	require.Len(t, row, 2)
	assert.False(t, row["sysName"].IsError())
	name, ok := row["sysName"].Value.AsBinary()
	require.True(t, ok)
	assert.Equal(t, []byte("core-sw1"), name)
	ticks, ok := row["sysUptime"].Value.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(123456), ticks)

	// noSuchObject for every column: the object is genuinely absent
	// and no row is produced.
	missing := &gosnmp.SnmpPacket{Variables: []gosnmp.SnmpPDU{
		{Name: "1.3.6.1.2.1.1.5.0", Type: gosnmp.NoSuchObject},
	}}
	assert.Nil(t, singletonFallbackRow(spec, missing))
}
