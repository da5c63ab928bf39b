package value

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCastTotality(t *testing.T) {
	cases := []struct {
		name   string
		v      Value
		target Type
	}{
		{"binary to string", Bin([]byte("hi")), String()},
		{"string to binary", Str("hi"), Binary()},
		{"int to quantity", IntVal(42), Quantity("B")},
		{"float to quantity", FloatVal(3.5), Quantity("s")},
		{"int to float", IntVal(7), Float()},
		{"list of int to list of float", List(Int(), IntVal(1), IntVal(2)), ListOf(Float())},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := tc.v.CastTo(tc.target)
			require.NoError(t, err)
			assert.True(t, out.Type().Equal(tc.target))
		})
	}
}

func TestCastIncompatibleFails(t *testing.T) {
	_, err := Str("hi").CastTo(Int())
	require.Error(t, err)
	de, ok := err.(*DataError)
	require.True(t, ok)
	assert.Equal(t, ErrTypeError, de.Kind)
}

func TestJSONRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	cases := []Value{
		IntVal(42),
		FloatVal(3.25),
		Str("hello"),
		BoolVal(true),
		Qty(1024, "B"),
		Time(now),
		AgeOf(90 * time.Second),
		List(Int(), IntVal(1), IntVal(2), IntVal(3)),
		Some(Int(), IntVal(5)),
		None(Int()),
	}
	for _, v := range cases {
		raw, err := v.ToJSON()
		require.NoError(t, err)
		back, err := v.Type().ValueFromJSON(raw)
		require.NoError(t, err)
		assert.True(t, v.Equal(back), "round trip mismatch for %v", v.Format(FormatOpts{}))
	}
}

func TestNaNNeverEqual(t *testing.T) {
	nan := FloatVal(nanVal())
	assert.False(t, nan.Equal(nan))
}

func nanVal() float64 {
	var z float64
	return z / z
}

func TestEnumCastAndFormat(t *testing.T) {
	set := &EnumSet{Name: "status", Values: []string{"up", "down"}}
	v, err := EnumVal(set, "up")
	require.NoError(t, err)
	assert.Equal(t, "up", v.Format(FormatOpts{}))

	_, err = EnumVal(set, "sideways")
	require.Error(t, err)
}

func TestQuantityAutoscaleFormat(t *testing.T) {
	v := Qty(1073741824, "B")
	s := v.Format(FormatOpts{Autoscale: true, Precision: 2})
	assert.Equal(t, "1.00 GB", s)
}

func TestQuantityExplicitUnitConversion(t *testing.T) {
	v := Qty(1073741824, "B")
	s := v.Format(FormatOpts{Unit: "MB", Precision: 1})
	assert.Equal(t, "1024.0 MB", s)
}

func TestMACAndIPv4Format(t *testing.T) {
	mac := MACAddr([6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01})
	assert.Equal(t, "de:ad:be:ef:00:01", mac.Format(FormatOpts{}))

	ip := IPv4Addr([4]byte{192, 168, 1, 1})
	assert.Equal(t, "192.168.1.1", ip.Format(FormatOpts{}))
}

func TestSetHashability(t *testing.T) {
	assert.True(t, Int().Hashable())
	assert.False(t, Float().Hashable())
	assert.False(t, SetOf(Int()).Hashable())
	assert.True(t, ListOf(Int()).Hashable())
	assert.False(t, ListOf(Float()).Hashable())
}
