package expr

import (
	"testing"

	"github.com/northbeacon/agent/pkg/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalText(t *testing.T, text string, env Env, row Row) value.Value {
	t.Helper()
	n, err := Parse(text)
	require.NoError(t, err)
	_, err = n.TypeCheck(env)
	require.NoError(t, err)
	v, err := n.Eval(row)
	require.NoError(t, err)
	return v
}

func TestParseArithPrecedence(t *testing.T) {
	v := evalText(t, "1 + 2 * 3", Env{}, Row{})
	i, _ := v.AsInt()
	assert.Equal(t, int64(7), i)
}

func TestParsePowerRightAssoc(t *testing.T) {
	v := evalText(t, "2 ^ 3 ^ 2", Env{}, Row{})
	f, _ := v.AsFloat()
	assert.Equal(t, 512.0, f)
}

func TestParseComparisonAndBoolean(t *testing.T) {
	v := evalText(t, "1 < 2 && 3 >= 3", Env{}, Row{})
	b, _ := v.AsBool()
	assert.True(t, b)
}

func TestParseUnitLiteralAndConvert(t *testing.T) {
	v := evalText(t, `convert(1024B, "KB")`, Env{}, Row{})
	f, _ := v.AsFloat()
	assert.Equal(t, 1.0, f)
}

func TestParseVarRef(t *testing.T) {
	env := Env{Vars: map[string]value.Type{"x": value.Int()}}
	row := Row{Vars: map[string]value.Value{"x": value.IntVal(41)}}
	v := evalText(t, "$x + 1", env, row)
	i, _ := v.AsInt()
	assert.Equal(t, int64(42), i)
}

func TestParseDataRef(t *testing.T) {
	env := Env{Data: value.String()}
	row := Row{Data: value.Str("hello")}
	v := evalText(t, "to_string(@)", env, row)
	s, _ := v.AsString()
	assert.Equal(t, "hello", s)
}

func TestParseStringEscapes(t *testing.T) {
	v := evalText(t, `"a\tb!"`, Env{}, Row{})
	s, _ := v.AsString()
	assert.Equal(t, "a\tb!", s)
}

func TestParseFallbackOnMissingVar(t *testing.T) {
	env := Env{Vars: map[string]value.Type{"x": value.Int()}}
	row := Row{Vars: map[string]value.Value{}}
	v := evalText(t, "fallback($x, 99)", env, row)
	i, _ := v.AsInt()
	assert.Equal(t, int64(99), i)
}

func TestParseBitsExtraction(t *testing.T) {
	env := Env{Vars: map[string]value.Type{"x": value.Int()}}
	row := Row{Vars: map[string]value.Value{"x": value.IntVal(0b1011_0000)}}
	v := evalText(t, "bits_le($x, 4, 7)", env, row)
	i, _ := v.AsInt()
	assert.Equal(t, int64(0b1011), i)
}

func TestParseHashAndHex(t *testing.T) {
	v := evalText(t, `hex_string(md5(to_binary("abc")))`, Env{}, Row{})
	s, _ := v.AsString()
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", s)
}

func TestParseMalformedExpressionFails(t *testing.T) {
	_, err := Parse("1 + ")
	require.Error(t, err)
}
