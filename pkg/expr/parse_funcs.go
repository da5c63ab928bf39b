package expr

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/northbeacon/agent/pkg/value"
)

// ParseInt implements `parse_int(expr)`, parsing a decimal string into
// an int, yielding a TypeError DataError on malformed input.
type ParseInt struct{ Inner Node }

func (n *ParseInt) TypeCheck(env Env) (value.Type, error) {
	if err := checkString(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	return value.Int(), nil
}

func (n *ParseInt) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	s, _ := v.AsString()
	i, perr := strconv.ParseInt(s, 10, 64)
	if perr != nil {
		return value.Value{}, value.TypeErrorf("cannot parse %q as int", s)
	}
	return value.IntVal(i), nil
}

// ParseFloat implements `parse_float(expr)`.
type ParseFloat struct{ Inner Node }

func (n *ParseFloat) TypeCheck(env Env) (value.Type, error) {
	if err := checkString(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	return value.Float(), nil
}

func (n *ParseFloat) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	s, _ := v.AsString()
	f, perr := strconv.ParseFloat(s, 64)
	if perr != nil {
		return value.Value{}, value.TypeErrorf("cannot parse %q as float", s)
	}
	return value.FloatVal(f), nil
}

// ParseMACBin implements `parse_mac_bin(expr)`, reading a 6-byte MAC
// out of a binary value.
type ParseMACBin struct{ Inner Node }

func (n *ParseMACBin) TypeCheck(env Env) (value.Type, error) {
	if err := checkBinary(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	return value.MAC(), nil
}

func (n *ParseMACBin) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	b, _ := v.AsBinary()
	if len(b) != 6 {
		return value.Value{}, value.InvalidMAC(hexPreview(b))
	}
	var mac [6]byte
	copy(mac[:], b)
	return value.MACAddr(mac), nil
}

// ParseIPv4Bin implements `parse_ipv4_bin(expr)`, reading a 4-byte
// address out of a binary value.
type ParseIPv4Bin struct{ Inner Node }

func (n *ParseIPv4Bin) TypeCheck(env Env) (value.Type, error) {
	if err := checkBinary(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	return value.IPv4(), nil
}

func (n *ParseIPv4Bin) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	b, _ := v.AsBinary()
	if len(b) != 4 {
		return value.Value{}, value.InvalidIPv4(hexPreview(b))
	}
	var ip [4]byte
	copy(ip[:], b)
	return value.IPv4Addr(ip), nil
}

// ParseIPv6Bin implements `parse_ipv6_bin(expr)`, reading a 16-byte
// address out of a binary value.
type ParseIPv6Bin struct{ Inner Node }

func (n *ParseIPv6Bin) TypeCheck(env Env) (value.Type, error) {
	if err := checkBinary(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	return value.IPv6(), nil
}

func (n *ParseIPv6Bin) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	b, _ := v.AsBinary()
	if len(b) != 16 {
		return value.Value{}, value.InvalidIPv6(hexPreview(b))
	}
	ip := net.IP(b)
	var words [8]uint16
	for i := 0; i < 8; i++ {
		words[i] = binary.BigEndian.Uint16(ip[i*2 : i*2+2])
	}
	return value.IPv6Addr(words), nil
}

func hexPreview(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, hexDigits[c>>4], hexDigits[c&0xf])
	}
	return string(out)
}

// AgeFromSeconds implements `age_from_seconds(expr)`, turning a
// numeric seconds count into an Age value.
type AgeFromSeconds struct{ Inner Node }

func (n *AgeFromSeconds) TypeCheck(env Env) (value.Type, error) {
	t, err := n.Inner.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	if numericRank(t) < 0 {
		return value.Type{}, &TypeError{Msg: "age_from_seconds() requires a numeric operand"}
	}
	return value.Age(), nil
}

func (n *AgeFromSeconds) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	secs := toFloat(v)
	return value.AgeOf(durationFromSeconds(secs)), nil
}

// UnpackTime implements `unpack_time(expr)`, converting a unix epoch
// seconds numeric value into a Time value.
type UnpackTime struct{ Inner Node }

func (n *UnpackTime) TypeCheck(env Env) (value.Type, error) {
	t, err := n.Inner.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	if numericRank(t) < 0 {
		return value.Type{}, &TypeError{Msg: "unpack_time() requires a numeric operand"}
	}
	return value.TimeT(), nil
}

func (n *UnpackTime) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	secs := toFloat(v)
	return value.Time(timeFromUnixSeconds(secs)), nil
}
