package snmp

import (
	"fmt"
	"net"
	"strings"

	"github.com/gosnmp/gosnmp"

	"github.com/northbeacon/agent/pkg/value"
)

// DecodeValue converts one retrieved PDU into a typed Value according
// to the column's declared syntax, tolerating the "innocent" syntax
// mismatches real agents commit (e.g. a MIB says Gauge32 but the
// agent answers Counter32): match on declared syntax first, fall back
// to whatever numeric type the PDU actually carries.
func DecodeValue(col ObjectID, pdu gosnmp.SnmpPDU) (value.Value, error) {
	switch pdu.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return value.Value{}, fmt.Errorf("snmp: %s not present on agent", col.OID)
	}

	switch col.Syntax {
	case SyntaxInteger:
		n, err := asInt(pdu)
		if err != nil {
			return value.Value{}, err
		}
		if col.ValueList != nil {
			set := &value.IntEnumSet{Name: string(col.OID), Values: col.ValueList}
			if col.ErrorEnum {
				ev, everr := value.IntEnumVal(set, n)
				if everr != nil {
					return value.Err(value.IntEnum(set), value.Int(), value.IntVal(n)), nil
				}
				return value.Ok(value.IntEnum(set), value.Int(), ev), nil
			}
			return value.IntEnumVal(set, n)
		}
		return value.IntVal(n), nil

	case SyntaxCounter32, SyntaxCounter64, SyntaxGauge32, SyntaxTimeTicks:
		n, err := asInt(pdu)
		if err != nil {
			return value.Value{}, err
		}
		return value.IntVal(n), nil

	case SyntaxOctetString:
		b, ok := pdu.Value.([]byte)
		if !ok {
			return value.Value{}, fmt.Errorf("snmp: %s: expected OCTET STRING, got %T", col.OID, pdu.Value)
		}
		return value.Bin(b), nil

	case SyntaxMACAddress:
		b, ok := pdu.Value.([]byte)
		if !ok || len(b) != 6 {
			return value.Value{}, fmt.Errorf("snmp: %s: expected 6-byte MAC, got %v", col.OID, pdu.Value)
		}
		var mac [6]byte
		copy(mac[:], b)
		return value.MACAddr(mac), nil

	case SyntaxIPAddress:
		s, ok := pdu.Value.(string)
		if !ok {
			return value.Value{}, fmt.Errorf("snmp: %s: expected IpAddress, got %T", col.OID, pdu.Value)
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return value.Value{}, fmt.Errorf("snmp: %s: invalid IpAddress %q", col.OID, s)
		}
		return ipToValue(ip), nil

	case SyntaxBits:
		b, ok := pdu.Value.([]byte)
		if !ok {
			return value.Value{}, fmt.Errorf("snmp: %s: expected BITS, got %T", col.OID, pdu.Value)
		}
		return decodeBits(b, col.ValueList), nil

	case SyntaxObjectID:
		s, ok := pdu.Value.(string)
		if !ok {
			return value.Value{}, fmt.Errorf("snmp: %s: expected OBJECT IDENTIFIER, got %T", col.OID, pdu.Value)
		}
		return value.Str(s), nil
	}

	return value.Value{}, fmt.Errorf("snmp: %s: unsupported syntax", col.OID)
}

func asInt(pdu gosnmp.SnmpPDU) (int64, error) {
	switch v := pdu.Value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		// Counter64 and large Gauge32/TimeTicks values arrive as uint64;
		// wrap into int64 bit pattern rather than rejecting them, since
		// pkg/value.Int is a signed 64-bit container.
		return int64(v), nil
	default:
		return 0, fmt.Errorf("snmp: expected an integer-family value, got %T", pdu.Value)
	}
}

func ipToValue(ip net.IP) value.Value {
	if v4 := ip.To4(); v4 != nil {
		var b [4]byte
		copy(b[:], v4)
		return value.IPv4Addr(b)
	}
	v6 := ip.To16()
	var words [8]uint16
	for i := range words {
		words[i] = uint16(v6[i*2])<<8 | uint16(v6[i*2+1])
	}
	return value.IPv6Addr(words)
}

// decodeBits expands a BITS OCTET STRING into the set of its set bit
// positions as plain ints (bit 0 is the most significant bit of the
// first byte). The bit names are not applied to the result.
func decodeBits(b []byte, names map[int64]string) value.Value {
	elem := value.Int()
	var items []value.Value
	for byteIdx, by := range b {
		for bit := 0; bit < 8; bit++ {
			if by&(0x80>>uint(bit)) == 0 {
				continue
			}
			pos := int64(byteIdx*8 + bit)
			items = append(items, value.IntVal(pos))
		}
	}
	_ = names // not applied: the set holds bare bit positions
	return value.Set(elem, items...)
}

// DecodeIndex reconstructs the row key fields from the sub-identifier
// suffix of a retrieved OID, per each index column's syntax:
// INTEGER/enum and Counter/Gauge/TimeTicks consume exactly one
// sub-identifier; IpAddress and MACAddress consume four and six
// respectively; OCTET STRING and OBJECT IDENTIFIER consume a
// length-prefixed run unless declared IMPLIED, in which case they
// consume the remainder.
func DecodeIndex(idx Index, suffix []uint32, implied bool) (map[string]value.Value, error) {
	out := map[string]value.Value{}
	pos := 0
	for i, col := range idx.Columns {
		isLast := i == len(idx.Columns)-1
		switch col.Syntax {
		case SyntaxInteger, SyntaxCounter32, SyntaxCounter64, SyntaxGauge32, SyntaxTimeTicks:
			if pos >= len(suffix) {
				return nil, fmt.Errorf("snmp: index suffix too short for %s", col.OID)
			}
			out[string(col.OID)] = value.IntVal(int64(suffix[pos]))
			pos++

		case SyntaxIPAddress:
			if pos+4 > len(suffix) {
				return nil, fmt.Errorf("snmp: index suffix too short for IpAddress %s", col.OID)
			}
			var b [4]byte
			for j := 0; j < 4; j++ {
				b[j] = byte(suffix[pos+j])
			}
			out[string(col.OID)] = value.IPv4Addr(b)
			pos += 4

		case SyntaxMACAddress:
			if pos+6 > len(suffix) {
				return nil, fmt.Errorf("snmp: index suffix too short for MacAddress %s", col.OID)
			}
			var mac [6]byte
			for j := 0; j < 6; j++ {
				mac[j] = byte(suffix[pos+j])
			}
			out[string(col.OID)] = value.MACAddr(mac)
			pos += 6

		case SyntaxOctetString, SyntaxObjectID:
			var length int
			if implied && isLast {
				length = len(suffix) - pos
			} else {
				if pos >= len(suffix) {
					return nil, fmt.Errorf("snmp: index suffix missing length octet for %s", col.OID)
				}
				length = int(suffix[pos])
				pos++
			}
			if pos+length > len(suffix) {
				return nil, fmt.Errorf("snmp: index suffix too short for %s", col.OID)
			}
			b := make([]byte, length)
			for j := 0; j < length; j++ {
				b[j] = byte(suffix[pos+j])
			}
			pos += length
			if col.Syntax == SyntaxOctetString {
				out[string(col.OID)] = value.Str(string(b))
			} else {
				var sb strings.Builder
				for j, n := range b {
					if j > 0 {
						sb.WriteByte('.')
					}
					fmt.Fprintf(&sb, "%d", n)
				}
				out[string(col.OID)] = value.Str(sb.String())
			}

		default:
			return nil, fmt.Errorf("snmp: unsupported index syntax for %s", col.OID)
		}
	}
	return out, nil
}

// counterKey uniquely identifies one counter instance for
// pkg/counterstore, combining the column OID with its row index.
func counterKey(col OID, suffix []uint32) string {
	var sb strings.Builder
	sb.WriteString(string(col))
	for _, s := range suffix {
		fmt.Fprintf(&sb, ".%d", s)
	}
	return sb.String()
}
