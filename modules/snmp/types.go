// Package snmp implements the SNMP collector: a walk/get planner with
// adaptive GETBULK batching, a walk-var state machine, OID index
// decoding, and counter-to-rate conversion.
package snmp

import "strings"

// OID is a dotted object identifier, e.g. "1.3.6.1.2.1.2.2.1.10".
type OID string

// Append returns the OID formed by appending sub-identifiers.
func (o OID) Append(subIDs ...uint32) OID {
	var sb strings.Builder
	sb.WriteString(string(o))
	for _, s := range subIDs {
		sb.WriteByte('.')
		sb.WriteString(itoa(int(s)))
	}
	return OID(sb.String())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Parts splits the OID into its numeric sub-identifiers.
func (o OID) Parts() []uint32 {
	segs := strings.Split(strings.Trim(string(o), "."), ".")
	out := make([]uint32, 0, len(segs))
	for _, s := range segs {
		n := uint32(0)
		for _, c := range s {
			if c < '0' || c > '9' {
				continue
			}
			n = n*10 + uint32(c-'0')
		}
		out = append(out, n)
	}
	return out
}

// Contains reports whether child is oid itself or a descendant of it,
// i.e. whether child's sub-identifiers begin with oid's.
func (o OID) Contains(child OID) bool {
	op, cp := o.Parts(), child.Parts()
	if len(cp) < len(op) {
		return false
	}
	for i := range op {
		if op[i] != cp[i] {
			return false
		}
	}
	return true
}

// Suffix returns the sub-identifiers of full past the root oid,
// i.e. the table-row index portion of an OID retrieved by a walk.
func (o OID) Suffix(root OID) []uint32 {
	rp := root.Parts()
	fp := o.Parts()
	if len(fp) < len(rp) {
		return nil
	}
	return fp[len(rp):]
}

// Less reports lexicographic sub-identifier ordering, the comparison
// the walk state machine uses to detect a non-increasing OID
// sequence.
func (o OID) Less(other OID) bool {
	a, b := o.Parts(), other.Parts()
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func (o OID) LessOrEqual(other OID) bool {
	return o == other || o.Less(other)
}

// Index is the ordered sequence of column object ids composing a
// table's INDEX clause.
type Index struct {
	Columns []ObjectID
}

// ObjectID identifies a scalar column: its OID and raw type syntax.
type ObjectID struct {
	OID       OID
	Syntax    Syntax
	ValueList map[int64]string // INTEGER int-enum values, if any
	ErrorEnum bool             // decode as result<int-enum,int> instead of failing on out-of-range
}

// Syntax is the declared SMI syntax of a scalar, used to validate the
// variable type actually returned by the agent.
type Syntax int

const (
	SyntaxInteger Syntax = iota
	SyntaxOctetString
	SyntaxObjectID
	SyntaxIPAddress
	SyntaxCounter32
	SyntaxCounter64
	SyntaxGauge32
	SyntaxTimeTicks
	SyntaxBits
	SyntaxMACAddress
)

// TableSpec describes one walkable table: its index columns and
// non-index value columns, plus whether it is known to be a
// singleton that should fall back to a GET when the walk yields no
// rows.
type TableSpec struct {
	Root      OID
	Index     Index
	Columns   map[string]ObjectID // field name -> column spec, includes index columns
	Singleton bool
}
