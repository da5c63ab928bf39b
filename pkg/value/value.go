package value

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Value is a runtime-tagged typed value, the currency every collector
// and engine in this module trades in.
// Values are produced by plugins or expression evaluation and are
// never mutated in place; every Value carries enough information
// (via typ) to reconstruct its Type without external context.
type Value struct {
	kind Kind
	typ  Type

	i    int64
	f    float64
	b    bool
	s    string
	bin  []byte
	ip6  [8]uint16
	tval time.Time
	age  time.Duration

	resultOk bool
	elems    []Value // tuple/list/set elements; option (0 or 1); result (len 1)

	mkeys []Value
	mvals []Value

	raw json.RawMessage
}

func Bin(b []byte) Value {
	return Value{kind: KindBinary, typ: Binary(), bin: append([]byte(nil), b...)}
}

func Str(s string) Value { return Value{kind: KindString, typ: String(), s: s} }

func IntVal(i int64) Value { return Value{kind: KindInt, typ: Type{Kind: KindInt}, i: i} }

func FloatVal(f float64) Value { return Value{kind: KindFloat, typ: Type{Kind: KindFloat}, f: f} }

func Qty(f float64, unit string) Value {
	return Value{kind: KindQuantity, typ: Quantity(unit), f: f}
}

func EnumVal(set *EnumSet, v string) (Value, error) {
	if !set.has(v) {
		return Value{}, TypeErrorf("%q is not a member of enum %s", v, set.Name)
	}
	return Value{kind: KindEnum, typ: Enum(set), s: v}, nil
}

func IntEnumVal(set *IntEnumSet, v int64) (Value, error) {
	if _, ok := set.Values[v]; !ok {
		return Value{}, TypeErrorf("%d is not a member of int-enum %s", v, set.Name)
	}
	return Value{kind: KindIntEnum, typ: IntEnum(set), i: v}, nil
}

func BoolVal(b bool) Value { return Value{kind: KindBool, typ: Type{Kind: KindBool}, b: b} }

func Time(t time.Time) Value { return Value{kind: KindTime, typ: TimeT(), tval: t.UTC()} }

func AgeOf(d time.Duration) Value { return Value{kind: KindAge, typ: Age(), age: d} }

func MACAddr(b [6]byte) Value {
	return Value{kind: KindMAC, typ: MAC(), bin: append([]byte(nil), b[:]...)}
}

func IPv4Addr(b [4]byte) Value {
	return Value{kind: KindIPv4, typ: IPv4(), bin: append([]byte(nil), b[:]...)}
}

func IPv6Addr(words [8]uint16) Value {
	return Value{kind: KindIPv6, typ: IPv6(), ip6: words}
}

func None(elem Type) Value { return Value{kind: KindOption, typ: Option(elem)} }

func Some(elem Type, v Value) Value {
	return Value{kind: KindOption, typ: Option(elem), elems: []Value{v}}
}

func Ok(okType, errType Type, v Value) Value {
	return Value{kind: KindResult, typ: ResultOf(okType, errType), resultOk: true, elems: []Value{v}}
}

func Err(okType, errType Type, v Value) Value {
	return Value{kind: KindResult, typ: ResultOf(okType, errType), resultOk: false, elems: []Value{v}}
}

func Tuple(elems ...Value) Value {
	types := make([]Type, len(elems))
	for i, e := range elems {
		types[i] = e.Type()
	}
	return Value{kind: KindTuple, typ: TupleOf(types...), elems: append([]Value(nil), elems...)}
}

func List(elem Type, items ...Value) Value {
	return Value{kind: KindList, typ: ListOf(elem), elems: append([]Value(nil), items...)}
}

// Set builds a set value, de-duplicating by hash key (last write wins).
func Set(elem Type, items ...Value) Value {
	seen := make(map[string]bool, len(items))
	out := make([]Value, 0, len(items))
	for _, it := range items {
		k, ok := it.HashKey()
		if !ok {
			continue
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, it)
		}
	}
	return Value{kind: KindSet, typ: SetOf(elem), elems: out}
}

// Map builds a map value from parallel key/value slices, de-duplicating
// by key (last write wins).
func Map(key, val Type, keys, vals []Value) Value {
	type kv struct {
		k, v Value
	}
	byKey := make(map[string]kv, len(keys))
	order := make([]string, 0, len(keys))
	for i := range keys {
		hk, ok := keys[i].HashKey()
		if !ok {
			continue
		}
		if _, exists := byKey[hk]; !exists {
			order = append(order, hk)
		}
		byKey[hk] = kv{keys[i], vals[i]}
	}
	outK := make([]Value, 0, len(order))
	outV := make([]Value, 0, len(order))
	for _, hk := range order {
		outK = append(outK, byKey[hk].k)
		outV = append(outV, byKey[hk].v)
	}
	return Value{kind: KindMap, typ: MapOf(key, val), mkeys: outK, mvals: outV}
}

func RawJSON(raw json.RawMessage) Value {
	return Value{kind: KindJSON, typ: JSON(), raw: append(json.RawMessage(nil), raw...)}
}

// Type reconstructs the structural Type of this Value.
func (v Value) Type() Type { return v.typ }

func (v Value) Kind() Kind { return v.kind }

// IsSome / IsNone / Inner support the option kind.
func (v Value) IsSome() bool { return v.kind == KindOption && len(v.elems) == 1 }
func (v Value) IsNone() bool { return v.kind == KindOption && len(v.elems) == 0 }
func (v Value) Inner() (Value, bool) {
	if v.kind != KindOption || len(v.elems) != 1 {
		return Value{}, false
	}
	return v.elems[0], true
}

// IsOk / IsErr / Unwrap support the result kind.
func (v Value) IsOk() bool  { return v.kind == KindResult && v.resultOk }
func (v Value) IsErr() bool { return v.kind == KindResult && !v.resultOk }
func (v Value) ResultValue() Value {
	if len(v.elems) == 1 {
		return v.elems[0]
	}
	return Value{}
}

func (v Value) Elems() []Value { return v.elems }

func (v Value) MapEntries() (keys, vals []Value) { return v.mkeys, v.mvals }

func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindString, KindEnum:
		return v.s, true
	}
	return "", false
}

func (v Value) AsBinary() ([]byte, bool) {
	switch v.kind {
	case KindBinary, KindMAC, KindIPv4:
		return v.bin, true
	}
	return nil, false
}

func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt, KindIntEnum:
		return v.i, true
	}
	return 0, false
}

func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat, KindQuantity:
		return v.f, true
	}
	return 0, false
}

func (v Value) AsBool() (bool, bool) {
	if v.kind == KindBool {
		return v.b, true
	}
	return false, false
}

func (v Value) AsTime() (time.Time, bool) {
	if v.kind == KindTime {
		return v.tval, true
	}
	return time.Time{}, false
}

func (v Value) AsAge() (time.Duration, bool) {
	if v.kind == KindAge {
		return v.age, true
	}
	return 0, false
}

func (v Value) AsMAC() ([6]byte, bool) {
	if v.kind != KindMAC {
		return [6]byte{}, false
	}
	var out [6]byte
	copy(out[:], v.bin)
	return out, true
}

func (v Value) AsIPv4() ([4]byte, bool) {
	if v.kind != KindIPv4 {
		return [4]byte{}, false
	}
	var out [4]byte
	copy(out[:], v.bin)
	return out, true
}

func (v Value) AsIPv6() ([8]uint16, bool) {
	if v.kind != KindIPv6 {
		return [8]uint16{}, false
	}
	return v.ip6, true
}

// Equal implements value equality with NaN treated as unequal to
// everything, including itself.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind || !v.typ.Equal(o.typ) {
		return false
	}
	switch v.kind {
	case KindBinary, KindMAC, KindIPv4:
		return string(v.bin) == string(o.bin)
	case KindString, KindEnum:
		return v.s == o.s
	case KindInt, KindIntEnum:
		return v.i == o.i
	case KindFloat, KindQuantity:
		if math.IsNaN(v.f) || math.IsNaN(o.f) {
			return false
		}
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.tval.Equal(o.tval)
	case KindAge:
		return v.age == o.age
	case KindIPv6:
		return v.ip6 == o.ip6
	case KindOption:
		if v.IsNone() != o.IsNone() {
			return false
		}
		if v.IsNone() {
			return true
		}
		return v.elems[0].Equal(o.elems[0])
	case KindResult:
		return v.resultOk == o.resultOk && v.elems[0].Equal(o.elems[0])
	case KindTuple, KindList:
		if len(v.elems) != len(o.elems) {
			return false
		}
		for i := range v.elems {
			if !v.elems[i].Equal(o.elems[i]) {
				return false
			}
		}
		return true
	case KindSet:
		if len(v.elems) != len(o.elems) {
			return false
		}
		vs := map[string]bool{}
		for _, e := range v.elems {
			if k, ok := e.HashKey(); ok {
				vs[k] = true
			}
		}
		for _, e := range o.elems {
			k, ok := e.HashKey()
			if !ok || !vs[k] {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.mkeys) != len(o.mkeys) {
			return false
		}
		om := map[string]Value{}
		for i, k := range o.mkeys {
			hk, ok := k.HashKey()
			if !ok {
				return false
			}
			om[hk] = o.mvals[i]
		}
		for i, k := range v.mkeys {
			hk, ok := k.HashKey()
			if !ok {
				return false
			}
			ov, ok := om[hk]
			if !ok || !v.mvals[i].Equal(ov) {
				return false
			}
		}
		return true
	case KindJSON:
		return string(v.raw) == string(o.raw)
	}
	return false
}

// HashKey returns a canonical string encoding suitable for use as a
// Go map key, usable whenever v.Type().Hashable() holds. Used by the
// query engine for join indexing and by Set/Map construction.
func (v Value) HashKey() (string, bool) {
	if !v.typ.Hashable() {
		return "", false
	}
	switch v.kind {
	case KindBinary, KindMAC, KindIPv4:
		return "b:" + string(v.bin), true
	case KindString, KindEnum:
		return "s:" + v.s, true
	case KindInt, KindIntEnum:
		return fmt.Sprintf("i:%d", v.i), true
	case KindBool:
		return fmt.Sprintf("t:%v", v.b), true
	case KindIPv6:
		return fmt.Sprintf("6:%v", v.ip6), true
	case KindOption:
		if v.IsNone() {
			return "o:none", true
		}
		ik, ok := v.elems[0].HashKey()
		if !ok {
			return "", false
		}
		return "o:some:" + ik, true
	case KindResult:
		ik, ok := v.elems[0].HashKey()
		if !ok {
			return "", false
		}
		return fmt.Sprintf("r:%v:%s", v.resultOk, ik), true
	case KindTuple, KindList:
		out := "L:"
		for _, e := range v.elems {
			ek, ok := e.HashKey()
			if !ok {
				return "", false
			}
			out += ek + "|"
		}
		return out, true
	}
	return "", false
}
