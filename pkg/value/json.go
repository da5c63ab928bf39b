package value

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// ToJSON renders v as its JSON bridge representation.
func (v Value) ToJSON() (json.RawMessage, error) {
	switch v.kind {
	case KindBinary, KindMAC, KindIPv4:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.bin))
	case KindString, KindEnum:
		return json.Marshal(v.s)
	case KindInt, KindIntEnum:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindQuantity:
		return json.Marshal(v.f)
	case KindBool:
		return json.Marshal(v.b)
	case KindTime:
		return json.Marshal(v.tval.UTC().Format(time.RFC3339Nano))
	case KindAge:
		return json.Marshal(v.age.Seconds())
	case KindIPv6:
		return json.Marshal(v.ip6)
	case KindOption:
		if v.IsNone() {
			return json.Marshal(nil)
		}
		return v.elems[0].ToJSON()
	case KindResult:
		inner, err := v.elems[0].ToJSON()
		if err != nil {
			return nil, err
		}
		tag := "ok"
		if !v.resultOk {
			tag = "err"
		}
		return json.Marshal(map[string]json.RawMessage{tag: inner})
	case KindTuple, KindList:
		parts := make([]json.RawMessage, len(v.elems))
		for i, e := range v.elems {
			r, err := e.ToJSON()
			if err != nil {
				return nil, err
			}
			parts[i] = r
		}
		return json.Marshal(parts)
	case KindSet:
		parts := make([]json.RawMessage, len(v.elems))
		for i, e := range v.elems {
			r, err := e.ToJSON()
			if err != nil {
				return nil, err
			}
			parts[i] = r
		}
		return json.Marshal(parts)
	case KindMap:
		entries := make([][2]json.RawMessage, len(v.mkeys))
		for i := range v.mkeys {
			k, err := v.mkeys[i].ToJSON()
			if err != nil {
				return nil, err
			}
			val, err := v.mvals[i].ToJSON()
			if err != nil {
				return nil, err
			}
			entries[i] = [2]json.RawMessage{k, val}
		}
		return json.Marshal(entries)
	case KindJSON:
		return v.raw, nil
	}
	return nil, TypeErrorf("unsupported kind for json: %s", v.kind)
}

// ValueFromJSON reconstructs a Value of type t from its JSON bridge
// representation, honoring the display unit on quantities so they
// round-trip.
func (t Type) ValueFromJSON(raw json.RawMessage) (Value, error) {
	switch t.Kind {
	case KindBinary, KindMAC, KindIPv4:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, JSONError(err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, JSONError(err)
		}
		switch t.Kind {
		case KindMAC:
			if len(b) != 6 {
				return Value{}, InvalidMAC(s)
			}
			var a [6]byte
			copy(a[:], b)
			return MACAddr(a), nil
		case KindIPv4:
			if len(b) != 4 {
				return Value{}, InvalidIPv4(s)
			}
			var a [4]byte
			copy(a[:], b)
			return IPv4Addr(a), nil
		default:
			return Bin(b), nil
		}
	case KindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, JSONError(err)
		}
		return Str(s), nil
	case KindEnum:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, JSONError(err)
		}
		return EnumVal(t.Enum, s)
	case KindInt:
		var i int64
		if err := json.Unmarshal(raw, &i); err != nil {
			return Value{}, JSONError(err)
		}
		return IntVal(i), nil
	case KindIntEnum:
		var i int64
		if err := json.Unmarshal(raw, &i); err != nil {
			return Value{}, JSONError(err)
		}
		return IntEnumVal(t.IntEnum, i)
	case KindFloat:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return Value{}, JSONError(err)
		}
		return FloatVal(f), nil
	case KindQuantity:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return Value{}, JSONError(err)
		}
		return Qty(f, t.Unit), nil
	case KindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, JSONError(err)
		}
		return BoolVal(b), nil
	case KindTime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, JSONError(err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Value{}, JSONError(err)
		}
		return Time(parsed.UTC().Truncate(time.Microsecond)), nil
	case KindAge:
		var secs float64
		if err := json.Unmarshal(raw, &secs); err != nil {
			return Value{}, JSONError(err)
		}
		return AgeOf(time.Duration(secs * float64(time.Second))), nil
	case KindIPv6:
		var words [8]uint16
		if err := json.Unmarshal(raw, &words); err != nil {
			return Value{}, JSONError(err)
		}
		return IPv6Addr(words), nil
	case KindOption:
		if string(raw) == "null" {
			return None(*t.Elem), nil
		}
		inner, err := t.Elem.ValueFromJSON(raw)
		if err != nil {
			return Value{}, err
		}
		return Some(*t.Elem, inner), nil
	case KindResult:
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return Value{}, JSONError(err)
		}
		if okRaw, ok := m["ok"]; ok {
			inner, err := t.Ok.ValueFromJSON(okRaw)
			if err != nil {
				return Value{}, err
			}
			return Ok(*t.Ok, *t.Err, inner), nil
		}
		if errRaw, ok := m["err"]; ok {
			inner, err := t.Err.ValueFromJSON(errRaw)
			if err != nil {
				return Value{}, err
			}
			return Err(*t.Ok, *t.Err, inner), nil
		}
		return Value{}, JSONError(fmt.Errorf("result value missing ok/err tag"))
	case KindTuple:
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil {
			return Value{}, JSONError(err)
		}
		if len(parts) != len(t.Tuple) {
			return Value{}, TypeErrorf("tuple arity mismatch: want %d got %d", len(t.Tuple), len(parts))
		}
		elems := make([]Value, len(parts))
		for i, p := range parts {
			v, err := t.Tuple[i].ValueFromJSON(p)
			if err != nil {
				return Value{}, err
			}
			elems[i] = v
		}
		return Value{kind: KindTuple, typ: t, elems: elems}, nil
	case KindList, KindSet:
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil {
			return Value{}, JSONError(err)
		}
		elems := make([]Value, len(parts))
		for i, p := range parts {
			v, err := t.Elem.ValueFromJSON(p)
			if err != nil {
				return Value{}, err
			}
			elems[i] = v
		}
		if t.Kind == KindSet {
			return Set(*t.Elem, elems...), nil
		}
		return Value{kind: KindList, typ: t, elems: elems}, nil
	case KindMap:
		var entries [][2]json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return Value{}, JSONError(err)
		}
		keys := make([]Value, len(entries))
		vals := make([]Value, len(entries))
		for i, e := range entries {
			k, err := t.Key.ValueFromJSON(e[0])
			if err != nil {
				return Value{}, err
			}
			val, err := t.Val.ValueFromJSON(e[1])
			if err != nil {
				return Value{}, err
			}
			keys[i], vals[i] = k, val
		}
		return Map(*t.Key, *t.Val, keys, vals), nil
	case KindJSON:
		return RawJSON(raw), nil
	}
	return Value{}, TypeErrorf("unsupported kind for json: %s", t.Kind)
}
