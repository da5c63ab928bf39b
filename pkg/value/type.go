package value

import "strings"

// Type is a structural descriptor isomorphic to Value, used to
// typecheck expressions and queries before any data is fetched.
type Type struct {
	Kind Kind

	Unit string // quantity: canonical unit name

	Enum    *EnumSet    // enum
	IntEnum *IntEnumSet // int-enum

	Elem *Type // option/list/set: element type

	Key *Type // map: key type
	Val *Type // map: value type

	Tuple []Type // tuple: element types in order

	Ok  *Type // result: ok branch type
	Err *Type // result: err branch type
}

func Binary() Type { return Type{Kind: KindBinary} }
func String() Type { return Type{Kind: KindString} }
func Int() Type    { return Type{Kind: KindInt} }
func Float() Type  { return Type{Kind: KindFloat} }
func Bool() Type   { return Type{Kind: KindBool} }
func TimeT() Type  { return Type{Kind: KindTime} }
func Age() Type    { return Type{Kind: KindAge} }
func MAC() Type    { return Type{Kind: KindMAC} }
func IPv4() Type   { return Type{Kind: KindIPv4} }
func IPv6() Type   { return Type{Kind: KindIPv6} }
func JSON() Type   { return Type{Kind: KindJSON} }

func Quantity(unit string) Type { return Type{Kind: KindQuantity, Unit: unit} }
func Enum(set *EnumSet) Type    { return Type{Kind: KindEnum, Enum: set} }
func IntEnum(set *IntEnumSet) Type {
	return Type{Kind: KindIntEnum, IntEnum: set}
}
func Option(elem Type) Type { return Type{Kind: KindOption, Elem: &elem} }
func ResultOf(ok, err Type) Type {
	return Type{Kind: KindResult, Ok: &ok, Err: &err}
}
func TupleOf(elems ...Type) Type { return Type{Kind: KindTuple, Tuple: elems} }
func ListOf(elem Type) Type      { return Type{Kind: KindList, Elem: &elem} }
func SetOf(elem Type) Type       { return Type{Kind: KindSet, Elem: &elem} }
func MapOf(key, val Type) Type   { return Type{Kind: KindMap, Key: &key, Val: &val} }

// Hashable reports whether values of this type may be used as map/set
// keys or join keys. Floats, quantities, time, age, sets, maps and raw
// JSON are never hashable.
func (t Type) Hashable() bool {
	switch t.Kind {
	case KindFloat, KindQuantity, KindTime, KindAge, KindSet, KindMap, KindJSON:
		return false
	case KindOption:
		return t.Elem.Hashable()
	case KindResult:
		return t.Ok.Hashable() && t.Err.Hashable()
	case KindTuple:
		for _, e := range t.Tuple {
			if !e.Hashable() {
				return false
			}
		}
		return true
	case KindList:
		return t.Elem.Hashable()
	default:
		return true
	}
}

// Equal reports full structural equality, including unit names and
// shared enum/int-enum set identity.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindQuantity:
		return t.Unit == o.Unit
	case KindEnum:
		return t.Enum.equal(o.Enum)
	case KindIntEnum:
		return t.IntEnum.equal(o.IntEnum)
	case KindOption, KindList, KindSet:
		return t.Elem.Equal(*o.Elem)
	case KindResult:
		return t.Ok.Equal(*o.Ok) && t.Err.Equal(*o.Err)
	case KindTuple:
		if len(t.Tuple) != len(o.Tuple) {
			return false
		}
		for i := range t.Tuple {
			if !t.Tuple[i].Equal(o.Tuple[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return t.Key.Equal(*o.Key) && t.Val.Equal(*o.Val)
	default:
		return true
	}
}

// CastableTo reports whether a Value of type t can always be cast to
// type target: identity; binary<->unicode
// string; integer/float -> dimensionless quantity; integer -> float;
// structural descent through option/result/tuple/list/set/map.
func (t Type) CastableTo(target Type) bool {
	if t.Equal(target) {
		return true
	}
	switch {
	case t.Kind == KindBinary && target.Kind == KindString:
		return true
	case t.Kind == KindString && target.Kind == KindBinary:
		return true
	case (t.Kind == KindInt || t.Kind == KindFloat) && target.Kind == KindQuantity:
		return true
	case t.Kind == KindInt && target.Kind == KindFloat:
		return true
	}
	if t.Kind != target.Kind {
		return false
	}
	switch t.Kind {
	case KindOption, KindList, KindSet:
		return t.Elem.CastableTo(*target.Elem)
	case KindResult:
		return t.Ok.CastableTo(*target.Ok) && t.Err.CastableTo(*target.Err)
	case KindTuple:
		if len(t.Tuple) != len(target.Tuple) {
			return false
		}
		for i := range t.Tuple {
			if !t.Tuple[i].CastableTo(target.Tuple[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return t.Key.CastableTo(*target.Key) && t.Val.CastableTo(*target.Val)
	}
	return false
}

func (t Type) String() string {
	switch t.Kind {
	case KindQuantity:
		return "quantity<" + t.Unit + ">"
	case KindEnum:
		name := "anon"
		if t.Enum != nil {
			name = t.Enum.Name
		}
		return "enum<" + name + ">"
	case KindIntEnum:
		name := "anon"
		if t.IntEnum != nil {
			name = t.IntEnum.Name
		}
		return "int-enum<" + name + ">"
	case KindOption:
		return "option<" + t.Elem.String() + ">"
	case KindResult:
		return "result<" + t.Ok.String() + "," + t.Err.String() + ">"
	case KindTuple:
		parts := make([]string, len(t.Tuple))
		for i, e := range t.Tuple {
			parts[i] = e.String()
		}
		return "tuple<" + strings.Join(parts, ",") + ">"
	case KindList:
		return "list<" + t.Elem.String() + ">"
	case KindSet:
		return "set<" + t.Elem.String() + ">"
	case KindMap:
		return "map<" + t.Key.String() + "," + t.Val.String() + ">"
	default:
		return t.Kind.String()
	}
}
