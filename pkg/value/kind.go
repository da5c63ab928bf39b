package value

// Kind is the tag of the Value/Type union.
type Kind uint8

const (
	KindBinary Kind = iota
	KindString
	KindInt
	KindFloat
	KindQuantity
	KindEnum
	KindIntEnum
	KindBool
	KindTime
	KindAge
	KindMAC
	KindIPv4
	KindIPv6
	KindOption
	KindResult
	KindTuple
	KindList
	KindSet
	KindMap
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindQuantity:
		return "quantity"
	case KindEnum:
		return "enum"
	case KindIntEnum:
		return "int-enum"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindAge:
		return "age"
	case KindMAC:
		return "mac"
	case KindIPv4:
		return "ipv4"
	case KindIPv6:
		return "ipv6"
	case KindOption:
		return "option"
	case KindResult:
		return "result"
	case KindTuple:
		return "tuple"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindMap:
		return "map"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// EnumSet is the shared allowed-value set referenced by every enum Type
// and Value of that enum.
type EnumSet struct {
	Name   string
	Values []string
}

func (s *EnumSet) has(v string) bool {
	for _, x := range s.Values {
		if x == v {
			return true
		}
	}
	return false
}

func (s *EnumSet) equal(o *EnumSet) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil || s.Name != o.Name || len(s.Values) != len(o.Values) {
		return false
	}
	for i := range s.Values {
		if s.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

// IntEnumSet is the shared int64->name mapping referenced by every
// int-enum Type and Value of that int-enum.
type IntEnumSet struct {
	Name   string
	Values map[int64]string
}

func (s *IntEnumSet) equal(o *IntEnumSet) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil || s.Name != o.Name || len(s.Values) != len(o.Values) {
		return false
	}
	for k, v := range s.Values {
		if ov, ok := o.Values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
