package value

import (
	"fmt"
	"strconv"

	"github.com/northbeacon/agent/pkg/unit"
)

// FormatOpts selects display unit, precision and autoscale behavior
// for Value.Format.
type FormatOpts struct {
	Unit      string // override display unit (quantity only); "" = use native unit
	Precision int    // decimal digits; <0 means "shortest round-trip"
	Autoscale bool   // quantity only: pick the best-fitting prefix
}

func (v Value) Format(opts FormatOpts) string {
	switch v.kind {
	case KindBinary:
		return fmt.Sprintf("%x", v.bin)
	case KindString, KindEnum:
		return v.s
	case KindInt, KindIntEnum:
		if v.kind == KindIntEnum {
			if name, ok := v.typ.IntEnum.Values[v.i]; ok {
				return name
			}
		}
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return formatFloat(v.f, opts.Precision)
	case KindQuantity:
		val, u := v.f, v.typ.Unit
		if opts.Autoscale {
			val, u = unit.Autoscale(val, v.typ.Unit)
		} else if opts.Unit != "" && opts.Unit != v.typ.Unit {
			if c, err := unit.Convert(val, v.typ.Unit, opts.Unit); err == nil {
				val, u = c, opts.Unit
			}
		}
		return formatFloat(val, opts.Precision) + " " + u
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.tval.Format("2006-01-02T15:04:05.000000Z")
	case KindAge:
		return v.age.String()
	case KindMAC:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", v.bin[0], v.bin[1], v.bin[2], v.bin[3], v.bin[4], v.bin[5])
	case KindIPv4:
		return fmt.Sprintf("%d.%d.%d.%d", v.bin[0], v.bin[1], v.bin[2], v.bin[3])
	case KindIPv6:
		s := ""
		for i, w := range v.ip6 {
			if i > 0 {
				s += ":"
			}
			s += fmt.Sprintf("%x", w)
		}
		return s
	case KindOption:
		if v.IsNone() {
			return "<none>"
		}
		return v.elems[0].Format(opts)
	case KindResult:
		tag := "ok"
		if !v.resultOk {
			tag = "err"
		}
		return tag + "(" + v.elems[0].Format(opts) + ")"
	case KindTuple, KindList:
		s := "["
		for i, e := range v.elems {
			if i > 0 {
				s += ", "
			}
			s += e.Format(opts)
		}
		return s + "]"
	case KindSet:
		s := "{"
		for i, e := range v.elems {
			if i > 0 {
				s += ", "
			}
			s += e.Format(opts)
		}
		return s + "}"
	case KindMap:
		s := "{"
		for i := range v.mkeys {
			if i > 0 {
				s += ", "
			}
			s += v.mkeys[i].Format(opts) + ": " + v.mvals[i].Format(opts)
		}
		return s + "}"
	case KindJSON:
		return string(v.raw)
	}
	return ""
}

func formatFloat(f float64, precision int) string {
	if precision < 0 {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', precision, 64)
}
