// Package unit implements the physical-unit table, conversion and
// autoscale logic used by quantity Values.
package unit

import (
	"fmt"
	"math"
	"strings"
)

// Prefix is one rung of a unit's scaling ladder (e.g. kilo, mega for
// bytes; milli, micro for seconds).
type Prefix struct {
	Name   string
	Factor float64
}

// Family groups units that are mutually convertible (e.g. "B", "KB",
// "MB",... or "s", "ms", "us",...) sharing a single base unit.
type Family struct {
	Base     string
	Prefixes []Prefix // ordered smallest factor to largest
}

var families = map[string]*Family{
	"B": {
		Base: "B",
		Prefixes: []Prefix{
			{"B", 1},
			{"KB", 1 << 10},
			{"MB", 1 << 20},
			{"GB", 1 << 30},
			{"TB", 1 << 40},
			{"PB", 1 << 50},
		},
	},
	"bps": {
		Base: "bps",
		Prefixes: []Prefix{
			{"bps", 1},
			{"Kbps", 1e3},
			{"Mbps", 1e6},
			{"Gbps", 1e9},
			{"Tbps", 1e12},
		},
	},
	"s": {
		Base: "s",
		Prefixes: []Prefix{
			{"ns", 1e-9},
			{"us", 1e-6},
			{"ms", 1e-3},
			{"s", 1},
			{"min", 60},
			{"h", 3600},
			{"d", 86400},
		},
	},
	"Hz": {
		Base: "Hz",
		Prefixes: []Prefix{
			{"Hz", 1},
			{"KHz", 1e3},
			{"MHz", 1e6},
			{"GHz", 1e9},
		},
	},
	"%": {
		Base:     "%",
		Prefixes: []Prefix{{"%", 1}},
	},
	"": {
		Base:     "",
		Prefixes: []Prefix{{"", 1}},
	},
}

func lookup(unit string) (*Family, *Prefix) {
	for _, fam := range families {
		for i := range fam.Prefixes {
			if fam.Prefixes[i].Name == unit {
				return fam, &fam.Prefixes[i]
			}
		}
	}
	return nil, nil
}

// Convertible reports whether from and to belong to the same unit
// family and can therefore always be converted between.
func Convertible(from, to string) bool {
	ff, _ := lookup(from)
	tf, _ := lookup(to)
	return ff != nil && tf != nil && ff.Base == tf.Base
}

// Convert rescales value measured in `from` units into `to` units.
func Convert(value float64, from, to string) (float64, error) {
	ff, fp := lookup(from)
	tf, tp := lookup(to)
	if ff == nil {
		return 0, fmt.Errorf("unit: unknown unit %q", from)
	}
	if tf == nil {
		return 0, fmt.Errorf("unit: unknown unit %q", to)
	}
	if ff.Base != tf.Base {
		return 0, fmt.Errorf("unit: %q and %q are not convertible", from, to)
	}
	return value * fp.Factor / tp.Factor, nil
}

// Autoscale picks the prefix in unit's family whose magnitude puts the
// mantissa in the canonical range [1, 1000),
// returning the rescaled value and the chosen unit name. When the
// ladder is exhausted at either end, the extreme prefix is used
// without further scaling.
func Autoscale(value float64, unit string) (float64, string) {
	fam, curPrefix := lookup(unit)
	if fam == nil || len(fam.Prefixes) == 0 {
		return value, unit
	}
	if value == 0 {
		return value, fam.Prefixes[0].Name
	}
	baseMagnitude := math.Abs(value) * curPrefix.Factor

	for _, p := range fam.Prefixes {
		scaled := baseMagnitude / p.Factor
		if scaled >= 1 && scaled < 1000 {
			return value_in(value, unit, p.Name), p.Name
		}
	}
	// Ladder exhausted: clamp to whichever extreme the magnitude is nearest.
	smallest, largest := fam.Prefixes[0], fam.Prefixes[len(fam.Prefixes)-1]
	if baseMagnitude/smallest.Factor < 1 {
		return value_in(value, unit, smallest.Name), smallest.Name
	}
	return value_in(value, unit, largest.Name), largest.Name
}

func value_in(value float64, from, to string) float64 {
	out, err := Convert(value, from, to)
	if err != nil {
		return value
	}
	return out
}

// CanonicalUnits lists every unit name known to the table, for
// validating MP spec field declarations.
func CanonicalUnits() []string {
	var out []string
	for _, fam := range families {
		for _, p := range fam.Prefixes {
			out = append(out, p.Name)
		}
	}
	return out
}

// ParseLiteral parses a numeric literal with an optional trailing unit
// suffix as accepted by the expression parser's literal grammar, e.g. "10MB" -> (10, "MB", true).
func ParseLiteral(s string) (mantissa float64, unit string, hasUnit bool) {
	i := len(s)
	for i > 0 {
		c := s[i-1]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E' {
			break
		}
		i--
	}
	numPart, unitPart := s[:i], strings.TrimSpace(s[i:])
	if unitPart == "" {
		return parseFloat(numPart), "", false
	}
	return parseFloat(numPart), unitPart, true
}

func parseFloat(s string) float64 {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	if err != nil {
		return 0
	}
	return f
}
