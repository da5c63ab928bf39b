package snmp

import (
	"time"

	"github.com/northbeacon/agent/pkg/counterstore"
	"github.com/northbeacon/agent/pkg/value"
)

// modulusFor returns the wraparound width for a counter-family
// syntax, or 0 for non-wrapping types.
func modulusFor(s Syntax) float64 {
	switch s {
	case SyntaxCounter32:
		return 4294967296 // 1 << 32
	case SyntaxCounter64:
		return 18446744073709551616.0 // 1 << 64, as a float
	default:
		return 0
	}
}

// RateFor turns one raw counter sample into a per-second rate using
// the host's persistent counter store, keyed by column OID and row
// index so distinct table rows never share reference state.
func RateFor(store *counterstore.Store, col ObjectID, suffix []uint32, sample int64, at time.Time) (value.Value, error) {
	mod := modulusFor(col.Syntax)
	rate, err := store.Update(counterKey(col.OID, suffix), float64(sample), at, mod)
	if err != nil {
		return value.Value{}, err
	}
	return value.FloatVal(rate), nil
}
