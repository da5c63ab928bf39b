// Package value implements the runtime-tagged Value/Type system that
// carries typed collector output end to end: from protocol plugins,
// through the expression and query engines, to the outbound metrics
// payload.
package value

import "fmt"

// ErrorKind enumerates the per-cell data error taxonomy.
type ErrorKind int

const (
	ErrMissing ErrorKind = iota
	ErrCounterPending
	ErrCounterOverflow
	ErrExternal
	ErrTypeError
	ErrJSON
	ErrInvalidMACAddress
	ErrInvalidIPv4Address
	ErrInvalidIPv6Address
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMissing:
		return "missing"
	case ErrCounterPending:
		return "counter-pending"
	case ErrCounterOverflow:
		return "counter-overflow"
	case ErrExternal:
		return "external"
	case ErrTypeError:
		return "type-error"
	case ErrJSON:
		return "json"
	case ErrInvalidMACAddress:
		return "invalid-mac-address"
	case ErrInvalidIPv4Address:
		return "invalid-ipv4-address"
	case ErrInvalidIPv6Address:
		return "invalid-ipv6-address"
	default:
		return "unknown"
	}
}

// DataError is the per-cell error type propagated alongside Values
// through expressions, queries and the output pipeline. A cell-level
// error never fails the row it occurs in.
type DataError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *DataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *DataError) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, value.Missing()) style comparisons by kind.
func (e *DataError) Is(target error) bool {
	o, ok := target.(*DataError)
	if !ok {
		return false
	}
	return o.Kind == e.Kind
}

func newErr(kind ErrorKind, format string, args ...any) *DataError {
	return &DataError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Missing() *DataError { return &DataError{Kind: ErrMissing} }

func CounterPending() *DataError { return &DataError{Kind: ErrCounterPending} }

func CounterOverflow() *DataError { return &DataError{Kind: ErrCounterOverflow} }

func External(cause error) *DataError {
	return &DataError{Kind: ErrExternal, Cause: cause}
}

func TypeErrorf(format string, args ...any) *DataError {
	return newErr(ErrTypeError, format, args...)
}

func JSONError(cause error) *DataError {
	return &DataError{Kind: ErrJSON, Cause: cause}
}

func InvalidMAC(s string) *DataError {
	return newErr(ErrInvalidMACAddress, "invalid mac address %q", s)
}

func InvalidIPv4(s string) *DataError {
	return newErr(ErrInvalidIPv4Address, "invalid ipv4 address %q", s)
}

func InvalidIPv6(s string) *DataError {
	return newErr(ErrInvalidIPv6Address, "invalid ipv6 address %q", s)
}
