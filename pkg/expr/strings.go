package expr

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"unicode/utf8"

	"github.com/northbeacon/agent/pkg/value"
)

// Substr implements `substr(expr, start, len)`.
type Substr struct {
	Inner      Node
	Start, Len Node
}

func checkString(env Env, n Node) error {
	t, err := n.TypeCheck(env)
	if err != nil {
		return err
	}
	if t.Kind != value.KindString {
		return &TypeError{Msg: "expected string, got " + t.String()}
	}
	return nil
}

func checkInt(env Env, n Node) error {
	t, err := n.TypeCheck(env)
	if err != nil {
		return err
	}
	if t.Kind != value.KindInt {
		return &TypeError{Msg: "expected int, got " + t.String()}
	}
	return nil
}

func (n *Substr) TypeCheck(env Env) (value.Type, error) {
	if err := checkString(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	if err := checkInt(env, n.Start); err != nil {
		return value.Type{}, err
	}
	if err := checkInt(env, n.Len); err != nil {
		return value.Type{}, err
	}
	return value.String(), nil
}

func (n *Substr) Eval(row Row) (value.Value, error) {
	sv, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	startV, err := n.Start.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	lenV, err := n.Len.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	s, _ := sv.AsString()
	start, _ := startV.AsInt()
	ln, _ := lenV.AsInt()
	runes := []rune(s)
	if start < 0 {
		start = 0
	}
	if start > int64(len(runes)) {
		start = int64(len(runes))
	}
	end := start + ln
	if ln < 0 || end > int64(len(runes)) {
		end = int64(len(runes))
	}
	if end < start {
		end = start
	}
	return value.Str(string(runes[start:end])), nil
}

// RegSubst implements `regsubst(expr, pattern, replacement)`.
type RegSubst struct {
	Inner                Node
	Pattern, Replacement string
}

func (n *RegSubst) TypeCheck(env Env) (value.Type, error) {
	if err := checkString(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	if _, err := regexp.Compile(n.Pattern); err != nil {
		return value.Type{}, &ParseError{Msg: "invalid regexp: " + err.Error()}
	}
	return value.String(), nil
}

func (n *RegSubst) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	s, _ := v.AsString()
	re, err := regexp.Compile(n.Pattern)
	if err != nil {
		return value.Value{}, value.TypeErrorf("invalid regexp: %s", err)
	}
	return value.Str(re.ReplaceAllString(s, n.Replacement)), nil
}

// ToString casts any value to its display string, equivalent to
// format(expr) with default options.
type ToString struct{ Inner Node }

func (n *ToString) TypeCheck(env Env) (value.Type, error) {
	if _, err := n.Inner.TypeCheck(env); err != nil {
		return value.Type{}, err
	}
	return value.String(), nil
}

func (n *ToString) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	return value.Str(v.Format(value.FormatOpts{Precision: -1})), nil
}

// FromUTF8 decodes a binary value as UTF-8, failing on invalid input.
type FromUTF8 struct {
	Inner Node
	Lossy bool
}

func checkBinary(env Env, n Node) error {
	t, err := n.TypeCheck(env)
	if err != nil {
		return err
	}
	if t.Kind != value.KindBinary {
		return &TypeError{Msg: "expected binary, got " + t.String()}
	}
	return nil
}

func (n *FromUTF8) TypeCheck(env Env) (value.Type, error) {
	if err := checkBinary(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	return value.String(), nil
}

func (n *FromUTF8) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	b, _ := v.AsBinary()
	if n.Lossy {
		return value.Str(toValidUTF8(b)), nil
	}
	if !utf8.Valid(b) {
		return value.Value{}, value.External(&invalidUTF8Error{})
	}
	return value.Str(string(b)), nil
}

type invalidUTF8Error struct{}

func (e *invalidUTF8Error) Error() string { return "invalid utf-8 sequence" }

func toValidUTF8(b []byte) string {
	out := make([]rune, 0, len(b))
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			out = append(out, utf8.RuneError)
			i++
			continue
		}
		out = append(out, r)
		i += size
	}
	return string(out)
}

// ToBinary casts a string value to its raw UTF-8 bytes.
type ToBinary struct{ Inner Node }

func (n *ToBinary) TypeCheck(env Env) (value.Type, error) {
	if err := checkString(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	return value.Binary(), nil
}

func (n *ToBinary) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	s, _ := v.AsString()
	return value.Bin([]byte(s)), nil
}

// HexString renders a binary value as lowercase hex text.
type HexString struct{ Inner Node }

func (n *HexString) TypeCheck(env Env) (value.Type, error) {
	if err := checkBinary(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	return value.String(), nil
}

func (n *HexString) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	b, _ := v.AsBinary()
	return value.Str(hex.EncodeToString(b)), nil
}

// NotEmpty checks a string/binary/list/set/map for non-zero length.
type NotEmpty struct{ Inner Node }

func (n *NotEmpty) TypeCheck(env Env) (value.Type, error) {
	t, err := n.Inner.TypeCheck(env)
	if err != nil {
		return value.Type{}, err
	}
	switch t.Kind {
	case value.KindString, value.KindBinary, value.KindList, value.KindSet, value.KindMap:
	default:
		return value.Type{}, &TypeError{Msg: "not_empty() requires a string, binary, list, set or map, got " + t.String()}
	}
	return value.Bool(), nil
}

func (n *NotEmpty) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	switch v.Kind() {
	case value.KindString:
		s, _ := v.AsString()
		return value.BoolVal(len(s) != 0), nil
	case value.KindBinary:
		b, _ := v.AsBinary()
		return value.BoolVal(len(b) != 0), nil
	case value.KindList, value.KindSet:
		return value.BoolVal(len(v.Elems()) != 0), nil
	case value.KindMap:
		keys, _ := v.MapEntries()
		return value.BoolVal(len(keys) != 0), nil
	}
	return value.BoolVal(false), nil
}

// HashKind selects the digest algorithm for the Hash node.
type HashKind int

const (
	HashMD5 HashKind = iota
	HashSHA1
)

// Hash implements `md5(expr)` / `sha1(expr)` over a binary value.
type Hash struct {
	Inner Node
	Algo  HashKind
}

func (n *Hash) TypeCheck(env Env) (value.Type, error) {
	if err := checkBinary(env, n.Inner); err != nil {
		return value.Type{}, err
	}
	return value.Binary(), nil
}

func (n *Hash) Eval(row Row) (value.Value, error) {
	v, err := n.Inner.Eval(row)
	if err != nil {
		return value.Value{}, err
	}
	b, _ := v.AsBinary()
	switch n.Algo {
	case HashMD5:
		sum := md5.Sum(b)
		return value.Bin(sum[:]), nil
	case HashSHA1:
		sum := sha1.Sum(b)
		return value.Bin(sum[:]), nil
	}
	return value.Value{}, value.TypeErrorf("unknown hash algorithm")
}
