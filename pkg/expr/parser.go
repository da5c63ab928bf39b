package expr

import (
	"fmt"

	"github.com/northbeacon/agent/pkg/value"
)

// Parse compiles expression text into an AST node per the textual
// grammar: `||` binds loosest, then `&&`, unary `!`,
// comparisons, `+ -`, `* /`, right-associative `^`/`**`, and unary `-`
// binds tightest before primaries.
func Parse(text string) (Node, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokEOF {
		return nil, &ParseError{Pos: p.cur().pos, Msg: "unexpected trailing input"}
	}
	return n, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) cur() token { return p.toks[p.pos] }
func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	if p.cur().kind != k {
		return token{}, &ParseError{Pos: p.cur().pos, Msg: "expected " + what}
	}
	return p.advance(), nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokAnd {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.cur().kind == tokNot {
		p.advance()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Not{Inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	var op CompareOp
	switch p.cur().kind {
	case tokEq:
		op = CmpEq
	case tokNe:
		op = CmpNe
	case tokLt:
		op = CmpLt
	case tokLe:
		op = CmpLe
	case tokGt:
		op = CmpGt
	case tokGe:
		op = CmpGe
	default:
		return left, nil
	}
	p.advance()
	right, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return &Compare{Op: op, Left: left, Right: right}, nil
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokPlus || p.cur().kind == tokMinus {
		op := OpAdd
		if p.cur().kind == tokMinus {
			op = OpSub
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Arith{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parsePower()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokStar || p.cur().kind == tokSlash {
		op := OpMul
		if p.cur().kind == tokSlash {
			op = OpDiv
		}
		p.advance()
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		left = &Arith{Op: op, Left: left, Right: right}
	}
	return left, nil
}

// parsePower is right-associative: 2^3^2 == 2^(3^2).
func (p *parser) parsePower() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.cur().kind == tokCaret || p.cur().kind == tokStarStar {
		p.advance()
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		return &Arith{Op: OpPow, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.cur().kind == tokMinus {
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Negate{Inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.cur()
	switch tok.kind {
	case tokLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBrace:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBrace, "'}'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokData:
		p.advance()
		return &DataRef{}, nil
	case tokVar:
		p.advance()
		return &VarRef{Name: tok.text}, nil
	case tokString:
		p.advance()
		return &Literal{Val: value.Str(tok.text)}, nil
	case tokNumber:
		p.advance()
		if tok.unit != "" {
			return &Literal{Val: value.Qty(tok.num, tok.unit)}, nil
		}
		if isIntegral(tok.text) {
			return &Literal{Val: value.IntVal(int64(tok.num))}, nil
		}
		return &Literal{Val: value.FloatVal(tok.num)}, nil
	case tokIdent:
		return p.parseCall()
	}
	return nil, &ParseError{Pos: tok.pos, Msg: "unexpected token in expression"}
}

func isIntegral(text string) bool {
	for _, c := range text {
		if c == '.' || c == 'e' || c == 'E' {
			return false
		}
	}
	return true
}

func (p *parser) parseCall() (Node, error) {
	name := p.advance().text
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	var args []Node
	if p.cur().kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur().kind == tokComma {
				p.advance()
				continue
			}
			break
		}
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return buildCall(name, args)
}

func argCount(name string, args []Node, want int) error {
	if len(args) != want {
		return &ParseError{Msg: fmt.Sprintf("%s() expects %d argument(s), got %d", name, want, len(args))}
	}
	return nil
}

func stringLiteral(n Node) (string, bool) {
	lit, ok := n.(*Literal)
	if !ok || lit.Val.Kind() != value.KindString {
		return "", false
	}
	s, _ := lit.Val.AsString()
	return s, true
}

func intLiteral(n Node) (int, bool) {
	lit, ok := n.(*Literal)
	if !ok || lit.Val.Kind() != value.KindInt {
		return 0, false
	}
	i, _ := lit.Val.AsInt()
	return int(i), true
}

func buildCall(name string, args []Node) (Node, error) {
	switch name {
	case "convert":
		if err := argCount(name, args, 2); err != nil {
			return nil, err
		}
		unitStr, ok := stringLiteral(args[1])
		if !ok {
			return nil, &ParseError{Msg: "convert() second argument must be a string literal unit"}
		}
		return &Convert{Inner: args[0], Unit: unitStr}, nil
	case "fallback":
		if err := argCount(name, args, 2); err != nil {
			return nil, err
		}
		return &Fallback{Primary: args[0], Default: args[1]}, nil
	case "format":
		if len(args) < 1 {
			return nil, &ParseError{Msg: "format() expects at least 1 argument"}
		}
		f := &Format{Inner: args[0], Precision: -1}
		if len(args) >= 2 {
			if u, ok := stringLiteral(args[1]); ok {
				f.Unit = u
			}
		}
		if len(args) >= 3 {
			if prec, ok := intLiteral(args[2]); ok {
				f.Precision = prec
			}
		}
		return f, nil
	case "concat":
		return &Concat{Parts: args}, nil
	case "substr":
		if err := argCount(name, args, 3); err != nil {
			return nil, err
		}
		return &Substr{Inner: args[0], Start: args[1], Len: args[2]}, nil
	case "regsubst":
		if err := argCount(name, args, 3); err != nil {
			return nil, err
		}
		pat, ok := stringLiteral(args[1])
		if !ok {
			return nil, &ParseError{Msg: "regsubst() pattern must be a string literal"}
		}
		repl, ok := stringLiteral(args[2])
		if !ok {
			return nil, &ParseError{Msg: "regsubst() replacement must be a string literal"}
		}
		return &RegSubst{Inner: args[0], Pattern: pat, Replacement: repl}, nil
	case "to_string":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &ToString{Inner: args[0]}, nil
	case "from_utf8":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &FromUTF8{Inner: args[0]}, nil
	case "from_utf8_lossy":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &FromUTF8{Inner: args[0], Lossy: true}, nil
	case "to_binary":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &ToBinary{Inner: args[0]}, nil
	case "hex_string":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &HexString{Inner: args[0]}, nil
	case "not_empty":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &NotEmpty{Inner: args[0]}, nil
	case "parse_int":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &ParseInt{Inner: args[0]}, nil
	case "parse_float":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &ParseFloat{Inner: args[0]}, nil
	case "parse_mac_bin":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &ParseMACBin{Inner: args[0]}, nil
	case "parse_ipv4_bin":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &ParseIPv4Bin{Inner: args[0]}, nil
	case "parse_ipv6_bin":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &ParseIPv6Bin{Inner: args[0]}, nil
	case "age_from_seconds":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &AgeFromSeconds{Inner: args[0]}, nil
	case "unpack_time":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &UnpackTime{Inner: args[0]}, nil
	case "enum_value":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &EnumValue{Inner: args[0]}, nil
	case "unwrap_error":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &UnwrapError{Inner: args[0]}, nil
	case "log":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &NumFunc{Inner: args[0], Kind: NumLog}, nil
	case "abs":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &NumFunc{Inner: args[0], Kind: NumAbs}, nil
	case "sign":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &NumFunc{Inner: args[0], Kind: NumSign}, nil
	case "bits_le":
		if err := argCount(name, args, 3); err != nil {
			return nil, err
		}
		lo, ok1 := intLiteral(args[1])
		hi, ok2 := intLiteral(args[2])
		if !ok1 || !ok2 {
			return nil, &ParseError{Msg: "bits_le() bit bounds must be integer literals"}
		}
		return &BitsExtract{Inner: args[0], Lo: lo, Hi: hi}, nil
	case "bits_be":
		if err := argCount(name, args, 3); err != nil {
			return nil, err
		}
		lo, ok1 := intLiteral(args[1])
		hi, ok2 := intLiteral(args[2])
		if !ok1 || !ok2 {
			return nil, &ParseError{Msg: "bits_be() bit bounds must be integer literals"}
		}
		return &BitsExtract{Inner: args[0], Lo: lo, Hi: hi, BigEndian: true}, nil
	case "md5":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &Hash{Inner: args[0], Algo: HashMD5}, nil
	case "sha1":
		if err := argCount(name, args, 1); err != nil {
			return nil, err
		}
		return &Hash{Inner: args[0], Algo: HashSHA1}, nil
	}
	return nil, &ParseError{Msg: "unknown function " + name}
}
