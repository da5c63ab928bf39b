package value

// CastTo performs a total, deterministic cast for every castable pair
// . It fails with TypeError for non-castable pairs.
func (v Value) CastTo(target Type) (Value, error) {
	if v.typ.Equal(target) {
		return v, nil
	}
	if !v.typ.CastableTo(target) {
		return Value{}, TypeErrorf("cannot cast %s to %s", v.typ, target)
	}

	switch {
	case v.kind == KindBinary && target.Kind == KindString:
		return Str(string(v.bin)), nil
	case v.kind == KindString && target.Kind == KindBinary:
		return Bin([]byte(v.s)), nil
	case v.kind == KindInt && target.Kind == KindQuantity:
		return Qty(float64(v.i), target.Unit), nil
	case v.kind == KindFloat && target.Kind == KindQuantity:
		return Qty(v.f, target.Unit), nil
	case v.kind == KindInt && target.Kind == KindFloat:
		return FloatVal(float64(v.i)), nil
	}

	switch v.kind {
	case KindOption:
		if v.IsNone() {
			return Value{kind: KindOption, typ: target}, nil
		}
		inner, err := v.elems[0].CastTo(*target.Elem)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindOption, typ: target, elems: []Value{inner}}, nil
	case KindResult:
		branchType := *target.Err
		if v.resultOk {
			branchType = *target.Ok
		}
		inner, err := v.elems[0].CastTo(branchType)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindResult, typ: target, resultOk: v.resultOk, elems: []Value{inner}}, nil
	case KindTuple:
		out := make([]Value, len(v.elems))
		for i, e := range v.elems {
			c, err := e.CastTo(target.Tuple[i])
			if err != nil {
				return Value{}, err
			}
			out[i] = c
		}
		return Value{kind: KindTuple, typ: target, elems: out}, nil
	case KindList:
		out := make([]Value, len(v.elems))
		for i, e := range v.elems {
			c, err := e.CastTo(*target.Elem)
			if err != nil {
				return Value{}, err
			}
			out[i] = c
		}
		return Value{kind: KindList, typ: target, elems: out}, nil
	case KindSet:
		out := make([]Value, len(v.elems))
		for i, e := range v.elems {
			c, err := e.CastTo(*target.Elem)
			if err != nil {
				return Value{}, err
			}
			out[i] = c
		}
		return Set(*target.Elem, out...), nil
	case KindMap:
		ks := make([]Value, len(v.mkeys))
		vs := make([]Value, len(v.mvals))
		for i := range v.mkeys {
			ck, err := v.mkeys[i].CastTo(*target.Key)
			if err != nil {
				return Value{}, err
			}
			cv, err := v.mvals[i].CastTo(*target.Val)
			if err != nil {
				return Value{}, err
			}
			ks[i], vs[i] = ck, cv
		}
		return Map(*target.Key, *target.Val, ks, vs), nil
	}

	return Value{}, TypeErrorf("cannot cast %s to %s", v.typ, target)
}
