package query

// Rebind returns a copy of a compiled query plan with every Data
// node's Source replaced by src. A monitoring-pack table's query is
// type-checked once against the declared schema at load time (see
// modules/etc) but evaluated fresh on every scheduler run against that
// cycle's live plugin output; Rebind lets the scheduler supply a
// per-run Source without mutating the shared, concurrently-reused
// compiled plan.
func Rebind(n Node, src Source) Node {
	switch v := n.(type) {
	case *Data:
		cp := *v
		cp.Src = src
		return &cp
	case *Filter:
		cp := *v
		cp.Sub = Rebind(v.Sub, src)
		return &cp
	case *Join:
		cp := *v
		cp.Left.Sub = Rebind(v.Left.Sub, src)
		cp.Right.Sub = Rebind(v.Right.Sub, src)
		return &cp
	case *Reindex:
		cp := *v
		cp.Sub = Rebind(v.Sub, src)
		return &cp
	default:
		return n
	}
}
