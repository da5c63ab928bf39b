package query

// DataRefs walks a compiled query plan and returns every protocol data
// table it reads, grouped by protocol. A task runner uses this to
// compute the per-protocol set of tables it must ask a plugin for
// before evaluating the plan.
func DataRefs(n Node) map[string][]string {
	out := map[string][]string{}
	collectRefs(n, out)
	return out
}

func collectRefs(n Node, out map[string][]string) {
	switch v := n.(type) {
	case *Data:
		out[v.Protocol] = append(out[v.Protocol], v.TableID)
	case *Filter:
		collectRefs(v.Sub, out)
	case *Join:
		collectRefs(v.Left.Sub, out)
		collectRefs(v.Right.Sub, out)
	case *Reindex:
		collectRefs(v.Sub, out)
	}
}
