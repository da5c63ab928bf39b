package snmp

// VarState is the per-column walk progress.
type VarState int

const (
	Pending VarState = iota
	InFlight
	Done
	NotIncreasing
	VarError
)

// WalkVar tracks one table column's walk cursor: the next-request OID
// and how much of the table root it has covered so far.
type WalkVar struct {
	Field     string
	Root      OID
	Cursor    OID // next OID to GETNEXT/GETBULK from; starts at Root
	State     VarState
	Rows      int // rows retrieved so far, across this walk
	Err       error
	Singleton bool // table has no INDEX and should fall back to GET if walk is empty
}

func newWalkVar(field string, root OID, singleton bool) *WalkVar {
	return &WalkVar{Field: field, Root: root, Cursor: root, State: Pending, Singleton: singleton}
}

func (v *WalkVar) active() bool {
	return v.State == Pending || v.State == InFlight
}

// Save advances the var's state given the next OID/value the agent
// returned for it: a walk
// ends when the returned OID leaves the table root, when the agent
// reports end-of-MIB-view, or when OIDs stop strictly increasing
// (unless the IgnoreOIDsNotIncreasing quirk is set, in which case the
// walk continues and the caller should record a warning instead).
func (v *WalkVar) Save(next OID, endOfView bool, quirks Quirks) (warn bool) {
	if endOfView || !v.Root.Contains(next) {
		v.State = Done
		return false
	}
	if !v.Cursor.Less(next) && v.Rows > 0 {
		if quirks.IgnoreOIDsNotIncreasing {
			v.Cursor = next
			v.Rows++
			return true
		}
		v.State = NotIncreasing
		return false
	}
	v.Cursor = next
	v.Rows++
	v.State = InFlight
	return false
}

// WalkTable groups the WalkVars for every column of one table: all
// columns walk in lock-step against the same row index, so the
// planner batches their GETBULK requests together as long as every
// column in the group is still active.
type WalkTable struct {
	Spec *TableSpec
	Vars []*WalkVar
}

func NewWalkTable(spec *TableSpec) *WalkTable {
	wt := &WalkTable{Spec: spec}
	for name, col := range spec.Columns {
		wt.Vars = append(wt.Vars, newWalkVar(name, col.OID, spec.Singleton))
	}
	return wt
}

func (t *WalkTable) done() bool {
	for _, v := range t.Vars {
		if v.active() {
			return false
		}
	}
	return true
}

func (t *WalkTable) width() int {
	n := 0
	for _, v := range t.Vars {
		if v.active() {
			n++
		}
	}
	return n
}

// Quirks are per-device workarounds the planner and state machine
// consult.
type Quirks struct {
	// IgnoreOIDsNotIncreasing makes a non-increasing OID neither an
	// error nor the end of the walk: the walk continues and a warning
	// is reported.
	IgnoreOIDsNotIncreasing bool
	// InvalidPacketsAtEnd restricts every GETBULK batch to a single
	// table, because this agent sends a malformed final packet when a
	// batch spans table boundaries.
	InvalidPacketsAtEnd bool
	// MaxRepetitionsOverride pins max-repetitions instead of deriving
	// it from the row-count estimate, for agents that reject large
	// values.
	MaxRepetitionsOverride int
}

// BulkPlan is the next PDU request the planner wants sent: a set of
// OIDs and the max-repetitions value to request against all of them.
type BulkPlan struct {
	Vars           []*WalkVar
	MaxRepetitions int
}

// Walks holds every table still being walked during one collection
// cycle and drives the overall take/save loop.
type Walks struct {
	Tables []*WalkTable
	Stats  *StatsCache
	Quirks Quirks
}

func NewWalks(specs []*TableSpec, stats *StatsCache, quirks Quirks) *Walks {
	w := &Walks{Stats: stats, Quirks: quirks}
	for _, s := range specs {
		w.Tables = append(w.Tables, NewWalkTable(s))
	}
	return w
}

func (w *Walks) Done() bool {
	for _, t := range w.Tables {
		if !t.done() {
			return false
		}
	}
	return true
}

const (
	defaultMaxWidth  = 64 // max OIDs per GETBULK PDU
	defaultRowBudget = 48 // default max-repetitions absent any estimate
)

// Take selects the next batch of vars to request and the
// max-repetitions to ask for, greedily accumulating width: it
// fills the batch from one or more tables' active columns up to
// availableWidth, stopping early (single table) when the
// InvalidPacketsAtEnd quirk is set.
func (w *Walks) Take(availableWidth int) *BulkPlan {
	if availableWidth <= 0 {
		availableWidth = defaultMaxWidth
	}
	plan := &BulkPlan{}
	maxRep := 0
	for _, t := range w.Tables {
		if t.done() {
			continue
		}
		var active []*WalkVar
		for _, v := range t.Vars {
			if v.active() {
				active = append(active, v)
			}
		}
		if len(active) == 0 {
			continue
		}
		if len(plan.Vars)+len(active) > availableWidth {
			if len(plan.Vars) > 0 {
				break
			}
			active = active[:availableWidth]
		}
		plan.Vars = append(plan.Vars, active...)

		rep := w.Quirks.MaxRepetitionsOverride
		if rep == 0 {
			rep = w.Stats.Estimate(t.Spec.Root, defaultRowBudget)
		}
		if rep > maxRep {
			maxRep = rep
		}

		if w.Quirks.InvalidPacketsAtEnd {
			break
		}
	}
	if maxRep == 0 {
		maxRep = defaultRowBudget
	}
	plan.MaxRepetitions = maxRep
	return plan
}

// Reinject records that a var's GETBULK/GETNEXT row landed, advancing
// its cursor or terminating it, and returns a warning message if one
// should be surfaced (the IgnoreOIDsNotIncreasing path).
func (w *Walks) Reinject(v *WalkVar, next OID, endOfView bool) string {
	if v.Save(next, endOfView, w.Quirks) {
		return "agent returned a non-increasing OID for " + string(v.Root) + "; continuing walk per device quirk"
	}
	return ""
}

// FinishTable records the final row count observed for a table so the
// next cycle's estimate tracks reality.
func (w *Walks) FinishTable(t *WalkTable) {
	rows := 0
	for _, v := range t.Vars {
		if v.Rows > rows {
			rows = v.Rows
		}
	}
	w.Stats.Observe(t.Spec.Root, rows)
}
