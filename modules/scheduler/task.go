// Package scheduler implements the task-runner fleet that drives the
// plugin runtime and query/expression engines on a timing schedule.
// Each task is a cancellable ticker-driven goroutine; reconfiguration
// diffs desired tasks against the running fleet by key.
package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/metrics"
	"github.com/northbeacon/agent/pkg/query"
)

// TaskKey identifies one task runner: a monitored host driven through
// one monitoring pack.
type TaskKey struct {
	Host string
	MPID string
}

// TaskConfig is one task's desired configuration: which host/MP to
// run, the period to run it at, an optional table subset filter, and
// the per-protocol configuration blobs + identity tags needed to
// dispatch and ship its result.
type TaskConfig struct {
	Key             TaskKey
	Period          time.Duration
	TableFilter     []string // optional; nil means "every table the pack declares"
	ProtocolConfigs map[string]any
	QueriedItemType string
	QueriedItemID   string
	ItemType        string
}

// sameLiveness reports whether two configs can be applied to an
// existing runner in place (same period; the table filter or protocol
// configs may still change cheaply) versus requiring a stop-then-start.
func sameLiveness(a, b TaskConfig) bool {
	return a.Period == b.Period
}

// CheckTask drives one scheduling cycle for a task: build the
// per-protocol query intersection, dispatch to the plugin runtime,
// evaluate every user-visible table via modules/etc, wrap the result
// as a metrics.Table and hand it to Sink.
type CheckTask struct {
	Cfg       TaskConfig
	EtcMgr    *etc.Manager
	PluginMgr *plugin.Manager
	Sink      chan<- metrics.Table
	Logger    log.Logger
}

// liveSource backs pkg/query.Source with one run's already-fetched
// plugin table results, aggregated across every protocol the run
// touched.
type liveSource struct {
	spec   *etc.Spec
	tables map[string]query.Table // keyed by bare ProtoDataTableId
}

// Schema is only consulted by TypeCheck, never by Eval, and the
// compiled plan is never re-type-checked at run time; liveSource
// still implements it so it satisfies pkg/query.Source, returning
// whatever schema accompanied the fetched rows.
func (s *liveSource) Schema(tableID string) (query.Schema, error) {
	if t, ok := s.tables[tableID]; ok {
		return t.Schema, nil
	}
	return query.Schema{}, errors.Errorf("scheduler: no schema available at run time for table %q", tableID)
}

func (s *liveSource) Fetch(tableID string) (query.Table, error) {
	t, ok := s.tables[tableID]
	if !ok {
		return query.Table{}, errors.Errorf("scheduler: table %q was not dispatched this run", tableID)
	}
	return t, nil
}

// tablesForMP resolves every user table id an MP names across its
// checks, intersected with the task's optional filter.
func tablesForMP(spec *etc.Spec, mp *etc.MP, filter []string) []string {
	want := map[string]bool{}
	if filter != nil {
		for _, t := range filter {
			want[t] = true
		}
	}
	seen := map[string]bool{}
	var out []string
	for _, checkID := range mp.Checks {
		chk, ok := spec.Checks[checkID]
		if !ok {
			continue
		}
		for _, tid := range chk.Tables {
			if filter != nil && !want[tid] {
				continue
			}
			if seen[tid] {
				continue
			}
			seen[tid] = true
			out = append(out, tid)
		}
	}
	return out
}

// dispatch asks the plugin runtime for every protocol data table a set
// of user tables' queries reference, grouped by protocol via
// query.DataRefs. Each table is requested with a nil field set, so
// column selection is left to the plugin.
func dispatch(ctx context.Context, pm *plugin.Manager, spec *etc.Spec, tables []*etc.Table, cfgs map[string]any) (map[string]query.Table, []plugin.Warning, error) {
	byProtocol := map[string][]string{}
	for _, t := range tables {
		refs := query.DataRefs(t.Query)
		for proto, ids := range refs {
			byProtocol[proto] = append(byProtocol[proto], ids...)
		}
	}

	out := map[string]query.Table{}
	var allWarnings []plugin.Warning
	for protocol, tableIDs := range byProtocol {
		p, ok := pm.Get(protocol)
		if !ok {
			return nil, nil, errors.Errorf("scheduler: no plugin registered for protocol %q", protocol)
		}
		q := plugin.Query{}
		for _, id := range tableIDs {
			q[id] = nil // field-level restriction is left to the plugin's own column pruning
		}
		input := spec.InputFor(protocol)
		results, err := p.RunQueries(ctx, input, cfgs[protocol], q)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "scheduler: protocol %s run_queries", protocol)
		}
		for tid, res := range results {
			if res.Err != nil {
				// A table with a per-table protocol error is left out of
				// the result, so Fetch reports it as not dispatched and the
				// containing query's ErrorAction decides; the plugin's
				// error text is not kept.
				continue
			}
			allWarnings = append(allWarnings, res.Warnings...)
			sch, serr := spec.Schema(protocol, tid)
			if serr != nil {
				continue
			}
			rows := make([]query.Row, 0, len(res.Rows))
			for _, r := range res.Rows {
				row := query.Row{}
				for field, cell := range r {
					if cell.IsError() {
						// Cell-level errors never fail a row; the field is
						// simply absent from this cycle's row.
						continue
					}
					row[field] = cell.Value
				}
				rows = append(rows, row)
			}
			out[tid] = query.Table{Schema: sch, Rows: rows}
		}
	}
	return out, allWarnings, nil
}

// Run executes one scheduling cycle for the task, returning the
// metrics.Table for every user table in scope. Per-table
// failures are carried as Result.Failure rather than aborting the
// whole cycle, matching the scheduler-errors-log-and-retry policy.
func (t *CheckTask) Run(ctx context.Context) error {
	spec := t.EtcMgr.Spec()
	mp, ok := spec.MPs[t.Cfg.Key.MPID]
	if !ok {
		return errors.Errorf("scheduler: unknown monitoring pack %q", t.Cfg.Key.MPID)
	}

	tableIDs := tablesForMP(spec, mp, t.Cfg.TableFilter)
	tables := make([]*etc.Table, 0, len(tableIDs))
	for _, id := range tableIDs {
		if tbl, ok := spec.Tables[id]; ok {
			tables = append(tables, tbl)
		}
	}

	liveData, _, err := dispatch(ctx, t.PluginMgr, spec, tables, t.Cfg.ProtocolConfigs)
	if err != nil {
		level.Warn(t.Logger).Log("msg", "plugin dispatch failed", "mp", t.Cfg.Key.MPID, "host", t.Cfg.Key.Host, "err", err)
	}
	src := &liveSource{spec: spec, tables: liveData}

	now := timeNow()
	for _, tbl := range tables {
		bound := *tbl
		bound.Query = query.Rebind(tbl.Query, src)
		result, ship := t.runOne(&bound)
		if ship && err != nil {
			// A protocol-level dispatch failure fails every table,
			// whatever its query's ErrorAction.
			result = metrics.Failure(err.Error())
		}
		if !ship {
			continue
		}
		select {
		case t.Sink <- metrics.Table{
			QueriedItemType: t.Cfg.QueriedItemType,
			QueriedItemID:   t.Cfg.QueriedItemID,
			ItemType:        t.Cfg.ItemType,
			Result:          result,
			Timestamp:       now,
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// timeNow is a seam so tests can stub the timestamp; production code
// always calls time.Now.
var timeNow = time.Now

// runOne materializes one user table. ship is false when the table
// should not be sent at all this cycle: its fields do not apply to
// the mode, or every optional data source behind its query was
// absent (the does-not-exist short-circuit).
func (t *CheckTask) runOne(tbl *etc.Table) (result metrics.Result, ship bool) {
	if !tbl.AppliesToMode(etc.ModeMonitoring) {
		return metrics.Result{}, false
	}
	calc, err := etc.Calculate(etc.ModeMonitoring, tbl)
	if err != nil {
		if query.IsDoesNotExist(err) {
			return metrics.Result{}, false
		}
		return metrics.Failure(err.Error()), true
	}
	rows := make([]metrics.Row, 0, len(calc.Value))
	for _, rr := range calc.Value {
		id, _ := rr.ItemID.AsString()
		if id == "" {
			if n, ok := rr.ItemID.AsInt(); ok {
				id = strconv.FormatInt(n, 10)
			}
		}
		mrow := metrics.Row{
			Grouping: metrics.Grouping{Kind: metrics.GroupingItem, ID: id},
			Metrics:  map[string]metrics.MetricValue{},
		}
		for name, v := range rr.Cells {
			raw, jerr := v.ToJSON()
			if jerr != nil {
				continue
			}
			mrow.Metrics[name] = metrics.MetricValue{Value: raw}
		}
		rows = append(rows, mrow)
	}
	var infoRaw json.RawMessage
	if len(calc.Warnings) > 0 {
		b, _ := json.Marshal(calc.Warnings)
		infoRaw = b
	}
	return metrics.Success(infoRaw, rows), true
}
