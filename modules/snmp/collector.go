package snmp

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/gosnmp/gosnmp"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/counterstore"
	"github.com/northbeacon/agent/pkg/keyvault"
)

// WalkMode selects how a table is retrieved.
type WalkMode int

const (
	ModeBulk WalkMode = iota
	ModeSequential
	ModeOffline
)

// HostConfig is one monitored host's full SNMP configuration: session
// parameters (embedded Config, session.go) plus the resolved walk
// specs for every table this host's monitoring packs may query. The
// OID/MIB catalog that maps a declared data field to its column
// syntax and root OID is produced by a mapping step outside this
// package's contract, so HostConfig simply carries
// the already-resolved TableSpec set.
type HostConfig struct {
	Config
	Mode       WalkMode
	OfflineDir string // not read by the collector; ModeOffline tables are walked live with GETBULK like ModeBulk
	Tables     map[string]*TableSpec
}

// Collector implements plugin.Plugin for the SNMP protocol: it plans
// a query into per-table walks and single-value gets, executes them
// against a live session, decodes
// raw variable bindings, and converts Counter32/64 columns to rates
// via a per-host counterstore.Store.
type Collector struct {
	vault    keyvault.Vault
	logger   log.Logger
	stats    *StatsCache
	stores   map[string]*counterstore.Store // keyed by host target
	cacheDir func(host string) string
}

func NewFactory(cacheDir func(host string) string) plugin.Factory {
	return func(vault keyvault.Vault, logger log.Logger) plugin.Plugin {
		stats, _ := NewStatsCache(256)
		return &Collector{vault: vault, logger: logger, stats: stats, stores: map[string]*counterstore.Store{}, cacheDir: cacheDir}
	}
}

func (c *Collector) Protocol() string { return "snmp" }

func (c *Collector) ShowQueries(_ context.Context, input any, q plugin.Query) (string, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return "", fmt.Errorf("snmp: unexpected input type %T", input)
	}
	out := ""
	for tid := range q {
		if t, ok := in.Tables[tid]; ok {
			out += fmt.Sprintf("walk %s (%s)\n", tid, t.Name)
		}
	}
	return out, nil
}

func (c *Collector) GetTables(_ context.Context, input any) (map[string]plugin.DataTableSpec, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, fmt.Errorf("snmp: unexpected input type %T", input)
	}
	out := make(map[string]plugin.DataTableSpec, len(in.Tables))
	for id, t := range in.Tables {
		out[id] = plugin.DataTableSpec{Name: t.Name, Singleton: t.Singleton, KeyFields: t.KeyFields, AllFields: t.Fields}
	}
	return out, nil
}

func (c *Collector) GetFields(_ context.Context, input any) (map[string]plugin.DataFieldSpec, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, fmt.Errorf("snmp: unexpected input type %T", input)
	}
	out := make(map[string]plugin.DataFieldSpec, len(in.Fields))
	for id, f := range in.Fields {
		out[id] = plugin.DataFieldSpec{Name: f.Name, Type: f.InputType}
	}
	return out, nil
}

func (c *Collector) storeFor(host string) (*counterstore.Store, error) {
	if s, ok := c.stores[host]; ok {
		return s, nil
	}
	path := host + "/snmp_counters.json"
	if c.cacheDir != nil {
		path = c.cacheDir(host) + "/snmp_counters.json"
	}
	s, err := counterstore.Open(path)
	if err != nil {
		return nil, err
	}
	c.stores[host] = s
	return s, nil
}

func (c *Collector) RunQueries(ctx context.Context, _ any, config any, q plugin.Query) (map[string]plugin.TableResult, error) {
	hc, ok := config.(HostConfig)
	if !ok {
		return nil, fmt.Errorf("snmp: unexpected config type %T", config)
	}

	resolved := hc.Config
	// Credential references are resolved once per run rather than
	// per-PDU, since Resolve may hit an external daemon.
	resolveRef := func(ref string) string {
		if ref == "" {
			return ref
		}
		if secret, err := c.vault.Resolve(ctx, ref); err == nil {
			return secret
		}
		return ref
	}
	resolved.Community = resolveRef(resolved.Community)
	resolved.AuthPassphrase = resolveRef(resolved.AuthPassphrase)
	resolved.PrivPassphrase = resolveRef(resolved.PrivPassphrase)

	sess, err := Connect(ctx, resolved)
	if err != nil {
		out := map[string]plugin.TableResult{}
		for tid := range q {
			out[tid] = plugin.TableResult{Err: err}
		}
		return out, nil
	}
	defer sess.Close()

	store, err := c.storeFor(resolved.Target)
	if err != nil {
		store = nil
	}

	out := make(map[string]plugin.TableResult, len(q))
	for tid := range q {
		spec, ok := hc.Tables[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: fmt.Errorf("snmp: no table spec resolved for %q", tid)}
			continue
		}
		rows, warns, err := c.runTable(ctx, sess, store, spec, hc)
		if err != nil {
			out[tid] = plugin.TableResult{Err: err}
			continue
		}
		out[tid] = plugin.TableResult{Rows: rows, Warnings: warns}
	}

	if store != nil {
		_ = store.Flush()
	}
	return out, nil
}

// runTable executes the walk+fallback+decode sequence for a single
// table against an already-connected session.
func (c *Collector) runTable(ctx context.Context, sess *Session, store *counterstore.Store, spec *TableSpec, hc HostConfig) ([]plugin.Row, []plugin.Warning, error) {
	walks := NewWalks([]*TableSpec{spec}, c.stats, hc.Quirks)
	rowsByKey := map[string]plugin.Row{}
	var warnings []plugin.Warning

	for !walks.Done() {
		select {
		case <-ctx.Done():
			return nil, warnings, ctx.Err()
		default:
		}

		plan := walks.Take(defaultMaxWidth)
		if len(plan.Vars) == 0 {
			break
		}
		oids := make([]string, len(plan.Vars))
		for i, v := range plan.Vars {
			oids[i] = string(v.Cursor)
		}

		var pkt *gosnmp.SnmpPacket
		var reqErr error
		if hc.Mode == ModeSequential {
			pkt, reqErr = sess.conn.GetNext(oids)
		} else {
			pkt, reqErr = sess.GetBulk(oids, uint32(plan.MaxRepetitions))
		}
		if reqErr != nil {
			for _, v := range plan.Vars {
				v.State = VarError
				v.Err = reqErr
			}
			continue
		}

		// A GETBULK/GETNEXT response lays its variable bindings out in
		// request order, repeated once per repetition: pdu[i] answers
		// plan.Vars[i % n] for the walk's next row.
		n := len(plan.Vars)
		for i, pdu := range pkt.Variables {
			v := plan.Vars[i%n]
			if !v.active() {
				continue
			}
			endOfView := pdu.Type == gosnmp.EndOfMibView
			next := OID(pdu.Name)
			if warn := walks.Reinject(v, next, endOfView); warn != "" {
				warnings = append(warnings, plugin.Warning{Level: plugin.LevelWarning, Message: warn})
			}
			if endOfView || !v.Root.Contains(next) {
				continue
			}
			col, ok := spec.Columns[v.Field]
			if !ok {
				continue
			}
			suffix := next.Suffix(v.Root)
			decoded, err := DecodeValue(col, pdu)
			if err != nil {
				continue
			}
			if col.Syntax == SyntaxCounter32 || col.Syntax == SyntaxCounter64 {
				if store != nil {
					sample, _ := decoded.AsInt()
					decoded, err = RateFor(store, col, suffix, sample, time.Now())
				}
			}
			key := fmt.Sprint(suffix)
			row, ok := rowsByKey[key]
			if !ok {
				row = plugin.Row{}
				idx, ierr := DecodeIndex(spec.Index, suffix, false)
				if ierr == nil {
					for oidStr, iv := range idx {
						for fname, icol := range spec.Columns {
							if string(icol.OID) == oidStr {
								row[fname] = plugin.Cell(iv)
							}
						}
					}
				}
				rowsByKey[key] = row
			}
			if err != nil {
				row[v.Field] = plugin.CellErr(err)
			} else {
				row[v.Field] = plugin.Cell(decoded)
			}
		}
		for _, t := range walks.Tables {
			if t.done() {
				walks.FinishTable(t)
			}
		}
	}

	if len(rowsByKey) == 0 && spec.Singleton {
		// Fallback: distinguish "object does not exist" from "object is
		// empty" with a direct GET.
		oids := make([]string, 0, len(spec.Columns))
		for _, col := range spec.Columns {
			oids = append(oids, string(col.OID))
		}
		pkt, err := sess.Get(oids)
		if err == nil {
			if row := singletonFallbackRow(spec, pkt); row != nil {
				rowsByKey["0"] = row
			}
		}
	}

	rows := make([]plugin.Row, 0, len(rowsByKey))
	for _, r := range rowsByKey {
		rows = append(rows, r)
	}
	return rows, warnings, nil
}

// singletonFallbackRow builds the single row of an empty singleton
// table from a direct-GET response, or nil when no declared column
// came back (the object really does not exist, versus existing with
// no walkable rows).
func singletonFallbackRow(spec *TableSpec, pkt *gosnmp.SnmpPacket) plugin.Row {
	row := plugin.Row{}
	for _, pdu := range pkt.Variables {
		switch pdu.Type {
		case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
			// Absent object, not a decode failure: contributes no cell,
			// so a fully absent singleton yields no row at all.
			continue
		}
		for fname, col := range spec.Columns {
			if string(col.OID) != pdu.Name {
				continue
			}
			v, derr := DecodeValue(col, pdu)
			if derr != nil {
				row[fname] = plugin.CellErr(derr)
			} else {
				row[fname] = plugin.Cell(v)
			}
		}
	}
	if len(row) == 0 {
		return nil
	}
	return row
}
