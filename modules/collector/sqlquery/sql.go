// Package sqlquery implements the SQL collector: each data table maps
// to one statement whose result set is converted into typed rows by
// column name. Postgres is the shipped driver; any database/sql
// driver name the process has registered works.
package sqlquery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-kit/log"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/keyvault"
	"github.com/northbeacon/agent/pkg/value"
)

// Config is the per-host SQL collector configuration. DSN may contain
// the placeholder "{password}", substituted with the resolved
// credential so the literal secret never sits in a pack file.
type Config struct {
	Driver      string            `json:"driver,omitempty"` // defaults to "postgres"
	DSN         string            `json:"dsn"`
	PasswordRef string            `json:"password_ref,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Statements  map[string]string `json:"statements"`
}

type Collector struct {
	vault  keyvault.Vault
	logger log.Logger

	// Pools are keyed by driver+DSN and live across runs; database/sql
	// already multiplexes and reconnects underneath.
	pools map[string]*sql.DB
}

func NewFactory() plugin.Factory {
	return func(vault keyvault.Vault, logger log.Logger) plugin.Plugin {
		return &Collector{vault: vault, logger: logger, pools: map[string]*sql.DB{}}
	}
}

func (c *Collector) Protocol() string { return "sql" }

func (c *Collector) ShowQueries(_ context.Context, _ any, q plugin.Query) (string, error) {
	out := ""
	for tid := range q {
		out += fmt.Sprintf("query %s\n", tid)
	}
	return out, nil
}

func (c *Collector) GetTables(_ context.Context, input any) (map[string]plugin.DataTableSpec, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, errors.Errorf("sql: unexpected input type %T", input)
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
		return nil, errors.Errorf("sql: unexpected input type %T", input)
	}
	out := make(map[string]plugin.DataFieldSpec, len(in.Fields))
	for id, f := range in.Fields {
		out[id] = plugin.DataFieldSpec{Name: f.Name, Type: f.InputType}
	}
	return out, nil
}

func (c *Collector) poolFor(ctx context.Context, cfg Config) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	dsn := cfg.DSN
	if cfg.PasswordRef != "" {
		pass, err := c.vault.Resolve(ctx, cfg.PasswordRef)
		if err != nil {
			return nil, errors.Wrap(err, "sql: resolve password")
		}
		dsn = expandPassword(dsn, pass)
	}
	key := driver + "\x00" + dsn
	if db, ok := c.pools[key]; ok {
		return db, nil
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "sql: open %s pool", driver)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	c.pools[key] = db
	return db, nil
}

func (c *Collector) RunQueries(ctx context.Context, input, config any, q plugin.Query) (map[string]plugin.TableResult, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, errors.Errorf("sql: unexpected input type %T", input)
	}
	cfg, err := plugin.DecodeConfig[Config](config)
	if err != nil {
		return nil, err
	}

	db, err := c.poolFor(ctx, cfg)
	if err != nil {
		out := map[string]plugin.TableResult{}
		for tid := range q {
			out[tid] = plugin.TableResult{Err: err}
		}
		return out, nil
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	out := make(map[string]plugin.TableResult, len(q))
	for tid := range q {
		stmt, ok := cfg.Statements[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: errors.Errorf("sql: no statement configured for table %q", tid)}
			continue
		}
		tspec, ok := in.Tables[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: errors.Errorf("sql: table %q not declared", tid)}
			continue
		}
		rows, warns, rerr := c.runStatement(ctx, db, timeout, stmt, tspec, in)
		if rerr != nil {
			out[tid] = plugin.TableResult{Err: rerr}
			continue
		}
		out[tid] = plugin.TableResult{Rows: rows, Warnings: warns}
	}
	return out, nil
}

func (c *Collector) runStatement(ctx context.Context, db *sql.DB, timeout time.Duration, stmt string, tspec etc.DataTableSpec, in etc.PluginInput) ([]plugin.Row, []plugin.Warning, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rs, err := db.QueryContext(qctx, stmt)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sql: query failed")
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, nil, errors.Wrap(err, "sql: read column names")
	}

	// Column name -> declared field, by the pack's field display name.
	fieldByCol := map[int]string{}
	typeByCol := map[int]value.Type{}
	for i, col := range cols {
		for _, fid := range tspec.Fields {
			fspec, ok := in.Fields[fid]
			if !ok || fspec.Name != col {
				continue
			}
			fieldByCol[i] = fid
			typeByCol[i] = fspec.InputType
		}
	}

	var out []plugin.Row
	var warns []plugin.Warning
	for rs.Next() {
		cells := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, warns, errors.Wrap(err, "sql: scan row")
		}
		row := plugin.Row{}
		for i, cell := range cells {
			fid, ok := fieldByCol[i]
			if !ok {
				continue
			}
			v, err := ConvertCell(cell, typeByCol[i])
			if err != nil {
				row[fid] = plugin.CellErr(err)
				continue
			}
			row[fid] = plugin.Cell(v)
		}
		if len(row) > 0 {
			out = append(out, row)
		}
		if tspec.Singleton && len(out) == 1 {
			break
		}
	}
	if err := rs.Err(); err != nil {
		return nil, warns, errors.Wrap(err, "sql: iterate result set")
	}
	return out, warns, nil
}

func expandPassword(dsn, pass string) string {
	out := make([]byte, 0, len(dsn)+len(pass))
	for i := 0; i < len(dsn); {
		if i+10 <= len(dsn) && dsn[i:i+10] == "{password}" {
			out = append(out, pass...)
			i += 10
			continue
		}
		out = append(out, dsn[i])
		i++
	}
	return string(out)
}

// ConvertCell maps one database/sql driver value onto a declared
// value type. Drivers deliver a small closed set of Go types
// (int64, float64, bool, []byte, string, time.Time, nil).
func ConvertCell(cell any, t value.Type) (value.Value, error) {
	if cell == nil {
		if t.Kind == value.KindOption {
			return value.None(*t.Elem), nil
		}
		return value.Value{}, value.Missing()
	}
	if t.Kind == value.KindOption {
		inner, err := ConvertCell(cell, *t.Elem)
		if err != nil {
			return value.Value{}, err
		}
		return value.Some(*t.Elem, inner), nil
	}

	switch v := cell.(type) {
	case int64:
		switch t.Kind {
		case value.KindInt:
			return value.IntVal(v), nil
		case value.KindFloat:
			return value.FloatVal(float64(v)), nil
		case value.KindQuantity:
			return value.Qty(float64(v), t.Unit), nil
		case value.KindBool:
			return value.BoolVal(v != 0), nil
		}
	case float64:
		switch t.Kind {
		case value.KindFloat:
			return value.FloatVal(v), nil
		case value.KindQuantity:
			return value.Qty(v, t.Unit), nil
		}
	case bool:
		if t.Kind == value.KindBool {
			return value.BoolVal(v), nil
		}
	case time.Time:
		switch t.Kind {
		case value.KindTime:
			return value.Time(v), nil
		case value.KindAge:
			return value.AgeOf(time.Since(v)), nil
		}
	case []byte:
		switch t.Kind {
		case value.KindBinary:
			return value.Bin(v), nil
		case value.KindString:
			return value.Str(string(v)), nil
		}
	case string:
		switch t.Kind {
		case value.KindString:
			return value.Str(v), nil
		case value.KindBinary:
			return value.Bin([]byte(v)), nil
		}
	}
	return value.Value{}, value.TypeErrorf("sql: driver value %T does not fit declared type %s", cell, t)
}
