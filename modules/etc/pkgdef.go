package etc

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/pkg/errors"

	"github.com/northbeacon/agent/pkg/expr"
	"github.com/northbeacon/agent/pkg/query"
	"github.com/northbeacon/agent/pkg/value"
)

// PackDef is the parsed form of one monitoring pack's declarative
// content: a plain JSON document, decoded in one shot with
// encoding/json.
type PackDef struct {
	DataTables []DataTableDef `json:"data_tables"`
	DataFields []DataFieldDef `json:"data_fields"`
	Tables     []TableDef     `json:"tables"`
	Checks     []CheckDef     `json:"checks"`
	MPs        []MPDef        `json:"monitoring_packs"`
}

type DataTableDef struct {
	Protocol  string   `json:"protocol"`
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Singleton bool     `json:"singleton"`
	KeyFields []string `json:"key_fields"`
	Fields    []string `json:"fields"`
}

type DataFieldDef struct {
	Protocol string `json:"protocol"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"` // textual type form, parsed by parseTypeName
}

type FieldDef struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Modes     []string `json:"modes"` // "monitoring" | "discovery" | "checkmk"
	DataField string   `json:"data_field,omitempty"`
	Literal   string   `json:"literal,omitempty"` // textual expr literal
	Formula   string   `json:"formula,omitempty"` // textual expr.Parse input
}

type QueryDef struct {
	// Kind selects the query node: "data", "filter", "join", "reindex".
	Kind string `json:"kind"`

	// "data"
	Protocol        string `json:"protocol,omitempty"`
	TableID         string `json:"table_id,omitempty"`
	ErrorAction     string `json:"error_action,omitempty"`
	IgnoreExistence bool   `json:"ignore_existence,omitempty"`

	// "filter"
	Filter string    `json:"filter,omitempty"`
	Sub    *QueryDef `json:"sub,omitempty"`

	// "join"
	Left  *JoinOperandDef `json:"left,omitempty"`
	Right *JoinOperandDef `json:"right,omitempty"`

	// "reindex"
	Keys   []string `json:"keys,omitempty"`
	Select string   `json:"select,omitempty"` // "first" | "last"
}

type JoinOperandDef struct {
	Sub  *QueryDef `json:"sub"`
	Keys []string  `json:"keys"`
	Kind string    `json:"kind"` // "inner" | "outer"
}

type TableDef struct {
	ID     string     `json:"id"`
	Query  QueryDef   `json:"query"`
	Fields []FieldDef `json:"fields"`
	ItemID string     `json:"item_id,omitempty"`
}

type CheckDef struct {
	ID     string   `json:"id"`
	Tables []string `json:"tables"`
}

type MPDef struct {
	ID          string   `json:"id"`
	ElasticName string   `json:"elastic_name"`
	Checks      []string `json:"checks"`
}

// ParsePackDef decodes a pack's resolved source bytes into a PackDef.
func ParsePackDef(source []byte) (*PackDef, error) {
	var def PackDef
	if err := json.Unmarshal(source, &def); err != nil {
		return nil, errors.Wrap(err, "etc: parse pack definition")
	}
	return &def, nil
}

// schemaSource adapts a Spec to pkg/query.Source for type-checking a
// pack's queries against the schema declared so far. Fetch is never
// called during LoadPkg — only TypeCheck runs at load time, the
// actual data retrieval happens per-scheduler-run against a live
// plugin-backed Source.
type schemaSource struct {
	spec     *Spec
	protocol string
}

func (s schemaSource) Schema(tableID string) (query.Schema, error) {
	return s.spec.Schema(s.protocol, tableID)
}

func (s schemaSource) Fetch(tableID string) (query.Table, error) {
	return query.Table{}, fmt.Errorf("etc: schemaSource.Fetch called outside a scheduled run for %q", tableID)
}

func parseErrorAction(s string) query.ErrorAction {
	switch s {
	case "warn":
		return query.ActionWarn
	case "info":
		return query.ActionInfo
	default:
		return query.ActionFail
	}
}

// buildQuery compiles a QueryDef into a pkg/query.Node. protocol is
// the default protocol for bare "data" nodes whose def omits one.
func buildQuery(spec *Spec, def QueryDef, protocol string) (query.Node, error) {
	switch def.Kind {
	case "", "data":
		proto := def.Protocol
		if proto == "" {
			proto = protocol
		}
		return &query.Data{
			TableID:         def.TableID,
			Protocol:        proto,
			Action:          parseErrorAction(def.ErrorAction),
			IgnoreExistence: def.IgnoreExistence,
			Src:             schemaSource{spec: spec, protocol: proto},
		}, nil

	case "filter":
		if def.Sub == nil {
			return nil, fmt.Errorf("etc: filter query missing sub")
		}
		sub, err := buildQuery(spec, *def.Sub, protocol)
		if err != nil {
			return nil, err
		}
		pred, err := expr.Parse(def.Filter)
		if err != nil {
			return nil, errors.Wrap(err, "etc: parse filter predicate")
		}
		return &query.Filter{PreFilter: pred, Sub: sub}, nil

	case "join":
		if def.Left == nil || def.Right == nil {
			return nil, fmt.Errorf("etc: join query missing operand")
		}
		lsub, err := buildQuery(spec, *def.Left.Sub, protocol)
		if err != nil {
			return nil, err
		}
		rsub, err := buildQuery(spec, *def.Right.Sub, protocol)
		if err != nil {
			return nil, err
		}
		return &query.Join{
			Left:  query.JoinOperand{Sub: lsub, Keys: def.Left.Keys, Kind: joinKind(def.Left.Kind)},
			Right: query.JoinOperand{Sub: rsub, Keys: def.Right.Keys, Kind: joinKind(def.Right.Kind)},
		}, nil

	case "reindex":
		if def.Sub == nil {
			return nil, fmt.Errorf("etc: reindex query missing sub")
		}
		sub, err := buildQuery(spec, *def.Sub, protocol)
		if err != nil {
			return nil, err
		}
		sel := query.SelectFirst
		if def.Select == "last" {
			sel = query.SelectLast
		}
		return &query.Reindex{Keys: def.Keys, Select: sel, Sub: sub}, nil

	default:
		return nil, fmt.Errorf("etc: unknown query kind %q", def.Kind)
	}
}

func joinKind(s string) query.JoinKind {
	if s == "outer" {
		return query.JoinOuter
	}
	return query.JoinInner
}

// buildField compiles a FieldDef into a Field, resolving its source
// kind and parsing any literal/formula expression text.
func buildField(def FieldDef) (Field, error) {
	t, err := parseTypeName(def.Type)
	if err != nil {
		return Field{}, errors.Wrapf(err, "etc: field %q type", def.Name)
	}
	modes := map[QueryMode]bool{}
	for _, m := range def.Modes {
		switch m {
		case "monitoring":
			modes[ModeMonitoring] = true
		case "discovery":
			modes[ModeDiscovery] = true
		case "checkmk":
			modes[ModeCheckMk] = true
		default:
			return Field{}, fmt.Errorf("etc: field %q: unknown mode %q", def.Name, m)
		}
	}
	f := Field{Name: def.Name, InputType: t, Modes: modes}
	switch {
	case def.DataField != "":
		f.Source = FieldSource{Kind: SourceDataField, DataField: def.DataField}
	case def.Formula != "":
		node, err := expr.Parse(def.Formula)
		if err != nil {
			return Field{}, errors.Wrapf(err, "etc: field %q formula", def.Name)
		}
		f.Source = FieldSource{Kind: SourceFormula, Formula: node}
	default:
		node, err := expr.Parse(def.Literal)
		if err != nil {
			return Field{}, errors.Wrapf(err, "etc: field %q literal", def.Name)
		}
		lit, ok := node.(*expr.Literal)
		if !ok {
			return Field{}, fmt.Errorf("etc: field %q: literal source must be a constant expression", def.Name)
		}
		f.Source = FieldSource{Kind: SourceLiteral, Literal: lit.Val}
	}
	return f, nil
}

// parseTypeName resolves a data field's declared raw input type from
// its textual form in a pack definition. Only the scalar kinds a
// protocol data field can declare are supported; compound types only arise from
// expression evaluation, never from a pack's own field declarations.
func parseTypeName(s string) (value.Type, error) {
	if len(s) > 9 && s[:9] == "quantity:" {
		return value.Quantity(s[9:]), nil
	}
	switch s {
	case "binary":
		return value.Binary(), nil
	case "string":
		return value.String(), nil
	case "int":
		return value.Int(), nil
	case "float":
		return value.Float(), nil
	case "bool":
		return value.Bool(), nil
	case "time":
		return value.TimeT(), nil
	case "age":
		return value.Age(), nil
	case "mac":
		return value.MAC(), nil
	case "ipv4":
		return value.IPv4(), nil
	case "ipv6":
		return value.IPv6(), nil
	case "json":
		return value.JSON(), nil
	default:
		return value.Type{}, fmt.Errorf("etc: unknown field type %q", s)
	}
}

// same reports whether two values of the same conceptual identifier
// are byte-for-byte identical definitions, the condition under which
// two packs declaring the same id may coexist.
func same(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
