// Package etc implements the monitoring-pack specification: the
// immutable declarative bundle of data tables/fields, queries, user
// tables, checks and monitoring packs. A Manager owns the current
// Spec snapshot, installs new snapshots atomically on LoadPkg, and
// fans the current value out to subscribers.
package etc

import (
	"fmt"

	"github.com/northbeacon/agent/pkg/expr"
	"github.com/northbeacon/agent/pkg/query"
	"github.com/northbeacon/agent/pkg/value"
)

// QueryMode selects which of a table's fields apply to a given run
// : the same table definition can serve ordinary
// monitoring, discovery (inventory) and checkmk-compatible output,
// each using a different subset of fields.
type QueryMode int

const (
	ModeMonitoring QueryMode = iota
	ModeDiscovery
	ModeCheckMk
)

func (m QueryMode) String() string {
	switch m {
	case ModeMonitoring:
		return "monitoring"
	case ModeDiscovery:
		return "discovery"
	case ModeCheckMk:
		return "checkmk"
	default:
		return "unknown"
	}
}

// FieldSourceKind tags where one user table field's cell value comes
// from.
type FieldSourceKind int

const (
	SourceDataField FieldSourceKind = iota
	SourceLiteral
	SourceFormula
)

// FieldSource is one table field's value source.
type FieldSource struct {
	Kind FieldSourceKind

	// DataField is the underlying query row's column name, set when
	// Kind == SourceDataField.
	DataField string

	// Literal is a fixed configuration value, set when Kind ==
	// SourceLiteral.
	Literal value.Value

	// Formula evaluates against the query row plus any bound
	// variables, set when Kind == SourceFormula.
	Formula expr.Node
}

// Field is one user-visible table column: its declared input type, a
// value source, and the modes it applies to.
type Field struct {
	Name      string
	InputType value.Type
	Source    FieldSource
	Modes     map[QueryMode]bool
}

// AppliesTo reports whether this field is produced when materializing
// the table under mode.
func (f Field) AppliesTo(mode QueryMode) bool {
	return f.Modes[mode]
}

// Table is a user-facing table: a query over data tables, a set of
// fields computed per output row, and an optional item-id expression
// that becomes each row's identity.
type Table struct {
	ID     string
	Query  query.Node
	Fields map[string]Field
	ItemID expr.Node // optional; nil means rows are identified positionally
}

// Check is a named set of user-visible tables produced and shipped
// together.
type Check struct {
	ID     string
	Tables []string // Table IDs
}

// MP is a monitoring pack: a named group of checks plus the routing
// tag used when shipping its metrics.
type MP struct {
	ID          string
	ElasticName string
	Checks      []string // Check IDs
}

// DataTableSpec and DataFieldSpec mirror modules/plugin's shapes but
// live in the pack-declared schema rather than a live plugin response.
type DataTableSpec struct {
	Protocol  string
	ID        string // ProtoDataTableId
	Name      string
	Singleton bool
	KeyFields []string
	Fields    []string
}

type DataFieldSpec struct {
	Protocol  string
	ID        string // ProtoDataFieldId
	Name      string
	InputType value.Type
}

// dtKey builds the (protocol, id) composite identifier that uniquely
// names a data table or data field.
func dtKey(protocol, id string) string { return protocol + ":" + id }

// Spec is one immutable snapshot of the merged monitoring-pack state.
type Spec struct {
	DataTables map[string]DataTableSpec // dtKey(protocol,id) -> spec
	DataFields map[string]DataFieldSpec
	Tables     map[string]*Table
	Checks     map[string]*Check
	MPs        map[string]*MP
}

func emptySpec() *Spec {
	return &Spec{
		DataTables: map[string]DataTableSpec{},
		DataFields: map[string]DataFieldSpec{},
		Tables:     map[string]*Table{},
		Checks:     map[string]*Check{},
		MPs:        map[string]*MP{},
	}
}

// Schema returns the query-engine schema for a data table id, built from the pack-declared field types.
func (s *Spec) Schema(protocol, tableID string) (query.Schema, error) {
	dt, ok := s.DataTables[dtKey(protocol, tableID)]
	if !ok {
		return query.Schema{}, fmt.Errorf("etc: data table %s:%s not declared", protocol, tableID)
	}
	fields := make(map[string]value.Type, len(dt.Fields))
	for _, fname := range dt.Fields {
		df, ok := s.DataFields[dtKey(protocol, fname)]
		if !ok {
			return query.Schema{}, fmt.Errorf("etc: data field %s:%s not declared", protocol, fname)
		}
		fields[fname] = df.InputType
	}
	pk := dt.KeyFields
	if dt.Singleton {
		pk = nil
	}
	return query.Schema{Fields: fields, PrimaryKey: pk}, nil
}

// PluginInput groups the schema declared for one protocol into the
// shape modules/plugin.Plugin.GetTables/GetFields expect as their
// accumulated "input" argument.
type PluginInput struct {
	Tables map[string]DataTableSpec // keyed by bare ProtoDataTableId
	Fields map[string]DataFieldSpec // keyed by bare ProtoDataFieldId
}

// InputFor extracts the per-protocol declared schema from the current
// snapshot.
func (s *Spec) InputFor(protocol string) PluginInput {
	in := PluginInput{Tables: map[string]DataTableSpec{}, Fields: map[string]DataFieldSpec{}}
	prefix := protocol + ":"
	for k, v := range s.DataTables {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			in.Tables[v.ID] = v
		}
	}
	for k, v := range s.DataFields {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			in.Fields[v.ID] = v
		}
	}
	return in
}
