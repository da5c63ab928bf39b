// Package plugin defines the protocol collector contract every
// collector (SNMP, HTTP, SSH, SQL, WMI, PowerShell, Azure) implements,
// and a Manager that registers factories and hands out one plugin
// instance per protocol name.
//
// Go has no associated types, so the per-plugin Input/Config/Error
// triple from the original contract is carried as `any` and recovered
// with a type assertion inside each plugin's own methods; Plugin
// itself only guarantees the shape every caller needs.
package plugin

import (
	"context"

	"github.com/go-kit/log"

	"github.com/northbeacon/agent/pkg/keyvault"
	"github.com/northbeacon/agent/pkg/value"
)

// WarningLevel is the verbosity of a DTWarning attached to a table
// result.
type WarningLevel int

const (
	LevelDebug WarningLevel = iota
	LevelInfo
	LevelWarning
)

// Warning is a non-fatal message surfaced alongside a successfully
// retrieved table.
type Warning struct {
	Level   WarningLevel
	Message string
}

// DataTableSpec describes one protocol data table: its declared name,
// whether it holds zero-or-one row, and its key/field sets.
type DataTableSpec struct {
	Name      string
	Singleton bool
	KeyFields []string
	AllFields []string
}

// DataFieldSpec describes one protocol data field's declared raw
// input type.
type DataFieldSpec struct {
	Name string
	Type value.Type
}

// Row is one retrieved record: each field maps to either a decoded
// Value or a per-cell DataError.
type Row map[string]CellResult

// CellResult holds exactly one of Value or Err.
type CellResult struct {
	Value value.Value
	Err   error
}

func Cell(v value.Value) CellResult { return CellResult{Value: v} }
func CellErr(err error) CellResult  { return CellResult{Err: err} }
func (c CellResult) IsError() bool  { return c.Err != nil }

// TableResult is one data table's query outcome: either a set of rows
// with warnings, or an outright per-table error (protocol failure,
// authentication, timeout, decode, not-found).
type TableResult struct {
	Rows     []Row
	Warnings []Warning
	Err      error
}

// Query restricts a run_queries call to the fields actually needed:
// table id -> set of field ids.
type Query map[string]map[string]bool

// Plugin is the contract every protocol collector implements. Input
// is the accumulated per-protocol schema merged from every loaded
// monitoring pack; Config is the collector's
// credentials/target/tuning configuration, both carried as `any` and
// recovered by each concrete plugin via its own type assertion.
type Plugin interface {
	// Protocol returns the protocol name prefixing every DataTableId
	// this plugin answers for (e.g. "snmp", "api").
	Protocol() string

	ShowQueries(ctx context.Context, input any, q Query) (string, error)

	GetTables(ctx context.Context, input any) (map[string]DataTableSpec, error)

	GetFields(ctx context.Context, input any) (map[string]DataFieldSpec, error)

	RunQueries(ctx context.Context, input, config any, q Query) (map[string]TableResult, error)
}

// Factory builds a Plugin instance; Manager.Get calls it once per
// protocol and caches the result. It wires in whatever long-lived state it needs (session cache, HTTP
// client, counter database) plus the credential vault used to resolve
// any password references in its configuration.
type Factory func(vault keyvault.Vault, logger log.Logger) Plugin

// Manager registers plugin factories by protocol name and returns the
// lazily built instance for a name, the way a named-module registry
// looks modules up by string key. Grouping a run's tables by protocol
// is done by the caller (the scheduler's dispatch).
type Manager struct {
	factories map[string]Factory
	instances map[string]Plugin
	vault     keyvault.Vault
	logger    log.Logger
}

func NewManager(vault keyvault.Vault, logger log.Logger) *Manager {
	return &Manager{
		factories: map[string]Factory{},
		instances: map[string]Plugin{},
		vault:     vault,
		logger:    logger,
	}
}

// Register adds a plugin factory under protocol. Re-registering the
// same name replaces the factory and drops any already-instantiated
// plugin for it.
func (m *Manager) Register(protocol string, f Factory) {
	m.factories[protocol] = f
	delete(m.instances, protocol)
}

// Get returns the (lazily instantiated) plugin for protocol, or false
// if no factory was registered under that name.
func (m *Manager) Get(protocol string) (Plugin, bool) {
	if p, ok := m.instances[protocol]; ok {
		return p, true
	}
	f, ok := m.factories[protocol]
	if !ok {
		return nil, false
	}
	p := f(m.vault, log.With(m.logger, "protocol", protocol))
	m.instances[protocol] = p
	return p, true
}

// Protocols lists every registered protocol name.
func (m *Manager) Protocols() []string {
	out := make([]string, 0, len(m.factories))
	for name := range m.factories {
		out = append(out, name)
	}
	return out
}
