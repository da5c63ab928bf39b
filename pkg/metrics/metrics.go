// Package metrics defines the outbound metrics payload shape the
// scheduler ships toward the broker's metrics-engine peer: a thin,
// JSON-friendly shape carrying just enough structure for the broker
// to route and frame it. The engine's own ingestion format lives on
// the other side of that wire.
package metrics

import (
	"encoding/json"
	"time"
)

// GroupingKind tags how one metric row's identity is expressed.
type GroupingKind string

const GroupingItem GroupingKind = "item"

// Grouping identifies one row within a table's result.
type Grouping struct {
	Kind GroupingKind `json:"kind"`
	ID   string       `json:"id,omitempty"`
}

// MetricValue is one named metric's value plus whether it represents
// a rate ("relative") rather than a point sample.
type MetricValue struct {
	Value    json.RawMessage `json:"value"`
	Relative bool            `json:"relative,omitempty"`
}

// Row is one metric row of a table's successful result.
type Row struct {
	Grouping         Grouping               `json:"grouping"`
	Metrics          map[string]MetricValue `json:"metrics"`
	Status           string                 `json:"status,omitempty"`
	StatusByCategory map[string]string      `json:"status_by_category,omitempty"`
}

// Result is either a successful table body or a table-level error
// message.
type Result struct {
	OK      bool            `json:"ok"`
	Info    json.RawMessage `json:"info,omitempty"`
	Metrics []Row           `json:"metrics,omitempty"`
	Message string          `json:"message,omitempty"`
}

func Success(info json.RawMessage, rows []Row) Result {
	return Result{OK: true, Info: info, Metrics: rows}
}

func Failure(message string) Result {
	return Result{OK: false, Message: message}
}

// Table is one scheduler-produced metrics table, tagged with the
// queried/target item identity.
type Table struct {
	QueriedItemType string    `json:"queried_item_type"`
	QueriedItemID   string    `json:"queried_item_id"`
	ItemType        string    `json:"item_type"`
	Result          Result    `json:"result"`
	Timestamp       time.Time `json:"timestamp"`
}
