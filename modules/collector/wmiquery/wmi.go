// Package wmiquery implements the WMI collector: each data table maps
// to one WQL query against a namespace on the local machine. WMI is a
// Windows-only surface; on other platforms the collector loads but
// every run reports an unsupported-platform table error, so a mixed
// fleet can share one pack set.
package wmiquery

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/keyvault"
)

// Config is the per-host WMI collector configuration.
type Config struct {
	Namespace string            `json:"namespace,omitempty"` // defaults to root\cimv2
	Timeout   time.Duration     `json:"timeout,omitempty"`
	Queries   map[string]string `json:"queries"` // table id -> WQL
}

func (c Config) namespace() string {
	if c.Namespace == "" {
		return `root\cimv2`
	}
	return c.Namespace
}

type Collector struct {
	vault  keyvault.Vault
	logger log.Logger
}

func NewFactory() plugin.Factory {
	return func(vault keyvault.Vault, logger log.Logger) plugin.Plugin {
		return &Collector{vault: vault, logger: logger}
	}
}

func (c *Collector) Protocol() string { return "wmi" }

func (c *Collector) ShowQueries(_ context.Context, _ any, q plugin.Query) (string, error) {
	out := ""
	for tid := range q {
		out += fmt.Sprintf("wql %s\n", tid)
	}
	return out, nil
}

func (c *Collector) GetTables(_ context.Context, input any) (map[string]plugin.DataTableSpec, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, errors.Errorf("wmi: unexpected input type %T", input)
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
		return nil, errors.Errorf("wmi: unexpected input type %T", input)
	}
	out := make(map[string]plugin.DataFieldSpec, len(in.Fields))
	for id, f := range in.Fields {
		out[id] = plugin.DataFieldSpec{Name: f.Name, Type: f.InputType}
	}
	return out, nil
}

func (c *Collector) RunQueries(ctx context.Context, input, config any, q plugin.Query) (map[string]plugin.TableResult, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, errors.Errorf("wmi: unexpected input type %T", input)
	}
	cfg, err := plugin.DecodeConfig[Config](config)
	if err != nil {
		return nil, err
	}

	out := make(map[string]plugin.TableResult, len(q))
	for tid := range q {
		wql, ok := cfg.Queries[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: errors.Errorf("wmi: no query configured for table %q", tid)}
			continue
		}
		tspec, ok := in.Tables[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: errors.Errorf("wmi: table %q not declared", tid)}
			continue
		}
		rows, warns, rerr := runWQL(ctx, cfg, wql, tspec, in)
		if rerr != nil {
			out[tid] = plugin.TableResult{Err: rerr}
			continue
		}
		out[tid] = plugin.TableResult{Rows: rows, Warnings: warns}
	}
	return out, nil
}
