// Package powershell implements the PowerShell collector for Windows
// hosts reachable over SSH (OpenSSH server ships with Windows). Each
// data table maps to one pipeline; output is requested as JSON via
// ConvertTo-Json and decoded into typed rows.
package powershell

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/northbeacon/agent/modules/collector/sshexec"
	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/keyvault"
)

// Config reuses the SSH transport configuration; Pipelines maps table
// id to the PowerShell pipeline producing its rows.
type Config struct {
	sshexec.Config
	Pipelines map[string]string `json:"pipelines"`
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

func (c *Collector) Protocol() string { return "powershell" }

func (c *Collector) ShowQueries(_ context.Context, _ any, q plugin.Query) (string, error) {
	out := ""
	for tid := range q {
		out += fmt.Sprintf("invoke %s\n", tid)
	}
	return out, nil
}

func (c *Collector) GetTables(_ context.Context, input any) (map[string]plugin.DataTableSpec, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, errors.Errorf("powershell: unexpected input type %T", input)
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
		return nil, errors.Errorf("powershell: unexpected input type %T", input)
	}
	out := make(map[string]plugin.DataFieldSpec, len(in.Fields))
	for id, f := range in.Fields {
		out[id] = plugin.DataFieldSpec{Name: f.Name, Type: f.InputType}
	}
	return out, nil
}

// wrapPipeline builds the remote command line: the pipeline runs under
// a non-interactive profile-less powershell and is forced through
// ConvertTo-Json so the output shape is parseable regardless of what
// the pipeline emits. -Depth 3 keeps nested objects intact without
// letting a cyclic object explode the output.
func wrapPipeline(pipeline string) string {
	inner := pipeline + " | ConvertTo-Json -Depth 3 -Compress"
	quoted := "\""
	for _, r := range inner {
		if r == '"' || r == '\\' {
			quoted += "\\"
		}
		quoted += string(r)
	}
	quoted += "\""
	return "powershell -NoProfile -NonInteractive -Command " + quoted
}

func (c *Collector) RunQueries(ctx context.Context, input, config any, q plugin.Query) (map[string]plugin.TableResult, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, errors.Errorf("powershell: unexpected input type %T", input)
	}
	cfg, err := plugin.DecodeConfig[Config](config)
	if err != nil {
		return nil, err
	}

	client, err := sshexec.Dial(ctx, c.vault, cfg.Config)
	if err != nil {
		out := map[string]plugin.TableResult{}
		for tid := range q {
			out[tid] = plugin.TableResult{Err: err}
		}
		return out, nil
	}
	defer client.Close()

	out := make(map[string]plugin.TableResult, len(q))
	for tid := range q {
		pipeline, ok := cfg.Pipelines[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: errors.Errorf("powershell: no pipeline configured for table %q", tid)}
			continue
		}
		tspec, ok := in.Tables[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: errors.Errorf("powershell: table %q not declared", tid)}
			continue
		}
		stdout, err := sshexec.Run(client, wrapPipeline(pipeline))
		if err != nil {
			out[tid] = plugin.TableResult{Err: err}
			continue
		}
		rows, warns, derr := decodeJSON(stdout, tspec, in)
		if derr != nil {
			out[tid] = plugin.TableResult{Err: derr}
			continue
		}
		out[tid] = plugin.TableResult{Rows: rows, Warnings: warns}
	}
	return out, nil
}

// decodeJSON handles ConvertTo-Json's two shapes: a bare object for a
// single pipeline result, an array for several.
func decodeJSON(stdout []byte, tspec etc.DataTableSpec, in etc.PluginInput) ([]plugin.Row, []plugin.Warning, error) {
	var objects []map[string]json.RawMessage
	if err := json.Unmarshal(stdout, &objects); err != nil {
		var single map[string]json.RawMessage
		if serr := json.Unmarshal(stdout, &single); serr != nil {
			return nil, nil, errors.Wrap(err, "powershell: decode pipeline output")
		}
		objects = []map[string]json.RawMessage{single}
	}
	if tspec.Singleton && len(objects) > 1 {
		objects = objects[:1]
	}

	var warns []plugin.Warning
	rows := make([]plugin.Row, 0, len(objects))
	for _, obj := range objects {
		row := plugin.Row{}
		for _, fid := range tspec.Fields {
			fspec, ok := in.Fields[fid]
			if !ok {
				continue
			}
			raw, ok := obj[fspec.Name]
			if !ok {
				continue
			}
			v, err := fspec.InputType.ValueFromJSON(raw)
			if err != nil {
				row[fid] = plugin.CellErr(err)
				continue
			}
			row[fid] = plugin.Cell(v)
		}
		if len(row) == 0 {
			warns = append(warns, plugin.Warning{Level: plugin.LevelDebug, Message: "powershell: object matched no declared field"})
			continue
		}
		rows = append(rows, row)
	}
	return rows, warns, nil
}
