// Package api implements the HTTP/SOAP poller plugin: each data table
// maps to one endpoint whose JSON (or SOAP-wrapped XML) response is
// decoded into typed rows under the pack-declared field types.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/keyvault"
)

// Endpoint describes how one data table is fetched: an HTTP request
// plus where in the response body the row array lives.
type Endpoint struct {
	Path   string `json:"path"`
	Method string `json:"method"` // defaults to GET; SOAP endpoints use POST

	// SOAPAction, when set, selects SOAP mode: Body is wrapped in a
	// SOAP 1.1 envelope and the response body is unwrapped before row
	// extraction (the payload inside the envelope is expected to be
	// JSON, the convention of the appliance APIs this collector talks
	// to).
	SOAPAction string `json:"soap_action,omitempty"`
	Body       string `json:"body,omitempty"`

	// RowsKey selects the response field holding the row array; empty
	// means the top-level value is itself the array (or, for singleton
	// tables, the single row object).
	RowsKey string `json:"rows_key,omitempty"`
}

// Config is the per-host API collector configuration carried in the
// pack's free-form protocol blob.
type Config struct {
	BaseURL     string              `json:"base_url"`
	Username    string              `json:"username,omitempty"`
	PasswordRef string              `json:"password_ref,omitempty"`
	BearerRef   string              `json:"bearer_ref,omitempty"`
	Insecure    bool                `json:"insecure,omitempty"`
	Timeout     time.Duration       `json:"timeout,omitempty"`
	Endpoints   map[string]Endpoint `json:"endpoints"`
}

type Collector struct {
	vault  keyvault.Vault
	logger log.Logger

	// One client per distinct BaseURL/Insecure/Timeout combination,
	// cached on the collector so connections are pooled across runs.
	clients map[string]*http.Client
}

func NewFactory() plugin.Factory {
	return func(vault keyvault.Vault, logger log.Logger) plugin.Plugin {
		return &Collector{vault: vault, logger: logger, clients: map[string]*http.Client{}}
	}
}

func (c *Collector) Protocol() string { return "api" }

func (c *Collector) ShowQueries(_ context.Context, _ any, q plugin.Query) (string, error) {
	out := ""
	for tid := range q {
		out += fmt.Sprintf("fetch %s\n", tid)
	}
	return out, nil
}

func (c *Collector) GetTables(_ context.Context, input any) (map[string]plugin.DataTableSpec, error) {
	return tablesFromInput("api", input)
}

func (c *Collector) GetFields(_ context.Context, input any) (map[string]plugin.DataFieldSpec, error) {
	return fieldsFromInput("api", input)
}

func (c *Collector) clientFor(cfg Config) *http.Client {
	key := fmt.Sprintf("%s/%v/%v", cfg.BaseURL, cfg.Insecure, cfg.Timeout)
	if cl, ok := c.clients[key]; ok {
		return cl
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	cl := &http.Client{Timeout: timeout, Transport: transport}
	c.clients[key] = cl
	return cl
}

func (c *Collector) RunQueries(ctx context.Context, input, config any, q plugin.Query) (map[string]plugin.TableResult, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, errors.Errorf("api: unexpected input type %T", input)
	}
	cfg, err := plugin.DecodeConfig[Config](config)
	if err != nil {
		return nil, err
	}

	auth, err := c.resolveAuth(ctx, cfg)
	if err != nil {
		// An unresolvable credential fails every queried table alike
		// rather than the whole run.
		out := map[string]plugin.TableResult{}
		for tid := range q {
			out[tid] = plugin.TableResult{Err: err}
		}
		return out, nil
	}

	client := c.clientFor(cfg)
	out := make(map[string]plugin.TableResult, len(q))
	for tid := range q {
		ep, ok := cfg.Endpoints[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: errors.Errorf("api: no endpoint configured for table %q", tid)}
			continue
		}
		tspec, ok := in.Tables[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: errors.Errorf("api: table %q not declared", tid)}
			continue
		}
		rows, warns, err := c.fetchTable(ctx, client, cfg, auth, ep, tspec, in)
		if err != nil {
			out[tid] = plugin.TableResult{Err: err}
			continue
		}
		out[tid] = plugin.TableResult{Rows: rows, Warnings: warns}
	}
	return out, nil
}

type authHeader struct {
	user, pass string
	bearer     string
}

func (c *Collector) resolveAuth(ctx context.Context, cfg Config) (authHeader, error) {
	var a authHeader
	if cfg.BearerRef != "" {
		tok, err := c.vault.Resolve(ctx, cfg.BearerRef)
		if err != nil {
			return a, errors.Wrap(err, "api: resolve bearer token")
		}
		a.bearer = tok
		return a, nil
	}
	if cfg.Username != "" {
		a.user = cfg.Username
		if cfg.PasswordRef != "" {
			pass, err := c.vault.Resolve(ctx, cfg.PasswordRef)
			if err != nil {
				return a, errors.Wrap(err, "api: resolve password")
			}
			a.pass = pass
		}
	}
	return a, nil
}

func (c *Collector) fetchTable(ctx context.Context, client *http.Client, cfg Config, auth authHeader, ep Endpoint, tspec etc.DataTableSpec, in etc.PluginInput) ([]plugin.Row, []plugin.Warning, error) {
	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if ep.SOAPAction != "" {
		method = http.MethodPost
		body = bytes.NewReader(soapEnvelope(ep.Body))
	} else if ep.Body != "" {
		body = bytes.NewReader([]byte(ep.Body))
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.BaseURL+ep.Path, body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "api: build request")
	}
	switch {
	case auth.bearer != "":
		req.Header.Set("Authorization", "Bearer "+auth.bearer)
	case auth.user != "":
		req.SetBasicAuth(auth.user, auth.pass)
	}
	if ep.SOAPAction != "" {
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
		req.Header.Set("SOAPAction", ep.SOAPAction)
	} else if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "api: request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, nil, errors.Wrap(err, "api: read response body")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, nil, errors.Errorf("api: authentication rejected (%s)", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, errors.Errorf("api: unexpected status %s", resp.Status)
	}
	if ep.SOAPAction != "" {
		raw, err = unwrapSOAP(raw)
		if err != nil {
			return nil, nil, err
		}
	}

	return decodeRows(raw, ep.RowsKey, tspec, in)
}

// decodeRows turns the response payload into typed rows: the row array
// is located via rowsKey, then each object's fields are reconstructed
// through the declared input type's JSON bridge. A cell that fails to
// decode degrades to a per-cell error, never the table.
func decodeRows(raw []byte, rowsKey string, tspec etc.DataTableSpec, in etc.PluginInput) ([]plugin.Row, []plugin.Warning, error) {
	if rowsKey != "" {
		var outer map[string]json.RawMessage
		if err := json.Unmarshal(raw, &outer); err != nil {
			return nil, nil, errors.Wrap(err, "api: decode response object")
		}
		inner, ok := outer[rowsKey]
		if !ok {
			return nil, nil, errors.Errorf("api: response has no %q field", rowsKey)
		}
		raw = inner
	}

	var objects []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &objects); err != nil {
		// Singleton endpoints return a bare object instead of a
		// one-element array.
		var single map[string]json.RawMessage
		if serr := json.Unmarshal(raw, &single); serr != nil {
			return nil, nil, errors.Wrap(err, "api: decode row array")
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
			cell, ok := obj[fspec.Name]
			if !ok {
				continue
			}
			v, err := fspec.InputType.ValueFromJSON(cell)
			if err != nil {
				row[fid] = plugin.CellErr(err)
				continue
			}
			row[fid] = plugin.Cell(v)
		}
		if len(row) == 0 {
			warns = append(warns, plugin.Warning{Level: plugin.LevelDebug, Message: "api: response row matched no declared field"})
			continue
		}
		rows = append(rows, row)
	}
	return rows, warns, nil
}

// tablesFromInput and fieldsFromInput adapt the pack-declared schema
// into the plugin contract's shapes; this collector takes its schema
// verbatim from the pack.
func tablesFromInput(protocol string, input any) (map[string]plugin.DataTableSpec, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, errors.Errorf("%s: unexpected input type %T", protocol, input)
	}
	out := make(map[string]plugin.DataTableSpec, len(in.Tables))
	for id, t := range in.Tables {
		out[id] = plugin.DataTableSpec{Name: t.Name, Singleton: t.Singleton, KeyFields: t.KeyFields, AllFields: t.Fields}
	}
	return out, nil
}

func fieldsFromInput(protocol string, input any) (map[string]plugin.DataFieldSpec, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, errors.Errorf("%s: unexpected input type %T", protocol, input)
	}
	out := make(map[string]plugin.DataFieldSpec, len(in.Fields))
	for id, f := range in.Fields {
		out[id] = plugin.DataFieldSpec{Name: f.Name, Type: f.InputType}
	}
	return out, nil
}
