// Package azure implements the Azure Resource Manager collector: each
// data table maps to one ARM REST resource path; results arrive as the
// standard `{"value": [...]}` collection shape and are decoded into
// typed rows. Authentication is a service-principal client secret,
// resolved through the vault like every other collector credential.
package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/keyvault"
)

const (
	managementEndpoint = "https://management.azure.com"
	managementScope    = "https://management.azure.com/.default"
)

// Resource describes one data table's ARM read.
type Resource struct {
	// Path is the resource path under the management endpoint,
	// including subscription and resource group segments.
	Path       string `json:"path"`
	APIVersion string `json:"api_version"`
}

// Config is the per-target Azure collector configuration.
type Config struct {
	TenantID        string              `json:"tenant_id"`
	ClientID        string              `json:"client_id"`
	ClientSecretRef string              `json:"client_secret_ref"`
	Timeout         time.Duration       `json:"timeout,omitempty"`
	Resources       map[string]Resource `json:"resources"`
}

type Collector struct {
	vault  keyvault.Vault
	logger log.Logger

	mu    sync.Mutex
	creds map[string]azcore.TokenCredential // keyed by tenant/client
}

func NewFactory() plugin.Factory {
	return func(vault keyvault.Vault, logger log.Logger) plugin.Plugin {
		return &Collector{vault: vault, logger: logger, creds: map[string]azcore.TokenCredential{}}
	}
}

func (c *Collector) Protocol() string { return "azure" }

func (c *Collector) ShowQueries(_ context.Context, _ any, q plugin.Query) (string, error) {
	out := ""
	for tid := range q {
		out += fmt.Sprintf("arm-get %s\n", tid)
	}
	return out, nil
}

func (c *Collector) GetTables(_ context.Context, input any) (map[string]plugin.DataTableSpec, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, errors.Errorf("azure: unexpected input type %T", input)
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
		return nil, errors.Errorf("azure: unexpected input type %T", input)
	}
	out := make(map[string]plugin.DataFieldSpec, len(in.Fields))
	for id, f := range in.Fields {
		out[id] = plugin.DataFieldSpec{Name: f.Name, Type: f.InputType}
	}
	return out, nil
}

// credentialFor caches the service-principal credential per
// tenant/client pair; azidentity refreshes tokens internally, so one
// credential serves every run.
func (c *Collector) credentialFor(ctx context.Context, cfg Config) (azcore.TokenCredential, error) {
	key := cfg.TenantID + "/" + cfg.ClientID
	c.mu.Lock()
	defer c.mu.Unlock()
	if cred, ok := c.creds[key]; ok {
		return cred, nil
	}
	secret, err := c.vault.Resolve(ctx, cfg.ClientSecretRef)
	if err != nil {
		return nil, errors.Wrap(err, "azure: resolve client secret")
	}
	cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, secret, nil)
	if err != nil {
		return nil, errors.Wrap(err, "azure: build credential")
	}
	c.creds[key] = cred
	return cred, nil
}

func (c *Collector) RunQueries(ctx context.Context, input, config any, q plugin.Query) (map[string]plugin.TableResult, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, errors.Errorf("azure: unexpected input type %T", input)
	}
	cfg, err := plugin.DecodeConfig[Config](config)
	if err != nil {
		return nil, err
	}

	cred, err := c.credentialFor(ctx, cfg)
	if err != nil {
		out := map[string]plugin.TableResult{}
		for tid := range q {
			out[tid] = plugin.TableResult{Err: err}
		}
		return out, nil
	}

	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{managementScope}})
	if err != nil {
		out := map[string]plugin.TableResult{}
		for tid := range q {
			out[tid] = plugin.TableResult{Err: errors.Wrap(err, "azure: acquire token")}
		}
		return out, nil
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	out := make(map[string]plugin.TableResult, len(q))
	for tid := range q {
		res, ok := cfg.Resources[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: errors.Errorf("azure: no resource configured for table %q", tid)}
			continue
		}
		tspec, ok := in.Tables[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: errors.Errorf("azure: table %q not declared", tid)}
			continue
		}
		rows, warns, rerr := fetchResource(ctx, client, tok.Token, res, tspec, in)
		if rerr != nil {
			out[tid] = plugin.TableResult{Err: rerr}
			continue
		}
		out[tid] = plugin.TableResult{Rows: rows, Warnings: warns}
	}
	return out, nil
}

type armCollection struct {
	Value []map[string]json.RawMessage `json:"value"`
}

func fetchResource(ctx context.Context, client *http.Client, token string, res Resource, tspec etc.DataTableSpec, in etc.PluginInput) ([]plugin.Row, []plugin.Warning, error) {
	url := managementEndpoint + res.Path + "?api-version=" + res.APIVersion
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "azure: build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, errors.Wrap(err, "azure: request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, nil, errors.Wrap(err, "azure: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, errors.Errorf("azure: %s returned %s", res.Path, resp.Status)
	}

	var coll armCollection
	if err := json.Unmarshal(raw, &coll); err != nil || coll.Value == nil {
		// A direct resource GET returns a bare object rather than a
		// collection.
		var single map[string]json.RawMessage
		if serr := json.Unmarshal(raw, &single); serr != nil {
			return nil, nil, errors.Wrap(serr, "azure: decode response")
		}
		coll.Value = []map[string]json.RawMessage{single}
	}
	if tspec.Singleton && len(coll.Value) > 1 {
		coll.Value = coll.Value[:1]
	}

	var warns []plugin.Warning
	rows := make([]plugin.Row, 0, len(coll.Value))
	for _, obj := range coll.Value {
		row := plugin.Row{}
		for _, fid := range tspec.Fields {
			fspec, ok := in.Fields[fid]
			if !ok {
				continue
			}
			cell, ok := lookupPath(obj, fspec.Name)
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
			warns = append(warns, plugin.Warning{Level: plugin.LevelDebug, Message: "azure: resource matched no declared field"})
			continue
		}
		rows = append(rows, row)
	}
	return rows, warns, nil
}

// lookupPath resolves a dotted field name ("properties.provisioningState")
// into a nested ARM object.
func lookupPath(obj map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	for {
		i := -1
		for j := 0; j < len(name); j++ {
			if name[j] == '.' {
				i = j
				break
			}
		}
		if i < 0 {
			raw, ok := obj[name]
			return raw, ok
		}
		inner, ok := obj[name[:i]]
		if !ok {
			return nil, false
		}
		var next map[string]json.RawMessage
		if err := json.Unmarshal(inner, &next); err != nil {
			return nil, false
		}
		obj = next
		name = name[i+1:]
	}
}
