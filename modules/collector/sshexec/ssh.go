// Package sshexec implements the SSH command collector: each data
// table maps to one remote command whose stdout is parsed into typed
// rows. The PowerShell collector reuses this package's transport for
// Windows hosts reachable over an SSH subsystem.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/keyvault"
)

// Command describes how one data table is produced on the remote host.
type Command struct {
	Command string `json:"command"`

	// Parser selects how stdout becomes rows: "json-lines" (one JSON
	// object per line, one row each) or "kv" ("key: value" lines
	// forming a single row; the shape of /proc-style and `*ctl status`
	// output). Defaults to "json-lines".
	Parser string `json:"parser,omitempty"`
}

// Config is the per-host SSH collector configuration.
type Config struct {
	Target      string             `json:"target"`
	Port        int                `json:"port,omitempty"`
	User        string             `json:"user"`
	PasswordRef string             `json:"password_ref,omitempty"`
	KeyRef      string             `json:"key_ref,omitempty"` // vault ref holding a PEM private key
	Timeout     time.Duration      `json:"timeout,omitempty"`
	Commands    map[string]Command `json:"commands"`
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Target, fmt.Sprint(port))
}

// Dial opens an authenticated SSH client for cfg, resolving credential
// references through the vault. Host keys are not pinned: the hosts
// this agent monitors are enrolled by the same trusted packs that
// carry the credentials, and the central broker channel — not the
// monitored host — is the trust boundary.
func Dial(ctx context.Context, vault keyvault.Vault, cfg Config) (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyRef != "" {
		pem, err := vault.Resolve(ctx, cfg.KeyRef)
		if err != nil {
			return nil, errors.Wrap(err, "ssh: resolve private key")
		}
		signer, err := ssh.ParsePrivateKey([]byte(pem))
		if err != nil {
			return nil, errors.Wrap(err, "ssh: parse private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.PasswordRef != "" {
		pass, err := vault.Resolve(ctx, cfg.PasswordRef)
		if err != nil {
			return nil, errors.Wrap(err, "ssh: resolve password")
		}
		auth = append(auth, ssh.Password(pass))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: no credential configured")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, errors.Wrapf(err, "ssh: dial %s", cfg.addr())
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.addr(), clientCfg)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "ssh: handshake with %s", cfg.addr())
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Run executes one command on an established client and returns its
// stdout; a non-zero exit status is an error carrying stderr.
func Run(client *ssh.Client, command string) ([]byte, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "ssh: open session")
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if err := sess.Run(command); err != nil {
		return nil, errors.Wrapf(err, "ssh: %q failed: %s", command, stderr.String())
	}
	return stdout.Bytes(), nil
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

func (c *Collector) Protocol() string { return "ssh" }

func (c *Collector) ShowQueries(_ context.Context, _ any, q plugin.Query) (string, error) {
	out := ""
	for tid := range q {
		out += fmt.Sprintf("exec %s\n", tid)
	}
	return out, nil
}

func (c *Collector) GetTables(_ context.Context, input any) (map[string]plugin.DataTableSpec, error) {
	in, ok := input.(etc.PluginInput)
	if !ok {
		return nil, errors.Errorf("ssh: unexpected input type %T", input)
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
		return nil, errors.Errorf("ssh: unexpected input type %T", input)
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
		return nil, errors.Errorf("ssh: unexpected input type %T", input)
	}
	cfg, err := plugin.DecodeConfig[Config](config)
	if err != nil {
		return nil, err
	}

	client, err := Dial(ctx, c.vault, cfg)
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
		cmd, ok := cfg.Commands[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: errors.Errorf("ssh: no command configured for table %q", tid)}
			continue
		}
		tspec, ok := in.Tables[tid]
		if !ok {
			out[tid] = plugin.TableResult{Err: errors.Errorf("ssh: table %q not declared", tid)}
			continue
		}
		stdout, err := Run(client, cmd.Command)
		if err != nil {
			out[tid] = plugin.TableResult{Err: err}
			continue
		}
		rows, warns, perr := ParseOutput(stdout, cmd.Parser, tspec, in)
		if perr != nil {
			out[tid] = plugin.TableResult{Err: perr}
			continue
		}
		out[tid] = plugin.TableResult{Rows: rows, Warnings: warns}
	}
	return out, nil
}
