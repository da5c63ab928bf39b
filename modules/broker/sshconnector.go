package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/northbeacon/agent/pkg/keyvault"
)

// Hop is one SSH hop on the way to an agent: zero or more jump hosts
// followed by the target machine.
type Hop struct {
	Addr        string `json:"addr" yaml:"addr"` // host:port
	User        string `json:"user" yaml:"user"`
	PasswordRef string `json:"password_ref,omitempty" yaml:"password_ref,omitempty"`
	KeyRef      string `json:"key_ref,omitempty" yaml:"key_ref,omitempty"`
}

// ConnectorConfig configures one agent's reverse-tunnel transport.
type ConnectorConfig struct {
	Org           OrgID
	Agent         AgentID
	Hops          []Hop
	AgentAddr     string        // agent's local listen address, dialed over the last hop
	RetryInterval time.Duration // defaults to 30s
}

// Connector maintains a broker-initiated connection to one agent that
// cannot dial out itself: the broker opens the SSH chain, a
// direct-tcpip channel to the agent's local port, and wraps the
// tunneled stream in TLS using its own server configuration, after
// which the connection is indistinguishable from an inbound agent.
type Connector struct {
	cfg    ConnectorConfig
	server *Server
	vault  keyvault.Vault
	logger log.Logger
}

func NewConnector(cfg ConnectorConfig, server *Server, vault keyvault.Vault, logger log.Logger) *Connector {
	return &Connector{cfg: cfg, server: server, vault: vault, logger: logger}
}

func (c *Connector) retryInterval() time.Duration {
	if c.cfg.RetryInterval > 0 {
		return c.cfg.RetryInterval
	}
	return 30 * time.Second
}

// Run reconnects forever until ctx is cancelled. Each failure records
// the reason and next attempt time in the routing table's
// agent_connection_info so operators can see why an agent is away and
// when it will be retried.
func (c *Connector) Run(ctx context.Context) {
	for {
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		nextTry := time.Now().Add(c.retryInterval())
		c.server.router.RemoveAgent(c.cfg.Org, c.cfg.Agent, err, nextTry)
		level.Warn(c.logger).Log("msg", "ssh tunnel down", "org", c.cfg.Org, "agent", c.cfg.Agent, "err", err, "next_try", nextTry)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryInterval()):
		}
	}
}

func (c *Connector) connectOnce(ctx context.Context) error {
	if len(c.cfg.Hops) == 0 {
		return errors.New("broker: ssh connector needs at least one hop")
	}

	client, err := c.dialChain(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	// direct-tcpip to the agent's local listener through the last hop.
	raw, err := client.Dial("tcp", c.cfg.AgentAddr)
	if err != nil {
		return errors.Wrapf(err, "broker: open tunnel channel to %s", c.cfg.AgentAddr)
	}

	tlsConn := tls.Server(raw, c.server.tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		raw.Close()
		return errors.Wrap(err, "broker: tls over tunnel")
	}

	org, cn, err := peerIdentity(tlsConn.ConnectionState())
	if err != nil {
		tlsConn.Close()
		return err
	}
	if org != c.cfg.Org || AgentID(cn) != c.cfg.Agent {
		tlsConn.Close()
		return errors.Errorf("broker: tunnel peer is (%s, %s), expected (%s, %s)", org, cn, c.cfg.Org, c.cfg.Agent)
	}

	// Blocks for the life of the connection; returning means the read
	// loop ended and a reconnect is due.
	c.server.serveAgent(ctx, tlsConn, org, AgentID(cn))
	return errors.New("broker: tunnel connection closed")
}

// dialChain walks the hop list: the first hop is dialed directly, each
// later hop through its predecessor's connection.
func (c *Connector) dialChain(ctx context.Context) (*ssh.Client, error) {
	var client *ssh.Client
	for i, hop := range c.cfg.Hops {
		auth, err := c.authFor(ctx, hop)
		if err != nil {
			if client != nil {
				client.Close()
			}
			return nil, err
		}
		cfg := &ssh.ClientConfig{
			User:            hop.User,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         15 * time.Second,
		}

		var conn net.Conn
		if client == nil {
			d := net.Dialer{Timeout: cfg.Timeout}
			conn, err = d.DialContext(ctx, "tcp", hop.Addr)
		} else {
			conn, err = client.Dial("tcp", hop.Addr)
		}
		if err != nil {
			if client != nil {
				client.Close()
			}
			return nil, errors.Wrapf(err, "broker: dial hop %d (%s)", i, hop.Addr)
		}

		sshConn, chans, reqs, err := ssh.NewClientConn(conn, hop.Addr, cfg)
		if err != nil {
			conn.Close()
			if client != nil {
				client.Close()
			}
			return nil, errors.Wrapf(err, "broker: handshake hop %d (%s)", i, hop.Addr)
		}
		next := ssh.NewClient(sshConn, chans, reqs)
		if client != nil {
			// The previous client is kept open underneath; closing it
			// would sever the chain. Only the outermost close in
			// connectOnce tears everything down.
			go func(prev *ssh.Client) {
				_ = prev.Wait()
			}(client)
		}
		client = next
	}
	return client, nil
}

func (c *Connector) authFor(ctx context.Context, hop Hop) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if hop.KeyRef != "" {
		pem, err := c.vault.Resolve(ctx, hop.KeyRef)
		if err != nil {
			return nil, errors.Wrapf(err, "broker: resolve key for hop %s", hop.Addr)
		}
		signer, err := ssh.ParsePrivateKey([]byte(pem))
		if err != nil {
			return nil, errors.Wrapf(err, "broker: parse key for hop %s", hop.Addr)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if hop.PasswordRef != "" {
		pass, err := c.vault.Resolve(ctx, hop.PasswordRef)
		if err != nil {
			return nil, errors.Wrapf(err, "broker: resolve password for hop %s", hop.Addr)
		}
		auth = append(auth, ssh.Password(pass))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("broker: no credential configured for hop %s", hop.Addr)
	}
	return auth, nil
}
