package snmp

import (
	"context"
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Config is one monitored host's SNMP configuration. Community (v2c)
// or the USM triple (v3) is a keyvault reference, never a literal
// secret.
type Config struct {
	Target    string
	Port      uint16
	Version   gosnmp.SnmpVersion
	Community string // keyvault reference, v2c only; resolved by RunQueries before connecting
	// v3 fields; the passphrases are keyvault references resolved by
	// RunQueries before connecting
	SecurityUser   string
	AuthPassphrase string
	AuthProtocol   gosnmp.SnmpV3AuthProtocol
	PrivPassphrase string
	PrivProtocol   gosnmp.SnmpV3PrivProtocol

	Timeout time.Duration
	Retries int
	Quirks  Quirks
}

func (c Config) session() *gosnmp.GoSNMP {
	g := &gosnmp.GoSNMP{
		Target:  c.Target,
		Port:    c.Port,
		Version: c.Version,
		Timeout: c.Timeout,
		Retries: c.Retries,
		MaxOids: defaultMaxWidth,
	}
	if g.Port == 0 {
		g.Port = 161
	}
	if g.Timeout == 0 {
		g.Timeout = 5 * time.Second
	}
	switch c.Version {
	case gosnmp.Version3:
		g.SecurityModel = gosnmp.UserSecurityModel
		g.MsgFlags = gosnmp.AuthPriv
		g.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 c.SecurityUser,
			AuthenticationProtocol:   c.AuthProtocol,
			AuthenticationPassphrase: c.AuthPassphrase,
			PrivacyProtocol:          c.PrivProtocol,
			PrivacyPassphrase:        c.PrivPassphrase,
		}
	default:
		g.Version = gosnmp.Version2c
		g.Community = c.Community
	}
	return g
}

// Session wraps a connected gosnmp client, offering the small surface
// the planner/collector needs: Get for singleton fallback, GetBulk for
// the adaptive batches Walks.Take produces.
type Session struct {
	conn *gosnmp.GoSNMP
}

func Connect(ctx context.Context, cfg Config) (*Session, error) {
	g := cfg.session()
	g.Context = ctx
	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp: connect to %s: %w", cfg.Target, err)
	}
	return &Session{conn: g}, nil
}

func (s *Session) Close() error {
	return s.conn.Conn.Close()
}

func (s *Session) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	return s.conn.Get(oids)
}

func (s *Session) GetBulk(oids []string, maxRepetitions uint32) (*gosnmp.SnmpPacket, error) {
	return s.conn.GetBulk(oids, 0, maxRepetitions)
}
