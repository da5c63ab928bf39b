// Package agent implements the agent side of the broker connection:
// an mTLS stream carrying the length-prefixed CBOR wire,
// with the data writer draining the scheduler's outbound channel into
// metrics-engine requests and the control plane answering backend
// requests inbound.
package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/northbeacon/agent/modules/broker"
	"github.com/northbeacon/agent/pkg/metrics"
)

// ErrTimeout is surfaced when a metrics-engine request's per-call
// deadline expires; the call is abandoned and its req_id forgotten.
var ErrTimeout = errors.New("agent: request timed out")

// BackendHandler answers one inbound backend control request.
type BackendHandler func(ctx context.Context, req broker.AsyncRequest) broker.AsyncResponse

// ClientConfig configures the agent's broker connection.
type ClientConfig struct {
	// Exactly one of ConnectAddr (agent dials out) or ListenAddr
	// (agent listens for the broker's SSH-tunneled dial-in) is set.
	ConnectAddr string
	ListenAddr  string

	// BrokerDomain is the TLS SNI and certificate verification name.
	BrokerDomain string

	// Compat selects the legacy AsyncDuplex framing (--broker-compat).
	Compat bool

	TLS *tls.Config

	RetryInterval  time.Duration // reconnect pacing; defaults to 10s
	RequestTimeout time.Duration // per metrics-engine call; defaults to 10s
}

// Client owns one logical broker connection and its request state.
type Client struct {
	cfg     ClientConfig
	handler BackendHandler
	logger  log.Logger

	reqID uint64 // monotonic req_id allocator

	mu      sync.Mutex
	pending map[uint64]chan broker.AsyncResponse
}

func NewClient(cfg ClientConfig, handler BackendHandler, logger log.Logger) *Client {
	return &Client{cfg: cfg, handler: handler, logger: logger, pending: map[uint64]chan broker.AsyncResponse{}}
}

func (c *Client) retryInterval() time.Duration {
	if c.cfg.RetryInterval > 0 {
		return c.cfg.RetryInterval
	}
	return 10 * time.Second
}

func (c *Client) requestTimeout() time.Duration {
	if c.cfg.RequestTimeout > 0 {
		return c.cfg.RequestTimeout
	}
	return 10 * time.Second
}

// Run maintains the broker connection until ctx is cancelled, draining
// sink into metrics-engine requests. Reconnects are paced by
// RetryInterval; messages produced while disconnected wait in sink,
// preserving per-task ordering.
func (c *Client) Run(ctx context.Context, sink <-chan metrics.Table) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			level.Warn(c.logger).Log("msg", "broker unreachable", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryInterval()):
			}
			continue
		}

		c.serve(ctx, conn, sink)
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.retryInterval()):
		}
	}
}

// dial establishes the next transport: outbound TLS dial in connect
// mode, or one accepted TLS connection in listen mode (the broker
// reaches the listener through its SSH tunnel; the agent is the TLS
// client either way with respect to certificate roles reversed — in
// listen mode the tunneled broker end runs the TLS server).
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	tlsCfg := c.cfg.TLS.Clone()
	tlsCfg.ServerName = c.cfg.BrokerDomain
	tlsCfg.NextProtos = []string{broker.ALPNAgent}

	if c.cfg.ConnectAddr != "" {
		d := tls.Dialer{NetDialer: &net.Dialer{Timeout: 15 * time.Second}, Config: tlsCfg}
		conn, err := d.DialContext(ctx, "tcp", c.cfg.ConnectAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "agent: dial broker %s", c.cfg.ConnectAddr)
		}
		return conn, nil
	}

	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "agent: listen on %s", c.cfg.ListenAddr)
	}
	defer ln.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	raw, err := ln.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "agent: accept tunneled broker connection")
	}
	conn := tls.Client(raw, tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		raw.Close()
		return nil, errors.Wrap(err, "agent: tls handshake with tunneled broker")
	}
	return conn, nil
}

// serve runs one connection's read loop and data writer until either
// fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn net.Conn, sink <-chan metrics.Table) {
	framer := broker.NewFramer(conn)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	go c.readLoop(connCtx, cancel, framer)

	for {
		select {
		case <-connCtx.Done():
			return
		case table, ok := <-sink:
			if !ok {
				return
			}
			if err := c.shipTable(connCtx, framer, table); err != nil {
				level.Warn(c.logger).Log("msg", "ship failed", "err", err)
				if !errors.Is(err, ErrTimeout) {
					return // transport error: reconnect
				}
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, cancel context.CancelFunc, framer *broker.Framer) {
	defer cancel()
	for {
		var msg broker.BrokerToAgent
		if err := framer.ReadFrame(&msg); err != nil {
			if ctx.Err() == nil {
				level.Debug(c.logger).Log("msg", "broker read loop ended", "err", err)
			}
			return
		}
		if msg.Tag == broker.TagDuplex && msg.Duplex != nil {
			if msg.Duplex.IsRequest && msg.Duplex.Request != nil {
				msg = broker.BrokerToAgent{Tag: broker.TagBackend, Backend: msg.Duplex.Request}
			} else if msg.Duplex.Response != nil {
				msg = broker.BrokerToAgent{Tag: broker.TagMetricsEngine, MetricsEngine: msg.Duplex.Response}
			}
		}

		switch {
		case msg.Tag == broker.TagBackend && msg.Backend != nil:
			go c.answerBackend(ctx, framer, *msg.Backend)
		case msg.Tag == broker.TagMetricsEngine && msg.MetricsEngine != nil:
			c.deliver(*msg.MetricsEngine)
		}
	}
}

// answerBackend runs the control handler and replays the req_id in the
// response exactly once.
func (c *Client) answerBackend(ctx context.Context, framer *broker.Framer, req broker.AsyncRequest) {
	resp := c.handler(ctx, req)
	resp.ReqID = req.ReqID
	if err := framer.WriteFrame(c.envelopeResponse(resp)); err != nil {
		level.Debug(c.logger).Log("msg", "backend response write failed", "req_id", req.ReqID, "err", err)
	}
}

func (c *Client) deliver(resp broker.AsyncResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ReqID]
	if ok {
		delete(c.pending, resp.ReqID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// shipTable sends one metrics table as a metrics-engine request and
// waits for its response under the per-call timeout.
func (c *Client) shipTable(ctx context.Context, framer *broker.Framer, table metrics.Table) error {
	payload, err := json.Marshal(table)
	if err != nil {
		return errors.Wrap(err, "agent: encode metrics table")
	}
	req := broker.AsyncRequest{ReqID: atomic.AddUint64(&c.reqID, 1), Request: payload}

	ch := make(chan broker.AsyncResponse, 1)
	c.mu.Lock()
	c.pending[req.ReqID] = ch
	c.mu.Unlock()

	if err := framer.WriteFrame(c.envelopeRequest(req)); err != nil {
		c.abandon(req.ReqID)
		return errors.Wrap(err, "agent: write metrics request")
	}

	timer := time.NewTimer(c.requestTimeout())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.abandon(req.ReqID)
		return ctx.Err()
	case <-timer.C:
		c.abandon(req.ReqID)
		return errors.Wrapf(ErrTimeout, "req_id %d", req.ReqID)
	case resp := <-ch:
		var synth struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(resp.Response, &synth); err == nil && synth.Error != "" {
			return errors.Errorf("agent: metrics engine rejected req %d: %s", req.ReqID, synth.Error)
		}
		return nil
	}
}

func (c *Client) abandon(reqID uint64) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

// envelopeRequest and envelopeResponse build the outbound wire message
// in plain or compat form.
func (c *Client) envelopeRequest(req broker.AsyncRequest) broker.AgentToBroker {
	if c.cfg.Compat {
		return broker.AgentToBroker{Tag: broker.TagDuplex, Duplex: &broker.AsyncDuplex{IsRequest: true, Request: &req}}
	}
	return broker.AgentToBroker{Tag: broker.TagMetricsEngine, MetricsEngine: &req}
}

func (c *Client) envelopeResponse(resp broker.AsyncResponse) broker.AgentToBroker {
	if c.cfg.Compat {
		return broker.AgentToBroker{Tag: broker.TagDuplex, Duplex: &broker.AsyncDuplex{Response: &resp}}
	}
	return broker.AgentToBroker{Tag: broker.TagBackend, Backend: &resp}
}
