package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/soheilhy/cmux"
)

// ServerConfig configures the broker's listening side. The TLS config
// must carry the broker's server certificate; the server forces mutual
// authentication and the three peer ALPN ids onto it.
type ServerConfig struct {
	ListenAddr    string
	TLS           *tls.Config
	WriteQueueLen int // per-peer outbound queue depth; defaults to 64
}

type serverMetrics struct {
	connectedPeers *prometheus.GaugeVec
	routedMessages *prometheus.CounterVec
	rejectedConns  prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	return &serverMetrics{
		connectedPeers: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "connected_peers",
			Help:      "Currently connected peers by role.",
		}, []string{"role"}),
		routedMessages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "routed_messages_total",
			Help:      "Messages routed between peers by direction.",
		}, []string{"direction"}),
		rejectedConns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "rejected_connections_total",
			Help:      "Connections rejected during identity verification.",
		}),
	}
}

// Server accepts mTLS peer connections, verifies their (organization,
// common-name) identity, and runs their read/write loops against the
// shared Router.
type Server struct {
	cfg     ServerConfig
	router  *Router
	logger  log.Logger
	metrics *serverMetrics
	tlsCfg  *tls.Config
}

func NewServer(cfg ServerConfig, router *Router, logger log.Logger, reg prometheus.Registerer) *Server {
	tlsCfg := cfg.TLS.Clone()
	tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	tlsCfg.NextProtos = []string{ALPNAgent, ALPNBackend, ALPNMetricsEngine}
	return &Server{cfg: cfg, router: router, logger: logger, metrics: newServerMetrics(reg), tlsCfg: tlsCfg}
}

func (s *Server) queueLen() int {
	if s.cfg.WriteQueueLen > 0 {
		return s.cfg.WriteQueueLen
	}
	return 64
}

// Run listens and serves until ctx is cancelled. The raw listener is
// split by cmux so a stray plaintext client is shed before the TLS
// stack sees it; everything that looks like TLS proceeds to the
// handshake and is then dispatched by negotiated ALPN id.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "broker: listen on %s", s.cfg.ListenAddr)
	}

	mux := cmux.New(ln)
	mux.HandleError(func(err error) bool {
		if ctx.Err() == nil {
			level.Debug(s.logger).Log("msg", "listener mux error", "err", err)
		}
		return true
	})
	tlsL := mux.Match(cmux.TLS())
	plainL := mux.Match(cmux.Any())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		// Anything that is not TLS gets closed immediately.
		for {
			conn, err := plainL.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	go func() {
		for {
			conn, err := tlsL.Accept()
			if err != nil {
				return
			}
			go s.handleConn(ctx, conn)
		}
	}()

	err = mux.Serve()
	if ctx.Err() != nil {
		return nil
	}
	return errors.Wrap(err, "broker: serve")
}

// peerIdentity extracts (org, cn) from a completed handshake's client
// certificate, rejecting connections missing either field.
func peerIdentity(state tls.ConnectionState) (OrgID, string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", "", errors.New("broker: no client certificate presented")
	}
	subject := state.PeerCertificates[0].Subject
	if len(subject.Organization) == 0 || subject.Organization[0] == "" {
		return "", "", errors.New("broker: client certificate missing organization")
	}
	if subject.CommonName == "" {
		return "", "", errors.New("broker: client certificate missing common name")
	}
	return OrgID(subject.Organization[0]), subject.CommonName, nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	// Connection id for correlating one peer's log lines across its
	// handshake, read loop and teardown.
	connID := uuid.New().String()
	logger := log.With(s.logger, "conn", connID)

	tlsConn := tls.Server(raw, s.tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		s.metrics.rejectedConns.Inc()
		level.Debug(logger).Log("msg", "tls handshake failed", "peer", raw.RemoteAddr(), "err", err)
		raw.Close()
		return
	}

	state := tlsConn.ConnectionState()
	org, cn, err := peerIdentity(state)
	if err != nil {
		s.metrics.rejectedConns.Inc()
		level.Warn(logger).Log("msg", "peer identity rejected", "peer", raw.RemoteAddr(), "err", err)
		tlsConn.Close()
		return
	}

	switch state.NegotiatedProtocol {
	case ALPNAgent:
		s.serveAgent(ctx, tlsConn, org, AgentID(cn))
	case ALPNBackend:
		s.servePeer(ctx, tlsConn, org, "backend",
			func(ch WriteChannel) { s.router.SetBackend(org, ch) },
			func() { s.router.RemoveBackend(org) },
			s.readBackend)
	case ALPNMetricsEngine:
		s.servePeer(ctx, tlsConn, org, "metrics-engine",
			func(ch WriteChannel) { s.router.SetDatabase(org, ch) },
			func() { s.router.RemoveDatabase(org) },
			s.readDatabase)
	default:
		s.metrics.rejectedConns.Inc()
		level.Warn(logger).Log("msg", "unknown ALPN protocol", "peer", raw.RemoteAddr(), "proto", state.NegotiatedProtocol)
		tlsConn.Close()
	}
}

// writeLoop drains one peer's channel onto its framed connection,
// serializing messages in arrival order. Items are either
// router-marshaled JSON envelopes or already structured values.
func writeLoop(ctx context.Context, framer *Framer, ch WriteChannel, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case item, ok := <-ch:
			if !ok {
				return
			}
			var err error
			switch m := item.(type) {
			case []byte:
				err = framer.WriteJSON(m)
			default:
				err = framer.WriteFrame(m)
			}
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

// agentWriteLoop is writeLoop plus the compat rewrap: routed
// BrokerToAgent envelopes destined for a compat-mode agent are folded
// into the AsyncDuplex form before hitting the wire.
func agentWriteLoop(ctx context.Context, framer *Framer, ch WriteChannel, conn net.Conn, compat *atomic.Bool) {
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case item, ok := <-ch:
			if !ok {
				return
			}
			var err error
			raw, isRaw := item.([]byte)
			switch {
			case isRaw && compat.Load():
				var msg BrokerToAgent
				if err = json.Unmarshal(raw, &msg); err == nil {
					err = framer.WriteFrame(toCompat(msg))
				}
			case isRaw:
				err = framer.WriteJSON(raw)
			default:
				err = framer.WriteFrame(item)
			}
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

func toCompat(msg BrokerToAgent) BrokerToAgent {
	switch {
	case msg.Tag == TagBackend && msg.Backend != nil:
		return BrokerToAgent{Tag: TagDuplex, Duplex: &AsyncDuplex{IsRequest: true, Request: msg.Backend}}
	case msg.Tag == TagMetricsEngine && msg.MetricsEngine != nil:
		return BrokerToAgent{Tag: TagDuplex, Duplex: &AsyncDuplex{Response: msg.MetricsEngine}}
	default:
		return msg
	}
}

// serveAgent runs one agent connection: registration (rejecting a
// duplicate (org, agent) pair), the write drain, and the read loop
// routing AgentToBroker messages.
func (s *Server) serveAgent(ctx context.Context, conn net.Conn, org OrgID, agentID AgentID) {
	ch := make(WriteChannel, s.queueLen())
	if err := s.router.AddAgent(org, agentID, ch); err != nil {
		s.metrics.rejectedConns.Inc()
		level.Warn(s.logger).Log("msg", "agent rejected", "org", org, "agent", agentID, "err", err)
		conn.Close()
		return
	}
	s.metrics.connectedPeers.WithLabelValues("agent").Inc()
	defer s.metrics.connectedPeers.WithLabelValues("agent").Dec()

	framer := NewFramer(conn)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// An agent that speaks the legacy compat envelope gets its replies
	// in the same form.
	var compat atomic.Bool
	go agentWriteLoop(connCtx, framer, ch, conn, &compat)

	var readErr error
	for {
		var msg AgentToBroker
		if readErr = framer.ReadFrame(&msg); readErr != nil {
			break
		}
		if msg.Tag == TagDuplex {
			compat.Store(true)
		}
		s.routeFromAgent(org, agentID, msg)
	}
	if readErr == io.EOF {
		readErr = nil
	}
	s.router.RemoveAgent(org, agentID, readErr, time.Time{})
	conn.Close()
}

// routeFromAgent dispatches one inbound agent message, unwrapping the
// legacy compat envelope first: an AsyncDuplex carrying
// a response belongs to the backend plane, a request to the metrics
// engine.
func (s *Server) routeFromAgent(org OrgID, agentID AgentID, msg AgentToBroker) {
	if msg.Tag == TagDuplex && msg.Duplex != nil {
		if msg.Duplex.IsRequest && msg.Duplex.Request != nil {
			msg = AgentToBroker{Tag: TagMetricsEngine, MetricsEngine: msg.Duplex.Request}
		} else if msg.Duplex.Response != nil {
			msg = AgentToBroker{Tag: TagBackend, Backend: msg.Duplex.Response}
		}
	}

	switch {
	case msg.Tag == TagBackend && msg.Backend != nil:
		s.metrics.routedMessages.WithLabelValues("agent_to_backend").Inc()
		s.router.RouteToBackend(org, agentID, *msg.Backend)
	case msg.Tag == TagMetricsEngine && msg.MetricsEngine != nil:
		s.metrics.routedMessages.WithLabelValues("agent_to_database").Inc()
		s.router.RouteToDatabase(org, agentID, *msg.MetricsEngine)
	default:
		level.Debug(s.logger).Log("msg", "unroutable agent message", "org", org, "agent", agentID, "tag", msg.Tag)
	}
}

// servePeer runs one backend or metrics-engine connection.
func (s *Server) servePeer(ctx context.Context, conn net.Conn, org OrgID, role string, register func(WriteChannel), unregister func(), read func(org OrgID, framer *Framer) error) {
	ch := make(WriteChannel, s.queueLen())
	register(ch)
	s.metrics.connectedPeers.WithLabelValues(role).Inc()
	defer func() {
		unregister()
		s.metrics.connectedPeers.WithLabelValues(role).Dec()
		conn.Close()
	}()

	framer := NewFramer(conn)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go writeLoop(connCtx, framer, ch, conn)

	if err := read(org, framer); err != nil && err != io.EOF && ctx.Err() == nil {
		level.Debug(s.logger).Log("msg", "peer read loop ended", "org", org, "role", role, "err", err)
	}
}

func (s *Server) readBackend(org OrgID, framer *Framer) error {
	for {
		var msg BackendToBroker
		if err := framer.ReadFrame(&msg); err != nil {
			return err
		}
		s.metrics.routedMessages.WithLabelValues("backend_to_agent").Inc()
		s.router.RouteToAgent(org, msg.Agent, BrokerToAgent{Tag: TagBackend, Backend: &msg.Request})
	}
}

func (s *Server) readDatabase(org OrgID, framer *Framer) error {
	for {
		var msg DatabaseToBroker
		if err := framer.ReadFrame(&msg); err != nil {
			return err
		}
		s.metrics.routedMessages.WithLabelValues("database_to_agent").Inc()
		s.router.RouteToAgent(org, msg.Agent, BrokerToAgent{Tag: TagMetricsEngine, MetricsEngine: &msg.Response})
	}
}
