// Package broker implements the connection layer that fans agent,
// backend, and metrics-engine peers into a per-organization routing
// table over a TLS-multiplexed control/data plane.
package broker

import (
	"encoding/json"
	"time"
)

// OrgID and AgentID key the routing table.
type OrgID string
type AgentID string

// WriteChannel is the per-peer outbound message queue; a bounded
// channel so a slow or wedged peer applies backpressure instead of
// growing memory without bound. An item is either a Router-marshaled
// JSON []byte, which the connection's writer loop re-encodes to CBOR
// with Framer.WriteJSON, or a structured value written with
// Framer.WriteFrame.
type WriteChannel chan any

// StatusKind tags an agent's current connection lifecycle state.
type StatusKind int

const (
	StatusConnected StatusKind = iota
	StatusDisconnected
)

// Status is one agent's connection liveness record.
type Status struct {
	Kind    StatusKind
	Since   time.Time
	Err     error
	NextTry time.Time // zero when no reconnect is scheduled
}

// Node is one organization's routing state: at most one backend and
// one metrics-engine ("database") connection, plus every currently
// connected agent.
type Node struct {
	Backend             WriteChannel
	Database            WriteChannel
	Agents              map[AgentID]WriteChannel
	AgentConnectionInfo map[AgentID]Status
}

func newNode() *Node {
	return &Node{
		Agents:              map[AgentID]WriteChannel{},
		AgentConnectionInfo: map[AgentID]Status{},
	}
}

// PeerKind tags which of the three roles a connection negotiated,
// matched off the TLS ALPN protocol id.
type PeerKind int

const (
	PeerAgent PeerKind = iota
	PeerBackend
	PeerMetricsEngine
)

const (
	ALPNAgent         = "agent/1"
	ALPNBackend       = "backend/1"
	ALPNMetricsEngine = "metrics-engine/1"
)

// AsyncRequest and AsyncResponse are the two payload shapes every
// broker<->agent message carries, paired by a requester-allocated,
// responder-replayed req_id.
type AsyncRequest struct {
	ReqID   uint64          `json:"req_id"`
	Request json.RawMessage `json:"request"`
}

type AsyncResponse struct {
	ReqID    uint64          `json:"req_id"`
	Response json.RawMessage `json:"response"`
}

// AgentToBroker and BrokerToAgent are the two directions' tagged
// message unions. Tag is the discriminant CBOR key; exactly
// one of the paired fields is set.
type MsgTag string

const (
	TagBackend       MsgTag = "backend"
	TagMetricsEngine MsgTag = "metrics_engine"
	TagDuplex        MsgTag = "duplex" // --broker-compat only
)

type AgentToBroker struct {
	Tag           MsgTag         `json:"tag"`
	Backend       *AsyncResponse `json:"backend,omitempty"`
	MetricsEngine *AsyncRequest  `json:"metrics_engine,omitempty"`
	// Duplex carries both possible payloads under one compat envelope
	//; Tag == TagDuplex selects it.
	Duplex *AsyncDuplex `json:"duplex,omitempty"`
}

type BrokerToAgent struct {
	Tag           MsgTag         `json:"tag"`
	Backend       *AsyncRequest  `json:"backend,omitempty"`
	MetricsEngine *AsyncResponse `json:"metrics_engine,omitempty"`
	Duplex        *AsyncDuplex   `json:"duplex,omitempty"`
}

// AsyncDuplex is the legacy compat envelope: an extra tag wrapped
// around whichever of AsyncRequest/AsyncResponse the inner message
// actually is, preserved bit-for-bit for interop with legacy brokers.
type AsyncDuplex struct {
	IsRequest bool           `json:"is_request"`
	Request   *AsyncRequest  `json:"request,omitempty"`
	Response  *AsyncResponse `json:"response,omitempty"`
}

// BrokerToBackend is the control-plane wire union toward a backend
// peer: agent lifecycle notifications plus forwarded agent responses.
type BrokerToBackend struct {
	Tag          MsgTag             `json:"tag"`
	Connected    *AgentConnected    `json:"connected,omitempty"`
	Disconnected *AgentDisconnected `json:"disconnected,omitempty"`
	Agent        AgentID            `json:"agent,omitempty"`
	Response     *AsyncResponse     `json:"response,omitempty"`
}

const (
	TagAgentConnected    MsgTag = "agent_connected"
	TagAgentDisconnected MsgTag = "agent_disconnected"
	TagResponse          MsgTag = "response"
	TagRequest           MsgTag = "request"
)

// BackendToBroker addresses one backend request at one of the org's
// agents; the org itself is implied by the backend's own mTLS
// identity, never trusted from the message body.
type BackendToBroker struct {
	Agent   AgentID      `json:"agent"`
	Request AsyncRequest `json:"request"`
}

// BrokerToDatabase forwards an agent's metrics-engine request tagged
// with its origin so the engine's response can find its way back.
type BrokerToDatabase struct {
	Agent   AgentID      `json:"agent"`
	Request AsyncRequest `json:"request"`
}

// DatabaseToBroker carries the metrics engine's response for one
// agent's outstanding request.
type DatabaseToBroker struct {
	Agent    AgentID       `json:"agent"`
	Response AsyncResponse `json:"response"`
}

// AgentConnected and AgentDisconnected are the notifications sent to
// an org's backend peer when its agent set changes.
type AgentConnected struct {
	Agent AgentID `json:"agent"`
}

type AgentDisconnected struct {
	Agent   AgentID   `json:"agent"`
	Since   time.Time `json:"since"`
	Err     string    `json:"error,omitempty"`
	NextTry time.Time `json:"next_try,omitempty"`
}
