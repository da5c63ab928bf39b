package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// ErrDuplicateAgent is returned by Router.AddAgent when an agent of
// the same (org, agent_id) is already connected.
var ErrDuplicateAgent = errors.New("broker: duplicate agent connection")

// Router owns the NodeMap: a reader-writer lock guarding write
// operations confined to connect/disconnect.
type Router struct {
	mu     sync.RWMutex
	nodes  map[OrgID]*Node
	logger log.Logger
}

func NewRouter(logger log.Logger) *Router {
	return &Router{nodes: map[OrgID]*Node{}, logger: logger}
}

func (r *Router) nodeFor(org OrgID) *Node {
	n, ok := r.nodes[org]
	if !ok {
		n = newNode()
		r.nodes[org] = n
	}
	return n
}

// AddAgent registers a newly connected agent's outbound channel,
// failing if one is already present for (org, agentID) and otherwise
// notifying the org's backend with AgentConnected.
func (r *Router) AddAgent(org OrgID, agentID AgentID, ch WriteChannel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.nodeFor(org)
	if _, exists := n.Agents[agentID]; exists {
		return errors.Wrapf(ErrDuplicateAgent, "org %s agent %s", org, agentID)
	}
	n.Agents[agentID] = ch
	n.AgentConnectionInfo[agentID] = Status{Kind: StatusConnected, Since: timeNow()}

	r.notifyBackendLocked(n, BrokerToBackend{Tag: TagAgentConnected, Connected: &AgentConnected{Agent: agentID}})
	return nil
}

// RemoveAgent drops an agent's channel, records its disconnected
// status and reconnect hint, and notifies the org's backend.
func (r *Router) RemoveAgent(org OrgID, agentID AgentID, cause error, nextTry time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[org]
	if !ok {
		return
	}
	delete(n.Agents, agentID)
	st := Status{Kind: StatusDisconnected, Since: timeNow(), Err: cause, NextTry: nextTry}
	n.AgentConnectionInfo[agentID] = st

	msg := AgentDisconnected{Agent: agentID, Since: st.Since, NextTry: nextTry}
	if cause != nil {
		msg.Err = cause.Error()
	}
	r.notifyBackendLocked(n, BrokerToBackend{Tag: TagAgentDisconnected, Disconnected: &msg})
}

// SetBackend/SetDatabase register the org's single backend or
// metrics-engine ("database") write channel, replacing any prior one.
func (r *Router) SetBackend(org OrgID, ch WriteChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeFor(org).Backend = ch
}

func (r *Router) RemoveBackend(org OrgID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[org]; ok {
		n.Backend = nil
	}
}

func (r *Router) SetDatabase(org OrgID, ch WriteChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeFor(org).Database = ch
}

func (r *Router) RemoveDatabase(org OrgID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[org]; ok {
		n.Database = nil
	}
}

func (r *Router) notifyBackendLocked(n *Node, env BrokerToBackend) {
	if n.Backend == nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case n.Backend <- raw:
	default:
		level.Warn(r.logger).Log("msg", "backend queue full, dropping notification")
	}
}

// RouteToBackend implements "Agent -> Backend(message)": forwards an
// agent's response to the org's backend channel, dropping silently if
// the backend is absent or its queue is full.
func (r *Router) RouteToBackend(org OrgID, agentID AgentID, resp AsyncResponse) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[org]
	if !ok || n.Backend == nil {
		return
	}
	raw, err := json.Marshal(BrokerToBackend{Tag: TagResponse, Agent: agentID, Response: &resp})
	if err != nil {
		return
	}
	select {
	case n.Backend <- raw:
	default:
		level.Warn(r.logger).Log("msg", "agent->backend queue full, dropping", "org", org)
	}
}

// RouteToDatabase implements "Agent -> MetricsEngine(req)": forwards
// to the database channel, or synthesizes an error response tagged
// with the original req_id back to the requesting agent when the
// database is absent or its queue is full.
func (r *Router) RouteToDatabase(org OrgID, agentID AgentID, req AsyncRequest) {
	r.mu.RLock()
	n, ok := r.nodes[org]
	var dbCh, agentCh WriteChannel
	if ok {
		dbCh = n.Database
		agentCh = n.Agents[agentID]
	}
	r.mu.RUnlock()

	if dbCh == nil {
		r.synthErrorResponse(agentCh, req.ReqID, "metrics engine not connected")
		return
	}

	payload, merr := json.Marshal(BrokerToDatabase{Agent: agentID, Request: req})
	if merr != nil {
		r.synthErrorResponse(agentCh, req.ReqID, "encode request: "+merr.Error())
		return
	}
	select {
	case dbCh <- payload:
	default:
		r.synthErrorResponse(agentCh, req.ReqID, "metrics engine queue full")
	}
}

func (r *Router) synthErrorResponse(agentCh WriteChannel, reqID uint64, message string) {
	if agentCh == nil {
		return
	}
	resp := BrokerToAgent{
		Tag: TagMetricsEngine,
		MetricsEngine: &AsyncResponse{
			ReqID:    reqID,
			Response: mustJSON(map[string]string{"error": message}),
		},
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case agentCh <- raw:
	default:
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// RouteToAgent forwards a backend request or metrics-engine response
// to one connected agent's write channel. Reports false when the agent
// is absent or its queue is full; the caller decides whether that is
// worth a synthesized error (metrics-engine responses) or a silent
// drop (backend pushes).
func (r *Router) RouteToAgent(org OrgID, agentID AgentID, msg BrokerToAgent) bool {
	r.mu.RLock()
	n, ok := r.nodes[org]
	var ch WriteChannel
	if ok {
		ch = n.Agents[agentID]
	}
	r.mu.RUnlock()

	if ch == nil {
		return false
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case ch <- raw:
		return true
	default:
		level.Warn(r.logger).Log("msg", "agent queue full, dropping", "org", org, "agent", agentID)
		return false
	}
}

// Status returns a snapshot of one agent's connection status.
func (r *Router) Status(org OrgID, agentID AgentID) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[org]
	if !ok {
		return Status{}, false
	}
	st, ok := n.AgentConnectionInfo[agentID]
	return st, ok
}

var timeNow = time.Now
