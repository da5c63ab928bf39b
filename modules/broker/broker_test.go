package broker

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAgentRejectsDuplicate(t *testing.T) {
	r := NewRouter(log.NewNopLogger())

	first := make(WriteChannel, 1)
	require.NoError(t, r.AddAgent("acme", "agent-7", first))

	second := make(WriteChannel, 1)
	err := r.AddAgent("acme", "agent-7", second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateAgent)

	// The first connection's state is unchanged.
	st, ok := r.Status("acme", "agent-7")
	require.True(t, ok)
	assert.Equal(t, StatusConnected, st.Kind)

	// Same agent id under a different org is a different peer.
	require.NoError(t, r.AddAgent("globex", "agent-7", make(WriteChannel, 1)))
}

func TestRemoveAgentNotifiesBackend(t *testing.T) {
	r := NewRouter(log.NewNopLogger())
	backend := make(WriteChannel, 4)
	r.SetBackend("acme", backend)

	require.NoError(t, r.AddAgent("acme", "agent-7", make(WriteChannel, 1)))
	raw := (<-backend).([]byte)
	var env BrokerToBackend
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, TagAgentConnected, env.Tag)
	assert.Equal(t, AgentID("agent-7"), env.Connected.Agent)

	cause := assert.AnError
	nextTry := time.Now().Add(time.Minute)
	r.RemoveAgent("acme", "agent-7", cause, nextTry)

	raw = (<-backend).([]byte)
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, TagAgentDisconnected, env.Tag)
	assert.Equal(t, AgentID("agent-7"), env.Disconnected.Agent)
	assert.NotEmpty(t, env.Disconnected.Err)

	st, ok := r.Status("acme", "agent-7")
	require.True(t, ok)
	assert.Equal(t, StatusDisconnected, st.Kind)
	assert.Equal(t, nextTry, st.NextTry)
}

func TestRouteToDatabaseSynthesizesErrorWhenAbsent(t *testing.T) {
	r := NewRouter(log.NewNopLogger())
	agentCh := make(WriteChannel, 1)
	require.NoError(t, r.AddAgent("acme", "agent-7", agentCh))

	req := AsyncRequest{ReqID: 42, Request: json.RawMessage(`{"metrics":[]}`)}
	r.RouteToDatabase("acme", "agent-7", req)

	raw := (<-agentCh).([]byte)
	var msg BrokerToAgent
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, TagMetricsEngine, msg.Tag)
	require.NotNil(t, msg.MetricsEngine)
	assert.Equal(t, uint64(42), msg.MetricsEngine.ReqID)

	var synth struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(msg.MetricsEngine.Response, &synth))
	assert.Contains(t, synth.Error, "not connected")
}

func TestRouteToDatabaseQueueFull(t *testing.T) {
	r := NewRouter(log.NewNopLogger())
	agentCh := make(WriteChannel, 1)
	require.NoError(t, r.AddAgent("acme", "agent-7", agentCh))

	db := make(WriteChannel) // unbuffered and never drained: always full
	r.SetDatabase("acme", db)

	r.RouteToDatabase("acme", "agent-7", AsyncRequest{ReqID: 7})

	raw := (<-agentCh).([]byte)
	var msg BrokerToAgent
	require.NoError(t, json.Unmarshal(raw, &msg))
	var synth struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(msg.MetricsEngine.Response, &synth))
	assert.Contains(t, synth.Error, "queue full")
}

func TestRouteToBackendWrapsResponse(t *testing.T) {
	r := NewRouter(log.NewNopLogger())
	backend := make(WriteChannel, 2)
	r.SetBackend("acme", backend)

	r.RouteToBackend("acme", "agent-7", AsyncResponse{ReqID: 9, Response: json.RawMessage(`"ok"`)})

	raw := (<-backend).([]byte)
	var env BrokerToBackend
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, TagResponse, env.Tag)
	assert.Equal(t, AgentID("agent-7"), env.Agent)
	assert.Equal(t, uint64(9), env.Response.ReqID)
}

func TestRouteToAgent(t *testing.T) {
	r := NewRouter(log.NewNopLogger())
	agentCh := make(WriteChannel, 1)
	require.NoError(t, r.AddAgent("acme", "agent-7", agentCh))

	ok := r.RouteToAgent("acme", "agent-7", BrokerToAgent{Tag: TagBackend, Backend: &AsyncRequest{ReqID: 3}})
	assert.True(t, ok)
	assert.False(t, r.RouteToAgent("acme", "missing", BrokerToAgent{}))
}

type rwBuffer struct {
	bytes.Buffer
}

func TestFramerRoundTrip(t *testing.T) {
	var buf rwBuffer
	f := NewFramer(&buf)

	in := AgentToBroker{Tag: TagMetricsEngine, MetricsEngine: &AsyncRequest{ReqID: 17, Request: json.RawMessage(`{"a":1}`)}}
	require.NoError(t, f.WriteFrame(in))

	var out AgentToBroker
	require.NoError(t, f.ReadFrame(&out))
	assert.Equal(t, TagMetricsEngine, out.Tag)
	require.NotNil(t, out.MetricsEngine)
	assert.Equal(t, uint64(17), out.MetricsEngine.ReqID)
}

func TestFramerCompatEnvelopeRoundTrip(t *testing.T) {
	var buf rwBuffer
	f := NewFramer(&buf)

	in := AgentToBroker{Tag: TagDuplex, Duplex: &AsyncDuplex{IsRequest: true, Request: &AsyncRequest{ReqID: 5}}}
	require.NoError(t, f.WriteFrame(in))

	var out AgentToBroker
	require.NoError(t, f.ReadFrame(&out))
	assert.Equal(t, TagDuplex, out.Tag)
	require.NotNil(t, out.Duplex)
	assert.True(t, out.Duplex.IsRequest)
	require.NotNil(t, out.Duplex.Request)
	assert.Equal(t, uint64(5), out.Duplex.Request.ReqID)
}

func TestFramerRejectsOversizedFrame(t *testing.T) {
	var buf rwBuffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	f := NewFramer(&buf)
	var out AgentToBroker
	assert.ErrorContains(t, f.ReadFrame(&out), "exceeds")
}

func TestToCompat(t *testing.T) {
	req := &AsyncRequest{ReqID: 1}
	wrapped := toCompat(BrokerToAgent{Tag: TagBackend, Backend: req})
	assert.Equal(t, TagDuplex, wrapped.Tag)
	require.NotNil(t, wrapped.Duplex)
	assert.True(t, wrapped.Duplex.IsRequest)

	resp := &AsyncResponse{ReqID: 2}
	wrapped = toCompat(BrokerToAgent{Tag: TagMetricsEngine, MetricsEngine: resp})
	assert.Equal(t, TagDuplex, wrapped.Tag)
	assert.False(t, wrapped.Duplex.IsRequest)
	assert.Equal(t, uint64(2), wrapped.Duplex.Response.ReqID)
}
