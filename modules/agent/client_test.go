package agent

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeacon/agent/modules/broker"
)

func TestEnvelopePlainForm(t *testing.T) {
	c := NewClient(ClientConfig{}, nil, log.NewNopLogger())

	req := c.envelopeRequest(broker.AsyncRequest{ReqID: 1})
	assert.Equal(t, broker.TagMetricsEngine, req.Tag)
	require.NotNil(t, req.MetricsEngine)
	assert.Nil(t, req.Duplex)

	resp := c.envelopeResponse(broker.AsyncResponse{ReqID: 2})
	assert.Equal(t, broker.TagBackend, resp.Tag)
	require.NotNil(t, resp.Backend)
}

func TestEnvelopeCompatForm(t *testing.T) {
	c := NewClient(ClientConfig{Compat: true}, nil, log.NewNopLogger())

	req := c.envelopeRequest(broker.AsyncRequest{ReqID: 1})
	assert.Equal(t, broker.TagDuplex, req.Tag)
	require.NotNil(t, req.Duplex)
	assert.True(t, req.Duplex.IsRequest)
	assert.Nil(t, req.MetricsEngine)

	resp := c.envelopeResponse(broker.AsyncResponse{ReqID: 2})
	assert.Equal(t, broker.TagDuplex, resp.Tag)
	require.NotNil(t, resp.Duplex)
	assert.False(t, resp.Duplex.IsRequest)
}

func TestDeliverMatchesPendingRequest(t *testing.T) {
	c := NewClient(ClientConfig{}, nil, log.NewNopLogger())

	ch := make(chan broker.AsyncResponse, 1)
	c.mu.Lock()
	c.pending[7] = ch
	c.mu.Unlock()

	c.deliver(broker.AsyncResponse{ReqID: 7})
	select {
	case resp := <-ch:
		assert.Equal(t, uint64(7), resp.ReqID)
	default:
		t.Fatal("response not delivered")
	}

	// A response for an abandoned req_id is dropped, not queued.
	c.deliver(broker.AsyncResponse{ReqID: 7})
	c.mu.Lock()
	assert.Empty(t, c.pending)
	c.mu.Unlock()
}

func TestAbandonForgetsRequest(t *testing.T) {
	c := NewClient(ClientConfig{}, nil, log.NewNopLogger())
	c.mu.Lock()
	c.pending[3] = make(chan broker.AsyncResponse, 1)
	c.mu.Unlock()
	c.abandon(3)
	c.mu.Lock()
	assert.Empty(t, c.pending)
	c.mu.Unlock()
}
