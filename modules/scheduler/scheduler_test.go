package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/metrics"
)

func newTestScheduler() (*Scheduler, chan metrics.Table) {
	sink := make(chan metrics.Table, 16)
	s := New(etc.NewManager(), plugin.NewManager(nil, log.NewNopLogger()), sink, log.NewNopLogger())
	return s, sink
}

func TestUpdateConfigSpawnsAndStops(t *testing.T) {
	s, _ := newTestScheduler()
	key := TaskKey{Host: "switch-1", MPID: "unknown-mp"}

	s.UpdateConfig([]TaskConfig{{Key: key, Period: 50 * time.Millisecond}})
	s.mu.Lock()
	_, ok := s.runners[key]
	s.mu.Unlock()
	require.True(t, ok)

	s.UpdateConfig(nil)
	s.mu.Lock()
	_, ok = s.runners[key]
	s.mu.Unlock()
	assert.False(t, ok)
}

func TestUpdateConfigPreservesLivenessInPlace(t *testing.T) {
	s, _ := newTestScheduler()
	key := TaskKey{Host: "switch-1", MPID: "unknown-mp"}

	s.UpdateConfig([]TaskConfig{{Key: key, Period: 50 * time.Millisecond}})
	s.mu.Lock()
	first := s.runners[key]
	s.mu.Unlock()

	s.UpdateConfig([]TaskConfig{{Key: key, Period: 50 * time.Millisecond, TableFilter: []string{"interfaces"}}})
	s.mu.Lock()
	second := s.runners[key]
	s.mu.Unlock()

	assert.Same(t, first, second, "same-period update should reuse the existing runner")

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestSchedulerShutdownStopsAllRunners(t *testing.T) {
	s, _ := newTestScheduler()
	s.UpdateConfig([]TaskConfig{
		{Key: TaskKey{Host: "a", MPID: "mp"}, Period: 20 * time.Millisecond},
		{Key: TaskKey{Host: "b", MPID: "mp"}, Period: 20 * time.Millisecond},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
	assert.Empty(t, s.runners)
}
