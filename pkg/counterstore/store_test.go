package counterstore

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/northbeacon/agent/pkg/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstObservationPending(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "counters.json"))
	require.NoError(t, err)
	_, err = s.Update("k", 100, time.Now(), 1<<32)
	require.Error(t, err)
	de, ok := err.(*value.DataError)
	require.True(t, ok)
	assert.Equal(t, value.ErrCounterPending, de.Kind)
}

func TestCounterRate(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "counters.json"))
	require.NoError(t, err)
	t0 := time.Now()
	_, err = s.Update("c", 100, t0, 1<<32)
	require.Error(t, err)
	rate, err := s.Update("c", 160, t0.Add(10*time.Second), 1<<32)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, rate, 1e-9)
}

func TestIdempotentSampleYieldsZeroRate(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "counters.json"))
	require.NoError(t, err)
	t0 := time.Now()
	_, err = s.Update("c", 100, t0, 1<<32)
	require.Error(t, err)
	rate, err := s.Update("c", 100, t0, 1<<32)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rate)
}

func TestWraparound(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "counters.json"))
	require.NoError(t, err)
	modulus := math.Pow(2, 32)
	t0 := time.Now()
	_, err = s.Update("w", modulus-10, t0, modulus)
	require.Error(t, err)
	rate, err := s.Update("w", 10, t0.Add(10*time.Second), modulus)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, rate, 1e-9)
}

func TestImplausibleDecreaseOverflows(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "counters.json"))
	require.NoError(t, err)
	modulus := math.Pow(2, 32)
	t0 := time.Now()
	_, err = s.Update("o", 1000, t0, modulus)
	require.Error(t, err)
	_, err = s.Update("o", 1, t0.Add(time.Millisecond), modulus)
	require.Error(t, err)
	de, ok := err.(*value.DataError)
	require.True(t, ok)
	assert.Equal(t, value.ErrCounterOverflow, de.Kind)
}

func TestFlushPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "counters.json")
	s, err := Open(path)
	require.NoError(t, err)
	t0 := time.Now()
	_, _ = s.Update("k", 42, t0, 0)
	require.NoError(t, s.Flush())

	s2, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 1, s2.Len())
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counters.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}
