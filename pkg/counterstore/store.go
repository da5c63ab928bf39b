// Package counterstore implements the disk-backed counter database
// that turns monotone protocol counters into per-second rates. A
// Store is safe for concurrent use and is flushed to disk with a
// write-temp-then-rename so a crash mid-write never corrupts the
// previous state, following the write-new-then-rename convention used
// throughout the local storage backend this agent's config watcher
// also relies on. Rate and wraparound semantics follow the counter
// arithmetic described alongside the SNMP scalar decoder.
package counterstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/northbeacon/agent/pkg/value"
)

// entry is the on-disk representation of one counter's last observed
// sample.
type entry struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is a persistent key -> last-sample map. Keys are caller
// composed, typically "(protocol, table, index, field)" tuples
// rendered to a single string.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]entry
}

// Open loads path if it exists and parses as valid JSON; a missing or
// corrupt file starts the store empty rather than failing, per spec
// §9 ("Implementations must tolerate corruption by starting from
// empty").
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]entry{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, nil
	}
	var loaded map[string]entry
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return s, nil
	}
	s.data = loaded
	return s, nil
}

// Flush persists the current in-memory state to disk atomically: the
// new snapshot is written to a sibling ".new" file and renamed over
// the original, so a reader never observes a partial write.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("counterstore: marshal: %w", err)
	}
	tmp := s.path + ".new"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("counterstore: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("counterstore: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("counterstore: rename: %w", err)
	}
	return nil
}

// maxPlausibleWrapFactor bounds the accepted post-wraparound rate as a
// multiple of modulus-per-second: a counter cannot plausibly traverse
// its entire range more than this many times per second, so a larger
// apparent rate means the decrease was a real reset rather than a
// wraparound.
const maxPlausibleWrapFactor = 1

// Update records a new observation of the counter at key and returns
// the derived per-second rate, or a DataError (CounterPending on
// first observation, CounterOverflow on an implausible decrease).
// modulus is the counter's wraparound width (e.g.
// 1<<32 for Counter32, 1<<64 for Counter64); pass 0 to disable
// wraparound handling (non-wrapping gauges fed through the same
// store).
func (s *Store) Update(key string, sample float64, at time.Time, modulus float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data[key]
	s.data[key] = entry{Value: sample, Timestamp: at}
	if !ok {
		return 0, value.CounterPending()
	}

	dt := at.Sub(prev.Timestamp).Seconds()
	if dt == 0 {
		if sample == prev.Value {
			return 0, nil
		}
		return 0, value.CounterPending()
	}
	if dt < 0 {
		return 0, value.CounterPending()
	}

	dv := sample - prev.Value
	if dv >= 0 {
		return dv / dt, nil
	}
	if modulus <= 0 {
		return 0, value.CounterOverflow()
	}
	wrapped := dv + modulus
	if wrapped < 0 {
		return 0, value.CounterOverflow()
	}
	rate := wrapped / dt
	if rate > modulus*maxPlausibleWrapFactor {
		return 0, value.CounterOverflow()
	}
	return rate, nil
}

// Delete removes a counter key, used when a protocol table row
// disappears between scheduler runs so a stale reference value never
// resurfaces as a bogus rate if the index is reused.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Len reports the number of tracked counter keys, used in tests and
// diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
