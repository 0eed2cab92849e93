// Package ledger remembers particles which reached a terminal state so that
// a re-delivery is recognised until the particle deadline. Callers choose
// how long past the deadline an entry is kept.
package ledger

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/raskyld/particula/pkg/particle"
)

const DefaultMemorySize = 1 << 16

// Ledger records terminal particles keyed by `(origin, id)`.
type Ledger interface {
	// Record stores `state` for `key` until `until`, replacing any previous
	// entry.
	Record(ctx context.Context, key particle.Key, state particle.State, until time.Time) error

	// Lookup returns the state recorded for `key`, if any.
	Lookup(ctx context.Context, key particle.Key) (particle.State, bool, error)
}

type entry struct {
	state particle.State
	until time.Time
}

// Memory is a bounded in-memory ledger. When full, the least recently used
// entries are evicted even if their particle has not expired yet.
type Memory struct {
	mu    sync.Mutex
	cache *lru.Cache
	now   func() time.Time
}

func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Memory{cache: cache, now: time.Now}, nil
}

func (m *Memory) Record(_ context.Context, key particle.Key, state particle.State, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.now().Before(until) {
		// already past its deadline, nothing can re-deliver it.
		m.cache.Remove(key)
		return nil
	}
	m.cache.Add(key, entry{state: state, until: until})
	return nil
}

func (m *Memory) Lookup(_ context.Context, key particle.Key) (particle.State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(key)
	if !ok {
		return particle.StateUnknown, false, nil
	}
	e := v.(entry)
	if !m.now().Before(e.until) {
		m.cache.Remove(key)
		return particle.StateUnknown, false, nil
	}
	return e.state, true, nil
}

func (m *Memory) Len() int {
	return m.cache.Len()
}
