// Package merge implements the fan-out point between a writer and its
// matched in-process readers: every committed index entry is cloned into
// each registered reader ring.
package merge

import (
	"sync"
	"sync/atomic"

	"github.com/hdds-platform/hdds/internal/history"
	"github.com/hdds-platform/hdds/internal/ring"
	"github.com/hdds-platform/hdds/internal/slab"
)

// Reader is one registration in a Merger. The notify callback runs after a
// successful push so the reader's status condition can wake waitsets
// without polling.
type Reader struct {
	ring   *ring.Ring
	notify func()

	lost atomic.Uint64
}

// NewReader wraps a reader ring with its data-available callback.
func NewReader(r *ring.Ring, notify func()) *Reader {
	if notify == nil {
		notify = func() {}
	}
	return &Reader{ring: r, notify: notify}
}

// Ring returns the underlying ring.
func (r *Reader) Ring() *ring.Ring { return r.ring }

// Lost returns the number of entries dropped because the ring was full.
func (r *Reader) Lost() uint64 { return r.lost.Load() }

// Merger fans out index entries from one writer to N reader rings.
//
// The reader list is read-locked in the hot path; registration takes the
// write lock briefly. A failed push to one reader never stops delivery to
// the others.
type Merger struct {
	mu      sync.RWMutex
	readers []*Reader
	gone    map[*Reader]bool

	pool *slab.Pool

	// Durability state: replay source for late-joining readers.
	cache *history.Cache
}

// New creates a merger without durability replay.
func New(pool *slab.Pool) *Merger {
	return &Merger{pool: pool, gone: make(map[*Reader]bool)}
}

// WithHistory creates a merger that replays the cache's retained samples to
// every late-joining reader before registering it for live pushes.
func WithHistory(pool *slab.Pool, cache *history.Cache) *Merger {
	m := New(pool)
	m.cache = cache
	return m
}

// AddReader registers a reader. Duplicate registration of the same ring is
// a no-op; the return value reports whether the reader was newly added.
func (m *Merger) AddReader(r *Reader) bool {
	m.mu.Lock()
	for _, existing := range m.readers {
		if existing.ring == r.ring {
			m.mu.Unlock()
			return false
		}
	}
	m.mu.Unlock()

	// Snapshot history before registration so replay precedes any live
	// push and per-writer order is preserved without holding the lock
	// during fan-out.
	if m.cache != nil {
		for _, s := range m.cache.GetAllSamples() {
			m.pool.Retain(s.Handle)
			e := ring.Entry{Seq: uint32(s.Seq), Handle: s.Handle, Len: uint32(s.Size)}
			if r.ring.Push(e) {
				r.notify()
			} else {
				m.pool.Release(s.Handle)
				r.lost.Add(1)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.readers {
		if existing.ring == r.ring {
			return false
		}
	}
	m.readers = append(m.readers, r)
	return true
}

// RemoveReader drops a registration. Entries already in the reader's ring
// stay there; the reader releases them as it drains.
func (m *Merger) RemoveReader(r *Reader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.readers {
		if existing == r || existing.ring == r.ring {
			m.readers = append(m.readers[:i], m.readers[i+1:]...)
			return
		}
	}
}

// MarkGone flags a reader for lazy cleanup at the next push.
func (m *Merger) MarkGone(r *Reader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gone[r] = true
}

// Readers returns the current registration count.
func (m *Merger) Readers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.readers)
}

// Push clones the entry into every registered reader ring. Each successful
// clone retains the slab handle once; the reader releases it after take.
// Returns the number of readers that accepted the entry.
func (m *Merger) Push(e ring.Entry) int {
	m.mu.RLock()
	pruned := false
	delivered := 0
	for _, r := range m.readers {
		if m.gone[r] {
			pruned = true
			continue
		}
		m.pool.Retain(e.Handle)
		if r.ring.Push(e) {
			delivered++
			r.notify()
		} else {
			m.pool.Release(e.Handle)
			r.lost.Add(1)
		}
	}
	m.mu.RUnlock()

	if pruned {
		m.prune()
	}
	return delivered
}

func (m *Merger) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.readers[:0]
	for _, r := range m.readers {
		if !m.gone[r] {
			kept = append(kept, r)
		} else {
			delete(m.gone, r)
		}
	}
	m.readers = kept
}
