// Package history implements the writer-side sample cache backing the
// reliable protocol and TRANSIENT_LOCAL durability.
package history

import (
	"errors"
	"sync"
	"time"

	"github.com/hdds-platform/hdds/internal/slab"
)

// ErrFull is returned by Insert when the cache is at capacity and no sample
// may be evicted (RELIABLE + KEEP_ALL with unacked samples).
var ErrFull = errors.New("history cache full: oldest sample not acknowledged")

// Sample is one cached sample reference.
type Sample struct {
	Seq      int64
	Handle   slab.Handle
	Size     int
	SourceTS time.Time
}

type entry struct {
	handle   slab.Handle
	size     int
	inserted time.Time
	sourceTS time.Time
}

// Config controls retention.
type Config struct {
	// Depth is the KEEP_LAST depth; zero means KEEP_ALL.
	Depth int
	// MaxSamples bounds the cache under KEEP_ALL.
	MaxSamples int
	// Reliable forbids evicting unacknowledged samples.
	Reliable bool
	// Lifespan expires samples by age; zero disables the sweep.
	Lifespan time.Duration
}

// Cache is an ordered map of writer sequence numbers to cached payloads.
//
// The cache owns one slab reference per retained sample and releases it on
// eviction. All methods are safe for concurrent use; contention is
// per-writer.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	pool    *slab.Pool
	samples map[int64]entry
	first   int64 // lowest retained seq, 0 when empty
	last    int64 // highest retained seq, 0 when empty
	acks    map[string]int64 // reader key -> highest contiguous acked seq

	evicted uint64
}

// New creates an empty cache. The pool is used to release evicted handles.
func New(pool *slab.Pool, cfg Config) *Cache {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 4096
	}
	if cfg.Depth > cfg.MaxSamples {
		cfg.MaxSamples = cfg.Depth
	}
	return &Cache{
		cfg:     cfg,
		pool:    pool,
		samples: make(map[int64]entry),
		acks:    make(map[string]int64),
	}
}

// Len returns the number of retained samples.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Bounds returns the lowest and highest retained sequence numbers. Both are
// zero when the cache is empty.
func (c *Cache) Bounds() (first, last int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.first, c.last
}

// Evicted returns how many samples were evicted before acknowledgment.
func (c *Cache) Evicted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// Insert retains one sample. The cache takes over one slab reference for
// the handle; on error the reference still belongs to the caller.
func (c *Cache) Insert(seq int64, handle slab.Handle, size int, sourceTS time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := c.cfg.MaxSamples
	if c.cfg.Depth > 0 && c.cfg.Depth < limit {
		limit = c.cfg.Depth
	}
	for len(c.samples) >= limit {
		if !c.evictOldestLocked() {
			return ErrFull
		}
	}

	c.samples[seq] = entry{handle: handle, size: size, inserted: time.Now(), sourceTS: sourceTS}
	if c.first == 0 || seq < c.first {
		c.first = seq
	}
	if seq > c.last {
		c.last = seq
	}
	return nil
}

// Get returns the sample with the given sequence number.
func (c *Cache) Get(seq int64) (Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.samples[seq]
	if !ok {
		return Sample{}, false
	}
	return Sample{Seq: seq, Handle: e.handle, Size: e.size, SourceTS: e.sourceTS}, true
}

// Range returns retained samples with lo <= seq <= hi in sequence order.
func (c *Cache) Range(lo, hi int64) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Sample
	for seq := lo; seq <= hi; seq++ {
		if e, ok := c.samples[seq]; ok {
			out = append(out, Sample{Seq: seq, Handle: e.handle, Size: e.size, SourceTS: e.sourceTS})
		}
	}
	return out
}

// GetAllSamples returns every retained sample in sequence order. Used for
// durability replay to late-joining readers.
func (c *Cache) GetAllSamples() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) == 0 {
		return nil
	}
	return c.rangeLocked(c.first, c.last)
}

// AckUpTo records that the reader has acknowledged every sequence number
// up to and including seq. Eviction advances once all registered readers
// have acked.
func (c *Cache) AckUpTo(reader string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.acks[reader]; !ok || seq > cur {
		c.acks[reader] = seq
	}
}

// ForgetReader removes a departed reader from ack tracking so it no longer
// pins the eviction floor.
func (c *Cache) ForgetReader(reader string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.acks, reader)
}

// AckFloor returns the highest sequence number acknowledged by every
// tracked reader, or the cache's last seq when no reader is tracked.
func (c *Cache) AckFloor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ackFloorLocked()
}

// SweepLifespan evicts samples older than the configured lifespan and
// returns their sequence numbers.
func (c *Cache) SweepLifespan(now time.Time) []int64 {
	if c.cfg.Lifespan <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []int64
	for seq, e := range c.samples {
		if now.Sub(e.inserted) > c.cfg.Lifespan {
			expired = append(expired, seq)
		}
	}
	for _, seq := range expired {
		c.removeLocked(seq)
	}
	return expired
}

// Clear releases every retained sample.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for seq := range c.samples {
		c.removeLocked(seq)
	}
	c.first, c.last = 0, 0
}

func (c *Cache) rangeLocked(lo, hi int64) []Sample {
	var out []Sample
	for seq := lo; seq <= hi; seq++ {
		if e, ok := c.samples[seq]; ok {
			out = append(out, Sample{Seq: seq, Handle: e.handle, Size: e.size, SourceTS: e.sourceTS})
		}
	}
	return out
}

func (c *Cache) ackFloorLocked() int64 {
	if len(c.acks) == 0 {
		return c.last
	}
	floor := int64(-1)
	for _, seq := range c.acks {
		if floor < 0 || seq < floor {
			floor = seq
		}
	}
	return floor
}

// evictOldestLocked removes the lowest retained seq if policy allows.
func (c *Cache) evictOldestLocked() bool {
	if len(c.samples) == 0 {
		return false
	}
	oldest := c.oldestLocked()
	if c.cfg.Reliable && c.cfg.Depth == 0 {
		// KEEP_ALL: only acked samples may go.
		if oldest > c.ackFloorLocked() {
			return false
		}
	}
	if c.cfg.Reliable && oldest > c.ackFloorLocked() {
		c.evicted++
	}
	c.removeLocked(oldest)
	return true
}

func (c *Cache) oldestLocked() int64 {
	oldest := int64(-1)
	for seq := range c.samples {
		if oldest < 0 || seq < oldest {
			oldest = seq
		}
	}
	return oldest
}

func (c *Cache) removeLocked(seq int64) {
	e, ok := c.samples[seq]
	if !ok {
		return
	}
	delete(c.samples, seq)
	c.pool.Release(e.handle)
	if len(c.samples) == 0 {
		c.first, c.last = 0, 0
		return
	}
	if seq == c.first {
		for s := seq + 1; s <= c.last; s++ {
			if _, ok := c.samples[s]; ok {
				c.first = s
				break
			}
		}
	}
	if seq == c.last {
		for s := seq - 1; s >= c.first; s-- {
			if _, ok := c.samples[s]; ok {
				c.last = s
				break
			}
		}
	}
}
