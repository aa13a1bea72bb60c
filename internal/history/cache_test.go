package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdds-platform/hdds/internal/slab"
)

func newTestPool(t *testing.T) *slab.Pool {
	t.Helper()
	p, err := slab.NewPool(32, 64)
	require.NoError(t, err)
	return p
}

func insert(t *testing.T, c *Cache, pool *slab.Pool, seq int64) {
	t.Helper()
	h, err := pool.AllocCopy([]byte{byte(seq)})
	require.NoError(t, err)
	require.NoError(t, c.Insert(seq, h, 1, time.Now()))
}

func TestKeepLastEvictsOldest(t *testing.T) {
	pool := newTestPool(t)
	c := New(pool, Config{Depth: 3})

	for seq := int64(1); seq <= 5; seq++ {
		insert(t, c, pool, seq)
	}
	assert.Equal(t, 3, c.Len())
	first, last := c.Bounds()
	assert.Equal(t, int64(3), first)
	assert.Equal(t, int64(5), last)
}

func TestReliableKeepAllBlocksOnUnacked(t *testing.T) {
	pool := newTestPool(t)
	c := New(pool, Config{Reliable: true, MaxSamples: 2})
	c.AckUpTo("reader-1", 0)

	insert(t, c, pool, 1)
	insert(t, c, pool, 2)

	h, err := pool.AllocCopy([]byte{3})
	require.NoError(t, err)
	require.ErrorIs(t, c.Insert(3, h, 1, time.Now()), ErrFull)
	pool.Release(h)

	// Acks advance the floor and free room.
	c.AckUpTo("reader-1", 1)
	insert(t, c, pool, 3)
	assert.Equal(t, 2, c.Len())
}

func TestAckFloorIsMinimumAcrossReaders(t *testing.T) {
	pool := newTestPool(t)
	c := New(pool, Config{Reliable: true})
	c.AckUpTo("a", 10)
	c.AckUpTo("b", 4)
	assert.Equal(t, int64(4), c.AckFloor())

	c.ForgetReader("b")
	assert.Equal(t, int64(10), c.AckFloor())
}

func TestRangeAndGetAll(t *testing.T) {
	pool := newTestPool(t)
	c := New(pool, Config{Depth: 10})
	for seq := int64(1); seq <= 6; seq++ {
		insert(t, c, pool, seq)
	}
	got := c.Range(2, 4)
	require.Len(t, got, 3)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, int64(4), got[2].Seq)

	all := c.GetAllSamples()
	require.Len(t, all, 6)
	for i, s := range all {
		assert.Equal(t, int64(i+1), s.Seq)
	}
}

func TestLifespanSweep(t *testing.T) {
	pool := newTestPool(t)
	c := New(pool, Config{Depth: 10, Lifespan: 10 * time.Millisecond})
	insert(t, c, pool, 1)

	expired := c.SweepLifespan(time.Now().Add(time.Second))
	assert.Equal(t, []int64{1}, expired)
	assert.Equal(t, 0, c.Len())
}

func TestEvictionReleasesSlabReferences(t *testing.T) {
	pool, err := slab.NewPool(2, 16)
	require.NoError(t, err)
	c := New(pool, Config{Depth: 1})

	for seq := int64(1); seq <= 4; seq++ {
		h, err := pool.AllocCopy([]byte{byte(seq)})
		require.NoError(t, err)
		require.NoError(t, c.Insert(seq, h, 1, time.Now()))
	}
	assert.Equal(t, 1, c.Len())
}
