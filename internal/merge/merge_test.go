package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdds-platform/hdds/internal/history"
	"github.com/hdds-platform/hdds/internal/ring"
	"github.com/hdds-platform/hdds/internal/slab"
)

func newPool(t *testing.T) *slab.Pool {
	t.Helper()
	p, err := slab.NewPool(32, 64)
	require.NoError(t, err)
	return p
}

func TestFanOutToAllReaders(t *testing.T) {
	pool := newPool(t)
	m := New(pool)

	r1 := NewReader(ring.New(8), nil)
	r2 := NewReader(ring.New(8), nil)
	require.True(t, m.AddReader(r1))
	require.True(t, m.AddReader(r2))

	h, err := pool.AllocCopy([]byte("sample"))
	require.NoError(t, err)
	delivered := m.Push(ring.Entry{Seq: 1, Handle: h, Len: 6})
	assert.Equal(t, 2, delivered)

	for _, r := range []*Reader{r1, r2} {
		e, ok := r.Ring().Pop()
		require.True(t, ok)
		assert.Equal(t, uint32(1), e.Seq)
		pool.Release(e.Handle)
	}
	pool.Release(h)
	// All references dropped: the slab is reclaimable.
	assert.Equal(t, int32(0), pool.RefCount(h))
}

func TestDuplicateAddReaderIsNoOp(t *testing.T) {
	pool := newPool(t)
	m := New(pool)
	rg := ring.New(8)
	require.True(t, m.AddReader(NewReader(rg, nil)))
	assert.False(t, m.AddReader(NewReader(rg, nil)))
	assert.Equal(t, 1, m.Readers())
}

func TestFullReaderDoesNotStopOthers(t *testing.T) {
	pool := newPool(t)
	m := New(pool)

	full := NewReader(ring.New(2), nil)
	ok := NewReader(ring.New(64), nil)
	m.AddReader(full)
	m.AddReader(ok)

	for seq := uint32(1); seq <= 5; seq++ {
		h, err := pool.AllocCopy([]byte{byte(seq)})
		require.NoError(t, err)
		m.Push(ring.Entry{Seq: seq, Handle: h, Len: 1})
		pool.Release(h)
	}
	assert.Equal(t, 5, ok.Ring().Len())
	assert.Equal(t, uint64(4), full.Lost())
}

func TestNotifyCallbackFires(t *testing.T) {
	pool := newPool(t)
	m := New(pool)
	notified := 0
	r := NewReader(ring.New(8), func() { notified++ })
	m.AddReader(r)

	h, err := pool.AllocCopy([]byte("x"))
	require.NoError(t, err)
	m.Push(ring.Entry{Seq: 1, Handle: h, Len: 1})
	pool.Release(h)
	assert.Equal(t, 1, notified)
}

// Late joiners receive the retained history before any live samples.
func TestLateJoinerReplay(t *testing.T) {
	pool := newPool(t)
	cache := history.New(pool, history.Config{Depth: 3})
	m := WithHistory(pool, cache)

	for seq := int64(1); seq <= 5; seq++ {
		h, err := pool.AllocCopy([]byte{byte(seq)})
		require.NoError(t, err)
		require.NoError(t, cache.Insert(seq, h, 1, time.Now()))
	}

	r := NewReader(ring.New(16), nil)
	require.True(t, m.AddReader(r))

	// min(N, k) = 3 retained samples, in sequence order.
	var seqs []uint32
	for {
		e, ok := r.Ring().Pop()
		if !ok {
			break
		}
		seqs = append(seqs, e.Seq)
		pool.Release(e.Handle)
	}
	assert.Equal(t, []uint32{3, 4, 5}, seqs)
}

func TestMarkGonePrunesLazily(t *testing.T) {
	pool := newPool(t)
	m := New(pool)
	r := NewReader(ring.New(8), nil)
	m.AddReader(r)
	m.MarkGone(r)

	h, err := pool.AllocCopy([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Push(ring.Entry{Seq: 1, Handle: h, Len: 1}))
	pool.Release(h)
	assert.Equal(t, 0, m.Readers())
}
