package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hdds-platform/hdds/internal/slab"
)

func TestPushPopRoundTrip(t *testing.T) {
	r := New(8)

	in := Entry{Seq: 42, Handle: slab.Handle(7), Len: 128, TimestampNS: 99}
	require.True(t, r.Push(in))

	out, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, in.Seq, out.Seq)
	assert.Equal(t, in.Handle, out.Handle)
	assert.Equal(t, in.Len, out.Len)
	assert.True(t, out.IsCommitted())
}

func TestCapacityRoundedToPowerOfTwo(t *testing.T) {
	r := New(5)
	assert.Equal(t, 8, r.Capacity())
}

func TestPopEmpty(t *testing.T) {
	r := New(4)
	_, ok := r.Pop()
	assert.False(t, ok)
}

func TestPushFull(t *testing.T) {
	r := New(4)
	pushed := 0
	for i := 0; i < 16; i++ {
		if r.Push(Entry{Seq: uint32(i)}) {
			pushed++
		}
	}
	// One slot stays unused to distinguish full from empty.
	assert.Equal(t, 3, pushed)

	_, ok := r.Pop()
	require.True(t, ok)
	assert.True(t, r.Push(Entry{Seq: 100}))
}

func TestFIFOOrder(t *testing.T) {
	r := New(16)
	for i := uint32(1); i <= 10; i++ {
		require.True(t, r.Push(Entry{Seq: i}))
	}
	for i := uint32(1); i <= 10; i++ {
		e, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, i, e.Seq)
	}
}

func TestSPSCConcurrent(t *testing.T) {
	const total = 100_000
	r := New(1024)

	var g errgroup.Group
	g.Go(func() error {
		for i := uint32(1); i <= total; {
			if r.Push(Entry{Seq: i, Len: i}) {
				i++
			}
		}
		return nil
	})

	var received []uint32
	g.Go(func() error {
		for len(received) < total {
			if e, ok := r.Pop(); ok {
				received = append(received, e.Seq)
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	require.Len(t, received, total)
	for i, seq := range received {
		require.Equal(t, uint32(i+1), seq)
	}
}
