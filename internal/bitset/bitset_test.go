package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTestClear(t *testing.T) {
	var m Bitmap256
	assert.True(t, m.Empty())

	m.Set(0)
	m.Set(63)
	m.Set(64)
	m.Set(255)
	assert.True(t, m.Test(0))
	assert.True(t, m.Test(63))
	assert.True(t, m.Test(64))
	assert.True(t, m.Test(255))
	assert.False(t, m.Test(1))
	assert.Equal(t, uint(4), m.Count())

	m.Clear(64)
	assert.False(t, m.Test(64))
	assert.Equal(t, uint(3), m.Count())
}

func TestHighest(t *testing.T) {
	var m Bitmap256
	_, ok := m.Highest()
	assert.False(t, ok)

	m.Set(3)
	m.Set(130)
	hi, ok := m.Highest()
	require.True(t, ok)
	assert.Equal(t, uint32(130), hi)
}

func TestAsSliceOrdering(t *testing.T) {
	var m Bitmap256
	for _, idx := range []uint32{200, 5, 64, 0} {
		m.Set(idx)
	}
	assert.Equal(t, []uint32{0, 5, 64, 200}, m.AsSlice())
}

func TestWireWordsRoundTrip(t *testing.T) {
	var m Bitmap256
	m.Set(0)
	m.Set(2)
	m.Set(33)
	m.Set(255)

	words := m.Words32()
	// RTPS layout: bit N maps to bit (31 - N%32) of word N/32.
	assert.Equal(t, uint32(1<<31|1<<29), words[0])
	assert.Equal(t, uint32(1<<30), words[1])

	back := FromWords32(words[:], 256)
	assert.Equal(t, m.AsSlice(), back.AsSlice())
}

func TestFromWords32RespectsNumBits(t *testing.T) {
	words := []uint32{0xffffffff}
	m := FromWords32(words, 4)
	assert.Equal(t, []uint32{0, 1, 2, 3}, m.AsSlice())
}
