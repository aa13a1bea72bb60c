// Package slab implements the pre-allocated payload buffer pool shared by
// writers and readers. Buffers are fixed capacity and identified by opaque
// handles; a buffer is reclaimed when the last handle reference is released.
package slab

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrExhausted is returned by Alloc when every buffer is in use.
var ErrExhausted = errors.New("slab pool exhausted")

// Handle identifies one slab buffer. Handles are plain indices so they can
// travel through index rings and shared structures without pointers.
type Handle uint32

const invalidHandle = ^Handle(0)

// Pool is a fixed set of equal-capacity payload buffers with a lock-free
// freelist and per-buffer reference counts.
//
// Alloc and Release may be called concurrently from any number of
// goroutines.
type Pool struct {
	slabSize int
	data     []byte
	refs     []atomic.Int32
	lens     []atomic.Uint32

	// Freelist is a Treiber-style ring of free indices: head/tail on a
	// power-of-two slot array, MPMC via per-slot sequence numbers.
	free     []freeSlot
	freeMask uint64
	head     atomic.Uint64
	tail     atomic.Uint64

	exhausted atomic.Uint64
}

type freeSlot struct {
	seq atomic.Uint64
	val uint32
}

// NewPool creates a pool of count buffers of slabSize bytes each.
func NewPool(count, slabSize int) (*Pool, error) {
	if count <= 0 || slabSize <= 0 {
		return nil, fmt.Errorf("invalid pool geometry: count=%d slab_size=%d", count, slabSize)
	}

	capRounded := 1
	for capRounded < count+1 {
		capRounded <<= 1
	}

	p := &Pool{
		slabSize: slabSize,
		data:     make([]byte, count*slabSize),
		refs:     make([]atomic.Int32, count),
		lens:     make([]atomic.Uint32, count),
		free:     make([]freeSlot, capRounded),
		freeMask: uint64(capRounded - 1),
	}
	for i := range p.free {
		p.free[i].seq.Store(uint64(i))
	}
	for i := 0; i < count; i++ {
		p.enqueueFree(uint32(i))
	}
	return p, nil
}

// SlabSize returns the capacity of each buffer.
func (p *Pool) SlabSize() int { return p.slabSize }

// Capacity returns the number of buffers in the pool.
func (p *Pool) Capacity() int { return len(p.refs) }

// Exhausted returns how many Alloc calls failed for lack of buffers.
func (p *Pool) Exhausted() uint64 { return p.exhausted.Load() }

// Alloc acquires a free buffer with reference count one.
func (p *Pool) Alloc() (Handle, error) {
	idx, ok := p.dequeueFree()
	if !ok {
		p.exhausted.Add(1)
		return invalidHandle, ErrExhausted
	}
	p.refs[idx].Store(1)
	p.lens[idx].Store(0)
	return Handle(idx), nil
}

// AllocCopy acquires a buffer and copies payload into it.
func (p *Pool) AllocCopy(payload []byte) (Handle, error) {
	if len(payload) > p.slabSize {
		return invalidHandle, fmt.Errorf("payload %d bytes exceeds slab capacity %d", len(payload), p.slabSize)
	}
	h, err := p.Alloc()
	if err != nil {
		return invalidHandle, err
	}
	copy(p.buf(h), payload)
	p.lens[h].Store(uint32(len(payload)))
	return h, nil
}

// Get returns the full buffer backing the handle.
func (p *Pool) Get(h Handle) []byte {
	return p.buf(h)
}

// Bytes returns the written prefix of the buffer (the length recorded by
// AllocCopy or SetLen).
func (p *Pool) Bytes(h Handle) []byte {
	return p.buf(h)[:p.lens[h].Load()]
}

// SetLen records how many bytes of the buffer are valid.
func (p *Pool) SetLen(h Handle, n int) {
	if n < 0 || n > p.slabSize {
		panic(fmt.Sprintf("slab length %d out of range [0, %d]", n, p.slabSize))
	}
	p.lens[h].Store(uint32(n))
}

// Len returns the recorded valid length of the buffer.
func (p *Pool) Len(h Handle) int {
	return int(p.lens[h].Load())
}

// Retain increments the handle's reference count. Every holder that clones
// a handle into another ring or cache must retain it.
func (p *Pool) Retain(h Handle) {
	if p.refs[h].Add(1) <= 1 {
		panic(fmt.Sprintf("retain of free slab handle %d", h))
	}
}

// Release drops one reference; the buffer returns to the freelist when the
// count reaches zero.
func (p *Pool) Release(h Handle) {
	n := p.refs[h].Add(-1)
	switch {
	case n == 0:
		p.enqueueFree(uint32(h))
	case n < 0:
		panic(fmt.Sprintf("release of free slab handle %d", h))
	}
}

// RefCount returns the current reference count, for diagnostics.
func (p *Pool) RefCount(h Handle) int32 {
	return p.refs[h].Load()
}

func (p *Pool) buf(h Handle) []byte {
	off := int(h) * p.slabSize
	return p.data[off : off+p.slabSize]
}

func (p *Pool) enqueueFree(idx uint32) {
	for {
		tail := p.tail.Load()
		slot := &p.free[tail&p.freeMask]
		seq := slot.seq.Load()
		switch {
		case seq == tail:
			if p.tail.CompareAndSwap(tail, tail+1) {
				slot.val = idx
				slot.seq.Store(tail + 1)
				return
			}
		case seq < tail:
			// Queue full: cannot happen, capacity exceeds pool size.
			panic("slab freelist overflow")
		}
	}
}

func (p *Pool) dequeueFree() (uint32, bool) {
	for {
		head := p.head.Load()
		slot := &p.free[head&p.freeMask]
		seq := slot.seq.Load()
		switch {
		case seq == head+1:
			if p.head.CompareAndSwap(head, head+1) {
				val := slot.val
				slot.seq.Store(head + p.freeMask + 1)
				return val, true
			}
		case seq <= head:
			return 0, false
		}
	}
}
