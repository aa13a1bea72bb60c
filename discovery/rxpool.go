package discovery

import (
	"sync/atomic"
)

// RxPool is the listener's pre-allocated receive-buffer pool: the UDP
// listener acquires a buffer per packet, the FSM worker releases it after
// processing. Exhaustion is counted, never fatal — the listener drops the
// packet and discovery retries on the next announcement period.
type RxPool struct {
	buffers [][]byte
	free    chan int
	exhausted atomic.Uint64
}

// NewRxPool pre-allocates capacity buffers of bufferSize bytes (MTU).
func NewRxPool(capacity, bufferSize int) *RxPool {
	p := &RxPool{
		buffers: make([][]byte, capacity),
		free:    make(chan int, capacity),
	}
	for i := range p.buffers {
		p.buffers[i] = make([]byte, bufferSize)
		p.free <- i
	}
	return p
}

// Capacity returns the total buffer count.
func (p *RxPool) Capacity() int { return len(p.buffers) }

// Available returns the current free buffer count.
func (p *RxPool) Available() int { return len(p.free) }

// Exhausted returns how many acquires failed with no free buffer.
func (p *RxPool) Exhausted() uint64 { return p.exhausted.Load() }

// Acquire takes a free buffer, or returns (-1, nil) when the pool is
// empty.
func (p *RxPool) Acquire() (int, []byte) {
	select {
	case id := <-p.free:
		return id, p.buffers[id]
	default:
		p.exhausted.Add(1)
		return -1, nil
	}
}

// Release returns a buffer to the pool.
func (p *RxPool) Release(id int) {
	if id < 0 || id >= len(p.buffers) {
		return
	}
	select {
	case p.free <- id:
	default:
		// Double release; dropping the id keeps the pool consistent.
	}
}
