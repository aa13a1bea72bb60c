package shm

import (
	"encoding/binary"
	"hash/fnv"
	"math/bits"
	"sync/atomic"
	"time"
	"unsafe"
)

// Segment layout, all offsets fixed by Version:
//
//	0    control header (64 bytes, cache-line aligned)
//	64   notify words (NotifyBuckets x 4 bytes)
//	2048 slots (each slot: 16-byte header + payload, 64-byte stride)
//
// Control header fields:
//
//	0  magic    u32
//	4  version  u32
//	8  slotSize u32
//	12 capacity u32
//	16 head     u64 (next write position; slots below head are published)
const (
	controlSize  = 64
	notifyOffset = controlSize
	slotsOffset  = 2048

	offMagic    = 0
	offVersion  = 4
	offSlotSize = 8
	offCapacity = 12
	offHead     = 16

	slotHeaderSize = 16 // length u32, reserved u32, timestamp u64
)

func slotStride(slotSize int) int {
	return (slotHeaderSize + slotSize + 63) &^ 63
}

// SegmentSize returns the byte size of a segment with the given geometry.
func SegmentSize(capacity, slotSize int) int {
	return slotsOffset + capacity*slotStride(slotSize)
}

// NotifyBucket maps a topic name onto its futex word index.
func NotifyBucket(topic string) int {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return int(h.Sum32() % NotifyBuckets)
}

func (s *Segment) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.data[off]))
}

func (s *Segment) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.data[off]))
}

// RingWriter is the producing side of a segment. One writer per segment.
type RingWriter struct {
	seg      *Segment
	capacity uint64
	slotSize int
	stride   int
	bucket   int
}

// NewRingWriter initializes the control header in a freshly created
// segment.
func NewRingWriter(seg *Segment, capacity, slotSize int, topic string) (*RingWriter, error) {
	if capacity <= 0 || bits.OnesCount(uint(capacity)) != 1 {
		return nil, ErrInvalidCapacity
	}
	binary.LittleEndian.PutUint32(seg.data[offSlotSize:], uint32(slotSize))
	binary.LittleEndian.PutUint32(seg.data[offCapacity:], uint32(capacity))
	atomic.StoreUint64(seg.u64(offHead), 0)
	binary.LittleEndian.PutUint32(seg.data[offVersion:], Version)
	// Magic is stored last so readers never see a half-written header.
	atomic.StoreUint32(seg.u32(offMagic), Magic)
	return &RingWriter{
		seg:      seg,
		capacity: uint64(capacity),
		slotSize: slotSize,
		stride:   slotStride(slotSize),
		bucket:   NotifyBucket(topic),
	}, nil
}

// Push publishes one payload and wakes one waiting reader.
func (w *RingWriter) Push(payload []byte, ts time.Time) error {
	if len(payload) > w.slotSize {
		return ErrPayloadTooLarge
	}
	head := atomic.LoadUint64(w.seg.u64(offHead))
	off := slotsOffset + int(head%w.capacity)*w.stride

	binary.LittleEndian.PutUint32(w.seg.data[off:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(w.seg.data[off+4:], 0)
	binary.LittleEndian.PutUint64(w.seg.data[off+8:], uint64(ts.UnixNano()))
	copy(w.seg.data[off+slotHeaderSize:off+slotHeaderSize+len(payload)], payload)

	atomic.StoreUint64(w.seg.u64(offHead), head+1)

	word := w.seg.u32(notifyOffset + w.bucket*4)
	atomic.StoreUint32(word, 1)
	futexWake(word, 1)
	return nil
}

// RingReader is one consuming side. Each reader tracks its own tail.
type RingReader struct {
	seg      *Segment
	capacity uint64
	slotSize int
	stride   int
	tail     uint64
	bucket   int

	overruns uint64
}

// NewRingReader validates the segment header and starts at the current
// head, so a late joiner sees only new samples.
func NewRingReader(seg *Segment, topic string) (*RingReader, error) {
	if atomic.LoadUint32(seg.u32(offMagic)) != Magic {
		return nil, ErrCorruption
	}
	if binary.LittleEndian.Uint32(seg.data[offVersion:]) != Version {
		return nil, ErrCorruption
	}
	capacity := binary.LittleEndian.Uint32(seg.data[offCapacity:])
	if capacity == 0 || bits.OnesCount32(capacity) != 1 {
		return nil, ErrInvalidCapacity
	}
	slotSize := int(binary.LittleEndian.Uint32(seg.data[offSlotSize:]))
	return &RingReader{
		seg:      seg,
		capacity: uint64(capacity),
		slotSize: slotSize,
		stride:   slotStride(slotSize),
		tail:     atomic.LoadUint64(seg.u64(offHead)),
		bucket:   NotifyBucket(topic),
	}, nil
}

// Overruns returns how many times the writer lapped this reader.
func (r *RingReader) Overruns() uint64 { return r.overruns }

// Pop reads the next published slot into buf. It returns (0, false, nil)
// when no data is pending, and ErrOverrun after resynchronizing to the
// oldest still-valid slot when the writer lapped the reader.
func (r *RingReader) Pop(buf []byte) (n int, ts time.Time, ok bool, err error) {
	head := atomic.LoadUint64(r.seg.u64(offHead))
	if r.tail == head {
		return 0, time.Time{}, false, nil
	}
	if head-r.tail > r.capacity {
		r.overruns++
		r.tail = head - r.capacity
		return 0, time.Time{}, false, ErrOverrun
	}

	off := slotsOffset + int(r.tail%r.capacity)*r.stride
	length := int(binary.LittleEndian.Uint32(r.seg.data[off:]))
	if length > r.slotSize || length > len(buf) {
		// Slot under concurrent overwrite or undersized caller buffer.
		r.tail++
		return 0, time.Time{}, false, ErrCorruption
	}
	tsNS := binary.LittleEndian.Uint64(r.seg.data[off+8:])
	copy(buf[:length], r.seg.data[off+slotHeaderSize:off+slotHeaderSize+length])

	// Re-check head: if the writer advanced past this slot while we were
	// copying, the payload may be torn.
	if atomic.LoadUint64(r.seg.u64(offHead))-r.tail > r.capacity {
		r.overruns++
		r.tail = atomic.LoadUint64(r.seg.u64(offHead)) - r.capacity
		return 0, time.Time{}, false, ErrOverrun
	}
	r.tail++
	return length, time.Unix(0, int64(tsNS)), true, nil
}

// Wait blocks until the topic bucket is signalled or the timeout elapses,
// then clears the bucket. Callers drain the ring after Wait returns.
func (r *RingReader) Wait(timeout time.Duration) {
	word := r.seg.u32(notifyOffset + r.bucket*4)
	if atomic.SwapUint32(word, 0) != 0 {
		return
	}
	futexWait(word, 0, timeout)
	atomic.SwapUint32(word, 0)
}
