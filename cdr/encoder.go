package cdr

import (
	"encoding/binary"
	"math"
)

// Encoder writes CDR values into a caller-supplied buffer. It never grows
// the buffer; when a value does not fit every Write method returns
// ErrBufferTooSmall and the encoder position is unchanged.
type Encoder struct {
	buf []byte
	off int
}

// NewEncoder wraps buf. Alignment is relative to the start of buf.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return e.off }

// Bytes returns the written prefix of the buffer.
func (e *Encoder) Bytes() []byte { return e.buf[:e.off] }

// reserve aligns the cursor and claims n bytes, zero-filling any padding.
func (e *Encoder) reserve(n, width int) ([]byte, error) {
	aligned := align(e.off, width)
	if aligned+n > len(e.buf) {
		return nil, ErrBufferTooSmall
	}
	for i := e.off; i < aligned; i++ {
		e.buf[i] = 0
	}
	out := e.buf[aligned : aligned+n]
	e.off = aligned + n
	return out, nil
}

// WriteEncapsulation writes the 4-byte payload header (identifier plus
// options). It must be the first write; subsequent alignment is computed
// from the byte that follows it.
func (e *Encoder) WriteEncapsulation(id uint16) error {
	b, err := e.reserve(4, 1)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b[0:2], id)
	binary.BigEndian.PutUint16(b[2:4], 0)
	// CDR alignment restarts after the encapsulation header.
	e.buf = e.buf[e.off:]
	e.off = 0
	return nil
}

func (e *Encoder) WriteUint8(v uint8) error {
	b, err := e.reserve(1, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (e *Encoder) WriteInt8(v int8) error { return e.WriteUint8(uint8(v)) }

func (e *Encoder) WriteBool(v bool) error {
	if v {
		return e.WriteUint8(1)
	}
	return e.WriteUint8(0)
}

func (e *Encoder) WriteUint16(v uint16) error {
	b, err := e.reserve(2, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (e *Encoder) WriteInt16(v int16) error { return e.WriteUint16(uint16(v)) }

func (e *Encoder) WriteUint32(v uint32) error {
	b, err := e.reserve(4, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (e *Encoder) WriteInt32(v int32) error { return e.WriteUint32(uint32(v)) }

func (e *Encoder) WriteUint64(v uint64) error {
	b, err := e.reserve(8, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (e *Encoder) WriteInt64(v int64) error { return e.WriteUint64(uint64(v)) }

func (e *Encoder) WriteFloat32(v float32) error {
	return e.WriteUint32(math.Float32bits(v))
}

func (e *Encoder) WriteFloat64(v float64) error {
	return e.WriteUint64(math.Float64bits(v))
}

// WriteString writes a u32 length (including the NUL terminator) followed
// by the bytes and the terminator.
func (e *Encoder) WriteString(s string) error {
	mark := e.off
	if err := e.WriteUint32(uint32(len(s) + 1)); err != nil {
		return err
	}
	b, err := e.reserve(len(s)+1, 1)
	if err != nil {
		e.off = mark
		return err
	}
	copy(b, s)
	b[len(s)] = 0
	return nil
}

// WriteSequenceLen writes the element count prefix of a sequence.
func (e *Encoder) WriteSequenceLen(n int) error {
	if n < 0 || n > MaxSequenceLen {
		return ErrOverlongSequence
	}
	return e.WriteUint32(uint32(n))
}

// WriteBytes writes a sequence<octet>: count prefix plus raw bytes.
func (e *Encoder) WriteBytes(p []byte) error {
	mark := e.off
	if err := e.WriteSequenceLen(len(p)); err != nil {
		return err
	}
	b, err := e.reserve(len(p), 1)
	if err != nil {
		e.off = mark
		return err
	}
	copy(b, p)
	return nil
}

// WriteRaw appends bytes with no prefix and no alignment. Used for
// fixed-size arrays of octets (GUIDs, locator addresses).
func (e *Encoder) WriteRaw(p []byte) error {
	b, err := e.reserve(len(p), 1)
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}
