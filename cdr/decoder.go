package cdr

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// Decoder reads CDR values from a buffer, tracking bytes consumed.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder wraps buf. Alignment is relative to the start of buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Consumed returns the number of bytes read so far.
func (d *Decoder) Consumed() int { return d.off }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) take(n, width int) ([]byte, error) {
	aligned := align(d.off, width)
	if aligned+n > len(d.buf) {
		return nil, ErrUnexpectedEOF
	}
	out := d.buf[aligned : aligned+n]
	d.off = aligned + n
	return out, nil
}

// ReadEncapsulation reads the 4-byte payload header and returns the
// encapsulation identifier. Alignment restarts after the header.
func (d *Decoder) ReadEncapsulation() (uint16, error) {
	b, err := d.take(4, 1)
	if err != nil {
		return 0, err
	}
	id := binary.BigEndian.Uint16(b[0:2])
	d.buf = d.buf[d.off:]
	d.off = 0
	return id, nil
}

func (d *Decoder) ReadUint8() (uint8, error) {
	b, err := d.take(1, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) ReadInt8() (int8, error) {
	v, err := d.ReadUint8()
	return int8(v), err
}

func (d *Decoder) ReadBool() (bool, error) {
	v, err := d.ReadUint8()
	return v != 0, err
}

func (d *Decoder) ReadUint16() (uint16, error) {
	b, err := d.take(2, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Decoder) ReadInt16() (int16, error) {
	v, err := d.ReadUint16()
	return int16(v), err
}

func (d *Decoder) ReadUint32() (uint32, error) {
	b, err := d.take(4, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Decoder) ReadInt32() (int32, error) {
	v, err := d.ReadUint32()
	return int32(v), err
}

func (d *Decoder) ReadUint64() (uint64, error) {
	b, err := d.take(8, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *Decoder) ReadInt64() (int64, error) {
	v, err := d.ReadUint64()
	return int64(v), err
}

func (d *Decoder) ReadFloat32() (float32, error) {
	v, err := d.ReadUint32()
	return math.Float32frombits(v), err
}

func (d *Decoder) ReadFloat64() (float64, error) {
	v, err := d.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadString reads a u32-prefixed NUL-terminated string.
func (d *Decoder) ReadString() (string, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	if n > MaxSequenceLen {
		return "", ErrOverlongSequence
	}
	b, err := d.take(int(n), 1)
	if err != nil {
		return "", err
	}
	s := b[:n-1] // strip terminator
	if !utf8.Valid(s) {
		return "", ErrInvalidUTF8
	}
	return string(s), nil
}

// ReadSequenceLen reads and bounds-checks a sequence count prefix.
func (d *Decoder) ReadSequenceLen() (int, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return 0, err
	}
	if n > MaxSequenceLen {
		return 0, ErrOverlongSequence
	}
	return int(n), nil
}

// ReadBytes reads a sequence<octet>.
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadSequenceLen()
	if err != nil {
		return nil, err
	}
	b, err := d.take(n, 1)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// ReadRaw reads n bytes with no prefix and no alignment.
func (d *Decoder) ReadRaw(n int) ([]byte, error) {
	return d.take(n, 1)
}
