// Package cdr implements the OMG Common Data Representation byte layout
// used for serialized sample payloads: little-endian CDR with each
// primitive aligned to its own width, length-prefixed strings and
// sequences.
package cdr

import "errors"

var (
	// ErrBufferTooSmall means the caller-supplied encode buffer cannot
	// hold the next value.
	ErrBufferTooSmall = errors.New("cdr: buffer too small")
	// ErrUnexpectedEOF means the decode buffer ended inside a value.
	ErrUnexpectedEOF = errors.New("cdr: unexpected end of buffer")
	// ErrInvalidUTF8 means a decoded string is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("cdr: invalid utf-8 in string")
	// ErrOverlongSequence means a sequence length exceeds MaxSequenceLen.
	ErrOverlongSequence = errors.New("cdr: sequence length exceeds limit")
)

// MaxSequenceLen caps decoded sequence and string lengths. Lengths above
// the cap are rejected before any allocation happens.
const MaxSequenceLen = 1 << 20

// Encapsulation identifiers carried in the two-byte header that precedes a
// serialized payload on the wire.
const (
	EncapsCDRBE   uint16 = 0x0000
	EncapsCDRLE   uint16 = 0x0001
	EncapsPLCDRBE uint16 = 0x0002
	EncapsPLCDRLE uint16 = 0x0003
)

// Marshaler is implemented by types that can serialize themselves.
type Marshaler interface {
	MarshalCDR(e *Encoder) error
}

// Unmarshaler is implemented by types that can deserialize themselves.
type Unmarshaler interface {
	UnmarshalCDR(d *Decoder) error
}

func align(off, width int) int {
	return (off + width - 1) &^ (width - 1)
}
