// Package reliability implements the reliable RTPS protocol on both
// sides: writer-side unacked tracking, heartbeat scheduling and
// retransmission, and reader-side expected-sequence tracking, acknack
// generation, and fragment reassembly.
package reliability

import (
	"fmt"

	"github.com/hdds-platform/hdds/rtps"
)

// DefaultFragmentSize is the per-fragment payload size for UDP, chosen to
// keep each DATA_FRAG under a common MTU.
const DefaultFragmentSize = 1300

// FragmentCount returns how many fragments a sample needs.
func FragmentCount(sampleSize, fragSize int) int {
	return (sampleSize + fragSize - 1) / fragSize
}

// Fragment slices a payload into DATA_FRAG submessages with 1-based
// fragment numbers. only lists the fragment numbers to emit; nil means
// all.
func Fragment(writerID, readerID rtps.EntityID, seq int64, payload []byte, fragSize int, only []uint32) []rtps.DataFrag {
	if fragSize <= 0 {
		fragSize = DefaultFragmentSize
	}
	total := FragmentCount(len(payload), fragSize)
	wanted := func(n uint32) bool {
		if only == nil {
			return true
		}
		for _, f := range only {
			if f == n {
				return true
			}
		}
		return false
	}

	var out []rtps.DataFrag
	for i := 0; i < total; i++ {
		num := uint32(i + 1)
		if !wanted(num) {
			continue
		}
		lo := i * fragSize
		hi := lo + fragSize
		if hi > len(payload) {
			hi = len(payload)
		}
		out = append(out, rtps.DataFrag{
			ReaderID:         readerID,
			WriterID:         writerID,
			WriterSN:         seq,
			FragmentStartNum: num,
			FragmentsInSub:   1,
			FragmentSize:     uint16(fragSize),
			SampleSize:       uint32(len(payload)),
			Payload:          payload[lo:hi],
		})
	}
	return out
}

// reassembly collects the fragments of one sample.
type reassembly struct {
	sampleSize int
	fragSize   int
	buf        []byte
	have       []bool
	missing    int
}

func newReassembly(sampleSize, fragSize int) (*reassembly, error) {
	if fragSize <= 0 || sampleSize <= 0 {
		return nil, fmt.Errorf("reliability: invalid fragment geometry size=%d frag=%d", sampleSize, fragSize)
	}
	total := FragmentCount(sampleSize, fragSize)
	return &reassembly{
		sampleSize: sampleSize,
		fragSize:   fragSize,
		buf:        make([]byte, sampleSize),
		have:       make([]bool, total),
		missing:    total,
	}, nil
}

// deposit stores one fragment and reports whether the sample is complete.
func (r *reassembly) deposit(fragNum uint32, payload []byte) bool {
	idx := int(fragNum) - 1
	if idx < 0 || idx >= len(r.have) || r.have[idx] {
		return r.missing == 0
	}
	lo := idx * r.fragSize
	hi := lo + len(payload)
	if hi > len(r.buf) {
		return false
	}
	copy(r.buf[lo:hi], payload)
	r.have[idx] = true
	r.missing--
	return r.missing == 0
}

// missingFragments lists absent 1-based fragment numbers, capped at max.
func (r *reassembly) missingFragments(max int) []uint32 {
	var out []uint32
	for i, ok := range r.have {
		if !ok {
			out = append(out, uint32(i+1))
			if len(out) >= max {
				break
			}
		}
	}
	return out
}
