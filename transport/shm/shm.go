// Package shm implements the same-host shared-memory transport: a bounded
// ring of fixed slots in a POSIX shared-memory segment with futex-style
// wake, selectable only for BestEffort endpoint pairs on one host.
package shm

import (
	"errors"
	"fmt"

	"github.com/hdds-platform/hdds/rtps"
)

const (
	// Magic marks a valid segment header.
	Magic uint32 = 0x4844_5348 // "HDSH"
	// Version is the segment layout version.
	Version uint32 = 1

	// DefaultRingCapacity is the default slot count (power of two).
	DefaultRingCapacity = 256
	// DefaultSlotPayloadSize fits most DDS samples.
	DefaultSlotPayloadSize = 4096

	// NotifyBuckets is the number of futex words used to wake readers;
	// topics hash onto buckets to bound contention.
	NotifyBuckets = 256
)

var (
	// ErrOverrun means the writer lapped this reader.
	ErrOverrun = errors.New("shm: ring overrun")
	// ErrCorruption means a slot failed validation during read.
	ErrCorruption = errors.New("shm: corrupted slot")
	// ErrPayloadTooLarge means the payload exceeds the slot capacity.
	ErrPayloadTooLarge = errors.New("shm: payload exceeds slot capacity")
	// ErrInvalidCapacity means the ring capacity is not a power of two.
	ErrInvalidCapacity = errors.New("shm: ring capacity must be a power of two")
)

// SegmentName derives the deterministic segment name for a writer.
func SegmentName(domainID int, writer rtps.GUID) string {
	return fmt.Sprintf("/hdds_d%d_w%s%s", domainID, writer.Prefix.String(), writer.EntityID.String())
}
