// Package rtps implements the DDSI-RTPS wire protocol: entity
// identifiers, locators, and the building and parsing of submessages.
package rtps

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"time"

	"github.com/hdds-platform/hdds/internal/bitset"
)

// ProtocolVersion is the RTPS version advertised in headers and SPDP.
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

// Version24 is DDSI-RTPS 2.4, the version this implementation speaks.
var Version24 = ProtocolVersion{Major: 2, Minor: 4}

// VendorID identifies the implementation on the wire.
type VendorID [2]byte

// VendorHDDS is the vendor id announced by this implementation.
var VendorHDDS = VendorID{0x01, 0x42}

// GUIDPrefix is the 12-byte participant-unique part of a GUID.
type GUIDPrefix [12]byte

func (p GUIDPrefix) String() string {
	return hex.EncodeToString(p[:])
}

// IsZero reports whether the prefix is all zeroes.
func (p GUIDPrefix) IsZero() bool {
	return p == GUIDPrefix{}
}

// EntityID is the 4-byte endpoint-unique part of a GUID. The last byte is
// the entity kind.
type EntityID [4]byte

// Builtin and user entity ids.
var (
	EntityIDUnknown            = EntityID{0x00, 0x00, 0x00, 0x00}
	EntityIDParticipant        = EntityID{0x00, 0x00, 0x01, 0xc1}
	EntityIDSPDPWriter         = EntityID{0x00, 0x01, 0x00, 0xc2}
	EntityIDSPDPReader         = EntityID{0x00, 0x01, 0x00, 0xc7}
	EntityIDSEDPPubWriter      = EntityID{0x00, 0x00, 0x03, 0xc2}
	EntityIDSEDPPubReader      = EntityID{0x00, 0x00, 0x03, 0xc7}
	EntityIDSEDPSubWriter      = EntityID{0x00, 0x00, 0x04, 0xc2}
	EntityIDSEDPSubReader      = EntityID{0x00, 0x00, 0x04, 0xc7}
	EntityIDParticipantMsgWriter = EntityID{0x00, 0x02, 0x00, 0xc2}
	EntityIDParticipantMsgReader = EntityID{0x00, 0x02, 0x00, 0xc7}
)

// Entity kind octets (EntityID[3]).
const (
	KindUserWriterWithKey = 0x02
	KindUserWriterNoKey   = 0x03
	KindUserReaderNoKey   = 0x04
	KindUserReaderWithKey = 0x07
)

// NewUserEntityID builds a user entity id from a 24-bit key and kind octet.
func NewUserEntityID(key uint32, kind uint8) EntityID {
	return EntityID{byte(key >> 16), byte(key >> 8), byte(key), kind}
}

// IsWriter reports whether the entity kind octet names a writer.
func (e EntityID) IsWriter() bool {
	switch e[3] {
	case KindUserWriterWithKey, KindUserWriterNoKey, 0xc2:
		return true
	}
	return false
}

// IsReader reports whether the entity kind octet names a reader.
func (e EntityID) IsReader() bool {
	switch e[3] {
	case KindUserReaderNoKey, KindUserReaderWithKey, 0xc7:
		return true
	}
	return false
}

// IsBuiltin reports whether the entity belongs to the discovery protocol.
func (e EntityID) IsBuiltin() bool {
	return e[3]&0xc0 == 0xc0
}

func (e EntityID) String() string {
	return hex.EncodeToString(e[:])
}

// GUID is the 16-byte global identifier of a participant or endpoint.
// Equality and hashing are bitwise.
type GUID struct {
	Prefix   GUIDPrefix
	EntityID EntityID
}

func (g GUID) String() string {
	return g.Prefix.String() + "." + g.EntityID.String()
}

// IsZero reports whether the GUID is entirely zero.
func (g GUID) IsZero() bool {
	return g.Prefix.IsZero() && g.EntityID == EntityIDUnknown
}

// Locator kinds.
const (
	LocatorKindInvalid int32 = -1
	LocatorKindUDPv4   int32 = 1
	LocatorKindUDPv6   int32 = 2
	LocatorKindSHM     int32 = -2147483647 // bit pattern 0x8000_0001
)

// Locator names a reachable endpoint address: kind, port, and a 16-byte
// address with IPv4 right-aligned.
type Locator struct {
	Kind    int32
	Port    uint32
	Address [16]byte
}

// NewUDPv4Locator builds a UDPv4 locator from an address and port.
func NewUDPv4Locator(addr netip.Addr, port int) Locator {
	loc := Locator{Kind: LocatorKindUDPv4, Port: uint32(port)}
	v4 := addr.As4()
	copy(loc.Address[12:], v4[:])
	return loc
}

// Addr returns the locator address as a netip.Addr.
func (l Locator) Addr() netip.Addr {
	switch l.Kind {
	case LocatorKindUDPv4:
		return netip.AddrFrom4([4]byte(l.Address[12:16]))
	case LocatorKindUDPv6:
		return netip.AddrFrom16(l.Address)
	}
	return netip.Addr{}
}

// AddrPort returns the locator as a netip.AddrPort for transports.
func (l Locator) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(l.Addr(), uint16(l.Port))
}

func (l Locator) String() string {
	switch l.Kind {
	case LocatorKindUDPv4, LocatorKindUDPv6:
		return fmt.Sprintf("udp/%s:%d", l.Addr(), l.Port)
	case LocatorKindSHM:
		return fmt.Sprintf("shm/%d", l.Port)
	}
	return fmt.Sprintf("invalid/%d", l.Port)
}

// SequenceNumberUnknown is the sentinel (high=-1, low=0).
const SequenceNumberUnknown int64 = -1 << 32

// Time is the RTPS Time_t: seconds plus 2^-32 fractions.
type Time struct {
	Seconds  uint32
	Fraction uint32
}

// TimeInvalid marks an absent timestamp.
var TimeInvalid = Time{Seconds: 0xffffffff, Fraction: 0xffffffff}

// NewTime converts a wall-clock time.
func NewTime(t time.Time) Time {
	ns := uint64(t.Nanosecond())
	return Time{
		Seconds:  uint32(t.Unix()),
		Fraction: uint32((ns << 32) / 1_000_000_000),
	}
}

// Std converts back to wall-clock time.
func (t Time) Std() time.Time {
	ns := (uint64(t.Fraction) * 1_000_000_000) >> 32
	return time.Unix(int64(t.Seconds), int64(ns))
}

// IsInvalid reports whether the timestamp is the invalid sentinel.
func (t Time) IsInvalid() bool {
	return t == TimeInvalid
}

// SequenceNumberSet is the wire form of a base plus up-to-256-bit bitmap,
// used by ACKNACK and GAP.
type SequenceNumberSet struct {
	Base    int64
	NumBits uint32
	Bits    bitset.Bitmap256
}

// SetBit marks base+offset as present in the set.
func (s *SequenceNumberSet) SetBit(offset uint32) {
	if offset >= bitset.Bits {
		return
	}
	s.Bits.Set(offset)
	if offset+1 > s.NumBits {
		s.NumBits = offset + 1
	}
}

// TestBit reports whether base+offset is in the set.
func (s *SequenceNumberSet) TestBit(offset uint32) bool {
	return offset < s.NumBits && s.Bits.Test(offset)
}

// IsEmpty reports whether no bits are set (a "pure ACK" state).
func (s *SequenceNumberSet) IsEmpty() bool {
	return s.Bits.Empty()
}

// Numbers returns the absolute sequence numbers in the set.
func (s *SequenceNumberSet) Numbers() []int64 {
	var out []int64
	s.Bits.Traverse(func(off uint32) bool {
		if off < s.NumBits {
			out = append(out, s.Base+int64(off))
		}
		return true
	})
	return out
}

// FragmentNumberSet is the wire form of a fragment-number base plus bitmap,
// used by NACK_FRAG. Fragment numbers are 1-based.
type FragmentNumberSet struct {
	Base    uint32
	NumBits uint32
	Bits    bitset.Bitmap256
}

// SetBit marks base+offset as missing.
func (s *FragmentNumberSet) SetBit(offset uint32) {
	if offset >= bitset.Bits {
		return
	}
	s.Bits.Set(offset)
	if offset+1 > s.NumBits {
		s.NumBits = offset + 1
	}
}

// Numbers returns the absolute fragment numbers in the set.
func (s *FragmentNumberSet) Numbers() []uint32 {
	var out []uint32
	s.Bits.Traverse(func(off uint32) bool {
		if off < s.NumBits {
			out = append(out, s.Base+off)
		}
		return true
	})
	return out
}

// wire helpers shared by builder and parser

func putSeq(b []byte, order binary.ByteOrder, seq int64) {
	order.PutUint32(b[0:4], uint32(seq>>32))
	order.PutUint32(b[4:8], uint32(seq))
}

func getSeq(b []byte, order binary.ByteOrder) int64 {
	high := int32(order.Uint32(b[0:4]))
	low := order.Uint32(b[4:8])
	return int64(high)<<32 | int64(low)
}
