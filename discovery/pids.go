// Package discovery implements SPDP participant discovery and SEDP
// endpoint discovery: the wire encoding of announcement parameter lists,
// the per-peer state machine with lease management, the topic registry,
// and QoS-gated endpoint matching.
package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hdds-platform/hdds/rtps"
)

// Parameter ids used in SPDP/SEDP parameter lists.
const (
	PIDPad                         uint16 = 0x0000
	PIDSentinel                    uint16 = 0x0001
	PIDParticipantLeaseDuration    uint16 = 0x0002
	PIDTopicName                   uint16 = 0x0005
	PIDOwnershipStrength           uint16 = 0x0006
	PIDTypeName                    uint16 = 0x0007
	PIDDomainID                    uint16 = 0x000f
	PIDProtocolVersion             uint16 = 0x0015
	PIDVendorID                    uint16 = 0x0016
	PIDReliability                 uint16 = 0x001a
	PIDLiveliness                  uint16 = 0x001b
	PIDDurability                  uint16 = 0x001d
	PIDOwnership                   uint16 = 0x001f
	PIDDeadline                    uint16 = 0x0023
	PIDDestinationOrder            uint16 = 0x0025
	PIDLatencyBudget               uint16 = 0x0027
	PIDPartition                   uint16 = 0x0029
	PIDLifespan                    uint16 = 0x002b
	PIDUserData                    uint16 = 0x002c
	PIDUnicastLocator              uint16 = 0x002f
	PIDMulticastLocator            uint16 = 0x0030
	PIDDefaultUnicastLocator       uint16 = 0x0031
	PIDMetatrafficUnicastLocator   uint16 = 0x0032
	PIDMetatrafficMulticastLocator uint16 = 0x0033
	PIDHistory                     uint16 = 0x0040
	PIDDefaultMulticastLocator     uint16 = 0x0048
	PIDParticipantGUID             uint16 = 0x0050
	PIDBuiltinEndpointSet          uint16 = 0x0058
	PIDEndpointGUID                uint16 = 0x005a
	PIDIdentityToken               uint16 = 0x1001
	// PIDTypeHash carries the structural TypeObject hash (vendor range).
	PIDTypeHash uint16 = 0x8001
)

// Builtin endpoint bits advertised in PID_BUILTIN_ENDPOINT_SET.
const (
	BuiltinSPDPWriter uint32 = 1 << 0
	BuiltinSPDPReader uint32 = 1 << 1
	BuiltinSEDPPubWriter uint32 = 1 << 2
	BuiltinSEDPPubReader uint32 = 1 << 3
	BuiltinSEDPSubWriter uint32 = 1 << 4
	BuiltinSEDPSubReader uint32 = 1 << 5
)

// ErrMalformedParameter is returned for a structurally invalid list.
var ErrMalformedParameter = errors.New("discovery: malformed parameter list")

// paramWriter builds a little-endian PL_CDR parameter list. Parameter
// values are padded to 4-byte multiples as required by the encoding.
type paramWriter struct {
	buf []byte
}

func newParamWriter() *paramWriter {
	// Encapsulation header: PL_CDR_LE, options 0.
	return &paramWriter{buf: []byte{0x00, 0x03, 0x00, 0x00}}
}

func (w *paramWriter) add(pid uint16, value []byte) {
	padded := (len(value) + 3) &^ 3
	w.buf = binary.LittleEndian.AppendUint16(w.buf, pid)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(padded))
	w.buf = append(w.buf, value...)
	for i := len(value); i < padded; i++ {
		w.buf = append(w.buf, 0)
	}
}

func (w *paramWriter) addU32(pid uint16, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.add(pid, b[:])
}

func (w *paramWriter) addString(pid uint16, s string) {
	b := make([]byte, 4+len(s)+1)
	binary.LittleEndian.PutUint32(b, uint32(len(s)+1))
	copy(b[4:], s)
	w.add(pid, b)
}

func (w *paramWriter) addDuration(pid uint16, d time.Duration) {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(d/time.Second))
	binary.LittleEndian.PutUint32(b[4:8], uint32(d%time.Second))
	w.add(pid, b[:])
}

func (w *paramWriter) addLocator(pid uint16, loc rtps.Locator) {
	var b [24]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(loc.Kind))
	binary.LittleEndian.PutUint32(b[4:8], loc.Port)
	copy(b[8:24], loc.Address[:])
	w.add(pid, b[:])
}

func (w *paramWriter) addGUID(pid uint16, g rtps.GUID) {
	var b [16]byte
	copy(b[0:12], g.Prefix[:])
	copy(b[12:16], g.EntityID[:])
	w.add(pid, b[:])
}

func (w *paramWriter) finish() []byte {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, PIDSentinel)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, 0)
	return w.buf
}

// walkParams iterates a serialized parameter list, calling fn for every
// parameter until the sentinel. The payload must begin with its
// encapsulation header.
func walkParams(payload []byte, fn func(pid uint16, value []byte) error) error {
	if len(payload) < 4 {
		return ErrMalformedParameter
	}
	encaps := binary.BigEndian.Uint16(payload[0:2])
	if encaps != 0x0003 && encaps != 0x0002 {
		return fmt.Errorf("%w: unexpected encapsulation 0x%04x", ErrMalformedParameter, encaps)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if encaps == 0x0002 {
		order = binary.BigEndian
	}

	body := payload[4:]
	for {
		if len(body) < 4 {
			return ErrMalformedParameter
		}
		pid := order.Uint16(body[0:2])
		plen := int(order.Uint16(body[2:4]))
		body = body[4:]
		if pid == PIDSentinel {
			return nil
		}
		if plen > len(body) {
			return ErrMalformedParameter
		}
		if pid != PIDPad {
			if err := fn(pid, body[:plen]); err != nil {
				return err
			}
		}
		body = body[plen:]
	}
}

func paramString(value []byte) (string, error) {
	if len(value) < 4 {
		return "", ErrMalformedParameter
	}
	n := binary.LittleEndian.Uint32(value)
	if n == 0 || int(n) > len(value)-4 {
		return "", ErrMalformedParameter
	}
	return string(value[4 : 4+n-1]), nil
}

func paramDuration(value []byte) (time.Duration, error) {
	if len(value) < 8 {
		return 0, ErrMalformedParameter
	}
	sec := binary.LittleEndian.Uint32(value[0:4])
	nsec := binary.LittleEndian.Uint32(value[4:8])
	if sec == 0x7fffffff {
		return 0, nil // unbounded
	}
	return time.Duration(sec)*time.Second + time.Duration(nsec), nil
}

func paramLocator(value []byte) (rtps.Locator, error) {
	if len(value) < 24 {
		return rtps.Locator{}, ErrMalformedParameter
	}
	var loc rtps.Locator
	loc.Kind = int32(binary.LittleEndian.Uint32(value[0:4]))
	loc.Port = binary.LittleEndian.Uint32(value[4:8])
	copy(loc.Address[:], value[8:24])
	return loc, nil
}

func paramGUID(value []byte) (rtps.GUID, error) {
	if len(value) < 16 {
		return rtps.GUID{}, ErrMalformedParameter
	}
	var g rtps.GUID
	copy(g.Prefix[:], value[0:12])
	copy(g.EntityID[:], value[12:16])
	return g, nil
}
