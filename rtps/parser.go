package rtps

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hdds-platform/hdds/internal/bitset"
)

var (
	// ErrNotRTPS means the packet does not begin with the RTPS magic.
	ErrNotRTPS = errors.New("rtps: not an RTPS message")
	// ErrTruncated means a submessage claimed more octets than remain.
	ErrTruncated = errors.New("rtps: truncated submessage")
)

// MessageVisitor receives parsed submessages in wire order. Timestamp and
// destination state from INFO_TS/INFO_DST is delivered as context on the
// visitor before the affected submessages.
type MessageVisitor interface {
	OnData(d Data, ts Time)
	OnDataFrag(f DataFrag, ts Time)
	OnHeartbeat(hb Heartbeat)
	OnAckNack(an AckNack)
	OnGap(g Gap)
	OnNackFrag(nf NackFrag)
	OnHeartbeatFrag(hf HeartbeatFrag)
}

// ParseHeader validates the 20-byte message header.
func ParseHeader(pkt []byte) (Header, error) {
	if len(pkt) < HeaderSize {
		return Header{}, ErrNotRTPS
	}
	if [4]byte(pkt[0:4]) != protocolMagic {
		return Header{}, ErrNotRTPS
	}
	var h Header
	h.Version = ProtocolVersion{Major: pkt[4], Minor: pkt[5]}
	copy(h.Vendor[:], pkt[6:8])
	copy(h.GUIDPrefix[:], pkt[8:20])
	return h, nil
}

// WalkMessage parses every submessage of pkt, calling the visitor for each
// protocol submessage. INFO_TS and INFO_DST are folded into the walk state:
// the current timestamp is handed to DATA/DATA_FRAG callbacks, and
// submessages destined for another participant (per INFO_DST) are skipped
// when localPrefix is non-zero.
//
// A malformed submessage aborts the walk with an error; previously parsed
// submessages have already been delivered.
func WalkMessage(pkt []byte, localPrefix GUIDPrefix, v MessageVisitor) (Header, error) {
	h, err := ParseHeader(pkt)
	if err != nil {
		return Header{}, err
	}

	body := pkt[HeaderSize:]
	ts := TimeInvalid
	skipForeign := false

	for len(body) > 0 {
		if len(body) < SubmessageHeaderSize {
			return h, ErrTruncated
		}
		id := body[0]
		flags := body[1]
		order := byteOrder(flags)
		octets := int(order.Uint16(body[2:4]))

		content := body[SubmessageHeaderSize:]
		if octets == 0 {
			// Zero means the submessage extends to the end of the packet.
			octets = len(content)
		}
		if octets > len(content) {
			return h, ErrTruncated
		}
		sub := content[:octets]
		body = content[octets:]

		if skipForeign && id != SubmessageInfoDst {
			continue
		}

		switch id {
		case SubmessagePad, SubmessageInfoSrc, SubmessageInfoReply, SubmessageInfoReplyIP4:
			// No protocol effect here.
		case SubmessageInfoTS:
			if flags&FlagInvalidate != 0 {
				ts = TimeInvalid
				continue
			}
			if len(sub) < 8 {
				return h, ErrTruncated
			}
			ts = Time{Seconds: order.Uint32(sub[0:4]), Fraction: order.Uint32(sub[4:8])}
		case SubmessageInfoDst:
			if len(sub) < 12 {
				return h, ErrTruncated
			}
			var dst GUIDPrefix
			copy(dst[:], sub[0:12])
			skipForeign = !localPrefix.IsZero() && !dst.IsZero() && dst != localPrefix
		case SubmessageData:
			d, err := parseData(sub, flags, order)
			if err != nil {
				return h, err
			}
			v.OnData(d, ts)
		case SubmessageDataFrag:
			f, err := parseDataFrag(sub, flags, order)
			if err != nil {
				return h, err
			}
			v.OnDataFrag(f, ts)
		case SubmessageHeartbeat:
			hb, err := parseHeartbeat(sub, flags, order)
			if err != nil {
				return h, err
			}
			v.OnHeartbeat(hb)
		case SubmessageAckNack:
			an, err := parseAckNack(sub, flags, order)
			if err != nil {
				return h, err
			}
			v.OnAckNack(an)
		case SubmessageGap:
			g, err := parseGap(sub, order)
			if err != nil {
				return h, err
			}
			v.OnGap(g)
		case SubmessageNackFrag:
			nf, err := parseNackFrag(sub, order)
			if err != nil {
				return h, err
			}
			v.OnNackFrag(nf)
		case SubmessageHeartbeatFrag:
			hf, err := parseHeartbeatFrag(sub, order)
			if err != nil {
				return h, err
			}
			v.OnHeartbeatFrag(hf)
		default:
			// Unknown submessages are skipped for forward compatibility.
		}
	}
	return h, nil
}

func byteOrder(flags uint8) binary.ByteOrder {
	if flags&FlagEndianness != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func parseData(sub []byte, flags uint8, order binary.ByteOrder) (Data, error) {
	if len(sub) < 20 {
		return Data{}, fmt.Errorf("%w: DATA %d bytes", ErrTruncated, len(sub))
	}
	var d Data
	toInlineQos := int(order.Uint16(sub[2:4]))
	copy(d.ReaderID[:], sub[4:8])
	copy(d.WriterID[:], sub[8:12])
	d.WriterSN = getSeq(sub[12:20], order)
	d.KeyOnly = flags&FlagKey != 0

	// octetsToInlineQos counts from its own field to the inline QoS (or the
	// payload when the I flag is clear).
	rest := 4 + toInlineQos
	if rest > len(sub) {
		return Data{}, ErrTruncated
	}
	cursor := sub[rest:]
	if flags&FlagInlineQos != 0 {
		n, err := inlineQosLen(cursor, order)
		if err != nil {
			return Data{}, err
		}
		d.InlineQos = cursor[:n]
		cursor = cursor[n:]
	}
	if flags&(FlagData|FlagKey) != 0 {
		d.Payload = cursor
	}
	return d, nil
}

func parseDataFrag(sub []byte, flags uint8, order binary.ByteOrder) (DataFrag, error) {
	if len(sub) < 32 {
		return DataFrag{}, fmt.Errorf("%w: DATA_FRAG %d bytes", ErrTruncated, len(sub))
	}
	var f DataFrag
	toInlineQos := int(order.Uint16(sub[2:4]))
	copy(f.ReaderID[:], sub[4:8])
	copy(f.WriterID[:], sub[8:12])
	f.WriterSN = getSeq(sub[12:20], order)
	f.FragmentStartNum = order.Uint32(sub[20:24])
	f.FragmentsInSub = order.Uint16(sub[24:26])
	f.FragmentSize = order.Uint16(sub[26:28])
	f.SampleSize = order.Uint32(sub[28:32])

	rest := 4 + toInlineQos
	if rest > len(sub) {
		return DataFrag{}, ErrTruncated
	}
	cursor := sub[rest:]
	if flags&FlagInlineQos != 0 {
		n, err := inlineQosLen(cursor, order)
		if err != nil {
			return DataFrag{}, err
		}
		f.InlineQos = cursor[:n]
		cursor = cursor[n:]
	}
	f.Payload = cursor
	return f, nil
}

func parseHeartbeat(sub []byte, flags uint8, order binary.ByteOrder) (Heartbeat, error) {
	if len(sub) < 28 {
		return Heartbeat{}, fmt.Errorf("%w: HEARTBEAT %d bytes", ErrTruncated, len(sub))
	}
	var hb Heartbeat
	copy(hb.ReaderID[:], sub[0:4])
	copy(hb.WriterID[:], sub[4:8])
	hb.FirstSN = getSeq(sub[8:16], order)
	hb.LastSN = getSeq(sub[16:24], order)
	hb.Count = order.Uint32(sub[24:28])
	hb.Final = flags&FlagFinal != 0
	hb.Liveliness = flags&FlagLiveliness != 0
	return hb, nil
}

func parseAckNack(sub []byte, flags uint8, order binary.ByteOrder) (AckNack, error) {
	var an AckNack
	if len(sub) < 8 {
		return an, fmt.Errorf("%w: ACKNACK %d bytes", ErrTruncated, len(sub))
	}
	copy(an.ReaderID[:], sub[0:4])
	copy(an.WriterID[:], sub[4:8])
	state, n, err := parseSNSet(sub[8:], order)
	if err != nil {
		return an, err
	}
	an.State = state
	if len(sub) < 8+n+4 {
		return an, ErrTruncated
	}
	an.Count = order.Uint32(sub[8+n : 8+n+4])
	an.Final = flags&FlagFinal != 0
	return an, nil
}

func parseGap(sub []byte, order binary.ByteOrder) (Gap, error) {
	var g Gap
	if len(sub) < 16 {
		return g, fmt.Errorf("%w: GAP %d bytes", ErrTruncated, len(sub))
	}
	copy(g.ReaderID[:], sub[0:4])
	copy(g.WriterID[:], sub[4:8])
	g.GapStart = getSeq(sub[8:16], order)
	list, _, err := parseSNSet(sub[16:], order)
	if err != nil {
		return g, err
	}
	g.GapList = list
	return g, nil
}

func parseNackFrag(sub []byte, order binary.ByteOrder) (NackFrag, error) {
	var nf NackFrag
	if len(sub) < 16 {
		return nf, fmt.Errorf("%w: NACK_FRAG %d bytes", ErrTruncated, len(sub))
	}
	copy(nf.ReaderID[:], sub[0:4])
	copy(nf.WriterID[:], sub[4:8])
	nf.WriterSN = getSeq(sub[8:16], order)
	if len(sub) < 24 {
		return nf, ErrTruncated
	}
	nf.State.Base = order.Uint32(sub[16:20])
	nf.State.NumBits = order.Uint32(sub[20:24])
	if nf.State.NumBits > 256 {
		return nf, fmt.Errorf("rtps: fragment set of %d bits", nf.State.NumBits)
	}
	words := int(nf.State.NumBits+31) / 32
	if len(sub) < 24+words*4+4 {
		return nf, ErrTruncated
	}
	raw := make([]uint32, words)
	for i := 0; i < words; i++ {
		raw[i] = order.Uint32(sub[24+i*4 : 28+i*4])
	}
	nf.State.Bits = bitset.FromWords32(raw, nf.State.NumBits)
	nf.Count = order.Uint32(sub[24+words*4 : 28+words*4])
	return nf, nil
}

func parseHeartbeatFrag(sub []byte, order binary.ByteOrder) (HeartbeatFrag, error) {
	var hf HeartbeatFrag
	if len(sub) < 24 {
		return hf, fmt.Errorf("%w: HEARTBEAT_FRAG %d bytes", ErrTruncated, len(sub))
	}
	copy(hf.ReaderID[:], sub[0:4])
	copy(hf.WriterID[:], sub[4:8])
	hf.WriterSN = getSeq(sub[8:16], order)
	hf.LastFragNum = order.Uint32(sub[16:20])
	hf.Count = order.Uint32(sub[20:24])
	return hf, nil
}

// parseSNSet parses a SequenceNumberSet and returns it with its wire size.
func parseSNSet(b []byte, order binary.ByteOrder) (SequenceNumberSet, int, error) {
	var s SequenceNumberSet
	if len(b) < 12 {
		return s, 0, ErrTruncated
	}
	s.Base = getSeq(b[0:8], order)
	s.NumBits = order.Uint32(b[8:12])
	if s.NumBits > 256 {
		return s, 0, fmt.Errorf("rtps: sequence set of %d bits", s.NumBits)
	}
	words := int(s.NumBits+31) / 32
	if len(b) < 12+words*4 {
		return s, 0, ErrTruncated
	}
	raw := make([]uint32, words)
	for i := 0; i < words; i++ {
		raw[i] = order.Uint32(b[12+i*4 : 16+i*4])
	}
	s.Bits = bitset.FromWords32(raw, s.NumBits)
	return s, 12 + words*4, nil
}

// inlineQosLen walks an inline QoS parameter list and returns its length in
// bytes including the sentinel.
func inlineQosLen(b []byte, order binary.ByteOrder) (int, error) {
	off := 0
	for {
		if off+4 > len(b) {
			return 0, ErrTruncated
		}
		pid := order.Uint16(b[off : off+2])
		plen := int(order.Uint16(b[off+2 : off+4]))
		off += 4
		if pid == 0x0001 { // PID_SENTINEL
			return off, nil
		}
		if off+plen > len(b) {
			return 0, ErrTruncated
		}
		off += plen
	}
}
