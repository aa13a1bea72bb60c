package rtps

import (
	"encoding/binary"
	"fmt"
)

// MessageBuilder assembles one RTPS message: the 20-byte header followed by
// submessages. All submessages are built little endian (endianness flag
// set), which is what the reference dialect emits.
type MessageBuilder struct {
	buf []byte
}

// NewMessageBuilder starts a message with the given sender prefix.
func NewMessageBuilder(prefix GUIDPrefix) *MessageBuilder {
	b := &MessageBuilder{buf: make([]byte, 0, 512)}
	b.buf = append(b.buf, protocolMagic[:]...)
	b.buf = append(b.buf, Version24.Major, Version24.Minor)
	b.buf = append(b.buf, VendorHDDS[:]...)
	b.buf = append(b.buf, prefix[:]...)
	return b
}

// Bytes returns the assembled message.
func (b *MessageBuilder) Bytes() []byte { return b.buf }

// Len returns the current message size.
func (b *MessageBuilder) Len() int { return len(b.buf) }

// beginSubmessage appends a submessage header and returns the index where
// octets-to-next-header must be patched by endSubmessage.
func (b *MessageBuilder) beginSubmessage(id uint8, flags uint8) int {
	b.buf = append(b.buf, id, flags|FlagEndianness, 0, 0)
	return len(b.buf)
}

func (b *MessageBuilder) endSubmessage(bodyStart int) {
	n := len(b.buf) - bodyStart
	// Bodies closed here are padded to 4-byte multiples; AddData and
	// AddDataFrag set their length unpadded instead.
	for n%4 != 0 {
		b.buf = append(b.buf, 0)
		n++
	}
	binary.LittleEndian.PutUint16(b.buf[bodyStart-2:bodyStart], uint16(n))
}

func (b *MessageBuilder) appendU16(v uint16) {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
}

func (b *MessageBuilder) appendU32(v uint32) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
}

func (b *MessageBuilder) appendSeq(seq int64) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(seq>>32))
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(seq))
}

func (b *MessageBuilder) appendSNSet(s SequenceNumberSet) {
	b.appendSeq(s.Base)
	b.appendU32(s.NumBits)
	words := s.Bits.Words32()
	for i := 0; i < int(s.NumBits+31)/32; i++ {
		b.appendU32(words[i])
	}
}

func (b *MessageBuilder) appendFragSet(s FragmentNumberSet) {
	b.appendU32(s.Base)
	b.appendU32(s.NumBits)
	words := s.Bits.Words32()
	for i := 0; i < int(s.NumBits+31)/32; i++ {
		b.appendU32(words[i])
	}
}

// AddInfoTS appends an INFO_TS submessage.
func (b *MessageBuilder) AddInfoTS(ts Time) {
	start := b.beginSubmessage(SubmessageInfoTS, 0)
	b.appendU32(ts.Seconds)
	b.appendU32(ts.Fraction)
	b.endSubmessage(start)
}

// AddInfoDst appends an INFO_DST submessage targeting one participant.
func (b *MessageBuilder) AddInfoDst(prefix GUIDPrefix) {
	start := b.beginSubmessage(SubmessageInfoDst, 0)
	b.buf = append(b.buf, prefix[:]...)
	b.endSubmessage(start)
}

// AddData appends a DATA submessage. The payload must already carry its
// encapsulation header.
func (b *MessageBuilder) AddData(d Data) {
	flags := FlagData
	if d.KeyOnly {
		flags = FlagKey
	}
	if len(d.InlineQos) > 0 {
		flags |= FlagInlineQos
	}
	start := b.beginSubmessage(SubmessageData, flags)
	b.appendU16(0)  // extra flags
	b.appendU16(16) // octets to inline QoS
	b.buf = append(b.buf, d.ReaderID[:]...)
	b.buf = append(b.buf, d.WriterID[:]...)
	b.appendSeq(d.WriterSN)
	b.buf = append(b.buf, d.InlineQos...)
	b.buf = append(b.buf, d.Payload...)
	// The body is left unpadded: the parser takes everything up to the
	// next header as the payload, so padding would reach the reader.
	binary.LittleEndian.PutUint16(b.buf[start-2:start], uint16(len(b.buf)-start))
}

// AddDataFrag appends a DATA_FRAG submessage for one or more consecutive
// fragments of a sample.
func (b *MessageBuilder) AddDataFrag(f DataFrag) {
	var flags uint8
	if len(f.InlineQos) > 0 {
		flags |= FlagInlineQos
	}
	start := b.beginSubmessage(SubmessageDataFrag, flags)
	b.appendU16(0)  // extra flags
	b.appendU16(28) // octets to inline QoS
	b.buf = append(b.buf, f.ReaderID[:]...)
	b.buf = append(b.buf, f.WriterID[:]...)
	b.appendSeq(f.WriterSN)
	b.appendU32(f.FragmentStartNum)
	b.appendU16(f.FragmentsInSub)
	b.appendU16(f.FragmentSize)
	b.appendU32(f.SampleSize)
	b.buf = append(b.buf, f.InlineQos...)
	b.buf = append(b.buf, f.Payload...)
	// Unpadded for the same reason as DATA.
	binary.LittleEndian.PutUint16(b.buf[start-2:start], uint16(len(b.buf)-start))
}

// AddHeartbeat appends a HEARTBEAT submessage.
func (b *MessageBuilder) AddHeartbeat(hb Heartbeat) {
	var flags uint8
	if hb.Final {
		flags |= FlagFinal
	}
	if hb.Liveliness {
		flags |= FlagLiveliness
	}
	start := b.beginSubmessage(SubmessageHeartbeat, flags)
	b.buf = append(b.buf, hb.ReaderID[:]...)
	b.buf = append(b.buf, hb.WriterID[:]...)
	b.appendSeq(hb.FirstSN)
	b.appendSeq(hb.LastSN)
	b.appendU32(hb.Count)
	b.endSubmessage(start)
}

// AddAckNack appends an ACKNACK submessage.
func (b *MessageBuilder) AddAckNack(an AckNack) {
	var flags uint8
	if an.Final {
		flags |= FlagFinal
	}
	start := b.beginSubmessage(SubmessageAckNack, flags)
	b.buf = append(b.buf, an.ReaderID[:]...)
	b.buf = append(b.buf, an.WriterID[:]...)
	b.appendSNSet(an.State)
	b.appendU32(an.Count)
	b.endSubmessage(start)
}

// AddGap appends a GAP submessage.
func (b *MessageBuilder) AddGap(g Gap) {
	start := b.beginSubmessage(SubmessageGap, 0)
	b.buf = append(b.buf, g.ReaderID[:]...)
	b.buf = append(b.buf, g.WriterID[:]...)
	b.appendSeq(g.GapStart)
	b.appendSNSet(g.GapList)
	b.endSubmessage(start)
}

// AddNackFrag appends a NACK_FRAG submessage.
func (b *MessageBuilder) AddNackFrag(nf NackFrag) {
	start := b.beginSubmessage(SubmessageNackFrag, 0)
	b.buf = append(b.buf, nf.ReaderID[:]...)
	b.buf = append(b.buf, nf.WriterID[:]...)
	b.appendSeq(nf.WriterSN)
	b.appendFragSet(nf.State)
	b.appendU32(nf.Count)
	b.endSubmessage(start)
}

// AddHeartbeatFrag appends a HEARTBEAT_FRAG submessage.
func (b *MessageBuilder) AddHeartbeatFrag(hf HeartbeatFrag) {
	start := b.beginSubmessage(SubmessageHeartbeatFrag, 0)
	b.buf = append(b.buf, hf.ReaderID[:]...)
	b.buf = append(b.buf, hf.WriterID[:]...)
	b.appendSeq(hf.WriterSN)
	b.appendU32(hf.LastFragNum)
	b.appendU32(hf.Count)
	b.endSubmessage(start)
}

// AddPad appends a PAD submessage of the given body length.
func (b *MessageBuilder) AddPad(n int) error {
	if n < 0 || n%4 != 0 {
		return fmt.Errorf("pad length %d must be a non-negative multiple of 4", n)
	}
	start := b.beginSubmessage(SubmessagePad, 0)
	b.buf = append(b.buf, make([]byte, n)...)
	b.endSubmessage(start)
	return nil
}
