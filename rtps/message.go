package rtps

// RTPS message header: 'R','T','P','S', version, vendor, guid prefix.
const (
	HeaderSize = 20
	// SubmessageHeaderSize is id + flags + octets-to-next-header.
	SubmessageHeaderSize = 4
)

var protocolMagic = [4]byte{'R', 'T', 'P', 'S'}

// Submessage identifiers.
const (
	SubmessagePad           uint8 = 0x01
	SubmessageAckNack       uint8 = 0x06
	SubmessageHeartbeat     uint8 = 0x07
	SubmessageGap           uint8 = 0x08
	SubmessageInfoTS        uint8 = 0x09
	SubmessageInfoSrc       uint8 = 0x0c
	SubmessageInfoReplyIP4  uint8 = 0x0d
	SubmessageInfoDst       uint8 = 0x0e
	SubmessageInfoReply     uint8 = 0x0f
	SubmessageNackFrag      uint8 = 0x12
	SubmessageHeartbeatFrag uint8 = 0x13
	SubmessageData          uint8 = 0x15
	SubmessageDataFrag      uint8 = 0x16
)

// Submessage flag bits. Bit 0 is always endianness (1 = little endian).
const (
	FlagEndianness uint8 = 0x01
	FlagInlineQos  uint8 = 0x02 // DATA, DATA_FRAG
	FlagData       uint8 = 0x04 // DATA: serialized payload present
	FlagKey        uint8 = 0x08 // DATA: payload is the key
	FlagFinal      uint8 = 0x02 // HEARTBEAT, ACKNACK
	FlagLiveliness uint8 = 0x04 // HEARTBEAT
	FlagInvalidate uint8 = 0x02 // INFO_TS
)

// Header is the 20-byte RTPS message header.
type Header struct {
	Version    ProtocolVersion
	Vendor     VendorID
	GUIDPrefix GUIDPrefix
}

// Data is a parsed DATA submessage.
type Data struct {
	ReaderID  EntityID
	WriterID  EntityID
	WriterSN  int64
	InlineQos []byte
	// Payload is the serialized payload including its encapsulation
	// header. It aliases the receive buffer and must be copied before the
	// buffer is released.
	Payload []byte
	KeyOnly bool
}

// DataFrag is a parsed DATA_FRAG submessage.
type DataFrag struct {
	ReaderID         EntityID
	WriterID         EntityID
	WriterSN         int64
	FragmentStartNum uint32 // 1-based
	FragmentsInSub   uint16
	FragmentSize     uint16
	SampleSize       uint32
	InlineQos        []byte
	Payload          []byte
}

// Heartbeat is a parsed HEARTBEAT submessage.
type Heartbeat struct {
	ReaderID EntityID
	WriterID EntityID
	FirstSN  int64
	LastSN   int64
	Count    uint32
	Final    bool
	Liveliness bool
}

// AckNack is a parsed ACKNACK submessage.
type AckNack struct {
	ReaderID EntityID
	WriterID EntityID
	State    SequenceNumberSet
	Count    uint32
	Final    bool
}

// Gap is a parsed GAP submessage.
type Gap struct {
	ReaderID EntityID
	WriterID EntityID
	GapStart int64
	GapList  SequenceNumberSet
}

// NackFrag is a parsed NACK_FRAG submessage.
type NackFrag struct {
	ReaderID EntityID
	WriterID EntityID
	WriterSN int64
	State    FragmentNumberSet
	Count    uint32
}

// HeartbeatFrag is a parsed HEARTBEAT_FRAG submessage.
type HeartbeatFrag struct {
	ReaderID    EntityID
	WriterID    EntityID
	WriterSN    int64
	LastFragNum uint32
	Count       uint32
}

// InfoTS carries the source timestamp applied to following DATA.
type InfoTS struct {
	Timestamp  Time
	Invalidate bool
}

// InfoDst retargets following submessages to one participant.
type InfoDst struct {
	GUIDPrefix GUIDPrefix
}
