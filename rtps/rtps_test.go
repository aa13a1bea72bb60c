package rtps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	data       []Data
	dataTS     []Time
	frags      []DataFrag
	heartbeats []Heartbeat
	acknacks   []AckNack
	gaps       []Gap
	nackFrags  []NackFrag
	hbFrags    []HeartbeatFrag
}

func (c *collector) OnData(d Data, ts Time)           { c.data = append(c.data, d); c.dataTS = append(c.dataTS, ts) }
func (c *collector) OnDataFrag(f DataFrag, _ Time)    { c.frags = append(c.frags, f) }
func (c *collector) OnHeartbeat(hb Heartbeat)         { c.heartbeats = append(c.heartbeats, hb) }
func (c *collector) OnAckNack(an AckNack)             { c.acknacks = append(c.acknacks, an) }
func (c *collector) OnGap(g Gap)                      { c.gaps = append(c.gaps, g) }
func (c *collector) OnNackFrag(nf NackFrag)           { c.nackFrags = append(c.nackFrags, nf) }
func (c *collector) OnHeartbeatFrag(hf HeartbeatFrag) { c.hbFrags = append(c.hbFrags, hf) }

func testPrefix() GUIDPrefix {
	var p GUIDPrefix
	for i := range p {
		p[i] = byte(i + 1)
	}
	return p
}

func TestHeaderRoundTrip(t *testing.T) {
	b := NewMessageBuilder(testPrefix())
	h, err := ParseHeader(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, Version24, h.Version)
	assert.Equal(t, VendorHDDS, h.Vendor)
	assert.Equal(t, testPrefix(), h.GUIDPrefix)
}

func TestNotRTPS(t *testing.T) {
	_, err := ParseHeader([]byte("GARBAGE-PACKET-HERE!"))
	require.ErrorIs(t, err, ErrNotRTPS)
}

func TestDataRoundTripWithTimestamp(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	b := NewMessageBuilder(testPrefix())
	b.AddInfoTS(NewTime(now))
	b.AddData(Data{
		ReaderID: EntityIDUnknown,
		WriterID: NewUserEntityID(7, KindUserWriterNoKey),
		WriterSN: 42,
		Payload:  []byte{0x00, 0x01, 0x00, 0x00, 0xaa, 0xbb},
	})

	var c collector
	_, err := WalkMessage(b.Bytes(), GUIDPrefix{}, &c)
	require.NoError(t, err)
	require.Len(t, c.data, 1)
	assert.Equal(t, int64(42), c.data[0].WriterSN)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0xaa, 0xbb}, c.data[0].Payload)
	assert.WithinDuration(t, now, c.dataTS[0].Std(), 10*time.Millisecond)
}

func TestHeartbeatAckNackRoundTrip(t *testing.T) {
	b := NewMessageBuilder(testPrefix())
	b.AddHeartbeat(Heartbeat{FirstSN: 1, LastSN: 10, Count: 3, Final: true})

	state := SequenceNumberSet{Base: 3}
	state.SetBit(0) // seq 3
	state.SetBit(4) // seq 7
	b.AddAckNack(AckNack{State: state, Count: 9})

	var c collector
	_, err := WalkMessage(b.Bytes(), GUIDPrefix{}, &c)
	require.NoError(t, err)
	require.Len(t, c.heartbeats, 1)
	assert.Equal(t, int64(1), c.heartbeats[0].FirstSN)
	assert.Equal(t, int64(10), c.heartbeats[0].LastSN)
	assert.True(t, c.heartbeats[0].Final)

	require.Len(t, c.acknacks, 1)
	assert.Equal(t, []int64{3, 7}, c.acknacks[0].State.Numbers())
	assert.Equal(t, uint32(9), c.acknacks[0].Count)
}

func TestGapRoundTrip(t *testing.T) {
	gap := Gap{GapStart: 5, GapList: SequenceNumberSet{Base: 7}}
	gap.GapList.SetBit(0)
	gap.GapList.SetBit(2)

	b := NewMessageBuilder(testPrefix())
	b.AddGap(gap)

	var c collector
	_, err := WalkMessage(b.Bytes(), GUIDPrefix{}, &c)
	require.NoError(t, err)
	require.Len(t, c.gaps, 1)
	assert.Equal(t, int64(5), c.gaps[0].GapStart)
	assert.Equal(t, []int64{7, 9}, c.gaps[0].GapList.Numbers())
}

func TestDataFragRoundTrip(t *testing.T) {
	b := NewMessageBuilder(testPrefix())
	b.AddDataFrag(DataFrag{
		WriterID:         NewUserEntityID(1, KindUserWriterNoKey),
		WriterSN:         6,
		FragmentStartNum: 3,
		FragmentsInSub:   1,
		FragmentSize:     1300,
		SampleSize:       100_000,
		Payload:          make([]byte, 1300),
	})

	var c collector
	_, err := WalkMessage(b.Bytes(), GUIDPrefix{}, &c)
	require.NoError(t, err)
	require.Len(t, c.frags, 1)
	assert.Equal(t, uint32(3), c.frags[0].FragmentStartNum)
	assert.Equal(t, uint16(1300), c.frags[0].FragmentSize)
	assert.Equal(t, uint32(100_000), c.frags[0].SampleSize)
	assert.Len(t, c.frags[0].Payload, 1300)
}

func TestNackFragRoundTrip(t *testing.T) {
	nf := NackFrag{WriterSN: 12, Count: 2}
	nf.State.Base = 4
	nf.State.SetBit(0)
	nf.State.SetBit(3)

	b := NewMessageBuilder(testPrefix())
	b.AddNackFrag(nf)

	var c collector
	_, err := WalkMessage(b.Bytes(), GUIDPrefix{}, &c)
	require.NoError(t, err)
	require.Len(t, c.nackFrags, 1)
	assert.Equal(t, []uint32{4, 7}, c.nackFrags[0].State.Numbers())
}

func TestInfoDstSkipsForeignSubmessages(t *testing.T) {
	other := GUIDPrefix{0xff}
	b := NewMessageBuilder(testPrefix())
	b.AddInfoDst(other)
	b.AddData(Data{WriterSN: 1, Payload: []byte{0, 1, 0, 0}})

	var c collector
	_, err := WalkMessage(b.Bytes(), testPrefix(), &c)
	require.NoError(t, err)
	assert.Empty(t, c.data)

	// The same message addressed to us is delivered.
	var c2 collector
	_, err = WalkMessage(b.Bytes(), other, &c2)
	require.NoError(t, err)
	assert.Len(t, c2.data, 1)
}

func TestTruncatedSubmessage(t *testing.T) {
	b := NewMessageBuilder(testPrefix())
	b.AddHeartbeat(Heartbeat{FirstSN: 1, LastSN: 2})
	pkt := b.Bytes()[:len(b.Bytes())-4]

	var c collector
	_, err := WalkMessage(pkt, GUIDPrefix{}, &c)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestUnknownSubmessageSkipped(t *testing.T) {
	b := NewMessageBuilder(testPrefix())
	b.AddPad(4)
	b.buf = append(b.buf, 0x7f, FlagEndianness, 4, 0, 1, 2, 3, 4) // unknown id
	b.AddHeartbeat(Heartbeat{FirstSN: 1, LastSN: 1, Count: 1})

	var c collector
	_, err := WalkMessage(b.Bytes(), GUIDPrefix{}, &c)
	require.NoError(t, err)
	assert.Len(t, c.heartbeats, 1)
}

func TestEntityKinds(t *testing.T) {
	w := NewUserEntityID(5, KindUserWriterNoKey)
	r := NewUserEntityID(5, KindUserReaderNoKey)
	assert.True(t, w.IsWriter())
	assert.False(t, w.IsReader())
	assert.True(t, r.IsReader())
	assert.True(t, EntityIDSPDPWriter.IsBuiltin())
	assert.False(t, w.IsBuiltin())
}

func TestSequenceNumberSetEmpty(t *testing.T) {
	s := SequenceNumberSet{Base: 11}
	assert.True(t, s.IsEmpty())
	s.SetBit(2)
	assert.False(t, s.IsEmpty())
}
