package reliability

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hdds-platform/hdds/internal/history"
	"github.com/hdds-platform/hdds/internal/slab"
	"github.com/hdds-platform/hdds/rtps"
)

type sentPacket struct {
	loc rtps.Locator
	pkt []byte
}

// capture collects everything a protocol engine sends.
type capture struct {
	mu   sync.Mutex
	pkts []sentPacket
}

func (c *capture) send(loc rtps.Locator, pkt []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	c.pkts = append(c.pkts, sentPacket{loc: loc, pkt: buf})
	return nil
}

func (c *capture) walk(t *testing.T, v rtps.MessageVisitor) {
	t.Helper()
	c.mu.Lock()
	pkts := c.pkts
	c.pkts = nil
	c.mu.Unlock()
	for _, p := range pkts {
		_, err := rtps.WalkMessage(p.pkt, rtps.GUIDPrefix{}, v)
		require.NoError(t, err)
	}
}

type collector struct {
	data      []rtps.Data
	frags     []rtps.DataFrag
	hbs       []rtps.Heartbeat
	acknacks  []rtps.AckNack
	gaps      []rtps.Gap
	nackFrags []rtps.NackFrag
}

func (c *collector) OnData(d rtps.Data, _ rtps.Time)      { c.data = append(c.data, d) }
func (c *collector) OnDataFrag(f rtps.DataFrag, _ rtps.Time) { c.frags = append(c.frags, f) }
func (c *collector) OnHeartbeat(hb rtps.Heartbeat)        { c.hbs = append(c.hbs, hb) }
func (c *collector) OnAckNack(an rtps.AckNack)            { c.acknacks = append(c.acknacks, an) }
func (c *collector) OnGap(g rtps.Gap)                     { c.gaps = append(c.gaps, g) }
func (c *collector) OnNackFrag(nf rtps.NackFrag)          { c.nackFrags = append(c.nackFrags, nf) }
func (c *collector) OnHeartbeatFrag(rtps.HeartbeatFrag)   {}

func writerGUID() rtps.GUID {
	return rtps.GUID{
		Prefix:   rtps.GUIDPrefix{1, 2, 3},
		EntityID: rtps.NewUserEntityID(1, rtps.KindUserWriterNoKey),
	}
}

func readerGUID() rtps.GUID {
	return rtps.GUID{
		Prefix:   rtps.GUIDPrefix{9, 9, 9},
		EntityID: rtps.NewUserEntityID(1, rtps.KindUserReaderNoKey),
	}
}

func testLocator() rtps.Locator {
	return rtps.Locator{Kind: rtps.LocatorKindUDPv4, Port: 7411}
}

func newTestWriter(t *testing.T, cap *capture) (*Writer, *history.Cache, *slab.Pool) {
	t.Helper()
	pool, err := slab.NewPool(128, 2048)
	require.NoError(t, err)
	cache := history.New(pool, history.Config{Depth: 32, Reliable: true})
	w := NewWriter(writerGUID(), cache, pool, cap.send, WriterConfig{
		Reliable:        true,
		HeartbeatPeriod: time.Millisecond,
	}, zaptest.NewLogger(t).Sugar())
	return w, cache, pool
}

func cacheSample(t *testing.T, cache *history.Cache, pool *slab.Pool, seq int64, payload []byte) {
	t.Helper()
	h, err := pool.AllocCopy(payload)
	require.NoError(t, err)
	require.NoError(t, cache.Insert(seq, h, len(payload), time.Now()))
}

func TestWriterSendsDataToMatchedReaders(t *testing.T) {
	cap := &capture{}
	w, cache, pool := newTestWriter(t, cap)
	w.AddReader(readerGUID(), []rtps.Locator{testLocator()}, nil, true)

	cacheSample(t, cache, pool, 1, []byte("payload-1"))
	w.OnWrite(1, []byte("payload-1"), time.Now())

	var c collector
	cap.walk(t, &c)
	require.Len(t, c.data, 1)
	assert.Equal(t, int64(1), c.data[0].WriterSN)
	assert.Equal(t, []byte("payload-1"), c.data[0].Payload)
}

// The reliable retransmit exchange: the reader misses 3 and 7 out of
// 1..10, acknacks them, and the writer retransmits both.
func TestWriterRetransmitOnNack(t *testing.T) {
	cap := &capture{}
	w, cache, pool := newTestWriter(t, cap)
	w.AddReader(readerGUID(), []rtps.Locator{testLocator()}, nil, true)

	for seq := int64(1); seq <= 10; seq++ {
		cacheSample(t, cache, pool, seq, []byte{byte(seq)})
		w.OnWrite(seq, []byte{byte(seq)}, time.Now())
	}
	cap.pkts = nil

	state := rtps.SequenceNumberSet{Base: 3}
	state.SetBit(0) // 3
	state.SetBit(4) // 7
	w.OnAckNack(readerGUID(), rtps.AckNack{
		ReaderID: readerGUID().EntityID,
		WriterID: writerGUID().EntityID,
		State:    state,
		Count:    1,
	})

	var c collector
	cap.walk(t, &c)
	require.Len(t, c.data, 2)
	assert.Equal(t, int64(3), c.data[0].WriterSN)
	assert.Equal(t, int64(7), c.data[1].WriterSN)
	assert.Equal(t, uint64(2), w.Retransmits())
}

func TestWriterGapForEvictedSample(t *testing.T) {
	cap := &capture{}
	w, cache, pool := newTestWriter(t, cap)
	w.AddReader(readerGUID(), []rtps.Locator{testLocator()}, nil, true)

	cacheSample(t, cache, pool, 5, []byte{5})
	lost := []int64{}
	w.OnSampleLost = func(seq int64) { lost = append(lost, seq) }

	state := rtps.SequenceNumberSet{Base: 2}
	state.SetBit(0) // seq 2: never cached
	w.OnAckNack(readerGUID(), rtps.AckNack{State: state, Count: 1})

	var c collector
	cap.walk(t, &c)
	require.Len(t, c.gaps, 1)
	assert.Equal(t, int64(2), c.gaps[0].GapStart)
	assert.Equal(t, []int64{2}, lost)
}

func TestWriterPeriodicHeartbeat(t *testing.T) {
	cap := &capture{}
	w, cache, pool := newTestWriter(t, cap)
	w.AddReader(readerGUID(), []rtps.Locator{testLocator()}, nil, true)

	cacheSample(t, cache, pool, 1, []byte{1})
	w.OnWrite(1, []byte{1}, time.Now())
	cap.pkts = nil

	w.Tick(time.Now().Add(time.Second))
	var c collector
	cap.walk(t, &c)
	require.Len(t, c.hbs, 1)
	assert.Equal(t, int64(1), c.hbs[0].FirstSN)
	assert.Equal(t, int64(1), c.hbs[0].LastSN)
}

func TestWriterFragmentsLargePayload(t *testing.T) {
	cap := &capture{}
	w, cache, pool := newTestWriter(t, cap)
	w.AddReader(readerGUID(), []rtps.Locator{testLocator()}, nil, true)

	payload := bytes.Repeat([]byte{0xab}, 100_000)
	// The cache holds a reference by handle; the fragmentation path only
	// needs the payload bytes.
	h, err := pool.AllocCopy(payload[:2048])
	require.NoError(t, err)
	require.NoError(t, cache.Insert(1, h, len(payload), time.Now()))
	w.OnWrite(1, payload, time.Now())

	var c collector
	cap.walk(t, &c)
	require.Len(t, c.frags, 77) // ceil(100000/1300)
	assert.Equal(t, uint32(1), c.frags[0].FragmentStartNum)
	assert.Equal(t, uint32(77), c.frags[76].FragmentStartNum)
	total := 0
	for _, f := range c.frags {
		total += len(f.Payload)
	}
	assert.Equal(t, 100_000, total)
}

func newTestReader(t *testing.T, cap *capture, reliable bool) (*Reader, *[]Delivery) {
	t.Helper()
	deliveries := &[]Delivery{}
	r := NewReader(readerGUID(), reliable, cap.send, func(d Delivery) {
		buf := make([]byte, len(d.Payload))
		copy(buf, d.Payload)
		d.Payload = buf
		*deliveries = append(*deliveries, d)
	}, zaptest.NewLogger(t).Sugar())
	r.AddWriter(writerGUID(), []rtps.Locator{testLocator()}, 0)
	return r, deliveries
}

func data(seq int64, payload []byte) rtps.Data {
	return rtps.Data{
		WriterID: writerGUID().EntityID,
		WriterSN: seq,
		Payload:  payload,
	}
}

func TestReaderInOrderDelivery(t *testing.T) {
	cap := &capture{}
	r, deliveries := newTestReader(t, cap, true)

	for seq := int64(1); seq <= 3; seq++ {
		r.OnData(writerGUID(), data(seq, []byte{byte(seq)}), rtps.TimeInvalid)
	}
	require.Len(t, *deliveries, 3)
	for i, d := range *deliveries {
		assert.Equal(t, int64(i+1), d.Seq)
	}
}

func TestReaderBuffersOutOfOrder(t *testing.T) {
	cap := &capture{}
	r, deliveries := newTestReader(t, cap, true)

	r.OnData(writerGUID(), data(1, []byte{1}), rtps.TimeInvalid)
	r.OnData(writerGUID(), data(3, []byte{3}), rtps.TimeInvalid)
	require.Len(t, *deliveries, 1)

	r.OnData(writerGUID(), data(2, []byte{2}), rtps.TimeInvalid)
	require.Len(t, *deliveries, 3)
	assert.Equal(t, int64(2), (*deliveries)[1].Seq)
	assert.Equal(t, int64(3), (*deliveries)[2].Seq)
}

func TestReaderNoDuplicateDelivery(t *testing.T) {
	cap := &capture{}
	r, deliveries := newTestReader(t, cap, true)

	r.OnData(writerGUID(), data(1, []byte{1}), rtps.TimeInvalid)
	r.OnData(writerGUID(), data(1, []byte{1}), rtps.TimeInvalid)
	require.Len(t, *deliveries, 1)
	assert.Equal(t, uint64(1), r.Duplicates())
}

func TestReaderAckNackOnHeartbeatWithGaps(t *testing.T) {
	cap := &capture{}
	r, _ := newTestReader(t, cap, true)

	r.OnData(writerGUID(), data(1, []byte{1}), rtps.TimeInvalid)
	r.OnData(writerGUID(), data(2, []byte{2}), rtps.TimeInvalid)
	r.OnData(writerGUID(), data(4, []byte{4}), rtps.TimeInvalid)
	r.OnData(writerGUID(), data(8, []byte{8}), rtps.TimeInvalid)

	r.OnHeartbeat(writerGUID(), rtps.Heartbeat{
		WriterID: writerGUID().EntityID,
		FirstSN:  1, LastSN: 8, Count: 1,
	})

	var c collector
	cap.walk(t, &c)
	require.Len(t, c.acknacks, 1)
	an := c.acknacks[0]
	assert.Equal(t, int64(3), an.State.Base)
	assert.Equal(t, []int64{3, 5, 6, 7}, an.State.Numbers())
	assert.False(t, an.Final)
}

func TestReaderPureAckWhenCaughtUp(t *testing.T) {
	cap := &capture{}
	r, _ := newTestReader(t, cap, true)

	for seq := int64(1); seq <= 4; seq++ {
		r.OnData(writerGUID(), data(seq, []byte{byte(seq)}), rtps.TimeInvalid)
	}
	r.OnHeartbeat(writerGUID(), rtps.Heartbeat{FirstSN: 1, LastSN: 4, Count: 1})

	var c collector
	cap.walk(t, &c)
	require.Len(t, c.acknacks, 1)
	assert.Equal(t, int64(5), c.acknacks[0].State.Base)
	assert.True(t, c.acknacks[0].State.IsEmpty())
	assert.True(t, c.acknacks[0].Final)
}

func TestReaderGapAdvances(t *testing.T) {
	cap := &capture{}
	r, deliveries := newTestReader(t, cap, true)

	r.OnData(writerGUID(), data(1, []byte{1}), rtps.TimeInvalid)
	r.OnData(writerGUID(), data(4, []byte{4}), rtps.TimeInvalid)
	require.Len(t, *deliveries, 1)

	// Seqs 2 and 3 will never come.
	r.OnGap(writerGUID(), rtps.Gap{
		GapStart: 2,
		GapList:  rtps.SequenceNumberSet{Base: 4},
	})
	require.Len(t, *deliveries, 2)
	assert.Equal(t, int64(4), (*deliveries)[1].Seq)
}

func TestReaderBestEffortMonotonicWithHoles(t *testing.T) {
	cap := &capture{}
	r, deliveries := newTestReader(t, cap, false)

	r.OnData(writerGUID(), data(1, []byte{1}), rtps.TimeInvalid)
	r.OnData(writerGUID(), data(5, []byte{5}), rtps.TimeInvalid)
	r.OnData(writerGUID(), data(3, []byte{3}), rtps.TimeInvalid) // stale, dropped
	require.Len(t, *deliveries, 2)
	assert.Equal(t, int64(5), (*deliveries)[1].Seq)
}

// The fragmentation round trip: 100 kB in, one reassembled sample out,
// byte for byte.
func TestFragmentationReassembly(t *testing.T) {
	cap := &capture{}
	r, deliveries := newTestReader(t, cap, true)

	payload := make([]byte, 100_000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	frags := Fragment(writerGUID().EntityID, readerGUID().EntityID, 1, payload, DefaultFragmentSize, nil)
	require.Len(t, frags, 77)

	for _, f := range frags {
		r.OnDataFrag(writerGUID(), f, rtps.TimeInvalid)
	}
	require.Len(t, *deliveries, 1)
	assert.Equal(t, int64(1), (*deliveries)[0].Seq)
	assert.True(t, bytes.Equal(payload, (*deliveries)[0].Payload))
}

func TestNackFragForPartialSample(t *testing.T) {
	cap := &capture{}
	r, deliveries := newTestReader(t, cap, true)

	payload := make([]byte, 5200) // 4 fragments
	frags := Fragment(writerGUID().EntityID, readerGUID().EntityID, 1, payload, DefaultFragmentSize, nil)
	require.Len(t, frags, 4)

	// Deliver all but fragment 3.
	for i, f := range frags {
		if i == 2 {
			continue
		}
		r.OnDataFrag(writerGUID(), f, rtps.TimeInvalid)
	}
	require.Empty(t, *deliveries)

	r.OnHeartbeat(writerGUID(), rtps.Heartbeat{FirstSN: 1, LastSN: 1, Count: 1})
	var c collector
	cap.walk(t, &c)
	require.Len(t, c.nackFrags, 1)
	assert.Equal(t, int64(1), c.nackFrags[0].WriterSN)
	assert.Equal(t, []uint32{3}, c.nackFrags[0].State.Numbers())

	// The missing fragment completes the sample.
	r.OnDataFrag(writerGUID(), frags[2], rtps.TimeInvalid)
	require.Len(t, *deliveries, 1)
}

func TestWriterResendsOnlyNackedFragments(t *testing.T) {
	cap := &capture{}
	w, cache, pool := newTestWriter(t, cap)
	w.AddReader(readerGUID(), []rtps.Locator{testLocator()}, nil, true)

	payload := bytes.Repeat([]byte{1}, 2000)
	h, err := pool.AllocCopy(payload)
	require.NoError(t, err)
	require.NoError(t, cache.Insert(1, h, len(payload), time.Now()))

	nf := rtps.NackFrag{WriterSN: 1, Count: 1}
	nf.State.Base = 2
	nf.State.SetBit(0)
	w.OnNackFrag(readerGUID(), nf)

	var c collector
	cap.walk(t, &c)
	require.Len(t, c.frags, 1)
	assert.Equal(t, uint32(2), c.frags[0].FragmentStartNum)
}

func TestSeenCacheWindow(t *testing.T) {
	c := NewSeenCache(4, time.Minute)
	now := time.Now()
	assert.False(t, c.Check(writerGUID(), 1, now))
	assert.True(t, c.Check(writerGUID(), 1, now))
	// Outside the window the key is forgotten.
	assert.False(t, c.Check(writerGUID(), 1, now.Add(2*time.Minute)))
}
