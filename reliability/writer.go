package reliability

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hdds-platform/hdds/internal/history"
	"github.com/hdds-platform/hdds/internal/slab"
	"github.com/hdds-platform/hdds/rtps"
)

// SendFunc transmits one assembled RTPS message to a locator.
type SendFunc func(loc rtps.Locator, pkt []byte) error

// WriterConfig tunes the writer-side protocol.
type WriterConfig struct {
	// HeartbeatPeriod is the periodic HEARTBEAT interval while unacked
	// samples exist.
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	// HeartbeatThreshold triggers an immediate HEARTBEAT when the send
	// window (last sent minus highest acked) exceeds it.
	HeartbeatThreshold int64 `yaml:"heartbeat_threshold"`
	// FragmentSize is the DATA_FRAG payload size.
	FragmentSize int `yaml:"fragment_size"`
	// Reliable disables heartbeat/retransmit machinery when false.
	Reliable bool
}

// DefaultWriterConfig returns nominal protocol timing.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		HeartbeatPeriod:    100 * time.Millisecond,
		HeartbeatThreshold: 32,
		FragmentSize:       DefaultFragmentSize,
	}
}

// readerRecord is the writer's view of one matched remote reader.
type readerRecord struct {
	guid      rtps.GUID
	locators  []rtps.Locator
	multicast []rtps.Locator
	reliable  bool
	acked     int64 // highest contiguously acknowledged seq
}

// Writer is the writer half of the reliable protocol for one DataWriter.
// The entity layer calls OnWrite from the application thread; acknacks and
// ticks arrive from the participant's reliability worker.
type Writer struct {
	log   *zap.SugaredLogger
	cfg   WriterConfig
	guid  rtps.GUID
	cache *history.Cache
	pool  *slab.Pool
	send  SendFunc

	mu       sync.Mutex
	readers  map[rtps.GUID]*readerRecord
	lastSent int64
	hbCount  uint32
	lastHB   time.Time

	// OnSampleLost is invoked with sequence numbers evicted before every
	// reader acknowledged them.
	OnSampleLost func(seq int64)

	retransmits uint64
	gaps        uint64
}

// NewWriter wires the writer protocol to its cache and transport.
func NewWriter(guid rtps.GUID, cache *history.Cache, pool *slab.Pool, send SendFunc, cfg WriterConfig, log *zap.SugaredLogger) *Writer {
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = DefaultWriterConfig().HeartbeatPeriod
	}
	if cfg.HeartbeatThreshold <= 0 {
		cfg.HeartbeatThreshold = DefaultWriterConfig().HeartbeatThreshold
	}
	if cfg.FragmentSize <= 0 {
		cfg.FragmentSize = DefaultFragmentSize
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Writer{
		log:     log,
		cfg:     cfg,
		guid:    guid,
		cache:   cache,
		pool:    pool,
		send:    send,
		readers: make(map[rtps.GUID]*readerRecord),
	}
}

// Retransmits returns how many samples were retransmitted.
func (w *Writer) Retransmits() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retransmits
}

// AddReader registers a matched remote reader.
func (w *Writer) AddReader(guid rtps.GUID, unicast, multicast []rtps.Locator, reliable bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readers[guid] = &readerRecord{
		guid:      guid,
		locators:  unicast,
		multicast: multicast,
		reliable:  reliable,
	}
}

// RemoveReader forgets a departed reader and unpins it from the ack floor.
func (w *Writer) RemoveReader(guid rtps.GUID) {
	w.mu.Lock()
	delete(w.readers, guid)
	w.mu.Unlock()
	w.cache.ForgetReader(guid.String())
}

// RemoveReaderPrefix drops every reader of one departed participant.
func (w *Writer) RemoveReaderPrefix(prefix rtps.GUIDPrefix) {
	w.mu.Lock()
	var gone []rtps.GUID
	for guid := range w.readers {
		if guid.Prefix == prefix {
			gone = append(gone, guid)
			delete(w.readers, guid)
		}
	}
	w.mu.Unlock()
	for _, guid := range gone {
		w.cache.ForgetReader(guid.String())
	}
}

// MatchedReaders returns the current remote reader count.
func (w *Writer) MatchedReaders() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.readers)
}

// OnWrite transmits one freshly cached sample to every matched remote
// reader, fragmenting when the payload exceeds the fragment size. The
// sample must already be in the cache.
func (w *Writer) OnWrite(seq int64, payload []byte, ts time.Time) {
	w.mu.Lock()
	if seq > w.lastSent {
		w.lastSent = seq
	}
	targets := w.destinations()
	needHB := w.cfg.Reliable && w.lastSent-w.ackFloorLocked() > w.cfg.HeartbeatThreshold
	w.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	pkts := w.buildDataPackets(seq, payload, ts, nil)
	for _, loc := range targets {
		for _, pkt := range pkts {
			if err := w.send(loc, pkt); err != nil {
				w.log.Debugw("data send failed", "locator", loc.String(), "error", err)
			}
		}
	}
	if needHB {
		w.sendHeartbeat()
	}
}

// destinations returns the deduplicated send targets: each reader's first
// unicast locator, or the shared multicast locator when every reader
// advertises the same one.
func (w *Writer) destinations() []rtps.Locator {
	if len(w.readers) == 0 {
		return nil
	}
	var shared *rtps.Locator
	sharedByAll := true
	for _, r := range w.readers {
		if len(r.multicast) == 0 {
			sharedByAll = false
			break
		}
		if shared == nil {
			shared = &r.multicast[0]
		} else if *shared != r.multicast[0] {
			sharedByAll = false
			break
		}
	}
	if sharedByAll && shared != nil {
		return []rtps.Locator{*shared}
	}

	seen := make(map[rtps.Locator]bool)
	var out []rtps.Locator
	for _, r := range w.readers {
		for _, loc := range r.locators {
			if !seen[loc] {
				seen[loc] = true
				out = append(out, loc)
			}
			break
		}
	}
	return out
}

func (w *Writer) buildDataPackets(seq int64, payload []byte, ts time.Time, onlyFrags []uint32) [][]byte {
	if len(payload) <= w.cfg.FragmentSize {
		b := rtps.NewMessageBuilder(w.guid.Prefix)
		b.AddInfoTS(rtps.NewTime(ts))
		b.AddData(rtps.Data{
			ReaderID: rtps.EntityIDUnknown,
			WriterID: w.guid.EntityID,
			WriterSN: seq,
			Payload:  payload,
		})
		return [][]byte{b.Bytes()}
	}

	frags := Fragment(w.guid.EntityID, rtps.EntityIDUnknown, seq, payload, w.cfg.FragmentSize, onlyFrags)
	pkts := make([][]byte, 0, len(frags))
	for _, frag := range frags {
		b := rtps.NewMessageBuilder(w.guid.Prefix)
		b.AddInfoTS(rtps.NewTime(ts))
		b.AddDataFrag(frag)
		pkts = append(pkts, b.Bytes())
	}
	return pkts
}

// Tick drives periodic heartbeats and the lifespan sweep.
func (w *Writer) Tick(now time.Time) {
	for _, seq := range w.cache.SweepLifespan(now) {
		w.sendGap(seq, nil)
	}
	if !w.cfg.Reliable {
		return
	}
	w.mu.Lock()
	due := now.Sub(w.lastHB) >= w.cfg.HeartbeatPeriod
	unacked := w.lastSent > w.ackFloorLocked()
	w.mu.Unlock()
	if due && unacked {
		w.sendHeartbeat()
	}
}

func (w *Writer) ackFloorLocked() int64 {
	floor := int64(-1)
	for _, r := range w.readers {
		if !r.reliable {
			continue
		}
		if floor < 0 || r.acked < floor {
			floor = r.acked
		}
	}
	if floor < 0 {
		return w.lastSent
	}
	return floor
}

func (w *Writer) sendHeartbeat() {
	first, last := w.cache.Bounds()
	if last == 0 {
		return
	}
	w.mu.Lock()
	w.hbCount++
	count := w.hbCount
	w.lastHB = time.Now()
	targets := w.destinations()
	w.mu.Unlock()

	b := rtps.NewMessageBuilder(w.guid.Prefix)
	b.AddHeartbeat(rtps.Heartbeat{
		ReaderID: rtps.EntityIDUnknown,
		WriterID: w.guid.EntityID,
		FirstSN:  first,
		LastSN:   last,
		Count:    count,
	})
	for _, loc := range targets {
		w.send(loc, b.Bytes())
	}
}

// OnAckNack processes one reader's ACKNACK: everything below the base is
// acked; every set bit is retransmitted from cache or answered with GAP.
func (w *Writer) OnAckNack(reader rtps.GUID, an rtps.AckNack) {
	w.mu.Lock()
	rec, known := w.readers[reader]
	if known && an.State.Base-1 > rec.acked {
		rec.acked = an.State.Base - 1
	}
	w.mu.Unlock()
	if !known {
		return
	}
	w.cache.AckUpTo(reader.String(), an.State.Base-1)

	missing := an.State.Numbers()
	if len(missing) == 0 {
		return
	}
	var gapped []int64
	for _, seq := range missing {
		sample, ok := w.cache.Get(seq)
		if !ok {
			gapped = append(gapped, seq)
			if w.OnSampleLost != nil {
				w.OnSampleLost(seq)
			}
			continue
		}
		payload := w.pool.Bytes(sample.Handle)
		pkts := w.buildDataPackets(seq, payload, sample.SourceTS, nil)
		w.mu.Lock()
		w.retransmits++
		w.mu.Unlock()
		for _, loc := range rec.locators {
			for _, pkt := range pkts {
				w.send(loc, pkt)
			}
			break
		}
	}
	if len(gapped) > 0 {
		w.sendGapTo(rec, gapped)
	}
}

// OnNackFrag re-fragments the named sample and resends only the listed
// fragment numbers.
func (w *Writer) OnNackFrag(reader rtps.GUID, nf rtps.NackFrag) {
	w.mu.Lock()
	rec, known := w.readers[reader]
	w.mu.Unlock()
	if !known {
		return
	}
	sample, ok := w.cache.Get(nf.WriterSN)
	if !ok {
		w.sendGapTo(rec, []int64{nf.WriterSN})
		return
	}
	payload := w.pool.Bytes(sample.Handle)
	pkts := w.buildDataPackets(nf.WriterSN, payload, sample.SourceTS, nf.State.Numbers())
	w.mu.Lock()
	w.retransmits++
	w.mu.Unlock()
	for _, loc := range rec.locators {
		for _, pkt := range pkts {
			w.send(loc, pkt)
		}
		break
	}
}

// sendGap announces permanently missing sequence numbers to every matched
// reader; sendGapTo addresses one reader record.
func (w *Writer) sendGap(seq int64, extra []int64) {
	w.mu.Lock()
	readers := make([]*readerRecord, 0, len(w.readers))
	for _, r := range w.readers {
		readers = append(readers, r)
	}
	w.gaps++
	w.mu.Unlock()
	for _, rec := range readers {
		w.sendGapTo(rec, append([]int64{seq}, extra...))
	}
}

func (w *Writer) sendGapTo(rec *readerRecord, seqs []int64) {
	if len(seqs) == 0 {
		return
	}
	start := seqs[0]
	for _, s := range seqs {
		if s < start {
			start = s
		}
	}
	gap := rtps.Gap{
		ReaderID: rec.guid.EntityID,
		WriterID: w.guid.EntityID,
		GapStart: start,
		GapList:  rtps.SequenceNumberSet{Base: start + 1},
	}
	for _, s := range seqs {
		if s > start {
			off := s - gap.GapList.Base
			if off >= 0 && off < 256 {
				gap.GapList.SetBit(uint32(off))
			}
		}
	}
	b := rtps.NewMessageBuilder(w.guid.Prefix)
	b.AddGap(gap)
	for _, loc := range rec.locators {
		w.send(loc, b.Bytes())
		break
	}
}
