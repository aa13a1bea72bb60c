package reliability

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hdds-platform/hdds/rtps"
)

// Delivery is one in-order sample handed to the entity layer. Payload is
// only valid for the duration of the callback.
type Delivery struct {
	Writer   rtps.GUID
	Seq      int64
	Payload  []byte
	SourceTS time.Time
}

// DeliverFunc receives in-order samples. It runs on the protocol worker
// and must not block.
type DeliverFunc func(d Delivery)

// writerProxy is the reader's view of one matched remote writer.
type writerProxy struct {
	guid     rtps.GUID
	locators []rtps.Locator
	next     int64 // next expected sequence number
	pending  map[int64]pendingSample
	reasm    map[int64]*reassembly
	skip     map[int64]bool // seqs declared gone via GAP
	ackCount uint32
	lastHB   uint32
	strength int32
}

type pendingSample struct {
	payload  []byte
	sourceTS time.Time
}

// Reader is the reader half of the reliable protocol for one DataReader.
type Reader struct {
	log      *zap.SugaredLogger
	guid     rtps.GUID
	reliable bool
	send     SendFunc
	deliver  DeliverFunc

	mu      sync.Mutex
	writers map[rtps.GUID]*writerProxy
	seen    *SeenCache

	duplicates uint64
	acknacks   uint64
}

// NewReader wires the reader protocol to its delivery sink.
func NewReader(guid rtps.GUID, reliable bool, send SendFunc, deliver DeliverFunc, log *zap.SugaredLogger) *Reader {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reader{
		log:      log,
		guid:     guid,
		reliable: reliable,
		send:     send,
		deliver:  deliver,
		writers:  make(map[rtps.GUID]*writerProxy),
		seen:     NewSeenCache(1024, 5*time.Second),
	}
}

// AddWriter registers a matched remote writer with its return locators.
func (r *Reader) AddWriter(guid rtps.GUID, locators []rtps.Locator, strength int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.writers[guid]; ok {
		return
	}
	r.writers[guid] = &writerProxy{
		guid:     guid,
		locators: locators,
		next:     1,
		pending:  make(map[int64]pendingSample),
		reasm:    make(map[int64]*reassembly),
		skip:     make(map[int64]bool),
		strength: strength,
	}
}

// RemoveWriter forgets a departed writer.
func (r *Reader) RemoveWriter(guid rtps.GUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.writers, guid)
}

// MatchedWriters returns the current remote writer count.
func (r *Reader) MatchedWriters() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writers)
}

// Duplicates returns how many already-delivered samples were dropped.
func (r *Reader) Duplicates() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duplicates
}

// OnData routes one DATA submessage from the given writer.
func (r *Reader) OnData(writer rtps.GUID, d rtps.Data, ts rtps.Time) {
	sourceTS := time.Now()
	if !ts.IsInvalid() {
		sourceTS = ts.Std()
	}
	r.mu.Lock()
	w, ok := r.writers[writer]
	if !ok {
		r.mu.Unlock()
		return
	}
	if r.seen.Check(writer, d.WriterSN, time.Now()) {
		r.duplicates++
		r.mu.Unlock()
		return
	}
	r.acceptLocked(w, d.WriterSN, d.Payload, sourceTS)
	r.mu.Unlock()
}

// acceptLocked applies in-seq delivery: deliver-and-drain on the expected
// seq, buffer ahead-of-order, drop stale.
func (r *Reader) acceptLocked(w *writerProxy, seq int64, payload []byte, sourceTS time.Time) {
	switch {
	case seq < w.next:
		r.duplicates++
	case seq == w.next:
		r.deliver(Delivery{Writer: w.guid, Seq: seq, Payload: payload, SourceTS: sourceTS})
		w.next++
		r.drainLocked(w)
	default:
		if r.reliable {
			buf := make([]byte, len(payload))
			copy(buf, payload)
			w.pending[seq] = pendingSample{payload: buf, sourceTS: sourceTS}
		} else {
			// BestEffort is monotonic with holes: jump forward.
			r.deliver(Delivery{Writer: w.guid, Seq: seq, Payload: payload, SourceTS: sourceTS})
			w.next = seq + 1
		}
	}
}

// drainLocked delivers buffered samples and skips gapped seqs until the
// next hole.
func (r *Reader) drainLocked(w *writerProxy) {
	for {
		if w.skip[w.next] {
			delete(w.skip, w.next)
			w.next++
			continue
		}
		p, ok := w.pending[w.next]
		if !ok {
			return
		}
		delete(w.pending, w.next)
		r.deliver(Delivery{Writer: w.guid, Seq: w.next, Payload: p.payload, SourceTS: p.sourceTS})
		w.next++
	}
}

// OnDataFrag deposits one fragment; a completed sample is handled like
// DATA.
func (r *Reader) OnDataFrag(writer rtps.GUID, f rtps.DataFrag, ts rtps.Time) {
	sourceTS := time.Now()
	if !ts.IsInvalid() {
		sourceTS = ts.Std()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.writers[writer]
	if !ok {
		return
	}
	if f.WriterSN < w.next {
		r.duplicates++
		return
	}
	re, ok := w.reasm[f.WriterSN]
	if !ok {
		var err error
		re, err = newReassembly(int(f.SampleSize), int(f.FragmentSize))
		if err != nil {
			r.log.Debugw("bad fragment geometry", "writer", writer.String(), "error", err)
			return
		}
		w.reasm[f.WriterSN] = re
	}
	if re.deposit(f.FragmentStartNum, f.Payload) {
		delete(w.reasm, f.WriterSN)
		if r.seen.Check(writer, f.WriterSN, time.Now()) {
			r.duplicates++
			return
		}
		r.acceptLocked(w, f.WriterSN, re.buf, sourceTS)
	}
}

// OnHeartbeat answers with an ACKNACK naming every missing seq in
// [first..last], or a pure ACK when the reader is caught up. Samples below
// first are no longer retransmittable and are treated as gapped.
func (r *Reader) OnHeartbeat(writer rtps.GUID, hb rtps.Heartbeat) {
	if !r.reliable {
		return
	}
	r.mu.Lock()
	w, ok := r.writers[writer]
	if !ok {
		r.mu.Unlock()
		return
	}
	if hb.Count != 0 && hb.Count == w.lastHB {
		r.mu.Unlock()
		return
	}
	w.lastHB = hb.Count

	if w.next < hb.FirstSN {
		for s := w.next; s < hb.FirstSN; s++ {
			w.skip[s] = true
		}
		r.drainLocked(w)
	}

	state := rtps.SequenceNumberSet{Base: w.next}
	hasGaps := false
	for seq := w.next; seq <= hb.LastSN; seq++ {
		if _, pending := w.pending[seq]; pending {
			continue
		}
		if _, partial := w.reasm[seq]; partial {
			continue
		}
		off := seq - state.Base
		if off >= 0 && off < 256 {
			state.SetBit(uint32(off))
			hasGaps = true
		}
	}
	if !hasGaps {
		state = rtps.SequenceNumberSet{Base: hb.LastSN + 1}
	}
	w.ackCount++
	an := rtps.AckNack{
		ReaderID: r.guid.EntityID,
		WriterID: writer.EntityID,
		State:    state,
		Count:    w.ackCount,
		Final:    !hasGaps,
	}

	// Partially reassembled samples ask for their missing fragments.
	var nackFrags []rtps.NackFrag
	for seq, re := range w.reasm {
		missing := re.missingFragments(256)
		if len(missing) == 0 {
			continue
		}
		nf := rtps.NackFrag{
			ReaderID: r.guid.EntityID,
			WriterID: writer.EntityID,
			WriterSN: seq,
			Count:    w.ackCount,
		}
		base := missing[0]
		nf.State.Base = base
		for _, m := range missing {
			if off := m - base; off < 256 {
				nf.State.SetBit(off)
			}
		}
		nackFrags = append(nackFrags, nf)
	}
	locators := w.locators
	r.acknacks++
	r.mu.Unlock()

	b := rtps.NewMessageBuilder(r.guid.Prefix)
	b.AddInfoDst(writer.Prefix)
	b.AddAckNack(an)
	for _, nf := range nackFrags {
		b.AddNackFrag(nf)
	}
	for _, loc := range locators {
		if err := r.send(loc, b.Bytes()); err == nil {
			break
		}
	}
}

// OnGap marks the listed seqs permanently missing and advances past them.
func (r *Reader) OnGap(writer rtps.GUID, g rtps.Gap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.writers[writer]
	if !ok {
		return
	}
	for seq := g.GapStart; seq < g.GapList.Base; seq++ {
		w.skip[seq] = true
		delete(w.pending, seq)
		delete(w.reasm, seq)
	}
	for _, seq := range g.GapList.Numbers() {
		w.skip[seq] = true
		delete(w.pending, seq)
		delete(w.reasm, seq)
	}
	r.drainLocked(w)
}
