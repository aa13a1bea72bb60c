package dds

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hdds-platform/hdds/cdr"
	"github.com/hdds-platform/hdds/internal/history"
	"github.com/hdds-platform/hdds/internal/merge"
	"github.com/hdds-platform/hdds/internal/ring"
	"github.com/hdds-platform/hdds/internal/slab"
	"github.com/hdds-platform/hdds/qos"
	"github.com/hdds-platform/hdds/reliability"
	"github.com/hdds-platform/hdds/rtps"
	"github.com/hdds-platform/hdds/transport/shm"
)

var (
	// ErrBusy means the writer could not accept the sample: the history
	// cache is full of unacknowledged samples or the pool is exhausted.
	// The application may retry, drop, or widen history.
	ErrBusy = errors.New("dds: writer busy")
	// ErrClosed means the entity was already closed.
	ErrClosed = errors.New("dds: entity closed")
)

// writerCore is the untyped machinery under a DataWriter.
type writerCore struct {
	log     *zap.SugaredLogger
	p       *Participant
	topic   Topic
	profile qos.Profile
	guid    rtps.GUID

	pool   *slab.Pool
	cache  *history.Cache
	ring   *ring.Ring
	merger *merge.Merger
	rel    *reliability.Writer

	// drainMu serializes ring consumption between the data worker and
	// close, keeping the ring's single-consumer contract.
	drainMu sync.Mutex

	shmMu     sync.Mutex
	shmSeg    *shm.Segment
	shmWriter *shm.RingWriter

	status  *StatusCondition
	statsMu sync.Mutex
	offered  IncompatibleQosStatus
	matched  MatchedStatus
	lost     SampleLostStatus
	deadline DeadlineMissedStatus

	mu        sync.Mutex
	nextSeq   int64
	closed    bool
	lastWrite time.Time

	// reportedRetransmits is the protocol-engine retransmit count already
	// forwarded to the participant metrics. Touched only on the data
	// worker.
	reportedRetransmits uint64
}

func newWriterCore(p *Participant, topic Topic, profile qos.Profile, guid rtps.GUID) *writerCore {
	reliable := profile.Reliability.Kind == qos.Reliable
	cache := history.New(p.pool, history.Config{
		Depth:    profile.History.EffectiveDepth(),
		Reliable: reliable,
		Lifespan: profile.Lifespan.Duration,
	})

	w := &writerCore{
		log:     p.log,
		p:       p,
		topic:   topic,
		profile: profile,
		guid:    guid,
		pool:    p.pool,
		cache:   cache,
		ring:    ring.New(p.cfg.Ring.Capacity),
		status:  NewStatusCondition(),
	}
	if profile.Durability.Kind >= qos.TransientLocal {
		w.merger = merge.WithHistory(p.pool, cache)
	} else {
		w.merger = merge.New(p.pool)
	}
	w.rel = reliability.NewWriter(guid, cache, p.pool, p.sendSecured, reliability.WriterConfig{
		Reliable: reliable,
	}, p.log)
	w.rel.OnSampleLost = func(seq int64) {
		w.noteSampleLost()
	}
	return w
}

// GUID returns the writer's endpoint GUID.
func (w *writerCore) GUID() rtps.GUID { return w.guid }

// StatusCondition returns the writer's status condition.
func (w *writerCore) StatusCondition() *StatusCondition { return w.status }

// OfferedIncompatibleQos returns the accumulated mismatch status.
func (w *writerCore) OfferedIncompatibleQos() IncompatibleQosStatus {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.offered
}

// PublicationMatched returns the match counts.
func (w *writerCore) PublicationMatched() MatchedStatus {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.matched
}

// writeEncoded serializes a sample into a slab buffer, caches it, and
// hands it to the data worker. Success means the sample is cached;
// acknowledgments are tracked asynchronously.
func (w *writerCore) writeEncoded(marshal func(*cdr.Encoder) error) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.mu.Unlock()

	h, err := w.pool.Alloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	enc := cdr.NewEncoder(w.pool.Get(h))
	if err := enc.WriteEncapsulation(cdr.EncapsCDRLE); err != nil {
		w.pool.Release(h)
		return err
	}
	if err := marshal(enc); err != nil {
		w.pool.Release(h)
		return err
	}
	size := 4 + enc.Len()
	w.pool.SetLen(h, size)

	now := time.Now()
	w.mu.Lock()
	seq := w.nextSeq + 1
	w.pool.Retain(h) // cache's reference
	if err := w.cache.Insert(seq, h, size, now); err != nil {
		w.mu.Unlock()
		w.pool.Release(h) // the reference retained for the cache
		w.pool.Release(h) // the writer's own reference
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	w.nextSeq = seq
	w.lastWrite = now
	w.mu.Unlock()

	entry := ring.Entry{
		Seq:         uint32(seq),
		Handle:      h,
		Len:         uint32(size),
		TimestampNS: uint64(now.UnixNano()),
	}
	if !w.ring.Push(entry) {
		// The sample is cached; reliable readers will recover it through
		// the heartbeat path. The in-process fan-out for this write is
		// lost.
		w.pool.Release(h)
		w.noteSampleLost()
	}
	w.p.wakeDataWorker()
	return nil
}

// drain runs on the data worker: fan out and transmit every committed
// entry.
func (w *writerCore) drain() {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()
	for {
		entry, ok := w.ring.Pop()
		if !ok {
			return
		}
		w.merger.Push(entry)
		payload := w.pool.Bytes(entry.Handle)
		ts := time.Unix(0, int64(entry.TimestampNS))
		w.rel.OnWrite(int64(entry.Seq), payload, ts)
		w.pushSHM(payload, ts)
		w.p.metrics.MessagesSent.Add(1)
		w.pool.Release(entry.Handle)
	}
}

func (w *writerCore) pushSHM(payload []byte, ts time.Time) {
	w.shmMu.Lock()
	writer := w.shmWriter
	w.shmMu.Unlock()
	if writer == nil {
		return
	}
	if err := writer.Push(payload, ts); err != nil {
		w.log.Debugw("shm push failed", "topic", w.topic.Name, "error", err)
	}
}

// enableSHM lazily creates the writer's shared-memory ring once an
// eligible same-host reader matched.
func (w *writerCore) enableSHM() {
	w.shmMu.Lock()
	defer w.shmMu.Unlock()
	if w.shmWriter != nil {
		return
	}
	name := shm.SegmentName(w.p.domainID, w.guid)
	capacity := w.p.cfg.Shm.Capacity
	slotSize := int(w.p.cfg.Shm.SlotSize.Bytes())
	seg, err := shm.CreateSegment(name, shm.SegmentSize(capacity, slotSize))
	if err != nil {
		w.log.Warnw("shm segment creation failed, staying on udp", "error", err)
		return
	}
	writer, err := shm.NewRingWriter(seg, capacity, slotSize, w.topic.Name)
	if err != nil {
		seg.Close()
		w.log.Warnw("shm ring init failed, staying on udp", "error", err)
		return
	}
	w.shmSeg = seg
	w.shmWriter = writer
	w.log.Infow("shm transport enabled", "topic", w.topic.Name, "segment", name)
}

// tick runs periodic protocol work on the data worker.
func (w *writerCore) tick(now time.Time) {
	w.rel.Tick(now)
	w.checkDeadline(now)
	if n := w.rel.Retransmits(); n > w.reportedRetransmits {
		w.p.metrics.Retransmits.Add(n - w.reportedRetransmits)
		w.reportedRetransmits = n
	}
}

func (w *writerCore) checkDeadline(now time.Time) {
	if w.profile.Deadline.Period <= 0 {
		return
	}
	w.mu.Lock()
	last := w.lastWrite
	w.mu.Unlock()
	if last.IsZero() || now.Sub(last) <= w.profile.Deadline.Period {
		return
	}
	w.mu.Lock()
	w.lastWrite = now // one status edge per missed period
	w.mu.Unlock()
	w.statsMu.Lock()
	w.deadline.TotalCount++
	w.statsMu.Unlock()
	w.status.raise(StatusDeadlineMissed)
}

func (w *writerCore) noteSampleLost() {
	w.statsMu.Lock()
	w.lost.TotalCount++
	w.statsMu.Unlock()
	w.p.metrics.SamplesLost.Add(1)
	w.status.raise(StatusSampleLost)
}

func (w *writerCore) noteIncompatible(policy qos.PolicyID) {
	w.statsMu.Lock()
	w.offered.TotalCount++
	w.offered.LastPolicy = policy
	w.statsMu.Unlock()
	w.status.raise(StatusOfferedIncompatibleQos)
}

func (w *writerCore) noteMatched(delta int) {
	w.statsMu.Lock()
	if delta > 0 {
		w.matched.TotalCount += delta
	}
	w.matched.CurrentCount += delta
	w.statsMu.Unlock()
	w.status.raise(StatusPublicationMatched)
}

// close tears the writer down: unregister, SEDP dispose, release cache.
func (w *writerCore) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.p.removeWriter(w)
	// Drain remaining ring references.
	w.drainMu.Lock()
	for {
		entry, ok := w.ring.Pop()
		if !ok {
			break
		}
		w.pool.Release(entry.Handle)
	}
	w.drainMu.Unlock()
	w.cache.Clear()
	w.shmMu.Lock()
	if w.shmSeg != nil {
		w.shmSeg.Close()
		w.shmSeg, w.shmWriter = nil, nil
	}
	w.shmMu.Unlock()
}
