package dds

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hdds-platform/hdds/filter"
	"github.com/hdds-platform/hdds/internal/merge"
	"github.com/hdds-platform/hdds/internal/ring"
	"github.com/hdds-platform/hdds/internal/slab"
	"github.com/hdds-platform/hdds/qos"
	"github.com/hdds-platform/hdds/reliability"
	"github.com/hdds-platform/hdds/rtps"
	"github.com/hdds-platform/hdds/transport/shm"
)

// writerProxy is the reader's per-matched-writer delivery lane: its own
// SPSC ring keeps samples in sequence per writer while take() merges
// across writers.
type writerProxy struct {
	guid     rtps.GUID
	ring     *ring.Ring
	merge    *merge.Reader // non-nil for in-process writers
	strength int32

	shmSeg    *shm.Segment
	shmReader *shm.RingReader
	shmSeq    int64
}

// readerCore is the untyped machinery under a DataReader.
type readerCore struct {
	log     *zap.SugaredLogger
	p       *Participant
	topic   Topic
	profile qos.Profile
	guid    rtps.GUID
	pool    *slab.Pool

	rel *reliability.Reader
	// filter drops non-matching samples at take time, after sequence
	// tracking has already advanced.
	filter *filter.Filter

	mu       sync.Mutex
	proxies  map[rtps.GUID]*writerProxy
	order    []rtps.GUID // reception-order scan rotation
	owner    rtps.GUID   // exclusive-ownership current owner
	closed   bool
	lastTake time.Time

	status  *StatusCondition
	statsMu sync.Mutex
	requested IncompatibleQosStatus
	matched   MatchedStatus
	lost      SampleLostStatus
	deadline  DeadlineMissedStatus

	readConds []*ReadCondition
}

func newReaderCore(p *Participant, topic Topic, profile qos.Profile, guid rtps.GUID) *readerCore {
	r := &readerCore{
		log:     p.log,
		p:       p,
		topic:   topic,
		profile: profile,
		guid:    guid,
		pool:    p.pool,
		proxies: make(map[rtps.GUID]*writerProxy),
		status:  NewStatusCondition(),
	}
	r.rel = reliability.NewReader(
		guid,
		profile.Reliability.Kind == qos.Reliable,
		p.sendSecured,
		r.depositNetwork,
		p.log,
	)
	return r
}

// GUID returns the reader's endpoint GUID.
func (r *readerCore) GUID() rtps.GUID { return r.guid }

// StatusCondition returns the reader's status condition.
func (r *readerCore) StatusCondition() *StatusCondition { return r.status }

// RequestedIncompatibleQos returns the accumulated mismatch status.
func (r *readerCore) RequestedIncompatibleQos() IncompatibleQosStatus {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.requested
}

// SubscriptionMatched returns the match counts.
func (r *readerCore) SubscriptionMatched() MatchedStatus {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.matched
}

// SampleLost returns the loss counter.
func (r *readerCore) SampleLost() SampleLostStatus {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.lost
}

// CreateReadCondition returns a condition triggered while samples are
// available under the given state masks.
func (r *readerCore) CreateReadCondition(ss SampleState, vs ViewState, is InstanceState) *ReadCondition {
	rc := &ReadCondition{reader: r, sampleStates: ss, viewStates: vs, instanceState: is}
	r.mu.Lock()
	r.readConds = append(r.readConds, rc)
	r.mu.Unlock()
	rc.refresh()
	return rc
}

// available counts undelivered entries across all writer lanes.
func (r *readerCore) available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, proxy := range r.proxies {
		n += proxy.ring.Len()
	}
	return n
}

// attachWriter creates the delivery lane for one matched writer and
// returns the merger registration for in-process writers.
func (r *readerCore) attachWriter(guid rtps.GUID, strength int32, inProcess bool) *merge.Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if proxy, ok := r.proxies[guid]; ok {
		return proxy.merge
	}
	proxy := &writerProxy{
		guid:     guid,
		ring:     ring.New(r.p.cfg.Ring.Capacity),
		strength: strength,
	}
	if inProcess {
		proxy.merge = merge.NewReader(proxy.ring, func() {
			r.status.raise(StatusDataAvailable)
			r.refreshReadConds()
		})
	}
	r.proxies[guid] = proxy
	r.order = append(r.order, guid)
	r.updateOwnerLocked()
	return proxy.merge
}

// detachWriter tears one lane down, draining its references. The drain
// runs under the reader lock, which also serializes take(), so the ring
// keeps a single consumer.
func (r *readerCore) detachWriter(guid rtps.GUID) {
	r.mu.Lock()
	proxy, ok := r.proxies[guid]
	if ok {
		delete(r.proxies, guid)
		for i, g := range r.order {
			if g == guid {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		r.updateOwnerLocked()
		for {
			entry, popped := proxy.ring.Pop()
			if !popped {
				break
			}
			r.pool.Release(entry.Handle)
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.rel.RemoveWriter(guid)
	if proxy.shmSeg != nil {
		proxy.shmSeg.Close()
	}
}

// updateOwnerLocked recomputes the exclusive-ownership owner: strongest
// strength wins, writer GUID string order breaks ties.
func (r *readerCore) updateOwnerLocked() {
	if r.profile.Ownership.Kind != qos.Exclusive {
		return
	}
	r.owner = rtps.GUID{}
	best := int32(0)
	first := true
	for guid, proxy := range r.proxies {
		if first || proxy.strength > best ||
			(proxy.strength == best && guid.String() < r.owner.String()) {
			best = proxy.strength
			r.owner = guid
			first = false
		}
	}
}

// depositNetwork receives in-order samples from the reliable protocol and
// copies them into the writer's lane. Runs on the data worker.
func (r *readerCore) depositNetwork(d reliability.Delivery) {
	r.deposit(d.Writer, d.Seq, d.Payload, d.SourceTS)
}

func (r *readerCore) deposit(writer rtps.GUID, seq int64, payload []byte, sourceTS time.Time) {
	r.mu.Lock()
	proxy, ok := r.proxies[writer]
	exclusiveDrop := r.profile.Ownership.Kind == qos.Exclusive && r.owner != writer
	r.mu.Unlock()
	if !ok || exclusiveDrop {
		return
	}

	h, err := r.pool.AllocCopy(payload)
	if err != nil {
		r.noteSampleLost()
		return
	}
	entry := ring.Entry{
		Seq:         uint32(seq),
		Handle:      h,
		Len:         uint32(len(payload)),
		TimestampNS: uint64(sourceTS.UnixNano()),
	}
	if !proxy.ring.Push(entry) {
		r.pool.Release(h)
		r.noteSampleLost()
		return
	}
	r.p.metrics.MessagesReceived.Add(1)
	r.status.raise(StatusDataAvailable)
	r.refreshReadConds()
}

// takeRaw removes the next sample in delivery order: per-writer in
// sequence, across writers by reception rotation or by source timestamp
// under BY_SOURCE_TIMESTAMP.
func (r *readerCore) takeRaw() (payload []byte, handle slab.Handle, info SampleInfo, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, 0, SampleInfo{}, false
	}

	var chosen *writerProxy
	if r.profile.DestinationOrder.Kind == qos.BySourceTimestamp {
		var bestTS uint64
		for _, guid := range r.order {
			proxy := r.proxies[guid]
			if entry, has := proxy.ring.Peek(); has {
				if chosen == nil || entry.TimestampNS < bestTS {
					chosen = proxy
					bestTS = entry.TimestampNS
				}
			}
		}
	} else {
		for i := range r.order {
			proxy := r.proxies[r.order[i]]
			if _, has := proxy.ring.Peek(); has {
				chosen = proxy
				// Rotate so one talkative writer cannot starve others.
				rotated := make([]rtps.GUID, 0, len(r.order))
				rotated = append(rotated, r.order[i+1:]...)
				rotated = append(rotated, r.order[:i+1]...)
				r.order = rotated
				break
			}
		}
	}
	if chosen == nil {
		r.status.clear(StatusDataAvailable)
		return nil, 0, SampleInfo{}, false
	}

	entry, _ := chosen.ring.Pop()
	now := time.Now()
	r.lastTake = now
	if ts := int64(entry.TimestampNS); ts > 0 && now.UnixNano() > ts {
		r.p.metrics.ObserveLatency(uint64(now.UnixNano() - ts))
	}
	info = SampleInfo{
		Writer:             chosen.guid,
		Seq:                int64(entry.Seq),
		SourceTimestamp:    time.Unix(0, int64(entry.TimestampNS)),
		ReceptionTimestamp: now,
	}
	return r.pool.Bytes(entry.Handle), entry.Handle, info, true
}

// finishTake releases the slab reference after decoding and refreshes
// conditions.
func (r *readerCore) finishTake(handle slab.Handle) {
	r.pool.Release(handle)
	if r.available() == 0 {
		r.status.clear(StatusDataAvailable)
	}
	r.refreshReadConds()
}

func (r *readerCore) refreshReadConds() {
	r.mu.Lock()
	conds := r.readConds
	r.mu.Unlock()
	for _, rc := range conds {
		rc.refresh()
	}
}

// attachSHM opens the shared-memory lane for one eligible remote writer.
func (r *readerCore) attachSHM(writer rtps.GUID) bool {
	name := shm.SegmentName(r.p.domainID, writer)
	seg, err := shm.OpenSegment(name)
	if err != nil {
		r.log.Debugw("shm segment open failed, staying on udp", "segment", name, "error", err)
		return false
	}
	reader, err := shm.NewRingReader(seg, r.topic.Name)
	if err != nil {
		seg.Close()
		r.log.Debugw("shm ring attach failed, staying on udp", "segment", name, "error", err)
		return false
	}
	r.mu.Lock()
	proxy, ok := r.proxies[writer]
	if ok {
		proxy.shmSeg = seg
		proxy.shmReader = reader
	}
	r.mu.Unlock()
	if !ok {
		seg.Close()
		return false
	}
	r.log.Infow("shm transport selected", "topic", r.topic.Name, "writer", writer.String())
	return true
}

// pollSHM drains shared-memory lanes on the data worker.
func (r *readerCore) pollSHM(buf []byte) {
	r.mu.Lock()
	proxies := make([]*writerProxy, 0, len(r.proxies))
	for _, proxy := range r.proxies {
		if proxy.shmReader != nil {
			proxies = append(proxies, proxy)
		}
	}
	r.mu.Unlock()
	for _, proxy := range proxies {
		for {
			n, ts, ok, err := proxy.shmReader.Pop(buf)
			if err != nil {
				if err == shm.ErrOverrun {
					r.noteSampleLost()
					continue
				}
				break
			}
			if !ok {
				break
			}
			proxy.shmSeq++
			r.deposit(proxy.guid, proxy.shmSeq, buf[:n], ts)
		}
	}
}

func (r *readerCore) tick(now time.Time) {
	if r.profile.Deadline.Period <= 0 {
		return
	}
	r.mu.Lock()
	last := r.lastTake
	hasWriters := len(r.proxies) > 0
	if !last.IsZero() && hasWriters && now.Sub(last) > r.profile.Deadline.Period {
		r.lastTake = now
		r.mu.Unlock()
		r.statsMu.Lock()
		r.deadline.TotalCount++
		r.statsMu.Unlock()
		r.status.raise(StatusDeadlineMissed)
		return
	}
	r.mu.Unlock()
}

func (r *readerCore) noteSampleLost() {
	r.statsMu.Lock()
	r.lost.TotalCount++
	r.statsMu.Unlock()
	r.p.metrics.SamplesLost.Add(1)
	r.status.raise(StatusSampleLost)
}

func (r *readerCore) noteIncompatible(policy qos.PolicyID) {
	r.statsMu.Lock()
	r.requested.TotalCount++
	r.requested.LastPolicy = policy
	r.statsMu.Unlock()
	r.status.raise(StatusRequestedIncompatibleQos)
}

func (r *readerCore) noteMatched(delta int) {
	r.statsMu.Lock()
	if delta > 0 {
		r.matched.TotalCount += delta
	}
	r.matched.CurrentCount += delta
	r.statsMu.Unlock()
	r.status.raise(StatusSubscriptionMatched)
}

func (r *readerCore) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	guids := make([]rtps.GUID, 0, len(r.proxies))
	for guid := range r.proxies {
		guids = append(guids, guid)
	}
	r.mu.Unlock()

	r.p.removeReader(r)
	for _, guid := range guids {
		r.detachWriter(guid)
	}
}
