package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hdds-platform/hdds/qos"
	"github.com/hdds-platform/hdds/rtps"
)

// TopicOp is the operation checked against access control.
type TopicOp uint8

const (
	OpPublish TopicOp = iota
	OpSubscribe
)

// SecurityGate is the slice of the security plugin set discovery needs:
// SPDP validation and per-topic access decisions at SEDP match time. The
// permit implementation is installed when security is disabled so the
// discovery path never branches on "enabled".
type SecurityGate interface {
	ValidateParticipant(info ParticipantInfo) error
	CheckTopic(topic string, op TopicOp) error
}

type permitGate struct{}

func (permitGate) ValidateParticipant(ParticipantInfo) error { return nil }
func (permitGate) CheckTopic(string, TopicOp) error          { return nil }

// PermitAll is the gate used when security is disabled.
var PermitAll SecurityGate = permitGate{}

// Handlers receives discovery outcomes. Callbacks run on the FSM worker;
// implementations must not block.
type Handlers struct {
	// EndpointMatched fires once per (local, remote) endpoint pair that
	// passed QoS matching, in both write and read direction.
	EndpointMatched func(local, remote EndpointInfo)
	// EndpointUnmatched fires when a previously matched pair dissolves.
	EndpointUnmatched func(local rtps.GUID, remote EndpointInfo)
	// IncompatibleQoS fires once per incompatible pair.
	IncompatibleQoS func(local EndpointInfo, remote EndpointInfo, inc *qos.Incompatibility)
	// PeerLost fires after a participant's endpoints were removed.
	PeerLost func(prefix rtps.GUIDPrefix)
}

// Config tunes the discovery state machine.
type Config struct {
	// Lease is the participant lease advertised in SPDP.
	Lease time.Duration `yaml:"lease"`
	// SPDPPeriod is the announcement period, at most Lease/3.
	SPDPPeriod time.Duration `yaml:"spdp_period"`
	// Grace extends the lease before expiring a silent peer.
	Grace time.Duration `yaml:"grace"`
	// Tick is the FSM timer period.
	Tick time.Duration `yaml:"tick"`
	// RxPoolSize is the number of pre-allocated receive buffers.
	RxPoolSize int `yaml:"rx_pool_size"`
	// MTU sizes the receive buffers.
	MTU int `yaml:"mtu"`
}

// UnmarshalYAML accepts Go duration strings ("5s", "250ms") for the
// timing fields.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Lease      string `yaml:"lease"`
		SPDPPeriod string `yaml:"spdp_period"`
		Grace      string `yaml:"grace"`
		Tick       string `yaml:"tick"`
		RxPoolSize int    `yaml:"rx_pool_size"`
		MTU        int    `yaml:"mtu"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parse := func(s string, dst *time.Duration) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*dst = d
		return nil
	}
	if err := parse(raw.Lease, &c.Lease); err != nil {
		return err
	}
	if err := parse(raw.SPDPPeriod, &c.SPDPPeriod); err != nil {
		return err
	}
	if err := parse(raw.Grace, &c.Grace); err != nil {
		return err
	}
	if err := parse(raw.Tick, &c.Tick); err != nil {
		return err
	}
	if raw.RxPoolSize > 0 {
		c.RxPoolSize = raw.RxPoolSize
	}
	if raw.MTU > 0 {
		c.MTU = raw.MTU
	}
	return nil
}

// DefaultConfig returns the nominal discovery timing.
func DefaultConfig() Config {
	return Config{
		Lease:      20 * time.Second,
		SPDPPeriod: 5 * time.Second,
		Grace:      2 * time.Second,
		Tick:       time.Second,
		RxPoolSize: 16,
		MTU:        1500,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.SPDPPeriod <= 0 || c.SPDPPeriod > c.Lease/3 {
		c.SPDPPeriod = c.Lease / 3
	}
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.RxPoolSize <= 0 {
		c.RxPoolSize = d.RxPoolSize
	}
	if c.MTU <= 0 {
		c.MTU = d.MTU
	}
}

// SendFunc transmits one packet to a locator; wired to the transport
// dispatch table.
type SendFunc func(loc rtps.Locator, pkt []byte) error

type rxPacket struct {
	bufID int
	data  []byte
	src   netip.AddrPort
}

// builtinWriter is the reliable announcement channel for one builtin
// endpoint: SPDP (periodic re-announce covers loss) and the two SEDP
// writers, which answer ACKNACK with retransmission.
type builtinWriter struct {
	entityID rtps.EntityID
	readerID rtps.EntityID
	seq      int64
	hbCount  uint32
	history  map[int64][]byte
}

func newBuiltinWriter(writer, reader rtps.EntityID) *builtinWriter {
	return &builtinWriter{entityID: writer, readerID: reader, history: make(map[int64][]byte)}
}

func (w *builtinWriter) next(payload []byte) int64 {
	w.seq++
	w.history[w.seq] = payload
	// Announcement history is small; cap it to the latest 64 samples.
	if len(w.history) > 64 {
		oldest := w.seq
		for s := range w.history {
			if s < oldest {
				oldest = s
			}
		}
		delete(w.history, oldest)
	}
	return w.seq
}

// FSM is the discovery state machine: one worker goroutine drains the
// receive queue and a periodic tick drives announcements and lease expiry.
type FSM struct {
	cfg      Config
	log      *zap.SugaredLogger
	local    ParticipantInfo
	send     SendFunc
	gate     SecurityGate
	handlers Handlers
	dialects map[rtps.GUIDPrefix]rtps.Dialect

	db       *ParticipantDB
	registry *TopicRegistry
	pool     *RxPool
	queue    chan rxPacket

	spdp    *builtinWriter
	sedpPub *builtinWriter
	sedpSub *builtinWriter

	mu             sync.Mutex
	localEndpoints map[rtps.GUID]EndpointInfo
	matched        map[[2]rtps.GUID]bool

	dropped uint64
}

// Option configures the FSM.
type Option func(*FSM)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(f *FSM) { f.log = log }
}

// WithSecurity installs the security gate.
func WithSecurity(gate SecurityGate) Option {
	return func(f *FSM) { f.gate = gate }
}

// WithHandlers installs match/loss callbacks.
func WithHandlers(h Handlers) Option {
	return func(f *FSM) { f.handlers = h }
}

// New creates the FSM for a local participant.
func New(cfg Config, local ParticipantInfo, send SendFunc, opts ...Option) *FSM {
	cfg.normalize()
	local.LeaseDuration = cfg.Lease
	local.Protocol = rtps.Version24
	local.Vendor = rtps.VendorHDDS
	local.BuiltinEndpoints = BuiltinSPDPWriter | BuiltinSPDPReader |
		BuiltinSEDPPubWriter | BuiltinSEDPPubReader |
		BuiltinSEDPSubWriter | BuiltinSEDPSubReader

	f := &FSM{
		cfg:            cfg,
		log:            zap.NewNop().Sugar(),
		local:          local,
		send:           send,
		gate:           PermitAll,
		dialects:       make(map[rtps.GUIDPrefix]rtps.Dialect),
		db:             NewParticipantDB(),
		registry:       NewTopicRegistry(),
		pool:           NewRxPool(cfg.RxPoolSize, cfg.MTU),
		queue:          make(chan rxPacket, cfg.RxPoolSize),
		spdp:           newBuiltinWriter(rtps.EntityIDSPDPWriter, rtps.EntityIDSPDPReader),
		sedpPub:        newBuiltinWriter(rtps.EntityIDSEDPPubWriter, rtps.EntityIDSEDPPubReader),
		sedpSub:        newBuiltinWriter(rtps.EntityIDSEDPSubWriter, rtps.EntityIDSEDPSubReader),
		localEndpoints: make(map[rtps.GUID]EndpointInfo),
		matched:        make(map[[2]rtps.GUID]bool),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Registry exposes the topic registry for readers (admin, entity layer).
func (f *FSM) Registry() *TopicRegistry { return f.registry }

// Peers exposes the participant database.
func (f *FSM) Peers() *ParticipantDB { return f.db }

// Pool exposes the receive pool for diagnostics.
func (f *FSM) Pool() *RxPool { return f.pool }

// DialectOf returns the wire dialect selected for a peer by its vendor
// id, defaulting to the standard dialect.
func (f *FSM) DialectOf(prefix rtps.GUIDPrefix) rtps.Dialect {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.dialects[prefix]; ok {
		return d
	}
	return rtps.StandardDialect
}

// Dropped returns packets dropped for want of a buffer or queue slot.
func (f *FSM) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// HandlePacket runs on the listener thread: it copies the datagram into a
// pool buffer and hands it to the worker without allocating.
func (f *FSM) HandlePacket(pkt []byte, src netip.AddrPort) {
	id, buf := f.pool.Acquire()
	if id < 0 {
		f.noteDrop()
		return
	}
	if len(pkt) > len(buf) {
		f.pool.Release(id)
		f.noteDrop()
		return
	}
	n := copy(buf, pkt)
	select {
	case f.queue <- rxPacket{bufID: id, data: buf[:n], src: src}:
	default:
		f.pool.Release(id)
		f.noteDrop()
	}
}

func (f *FSM) noteDrop() {
	f.mu.Lock()
	f.dropped++
	f.mu.Unlock()
}

// Run drives the worker loop until ctx is cancelled, then sends the SPDP
// dispose best-effort.
func (f *FSM) Run(ctx context.Context) error {
	f.announceParticipant(false)

	ticker := time.NewTicker(f.cfg.Tick)
	defer ticker.Stop()
	lastSPDP := time.Now()

	for {
		select {
		case <-ctx.Done():
			f.announceParticipant(true)
			return ctx.Err()
		case pkt := <-f.queue:
			f.process(pkt.data, pkt.src)
			f.pool.Release(pkt.bufID)
		case now := <-ticker.C:
			if now.Sub(lastSPDP) >= f.cfg.SPDPPeriod {
				f.announceParticipant(false)
				lastSPDP = now
			}
			f.expireLeases(now)
		}
	}
}

// AddLocalEndpoint announces a local endpoint over SEDP and matches it
// against already-known remote endpoints.
func (f *FSM) AddLocalEndpoint(e EndpointInfo) {
	f.mu.Lock()
	f.localEndpoints[e.GUID] = e
	f.mu.Unlock()

	f.announceEndpoint(e, false)
	f.matchLocal(e)
}

// RemoveLocalEndpoint sends the SEDP dispose for a local endpoint.
func (f *FSM) RemoveLocalEndpoint(guid rtps.GUID) {
	f.mu.Lock()
	e, ok := f.localEndpoints[guid]
	delete(f.localEndpoints, guid)
	for key := range f.matched {
		if key[0] == guid {
			delete(f.matched, key)
		}
	}
	f.mu.Unlock()
	if ok {
		f.announceEndpoint(e, true)
	}
}

// announceParticipant multicasts SPDP; dispose=true announces departure.
func (f *FSM) announceParticipant(dispose bool) {
	payload := MarshalParticipant(f.local)
	b := rtps.NewMessageBuilder(f.local.GUIDPrefix)
	b.AddInfoTS(rtps.NewTime(time.Now()))
	seq := f.spdp.next(payload)
	b.AddData(rtps.Data{
		ReaderID: f.spdp.readerID,
		WriterID: f.spdp.entityID,
		WriterSN: seq,
		Payload:  payload,
		KeyOnly:  dispose,
	})
	for _, loc := range f.local.MulticastLocators {
		if err := f.send(loc, b.Bytes()); err != nil {
			f.log.Debugw("spdp send failed", "locator", loc.String(), "error", err)
		}
	}
}

func (f *FSM) announceEndpoint(e EndpointInfo, dispose bool) {
	w := f.sedpPub
	if e.Kind == ReaderEndpoint {
		w = f.sedpSub
	}
	payload := MarshalEndpoint(e)
	seq := w.next(payload)

	b := rtps.NewMessageBuilder(f.local.GUIDPrefix)
	b.AddInfoTS(rtps.NewTime(time.Now()))
	b.AddData(rtps.Data{
		ReaderID: w.readerID,
		WriterID: w.entityID,
		WriterSN: seq,
		Payload:  payload,
		KeyOnly:  dispose,
	})
	w.hbCount++
	b.AddHeartbeat(rtps.Heartbeat{
		ReaderID: w.readerID,
		WriterID: w.entityID,
		FirstSN:  boundedFirst(w),
		LastSN:   w.seq,
		Count:    w.hbCount,
	})

	// SEDP goes to the metatraffic locators of every known peer plus the
	// discovery multicast group.
	f.sendMeta(b.Bytes())
}

func boundedFirst(w *builtinWriter) int64 {
	first := w.seq
	for s := range w.history {
		if s < first {
			first = s
		}
	}
	return first
}

func (f *FSM) sendMeta(pkt []byte) {
	sent := false
	peers, _ := f.db.Snapshot()
	for _, peer := range peers {
		for _, loc := range peer.Info.MetatrafficUnicast {
			if err := f.send(loc, pkt); err == nil {
				sent = true
			}
		}
	}
	for _, loc := range f.local.MulticastLocators {
		if err := f.send(loc, pkt); err == nil {
			sent = true
		}
	}
	if !sent {
		f.log.Debugw("sedp announcement had no reachable destination")
	}
}

// process parses one RTPS packet on the worker.
func (f *FSM) process(pkt []byte, src netip.AddrPort) {
	header, err := rtps.ParseHeader(pkt)
	if err != nil {
		f.log.Debugw("discovery packet rejected", "src", src, "error", err)
		return
	}
	if header.GUIDPrefix == f.local.GUIDPrefix {
		return // own multicast loopback
	}
	f.mu.Lock()
	f.dialects[header.GUIDPrefix] = rtps.DialectFor(header.Vendor)
	f.mu.Unlock()
	if _, err := rtps.WalkMessage(pkt, f.local.GUIDPrefix, &fsmVisitor{f: f, src: src}); err != nil {
		f.log.Debugw("discovery packet truncated", "src", src, "error", err)
	}
}

type fsmVisitor struct {
	f   *FSM
	src netip.AddrPort
}

func (v *fsmVisitor) OnData(d rtps.Data, _ rtps.Time) {
	switch d.WriterID {
	case rtps.EntityIDSPDPWriter:
		v.f.onSPDP(d)
	case rtps.EntityIDSEDPPubWriter, rtps.EntityIDSEDPSubWriter:
		v.f.onSEDP(d)
	}
}

func (v *fsmVisitor) OnDataFrag(rtps.DataFrag, rtps.Time) {}
func (v *fsmVisitor) OnHeartbeat(hb rtps.Heartbeat) {
	// Heartbeats from builtin writers are not acknowledged; announcements
	// are idempotent and are re-sent periodically, which covers loss.
	_ = hb
}

func (v *fsmVisitor) OnAckNack(an rtps.AckNack) {
	v.f.onBuiltinAckNack(an)
}

func (v *fsmVisitor) OnGap(rtps.Gap)                     {}
func (v *fsmVisitor) OnNackFrag(rtps.NackFrag)           {}
func (v *fsmVisitor) OnHeartbeatFrag(rtps.HeartbeatFrag) {}

func (f *FSM) onSPDP(d rtps.Data) {
	if d.KeyOnly {
		// Participant dispose: the payload names the departing GUID.
		if info, err := UnmarshalParticipant(d.Payload); err == nil {
			f.removePeer(info.GUIDPrefix, "dispose")
		}
		return
	}
	info, err := UnmarshalParticipant(d.Payload)
	if err != nil {
		f.log.Debugw("invalid spdp", "error", err)
		return
	}
	if info.GUIDPrefix == f.local.GUIDPrefix {
		return
	}
	if info.DomainID != f.local.DomainID {
		return
	}
	if err := f.gate.ValidateParticipant(info); err != nil {
		f.log.Infow("participant rejected by security", "prefix", info.GUIDPrefix.String(), "error", err)
		return
	}
	if f.db.Upsert(info, time.Now()) {
		f.log.Infow("participant discovered",
			"prefix", info.GUIDPrefix.String(),
			"lease", info.LeaseDuration,
		)
		// Introduce ourselves and our endpoints directly to the new peer.
		f.announceParticipantTo(info)
		f.mu.Lock()
		locals := make([]EndpointInfo, 0, len(f.localEndpoints))
		for _, e := range f.localEndpoints {
			locals = append(locals, e)
		}
		f.mu.Unlock()
		for _, e := range locals {
			f.announceEndpoint(e, false)
		}
	}
}

func (f *FSM) announceParticipantTo(peer ParticipantInfo) {
	payload := MarshalParticipant(f.local)
	b := rtps.NewMessageBuilder(f.local.GUIDPrefix)
	b.AddInfoDst(peer.GUIDPrefix)
	b.AddInfoTS(rtps.NewTime(time.Now()))
	b.AddData(rtps.Data{
		ReaderID: rtps.EntityIDSPDPReader,
		WriterID: rtps.EntityIDSPDPWriter,
		WriterSN: f.spdp.next(payload),
		Payload:  payload,
	})
	for _, loc := range peer.MetatrafficUnicast {
		f.send(loc, b.Bytes())
	}
}

func (f *FSM) onSEDP(d rtps.Data) {
	if d.KeyOnly {
		if e, err := UnmarshalEndpoint(d.Payload); err == nil {
			if f.registry.Remove(e.GUID) {
				f.unmatchRemote(e)
				f.log.Infow("endpoint disposed", "guid", e.GUID.String(), "topic", e.TopicName)
			}
		}
		return
	}
	e, err := UnmarshalEndpoint(d.Payload)
	if err != nil {
		f.log.Debugw("invalid sedp", "error", err)
		return
	}
	if e.GUID.Prefix == f.local.GUIDPrefix {
		return
	}
	if d.WriterID == rtps.EntityIDSEDPSubWriter {
		e.Kind = ReaderEndpoint
	} else {
		e.Kind = WriterEndpoint
	}
	if _, known := f.db.Get(e.GUID.Prefix); !known {
		// SEDP before SPDP: drop, the peer will re-announce.
		f.log.Debugw("sedp from unknown participant", "guid", e.GUID.String())
		return
	}
	if f.registry.Insert(e) {
		f.log.Infow("endpoint discovered",
			"guid", e.GUID.String(),
			"topic", e.TopicName,
			"kind", e.Kind.String(),
		)
	}
	f.matchRemote(e)
}

func (f *FSM) onBuiltinAckNack(an rtps.AckNack) {
	var w *builtinWriter
	switch an.WriterID {
	case rtps.EntityIDSPDPWriter:
		w = f.spdp
	case rtps.EntityIDSEDPPubWriter:
		w = f.sedpPub
	case rtps.EntityIDSEDPSubWriter:
		w = f.sedpSub
	default:
		return
	}
	for _, seq := range an.State.Numbers() {
		payload, ok := w.history[seq]
		if !ok {
			continue
		}
		b := rtps.NewMessageBuilder(f.local.GUIDPrefix)
		b.AddData(rtps.Data{
			ReaderID: w.readerID,
			WriterID: w.entityID,
			WriterSN: seq,
			Payload:  payload,
		})
		f.sendMeta(b.Bytes())
	}
}

// matchRemote pairs one remote endpoint against all local endpoints.
func (f *FSM) matchRemote(remote EndpointInfo) {
	f.mu.Lock()
	locals := make([]EndpointInfo, 0, len(f.localEndpoints))
	for _, e := range f.localEndpoints {
		locals = append(locals, e)
	}
	f.mu.Unlock()
	for _, local := range locals {
		f.tryMatch(local, remote)
	}
}

// matchLocal pairs one local endpoint against all known remote endpoints.
func (f *FSM) matchLocal(local EndpointInfo) {
	var remotes []EndpointInfo
	if local.Kind == WriterEndpoint {
		remotes = f.registry.FindReaders(local.TopicName)
	} else {
		remotes = f.registry.FindWriters(local.TopicName)
	}
	for _, remote := range remotes {
		f.tryMatch(local, remote)
	}
}

func (f *FSM) tryMatch(local, remote EndpointInfo) {
	if local.Kind == remote.Kind || local.TopicName != remote.TopicName {
		return
	}
	key := [2]rtps.GUID{local.GUID, remote.GUID}
	f.mu.Lock()
	if f.matched[key] {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	if !local.TypesCompatible(remote) {
		f.log.Infow("type mismatch",
			"topic", local.TopicName,
			"local_type", local.TypeName,
			"remote_type", remote.TypeName,
		)
		return
	}

	offered, requested := local.QoS, remote.QoS
	op := OpPublish
	if local.Kind == ReaderEndpoint {
		offered, requested = remote.QoS, local.QoS
		op = OpSubscribe
	}
	if inc := qos.Match(offered, requested); inc != nil {
		f.log.Infow("incompatible qos",
			"topic", local.TopicName,
			"policy", inc.Policy.String(),
			"detail", inc.Detail,
		)
		if f.handlers.IncompatibleQoS != nil {
			f.handlers.IncompatibleQoS(local, remote, inc)
		}
		return
	}
	if err := f.gate.CheckTopic(local.TopicName, op); err != nil {
		f.log.Infow("match denied by access control", "topic", local.TopicName, "error", err)
		return
	}

	f.mu.Lock()
	f.matched[key] = true
	f.mu.Unlock()
	f.db.MarkMatched(remote.GUID.Prefix)
	f.log.Infow("endpoints matched",
		"topic", local.TopicName,
		"local", local.GUID.String(),
		"remote", remote.GUID.String(),
	)
	if f.handlers.EndpointMatched != nil {
		f.handlers.EndpointMatched(local, remote)
	}
}

func (f *FSM) unmatchRemote(remote EndpointInfo) {
	f.mu.Lock()
	var dissolved [][2]rtps.GUID
	for key := range f.matched {
		if key[1] == remote.GUID {
			dissolved = append(dissolved, key)
			delete(f.matched, key)
		}
	}
	f.mu.Unlock()
	if f.handlers.EndpointUnmatched != nil {
		for _, key := range dissolved {
			f.handlers.EndpointUnmatched(key[0], remote)
		}
	}
}

func (f *FSM) expireLeases(now time.Time) {
	for _, prefix := range f.db.Expired(now, f.cfg.Grace) {
		f.removePeer(prefix, "lease expired")
	}
}

func (f *FSM) removePeer(prefix rtps.GUIDPrefix, reason string) {
	if !f.db.Remove(prefix) {
		return
	}
	removed := f.registry.RemoveByPrefix(prefix)
	for _, e := range removed {
		f.unmatchRemote(e)
	}
	f.mu.Lock()
	delete(f.dialects, prefix)
	f.mu.Unlock()
	f.log.Infow("participant removed",
		"prefix", prefix.String(),
		"reason", reason,
		"endpoints", len(removed),
	)
	if f.handlers.PeerLost != nil {
		f.handlers.PeerLost(prefix)
	}
}

// String renders FSM state for diagnostics.
func (f *FSM) String() string {
	peers, epoch := f.db.Snapshot()
	return fmt.Sprintf("discovery{peers=%d epoch=%d}", len(peers), epoch)
}
