package dds

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hdds-platform/hdds/config"
	"github.com/hdds-platform/hdds/discovery"
	"github.com/hdds-platform/hdds/internal/slab"
	"github.com/hdds-platform/hdds/qos"
	"github.com/hdds-platform/hdds/rtps"
	"github.com/hdds-platform/hdds/security"
	"github.com/hdds-platform/hdds/telemetry"
	"github.com/hdds-platform/hdds/transport"
	"github.com/hdds-platform/hdds/transport/shm"
)

// maxParticipantsPerHost bounds the unicast port probe.
const maxParticipantsPerHost = 32

type options struct {
	log     *zap.SugaredLogger
	cfg     *config.Config
	plugins security.Plugins
	secured bool
}

// Option configures a Participant.
type Option func(*options)

// WithLog sets the participant logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

// WithConfig supplies a full configuration; the default is
// config.DefaultConfig().
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithSecurity enables the security plugins.
func WithSecurity(plugins security.Plugins) Option {
	return func(o *options) {
		o.plugins = plugins.Normalize()
		o.secured = true
	}
}

// Participant is one domain participant: it owns the transports, the
// discovery state machine, the payload pool, and every endpoint created
// under it.
type Participant struct {
	log      *zap.SugaredLogger
	cfg      *config.Config
	domainID int
	index    int
	prefix   rtps.GUIDPrefix
	profile  qos.Profile
	plugins  security.Plugins
	secured  bool

	pool     *slab.Pool
	metrics  *telemetry.Metrics
	dispatch *transport.Dispatch
	meta     *transport.UDP
	data     *transport.UDP
	fsm      *discovery.FSM
	profiles *config.ProfileRegistry
	shmPolicy shm.Policy

	mu        sync.Mutex
	writers   map[rtps.GUID]*writerCore
	readers   map[rtps.GUID]*readerCore
	entityKey uint32
	closed    bool

	peerLocators sync.Map // rtps.Locator -> peer prefix string, for crypto

	rxQueue  chan rxItem
	wakeCh   chan struct{}
	started  time.Time
	cancel   context.CancelFunc
	group    *errgroup.Group
	msgCount atomic.Uint64

	// reportedExhausted mirrors the discovery receive pool's exhaustion
	// count into the metrics. Touched only on the data worker.
	reportedExhausted uint64
}

type rxItem struct {
	pkt []byte
	src netip.AddrPort
}

// NewParticipant joins a domain: it builds a GUID prefix, binds the
// metatraffic and user-traffic sockets, joins the discovery multicast
// group, and starts the discovery and data workers. Construction is the
// only operation that propagates transport errors to the caller.
func NewParticipant(domainID int, profile qos.Profile, opts ...Option) (*Participant, error) {
	o := options{
		log:     zap.NewNop().Sugar(),
		cfg:     config.DefaultConfig(),
		plugins: security.Permit(),
	}
	for _, fn := range opts {
		fn(&o)
	}

	if err := o.plugins.Access.CheckCreateParticipant(domainID); err != nil {
		return nil, err
	}
	if _, err := o.plugins.Auth.ValidateLocalIdentity(); err != nil {
		return nil, err
	}

	pool, err := slab.NewPool(o.cfg.Slab.Count, int(o.cfg.Slab.Size.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create slab pool: %w", err)
	}

	p := &Participant{
		log:      o.log,
		cfg:      o.cfg,
		domainID: domainID,
		prefix:   newGUIDPrefix(),
		profile:  profile,
		plugins:  o.plugins,
		secured:  o.secured,
		pool:     pool,
		metrics:  telemetry.New(),
		dispatch: transport.NewDispatch(),
		profiles: config.NewProfileRegistry(),
		writers:  make(map[rtps.GUID]*writerCore),
		readers:  make(map[rtps.GUID]*readerCore),
		rxQueue:  make(chan rxItem, 256),
		wakeCh:   make(chan struct{}, 1),
		started:  time.Now(),
	}
	switch o.cfg.Shm.Policy {
	case "require":
		p.shmPolicy = shm.Require
	case "disable":
		p.shmPolicy = shm.Disable
	default:
		p.shmPolicy = shm.Prefer
	}

	if err := p.bindTransports(); err != nil {
		return nil, err
	}
	p.startWorkers()
	p.log.Infow("participant created",
		"domain", domainID,
		"prefix", p.prefix.String(),
		"participant_index", p.index,
	)
	return p, nil
}

// bindTransports probes participant indices until both unicast ports bind.
func (p *Participant) bindTransports() error {
	var lastErr error
	for idx := 0; idx < maxParticipantsPerHost; idx++ {
		ports := transport.PortsFor(p.domainID, idx)
		meta, err := transport.NewUDP(ports.UnicastDiscovery, transport.WithLog(p.log))
		if err != nil {
			lastErr = err
			continue
		}
		data, err := transport.NewUDP(ports.UnicastData, transport.WithLog(p.log))
		if err != nil {
			meta.Close()
			lastErr = err
			continue
		}
		if err := meta.JoinMulticast(transport.DefaultMulticastGroup, ports.MulticastDiscovery); err != nil {
			meta.Close()
			data.Close()
			return fmt.Errorf("failed to join discovery multicast: %w", err)
		}
		p.meta, p.data, p.index = meta, data, idx
		p.dispatch.Register(data)

		ud := shm.FormatUserData(shm.HostID())
		if p.profile.UserData != "" {
			ud = p.profile.UserData + ";" + ud
		}
		mcast := rtps.NewUDPv4Locator(transport.DefaultMulticastGroup, ports.MulticastDiscovery)
		info := discovery.ParticipantInfo{
			GUIDPrefix:         p.prefix,
			DomainID:           p.domainID,
			UnicastLocators:    data.LocalLocators(),
			MetatrafficUnicast: meta.LocalLocators(),
			MulticastLocators:  []rtps.Locator{mcast},
			UserData:           ud,
			IdentityToken:      p.plugins.Auth.IdentityToken(),
		}
		p.fsm = discovery.New(
			p.cfg.Discovery,
			info,
			func(loc rtps.Locator, pkt []byte) error { return p.meta.SendTo(loc, pkt) },
			discovery.WithLog(p.log),
			discovery.WithSecurity(newSecurityGate(p)),
			discovery.WithHandlers(discovery.Handlers{
				EndpointMatched:   p.onEndpointMatched,
				EndpointUnmatched: p.onEndpointUnmatched,
				IncompatibleQoS:   p.onIncompatibleQoS,
				PeerLost:          p.onPeerLost,
			}),
		)
		return nil
	}
	return fmt.Errorf("no free participant index in domain %d: %w", p.domainID, lastErr)
}

func (p *Participant) startWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	p.group = group

	group.Go(func() error {
		err := p.fsm.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	group.Go(func() error {
		p.dataWorker(ctx)
		return nil
	})
	p.meta.Serve(ctx, p.cfg.Discovery.MTU, func(pkt []byte, src netip.AddrPort) {
		p.fsm.HandlePacket(pkt, src)
	})
	p.data.Serve(ctx, 65536, p.enqueueData)

	if p.cfg.QoSProfiles != "" {
		watcher := config.NewWatcher(p.cfg.QoSProfiles, p.profiles, 2*time.Second, p.log)
		group.Go(func() error {
			if err := watcher.Run(ctx); err != nil && err != context.Canceled {
				p.log.Warnw("qos profile watcher stopped", "error", err)
			}
			return nil
		})
	}
}

// enqueueData runs on the data socket's receive loop.
func (p *Participant) enqueueData(pkt []byte, src netip.AddrPort) {
	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	select {
	case p.rxQueue <- rxItem{pkt: buf, src: src}:
	default:
		p.metrics.MessagesDropped.Add(1)
	}
}

func (p *Participant) wakeDataWorker() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// dataWorker is the single producer for every reader ring: it drains the
// writer rings, dispatches received user-traffic packets, polls SHM lanes,
// and drives the protocol timers.
func (p *Participant) dataWorker(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	shmBuf := make([]byte, int(p.cfg.Shm.SlotSize.Bytes()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wakeCh:
			p.drainWriters()
		case item := <-p.rxQueue:
			p.handleDataPacket(item.pkt, item.src)
		case now := <-ticker.C:
			p.drainWriters()
			p.forEachWriter(func(w *writerCore) { w.tick(now) })
			p.forEachReader(func(r *readerCore) {
				r.pollSHM(shmBuf)
				r.tick(now)
			})
			if n := p.fsm.Pool().Exhausted(); n > p.reportedExhausted {
				p.metrics.PoolExhausted.Add(n - p.reportedExhausted)
				p.reportedExhausted = n
			}
		}
	}
}

func (p *Participant) drainWriters() {
	p.forEachWriter(func(w *writerCore) { w.drain() })
}

func (p *Participant) forEachWriter(fn func(*writerCore)) {
	p.mu.Lock()
	writers := make([]*writerCore, 0, len(p.writers))
	for _, w := range p.writers {
		writers = append(writers, w)
	}
	p.mu.Unlock()
	for _, w := range writers {
		fn(w)
	}
}

func (p *Participant) forEachReader(fn func(*readerCore)) {
	p.mu.Lock()
	readers := make([]*readerCore, 0, len(p.readers))
	for _, r := range p.readers {
		readers = append(readers, r)
	}
	p.mu.Unlock()
	for _, r := range readers {
		fn(r)
	}
}

// handleDataPacket routes one user-traffic packet by (writer GUID, reader
// entity) to the reliability state machines.
func (p *Participant) handleDataPacket(pkt []byte, src netip.AddrPort) {
	if p.secured {
		loc := rtps.NewUDPv4Locator(src.Addr(), int(src.Port()))
		if peer, ok := p.peerLocators.Load(loc); ok {
			if decoded, err := p.plugins.Crypto.DecodeMessage(peer.(string), pkt); err == nil {
				pkt = decoded
			}
		}
	}
	header, err := rtps.ParseHeader(pkt)
	if err != nil {
		p.metrics.MessagesDropped.Add(1)
		return
	}
	if header.GUIDPrefix == p.prefix {
		return
	}
	v := &dataVisitor{p: p, remote: header.GUIDPrefix}
	if _, err := rtps.WalkMessage(pkt, p.prefix, v); err != nil {
		p.log.Debugw("malformed data packet", "error", err)
		p.metrics.MessagesDropped.Add(1)
	}
}

type dataVisitor struct {
	p      *Participant
	remote rtps.GUIDPrefix
}

func (v *dataVisitor) writerGUID(entity rtps.EntityID) rtps.GUID {
	return rtps.GUID{Prefix: v.remote, EntityID: entity}
}

func (v *dataVisitor) OnData(d rtps.Data, ts rtps.Time) {
	writer := v.writerGUID(d.WriterID)
	v.p.forEachReader(func(r *readerCore) {
		r.rel.OnData(writer, d, ts)
	})
}

func (v *dataVisitor) OnDataFrag(f rtps.DataFrag, ts rtps.Time) {
	writer := v.writerGUID(f.WriterID)
	v.p.forEachReader(func(r *readerCore) {
		r.rel.OnDataFrag(writer, f, ts)
	})
}

func (v *dataVisitor) OnHeartbeat(hb rtps.Heartbeat) {
	writer := v.writerGUID(hb.WriterID)
	v.p.metrics.Heartbeats.Add(1)
	v.p.forEachReader(func(r *readerCore) {
		r.rel.OnHeartbeat(writer, hb)
	})
}

func (v *dataVisitor) OnAckNack(an rtps.AckNack) {
	reader := rtps.GUID{Prefix: v.remote, EntityID: an.ReaderID}
	v.p.metrics.Acknacks.Add(1)
	v.p.forEachWriter(func(w *writerCore) {
		if w.guid.EntityID == an.WriterID {
			w.rel.OnAckNack(reader, an)
		}
	})
}

func (v *dataVisitor) OnGap(g rtps.Gap) {
	writer := v.writerGUID(g.WriterID)
	v.p.forEachReader(func(r *readerCore) {
		r.rel.OnGap(writer, g)
	})
}

func (v *dataVisitor) OnNackFrag(nf rtps.NackFrag) {
	reader := rtps.GUID{Prefix: v.remote, EntityID: nf.ReaderID}
	v.p.forEachWriter(func(w *writerCore) {
		if w.guid.EntityID == nf.WriterID {
			w.rel.OnNackFrag(reader, nf)
		}
	})
}

func (v *dataVisitor) OnHeartbeatFrag(rtps.HeartbeatFrag) {}

// sendSecured is the SendFunc every protocol engine uses: it applies
// message protection when keys exist for the destination and routes
// through the transport dispatch table.
func (p *Participant) sendSecured(loc rtps.Locator, pkt []byte) error {
	if p.secured {
		if peer, ok := p.peerLocators.Load(loc); ok {
			sealed, err := p.plugins.Crypto.EncodeMessage(peer.(string), pkt)
			if err == nil {
				pkt = sealed
			}
		}
	}
	return p.dispatch.SendTo(loc, pkt)
}

// securityGate adapts the plugin set onto the discovery interface. A
// peer whose token failed verification is not re-verified on every SPDP
// re-announcement; attempts follow the authentication retry schedule.
type securityGate struct {
	p *Participant

	mu    sync.Mutex
	retry map[rtps.GUIDPrefix]*authRetry
}

type authRetry struct {
	schedule backoff.BackOff
	nextTry  time.Time
	lastErr  error
}

func newSecurityGate(p *Participant) *securityGate {
	return &securityGate{p: p, retry: make(map[rtps.GUIDPrefix]*authRetry)}
}

func (g *securityGate) ValidateParticipant(info discovery.ParticipantInfo) error {
	if !g.p.secured {
		return nil
	}
	if len(info.IdentityToken) == 0 {
		g.p.plugins.Audit.Log("participant_unauthenticated", map[string]string{
			"prefix": info.GUIDPrefix.String(),
		})
		return fmt.Errorf("%w: peer offers no identity token", security.ErrDenied)
	}

	now := time.Now()
	g.mu.Lock()
	if r, ok := g.retry[info.GUIDPrefix]; ok && now.Before(r.nextTry) {
		err := r.lastErr
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()

	secret, err := g.p.plugins.Auth.Authenticate(info.IdentityToken)
	if err != nil {
		g.noteFailure(info.GUIDPrefix, err, now)
		g.p.plugins.Audit.Log("participant_rejected", map[string]string{
			"prefix": info.GUIDPrefix.String(),
			"error":  err.Error(),
		})
		return err
	}
	g.mu.Lock()
	delete(g.retry, info.GUIDPrefix)
	g.mu.Unlock()
	if len(secret) > 0 {
		if err := g.p.plugins.Crypto.DeriveKeys(info.GUIDPrefix.String(), secret); err != nil {
			return err
		}
	}
	return nil
}

func (g *securityGate) noteFailure(prefix rtps.GUIDPrefix, err error, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.retry[prefix]
	if !ok {
		r = &authRetry{schedule: security.AuthRetrySchedule()}
		g.retry[prefix] = r
	}
	r.lastErr = err
	r.nextTry = now.Add(r.schedule.NextBackOff())
}

func (g *securityGate) CheckTopic(topic string, op discovery.TopicOp) error {
	secOp := security.OpPublish
	if op == discovery.OpSubscribe {
		secOp = security.OpSubscribe
	}
	return g.p.plugins.Access.CheckTopic(topic, secOp)
}

// GUIDPrefix returns the participant's prefix.
func (p *Participant) GUIDPrefix() rtps.GUIDPrefix { return p.prefix }

// DomainID returns the joined domain.
func (p *Participant) DomainID() int { return p.domainID }

// Metrics returns the participant's counter set.
func (p *Participant) Metrics() *telemetry.Metrics { return p.metrics }

// Discovery exposes the discovery state machine (registry, peers).
func (p *Participant) Discovery() *discovery.FSM { return p.fsm }

// Profiles returns the hot-reloaded QoS profile registry.
func (p *Participant) Profiles() *config.ProfileRegistry { return p.profiles }

// Uptime returns time since construction.
func (p *Participant) Uptime() time.Duration { return time.Since(p.started) }

// CreatePublisher returns a publisher whose QoS children inherit.
func (p *Participant) CreatePublisher(o *qos.Overrides) *Publisher {
	return &Publisher{p: p, profile: p.profile.With(o)}
}

// CreateSubscriber returns a subscriber whose QoS children inherit.
func (p *Participant) CreateSubscriber(o *qos.Overrides) *Subscriber {
	return &Subscriber{p: p, profile: p.profile.With(o)}
}

func (p *Participant) nextEntityKey() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entityKey++
	return p.entityKey
}

// registerWriter wires a new writer into discovery and in-process
// matching.
func (p *Participant) registerWriter(w *writerCore) {
	p.mu.Lock()
	p.writers[w.guid] = w
	readers := make([]*readerCore, 0, len(p.readers))
	for _, r := range p.readers {
		readers = append(readers, r)
	}
	p.mu.Unlock()

	for _, r := range readers {
		p.tryLocalMatch(w, r)
	}
	p.fsm.AddLocalEndpoint(p.writerInfo(w))
}

func (p *Participant) registerReader(r *readerCore) {
	p.mu.Lock()
	p.readers[r.guid] = r
	writers := make([]*writerCore, 0, len(p.writers))
	for _, w := range p.writers {
		writers = append(writers, w)
	}
	p.mu.Unlock()

	for _, w := range writers {
		p.tryLocalMatch(w, r)
	}
	p.fsm.AddLocalEndpoint(p.readerInfo(r))
}

// tryLocalMatch wires the in-process fast path between a co-located
// writer and reader: the writer's merger pushes straight into the
// reader's ring, with durability replay for late joiners.
func (p *Participant) tryLocalMatch(w *writerCore, r *readerCore) {
	if w.topic.Name != r.topic.Name || w.topic.TypeName != r.topic.TypeName {
		return
	}
	if inc := qos.Match(w.profile, r.profile); inc != nil {
		w.noteIncompatible(inc.Policy)
		r.noteIncompatible(inc.Policy)
		return
	}
	mr := r.attachWriter(w.guid, w.profile.Ownership.Strength, true)
	if mr == nil {
		return
	}
	if w.merger.AddReader(mr) {
		w.noteMatched(1)
		r.noteMatched(1)
	}
}

// endpointUserData appends the SHM capability advertisement to the
// profile's user data so same-host peers can elect shared memory.
func (p *Participant) endpointUserData(profile qos.Profile) string {
	if p.shmPolicy == shm.Disable {
		return profile.UserData
	}
	capability := shm.FormatUserData(shm.HostID())
	if profile.UserData == "" {
		return capability
	}
	return profile.UserData + ";" + capability
}

func (p *Participant) writerInfo(w *writerCore) discovery.EndpointInfo {
	q := w.profile
	q.UserData = p.endpointUserData(q)
	return discovery.EndpointInfo{
		GUID:            w.guid,
		Kind:            discovery.WriterEndpoint,
		TopicName:       w.topic.Name,
		TypeName:        w.topic.TypeName,
		QoS:             q,
		UnicastLocators: p.data.LocalLocators(),
		TypeHash:        w.topic.TypeHash,
	}
}

func (p *Participant) readerInfo(r *readerCore) discovery.EndpointInfo {
	q := r.profile
	q.UserData = p.endpointUserData(q)
	return discovery.EndpointInfo{
		GUID:            r.guid,
		Kind:            discovery.ReaderEndpoint,
		TopicName:       r.topic.Name,
		TypeName:        r.topic.TypeName,
		QoS:             q,
		UnicastLocators: p.data.LocalLocators(),
		TypeHash:        r.topic.TypeHash,
	}
}

// onEndpointMatched runs on the discovery worker for every matched
// (local, remote) pair.
func (p *Participant) onEndpointMatched(local, remote discovery.EndpointInfo) {
	p.mu.Lock()
	w := p.writers[local.GUID]
	r := p.readers[local.GUID]
	p.mu.Unlock()

	for _, loc := range remote.UnicastLocators {
		p.peerLocators.Store(loc, remote.GUID.Prefix.String())
	}

	switch {
	case w != nil && remote.Kind == discovery.ReaderEndpoint:
		sel, err := shm.Select(
			p.shmPolicy,
			remote.QoS.UserData,
			w.profile.Reliability.Kind == qos.BestEffort,
			remote.QoS.Reliability.Kind == qos.BestEffort,
		)
		if err != nil {
			p.log.Warnw("shm required but unavailable", "topic", local.TopicName, "error", err)
		}
		if sel.UseSHM {
			w.enableSHM()
		}
		w.rel.AddReader(
			remote.GUID,
			remote.UnicastLocators,
			remote.MulticastLocators,
			remote.QoS.Reliability.Kind == qos.Reliable,
		)
		w.noteMatched(1)
	case r != nil && remote.Kind == discovery.WriterEndpoint:
		r.attachWriter(remote.GUID, remote.QoS.Ownership.Strength, false)
		r.rel.AddWriter(remote.GUID, remote.UnicastLocators, remote.QoS.Ownership.Strength)
		sel, _ := shm.Select(
			p.shmPolicy,
			remote.QoS.UserData,
			r.profile.Reliability.Kind == qos.BestEffort,
			remote.QoS.Reliability.Kind == qos.BestEffort,
		)
		if sel.UseSHM {
			r.attachSHM(remote.GUID)
		}
		r.noteMatched(1)
	}
}

func (p *Participant) onEndpointUnmatched(local rtps.GUID, remote discovery.EndpointInfo) {
	p.mu.Lock()
	w := p.writers[local]
	r := p.readers[local]
	p.mu.Unlock()
	if w != nil {
		w.rel.RemoveReader(remote.GUID)
		w.noteMatched(-1)
	}
	if r != nil {
		r.detachWriter(remote.GUID)
		r.noteMatched(-1)
	}
}

func (p *Participant) onIncompatibleQoS(local, remote discovery.EndpointInfo, inc *qos.Incompatibility) {
	p.mu.Lock()
	w := p.writers[local.GUID]
	r := p.readers[local.GUID]
	p.mu.Unlock()
	if w != nil {
		w.noteIncompatible(inc.Policy)
	}
	if r != nil {
		r.noteIncompatible(inc.Policy)
	}
}

func (p *Participant) onPeerLost(prefix rtps.GUIDPrefix) {
	p.forEachReader(func(r *readerCore) {
		r.mu.Lock()
		var stale []rtps.GUID
		for guid := range r.proxies {
			if guid.Prefix == prefix {
				stale = append(stale, guid)
			}
		}
		r.mu.Unlock()
		for _, guid := range stale {
			r.detachWriter(guid)
			r.noteMatched(-1)
		}
	})
	p.forEachWriter(func(w *writerCore) {
		w.rel.RemoveReaderPrefix(prefix)
	})
}

func (p *Participant) removeWriter(w *writerCore) {
	p.mu.Lock()
	delete(p.writers, w.guid)
	p.mu.Unlock()
	p.fsm.RemoveLocalEndpoint(w.guid)
}

func (p *Participant) removeReader(r *readerCore) {
	p.mu.Lock()
	delete(p.readers, r.guid)
	p.mu.Unlock()
	p.fsm.RemoveLocalEndpoint(r.guid)
	p.forEachWriter(func(w *writerCore) {
		r.mu.Lock()
		proxy := r.proxies[w.guid]
		r.mu.Unlock()
		if proxy != nil && proxy.merge != nil {
			w.merger.RemoveReader(proxy.merge)
		}
	})
}

// Close tears the participant down: dispose announcements go out
// best-effort, then sockets close.
func (p *Participant) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	writers := make([]*writerCore, 0, len(p.writers))
	for _, w := range p.writers {
		writers = append(writers, w)
	}
	readers := make([]*readerCore, 0, len(p.readers))
	for _, r := range p.readers {
		readers = append(readers, r)
	}
	p.mu.Unlock()

	for _, w := range writers {
		w.close()
	}
	for _, r := range readers {
		r.close()
	}
	p.cancel()
	p.group.Wait()
	p.data.Close()
	return p.meta.Close()
}
