package discovery

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hdds-platform/hdds/qos"
	"github.com/hdds-platform/hdds/rtps"
)

func prefixOf(b byte) rtps.GUIDPrefix {
	var p rtps.GUIDPrefix
	p[0] = b
	return p
}

func testParticipantInfo(b byte) ParticipantInfo {
	return ParticipantInfo{
		GUIDPrefix:    prefixOf(b),
		DomainID:      7,
		Protocol:      rtps.Version24,
		Vendor:        rtps.VendorHDDS,
		LeaseDuration: 5 * time.Second,
		UnicastLocators: []rtps.Locator{
			{Kind: rtps.LocatorKindUDPv4, Port: 7421, Address: [16]byte{12: 192, 13: 168, 14: 1, 15: byte(b)}},
		},
		MetatrafficUnicast: []rtps.Locator{
			{Kind: rtps.LocatorKindUDPv4, Port: 7420, Address: [16]byte{12: 192, 13: 168, 14: 1, 15: byte(b)}},
		},
		BuiltinEndpoints: BuiltinSPDPWriter | BuiltinSPDPReader,
		UserData:         "shm=1;host_id=0000abcd;v=1",
	}
}

func TestParticipantInfoRoundTrip(t *testing.T) {
	in := testParticipantInfo(1)
	out, err := UnmarshalParticipant(MarshalParticipant(in))
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("participant info mismatch (-want +got):\n%s", diff)
	}
}

func TestParticipantInfoRequiresGUID(t *testing.T) {
	w := newParamWriter()
	w.addU32(PIDDomainID, 1)
	_, err := UnmarshalParticipant(w.finish())
	require.ErrorIs(t, err, ErrMalformedParameter)
}

func testEndpointInfo(kind EndpointKind) EndpointInfo {
	entity := rtps.NewUserEntityID(3, rtps.KindUserWriterNoKey)
	if kind == ReaderEndpoint {
		entity = rtps.NewUserEntityID(3, rtps.KindUserReaderNoKey)
	}
	return EndpointInfo{
		GUID:      rtps.GUID{Prefix: prefixOf(2), EntityID: entity},
		Kind:      kind,
		TopicName: "temperature",
		TypeName:  "Temperature",
		QoS: qos.Profile{
			Reliability: qos.Reliability{Kind: qos.Reliable},
			Durability:  qos.Durability{Kind: qos.TransientLocal},
			History:     qos.History{Kind: qos.KeepLast, Depth: 4},
			Partition:   qos.Partition{Names: []string{"sensors", "lab*"}},
		},
		UnicastLocators: []rtps.Locator{
			{Kind: rtps.LocatorKindUDPv4, Port: 7423, Address: [16]byte{12: 10, 15: 2}},
		},
		TypeHash: 0xfeedface,
	}
}

func TestEndpointInfoRoundTrip(t *testing.T) {
	for _, kind := range []EndpointKind{WriterEndpoint, ReaderEndpoint} {
		in := testEndpointInfo(kind)
		out, err := UnmarshalEndpoint(MarshalEndpoint(in))
		require.NoError(t, err)
		assert.Equal(t, in.GUID, out.GUID)
		assert.Equal(t, kind, out.Kind)
		assert.Equal(t, in.TopicName, out.TopicName)
		assert.Equal(t, in.TypeName, out.TypeName)
		assert.Equal(t, in.QoS.Reliability.Kind, out.QoS.Reliability.Kind)
		assert.Equal(t, in.QoS.Durability.Kind, out.QoS.Durability.Kind)
		assert.Equal(t, in.QoS.History, out.QoS.History)
		assert.Equal(t, in.QoS.Partition.Names, out.QoS.Partition.Names)
		assert.Equal(t, in.UnicastLocators, out.UnicastLocators)
		assert.Equal(t, in.TypeHash, out.TypeHash)
	}
}

func TestTypeCompatibility(t *testing.T) {
	a := EndpointInfo{TypeName: "T", TypeHash: 1}
	b := EndpointInfo{TypeName: "T", TypeHash: 2}
	assert.False(t, a.TypesCompatible(b))

	// Hash absent on one side: fall back to the name.
	b.TypeHash = 0
	assert.True(t, a.TypesCompatible(b))
}

func TestTopicRegistryInsertIdempotent(t *testing.T) {
	r := NewTopicRegistry()
	e := testEndpointInfo(WriterEndpoint)
	assert.True(t, r.Insert(e))
	assert.False(t, r.Insert(e))
	assert.Len(t, r.FindWriters("temperature"), 1)
	assert.Empty(t, r.FindReaders("temperature"))
}

func TestTopicRegistryRemoveByPrefix(t *testing.T) {
	r := NewTopicRegistry()
	r.Insert(testEndpointInfo(WriterEndpoint))
	r.Insert(testEndpointInfo(ReaderEndpoint))

	removed := r.RemoveByPrefix(prefixOf(2))
	assert.Len(t, removed, 2)
	assert.Empty(t, r.FindWriters("temperature"))
	assert.Empty(t, r.Topics())
}

func TestParticipantDBLeaseExpiry(t *testing.T) {
	db := NewParticipantDB()
	info := testParticipantInfo(1)
	now := time.Now()
	require.True(t, db.Upsert(info, now))
	require.False(t, db.Upsert(info, now.Add(time.Second)))

	// Inside lease + grace: nothing expires.
	assert.Empty(t, db.Expired(now.Add(6*time.Second), time.Second))
	// Beyond it: the peer expires.
	expired := db.Expired(now.Add(8*time.Second), time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, prefixOf(1), expired[0])
}

func TestRxPoolExhaustion(t *testing.T) {
	p := NewRxPool(2, 64)
	id1, buf := p.Acquire()
	require.NotNil(t, buf)
	id2, _ := p.Acquire()
	require.GreaterOrEqual(t, id2, 0)

	id3, buf3 := p.Acquire()
	assert.Equal(t, -1, id3)
	assert.Nil(t, buf3)
	assert.Equal(t, uint64(1), p.Exhausted())

	p.Release(id1)
	p.Release(id2)
	assert.Equal(t, 2, p.Available())
}

// fsmHarness runs an FSM against a captured send function.
type fsmHarness struct {
	fsm    *FSM
	cancel context.CancelFunc
	mu     sync.Mutex
	sent   [][]byte
	matched []string
}

func newFSMHarness(t *testing.T, localEndpoints ...EndpointInfo) *fsmHarness {
	t.Helper()
	h := &fsmHarness{}
	local := testParticipantInfo(0x10)
	local.MulticastLocators = []rtps.Locator{{Kind: rtps.LocatorKindUDPv4, Port: 7400}}
	cfg := DefaultConfig()
	cfg.Lease = 2 * time.Second
	cfg.Grace = 200 * time.Millisecond
	cfg.Tick = 50 * time.Millisecond

	h.fsm = New(cfg, local,
		func(_ rtps.Locator, pkt []byte) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			buf := make([]byte, len(pkt))
			copy(buf, pkt)
			h.sent = append(h.sent, buf)
			return nil
		},
		WithLog(zaptest.NewLogger(t).Sugar()),
		WithHandlers(Handlers{
			EndpointMatched: func(local, remote EndpointInfo) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.matched = append(h.matched, local.GUID.String()+"/"+remote.GUID.String())
			},
		}),
	)
	for _, e := range localEndpoints {
		h.fsm.AddLocalEndpoint(e)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.fsm.Run(ctx)
	t.Cleanup(cancel)
	return h
}

// inject feeds one remote-built RTPS message through the receive path.
func (h *fsmHarness) inject(remotePrefix rtps.GUIDPrefix, build func(*rtps.MessageBuilder)) {
	b := rtps.NewMessageBuilder(remotePrefix)
	build(b)
	h.fsm.HandlePacket(b.Bytes(), netip.MustParseAddrPort("192.168.1.2:7410"))
}

func spdpPacket(info ParticipantInfo) func(*rtps.MessageBuilder) {
	return func(b *rtps.MessageBuilder) {
		b.AddData(rtps.Data{
			ReaderID: rtps.EntityIDSPDPReader,
			WriterID: rtps.EntityIDSPDPWriter,
			WriterSN: 1,
			Payload:  MarshalParticipant(info),
		})
	}
}

func TestFSMDiscoversParticipant(t *testing.T) {
	h := newFSMHarness(t)
	remote := testParticipantInfo(0x20)
	h.inject(remote.GUIDPrefix, spdpPacket(remote))

	require.Eventually(t, func() bool {
		_, ok := h.fsm.Peers().Get(remote.GUIDPrefix)
		return ok
	}, time.Second, 10*time.Millisecond)

	peer, _ := h.fsm.Peers().Get(remote.GUIDPrefix)
	assert.Equal(t, PeerDiscovered, peer.State)
}

func TestFSMIgnoresOtherDomain(t *testing.T) {
	h := newFSMHarness(t)
	remote := testParticipantInfo(0x21)
	remote.DomainID = 99
	h.inject(remote.GUIDPrefix, spdpPacket(remote))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, h.fsm.Peers().Len())
}

func TestFSMEndpointMatchAfterSEDP(t *testing.T) {
	localWriter := testEndpointInfo(WriterEndpoint)
	localWriter.GUID.Prefix = prefixOf(0x10)
	h := newFSMHarness(t, localWriter)

	remote := testParticipantInfo(0x20)
	h.inject(remote.GUIDPrefix, spdpPacket(remote))

	remoteReader := testEndpointInfo(ReaderEndpoint)
	remoteReader.GUID.Prefix = remote.GUIDPrefix
	h.inject(remote.GUIDPrefix, func(b *rtps.MessageBuilder) {
		b.AddData(rtps.Data{
			ReaderID: rtps.EntityIDSEDPSubReader,
			WriterID: rtps.EntityIDSEDPSubWriter,
			WriterSN: 1,
			Payload:  MarshalEndpoint(remoteReader),
		})
	})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.matched) == 1
	}, time.Second, 10*time.Millisecond)

	peer, _ := h.fsm.Peers().Get(remote.GUIDPrefix)
	assert.Equal(t, PeerMatched, peer.State)
}

// Lease expiry: after the last SPDP, the peer's endpoints leave the
// registry within lease plus one tick.
func TestFSMLeaseExpiryRemovesEndpoints(t *testing.T) {
	h := newFSMHarness(t)
	remote := testParticipantInfo(0x20)
	remote.LeaseDuration = 300 * time.Millisecond
	h.inject(remote.GUIDPrefix, spdpPacket(remote))

	remoteWriter := testEndpointInfo(WriterEndpoint)
	remoteWriter.GUID.Prefix = remote.GUIDPrefix
	h.inject(remote.GUIDPrefix, func(b *rtps.MessageBuilder) {
		b.AddData(rtps.Data{
			ReaderID: rtps.EntityIDSEDPPubReader,
			WriterID: rtps.EntityIDSEDPPubWriter,
			WriterSN: 1,
			Payload:  MarshalEndpoint(remoteWriter),
		})
	})
	require.Eventually(t, func() bool {
		return len(h.fsm.Registry().FindWriters("temperature")) == 1
	}, time.Second, 10*time.Millisecond)

	// Silence: the peer and its endpoints must be gone after the lease.
	require.Eventually(t, func() bool {
		return h.fsm.Peers().Len() == 0 &&
			len(h.fsm.Registry().FindWriters("temperature")) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestFSMDisposeRemovesEndpoint(t *testing.T) {
	h := newFSMHarness(t)
	remote := testParticipantInfo(0x20)
	h.inject(remote.GUIDPrefix, spdpPacket(remote))

	remoteWriter := testEndpointInfo(WriterEndpoint)
	remoteWriter.GUID.Prefix = remote.GUIDPrefix
	sedp := func(keyOnly bool) func(*rtps.MessageBuilder) {
		return func(b *rtps.MessageBuilder) {
			b.AddData(rtps.Data{
				ReaderID: rtps.EntityIDSEDPPubReader,
				WriterID: rtps.EntityIDSEDPPubWriter,
				WriterSN: 1,
				Payload:  MarshalEndpoint(remoteWriter),
				KeyOnly:  keyOnly,
			})
		}
	}
	h.inject(remote.GUIDPrefix, sedp(false))
	require.Eventually(t, func() bool {
		return len(h.fsm.Registry().FindWriters("temperature")) == 1
	}, time.Second, 10*time.Millisecond)

	h.inject(remote.GUIDPrefix, sedp(true))
	require.Eventually(t, func() bool {
		return len(h.fsm.Registry().FindWriters("temperature")) == 0
	}, time.Second, 10*time.Millisecond)
}

type denyGate struct{}

func (denyGate) ValidateParticipant(ParticipantInfo) error {
	return assert.AnError
}
func (denyGate) CheckTopic(string, TopicOp) error { return nil }

func TestFSMSecurityRejectKeepsPeerUnknown(t *testing.T) {
	h := &fsmHarness{}
	local := testParticipantInfo(0x10)
	cfg := DefaultConfig()
	cfg.Tick = 50 * time.Millisecond
	h.fsm = New(cfg, local,
		func(rtps.Locator, []byte) error { return nil },
		WithLog(zaptest.NewLogger(t).Sugar()),
		WithSecurity(denyGate{}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.fsm.Run(ctx)

	remote := testParticipantInfo(0x20)
	h.inject(remote.GUIDPrefix, spdpPacket(remote))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, h.fsm.Peers().Len())
}
