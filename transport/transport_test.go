package transport

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hdds-platform/hdds/rtps"
)

// The standard DDSI-RTPS port formula.
func TestPortMapping(t *testing.T) {
	p := PortsFor(0, 0)
	assert.Equal(t, 7400, p.MulticastDiscovery)
	assert.Equal(t, 7401, p.MulticastData)
	assert.Equal(t, 7410, p.UnicastDiscovery)
	assert.Equal(t, 7411, p.UnicastData)

	p = PortsFor(3, 2)
	assert.Equal(t, 7400+250*3, p.MulticastDiscovery)
	assert.Equal(t, 7400+250*3+1, p.MulticastData)
	assert.Equal(t, 7400+250*3+10+4, p.UnicastDiscovery)
	assert.Equal(t, 7400+250*3+10+4+1, p.UnicastData)
}

func TestDispatchRoutesByKind(t *testing.T) {
	d := NewDispatch()
	u, err := NewUDP(0, WithLog(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	defer u.Close()
	d.Register(u)

	loc := rtps.Locator{Kind: rtps.LocatorKindSHM, Port: 1}
	require.ErrorIs(t, d.SendTo(loc, []byte("x")), ErrNoTransport)
	assert.NotEmpty(t, d.LocalLocators())
}

func TestUDPUnicastRoundTrip(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	a, err := NewUDP(0, WithLog(log))
	require.NoError(t, err)
	b, err := NewUDP(0, WithLog(log))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []byte
	b.Serve(ctx, 1500, func(pkt []byte, _ netip.AddrPort) {
		mu.Lock()
		defer mu.Unlock()
		got = append([]byte(nil), pkt...)
	})

	dst := rtps.NewUDPv4Locator(netip.AddrFrom4([4]byte{127, 0, 0, 1}), b.Port())
	require.NoError(t, a.SendTo(dst, []byte("ping")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "ping"
	}, time.Second, 5*time.Millisecond)
}

func TestUDPSendToInvalidLocator(t *testing.T) {
	u, err := NewUDP(0)
	require.NoError(t, err)
	defer u.Close()
	require.Error(t, u.SendTo(rtps.Locator{Kind: rtps.LocatorKindUDPv4}, []byte("x")))
}

func TestLocalLocatorsCarryBoundPort(t *testing.T) {
	u, err := NewUDP(0)
	require.NoError(t, err)
	defer u.Close()
	for _, loc := range u.LocalLocators() {
		assert.Equal(t, rtps.LocatorKindUDPv4, loc.Kind)
		assert.Equal(t, uint32(u.Port()), loc.Port)
	}
}
