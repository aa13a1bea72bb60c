package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/hdds-platform/hdds/rtps"
)

// RecvFunc handles one received packet. The buffer is only valid for the
// duration of the call unless the handler takes ownership.
type RecvFunc func(pkt []byte, src netip.AddrPort)

// UDPOption configures a UDP transport.
type UDPOption func(*udpOptions)

type udpOptions struct {
	log *zap.SugaredLogger
	ttl int
}

// WithLog sets the transport logger.
func WithLog(log *zap.SugaredLogger) UDPOption {
	return func(o *udpOptions) { o.log = log }
}

// WithMulticastTTL sets the multicast TTL (default 1: link-local).
func WithMulticastTTL(ttl int) UDPOption {
	return func(o *udpOptions) { o.ttl = ttl }
}

// UDP is the IPv4 UDP transport: one unicast socket plus any number of
// joined multicast sockets. Receive loops run until the context is
// cancelled; a failure on one socket never halts the others.
type UDP struct {
	log     *zap.SugaredLogger
	ttl     int
	unicast *net.UDPConn
	port    int
	mcast   []*net.UDPConn
	locals  []netip.Addr
}

// NewUDP binds the unicast socket. When the requested port is taken the
// next even port for the following participant index is tried by the
// caller; port 0 binds ephemeral.
func NewUDP(port int, opts ...UDPOption) (*UDP, error) {
	o := udpOptions{log: zap.NewNop().Sugar(), ttl: 1}
	for _, fn := range opts {
		fn(&o)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp port %d: %w", port, err)
	}
	bound := conn.LocalAddr().(*net.UDPAddr).Port

	t := &UDP{
		log:     o.log,
		ttl:     o.ttl,
		unicast: conn,
		port:    bound,
		locals:  localUnicastAddrs(),
	}
	o.log.Debugw("udp transport bound", "port", bound)
	return t, nil
}

// Kind implements Transport.
func (t *UDP) Kind() int32 { return rtps.LocatorKindUDPv4 }

// Port returns the bound unicast port.
func (t *UDP) Port() int { return t.port }

// LocalLocators implements Transport: one locator per local unicast
// address at the bound port.
func (t *UDP) LocalLocators() []rtps.Locator {
	out := make([]rtps.Locator, 0, len(t.locals))
	for _, addr := range t.locals {
		out = append(out, rtps.NewUDPv4Locator(addr, t.port))
	}
	return out
}

// SendTo implements Transport.
func (t *UDP) SendTo(loc rtps.Locator, pkt []byte) error {
	ap := loc.AddrPort()
	if !ap.IsValid() {
		return fmt.Errorf("invalid udp locator %s", loc)
	}
	_, err := t.unicast.WriteToUDPAddrPort(pkt, ap)
	if err != nil {
		t.log.Debugw("udp send failed", "dst", ap, "error", err)
	}
	return err
}

// JoinMulticast opens a socket on the group port and joins the group on
// every multicast-capable interface. Loopback is enabled so same-host
// participants hear each other.
func (t *UDP) JoinMulticast(group netip.Addr, port int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return fmt.Errorf("failed to bind multicast port %d: %w", port, err)
	}

	p := ipv4.NewPacketConn(conn)
	groupAddr := &net.UDPAddr{IP: group.AsSlice()}
	joined := 0
	for _, ifi := range multicastInterfaces() {
		if err := p.JoinGroup(&ifi, groupAddr); err != nil {
			t.log.Debugw("multicast join failed", "interface", ifi.Name, "error", err)
			continue
		}
		joined++
	}
	if joined == 0 {
		conn.Close()
		return fmt.Errorf("no interface joined multicast group %s", group)
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		t.log.Debugw("multicast loopback not set", "error", err)
	}
	if err := p.SetMulticastTTL(t.ttl); err != nil {
		t.log.Debugw("multicast ttl not set", "error", err)
	}

	t.mcast = append(t.mcast, conn)
	t.log.Debugw("joined multicast group", "group", group, "port", port, "interfaces", joined)
	return nil
}

// Serve runs one receive loop per socket until ctx is done. Each loop owns
// an MTU-sized buffer; handlers that keep a packet must copy it.
func (t *UDP) Serve(ctx context.Context, mtu int, fn RecvFunc) {
	conns := append([]*net.UDPConn{t.unicast}, t.mcast...)
	for _, conn := range conns {
		go t.recvLoop(ctx, conn, mtu, fn)
	}
	go func() {
		<-ctx.Done()
		t.Close()
	}()
}

func (t *UDP) recvLoop(ctx context.Context, conn *net.UDPConn, mtu int, fn RecvFunc) {
	buf := make([]byte, mtu)
	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Debugw("udp recv failed", "error", err)
			continue
		}
		fn(buf[:n], src)
	}
}

// Close closes every socket.
func (t *UDP) Close() error {
	var errs []error
	if t.unicast != nil {
		errs = append(errs, t.unicast.Close())
	}
	for _, c := range t.mcast {
		errs = append(errs, c.Close())
	}
	t.mcast = nil
	return errors.Join(errs...)
}

func localUnicastAddrs() []netip.Addr {
	var out []netip.Addr
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil {
				out = append(out, netip.AddrFrom4([4]byte(v4)))
			}
		}
	}
	if len(out) == 0 {
		out = append(out, netip.AddrFrom4([4]byte{127, 0, 0, 1}))
	}
	return out
}

func multicastInterfaces() []net.Interface {
	var out []net.Interface
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, ifi)
	}
	return out
}
