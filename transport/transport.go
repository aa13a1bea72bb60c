// Package transport provides the send/receive fabric under the RTPS
// engine: deterministic port mapping, UDP unicast and multicast, and a
// dispatch table that routes outbound packets by locator kind so the core
// never names a transport concretely after initialization.
package transport

import (
	"errors"
	"sync"

	"github.com/hdds-platform/hdds/rtps"
)

// ErrNoTransport means no registered transport handles the locator kind.
var ErrNoTransport = errors.New("transport: no transport for locator kind")

// Transport is one concrete transport instance (UDP, SHM, ...).
type Transport interface {
	// Kind returns the locator kind this transport serves.
	Kind() int32
	// SendTo transmits one packet to the locator. Failures are reported
	// but are not fatal to the caller.
	SendTo(loc rtps.Locator, pkt []byte) error
	// LocalLocators returns the locators peers can reach this transport
	// at.
	LocalLocators() []rtps.Locator
	// Close releases sockets or segments.
	Close() error
}

// Dispatch routes sends to the transport registered for each locator kind.
type Dispatch struct {
	mu  sync.RWMutex
	by  map[int32]Transport
}

// NewDispatch creates an empty dispatch table.
func NewDispatch() *Dispatch {
	return &Dispatch{by: make(map[int32]Transport)}
}

// Register installs a transport for its locator kind.
func (d *Dispatch) Register(t Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.by[t.Kind()] = t
}

// SendTo routes one packet by the locator's kind.
func (d *Dispatch) SendTo(loc rtps.Locator, pkt []byte) error {
	d.mu.RLock()
	t, ok := d.by[loc.Kind]
	d.mu.RUnlock()
	if !ok {
		return ErrNoTransport
	}
	return t.SendTo(loc, pkt)
}

// LocalLocators collects the locators of every registered transport.
func (d *Dispatch) LocalLocators() []rtps.Locator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []rtps.Locator
	for _, t := range d.by {
		out = append(out, t.LocalLocators()...)
	}
	return out
}

// Close closes every registered transport.
func (d *Dispatch) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for kind, t := range d.by {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(d.by, kind)
	}
	return errors.Join(errs...)
}
