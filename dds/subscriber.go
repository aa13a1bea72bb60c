package dds

import (
	"sync"

	"github.com/hdds-platform/hdds/qos"
)

// Subscriber is a thin factory for readers, mirroring Publisher.
type Subscriber struct {
	p       *Participant
	profile qos.Profile

	mu     sync.Mutex
	access bool
}

// Participant returns the owning participant.
func (sub *Subscriber) Participant() *Participant { return sub.p }

// QoS returns the subscriber's resolved profile.
func (sub *Subscriber) QoS() qos.Profile { return sub.profile }

// BeginAccess opens an access window. Nesting is an error.
func (sub *Subscriber) BeginAccess() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.access {
		return ErrCoherentNesting
	}
	sub.access = true
	return nil
}

// EndAccess closes the access window.
func (sub *Subscriber) EndAccess() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.access {
		return ErrCoherentNesting
	}
	sub.access = false
	return nil
}
