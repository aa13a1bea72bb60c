package dds

import (
	"errors"
	"sync"

	"github.com/hdds-platform/hdds/qos"
)

// ErrCoherentNesting means begin/end coherent-changes (or access) calls
// were not properly paired.
var ErrCoherentNesting = errors.New("dds: coherent change calls are not nestable")

// Publisher is a thin factory for writers. Writers inherit the
// publisher's QoS per policy; a policy explicitly set at creation wins.
type Publisher struct {
	p       *Participant
	profile qos.Profile

	mu       sync.Mutex
	coherent bool
}

// Participant returns the owning participant.
func (pub *Publisher) Participant() *Participant { return pub.p }

// QoS returns the publisher's resolved profile.
func (pub *Publisher) QoS() qos.Profile { return pub.profile }

// BeginCoherentChanges opens a coherent update set. Nesting is an error.
func (pub *Publisher) BeginCoherentChanges() error {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.coherent {
		return ErrCoherentNesting
	}
	pub.coherent = true
	return nil
}

// EndCoherentChanges closes the coherent update set.
func (pub *Publisher) EndCoherentChanges() error {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if !pub.coherent {
		return ErrCoherentNesting
	}
	pub.coherent = false
	return nil
}
