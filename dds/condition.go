package dds

import (
	"sync"
)

// Condition is anything a WaitSet can wait on.
type Condition interface {
	// Triggered reports the current trigger value.
	Triggered() bool
	// attachWaker registers a waitset waker; conditions hold it weakly so
	// a dropped waitset cannot leak.
	attachWaker(w *waker)
	detachWaker(w *waker)
}

// waker is the edge-trigger channel between a condition and a waitset. A
// condition transitioning false to true signals every attached waker
// exactly once.
type waker struct {
	ch chan struct{}
}

func newWaker() *waker {
	return &waker{ch: make(chan struct{}, 1)}
}

func (w *waker) wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// baseCondition carries the shared trigger/waker machinery.
type baseCondition struct {
	mu        sync.Mutex
	triggered bool
	wakers    []*waker
}

func (c *baseCondition) Triggered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.triggered
}

// setTrigger applies an edge-triggered transition.
func (c *baseCondition) setTrigger(v bool) {
	c.mu.Lock()
	edge := v && !c.triggered
	c.triggered = v
	wakers := c.wakers
	c.mu.Unlock()
	if edge {
		for _, w := range wakers {
			w.wake()
		}
	}
}

func (c *baseCondition) attachWaker(w *waker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wakers = append(c.wakers, w)
}

func (c *baseCondition) detachWaker(w *waker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.wakers {
		if existing == w {
			c.wakers = append(c.wakers[:i], c.wakers[i+1:]...)
			return
		}
	}
}

// GuardCondition is an application-triggered condition.
type GuardCondition struct {
	baseCondition
}

// NewGuardCondition creates an untriggered guard.
func NewGuardCondition() *GuardCondition {
	return &GuardCondition{}
}

// SetTrigger sets the trigger value.
func (g *GuardCondition) SetTrigger(v bool) {
	g.setTrigger(v)
}

// StatusCondition triggers when an enabled status becomes active on its
// entity.
type StatusCondition struct {
	baseCondition
	enabledMu sync.Mutex
	enabled   StatusKind
	active    StatusKind
}

// NewStatusCondition creates a condition with every status enabled.
func NewStatusCondition() *StatusCondition {
	return &StatusCondition{enabled: StatusAll}
}

// SetEnabledStatuses narrows the mask.
func (s *StatusCondition) SetEnabledStatuses(mask StatusKind) {
	s.enabledMu.Lock()
	s.enabled = mask
	active := s.active
	s.enabledMu.Unlock()
	s.setTrigger(active&mask != 0)
}

// EnabledStatuses returns the current mask.
func (s *StatusCondition) EnabledStatuses() StatusKind {
	s.enabledMu.Lock()
	defer s.enabledMu.Unlock()
	return s.enabled
}

// raise marks a status active.
func (s *StatusCondition) raise(kind StatusKind) {
	s.enabledMu.Lock()
	s.active |= kind
	trigger := s.active&s.enabled != 0
	s.enabledMu.Unlock()
	s.setTrigger(trigger)
}

// clear marks a status inactive.
func (s *StatusCondition) clear(kind StatusKind) {
	s.enabledMu.Lock()
	s.active &^= kind
	trigger := s.active&s.enabled != 0
	s.enabledMu.Unlock()
	s.setTrigger(trigger)
}

// ReadCondition triggers while matching samples are available on a
// reader.
type ReadCondition struct {
	baseCondition
	reader        *readerCore
	sampleStates  SampleState
	viewStates    ViewState
	instanceState InstanceState
}

// matches reports whether the owning reader holds any sample to take.
func (rc *ReadCondition) matches() bool {
	// With only NOT_READ samples held in the ring, availability is the
	// whole filter for the supported state masks.
	return rc.reader.available() > 0
}

func (rc *ReadCondition) refresh() {
	rc.setTrigger(rc.matches())
}
