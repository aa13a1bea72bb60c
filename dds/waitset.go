package dds

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by WaitSet.Wait when no condition triggered
// within the timeout.
var ErrTimeout = errors.New("dds: wait timed out")

// WaitSet blocks a caller until an attached condition triggers. The
// waitset holds strong references to its conditions; each condition keeps
// only the waker back-reference, which Detach removes.
type WaitSet struct {
	mu         sync.Mutex
	conditions []Condition
	waker      *waker
}

// NewWaitSet creates an empty waitset.
func NewWaitSet() *WaitSet {
	return &WaitSet{waker: newWaker()}
}

// Attach adds a condition. Attaching twice is a no-op.
func (ws *WaitSet) Attach(c Condition) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, existing := range ws.conditions {
		if existing == c {
			return
		}
	}
	ws.conditions = append(ws.conditions, c)
	c.attachWaker(ws.waker)
	if c.Triggered() {
		ws.waker.wake()
	}
}

// Detach removes a condition and its waker back-reference.
func (ws *WaitSet) Detach(c Condition) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for i, existing := range ws.conditions {
		if existing == c {
			ws.conditions = append(ws.conditions[:i], ws.conditions[i+1:]...)
			c.detachWaker(ws.waker)
			return
		}
	}
}

// Wait blocks until at least one attached condition is triggered or the
// timeout elapses, returning the triggered conditions. A zero timeout
// polls; a negative timeout waits forever.
func (ws *WaitSet) Wait(timeout time.Duration) ([]Condition, error) {
	deadline := time.Now().Add(timeout)
	for {
		if triggered := ws.triggered(); len(triggered) > 0 {
			return triggered, nil
		}
		if timeout == 0 {
			return nil, ErrTimeout
		}
		if timeout > 0 {
			remain := time.Until(deadline)
			if remain <= 0 {
				return nil, ErrTimeout
			}
			timer := time.NewTimer(remain)
			select {
			case <-ws.waker.ch:
				timer.Stop()
			case <-timer.C:
				// Final recheck below closes the race between trigger
				// and timer.
				if triggered := ws.triggered(); len(triggered) > 0 {
					return triggered, nil
				}
				return nil, ErrTimeout
			}
		} else {
			<-ws.waker.ch
		}
	}
}

func (ws *WaitSet) triggered() []Condition {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	var out []Condition
	for _, c := range ws.conditions {
		if c.Triggered() {
			out = append(out, c)
		}
	}
	return out
}
