//go:build !linux

package shm

import (
	"sync/atomic"
	"time"
)

// futexWait polls on platforms without futex. The wait granularity is
// coarser but the protocol is unchanged.
func futexWait(addr *uint32, expected uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(addr) == expected {
		if timeout > 0 && time.Now().After(deadline) {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func futexWake(addr *uint32, n int) {}
