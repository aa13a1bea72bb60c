//go:build linux

package shm

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operation codes. golang.org/x/sys/unix does not export
// these (only the FUTEX syscall number), so they are defined here.
const (
	futexOpWait = 0
	futexOpWake = 1
)

// futexWait blocks while *addr == expected, up to the timeout. A spurious
// wake is fine; callers re-check their condition.
func futexWait(addr *uint32, expected uint32, timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWait),
		uintptr(expected),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.ETIMEDOUT && errno != unix.EINTR {
		return errno
	}
	return nil
}

// futexWake wakes up to n waiters on addr.
func futexWake(addr *uint32, n int) {
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWake),
		uintptr(n),
		0, 0, 0,
	)
}
