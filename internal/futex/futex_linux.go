//go:build linux

package futex

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	opWait = 0
	opWake = 1
)

// Wait blocks the calling thread while *addr == val, for at most timeout
// (Forever means no bound).
//
// A nil return means the thread was woken, or the word no longer held val when
// the kernel checked it. Both cases look the same to the caller, which must
// re-check its own condition. EINTR is retried with the remaining time.
func Wait(addr *uint32, val uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		var tsp unsafe.Pointer
		var ts unix.Timespec
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrTimedOut
			}
			ts = unix.NsecToTimespec(remaining.Nanoseconds())
			tsp = unsafe.Pointer(&ts)
		}
		_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(addr)),
			uintptr(opWait),
			uintptr(val),
			uintptr(tsp),
			0, 0)
		switch errno {
		case 0, unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		case unix.ETIMEDOUT:
			return ErrTimedOut
		default:
			return fmt.Errorf("%w: futex wait: %w", ErrSyscallFailed, errno)
		}
	}
}

// Wake wakes at most n waiters blocked on addr and reports how many were
// woken.
func Wake(addr *uint32, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	woken, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(opWake),
		uintptr(n),
		0, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("%w: futex wake: %w", ErrSyscallFailed, errno)
	}
	return int(woken), nil
}
