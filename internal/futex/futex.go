// Package futex wraps the futex system call with the two operations the
// shared primitives need: wait while a word holds an expected value, and wake
// up to n waiters blocked on a word.
//
// The operations are issued without FUTEX_PRIVATE_FLAG so that waiters in
// different processes, or in different mappings of the same shared object,
// meet on the same kernel futex key.
package futex

import (
	"errors"
	"math"
	"time"
)

// Forever disables the timeout of Wait.
const Forever time.Duration = -1

// WakeAll is the waiter count that wakes every waiter on a word.
const WakeAll = math.MaxInt32

var (
	// ErrTimedOut is returned by Wait when the timeout expired before a wake.
	ErrTimedOut = errors.New("timed out")
	// ErrSyscallFailed wraps an unexpected errno returned by the kernel.
	ErrSyscallFailed = errors.New("syscall failed")
	// ErrUnsupported is returned on platforms without futex support.
	ErrUnsupported = errors.New("futex not supported on this platform")
)
