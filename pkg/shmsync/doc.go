// Package shmsync provides a mutex and a condition variable whose whole state
// is a single 32-bit word in shared memory.
//
// A Mutex or Cond is only a view: it owns no storage, and any process that
// maps the same memory can build a view over the same word and take part in
// the protocol. Blocking uses shared futexes, so waiters in different
// processes are woken by each other.
//
// The mutex does not record its holder. If a process dies while holding it,
// the word stays locked and every other process blocks until the word is
// repaired by hand. Use LockTimeout where that matters.
//
// Example:
//
//	seg, _ := shm.Open(ctx, "jobs", shm.WithWaitReady())
//	mu, cond := seg.Mutex(), seg.Cond()
//	_ = mu.Lock()
//	for !ready(seg.Payload()) {
//	    _ = cond.Wait(mu)
//	}
//	_ = mu.Unlock()
package shmsync

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/srediag/shmsync/internal/futex"
)

var (
	// ErrTimedOut is returned when a bounded wait expires. It is an expected
	// outcome, not a failure of the primitive.
	ErrTimedOut = futex.ErrTimedOut
	// ErrSyscallFailed wraps an unexpected errno from the futex call.
	ErrSyscallFailed = futex.ErrSyscallFailed
	// ErrMisaligned is returned when a word offset is not 4-byte aligned or
	// falls outside the mapped memory.
	ErrMisaligned = errors.New("word offset misaligned or out of range")
)

func wordAt(mem []byte, off int) (*uint32, error) {
	if off < 0 || off+4 > len(mem) || off%4 != 0 {
		return nil, fmt.Errorf("%w: offset %d, len %d", ErrMisaligned, off, len(mem))
	}
	p := (*uint32)(unsafe.Pointer(&mem[off]))
	if uintptr(unsafe.Pointer(p))%4 != 0 {
		return nil, fmt.Errorf("%w: address of offset %d", ErrMisaligned, off)
	}
	return p, nil
}
