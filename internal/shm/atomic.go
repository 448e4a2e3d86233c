package shm

import (
	"sync/atomic"
	"unsafe"
)

// Word32 returns the 32-bit word at byte offset off from base. The caller
// guarantees 4-byte alignment and that the word lies inside the mapping.
func Word32(base unsafe.Pointer, off uintptr) *uint32 {
	return (*uint32)(unsafe.Add(base, off))
}

// Word64 returns the 64-bit word at byte offset off from base, which must be
// 8-byte aligned.
func Word64(base unsafe.Pointer, off uintptr) *uint64 {
	return (*uint64)(unsafe.Add(base, off))
}

// AtomicLoadUint64 loads a uint64 from shared memory atomically.
func AtomicLoadUint64(addr unsafe.Pointer) uint64 {
	return atomic.LoadUint64((*uint64)(addr))
}

// AtomicStoreUint64 stores a uint64 to shared memory atomically.
func AtomicStoreUint64(addr unsafe.Pointer, val uint64) {
	atomic.StoreUint64((*uint64)(addr), val)
}
