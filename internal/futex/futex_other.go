//go:build !linux

package futex

import "time"

// Wait is not implemented outside Linux.
func Wait(addr *uint32, val uint32, timeout time.Duration) error {
	return ErrUnsupported
}

// Wake is not implemented outside Linux.
func Wake(addr *uint32, n int) (int, error) {
	return 0, ErrUnsupported
}
