//go:build !linux

package shm

import "context"

// MapRegion is not implemented outside Linux.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// UnmapRegion is not implemented outside Linux.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return ErrUnsupported
}

// Unlink is not implemented outside Linux.
func Unlink(dir, name string) error {
	return ErrUnsupported
}
