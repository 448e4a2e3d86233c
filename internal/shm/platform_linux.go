//go:build linux

package shm

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/srediag/shmsync/internal/logging"
)

// MapRegion creates (exclusively) or opens the object named by opts and maps
// it shared and read-write. The descriptor is closed once the mapping exists.
//
// When creating, opts.Size is the object length. When opening, the length is
// taken from the object itself and an empty object yields ErrNotInitialized.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := ObjectPath(opts.Dir, opts.Name)
	if err != nil {
		return nil, err
	}

	flags := unix.O_RDWR | unix.O_CLOEXEC | unix.O_NOFOLLOW
	if opts.Create {
		if opts.Size <= 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidSize, opts.Size)
		}
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	fd, err := unix.Open(path, flags, opts.Mode)
	if err != nil {
		return nil, mapOpenError(opts.Name, err)
	}

	size := opts.Size
	fail := func(err error) (*MappedRegion, error) {
		_ = unix.Close(fd)
		if opts.Create {
			if uerr := unix.Unlink(path); uerr != nil {
				logging.Internal().Warnf("remove %s after failed create: %v", path, uerr)
			}
		}
		return nil, err
	}

	if opts.Create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			return fail(mapTruncateError(opts.Name, err))
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return fail(fmt.Errorf("%w: fstat %s: %w", ErrSyscallFailed, opts.Name, err))
		}
		if st.Size == 0 {
			return fail(fmt.Errorf("%w: %s has zero length", ErrNotInitialized, opts.Name))
		}
		if int64(int(st.Size)) != st.Size {
			return fail(fmt.Errorf("%w: %s length %d overflows int", ErrInvalidSize, opts.Name, st.Size))
		}
		size = int(st.Size)
	}

	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail(fmt.Errorf("%w: mmap %s: %w", ErrMappingFailed, opts.Name, err))
	}
	if err := unix.Close(fd); err != nil {
		logging.Internal().Warnf("close fd of %s: %v", path, err)
	}

	return &MappedRegion{
		Addr:    addr,
		Name:    opts.Name,
		Path:    path,
		Created: opts.Create,
	}, nil
}

// UnmapRegion unmaps the shared memory region.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("%w: munmap %s: %w", ErrSyscallFailed, region.Name, err)
	}
	region.Addr = nil
	return nil
}

// Unlink removes name from the shared memory namespace. Existing mappings
// stay valid.
func Unlink(dir, name string) error {
	path, err := ObjectPath(dir, name)
	if err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil {
		switch err {
		case unix.ENOENT:
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		case unix.EACCES, unix.EPERM:
			return fmt.Errorf("%w: unlink %s: %w", ErrPermissionDenied, name, err)
		}
		return fmt.Errorf("%w: unlink %s: %w", ErrSyscallFailed, name, err)
	}
	return nil
}

func mapOpenError(name string, err error) error {
	switch err {
	case unix.EEXIST:
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	case unix.ENOENT:
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	case unix.EACCES, unix.EPERM:
		return fmt.Errorf("%w: open %s: %w", ErrPermissionDenied, name, err)
	case unix.EINVAL, unix.ENAMETOOLONG, unix.ELOOP:
		return fmt.Errorf("%w: open %s: %w", ErrInvalidName, name, err)
	}
	return fmt.Errorf("%w: open %s: %w", ErrSyscallFailed, name, err)
}

func mapTruncateError(name string, err error) error {
	switch err {
	case unix.EINVAL, unix.E2BIG, unix.EFBIG:
		return fmt.Errorf("%w: truncate %s: %w", ErrInvalidSize, name, err)
	case unix.ENOSPC:
		return fmt.Errorf("%w: truncate %s: %w", ErrInsufficientSpace, name, err)
	}
	return fmt.Errorf("%w: truncate %s: %w", ErrSyscallFailed, name, err)
}
