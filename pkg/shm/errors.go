package shm

import (
	"errors"

	internalshm "github.com/srediag/shmsync/internal/shm"
	"github.com/srediag/shmsync/pkg/shmsync"
)

var (
	// ErrAlreadyExists is returned by Create when the name is taken.
	ErrAlreadyExists = internalshm.ErrAlreadyExists
	// ErrNotFound is returned when no object has the given name.
	ErrNotFound = internalshm.ErrNotFound
	// ErrFormatMismatch is returned when the header magic, version or length
	// does not match this build.
	ErrFormatMismatch = errors.New("segment header format mismatch")
	// ErrPermissionDenied is returned when the OS refuses access to the name.
	ErrPermissionDenied = internalshm.ErrPermissionDenied
	// ErrSizeMismatch is returned by Open when WithExpectedSize disagrees with
	// the length of the object.
	ErrSizeMismatch = errors.New("segment size mismatch")
	// ErrMappingFailed is returned when mmap fails.
	ErrMappingFailed = internalshm.ErrMappingFailed
	// ErrSyscallFailed wraps any other errno.
	ErrSyscallFailed = internalshm.ErrSyscallFailed
	// ErrTimedOut is returned by bounded waits that expire.
	ErrTimedOut = shmsync.ErrTimedOut

	ErrInvalidName       = internalshm.ErrInvalidName
	ErrInvalidSize       = internalshm.ErrInvalidSize
	ErrInsufficientSpace = internalshm.ErrInsufficientSpace
	ErrNotInitialized    = internalshm.ErrNotInitialized
	ErrUnsupported       = internalshm.ErrUnsupported

	ErrNotOwner = errors.New("operation reserved to the segment owner")
	ErrClosed   = errors.New("segment closed")
)
