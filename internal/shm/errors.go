package shm

import (
	"errors"

	"github.com/srediag/shmsync/internal/futex"
)

var (
	ErrAlreadyExists     = errors.New("shared memory object already exists")
	ErrNotFound          = errors.New("shared memory object not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInvalidName       = errors.New("invalid shared memory name")
	ErrInvalidSize       = errors.New("invalid shared memory size")
	ErrMappingFailed     = errors.New("mapping failed")
	ErrInsufficientSpace = errors.New("not enough space left for shared memory")
	ErrNotInitialized    = errors.New("shared memory object not initialized yet")
	ErrSyscallFailed     = futex.ErrSyscallFailed
	ErrUnsupported       = errors.New("shared memory not supported on this platform")
)
