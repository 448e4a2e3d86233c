// Package health exposes segment liveness and readiness as healthcheck
// checks.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/shmsync/pkg/shm"
)

var (
	ErrNotReady   = errors.New("segment not marked ready")
	ErrMutexStuck = errors.New("segment mutex could not be acquired")
)

// HeaderCheck fails when the segment is closed or its header no longer
// matches the mapping.
func HeaderCheck(seg *shm.Segment) healthcheck.Check {
	return func() error {
		return seg.Inspect(func(h *shm.Header) error {
			return h.Snapshot().Validate(seg.Len())
		})
	}
}

// ReadyCheck fails until the owner has called MarkReady.
func ReadyCheck(seg *shm.Segment) healthcheck.Check {
	return func() error {
		return seg.Inspect(func(h *shm.Header) error {
			if !h.Ready() {
				return fmt.Errorf("%w: %s", ErrNotReady, seg.Name())
			}
			return nil
		})
	}
}

// MutexCheck takes and releases the segment mutex within timeout. A holder
// that died with the lock taken makes it fail permanently. A Close issued
// meanwhile waits for the check to finish.
func MutexCheck(seg *shm.Segment, timeout time.Duration) healthcheck.Check {
	return func() error {
		return seg.Inspect(func(*shm.Header) error {
			mu := seg.Mutex()
			if err := mu.LockTimeout(timeout); err != nil {
				return fmt.Errorf("%w: %s held for over %s (state %d): %w",
					ErrMutexStuck, seg.Name(), timeout, mu.State(), err)
			}
			return mu.Unlock()
		})
	}
}

// AddChecks registers the checks of seg on h, prefixed with its name. The
// mutex check is added as a liveness check only when mutexTimeout is positive.
// The checks may run while seg is being closed; they then report
// shm.ErrClosed.
func AddChecks(h healthcheck.Handler, seg *shm.Segment, mutexTimeout time.Duration) {
	prefix := "shm-" + seg.Name()
	h.AddLivenessCheck(prefix+"-header", HeaderCheck(seg))
	h.AddReadinessCheck(prefix+"-ready", ReadyCheck(seg))
	if mutexTimeout > 0 {
		h.AddLivenessCheck(prefix+"-mutex", healthcheck.Timeout(MutexCheck(seg, mutexTimeout), 2*mutexTimeout))
	}
}
