package shmsync

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/srediag/shmsync/internal/futex"
	"github.com/srediag/shmsync/internal/metrics"
)

// Cond is a condition variable over a generation counter in shared memory.
//
// The mutex is supplied on every wait rather than bound at construction.
// Waiters may wake spuriously and must re-check their predicate in a loop.
// Waiters woken by NotifyAll race for the mutex in no particular order.
type Cond struct {
	gen *uint32
}

// NewCond returns a view over the generation word gen.
func NewCond(gen *uint32) *Cond {
	return &Cond{gen: gen}
}

// CondAt returns a view over the 4-byte aligned word at mem[off:off+4].
func CondAt(mem []byte, off int) (*Cond, error) {
	w, err := wordAt(mem, off)
	if err != nil {
		return nil, err
	}
	return NewCond(w), nil
}

// Wait atomically releases m and blocks until notified, then re-acquires m
// before returning. m must be held by the caller.
func (c *Cond) Wait(m *Mutex) error {
	_, err := c.wait(m, futex.Forever)
	return err
}

// WaitTimeout is Wait bounded by timeout. It reports false when the timeout
// expired first. m is re-acquired before returning in every case.
func (c *Cond) WaitTimeout(m *Mutex, timeout time.Duration) (bool, error) {
	if timeout < 0 {
		timeout = 0
	}
	return c.wait(m, timeout)
}

// NotifyOne wakes one waiter, if any.
func (c *Cond) NotifyOne() error {
	return c.notify(1)
}

// NotifyAll wakes every waiter.
func (c *Cond) NotifyAll() error {
	return c.notify(futex.WakeAll)
}

// Generation returns the current value of the generation counter.
func (c *Cond) Generation() uint32 {
	return atomic.LoadUint32(c.gen)
}

func (c *Cond) notify(n int) error {
	atomic.AddUint32(c.gen, 1)
	metrics.FutexWakes.WithLabelValues(metrics.WordCond).Inc()
	_, err := futex.Wake(c.gen, n)
	return err
}

func (c *Cond) wait(m *Mutex, timeout time.Duration) (bool, error) {
	// The generation is sampled while m is held. A notify that lands between
	// Unlock and the futex call bumps the word, and the kernel then refuses
	// to sleep.
	gen := atomic.LoadUint32(c.gen)
	if err := m.Unlock(); err != nil {
		return false, err
	}

	metrics.FutexWaits.WithLabelValues(metrics.WordCond).Inc()
	waitErr := futex.Wait(c.gen, gen, timeout)
	woken := true
	if errors.Is(waitErr, futex.ErrTimedOut) {
		metrics.WaitTimeouts.WithLabelValues(metrics.WordCond).Inc()
		woken, waitErr = false, nil
	}

	if err := m.Lock(); err != nil {
		return false, multierror.Append(waitErr, err).ErrorOrNil()
	}
	return woken, waitErr
}
