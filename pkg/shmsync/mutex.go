package shmsync

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/srediag/shmsync/internal/futex"
	"github.com/srediag/shmsync/internal/metrics"
)

// Mutex word states.
const (
	Unlocked  uint32 = 0
	Locked    uint32 = 1
	Contended uint32 = 2
)

// ErrNotLocked is returned by Unlock when the word was already unlocked.
var ErrNotLocked = errors.New("unlock of unlocked mutex")

// Mutex is a futex-based lock over a word in shared memory.
//
// The word moves between Unlocked, Locked (held, nobody waiting) and
// Contended (held, waiters may be blocked). A waiter always moves the word to
// Contended before it sleeps, so the holder's Unlock never misses it.
type Mutex struct {
	word *uint32
}

// NewMutex returns a view over word. The word must stay mapped for as long
// as the Mutex is used.
func NewMutex(word *uint32) *Mutex {
	return &Mutex{word: word}
}

// MutexAt returns a view over the 4-byte aligned word at mem[off:off+4].
func MutexAt(mem []byte, off int) (*Mutex, error) {
	w, err := wordAt(mem, off)
	if err != nil {
		return nil, err
	}
	return NewMutex(w), nil
}

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() error {
	return m.lock(futex.Forever)
}

// LockTimeout is Lock bounded by timeout. It returns ErrTimedOut when the
// mutex could not be acquired in time; the word is left consistent.
func (m *Mutex) LockTimeout(timeout time.Duration) error {
	if timeout < 0 {
		timeout = 0
	}
	return m.lock(timeout)
}

// TryLock acquires the mutex only if it is free. It never enters the kernel.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(m.word, Unlocked, Locked)
}

// Unlock releases the mutex and wakes one waiter if any may be blocked.
// The mutex does not track its holder; unlocking a mutex held by someone else
// breaks mutual exclusion.
func (m *Mutex) Unlock() error {
	switch atomic.SwapUint32(m.word, Unlocked) {
	case Unlocked:
		return ErrNotLocked
	case Contended:
		metrics.FutexWakes.WithLabelValues(metrics.WordMutex).Inc()
		if _, err := futex.Wake(m.word, 1); err != nil {
			return err
		}
	}
	return nil
}

// State returns the raw word: Unlocked, Locked or Contended.
func (m *Mutex) State() uint32 {
	return atomic.LoadUint32(m.word)
}

func (m *Mutex) lock(timeout time.Duration) error {
	if atomic.CompareAndSwapUint32(m.word, Unlocked, Locked) {
		return nil
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	// Taking the lock through the swap leaves it Contended, which costs at
	// most one spurious wake on Unlock.
	for atomic.SwapUint32(m.word, Contended) != Unlocked {
		wait := futex.Forever
		if timeout >= 0 {
			if wait = time.Until(deadline); wait <= 0 {
				metrics.WaitTimeouts.WithLabelValues(metrics.WordMutex).Inc()
				return ErrTimedOut
			}
		}
		metrics.FutexWaits.WithLabelValues(metrics.WordMutex).Inc()
		if err := futex.Wait(m.word, Contended, wait); err != nil {
			if errors.Is(err, futex.ErrTimedOut) {
				metrics.WaitTimeouts.WithLabelValues(metrics.WordMutex).Inc()
				return ErrTimedOut
			}
			return err
		}
	}
	return nil
}
