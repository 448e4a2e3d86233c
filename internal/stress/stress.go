// Package stress drives many independent mappings of one segment through the
// shared mutex and condvar and checks that no update or wakeup was lost.
package stress

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shmsync/internal/logging"
	"github.com/srediag/shmsync/pkg/shm"
)

var (
	// ErrLostUpdate is returned when the shared counter disagrees with the
	// number of increments performed.
	ErrLostUpdate = errors.New("lost update")
	// ErrLostWakeup is returned when a broadcast waiter sat out the whole
	// stall timeout without being woken, or when fewer acknowledgements than
	// expected were counted after a broadcast run.
	ErrLostWakeup = errors.New("lost wakeup")
)

const (
	segmentSize = 4096

	// DefaultStallTimeout bounds a single condvar wait in Broadcast.
	DefaultStallTimeout = 5 * time.Second

	offCounter = 0
	offRound   = 0
	offAcks    = 8
)

// Config describes one run. Each worker opens its own mapping.
type Config struct {
	// Name of the segment; a random name is used when empty.
	Name string
	// Workers is the number of concurrent mappings.
	Workers int
	// Iterations is the number of increments per worker, or the number of
	// broadcast rounds.
	Iterations int
	// Options are passed to shm.Create and shm.Open.
	Options []shm.Option
	// StallTimeout is how long a Broadcast waiter may block without a
	// notification before the run fails with ErrLostWakeup. Every round
	// is driven by a NotifyAll, so a healthy wait never comes close.
	StallTimeout time.Duration
}

// Result reports what a run observed.
type Result struct {
	Name     string
	Expected uint64
	Observed uint64
	Elapsed  time.Duration
}

func (r *Result) String() string {
	return fmt.Sprintf("segment:%s expected:%d observed:%d elapsed:%s", r.Name, r.Expected, r.Observed, r.Elapsed)
}

func (c *Config) validate() error {
	if c.Workers <= 0 || c.Iterations <= 0 {
		return fmt.Errorf("workers and iterations must be positive, got %d and %d", c.Workers, c.Iterations)
	}
	if c.Name == "" {
		c.Name = "shmsync-stress-" + uuid.NewString()
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	return nil
}

type job struct {
	// worker runs once per mapping.
	worker func(ctx context.Context, seg *shm.Segment) error
	// coordinate, if set, runs on the owner mapping alongside the workers.
	coordinate func(ctx context.Context, owner *shm.Segment) error
	// observe reads the outcome from the owner mapping.
	observe func(owner *shm.Segment) uint64
}

func run(ctx context.Context, cfg Config, j job) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	owner, err := shm.Create(ctx, cfg.Name, segmentSize, cfg.Options...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := owner.Close(); err != nil {
			logging.Internal().Warnf("close %s: %v", cfg.Name, err)
		}
		if err := owner.Unlink(); err != nil && !errors.Is(err, shm.ErrNotFound) {
			logging.Internal().Warnf("unlink %s: %v", cfg.Name, err)
		}
	}()
	if err := owner.MarkReady(); err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(cfg.Workers, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Condvar waiters only notice cancellation once woken.
	woke := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(woke)
		if err := owner.Cond().NotifyAll(); err != nil {
			logging.Internal().Warnf("wake waiters of %s: %v", cfg.Name, err)
		}
	})
	defer func() {
		if !stop() {
			<-woke
		}
	}()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	fail := func(err error) {
		mu.Lock()
		result = multierror.Append(result, err)
		mu.Unlock()
		cancel()
	}
	openOpts := append(append([]shm.Option(nil), cfg.Options...), shm.WithWaitReady())

	start := time.Now()
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		id := i
		err := pool.Submit(func() {
			defer wg.Done()
			seg, err := shm.Open(ctx, cfg.Name, openOpts...)
			if err != nil {
				fail(fmt.Errorf("worker %d: %w", id, err))
				return
			}
			defer seg.Close()
			if err := j.worker(ctx, seg); err != nil {
				fail(fmt.Errorf("worker %d: %w", id, err))
			}
		})
		if err != nil {
			wg.Done()
			fail(err)
		}
	}
	if j.coordinate != nil {
		if err := j.coordinate(ctx, owner); err != nil {
			fail(fmt.Errorf("coordinator: %w", err))
		}
	}
	wg.Wait()
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &Result{
		Name:     cfg.Name,
		Expected: uint64(cfg.Workers) * uint64(cfg.Iterations),
		Observed: j.observe(owner),
		Elapsed:  time.Since(start),
	}, nil
}

func counter(p []byte, off int) uint64 {
	return binary.NativeEndian.Uint64(p[off:])
}

func bump(p []byte, off int) {
	binary.NativeEndian.PutUint64(p[off:], counter(p, off)+1)
}

// Counter has every worker increment a payload counter Iterations times
// under the segment mutex.
func Counter(ctx context.Context, cfg Config) (*Result, error) {
	res, err := run(ctx, cfg, job{
		worker: func(ctx context.Context, seg *shm.Segment) error {
			mu, p := seg.Mutex(), seg.Payload()
			for i := 0; i < cfg.Iterations; i++ {
				if i%256 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				if err := mu.Lock(); err != nil {
					return err
				}
				bump(p, offCounter)
				if err := mu.Unlock(); err != nil {
					return err
				}
			}
			return nil
		},
		observe: func(owner *shm.Segment) uint64 {
			return counter(owner.Payload(), offCounter)
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Observed != res.Expected {
		return res, fmt.Errorf("%w: %s", ErrLostUpdate, res)
	}
	return res, nil
}

// waitFor waits on the segment condvar until cond holds. The mutex must be
// held and is held again on return. A wait that lasts the full stall timeout
// means a notification never arrived and fails with ErrLostWakeup; the ctx
// deadline is reported as such.
func waitFor(ctx context.Context, seg *shm.Segment, stall time.Duration, cond func() bool) error {
	for !cond() {
		if err := ctx.Err(); err != nil {
			return err
		}
		timeout, bounded := stall, false
		if dl, ok := ctx.Deadline(); ok {
			if remaining := time.Until(dl); remaining < timeout {
				timeout, bounded = remaining, true
			}
		}
		woken, err := seg.Cond().WaitTimeout(seg.Mutex(), timeout)
		if err != nil {
			return err
		}
		if !woken {
			if bounded {
				return context.DeadlineExceeded
			}
			return fmt.Errorf("%w: %s not notified within %s", ErrLostWakeup, seg.Name(), stall)
		}
	}
	return nil
}

// Broadcast runs Iterations rounds. Each round the coordinator advances the
// round number and calls NotifyAll once; every worker must wake and
// acknowledge before the next round starts.
func Broadcast(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	stall := cfg.StallTimeout
	res, err := run(ctx, cfg, job{
		worker: func(ctx context.Context, seg *shm.Segment) error {
			mu, p := seg.Mutex(), seg.Payload()
			if err := mu.Lock(); err != nil {
				return err
			}
			defer mu.Unlock()
			for r := uint64(1); r <= uint64(cfg.Iterations); r++ {
				if err := waitFor(ctx, seg, stall, func() bool { return counter(p, offRound) >= r }); err != nil {
					return err
				}
				bump(p, offAcks)
				if err := seg.Cond().NotifyAll(); err != nil {
					return err
				}
			}
			return nil
		},
		coordinate: func(ctx context.Context, owner *shm.Segment) error {
			mu, p := owner.Mutex(), owner.Payload()
			workers := uint64(cfg.Workers)
			if err := mu.Lock(); err != nil {
				return err
			}
			defer mu.Unlock()
			for r := uint64(1); r <= uint64(cfg.Iterations); r++ {
				binary.NativeEndian.PutUint64(p[offRound:], r)
				if err := owner.Cond().NotifyAll(); err != nil {
					return err
				}
				if err := waitFor(ctx, owner, stall, func() bool { return counter(p, offAcks) >= r*workers }); err != nil {
					return err
				}
			}
			return nil
		},
		observe: func(owner *shm.Segment) uint64 {
			return counter(owner.Payload(), offAcks)
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Observed != res.Expected {
		return res, fmt.Errorf("%w: %s", ErrLostWakeup, res)
	}
	return res, nil
}
