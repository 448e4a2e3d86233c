// Package seqlog is an append-only log of 8-byte records stored in a
// segment payload, with one producer and any number of consumers.
//
// Payload layout: a uint64 record count followed by the records in append
// order. Appends happen under the segment mutex and are announced with
// NotifyAll on the segment condvar; consumers block on it until the count
// passes their position. Producers and consumers must not be used after their
// segment is closed.
package seqlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	internalshm "github.com/srediag/shmsync/internal/shm"
	"github.com/srediag/shmsync/pkg/shm"
)

const (
	countSize  = 8
	recordSize = 8

	// pollInterval caps one condvar wait so that context cancellation is seen.
	pollInterval = 100 * time.Millisecond
)

var (
	// ErrLogFull is returned by Append when the payload has no room left.
	ErrLogFull = errors.New("no space left in shared memory log")
	// ErrTooSmall is returned when the payload cannot hold a single record.
	ErrTooSmall = errors.New("payload too small for a log")
)

type segmentLog struct {
	seg      *shm.Segment
	payload  []byte
	count    *uint64
	capacity uint64
}

func newLog(seg *shm.Segment) (*segmentLog, error) {
	p := seg.Payload()
	if p == nil {
		return nil, shm.ErrClosed
	}
	if len(p) < countSize+recordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, len(p))
	}
	return &segmentLog{
		seg:      seg,
		payload:  p,
		count:    internalshm.Word64(unsafe.Pointer(&p[0]), 0),
		capacity: uint64((len(p) - countSize) / recordSize),
	}, nil
}

// Len is the number of records appended so far.
func (l *segmentLog) Len() uint64 {
	return atomic.LoadUint64(l.count)
}

// Cap is the number of records the payload can hold.
func (l *segmentLog) Cap() uint64 {
	return l.capacity
}

func (l *segmentLog) record(i uint64) uint64 {
	off := countSize + i*recordSize
	return binary.NativeEndian.Uint64(l.payload[off:])
}

// Producer appends records.
type Producer struct {
	*segmentLog
}

// NewProducer returns the producer side of the log in seg.
func NewProducer(seg *shm.Segment) (*Producer, error) {
	l, err := newLog(seg)
	if err != nil {
		return nil, err
	}
	return &Producer{segmentLog: l}, nil
}

// Append writes rec at the end of the log, wakes every consumer, and returns
// the record's sequence number, starting from 1.
func (p *Producer) Append(rec uint64) (uint64, error) {
	mu := p.seg.Mutex()
	if err := mu.Lock(); err != nil {
		return 0, err
	}
	n := atomic.LoadUint64(p.count)
	if n >= p.capacity {
		if err := mu.Unlock(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %d records", ErrLogFull, n)
	}
	binary.NativeEndian.PutUint64(p.payload[countSize+n*recordSize:], rec)
	atomic.StoreUint64(p.count, n+1)
	if err := mu.Unlock(); err != nil {
		return 0, err
	}
	return n + 1, p.seg.Cond().NotifyAll()
}

// Consumer reads records in order from its own position.
type Consumer struct {
	*segmentLog
	next uint64
}

// NewConsumer returns a consumer positioned at the first record.
func NewConsumer(seg *shm.Segment) (*Consumer, error) {
	l, err := newLog(seg)
	if err != nil {
		return nil, err
	}
	return &Consumer{segmentLog: l}, nil
}

// Position is the index of the next record Next returns.
func (c *Consumer) Position() uint64 {
	return c.next
}

// TryNext returns the next record if one is available, without blocking.
func (c *Consumer) TryNext() (uint64, bool) {
	if atomic.LoadUint64(c.count) <= c.next {
		return 0, false
	}
	rec := c.record(c.next)
	c.next++
	return rec, true
}

// Next blocks until the next record is appended or ctx is done. A deadline
// yields an error matching shm.ErrTimedOut.
func (c *Consumer) Next(ctx context.Context) (uint64, error) {
	if rec, ok := c.TryNext(); ok {
		return rec, nil
	}
	mu, cond := c.seg.Mutex(), c.seg.Cond()
	if err := mu.Lock(); err != nil {
		return 0, err
	}
	for atomic.LoadUint64(c.count) <= c.next {
		if c.next >= c.capacity {
			_ = mu.Unlock()
			return 0, fmt.Errorf("%w: consumer at end of log", ErrLogFull)
		}
		timeout := pollInterval
		if dl, ok := ctx.Deadline(); ok {
			timeout = min(timeout, time.Until(dl))
		}
		if err := ctx.Err(); err != nil || timeout <= 0 {
			_ = mu.Unlock()
			return 0, waitError(ctx)
		}
		if _, err := cond.WaitTimeout(mu, timeout); err != nil {
			_ = mu.Unlock()
			return 0, err
		}
	}
	rec := c.record(c.next)
	c.next++
	return rec, mu.Unlock()
}

func waitError(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		err = context.DeadlineExceeded
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: waiting for record: %w", shm.ErrTimedOut, err)
	}
	return err
}
