package seqlog

import (
	"context"
	"errors"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/shmsync/internal/logging"
)

// Tail copies records from c into a local ring buffer of the given size so
// that several goroutines can share one consumer through Poll. The buffer is
// disposed when ctx is done or the log is exhausted; the returned channel then
// yields the reason, or nil on cancellation.
func Tail(ctx context.Context, c *Consumer, size uint64) (*queue.RingBuffer, <-chan error) {
	rb := queue.NewRingBuffer(size)
	done := make(chan error, 1)
	go func() {
		defer close(done)
		stop := context.AfterFunc(ctx, rb.Dispose)
		defer stop()
		defer rb.Dispose()
		for {
			rec, err := c.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					done <- nil
					return
				}
				logging.Internal().Debugf("tail stopped at %d: %v", c.Position(), err)
				done <- err
				return
			}
			if err := rb.Put(rec); err != nil {
				if errors.Is(err, queue.ErrDisposed) {
					done <- nil
					return
				}
				done <- err
				return
			}
		}
	}()
	return rb, done
}
