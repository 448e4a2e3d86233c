package shm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmsync/internal/futex"
	"github.com/srediag/shmsync/internal/logging"
	"github.com/srediag/shmsync/internal/metrics"
	internalshm "github.com/srediag/shmsync/internal/shm"
	"github.com/srediag/shmsync/pkg/shmsync"
)

// Segment is one process's attachment to a named shared memory object.
//
// The first HeaderSize bytes hold the Header; the rest is payload whose
// access discipline belongs to the caller. A Segment is safe for concurrent
// use, but Payload and Header must not be touched after Close.
type Segment struct {
	name   string
	cfg    Config
	owner  bool
	region *internalshm.MappedRegion
	size   int
	hdr    *Header
	mutex  *shmsync.Mutex
	cond   *shmsync.Cond
	closed atomic.Bool
	// pin is held shared by Inspect and exclusively while unmapping.
	pin    sync.RWMutex
	logger *logging.Logger
}

// RegisterMetrics registers the package's prometheus collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	return metrics.Register(reg)
}

// Create makes a new segment called name of at least size bytes, header
// included, and attaches to it as owner. The length is rounded up to the page
// size. The segment is not ready until MarkReady is called.
func Create(ctx context.Context, name string, size int, opts ...Option) (*Segment, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	ctx, span := o.tracer.Start(ctx, "shm.Create", trace.WithAttributes(
		attribute.String("shm.name", name),
		attribute.Int("shm.size", size),
	))
	defer span.End()

	seg, err := create(ctx, name, size, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	o.recordAttach(ctx, "owner")
	return seg, nil
}

func create(ctx context.Context, name string, size int, o *options) (*Segment, error) {
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: %d is smaller than the %d byte header", ErrInvalidSize, size, HeaderSize)
	}
	total, err := roundToPage(size)
	if err != nil {
		return nil, err
	}
	if o.cfg.CheckFreeSpace && !internalshm.CanCreate(uint64(total), o.cfg.Dir) {
		return nil, fmt.Errorf("%w: %s needs %d bytes in %s", ErrInsufficientSpace, name, total, o.cfg.Dir)
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:   name,
		Dir:    o.cfg.Dir,
		Size:   total,
		Mode:   uint32(o.cfg.Mode),
		Create: true,
	})
	if err != nil {
		return nil, err
	}
	seg := newSegment(name, region, o)
	seg.hdr.initialize(uint64(total))
	metrics.SegmentOps.WithLabelValues("create").Inc()
	seg.logger.Infof("created segment at %s, size:%d mode:%#o", region.Path, total, uint32(o.cfg.Mode))
	return seg, nil
}

// Open attaches to the existing segment called name.
//
// Open fails with ErrNotFound when there is no such name and with
// ErrNotInitialized while the creator has not written the header yet; with
// WithRetry both are retried. WithWaitReady additionally blocks until the
// owner calls MarkReady, bounded by ctx.
func Open(ctx context.Context, name string, opts ...Option) (*Segment, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	ctx, span := o.tracer.Start(ctx, "shm.Open", trace.WithAttributes(
		attribute.String("shm.name", name),
		attribute.Bool("shm.wait_ready", o.waitReady),
	))
	defer span.End()

	var seg *Segment
	if o.retry == nil {
		seg, err = open(ctx, name, o)
	} else {
		err = backoff.Retry(func() error {
			s, err := open(ctx, name, o)
			if err != nil {
				if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotInitialized) {
					return err
				}
				return backoff.Permanent(err)
			}
			seg = s
			return nil
		}, backoff.WithContext(o.retry, ctx))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if o.waitReady {
		if err := seg.WaitReady(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if cerr := seg.Close(); cerr != nil {
				seg.logger.Warnf("detach after failed wait: %v", cerr)
			}
			return nil, err
		}
	}
	o.recordAttach(ctx, "peer")
	return seg, nil
}

func open(ctx context.Context, name string, o *options) (*Segment, error) {
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name: name,
		Dir:  o.cfg.Dir,
	})
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Segment, error) {
		if uerr := internalshm.UnmapRegion(ctx, region); uerr != nil {
			logging.Internal().Warnf("unmap %s after failed open: %v", name, uerr)
		}
		return nil, err
	}
	size := len(region.Addr)
	if size < HeaderSize {
		return fail(fmt.Errorf("%w: %s is %d bytes, shorter than the header", ErrFormatMismatch, name, size))
	}
	hdr := headerOf(region.Addr)
	if err := hdr.validate(size); err != nil {
		return fail(fmt.Errorf("open %s: %w", name, err))
	}
	if o.expectedSize > 0 {
		want, err := roundToPage(o.expectedSize)
		if err != nil {
			return fail(err)
		}
		if want != size {
			return fail(fmt.Errorf("%w: %s is %d bytes, expected %d", ErrSizeMismatch, name, size, want))
		}
	}
	seg := newSegment(name, region, o)
	refs := hdr.attach()
	metrics.SegmentOps.WithLabelValues("open").Inc()
	seg.logger.Debugf("opened segment at %s, size:%d refcount:%d", region.Path, size, refs)
	return seg, nil
}

// newSegment wraps a fresh mapping. The handle that created the object owns
// it.
func newSegment(name string, region *internalshm.MappedRegion, o *options) *Segment {
	hdr := headerOf(region.Addr)
	owner := region.Created
	return &Segment{
		name:   name,
		cfg:    o.cfg,
		owner:  owner,
		region: region,
		size:   len(region.Addr),
		hdr:    hdr,
		mutex:  shmsync.NewMutex(hdr.word(OffMutex)),
		cond:   shmsync.NewCond(hdr.word(OffCond)),
		logger: logging.Internal().With("segment", name, "owner", owner),
	}
}

func (o *options) recordAttach(ctx context.Context, role string) {
	c, err := o.meter.Int64Counter("shmsync.segment.attach",
		metric.WithDescription("Number of segment attachments"))
	if err != nil {
		logging.Internal().Debugf("attach counter: %v", err)
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// MarkReady publishes the segment to openers waiting for it. Only the owner
// may call it; later calls are no-ops.
func (s *Segment) MarkReady() error {
	if !s.owner {
		return ErrNotOwner
	}
	if s.closed.Load() {
		return ErrClosed
	}
	w := s.hdr.word(OffReady)
	if !atomic.CompareAndSwapUint32(w, 0, 1) {
		return nil
	}
	metrics.FutexWakes.WithLabelValues(metrics.WordReady).Inc()
	if _, err := futex.Wake(w, futex.WakeAll); err != nil {
		return err
	}
	s.logger.Debugf("segment ready")
	return nil
}

// WaitReady blocks until the owner has called MarkReady. A context deadline
// yields an error matching both ErrTimedOut and context.DeadlineExceeded.
func (s *Segment) WaitReady(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	w := s.hdr.word(OffReady)
	for atomic.LoadUint32(w) == 0 {
		if err := ctx.Err(); err != nil {
			return s.readyWaitError(err)
		}
		timeout := s.cfg.ReadyPollInterval
		if dl, ok := ctx.Deadline(); ok {
			remaining := time.Until(dl)
			if remaining <= 0 {
				return s.readyWaitError(context.DeadlineExceeded)
			}
			timeout = min(timeout, remaining)
		}
		metrics.FutexWaits.WithLabelValues(metrics.WordReady).Inc()
		if err := futex.Wait(w, 0, timeout); err != nil && !errors.Is(err, futex.ErrTimedOut) {
			return err
		}
	}
	return nil
}

func (s *Segment) readyWaitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.WaitTimeouts.WithLabelValues(metrics.WordReady).Inc()
		return fmt.Errorf("%w: waiting for %s to become ready: %w", ErrTimedOut, s.name, err)
	}
	return err
}

// Payload returns the bytes after the header, or nil once closed.
func (s *Segment) Payload() []byte {
	if s.closed.Load() {
		return nil
	}
	return s.region.Addr[HeaderSize:]
}

// Header returns the atomic header view. Like Payload, it reads the mapping
// and must not be used after Close.
func (s *Segment) Header() *Header {
	return s.hdr
}

// Inspect runs fn with the mapping pinned, so that a concurrent Close cannot
// unmap it until fn returns. It returns ErrClosed without calling fn once the
// segment is closed. Inspect is meant for observers such as health checks;
// fn must not call Close.
func (s *Segment) Inspect(fn func(h *Header) error) error {
	s.pin.RLock()
	defer s.pin.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	return fn(s.hdr)
}

// Mutex returns the mutex stored in the header.
func (s *Segment) Mutex() *shmsync.Mutex {
	return s.mutex
}

// Cond returns the condition variable stored in the header.
func (s *Segment) Cond() *shmsync.Cond {
	return s.cond
}

func (s *Segment) Name() string {
	return s.name
}

// Len is the total segment length, header included.
func (s *Segment) Len() int {
	return s.size
}

// Owner reports whether this handle created the segment.
func (s *Segment) Owner() bool {
	return s.owner
}

// Closed reports whether Close has been called.
func (s *Segment) Closed() bool {
	return s.closed.Load()
}

// Close detaches from the segment and unmaps it. The attached counter is
// decremented before unmapping. With AutoUnlink, the handle that brings the
// counter to zero also removes the name. Close waits for running Inspect
// calls before unmapping and is idempotent.
func (s *Segment) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var result *multierror.Error
	remaining := s.hdr.detach()
	if remaining == 0 && s.cfg.AutoUnlink {
		switch err := internalshm.Unlink(s.cfg.Dir, s.name); {
		case err == nil:
			metrics.Unlinks.WithLabelValues("refcount").Inc()
			s.logger.Infof("last handle detached, removed %s", s.region.Path)
		case errors.Is(err, ErrNotFound):
		default:
			result = multierror.Append(result, err)
		}
	}
	s.pin.Lock()
	if err := internalshm.UnmapRegion(context.Background(), s.region); err != nil {
		result = multierror.Append(result, err)
	}
	s.pin.Unlock()
	metrics.SegmentOps.WithLabelValues("close").Inc()
	s.logger.Debugf("closed segment, refcount:%d", remaining)
	return result.ErrorOrNil()
}

// Unlink removes the segment's name. Mappings that exist stay valid.
func (s *Segment) Unlink() error {
	if err := internalshm.Unlink(s.cfg.Dir, s.name); err != nil {
		return err
	}
	metrics.Unlinks.WithLabelValues("explicit").Inc()
	s.logger.Infof("removed %s", s.region.Path)
	return nil
}

// Unlink removes name regardless of how many processes are attached. It is
// the operator path for segments left behind by crashed processes.
func Unlink(name string, opts ...Option) error {
	o, err := newOptions(opts)
	if err != nil {
		return err
	}
	if err := internalshm.Unlink(o.cfg.Dir, name); err != nil {
		return err
	}
	metrics.Unlinks.WithLabelValues("forced").Inc()
	logging.Internal().Infof("forced unlink of %s", name)
	return nil
}

// roundToPage rounds n up to a whole number of pages.
func roundToPage(n int) (int, error) {
	page := os.Getpagesize()
	if n > math.MaxInt-page {
		return 0, fmt.Errorf("%w: %d cannot be rounded to a page", ErrInvalidSize, n)
	}
	return (n + page - 1) / page * page, nil
}
