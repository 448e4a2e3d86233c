// Package lifecycle tracks the segments a process is attached to and owns
// their teardown.
//
// The attached counter in each segment header is only a heuristic: a process
// that crashes never decrements it. Release therefore unlinks a name only when
// the manager was built with shm.WithAutoUnlink(true) and the counter reached
// zero, and ForceUnlink is provided for operator cleanup.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shmsync/internal/logging"
	internalshm "github.com/srediag/shmsync/internal/shm"
	"github.com/srediag/shmsync/pkg/shm"
)

var (
	// ErrAlreadyAttached is returned when this manager already holds a
	// segment with the same name.
	ErrAlreadyAttached = errors.New("segment already attached by this manager")
	// ErrNotAttached is returned by Release for unknown names.
	ErrNotAttached = errors.New("segment not attached by this manager")
)

// SegmentManager is the process-side lifecycle contract.
type SegmentManager interface {
	Create(ctx context.Context, name string, size int, opts ...shm.Option) (*shm.Segment, error)
	Open(ctx context.Context, name string, opts ...shm.Option) (*shm.Segment, error)
	Get(name string) (*shm.Segment, bool)
	Release(name string) error
	ForceUnlink(name string) error
	CloseAll() error
}

// Manager is a SegmentManager safe for concurrent use.
type Manager struct {
	segments cmap.ConcurrentMap[string, *shm.Segment]
	opts     []shm.Option
	logger   *logging.Logger
}

var _ SegmentManager = (*Manager)(nil)

// NewManager returns a manager applying opts to every segment it creates,
// opens or unlinks. Per-call options are applied after them.
func NewManager(opts ...shm.Option) *Manager {
	return &Manager{
		segments: cmap.New[*shm.Segment](),
		opts:     opts,
		logger:   logging.Internal().With("component", "lifecycle"),
	}
}

func (m *Manager) options(extra []shm.Option) []shm.Option {
	all := make([]shm.Option, 0, len(m.opts)+len(extra))
	all = append(all, m.opts...)
	return append(all, extra...)
}

func key(name string) (string, error) {
	return internalshm.CanonicalName(name)
}

// Create creates a segment and tracks it.
func (m *Manager) Create(ctx context.Context, name string, size int, opts ...shm.Option) (*shm.Segment, error) {
	k, err := key(name)
	if err != nil {
		return nil, err
	}
	if m.segments.Has(k) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, name)
	}
	seg, err := shm.Create(ctx, name, size, m.options(opts)...)
	if err != nil {
		return nil, err
	}
	return m.track(k, seg)
}

// Open attaches to an existing segment and tracks it.
func (m *Manager) Open(ctx context.Context, name string, opts ...shm.Option) (*shm.Segment, error) {
	k, err := key(name)
	if err != nil {
		return nil, err
	}
	if m.segments.Has(k) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, name)
	}
	seg, err := shm.Open(ctx, name, m.options(opts)...)
	if err != nil {
		return nil, err
	}
	return m.track(k, seg)
}

func (m *Manager) track(k string, seg *shm.Segment) (*shm.Segment, error) {
	if !m.segments.SetIfAbsent(k, seg) {
		if err := seg.Close(); err != nil {
			m.logger.Warnf("close duplicate attachment of %s: %v", k, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, k)
	}
	m.logger.Debugf("tracking %s, owner:%v", k, seg.Owner())
	return seg, nil
}

// Get returns the tracked segment called name.
func (m *Manager) Get(name string) (*shm.Segment, bool) {
	k, err := key(name)
	if err != nil {
		return nil, false
	}
	return m.segments.Get(k)
}

// Names returns the names of all tracked segments.
func (m *Manager) Names() []string {
	return m.segments.Keys()
}

// Len is the number of tracked segments.
func (m *Manager) Len() int {
	return m.segments.Count()
}

// Release stops tracking name and detaches from it.
func (m *Manager) Release(name string) error {
	k, err := key(name)
	if err != nil {
		return err
	}
	seg, ok := m.segments.Pop(k)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, name)
	}
	refs := seg.Header().RefCount()
	if err := seg.Close(); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	m.logger.Debugf("released %s, refcount before detach:%d", k, refs)
	return nil
}

// ForceUnlink removes name whether or not anything is attached, and stops
// tracking it. Tracked mappings are closed first.
func (m *Manager) ForceUnlink(name string) error {
	k, err := key(name)
	if err != nil {
		return err
	}
	var result *multierror.Error
	if seg, ok := m.segments.Pop(k); ok {
		if err := seg.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := shm.Unlink(name, m.opts...); err != nil && !errors.Is(err, shm.ErrNotFound) {
		result = multierror.Append(result, err)
	}
	m.logger.Warnf("forced unlink of %s", k)
	return result.ErrorOrNil()
}

// CloseAll releases every tracked segment and returns all failures together.
func (m *Manager) CloseAll() error {
	var result *multierror.Error
	for _, k := range m.segments.Keys() {
		if err := m.Release(k); err != nil && !errors.Is(err, ErrNotAttached) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
