//go:build linux

package shm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmsync/internal/metrics"
)

const (
	envHelper     = "SHMSYNC_TEST_HELPER"
	envHelperName = "SHMSYNC_TEST_HELPER_NAME"
	envHelperN    = "SHMSYNC_TEST_HELPER_N"
)

type SegmentTestSuite struct {
	suite.Suite
	ctx  context.Context
	name string
}

func TestSegmentTestSuite(t *testing.T) {
	suite.Run(t, new(SegmentTestSuite))
}

func (s *SegmentTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.name = testSegmentName()
	name := s.name
	s.T().Cleanup(func() { _ = Unlink(name) })
}

func testSegmentName() string {
	return "shmsync-test-" + uuid.NewString()
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func (s *SegmentTestSuite) create(size int, opts ...Option) *Segment {
	seg, err := Create(s.ctx, s.name, size, opts...)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = seg.Close() })
	return seg
}

func (s *SegmentTestSuite) open(opts ...Option) *Segment {
	seg, err := Open(s.ctx, s.name, opts...)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = seg.Close() })
	return seg
}

func (s *SegmentTestSuite) TestHeaderRoundTrip() {
	owner := s.create(4096)
	s.Require().True(owner.Owner())
	s.Require().Equal("/dev/shm/"+s.name, owner.region.Path)
	s.Require().Equal(4096, owner.Len())
	s.Require().Equal(4096-HeaderSize, len(owner.Payload()))
	s.Require().Equal(uint32(1), owner.Header().RefCount())
	s.Require().False(owner.Header().Ready())

	peer := s.open()
	s.Require().False(peer.Owner())
	s.Require().Equal(owner.Header().Snapshot().Magic, peer.Header().Magic())
	s.Require().Equal(Magic, peer.Header().Magic())
	s.Require().Equal(Version, peer.Header().Version())
	s.Require().Equal(uint64(4096), peer.Header().TotalLen())
	s.Require().Equal(uint32(2), owner.Header().RefCount())
}

func (s *SegmentTestSuite) TestSizeIsRoundedToPage() {
	seg := s.create(HeaderSize + 1)
	s.Require().Equal(os.Getpagesize(), seg.Len())

	_, err := Create(s.ctx, testSegmentName(), HeaderSize-1)
	s.Require().ErrorIs(err, ErrInvalidSize)
}

func (s *SegmentTestSuite) TestSizeNearMaxIntRejected() {
	page := os.Getpagesize()
	for _, size := range []int{math.MaxInt, math.MaxInt - page + 1} {
		_, err := Create(s.ctx, s.name, size)
		s.Require().ErrorIs(err, ErrInvalidSize)
		_, statErr := os.Stat("/dev/shm/" + s.name)
		s.Require().True(os.IsNotExist(statErr))
	}

	n, err := roundToPage(math.MaxInt - page)
	s.Require().NoError(err)
	s.Require().Positive(n)

	owner := s.create(4096)
	_, err = Open(s.ctx, s.name, WithExpectedSize(math.MaxInt))
	s.Require().ErrorIs(err, ErrInvalidSize)
	s.Require().Equal(uint32(1), owner.Header().RefCount())
}

func (s *SegmentTestSuite) TestCreateExistingFails() {
	s.create(4096)
	_, err := Create(s.ctx, s.name, 4096)
	s.Require().ErrorIs(err, ErrAlreadyExists)
}

func (s *SegmentTestSuite) TestOpenMissingFails() {
	_, err := Open(s.ctx, s.name)
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *SegmentTestSuite) TestOpenRejectsBadHeader() {
	owner := s.create(4096)
	hdr := owner.Header()

	atomic.StoreUint32(hdr.word(OffVersion), Version+1)
	_, err := Open(s.ctx, s.name)
	s.Require().ErrorIs(err, ErrFormatMismatch)
	atomic.StoreUint32(hdr.word(OffVersion), Version)

	atomic.StoreUint32(hdr.word(OffMagic), 0xdeadbeef)
	_, err = Open(s.ctx, s.name)
	s.Require().ErrorIs(err, ErrFormatMismatch)

	atomic.StoreUint32(hdr.word(OffMagic), 0)
	_, err = Open(s.ctx, s.name)
	s.Require().ErrorIs(err, ErrNotInitialized)
	atomic.StoreUint32(hdr.word(OffMagic), Magic)

	s.Require().Equal(uint32(1), hdr.RefCount())
}

func (s *SegmentTestSuite) TestOpenExpectedSize() {
	s.create(4096)
	_, err := Open(s.ctx, s.name, WithExpectedSize(2*os.Getpagesize()))
	s.Require().ErrorIs(err, ErrSizeMismatch)
	s.open(WithExpectedSize(4096))
}

func (s *SegmentTestSuite) TestMarkReadyOwnerOnly() {
	owner := s.create(4096)
	peer := s.open()
	s.Require().ErrorIs(peer.MarkReady(), ErrNotOwner)
	s.Require().NoError(owner.MarkReady())
	s.Require().NoError(owner.MarkReady())
	s.Require().True(peer.Header().Ready())
}

func (s *SegmentTestSuite) TestWaitReadyTimesOut() {
	s.create(4096)
	before := counterValue(metrics.WaitTimeouts.WithLabelValues(metrics.WordReady))

	ctx, cancel := context.WithTimeout(s.ctx, 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Open(ctx, s.name, WithWaitReady())
	s.Require().ErrorIs(err, ErrTimedOut)
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.Require().GreaterOrEqual(time.Since(start), 90*time.Millisecond)
	s.Require().Equal(before+1, counterValue(metrics.WaitTimeouts.WithLabelValues(metrics.WordReady)))
}

func (s *SegmentTestSuite) TestWaitReadyCancelled() {
	owner := s.create(4096)
	ctx, cancel := context.WithCancel(s.ctx)
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := Open(ctx, s.name, WithWaitReady())
	s.Require().ErrorIs(err, context.Canceled)
	s.Require().False(errors.Is(err, ErrTimedOut))
	s.Require().Equal(uint32(1), owner.Header().RefCount())
}

func (s *SegmentTestSuite) TestWaitReadyWokenByMarkReady() {
	owner := s.create(4096)
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		peer, err := Open(ctx, s.name, WithWaitReady())
		if err == nil {
			err = peer.Close()
		}
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(owner.MarkReady())
	s.Require().NoError(<-done)
}

func (s *SegmentTestSuite) TestOpenRetriesUntilCreated() {
	created := make(chan *Segment, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		seg, err := Create(context.Background(), s.name, 4096)
		if err != nil {
			seg = nil
		}
		created <- seg
	}()
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	seg, err := Open(ctx, s.name, WithRetry(backoff.NewConstantBackOff(10*time.Millisecond)))
	s.Require().NoError(err)
	s.Require().NoError(seg.Close())

	owner := <-created
	s.Require().NotNil(owner)
	s.Require().NoError(owner.Close())
}

func (s *SegmentTestSuite) TestRetryStopsOnPermanentError() {
	owner := s.create(4096)
	atomic.StoreUint32(owner.Header().word(OffVersion), Version+1)
	defer atomic.StoreUint32(owner.Header().word(OffVersion), Version)

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err := Open(ctx, s.name, WithRetry(backoff.NewConstantBackOff(10*time.Millisecond)))
	s.Require().ErrorIs(err, ErrFormatMismatch)
	s.Require().Less(time.Since(start), time.Second)
}

func (s *SegmentTestSuite) TestCloseDetaches() {
	owner := s.create(4096)
	peer, err := Open(s.ctx, s.name)
	s.Require().NoError(err)
	s.Require().Equal(uint32(2), owner.Header().RefCount())

	s.Require().NoError(peer.Close())
	s.Require().NoError(peer.Close())
	s.Require().True(peer.Closed())
	s.Require().Nil(peer.Payload())
	s.Require().ErrorIs(peer.WaitReady(s.ctx), ErrClosed)
	s.Require().Equal(uint32(1), owner.Header().RefCount())

	_, err = os.Stat("/dev/shm/" + s.name)
	s.Require().NoError(err)
}

func (s *SegmentTestSuite) TestInspectHoldsOffClose() {
	owner := s.create(4096)
	peer, err := Open(s.ctx, s.name)
	s.Require().NoError(err)

	inside := make(chan struct{})
	closing := make(chan struct{})
	result := make(chan uint32, 1)
	go func() {
		_ = peer.Inspect(func(h *Header) error {
			close(inside)
			<-closing
			time.Sleep(50 * time.Millisecond)
			// Still mapped: Close is waiting for this function.
			result <- h.Magic()
			return nil
		})
	}()

	<-inside
	close(closing)
	s.Require().NoError(peer.Close())
	s.Require().Equal(Magic, <-result)

	called := false
	err = peer.Inspect(func(*Header) error {
		called = true
		return nil
	})
	s.Require().ErrorIs(err, ErrClosed)
	s.Require().False(called)
	s.Require().Equal(uint32(1), owner.Header().RefCount())
}

func (s *SegmentTestSuite) TestAutoUnlinkOnLastClose() {
	owner, err := Create(s.ctx, s.name, 4096, WithAutoUnlink(true))
	s.Require().NoError(err)
	peer, err := Open(s.ctx, s.name, WithAutoUnlink(true))
	s.Require().NoError(err)
	before := counterValue(metrics.Unlinks.WithLabelValues("refcount"))

	s.Require().NoError(owner.Close())
	_, err = os.Stat("/dev/shm/" + s.name)
	s.Require().NoError(err)

	s.Require().NoError(peer.Close())
	_, err = os.Stat("/dev/shm/" + s.name)
	s.Require().True(os.IsNotExist(err))
	s.Require().Equal(before+1, counterValue(metrics.Unlinks.WithLabelValues("refcount")))
}

func (s *SegmentTestSuite) TestUnlinkKeepsMappings() {
	owner := s.create(4096)
	peer := s.open()
	s.Require().NoError(owner.Unlink())
	s.Require().ErrorIs(Unlink(s.name), ErrNotFound)

	_, err := Open(s.ctx, s.name)
	s.Require().ErrorIs(err, ErrNotFound)

	owner.Payload()[7] = 9
	s.Require().Equal(byte(9), peer.Payload()[7])
}

func (s *SegmentTestSuite) TestMutexAcrossMappings() {
	owner := s.create(4096)
	peer := s.open()

	s.Require().True(owner.Mutex().TryLock())
	s.Require().False(peer.Mutex().TryLock())
	s.Require().NoError(owner.Mutex().Unlock())
	s.Require().True(peer.Mutex().TryLock())
	s.Require().NoError(peer.Mutex().Unlock())
}

func (s *SegmentTestSuite) TestCounterAcrossMappings() {
	const (
		mappings   = 4
		increments = 1000
	)
	owner := s.create(4096)
	var wg sync.WaitGroup
	for i := 0; i < mappings; i++ {
		seg := s.open()
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu := seg.Mutex()
			p := seg.Payload()
			for j := 0; j < increments; j++ {
				if err := mu.Lock(); err != nil {
					s.T().Error(err)
					return
				}
				binary.NativeEndian.PutUint64(p, binary.NativeEndian.Uint64(p)+1)
				if err := mu.Unlock(); err != nil {
					s.T().Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	s.Require().Equal(uint64(mappings*increments), binary.NativeEndian.Uint64(owner.Payload()))
}

func (s *SegmentTestSuite) TestCondAcrossMappings() {
	owner := s.create(4096)
	peer := s.open()

	waiting := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		mu, cond := peer.Mutex(), peer.Cond()
		if err := mu.Lock(); err != nil {
			done <- err
			return
		}
		close(waiting)
		for peer.Payload()[0] == 0 {
			if err := cond.Wait(mu); err != nil {
				done <- err
				return
			}
		}
		done <- mu.Unlock()
	}()

	<-waiting
	// Lock succeeds only once the waiter has released the mutex inside Wait.
	s.Require().NoError(owner.Mutex().Lock())
	s.Require().NoError(owner.Mutex().Unlock())
	time.Sleep(20 * time.Millisecond)

	s.Require().NoError(owner.Mutex().Lock())
	owner.Payload()[0] = 1
	s.Require().NoError(owner.Mutex().Unlock())
	s.Require().NoError(owner.Cond().NotifyAll())

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("waiter on the other mapping was not woken by NotifyAll")
	}
}

func (s *SegmentTestSuite) TestDebugSegmentDetail() {
	owner := s.create(4096)
	s.Require().NoError(owner.MarkReady())
	out, err := DebugSegmentDetail(s.name)
	s.Require().NoError(err)
	s.Require().Contains(out, fmt.Sprintf("magic:%#x", Magic))
	s.Require().Contains(out, "ready:1 refcount:1")
	s.Require().Contains(out, "status:ok")
	s.Require().Equal(uint32(1), owner.Header().RefCount())

	_, err = DebugSegmentDetail(testSegmentName())
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *SegmentTestSuite) TestMetricsRegistration() {
	reg := prometheus.NewRegistry()
	s.Require().NoError(RegisterMetrics(reg))
	s.Require().NoError(RegisterMetrics(reg))

	before := counterValue(metrics.SegmentOps.WithLabelValues("create"))
	s.create(4096)
	s.Require().Equal(before+1, counterValue(metrics.SegmentOps.WithLabelValues("create")))

	families, err := reg.Gather()
	s.Require().NoError(err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	s.Require().Contains(names, "shmsync_segment_ops_total")
}

// Cross-process tests re-run this test binary as a helper.

func helperCommand(mode, name string, n int) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(),
		envHelper+"="+mode,
		envHelperName+"="+name,
		fmt.Sprintf("%s=%d", envHelperN, n),
	)
	cmd.Stderr = os.Stderr
	return cmd
}

func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(envHelper)
	if mode == "" {
		return
	}
	name := os.Getenv(envHelperName)
	var n int
	_, _ = fmt.Sscan(os.Getenv(envHelperN), &n)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runHelper(ctx, mode, name, n); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func runHelper(ctx context.Context, mode, name string, n int) error {
	seg, err := Open(ctx, name, WithWaitReady())
	if err != nil {
		return err
	}
	defer seg.Close()
	mu := seg.Mutex()

	switch mode {
	case "read":
		if err := mu.Lock(); err != nil {
			return err
		}
		fmt.Println(seg.Payload()[0])
		return mu.Unlock()
	case "trylock":
		if mu.TryLock() {
			fmt.Println("won")
		} else {
			fmt.Println("lost")
		}
		return nil
	case "wait":
		// Announce under the mutex, then block in Wait until the flag is set.
		p := seg.Payload()
		if err := mu.Lock(); err != nil {
			return err
		}
		binary.NativeEndian.PutUint64(p[8:], binary.NativeEndian.Uint64(p[8:])+1)
		for p[0] == 0 {
			if err := seg.Cond().Wait(mu); err != nil {
				return err
			}
		}
		fmt.Println("woke")
		return mu.Unlock()
	case "count":
		p := seg.Payload()
		for i := 0; i < n; i++ {
			if err := mu.Lock(); err != nil {
				return err
			}
			binary.NativeEndian.PutUint64(p, binary.NativeEndian.Uint64(p)+1)
			if err := mu.Unlock(); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown helper mode %q", mode)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func startHelpers(t *testing.T, mode, name string, count, n int) ([]*exec.Cmd, []*strings.Builder) {
	t.Helper()
	cmds := make([]*exec.Cmd, count)
	outs := make([]*strings.Builder, count)
	for i := range cmds {
		outs[i] = &strings.Builder{}
		cmds[i] = helperCommand(mode, name, n)
		cmds[i].Stdout = outs[i]
		if err := cmds[i].Start(); err != nil {
			t.Fatal(err)
		}
	}
	return cmds, outs
}

func TestCrossProcessReadAfterReady(t *testing.T) {
	name := testSegmentName()
	t.Cleanup(func() { _ = Unlink(name) })
	seg, err := Create(context.Background(), name, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Close()

	cmds, outs := startHelpers(t, "read", name, 1, 0)
	time.Sleep(50 * time.Millisecond)

	if err := seg.Mutex().Lock(); err != nil {
		t.Fatal(err)
	}
	seg.Payload()[0] = 42
	if err := seg.Mutex().Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := seg.MarkReady(); err != nil {
		t.Fatal(err)
	}
	if err := cmds[0].Wait(); err != nil {
		t.Fatal(err)
	}
	if got := lastLine(outs[0].String()); got != "42" {
		t.Fatalf("helper read %q, want 42", got)
	}
}

func TestCrossProcessTryLockExactlyOne(t *testing.T) {
	name := testSegmentName()
	t.Cleanup(func() { _ = Unlink(name) })
	seg, err := Create(context.Background(), name, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Close()

	cmds, outs := startHelpers(t, "trylock", name, 2, 0)
	time.Sleep(50 * time.Millisecond)
	if err := seg.MarkReady(); err != nil {
		t.Fatal(err)
	}
	won := 0
	for i, cmd := range cmds {
		if err := cmd.Wait(); err != nil {
			t.Fatal(err)
		}
		if lastLine(outs[i].String()) == "won" {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d helpers acquired the mutex, want exactly 1", won)
	}
	if err := seg.Mutex().Unlock(); err != nil {
		t.Fatal(err)
	}
}

// waitHelpers waits for every helper to exit and kills the rest once timeout
// has passed.
func waitHelpers(t *testing.T, cmds []*exec.Cmd, timeout time.Duration) {
	t.Helper()
	done := make(chan error, len(cmds))
	for _, cmd := range cmds {
		cmd := cmd
		go func() { done <- cmd.Wait() }()
	}
	deadline := time.After(timeout)
	for range cmds {
		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			for _, cmd := range cmds {
				_ = cmd.Process.Kill()
			}
			t.Fatalf("helpers still running after %s", timeout)
		}
	}
}

func TestCrossProcessNotifyAllWakesEveryWaiter(t *testing.T) {
	const waiters = 4
	name := testSegmentName()
	t.Cleanup(func() { _ = Unlink(name) })
	seg, err := Create(context.Background(), name, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Close()

	cmds, outs := startHelpers(t, "wait", name, waiters, 0)
	if err := seg.MarkReady(); err != nil {
		t.Fatal(err)
	}

	// A helper counts itself while holding the mutex and only releases it
	// inside Wait, so once the count is complete every helper is waiting.
	mu, p := seg.Mutex(), seg.Payload()
	deadline := time.Now().Add(10 * time.Second)
	for {
		if err := mu.Lock(); err != nil {
			t.Fatal(err)
		}
		n := binary.NativeEndian.Uint64(p[8:])
		if err := mu.Unlock(); err != nil {
			t.Fatal(err)
		}
		if n == waiters {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d of %d helpers waiting", n, waiters)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if err := mu.Lock(); err != nil {
		t.Fatal(err)
	}
	p[0] = 1
	if err := mu.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := seg.Cond().NotifyAll(); err != nil {
		t.Fatal(err)
	}

	waitHelpers(t, cmds, 5*time.Second)
	for i := range outs {
		if got := lastLine(outs[i].String()); got != "woke" {
			t.Fatalf("helper %d printed %q, want woke", i, got)
		}
	}
}

func TestCrossProcessCounter(t *testing.T) {
	const (
		procs      = 4
		increments = 2000
	)
	name := testSegmentName()
	t.Cleanup(func() { _ = Unlink(name) })
	seg, err := Create(context.Background(), name, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Close()

	cmds, _ := startHelpers(t, "count", name, procs, increments)
	if err := seg.MarkReady(); err != nil {
		t.Fatal(err)
	}
	for _, cmd := range cmds {
		if err := cmd.Wait(); err != nil {
			t.Fatal(err)
		}
	}
	if got := binary.NativeEndian.Uint64(seg.Payload()); got != procs*increments {
		t.Fatalf("counter = %d, want %d", got, procs*increments)
	}
	if refs := seg.Header().RefCount(); refs != 1 {
		t.Fatalf("refcount = %d after helpers exited, want 1", refs)
	}
}
