package pool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSession struct {
	closed  atomic.Bool
	pingErr error
}

func (s *fakeSession) Render(_ context.Context, _ string, _ render.Options) (render.RenderResult, error) {
	return render.RenderResult{PDF: []byte("%PDF-1.4"), PageCount: 1}, nil
}

func (s *fakeSession) Ping(context.Context) error {
	return s.pingErr
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	startErr error
	starts   atomic.Int64
}

func (f *fakeFactory) Start(context.Context) (render.Session, error) {
	f.starts.Add(1)
	if f.startErr != nil {
		return nil, f.startErr
	}
	s := &fakeSession{}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeFactory) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.closed.Load() {
			n++
		}
	}
	return n
}

func newTestPool(t *testing.T, cfg Config, f *fakeFactory, clock render.Clock) *Pool {
	t.Helper()
	p := New(cfg, f.Start, clock, zap.NewNop())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPool_LazyCreateAndReuse(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxSessions: 2, AcquireTimeout: time.Second}, f, newFakeClock())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, f.starts.Load())

	p.Release(lease, true)

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, f.starts.Load(), "idle session should be reused")
	p.Release(again, true)
}

func TestPool_ExhaustionTimesOut(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxSessions: 2, AcquireTimeout: 100 * time.Millisecond}, f, newFakeClock())

	var leases []*Lease
	for range 2 {
		l, err := p.Acquire(context.Background())
		require.NoError(t, err)
		leases = append(leases, l)
	}

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)

	for _, l := range leases {
		p.Release(l, true)
	}
}

func TestPool_BlockedAcquireGetsReleasedSession(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxSessions: 1, AcquireTimeout: 2 * time.Second}, f, newFakeClock())

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		l, err := p.Acquire(context.Background())
		if err == nil {
			p.Release(l, true)
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(first, true)

	require.NoError(t, <-got)
	require.EqualValues(t, 1, f.starts.Load(), "waiter should receive the released session")
}

func TestPool_StartFailure(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{startErr: errors.New("chrome exploded")}
	p := newTestPool(t, Config{MaxSessions: 1, AcquireTimeout: time.Second}, f, newFakeClock())

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrRendererStartFailed)
}

func TestPool_UnhealthyReleaseDestroysAndReplenishes(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, Config{MinIdle: 1, MaxSessions: 2, AcquireTimeout: time.Second}, f, newFakeClock())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(lease, false)

	require.Eventually(t, func() bool {
		return f.closedCount() == 1 && p.Snapshot().Idle == 1
	}, time.Second, 5*time.Millisecond, "destroyed session should be replaced up to minIdle")
	require.EqualValues(t, 2, f.starts.Load())
}

func TestPool_LeaseReclaim(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MaxSessions:    1,
		AcquireTimeout: time.Second,
		LeaseTimeout:   time.Minute,
	}, f, clock)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	p.ReclaimExpiredLeases()

	require.Equal(t, 1, f.closedCount(), "reclaimed session must be destroyed")

	// The stale lease is dead: rendering fails and release is a no-op.
	_, err = lease.Render(context.Background(), "<p>x</p>", render.Options{})
	require.ErrorIs(t, err, ErrLeaseReclaimed)
	p.Release(lease, true)

	st := p.Snapshot()
	require.Equal(t, 0, st.Leased)
	require.False(t, st.Halted)

	// Capacity was freed; a fresh session can be started.
	next, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, f.starts.Load())
	p.Release(next, true)
}

func TestPool_ReapIdleBeyondMinIdle(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MinIdle:        1,
		MaxSessions:    3,
		AcquireTimeout: time.Second,
		IdleTimeout:    time.Minute,
	}, f, clock)

	var leases []*Lease
	for range 3 {
		l, err := p.Acquire(context.Background())
		require.NoError(t, err)
		leases = append(leases, l)
	}
	for _, l := range leases {
		p.Release(l, true)
	}
	require.Equal(t, 3, p.Snapshot().Idle)

	clock.Advance(2 * time.Minute)
	p.ReapIdle()

	require.Equal(t, 1, p.Snapshot().Idle, "idle sessions beyond minIdle should be reaped")
	require.Equal(t, 2, f.closedCount())
}

func TestPool_HealthCheckDestroysUnhealthy(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxSessions: 2, AcquireTimeout: time.Second}, f, newFakeClock())

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(first, true)
	p.Release(second, true)

	f.mu.Lock()
	f.sessions[0].pingErr = errors.New("tab gone")
	f.mu.Unlock()

	p.HealthCheck(context.Background())

	require.Equal(t, 1, p.Snapshot().Idle)
	require.Equal(t, 1, f.closedCount())
}

func TestPool_InvariantUnderConcurrentChurn(t *testing.T) {
	t.Parallel()

	const maxSessions = 4
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MaxSessions:    maxSessions,
		AcquireTimeout: 2 * time.Second,
	}, f, newFakeClock())

	stop := make(chan struct{})
	var observer sync.WaitGroup
	observer.Add(1)
	go func() {
		defer observer.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			st := p.Snapshot()
			if st.Idle+st.Leased+st.Starting > maxSessions {
				t.Errorf("invariant violated: idle=%d leased=%d starting=%d", st.Idle, st.Leased, st.Starting)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for range 50 {
				lease, err := p.Acquire(context.Background())
				if err != nil {
					continue
				}
				time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)
				p.Release(lease, rng.Intn(10) != 0)
			}
		}(int64(i))
	}
	wg.Wait()
	close(stop)
	observer.Wait()

	require.False(t, p.Snapshot().Halted)
}

func TestCountPages(t *testing.T) {
	t.Parallel()

	pdf := []byte("%PDF-1.4\n1 0 obj\n<< /Type /Pages /Count 2 >>\n" +
		"2 0 obj\n<< /Type /Page >>\n3 0 obj\n<< /Type /Page >>\n")
	require.Equal(t, 2, CountPages(pdf))
	require.Equal(t, 1, CountPages([]byte("%PDF-1.4 opaque")))
	require.Equal(t, 0, CountPages(nil))
}
