package quota

import (
	"context"
	"errors"
	"sync"
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

type counterKey struct {
	tenantID    string
	periodStart time.Time
}

type fakeCounterStore struct {
	mu       sync.Mutex
	usage    map[counterKey]int64
	applied  map[string]bool
	reads    int
	usageErr error
	incErr   error
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{
		usage:   make(map[counterKey]int64),
		applied: make(map[string]bool),
	}
}

func (s *fakeCounterStore) Usage(_ context.Context, tenantID string, periodStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.usageErr != nil {
		return 0, s.usageErr
	}
	return s.usage[counterKey{tenantID, periodStart}], nil
}

func (s *fakeCounterStore) Increment(_ context.Context, tenantID string, periodStart time.Time, n int64, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incErr != nil {
		return s.incErr
	}
	if s.applied[requestID] {
		return nil
	}
	s.applied[requestID] = true
	s.usage[counterKey{tenantID, periodStart}] += n
	return nil
}

type fakeCredentialStore struct {
	mu      sync.Mutex
	touched map[string]time.Time
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{touched: make(map[string]time.Time)}
}

func (s *fakeCredentialStore) Resolve(context.Context, string) (render.Credential, render.Tenant, error) {
	return render.Credential{}, render.Tenant{}, errors.New("not implemented")
}

func (s *fakeCredentialStore) TouchLastUsed(_ context.Context, credentialID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[credentialID] = at
	return nil
}

func testTenant(limit int64, start time.Time) render.Tenant {
	return render.Tenant{
		ID:          "tnt-1",
		Tier:        render.TierPro,
		QuotaLimit:  limit,
		PeriodStart: start,
		PeriodEnd:   start.Add(30 * 24 * time.Hour),
	}
}

func newTestLedger(store *fakeCounterStore, creds *fakeCredentialStore, clock *fakeClock) *Ledger {
	return New(store, creds, clock, time.Minute, zap.NewNop())
}

func TestLedger_ReserveExactlyAtLimit(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeCounterStore()
	ledger := newTestLedger(store, newFakeCredentialStore(), clock)
	tenant := testTenant(2, clock.Now().Add(-time.Hour))
	ctx := context.Background()

	res1, err := ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, res1.State.Used)

	res2, err := ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	require.NoError(t, err)
	require.EqualValues(t, 0, res2.State.Remaining)

	_, err = ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	require.EqualValues(t, 2, exceeded.Used)
	require.EqualValues(t, 2, exceeded.Limit)
	require.Equal(t, tenant.PeriodEnd, exceeded.ResetAt)
}

func TestLedger_RollbackRestoresCounter(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeCounterStore()
	ledger := newTestLedger(store, newFakeCredentialStore(), clock)
	tenant := testTenant(1, clock.Now().Add(-time.Hour))
	ctx := context.Background()

	res, err := ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	require.NoError(t, err)

	_, err = ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	require.Error(t, err)

	ledger.Rollback(res)

	res2, err := ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, res2.State.Used, "rollback must restore the original counter")
}

func TestLedger_CommitPersistsAndTouchesCredential(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeCounterStore()
	creds := newFakeCredentialStore()
	ledger := newTestLedger(store, creds, clock)
	tenant := testTenant(10, clock.Now().Add(-time.Hour))
	ctx := context.Background()

	res, err := ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, res, "req-1"))

	periodStart, _ := currentPeriod(tenant, clock.Now())
	used, err := store.Usage(ctx, tenant.ID, periodStart)
	require.NoError(t, err)
	require.EqualValues(t, 1, used)
	require.Contains(t, creds.touched, "cred-1")

	// Double commit is a no-op.
	require.NoError(t, ledger.Commit(ctx, res, "req-1"))
	used, _ = store.Usage(ctx, tenant.ID, periodStart)
	require.EqualValues(t, 1, used)
}

func TestLedger_CommitFailureReleasesHold(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeCounterStore()
	store.incErr = errors.New("store down")
	ledger := newTestLedger(store, newFakeCredentialStore(), clock)
	tenant := testTenant(1, clock.Now().Add(-time.Hour))
	ctx := context.Background()

	res, err := ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	require.NoError(t, err)
	require.Error(t, ledger.Commit(ctx, res, "req-1"))

	// The failed write must not pin the cached counter; the next
	// reservation at the limit boundary has to go through.
	res2, err := ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, res2.State.Used)
}

func TestLedger_CachedCounterAvoidsStoreReads(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeCounterStore()
	ledger := newTestLedger(store, newFakeCredentialStore(), clock)
	tenant := testTenant(100, clock.Now().Add(-time.Hour))
	ctx := context.Background()

	for range 5 {
		res, err := ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
		require.NoError(t, err)
		ledger.Rollback(res)
	}
	require.Equal(t, 1, store.reads, "fast path must use the cached counter")

	clock.Advance(2 * time.Minute)
	res, err := ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	require.NoError(t, err)
	ledger.Rollback(res)
	require.Equal(t, 2, store.reads, "stale counter must be refreshed")
}

func TestLedger_PeriodRollover(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeCounterStore()
	ledger := newTestLedger(store, newFakeCredentialStore(), clock)
	tenant := testTenant(1, clock.Now().Add(-time.Hour))
	ctx := context.Background()

	res, err := ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, res, "req-1"))

	_, err = ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	require.Error(t, err)

	// Past periodEnd a fresh counter applies.
	clock.Advance(31 * 24 * time.Hour)
	res2, err := ledger.CheckAndReserve(ctx, tenant, "cred-1", 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, res2.State.Used)
	require.True(t, res2.State.ResetAt.After(clock.Now()))
}

func TestLedger_ConcurrentReservationsNeverLoseUpdates(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeCounterStore()
	ledger := newTestLedger(store, newFakeCredentialStore(), clock)
	tenant := testTenant(50, clock.Now().Add(-time.Hour))
	ctx := context.Background()

	var granted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.CheckAndReserve(ctx, tenant, "cred-1", 1); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 50, granted, "admission must be atomic per tenant")
}
