// Package quota enforces per-tenant admission control.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// DefaultStaleness bounds how old the cached counter may be before the
// durable store is consulted again.
const DefaultStaleness = 60 * time.Second

// ExceededError reports a rejected reservation with the caller's standing.
type ExceededError struct {
	Limit   int64
	Used    int64
	ResetAt time.Time
}

// Error implements the error interface.
func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: used %d of %d, resets %s", e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// Reservation is an optimistic hold on n quota units. It must end in
// exactly one Commit or Rollback.
type Reservation struct {
	TenantID     string
	CredentialID string
	PeriodStart  time.Time
	N            int64
	State        render.QuotaState

	mu   sync.Mutex
	done bool
}

func (r *Reservation) finish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.done = true
	return true
}

// tenantCounter caches one tenant's usage for the current period. base is
// the last durable reading; pending holds optimistic reservations.
type tenantCounter struct {
	mu          sync.Mutex
	periodStart time.Time
	base        int64
	baseAt      time.Time
	pending     int64
}

// Ledger is the admission-control counter: a bounded-staleness cached
// fast path over a durable counter store. It trades strict exactness for
// availability; the cached counter may be briefly stale across instances.
type Ledger struct {
	store     render.CounterStore
	creds     render.CredentialStore
	clock     render.Clock
	logger    *zap.Logger
	staleness time.Duration

	mu       sync.Mutex
	counters map[string]*tenantCounter
}

// New constructs a Ledger. staleness <= 0 selects DefaultStaleness.
func New(store render.CounterStore, creds render.CredentialStore, clock render.Clock, staleness time.Duration, logger *zap.Logger) *Ledger {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Ledger{
		store:     store,
		creds:     creds,
		clock:     clock,
		logger:    logger,
		staleness: staleness,
		counters:  make(map[string]*tenantCounter),
	}
}

// CheckAndReserve optimistically reserves n units for the tenant. It
// fails with *ExceededError exactly when used+n would exceed the limit.
func (l *Ledger) CheckAndReserve(ctx context.Context, tenant render.Tenant, credentialID string, n int64) (*Reservation, error) {
	if n <= 0 {
		n = 1
	}
	now := l.clock.Now()
	periodStart, periodEnd := currentPeriod(tenant, now)

	c := l.counter(tenant.ID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.periodStart != periodStart {
		// Fresh period: reset and read the durable counter for the new key.
		c.periodStart = periodStart
		c.pending = 0
		c.baseAt = time.Time{}
	}
	if now.Sub(c.baseAt) > l.staleness {
		used, err := l.store.Usage(ctx, tenant.ID, periodStart)
		if err != nil {
			return nil, fmt.Errorf("read usage counter: %w", err)
		}
		c.base = used
		c.baseAt = now
	}

	used := c.base + c.pending
	if used+n > tenant.QuotaLimit {
		return nil, &ExceededError{
			Limit:   tenant.QuotaLimit,
			Used:    used,
			ResetAt: periodEnd,
		}
	}

	c.pending += n
	return &Reservation{
		TenantID:     tenant.ID,
		CredentialID: credentialID,
		PeriodStart:  periodStart,
		N:            n,
		State: render.QuotaState{
			Limit:     tenant.QuotaLimit,
			Used:      used + n,
			Remaining: tenant.QuotaLimit - used - n,
			ResetAt:   periodEnd,
		},
	}, nil
}

// Commit durably persists the reserved units and touches the credential's
// lastUsedAt. The durable write is idempotent per requestID.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, requestID string) error {
	if res == nil || !res.finish() {
		return nil
	}
	c := l.counter(res.TenantID)
	if err := l.store.Increment(ctx, res.TenantID, res.PeriodStart, res.N, requestID); err != nil {
		// Release the optimistic hold so the failed write does not pin the
		// cached counter; the next staleness refresh reconciles with
		// whatever the store actually recorded.
		c.mu.Lock()
		if c.periodStart == res.PeriodStart {
			c.pending -= res.N
		}
		c.mu.Unlock()
		return fmt.Errorf("commit usage: %w", err)
	}

	c.mu.Lock()
	if c.periodStart == res.PeriodStart {
		c.base += res.N
		c.pending -= res.N
	}
	c.mu.Unlock()

	if err := l.creds.TouchLastUsed(ctx, res.CredentialID, l.clock.Now()); err != nil {
		l.logger.Warn("update credential last_used_at failed",
			zap.String("credential_id", res.CredentialID),
			zap.Error(err),
		)
	}
	return nil
}

// Rollback releases the optimistic hold so a failed attempt does not
// consume quota.
func (l *Ledger) Rollback(res *Reservation) {
	if res == nil || !res.finish() {
		return
	}
	c := l.counter(res.TenantID)
	c.mu.Lock()
	if c.periodStart == res.PeriodStart {
		c.pending -= res.N
	}
	c.mu.Unlock()
}

func (l *Ledger) counter(tenantID string) *tenantCounter {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[tenantID]
	if !ok {
		c = &tenantCounter{}
		l.counters[tenantID] = c
	}
	return c
}

// currentPeriod rolls the tenant's billing window forward until it covers
// now. Tenants with a degenerate window default to 30-day periods.
func currentPeriod(tenant render.Tenant, now time.Time) (time.Time, time.Time) {
	start, end := tenant.PeriodStart, tenant.PeriodEnd
	if !end.After(start) {
		end = start.Add(30 * 24 * time.Hour)
	}
	length := end.Sub(start)
	for !now.Before(end) {
		start = end
		end = end.Add(length)
	}
	return start, end
}
