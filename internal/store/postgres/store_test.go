package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

func TestResolveReturnsCredentialAndTenant(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	lastUsed := time.Unix(1700000000, 0).UTC()
	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	rows := pgxmock.NewRows([]string{
		"id", "tenant_id", "prefix", "last4", "revoked", "last_used_at",
		"tier", "quota_limit", "period_start", "period_end",
	}).AddRow(
		"cred-1", "tenant-1", "pk_live", "ab12", false, &lastUsed,
		render.TierPro, int64(5000), periodStart, periodEnd,
	)

	mock.ExpectQuery("SELECT c.id, c.tenant_id").
		WithArgs("deadbeef").
		WillReturnRows(rows)

	cred, tenant, err := store.Resolve(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.Equal(t, "cred-1", cred.ID)
	require.Equal(t, "tenant-1", cred.TenantID)
	require.Equal(t, "deadbeef", cred.SecretHash)
	require.False(t, cred.Revoked)
	require.Equal(t, "tenant-1", tenant.ID)
	require.Equal(t, render.TierPro, tenant.Tier)
	require.Equal(t, int64(5000), tenant.QuotaLimit)
	require.Equal(t, periodStart, tenant.PeriodStart)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveUnknownHash(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT c.id, c.tenant_id").
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "tenant_id", "prefix", "last4", "revoked", "last_used_at",
			"tier", "quota_limit", "period_start", "period_end",
		}))

	_, _, err = store.Resolve(context.Background(), "nope")
	require.ErrorIs(t, err, ErrCredentialNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUsageInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := render.UsageRecord{
		TenantID:         "tenant-1",
		CredentialID:     "cred-1",
		ArtifactID:       "art-1",
		ContentHash:      "abc123",
		GenerationTimeMs: 840,
		Deduplicated:     false,
		CreatedAt:        now,
	}

	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs(
			rec.TenantID,
			rec.CredentialID,
			rec.ArtifactID,
			rec.ContentHash,
			rec.GenerationTimeMs,
			rec.Deduplicated,
			rec.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordUsage(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementIsKeyedByRequestID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO quota_increments").
		WithArgs("req-1", "tenant-1", periodStart, int64(3)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// Retried commit conflicts on request_id and writes nothing.
	mock.ExpectExec("INSERT INTO quota_increments").
		WithArgs("req-1", "tenant-1", periodStart, int64(3)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.Increment(context.Background(), "tenant-1", periodStart, 3, "req-1"))
	require.NoError(t, store.Increment(context.Background(), "tenant-1", periodStart, 3, "req-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageSumsIncrements(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("tenant-1", periodStart).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(42)))

	used, err := store.Usage(context.Background(), "tenant-1", periodStart)
	require.NoError(t, err)
	require.Equal(t, int64(42), used)
	require.NoError(t, mock.ExpectationsWereMet())
}
