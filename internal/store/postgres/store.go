// Package postgres provides Postgres-backed persistence for credentials,
// usage records, and quota counters.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// ErrCredentialNotFound is returned when no credential matches the hash.
var ErrCredentialNotFound = render.ErrCredentialNotFound

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements render.CredentialStore, render.UsageStore, and
// render.CounterStore over one connection pool.
type Store struct {
	pool db
}

// New connects to Postgres using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing with pgxmock).
func NewWithPool(pool db) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const resolveQuery = `
SELECT c.id, c.tenant_id, c.prefix, c.last4, c.revoked, c.last_used_at,
       t.tier, t.quota_limit, t.period_start, t.period_end
FROM api_credentials c
JOIN tenants t ON t.id = c.tenant_id
WHERE c.secret_hash = $1`

// Resolve looks up a credential and its tenant by secret hash.
func (s *Store) Resolve(ctx context.Context, secretHash string) (render.Credential, render.Tenant, error) {
	var (
		cred   render.Credential
		tenant render.Tenant
	)
	cred.SecretHash = secretHash
	err := s.pool.QueryRow(ctx, resolveQuery, secretHash).Scan(
		&cred.ID,
		&cred.TenantID,
		&cred.Prefix,
		&cred.Last4,
		&cred.Revoked,
		&cred.LastUsedAt,
		&tenant.Tier,
		&tenant.QuotaLimit,
		&tenant.PeriodStart,
		&tenant.PeriodEnd,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return render.Credential{}, render.Tenant{}, ErrCredentialNotFound
	}
	if err != nil {
		return render.Credential{}, render.Tenant{}, fmt.Errorf("resolve credential: %w", err)
	}
	tenant.ID = cred.TenantID
	return cred, tenant, nil
}

// TouchLastUsed records when the credential last authenticated a request.
func (s *Store) TouchLastUsed(ctx context.Context, credentialID string, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE api_credentials SET last_used_at = $2 WHERE id = $1`,
		credentialID, at,
	); err != nil {
		return fmt.Errorf("touch credential: %w", err)
	}
	return nil
}

// RecordUsage appends one usage record.
func (s *Store) RecordUsage(ctx context.Context, rec render.UsageRecord) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO usage_records
	(tenant_id, credential_id, artifact_id, content_hash, generation_time_ms, deduplicated, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.TenantID,
		rec.CredentialID,
		rec.ArtifactID,
		rec.ContentHash,
		rec.GenerationTimeMs,
		rec.Deduplicated,
		rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Usage returns the durable usage total for (tenant, period).
func (s *Store) Usage(ctx context.Context, tenantID string, periodStart time.Time) (int64, error) {
	var used int64
	err := s.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(units), 0)
FROM quota_increments
WHERE tenant_id = $1 AND period_start = $2`,
		tenantID, periodStart,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return used, nil
}

// Increment durably adds units for (tenant, period). The request_id
// primary key makes retried commits idempotent.
func (s *Store) Increment(ctx context.Context, tenantID string, periodStart time.Time, n int64, requestID string) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO quota_increments (request_id, tenant_id, period_start, units)
VALUES ($1, $2, $3, $4)
ON CONFLICT (request_id) DO NOTHING`,
		requestID, tenantID, periodStart, n,
	); err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}
