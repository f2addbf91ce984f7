package render

import (
	"context"
	"errors"
	"time"
)

// ErrCredentialNotFound is returned by credential stores when no
// credential matches the presented secret hash.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore resolves credentials by secret hash. Provisioning and
// revocation live with an external collaborator.
type CredentialStore interface {
	Resolve(ctx context.Context, secretHash string) (Credential, Tenant, error)
	TouchLastUsed(ctx context.Context, credentialID string, at time.Time) error
}

// CounterStore persists per-tenant usage counters keyed by period start.
type CounterStore interface {
	Usage(ctx context.Context, tenantID string, periodStart time.Time) (int64, error)
	// Increment durably adds n to the tenant's counter for the period. The
	// requestID makes the write idempotent across retries.
	Increment(ctx context.Context, tenantID string, periodStart time.Time, n int64, requestID string) error
}

// BlobStore writes artifact bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// UsageStore appends usage records.
type UsageStore interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// Publisher pushes usage events to Pub/Sub (or similar) for billing.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Session is a leased renderer. It is owned exclusively by the pool and
// leased to at most one generation at a time.
type Session interface {
	Render(ctx context.Context, html string, opts Options) (RenderResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces artifact and batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
