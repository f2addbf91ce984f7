// Package render defines core types shared across subsystems.
package render

import (
	"time"
)

// Tier is the billing tier a tenant operates under.
type Tier string

// Billing tiers recognized by the batch orchestrator.
const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Tenant is the account a credential belongs to. Tenants are provisioned by
// an external collaborator and are read-only here.
type Tenant struct {
	ID          string    `json:"id"`
	Tier        Tier      `json:"tier"`
	QuotaLimit  int64     `json:"quota_limit"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// Credential is an issued API credential. The secret is never stored; only
// its SHA-256 hash is persisted.
type Credential struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	SecretHash string     `json:"-"`
	Prefix     string     `json:"prefix"`
	Last4      string     `json:"last4"`
	Revoked    bool       `json:"revoked"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Orientation selects portrait or landscape output.
type Orientation string

// Supported page orientations.
const (
	Portrait  Orientation = "portrait"
	Landscape Orientation = "landscape"
)

// Margins are expressed in inches.
type Margins struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
}

// Options controls PDF layout for a single render.
type Options struct {
	Format          string      `json:"format"`
	Orientation     Orientation `json:"orientation"`
	Margins         Margins     `json:"margins"`
	Scale           float64     `json:"scale"`
	HeaderTemplate  string      `json:"header_template"`
	FooterTemplate  string      `json:"footer_template"`
	PrintBackground bool        `json:"print_background"`
}

// Request is one HTML-to-PDF generation request after authentication.
type Request struct {
	HTML         string    `json:"html"`
	Options      Options   `json:"options"`
	ContentHash  string    `json:"content_hash"`
	TenantID     string    `json:"tenant_id"`
	CredentialID string    `json:"credential_id"`
	SecretHash   string    `json:"-"`
	RequestedAt  time.Time `json:"requested_at"`
}

// Artifact is a generated PDF plus its storage reference and metadata.
// Artifacts are immutable once created.
type Artifact struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	SizeBytes   int64     `json:"size_bytes"`
	PageCount   int       `json:"page_count"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// UsageRecord is appended once per billable render and never mutated.
type UsageRecord struct {
	TenantID         string    `json:"tenant_id"`
	CredentialID     string    `json:"credential_id"`
	ArtifactID       string    `json:"artifact_id"`
	ContentHash      string    `json:"content_hash"`
	GenerationTimeMs int64     `json:"generation_time_ms"`
	Deduplicated     bool      `json:"deduplicated"`
	CreatedAt        time.Time `json:"created_at"`
}

// BatchStatus is the aggregate outcome of a batch job.
type BatchStatus string

// Batch status values.
const (
	BatchPending  BatchStatus = "pending"
	BatchComplete BatchStatus = "complete"
	BatchPartial  BatchStatus = "partial"
	BatchFailed   BatchStatus = "failed"
)

// ItemResult holds the outcome of one batch item. Exactly one of Artifact
// and Err is set.
type ItemResult struct {
	Index            int       `json:"index"`
	Artifact         *Artifact `json:"artifact,omitempty"`
	Err              *Error    `json:"error,omitempty"`
	GenerationTimeMs int64     `json:"generation_time_ms"`
}

// BatchJob captures a multi-item submission with one result slot per item.
// Quota is the tenant's standing after the batch; zero when no item was
// admitted far enough to observe it.
type BatchJob struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Status      BatchStatus  `json:"status"`
	Items       []ItemResult `json:"items"`
	Quota       QuotaState   `json:"quota"`
	SubmittedAt time.Time    `json:"submitted_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// QuotaState is the rate-limit metadata returned alongside every response.
type QuotaState struct {
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RenderResult is what a renderer session produces.
type RenderResult struct {
	PDF       []byte
	PageCount int
}
