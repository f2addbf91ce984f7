// Package pipeline runs a single generation request through auth, quota,
// dedup, rendering, and persistence.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/WarriorSushi/Speedstein-sub004/internal/dedup"
	"github.com/WarriorSushi/Speedstein-sub004/internal/hash/content"
	"github.com/WarriorSushi/Speedstein-sub004/internal/metrics"
	"github.com/WarriorSushi/Speedstein-sub004/internal/pool"
	"github.com/WarriorSushi/Speedstein-sub004/internal/quota"
	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// Config controls per-request limits and dedup billing.
type Config struct {
	MaxHTMLBytes      int64
	GenerationTimeout time.Duration
	DedupTTL          time.Duration
	ArtifactTTL       time.Duration
	BillDedupHits     bool
	UsageEventKind    string
}

func (c Config) withDefaults() Config {
	if c.MaxHTMLBytes <= 0 {
		c.MaxHTMLBytes = 10 << 20
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 30 * time.Second
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = dedup.DefaultTTL
	}
	if c.ArtifactTTL <= 0 {
		c.ArtifactTTL = 7 * 24 * time.Hour
	}
	if c.UsageEventKind == "" {
		c.UsageEventKind = "pdf.usage"
	}
	return c
}

// Result is the outcome of one successful generation.
type Result struct {
	Artifact     render.Artifact
	Quota        render.QuotaState
	Deduplicated bool
}

// Pipeline owns the generation flow for single requests. Batch fan-out
// layers on top of it.
type Pipeline struct {
	cfg    Config
	pool   *pool.Pool
	ledger *quota.Ledger
	cache  dedup.Cache
	blobs  render.BlobStore
	usage  render.UsageStore
	creds  render.CredentialStore
	events render.Publisher
	hasher *content.Hasher
	ids    render.IDGenerator
	clock  render.Clock
	logger *zap.Logger
}

// New wires a Pipeline from its collaborators.
func New(
	cfg Config,
	p *pool.Pool,
	ledger *quota.Ledger,
	cache dedup.Cache,
	blobs render.BlobStore,
	usage render.UsageStore,
	creds render.CredentialStore,
	events render.Publisher,
	ids render.IDGenerator,
	clock render.Clock,
	logger *zap.Logger,
) *Pipeline {
	metrics.Init()
	return &Pipeline{
		cfg:    cfg.withDefaults(),
		pool:   p,
		ledger: ledger,
		cache:  cache,
		blobs:  blobs,
		usage:  usage,
		creds:  creds,
		events: events,
		hasher: content.New(),
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
}

// HashSecret derives the stored lookup key for an API secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves an API key to its credential and tenant.
func (p *Pipeline) Authenticate(ctx context.Context, apiKey string) (render.Credential, render.Tenant, error) {
	if apiKey == "" {
		return render.Credential{}, render.Tenant{}, render.NewError(render.CodeUnauthorized, "missing API key", nil)
	}
	cred, tenant, err := p.creds.Resolve(ctx, HashSecret(apiKey))
	if errors.Is(err, render.ErrCredentialNotFound) {
		return render.Credential{}, render.Tenant{}, render.NewError(render.CodeUnauthorized, "unknown API key", nil)
	}
	if err != nil {
		return render.Credential{}, render.Tenant{}, render.NewError(render.CodeInternal, "credential lookup failed", err)
	}
	if cred.Revoked {
		return render.Credential{}, render.Tenant{}, render.NewError(render.CodeUnauthorized, "credential revoked", nil)
	}
	return cred, tenant, nil
}

// Generate runs one request end to end. Quota is consumed durably only
// after the artifact is persisted.
func (p *Pipeline) Generate(ctx context.Context, tenant render.Tenant, cred render.Credential, html string, opts render.Options) (Result, error) {
	start := p.clock.Now()

	opts, err := p.validate(html, opts)
	if err != nil {
		return Result{}, err
	}
	hash := p.hasher.Hash(html, opts)

	res, err := p.ledger.CheckAndReserve(ctx, tenant, cred.ID, 1)
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			metrics.ObserveQuotaRejection(string(tenant.Tier))
			qe := render.NewError(render.CodeQuotaExceeded, "monthly quota exhausted", nil)
			qe.ResetAt = exceeded.ResetAt
			qe.Details = map[string]any{"limit": exceeded.Limit, "used": exceeded.Used}
			return Result{}, qe
		}
		return Result{}, render.NewError(render.CodeInternal, "quota check failed", err)
	}

	if artifact, ok := p.lookupDedup(ctx, hash); ok {
		return p.finishDedupHit(ctx, tenant, cred, res, artifact, start)
	}

	artifact, genErr := p.renderAndPersist(ctx, tenant, hash, html, opts)
	if genErr != nil {
		p.ledger.Rollback(res)
		metrics.ObserveRender(string(tenant.Tier), string(render.AsError(genErr).Code), p.clock.Now().Sub(start), 0)
		return Result{}, genErr
	}

	if err := p.ledger.Commit(ctx, res, artifact.ID); err != nil {
		// The artifact exists; the durable counter will catch up on the
		// next staleness refresh. Do not fail the request.
		p.logger.Warn("quota commit failed", zap.String("tenant_id", tenant.ID), zap.Error(err))
	}
	if err := p.cache.Insert(ctx, hash, artifact, p.cfg.DedupTTL); err != nil {
		p.logger.Warn("dedup insert failed", zap.String("content_hash", hash), zap.Error(err))
	}

	elapsed := p.clock.Now().Sub(start)
	p.recordUsage(ctx, tenant, cred, artifact, elapsed, false)
	metrics.ObserveRender(string(tenant.Tier), "ok", elapsed, artifact.SizeBytes)

	return Result{Artifact: artifact, Quota: res.State, Deduplicated: false}, nil
}

// validate normalizes options and rejects malformed input before any
// quota or pool work happens.
func (p *Pipeline) validate(html string, opts render.Options) (render.Options, error) {
	if strings.TrimSpace(html) == "" {
		return opts, render.NewError(render.CodeInvalidInput, "html must not be empty", nil)
	}
	if int64(len(html)) > p.cfg.MaxHTMLBytes {
		e := render.NewError(render.CodePayloadTooLarge, "html exceeds size limit", nil)
		e.Details = map[string]any{"limit_bytes": p.cfg.MaxHTMLBytes, "size_bytes": len(html)}
		return opts, e
	}

	opts.Format = strings.ToLower(strings.TrimSpace(opts.Format))
	if opts.Format == "" {
		opts.Format = "letter"
	}
	if !pool.KnownFormat(opts.Format) {
		return opts, render.NewError(render.CodeInvalidInput, fmt.Sprintf("unknown page format %q", opts.Format), nil)
	}

	switch opts.Orientation {
	case "":
		opts.Orientation = render.Portrait
	case render.Portrait, render.Landscape:
	default:
		return opts, render.NewError(render.CodeInvalidInput, fmt.Sprintf("unknown orientation %q", opts.Orientation), nil)
	}

	if opts.Scale == 0 {
		opts.Scale = 1
	}
	if opts.Scale < 0.1 || opts.Scale > 2 {
		return opts, render.NewError(render.CodeInvalidInput, "scale must be between 0.1 and 2", nil)
	}

	for _, m := range []float64{opts.Margins.Top, opts.Margins.Bottom, opts.Margins.Left, opts.Margins.Right} {
		if m < 0 {
			return opts, render.NewError(render.CodeInvalidInput, "margins must not be negative", nil)
		}
	}
	return opts, nil
}

func (p *Pipeline) lookupDedup(ctx context.Context, hash string) (render.Artifact, bool) {
	artifact, ok, err := p.cache.Lookup(ctx, hash)
	if err != nil {
		// Cache trouble degrades to a regular render.
		p.logger.Warn("dedup lookup failed", zap.String("content_hash", hash), zap.Error(err))
		metrics.ObserveDedupLookup("error")
		return render.Artifact{}, false
	}
	if !ok {
		metrics.ObserveDedupLookup("miss")
		return render.Artifact{}, false
	}
	metrics.ObserveDedupLookup("hit")
	return artifact, true
}

// finishDedupHit serves a cached artifact without touching the pool.
func (p *Pipeline) finishDedupHit(ctx context.Context, tenant render.Tenant, cred render.Credential, res *quota.Reservation, artifact render.Artifact, start time.Time) (Result, error) {
	if p.cfg.BillDedupHits {
		// Each hit bills independently, so the commit gets its own key.
		commitID, idErr := p.ids.NewID()
		if idErr != nil {
			commitID = artifact.ID
		}
		if err := p.ledger.Commit(ctx, res, commitID); err != nil {
			p.logger.Warn("quota commit failed", zap.String("tenant_id", tenant.ID), zap.Error(err))
		}
	} else {
		p.ledger.Rollback(res)
	}
	elapsed := p.clock.Now().Sub(start)
	p.recordUsage(ctx, tenant, cred, artifact, elapsed, true)
	metrics.ObserveRender(string(tenant.Tier), "dedup", elapsed, 0)

	state := res.State
	if !p.cfg.BillDedupHits {
		state.Used--
		state.Remaining++
	}
	return Result{Artifact: artifact, Quota: state, Deduplicated: true}, nil
}

// renderAndPersist leases a session, renders under the hard timeout, and
// writes the artifact. The lease is returned unhealthy on timeout so the
// pool destroys the possibly wedged session.
func (p *Pipeline) renderAndPersist(ctx context.Context, tenant render.Tenant, hash, html string, opts render.Options) (render.Artifact, error) {
	waitStart := p.clock.Now()
	lease, err := p.pool.Acquire(ctx)
	metrics.ObserveAcquireWait(p.clock.Now().Sub(waitStart))
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrPoolExhausted):
			return render.Artifact{}, render.NewError(render.CodeRendererUnavailable, "no renderer available", err)
		case errors.Is(err, pool.ErrRendererStartFailed):
			return render.Artifact{}, render.NewError(render.CodeRendererUnavailable, "renderer failed to start", err)
		default:
			return render.Artifact{}, render.NewError(render.CodeRendererUnavailable, "renderer pool unavailable", err)
		}
	}

	renderCtx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()
	out, err := lease.Render(renderCtx, html, opts)
	if err != nil {
		p.pool.Release(lease, false)
		if renderCtx.Err() != nil {
			e := render.NewError(render.CodeGenerationTimeout, "generation exceeded the time limit", err)
			e.Details = map[string]any{"timeout_ms": p.cfg.GenerationTimeout.Milliseconds()}
			return render.Artifact{}, e
		}
		return render.Artifact{}, render.NewError(render.CodeInternal, "render failed", err)
	}

	id, err := p.ids.NewID()
	if err != nil {
		p.pool.Release(lease, true)
		return render.Artifact{}, render.NewError(render.CodeInternal, "generate artifact id", err)
	}
	path := fmt.Sprintf("artifacts/%s/%s.pdf", tenant.ID, id)
	url, err := p.blobs.PutObject(ctx, path, "application/pdf", out.PDF)
	if err != nil {
		p.pool.Release(lease, true)
		return render.Artifact{}, render.NewError(render.CodeStorageError, "persist artifact", err)
	}
	p.pool.Release(lease, true)

	now := p.clock.Now()
	return render.Artifact{
		ID:          id,
		URL:         url,
		SizeBytes:   int64(len(out.PDF)),
		PageCount:   out.PageCount,
		ContentHash: hash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(p.cfg.ArtifactTTL),
	}, nil
}

// recordUsage appends the billing record and publishes the usage event.
// Both are best-effort once the artifact exists.
func (p *Pipeline) recordUsage(ctx context.Context, tenant render.Tenant, cred render.Credential, artifact render.Artifact, elapsed time.Duration, deduplicated bool) {
	rec := render.UsageRecord{
		TenantID:         tenant.ID,
		CredentialID:     cred.ID,
		ArtifactID:       artifact.ID,
		ContentHash:      artifact.ContentHash,
		GenerationTimeMs: elapsed.Milliseconds(),
		Deduplicated:     deduplicated,
		CreatedAt:        p.clock.Now(),
	}
	if err := p.usage.RecordUsage(ctx, rec); err != nil {
		p.logger.Error("record usage failed", zap.String("tenant_id", tenant.ID), zap.String("artifact_id", artifact.ID), zap.Error(err))
	}
	if p.events != nil {
		if _, err := p.events.Publish(ctx, p.cfg.UsageEventKind, rec); err != nil {
			p.logger.Warn("publish usage event failed", zap.String("tenant_id", tenant.ID), zap.Error(err))
		}
	}
}
