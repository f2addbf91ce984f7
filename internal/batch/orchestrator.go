// Package batch fans a multi-item submission out over the single-request
// pipeline with bounded concurrency.
package batch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/WarriorSushi/Speedstein-sub004/internal/metrics"
	"github.com/WarriorSushi/Speedstein-sub004/internal/pipeline"
	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// Generator is the per-item generation entry point, satisfied by
// *pipeline.Pipeline.
type Generator interface {
	Generate(ctx context.Context, tenant render.Tenant, cred render.Credential, html string, opts render.Options) (pipeline.Result, error)
}

// Item is one document in a batch submission.
type Item struct {
	HTML    string         `json:"html"`
	Options render.Options `json:"options"`
}

// Config bounds batch admission and fan-out.
type Config struct {
	// MaxConcurrent caps in-flight items across all batches so batch
	// traffic cannot starve single requests of pool sessions.
	MaxConcurrent int64
	MaxPerBatch   map[render.Tier]int
	MaxBatchBytes int64
	// TenantRPS smooths each tenant's item starts; 0 disables smoothing.
	TenantRPS   rate.Limit
	TenantBurst int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxPerBatch == nil {
		c.MaxPerBatch = map[render.Tier]int{
			render.TierFree:       5,
			render.TierPro:        50,
			render.TierEnterprise: 200,
		}
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 50 << 20
	}
	if c.TenantBurst <= 0 {
		c.TenantBurst = 1
	}
	return c
}

// Orchestrator admits and runs batch jobs.
type Orchestrator struct {
	cfg    Config
	gen    Generator
	sem    *semaphore.Weighted
	ids    render.IDGenerator
	clock  render.Clock
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs an Orchestrator sharing one admission gate across all
// batches it runs.
func New(cfg Config, gen Generator, ids render.IDGenerator, clock render.Clock, logger *zap.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	metrics.Init()
	return &Orchestrator{
		cfg:      cfg,
		gen:      gen,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		ids:      ids,
		clock:    clock,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run executes one batch. Admission failures reject the whole batch
// before any item starts; after admission, items succeed or fail
// independently and the job reports the aggregate.
func (o *Orchestrator) Run(ctx context.Context, tenant render.Tenant, cred render.Credential, items []Item) (render.BatchJob, error) {
	if len(items) == 0 {
		return render.BatchJob{}, render.NewError(render.CodeInvalidInput, "batch must contain at least one item", nil)
	}
	if max := o.maxPerBatch(tenant.Tier); len(items) > max {
		e := render.NewError(render.CodeBatchTooLarge, fmt.Sprintf("batch of %d exceeds the %s tier limit of %d", len(items), tenant.Tier, max), nil)
		e.Details = map[string]any{"limit": max, "size": len(items)}
		return render.BatchJob{}, e
	}
	var total int64
	for _, item := range items {
		total += int64(len(item.HTML))
	}
	if total > o.cfg.MaxBatchBytes {
		e := render.NewError(render.CodePayloadTooLarge, "combined batch payload exceeds size limit", nil)
		e.Details = map[string]any{"limit_bytes": o.cfg.MaxBatchBytes, "size_bytes": total}
		return render.BatchJob{}, e
	}

	jobID, err := o.ids.NewID()
	if err != nil {
		return render.BatchJob{}, render.NewError(render.CodeInternal, "generate batch id", err)
	}
	job := render.BatchJob{
		ID:          jobID,
		TenantID:    tenant.ID,
		Status:      render.BatchPending,
		Items:       make([]render.ItemResult, len(items)),
		SubmittedAt: o.clock.Now(),
	}

	limiter := o.limiter(tenant.ID)
	var (
		wg      sync.WaitGroup
		quotaMu sync.Mutex
	)
	for i, item := range items {
		wg.Add(1)
		go func(i int, item Item) {
			defer wg.Done()
			res, quota, ok := o.runItem(ctx, tenant, cred, limiter, i, item)
			job.Items[i] = res
			if !ok {
				return
			}
			// Keep the most-consumed state so the caller's rate-limit
			// metadata reflects the whole batch.
			quotaMu.Lock()
			if job.Quota.Limit == 0 || quota.Used > job.Quota.Used {
				job.Quota = quota
			}
			quotaMu.Unlock()
		}(i, item)
	}
	wg.Wait()

	job.Status = deriveStatus(job.Items)
	job.FinishedAt = o.clock.Now()
	metrics.ObserveBatch(string(job.Status))
	o.logger.Info("batch finished",
		zap.String("batch_id", job.ID),
		zap.String("tenant_id", tenant.ID),
		zap.String("status", string(job.Status)),
		zap.Int("items", len(items)),
	)
	return job, nil
}

// runItem waits for tenant smoothing and an admission slot, then renders
// one item. A cancelled context stops items that have not started. The
// returned bool reports whether a quota state was observed.
func (o *Orchestrator) runItem(ctx context.Context, tenant render.Tenant, cred render.Credential, limiter *rate.Limiter, i int, item Item) (render.ItemResult, render.QuotaState, bool) {
	res := render.ItemResult{Index: i}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			res.Err = render.NewError(render.CodeInternal, "batch cancelled before item started", err)
			return res, render.QuotaState{}, false
		}
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		res.Err = render.NewError(render.CodeInternal, "batch cancelled before item started", err)
		return res, render.QuotaState{}, false
	}
	defer o.sem.Release(1)

	start := o.clock.Now()
	out, err := o.gen.Generate(ctx, tenant, cred, item.HTML, item.Options)
	res.GenerationTimeMs = o.clock.Now().Sub(start).Milliseconds()
	if err != nil {
		res.Err = render.AsError(err)
		return res, render.QuotaState{}, false
	}
	artifact := out.Artifact
	res.Artifact = &artifact
	return res, out.Quota, true
}

func (o *Orchestrator) maxPerBatch(tier render.Tier) int {
	if max, ok := o.cfg.MaxPerBatch[tier]; ok {
		return max
	}
	return o.cfg.MaxPerBatch[render.TierFree]
}

func (o *Orchestrator) limiter(tenantID string) *rate.Limiter {
	if o.cfg.TenantRPS <= 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(o.cfg.TenantRPS, o.cfg.TenantBurst)
		o.limiters[tenantID] = l
	}
	return l
}

func deriveStatus(items []render.ItemResult) render.BatchStatus {
	failed := 0
	for _, item := range items {
		if item.Err != nil {
			failed++
		}
	}
	switch failed {
	case 0:
		return render.BatchComplete
	case len(items):
		return render.BatchFailed
	default:
		return render.BatchPartial
	}
}
