package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/WarriorSushi/Speedstein-sub004/internal/batch"
	"github.com/WarriorSushi/Speedstein-sub004/internal/pipeline"
	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// RegisterMethods mounts the pdf.* call table onto the server.
func RegisterMethods(s *Server, p *pipeline.Pipeline, o *batch.Orchestrator, clock render.Clock) {
	s.Register("pdf.generate", generateMethod(p, clock))
	s.Register("pdf.batch", batchMethod(o))
}

func generateMethod(p *pipeline.Pipeline, clock render.Clock) MethodFunc {
	return func(ctx context.Context, tenant render.Tenant, cred render.Credential, params json.RawMessage) (any, *render.Error) {
		var args GenerateParams
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, render.NewError(render.CodeInvalidInput, "malformed pdf.generate params", err)
		}
		start := clock.Now()
		res, err := p.Generate(ctx, tenant, cred, args.HTML, args.Options)
		if err != nil {
			return nil, render.AsError(err)
		}
		return GenerateResult{
			URL:              res.Artifact.URL,
			SizeBytes:        res.Artifact.SizeBytes,
			PageCount:        res.Artifact.PageCount,
			GenerationTimeMs: clock.Now().Sub(start).Milliseconds(),
			ExpiresAt:        res.Artifact.ExpiresAt.Format(time.RFC3339),
			Deduplicated:     res.Deduplicated,
			Quota:            res.Quota,
		}, nil
	}
}

func batchMethod(o *batch.Orchestrator) MethodFunc {
	return func(ctx context.Context, tenant render.Tenant, cred render.Credential, params json.RawMessage) (any, *render.Error) {
		var args BatchParams
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, render.NewError(render.CodeInvalidInput, "malformed pdf.batch params", err)
		}
		items := make([]batch.Item, len(args.Items))
		for i, item := range args.Items {
			items[i] = batch.Item{HTML: item.HTML, Options: item.Options}
		}
		job, err := o.Run(ctx, tenant, cred, items)
		if err != nil {
			return nil, render.AsError(err)
		}
		return BatchResult{BatchID: job.ID, Status: job.Status, Items: job.Items}, nil
	}
}
