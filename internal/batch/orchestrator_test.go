package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/WarriorSushi/Speedstein-sub004/internal/pipeline"
	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	inflight atomic.Int64
	maxSeen  atomic.Int64
	delay    time.Duration
	// failHTML marks item payloads that should fail.
	failHTML string
	started  chan struct{}
}

func (g *fakeGenerator) Generate(ctx context.Context, _ render.Tenant, _ render.Credential, html string, _ render.Options) (pipeline.Result, error) {
	g.mu.Lock()
	g.calls++
	seen := int64(g.calls)
	g.mu.Unlock()
	if g.started != nil {
		g.started <- struct{}{}
	}

	cur := g.inflight.Add(1)
	defer g.inflight.Add(-1)
	for {
		max := g.maxSeen.Load()
		if cur <= max || g.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	if g.delay > 0 {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, render.NewError(render.CodeInternal, "render failed", ctx.Err())
		case <-time.After(g.delay):
		}
	}
	if g.failHTML != "" && strings.Contains(html, g.failHTML) {
		return pipeline.Result{}, render.NewError(render.CodeGenerationTimeout, "generation exceeded the time limit", nil)
	}
	return pipeline.Result{
		Artifact: render.Artifact{ID: "art-" + html, SizeBytes: 100},
		Quota:    render.QuotaState{Limit: 1000, Used: seen, Remaining: 1000 - seen},
	}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("batch-%d", g.n.Add(1)), nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

func proTenant() render.Tenant {
	return render.Tenant{ID: "tenant-1", Tier: render.TierPro, QuotaLimit: 1000}
}

func items(htmls ...string) []Item {
	out := make([]Item, len(htmls))
	for i, h := range htmls {
		out[i] = Item{HTML: h}
	}
	return out
}

func TestRunCompleteBatch(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{}
	o := New(Config{}, gen, &seqIDs{}, wallClock{}, zap.NewNop())

	job, err := o.Run(context.Background(), proTenant(), render.Credential{ID: "cred-1"}, items("a", "b", "c"))
	require.NoError(t, err)
	require.Equal(t, render.BatchComplete, job.Status)
	require.Len(t, job.Items, 3)
	for i, item := range job.Items {
		require.Equal(t, i, item.Index)
		require.Nil(t, item.Err)
		require.NotNil(t, item.Artifact)
	}
	require.Equal(t, 3, gen.callCount())
	require.False(t, job.FinishedAt.Before(job.SubmittedAt))
	require.EqualValues(t, 1000, job.Quota.Limit)
	require.EqualValues(t, 3, job.Quota.Used, "job must carry the most-consumed quota state")
}

func TestRunPartialFailure(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{failHTML: "bad"}
	o := New(Config{}, gen, &seqIDs{}, wallClock{}, zap.NewNop())

	job, err := o.Run(context.Background(), proTenant(), render.Credential{ID: "cred-1"}, items("good", "bad", "fine"))
	require.NoError(t, err)
	require.Equal(t, render.BatchPartial, job.Status)
	require.Nil(t, job.Items[0].Err)
	require.NotNil(t, job.Items[1].Err)
	require.Equal(t, render.CodeGenerationTimeout, job.Items[1].Err.Code)
	require.Nil(t, job.Items[1].Artifact)
	require.Nil(t, job.Items[2].Err)
}

func TestRunAllItemsFail(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{failHTML: "bad"}
	o := New(Config{}, gen, &seqIDs{}, wallClock{}, zap.NewNop())

	job, err := o.Run(context.Background(), proTenant(), render.Credential{ID: "cred-1"}, items("bad one", "bad two"))
	require.NoError(t, err)
	require.Equal(t, render.BatchFailed, job.Status)
}

func TestRunRejectsOversizedBatchUpfront(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{}
	o := New(Config{MaxPerBatch: map[render.Tier]int{render.TierPro: 2}}, gen, &seqIDs{}, wallClock{}, zap.NewNop())

	_, err := o.Run(context.Background(), proTenant(), render.Credential{ID: "cred-1"}, items("a", "b", "c"))
	require.Equal(t, render.CodeBatchTooLarge, render.AsError(err).Code)
	require.Equal(t, 0, gen.callCount())
}

func TestRunRejectsOversizedPayloadUpfront(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{}
	o := New(Config{MaxBatchBytes: 10}, gen, &seqIDs{}, wallClock{}, zap.NewNop())

	_, err := o.Run(context.Background(), proTenant(), render.Credential{ID: "cred-1"}, items("exceeds", "the limit"))
	require.Equal(t, render.CodePayloadTooLarge, render.AsError(err).Code)
	require.Equal(t, 0, gen.callCount())
}

func TestRunRejectsEmptyBatch(t *testing.T) {
	t.Parallel()

	o := New(Config{}, &fakeGenerator{}, &seqIDs{}, wallClock{}, zap.NewNop())
	_, err := o.Run(context.Background(), proTenant(), render.Credential{ID: "cred-1"}, nil)
	require.Equal(t, render.CodeInvalidInput, render.AsError(err).Code)
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{delay: 20 * time.Millisecond}
	o := New(Config{MaxConcurrent: 2}, gen, &seqIDs{}, wallClock{}, zap.NewNop())

	job, err := o.Run(context.Background(), proTenant(), render.Credential{ID: "cred-1"}, items("a", "b", "c", "d", "e", "f"))
	require.NoError(t, err)
	require.Equal(t, render.BatchComplete, job.Status)
	require.LessOrEqual(t, gen.maxSeen.Load(), int64(2))
}

func TestRunCancellationStopsUnstartedItems(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	gen := &fakeGenerator{delay: 5 * time.Second, started: started}
	o := New(Config{MaxConcurrent: 1}, gen, &seqIDs{}, wallClock{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan render.BatchJob, 1)
	go func() {
		job, err := o.Run(ctx, proTenant(), render.Credential{ID: "cred-1"}, items("a", "b", "c"))
		if err == nil {
			done <- job
		}
		close(done)
	}()

	// Wait for the first item to start, then cancel the batch.
	<-started
	cancel()

	job, ok := <-done
	require.True(t, ok)
	require.Equal(t, render.BatchFailed, job.Status)
	for _, item := range job.Items {
		require.NotNil(t, item.Err)
		require.Equal(t, render.CodeInternal, item.Err.Code)
	}
	// The two queued items never reached the generator.
	require.Equal(t, 1, gen.callCount())
	require.Zero(t, job.Quota.Limit, "no item finished, so no quota state was observed")
}
