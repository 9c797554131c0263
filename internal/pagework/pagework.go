package pagework

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finforge/statement-engine/internal/model"
)

// PageFunc processes one 1-indexed page and returns its result. A
// returned error marks that page failed without aborting its siblings.
type PageFunc func(ctx context.Context, page int) (*model.PageResult, error)

// Pool runs page extraction across a bounded set of workers. Results
// come back in original page order regardless of completion order, and
// a single page failure never takes down the batch.
type Pool struct {
	workers int
}

// New creates a pool with the given concurrency. Values below 1 fall
// back to a single worker.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers}
}

// Summary aggregates a batch after Run.
type Summary struct {
	Total    int
	Failed   int
	Fallback int // pages recovered through OCR
	Duration time.Duration
}

// FailureRatio returns the fraction of pages that failed outright.
func (s Summary) FailureRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}

// Run processes pages 1..total concurrently. The only error returned is
// context cancellation; per-page failures are folded into their result
// slot with a failed outcome.
func (p *Pool) Run(ctx context.Context, total int, fn PageFunc) ([]model.PageResult, Summary, error) {
	start := time.Now()
	results := make([]model.PageResult, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for page := 1; page <= total; page++ {
		page := page
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			res, err := fn(gctx, page)
			if err != nil {
				// A cancelled batch stops scheduling; an individual page
				// failure is recorded and the batch continues.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				zap.L().Warn("page processing failed",
					zap.Int("page", page),
					zap.Error(err))
				results[page-1] = model.PageResult{
					Page:    page,
					Outcome: model.OutcomeFailed,
					Method:  "failed",
					Err:     err.Error(),
				}
				return nil
			}

			res.Page = page
			results[page-1] = *res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, Summary{}, err
	}

	summary := Summary{Total: total, Duration: time.Since(start)}
	for _, r := range results {
		switch {
		case r.Outcome == model.OutcomeFailed:
			summary.Failed++
		case r.Method == "ocr_fallback":
			summary.Fallback++
		}
	}
	return results, summary, nil
}
