package pagework

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finforge/statement-engine/internal/model"
)

func TestRunPreservesPageOrder(t *testing.T) {
	pool := New(4)

	results, summary, err := pool.Run(context.Background(), 10, func(_ context.Context, page int) (*model.PageResult, error) {
		// Finish later pages sooner to shuffle completion order.
		time.Sleep(time.Duration(10-page) * time.Millisecond)
		return &model.PageResult{
			Outcome: model.OutcomeSuccess,
			Method:  "vision",
			RawText: fmt.Sprintf("page %d", page),
		}, nil
	})

	require.NoError(t, err)
	require.Len(t, results, 10)
	assert.Equal(t, 10, summary.Total)
	assert.Zero(t, summary.Failed)
	for i, r := range results {
		assert.Equal(t, i+1, r.Page)
		assert.Equal(t, fmt.Sprintf("page %d", i+1), r.RawText)
	}
}

func TestRunIsolatesPageFailure(t *testing.T) {
	pool := New(4)

	results, summary, err := pool.Run(context.Background(), 10, func(_ context.Context, page int) (*model.PageResult, error) {
		if page == 7 {
			return nil, errors.New("vision model rejected page")
		}
		return &model.PageResult{Outcome: model.OutcomeSuccess, Method: "vision"}, nil
	})

	require.NoError(t, err)
	require.Len(t, results, 10)
	assert.Equal(t, 1, summary.Failed)
	assert.InDelta(t, 0.1, summary.FailureRatio(), 1e-9)

	failed := results[6]
	assert.Equal(t, 7, failed.Page)
	assert.Equal(t, model.OutcomeFailed, failed.Outcome)
	assert.Contains(t, failed.Err, "rejected page")

	for i, r := range results {
		if i == 6 {
			continue
		}
		assert.Equal(t, model.OutcomeSuccess, r.Outcome)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	pool := New(4)

	var current, peak int64
	var mu sync.Mutex

	_, _, err := pool.Run(context.Background(), 20, func(_ context.Context, page int) (*model.PageResult, error) {
		n := atomic.AddInt64(&current, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return &model.PageResult{Outcome: model.OutcomeSuccess, Method: "vision"}, nil
	})

	require.NoError(t, err)
	assert.LessOrEqual(t, peak, int64(4))
}

func TestRunCountsFallbackPages(t *testing.T) {
	pool := New(2)

	_, summary, err := pool.Run(context.Background(), 4, func(_ context.Context, page int) (*model.PageResult, error) {
		if page%2 == 0 {
			return &model.PageResult{Outcome: model.OutcomeDegraded, Method: "ocr_fallback"}, nil
		}
		return &model.PageResult{Outcome: model.OutcomeSuccess, Method: "vision"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Fallback)
	assert.Zero(t, summary.Failed)
}

func TestRunStopsOnCancel(t *testing.T) {
	pool := New(2)
	ctx, cancel := context.WithCancel(context.Background())

	var processed int64
	_, _, err := pool.Run(ctx, 50, func(ctx context.Context, page int) (*model.PageResult, error) {
		if atomic.AddInt64(&processed, 1) == 3 {
			cancel()
		}
		time.Sleep(time.Millisecond)
		return &model.PageResult{Outcome: model.OutcomeSuccess, Method: "vision"}, nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, atomic.LoadInt64(&processed), int64(50))
}
