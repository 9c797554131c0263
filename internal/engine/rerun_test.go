package engine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finforge/statement-engine/internal/blob"
	"github.com/finforge/statement-engine/internal/cache"
	"github.com/finforge/statement-engine/internal/config"
	"github.com/finforge/statement-engine/internal/cost"
	"github.com/finforge/statement-engine/internal/gateway"
	"github.com/finforge/statement-engine/internal/model"
	"github.com/finforge/statement-engine/internal/pagework"
	"github.com/finforge/statement-engine/internal/stage"
	"github.com/finforge/statement-engine/internal/store"
	"github.com/finforge/statement-engine/internal/template"
	"github.com/finforge/statement-engine/pkg/anthropic"
	"github.com/finforge/statement-engine/pkg/gemini"
	"github.com/finforge/statement-engine/pkg/openrouter"
)

// Scripted provider clients drive the real gateway, so cache behavior
// is exercised end to end instead of being faked at the invoker seam.

type scriptedGemini struct{ calls int }

func (f *scriptedGemini) GenerateContent(context.Context, gemini.GenerateRequest) (*gemini.GenerateResponse, error) {
	f.calls++
	return &gemini.GenerateResponse{
		Text:  `{"title": "FY2025 Annual Statement", "sections": [{"name": "assets", "order": ["1000"]}]}`,
		Usage: gemini.Usage{PromptTokens: 40, CandidateTokens: 25},
	}, nil
}

type scriptedAnthropic struct {
	t     *testing.T
	calls int
}

func (f *scriptedAnthropic) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.calls++
	text := fullMappingReply(f.t)
	if strings.Contains(req.System, "auditor") {
		text = `{"anomalies": [], "severity": "none"}`
	}
	return &anthropic.MessageResponse{Text: text, Usage: anthropic.TokenUsage{InputTokens: 60, OutputTokens: 40}}, nil
}

type scriptedOpenRouter struct {
	t     *testing.T
	calls int
}

func (f *scriptedOpenRouter) ChatCompletion(context.Context, openrouter.ChatCompletionRequest) (*openrouter.ChatCompletionResponse, error) {
	f.calls++
	return &openrouter.ChatCompletionResponse{
		Choices: []openrouter.Choice{{Message: openrouter.Message{Role: "assistant", Content: healEcho(f.t, balancedRows[1:])}}},
		Usage:   openrouter.Usage{PromptTokens: 30, CompletionTokens: 20},
	}, nil
}

func totalProviderCalls(gem *scriptedGemini, anth *scriptedAnthropic, or *scriptedOpenRouter) int {
	return gem.calls + anth.calls + or.calls
}

// TestRunWarmCacheReproducesOutputs reruns the same workbook against the
// same store: the second job's stage digests and certificate verdict must
// match the first, and every model reply must come from the cache.
func TestRunWarmCacheReproducesOutputs(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "rerun.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobStore, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	gem := &scriptedGemini{}
	anth := &scriptedAnthropic{t: t}
	or := &scriptedOpenRouter{t: t}
	cfg := &config.Config{
		Gemini:     config.GeminiConfig{Model: "gemini-2.5-pro"},
		Anthropic:  config.AnthropicConfig{Model: "claude-sonnet-4-5-20250929"},
		OpenRouter: config.OpenRouterConfig{Model: "x-ai/grok-4-fast"},
		Pipeline:   config.PipelineConfig{MaxAttempts: 3, CallTimeoutSecs: 5},
	}
	gw := gateway.New(cfg, gem, anth, or, cache.New(st, time.Hour), cost.NewCalculator(cost.DefaultRates()))

	eng := New(st, stage.Deps{
		Gateway:  gw,
		Blob:     blobStore,
		OCR:      fakeOCR{},
		Pages:    pagework.New(4),
		Template: template.Default(),
		Pipeline: config.PipelineConfig{
			MaxFileSizeMB:    50,
			MaxPDFPages:      100,
			PageWorkers:      4,
			MaxAttempts:      3,
			DegradedMaxRatio: 0.5,
		},
	})

	fileRef := writeWorkbook(t, blobStore, "statement.xlsx", balancedRows)

	run := func() ([]model.StageRecord, *model.VerificationCertificate) {
		job, err := eng.Submit(ctx, "user-1", 2025, fileRef)
		require.NoError(t, err)
		final, err := eng.Run(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, model.JobStatusCompleted, final.Status)

		records, err := st.ListStageRecords(ctx, job.ID)
		require.NoError(t, err)
		cert, err := st.GetCertificate(ctx, job.ID)
		require.NoError(t, err)
		return records, cert
	}

	firstRecords, firstCert := run()
	coldCalls := totalProviderCalls(gem, anth, or)
	require.Equal(t, 4, coldCalls, "healing, mapping, generation, audit each call a provider once")

	secondRecords, secondCert := run()
	assert.Equal(t, coldCalls, totalProviderCalls(gem, anth, or), "warm run must be served entirely from the cache")

	require.Len(t, secondRecords, len(firstRecords))
	for i := range firstRecords {
		assert.Equal(t, firstRecords[i].StageName, secondRecords[i].StageName)
		assert.Equal(t, firstRecords[i].InputDigest, secondRecords[i].InputDigest, firstRecords[i].StageName)
		assert.Equal(t, firstRecords[i].OutputDigest, secondRecords[i].OutputDigest, firstRecords[i].StageName)
		assert.Equal(t, firstRecords[i].Outcome, secondRecords[i].Outcome)
	}

	assert.Equal(t, firstCert.Checks, secondCert.Checks)
	assert.Equal(t, firstCert.MathProofs, secondCert.MathProofs)
	assert.Equal(t, firstCert.ComplianceStatus, secondCert.ComplianceStatus)
	assert.Equal(t, firstCert.Confidence, secondCert.Confidence)
}
