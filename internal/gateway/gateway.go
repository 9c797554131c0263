package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/finforge/statement-engine/internal/cache"
	"github.com/finforge/statement-engine/internal/config"
	"github.com/finforge/statement-engine/internal/cost"
	"github.com/finforge/statement-engine/internal/model"
	"github.com/finforge/statement-engine/internal/resilience"
	"github.com/finforge/statement-engine/pkg/anthropic"
	"github.com/finforge/statement-engine/pkg/gemini"
	"github.com/finforge/statement-engine/pkg/openrouter"
)

// ModelClass selects which provider tier handles an invocation. The
// class-to-model binding is fixed at startup from configuration.
type ModelClass string

const (
	// ClassVision handles document page extraction and statement
	// generation (Gemini).
	ClassVision ModelClass = "vision"
	// ClassReasoning handles long-context reconciliation: data healing
	// review, account mapping, and audit (Claude).
	ClassReasoning ModelClass = "reasoning"
	// ClassFast handles cheap high-volume calls: file classification and
	// row-level repair (Grok via OpenRouter).
	ClassFast ModelClass = "fast"
)

// Request describes one model invocation.
type Request struct {
	Stage       string
	Class       ModelClass
	System      string
	Prompt      string
	Inline      []gemini.InlineData // vision class only
	MaxTokens   int64
	Temperature *float64
	NoCache     bool
}

// Response is the gateway's answer plus telemetry the caller records on
// the stage ledger.
type Response struct {
	Text      string
	Model     string
	Usage     model.TokenUsage
	CostUSD   float64
	FromCache bool
	Latency   time.Duration
	Attempts  int
	Digest    string
}

// ModelError reports an invocation that failed after all retry attempts.
type ModelError struct {
	Stage    string
	Class    ModelClass
	Attempts int
	Err      error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("gateway: %s (%s tier) failed after %d attempts: %v", e.Stage, e.Class, e.Attempts, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// Observer receives telemetry for each completed invocation.
type Observer interface {
	ObserveInvoke(class, modelID string, resp *Response, err error)
}

// Gateway routes invocations to the provider bound to each model class,
// applying response caching, per-class rate limiting, per-call timeouts,
// and fixed-delay retry on transient failures.
type Gateway struct {
	gemini     gemini.Client
	anthropic  anthropic.Client
	openrouter openrouter.Client

	models      map[ModelClass]string
	cache       *cache.Cache
	limiters    map[ModelClass]*rate.Limiter
	retry       resilience.RetryConfig
	callTimeout time.Duration
	calc        *cost.Calculator
	observer    Observer
}

// New builds a gateway with the class-to-model bindings from cfg. The
// cache and observer may be nil.
func New(cfg *config.Config, gem gemini.Client, anth anthropic.Client, or openrouter.Client, respCache *cache.Cache, calc *cost.Calculator) *Gateway {
	return &Gateway{
		gemini:     gem,
		anthropic:  anth,
		openrouter: or,
		models: map[ModelClass]string{
			ClassVision:    cfg.Gemini.Model,
			ClassReasoning: cfg.Anthropic.Model,
			ClassFast:      cfg.OpenRouter.Model,
		},
		cache: respCache,
		limiters: map[ModelClass]*rate.Limiter{
			ClassVision:    rate.NewLimiter(rate.Limit(2), 4),
			ClassReasoning: rate.NewLimiter(rate.Limit(1), 2),
			ClassFast:      rate.NewLimiter(rate.Limit(5), 10),
		},
		retry: resilience.RetryConfig{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			Delay:       cfg.Pipeline.RetryDelay(),
			ShouldRetry: shouldRetry,
		},
		callTimeout: cfg.Pipeline.CallTimeout(),
		calc:        calc,
		observer:    nil,
	}
}

// SetObserver attaches a telemetry observer.
func (g *Gateway) SetObserver(o Observer) {
	g.observer = o
}

// Model returns the model ID bound to a class.
func (g *Gateway) Model(class ModelClass) string {
	return g.models[class]
}

// cachePayload is the canonical form of a request for digest purposes.
// Volatile fields (timeouts, retry state) are excluded so repeated
// submissions of the same content hit the cache.
type cachePayload struct {
	Model       string              `json:"model"`
	System      string              `json:"system,omitempty"`
	Prompt      string              `json:"prompt"`
	Inline      []gemini.InlineData `json:"inline,omitempty"`
	MaxTokens   int64               `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
}

// Invoke sends req to the provider bound to req.Class. On a cache hit
// the stored response is returned with zero token usage and cost.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*Response, error) {
	modelID, ok := g.models[req.Class]
	if !ok || modelID == "" {
		return nil, fmt.Errorf("gateway: no model bound to class %q", req.Class)
	}

	digest, err := cache.Digest(req.Stage, string(req.Class), cachePayload{
		Model:       modelID,
		System:      req.System,
		Prompt:      req.Prompt,
		Inline:      req.Inline,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}

	if g.cache != nil && !req.NoCache {
		if text, err := g.cache.Get(ctx, digest); err == nil && text != nil {
			resp := &Response{
				Text:      string(text),
				Model:     modelID,
				FromCache: true,
				Digest:    digest,
			}
			if g.observer != nil {
				g.observer.ObserveInvoke(string(req.Class), modelID, resp, nil)
			}
			return resp, nil
		}
	}

	if limiter := g.limiters[req.Class]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	retry := g.retry
	retry.OnRetry = resilience.RetryLogger(modelID, req.Stage)

	start := time.Now()
	result, attempts, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*providerResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
		return g.dispatch(callCtx, modelID, req)
	})
	latency := time.Since(start)

	if err != nil {
		merr := &ModelError{Stage: req.Stage, Class: req.Class, Attempts: attempts, Err: err}
		if g.observer != nil {
			g.observer.ObserveInvoke(string(req.Class), modelID, nil, merr)
		}
		return nil, merr
	}

	resp := &Response{
		Text:     result.text,
		Model:    modelID,
		Usage:    result.usage,
		Latency:  latency,
		Attempts: attempts,
		Digest:   digest,
	}
	if g.calc != nil {
		resp.CostUSD = g.calc.Estimate(modelID, result.usage)
	}

	if g.cache != nil && !req.NoCache {
		g.cache.Put(ctx, digest, req.Stage, modelID, []byte(result.text))
	}
	if g.observer != nil {
		g.observer.ObserveInvoke(string(req.Class), modelID, resp, nil)
	}
	return resp, nil
}

type providerResult struct {
	text  string
	usage model.TokenUsage
}

func (g *Gateway) dispatch(ctx context.Context, modelID string, req Request) (*providerResult, error) {
	switch req.Class {
	case ClassVision:
		resp, err := g.gemini.GenerateContent(ctx, gemini.GenerateRequest{
			Model:       modelID,
			Prompt:      joinPrompt(req.System, req.Prompt),
			Inline:      req.Inline,
			Temperature: req.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return &providerResult{
			text: resp.Text,
			usage: model.TokenUsage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CandidateTokens,
			},
		}, nil

	case ClassReasoning:
		maxTokens := req.MaxTokens
		if maxTokens == 0 {
			maxTokens = 8192
		}
		resp, err := g.anthropic.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       modelID,
			MaxTokens:   maxTokens,
			System:      req.System,
			Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
			Temperature: req.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return &providerResult{
			text: resp.Text,
			usage: model.TokenUsage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
			},
		}, nil

	case ClassFast:
		messages := []openrouter.Message{}
		if req.System != "" {
			messages = append(messages, openrouter.Message{Role: "system", Content: req.System})
		}
		messages = append(messages, openrouter.Message{Role: "user", Content: req.Prompt})

		var maxTokens *int
		if req.MaxTokens > 0 {
			mt := int(req.MaxTokens)
			maxTokens = &mt
		}
		resp, err := g.openrouter.ChatCompletion(ctx, openrouter.ChatCompletionRequest{
			Model:       modelID,
			Messages:    messages,
			Temperature: req.Temperature,
			MaxTokens:   maxTokens,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("gateway: empty choice list from %s", modelID)
		}
		return &providerResult{
			text: resp.Choices[0].Message.Content,
			usage: model.TokenUsage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			},
		}, nil

	default:
		return nil, fmt.Errorf("gateway: unknown model class %q", req.Class)
	}
}

func joinPrompt(system, prompt string) string {
	if system == "" {
		return prompt
	}
	return system + "\n\n" + prompt
}

var statusRe = regexp.MustCompile(`status (\d{3})`)

// shouldRetry extends the transient check with HTTP status codes parsed
// from provider error messages.
func shouldRetry(err error) bool {
	if resilience.IsTransient(err) {
		return true
	}
	if m := statusRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return resilience.IsTransientHTTPStatus(code)
	}
	return false
}
