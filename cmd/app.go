package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/finforge/statement-engine/internal/blob"
	"github.com/finforge/statement-engine/internal/cache"
	"github.com/finforge/statement-engine/internal/cost"
	"github.com/finforge/statement-engine/internal/engine"
	"github.com/finforge/statement-engine/internal/gateway"
	"github.com/finforge/statement-engine/internal/metrics"
	"github.com/finforge/statement-engine/internal/monitoring"
	"github.com/finforge/statement-engine/internal/ocr"
	"github.com/finforge/statement-engine/internal/pagework"
	"github.com/finforge/statement-engine/internal/stage"
	"github.com/finforge/statement-engine/internal/store"
	"github.com/finforge/statement-engine/internal/template"
	anthropicpkg "github.com/finforge/statement-engine/pkg/anthropic"
	"github.com/finforge/statement-engine/pkg/gemini"
	"github.com/finforge/statement-engine/pkg/openrouter"
)

// app bundles the wired collaborators a command needs.
type app struct {
	store   store.Store
	blob    *blob.Store
	engine  *engine.Engine
	metrics *metrics.Metrics
}

func (a *app) Close() {
	_ = a.store.Close()
}

// initApp wires the full engine stack from configuration.
func initApp(ctx context.Context) (*app, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	blobStore, err := blob.NewStore(cfg.Blob.Root)
	if err != nil {
		st.Close()
		return nil, err
	}

	tmpl := template.Default()
	if cfg.Template.Path != "" {
		tmpl, err = template.Load(cfg.Template.Path)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	var geminiOpts []gemini.Option
	if cfg.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
	}
	if cfg.Gemini.Model != "" {
		geminiOpts = append(geminiOpts, gemini.WithModel(cfg.Gemini.Model))
	}
	geminiClient := gemini.NewClient(cfg.Gemini.Key, geminiOpts...)

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	var orOpts []openrouter.Option
	if cfg.OpenRouter.BaseURL != "" {
		orOpts = append(orOpts, openrouter.WithBaseURL(cfg.OpenRouter.BaseURL))
	}
	if cfg.OpenRouter.Model != "" {
		orOpts = append(orOpts, openrouter.WithModel(cfg.OpenRouter.Model))
	}
	openrouterClient := openrouter.NewClient(cfg.OpenRouter.Key, orOpts...)

	m := metrics.New()
	respCache := cache.New(st, cfg.Cache.TTL())
	gw := gateway.New(cfg, geminiClient, anthropicClient, openrouterClient, respCache, cost.NewCalculator(cfg.Pricing))
	gw.SetObserver(m)

	workers := cfg.Pipeline.PageWorkers
	if workers <= 0 {
		return nil, eris.Errorf("pipeline: invalid page worker count %d", workers)
	}

	deps := stage.Deps{
		Gateway:  gw,
		Blob:     blobStore,
		OCR:      ocr.NewPdfToText(cfg.OCR.PdfToTextPath),
		Pages:    pagework.New(workers),
		Template: tmpl,
		Pipeline: cfg.Pipeline,
	}

	eng := engine.New(st, deps,
		engine.WithAlerter(monitoring.NewWebhookAlerter(cfg.Alerts)),
		engine.WithObserver(m),
	)

	return &app{store: st, blob: blobStore, engine: eng, metrics: m}, nil
}
