package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/groundwork/engine/embed"
	"github.com/WessleyAI/groundwork/engine/fetch"
	"github.com/WessleyAI/groundwork/engine/image"
	"github.com/WessleyAI/groundwork/engine/ingest"
	"github.com/WessleyAI/groundwork/engine/rag"
	"github.com/WessleyAI/groundwork/engine/retrieve"
	"github.com/WessleyAI/groundwork/engine/router"
	"github.com/WessleyAI/groundwork/engine/store"
	"github.com/WessleyAI/groundwork/engine/synth"
	"github.com/WessleyAI/groundwork/pkg/config"
	"github.com/WessleyAI/groundwork/pkg/metrics"
)

// Pipeline is the fully wired request path shared by the API server and
// the terminal client.
type Pipeline struct {
	RAG      *rag.Service
	Ingester *ingest.Ingester
	// Images is nil when the image branch is disabled.
	Images   rag.ImageGenerator
	Embedder *embed.Client
	Store    store.Store

	closers []func()
}

// Close releases the store and records connections.
func (p *Pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// NewPipeline builds every client named by cfg and wires the orchestrator.
func NewPipeline(ctx context.Context, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{}
	fail := func(err error) (*Pipeline, error) {
		p.Close()
		return nil, err
	}

	embedder, err := Embedder(cfg, reg, logger)
	if err != nil {
		return fail(err)
	}
	completer, err := Completer(cfg)
	if err != nil {
		return fail(err)
	}
	docs, closeStore, err := Store(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("store: %w", err))
	}
	p.closers = append(p.closers, func() {
		if err := closeStore(); err != nil {
			logger.Warn("store close", "err", err)
		}
	})

	recs, closeRecords, err := Records(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("records: %w", err))
	}
	p.closers = append(p.closers, closeRecords)

	rules, err := cfg.RouterRules()
	if err != nil {
		return fail(err)
	}
	rt, err := router.New(rules)
	if err != nil {
		return fail(err)
	}

	deps := rag.Deps{
		Router: rt,
		Retriever: retrieve.New(embedder, docs, retrieve.Options{
			Threshold:     cfg.Retrieval.MatchThreshold,
			Count:         cfg.Retrieval.MatchCount,
			SearchTimeout: cfg.Retrieval.SearchTimeout,
		}, reg, logger),
		Synth:         synth.New(completer, SynthOptions(cfg), logger),
		Records:       recs,
		ContextBudget: cfg.Retrieval.ContextBudget,
		Metrics:       reg,
		Logger:        logger,
		Fetcher: fetch.New(fetch.Config{
			DefaultSite: cfg.Fetch.DefaultSite,
			RatePerSec:  cfg.Fetch.RatePerSec,
			Burst:       cfg.Fetch.Burst,
			Timeout:     cfg.Fetch.Timeout,
			MaxBytes:    cfg.Fetch.MaxBytes,
		}, nil, logger),
	}

	gen, err := ImageGenerator(cfg)
	if err != nil {
		return fail(err)
	}
	if gen != nil {
		// Image lookups are not counted with the question retrievals.
		r := retrieve.New(embedder, docs, retrieve.Options{
			Threshold:     cfg.Image.MatchThreshold,
			Count:         cfg.Image.MatchCount,
			SearchTimeout: cfg.Retrieval.SearchTimeout,
		}, nil, logger)
		deps.Images = image.New(r, gen, cfg.Image.Size, logger)
	}

	p.RAG = rag.New(deps)
	p.Ingester = ingest.New(IngestDeps(cfg, embedder, docs, reg, logger))
	p.Images = deps.Images
	p.Embedder = embedder
	p.Store = docs
	return p, nil
}
