// Package app builds the shared clients of the groundwork binaries from a
// loaded config. Every client is constructed once here and injected.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/groundwork/engine/chunk"
	"github.com/WessleyAI/groundwork/engine/embed"
	"github.com/WessleyAI/groundwork/engine/image"
	"github.com/WessleyAI/groundwork/engine/ingest"
	"github.com/WessleyAI/groundwork/engine/pgvec"
	"github.com/WessleyAI/groundwork/engine/records"
	"github.com/WessleyAI/groundwork/engine/redisvec"
	"github.com/WessleyAI/groundwork/engine/semantic"
	"github.com/WessleyAI/groundwork/engine/store"
	"github.com/WessleyAI/groundwork/engine/synth"
	"github.com/WessleyAI/groundwork/pkg/config"
	"github.com/WessleyAI/groundwork/pkg/metrics"
	"github.com/WessleyAI/groundwork/pkg/ollama"
	"github.com/WessleyAI/groundwork/pkg/resilience"
)

// Boot loads .env (if present) and the config, installs a JSON logger as
// the slog default, and validates the config.
func Boot(configPath string) (*config.Config, *slog.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, slog.Default(), err
	}
	level, err := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	if err != nil {
		return cfg, logger, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, logger, err
	}
	return cfg, logger, nil
}

// Embedder builds the configured embedding provider behind a breaker.
func Embedder(cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (*embed.Client, error) {
	var p embed.Provider
	switch cfg.Embedding.Provider {
	case config.ProviderOllama:
		p = embed.NewOllama(ollama.New(cfg.Embedding.BaseURL), cfg.Embedding.Model)
	default:
		o, err := embed.NewOpenAI(embed.OpenAIConfig{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		p = o
	}
	breaker := resilience.NewBreaker(resilience.BreakerOpts{
		OnStateChange: func(from, to resilience.State) {
			logger.Warn("embedding breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return embed.New(p, embed.Options{
		MaxInputChars: cfg.Embedding.MaxInputChars,
		BatchSize:     cfg.Embedding.BatchSize,
		Dimensions:    cfg.Embedding.Dimensions,
		Breaker:       breaker,
		Metrics:       reg,
		Logger:        logger,
	}), nil
}

// Completer builds the configured chat completion client.
func Completer(cfg *config.Config) (synth.Completer, error) {
	if cfg.Completion.Provider == config.ProviderOllama {
		return synth.NewOllama(ollama.New(cfg.Completion.BaseURL)), nil
	}
	return synth.NewOpenAI(synth.OpenAIConfig{APIKey: cfg.Completion.APIKey, BaseURL: cfg.Completion.BaseURL})
}

// SynthOptions maps the completion section onto synth.Options.
func SynthOptions(cfg *config.Config) synth.Options {
	return synth.Options{
		Mode:            synth.PromptMode(cfg.Completion.PromptMode),
		Model:           cfg.Completion.Model,
		Temperature:     cfg.Completion.Temperature,
		MaxTokens:       cfg.Completion.MaxTokens,
		StrictGrounding: cfg.Completion.StrictGrounding,
	}
}

// ImageGenerator builds the image model client, or nil when the image
// branch is disabled.
func ImageGenerator(cfg *config.Config) (image.Generator, error) {
	if !cfg.ImageEnabled() {
		return nil, nil
	}
	return image.NewOpenAI(image.OpenAIConfig{APIKey: cfg.Image.APIKey, BaseURL: cfg.Image.BaseURL, Model: cfg.Image.Model})
}

// Store opens the configured backend and prepares its schema. The returned
// close func is never nil.
func Store(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	noop := func() error { return nil }
	dims := cfg.Embedding.Dimensions

	switch cfg.Store.Backend {
	case config.BackendQdrant:
		q := cfg.Store.Qdrant
		v, err := semantic.New(semantic.Config{Addr: q.Addr, Collection: q.Collection, APIKey: q.APIKey, TLS: q.TLS})
		if err != nil {
			return nil, noop, err
		}
		if dims > 0 {
			if err := v.EnsureCollection(ctx, dims); err != nil {
				v.Close()
				return nil, noop, err
			}
		}
		return v, v.Close, nil

	case config.BackendPostgres:
		s, err := pgvec.Open(ctx, pgvec.Config{DSN: cfg.Store.Postgres.DSN, Table: cfg.Store.Postgres.Table, Dimensions: dims})
		if err != nil {
			return nil, noop, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, noop, err
		}
		return s, s.Close, nil

	case config.BackendRedis:
		r := cfg.Store.Redis
		s, err := redisvec.Open(ctx, redisvec.Config{
			Addr: r.Addr, Password: r.Password, DB: r.DB,
			Index: r.Index, Prefix: r.Prefix, Dimensions: dims,
		})
		if err != nil {
			return nil, noop, err
		}
		if err := s.EnsureIndex(ctx); err != nil {
			s.Close()
			return nil, noop, err
		}
		return s, s.Close, nil

	case config.BackendMemory:
		return store.NewMemory(), noop, nil
	}
	return nil, noop, fmt.Errorf("app: unknown store backend %q", cfg.Store.Backend)
}

// Records opens the configured record source.
func Records(ctx context.Context, cfg *config.Config) (records.Source, func(), error) {
	if cfg.Records.Backend != config.RecordsNeo4j {
		return records.SampleRecords, func() {}, nil
	}
	src, driver, err := records.OpenGraph(ctx, records.GraphConfig{
		URL:      cfg.Records.URL,
		User:     cfg.Records.User,
		Password: cfg.Records.Password,
		Database: cfg.Records.Database,
	})
	if err != nil {
		return nil, func() {}, err
	}
	return src, func() { closeDriver(driver) }, nil
}

func closeDriver(d neo4j.DriverWithContext) {
	d.Close(context.Background())
}

// IngestDeps maps the ingest section onto ingest.Deps.
func IngestDeps(cfg *config.Config, e embed.Embedder, s store.Store, reg *metrics.Registry, logger *slog.Logger) ingest.Deps {
	return ingest.Deps{
		Embedder:    e,
		Store:       s,
		Chunking:    chunk.Options{Size: cfg.Ingest.ChunkSize, Overlap: cfg.Ingest.Overlap},
		BatchSize:   cfg.Ingest.BatchSize,
		Concurrency: cfg.Ingest.Concurrency,
		Metrics:     reg,
		Logger:      logger,
	}
}

// ConsumerConfig maps the ingest section onto the NATS consumer config.
func ConsumerConfig(cfg *config.Config, logger *slog.Logger) ingest.ConsumerConfig {
	return ingest.ConsumerConfig{
		Subject:    cfg.Ingest.Subject,
		DLQSubject: cfg.Ingest.DLQSubject,
		MaxRetries: cfg.Ingest.MaxRetries,
		Logger:     logger,
	}
}
