// Package embed turns text into vectors through an external embedding
// service. The Client enforces the positional contract: one non-empty vector
// per input, in input order, all of one dimension.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/pkg/metrics"
	"github.com/WessleyAI/groundwork/pkg/resilience"
)

// Embedder is what the retriever and ingestion pipeline depend on.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Provider is a single round trip to an embedding service. Results must line
// up with inputs; the Client verifies that they do.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Options configures a Client.
type Options struct {
	// MaxInputChars rejects inputs longer than this many runes. Zero disables.
	MaxInputChars int
	// BatchSize caps inputs per provider call. Zero sends everything at once.
	BatchSize int
	// Dimensions, when set, is the only accepted vector length.
	Dimensions int
	Breaker    *resilience.Breaker
	Metrics    *metrics.Registry
	Logger     *slog.Logger
}

// DefaultOptions matches the limits of text-embedding-3-small.
func DefaultOptions() Options {
	return Options{MaxInputChars: 8000 * 4, BatchSize: 96}
}

// Client validates and batches calls to a Provider.
type Client struct {
	provider Provider
	opts     Options
	logger   *slog.Logger
	duration *metrics.Histogram
}

// New wraps a provider.
func New(p Provider, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{provider: p, opts: opts, logger: logger}
	if opts.Metrics != nil {
		c.duration = opts.Metrics.Histogram("groundwork_embed_duration_seconds", "Embedding service call latency.", nil)
	}
	return c
}

// Embed returns one vector per text, positionally aligned. An empty input
// returns nil without calling the service.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.opts.MaxInputChars > 0 {
		for i, t := range texts {
			if n := utf8.RuneCountInString(t); n > c.opts.MaxInputChars {
				return nil, domain.EmbeddingError("embed", fmt.Errorf("input %d has %d chars, limit %d: %w", i, n, c.opts.MaxInputChars, domain.ErrInputTooLarge))
			}
		}
	}

	size := c.opts.BatchSize
	if size <= 0 {
		size = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		batch := texts[start:min(start+size, len(texts))]
		vecs, err := c.call(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}

	dims := c.opts.Dimensions
	for i, v := range out {
		if len(v) == 0 {
			return nil, domain.EmbeddingError("embed", fmt.Errorf("input %d: %w", i, domain.ErrEmptyEmbedding))
		}
		if dims == 0 {
			dims = len(v)
		}
		if len(v) != dims {
			return nil, domain.EmbeddingError("embed", fmt.Errorf("input %d has %d dims, want %d: %w", i, len(v), dims, domain.ErrDimensionMismatch))
		}
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Client) call(ctx context.Context, batch []string) ([][]float32, error) {
	start := time.Now()
	var vecs [][]float32
	do := func(ctx context.Context) error {
		var err error
		vecs, err = c.provider.EmbedBatch(ctx, batch)
		return err
	}

	var err error
	if c.opts.Breaker != nil {
		err = c.opts.Breaker.Call(ctx, do)
	} else {
		err = do(ctx)
	}
	if c.duration != nil {
		c.duration.Since(start)
	}
	if err != nil {
		c.logger.Error("embedding call failed", "inputs", len(batch), "err", err)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, domain.EmbeddingError("embed.breaker", err)
		}
		var de *domain.Error
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, domain.EmbeddingError("embed", err)
	}
	if len(vecs) != len(batch) {
		return nil, domain.EmbeddingError("embed", fmt.Errorf("got %d vectors for %d inputs: %w", len(vecs), len(batch), domain.ErrCardinality))
	}
	return vecs, nil
}
