// Package retrieve turns a question into ranked matches.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/embed"
	"github.com/WessleyAI/groundwork/engine/store"
	"github.com/WessleyAI/groundwork/pkg/metrics"
)

// Searcher is the search half of store.Store.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, threshold float32, count int) ([]domain.Match, error)
}

var _ Searcher = (store.Store)(nil)

// Options configures a Retriever.
type Options struct {
	Threshold     float32
	Count         int
	SearchTimeout time.Duration
}

// DefaultOptions is the question-answering configuration.
func DefaultOptions() Options {
	return Options{Threshold: 0.75, Count: 5, SearchTimeout: 5 * time.Second}
}

// Result is the retrieval outcome. Grounded is false when nothing met the
// threshold, and Warning then carries domain.UngroundedWarning.
type Result struct {
	Matches  []domain.Match
	Grounded bool
	Warning  domain.Warning
}

// Retriever embeds a question and searches the store with fixed parameters.
type Retriever struct {
	embedder embed.Embedder
	search   Searcher
	opts     Options
	logger   *slog.Logger
	matches  *metrics.Histogram
}

// New creates a Retriever. reg may be nil.
func New(e embed.Embedder, s Searcher, opts Options, reg *metrics.Registry, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retriever{embedder: e, search: s, opts: opts, logger: logger}
	if reg != nil {
		r.matches = reg.Histogram("groundwork_retrieval_matches", "Matches returned per retrieval.", metrics.CountBuckets)
	}
	return r
}

// Retrieve embeds question and searches. Zero matches is not an error; a
// failed embedding or search is.
func (r *Retriever) Retrieve(ctx context.Context, question string) (Result, error) {
	vecs, err := r.embedder.Embed(ctx, []string{question})
	if err != nil {
		return Result{}, fmt.Errorf("retrieve: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return Result{}, domain.EmbeddingError("embed", fmt.Errorf("retrieve: %d vectors for 1 query: %w", len(vecs), domain.ErrCardinality))
	}

	searchCtx := ctx
	if r.opts.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, r.opts.SearchTimeout)
		defer cancel()
	}
	matches, err := r.search.Search(searchCtx, vecs[0], r.opts.Threshold, r.opts.Count)
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			err = domain.RetrievalError("store.search", err)
		}
		return Result{}, fmt.Errorf("retrieve: search: %w", err)
	}
	if r.matches != nil {
		r.matches.Observe(float64(len(matches)))
	}
	r.logger.Info("retrieval done", "matches", len(matches), "threshold", r.opts.Threshold)

	if len(matches) == 0 {
		return Result{Matches: []domain.Match{}, Warning: domain.UngroundedWarning}, nil
	}
	return Result{Matches: matches, Grounded: true}, nil
}
