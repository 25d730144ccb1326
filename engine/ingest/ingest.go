// Package ingest provides the ingestion pipeline that takes documents
// through validation, chunking, embedding, and storage stages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/groundwork/engine/chunk"
	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/embed"
	"github.com/WessleyAI/groundwork/engine/store"
	"github.com/WessleyAI/groundwork/pkg/fn"
	"github.com/WessleyAI/groundwork/pkg/metrics"
)

const (
	// DefaultConcurrency bounds embedding batches in flight per document.
	DefaultConcurrency = 4
	// DefaultBatchSize is the max chunks per embedding request.
	DefaultBatchSize = 32
)

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Embedder    embed.Embedder
	Store       store.Store
	Chunking    chunk.Options
	BatchSize   int
	Concurrency int
	Metrics     *metrics.Registry
	Logger      *slog.Logger
	// Now stamps IngestedAt. Defaults to time.Now.
	Now func() time.Time
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// --- Pipeline Stages ---

// Validate applies document defaults: title, source type, a stable id
// derived from the title, and the Google Docs url for imported documents.
var Validate = fn.TryStage(func(_ context.Context, job Job) (Job, error) {
	doc, err := domain.NormalizeDocument(job.Document)
	if err != nil {
		return Job{}, err
	}
	if doc.ID == "" {
		doc.ID = chunk.DocID(doc.SourceType, doc.Title)
	}
	if doc.URL == "" && doc.SourceType == domain.SourceGoogleDocs {
		doc.URL = GoogleDocURL(doc.ID)
	}
	if job.Mode == "" {
		job.Mode = chunk.ModeFixed
		if len(doc.Sections) > 0 {
			job.Mode = chunk.ModeSections
		}
	}
	job.Document = doc
	return job, nil
})

// GoogleDocURL is the canonical link of an imported Google Doc.
func GoogleDocURL(docID string) string {
	return "https://docs.google.com/document/d/" + docID
}

// NewChunk creates a stage that splits a document with opts. The job's
// mode overrides opts.Mode.
func NewChunk(opts chunk.Options) fn.Stage[Job, PreparedDoc] {
	return func(_ context.Context, job Job) fn.Result[PreparedDoc] {
		o := opts
		if o.Size == 0 {
			o.Size, o.Overlap = chunk.DefaultSize, chunk.DefaultOverlap
		}
		o.Mode = job.Mode
		doc := job.Document
		pieces, err := chunk.Split(doc.ID, doc.Title, doc.Content, toChunkSections(doc.Sections), o)
		if err != nil {
			return fn.Err[PreparedDoc](domain.InvalidInput("chunk", err))
		}
		if len(pieces) == 0 {
			return fn.Err[PreparedDoc](domain.InvalidInput("chunk", domain.ErrEmptyContent))
		}
		return fn.Ok(PreparedDoc{Doc: doc, Pieces: pieces})
	}
}

// NewEmbedStore creates the stage that embeds pieces in bounded parallel
// batches and upserts them. A failed batch is retried one chunk at a time so
// that a single bad chunk does not take its neighbours down. Failures are
// collected in the Report rather than failing the stage.
func NewEmbedStore(deps Deps) fn.Stage[PreparedDoc, Report] {
	log := deps.logger()
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	size := deps.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	workers := deps.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	var inserted, failed *metrics.Counter
	if deps.Metrics != nil {
		inserted = deps.Metrics.Counter(metrics.WithLabels("groundwork_ingest_chunks_total", "status", "inserted"), "Chunks processed by ingestion.")
		failed = deps.Metrics.Counter(metrics.WithLabels("groundwork_ingest_chunks_total", "status", "failed"), "Chunks processed by ingestion.")
	}

	return func(ctx context.Context, p PreparedDoc) fn.Result[Report] {
		stamp := now().UTC()
		items := make([]pending, len(p.Pieces))
		for i, piece := range p.Pieces {
			items[i] = pending{
				chunk: domain.Chunk{
					ID:         chunk.ID(piece.Key),
					DocID:      p.Doc.ID,
					Index:      piece.Index,
					Title:      piece.Title,
					Content:    piece.Content,
					URL:        p.Doc.URL,
					SourceType: p.Doc.SourceType,
					IngestedAt: stamp,
				},
				text: piece.EmbedText,
			}
		}

		batches := fn.Chunk(items, size)
		results := fn.ParMapResult(ctx, batches, workers, func(ctx context.Context, b []pending) fn.Result[batchOutcome] {
			return fn.Ok(embedAndStore(ctx, deps.Embedder, deps.Store, b, log))
		})

		rep := Report{DocID: p.Doc.ID}
		for i, r := range results {
			out, err := r.Unwrap()
			if err != nil {
				rep.Failed = append(rep.Failed, failAll(batches[i], "embed", err)...)
				continue
			}
			rep.Inserted += out.inserted
			rep.Failed = append(rep.Failed, out.failed...)
		}
		sortFailures(rep.Failed)

		if inserted != nil {
			inserted.Add(int64(rep.Inserted))
			failed.Add(int64(len(rep.Failed)))
		}

		if pr, ok := deps.Store.(store.Pruner); ok && len(rep.Failed) == 0 {
			keep := fn.Map(items, func(it pending) string { return it.chunk.ID })
			if err := pr.PruneDocument(ctx, p.Doc.ID, keep); err != nil {
				log.Warn("ingest: prune stale chunks", "doc_id", p.Doc.ID, "err", err)
			}
		}
		return fn.Ok(rep)
	}
}

func embedAndStore(ctx context.Context, e embed.Embedder, s store.Store, b []pending, log *slog.Logger) batchOutcome {
	var out batchOutcome
	ready := make([]domain.Chunk, 0, len(b))

	texts := fn.Map(b, func(p pending) string { return p.text })
	vecs, err := embedChecked(ctx, e, texts)
	switch {
	case err == nil:
		for i, p := range b {
			c := p.chunk
			c.Embedding = vecs[i]
			ready = append(ready, c)
		}
	case len(b) == 1 || ctx.Err() != nil:
		out.failed = failAll(b, "embed", err)
	default:
		log.Warn("ingest: batch embed failed, retrying per chunk", "chunks", len(b), "err", err)
		for _, p := range b {
			v, err := embedChecked(ctx, e, []string{p.text})
			if err != nil {
				log.Error("ingest: chunk embed failed", "chunk_id", p.chunk.ID, "err", err)
				out.failed = append(out.failed, failAll([]pending{p}, "embed", err)...)
				continue
			}
			c := p.chunk
			c.Embedding = v[0]
			ready = append(ready, c)
		}
	}
	if len(ready) == 0 {
		return out
	}

	err = s.Upsert(ctx, ready)
	var pf *domain.PartialFailure
	switch {
	case err == nil:
		out.inserted = len(ready)
	case errors.As(err, &pf):
		out.inserted = len(ready) - len(pf.Failures)
		out.failed = append(out.failed, pf.Failures...)
	default:
		log.Error("ingest: upsert failed", "chunks", len(ready), "err", err)
		for _, c := range ready {
			out.failed = append(out.failed, domain.ChunkFailure{ID: c.ID, Index: c.Index, Where: "store.upsert", Err: err})
		}
	}
	return out
}

func embedChecked(ctx context.Context, e embed.Embedder, texts []string) ([][]float32, error) {
	vecs, err := e.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, domain.EmbeddingError("embed", fmt.Errorf("%d vectors for %d inputs: %w", len(vecs), len(texts), domain.ErrCardinality))
	}
	return vecs, nil
}

// LoggedTap returns a stage that logs the value entering a stage.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return fn.TapStage(func(ctx context.Context, _ T) {
		log.DebugContext(ctx, "stage.enter", "stage", name)
	})
}

// NewPipeline constructs the full ingestion pipeline with all stages wired.
func NewPipeline(deps Deps) fn.Stage[Job, Report] {
	log := deps.logger()

	// Compose: Validate → Chunk → Embed+Store
	// with logging taps between stages.
	validated := fn.Then(LoggedTap[Job]("validate", log), fn.Traced("ingest.validate", Validate))
	chunked := fn.Then(validated, fn.Then(LoggedTap[Job]("chunk", log), fn.Traced("ingest.chunk", NewChunk(deps.Chunking))))
	stored := fn.Then(chunked, fn.Then(LoggedTap[PreparedDoc]("embed_store", log), fn.Traced("ingest.embed_store", NewEmbedStore(deps))))

	return stored
}

// Ingester runs jobs through the pipeline.
type Ingester struct {
	pipeline fn.Stage[Job, Report]
	log      *slog.Logger
}

// New builds an Ingester from deps.
func New(deps Deps) *Ingester {
	return &Ingester{pipeline: NewPipeline(deps), log: deps.logger()}
}

// Ingest runs one job. When some chunks fail the Report is still returned,
// together with a *domain.PartialFailure; stored chunks are not rolled back.
func (i *Ingester) Ingest(ctx context.Context, job Job) (Report, error) {
	rep, err := i.pipeline(ctx, job).Unwrap()
	if err != nil {
		return Report{}, fmt.Errorf("ingest: %w", err)
	}
	if err := rep.Err(); err != nil {
		i.log.Warn("ingest: partial failure", "doc_id", rep.DocID, "inserted", rep.Inserted, "failed", len(rep.Failed))
		return rep, err
	}
	i.log.Info("ingest: success", "doc_id", rep.DocID, "inserted", rep.Inserted)
	return rep, nil
}

// IngestAll runs jobs in order and joins their errors.
func (i *Ingester) IngestAll(ctx context.Context, jobs []Job) ([]Report, error) {
	reports := make([]Report, 0, len(jobs))
	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rep, err := i.Ingest(ctx, job)
		reports = append(reports, rep)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}
