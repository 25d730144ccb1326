package ingest

import (
	"sort"

	"github.com/WessleyAI/groundwork/engine/chunk"
	"github.com/WessleyAI/groundwork/engine/domain"
)

// Job is one document handed to the pipeline, directly or over NATS.
type Job struct {
	Document domain.Document `json:"document"`
	Mode     chunk.Mode      `json:"mode,omitempty"`
}

// PreparedDoc is a validated document split into pieces.
type PreparedDoc struct {
	Doc    domain.Document
	Pieces []chunk.Piece
}

// Report is the outcome of ingesting one document. Chunks not listed in
// Failed were stored.
type Report struct {
	DocID    string                `json:"doc_id"`
	Inserted int                   `json:"inserted"`
	Failed   []domain.ChunkFailure `json:"-"`
}

// Err returns a *domain.PartialFailure when any chunk failed.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &domain.PartialFailure{Failures: r.Failed}
}

// pending is a chunk waiting for its embedding.
type pending struct {
	chunk domain.Chunk
	text  string
}

type batchOutcome struct {
	inserted int
	failed   []domain.ChunkFailure
}

func failAll(ps []pending, where string, err error) []domain.ChunkFailure {
	out := make([]domain.ChunkFailure, len(ps))
	for i, p := range ps {
		out[i] = domain.ChunkFailure{ID: p.chunk.ID, Index: p.chunk.Index, Where: where, Err: err}
	}
	return out
}

func sortFailures(fs []domain.ChunkFailure) {
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].Index < fs[j].Index })
}

func toChunkSections(ss []domain.Section) []chunk.Section {
	if len(ss) == 0 {
		return nil
	}
	out := make([]chunk.Section, len(ss))
	for i, s := range ss {
		out[i] = chunk.Section{Title: s.Title, Content: s.Content}
	}
	return out
}
