// Package store defines the document store contract the pipeline consumes
// and an in-memory cosine backend used for tests and single-node runs.
package store

import (
	"context"
	"math"
	"sort"

	"github.com/WessleyAI/groundwork/engine/domain"
)

// Store persists chunks and answers similarity queries.
//
// Upsert is insert-or-replace by id and fails per chunk: when some chunks
// cannot be written it returns a *domain.PartialFailure naming them, and the
// rest stay written.
//
// Search returns at most count matches with similarity >= threshold,
// ordered by similarity descending and then by most recent ingestion. No
// qualifying chunk yields an empty slice and a nil error.
type Store interface {
	Upsert(ctx context.Context, chunks []domain.Chunk) error
	Search(ctx context.Context, embedding []float32, threshold float32, count int) ([]domain.Match, error)
	Count(ctx context.Context) (int, error)
}

// Pruner is implemented by backends that can drop stale chunks of a
// document after it is re-ingested. Chunks of docID whose id is not in keep
// are deleted.
type Pruner interface {
	PruneDocument(ctx context.Context, docID string, keep []string) error
}

// SortMatches orders matches by similarity desc, then IngestedAt desc, then
// id for a stable result.
func SortMatches(ms []domain.Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Similarity != ms[j].Similarity {
			return ms[i].Similarity > ms[j].Similarity
		}
		if !ms[i].IngestedAt.Equal(ms[j].IngestedAt) {
			return ms[i].IngestedAt.After(ms[j].IngestedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}

// Finalize normalizes raw backend matches: malformed ones are dropped,
// anything under threshold is removed, and the result is sorted and capped.
// Backends call it so every implementation shares one ordering rule.
func Finalize(raw []domain.Match, threshold float32, count int) []domain.Match {
	out := make([]domain.Match, 0, len(raw))
	for _, m := range raw {
		nm, err := domain.NormalizeMatch(m)
		if err != nil || nm.Similarity < threshold {
			continue
		}
		out = append(out, nm)
	}
	SortMatches(out)
	if count >= 0 && len(out) > count {
		out = out[:count]
	}
	return out
}

// Cosine returns the cosine similarity of a and b, or 0 for a zero vector.
func Cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
