package redisvec

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/WessleyAI/groundwork/engine/domain"
)

type fakeRedis struct {
	calls   [][]any
	replies map[string]any
	errs    map[string]error
	hsets   map[string][]any
	hsetErr map[string]error
	deleted []string
}

func newFake() *fakeRedis {
	return &fakeRedis{replies: map[string]any{}, errs: map[string]error{}, hsets: map[string][]any{}, hsetErr: map[string]error{}}
}

func (f *fakeRedis) Do(_ context.Context, args ...any) *redis.Cmd {
	f.calls = append(f.calls, args)
	name := fmt.Sprint(args[0])
	return redis.NewCmdResult(f.replies[name], f.errs[name])
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...any) *redis.IntCmd {
	if err := f.hsetErr[key]; err != nil {
		return redis.NewIntResult(0, err)
	}
	f.hsets[key] = values
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.deleted = append(f.deleted, keys...)
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestOpenRequiresAddr(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); domain.KindOf(err) != domain.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestVectorEncoding(t *testing.T) {
	in := []float32{0.25, -1, 3.5}
	b := encodeVector(in)
	if len(b) != 12 {
		t.Fatalf("expected 12 bytes, got %d", len(b))
	}
	out := decodeVector(b)
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("round trip mismatch at %d: %v", i, out)
		}
	}
}

func TestEnsureIndexCreatesWhenMissing(t *testing.T) {
	f := newFake()
	f.errs["FT.INFO"] = errors.New("Unknown index name")
	s := newWithClient(f, Config{Dimensions: 4})
	if err := s.EnsureIndex(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 2 || f.calls[1][0] != "FT.CREATE" {
		t.Fatalf("expected FT.CREATE after FT.INFO, got %v", f.calls)
	}
}

func TestUpsertPerChunkFailure(t *testing.T) {
	f := newFake()
	f.hsetErr["doc:b"] = errors.New("OOM")
	s := newWithClient(f, Config{Dimensions: 2})
	err := s.Upsert(context.Background(), []domain.Chunk{
		{ID: "a", Content: "x", Embedding: []float32{1, 0}},
		{ID: "b", Index: 1, Content: "y", Embedding: []float32{0, 1}},
		{ID: "c", Index: 2, Content: "z", Embedding: []float32{1}},
	})
	var pf *domain.PartialFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected PartialFailure, got %v", err)
	}
	ids := pf.FailedIDs()
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "c" {
		t.Fatalf("unexpected failed ids %v", ids)
	}
	if _, ok := f.hsets["doc:a"]; !ok {
		t.Fatal("chunk a must be written")
	}
}

func TestSearchParsesAndConvertsDistance(t *testing.T) {
	f := newFake()
	f.replies["FT.SEARCH"] = []any{
		int64(3),
		"doc:a", []any{"title", "Refund Policy", "content", "5 business days", "chunk_index", "0", "ingested_at", "1700000000000", "dist", "0.02"},
		"doc:b", []any{"title", "Shipping", "content", "ships fast", "dist", "0.4"},
		"doc:c", []any{"title", "Near", "content", "close", "dist", "0.1"},
	}
	s := newWithClient(f, Config{Dimensions: 2})

	got, err := s.Search(context.Background(), []float32{1, 0}, 0.75, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches over threshold, got %d", len(got))
	}
	if got[0].ID != "a" || got[0].Similarity < 0.97 || got[0].IngestedAt.IsZero() {
		t.Fatalf("unexpected first match %+v", got[0])
	}
	if got[1].ID != "c" {
		t.Fatalf("expected c second, got %s", got[1].ID)
	}
}

func TestSearchErrorIsRetrievalError(t *testing.T) {
	f := newFake()
	f.errs["FT.SEARCH"] = errors.New("no such index")
	_, err := newWithClient(f, Config{Dimensions: 1}).Search(context.Background(), []float32{1}, 0.5, 1)
	if domain.KindOf(err) != domain.KindRetrieval {
		t.Fatalf("expected retrieval error, got %v", err)
	}
}

func TestCountFromInfo(t *testing.T) {
	f := newFake()
	f.replies["FT.INFO"] = []any{"index_name", "groundwork-docs", "num_docs", "12"}
	n, err := newWithClient(f, Config{}).Count(context.Background())
	if err != nil || n != 12 {
		t.Fatalf("expected 12, got %d, %v", n, err)
	}
}

func TestPruneDeletesUnkeptKeys(t *testing.T) {
	f := newFake()
	f.replies["FT.SEARCH"] = []any{int64(3), "doc:x", "doc:y", "doc:z"}
	s := newWithClient(f, Config{})
	if err := s.PruneDocument(context.Background(), "a-b", []string{"y"}); err != nil {
		t.Fatal(err)
	}
	if len(f.deleted) != 2 || f.deleted[0] != "doc:x" || f.deleted[1] != "doc:z" {
		t.Fatalf("expected doc:x and doc:z deleted, got %v", f.deleted)
	}
	q := fmt.Sprint(f.calls[0][2])
	if q != `@doc_id:{a\-b}` {
		t.Fatalf("unexpected query %s", q)
	}
}
