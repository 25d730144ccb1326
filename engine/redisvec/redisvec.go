// Package redisvec is the Redis Stack (RediSearch HNSW) document store.
package redisvec

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/store"
)

const (
	fieldEmbedding  = "embedding"
	fieldDocID      = "doc_id"
	fieldChunkIndex = "chunk_index"
	fieldTitle      = "title"
	fieldContent    = "content"
	fieldURL        = "url"
	fieldSourceType = "source_type"
	fieldIngestedAt = "ingested_at"
	fieldDist       = "dist"
)

// redisClient is the subset of *redis.Client the store uses.
type redisClient interface {
	Do(ctx context.Context, args ...any) *redis.Cmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Config locates the index.
type Config struct {
	Addr       string
	Password   string
	DB         int
	Index      string
	Prefix     string
	Dimensions int
}

// Store keeps each chunk in a hash under Prefix+id, indexed by FT.CREATE.
type Store struct {
	client redisClient
	closer func() error
	index  string
	prefix string
	dims   int
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Pruner = (*Store)(nil)
)

// Open connects and pings. RESP2 is forced so FT.SEARCH replies decode as
// flat arrays.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, domain.ConfigError("store.redis.addr")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Protocol: 2,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redisvec: ping %s: %w", cfg.Addr, err)
	}
	s := newWithClient(rdb, cfg)
	s.closer = rdb.Close
	return s, nil
}

func newWithClient(c redisClient, cfg Config) *Store {
	if cfg.Index == "" {
		cfg.Index = "groundwork-docs"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "doc:"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}
	return &Store{client: c, index: cfg.Index, prefix: cfg.Prefix, dims: cfg.Dimensions}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// EnsureIndex creates the HNSW cosine index unless FT.INFO finds it.
func (s *Store) EnsureIndex(ctx context.Context) error {
	if err := s.client.Do(ctx, "FT.INFO", s.index).Err(); err == nil {
		return nil
	}
	err := s.client.Do(ctx, "FT.CREATE", s.index,
		"ON", "HASH",
		"PREFIX", "1", s.prefix,
		"SCHEMA",
		fieldEmbedding, "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(s.dims),
		"DISTANCE_METRIC", "COSINE",
		fieldDocID, "TAG",
		fieldChunkIndex, "NUMERIC",
		fieldTitle, "TEXT",
		fieldContent, "TEXT",
		fieldSourceType, "TAG",
		fieldIngestedAt, "NUMERIC", "SORTABLE",
	).Err()
	if err != nil {
		return fmt.Errorf("redisvec: create index %s: %w", s.index, err)
	}
	return nil
}

// Upsert writes one hash per chunk. HSET replaces fields in place.
func (s *Store) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	now := time.Now()
	var failures []domain.ChunkFailure
	for _, c := range chunks {
		if len(c.Embedding) != s.dims {
			failures = append(failures, domain.ChunkFailure{ID: c.ID, Index: c.Index, Where: "store.upsert",
				Err: fmt.Errorf("redisvec: %d dims, want %d: %w", len(c.Embedding), s.dims, domain.ErrDimensionMismatch)})
			continue
		}
		at := c.IngestedAt
		if at.IsZero() {
			at = now
		}
		err := s.client.HSet(ctx, s.prefix+c.ID,
			fieldEmbedding, encodeVector(c.Embedding),
			fieldDocID, c.DocID,
			fieldChunkIndex, c.Index,
			fieldTitle, c.Title,
			fieldContent, c.Content,
			fieldURL, c.URL,
			fieldSourceType, c.SourceType,
			fieldIngestedAt, at.UnixMilli(),
		).Err()
		if err != nil {
			failures = append(failures, domain.ChunkFailure{ID: c.ID, Index: c.Index, Where: "store.upsert", Err: fmt.Errorf("redisvec: hset: %w", err)})
		}
	}
	if len(failures) > 0 {
		return &domain.PartialFailure{Failures: failures}
	}
	return nil
}

// Search runs a KNN query. RediSearch reports cosine distance, so
// similarity is 1 - dist.
func (s *Store) Search(ctx context.Context, embedding []float32, threshold float32, count int) ([]domain.Match, error) {
	if count <= 0 {
		return []domain.Match{}, nil
	}
	if len(embedding) != s.dims {
		return nil, domain.RetrievalError("store.search", fmt.Errorf("redisvec: query has %d dims, want %d: %w", len(embedding), s.dims, domain.ErrDimensionMismatch))
	}
	res, err := s.client.Do(ctx, "FT.SEARCH", s.index,
		fmt.Sprintf("*=>[KNN %d @%s $vec AS %s]", count, fieldEmbedding, fieldDist),
		"PARAMS", "2", "vec", encodeVector(embedding),
		"SORTBY", fieldDist,
		"RETURN", "8", fieldDocID, fieldChunkIndex, fieldTitle, fieldContent, fieldURL, fieldSourceType, fieldIngestedAt, fieldDist,
		"LIMIT", "0", strconv.Itoa(count),
		"DIALECT", "2",
	).Result()
	if err != nil {
		return nil, domain.RetrievalError("store.search", fmt.Errorf("redisvec: search: %w", err))
	}
	raw, err := s.parseSearch(res)
	if err != nil {
		return nil, domain.RetrievalError("store.search", err)
	}
	return store.Finalize(raw, threshold, count), nil
}

// parseSearch decodes a RESP2 FT.SEARCH reply: [total, key, [f, v, ...], ...].
func (s *Store) parseSearch(res any) ([]domain.Match, error) {
	values, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("redisvec: unexpected reply %T", res)
	}
	var out []domain.Match
	for i := 1; i+1 < len(values); i += 2 {
		key, ok := values[i].(string)
		if !ok {
			continue
		}
		fields, ok := values[i+1].([]any)
		if !ok {
			continue
		}
		m := domain.Match{Chunk: domain.Chunk{ID: strings.TrimPrefix(key, s.prefix)}}
		for j := 0; j+1 < len(fields); j += 2 {
			name, _ := fields[j].(string)
			val := fmt.Sprint(fields[j+1])
			switch name {
			case fieldDocID:
				m.DocID = val
			case fieldChunkIndex:
				m.Index, _ = strconv.Atoi(val)
			case fieldTitle:
				m.Title = val
			case fieldContent:
				m.Content = val
			case fieldURL:
				m.URL = val
			case fieldSourceType:
				m.SourceType = val
			case fieldIngestedAt:
				if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
					m.IngestedAt = time.UnixMilli(ms)
				}
			case fieldDist:
				d, err := strconv.ParseFloat(val, 32)
				if err != nil {
					return nil, fmt.Errorf("redisvec: bad distance %q for %s", val, key)
				}
				m.Similarity = float32(1 - d)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// Count reads num_docs from FT.INFO.
func (s *Store) Count(ctx context.Context) (int, error) {
	res, err := s.client.Do(ctx, "FT.INFO", s.index).Result()
	if err != nil {
		return 0, fmt.Errorf("redisvec: info: %w", err)
	}
	values, ok := res.([]any)
	if !ok {
		return 0, fmt.Errorf("redisvec: unexpected info reply %T", res)
	}
	for i := 0; i+1 < len(values); i += 2 {
		if k, _ := values[i].(string); k == "num_docs" {
			n, err := strconv.Atoi(fmt.Sprint(values[i+1]))
			if err != nil {
				return 0, fmt.Errorf("redisvec: num_docs: %w", err)
			}
			return n, nil
		}
	}
	return 0, nil
}

// PruneDocument deletes hashes of docID whose id is not in keep.
func (s *Store) PruneDocument(ctx context.Context, docID string, keep []string) error {
	live := make(map[string]bool, len(keep))
	for _, id := range keep {
		live[s.prefix+id] = true
	}
	res, err := s.client.Do(ctx, "FT.SEARCH", s.index,
		fmt.Sprintf("@%s:{%s}", fieldDocID, escapeTag(docID)),
		"NOCONTENT",
		"LIMIT", "0", "10000",
		"DIALECT", "2",
	).Result()
	if err != nil {
		return fmt.Errorf("redisvec: prune search %s: %w", docID, err)
	}
	values, _ := res.([]any)
	var keys []string
	for i := 1; i < len(values); i++ {
		if k, ok := values[i].(string); ok && !live[k] {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redisvec: prune %s: %w", docID, err)
	}
	return nil
}

// encodeVector packs floats as little-endian FLOAT32, the layout
// RediSearch expects for vector fields and query params.
func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// escapeTag backslash-escapes everything but letters, digits and '_' so
// ids like uuids can be used inside a TAG query.
func escapeTag(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
