// Package pgvec is the Postgres + pgvector document store.
package pgvec

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/store"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config locates the documents table.
type Config struct {
	DSN        string
	Table      string
	Dimensions int
}

// Store keeps chunks in one table with a vector column and answers
// similarity queries with the cosine distance operator.
type Store struct {
	db    *sql.DB
	table string
	dims  int
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Pruner = (*Store)(nil)
)

// Open connects with lib/pq and pings the server.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, domain.ConfigError("store.postgres.dsn")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvec: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvec: ping: %w", err)
	}
	s, err := New(db, cfg.Table, cfg.Dimensions)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(db *sql.DB, table string, dims int) (*Store, error) {
	if table == "" {
		table = "documents"
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("pgvec: invalid table name %q", table)
	}
	if dims <= 0 {
		dims = 1536
	}
	return &Store{db: db, table: table, dims: dims}, nil
}

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the extension, table and HNSW cosine index.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.table, s.dims) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pgvec: migrate: %w", err)
		}
	}
	return nil
}

func schema(table string, dims int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	doc_id      TEXT NOT NULL DEFAULT '',
	chunk_index INTEGER NOT NULL DEFAULT 0,
	title       TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	url         TEXT NOT NULL DEFAULT '',
	source_type TEXT NOT NULL DEFAULT '',
	embedding   vector(%d) NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, table, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_doc_idx ON %s (doc_id, chunk_index)`, table, table),
	}
}

func (s *Store) upsertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (id, doc_id, chunk_index, title, content, url, source_type, embedding, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	doc_id = EXCLUDED.doc_id,
	chunk_index = EXCLUDED.chunk_index,
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	url = EXCLUDED.url,
	source_type = EXCLUDED.source_type,
	embedding = EXCLUDED.embedding,
	ingested_at = EXCLUDED.ingested_at`, s.table)
}

func (s *Store) searchSQL() string {
	return fmt.Sprintf(`SELECT id, doc_id, chunk_index, title, content, url, source_type, ingested_at,
	1 - (embedding <=> $1) AS similarity
FROM %s
WHERE 1 - (embedding <=> $1) >= $2
ORDER BY embedding <=> $1, ingested_at DESC
LIMIT $3`, s.table)
}

// Upsert writes each chunk in its own statement so one bad row does not
// take the rest down with it.
func (s *Store) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := s.db.PrepareContext(ctx, s.upsertSQL())
	if err != nil {
		return fmt.Errorf("pgvec: prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	var failures []domain.ChunkFailure
	for _, c := range chunks {
		at := c.IngestedAt
		if at.IsZero() {
			at = now
		}
		if len(c.Embedding) != s.dims {
			failures = append(failures, domain.ChunkFailure{ID: c.ID, Index: c.Index, Where: "store.upsert",
				Err: fmt.Errorf("pgvec: %d dims, want %d: %w", len(c.Embedding), s.dims, domain.ErrDimensionMismatch)})
			continue
		}
		_, err := stmt.ExecContext(ctx, c.ID, c.DocID, c.Index, c.Title, c.Content, c.URL, c.SourceType, pgvector.NewVector(c.Embedding), at)
		if err != nil {
			failures = append(failures, domain.ChunkFailure{ID: c.ID, Index: c.Index, Where: "store.upsert", Err: fmt.Errorf("pgvec: upsert: %w", err)})
		}
	}
	if len(failures) > 0 {
		return &domain.PartialFailure{Failures: failures}
	}
	return nil
}

// Search returns matches with 1 - cosine distance >= threshold.
func (s *Store) Search(ctx context.Context, embedding []float32, threshold float32, count int) ([]domain.Match, error) {
	if count <= 0 {
		return []domain.Match{}, nil
	}
	if len(embedding) != s.dims {
		return nil, domain.RetrievalError("store.search", fmt.Errorf("pgvec: query has %d dims, want %d: %w", len(embedding), s.dims, domain.ErrDimensionMismatch))
	}
	rows, err := s.db.QueryContext(ctx, s.searchSQL(), pgvector.NewVector(embedding), threshold, count)
	if err != nil {
		return nil, domain.RetrievalError("store.search", fmt.Errorf("pgvec: search: %w", err))
	}
	defer rows.Close()

	var raw []domain.Match
	for rows.Next() {
		var (
			m   domain.Match
			sim float64
		)
		if err := rows.Scan(&m.ID, &m.DocID, &m.Index, &m.Title, &m.Content, &m.URL, &m.SourceType, &m.IngestedAt, &sim); err != nil {
			return nil, domain.RetrievalError("store.search", fmt.Errorf("pgvec: scan: %w", err))
		}
		m.Similarity = float32(sim)
		raw = append(raw, m)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.RetrievalError("store.search", fmt.Errorf("pgvec: rows: %w", err))
	}
	return store.Finalize(raw, threshold, count), nil
}

// Count returns the number of rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgvec: count: %w", err)
	}
	return n, nil
}

// PruneDocument deletes rows of docID whose id is not in keep.
func (s *Store) PruneDocument(ctx context.Context, docID string, keep []string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_id = $1 AND NOT (id = ANY($2))`, s.table), docID, pq.Array(keep))
	if err != nil {
		return fmt.Errorf("pgvec: prune %s: %w", docID, err)
	}
	return nil
}
