// Package repo defines a generic keyed repository and its Neo4j backend.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the id.
var ErrNotFound = errors.New("repo: not found")

// Repository stores entities by id. Upsert inserts or merges by id.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination and filtering for List operations.
type ListOpts struct {
	Offset int
	Limit  int
	// Where is a backend predicate over the bound entity, with its
	// parameters in Params. For Neo4j the entity is bound to n.
	Where  string
	Params map[string]any
}
