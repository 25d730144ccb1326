package records

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/pkg/repo"
)

// Label is the node label records are stored under.
const Label = "Record"

// searchWhere matches a node whose name or info contains any keyword.
const searchWhere = "any(k IN $keywords WHERE toLower(n.name) CONTAINS k OR toLower(n.info) CONTAINS k)"

// GraphConfig locates the Neo4j server.
type GraphConfig struct {
	URL      string
	User     string
	Password string
	Database string
}

// GraphSource serves records stored as (:Record {id, name, info}) nodes.
type GraphSource struct {
	repo repo.Repository[Record, string]
}

// NewGraphSource wraps an existing driver.
func NewGraphSource(driver neo4j.DriverWithContext, database string) *GraphSource {
	return &GraphSource{repo: repo.NewNeo4jRepo[Record, string](
		driver, Label, recordProps, recordFrom,
		repo.WithDatabase[Record, string](database),
	)}
}

// OpenGraph connects to Neo4j and verifies the connection.
func OpenGraph(ctx context.Context, cfg GraphConfig) (*GraphSource, neo4j.DriverWithContext, error) {
	if cfg.URL == "" {
		return nil, nil, domain.ConfigError("records.neo4j.url")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URL, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, nil, fmt.Errorf("records: neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, nil, fmt.Errorf("records: neo4j connect: %w", err)
	}
	return NewGraphSource(driver, cfg.Database), driver, nil
}

// Records lists the table.
func (g *GraphSource) Records(ctx context.Context) ([]Record, error) {
	return g.repo.List(ctx, repo.ListOpts{Limit: repo.DefaultListLimit})
}

// Search filters in the database. Keywords must already be lowercased.
func (g *GraphSource) Search(ctx context.Context, keywords []string, limit int) ([]Record, error) {
	return g.repo.List(ctx, repo.ListOpts{
		Limit:  limit,
		Where:  searchWhere,
		Params: map[string]any{"keywords": keywords},
	})
}

// Seed merges recs into the graph by id.
func (g *GraphSource) Seed(ctx context.Context, recs []Record) error {
	for _, r := range recs {
		if _, err := g.repo.Upsert(ctx, r); err != nil {
			return fmt.Errorf("records: seed %s: %w", r.ID, err)
		}
	}
	return nil
}

func recordProps(r Record) map[string]any {
	return map[string]any{"id": r.ID, "name": r.Name, "info": r.Info}
}

func recordFrom(rec *neo4j.Record) (Record, error) {
	p, err := repo.NodeProps(rec)
	if err != nil {
		return Record{}, err
	}
	str := func(k string) string {
		s, _ := p[k].(string)
		return s
	}
	return Record{ID: str("id"), Name: str("name"), Info: str("info")}, nil
}
