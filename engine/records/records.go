// Package records answers structured lookups from a small table of
// {id, name, info} records.
package records

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/WessleyAI/groundwork/engine/domain"
)

// SourceType tags matches built from records.
const SourceType = "records"

// DefaultLimit caps records per lookup.
const DefaultLimit = 10

// Record is one row of the lookup table.
type Record struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Info string `json:"info" yaml:"info"`
}

// Source lists every record.
type Source interface {
	Records(ctx context.Context) ([]Record, error)
}

// Searcher is implemented by sources that can filter by keyword themselves.
type Searcher interface {
	Search(ctx context.Context, keywords []string, limit int) ([]Record, error)
}

// Static is an in-memory Source.
type Static []Record

func (s Static) Records(context.Context) ([]Record, error) {
	return append([]Record(nil), s...), nil
}

// SampleRecords is the table served when no backend is configured.
var SampleRecords = Static{
	{ID: "rec1", Name: "Sample Record 1", Info: "This is a sample record."},
	{ID: "rec2", Name: "Sample Record 2", Info: "Another example record."},
}

// stopwords are dropped from lookup keywords, along with the words that
// route a message here in the first place.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "what": true, "which": true,
	"who": true, "how": true, "does": true, "show": true, "list": true, "find": true,
	"about": true, "with": true, "from": true, "there": true, "any": true, "all": true,
	"tell": true, "give": true, "our": true, "that": true, "this": true, "have": true,
	"airtable": true, "record": true, "records": true, "database": true,
}

// Keywords extracts lowercased lookup terms of three or more letters.
func Keywords(msg string) []string {
	fields := strings.FieldsFunc(strings.ToLower(msg), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Lookup finds records for msg and presents them as matches. Records are
// ranked by how many keywords hit their name or info. When no keyword hits,
// the whole table (up to limit) is returned.
func Lookup(ctx context.Context, src Source, msg string, limit int) ([]domain.Match, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	kws := Keywords(msg)

	var recs []Record
	var err error
	if s, ok := src.(Searcher); ok && len(kws) > 0 {
		recs, err = s.Search(ctx, kws, limit)
		if err == nil && len(recs) == 0 {
			recs, err = src.Records(ctx)
		}
	} else {
		recs, err = src.Records(ctx)
	}
	if err != nil {
		return nil, domain.RetrievalError("records", fmt.Errorf("records: %w", err))
	}

	type scored struct {
		rec   Record
		score int
	}
	all := make([]scored, 0, len(recs))
	hits := 0
	for _, r := range recs {
		s := score(r, kws)
		if s > 0 {
			hits++
		}
		all = append(all, scored{r, s})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })
	if hits > 0 {
		all = all[:hits]
	}
	if len(all) > limit {
		all = all[:limit]
	}

	now := time.Now().UTC()
	out := make([]domain.Match, 0, len(all))
	for _, s := range all {
		if strings.TrimSpace(s.rec.Info) == "" {
			continue
		}
		id := s.rec.ID
		if id == "" {
			id = s.rec.Name
		}
		sim := float32(1)
		if len(kws) > 0 && hits > 0 {
			sim = float32(s.score) / float32(len(kws))
		}
		out = append(out, domain.Match{
			Chunk: domain.Chunk{
				ID:         id,
				Title:      s.rec.Name,
				Content:    s.rec.Info,
				SourceType: SourceType,
				IngestedAt: now,
			},
			Similarity: sim,
		})
	}
	return out, nil
}

func score(r Record, kws []string) int {
	hay := strings.ToLower(r.Name + " " + r.Info)
	n := 0
	for _, k := range kws {
		if strings.Contains(hay, k) {
			n++
		}
	}
	return n
}
