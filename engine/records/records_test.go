package records

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var table = Static{
	{ID: "r1", Name: "Brake Pads", Info: "Front brake pads for the sedan, part BP-100."},
	{ID: "r2", Name: "Oil Filter", Info: "Synthetic oil filter, fits all engines."},
	{ID: "r3", Name: "Wiper Blades", Info: "Winter wiper blades."},
}

func TestKeywords(t *testing.T) {
	got := Keywords("Show me the Airtable records about brake and OIL, brake!")
	want := []string{"brake", "oil"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Keywords = %v, want %v", got, want)
	}
}

func TestLookupRanksByHits(t *testing.T) {
	ms, err := Lookup(context.Background(), table, "which records mention brake pads or filter", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 {
		t.Fatalf("got %d matches: %+v", len(ms), ms)
	}
	if ms[0].ID != "r1" || ms[1].ID != "r2" {
		t.Fatalf("order = %s, %s", ms[0].ID, ms[1].ID)
	}
	if ms[0].Title != "Brake Pads" || ms[0].SourceType != SourceType {
		t.Fatalf("match = %+v", ms[0])
	}
	if ms[0].Similarity <= ms[1].Similarity {
		t.Fatalf("similarities not ranked: %v %v", ms[0].Similarity, ms[1].Similarity)
	}
}

func TestLookupNoKeywordHitReturnsTable(t *testing.T) {
	ms, err := Lookup(context.Background(), table, "show airtable records", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 || ms[0].Similarity != 1 {
		t.Fatalf("got %+v", ms)
	}
}

func TestLookupSkipsEmptyInfo(t *testing.T) {
	ms, err := Lookup(context.Background(), Static{{Name: "blank"}, {Name: "named", Info: "text"}}, "records", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 1 || ms[0].ID != "named" {
		t.Fatalf("got %+v", ms)
	}
}

type errSource struct{}

func (errSource) Records(context.Context) ([]Record, error) { return nil, errors.New("down") }

func TestLookupSourceError(t *testing.T) {
	_, err := Lookup(context.Background(), errSource{}, "records", 0)
	if domain.KindOf(err) != domain.KindRetrieval || domain.WhereOf(err) != "records" {
		t.Fatalf("err = %v", err)
	}
}

// fakeRepo is an in-memory repo.Repository for GraphSource.
type fakeRepo struct {
	rows  []Record
	opts  []repo.ListOpts
	saved []Record
}

func (f *fakeRepo) Get(_ context.Context, id string) (Record, error) {
	for _, r := range f.rows {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, repo.ErrNotFound
}

func (f *fakeRepo) List(_ context.Context, opts repo.ListOpts) ([]Record, error) {
	f.opts = append(f.opts, opts)
	if opts.Where == "" {
		return f.rows, nil
	}
	var out []Record
	kws, _ := opts.Params["keywords"].([]string)
	for _, r := range f.rows {
		if score(r, kws) > 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepo) Upsert(_ context.Context, r Record) (Record, error) {
	f.saved = append(f.saved, r)
	return r, nil
}

func (f *fakeRepo) Delete(context.Context, string) error { return nil }

func TestGraphSourceSearchPushesDown(t *testing.T) {
	fr := &fakeRepo{rows: table}
	g := &GraphSource{repo: fr}

	ms, err := Lookup(context.Background(), g, "wiper", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 1 || ms[0].ID != "r3" {
		t.Fatalf("got %+v", ms)
	}
	if len(fr.opts) != 1 || fr.opts[0].Where != searchWhere || fr.opts[0].Limit != 5 {
		t.Fatalf("list opts = %+v", fr.opts)
	}
}

func TestGraphSourceSearchFallsBackToTable(t *testing.T) {
	fr := &fakeRepo{rows: table}
	ms, err := Lookup(context.Background(), &GraphSource{repo: fr}, "headlights", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 3 || len(fr.opts) != 2 {
		t.Fatalf("matches %d, list calls %d", len(ms), len(fr.opts))
	}
}

func TestGraphSourceSeed(t *testing.T) {
	fr := &fakeRepo{}
	if err := (&GraphSource{repo: fr}).Seed(context.Background(), SampleRecords); err != nil {
		t.Fatal(err)
	}
	if len(fr.saved) != len(SampleRecords) {
		t.Fatalf("saved %d", len(fr.saved))
	}
}

func TestRecordMapping(t *testing.T) {
	r := Record{ID: "x", Name: "n", Info: "i"}
	rec := &neo4j.Record{Values: []any{neo4j.Node{Props: recordProps(r)}}, Keys: []string{"n"}}
	got, err := recordFrom(rec)
	if err != nil {
		t.Fatal(err)
	}
	if got != r {
		t.Fatalf("got %+v", got)
	}
}

func TestOpenGraphRequiresURL(t *testing.T) {
	_, _, err := OpenGraph(context.Background(), GraphConfig{})
	if domain.KindOf(err) != domain.KindConfiguration {
		t.Fatalf("err = %v", err)
	}
}
