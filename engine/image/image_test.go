package image

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/retrieve"
)

const brandDoc = `Style guide

## Brand: Acme
Overview: Playful hardware for everyone.
Colors: red, yellow
- Rounded shapes
- Bold outlines

## Brand: Zenith
Colors: black, silver
- Minimal layouts
`

func TestBrands(t *testing.T) {
	got := Brands(brandDoc)
	if len(got) != 2 || got[0] != "acme" || got[1] != "zenith" {
		t.Fatalf("Brands = %v", got)
	}
}

func TestExtractBrandStyle(t *testing.T) {
	st, ok := ExtractBrandStyle(brandDoc, "zenith")
	if !ok {
		t.Fatal("zenith not found")
	}
	if st.Colors != "black, silver" || len(st.Notes) != 1 || st.Notes[0] != "Minimal layouts" || st.Overview != "" {
		t.Fatalf("style = %+v", st)
	}

	st, _ = ExtractBrandStyle(brandDoc, "ACME")
	if st.Overview != "Playful hardware for everyone." || len(st.Notes) != 2 {
		t.Fatalf("acme style = %+v", st)
	}

	if _, ok := ExtractBrandStyle(brandDoc, "other"); ok {
		t.Fatal("unexpected brand")
	}
}

func TestBuildPrompt(t *testing.T) {
	generic := BuildPrompt("a lighthouse at dusk", "")
	if !strings.Contains(generic, GenericStyle) || !strings.Contains(generic, "a lighthouse at dusk") {
		t.Fatalf("generic prompt:\n%s", generic)
	}

	branded := BuildPrompt("an Acme poster for spring", brandDoc)
	for _, want := range []string{"Brand overview: Playful hardware", "Colors: red, yellow.", "Rounded shapes; Bold outlines"} {
		if !strings.Contains(branded, want) {
			t.Fatalf("branded prompt missing %q:\n%s", want, branded)
		}
	}

	plain := BuildPrompt("a mountain", "Our palette is teal.")
	if !strings.Contains(plain, "Our palette is teal.") || strings.Contains(plain, GenericStyle) {
		t.Fatalf("reference prompt:\n%s", plain)
	}
}

type fakeRetriever struct {
	res retrieve.Result
	err error
	got string
}

func (f *fakeRetriever) Retrieve(_ context.Context, q string) (retrieve.Result, error) {
	f.got = q
	return f.res, f.err
}

type fakeGen struct {
	prompt, size string
	urls         []string
	err          error
}

func (f *fakeGen) Generate(_ context.Context, prompt, size string) ([]string, error) {
	f.prompt, f.size = prompt, size
	return f.urls, f.err
}

func TestServiceGrounded(t *testing.T) {
	m := domain.Match{Chunk: domain.Chunk{ID: "d1", Title: "Guide", Content: brandDoc}, Similarity: 0.8}
	r := &fakeRetriever{res: retrieve.Result{Matches: []domain.Match{m}, Grounded: true}}
	g := &fakeGen{urls: []string{"https://img/1.png"}}

	res, err := New(r, g, "", nil).Generate(context.Background(), "  acme banner ", "")
	if err != nil {
		t.Fatal(err)
	}
	if r.got != "acme banner" || g.size != DefaultSize {
		t.Fatalf("query %q size %q", r.got, g.size)
	}
	if !strings.Contains(g.prompt, "red, yellow") {
		t.Fatalf("prompt not styled:\n%s", g.prompt)
	}
	if len(res.URLs) != 1 || len(res.Citations) != 1 || res.Citations[0].ID != "d1" {
		t.Fatalf("result = %+v", res)
	}
}

func TestServiceUngrounded(t *testing.T) {
	r := &fakeRetriever{res: retrieve.Result{Matches: []domain.Match{}, Warning: domain.UngroundedWarning}}
	g := &fakeGen{urls: []string{"u"}}
	res, err := New(r, g, "512x512", nil).Generate(context.Background(), "cat", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(g.prompt, GenericStyle) || g.size != "512x512" {
		t.Fatalf("prompt %q size %q", g.prompt, g.size)
	}
	if res.Warning != domain.UngroundedWarning || res.Citations != nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestServiceErrors(t *testing.T) {
	s := New(&fakeRetriever{}, &fakeGen{}, "", nil)
	if _, err := s.Generate(context.Background(), " ", ""); domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("empty prompt: %v", err)
	}
	if _, err := s.Generate(context.Background(), "x", ""); domain.WhereOf(err) != "image.generate" {
		t.Fatalf("no urls: %v", err)
	}

	embedErr := domain.EmbeddingError("embed", errors.New("503"))
	s = New(&fakeRetriever{err: embedErr}, &fakeGen{}, "", nil)
	if _, err := s.Generate(context.Background(), "x", ""); domain.KindOf(err) != domain.KindEmbedding {
		t.Fatalf("retrieval failure: %v", err)
	}

	s = New(&fakeRetriever{}, &fakeGen{err: errors.New("content policy")}, "", nil)
	if _, err := s.Generate(context.Background(), "x", ""); domain.KindOf(err) != domain.KindSynthesis {
		t.Fatalf("generator failure: %v", err)
	}
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "dall-e-3" || body["size"] != "1024x1024" || body["n"] != float64(1) {
			t.Errorf("body = %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"created":1,"data":[{"url":"https://img.test/a.png"}]}`))
	}))
	defer srv.Close()

	g, err := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1/"})
	if err != nil {
		t.Fatal(err)
	}
	urls, err := g.Generate(context.Background(), "p", DefaultSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 1 || urls[0] != "https://img.test/a.png" {
		t.Fatalf("urls = %v", urls)
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{}); domain.KindOf(err) != domain.KindConfiguration {
		t.Fatalf("err = %v", err)
	}
}
