package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/pkg/metrics"
	"github.com/WessleyAI/groundwork/pkg/ollama"
	"github.com/WessleyAI/groundwork/pkg/resilience"
)

// lenProvider embeds each text as [len, position] so order is observable.
type lenProvider struct {
	calls   int
	batches []int
	err     error
	drop    bool
}

func (p *lenProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.calls++
	p.batches = append(p.batches, len(texts))
	if p.err != nil {
		return nil, p.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), float32(i)}
	}
	if p.drop {
		out = out[:len(out)-1]
	}
	return out, nil
}

func TestEmbedPreservesOrderAcrossBatches(t *testing.T) {
	p := &lenProvider{}
	c := New(p, Options{BatchSize: 2})
	texts := []string{"a", "bbb", "cc", "dddd", "e"}

	vecs, err := c.Embed(context.Background(), texts)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vecs))
	}
	for i, v := range vecs {
		if int(v[0]) != len(texts[i]) {
			t.Fatalf("vector %d belongs to %q", i, texts[i])
		}
	}
	if p.calls != 3 || p.batches[2] != 1 {
		t.Fatalf("unexpected batching %v", p.batches)
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	p := &lenProvider{}
	vecs, err := New(p, Options{}).Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("expected nil, nil; got %v, %v", vecs, err)
	}
	if p.calls != 0 {
		t.Fatal("provider must not be called for empty input")
	}
}

func TestEmbedRejectsOversizedInput(t *testing.T) {
	p := &lenProvider{}
	_, err := New(p, Options{MaxInputChars: 3}).Embed(context.Background(), []string{"ok", "toolong"})
	if !errors.Is(err, domain.ErrInputTooLarge) {
		t.Fatalf("expected ErrInputTooLarge, got %v", err)
	}
	if domain.KindOf(err) != domain.KindEmbedding {
		t.Fatalf("expected embedding kind, got %s", domain.KindOf(err))
	}
	if p.calls != 0 {
		t.Fatal("oversized input must fail before calling the service")
	}
}

func TestEmbedCardinalityMismatch(t *testing.T) {
	_, err := New(&lenProvider{drop: true}, Options{}).Embed(context.Background(), []string{"a", "b"})
	if !errors.Is(err, domain.ErrCardinality) {
		t.Fatalf("expected ErrCardinality, got %v", err)
	}
}

type fixedProvider [][]float32

func (f fixedProvider) EmbedBatch(context.Context, []string) ([][]float32, error) { return f, nil }

func TestEmbedRejectsEmptyAndMixedVectors(t *testing.T) {
	_, err := New(fixedProvider{{1, 2}, {}}, Options{}).Embed(context.Background(), []string{"a", "b"})
	if !errors.Is(err, domain.ErrEmptyEmbedding) {
		t.Fatalf("expected ErrEmptyEmbedding, got %v", err)
	}

	_, err = New(fixedProvider{{1, 2}, {1, 2, 3}}, Options{}).Embed(context.Background(), []string{"a", "b"})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}

	_, err = New(fixedProvider{{1, 2}}, Options{Dimensions: 3}).Embed(context.Background(), []string{"a"})
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch for configured dims, got %v", err)
	}
}

func TestEmbedWrapsProviderError(t *testing.T) {
	boom := errors.New("connection refused")
	reg := metrics.New()
	_, err := New(&lenProvider{err: boom}, Options{Metrics: reg}).Embed(context.Background(), []string{"a"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
	if domain.KindOf(err) != domain.KindEmbedding || domain.WhereOf(err) != "embed" {
		t.Fatalf("unexpected classification %s/%s", domain.KindOf(err), domain.WhereOf(err))
	}
	if !strings.Contains(reg.Render(), "groundwork_embed_duration_seconds_count 1") {
		t.Fatalf("expected one observed call:\n%s", reg.Render())
	}
}

func TestEmbedBreakerOpen(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 1, Timeout: time.Minute})
	p := &lenProvider{err: errors.New("down")}
	c := New(p, Options{Breaker: b})

	_, _ = c.Embed(context.Background(), []string{"a"})
	_, err := c.Embed(context.Background(), []string{"a"})
	if !errors.Is(err, resilience.ErrCircuitOpen) || domain.WhereOf(err) != "embed.breaker" {
		t.Fatalf("expected open breaker error, got %v", err)
	}
	if p.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", p.calls)
	}
}

func TestEmbedOne(t *testing.T) {
	v, err := New(&lenProvider{}, Options{}).EmbedOne(context.Background(), "abcd")
	if err != nil || v[0] != 4 {
		t.Fatalf("unexpected %v, %v", v, err)
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	if domain.KindOf(err) != domain.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestOpenAIAlignsByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		// Reply in reverse order; index carries the position.
		type item struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Object: "embedding", Index: i, Embedding: []float64{float64(len(req.Input[i])), 0.5}})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
	if err != nil {
		t.Fatal(err)
	}
	texts := []string{"one", "three", "fifteen"}
	vecs, err := New(p, Options{}).Embed(context.Background(), texts)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vecs {
		if int(v[0]) != len(texts[i]) {
			t.Fatalf("vector %d misaligned: %v", i, v)
		}
	}
}

func TestOpenAIServerErrorIsEmbeddingError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"maximum context length exceeded","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, _ := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
	_, err := New(p, Options{}).Embed(context.Background(), []string{"x"})
	if domain.KindOf(err) != domain.KindEmbedding {
		t.Fatalf("expected embedding error, got %v", err)
	}
}

func TestOllamaProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"embeddings":[[1,0],[0,1]]}`))
	}))
	defer srv.Close()

	p := NewOllama(ollama.New(srv.URL), "")
	vecs, err := New(p, Options{}).Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if vecs[1][1] != 1 {
		t.Fatalf("unexpected %v", vecs)
	}
}
