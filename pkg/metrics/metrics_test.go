package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterIsSharedByName(t *testing.T) {
	r := New()
	c := r.Counter("jobs_total", "Jobs.")
	c.Inc()
	c.Add(4)
	if r.Counter("jobs_total", "") != c || c.Value() != 5 {
		t.Fatalf("value = %d", c.Value())
	}
}

func TestGauge(t *testing.T) {
	g := New().Gauge("inflight", "")
	g.Set(3)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 2 {
		t.Fatalf("value = %d", g.Value())
	}
}

func TestHistogramBuckets(t *testing.T) {
	h := New().Histogram("latency_seconds", "", []float64{1, 0.1, 0.5})
	for _, v := range []float64{0.05, 0.1, 0.3, 0.8, 2} {
		h.Observe(v)
	}
	bounds, cum, sum, total := h.snapshot()
	if bounds[0] != 0.1 || bounds[2] != 1 {
		t.Fatalf("bounds not sorted: %v", bounds)
	}
	// 0.1 lands in the 0.1 bucket, 2 only in +Inf.
	want := []uint64{2, 3, 4}
	for i := range want {
		if cum[i] != want[i] {
			t.Fatalf("cumulative = %v, want %v", cum, want)
		}
	}
	if total != 5 || h.Count() != 5 || sum < 3.24 || sum > 3.26 {
		t.Fatalf("total %d sum %g", total, sum)
	}
}

func TestWithLabels(t *testing.T) {
	if got := WithLabels("x", "k", "v", "a", `q"b`); got != `x{k="v",a="q\"b"}` {
		t.Fatalf("got %s", got)
	}
	if got := WithLabels("x", "odd"); got != "x" {
		t.Fatalf("got %s", got)
	}
}

func TestRenderGroupsLabelledSeries(t *testing.T) {
	r := New()
	r.Counter(WithLabels("groundwork_ingest_chunks_total", "status", "inserted"), "Chunks by outcome.").Add(3)
	r.Counter(WithLabels("groundwork_ingest_chunks_total", "status", "failed"), "").Inc()
	r.Histogram(WithLabels("groundwork_retrieval_matches", "intent", "qa"), "Matches.", []float64{1}).Observe(1)

	out := r.Render()
	for _, want := range []string{
		"# HELP groundwork_ingest_chunks_total Chunks by outcome.\n",
		"# TYPE groundwork_ingest_chunks_total counter\n",
		`groundwork_ingest_chunks_total{status="failed"} 1` + "\n" + `groundwork_ingest_chunks_total{status="inserted"} 3`,
		"# TYPE groundwork_retrieval_matches histogram\n",
		`groundwork_retrieval_matches_bucket{le="1",intent="qa"} 1`,
		`groundwork_retrieval_matches_bucket{le="+Inf",intent="qa"} 1`,
		`groundwork_retrieval_matches_count{intent="qa"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q\n%s", want, out)
		}
	}
	if strings.Count(out, "# TYPE groundwork_ingest_chunks_total") != 1 {
		t.Errorf("family rendered twice:\n%s", out)
	}
}

func TestKindConflictPanics(t *testing.T) {
	r := New()
	r.Counter("dup", "")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	r.Gauge("dup", "")
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("hits_total", "").Inc()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") || !strings.Contains(rec.Body.String(), "hits_total 1") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New().Serve(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("serve: %v", err)
	}
}
