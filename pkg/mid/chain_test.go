package mid

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/WessleyAI/groundwork/pkg/resilience"
)

func ok(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) }

func TestChainOrder(t *testing.T) {
	var order []int
	mw := func(n int) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, n)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, 0) }), mw(1), mw(2), mw(3))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if len(order) != 4 || order[0] != 1 || order[2] != 3 || order[3] != 0 {
		t.Fatalf("order = %v", order)
	}
}

func TestTagAndLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	var seen string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("abc"))
	}), Tag(), Logger(log))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/ingest", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	h.ServeHTTP(rec, req)

	if seen != "req-1" || rec.Header().Get(RequestIDHeader) != "req-1" {
		t.Fatalf("request id = %q / %q", seen, rec.Header().Get(RequestIDHeader))
	}
	line := buf.String()
	for _, want := range []string{`"status":202`, `"bytes":3`, `"path":"/api/ingest"`, `"request_id":"req-1"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log missing %s: %s", want, line)
		}
	}
}

func TestTagGeneratesID(t *testing.T) {
	rec := httptest.NewRecorder()
	Tag()(http.HandlerFunc(ok)).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if len(rec.Header().Get(RequestIDHeader)) != 36 {
		t.Fatalf("id = %q", rec.Header().Get(RequestIDHeader))
	}
}

func TestStatusWriterFlushes(t *testing.T) {
	var flushed bool
	h := Logger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f, isFlusher := w.(http.Flusher)
		if !isFlusher {
			t.Fatal("wrapped writer lost http.Flusher")
		}
		w.Write([]byte("event"))
		f.Flush()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	flushed = rec.Flushed
	if !flushed {
		t.Fatal("flush not forwarded")
	}
}

func TestRecover(t *testing.T) {
	h := Recover(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), `"ok":false`) {
		t.Fatalf("code %d body %q", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatal("panic value leaked")
	}
}

func TestCORS(t *testing.T) {
	h := CORS("https://app.test")(http.HandlerFunc(ok))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/chat", nil))
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.test" {
		t.Fatalf("preflight: %d %v", rec.Code, rec.Header())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/chat", nil))
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(resilience.NewKeyedLimiter(resilience.LimiterOpts{Rate: 0.001, Burst: 2}))(http.HandlerFunc(ok))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}

	// Another client has its own bucket.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	h.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("second client code = %d", rec.Code)
	}
}

func TestOTelPassesThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	OTel("groundwork-api")(http.HandlerFunc(ok)).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
