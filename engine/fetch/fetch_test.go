package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/WessleyAI/groundwork/engine/chunk"
	"github.com/WessleyAI/groundwork/engine/domain"
)

func TestExtractURL(t *testing.T) {
	cases := []struct {
		msg  string
		want string
		ok   bool
	}{
		{"scrape https://example.com/docs.", "https://example.com/docs", true},
		{"see (http://a.test/x?y=1)", "http://a.test/x?y=1", true},
		{"what does the website say?", "", false},
		{"ftp://nope.test", "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractURL(tc.msg)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ExtractURL(%q) = %q, %v; want %q, %v", tc.msg, got, ok, tc.want, tc.ok)
		}
	}
}

func TestTarget(t *testing.T) {
	f := New(Config{DefaultSite: "https://default.test"}, nil, nil)
	if got, _ := f.Target("fetch https://x.test/a"); got != "https://x.test/a" {
		t.Fatalf("target = %q", got)
	}
	if got, _ := f.Target("what does the website say"); got != "https://default.test" {
		t.Fatalf("default target = %q", got)
	}
	if _, err := New(Config{}, nil, nil).Target("website"); err != ErrNoTarget {
		t.Fatalf("err = %v", err)
	}
}

func TestFetchHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Shop Hours</title></head><body><p>Open <b>9 to 5</b>.</p></body></html>`))
	}))
	defer srv.Close()

	f := New(Config{RatePerSec: 100, Burst: 10}, srv.Client(), nil)
	page, err := f.Fetch(context.Background(), srv.URL+"/hours").Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	if page.Title != "Shop Hours" || !strings.Contains(page.Markdown, "**9 to 5**") {
		t.Fatalf("page = %+v", page)
	}

	ms := page.Matches()
	if len(ms) != 1 {
		t.Fatalf("matches = %d, want 1", len(ms))
	}
	if m := ms[0]; m.URL != srv.URL+"/hours" || m.Title != "Shop Hours" || m.Similarity != 1 || m.ID == "" {
		t.Fatalf("match = %+v", m)
	}
}

func TestFetchPlainTextTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("z", 100)))
	}))
	defer srv.Close()

	f := New(Config{MaxBytes: 10}, srv.Client(), nil)
	page, err := f.Fetch(context.Background(), srv.URL).Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Markdown) != 10 || !page.Truncated {
		t.Fatalf("page = %+v", page)
	}
	if page.Matches()[0].Title != srv.URL {
		t.Fatalf("untitled page should be cited by url")
	}
}

func TestPageMatchesSplitsLongPage(t *testing.T) {
	page := Page{URL: "https://shop.test", Title: "Shop", Markdown: strings.Repeat("y", 2500)}
	ms := page.Matches()
	if len(ms) != 3 {
		t.Fatalf("matches = %d, want 3", len(ms))
	}
	for i, m := range ms {
		if m.Index != i || m.URL != page.URL || m.Title != "Shop" {
			t.Errorf("match %d = %+v", i, m.Chunk)
		}
		if i > 0 && (m.Similarity >= ms[i-1].Similarity || m.ID == ms[i-1].ID) {
			t.Errorf("match %d not ranked below match %d", i, i-1)
		}
	}
	if l := len([]rune(ms[0].Content)); l != chunk.DefaultSize {
		t.Errorf("first window = %d runes", l)
	}
}

func TestFetchUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "secret upstream detail", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(Config{}, srv.Client(), nil).Fetch(context.Background(), srv.URL).Unwrap()
	if domain.KindOf(err) != domain.KindRetrieval || domain.WhereOf(err) != "fetch" {
		t.Fatalf("err = %v", err)
	}
	if strings.Contains(domain.PublicMessage(err), "secret") {
		t.Fatal("upstream body leaked into public message")
	}
}

func TestFetchRejectsBadURL(t *testing.T) {
	_, err := New(Config{}, nil, nil).Fetch(context.Background(), "file:///etc/passwd").Unwrap()
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("err = %v", err)
	}
}
