// Package fetch answers from a live web page: the URL in the message, or a
// configured default site.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/WessleyAI/groundwork/engine/chunk"
	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/ingest"
	"github.com/WessleyAI/groundwork/pkg/fn"
	"github.com/WessleyAI/groundwork/pkg/resilience"
)

const (
	// DefaultMaxBytes caps how much of a page is read.
	DefaultMaxBytes = 5 * 1024 * 1024
	// DefaultTimeout bounds one page fetch.
	DefaultTimeout = 30 * time.Second
	userAgent      = "groundwork-fetch/1.0"
)

// ErrNoTarget is returned when the message has no URL and no default site
// is configured.
var ErrNoTarget = errors.New("fetch: no url in message and no default site")

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `]+`)

// Config controls fetching.
type Config struct {
	DefaultSite string
	// RatePerSec and Burst limit requests per host.
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
	MaxBytes   int64
}

// Page is a fetched page converted to markdown.
type Page struct {
	URL       string
	Title     string
	Markdown  string
	Truncated bool
}

// Matches splits the page into fixed windows and presents them as
// retrieved chunks, in page order with falling similarity, so the assembler
// keeps the leading blocks when the page is over budget.
func (p Page) Matches() []domain.Match {
	title := p.Title
	if title == "" {
		title = p.URL
	}
	parts, _ := chunk.Fixed(p.Markdown, chunk.DefaultSize, chunk.DefaultOverlap)
	if len(parts) == 0 {
		parts = []string{p.Markdown}
	}
	now := time.Now().UTC()
	out := make([]domain.Match, len(parts))
	for i, part := range parts {
		out[i] = domain.Match{
			Chunk: domain.Chunk{
				ID:         chunk.ID(fmt.Sprintf("fetch:%s-%d", p.URL, i)),
				Index:      i,
				Title:      title,
				Content:    part,
				URL:        p.URL,
				SourceType: domain.SourceWeb,
				IngestedAt: now,
			},
			Similarity: max(1-pageStep*float32(i), 0),
		}
	}
	return out
}

// pageStep is the similarity drop between consecutive page windows.
const pageStep = 0.001

// Fetcher retrieves pages with a per-host rate limit.
type Fetcher struct {
	cfg        Config
	httpClient *http.Client
	limiter    *resilience.KeyedLimiter
	logger     *slog.Logger
}

// New creates a Fetcher. A nil client gets one with cfg.Timeout.
func New(cfg Config, client *http.Client, logger *slog.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		cfg:        cfg,
		httpClient: client,
		limiter:    resilience.NewKeyedLimiter(resilience.LimiterOpts{Rate: cfg.RatePerSec, Burst: cfg.Burst}),
		logger:     logger,
	}
}

// ExtractURL returns the first http(s) URL in msg with trailing
// punctuation removed.
func ExtractURL(msg string) (string, bool) {
	raw := urlPattern.FindString(msg)
	if raw == "" {
		return "", false
	}
	raw = strings.TrimRight(raw, ".,;:!?)]}")
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	return u.String(), true
}

// Target picks the page to fetch for msg.
func (f *Fetcher) Target(msg string) (string, error) {
	if u, ok := ExtractURL(msg); ok {
		return u, nil
	}
	if f.cfg.DefaultSite != "" {
		return f.cfg.DefaultSite, nil
	}
	return "", ErrNoTarget
}

// Fetch downloads pageURL and converts it to markdown.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) fn.Result[Page] {
	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fn.Err[Page](domain.InvalidInput("fetch", fmt.Errorf("invalid url %q", pageURL)))
	}
	if err := f.limiter.Wait(ctx, u.Host); err != nil {
		return fn.Err[Page](domain.RetrievalError("fetch", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fn.Err[Page](domain.RetrievalError("fetch", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fn.Err[Page](domain.RetrievalError("fetch", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Error("fetch: upstream status", "url", u.String(), "status", resp.StatusCode)
		return fn.Err[Page](domain.RetrievalError("fetch", fmt.Errorf("GET %s: status %d", u.Host, resp.StatusCode)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes))
	if err != nil {
		return fn.Err[Page](domain.RetrievalError("fetch", err))
	}
	page := Page{URL: u.String(), Truncated: int64(len(body)) >= f.cfg.MaxBytes}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		doc, err := ingest.LoadHTML(strings.NewReader(string(body)), page.URL, "")
		if err != nil {
			return fn.Err[Page](domain.RetrievalError("fetch", err))
		}
		page.Title, page.Markdown = doc.Title, doc.Content
	} else {
		page.Markdown = strings.TrimSpace(string(body))
	}
	if page.Markdown == "" {
		return fn.Err[Page](domain.RetrievalError("fetch", domain.ErrEmptyContent))
	}

	f.logger.Info("fetch: page", "url", page.URL, "chars", len(page.Markdown), "duration", time.Since(start))
	return fn.Ok(page)
}
