// Package image generates images guided by the closest reference document.
package image

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/retrieve"
)

// Defaults of the image branch.
const (
	DefaultThreshold = 0.7
	DefaultCount     = 1
	DefaultModel     = "dall-e-3"
	DefaultSize      = "1024x1024"
)

// Generator calls an image model and returns image URLs.
type Generator interface {
	Generate(ctx context.Context, prompt, size string) ([]string, error)
}

// Retriever finds reference documents for a prompt.
type Retriever interface {
	Retrieve(ctx context.Context, question string) (retrieve.Result, error)
}

// RetrievalOptions is the retrieval configuration of the image branch.
func RetrievalOptions() retrieve.Options {
	return retrieve.Options{Threshold: DefaultThreshold, Count: DefaultCount, SearchTimeout: 5 * time.Second}
}

// Result is a generated image set.
type Result struct {
	URLs      []string          `json:"urls"`
	Citations []domain.Citation `json:"sources,omitempty"`
	Warning   domain.Warning    `json:"warning,omitempty"`
}

// Service runs retrieve, prompt, generate.
type Service struct {
	retriever Retriever
	gen       Generator
	size      string
	logger    *slog.Logger
}

// New creates a Service. An empty size uses DefaultSize.
func New(r Retriever, g Generator, size string, logger *slog.Logger) *Service {
	if size == "" {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{retriever: r, gen: g, size: size, logger: logger}
}

// Generate produces images for prompt. size overrides the default when set.
func (s *Service) Generate(ctx context.Context, prompt, size string) (*Result, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, domain.InvalidInput("route", fmt.Errorf("missing or invalid prompt"))
	}
	if size == "" {
		size = s.size
	}

	ret, err := s.retriever.Retrieve(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}

	res := &Result{Warning: ret.Warning}
	reference := ""
	if len(ret.Matches) > 0 {
		m := ret.Matches[0]
		reference = m.Content
		res.Citations = []domain.Citation{{ID: m.ID, Title: m.Title, URL: m.URL, Similarity: m.Similarity}}
	}

	urls, err := s.gen.Generate(ctx, BuildPrompt(prompt, reference), size)
	if err != nil {
		s.logger.Error("image: generate failed", "err", err)
		return nil, domain.SynthesisError("image.generate", err)
	}
	if len(urls) == 0 {
		return nil, domain.SynthesisError("image.generate", fmt.Errorf("no image returned"))
	}
	res.URLs = urls
	s.logger.Info("image: generated", "grounded", reference != "", "images", len(urls))
	return res, nil
}
