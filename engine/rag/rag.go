// Package rag orchestrates a chat request: it routes the latest user
// message to a branch, gathers context for it, and starts the grounded
// answer stream.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/groundwork/engine/assemble"
	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/fetch"
	"github.com/WessleyAI/groundwork/engine/image"
	"github.com/WessleyAI/groundwork/engine/records"
	"github.com/WessleyAI/groundwork/engine/retrieve"
	"github.com/WessleyAI/groundwork/engine/router"
	"github.com/WessleyAI/groundwork/engine/synth"
	"github.com/WessleyAI/groundwork/pkg/fn"
	"github.com/WessleyAI/groundwork/pkg/metrics"
)

// Retriever abstracts the question-answering retrieval step.
type Retriever interface {
	Retrieve(ctx context.Context, question string) (retrieve.Result, error)
}

// Synthesizer abstracts answer generation.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, history []domain.Message, ctxBlock assemble.Context) (*synth.Answer, error)
}

// ImageGenerator serves the image branch.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, size string) (*image.Result, error)
}

// PageFetcher serves the fetch branch.
type PageFetcher interface {
	Target(msg string) (string, error)
	Fetch(ctx context.Context, pageURL string) fn.Result[fetch.Page]
}

// Deps holds the collaborators of a Service. Branch dependencies that are
// nil make their intent fall back to question answering.
type Deps struct {
	Router    *router.Router
	Retriever Retriever
	Synth     Synthesizer
	Images    ImageGenerator
	Fetcher   PageFetcher
	Records   records.Source
	// ContextBudget caps assembled context in runes. Zero uses the
	// assembler default.
	ContextBudget int
	RecordLimit   int
	Metrics       *metrics.Registry
	Logger        *slog.Logger
}

// Reply is the outcome of one request. Exactly one of Answer and Image is
// set.
type Reply struct {
	Intent router.Intent
	Answer *synth.Answer
	Image  *image.Result
}

// Service is the request orchestrator.
type Service struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a Service.
func New(deps Deps) *Service {
	if deps.Router == nil {
		deps.Router = router.Default()
	}
	if deps.ContextBudget == 0 {
		deps.ContextBudget = assemble.DefaultBudget
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, logger: logger}
}

// Ask answers a single question with no history.
func (s *Service) Ask(ctx context.Context, question string) (*Reply, error) {
	return s.Handle(ctx, []domain.Message{{Role: domain.RoleUser, Content: question}})
}

// Handle validates msgs and dispatches the latest user message.
func (s *Service) Handle(ctx context.Context, msgs []domain.Message) (*Reply, error) {
	question, err := domain.ValidateMessages(msgs)
	if err != nil {
		return nil, err
	}

	d := s.deps.Router.Route(question)
	intent := s.available(d.Intent)
	s.count(intent)
	s.logger.Info("rag: request", "intent", intent, "keyword", d.Keyword, "history", len(msgs)-1)

	switch intent {
	case router.Image:
		res, err := s.deps.Images.Generate(ctx, question, "")
		if err != nil {
			return nil, err
		}
		return &Reply{Intent: intent, Image: res}, nil

	case router.Fetch:
		target, err := s.deps.Fetcher.Target(question)
		if errors.Is(err, fetch.ErrNoTarget) {
			s.logger.Info("rag: no fetch target, answering from documents")
			return s.answer(ctx, router.QuestionAnswering, question, msgs)
		}
		if err != nil {
			return nil, err
		}
		page, err := s.deps.Fetcher.Fetch(ctx, target).Unwrap()
		if err != nil {
			return nil, fmt.Errorf("rag: fetch %s: %w", target, err)
		}
		return s.synthesize(ctx, intent, question, msgs, page.Matches())

	case router.StructuredLookup:
		ms, err := records.Lookup(ctx, s.deps.Records, question, s.deps.RecordLimit)
		if err != nil {
			return nil, fmt.Errorf("rag: %w", err)
		}
		return s.synthesize(ctx, intent, question, msgs, ms)

	default:
		return s.answer(ctx, router.QuestionAnswering, question, msgs)
	}
}

func (s *Service) answer(ctx context.Context, intent router.Intent, question string, msgs []domain.Message) (*Reply, error) {
	ret, err := s.deps.Retriever.Retrieve(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("rag: %w", err)
	}
	s.logger.Info("rag: retrieval done", "matches", len(ret.Matches), "grounded", ret.Grounded)
	return s.synthesize(ctx, intent, question, msgs, ret.Matches)
}

func (s *Service) synthesize(ctx context.Context, intent router.Intent, question string, msgs []domain.Message, ms []domain.Match) (*Reply, error) {
	block := assemble.Assemble(ms, s.deps.ContextBudget)
	if block.Dropped > 0 {
		s.logger.Debug("rag: context over budget", "dropped", block.Dropped)
	}
	ans, err := s.deps.Synth.Synthesize(ctx, question, msgs, block)
	if err != nil {
		return nil, err
	}
	return &Reply{Intent: intent, Answer: ans}, nil
}

// available degrades an intent whose branch is not configured.
func (s *Service) available(in router.Intent) router.Intent {
	switch {
	case in == router.Image && s.deps.Images == nil,
		in == router.Fetch && s.deps.Fetcher == nil,
		in == router.StructuredLookup && s.deps.Records == nil:
		return router.QuestionAnswering
	}
	return in
}

func (s *Service) count(in router.Intent) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.Counter(metrics.WithLabels("groundwork_requests_total", "intent", string(in)), "Chat requests by routed intent.").Inc()
}
