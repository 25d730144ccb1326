// Package synth produces a streamed answer from a completion service. The
// answer is grounded in the assembled context, or flagged ungrounded when
// there is none.
package synth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/groundwork/engine/assemble"
	"github.com/WessleyAI/groundwork/engine/domain"
)

// Request is one streamed completion call.
type Request struct {
	Messages []domain.Message
	Model    string
	// Temperature is sent when non-nil, including an explicit 0.
	Temperature *float64
	MaxTokens   int
}

// Stream is a pull-based fragment stream. Close releases the upstream
// connection and may be called before the stream is drained.
type Stream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// Completer starts streamed completions.
type Completer interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Fragment is one piece of answer text. A fragment with Err set is the
// last one sent and means the stream ended because of an upstream error.
type Fragment struct {
	Text string
	Err  error
}

// Answer is a streamed answer plus its metadata. Fragments is closed when
// the answer is complete, failed, or ctx was cancelled.
type Answer struct {
	Fragments  <-chan Fragment
	Citations  []domain.Citation
	Ungrounded bool
	Warning    domain.Warning
}

// Options configures a Synthesizer.
type Options struct {
	Mode  PromptMode
	Model string
	// Temperature nil leaves sampling to the model default.
	Temperature *float64
	MaxTokens   int
	// StrictGrounding answers NotFoundAnswer without calling the model
	// when there is no context.
	StrictGrounding bool
}

// DefaultOptions matches the original chat route.
func DefaultOptions() Options {
	t := 0.2
	return Options{Mode: ModeConversation, Model: "gpt-4", Temperature: &t, MaxTokens: 1024}
}

// Synthesizer builds prompts and streams completions.
type Synthesizer struct {
	completer Completer
	opts      Options
	logger    *slog.Logger
}

// New creates a Synthesizer.
func New(c Completer, opts Options, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = ModeConversation
	}
	return &Synthesizer{completer: c, opts: opts, logger: logger}
}

// Synthesize starts a completion for question over ctxBlock. The returned
// error covers failures before the first fragment; later failures arrive
// as a final Fragment with Err set.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, history []domain.Message, ctxBlock assemble.Context) (*Answer, error) {
	ans := &Answer{Citations: ctxBlock.Citations}
	if ctxBlock.Empty() {
		ans.Ungrounded = true
		ans.Warning = domain.UngroundedWarning
		ans.Citations = nil
	}

	if ans.Ungrounded && s.opts.StrictGrounding {
		ch := make(chan Fragment, 1)
		ch <- Fragment{Text: NotFoundAnswer}
		close(ch)
		ans.Fragments = ch
		return ans, nil
	}

	req := Request{
		Messages:    BuildMessages(s.opts.Mode, ctxBlock.Text, question, history),
		Model:       s.opts.Model,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	}
	stream, err := s.completer.Stream(ctx, req)
	if err != nil {
		s.logger.Error("completion request failed", "where", "synth.request", "err", err)
		return nil, domain.SynthesisError("synth.request", fmt.Errorf("synth: start stream: %w", err))
	}

	ch := make(chan Fragment)
	ans.Fragments = ch
	go s.pump(ctx, stream, ch)
	return ans, nil
}

// pump is the single producer. It stops reading upstream as soon as ctx is
// done, and always closes both the stream and ch.
func (s *Synthesizer) pump(ctx context.Context, stream Stream, ch chan<- Fragment) {
	defer close(ch)
	defer stream.Close()

	for stream.Next() {
		text := stream.Current()
		if text == "" {
			continue
		}
		select {
		case ch <- Fragment{Text: text}:
		case <-ctx.Done():
			return
		}
	}
	err := stream.Err()
	if err == nil || ctx.Err() != nil {
		return
	}
	s.logger.Error("completion stream failed", "where", "synth.stream", "err", err)
	select {
	case ch <- Fragment{Err: domain.SynthesisError("synth.stream", err)}:
	case <-ctx.Done():
	}
}
