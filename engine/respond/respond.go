// Package respond forwards answer fragments to an HTTP client as they
// arrive and closes the response with citations and an end marker.
package respond

import (
	"context"
	"fmt"
	"strings"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/synth"
	"github.com/WessleyAI/groundwork/pkg/metrics"
)

// Mode selects the wire format.
type Mode string

const (
	ModeSSE  Mode = "sse"
	ModeText Mode = "text"
	ModeJSON Mode = "json"
)

// ParseMode validates a configured response mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeSSE, ModeText, ModeJSON:
		return m, nil
	case "":
		return ModeSSE, nil
	}
	return "", fmt.Errorf("respond: unknown mode %q", s)
}

// Encoder writes one streamed answer. Open is called once before any
// Token, Close once after the last.
type Encoder interface {
	Open(citations []domain.Citation, warning domain.Warning) error
	Token(text string) error
	// Close ends the stream. err is nil for a normal end.
	Close(citations []domain.Citation, err error) error
}

// Result summarises a forwarded stream.
type Result struct {
	Fragments int
	// Err is the upstream error that ended the stream, or ctx.Err() if the
	// caller went away.
	Err error
}

// Streamer forwards fragments and records stream metrics.
type Streamer struct {
	fragments *metrics.Counter
	errors    *metrics.Counter
}

// NewStreamer creates a Streamer. reg may be nil.
func NewStreamer(reg *metrics.Registry) *Streamer {
	s := &Streamer{}
	if reg != nil {
		s.fragments = reg.Counter("groundwork_stream_fragments_total", "Answer fragments forwarded to clients.")
		s.errors = reg.Counter("groundwork_stream_errors_total", "Answer streams that ended with an upstream error.")
	}
	return s
}

// Forward writes every fragment of ans to enc in arrival order. It returns
// when the fragment channel closes, an upstream error arrives, the encoder
// fails, or ctx is done. A write error means the client is gone; it is
// returned and nothing more is written.
func (s *Streamer) Forward(ctx context.Context, ans *synth.Answer, enc Encoder) (Result, error) {
	var res Result
	if err := enc.Open(ans.Citations, ans.Warning); err != nil {
		return res, fmt.Errorf("respond: open: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res, nil
		case f, ok := <-ans.Fragments:
			if !ok {
				return res, enc.Close(ans.Citations, nil)
			}
			if f.Err != nil {
				res.Err = f.Err
				if s.errors != nil {
					s.errors.Inc()
				}
				return res, enc.Close(ans.Citations, f.Err)
			}
			if err := enc.Token(f.Text); err != nil {
				return res, fmt.Errorf("respond: write: %w", err)
			}
			res.Fragments++
			if s.fragments != nil {
				s.fragments.Inc()
			}
		}
	}
}

// Collect drains ans into a single string for non-streaming responses.
// Partial text is returned alongside an upstream error.
func Collect(ctx context.Context, ans *synth.Answer) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case f, ok := <-ans.Fragments:
			if !ok {
				return b.String(), nil
			}
			if f.Err != nil {
				return b.String(), f.Err
			}
			b.WriteString(f.Text)
		}
	}
}
