package respond

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/WessleyAI/groundwork/engine/domain"
)

type flusher interface{ Flush() }

func flush(w io.Writer) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}

// ErrorPayload is the error body shared by every response mode.
type ErrorPayload struct {
	Where   string `json:"where"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewErrorPayload maps err to its public form. Upstream details stay out.
func NewErrorPayload(err error) ErrorPayload {
	return ErrorPayload{
		Where:   domain.WhereOf(err),
		Kind:    string(domain.KindOf(err)),
		Message: domain.PublicMessage(err),
	}
}

// SSE writes server-sent events: sources, an optional warning, one token
// event per fragment, then either error or done.
type SSE struct {
	w io.Writer
}

// NewSSE sets the event-stream headers on w.
func NewSSE(w http.ResponseWriter) *SSE {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSE{w: w}
}

func (s *SSE) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	flush(s.w)
	return nil
}

func (s *SSE) Open(citations []domain.Citation, warning domain.Warning) error {
	if citations == nil {
		citations = []domain.Citation{}
	}
	if err := s.event("sources", citations); err != nil {
		return err
	}
	if warning != "" {
		return s.event("warning", map[string]string{"warning": string(warning)})
	}
	return nil
}

func (s *SSE) Token(text string) error { return s.event("token", text) }

func (s *SSE) Close(_ []domain.Citation, err error) error {
	if err != nil {
		return s.event("error", NewErrorPayload(err))
	}
	return s.event("done", struct{}{})
}

// Text writes fragments as a plain body. A normal end appends
// "\n\n[sources] <json>\n" when there are citations; an upstream failure
// appends "\n\n[error] <message>\n" instead.
type Text struct {
	w io.Writer
}

// NewText sets a plain-text content type on w.
func NewText(w http.ResponseWriter) *Text {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	return &Text{w: w}
}

// Open writes a "[warning] ..." line ahead of the answer when it is
// ungrounded.
func (t *Text) Open(_ []domain.Citation, warning domain.Warning) error {
	if warning == "" {
		return nil
	}
	_, err := fmt.Fprintf(t.w, "[warning] %s\n\n", warning)
	return err
}

func (t *Text) Token(text string) error {
	if _, err := io.WriteString(t.w, text); err != nil {
		return err
	}
	flush(t.w)
	return nil
}

func (t *Text) Close(citations []domain.Citation, err error) error {
	var werr error
	switch {
	case err != nil:
		_, werr = fmt.Fprintf(t.w, "\n\n[error] %s\n", domain.PublicMessage(err))
	case len(citations) > 0:
		data, merr := json.Marshal(citations)
		if merr != nil {
			return merr
		}
		_, werr = fmt.Fprintf(t.w, "\n\n[sources] %s\n", data)
	}
	flush(t.w)
	return werr
}

// JSONAnswer is the body of a non-streaming answer.
type JSONAnswer struct {
	Answer  string            `json:"answer"`
	Sources []domain.Citation `json:"sources"`
	Warning string            `json:"warning,omitempty"`
	Error   *ErrorPayload     `json:"error,omitempty"`
}
