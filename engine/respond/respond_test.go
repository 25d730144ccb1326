package respond

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/synth"
	"github.com/WessleyAI/groundwork/pkg/metrics"
)

func answer(frags ...synth.Fragment) *synth.Answer {
	ch := make(chan synth.Fragment, len(frags))
	for _, f := range frags {
		ch <- f
	}
	close(ch)
	return &synth.Answer{
		Fragments: ch,
		Citations: []domain.Citation{{ID: "a", Title: "Refund Policy", Similarity: 0.9}},
	}
}

func text(s string) synth.Fragment { return synth.Fragment{Text: s} }

type event struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []event {
	t.Helper()
	var (
		out []event
		cur event
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			out = append(out, cur)
			cur = event{}
		}
	}
	return out
}

func TestForwardTextPreservesOrder(t *testing.T) {
	rec := httptest.NewRecorder()
	reg := metrics.New()
	res, err := NewStreamer(reg).Forward(context.Background(), answer(text("A"), text("B"), text("C")), NewText(rec))
	if err != nil {
		t.Fatal(err)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "ABC\n\n[sources] ") {
		t.Fatalf("unexpected body %q", body)
	}
	suffix := strings.TrimSuffix(strings.TrimPrefix(body, "ABC\n\n[sources] "), "\n")
	var cites []domain.Citation
	if err := json.Unmarshal([]byte(suffix), &cites); err != nil || cites[0].Title != "Refund Policy" {
		t.Fatalf("citation suffix must be parseable JSON, got %q (%v)", suffix, err)
	}
	if res.Fragments != 3 || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(reg.Render(), "groundwork_stream_fragments_total 3") {
		t.Fatalf("expected fragment counter:\n%s", reg.Render())
	}
}

func TestForwardTextErrorMarker(t *testing.T) {
	rec := httptest.NewRecorder()
	upstream := domain.SynthesisError("synth.stream", errors.New("raw upstream 500 body"))
	res, err := NewStreamer(nil).Forward(context.Background(), answer(text("partial"), synth.Fragment{Err: upstream}), NewText(rec))
	if err != nil {
		t.Fatal(err)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "partial\n\n[error] ") {
		t.Fatalf("partial output and error marker expected, got %q", body)
	}
	if strings.Contains(body, "raw upstream") {
		t.Fatal("upstream payload leaked to client")
	}
	if strings.Contains(body, "[sources]") {
		t.Fatal("sources suffix is only written on a normal end")
	}
	if !errors.Is(res.Err, upstream) {
		t.Fatalf("expected upstream error in result, got %v", res.Err)
	}
}

func TestForwardTextNoCitationsNoSuffix(t *testing.T) {
	rec := httptest.NewRecorder()
	ans := answer(text("I don't know."))
	ans.Citations = nil
	NewStreamer(nil).Forward(context.Background(), ans, NewText(rec))
	if rec.Body.String() != "I don't know." {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	ans = answer(text("I don't know."))
	ans.Citations = nil
	ans.Ungrounded, ans.Warning = true, domain.UngroundedWarning
	NewStreamer(nil).Forward(context.Background(), ans, NewText(rec))
	want := "[warning] " + string(domain.UngroundedWarning) + "\n\nI don't know."
	if rec.Body.String() != want {
		t.Fatalf("ungrounded body %q, want %q", rec.Body.String(), want)
	}
}

func TestForwardSSE(t *testing.T) {
	rec := httptest.NewRecorder()
	ans := answer(text("A"), text("B\nC"))
	ans.Warning = domain.UngroundedWarning
	if _, err := NewStreamer(nil).Forward(context.Background(), ans, NewSSE(rec)); err != nil {
		t.Fatal(err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := parseSSE(t, rec.Body.String())
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.name
	}
	if got := strings.Join(names, ","); got != "sources,warning,token,token,done" {
		t.Fatalf("unexpected event sequence %s", got)
	}
	var tok string
	json.Unmarshal([]byte(events[3].data), &tok)
	if tok != "B\nC" {
		t.Fatalf("token must round-trip newlines, got %q", tok)
	}
}

func TestForwardSSEError(t *testing.T) {
	rec := httptest.NewRecorder()
	ans := answer(text("A"), synth.Fragment{Err: domain.SynthesisError("synth.stream", errors.New("reset"))})
	NewStreamer(nil).Forward(context.Background(), ans, NewSSE(rec))

	events := parseSSE(t, rec.Body.String())
	last := events[len(events)-1]
	if last.name != "error" {
		t.Fatalf("expected terminal error event, got %s", last.name)
	}
	var p ErrorPayload
	if err := json.Unmarshal([]byte(last.data), &p); err != nil {
		t.Fatal(err)
	}
	if p.Kind != "synthesis" || p.Where != "synth.stream" || p.Message == "" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestForwardStopsOnCancel(t *testing.T) {
	ch := make(chan synth.Fragment)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewStreamer(nil).Forward(ctx, &synth.Answer{Fragments: ch}, NewText(httptest.NewRecorder()))
	if err != nil || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected cancellation, got %+v, %v", res, err)
	}
}

type failWriter struct{ *httptest.ResponseRecorder }

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestForwardWriteErrorStops(t *testing.T) {
	_, err := NewStreamer(nil).Forward(context.Background(), answer(text("A"), text("B")), NewText(failWriter{httptest.NewRecorder()}))
	if err == nil {
		t.Fatal("expected write error")
	}
}

func TestCollect(t *testing.T) {
	got, err := Collect(context.Background(), answer(text("A"), text("B")))
	if got != "AB" || err != nil {
		t.Fatalf("unexpected %q, %v", got, err)
	}
	boom := errors.New("boom")
	got, err = Collect(context.Background(), answer(text("A"), synth.Fragment{Err: boom}))
	if got != "A" || !errors.Is(err, boom) {
		t.Fatalf("unexpected %q, %v", got, err)
	}
}

func TestParseMode(t *testing.T) {
	if m, _ := ParseMode(""); m != ModeSSE {
		t.Fatalf("expected sse default, got %s", m)
	}
	if _, err := ParseMode("xml"); err == nil {
		t.Fatal("expected error")
	}
}
