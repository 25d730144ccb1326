package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/WessleyAI/groundwork/engine/chunk"
	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/embed"
	"github.com/WessleyAI/groundwork/engine/image"
	"github.com/WessleyAI/groundwork/engine/ingest"
	"github.com/WessleyAI/groundwork/engine/rag"
	"github.com/WessleyAI/groundwork/engine/respond"
	"github.com/WessleyAI/groundwork/engine/store"
	"github.com/WessleyAI/groundwork/engine/synth"
	"github.com/WessleyAI/groundwork/pkg/config"
	"github.com/WessleyAI/groundwork/pkg/metrics"
)

const (
	maxJSONBody = 2 << 20
	maxPDFBody  = 20 << 20
)

// chatService is the part of rag.Service the handlers use.
type chatService interface {
	Handle(ctx context.Context, msgs []domain.Message) (*rag.Reply, error)
}

type ingestService interface {
	Ingest(ctx context.Context, job ingest.Job) (ingest.Report, error)
}

type imageService interface {
	Generate(ctx context.Context, prompt, size string) (*image.Result, error)
}

type server struct {
	rag      chatService
	ingester ingestService
	images   imageService
	embedder embed.Embedder
	store    store.Store
	streamer *respond.Streamer
	mode     respond.Mode
	cfg      *config.Config
	reg      *metrics.Registry
	logger   *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("POST /api/ingest/pdf", s.handleIngestPDF)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.Handle("GET /metrics", s.reg.Handler())
	return mux
}

// --- Responses ---

type errorBody struct {
	OK    bool                 `json:"ok"`
	Error respond.ErrorPayload `json:"error"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindEmbedding, domain.KindRetrieval, domain.KindSynthesis:
		return http.StatusBadGateway
	case domain.KindIngestionPartial:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "where", domain.WhereOf(err), "kind", domain.KindOf(err), "err", err)
	}
	writeJSON(w, status, errorBody{Error: respond.NewErrorPayload(err)})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return domain.InvalidInput("route", errors.New("invalid JSON body"))
	}
	return nil
}

// --- Chat ---

// ChatRequest is the body of POST /api/chat. Messages wins over Question.
type ChatRequest struct {
	Messages []domain.Message `json:"messages,omitempty"`
	Question string           `json:"question,omitempty"`
	Mode     string           `json:"mode,omitempty"`
}

func (req ChatRequest) conversation() []domain.Message {
	if len(req.Messages) > 0 {
		return req.Messages
	}
	return []domain.Message{{Role: domain.RoleUser, Content: req.Question}}
}

// ImageReply is the chat answer of the image branch.
type ImageReply struct {
	OK       bool              `json:"ok"`
	ImageURL string            `json:"image_url"`
	URLs     []string          `json:"urls"`
	Sources  []domain.Citation `json:"sources,omitempty"`
	Warning  string            `json:"warning,omitempty"`
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	mode := s.mode
	if m := firstNonEmpty(r.URL.Query().Get("mode"), req.Mode); m != "" {
		parsed, err := respond.ParseMode(m)
		if err != nil {
			s.writeError(w, domain.InvalidInput("route", err))
			return
		}
		mode = parsed
	}

	reply, err := s.rag.Handle(r.Context(), req.conversation())
	if err != nil {
		s.writeError(w, err)
		return
	}

	if reply.Image != nil {
		body := ImageReply{OK: true, URLs: reply.Image.URLs, Sources: reply.Image.Citations, Warning: string(reply.Image.Warning)}
		if len(body.URLs) > 0 {
			body.ImageURL = body.URLs[0]
		}
		writeJSON(w, http.StatusOK, body)
		return
	}

	ans := reply.Answer
	switch mode {
	case respond.ModeJSON:
		text, err := respond.Collect(r.Context(), ans)
		body := respond.JSONAnswer{Answer: text, Sources: ans.Citations, Warning: string(ans.Warning)}
		if body.Sources == nil {
			body.Sources = []domain.Citation{}
		}
		status := http.StatusOK
		if err != nil {
			p := respond.NewErrorPayload(err)
			body.Error = &p
			status = statusFor(err)
			s.logger.Error("answer stream failed", "where", p.Where, "err", err)
		}
		writeJSON(w, status, body)
		return
	case respond.ModeText:
		s.forward(r.Context(), ans, respond.NewText(w))
	default:
		s.forward(r.Context(), ans, respond.NewSSE(w))
	}
}

func (s *server) forward(ctx context.Context, ans *synth.Answer, enc respond.Encoder) {
	res, err := s.streamer.Forward(ctx, ans, enc)
	switch {
	case err != nil:
		s.logger.Warn("client went away", "err", err, "fragments", res.Fragments)
	case res.Err != nil && !errors.Is(res.Err, context.Canceled):
		s.logger.Error("answer stream failed", "where", domain.WhereOf(res.Err), "err", res.Err, "fragments", res.Fragments)
	}
}

// --- Ingest ---

// IngestRequest is the manual ingestion envelope.
type IngestRequest struct {
	ID         string           `json:"id,omitempty"`
	Title      string           `json:"title"`
	Content    string           `json:"content"`
	SourceType string           `json:"source_type,omitempty"`
	URL        string           `json:"url,omitempty"`
	Mode       string           `json:"mode,omitempty"`
	Sections   []domain.Section `json:"sections,omitempty"`
}

func (req IngestRequest) job() (ingest.Job, error) {
	job := ingest.Job{Document: domain.Document{
		ID:         req.ID,
		Title:      req.Title,
		Content:    req.Content,
		SourceType: req.SourceType,
		URL:        req.URL,
		Sections:   req.Sections,
	}}
	switch chunk.Mode(req.Mode) {
	case "":
	case chunk.ModeFixed, chunk.ModeSections:
		job.Mode = chunk.Mode(req.Mode)
	default:
		return job, domain.InvalidInput("route", errors.New(`mode must be "fixed" or "sections"`))
	}
	return job, nil
}

// FailedChunk is one entry of a partial failure response.
type FailedChunk struct {
	ID      string `json:"id"`
	Where   string `json:"where"`
	Message string `json:"message"`
}

// IngestResponse is the body of the ingest endpoints.
type IngestResponse struct {
	OK       bool                  `json:"ok"`
	DocID    string                `json:"doc_id,omitempty"`
	Inserted int                   `json:"inserted"`
	Error    *respond.ErrorPayload `json:"error,omitempty"`
	Failed   []FailedChunk         `json:"failed,omitempty"`
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	job, err := req.job()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ingest(r.Context(), w, job)
}

func (s *server) handleIngestPDF(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPDFBody)
	if err := r.ParseMultipartForm(maxPDFBody); err != nil {
		s.writeError(w, domain.InvalidInput("route", errors.New("expected a multipart form with a file field")))
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, domain.InvalidInput("route", errors.New("missing file field")))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		s.writeError(w, domain.InvalidInput("route", errors.New("could not read upload")))
		return
	}
	title := firstNonEmpty(r.FormValue("title"), strings.TrimSuffix(hdr.Filename, ".pdf"))
	doc, err := ingest.LoadPDF(bytes.NewReader(data), int64(len(data)), title)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.ingest(r.Context(), w, ingest.Job{Document: doc, Mode: chunk.ModeFixed})
}

func (s *server) ingest(ctx context.Context, w http.ResponseWriter, job ingest.Job) {
	start := time.Now()
	rep, err := s.ingester.Ingest(ctx, job)

	var pf *domain.PartialFailure
	switch {
	case errors.As(err, &pf):
		p := respond.NewErrorPayload(err)
		body := IngestResponse{DocID: rep.DocID, Inserted: rep.Inserted, Error: &p}
		for _, f := range pf.Failures {
			body.Failed = append(body.Failed, FailedChunk{ID: f.ID, Where: f.Where, Message: domain.PublicMessage(f.Err)})
		}
		s.logger.Warn("ingest partially failed", "doc_id", rep.DocID, "inserted", rep.Inserted, "failed", len(pf.Failures))
		writeJSON(w, http.StatusMultiStatus, body)
	case err != nil:
		s.writeError(w, err)
	default:
		s.logger.Info("ingested", "doc_id", rep.DocID, "inserted", rep.Inserted, "duration", time.Since(start))
		writeJSON(w, http.StatusOK, IngestResponse{OK: true, DocID: rep.DocID, Inserted: rep.Inserted})
	}
}

// --- Generate ---

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
}

// GenerateResponse is the body of a successful generation.
type GenerateResponse struct {
	OK      bool              `json:"ok"`
	URLs    []string          `json:"urls"`
	Sources []domain.Citation `json:"sources,omitempty"`
	Warning string            `json:"warning,omitempty"`
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.images == nil {
		s.writeError(w, domain.ConfigError("image.api_key"))
		return
	}
	var req GenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.images.Generate(r.Context(), req.Prompt, req.Size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateResponse{OK: true, URLs: res.URLs, Sources: res.Citations, Warning: string(res.Warning)})
}

// --- Health ---

// HealthResponse reports credential presence and live checks.
type HealthResponse struct {
	OK     bool              `json:"ok"`
	Config map[string]bool   `json:"config"`
	Checks map[string]string `json:"checks"`
	Chunks int               `json:"chunks"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	resp := HealthResponse{
		OK: true,
		Config: map[string]bool{
			"embedding.api_key":  s.cfg.Embedding.Provider != config.ProviderOpenAI || s.cfg.Embedding.APIKey != "",
			"completion.api_key": s.cfg.Completion.Provider != config.ProviderOpenAI || s.cfg.Completion.APIKey != "",
			"image.api_key":      s.cfg.Image.APIKey != "",
			"store":              s.store != nil,
		},
		Checks: map[string]string{},
	}
	check := func(name string, err error) {
		if err != nil {
			resp.OK = false
			resp.Checks[name] = "error: " + domain.PublicMessage(err)
			s.logger.Error("health check failed", "check", name, "err", err)
			return
		}
		resp.Checks[name] = "ok"
	}

	_, err := s.embedder.Embed(ctx, []string{"ping"})
	check("embedding", err)

	n, err := s.store.Count(ctx)
	if err != nil {
		err = domain.RetrievalError("store.count", err)
	}
	check("store", err)
	resp.Chunks = n

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
