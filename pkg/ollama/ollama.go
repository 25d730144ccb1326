// Package ollama is a small client for the Ollama HTTP API: batched
// embeddings and streamed chat completions.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client talks to one Ollama server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets a bearer token (Ollama Cloud).
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for baseURL, e.g. http://localhost:11434.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one embedding per input, in input order.
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	resp, err := c.post(ctx, "/api/embed", embedReq{Model: model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	var out embedResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama embed decode: %w", err)
	}
	return out.Embeddings, nil
}

// Message is a chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions are model sampling options.
type ChatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type chatReq struct {
	Model    string      `json:"model"`
	Messages []Message   `json:"messages"`
	Stream   bool        `json:"stream"`
	Options  ChatOptions `json:"options"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// ChatStream is an NDJSON chat response read one fragment at a time.
type ChatStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	current string
	err     error
	done    bool
}

// Chat starts a streamed chat completion. The stream is bound to ctx.
func (c *Client) Chat(ctx context.Context, model string, msgs []Message, opts ChatOptions) (*ChatStream, error) {
	resp, err := c.post(ctx, "/api/chat", chatReq{Model: model, Messages: msgs, Stream: true, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &ChatStream{body: resp.Body, scanner: sc}, nil
}

// Next advances to the next non-empty fragment.
func (s *ChatStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			s.err = fmt.Errorf("ollama chat decode: %w", err)
			return false
		}
		if chunk.Error != "" {
			s.err = fmt.Errorf("ollama chat: %s", chunk.Error)
			return false
		}
		if chunk.Done {
			s.done = true
			if chunk.Message.Content != "" {
				s.current = chunk.Message.Content
				return true
			}
			return false
		}
		if chunk.Message.Content != "" {
			s.current = chunk.Message.Content
			return true
		}
	}
	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("ollama chat read: %w", err)
		return false
	}
	// Body ended without a done marker.
	s.err = io.ErrUnexpectedEOF
	return false
}

// Current returns the fragment read by the last successful Next.
func (s *ChatStream) Current() string { return s.current }

// Err returns the error that stopped the stream, if any.
func (s *ChatStream) Err() error { return s.err }

// Close releases the underlying connection.
func (s *ChatStream) Close() error { return s.body.Close() }

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// Ping checks the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama ping: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama ping: status %d", resp.StatusCode)
	}
	return nil
}
