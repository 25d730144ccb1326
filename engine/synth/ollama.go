package synth

import (
	"context"

	"github.com/WessleyAI/groundwork/pkg/ollama"
)

// Ollama streams chat completions from a local Ollama server.
type Ollama struct {
	client *ollama.Client
}

// NewOllama wraps an Ollama client.
func NewOllama(client *ollama.Client) *Ollama {
	return &Ollama{client: client}
}

func (o *Ollama) Stream(ctx context.Context, req Request) (Stream, error) {
	msgs := make([]ollama.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ollama.Message{Role: string(m.Role), Content: m.Content}
	}
	s, err := o.client.Chat(ctx, req.Model, msgs, ollama.ChatOptions{
		Temperature: req.Temperature,
		NumPredict:  req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
