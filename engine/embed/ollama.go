package embed

import (
	"context"
	"fmt"

	"github.com/WessleyAI/groundwork/pkg/ollama"
)

// Ollama embeds through a local Ollama server's /api/embed.
type Ollama struct {
	client *ollama.Client
	model  string
}

// NewOllama builds an Ollama provider for model.
func NewOllama(client *ollama.Client, model string) *Ollama {
	if model == "" {
		model = "nomic-embed-text"
	}
	return &Ollama{client: client, model: model}
}

func (o *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := o.client.Embed(ctx, o.model, texts)
	if err != nil {
		return nil, fmt.Errorf("embed: ollama: %w", err)
	}
	return vecs, nil
}
