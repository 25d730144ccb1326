package synth

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/WessleyAI/groundwork/engine/domain"
)

// OpenAIConfig configures the chat completion client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// OpenAI streams chat completions through openai-go.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI builds the completer. The SDK's retries are disabled.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, domain.ConfigError("completion.api_key")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...)}, nil
}

func (o *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	s := o.client.Chat.Completions.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		s.Close()
		return nil, err
	}
	return &openAIStream{s: s}, nil
}

func toOpenAIMessages(msgs []domain.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case domain.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

type openAIStream struct {
	s       *ssestream.Stream[openai.ChatCompletionChunk]
	current string
}

func (o *openAIStream) Next() bool {
	for o.s.Next() {
		chunk := o.s.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		o.current = chunk.Choices[0].Delta.Content
		return true
	}
	return false
}

func (o *openAIStream) Current() string { return o.current }
func (o *openAIStream) Err() error      { return o.s.Err() }
func (o *openAIStream) Close() error    { return o.s.Close() }
