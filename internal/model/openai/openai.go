// ABOUTME: OpenAI Chat Completions adapter implementing model.Invoker
// ABOUTME: Supports batch completion and incremental streaming with usage accounting

package openai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/parleyhq/parley/internal/model"
)

// Invoker wraps the OpenAI Chat Completions API behind the model.Invoker interface
type Invoker struct {
	client *openai.Client
	logger *slog.Logger
}

// New creates an OpenAI invoker. An empty apiKey falls back to the SDK's
// environment-based configuration.
func New(apiKey string, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(clientOpts...)
	return &Invoker{
		client: &client,
		logger: logger.With("component", "openai"),
	}
}

// NewFromClient creates an invoker from an existing client
func NewFromClient(client *openai.Client, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		client: client,
		logger: logger.With("component", "openai"),
	}
}

// buildParams converts a normalized request into Chat Completion parameters
func buildParams(req model.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case model.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	return openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               req.Model,
		Temperature:         openai.Float(req.Temperature),
		MaxCompletionTokens: openai.Int(int64(req.MaxTokens)),
	}
}

// Complete performs a blocking, non-streaming generation
func (inv *Invoker) Complete(ctx context.Context, req model.Request) (*model.Completion, error) {
	resp, err := inv.client.Chat.Completions.New(ctx, buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return &model.Completion{
		Text: resp.Choices[0].Message.Content,
		Usage: model.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// Stream starts an incremental generation and returns its fragment stream
func (inv *Invoker) Stream(ctx context.Context, req model.Request) (model.FragmentStream, error) {
	params := buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := inv.client.Chat.Completions.NewStreaming(ctx, params)
	return &fragmentStream{stream: stream}, nil
}

// fragmentStream adapts the SDK's SSE stream to model.FragmentStream.
// Fragments are pulled one chunk at a time; nothing is read ahead.
type fragmentStream struct {
	stream   *ssestream.Stream[openai.ChatCompletionChunk]
	fragment string
	usage    model.Usage
}

func (f *fragmentStream) Next() bool {
	for f.stream.Next() {
		chunk := f.stream.Current()
		// The usage chunk arrives last with no choices
		if chunk.Usage.TotalTokens > 0 {
			f.usage = model.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				f.fragment = choice.Delta.Content
				return true
			}
		}
	}
	return false
}

func (f *fragmentStream) Fragment() string {
	return f.fragment
}

func (f *fragmentStream) Usage() model.Usage {
	return f.usage
}

func (f *fragmentStream) Err() error {
	if err := f.stream.Err(); err != nil {
		return fmt.Errorf("openai streaming error: %w", err)
	}
	return nil
}

func (f *fragmentStream) Close() error {
	return f.stream.Close()
}
