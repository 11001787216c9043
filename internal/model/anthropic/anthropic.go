// ABOUTME: Anthropic Messages API adapter implementing model.Invoker
// ABOUTME: Supports batch completion and incremental streaming via event accumulation

package anthropic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/parleyhq/parley/internal/model"
)

// Invoker wraps the Anthropic Messages API behind the model.Invoker interface
type Invoker struct {
	client *anthropic.Client
	logger *slog.Logger
}

// New creates an Anthropic invoker. An empty apiKey falls back to the SDK's
// environment-based configuration.
func New(apiKey string, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Invoker{
		client: &client,
		logger: logger.With("component", "anthropic"),
	}
}

// NewFromClient creates an invoker from an existing client
func NewFromClient(client *anthropic.Client, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		client: client,
		logger: logger.With("component", "anthropic"),
	}
}

// buildParams converts a normalized request into Messages API parameters.
// System entries are carried separately from the conversation turns.
func buildParams(req model.Request) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam

	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case model.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		Messages:    messages,
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}
	if len(system) > 0 {
		params.System = system
	}
	return params
}

// Complete performs a blocking, non-streaming generation
func (inv *Invoker) Complete(ctx context.Context, req model.Request) (*model.Completion, error) {
	resp, err := inv.client.Messages.New(ctx, buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	return &model.Completion{
		Text: text.String(),
		Usage: model.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// Stream starts an incremental generation and returns its fragment stream
func (inv *Invoker) Stream(ctx context.Context, req model.Request) (model.FragmentStream, error) {
	stream := inv.client.Messages.NewStreaming(ctx, buildParams(req))
	return &fragmentStream{stream: stream}, nil
}

// fragmentStream adapts the SDK's SSE stream to model.FragmentStream.
// Events are accumulated into a message so usage is available at the end.
type fragmentStream struct {
	stream   *ssestream.Stream[anthropic.MessageStreamEventUnion]
	message  anthropic.Message
	fragment string
	accErr   error
}

func (f *fragmentStream) Next() bool {
	for f.stream.Next() {
		event := f.stream.Current()
		if err := f.message.Accumulate(event); err != nil {
			f.accErr = fmt.Errorf("accumulating stream event: %w", err)
			return false
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if deltaVariant.Text != "" {
					f.fragment = deltaVariant.Text
					return true
				}
			}
		}
	}
	return false
}

func (f *fragmentStream) Fragment() string {
	return f.fragment
}

func (f *fragmentStream) Usage() model.Usage {
	return model.Usage{
		PromptTokens:     int(f.message.Usage.InputTokens),
		CompletionTokens: int(f.message.Usage.OutputTokens),
	}
}

func (f *fragmentStream) Err() error {
	if f.accErr != nil {
		return f.accErr
	}
	if err := f.stream.Err(); err != nil {
		return fmt.Errorf("anthropic streaming error: %w", err)
	}
	return nil
}

func (f *fragmentStream) Close() error {
	return f.stream.Close()
}
