// Package anthropicadapter implements llmrouter.Adapter against Anthropic's
// Messages API via the official SDK.
package anthropicadapter

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"nexus/internal/llmrouter"
	"nexus/internal/observability"
)

const defaultMaxTokens int64 = 4096

// Adapter has no database access; it only translates llmrouter.Request/
// Response to and from Anthropic's wire format. A fresh SDK client is built
// per call since the API key varies per request (platform or BYOK).
type Adapter struct {
	baseURL string
}

func New(baseURL string) *Adapter {
	return &Adapter{baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/")}
}

func (a *Adapter) client(apiKey string) anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(observability.NewHTTPClient(nil)),
	}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}
	return anthropic.NewClient(opts...)
}

// splitSystem separates the system message (Nexus prompts always put the
// system instructions first; the rendered context travels as a user
// message) from the turn messages Anthropic models as its Messages list.
func splitSystem(msgs []llmrouter.Message) (string, []anthropic.MessageParam) {
	var system strings.Builder
	var out []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system.String(), out
}

func (a *Adapter) params(req llmrouter.Request) anthropic.MessageNewParams {
	system, messages := splitSystem(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.ModelName),
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

func (a *Adapter) Generate(ctx context.Context, req llmrouter.Request, apiKey string) (llmrouter.Response, error) {
	client := a.client(apiKey)
	resp, err := client.Messages.New(ctx, a.params(req))
	if err != nil {
		return llmrouter.Response{}, translateError(err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return llmrouter.Response{
		Content: content.String(),
		Usage: llmrouter.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
		ProviderRequestID: resp.ID,
	}, nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req llmrouter.Request, apiKey string, onChunk func(llmrouter.Chunk) error) error {
	client := a.client(apiKey)
	stream := client.Messages.NewStreaming(ctx, a.params(req))
	defer stream.Close()

	var requestID string
	var usage llmrouter.Usage

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			if msg := event.Message; msg.ID != "" {
				requestID = msg.ID
				usage.PromptTokens = int(msg.Usage.InputTokens)
			}
		case "content_block_delta":
			if text := event.Delta.Text; text != "" {
				if err := onChunk(llmrouter.Chunk{Delta: text, ProviderRequestID: requestID}); err != nil {
					return err
				}
			}
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(event.Usage.OutputTokens)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return translateError(err)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return onChunk(llmrouter.Chunk{Done: true, Usage: usage, ProviderRequestID: requestID})
}

func translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &llmrouter.AdapterHTTPError{
			StatusCode: apiErr.StatusCode,
			Body: map[string]any{
				"error": map[string]any{
					"type":    string(apiErr.Type),
					"message": apiErr.Message,
				},
			},
		}
	}
	return err
}
