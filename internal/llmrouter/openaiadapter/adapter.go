// Package openaiadapter implements llmrouter.Adapter against OpenAI's Chat
// Completions API via the official SDK.
package openaiadapter

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"nexus/internal/llmrouter"
	"nexus/internal/observability"
)

// Adapter has no database access and knows nothing about key modes, rate
// limits, or idempotency; it only translates llmrouter.Request/Response to
// and from OpenAI's wire format. A fresh SDK client is built per call since
// the API key varies per request (platform key or per-user BYOK key).
type Adapter struct {
	baseURL string
}

func New(baseURL string) *Adapter {
	return &Adapter{baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/")}
}

func (a *Adapter) client(apiKey string) sdk.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(observability.NewHTTPClient(nil)),
	}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}
	return sdk.NewClient(opts...)
}

func toParams(req llmrouter.Request) sdk.ChatCompletionNewParams {
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, sdk.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, sdk.AssistantMessage(m.Content))
		default:
			messages = append(messages, sdk.UserMessage(m.Content))
		}
	}
	return sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(req.ModelName),
		Messages: messages,
	}
}

func (a *Adapter) Generate(ctx context.Context, req llmrouter.Request, apiKey string) (llmrouter.Response, error) {
	client := a.client(apiKey)
	resp, err := client.Chat.Completions.New(ctx, toParams(req))
	if err != nil {
		return llmrouter.Response{}, translateError(err)
	}
	if len(resp.Choices) == 0 {
		return llmrouter.Response{}, errors.New("openai: no choices in response")
	}
	return llmrouter.Response{
		Content: resp.Choices[0].Message.Content,
		Usage: llmrouter.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		ProviderRequestID: resp.ID,
	}, nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req llmrouter.Request, apiKey string, onChunk func(llmrouter.Chunk) error) error {
	client := a.client(apiKey)
	stream := client.Chat.Completions.NewStreaming(ctx, toParams(req))
	defer stream.Close()

	var requestID string
	var usage llmrouter.Usage

	for stream.Next() {
		chunk := stream.Current()
		if requestID == "" {
			requestID = chunk.ID
		}
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				if err := onChunk(llmrouter.Chunk{Delta: delta, ProviderRequestID: requestID}); err != nil {
					return err
				}
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = llmrouter.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
	}
	if err := stream.Err(); err != nil {
		return translateError(err)
	}
	return onChunk(llmrouter.Chunk{Done: true, Usage: usage, ProviderRequestID: requestID})
}

// translateError converts an SDK error into *llmrouter.AdapterHTTPError when
// it carries an HTTP status, so the router's central classifier can
// normalize it; anything else passes through for timeout/network handling.
func translateError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &llmrouter.AdapterHTTPError{StatusCode: apiErr.StatusCode, Body: parseErrorBody(apiErr)}
	}
	return err
}

func parseErrorBody(apiErr *sdk.Error) map[string]any {
	body := map[string]any{
		"error": map[string]any{
			"message": apiErr.Message,
			"code":    apiErr.Code,
		},
	}
	return body
}
