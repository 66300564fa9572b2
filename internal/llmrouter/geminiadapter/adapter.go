// Package geminiadapter implements llmrouter.Adapter against Google's
// Gemini API via the official genai SDK.
package geminiadapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	genai "google.golang.org/genai"

	"nexus/internal/llmrouter"
	"nexus/internal/observability"
)

// Adapter has no database access; it only translates llmrouter.Request/
// Response to and from Gemini's wire format. A fresh SDK client is built per
// call since the API key varies per request (platform or BYOK).
type Adapter struct {
	baseURL string
}

func New(baseURL string) *Adapter {
	return &Adapter{baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/")}
}

func (a *Adapter) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	cfg := &genai.ClientConfig{APIKey: apiKey, HTTPClient: observability.NewHTTPClient(nil)}
	if a.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: a.baseURL + "/"}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("geminiadapter: init client: %w", err)
	}
	return client, nil
}

// toContents splits a leading system message (if any) into a
// GenerateContentConfig system instruction, since Gemini's content list has
// no "system" role of its own, and converts the rest to user/model turns.
func toContents(msgs []llmrouter.Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	var contents []*genai.Content
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return system, contents
}

func (a *Adapter) config(msgs []llmrouter.Message) (*genai.GenerateContentConfig, []*genai.Content) {
	system, contents := toContents(msgs)
	cfg := &genai.GenerateContentConfig{}
	if system != nil {
		cfg.SystemInstruction = system
	}
	return cfg, contents
}

func (a *Adapter) Generate(ctx context.Context, req llmrouter.Request, apiKey string) (llmrouter.Response, error) {
	client, err := a.client(ctx, apiKey)
	if err != nil {
		return llmrouter.Response{}, err
	}
	cfg, contents := a.config(req.Messages)

	resp, err := client.Models.GenerateContent(ctx, req.ModelName, contents, cfg)
	if err != nil {
		return llmrouter.Response{}, translateError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llmrouter.Response{}, fmt.Errorf("geminiadapter: no candidates in response")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	usage := llmrouter.Usage{}
	if resp.UsageMetadata != nil {
		usage = llmrouter.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return llmrouter.Response{Content: text.String(), Usage: usage}, nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req llmrouter.Request, apiKey string, onChunk func(llmrouter.Chunk) error) error {
	client, err := a.client(ctx, apiKey)
	if err != nil {
		return err
	}
	cfg, contents := a.config(req.Messages)

	var usage llmrouter.Usage
	for resp, err := range client.Models.GenerateContentStream(ctx, req.ModelName, contents, cfg) {
		if err != nil {
			return translateError(err)
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
			var delta strings.Builder
			for _, part := range resp.Candidates[0].Content.Parts {
				delta.WriteString(part.Text)
			}
			if delta.Len() > 0 {
				if err := onChunk(llmrouter.Chunk{Delta: delta.String()}); err != nil {
					return err
				}
			}
		}
		if resp.UsageMetadata != nil {
			usage = llmrouter.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
	}
	return onChunk(llmrouter.Chunk{Done: true, Usage: usage})
}

func translateError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llmrouter.AdapterHTTPError{
			StatusCode: apiErr.Code,
			Body: map[string]any{
				"error": map[string]any{
					"message": apiErr.Message,
					"status":  apiErr.Status,
				},
			},
		}
	}
	return err
}
