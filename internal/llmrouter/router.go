package llmrouter

import (
	"context"
	"errors"
	"net"
	"time"

	"nexus/internal/nexuserr"
	"nexus/internal/observability"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 45 * time.Second

// Router dispatches generation requests to the adapter registered for a
// provider, enforcing the provider enable/disable flags and normalizing
// every adapter error into the shared nexuserr taxonomy before it reaches a
// caller. It also emits the llm.request.started/finished/failed log events
// every call passes through.
type Router struct {
	adapters map[string]Adapter
	enabled  map[string]bool
}

func New() *Router {
	return &Router{
		adapters: make(map[string]Adapter),
		enabled:  make(map[string]bool),
	}
}

// Register wires an adapter for provider and sets its enabled flag. Called
// once at startup per configured provider.
func (r *Router) Register(provider string, adapter Adapter, enabled bool) {
	r.adapters[provider] = adapter
	r.enabled[provider] = enabled
}

// IsProviderAvailable reports whether provider is both known and enabled.
func (r *Router) IsProviderAvailable(provider string) bool {
	a, ok := r.adapters[provider]
	return ok && a != nil && r.enabled[provider]
}

func (r *Router) resolve(provider string) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, nexuserr.New(nexuserr.CodeModelNotAvailable, "unknown provider: "+provider)
	}
	if !r.enabled[provider] {
		return nil, nexuserr.New(nexuserr.CodeModelNotAvailable, "provider "+provider+" is disabled")
	}
	return a, nil
}

// Generate performs a non-streaming call against provider, logging the
// request/finished/failed lifecycle events and normalizing any error.
func (r *Router) Generate(ctx context.Context, provider string, req Request, apiKey string, keyMode string, callCtx CallContext) (Response, error) {
	adapter, err := r.resolve(provider)
	if err != nil {
		return Response{}, err
	}
	logger := observability.LoggerWithTrace(ctx)
	baseFields := baseLogFields(provider, req.ModelName, keyMode, false, callCtx)

	logger.Info().Fields(baseFields).Msg("llm.request.started")

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	resp, err := adapter.Generate(ctx, req, apiKey)
	latencyMs := time.Since(start).Milliseconds()

	if err != nil {
		code := normalizeAdapterError(provider, err)
		logger.Error().Fields(baseFields).
			Str("outcome", "error").
			Str("error_class", string(code)).
			Int64("latency_ms", latencyMs).
			Msg("llm.request.failed")
		return Response{}, nexuserr.New(code, "llm call failed: "+err.Error())
	}

	logger.Info().Fields(baseFields).
		Str("outcome", "success").
		Int64("latency_ms", latencyMs).
		Int("tokens_input", resp.Usage.PromptTokens).
		Int("tokens_output", resp.Usage.CompletionTokens).
		Int("tokens_total", resp.Usage.TotalTokens).
		Str("provider_request_id", resp.ProviderRequestID).
		Msg("llm.request.finished")

	return resp, nil
}

// GenerateStream performs a streaming call, invoking onChunk for every
// increment including the terminal chunk, emitting the same lifecycle
// events as Generate around the whole stream.
func (r *Router) GenerateStream(ctx context.Context, provider string, req Request, apiKey string, keyMode string, callCtx CallContext, onChunk func(Chunk) error) error {
	adapter, err := r.resolve(provider)
	if err != nil {
		return err
	}
	logger := observability.LoggerWithTrace(ctx)
	baseFields := baseLogFields(provider, req.ModelName, keyMode, true, callCtx)

	logger.Info().Fields(baseFields).Msg("llm.request.started")

	start := time.Now()

	streamErr := adapter.GenerateStream(ctx, req, apiKey, func(c Chunk) error {
		if c.Done {
			latencyMs := time.Since(start).Milliseconds()
			logger.Info().Fields(baseFields).
				Str("outcome", "success").
				Int64("latency_ms", latencyMs).
				Int("tokens_input", c.Usage.PromptTokens).
				Int("tokens_output", c.Usage.CompletionTokens).
				Int("tokens_total", c.Usage.TotalTokens).
				Str("provider_request_id", c.ProviderRequestID).
				Msg("llm.request.finished")
		}
		return onChunk(c)
	})

	if streamErr != nil {
		code := normalizeAdapterError(provider, streamErr)
		logger.Error().Fields(baseFields).
			Str("outcome", "error").
			Str("error_class", string(code)).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Msg("llm.request.failed")
		return nexuserr.New(code, "llm stream failed: "+streamErr.Error())
	}
	return nil
}

func baseLogFields(provider, modelName, keyMode string, streaming bool, callCtx CallContext) map[string]any {
	fields := map[string]any{
		"provider":      provider,
		"model_name":    modelName,
		"key_mode":      keyMode,
		"streaming":     streaming,
		"llm_operation": string(callCtx.Operation),
	}
	if callCtx.Operation == OperationChatSend {
		if callCtx.ConversationID != "" {
			fields["conversation_id"] = callCtx.ConversationID
		}
		if callCtx.AssistantMessageID != "" {
			fields["assistant_message_id"] = callCtx.AssistantMessageID
		}
	}
	return fields
}

// AdapterHTTPError is how an adapter reports a provider HTTP error back to
// the router for classification; adapters translate SDK-specific error
// types into this shape rather than leaking them past the router.
type AdapterHTTPError struct {
	StatusCode int
	Body       map[string]any
}

func (e *AdapterHTTPError) Error() string { return "provider returned an HTTP error" }

// AdapterTimeoutError marks a context deadline or provider-reported timeout.
type AdapterTimeoutError struct{ Cause error }

func (e *AdapterTimeoutError) Error() string { return "request timed out" }
func (e *AdapterTimeoutError) Unwrap() error { return e.Cause }

func normalizeAdapterError(provider string, err error) nexuserr.Code {
	var httpErr *AdapterHTTPError
	if errors.As(err, &httpErr) {
		return ClassifyHTTPError(provider, httpErr.StatusCode, httpErr.Body)
	}
	var timeoutErr *AdapterTimeoutError
	if errors.As(err, &timeoutErr) {
		return nexuserr.CodeLLMTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nexuserr.CodeLLMTimeout
	}
	return nexuserr.CodeLLMProviderDown
}
