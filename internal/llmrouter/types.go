// Package llmrouter resolves a provider name to an adapter, normalizes
// provider-specific errors into the shared error taxonomy, and emits the
// request-lifecycle log events every send passes through, whether blocking
// or streaming.
package llmrouter

import "context"

// Message is one turn in a provider conversation. Nexus sends never include
// tool calls or multi-modal parts; system/user/assistant text is all a send
// ever needs.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// Usage is token accounting for a single provider call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request is a single non-streaming or streaming generation request.
type Request struct {
	Messages  []Message
	ModelName string
}

// Response is a completed non-streaming generation.
type Response struct {
	Content           string
	Usage             Usage
	ProviderRequestID string
}

// Chunk is one increment of a streaming generation. Done is set on the
// terminal chunk, which also carries the final Usage.
type Chunk struct {
	Delta             string
	Done              bool
	Usage             Usage
	ProviderRequestID string
}

// Operation names what a call is for, used only to decide which extra
// fields a log event carries.
type Operation string

const (
	OperationChatSend Operation = "chat_send"
	OperationOther    Operation = "other"
)

// CallContext carries observability metadata through a call so request/
// finished/failed log events can correlate back to the message that
// triggered them.
type CallContext struct {
	Operation          Operation
	ConversationID     string
	AssistantMessageID string
}

// Adapter is the per-provider surface the router dispatches to. Adapters
// have no database access and know nothing about key modes, rate limits, or
// idempotency; they translate Request/Response to and from one provider's
// wire format.
type Adapter interface {
	Generate(ctx context.Context, req Request, apiKey string) (Response, error)
	GenerateStream(ctx context.Context, req Request, apiKey string, onChunk func(Chunk) error) error
}
