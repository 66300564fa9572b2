// Package nexuserr defines the closed error-code taxonomy shared across the
// send-message pipeline and its HTTP surface.
package nexuserr

import "net/http"

// Code is a closed enum of user-facing error codes. Every code has a fixed
// HTTP status mapping via Status.
type Code string

const (
	// Client-input (4xx)
	CodeInvalidRequest     Code = "E_INVALID_REQUEST"
	CodeMessageTooLong     Code = "E_MESSAGE_TOO_LONG"
	CodeContextTooLarge    Code = "E_CONTEXT_TOO_LARGE"
	CodeInvalidHighlight   Code = "E_INVALID_HIGHLIGHT_RANGE"

	// Auth (401/403)
	CodeUnauthenticated Code = "E_UNAUTHENTICATED"
	CodeForbidden       Code = "E_FORBIDDEN"
	CodeInternalOnly    Code = "E_INTERNAL_ONLY"
	CodeAuthUnavailable Code = "E_AUTH_UNAVAILABLE"

	// Not found (404) -- existence-masked
	CodeNotFound            Code = "E_NOT_FOUND"
	CodeMediaNotFound        Code = "E_MEDIA_NOT_FOUND"
	CodeConversationNotFound Code = "E_CONVERSATION_NOT_FOUND"
	CodeModelNotAvailable    Code = "E_MODEL_NOT_AVAILABLE"

	// State conflicts (409)
	CodeConversationBusy             Code = "E_CONVERSATION_BUSY"
	CodeIdempotencyKeyReplayMismatch Code = "E_IDEMPOTENCY_KEY_REPLAY_MISMATCH"

	// Rate/budget (429)
	CodeRateLimited        Code = "E_RATE_LIMITED"
	CodeTokenBudgetExceeded Code = "E_TOKEN_BUDGET_EXCEEDED"

	// LLM (502/504)
	CodeLLMInvalidKey        Code = "E_LLM_INVALID_KEY"
	CodeLLMNoKey             Code = "E_LLM_NO_KEY"
	CodeLLMRateLimit         Code = "E_LLM_RATE_LIMIT"
	CodeLLMContextTooLarge   Code = "E_LLM_CONTEXT_TOO_LARGE"
	CodeLLMTimeout           Code = "E_LLM_TIMEOUT"
	CodeLLMProviderDown      Code = "E_LLM_PROVIDER_DOWN"

	// Stream (401/409)
	CodeStreamTokenInvalid   Code = "E_STREAM_TOKEN_INVALID"
	CodeStreamTokenExpired   Code = "E_STREAM_TOKEN_EXPIRED"
	CodeStreamTokenReplayed  Code = "E_STREAM_TOKEN_REPLAYED"
	CodeStreamClientDisconnected Code = "E_STREAM_CLIENT_DISCONNECTED"
	CodeOrphanedPending      Code = "E_ORPHANED_PENDING"

	// Internal (500)
	CodeInternal Code = "E_INTERNAL"
)

var statusByCode = map[Code]int{
	CodeInvalidRequest:   http.StatusBadRequest,
	CodeMessageTooLong:   http.StatusBadRequest,
	CodeContextTooLarge:  http.StatusBadRequest,
	CodeInvalidHighlight: http.StatusBadRequest,

	CodeUnauthenticated: http.StatusUnauthorized,
	CodeForbidden:       http.StatusForbidden,
	CodeInternalOnly:    http.StatusForbidden,
	CodeAuthUnavailable: http.StatusServiceUnavailable,

	CodeNotFound:             http.StatusNotFound,
	CodeMediaNotFound:        http.StatusNotFound,
	CodeConversationNotFound: http.StatusNotFound,
	CodeModelNotAvailable:    http.StatusNotFound,

	CodeConversationBusy:             http.StatusConflict,
	CodeIdempotencyKeyReplayMismatch: http.StatusConflict,

	CodeRateLimited:         http.StatusTooManyRequests,
	CodeTokenBudgetExceeded: http.StatusTooManyRequests,

	CodeLLMInvalidKey:      http.StatusBadGateway,
	CodeLLMNoKey:           http.StatusBadGateway,
	CodeLLMRateLimit:       http.StatusBadGateway,
	CodeLLMContextTooLarge: http.StatusBadGateway,
	CodeLLMTimeout:         http.StatusGatewayTimeout,
	CodeLLMProviderDown:    http.StatusBadGateway,

	CodeStreamTokenInvalid:       http.StatusUnauthorized,
	CodeStreamTokenExpired:       http.StatusUnauthorized,
	CodeStreamTokenReplayed:      http.StatusConflict,
	CodeStreamClientDisconnected: http.StatusConflict,
	CodeOrphanedPending:          http.StatusConflict,

	CodeInternal: http.StatusInternalServerError,
}

// Status returns the fixed HTTP status for a code, defaulting to 500 for any
// code not present in the table (should not happen for a closed enum).
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error wraps a Code with a user-visible message and an optional internal
// cause. The cause is never serialized into the HTTP response body.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error with the given code and message, recording cause
// for internal logging/unwrapping (but never for the user-visible body).
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Internal wraps any unexpected error as E_INTERNAL with no detail leakage.
func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Cause: cause}
}

// As extracts a *Error from err via errors.As semantics without importing
// errors in every caller.
func As(err error) (*Error, bool) {
	var target *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return target, false
}
