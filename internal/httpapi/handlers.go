package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"nexus/internal/auth"
	"nexus/internal/contextrender"
	"nexus/internal/nexuserr"
	"nexus/internal/observability"
	"nexus/internal/sendmessage"
	"nexus/internal/store"
)

const (
	defaultMessagesPage = 50
	maxMessagesPage      = 100
	defaultConversationsPage = 50
)

type sendRequestBody struct {
	Content  string            `json:"content"`
	ModelID  string            `json:"model_id"`
	KeyMode  string            `json:"key_mode"`
	Contexts []contextRefBody  `json:"contexts"`
}

type contextRefBody struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (b sendRequestBody) toRequest(viewerID, conversationID, idempotencyKey string) sendmessage.Request {
	keyMode := store.KeyMode(b.KeyMode)
	if keyMode == "" {
		keyMode = store.KeyModeAuto
	}
	contexts := make([]sendmessage.ContextRef, len(b.Contexts))
	for i, c := range b.Contexts {
		contexts[i] = sendmessage.ContextRef{Type: store.ContextTargetType(c.Type), ID: c.ID}
	}
	return sendmessage.Request{
		ViewerID:       viewerID,
		ConversationID: conversationID,
		Content:        b.Content,
		ModelID:        b.ModelID,
		KeyMode:        keyMode,
		Contexts:       contexts,
		IdempotencyKey: idempotencyKey,
	}
}

func decodeSendRequest(r *http.Request) (sendmessage.Request, error) {
	viewerID, ok := auth.ViewerID(r.Context())
	if !ok {
		return sendmessage.Request{}, nexuserr.New(nexuserr.CodeUnauthenticated, "missing viewer identity")
	}
	var body sendRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return sendmessage.Request{}, nexuserr.New(nexuserr.CodeInvalidRequest, "malformed request body")
	}
	if len(body.Contexts) > contextrender.MaxContexts {
		return sendmessage.Request{}, nexuserr.New(nexuserr.CodeContextTooLarge, "too many contexts")
	}
	conversationID := r.PathValue("id")
	return body.toRequest(viewerID, conversationID, r.Header.Get("Idempotency-Key")), nil
}

func (s *Server) handleSendExisting(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSendRequest(r)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	// A client disconnect must not abort Phase 2/3, so the send runs on a
	// context that keeps the request's values but not its cancellation.
	result, err := s.orchestrator.Send(context.WithoutCancel(r.Context()), req)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": sendResultDTO(result)})
}

func (s *Server) handleSendNew(w http.ResponseWriter, r *http.Request) {
	s.handleSendExisting(w, r)
}

func (s *Server) handleStreamExisting(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSendRequest(r)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	if err := s.orchestrator.Stream(r.Context(), w, req); err != nil {
		observability.LoggerWithTrace(r.Context()).Error().Err(err).Msg("httpapi.stream_failed")
	}
}

func (s *Server) handleStreamNew(w http.ResponseWriter, r *http.Request) {
	s.handleStreamExisting(w, r)
}

func (s *Server) handleMintStreamToken(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := auth.ViewerID(r.Context())
	if !ok {
		writeAPIError(w, r, nexuserr.New(nexuserr.CodeUnauthenticated, "missing viewer identity"))
		return
	}
	minted, err := s.minter.Mint(viewerID)
	if err != nil {
		writeAPIError(w, r, nexuserr.Internal(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"token":      minted.Token,
		"expires_at": minted.ExpiresAt,
	}})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := auth.ViewerID(r.Context())
	if !ok {
		writeAPIError(w, r, nexuserr.New(nexuserr.CodeUnauthenticated, "missing viewer identity"))
		return
	}
	convos, err := s.store.ListConversationsByOwner(r.Context(), viewerID, defaultConversationsPage)
	if err != nil {
		writeAPIError(w, r, nexuserr.Internal(err))
		return
	}
	out := make([]conversationDTO, len(convos))
	for i, c := range convos {
		out[i] = conversationToDTO(c)
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := auth.ViewerID(r.Context())
	if !ok {
		writeAPIError(w, r, nexuserr.New(nexuserr.CodeUnauthenticated, "missing viewer identity"))
		return
	}
	conversationID := r.PathValue("id")

	canRead, err := s.prov.CanReadConversation(r.Context(), viewerID, conversationID)
	if err != nil {
		writeAPIError(w, r, nexuserr.Internal(err))
		return
	}
	if !canRead {
		writeAPIError(w, r, nexuserr.New(nexuserr.CodeConversationNotFound, "conversation not found"))
		return
	}

	limit := defaultMessagesPage
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxMessagesPage {
			writeAPIError(w, r, nexuserr.New(nexuserr.CodeInvalidRequest, "limit must be between 1 and 100"))
			return
		}
		limit = n
	}

	messages, err := s.store.ListRecentMessages(r.Context(), conversationID, limit)
	if err != nil {
		writeAPIError(w, r, nexuserr.Internal(err))
		return
	}
	out := make([]messageDTO, len(messages))
	for i, m := range messages {
		out[i] = messageToDTO(m)
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListAvailableModels(r.Context())
	if err != nil {
		writeAPIError(w, r, nexuserr.Internal(err))
		return
	}
	out := make([]modelDTO, len(models))
	for i, m := range models {
		out[i] = modelDTO{ID: m.ID, Provider: m.Provider, ModelName: m.ModelName, MaxContextTokens: m.MaxContextTokens}
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := auth.ViewerID(r.Context())
	if !ok {
		writeAPIError(w, r, nexuserr.New(nexuserr.CodeUnauthenticated, "missing viewer identity"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": viewerID}})
}

type conversationDTO struct {
	ID        string `json:"id"`
	Sharing   string `json:"sharing"`
	NextSeq   int    `json:"next_seq"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func conversationToDTO(c store.Conversation) conversationDTO {
	return conversationDTO{
		ID:        c.ID,
		Sharing:   string(c.Sharing),
		NextSeq:   c.NextSeq,
		CreatedAt: c.CreatedAt.Format(timeLayout),
		UpdatedAt: c.UpdatedAt.Format(timeLayout),
	}
}

type messageDTO struct {
	ID        string  `json:"id"`
	Seq       int     `json:"seq"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Status    string  `json:"status"`
	ErrorCode *string `json:"error_code,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func messageToDTO(m store.Message) messageDTO {
	return messageDTO{
		ID:        m.ID,
		Seq:       m.Seq,
		Role:      string(m.Role),
		Content:   m.Content,
		Status:    string(m.Status),
		ErrorCode: m.ErrorCode,
		CreatedAt: m.CreatedAt.Format(timeLayout),
	}
}

type modelDTO struct {
	ID               string `json:"id"`
	Provider         string `json:"provider"`
	ModelName        string `json:"model_name"`
	MaxContextTokens int    `json:"max_context_tokens"`
}

func sendResultDTO(res sendmessage.Result) map[string]any {
	return map[string]any{
		"conversation":      conversationToDTO(res.Conversation),
		"user_message":      messageToDTO(res.UserMessage),
		"assistant_message": messageToDTO(res.AssistantMessage),
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": map[string]any{"code": nexuserr.CodeInternal, "message": err.Error()}})
}

// writeAPIError maps any error into the closed error envelope, logging
// unexpected (non-nexuserr) errors server-side before collapsing them to
// E_INTERNAL so no internal detail reaches the response body.
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	nerr, ok := nexuserr.As(err)
	if !ok {
		nerr = nexuserr.Internal(err)
	}
	if nerr.Cause != nil || nerr.Code == nexuserr.CodeInternal {
		observability.LoggerWithTrace(r.Context()).Error().Err(err).Str("code", string(nerr.Code)).Msg("httpapi.request_failed")
	}
	requestID := ""
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		requestID = sc.TraceID().String()
	}
	respondJSON(w, nerr.Code.Status(), map[string]any{"error": map[string]any{
		"code":       nerr.Code,
		"message":    nerr.Message,
		"request_id": requestID,
	}})
}
