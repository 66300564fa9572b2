package sendmessage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"nexus/internal/contextrender"
	"nexus/internal/idempotency"
	"nexus/internal/keyresolver"
	"nexus/internal/llmrouter"
	"nexus/internal/nexuserr"
	"nexus/internal/observability"
	"nexus/internal/store"
	"nexus/internal/util"
)

// inactivityTimeout aborts a stream if this long elapses between provider
// chunks, distinct from the 45s llmTimeout that bounds a non-streaming call
// end to end.
const (
	inactivityTimeout = 45 * time.Second
	keepaliveInterval = 15 * time.Second
)

// sseWriter serializes SSE event writes to an http.ResponseWriter, the same
// mutex-guarded-write shape the teacher's chat streaming handler uses for
// concurrent delta/keepalive writers, adapted here to named events since
// this protocol distinguishes meta/delta/done rather than one data stream.
type sseWriter struct {
	w  http.ResponseWriter
	fl http.Flusher
	mu sync.Mutex

	disconnected bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	return &sseWriter{w: w, fl: fl}, true
}

func (s *sseWriter) send(event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return
	}
	body, err := json.Marshal(data)
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, body); err != nil {
		s.disconnected = true
		return
	}
	s.fl.Flush()
}

func (s *sseWriter) comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		s.disconnected = true
		return
	}
	s.fl.Flush()
}

func (s *sseWriter) isDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// estimatedPromptTokens gives ReserveTokenBudget a rough upfront figure
// before any real usage is known, applied here to content already in hand
// plus a worst-case completion allowance. contextChars is converted at the
// same chars/4 ratio CountTokens' word-based count doesn't apply to, since
// rendered context is measured in characters, not prose.
func estimatedPromptTokens(content string, contextChars int) int {
	return util.CountTokens(content) + contextChars/4 + llmMaxOutputTokens
}

// Stream runs Phases 0-1 exactly as Send does, then pumps the provider's
// streaming response as SSE events instead of running Phases 2-3 inline.
// w must support http.Flusher. The caller is responsible for authenticating
// the stream session (stream-token verification) before calling Stream;
// req.ViewerID is trusted as already-verified.
func (o *Orchestrator) Stream(ctx context.Context, w http.ResponseWriter, req Request) error {
	sw, ok := newSSEWriter(w)
	if !ok {
		return fmt.Errorf("sendmessage: streaming not supported by response writer")
	}

	contextRefs := make([]idempotency.ContextRef, len(req.Contexts))
	for i, c := range req.Contexts {
		contextRefs[i] = idempotency.ContextRef{Type: string(c.Type), ID: c.ID}
	}
	payloadHash := idempotency.ComputePayloadHash(req.Content, req.ModelID, string(req.KeyMode), contextRefs)

	replay, err := o.idem.Check(ctx, req.ViewerID, req.IdempotencyKey, payloadHash)
	if err != nil {
		apiErr, _ := nexuserr.As(err)
		code := nexuserr.CodeInternal
		if apiErr != nil {
			code = apiErr.Code
		}
		sw.send("done", map[string]any{"status": "error", "error_code": string(code)})
		return nil
	}
	if replay != nil {
		o.streamReplay(ctx, sw, replay)
		return nil
	}

	model, err := o.store.GetModelByID(ctx, req.ModelID)
	if err != nil || model == nil {
		sw.send("done", map[string]any{"status": "error", "error_code": string(nexuserr.CodeModelNotAvailable)})
		return nil
	}

	usePlatformKey := false
	if resolved, err := o.keys.Resolve(ctx, req.ViewerID, model.Provider, req.KeyMode); err == nil {
		usePlatformKey = resolved.Mode == store.KeyUsedPlatform
	}

	if err := o.validatePre(ctx, req, model, usePlatformKey); err != nil {
		apiErr, _ := nexuserr.As(err)
		code := nexuserr.CodeInternal
		if apiErr != nil {
			code = apiErr.Code
		}
		sw.send("done", map[string]any{"status": "error", "error_code": string(code)})
		return nil
	}

	o.limiter.IncrInflight(ctx, req.ViewerID)
	defer o.limiter.DecrInflight(ctx, req.ViewerID)

	prep, err := o.phase1Prepare(ctx, req, model, payloadHash)
	if err != nil {
		apiErr, _ := nexuserr.As(err)
		code := nexuserr.CodeInternal
		if apiErr != nil {
			code = apiErr.Code
		}
		sw.send("done", map[string]any{"status": "error", "error_code": string(code)})
		return nil
	}

	resolvedKey, err := o.keys.Resolve(ctx, req.ViewerID, model.Provider, req.KeyMode)
	if err != nil {
		o.finalizeStreamError(ctx, req.ViewerID, prep.assistantMessage, model, req.KeyMode, nexuserr.New(nexuserr.CodeLLMNoKey, "no API key available"), 0, usePlatformKey)
		sw.send("done", map[string]any{"status": "error", "error_code": string(nexuserr.CodeLLMNoKey)})
		return nil
	}

	sw.send("meta", map[string]any{
		"conversation_id":      prep.conversation.ID,
		"user_message_id":      prep.userMessage.ID,
		"assistant_message_id": prep.assistantMessage.ID,
		"model_id":             model.ID,
		"provider":             model.Provider,
	})

	items := make([]contextrender.Item, len(req.Contexts))
	for i, c := range req.Contexts {
		items[i] = contextrender.Item{Type: c.Type, ID: c.ID}
	}
	contextText, contextChars, err := contextrender.Render(ctx, o.store, items)
	if err != nil {
		o.finalizeStreamError(ctx, req.ViewerID, prep.assistantMessage, model, req.KeyMode, nexuserr.Internal(err), 0, usePlatformKey)
		sw.send("done", map[string]any{"status": "error", "error_code": string(nexuserr.CodeInternal)})
		return nil
	}

	if usePlatformKey {
		est := estimatedPromptTokens(req.Content, contextChars)
		if err := o.limiter.ReserveTokenBudget(ctx, req.ViewerID, prep.assistantMessage.ID, est); err != nil {
			apiErr, _ := nexuserr.As(err)
			code := nexuserr.CodeTokenBudgetExceeded
			if apiErr != nil {
				code = apiErr.Code
			}
			o.finalizeStreamError(ctx, req.ViewerID, prep.assistantMessage, model, req.KeyMode, nexuserr.New(code, "token budget exceeded"), 0, false)
			sw.send("done", map[string]any{"status": "error", "error_code": string(code)})
			return nil
		}
	}

	messages := []llmrouter.Message{{Role: "system", Content: systemPrompt()}}
	if contextText != "" {
		messages = append(messages, llmrouter.Message{
			Role:    "user",
			Content: "Here is the context for my question:\n\n" + contextText,
		})
	}
	messages = append(messages, llmrouter.Message{Role: "user", Content: req.Content})

	o.pump(sw, req, model, prep.assistantMessage, resolvedKey, messages, usePlatformKey)
	return nil
}

// streamReplay emits the meta/delta/done events for an idempotent retry,
// loading the prior result's current state rather than caching it at
// insert time, since a replayed request may land after the original has
// since completed, errored, or is still pending.
func (o *Orchestrator) streamReplay(ctx context.Context, sw *sseWriter, replay *idempotency.Replay) {
	assistant, err := o.store.GetMessage(ctx, replay.AssistantMessageID)
	if err != nil || assistant == nil {
		sw.send("done", map[string]any{"status": "error", "error_code": string(nexuserr.CodeInternal)})
		return
	}

	sw.send("meta", map[string]any{
		"conversation_id":      assistant.ConversationID,
		"user_message_id":      replay.UserMessageID,
		"assistant_message_id": replay.AssistantMessageID,
	})

	switch assistant.Status {
	case store.StatusComplete:
		if assistant.Content != "" {
			sw.send("delta", map[string]string{"delta": assistant.Content})
		}
		sw.send("done", map[string]any{"status": "complete"})
	case store.StatusError:
		errorCode := ""
		if assistant.ErrorCode != nil {
			errorCode = *assistant.ErrorCode
		}
		sw.send("done", map[string]any{"status": "error", "error_code": errorCode})
	default:
		sw.send("done", map[string]any{"status": "pending"})
	}
}

// pump drains the provider's stream chunk-by-chunk, forwarding each as an
// SSE delta, resetting the inactivity timer per chunk, and renewing the
// liveness marker so the sweeper leaves this row alone while it runs. It
// owns Phase 2 and Phase 3 for the streaming path: there is no separate
// finalize call after it returns. Phase 2/3 run against a background
// context rather than the request's: a client disconnect must drain and
// finalize, not abort the provider call.
func (o *Orchestrator) pump(sw *sseWriter, req Request, model *store.ModelRegistryEntry, assistant store.Message, resolvedKey keyresolver.ResolvedKey, messages []llmrouter.Message, usePlatformKey bool) {
	bgCtx := context.Background()
	execCtx, cancel := context.WithCancel(bgCtx)
	defer cancel()

	o.limiter.SetStreamActive(bgCtx, assistant.ID)

	type streamMsg struct {
		chunk llmrouter.Chunk
		err   error
	}
	chunks := make(chan streamMsg, 8)

	start := time.Now()
	go func() {
		defer close(chunks)
		err := o.router.GenerateStream(execCtx, model.Provider, llmrouter.Request{
			Messages:  messages,
			ModelName: model.ModelName,
		}, resolvedKey.APIKey, string(resolvedKey.Mode), llmrouter.CallContext{
			Operation:          llmrouter.OperationChatSend,
			ConversationID:     req.ConversationID,
			AssistantMessageID: assistant.ID,
		}, func(c llmrouter.Chunk) error {
			select {
			case chunks <- streamMsg{chunk: c}:
				return nil
			case <-execCtx.Done():
				return execCtx.Err()
			}
		})
		if err != nil {
			select {
			case chunks <- streamMsg{err: err}:
			case <-execCtx.Done():
			}
		}
	}()

	keepaliveStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-keepaliveStop:
				return
			case <-ticker.C:
				sw.comment("keepalive")
			}
		}
	}()
	defer close(keepaliveStop)

	var content []byte
	var usage llmrouter.Usage
	var streamErr *nexuserr.Error
	truncated := false

	inactivity := time.NewTimer(inactivityTimeout)
	defer inactivity.Stop()

loop:
	for {
		select {
		case <-inactivity.C:
			streamErr = nexuserr.New(nexuserr.CodeLLMTimeout, "no data received from provider")
			cancel()
			break loop

		case msg, chanOpen := <-chunks:
			if !chanOpen {
				break loop
			}
			if !inactivity.Stop() {
				select {
				case <-inactivity.C:
				default:
				}
			}
			inactivity.Reset(inactivityTimeout)

			if msg.err != nil {
				apiErr, ok := nexuserr.As(msg.err)
				if !ok {
					apiErr = nexuserr.Internal(msg.err)
				}
				streamErr = apiErr
				break loop
			}

			if msg.chunk.Delta != "" {
				content = append(content, msg.chunk.Delta...)
				o.limiter.RenewStreamActive(bgCtx, assistant.ID)
				if !sw.isDisconnected() {
					sw.send("delta", map[string]string{"delta": msg.chunk.Delta})
				}
				if len(content) > MaxAssistantContentLength {
					content = content[:MaxAssistantContentLength]
					truncated = true
					cancel()
					break loop
				}
			}
			if msg.chunk.Done {
				usage = msg.chunk.Usage
				break loop
			}
		}
	}

	// If the client disconnected mid-stream, keep draining whatever the
	// provider still has in flight so the row finalizes with the fullest
	// content available instead of racing a half-read stream.
	if sw.isDisconnected() {
		for msg := range chunks {
			if msg.err == nil && msg.chunk.Delta != "" {
				content = append(content, msg.chunk.Delta...)
			}
			if msg.err == nil && msg.chunk.Done {
				usage = msg.chunk.Usage
			}
		}
	}

	latencyMS := int(time.Since(start).Milliseconds())
	finalContent := string(content)
	if truncated {
		finalContent += TruncationNotice
	}

	o.limiter.ClearStreamActive(bgCtx, assistant.ID)

	if streamErr != nil {
		o.finalizeStreamError(bgCtx, req.ViewerID, assistant, model, req.KeyMode, streamErr, latencyMS, usePlatformKey)
		sw.send("done", map[string]any{"status": "error", "error_code": string(streamErr.Code)})
		return
	}

	if finalContent == "" {
		disconnectErr := nexuserr.New(nexuserr.CodeStreamClientDisconnected, "stream ended before any content was produced")
		o.finalizeStreamError(bgCtx, req.ViewerID, assistant, model, req.KeyMode, disconnectErr, latencyMS, usePlatformKey)
		sw.send("done", map[string]any{"status": "error", "error_code": string(nexuserr.CodeStreamClientDisconnected)})
		return
	}

	o.finalizeStreamSuccess(bgCtx, req.ViewerID, assistant, model, req.KeyMode, resolvedKey, finalContent, usage, latencyMS, usePlatformKey)
	sw.send("done", map[string]any{"status": "complete"})
}

// insertMessageLLM wraps the tx-scoped store.InsertMessageLLM in its own
// single-statement transaction, since the streaming path finalizes outside
// any transaction phase1Prepare/phase3Finalize already hold.
func insertMessageLLM(ctx context.Context, st *store.Store, row store.MessageLLM) {
	err := pgx.BeginFunc(ctx, st.Pool(), func(tx pgx.Tx) error {
		return store.InsertMessageLLM(ctx, tx, row)
	})
	if err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("message_id", row.MessageID).Msg("stream.insert_message_llm_failed")
	}
}

// finalizeStreamSuccess is Phase 3's success branch for the streaming path:
// the same finalize-once conditional update FinalizeMessage already
// provides, committing the token reservation instead of charging directly.
func (o *Orchestrator) finalizeStreamSuccess(ctx context.Context, viewerID string, assistant store.Message, model *store.ModelRegistryEntry, keyModeRequested store.KeyMode, resolvedKey keyresolver.ResolvedKey, content string, usage llmrouter.Usage, latencyMS int, usePlatformKey bool) {
	ok, err := o.store.FinalizeMessage(ctx, assistant.ID, content, store.StatusComplete, nil)
	if err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("assistant_message_id", assistant.ID).Msg("stream.finalize_failed")
		return
	}
	if !ok {
		observability.LoggerWithTrace(ctx).Warn().Str("assistant_message_id", assistant.ID).Msg("stream.double_finalize_detected")
		if usePlatformKey {
			o.limiter.ReleaseTokenBudget(ctx, viewerID, assistant.ID)
		}
		return
	}

	totalTokens := usage.TotalTokens
	var promptTokens, completionTokens, totalTokensPtr *int
	if totalTokens > 0 {
		pt, ct := usage.PromptTokens, usage.CompletionTokens
		promptTokens, completionTokens = &pt, &ct
		totalTokensPtr = &totalTokens
	} else {
		totalTokens = util.CountTokens(content) + 100
		totalTokensPtr = &totalTokens
	}

	insertMessageLLM(ctx, o.store, store.MessageLLM{
		MessageID:        assistant.ID,
		Provider:         model.Provider,
		ModelName:        model.ModelName,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokensPtr,
		KeyModeRequested: keyModeRequested,
		KeyModeUsed:      resolvedKey.Mode,
		LatencyMS:        &latencyMS,
		PromptVersion:    contextrender.PromptVersion,
	})

	if resolvedKey.Mode == store.KeyUsedBYOK {
		_ = o.keys.UpdateStatus(ctx, resolvedKey.UserKeyID, store.KeyStatusValid)
	}
	if usePlatformKey {
		o.limiter.CommitTokenBudget(ctx, viewerID, assistant.ID, totalTokens)
	}
}

// finalizeStreamError is Phase 3's error branch for the streaming path.
func (o *Orchestrator) finalizeStreamError(ctx context.Context, viewerID string, assistant store.Message, model *store.ModelRegistryEntry, keyModeRequested store.KeyMode, streamErr *nexuserr.Error, latencyMS int, usePlatformKey bool) {
	errorClass := string(streamErr.Code)
	errorMessage := errorMessageForClass(streamErr.Code)

	ok, err := o.store.FinalizeMessage(ctx, assistant.ID, errorMessage, store.StatusError, &errorClass)
	if err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("assistant_message_id", assistant.ID).Msg("stream.finalize_failed")
		return
	}
	if !ok {
		observability.LoggerWithTrace(ctx).Warn().Str("assistant_message_id", assistant.ID).Msg("stream.double_finalize_detected")
		if usePlatformKey {
			o.limiter.ReleaseTokenBudget(ctx, viewerID, assistant.ID)
		}
		return
	}

	insertMessageLLM(ctx, o.store, store.MessageLLM{
		MessageID:        assistant.ID,
		Provider:         model.Provider,
		ModelName:        model.ModelName,
		KeyModeRequested: keyModeRequested,
		KeyModeUsed:      store.KeyUsedUnknown,
		LatencyMS:        &latencyMS,
		ErrorClass:       &errorClass,
		PromptVersion:    contextrender.PromptVersion,
	})

	if usePlatformKey {
		o.limiter.ReleaseTokenBudget(ctx, viewerID, assistant.ID)
	}
}
