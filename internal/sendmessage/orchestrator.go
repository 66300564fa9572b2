// Package sendmessage implements the blocking send-message flow: validate,
// persist the user/assistant message pair, call the provider, and finalize.
// No database transaction is ever held across the provider call; Phase 1
// and Phase 3 each commit on their own, and Phase 2 runs in between with no
// lock held.
package sendmessage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"nexus/internal/contextrender"
	"nexus/internal/idempotency"
	"nexus/internal/keyresolver"
	"nexus/internal/llmrouter"
	"nexus/internal/nexuserr"
	"nexus/internal/provenance"
	"nexus/internal/ratelimit"
	"nexus/internal/store"
)

const (
	// MaxMessageContentLength bounds a user message's content.
	MaxMessageContentLength = 8000
	// MaxAssistantContentLength bounds a completed assistant message's
	// content; anything longer is truncated with TruncationNotice appended.
	MaxAssistantContentLength = 50000
	TruncationNotice          = "\n\n[Response truncated due to length]"

	llmMaxOutputTokens = 4096
	llmTemperature     = 0.7
	llmTimeout         = 45 * time.Second
)

// systemPrompt is the fixed instruction prefix every send carries, versioned
// alongside contextrender.PromptVersion so a later wording change can be
// correlated against historical message_llm rows.
func systemPrompt() string {
	return "You are Nexus, an assistant embedded in a reading and annotation app. " +
		"Answer the user's question using the context provided below when it is " +
		"relevant, and say plainly when the provided context does not answer it. " +
		"Do not fabricate quotes or sources."
}

// ContextRef is one context item attached to a send.
type ContextRef struct {
	Type store.ContextTargetType
	ID   string
}

// Request is everything a send needs from its caller; the HTTP layer is
// responsible for authenticating ViewerID and parsing the wire request into
// this shape.
type Request struct {
	ViewerID       string
	ConversationID string // empty creates a new conversation
	Content        string
	ModelID        string
	KeyMode        store.KeyMode
	Contexts       []ContextRef
	IdempotencyKey string
}

// Result is the (conversation, user_message, assistant_message) triple a
// send returns whether it actually ran or replayed an idempotent retry.
type Result struct {
	Conversation     store.Conversation
	UserMessage      store.Message
	AssistantMessage store.Message
}

// Orchestrator runs the four-phase blocking send flow.
type Orchestrator struct {
	store      *store.Store
	idem       *idempotency.Store
	provenance *provenance.Authority
	keys       *keyresolver.Resolver
	limiter    *ratelimit.Limiter
	router     *llmrouter.Router
}

func New(st *store.Store, idem *idempotency.Store, prov *provenance.Authority, keys *keyresolver.Resolver, limiter *ratelimit.Limiter, router *llmrouter.Router) *Orchestrator {
	return &Orchestrator{store: st, idem: idem, provenance: prov, keys: keys, limiter: limiter, router: router}
}

// Send runs Phases 0-3 and returns the resulting triple, or replays a prior
// result when idempotencyKey matches an unexpired record with an identical
// payload hash.
func (o *Orchestrator) Send(ctx context.Context, req Request) (Result, error) {
	contextRefs := make([]idempotency.ContextRef, len(req.Contexts))
	for i, c := range req.Contexts {
		contextRefs[i] = idempotency.ContextRef{Type: string(c.Type), ID: c.ID}
	}
	payloadHash := idempotency.ComputePayloadHash(req.Content, req.ModelID, string(req.KeyMode), contextRefs)

	if replay, err := o.idem.Check(ctx, req.ViewerID, req.IdempotencyKey, payloadHash); err != nil {
		return Result{}, err
	} else if replay != nil {
		return o.loadReplay(ctx, replay)
	}

	model, err := o.store.GetModelByID(ctx, req.ModelID)
	if err != nil {
		return Result{}, nexuserr.Internal(err)
	}
	if model == nil {
		return Result{}, nexuserr.New(nexuserr.CodeModelNotAvailable, "model not found")
	}

	usePlatformKey := false
	if resolved, err := o.keys.Resolve(ctx, req.ViewerID, model.Provider, req.KeyMode); err == nil {
		usePlatformKey = resolved.Mode == store.KeyUsedPlatform
	}

	if err := o.validatePre(ctx, req, model, usePlatformKey); err != nil {
		return Result{}, err
	}

	o.limiter.IncrInflight(ctx, req.ViewerID)
	defer o.limiter.DecrInflight(ctx, req.ViewerID)

	prep, err := o.phase1Prepare(ctx, req, model, payloadHash)
	if err != nil {
		return Result{}, err
	}

	execResult, resolvedKey := o.phase2Execute(ctx, req, model, prep.assistantMessage.ID)

	assistant, err := o.phase3Finalize(ctx, req.ViewerID, prep.assistantMessage, model, execResult, resolvedKey, req.KeyMode)
	if err != nil {
		return Result{}, err
	}

	conv, err := o.store.GetConversation(ctx, prep.conversation.ID)
	if err != nil || conv == nil {
		return Result{}, nexuserr.Internal(err)
	}

	return Result{Conversation: *conv, UserMessage: prep.userMessage, AssistantMessage: *assistant}, nil
}

func (o *Orchestrator) loadReplay(ctx context.Context, replay *idempotency.Replay) (Result, error) {
	userMessage, err := o.store.GetMessage(ctx, replay.UserMessageID)
	if err != nil || userMessage == nil {
		return Result{}, nexuserr.Internal(err)
	}
	assistantMessage, err := o.store.GetMessage(ctx, replay.AssistantMessageID)
	if err != nil || assistantMessage == nil {
		return Result{}, nexuserr.Internal(err)
	}
	conv, err := o.store.GetConversation(ctx, userMessage.ConversationID)
	if err != nil || conv == nil {
		return Result{}, nexuserr.Internal(err)
	}
	return Result{Conversation: *conv, UserMessage: *userMessage, AssistantMessage: *assistantMessage}, nil
}

// validatePre is Phase 0: every check here runs before any row is written.
func (o *Orchestrator) validatePre(ctx context.Context, req Request, model *store.ModelRegistryEntry, usePlatformKey bool) error {
	if len([]rune(req.Content)) > MaxMessageContentLength {
		return nexuserr.New(nexuserr.CodeMessageTooLong, fmt.Sprintf("message exceeds %d character limit", MaxMessageContentLength))
	}
	if len(req.Contexts) > contextrender.MaxContexts {
		return nexuserr.New(nexuserr.CodeContextTooLarge, fmt.Sprintf("maximum %d context items allowed", contextrender.MaxContexts))
	}
	if !model.IsAvailable {
		return nexuserr.New(nexuserr.CodeModelNotAvailable, "model not found or not available")
	}

	if _, err := o.keys.Resolve(ctx, req.ViewerID, model.Provider, req.KeyMode); err != nil {
		return err
	}

	for _, c := range req.Contexts {
		visible, err := o.canReadContext(ctx, req.ViewerID, c)
		if err != nil {
			return nexuserr.Internal(err)
		}
		if !visible {
			return nexuserr.New(nexuserr.CodeNotFound, "context not found")
		}
	}

	if err := o.limiter.CheckRPM(ctx, req.ViewerID); err != nil {
		return err
	}
	if err := o.limiter.CheckConcurrent(ctx, req.ViewerID); err != nil {
		return err
	}
	if usePlatformKey {
		if err := o.limiter.CheckTokenBudget(ctx, req.ViewerID); err != nil {
			return err
		}
	}

	if req.ConversationID != "" {
		if err := o.checkConversationNotBusy(ctx, req.ViewerID, req.ConversationID); err != nil {
			return err
		}
	}

	return nil
}

// canReadContext defers to the provenance authority so a denied or missing
// target is indistinguishable from the caller's point of view.
func (o *Orchestrator) canReadContext(ctx context.Context, viewerID string, c ContextRef) (bool, error) {
	switch c.Type {
	case store.TargetMedia:
		return o.provenance.CanReadMedia(ctx, viewerID, c.ID)
	case store.TargetHighlight:
		return o.provenance.CanReadHighlight(ctx, viewerID, c.ID)
	case store.TargetAnnotation:
		return o.provenance.CanReadAnnotation(ctx, viewerID, c.ID)
	default:
		return false, nil
	}
}

func (o *Orchestrator) checkConversationNotBusy(ctx context.Context, viewerID, conversationID string) error {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nexuserr.Internal(err)
	}
	if conv == nil || conv.OwnerUserID != viewerID {
		return nexuserr.New(nexuserr.CodeConversationNotFound, "conversation not found")
	}
	messages, err := o.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nexuserr.Internal(err)
	}
	for _, m := range messages {
		if m.Role == store.RoleAssistant && m.Status == store.StatusPending {
			return nexuserr.New(nexuserr.CodeConversationBusy, "conversation has a pending assistant message")
		}
	}
	return nil
}

type prepareResult struct {
	conversation     store.Conversation
	userMessage      store.Message
	assistantMessage store.Message
}

// phase1Prepare is Phase 1: a single transaction that creates/locks the
// conversation and inserts the user message, its contexts, and the
// assistant placeholder row the caller polls or streams against.
func (o *Orchestrator) phase1Prepare(ctx context.Context, req Request, model *store.ModelRegistryEntry, payloadHash string) (prepareResult, error) {
	var result prepareResult

	err := pgx.BeginFunc(ctx, o.store.Pool(), func(tx pgx.Tx) error {
		conversation, err := o.getOrCreateConversation(ctx, tx, req.ViewerID, req.ConversationID)
		if err != nil {
			return err
		}

		userSeq, err := store.AssignNextSeq(ctx, tx, conversation.ID)
		if err != nil {
			return err
		}
		userMessageID, err := store.InsertMessage(ctx, tx, store.Message{
			ConversationID: conversation.ID,
			Seq:            userSeq,
			Role:           store.RoleUser,
			Content:        req.Content,
			Status:         store.StatusComplete,
		})
		if err != nil {
			return err
		}

		for i, c := range req.Contexts {
			mc := store.MessageContext{MessageID: userMessageID, TargetType: c.Type, Ordinal: i}
			switch c.Type {
			case store.TargetMedia:
				mc.MediaID = &req.Contexts[i].ID
			case store.TargetHighlight:
				mc.HighlightID = &req.Contexts[i].ID
			case store.TargetAnnotation:
				mc.AnnotationID = &req.Contexts[i].ID
			}
			if err := store.InsertMessageContext(ctx, tx, mc); err != nil {
				return err
			}
		}

		assistantSeq, err := store.AssignNextSeq(ctx, tx, conversation.ID)
		if err != nil {
			return err
		}
		modelID := req.ModelID
		assistantMessageID, err := store.InsertMessage(ctx, tx, store.Message{
			ConversationID: conversation.ID,
			Seq:            assistantSeq,
			Role:           store.RoleAssistant,
			Content:        "",
			Status:         store.StatusPending,
			ModelID:        &modelID,
		})
		if err != nil {
			return err
		}

		if err := idempotency.Insert(ctx, tx, req.ViewerID, req.IdempotencyKey, payloadHash, userMessageID, assistantMessageID); err != nil {
			return err
		}

		result = prepareResult{
			conversation: *conversation,
			userMessage: store.Message{
				ID: userMessageID, ConversationID: conversation.ID, Seq: userSeq,
				Role: store.RoleUser, Content: req.Content, Status: store.StatusComplete,
			},
			assistantMessage: store.Message{
				ID: assistantMessageID, ConversationID: conversation.ID, Seq: assistantSeq,
				Role: store.RoleAssistant, Content: "", Status: store.StatusPending, ModelID: &modelID,
			},
		}
		return nil
	})
	if err != nil {
		if apiErr, ok := nexuserr.As(err); ok {
			return prepareResult{}, apiErr
		}
		return prepareResult{}, nexuserr.Internal(err)
	}
	return result, nil
}

func (o *Orchestrator) getOrCreateConversation(ctx context.Context, tx pgx.Tx, viewerID, conversationID string) (*store.Conversation, error) {
	if conversationID != "" {
		conv, err := o.store.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, nexuserr.Internal(err)
		}
		if conv == nil || conv.OwnerUserID != viewerID {
			return nil, nexuserr.New(nexuserr.CodeConversationNotFound, "conversation not found")
		}
		return conv, nil
	}
	row := tx.QueryRow(ctx, `
INSERT INTO conversations (owner_user_id, sharing, next_seq)
VALUES ($1, 'private', 1)
RETURNING id, owner_user_id, sharing, next_seq, created_at, updated_at`, viewerID)
	var conv store.Conversation
	if err := row.Scan(&conv.ID, &conv.OwnerUserID, &conv.Sharing, &conv.NextSeq, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, nexuserr.Internal(fmt.Errorf("sendmessage: create conversation: %w", err))
	}
	return &conv, nil
}

// executeResult is Phase 2's outcome: either a successful provider response
// or a normalized error, never both.
type executeResult struct {
	response  *llmrouter.Response
	err       *nexuserr.Error
	latencyMS int
}

// phase2Execute is Phase 2: no transaction is held here. It resolves the
// key, renders the prompt, and makes the (possibly slow) provider call.
func (o *Orchestrator) phase2Execute(ctx context.Context, req Request, model *store.ModelRegistryEntry, assistantMessageID string) (executeResult, keyresolver.ResolvedKey) {
	start := time.Now()

	resolvedKey, err := o.keys.Resolve(ctx, req.ViewerID, model.Provider, req.KeyMode)
	if err != nil {
		apiErr, _ := nexuserr.As(err)
		return executeResult{err: apiErr}, keyresolver.ResolvedKey{}
	}

	items := make([]contextrender.Item, len(req.Contexts))
	for i, c := range req.Contexts {
		items[i] = contextrender.Item{Type: c.Type, ID: c.ID}
	}
	contextText, _, err := contextrender.Render(ctx, o.store, items)
	if err != nil {
		return executeResult{err: nexuserr.Internal(err)}, resolvedKey
	}

	messages := []llmrouter.Message{{Role: "system", Content: systemPrompt()}}
	if contextText != "" {
		messages = append(messages, llmrouter.Message{
			Role:    "user",
			Content: "Here is the context for my question:\n\n" + contextText,
		})
	}
	messages = append(messages, llmrouter.Message{Role: "user", Content: req.Content})

	callCtx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	resp, err := o.router.Generate(callCtx, model.Provider, llmrouter.Request{
		Messages:  messages,
		ModelName: model.ModelName,
	}, resolvedKey.APIKey, string(resolvedKey.Mode), llmrouter.CallContext{
		Operation:          llmrouter.OperationChatSend,
		ConversationID:     req.ConversationID,
		AssistantMessageID: assistantMessageID,
	})
	latencyMS := int(time.Since(start).Milliseconds())
	if err != nil {
		apiErr, ok := nexuserr.As(err)
		if !ok {
			apiErr = nexuserr.Internal(err)
		}
		return executeResult{err: apiErr, latencyMS: latencyMS}, resolvedKey
	}
	return executeResult{response: &resp, latencyMS: latencyMS}, resolvedKey
}

// errorMessageForClass maps a normalized error class to the user-visible
// assistant content shown in place of a real response.
func errorMessageForClass(code nexuserr.Code) string {
	switch code {
	case nexuserr.CodeLLMInvalidKey:
		return "The configured API key was rejected by the provider. Check your key and try again."
	case nexuserr.CodeLLMNoKey:
		return "No API key is available for this model. Add a key or switch models."
	case nexuserr.CodeLLMRateLimit:
		return "The provider is rate-limiting requests right now. Please try again shortly."
	case nexuserr.CodeLLMContextTooLarge:
		return "This conversation is too long for the selected model's context window."
	case nexuserr.CodeLLMTimeout:
		return "The request to the provider timed out. Please try again."
	case nexuserr.CodeLLMProviderDown:
		return "The provider is temporarily unavailable. Please try again shortly."
	case nexuserr.CodeModelNotAvailable:
		return "The selected model is no longer available."
	default:
		return "Something went wrong generating a response. Please try again."
	}
}

// phase3Finalize is Phase 3: a single transaction that applies the terminal
// state to the assistant placeholder, whichever way Phase 2 landed.
func (o *Orchestrator) phase3Finalize(ctx context.Context, viewerID string, assistant store.Message, model *store.ModelRegistryEntry, exec executeResult, resolvedKey keyresolver.ResolvedKey, keyModeRequested store.KeyMode) (*store.Message, error) {
	var final *store.Message

	err := pgx.BeginFunc(ctx, o.store.Pool(), func(tx pgx.Tx) error {
		if exec.response != nil {
			content := exec.response.Content
			if len([]rune(content)) > MaxAssistantContentLength {
				content = string([]rune(content)[:MaxAssistantContentLength]) + TruncationNotice
			}
			if _, err := store.FinalizeMessageTx(ctx, tx, assistant.ID, content, store.StatusComplete, nil); err != nil {
				return err
			}

			promptTokens, completionTokens, totalTokens := exec.response.Usage.PromptTokens, exec.response.Usage.CompletionTokens, exec.response.Usage.TotalTokens
			if err := store.InsertMessageLLM(ctx, tx, store.MessageLLM{
				MessageID:        assistant.ID,
				Provider:         model.Provider,
				ModelName:        model.ModelName,
				PromptTokens:     &promptTokens,
				CompletionTokens: &completionTokens,
				TotalTokens:      &totalTokens,
				KeyModeRequested: keyModeRequested,
				KeyModeUsed:      resolvedKey.Mode,
				LatencyMS:        &exec.latencyMS,
				PromptVersion:    contextrender.PromptVersion,
			}); err != nil {
				return err
			}

			final = &store.Message{
				ID: assistant.ID, ConversationID: assistant.ConversationID, Seq: assistant.Seq,
				Role: store.RoleAssistant, Content: content, Status: store.StatusComplete, ModelID: assistant.ModelID,
			}

			if resolvedKey.Mode == store.KeyUsedBYOK {
				if err := o.keys.UpdateStatus(ctx, resolvedKey.UserKeyID, store.KeyStatusValid); err != nil {
					return err
				}
			}
			if resolvedKey.Mode == store.KeyUsedPlatform && totalTokens > 0 {
				o.limiter.ChargeTokenBudget(ctx, viewerID, assistant.ID, totalTokens)
			}
			return nil
		}

		errorClass := string(exec.err.Code)
		errorMessage := errorMessageForClass(exec.err.Code)
		if _, err := store.FinalizeMessageTx(ctx, tx, assistant.ID, errorMessage, store.StatusError, &errorClass); err != nil {
			return err
		}
		if err := store.InsertMessageLLM(ctx, tx, store.MessageLLM{
			MessageID:        assistant.ID,
			Provider:         model.Provider,
			ModelName:        model.ModelName,
			KeyModeRequested: keyModeRequested,
			KeyModeUsed:      resolvedKey.Mode,
			LatencyMS:        &exec.latencyMS,
			ErrorClass:       &errorClass,
			PromptVersion:    contextrender.PromptVersion,
		}); err != nil {
			return err
		}
		final = &store.Message{
			ID: assistant.ID, ConversationID: assistant.ConversationID, Seq: assistant.Seq,
			Role: store.RoleAssistant, Content: errorMessage, Status: store.StatusError, ErrorCode: &errorClass, ModelID: assistant.ModelID,
		}

		if resolvedKey.Mode == store.KeyUsedBYOK && exec.err.Code == nexuserr.CodeLLMInvalidKey {
			if err := o.keys.UpdateStatus(ctx, resolvedKey.UserKeyID, store.KeyStatusInvalid); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nexuserr.Internal(err)
	}
	return final, nil
}
