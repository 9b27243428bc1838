// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay contains the message orchestrator: the per-inbound-event
// state machine that ties the connection registry, rate limiter, LLM client
// and conversation store together. The websocket handler decodes envelopes
// and dispatches here; everything below this package is transport-agnostic.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
	"github.com/knath2000/klk-back-sub000/services/gateway/observability"
	"github.com/knath2000/klk-back-sub000/services/gateway/ratelimit"
	"github.com/knath2000/klk-back-sub000/services/gateway/resilience"
	"github.com/knath2000/klk-back-sub000/services/gateway/session"
	"github.com/knath2000/klk-back-sub000/services/gateway/store"
	"github.com/knath2000/klk-back-sub000/services/llm"
)

var tracer = otel.Tracer("klk.gateway.relay")

// =============================================================================
// Pipeline States
// =============================================================================

// chatState tracks a chat message through its pipeline. Transitions are
// linear except errored, which is absorbing and reachable from any step.
type chatState int

const (
	stateReceived chatState = iota
	stateValidated
	stateContextResolved
	stateStreaming
	statePersisted
	stateCompleted
	stateErrored
)

func (s chatState) String() string {
	switch s {
	case stateReceived:
		return "received"
	case stateValidated:
		return "validated"
	case stateContextResolved:
		return "context-resolved"
	case stateStreaming:
		return "llm-streaming"
	case statePersisted:
		return "persisted"
	case stateCompleted:
		return "completed"
	case stateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// =============================================================================
// Orchestrator
// =============================================================================

// TokenVerifier resolves a bearer token to a stable identity. An error
// means the token is invalid; the connection stays anonymous.
type TokenVerifier func(token string) (string, error)

// Config holds the orchestrator's tunables.
type Config struct {
	// DefaultModel is used when neither the request nor the conversation
	// names one.
	DefaultModel string

	// HistoryTurns bounds the trailing history included in the prompt.
	HistoryTurns int

	// TranslationStages is how many translation_delta frames a result is
	// split into before translation_final.
	TranslationStages int

	// StageDelay paces the staged translation frames. Zero disables
	// pacing (tests).
	StageDelay time.Duration

	// DefaultLanguage is the translation target when the client omits one.
	DefaultLanguage string
}

func (c Config) withDefaults() Config {
	if c.DefaultModel == "" {
		c.DefaultModel = "gpt-4o-mini"
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = datatypes.MaxHistoryTurns
	}
	if c.TranslationStages <= 0 {
		c.TranslationStages = 4
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
	return c
}

// Orchestrator is the entry point for every inbound realtime event.
//
// # Description
//
// One instance serves all connections. Each chat or translation request
// runs the full pipeline on the caller's goroutine (the websocket handler
// spawns one goroutine per inbound request), so requests from the same
// connection may be concurrent with each other while each request's
// outbound delta sequence stays strictly ordered.
//
// # Thread Safety
//
// Safe for concurrent use; all mutable state lives in the collaborators,
// each of which is concurrency-safe on its own.
type Orchestrator struct {
	registry *session.Registry
	limiter  *ratelimit.Limiter
	client   llm.ChatClient
	store    store.ConversationStore
	personas store.PersonaRegistry
	metrics  *observability.StreamingMetrics
	verify   TokenVerifier
	config   Config
}

// NewOrchestrator wires the orchestrator. metrics and verify may be nil
// (metrics disabled, all tokens rejected).
func NewOrchestrator(registry *session.Registry, limiter *ratelimit.Limiter,
	client llm.ChatClient, convStore store.ConversationStore,
	personas store.PersonaRegistry, metrics *observability.StreamingMetrics,
	verify TokenVerifier, config Config) *Orchestrator {

	return &Orchestrator{
		registry: registry,
		limiter:  limiter,
		client:   client,
		store:    convStore,
		personas: personas,
		metrics:  metrics,
		verify:   verify,
		config:   config.withDefaults(),
	}
}

// =============================================================================
// Session Events
// =============================================================================

// HandleAuthenticate upgrades the connection's identity from a bearer
// token. An invalid or empty token leaves the connection anonymous; the
// client is not failed, it just keeps guest ceilings and no persistence.
func (o *Orchestrator) HandleAuthenticate(connID string, p datatypes.AuthenticatePayload) {
	if p.Token == "" || o.verify == nil {
		return
	}
	identity, err := o.verify(p.Token)
	if err != nil {
		slog.Warn("Token verification failed, staying anonymous",
			"conn_id", connID, "error", err)
		return
	}
	o.registry.SetIdentity(connID, identity)
	slog.Info("Connection authenticated", "conn_id", connID, "identity", identity)
}

// HandleJoin verifies access and adds the connection to the conversation
// room. Guest conversations are ephemeral and joinable by anyone holding
// the id; persisted conversations require an owner or share grant.
func (o *Orchestrator) HandleJoin(ctx context.Context, connID string, p datatypes.JoinConversationPayload) {
	if err := datatypes.Validate(p); err != nil {
		o.emitError(connID, datatypes.ErrCodeValidation, "conversationId is required")
		return
	}

	if !datatypes.IsGuestConversation(p.ConversationID) {
		identity := o.registry.Identity(connID)
		allowed, err := o.store.CheckAccess(ctx, p.ConversationID, identity)
		if err != nil || !allowed {
			o.registry.SendTo(connID, datatypes.EventAccessDenied, datatypes.AccessDeniedPayload{
				ConversationID: p.ConversationID,
				Message:        "You do not have access to this conversation.",
			})
			return
		}
	}
	o.registry.Join(connID, p.ConversationID)
}

// HandleLeave removes the connection from the room.
func (o *Orchestrator) HandleLeave(connID string, p datatypes.LeaveConversationPayload) {
	if err := datatypes.Validate(p); err != nil {
		return
	}
	o.registry.Leave(connID, p.ConversationID)
}

// HandleTyping relays a typing indicator to the other room occupants.
func (o *Orchestrator) HandleTyping(connID string, p datatypes.TypingPayload) {
	if err := datatypes.Validate(p); err != nil {
		return
	}
	o.registry.Broadcast(p.ConversationID, connID, datatypes.EventUserTyping,
		datatypes.RoomPresencePayload{
			ConversationID: p.ConversationID,
			Identity:       o.registry.Identity(connID),
			IsTyping:       p.IsTyping,
		})
}

// HandleLoadHistory returns the persisted turns for a conversation the
// caller can access. Guest conversations have no persisted history; an
// empty list is returned rather than an error.
func (o *Orchestrator) HandleLoadHistory(ctx context.Context, connID string, p datatypes.LoadHistoryPayload) {
	if err := datatypes.Validate(p); err != nil {
		o.emitError(connID, datatypes.ErrCodeValidation, "conversationId is required")
		return
	}

	if datatypes.IsGuestConversation(p.ConversationID) {
		o.registry.SendTo(connID, datatypes.EventHistoryLoaded, datatypes.HistoryLoadedPayload{
			ConversationID: p.ConversationID,
			Messages:       []datatypes.StoredTurn{},
		})
		return
	}

	identity := o.registry.Identity(connID)
	allowed, err := o.store.CheckAccess(ctx, p.ConversationID, identity)
	if err != nil || !allowed {
		o.registry.SendTo(connID, datatypes.EventAccessDenied, datatypes.AccessDeniedPayload{
			ConversationID: p.ConversationID,
			Message:        "You do not have access to this conversation.",
		})
		return
	}

	turns, err := o.store.RecentMessages(ctx, p.ConversationID, 0)
	if err != nil {
		o.emitError(connID, datatypes.ErrCodeUpstream, "Could not load history.")
		return
	}
	if turns == nil {
		turns = []datatypes.StoredTurn{}
	}
	o.registry.SendTo(connID, datatypes.EventHistoryLoaded, datatypes.HistoryLoadedPayload{
		ConversationID: p.ConversationID,
		Messages:       turns,
	})
}

// HandleCancel aborts an in-flight stream. Cancelling an unknown or
// already-finished request id is a no-op.
func (o *Orchestrator) HandleCancel(connID string, p datatypes.CancelRequestPayload) {
	if err := datatypes.Validate(p); err != nil {
		return
	}
	slog.Info("Stream cancel requested", "conn_id", connID, "request_id", p.RequestID)
	o.client.Cancel(p.RequestID)
}

// =============================================================================
// Chat Pipeline
// =============================================================================

// HandleUserMessage runs the full chat pipeline for one inbound message:
//
//	received -> validated -> context-resolved -> llm-streaming ->
//	persisted -> completed
//
// with errored absorbing failures at any step. Deltas are forwarded to the
// sending connection as they arrive; on completion the assembled message is
// persisted (authenticated sessions only) and assistant_final emitted. A
// newly created conversation additionally announces conversation_created.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, connID string, p datatypes.UserMessagePayload) {
	ctx, span := tracer.Start(ctx, "Orchestrator.HandleUserMessage")
	defer span.End()

	start := time.Now()
	state := stateReceived
	identity := o.registry.Identity(connID)
	span.SetAttributes(attribute.String("gateway.identity", identity))

	// received -> validated
	if err := datatypes.Validate(p); err != nil {
		o.failChat(connID, span, &state, datatypes.ErrCodeValidation,
			"A message and a persona selection are required.")
		return
	}
	personaPrompt, ok := o.personas.Lookup(p.SelectedPersonaKey)
	if !ok {
		o.failChat(connID, span, &state, datatypes.ErrCodeValidation,
			fmt.Sprintf("Unknown persona %q.", p.SelectedPersonaKey))
		return
	}
	if err := o.checkLimit(identity, ratelimit.ClassChat); err != nil {
		code, message := mapUpstreamError(err)
		o.failChat(connID, span, &state, code, message)
		return
	}
	state = stateValidated

	// validated -> context-resolved
	authenticated := identity != ratelimit.AnonymousIdentity
	conv, created, err := o.resolveConversation(ctx, identity, p)
	if err != nil {
		slog.Error("Conversation resolution failed", "error", err, "identity", identity)
		o.failChat(connID, span, &state, datatypes.ErrCodeUpstream,
			"Could not start the conversation. Please try again.")
		return
	}
	state = stateContextResolved
	span.SetAttributes(attribute.String("gateway.conversation_id", conv.ID))

	messages, err := o.buildMessages(ctx, personaPrompt, conv, p.Message, authenticated)
	if err != nil {
		o.failChat(connID, span, &state, datatypes.ErrCodeUpstream,
			"Could not load the conversation history. Please try again.")
		return
	}

	if authenticated {
		userTurn := datatypes.StoredTurn{
			ID:        uuid.NewString(),
			Role:      datatypes.RoleUser,
			Content:   p.Message,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := o.store.AppendMessage(ctx, conv.ID, userTurn); err != nil {
			slog.Warn("Failed to persist user turn", "error", err, "conversation", conv.ID)
		}
	}

	model := o.resolveModel(p.Model, conv.Model)
	if authenticated && p.Model != "" && p.Model != conv.Model {
		if err := o.store.SetModel(ctx, conv.ID, p.Model); err != nil {
			slog.Warn("Failed to record conversation model", "error", err, "conversation", conv.ID)
		}
	}

	messageID := p.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.String("gateway.message_id", messageID),
	)

	// context-resolved -> llm-streaming
	state = stateStreaming
	o.metrics.StreamStarted(observability.EndpointChat)
	defer o.metrics.StreamEnded(observability.EndpointChat)

	var assembled []byte
	index := 0
	firstChunkAt := time.Time{}
	streamErr := o.client.StreamCompletion(ctx, messages,
		llm.Options{RequestID: messageID, Model: model},
		func(chunk datatypes.DeltaChunk) error {
			if chunk.IsFinal || chunk.Text == "" {
				return nil
			}
			if firstChunkAt.IsZero() {
				firstChunkAt = time.Now()
				o.metrics.RecordTimeToFirstChunk(observability.EndpointChat,
					firstChunkAt.Sub(start).Seconds())
			}
			assembled = append(assembled, chunk.Text...)
			o.metrics.RecordChunk(model)
			o.registry.SendTo(connID, datatypes.EventAssistantDelta, datatypes.AssistantDeltaPayload{
				MessageID: messageID,
				Chunk:     chunk.Text,
				Index:     index,
			})
			index++
			return nil
		})

	if streamErr != nil {
		o.finishChatError(connID, span, &state, messageID, conv.ID, string(assembled), streamErr, start)
		return
	}

	// llm-streaming -> persisted
	finalContent := string(assembled)
	if authenticated {
		assistantTurn := datatypes.StoredTurn{
			ID:        uuid.NewString(),
			Role:      datatypes.RoleAssistant,
			Content:   finalContent,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := o.store.AppendMessage(ctx, conv.ID, assistantTurn); err != nil {
			slog.Warn("Failed to persist assistant turn", "error", err, "conversation", conv.ID)
		}
	}
	state = statePersisted

	// persisted -> completed
	o.registry.SendTo(connID, datatypes.EventAssistantFinal, datatypes.AssistantFinalPayload{
		MessageID:      messageID,
		FinalContent:   finalContent,
		Timestamp:      time.Now().UnixMilli(),
		ConversationID: conv.ID,
	})
	if created {
		o.registry.SendTo(connID, datatypes.EventConversationCreated, datatypes.ConversationCreatedPayload{
			ConversationID: conv.ID,
		})
	}
	state = stateCompleted

	o.metrics.RecordRequest(observability.EndpointChat, true)
	o.metrics.RecordStreamDuration(observability.EndpointChat, time.Since(start).Seconds(), true)
	slog.Info("Chat pipeline completed",
		"conn_id", connID, "conversation", conv.ID, "message_id", messageID,
		"state", state, "chunks", index, "duration", time.Since(start))
}

// resolveConversation maps the optional client-supplied conversation id to
// a Conversation, creating one when needed.
//
// Anonymous identities get an ephemeral guest conversation that never
// touches the store. For authenticated identities a supplied id is access
// checked; a stale or inaccessible id is replaced by a fresh conversation
// rather than failing the message.
func (o *Orchestrator) resolveConversation(ctx context.Context, identity string,
	p datatypes.UserMessagePayload) (*datatypes.Conversation, bool, error) {

	if identity == ratelimit.AnonymousIdentity {
		id := p.ConversationID
		created := false
		if !datatypes.IsGuestConversation(id) {
			id = datatypes.GuestConversationPrefix + uuid.NewString()
			created = true
		}
		return &datatypes.Conversation{ID: id, OwnerID: identity, PersonaKey: p.SelectedPersonaKey}, created, nil
	}

	if p.ConversationID != "" && !datatypes.IsGuestConversation(p.ConversationID) {
		allowed, err := o.store.CheckAccess(ctx, p.ConversationID, identity)
		if err == nil && allowed {
			conv, err := o.store.Get(ctx, p.ConversationID)
			if err == nil {
				return conv, false, nil
			}
		}
		// Stale or inaccessible id: fall through and create a fresh
		// conversation instead of surfacing an access error.
		slog.Info("Replacing stale conversation id",
			"conversation", p.ConversationID, "identity", identity)
	}

	conv, err := o.store.Create(ctx, identity, p.SelectedPersonaKey)
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// buildMessages assembles the upstream prompt: persona system prompt,
// bounded trailing history (authenticated only), current user message.
func (o *Orchestrator) buildMessages(ctx context.Context, personaPrompt string,
	conv *datatypes.Conversation, userMessage string, authenticated bool) ([]datatypes.Message, error) {

	messages := []datatypes.Message{{Role: datatypes.RoleSystem, Content: personaPrompt}}

	if authenticated {
		turns, err := o.store.RecentMessages(ctx, conv.ID, o.config.HistoryTurns)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		for _, turn := range turns {
			messages = append(messages, datatypes.Message{Role: turn.Role, Content: turn.Content})
		}
	}

	return append(messages, datatypes.Message{Role: datatypes.RoleUser, Content: userMessage}), nil
}

// resolveModel applies the precedence: explicit request model, then the
// conversation's recorded model, then the configured default.
func (o *Orchestrator) resolveModel(requested, recorded string) string {
	if requested != "" {
		return requested
	}
	if recorded != "" {
		return recorded
	}
	return o.config.DefaultModel
}

// failChat emits a typed error for a pre-stream failure and absorbs the
// pipeline into errored.
func (o *Orchestrator) failChat(connID string, span trace.Span,
	state *chatState, code, message string) {

	*state = stateErrored
	span.SetStatus(codes.Error, code)
	o.metrics.RecordRequest(observability.EndpointChat, false)
	o.metrics.RecordError(observability.EndpointChat, observability.ErrorCode(code))
	o.emitError(connID, code, message)
}

// finishChatError closes out a failed stream. Cancellation suppresses all
// emission; everything else emits a typed error plus a degraded
// assistant_final (the partial text when any was streamed, a canned
// apology otherwise) so the conversation does not dead-end in silence.
func (o *Orchestrator) finishChatError(connID string, span trace.Span,
	state *chatState, messageID, conversationID, partial string, streamErr error, start time.Time) {

	*state = stateErrored
	o.metrics.RecordRequest(observability.EndpointChat, false)
	o.metrics.RecordStreamDuration(observability.EndpointChat, time.Since(start).Seconds(), false)

	if resilience.IsCancellation(streamErr) {
		o.metrics.RecordError(observability.EndpointChat, observability.ErrorCodeCancelled)
		slog.Info("Chat stream cancelled by user",
			"conn_id", connID, "message_id", messageID)
		return
	}

	span.SetStatus(codes.Error, streamErr.Error())
	code, message := mapUpstreamError(streamErr)
	o.metrics.RecordError(observability.EndpointChat, observability.ErrorCode(code))
	slog.Error("Chat stream failed",
		"error", streamErr, "conn_id", connID, "message_id", messageID)
	o.emitError(connID, code, message)

	fallback := partial
	if fallback == "" {
		fallback = "Lo siento, tuve un problema al responder. Inténtalo de nuevo en un momento."
	}
	o.registry.SendTo(connID, datatypes.EventAssistantFinal, datatypes.AssistantFinalPayload{
		MessageID:      messageID,
		FinalContent:   fallback,
		Timestamp:      time.Now().UnixMilli(),
		ConversationID: conversationID,
	})
}

// =============================================================================
// Translation Pipeline
// =============================================================================

// HandleTranslation serves one translation query: rate limit, structured
// completion, staged translation_delta frames, then translation_final with
// the full structured result. Upstream and schema failures degrade to the
// fallback result inside the client; the only user-facing translation
// errors are validation and rate limiting.
func (o *Orchestrator) HandleTranslation(ctx context.Context, connID string, p datatypes.TranslationRequestPayload) {
	ctx, span := tracer.Start(ctx, "Orchestrator.HandleTranslation")
	defer span.End()

	start := time.Now()
	identity := o.registry.Identity(connID)

	if err := datatypes.Validate(p); err != nil {
		span.SetStatus(codes.Error, "validation")
		o.metrics.RecordError(observability.EndpointTranslation, observability.ErrorCodeValidation)
		o.registry.SendTo(connID, datatypes.EventTranslationError, datatypes.TranslationErrorPayload{
			Message: "A query is required.",
		})
		return
	}
	if err := o.checkLimit(identity, ratelimit.ClassTranslation); err != nil {
		span.SetStatus(codes.Error, "rate limited")
		o.metrics.RecordError(observability.EndpointTranslation, observability.ErrorCodeRateLimited)
		o.registry.SendTo(connID, datatypes.EventTranslationError, datatypes.TranslationErrorPayload{
			Message: "Too many translation requests. Please wait a minute.",
		})
		return
	}

	language := p.Language
	if language == "" {
		language = o.config.DefaultLanguage
	}
	span.SetAttributes(attribute.String("translation.language", language))

	o.metrics.StreamStarted(observability.EndpointTranslation)
	defer o.metrics.StreamEnded(observability.EndpointTranslation)

	result, err := o.client.Translate(ctx, p.Query, language, p.Context)
	if err != nil {
		// Translate degrades internally; an error here is a programming
		// error, but degrade anyway rather than dead-end the client.
		slog.Error("Translate returned unexpected error", "error", err)
		result = datatypes.FallbackTranslation(p.Query)
	}

	o.emitStagedTranslation(connID, result)
	o.metrics.RecordRequest(observability.EndpointTranslation, true)
	o.metrics.RecordStreamDuration(observability.EndpointTranslation, time.Since(start).Seconds(), true)
	slog.Debug("Translation completed",
		"conn_id", connID, "query", p.Query, "duration", time.Since(start))
}

// emitStagedTranslation sends the result as paced translation_delta frames
// followed by translation_final. The transport prefers discrete message
// framing, so the "stream" is staged from the completed result.
func (o *Orchestrator) emitStagedTranslation(connID string, result *datatypes.TranslationResult) {
	id := uuid.NewString()

	encoded, err := json.Marshal(result)
	if err == nil {
		stages := splitStages(string(encoded), o.config.TranslationStages)
		for i, stage := range stages {
			o.registry.SendTo(connID, datatypes.EventTranslationDelta, datatypes.TranslationDeltaPayload{
				Chunk: stage,
				Index: i,
				Total: len(stages),
				ID:    id,
			})
			if o.config.StageDelay > 0 && i < len(stages)-1 {
				time.Sleep(o.config.StageDelay)
			}
		}
	}

	o.registry.SendTo(connID, datatypes.EventTranslationFinal, result)
}

// splitStages cuts s into at most n contiguous pieces of near-equal size.
func splitStages(s string, n int) []string {
	if n <= 1 || len(s) <= n {
		return []string{s}
	}
	size := (len(s) + n - 1) / n
	stages := make([]string, 0, n)
	for start := 0; start < len(s); start += size {
		end := start + size
		if end > len(s) {
			end = len(s)
		}
		stages = append(stages, s[start:end])
	}
	return stages
}

// =============================================================================
// Error Translation
// =============================================================================

// emitError sends the generic outbound error event.
func (o *Orchestrator) emitError(connID, code, message string) {
	o.registry.SendTo(connID, datatypes.EventError, datatypes.ErrorPayload{
		Message: message,
		Code:    code,
	})
}

// checkLimit consults the fixed-window limiter, recording the denial
// metric on its way out.
func (o *Orchestrator) checkLimit(identity string, class ratelimit.Class) error {
	if o.limiter.Allow(identity, class) {
		return nil
	}
	o.metrics.RecordRateLimitDenial(string(class))
	return fmt.Errorf("%w: %s window exhausted", resilience.ErrRateLimited, class)
}

// mapUpstreamError translates a pipeline failure into an outbound error
// code and user-facing message. No upstream detail crosses the transport.
func mapUpstreamError(err error) (string, string) {
	switch {
	case errors.Is(err, resilience.ErrRateLimited):
		return datatypes.ErrCodeRateLimited,
			"You are sending messages too quickly. Please wait a moment."
	case errors.Is(err, resilience.ErrCircuitOpen):
		return datatypes.ErrCodeUnavailable,
			"The assistant is temporarily unavailable. Please try again in a couple of minutes."
	case errors.Is(err, resilience.ErrValidation):
		return datatypes.ErrCodeValidation, "The request could not be processed."
	case errors.Is(err, resilience.ErrAccessDenied):
		return datatypes.ErrCodeAccess, "You do not have access to this conversation."
	default:
		return datatypes.ErrCodeUpstream,
			"The assistant had trouble responding. Please try again."
	}
}
