// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
	"github.com/knath2000/klk-back-sub000/services/gateway/ratelimit"
	"github.com/knath2000/klk-back-sub000/services/gateway/resilience"
	"github.com/knath2000/klk-back-sub000/services/gateway/session"
	"github.com/knath2000/klk-back-sub000/services/gateway/store"
	"github.com/knath2000/klk-back-sub000/services/llm"
)

// =============================================================================
// Fakes
// =============================================================================

// recordingSender captures everything the orchestrator emits to one
// connection.
type recordingSender struct {
	mu     sync.Mutex
	events []sentEvent
}

type sentEvent struct {
	event   string
	payload any
}

func (s *recordingSender) SendEvent(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sentEvent{event, payload})
	return nil
}

func (s *recordingSender) byType(event string) []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentEvent
	for _, e := range s.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// scriptedClient is a ChatClient that plays back configured chunks.
type scriptedClient struct {
	mu             sync.Mutex
	chunks         []string
	streamErr      error
	streamCalls    int
	translateCalls int
	lastMessages   []datatypes.Message
	lastOpts       llm.Options
	cancelled      []string
}

func (c *scriptedClient) StreamCompletion(ctx context.Context, messages []datatypes.Message,
	opts llm.Options, cb llm.StreamCallback) error {

	c.mu.Lock()
	c.streamCalls++
	c.lastMessages = messages
	c.lastOpts = opts
	chunks := c.chunks
	streamErr := c.streamErr
	c.mu.Unlock()

	for _, text := range chunks {
		if err := cb(datatypes.DeltaChunk{Text: text}); err != nil {
			return err
		}
	}
	if streamErr != nil {
		return streamErr
	}
	return cb(datatypes.DeltaChunk{IsFinal: true})
}

func (c *scriptedClient) FetchCompletion(ctx context.Context,
	messages []datatypes.Message, opts llm.Options) (string, error) {
	return strings.Join(c.chunks, ""), nil
}

func (c *scriptedClient) Translate(ctx context.Context,
	query, language, usageContext string) (*datatypes.TranslationResult, error) {
	c.mu.Lock()
	c.translateCalls++
	c.mu.Unlock()
	return &datatypes.TranslationResult{
		Definitions:  []datatypes.TranslationDefinition{{Meaning: "what's up"}},
		Examples:     []datatypes.TranslationExample{},
		Conjugations: []datatypes.TranslationConjugation{},
		Audio:        []datatypes.TranslationAudio{},
		Related:      []string{},
	}, nil
}

func (c *scriptedClient) Cancel(requestID string) {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, requestID)
	c.mu.Unlock()
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	orch     *Orchestrator
	registry *session.Registry
	client   *scriptedClient
	store    *store.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	registry := session.NewRegistry(0, 0)
	client := &scriptedClient{chunks: []string{"Hola", ", ¿qué lo que?"}}
	memStore := store.NewMemoryStore()
	orch := NewOrchestrator(
		registry,
		ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		client,
		memStore,
		store.NewStaticPersonas(),
		nil, // metrics disabled
		func(token string) (string, error) { return "user-" + token, nil },
		Config{DefaultModel: "test-model"},
	)
	return &harness{orch: orch, registry: registry, client: client, store: memStore}
}

func (h *harness) connect(t *testing.T, connID, identity string) *recordingSender {
	t.Helper()
	sender := &recordingSender{}
	h.registry.Register(connID, identity, sender)
	return sender
}

// =============================================================================
// Chat Pipeline
// =============================================================================

func TestHandleUserMessage_NewConversationFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sender := h.connect(t, "c1", "user-1")

	h.orch.HandleUserMessage(context.Background(), "c1", datatypes.UserMessagePayload{
		Message:            "Hola",
		SelectedPersonaKey: "mex",
	})

	deltas := sender.byType(datatypes.EventAssistantDelta)
	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(deltas))
	}
	for i, d := range deltas {
		payload := d.payload.(datatypes.AssistantDeltaPayload)
		if payload.Index != i {
			t.Errorf("delta %d has index %d", i, payload.Index)
		}
	}

	finals := sender.byType(datatypes.EventAssistantFinal)
	if len(finals) != 1 {
		t.Fatalf("expected exactly one assistant_final, got %d", len(finals))
	}
	final := finals[0].payload.(datatypes.AssistantFinalPayload)
	if final.FinalContent != "Hola, ¿qué lo que?" {
		t.Errorf("unexpected final content: %q", final.FinalContent)
	}

	created := sender.byType(datatypes.EventConversationCreated)
	if len(created) != 1 {
		t.Fatalf("expected exactly one conversation_created, got %d", len(created))
	}
	convID := created[0].payload.(datatypes.ConversationCreatedPayload).ConversationID
	if convID != final.ConversationID {
		t.Error("conversation_created and assistant_final must agree on the id")
	}

	// Persona prompt first, then the user text.
	if h.client.lastMessages[0].Role != datatypes.RoleSystem {
		t.Error("expected persona system prompt as first upstream message")
	}
	last := h.client.lastMessages[len(h.client.lastMessages)-1]
	if last.Role != datatypes.RoleUser || last.Content != "Hola" {
		t.Errorf("expected user text last, got %+v", last)
	}

	// Both turns persisted.
	turns, err := h.store.RecentMessages(context.Background(), convID, 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(turns) != 2 || turns[0].Role != datatypes.RoleUser || turns[1].Role != datatypes.RoleAssistant {
		t.Errorf("expected persisted user+assistant turns, got %+v", turns)
	}
}

func TestHandleUserMessage_AnonymousSkipsPersistence(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sender := h.connect(t, "c1", ratelimit.AnonymousIdentity)

	h.orch.HandleUserMessage(context.Background(), "c1", datatypes.UserMessagePayload{
		Message:            "Hola",
		SelectedPersonaKey: "dom",
	})

	finals := sender.byType(datatypes.EventAssistantFinal)
	if len(finals) != 1 {
		t.Fatalf("expected one assistant_final, got %d", len(finals))
	}
	final := finals[0].payload.(datatypes.AssistantFinalPayload)
	if !datatypes.IsGuestConversation(final.ConversationID) {
		t.Errorf("expected a guest conversation id, got %q", final.ConversationID)
	}

	// Anonymous sessions include no history in the prompt: system + user.
	if len(h.client.lastMessages) != 2 {
		t.Errorf("expected 2 upstream messages, got %d", len(h.client.lastMessages))
	}

	// Nothing persisted.
	if _, err := h.store.Get(context.Background(), final.ConversationID); err == nil {
		t.Error("guest conversation must not be persisted")
	}
}

func TestHandleUserMessage_StaleConversationIDReplaced(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sender := h.connect(t, "c1", "user-1")

	h.orch.HandleUserMessage(context.Background(), "c1", datatypes.UserMessagePayload{
		Message:            "Hola",
		SelectedPersonaKey: "mex",
		ConversationID:     "conv-from-old-device",
	})

	if len(sender.byType(datatypes.EventError)) != 0 {
		t.Error("stale conversation id must not surface an error")
	}
	created := sender.byType(datatypes.EventConversationCreated)
	if len(created) != 1 {
		t.Fatalf("expected a fresh conversation, got %d created events", len(created))
	}
	if created[0].payload.(datatypes.ConversationCreatedPayload).ConversationID == "conv-from-old-device" {
		t.Error("stale id must be replaced, not reused")
	}
}

func TestHandleUserMessage_ValidationRejects(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sender := h.connect(t, "c1", "user-1")

	h.orch.HandleUserMessage(context.Background(), "c1", datatypes.UserMessagePayload{
		Message:            "",
		SelectedPersonaKey: "mex",
	})
	h.orch.HandleUserMessage(context.Background(), "c1", datatypes.UserMessagePayload{
		Message:            "Hola",
		SelectedPersonaKey: "atlantis",
	})

	errs := sender.byType(datatypes.EventError)
	if len(errs) != 2 {
		t.Fatalf("expected 2 validation errors, got %d", len(errs))
	}
	for _, e := range errs {
		if e.payload.(datatypes.ErrorPayload).Code != datatypes.ErrCodeValidation {
			t.Errorf("expected validation code, got %+v", e.payload)
		}
	}
	if h.client.streamCalls != 0 {
		t.Errorf("invalid messages must not reach the upstream, got %d calls", h.client.streamCalls)
	}
}

func TestHandleUserMessage_UpstreamFailureEmitsFallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.chunks = []string{"Em"}
	h.client.streamErr = resilience.ErrUpstreamTransient
	sender := h.connect(t, "c1", "user-1")

	h.orch.HandleUserMessage(context.Background(), "c1", datatypes.UserMessagePayload{
		Message:            "Hola",
		SelectedPersonaKey: "mex",
	})

	errs := sender.byType(datatypes.EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if errs[0].payload.(datatypes.ErrorPayload).Code != datatypes.ErrCodeUpstream {
		t.Errorf("expected upstream error code, got %+v", errs[0].payload)
	}

	// The partial text is served as a degraded final rather than silence.
	finals := sender.byType(datatypes.EventAssistantFinal)
	if len(finals) != 1 {
		t.Fatalf("expected a degraded assistant_final, got %d", len(finals))
	}
	if finals[0].payload.(datatypes.AssistantFinalPayload).FinalContent != "Em" {
		t.Errorf("expected partial content in fallback, got %+v", finals[0].payload)
	}
}

func TestHandleUserMessage_CircuitOpenMapsToUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.chunks = nil
	h.client.streamErr = resilience.ErrCircuitOpen
	sender := h.connect(t, "c1", "user-1")

	h.orch.HandleUserMessage(context.Background(), "c1", datatypes.UserMessagePayload{
		Message:            "Hola",
		SelectedPersonaKey: "mex",
	})

	errs := sender.byType(datatypes.EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if errs[0].payload.(datatypes.ErrorPayload).Code != datatypes.ErrCodeUnavailable {
		t.Errorf("expected service_unavailable code, got %+v", errs[0].payload)
	}
}

func TestHandleUserMessage_CancellationIsSilent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.chunks = []string{"Hol"}
	h.client.streamErr = resilience.ErrCancelled
	sender := h.connect(t, "c1", "user-1")

	h.orch.HandleUserMessage(context.Background(), "c1", datatypes.UserMessagePayload{
		Message:            "Hola",
		SelectedPersonaKey: "mex",
	})

	if got := len(sender.byType(datatypes.EventAssistantFinal)); got != 0 {
		t.Errorf("cancellation must suppress assistant_final, got %d", got)
	}
	if got := len(sender.byType(datatypes.EventError)); got != 0 {
		t.Errorf("cancellation must suppress error events, got %d", got)
	}
}

func TestHandleUserMessage_ModelPrecedence(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sender := h.connect(t, "c1", "user-1")

	// No model anywhere: configured default.
	h.orch.HandleUserMessage(context.Background(), "c1", datatypes.UserMessagePayload{
		Message:            "Hola",
		SelectedPersonaKey: "mex",
	})
	if h.client.lastOpts.Model != "test-model" {
		t.Errorf("expected configured default model, got %q", h.client.lastOpts.Model)
	}

	convID := sender.byType(datatypes.EventConversationCreated)[0].
		payload.(datatypes.ConversationCreatedPayload).ConversationID

	// Explicit request model wins and is recorded on the conversation.
	h.orch.HandleUserMessage(context.Background(), "c1", datatypes.UserMessagePayload{
		Message:            "Otra",
		SelectedPersonaKey: "mex",
		ConversationID:     convID,
		Model:              "o3-mini",
	})
	if h.client.lastOpts.Model != "o3-mini" {
		t.Errorf("expected explicit model, got %q", h.client.lastOpts.Model)
	}

	// Absent again: the conversation's recorded model beats the default.
	h.orch.HandleUserMessage(context.Background(), "c1", datatypes.UserMessagePayload{
		Message:            "Y otra",
		SelectedPersonaKey: "mex",
		ConversationID:     convID,
	})
	if h.client.lastOpts.Model != "o3-mini" {
		t.Errorf("expected recorded conversation model, got %q", h.client.lastOpts.Model)
	}
}

func TestHandleCancel_ForwardsToAdapter(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t, "c1", "user-1")

	h.orch.HandleCancel("c1", datatypes.CancelRequestPayload{RequestID: "msg-7"})
	h.orch.HandleCancel("c1", datatypes.CancelRequestPayload{RequestID: "msg-7"})

	if len(h.client.cancelled) != 2 || h.client.cancelled[0] != "msg-7" {
		t.Errorf("expected cancel forwarded to adapter, got %v", h.client.cancelled)
	}
}

// =============================================================================
// Translation Pipeline
// =============================================================================

func TestHandleTranslation_StagedDeltasThenFinal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sender := h.connect(t, "c1", "user-1")

	h.orch.HandleTranslation(context.Background(), "c1", datatypes.TranslationRequestPayload{
		Query: "que lo que",
	})

	deltas := sender.byType(datatypes.EventTranslationDelta)
	if len(deltas) == 0 {
		t.Fatal("expected staged translation deltas")
	}
	var reassembled strings.Builder
	total := deltas[0].payload.(datatypes.TranslationDeltaPayload).Total
	if total != len(deltas) {
		t.Errorf("total %d disagrees with delta count %d", total, len(deltas))
	}
	for i, d := range deltas {
		payload := d.payload.(datatypes.TranslationDeltaPayload)
		if payload.Index != i {
			t.Errorf("delta %d has index %d", i, payload.Index)
		}
		reassembled.WriteString(payload.Chunk)
	}
	if !strings.Contains(reassembled.String(), "what's up") {
		t.Errorf("reassembled deltas missing result content: %s", reassembled.String())
	}

	finals := sender.byType(datatypes.EventTranslationFinal)
	if len(finals) != 1 {
		t.Fatalf("expected one translation_final, got %d", len(finals))
	}
	result := finals[0].payload.(*datatypes.TranslationResult)
	if len(result.Definitions) != 1 || result.Definitions[0].Meaning != "what's up" {
		t.Errorf("unexpected structured result: %+v", result)
	}
}

func TestHandleUserMessage_AnonymousRateLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sender := h.connect(t, "c1", ratelimit.AnonymousIdentity)

	// Default anonymous chat ceiling is 8: the 9th message inside the
	// window is denied without an upstream call.
	for i := 0; i < 9; i++ {
		h.orch.HandleUserMessage(context.Background(), "c1", datatypes.UserMessagePayload{
			Message:            "Hola",
			SelectedPersonaKey: "mex",
		})
	}

	if h.client.streamCalls != 8 {
		t.Errorf("expected 8 upstream stream calls, got %d", h.client.streamCalls)
	}
	errs := sender.byType(datatypes.EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	p := errs[0].payload.(datatypes.ErrorPayload)
	if p.Code != datatypes.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", p.Code, datatypes.ErrCodeRateLimited)
	}
	if !strings.Contains(p.Message, "too quickly") {
		t.Errorf("expected a rate limit message, got %q", p.Message)
	}
}

func TestHandleTranslation_AnonymousRateLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sender := h.connect(t, "c1", ratelimit.AnonymousIdentity)

	// Default anonymous translation ceiling is 3: the 4th query inside
	// the window is denied without an upstream call.
	for i := 0; i < 4; i++ {
		h.orch.HandleTranslation(context.Background(), "c1", datatypes.TranslationRequestPayload{
			Query: "vaina",
		})
	}

	if h.client.translateCalls != 3 {
		t.Errorf("expected 3 upstream translation calls, got %d", h.client.translateCalls)
	}
	errs := sender.byType(datatypes.EventTranslationError)
	if len(errs) != 1 {
		t.Fatalf("expected one translation_error, got %d", len(errs))
	}
	msg := errs[0].payload.(datatypes.TranslationErrorPayload).Message
	if !strings.Contains(msg, "Too many") {
		t.Errorf("expected a rate limit message, got %q", msg)
	}
	if got := len(sender.byType(datatypes.EventTranslationFinal)); got != 3 {
		t.Errorf("expected 3 translation_final events, got %d", got)
	}
}

func TestHandleTranslation_EmptyQueryRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sender := h.connect(t, "c1", "user-1")

	h.orch.HandleTranslation(context.Background(), "c1", datatypes.TranslationRequestPayload{})

	if h.client.translateCalls != 0 {
		t.Errorf("empty query must not reach upstream, got %d calls", h.client.translateCalls)
	}
	if len(sender.byType(datatypes.EventTranslationError)) != 1 {
		t.Error("expected a translation_error for the empty query")
	}
}

// =============================================================================
// Room Events
// =============================================================================

func TestHandleJoin_AccessDeniedForForeignConversation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	owner := h.connect(t, "c1", "user-1")
	intruder := h.connect(t, "c2", "user-2")

	conv, err := h.store.Create(context.Background(), "user-1", "mex")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.orch.HandleJoin(context.Background(), "c1", datatypes.JoinConversationPayload{ConversationID: conv.ID})
	h.orch.HandleJoin(context.Background(), "c2", datatypes.JoinConversationPayload{ConversationID: conv.ID})

	if len(intruder.byType(datatypes.EventAccessDenied)) != 1 {
		t.Error("expected access_denied for the non-owner")
	}
	if h.registry.RoomSize(conv.ID) != 1 {
		t.Errorf("expected only the owner in the room, got %d", h.registry.RoomSize(conv.ID))
	}

	// A share grant flips the decision.
	h.store.Share(conv.ID, "user-2")
	h.orch.HandleJoin(context.Background(), "c2", datatypes.JoinConversationPayload{ConversationID: conv.ID})
	if h.registry.RoomSize(conv.ID) != 2 {
		t.Errorf("expected both members after share, got %d", h.registry.RoomSize(conv.ID))
	}
	if len(owner.byType(datatypes.EventUserJoined)) != 1 {
		t.Error("expected the owner to see the join notification")
	}
}

func TestHandleTyping_RelaysToRoom(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t, "c1", ratelimit.AnonymousIdentity)
	peer := h.connect(t, "c2", ratelimit.AnonymousIdentity)

	guestID := datatypes.GuestConversationPrefix + "abc"
	h.orch.HandleJoin(context.Background(), "c1", datatypes.JoinConversationPayload{ConversationID: guestID})
	h.orch.HandleJoin(context.Background(), "c2", datatypes.JoinConversationPayload{ConversationID: guestID})

	h.orch.HandleTyping("c1", datatypes.TypingPayload{ConversationID: guestID, IsTyping: true})

	typing := peer.byType(datatypes.EventUserTyping)
	if len(typing) != 1 {
		t.Fatalf("expected peer to see one typing event, got %d", len(typing))
	}
	if !typing[0].payload.(datatypes.RoomPresencePayload).IsTyping {
		t.Error("expected isTyping true")
	}
}

func TestHandleLoadHistory_ReturnsPersistedTurns(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sender := h.connect(t, "c1", "user-1")

	conv, _ := h.store.Create(context.Background(), "user-1", "mex")
	h.store.AppendMessage(context.Background(), conv.ID, datatypes.StoredTurn{
		ID: "t1", Role: datatypes.RoleUser, Content: "Hola", Timestamp: time.Now().UnixMilli(),
	})

	h.orch.HandleLoadHistory(context.Background(), "c1", datatypes.LoadHistoryPayload{ConversationID: conv.ID})

	loaded := sender.byType(datatypes.EventHistoryLoaded)
	if len(loaded) != 1 {
		t.Fatalf("expected one history_loaded, got %d", len(loaded))
	}
	payload := loaded[0].payload.(datatypes.HistoryLoadedPayload)
	if len(payload.Messages) != 1 || payload.Messages[0].Content != "Hola" {
		t.Errorf("unexpected history payload: %+v", payload)
	}
}

func TestHandleAuthenticate_UpgradesIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.connect(t, "c1", ratelimit.AnonymousIdentity)

	h.orch.HandleAuthenticate("c1", datatypes.AuthenticatePayload{Token: "42"})
	if got := h.registry.Identity("c1"); got != "user-42" {
		t.Errorf("expected upgraded identity, got %q", got)
	}

	// An empty token stays anonymous.
	h.connect(t, "c2", ratelimit.AnonymousIdentity)
	h.orch.HandleAuthenticate("c2", datatypes.AuthenticatePayload{})
	if got := h.registry.Identity("c2"); got != ratelimit.AnonymousIdentity {
		t.Errorf("expected anonymous identity preserved, got %q", got)
	}
}
