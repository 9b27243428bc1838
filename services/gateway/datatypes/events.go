// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "encoding/json"

// The realtime transport exchanges JSON envelopes {"type": ..., "data": ...}
// in both directions. Event names are part of the wire contract and must be
// preserved bit-for-bit; clients key on them.

// Inbound event names.
const (
	EventAuthenticate       = "authenticate"
	EventJoinConversation   = "join_conversation"
	EventLeaveConversation  = "leave_conversation"
	EventUserMessage        = "user_message"
	EventTranslationRequest = "translation_request"
	EventLoadHistory        = "load_history"
	EventTyping             = "typing"
	EventCancelRequest      = "cancel_request"
)

// Outbound event names.
const (
	EventAssistantDelta      = "assistant_delta"
	EventAssistantFinal      = "assistant_final"
	EventTranslationDelta    = "translation_delta"
	EventTranslationFinal    = "translation_final"
	EventTranslationError    = "translation_error"
	EventError               = "error"
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventUserTyping          = "user_typing"
	EventHistoryLoaded       = "history_loaded"
	EventConversationCreated = "conversation_created"
	EventAccessDenied        = "access_denied"
)

// Envelope is one frame on the websocket, either direction.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an outbound envelope. Marshal failures are
// programming errors (all outbound payloads are plain structs) and surface
// as an envelope with a null body rather than a panic.
func NewEnvelope(eventType string, data any) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{Type: eventType}
	}
	return Envelope{Type: eventType, Data: raw}
}

// =============================================================================
// Inbound Payloads
// =============================================================================

// AuthenticatePayload carries the client's bearer token. An empty or invalid
// token downgrades the connection to anonymous rather than failing it.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// JoinConversationPayload asks to join a conversation room.
type JoinConversationPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// LeaveConversationPayload asks to leave a conversation room.
type LeaveConversationPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// UserMessagePayload is one inbound chat message.
//
// ConversationID is optional: absent means "start a new conversation".
// MessageID is an optional client-chosen id echoed back on deltas so the
// client can correlate; the server generates one when absent. Model is an
// optional per-request override.
type UserMessagePayload struct {
	Message            string `json:"message" validate:"required,maxbytes"`
	SelectedPersonaKey string `json:"selected_persona_key" validate:"required"`
	Model              string `json:"model,omitempty"`
	ConversationID     string `json:"conversationId,omitempty"`
	MessageID          string `json:"message_id,omitempty"`
}

// TranslationRequestPayload is one inbound translation query.
type TranslationRequestPayload struct {
	Query    string `json:"query" validate:"required,maxbytes"`
	Language string `json:"language,omitempty"`
	Context  string `json:"context,omitempty"`
}

// LoadHistoryPayload requests persisted turns for a conversation.
type LoadHistoryPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// TypingPayload relays a typing indicator to room occupants.
type TypingPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	IsTyping       bool   `json:"isTyping"`
}

// CancelRequestPayload aborts an in-flight stream by request id.
type CancelRequestPayload struct {
	RequestID string `json:"request_id" validate:"required"`
}

// =============================================================================
// Outbound Payloads
// =============================================================================

// AssistantDeltaPayload is one streamed fragment of an assistant reply.
type AssistantDeltaPayload struct {
	MessageID string `json:"message_id"`
	Chunk     string `json:"chunk"`
	Index     int    `json:"index"`
}

// AssistantFinalPayload closes out one assistant reply.
type AssistantFinalPayload struct {
	MessageID      string `json:"message_id"`
	FinalContent   string `json:"final_content"`
	Timestamp      int64  `json:"timestamp"`
	ConversationID string `json:"conversationId"`
}

// TranslationDeltaPayload is one staged frame of a translation result.
type TranslationDeltaPayload struct {
	Chunk string `json:"chunk"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	ID    string `json:"id"`
}

// TranslationErrorPayload reports a user-facing translation failure
// (rate limit, empty query). Upstream/parse failures never surface here;
// they degrade to the fallback TranslationResult instead.
type TranslationErrorPayload struct {
	Message string `json:"message"`
}

// ErrorPayload is the generic outbound error event.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Outbound error codes.
const (
	ErrCodeValidation  = "validation_error"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeUpstream    = "upstream_error"
	ErrCodeUnavailable = "service_unavailable"
	ErrCodeAccess      = "access_denied"
)

// RoomPresencePayload backs user_joined / user_left / user_typing events.
type RoomPresencePayload struct {
	ConversationID string `json:"conversationId"`
	Identity       string `json:"identity"`
	IsTyping       bool   `json:"isTyping,omitempty"`
}

// HistoryLoadedPayload returns persisted turns for a conversation.
type HistoryLoadedPayload struct {
	ConversationID string       `json:"conversationId"`
	Messages       []StoredTurn `json:"messages"`
}

// ConversationCreatedPayload announces a server-created conversation id.
type ConversationCreatedPayload struct {
	ConversationID string `json:"conversationId"`
}

// AccessDeniedPayload reports a failed room access check.
type AccessDeniedPayload struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}
