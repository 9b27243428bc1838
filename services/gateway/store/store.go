// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the external collaborator interfaces the gateway
// depends on (conversation persistence and persona lookup) together with
// in-memory reference implementations used by the default wiring and tests.
//
// Durable storage is deliberately outside this repository; a deployment
// plugs its own ConversationStore implementation in through gateway.Config.
package store

import (
	"context"
	"errors"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
)

// ErrNotFound is returned when a conversation id is unknown to the store.
var ErrNotFound = errors.New("conversation not found")

// ConversationStore is the persistence collaborator.
//
// Implementations must be safe for concurrent use; the relay calls into the
// store from one goroutine per in-flight message.
type ConversationStore interface {
	// Create persists a new conversation owned by ownerID and returns it.
	Create(ctx context.Context, ownerID, personaKey string) (*datatypes.Conversation, error)

	// Get returns the conversation by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*datatypes.Conversation, error)

	// AppendMessage appends one turn to the conversation.
	AppendMessage(ctx context.Context, conversationID string, turn datatypes.StoredTurn) error

	// RecentMessages returns up to limit most recent turns, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]datatypes.StoredTurn, error)

	// SetModel records the model last used for the conversation.
	SetModel(ctx context.Context, conversationID, model string) error

	// CheckAccess reports whether identity may read/write the
	// conversation (owner or explicit share grant).
	CheckAccess(ctx context.Context, conversationID, identity string) (bool, error)
}

// PersonaRegistry is the prompt-template collaborator: persona key (a
// country code like "mex" or "dom") to system prompt.
type PersonaRegistry interface {
	// Lookup returns the system prompt for key, or ok=false for an
	// unknown key.
	Lookup(key string) (prompt string, ok bool)
}
