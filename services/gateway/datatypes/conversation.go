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

import "strings"

// GuestConversationPrefix marks ephemeral conversation ids synthesized for
// anonymous sessions. These ids never reach the conversation store and no
// persistence happens for them.
const GuestConversationPrefix = "guest-"

// IsGuestConversation reports whether id is an ephemeral anonymous id.
func IsGuestConversation(id string) bool {
	return strings.HasPrefix(id, GuestConversationPrefix)
}

// Conversation is the store's record of one chat thread.
type Conversation struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	PersonaKey string `json:"persona_key"`
	// Model is the last model used for this thread; empty until first
	// completion. Participates in model precedence resolution.
	Model     string `json:"model,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// StoredTurn is one persisted message in a conversation.
type StoredTurn struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}
