// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
)

// MemoryStore is the in-memory ConversationStore used by the default wiring
// and by tests. State does not survive process restart.
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*datatypes.Conversation
	turns         map[string][]datatypes.StoredTurn
	shares        map[string]map[string]bool // conversationID -> identity -> granted
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*datatypes.Conversation),
		turns:         make(map[string][]datatypes.StoredTurn),
		shares:        make(map[string]map[string]bool),
	}
}

// Create persists a new conversation owned by ownerID.
func (s *MemoryStore) Create(ctx context.Context, ownerID, personaKey string) (*datatypes.Conversation, error) {
	now := time.Now().UnixMilli()
	conv := &datatypes.Conversation{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		PersonaKey: personaKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return cloneConversation(conv), nil
}

// Get returns the conversation by id, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*datatypes.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

// AppendMessage appends one turn to the conversation.
func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID string, turn datatypes.StoredTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.Timestamp == 0 {
		turn.Timestamp = time.Now().UnixMilli()
	}
	s.turns[conversationID] = append(s.turns[conversationID], turn)
	conv.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// RecentMessages returns up to limit most recent turns, oldest first.
func (s *MemoryStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]datatypes.StoredTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	turns := s.turns[conversationID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]datatypes.StoredTurn, len(turns))
	copy(out, turns)
	return out, nil
}

// SetModel records the model last used for the conversation.
func (s *MemoryStore) SetModel(ctx context.Context, conversationID, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.Model = model
	return nil
}

// Share grants identity access to the conversation. Reference-impl helper
// for exercising the shared-access path in tests.
func (s *MemoryStore) Share(conversationID, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shares[conversationID] == nil {
		s.shares[conversationID] = make(map[string]bool)
	}
	s.shares[conversationID][identity] = true
}

// CheckAccess reports whether identity owns or was granted the conversation.
func (s *MemoryStore) CheckAccess(ctx context.Context, conversationID, identity string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return false, ErrNotFound
	}
	if conv.OwnerID == identity {
		return true, nil
	}
	return s.shares[conversationID][identity], nil
}

func cloneConversation(c *datatypes.Conversation) *datatypes.Conversation {
	out := *c
	return &out
}

var _ ConversationStore = (*MemoryStore)(nil)
