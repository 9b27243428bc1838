// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data structures shared across the gateway:
// chat messages, conversation records, the realtime wire contract, and the
// structured translation schema.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Input Bounds
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message body.
	// Byte length, not rune count, to bound memory on hostile payloads.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxHistoryTurns is the number of trailing conversation turns loaded
	// into the prompt when an authenticated session resumes. Bounds the
	// context window for long conversations.
	MaxHistoryTurns = 10
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// wireValidate validates inbound wire payloads at the transport boundary.
var wireValidate *validator.Validate

func init() {
	wireValidate = validator.New()
	_ = wireValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// Validate runs struct validation on an inbound payload.
func Validate(v any) error {
	return wireValidate.Struct(v)
}

// =============================================================================
// Chat Messages
// =============================================================================

// Roles used in LLM chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in an LLM conversation, in provider wire shape.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"maxbytes"`
}

// DeltaChunk is one incremental fragment of a streamed LLM response.
//
// Produced by the SSE decoder, consumed once by the orchestrator. Text may
// be empty (providers emit empty deltas around role changes). IsFinal marks
// the last chunk for a request; Err is non-nil when the final signal stems
// from an abnormal termination (stream ended without the terminator, body
// read error) so callers can close out bookkeeping either way.
type DeltaChunk struct {
	Text    string
	IsFinal bool
	Err     error

	// Meta carries optional provider metadata (completion id, usage)
	// observed on the chunk, nil for plain text deltas.
	Meta map[string]any
}
