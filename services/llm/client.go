package llm

import (
	"context"
	"time"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
)

// Options carries per-request knobs for a completion call.
type Options struct {
	RequestID   string         `json:"request_id"`
	Model       string         `json:"model"`
	Temperature *float32       `json:"temperature"`
	MaxTokens   *int           `json:"max_tokens"`
	Timeout     *time.Duration `json:"-"`
}

// StreamCallback receives decoded chunks in arrival order. Returning an
// error aborts the stream and cancels the upstream request.
type StreamCallback func(chunk datatypes.DeltaChunk) error

// ChatClient defines the standard interface for any chat completion backend.
type ChatClient interface {
	// StreamCompletion streams a completion, invoking cb per chunk on the
	// calling goroutine. A nil return means the clean terminator was seen.
	StreamCompletion(ctx context.Context, messages []datatypes.Message, opts Options, cb StreamCallback) error

	// FetchCompletion performs a buffered, non-streaming completion with
	// retry and circuit breaker protection.
	FetchCompletion(ctx context.Context, messages []datatypes.Message, opts Options) (string, error)

	// Translate asks for a structured translation of query. It never
	// returns a hard failure; on any upstream or schema problem the result
	// is a minimal fallback payload.
	Translate(ctx context.Context, query, language, usageContext string) (*datatypes.TranslationResult, error)

	// Cancel aborts the live stream registered under requestID, if any.
	// Safe to call for unknown ids and safe to call more than once.
	Cancel(requestID string)
}
