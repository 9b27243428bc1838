package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
	"github.com/knath2000/klk-back-sub000/services/gateway/resilience"
)

var tracer = otel.Tracer("klk.llm.openai") // Specific tracer name

const maxErrorBodyBytes = 4096

// Config holds the connection settings for an OpenAI-compatible provider.
type Config struct {
	BaseURL       string
	APIKey        string
	DefaultModel  string
	StreamTimeout time.Duration
	FetchTimeout  time.Duration
	Breaker       resilience.BreakerConfig
	Retry         resilience.RetryConfig
	HTTPClient    *http.Client
}

// OpenAICompatClient talks to any provider exposing the OpenAI chat
// completions API (OpenRouter, vLLM, LM Studio). It keeps a table of live
// streaming requests so a later Cancel(requestID) can abort the HTTP
// exchange, and shares one circuit breaker across the streaming and
// buffered paths.
type OpenAICompatClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	defaultModel string

	streamTimeout time.Duration
	fetchTimeout  time.Duration

	breaker     *resilience.CircuitBreaker
	retryConfig resilience.RetryConfig

	mu   sync.Mutex
	live map[string]*liveStream
}

// liveStream tracks one in-flight streaming request. The flags record which
// party tore the context down so the read error can be classified.
type liveStream struct {
	cancel      context.CancelFunc
	userAbort   atomic.Bool
	deadlineHit atomic.Bool
}

type chatCompletionRequest struct {
	Model               string              `json:"model"`
	Messages            []datatypes.Message `json:"messages"`
	Stream              bool                `json:"stream"`
	Temperature         *float32            `json:"temperature,omitempty"`
	MaxTokens           *int                `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                `json:"max_completion_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      datatypes.Message `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
}

// NewOpenAICompatClient creates a client against cfg.BaseURL.
func NewOpenAICompatClient(cfg Config) (*OpenAICompatClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm base URL not set")
	}
	if cfg.DefaultModel == "" {
		slog.Warn("Default model not set, defaulting to gpt-4o-mini")
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 60 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client-level timeout: it would cap whole-body read time and
		// kill long streams. Deadlines are enforced per request.
		httpClient = &http.Client{}
	}
	slog.Info("Initializing OpenAI-compatible client",
		"base_url", cfg.BaseURL, "default_model", cfg.DefaultModel)
	return &OpenAICompatClient{
		httpClient:    httpClient,
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		defaultModel:  cfg.DefaultModel,
		streamTimeout: cfg.StreamTimeout,
		fetchTimeout:  cfg.FetchTimeout,
		breaker:       resilience.NewCircuitBreaker(cfg.Breaker),
		retryConfig:   cfg.Retry,
		live:          make(map[string]*liveStream),
	}, nil
}

// Breaker exposes the shared circuit breaker for health reporting.
func (c *OpenAICompatClient) Breaker() *resilience.CircuitBreaker { return c.breaker }

// LiveStreamCount returns the number of registered in-flight streams.
func (c *OpenAICompatClient) LiveStreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// StreamCompletion implements the ChatClient interface.
//
// The whole exchange runs under a deadline (opts.Timeout or the configured
// stream default) and is registered in the live table under the request id
// until it resolves, so Cancel can abort it from another goroutine. The
// stream is never retried: once deltas have been delivered there is no safe
// way to replay them.
func (c *OpenAICompatClient) StreamCompletion(ctx context.Context, messages []datatypes.Message,
	opts Options, cb StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OpenAICompatClient.StreamCompletion")
	defer span.End()

	if len(messages) == 0 {
		return fmt.Errorf("%w: no messages", resilience.ErrValidation)
	}
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	model := c.resolveModel(opts.Model)
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.String("llm.request_id", requestID),
	)

	streamCtx, cancel := context.WithCancel(ctx)
	ls := &liveStream{cancel: cancel}
	if err := c.register(requestID, ls); err != nil {
		cancel()
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer func() {
		c.unregister(requestID)
		cancel()
	}()

	if !c.breaker.Allow() {
		span.SetStatus(codes.Error, "circuit open")
		return resilience.ErrCircuitOpen
	}

	timeout := c.streamTimeout
	if opts.Timeout != nil {
		timeout = *opts.Timeout
	}
	deadline := time.AfterFunc(timeout, func() {
		ls.deadlineHit.Store(true)
		cancel()
	})
	defer deadline.Stop()

	req, err := c.newCompletionRequest(streamCtx, model, messages, opts, true)
	if err != nil {
		// The attempt never reached the upstream; free the half-open
		// trial slot Allow may have claimed.
		c.breaker.ReleaseTrial()
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	slog.Debug("Starting completion stream", "model", model, "request_id", requestID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		classified := c.classifyStreamErr(ls, err)
		c.breaker.RecordFailure(classified)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classified
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		classified := resilience.ClassifyStatus(resp.StatusCode, string(body))
		c.breaker.RecordFailure(classified)
		span.SetStatus(codes.Error, fmt.Sprintf("upstream status %d", resp.StatusCode))
		slog.Error("Stream request rejected", "status", resp.StatusCode, "request_id", requestID)
		return classified
	}

	return c.consumeStream(span, ls, resp.Body, requestID, cb)
}

// consumeStream reads the SSE body to completion, delivering chunks to cb.
func (c *OpenAICompatClient) consumeStream(span trace.Span, ls *liveStream,
	body io.Reader, requestID string, cb StreamCallback) error {

	dec := NewDeltaDecoder()
	buf := make([]byte, 4096)

	deliver := func(chunks []datatypes.DeltaChunk) error {
		for _, chunk := range chunks {
			if chunk.Err != nil {
				// Truncated stream: surface through the return value so
				// the caller sees exactly one termination signal.
				classified := fmt.Errorf("%w: %v", resilience.ErrUpstreamTransient, chunk.Err)
				c.breaker.RecordFailure(classified)
				span.SetStatus(codes.Error, chunk.Err.Error())
				return classified
			}
			if err := cb(chunk); err != nil {
				ls.userAbort.Store(true)
				ls.cancel()
				c.breaker.RecordFailure(resilience.ErrCancelled)
				return fmt.Errorf("stream callback aborted: %w", err)
			}
		}
		return nil
	}

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := deliver(dec.Feed(buf[:n])); err != nil {
				return err
			}
			if dec.Done() {
				c.breaker.RecordSuccess()
				slog.Debug("Stream completed", "request_id", requestID)
				return nil
			}
		}
		if readErr == io.EOF {
			if err := deliver(dec.Finish()); err != nil {
				return err
			}
			// Finish salvaged a terminator that lacked a trailing newline.
			c.breaker.RecordSuccess()
			return nil
		}
		if readErr != nil {
			classified := c.classifyStreamErr(ls, readErr)
			c.breaker.RecordFailure(classified)
			if resilience.IsCancellation(classified) {
				slog.Info("Stream cancelled", "request_id", requestID)
				return classified
			}
			span.RecordError(readErr)
			span.SetStatus(codes.Error, readErr.Error())
			slog.Error("Stream read failed", "error", readErr, "request_id", requestID)
			return classified
		}
	}
}

// FetchCompletion implements the ChatClient interface.
//
// Unlike the streaming path this one is replayable, so it runs under the
// retry executor: up to MaxAttempts tries with exponential backoff, breaker
// consulted before each.
func (c *OpenAICompatClient) FetchCompletion(ctx context.Context,
	messages []datatypes.Message, opts Options) (string, error) {

	ctx, span := tracer.Start(ctx, "OpenAICompatClient.FetchCompletion")
	defer span.End()

	if len(messages) == 0 {
		return "", fmt.Errorf("%w: no messages", resilience.ErrValidation)
	}
	model := c.resolveModel(opts.Model)
	span.SetAttributes(attribute.String("llm.model", model))

	timeout := c.fetchTimeout
	if opts.Timeout != nil {
		timeout = *opts.Timeout
	}

	var content string
	result, err := resilience.Do(ctx, c.breaker, c.retryConfig, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := c.newCompletionRequest(attemptCtx, model, messages, opts, false)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return resilience.ErrCancelled
			}
			return fmt.Errorf("%w: %v", resilience.ErrUpstreamTransient, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			return resilience.ClassifyStatus(resp.StatusCode, string(body))
		}

		var parsed chatCompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("%w: decoding completion: %v", resilience.ErrUpstreamTransient, err)
		}
		if len(parsed.Choices) == 0 {
			return fmt.Errorf("%w: no choices in completion", resilience.ErrUpstreamTransient)
		}
		content = parsed.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Buffered completion failed",
			"error", err, "attempts", result.Attempts, "model", model)
		return "", err
	}
	slog.Debug("Buffered completion succeeded",
		"attempts", result.Attempts, "duration", result.TotalDuration, "model", model)
	return content, nil
}

// Cancel implements the ChatClient interface. Unknown ids and repeated
// calls are no-ops.
func (c *OpenAICompatClient) Cancel(requestID string) {
	c.mu.Lock()
	ls, ok := c.live[requestID]
	if ok {
		delete(c.live, requestID)
	}
	c.mu.Unlock()

	if !ok {
		slog.Debug("Cancel for unknown request id", "request_id", requestID)
		return
	}
	ls.userAbort.Store(true)
	ls.cancel()
	slog.Info("Cancelled live stream", "request_id", requestID)
}

func (c *OpenAICompatClient) register(requestID string, ls *liveStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.live[requestID]; exists {
		return fmt.Errorf("%w: duplicate request id %q", resilience.ErrValidation, requestID)
	}
	c.live[requestID] = ls
	return nil
}

func (c *OpenAICompatClient) unregister(requestID string) {
	c.mu.Lock()
	delete(c.live, requestID)
	c.mu.Unlock()
}

func (c *OpenAICompatClient) resolveModel(model string) string {
	if model == "" {
		return c.defaultModel
	}
	return model
}

// newCompletionRequest builds the POST, applying the reasoning-model quirks
// (max_completion_tokens in place of max_tokens, no temperature).
func (c *OpenAICompatClient) newCompletionRequest(ctx context.Context, model string,
	messages []datatypes.Message, opts Options, stream bool) (*http.Request, error) {

	payload := chatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if isReasoningModel(model) {
		payload.MaxCompletionTokens = opts.MaxTokens
	} else {
		payload.MaxTokens = opts.MaxTokens
		payload.Temperature = opts.Temperature
	}

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST",
		c.baseURL+"/chat/completions", bytes.NewBuffer(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// classifyStreamErr maps a transport or read error onto the taxonomy using
// the teardown flags: user aborts are cancellations, deadline hits count as
// transient upstream failures, anything else is a plain transport failure.
func (c *OpenAICompatClient) classifyStreamErr(ls *liveStream, err error) error {
	switch {
	case ls.userAbort.Load():
		return resilience.ErrCancelled
	case ls.deadlineHit.Load():
		return fmt.Errorf("%w: stream deadline exceeded", resilience.ErrUpstreamTransient)
	default:
		return fmt.Errorf("%w: %v", resilience.ErrUpstreamTransient, err)
	}
}

// isReasoningModel reports whether model belongs to the o-series family,
// which rejects the temperature and max_tokens parameters.
func isReasoningModel(model string) bool {
	return strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "o4")
}

var _ ChatClient = (*OpenAICompatClient)(nil)
