package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
	"github.com/knath2000/klk-back-sub000/services/gateway/resilience"
)

// =============================================================================
// Test Helpers
// =============================================================================

// newTestClient creates a client against a test server with fast retry
// backoff so retry tests do not sleep for real.
func newTestClient(t *testing.T, baseURL string, breaker resilience.BreakerConfig) *OpenAICompatClient {
	t.Helper()
	client, err := NewOpenAICompatClient(Config{
		BaseURL:      baseURL,
		APIKey:       "test-key",
		DefaultModel: "test-model",
		Breaker:      breaker,
		Retry: resilience.RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			JitterFactor:   0,
		},
	})
	if err != nil {
		t.Fatalf("NewOpenAICompatClient failed: %v", err)
	}
	return client
}

func sseDelta(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n", content)
}

func userMessages(content string) []datatypes.Message {
	return []datatypes.Message{{Role: datatypes.RoleUser, Content: content}}
}

// =============================================================================
// Streaming Tests
// =============================================================================

func TestOpenAICompatClient_StreamCompletion_DeliversDeltas(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseDelta("Hola")))
		w.Write([]byte(sseDelta(" mundo")))
		w.Write([]byte("data: [DONE]\n"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, resilience.DefaultBreakerConfig())

	var texts []string
	sawFinal := false
	err := client.StreamCompletion(context.Background(), userMessages("hola"),
		Options{RequestID: "req-1"}, func(chunk datatypes.DeltaChunk) error {
			if chunk.IsFinal {
				sawFinal = true
				return nil
			}
			texts = append(texts, chunk.Text)
			return nil
		})

	if err != nil {
		t.Fatalf("StreamCompletion returned error: %v", err)
	}
	if !sawFinal {
		t.Error("expected a final chunk")
	}
	if strings.Join(texts, "") != "Hola mundo" {
		t.Errorf("unexpected deltas: %v", texts)
	}
	if client.LiveStreamCount() != 0 {
		t.Errorf("expected live table drained, got %d entries", client.LiveStreamCount())
	}
}

func TestOpenAICompatClient_StreamCompletion_UpstreamRejection(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad model"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, resilience.DefaultBreakerConfig())

	callbackCalled := false
	err := client.StreamCompletion(context.Background(), userMessages("hola"),
		Options{}, func(chunk datatypes.DeltaChunk) error {
			callbackCalled = true
			return nil
		})

	if !errors.Is(err, resilience.ErrUpstreamRejected) {
		t.Fatalf("expected ErrUpstreamRejected, got %v", err)
	}
	if callbackCalled {
		t.Error("callback must not fire on a rejected request")
	}
	var statusErr *resilience.UpstreamStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected wrapped status 400, got %v", err)
	}
}

func TestOpenAICompatClient_StreamCompletion_TruncatedStream(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseDelta("partial")))
		// Connection closes without the [DONE] terminator.
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, resilience.DefaultBreakerConfig())

	var texts []string
	err := client.StreamCompletion(context.Background(), userMessages("hola"),
		Options{}, func(chunk datatypes.DeltaChunk) error {
			texts = append(texts, chunk.Text)
			return nil
		})

	if !errors.Is(err, resilience.ErrUpstreamTransient) {
		t.Fatalf("expected ErrUpstreamTransient for truncation, got %v", err)
	}
	if len(texts) != 1 || texts[0] != "partial" {
		t.Errorf("expected partial delta delivered before failure, got %v", texts)
	}
}

func TestOpenAICompatClient_Cancel_AbortsStream(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseDelta("first")))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(t, server.URL, resilience.DefaultBreakerConfig())

	firstChunk := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		once := false
		done <- client.StreamCompletion(context.Background(), userMessages("hola"),
			Options{RequestID: "cancel-me"}, func(chunk datatypes.DeltaChunk) error {
				if !once {
					once = true
					close(firstChunk)
				}
				return nil
			})
	}()

	select {
	case <-firstChunk:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}

	client.Cancel("cancel-me")
	client.Cancel("cancel-me") // repeated cancel is a no-op
	client.Cancel("never-existed")

	select {
	case err := <-done:
		if !errors.Is(err, resilience.ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream to abort")
	}
	if client.LiveStreamCount() != 0 {
		t.Errorf("expected live table drained, got %d entries", client.LiveStreamCount())
	}
	if client.Breaker().State() != resilience.CircuitClosed {
		t.Error("cancellation must not trip the breaker")
	}
}

func TestOpenAICompatClient_StreamCompletion_DuplicateRequestID(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseDelta("x")))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, resilience.DefaultBreakerConfig())

	firstChunk := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		once := false
		done <- client.StreamCompletion(context.Background(), userMessages("hola"),
			Options{RequestID: "dup"}, func(chunk datatypes.DeltaChunk) error {
				if !once {
					once = true
					close(firstChunk)
				}
				return nil
			})
	}()
	<-firstChunk

	err := client.StreamCompletion(context.Background(), userMessages("hola"),
		Options{RequestID: "dup"}, func(datatypes.DeltaChunk) error { return nil })
	if !errors.Is(err, resilience.ErrValidation) {
		t.Fatalf("expected ErrValidation for duplicate id, got %v", err)
	}

	client.Cancel("dup")
	<-done
}

// =============================================================================
// Buffered Completion Tests
// =============================================================================

func TestOpenAICompatClient_FetchCompletion_RetriesTransient(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"listo"}}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, resilience.BreakerConfig{
		FailureThreshold: 10,
		TimeoutThreshold: 10,
		Cooldown:         time.Minute,
	})

	content, err := client.FetchCompletion(context.Background(), userMessages("hola"), Options{})
	if err != nil {
		t.Fatalf("FetchCompletion returned error: %v", err)
	}
	if content != "listo" {
		t.Errorf("expected content 'listo', got %q", content)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestOpenAICompatClient_FetchCompletion_BreakerFastFail(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, resilience.BreakerConfig{
		FailureThreshold: 3,
		TimeoutThreshold: 3,
		Cooldown:         time.Minute,
	})

	// Three consecutive 504s trip the timeout tally mid-retry; the fourth
	// attempt is rejected by the breaker without a network call.
	_, err := client.FetchCompletion(context.Background(), userMessages("hola"), Options{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("expected exactly 3 upstream calls, got %d", got)
	}

	// Subsequent calls fail fast with zero network traffic.
	_, err = client.FetchCompletion(context.Background(), userMessages("hola"), Options{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen on second call, got %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("expected no additional upstream calls, got %d", got)
	}
}

func TestOpenAICompatClient_ReasoningModelQuirks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model     string
		reasoning bool
	}{
		{"o1-preview", true},
		{"o3-mini", true},
		{"o4-mini-high", true},
		{"gpt-4o-mini", false},
		{"llama-3.1-70b", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isReasoningModel(tt.model); got != tt.reasoning {
			t.Errorf("isReasoningModel(%q) = %v, want %v", tt.model, got, tt.reasoning)
		}
	}
}
