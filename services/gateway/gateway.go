// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the klk-back chat gateway service.
//
// This package contains the main Service type that coordinates all
// components: HTTP routing and the chat websocket, the upstream LLM
// client with its circuit breaker, the connection registry with its
// idle sweeper, rate limiting, and observability infrastructure.
//
// # Usage
//
//	cfg := gateway.Config{Port: 8080, LLMAPIKey: key}
//	svc, err := gateway.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/knath2000/klk-back-sub000/services/gateway/middleware"
	"github.com/knath2000/klk-back-sub000/services/gateway/observability"
	"github.com/knath2000/klk-back-sub000/services/gateway/ratelimit"
	"github.com/knath2000/klk-back-sub000/services/gateway/relay"
	"github.com/knath2000/klk-back-sub000/services/gateway/resilience"
	"github.com/knath2000/klk-back-sub000/services/gateway/routes"
	"github.com/knath2000/klk-back-sub000/services/gateway/session"
	"github.com/knath2000/klk-back-sub000/services/gateway/store"
	"github.com/knath2000/klk-back-sub000/services/llm"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the gateway service.
//
// # Description
//
// Service abstracts the gateway lifecycle, enabling testing and
// alternative implementations. Only essential lifecycle methods are
// exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	// Callers must not modify routes after construction.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds gateway configuration options.
//
// All fields are optional with defaults applied by New(), except
// LLMAPIKey which the upstream provider will reject when absent.
type Config struct {
	// Port is the HTTP server port. Default: 8080
	Port int

	// LLMBaseURL is the OpenAI-compatible provider endpoint.
	// Default: "https://openrouter.ai/api/v1"
	LLMBaseURL string

	// LLMAPIKey is the bearer token for the LLM provider.
	LLMAPIKey string

	// DefaultModel is used when neither the request nor the conversation
	// names a model. Default: "gpt-4o-mini"
	DefaultModel string

	// StreamTimeout bounds a single streaming completion end to end.
	// Default: 60s
	StreamTimeout time.Duration

	// JWTSecret verifies session tokens on the authenticate event.
	// If empty, all tokens are rejected and every connection stays
	// anonymous.
	JWTSecret string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "klk-otel-collector:4317"
	OTelEndpoint string

	// EnableMetrics enables the Prometheus metrics endpoint.
	// Default: true
	EnableMetrics bool

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string

	// IdleThreshold is how long a connection may sit without activity
	// before the sweeper evicts it. Default: 30 minutes
	IdleThreshold time.Duration

	// SweepInterval is how often the idle sweeper runs.
	// Default: 5 minutes
	SweepInterval time.Duration

	// RateLimit holds the per-identity window ceilings.
	// Zero values use ratelimit.DefaultConfig().
	RateLimit ratelimit.Config

	// Store overrides conversation persistence. Deployments plug durable
	// storage in here. Default: in-memory store.
	Store store.ConversationStore

	// Personas overrides the persona registry.
	// Default: the built-in country personas.
	Personas store.PersonaRegistry
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Description
//
// service is the main implementation that coordinates:
//   - HTTP routing via Gin
//   - the websocket relay orchestrator
//   - the upstream LLM client with circuit breaker and retry
//   - the connection registry and its idle sweeper
//   - OpenTelemetry tracing and Prometheus metrics
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config        Config
	router        *gin.Engine
	registry      *session.Registry
	limiter       *ratelimit.Limiter
	llmClient     *llm.OpenAICompatClient
	orchestrator  *relay.Orchestrator
	metrics       *observability.StreamingMetrics
	tracerCleanup func(context.Context)
	stopSweeper   context.CancelFunc
}

// metricsOnce guards metric registration on the default Prometheus
// registry, which panics on duplicates. Lets tests construct more than
// one service in a process.
var metricsOnce sync.Once

// =============================================================================
// Constructor
// =============================================================================

// New creates a new gateway Service with the given configuration.
//
// # Description
//
// New initializes all gateway components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Creates the LLM client, rate limiter, and connection registry
//  5. Wires the relay orchestrator
//  6. Sets up HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready-to-run gateway service
//   - error: Non-nil if initialization fails
//
// # Assumptions
//
//   - The LLM provider and OTel collector are reachable if configured
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	// Initialize OpenTelemetry tracer
	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	// Initialize Prometheus metrics
	if s.config.EnableMetrics {
		metricsOnce.Do(func() {
			observability.InitMetrics()
		})
		s.metrics = observability.DefaultMetrics
		slog.Info("Initialized Prometheus metrics for streaming")
	}

	// Initialize LLM client
	s.llmClient, err = llm.NewOpenAICompatClient(llm.Config{
		BaseURL:       s.config.LLMBaseURL,
		APIKey:        s.config.LLMAPIKey,
		DefaultModel:  s.config.DefaultModel,
		StreamTimeout: s.config.StreamTimeout,
		Breaker:       resilience.DefaultBreakerConfig(),
		Retry:         resilience.DefaultRetryConfig(),
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	// Connection registry and rate limiter
	s.registry = session.NewRegistry(s.config.IdleThreshold, s.config.SweepInterval)
	s.registry.OnEvict(func(count int) {
		s.metrics.RecordIdleEvictions(count)
	})
	s.limiter = ratelimit.NewLimiter(s.config.RateLimit)

	// Token verification is optional. Without a secret every token is
	// rejected and connections stay anonymous.
	var verify relay.TokenVerifier
	if s.config.JWTSecret != "" {
		verify = middleware.NewTokenVerifier(s.config.JWTSecret)
	} else {
		slog.Warn("JWT secret not set, all connections will be anonymous")
	}

	convStore := s.config.Store
	if convStore == nil {
		convStore = store.NewMemoryStore()
	}
	personas := s.config.Personas
	if personas == nil {
		personas = store.NewStaticPersonas()
	}

	// Wire the relay orchestrator
	s.orchestrator = relay.NewOrchestrator(
		s.registry,
		s.limiter,
		s.llmClient,
		convStore,
		personas,
		s.metrics,
		verify,
		relay.Config{DefaultModel: s.config.DefaultModel},
	)

	// Setup HTTP router
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the idle sweeper and the HTTP server, blocking until the
// server stops due to error or shutdown signal. Cleanup is automatic on
// return.
func (s *service) Run() error {
	defer s.cleanup()

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.stopSweeper = cancel
	go s.registry.Run(sweepCtx)

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting gateway server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.LLMBaseURL == "" {
		cfg.LLMBaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "klk-otel-collector:4317"
	}
	// Always enabled; the zero value would silently disable it.
	cfg.EnableMetrics = true

	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up an OTLP trace exporter sending spans to the configured
// collector over an insecure gRPC connection, appropriate for internal
// networks.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("gateway-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("gateway-service"))

	routes.SetupRoutes(s.router, s.orchestrator, s.registry,
		s.llmClient.Breaker(), s.metrics)
}

// cleanup releases all resources held by the service.
//
// Called when Run() exits or on initialization failure.
func (s *service) cleanup() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
