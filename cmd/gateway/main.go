// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gateway starts the klk-back chat gateway HTTP server.
//
// This is the main entry point for the containerized gateway service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - PORT: HTTP server port (default: 8080)
//   - LOG_LEVEL: minimum log level: debug, info, warn, error (default: info)
//   - LOG_DIR: directory for JSON log files (empty disables file logging)
//   - LLM_BASE_URL: OpenAI-compatible provider URL (default: https://openrouter.ai/api/v1)
//   - LLM_API_KEY: bearer token for the LLM provider
//   - LLM_DEFAULT_MODEL: model used when requests name none (default: gpt-4o-mini)
//   - JWT_SECRET: HMAC secret for session tokens (empty disables authentication)
//   - SESSION_IDLE_THRESHOLD: idle eviction threshold, e.g. "30m" (default: 30m)
//   - SESSION_SWEEP_INTERVAL: sweeper period, e.g. "5m" (default: 5m)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: klk-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o gateway ./cmd/gateway
//
//	# Run
//	./gateway
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/knath2000/klk-back-sub000/pkg/logging"
	"github.com/knath2000/klk-back-sub000/services/gateway"
)

func main() {
	// Setup structured logging
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		LogDir:  os.Getenv("LOG_DIR"),
		Service: "gateway",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Build configuration from environment variables
	cfg := gateway.Config{
		Port:          getEnvInt("PORT", 8080),
		LLMBaseURL:    getEnvString("LLM_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMAPIKey:     os.Getenv("LLM_API_KEY"),
		DefaultModel:  getEnvString("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		IdleThreshold: getEnvDuration("SESSION_IDLE_THRESHOLD", 30*time.Minute),
		SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		OTelEndpoint:  getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "klk-otel-collector:4317"),
	}

	slog.Info("Starting gateway",
		"port", cfg.Port,
		"llm_base_url", cfg.LLMBaseURL,
		"default_model", cfg.DefaultModel,
		"auth_enabled", cfg.JWTSecret != "",
	)

	svc, err := gateway.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Gateway error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
