// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knath2000/klk-back-sub000/services/gateway/handlers"
	"github.com/knath2000/klk-back-sub000/services/gateway/observability"
	"github.com/knath2000/klk-back-sub000/services/gateway/relay"
	"github.com/knath2000/klk-back-sub000/services/gateway/resilience"
	"github.com/knath2000/klk-back-sub000/services/gateway/session"
)

// SetupRoutes registers every HTTP route on the router. The gateway's
// only real surface is the chat websocket; everything else is operational
// (health probe, Prometheus scrape).
func SetupRoutes(router *gin.Engine, orch *relay.Orchestrator, registry *session.Registry,
	breaker *resilience.CircuitBreaker, metrics *observability.StreamingMetrics) {

	router.GET("/health", handlers.HandleHealth(breaker, registry))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.GET("/chat/ws", handlers.HandleChatWebSocket(orch, registry, metrics))
	}
}
