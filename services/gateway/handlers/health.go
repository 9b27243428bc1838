// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knath2000/klk-back-sub000/services/gateway/resilience"
	"github.com/knath2000/klk-back-sub000/services/gateway/session"
)

// HandleHealth reports process liveness plus the upstream breaker state.
// An open circuit is still a 200: the process is healthy, the upstream is
// not, and orchestration layers should not restart us for that.
func HandleHealth(breaker *resilience.CircuitBreaker, registry *session.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := breaker.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"circuit":     stats.State.String(),
			"connections": registry.Count(),
		})
	}
}
