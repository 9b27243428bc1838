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
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
	"github.com/knath2000/klk-back-sub000/services/gateway/observability"
	"github.com/knath2000/klk-back-sub000/services/gateway/ratelimit"
	"github.com/knath2000/klk-back-sub000/services/gateway/relay"
	"github.com/knath2000/klk-back-sub000/services/gateway/session"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsSender serializes writes onto one gorilla connection. gorilla allows a
// single concurrent writer; deltas, broadcasts and the sweeper all write
// from different goroutines.
type wsSender struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *wsSender) SendEvent(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteJSON(datatypes.NewEnvelope(event, payload))
}

// HandleChatWebSocket upgrades the request and runs the connection's read
// loop, dispatching decoded envelopes into the orchestrator.
//
// Each chat and translation request runs on its own goroutine so a slow
// stream never blocks the read loop (a cancel_request must be readable
// while its target stream is in flight). All other events are cheap and
// handled inline.
func HandleChatWebSocket(orch *relay.Orchestrator, registry *session.Registry,
	metrics *observability.StreamingMetrics) gin.HandlerFunc {

	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade websocket", "error", err)
			return
		}
		defer ws.Close()

		connID := uuid.NewString()
		registry.Register(connID, ratelimit.AnonymousIdentity, &wsSender{ws: ws})
		metrics.ConnectionOpened()
		slog.Info("Websocket client connected", "conn_id", connID)

		// Cancelling this context tears down any stream the connection
		// still has in flight when the read loop exits.
		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			registry.Disconnect(connID)
			metrics.ConnectionClosed()
			slog.Info("Websocket client disconnected", "conn_id", connID)
		}()

		// A bearer header at upgrade time authenticates without waiting
		// for an explicit authenticate event.
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			orch.HandleAuthenticate(connID, datatypes.AuthenticatePayload{
				Token: strings.TrimPrefix(auth, "Bearer "),
			})
		}

		for {
			var env datatypes.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Warn("Websocket read failed", "conn_id", connID, "error", err)
				}
				return
			}
			registry.Touch(connID)
			dispatch(ctx, orch, registry, connID, env)
		}
	}
}

// dispatch routes one inbound envelope. Unknown event types and malformed
// payloads get a validation error instead of dropping the connection.
func dispatch(ctx context.Context, orch *relay.Orchestrator, registry *session.Registry,
	connID string, env datatypes.Envelope) {

	switch env.Type {
	case datatypes.EventAuthenticate:
		var p datatypes.AuthenticatePayload
		if decodePayload(registry, connID, env, &p) {
			orch.HandleAuthenticate(connID, p)
		}

	case datatypes.EventJoinConversation:
		var p datatypes.JoinConversationPayload
		if decodePayload(registry, connID, env, &p) {
			orch.HandleJoin(ctx, connID, p)
		}

	case datatypes.EventLeaveConversation:
		var p datatypes.LeaveConversationPayload
		if decodePayload(registry, connID, env, &p) {
			orch.HandleLeave(connID, p)
		}

	case datatypes.EventUserMessage:
		var p datatypes.UserMessagePayload
		if decodePayload(registry, connID, env, &p) {
			go orch.HandleUserMessage(ctx, connID, p)
		}

	case datatypes.EventTranslationRequest:
		var p datatypes.TranslationRequestPayload
		if decodePayload(registry, connID, env, &p) {
			go orch.HandleTranslation(ctx, connID, p)
		}

	case datatypes.EventLoadHistory:
		var p datatypes.LoadHistoryPayload
		if decodePayload(registry, connID, env, &p) {
			orch.HandleLoadHistory(ctx, connID, p)
		}

	case datatypes.EventTyping:
		var p datatypes.TypingPayload
		if decodePayload(registry, connID, env, &p) {
			orch.HandleTyping(connID, p)
		}

	case datatypes.EventCancelRequest:
		var p datatypes.CancelRequestPayload
		if decodePayload(registry, connID, env, &p) {
			orch.HandleCancel(connID, p)
		}

	default:
		slog.Debug("Unknown inbound event", "conn_id", connID, "type", env.Type)
		registry.SendTo(connID, datatypes.EventError, datatypes.ErrorPayload{
			Message: "Unknown event type.",
			Code:    datatypes.ErrCodeValidation,
		})
	}
}

func decodePayload(registry *session.Registry, connID string, env datatypes.Envelope, v any) bool {
	if len(env.Data) == 0 {
		env.Data = []byte("{}")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		slog.Debug("Malformed inbound payload",
			"conn_id", connID, "type", env.Type, "error", err)
		registry.SendTo(connID, datatypes.EventError, datatypes.ErrorPayload{
			Message: "Malformed payload.",
			Code:    datatypes.ErrCodeValidation,
		})
		return false
	}
	return true
}
