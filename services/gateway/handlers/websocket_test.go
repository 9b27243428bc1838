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
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
	"github.com/knath2000/klk-back-sub000/services/gateway/ratelimit"
	"github.com/knath2000/klk-back-sub000/services/gateway/relay"
	"github.com/knath2000/klk-back-sub000/services/gateway/session"
	"github.com/knath2000/klk-back-sub000/services/gateway/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newWSServer runs the websocket handler on an httptest server and returns
// the ws:// URL for dialing.
func newWSServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()

	registry := session.NewRegistry(0, 0)
	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig())
	orch := relay.NewOrchestrator(registry, limiter, nil,
		store.NewMemoryStore(), store.NewStaticPersonas(), nil, nil, relay.Config{})

	router := gin.New()
	router.GET("/v1/chat/ws", HandleChatWebSocket(orch, registry, nil))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	return ws
}

func send(t *testing.T, ws *websocket.Conn, eventType string, payload any) {
	t.Helper()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := datatypes.Envelope{Type: eventType, Data: data}
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

func readEnvelope(t *testing.T, ws *websocket.Conn) datatypes.Envelope {
	t.Helper()

	var env datatypes.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestWebSocket_UnknownEventGetsValidationError(t *testing.T) {
	t.Parallel()
	srv, _ := newWSServer(t)
	ws := dial(t, srv)

	send(t, ws, "definitely_not_an_event", struct{}{})

	env := readEnvelope(t, ws)
	if env.Type != datatypes.EventError {
		t.Fatalf("type = %q, want %q", env.Type, datatypes.EventError)
	}
	var p datatypes.ErrorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != datatypes.ErrCodeValidation {
		t.Errorf("code = %q, want %q", p.Code, datatypes.ErrCodeValidation)
	}
}

func TestWebSocket_MalformedPayloadGetsValidationError(t *testing.T) {
	t.Parallel()
	srv, _ := newWSServer(t)
	ws := dial(t, srv)

	raw := []byte(`{"type":"join_conversation","data":"not an object"}`)
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}

	env := readEnvelope(t, ws)
	if env.Type != datatypes.EventError {
		t.Fatalf("type = %q, want %q", env.Type, datatypes.EventError)
	}
}

func TestWebSocket_JoinNotifiesExistingOccupants(t *testing.T) {
	t.Parallel()
	srv, _ := newWSServer(t)

	first := dial(t, srv)
	second := dial(t, srv)

	// Guest conversations are joinable by anyone.
	room := datatypes.JoinConversationPayload{ConversationID: "guest-shared-room"}
	send(t, first, datatypes.EventJoinConversation, room)

	// Give the first join time to land before the second, then expect the
	// presence notification on the first socket only.
	time.Sleep(50 * time.Millisecond)
	send(t, second, datatypes.EventJoinConversation, room)

	env := readEnvelope(t, first)
	if env.Type != datatypes.EventUserJoined {
		t.Fatalf("type = %q, want %q", env.Type, datatypes.EventUserJoined)
	}
}

func TestWebSocket_DisconnectRemovesFromRegistry(t *testing.T) {
	srv, registry := newWSServer(t)
	ws := dial(t, srv)

	send(t, ws, datatypes.EventJoinConversation,
		datatypes.JoinConversationPayload{ConversationID: "guest-solo"})

	waitFor(t, func() bool { return registry.Count() == 1 })
	ws.Close()
	waitFor(t, func() bool { return registry.Count() == 0 })
}

// waitFor polls cond until it holds or the deadline lapses.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
