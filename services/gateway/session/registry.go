// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session tracks live websocket connections, their conversation
// room membership, and their activity timestamps, and evicts connections
// that go idle.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
	"github.com/knath2000/klk-back-sub000/services/gateway/ratelimit"
)

const (
	// DefaultIdleThreshold is how long a connection may go without any
	// inbound frame before the sweeper evicts it.
	DefaultIdleThreshold = 30 * time.Minute

	// DefaultSweepInterval is how often the background sweeper runs.
	DefaultSweepInterval = 5 * time.Minute
)

// Sender delivers one typed event to a single connection's socket. The
// websocket handler implements it over its write pump; tests implement it
// with a recording stub.
type Sender interface {
	SendEvent(event string, payload any) error
}

// Conn is one registered connection. Fields are owned by the registry;
// read them through registry methods, not directly from other goroutines.
type Conn struct {
	ID       string
	Identity string

	sender       Sender
	rooms        map[string]struct{}
	lastActivity time.Time
}

// Registry is the authoritative map of live connections and the rooms
// (conversations) they joined.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Presence notifications and
// eviction sends happen outside the registry lock, against a snapshot, so
// a slow socket cannot stall registration.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn

	idleThreshold time.Duration
	sweepInterval time.Duration

	// onEvict, when set, is called with the eviction count after each
	// sweep that removed at least one connection.
	onEvict func(count int)

	// now is replaceable for tests.
	now func() time.Time
}

// NewRegistry creates an empty registry. Non-positive durations fall back
// to the defaults.
func NewRegistry(idleThreshold, sweepInterval time.Duration) *Registry {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Registry{
		conns:         make(map[string]*Conn),
		rooms:         make(map[string]map[string]*Conn),
		idleThreshold: idleThreshold,
		sweepInterval: sweepInterval,
		now:           time.Now,
	}
}

// OnEvict installs a callback invoked with the eviction count after each
// sweep in Run that removed at least one connection. Set it before Run
// starts; it is not synchronized.
func (r *Registry) OnEvict(fn func(count int)) {
	r.onEvict = fn
}

// Register adds a connection. Registering an existing id replaces the old
// entry; the caller is expected to have torn the old socket down first.
func (r *Registry) Register(connID, identity string, sender Sender) *Conn {
	conn := &Conn{
		ID:           connID,
		Identity:     identity,
		sender:       sender,
		rooms:        make(map[string]struct{}),
		lastActivity: r.now(),
	}

	r.mu.Lock()
	if old, ok := r.conns[connID]; ok {
		r.removeLocked(old)
	}
	r.conns[connID] = conn
	r.mu.Unlock()

	slog.Debug("Connection registered", "conn_id", connID, "identity", identity)
	return conn
}

// SetIdentity updates a connection's identity after a successful
// authenticate event.
func (r *Registry) SetIdentity(connID, identity string) {
	r.mu.Lock()
	if conn, ok := r.conns[connID]; ok {
		conn.Identity = identity
	}
	r.mu.Unlock()
}

// Identity returns the connection's current identity, or the anonymous
// identity for unknown connections.
func (r *Registry) Identity(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conn, ok := r.conns[connID]; ok {
		return conn.Identity
	}
	return ratelimit.AnonymousIdentity
}

// Touch records inbound activity on the connection, resetting its idle
// clock. Every inbound frame touches, including typing and pings.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	if conn, ok := r.conns[connID]; ok {
		conn.lastActivity = r.now()
	}
	r.mu.Unlock()
}

// Join adds the connection to a conversation room and notifies the other
// members. Joining a room twice is a no-op without a duplicate
// notification.
func (r *Registry) Join(connID, roomID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, already := conn.rooms[roomID]; already {
		r.mu.Unlock()
		return
	}
	conn.rooms[roomID] = struct{}{}
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]*Conn)
	}
	r.rooms[roomID][connID] = conn
	identity := conn.Identity
	peers := r.peersLocked(roomID, connID)
	r.mu.Unlock()

	notifyPresence(peers, datatypes.EventUserJoined, identity, roomID)
	slog.Debug("Connection joined room", "conn_id", connID, "room", roomID)
}

// Leave removes the connection from one room and notifies the remaining
// members.
func (r *Registry) Leave(connID, roomID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, member := conn.rooms[roomID]; !member {
		r.mu.Unlock()
		return
	}
	delete(conn.rooms, roomID)
	r.detachLocked(conn, roomID)
	identity := conn.Identity
	peers := r.peersLocked(roomID, connID)
	r.mu.Unlock()

	notifyPresence(peers, datatypes.EventUserLeft, identity, roomID)
}

// Disconnect removes the connection entirely, leaving every room it was in.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	departed := r.removeLocked(conn)
	r.mu.Unlock()

	for roomID, peers := range departed {
		notifyPresence(peers, datatypes.EventUserLeft, conn.Identity, roomID)
	}
	slog.Debug("Connection disconnected", "conn_id", connID)
}

// SendTo delivers an event to one connection. Unknown ids are dropped
// silently; the caller cannot race disconnects otherwise.
func (r *Registry) SendTo(connID, event string, payload any) {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := conn.sender.SendEvent(event, payload); err != nil {
		slog.Warn("Failed to deliver event", "conn_id", connID, "event", event, "error", err)
	}
}

// Broadcast delivers an event to every member of a room except exceptID
// (pass "" to include everyone).
func (r *Registry) Broadcast(roomID, exceptID, event string, payload any) {
	r.mu.RLock()
	peers := r.peersLocked(roomID, exceptID)
	r.mu.RUnlock()

	for _, peer := range peers {
		if err := peer.sender.SendEvent(event, payload); err != nil {
			slog.Warn("Failed to broadcast event",
				"conn_id", peer.ID, "room", roomID, "event", event, "error", err)
		}
	}
}

// RoomSize returns the number of members in a room.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SweepIdle evicts every connection whose last activity is older than the
// idle threshold and returns the evicted ids. Eviction emits the same
// user_left notifications as an explicit disconnect.
func (r *Registry) SweepIdle() []string {
	cutoff := r.now().Add(-r.idleThreshold)

	r.mu.RLock()
	var stale []string
	for id, conn := range r.conns {
		if conn.lastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	// lastActivity is re-read under the write lock, so a connection that
	// touched between snapshot and eviction survives.
	var evicted []string
	for _, id := range stale {
		if r.disconnectIfIdle(id, cutoff) {
			slog.Info("Evicted idle connection", "conn_id", id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// disconnectIfIdle removes the connection only if it is still registered
// and still idle past cutoff, reporting whether it did. The idle check
// and the removal share one critical section; a Touch landing before the
// lock spares the connection, one landing after is lost with it.
func (r *Registry) disconnectIfIdle(connID string, cutoff time.Time) bool {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok || !conn.lastActivity.Before(cutoff) {
		r.mu.Unlock()
		return false
	}
	departed := r.removeLocked(conn)
	r.mu.Unlock()

	for roomID, peers := range departed {
		notifyPresence(peers, datatypes.EventUserLeft, conn.Identity, roomID)
	}
	return true
}

// Run executes the sweeper loop until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	slog.Info("Idle sweeper started",
		"interval", r.sweepInterval, "threshold", r.idleThreshold)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Idle sweeper stopped")
			return
		case <-ticker.C:
			if evicted := r.SweepIdle(); len(evicted) > 0 {
				slog.Info("Idle sweep evicted connections", "count", len(evicted))
				if r.onEvict != nil {
					r.onEvict(len(evicted))
				}
			}
		}
	}
}

// removeLocked detaches conn from every room and the connection table.
// Returns the remaining peers per departed room for presence notification.
// Must be called with the write lock held.
func (r *Registry) removeLocked(conn *Conn) map[string][]*Conn {
	departed := make(map[string][]*Conn, len(conn.rooms))
	for roomID := range conn.rooms {
		r.detachLocked(conn, roomID)
		departed[roomID] = r.peersLocked(roomID, conn.ID)
	}
	conn.rooms = make(map[string]struct{})
	delete(r.conns, conn.ID)
	return departed
}

// detachLocked removes conn from one room's index, dropping the room when
// it empties. Must be called with the write lock held.
func (r *Registry) detachLocked(conn *Conn, roomID string) {
	members := r.rooms[roomID]
	delete(members, conn.ID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// peersLocked snapshots a room's members excluding exceptID. Must be called
// with at least the read lock held.
func (r *Registry) peersLocked(roomID, exceptID string) []*Conn {
	members := r.rooms[roomID]
	peers := make([]*Conn, 0, len(members))
	for id, conn := range members {
		if id == exceptID {
			continue
		}
		peers = append(peers, conn)
	}
	return peers
}

func notifyPresence(peers []*Conn, event, identity, roomID string) {
	if len(peers) == 0 {
		return
	}
	payload := datatypes.RoomPresencePayload{
		ConversationID: roomID,
		Identity:       identity,
	}
	for _, peer := range peers {
		if err := peer.sender.SendEvent(event, payload); err != nil {
			slog.Warn("Failed to deliver presence event",
				"conn_id", peer.ID, "event", event, "error", err)
		}
	}
}
