// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit implements fixed-window request counting keyed by
// (identity, request class).
//
// A token bucket would smooth bursts, but the product requirement here is a
// hard per-minute ceiling: exactly N requests per window, the (N+1)-th
// denied, full allowance again once the window rolls over. Buckets are
// created lazily and reset idempotently when their window elapses, so memory
// is bounded by the number of distinct active identities, not by uptime.
package ratelimit

import (
	"sync"
	"time"
)

// Class identifies the request class being limited.
type Class string

const (
	// ClassChat covers inbound chat messages.
	ClassChat Class = "chat"

	// ClassTranslation covers translation queries.
	ClassTranslation Class = "translation"
)

// AnonymousIdentity is the identity string used for unauthenticated
// connections. Anonymous ceilings are strictly lower than authenticated
// ones.
const AnonymousIdentity = "anonymous"

// Config holds the per-class ceilings for one window.
type Config struct {
	// Window is the fixed window length. Default: 1m
	Window time.Duration

	// ChatPerWindow is the authenticated chat ceiling. Default: 30
	ChatPerWindow int

	// AnonChatPerWindow is the anonymous chat ceiling. Default: 8
	AnonChatPerWindow int

	// TranslationPerWindow is the authenticated translation ceiling.
	// Default: 20
	TranslationPerWindow int

	// AnonTranslationPerWindow is the anonymous translation ceiling.
	// Default: 3
	AnonTranslationPerWindow int
}

// DefaultConfig returns the default ceilings.
func DefaultConfig() Config {
	return Config{
		Window:                   time.Minute,
		ChatPerWindow:            30,
		AnonChatPerWindow:        8,
		TranslationPerWindow:     20,
		AnonTranslationPerWindow: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.ChatPerWindow <= 0 {
		c.ChatPerWindow = d.ChatPerWindow
	}
	if c.AnonChatPerWindow <= 0 {
		c.AnonChatPerWindow = d.AnonChatPerWindow
	}
	if c.TranslationPerWindow <= 0 {
		c.TranslationPerWindow = d.TranslationPerWindow
	}
	if c.AnonTranslationPerWindow <= 0 {
		c.AnonTranslationPerWindow = d.AnonTranslationPerWindow
	}
	return c
}

// bucket is one fixed-window counter.
type bucket struct {
	count         int
	windowResetAt time.Time
}

type bucketKey struct {
	identity string
	class    Class
}

// Limiter enforces fixed-window ceilings per (identity, class).
//
// Thread Safety: safe for concurrent use. Multiple requests for the same
// identity can race through Allow; the counter mutation happens under the
// lock so the ceiling is exact.
type Limiter struct {
	config  Config
	buckets map[bucketKey]*bucket
	mu      sync.Mutex

	// now is replaceable for tests.
	now func() time.Time
}

// NewLimiter creates a Limiter; zero config values use defaults.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		config:  config.withDefaults(),
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
}

// Allow counts one request against (identity, class) and reports whether it
// is within the ceiling.
//
// The first use of a key in a window initializes its bucket; a bucket whose
// reset time has passed is re-initialized in place (lazy reset, no
// background sweeping). Every call increments the counter, so a denied
// request still consumed nothing extra: the count saturates at the ceiling
// check, not before.
func (l *Limiter) Allow(identity string, class Class) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := bucketKey{identity: identity, class: class}

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.windowResetAt) {
		b = &bucket{windowResetAt: now.Add(l.config.Window)}
		l.buckets[key] = b
	}

	b.count++
	return b.count <= l.ceiling(identity, class)
}

// Remaining reports how many requests are left in the current window.
// Mainly for surfacing limits in error payloads and tests.
func (l *Limiter) Remaining(identity string, class Class) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	ceiling := l.ceiling(identity, class)
	b, ok := l.buckets[bucketKey{identity: identity, class: class}]
	if !ok || !l.now().Before(b.windowResetAt) {
		return ceiling
	}
	remaining := ceiling - b.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (l *Limiter) ceiling(identity string, class Class) int {
	anon := identity == AnonymousIdentity || identity == ""
	switch class {
	case ClassTranslation:
		if anon {
			return l.config.AnonTranslationPerWindow
		}
		return l.config.TranslationPerWindow
	default:
		if anon {
			return l.config.AnonChatPerWindow
		}
		return l.config.ChatPerWindow
	}
}
