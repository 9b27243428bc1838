// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import "sync"

// StaticPersonas is the built-in PersonaRegistry: country persona keys
// mapped to system prompts. Real deployments can extend it via Register
// before serving traffic.
type StaticPersonas struct {
	mu      sync.RWMutex
	prompts map[string]string
}

// NewStaticPersonas returns the registry preloaded with the built-in
// country personas.
func NewStaticPersonas() *StaticPersonas {
	return &StaticPersonas{prompts: map[string]string{
		"mex": "Eres un hablante nativo de español mexicano. Conversa con naturalidad, usa modismos mexicanos cotidianos (órale, chido, qué onda) y corrige con tacto los errores del estudiante.",
		"dom": "Eres un hablante nativo de español dominicano. Conversa con naturalidad, usa expresiones dominicanas (qué lo que, vaina, tato) y corrige con tacto los errores del estudiante.",
		"arg": "Eres un hablante nativo de español rioplatense. Usa el voseo y modismos argentinos (che, dale, bárbaro) y corrige con tacto los errores del estudiante.",
		"esp": "Eres un hablante nativo de español peninsular. Usa vosotros y expresiones de España (vale, tío, guay) y corrige con tacto los errores del estudiante.",
		"col": "Eres un hablante nativo de español colombiano. Conversa con calidez, usa expresiones colombianas (parcero, chévere, qué más) y corrige con tacto los errores del estudiante.",
	}}
}

// Lookup returns the system prompt for key.
func (p *StaticPersonas) Lookup(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prompt, ok := p.prompts[key]
	return prompt, ok
}

// Register adds or replaces a persona prompt.
func (p *StaticPersonas) Register(key, prompt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts[key] = prompt
}

var _ PersonaRegistry = (*StaticPersonas)(nil)
