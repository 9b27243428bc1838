// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "encoding/json"

// TranslationResult is the fixed-schema structured output for a translation
// query. All five top-level containers must be present with the correct
// container type; a response failing that check is replaced wholesale by
// FallbackTranslation so the client never receives a partial object.
type TranslationResult struct {
	Definitions  []TranslationDefinition  `json:"definitions"`
	Examples     []TranslationExample     `json:"examples"`
	Conjugations []TranslationConjugation `json:"conjugations"`
	Audio        []TranslationAudio       `json:"audio"`
	Related      []string                 `json:"related"`
}

// TranslationDefinition is one sense of the queried term.
type TranslationDefinition struct {
	Meaning      string `json:"meaning"`
	PartOfSpeech string `json:"part_of_speech,omitempty"`
	Register     string `json:"register,omitempty"`
}

// TranslationExample is one usage example with its rendering.
type TranslationExample struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// TranslationConjugation is one conjugated form (verbs only; empty list
// otherwise).
type TranslationConjugation struct {
	Tense string `json:"tense"`
	Form  string `json:"form"`
}

// TranslationAudio is a pronunciation hint; URLs are resolved client-side.
type TranslationAudio struct {
	Text string `json:"text"`
	IPA  string `json:"ipa,omitempty"`
}

// FallbackTranslation builds the deterministic degraded result embedding the
// original query. Returned whenever the upstream response cannot be parsed
// or validated, so the translation feature degrades instead of erroring.
func FallbackTranslation(query string) *TranslationResult {
	return &TranslationResult{
		Definitions: []TranslationDefinition{
			{Meaning: query},
		},
		Examples:     []TranslationExample{},
		Conjugations: []TranslationConjugation{},
		Audio:        []TranslationAudio{},
		Related:      []string{},
	}
}

// ValidateTranslationJSON checks that raw is a JSON object containing all
// five required top-level fields with array container types, and unmarshals
// it. Returns nil on any violation.
func ValidateTranslationJSON(raw []byte) *TranslationResult {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	for _, field := range []string{"definitions", "examples", "conjugations", "audio", "related"} {
		v, ok := probe[field]
		if !ok || !isJSONArray(v) {
			return nil
		}
	}

	var result TranslationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}
	return &result
}

// isJSONArray reports whether raw's first non-space byte opens an array.
func isJSONArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
