package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
)

// translationSystemPrompt pins the model to the structured schema the client
// renders. The numbered field list mirrors datatypes.TranslationResult; all
// five top-level arrays must be present even when empty.
const translationSystemPrompt = `You are a bilingual Spanish-English dictionary for Latin American slang and colloquial speech.
Respond with a single JSON object and nothing else. No prose, no markdown fences.
The object must contain exactly these keys, each an array (empty if not applicable):
1. "definitions": [{"meaning": string, "part_of_speech": string, "register": string}]
2. "examples": [{"source": string, "target": string}]
3. "conjugations": [{"tense": string, "form": string}]
4. "audio": [{"text": string, "ipa": string}]
5. "related": [string]`

// Translate implements the ChatClient interface.
//
// The completion is streamed and accumulated rather than fetched buffered:
// translation shares the live-request table, so an in-flight translation can
// be cancelled the same way a chat stream can. The accumulated text is
// validated against the schema; any failure anywhere in the pipeline
// degrades to the minimal fallback payload instead of an error, so the
// caller always has something renderable.
func (c *OpenAICompatClient) Translate(ctx context.Context,
	query, language, usageContext string) (*datatypes.TranslationResult, error) {

	userPrompt := fmt.Sprintf("Translate %q (target language: %s).", query, language)
	if usageContext != "" {
		userPrompt += fmt.Sprintf(" It was used in this context: %q.", usageContext)
	}
	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: translationSystemPrompt},
		{Role: datatypes.RoleUser, Content: userPrompt},
	}

	opts := Options{RequestID: "translate-" + uuid.NewString()}
	var sb strings.Builder
	err := c.StreamCompletion(ctx, messages, opts, func(chunk datatypes.DeltaChunk) error {
		sb.WriteString(chunk.Text)
		return nil
	})
	if err != nil {
		slog.Warn("Translation completion failed, serving fallback",
			"error", err, "query", query)
		return datatypes.FallbackTranslation(query), nil
	}

	raw := stripCodeFences(sb.String())
	result := datatypes.ValidateTranslationJSON([]byte(raw))
	if result == nil {
		slog.Warn("Translation response failed schema validation, serving fallback",
			"query", query, "length", len(raw))
		return datatypes.FallbackTranslation(query), nil
	}
	return result, nil
}

// stripCodeFences removes a surrounding markdown fence if the model ignored
// the no-fences instruction.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
