package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
)

// ErrStreamTruncated is set on the final DeltaChunk when the upstream body
// ended before the [DONE] terminator was seen. The deltas observed so far
// are valid; the stream as a whole is not known to be complete.
var ErrStreamTruncated = errors.New("stream ended before terminator")

const (
	ssePrefix     = "data: "
	sseTerminator = "[DONE]"
)

// sseChunkPayload is the provider's per-line JSON shape. Content is a
// pointer so an explicitly empty delta ("content":"") is distinguishable
// from an absent one.
type sseChunkPayload struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// DeltaDecoder turns a raw SSE byte stream into DeltaChunk values.
//
// The decoder is buffer-boundary agnostic: bytes may arrive split anywhere,
// including mid-line and mid-rune, and the emitted chunk sequence is
// identical to what a single-shot delivery would produce. Feed it chunks in
// arrival order; it is not safe for concurrent use and not restartable
// across streams (one decoder per HTTP response).
//
// Lines that do not carry the "data: " prefix (comments, event names, blank
// keepalives) are ignored. Malformed JSON payloads are logged and skipped
// without aborting the stream. After the [DONE] terminator is seen, all
// further input is discarded.
type DeltaDecoder struct {
	buf  bytes.Buffer
	done bool
}

// NewDeltaDecoder creates a decoder for one stream.
func NewDeltaDecoder() *DeltaDecoder {
	return &DeltaDecoder{}
}

// Done reports whether the terminator has been observed.
func (d *DeltaDecoder) Done() bool { return d.done }

// Feed appends raw bytes and returns the chunks completed by them, in order.
func (d *DeltaDecoder) Feed(p []byte) []datatypes.DeltaChunk {
	if d.done {
		return nil
	}
	d.buf.Write(p)

	var out []datatypes.DeltaChunk
	for !d.done {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break // partial line stays buffered for the next Feed
		}
		line := string(raw[:idx])
		d.buf.Next(idx + 1)

		if chunk, ok := d.decodeLine(line); ok {
			out = append(out, chunk)
		}
	}
	return out
}

// Finish signals end of input. If the terminator was never seen, it yields
// one final chunk carrying ErrStreamTruncated so the caller can close out
// bookkeeping; otherwise it yields nothing.
func (d *DeltaDecoder) Finish() []datatypes.DeltaChunk {
	if d.done {
		return nil
	}
	d.done = true

	// A buffered partial line at EOF is itself a truncation symptom; try
	// to salvage it in case the upstream just omitted the last newline.
	var out []datatypes.DeltaChunk
	if d.buf.Len() > 0 {
		line := d.buf.String()
		d.buf.Reset()
		d.done = false
		if chunk, ok := d.decodeLine(line); ok {
			out = append(out, chunk)
		}
		if d.done {
			return out
		}
		d.done = true
	}

	return append(out, datatypes.DeltaChunk{IsFinal: true, Err: ErrStreamTruncated})
}

// decodeLine parses one complete line; ok reports whether a chunk was
// produced.
func (d *DeltaDecoder) decodeLine(line string) (datatypes.DeltaChunk, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, ssePrefix) {
		return datatypes.DeltaChunk{}, false
	}
	payload := strings.TrimSpace(line[len(ssePrefix):])

	if payload == sseTerminator {
		d.done = true
		return datatypes.DeltaChunk{IsFinal: true}, true
	}

	var parsed sseChunkPayload
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		slog.Warn("Skipping malformed SSE payload", "error", err, "length", len(payload))
		return datatypes.DeltaChunk{}, false
	}

	if len(parsed.Choices) == 0 || parsed.Choices[0].Delta.Content == nil {
		return datatypes.DeltaChunk{}, false
	}

	chunk := datatypes.DeltaChunk{Text: *parsed.Choices[0].Delta.Content}
	if len(parsed.Usage) > 0 {
		chunk.Meta = map[string]any{"id": parsed.ID, "usage": parsed.Usage}
	}
	return chunk, true
}
