package llm

import (
	"errors"
	"testing"

	"github.com/knath2000/klk-back-sub000/services/gateway/datatypes"
)

const sampleStream = "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"Hola\"}}]}\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"\"}}]}\n" +
	": keepalive comment\n" +
	"\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\" mundo\"}}]}\n" +
	"data: [DONE]\n"

func collect(dec *DeltaDecoder, input []byte, chunkSize int) []datatypes.DeltaChunk {
	var out []datatypes.DeltaChunk
	for start := 0; start < len(input); start += chunkSize {
		end := start + chunkSize
		if end > len(input) {
			end = len(input)
		}
		out = append(out, dec.Feed(input[start:end])...)
	}
	return append(out, dec.Finish()...)
}

func TestDeltaDecoderBasicStream(t *testing.T) {
	t.Parallel()

	chunks := collect(NewDeltaDecoder(), []byte(sampleStream), len(sampleStream))

	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %#v", len(chunks), chunks)
	}
	if chunks[0].Text != "Hola" || chunks[1].Text != "" || chunks[2].Text != " mundo" {
		t.Fatalf("unexpected delta texts: %#v", chunks)
	}
	if chunks[1].IsFinal {
		t.Fatal("empty-content delta must not be treated as final")
	}
	if !chunks[3].IsFinal || chunks[3].Err != nil {
		t.Fatalf("expected clean final chunk, got %#v", chunks[3])
	}
}

func TestDeltaDecoderSplitInvariance(t *testing.T) {
	t.Parallel()

	input := []byte(sampleStream)
	reference := collect(NewDeltaDecoder(), input, len(input))

	for _, size := range []int{1, 2, 3, 5, 7, 16, 61} {
		got := collect(NewDeltaDecoder(), input, size)
		if len(got) != len(reference) {
			t.Fatalf("chunk size %d: got %d chunks, want %d", size, len(got), len(reference))
		}
		for i := range got {
			if got[i].Text != reference[i].Text || got[i].IsFinal != reference[i].IsFinal {
				t.Fatalf("chunk size %d: chunk %d = %#v, want %#v", size, i, got[i], reference[i])
			}
		}
	}
}

func TestDeltaDecoderMalformedLineSkipped(t *testing.T) {
	t.Parallel()

	dec := NewDeltaDecoder()
	chunks := dec.Feed([]byte("data: {not json}\ndata: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\ndata: [DONE]\n"))

	if len(chunks) != 2 {
		t.Fatalf("expected malformed line to be skipped, got %#v", chunks)
	}
	if chunks[0].Text != "ok" || !chunks[1].IsFinal {
		t.Fatalf("unexpected chunks: %#v", chunks)
	}
}

func TestDeltaDecoderTruncatedStream(t *testing.T) {
	t.Parallel()

	dec := NewDeltaDecoder()
	chunks := dec.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n"))
	if len(chunks) != 1 || chunks[0].Text != "partial" {
		t.Fatalf("unexpected chunks before EOF: %#v", chunks)
	}

	final := dec.Finish()
	if len(final) != 1 || !final[0].IsFinal {
		t.Fatalf("expected one final chunk, got %#v", final)
	}
	if !errors.Is(final[0].Err, ErrStreamTruncated) {
		t.Fatalf("expected ErrStreamTruncated, got %v", final[0].Err)
	}
}

func TestDeltaDecoderTerminatorWithoutTrailingNewline(t *testing.T) {
	t.Parallel()

	dec := NewDeltaDecoder()
	chunks := dec.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\ndata: [DONE]"))
	chunks = append(chunks, dec.Finish()...)

	if len(chunks) != 2 || !chunks[1].IsFinal || chunks[1].Err != nil {
		t.Fatalf("expected salvaged clean terminator, got %#v", chunks)
	}
}

func TestDeltaDecoderIgnoresInputAfterDone(t *testing.T) {
	t.Parallel()

	dec := NewDeltaDecoder()
	dec.Feed([]byte("data: [DONE]\n"))
	if got := dec.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n")); len(got) != 0 {
		t.Fatalf("expected post-terminator input to be discarded, got %#v", got)
	}
	if got := dec.Finish(); len(got) != 0 {
		t.Fatalf("Finish after clean terminator should be empty, got %#v", got)
	}
}
