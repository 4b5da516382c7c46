package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// chunkReader replays a body in fixed pieces so tests can force event
// blocks to straddle read boundaries.
type chunkReader struct {
	chunks []string
	i      int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.i >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.i])
	r.chunks[r.i] = r.chunks[r.i][n:]
	if r.chunks[r.i] == "" {
		r.i++
	}
	return n, nil
}

func splitBytes(s string, size int) []string {
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// flakyReader fails its first failures reads, then serves the body.
type flakyReader struct {
	failures int
	body     io.Reader
}

func (r *flakyReader) Read(p []byte) (int, error) {
	if r.failures > 0 {
		r.failures--
		return 0, errors.New("connection reset")
	}
	return r.body.Read(p)
}

func newStreamFixture(t *testing.T) (*Store, string, uint64) {
	t.Helper()
	store := NewStore()
	store.AppendUser("hi", "")
	ph := store.AppendAgentPlaceholder(true)
	return store, ph.ID, store.NextGeneration()
}

func runStream(t *testing.T, store *Store, id string, gen uint64, body io.Reader) error {
	t.Helper()
	r := newStreamReader(store, id, gen, nil)
	r.retryDelay = 0
	return r.Run(context.Background(), body)
}

func agentMessage(t *testing.T, store *Store, id string) Message {
	t.Helper()
	for _, m := range store.Messages() {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("message %s not in store", id)
	return Message{}
}

func TestStreamReaderRun(t *testing.T) {
	t.Run("concatenates text events", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)
		body := strings.NewReader("data: {\"text\": \"Hello\"}\n\ndata: {\"text\": \"world\"}\n\ndata: [DONE]\n\n")

		if err := runStream(t, store, id, gen, body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		msg := agentMessage(t, store, id)
		if msg.Content != "Helloworld" {
			t.Errorf("Content = %q, want %q", msg.Content, "Helloworld")
		}
		if msg.Streaming {
			t.Error("expected streaming flag cleared")
		}
	})

	t.Run("chunk boundaries do not change output", func(t *testing.T) {
		raw := "data: {\"text\": \"He\"}\n\ndata: {\"text\": \"llo \"}\r\n\r\ndata: {\"content\": \"世界\"}\n\ndata: [DONE]\n\n"
		for _, size := range []int{1, 2, 3, 7, 4096} {
			store, id, gen := newStreamFixture(t)
			body := &chunkReader{chunks: splitBytes(raw, size)}

			if err := runStream(t, store, id, gen, body); err != nil {
				t.Fatalf("size %d: unexpected error: %v", size, err)
			}
			if got := agentMessage(t, store, id).Content; got != "Hello 世界" {
				t.Errorf("size %d: Content = %q, want %q", size, got, "Hello 世界")
			}
		}
	})

	t.Run("field priority text then content then delta", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)
		body := strings.NewReader("data: {\"content\": \"a\"}\n\ndata: {\"delta\": \"b\"}\n\ndata: {\"text\": null, \"content\": \"c\"}\n\ndata: [DONE]\n\n")

		if err := runStream(t, store, id, gen, body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := agentMessage(t, store, id).Content; got != "abc" {
			t.Errorf("Content = %q, want %q", got, "abc")
		}
	})

	t.Run("non-json payload passes through with newlines restored", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)
		body := strings.NewReader("data: first\\nsecond\n\ndata: [DONE]\n\n")

		if err := runStream(t, store, id, gen, body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := agentMessage(t, store, id).Content; got != "first\nsecond" {
			t.Errorf("Content = %q, want %q", got, "first\nsecond")
		}
	})

	t.Run("multiple data lines join with newline", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)
		body := strings.NewReader("data: alpha\ndata: beta\n\ndata: [DONE]\n\n")

		if err := runStream(t, store, id, gen, body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := agentMessage(t, store, id).Content; got != "alpha\nbeta" {
			t.Errorf("Content = %q, want %q", got, "alpha\nbeta")
		}
	})

	t.Run("block without data line is ignored", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)
		body := strings.NewReader("event: ping\n\ndata: {\"text\": \"x\"}\n\ndata: [DONE]\n\n")

		if err := runStream(t, store, id, gen, body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := agentMessage(t, store, id).Content; got != "x" {
			t.Errorf("Content = %q, want %q", got, "x")
		}
	})

	t.Run("events after DONE are dropped", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)
		body := strings.NewReader("data: {\"text\": \"keep\"}\n\ndata: [DONE]\n\ndata: {\"text\": \"drop\"}\n\n")

		if err := runStream(t, store, id, gen, body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := agentMessage(t, store, id).Content; got != "keep" {
			t.Errorf("Content = %q, want %q", got, "keep")
		}
	})

	t.Run("empty stream without DONE gets fallback text", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)

		if err := runStream(t, store, id, gen, strings.NewReader("")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		msg := agentMessage(t, store, id)
		if msg.Content != noValidResponseText {
			t.Errorf("Content = %q, want fallback", msg.Content)
		}
		if msg.Streaming {
			t.Error("expected streaming flag cleared")
		}
	})

	t.Run("clean DONE with no content stays empty", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)

		if err := runStream(t, store, id, gen, strings.NewReader("data: [DONE]\n\n")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := agentMessage(t, store, id).Content; got != "" {
			t.Errorf("Content = %q, want empty", got)
		}
	})

	t.Run("trailing block without separator still lands", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)
		body := strings.NewReader("data: {\"text\": \"tail\"}")

		if err := runStream(t, store, id, gen, body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := agentMessage(t, store, id).Content; got != "tail" {
			t.Errorf("Content = %q, want %q", got, "tail")
		}
	})

	t.Run("retries transient read failures", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)
		body := &flakyReader{
			failures: 2,
			body:     strings.NewReader("data: {\"text\": \"ok\"}\n\ndata: [DONE]\n\n"),
		}

		var retries []int
		r := newStreamReader(store, id, gen, func(attempt, max int) {
			retries = append(retries, attempt)
		})
		r.retryDelay = 0
		if err := r.Run(context.Background(), body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
			t.Errorf("retry attempts = %v, want [1 2]", retries)
		}
		if got := agentMessage(t, store, id).Content; got != "ok" {
			t.Errorf("Content = %q, want %q", got, "ok")
		}
	})

	t.Run("exhausted retries propagate a stream read error", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)
		body := &flakyReader{failures: 10, body: strings.NewReader("")}

		err := runStream(t, store, id, gen, body)
		if !errors.Is(err, ErrStreamRead) {
			t.Fatalf("error = %v, want ErrStreamRead", err)
		}
		// Finalization on fatal errors belongs to the caller.
		if msg := agentMessage(t, store, id); !msg.Streaming {
			t.Error("expected message left streaming for the caller to finalize")
		}
	})

	t.Run("cancellation preserves partial content", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)
		ctx, cancel := context.WithCancel(context.Background())

		body := &chunkReader{chunks: []string{"data: {\"text\": \"partial\"}\n\n"}}
		r := newStreamReader(store, id, gen, nil)
		r.retryDelay = 0

		// Cancel after the first chunk is consumed: wrap the body so
		// the second read observes a cancelled context.
		wrapped := readerFunc(func(p []byte) (int, error) {
			n, err := body.Read(p)
			if err == io.EOF {
				cancel()
				return 0, errors.New("read on cancelled stream")
			}
			return n, err
		})

		err := r.Run(ctx, wrapped)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
		msg := agentMessage(t, store, id)
		if msg.Content != "partial" {
			t.Errorf("Content = %q, want %q", msg.Content, "partial")
		}
		if msg.Streaming {
			t.Error("expected streaming flag cleared on cancel")
		}
	})

	t.Run("stale generation writes are dropped", func(t *testing.T) {
		store, id, gen := newStreamFixture(t)
		store.Clear()

		if err := runStream(t, store, id, gen, strings.NewReader("data: {\"text\": \"late\"}\n\ndata: [DONE]\n\n")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if store.Len() != 0 {
			t.Errorf("Len = %d, want 0 after clear", store.Len())
		}
	})
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestExtractIncrement(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"text field", `{"text": "a"}`, "a"},
		{"content field", `{"content": "b"}`, "b"},
		{"delta field", `{"delta": "c"}`, "c"},
		{"null text falls through", `{"text": null, "delta": "d"}`, "d"},
		{"non-string field reserializes", `{"text": 42}`, `{"text":42}`},
		{"non-object json reserializes", `[1,2]`, "[1,2]"},
		{"raw payload", "plain", "plain"},
		{"raw with escaped newline", `a\nb`, "a\nb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractIncrement(tc.payload); got != tc.want {
				t.Errorf("extractIncrement(%q) = %q, want %q", tc.payload, got, tc.want)
			}
		})
	}
}
