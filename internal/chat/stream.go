package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/vipcong816/video-editing-agent/internal/logging"
	"github.com/vipcong816/video-editing-agent/internal/markdown"
)

var log = logging.Get()

const (
	doneToken        = "[DONE]"
	streamMaxRetries = 3
	dataPrefix       = "data:"
)

// Event blocks are separated by a blank line; both line-ending styles
// occur in the wild.
var blockSepRe = regexp.MustCompile(`\r?\n\r?\n`)

// streamReader consumes an SSE-style body and incrementally reveals
// agent output into one message of the store.
//
// The reader tolerates arbitrary chunk boundaries (a read may split a
// block or even a data: line), retries transient read failures with a
// fixed delay, and treats a [DONE] payload as the authoritative end of
// the stream regardless of transport state.
type streamReader struct {
	store      *Store
	msgID      string
	gen        uint64
	retryDelay time.Duration
	onRetry    func(attempt, max int)

	accumulated string
	finalized   bool
}

func newStreamReader(store *Store, msgID string, gen uint64, onRetry func(attempt, max int)) *streamReader {
	return &streamReader{
		store:      store,
		msgID:      msgID,
		gen:        gen,
		retryDelay: 2 * time.Second,
		onRetry:    onRetry,
	}
}

// Run reads the body to completion, [DONE], cancellation, or fatal
// error. On cancellation it finalizes the message with whatever content
// has already been written and returns the context error. On a fatal
// read error it leaves finalization to the caller's error path.
func (r *streamReader) Run(ctx context.Context, body io.Reader) error {
	var buffer string
	buf := make([]byte, 4096)
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			r.finalize(false)
			return err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			retries = 0
			buffer += string(buf[:n])

			parts := blockSepRe.Split(buffer, -1)
			buffer = parts[len(parts)-1]
			for _, block := range parts[:len(parts)-1] {
				if r.handleEvent(block) {
					log.Stream("done", "received [DONE]")
					r.finalize(true)
					return nil
				}
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				r.finalize(false)
				return ctx.Err()
			}
			if retries < streamMaxRetries {
				retries++
				log.Retry(retries, streamMaxRetries, readErr)
				if r.onRetry != nil {
					r.onRetry(retries, streamMaxRetries)
				}
				select {
				case <-ctx.Done():
					r.finalize(false)
					return ctx.Err()
				case <-time.After(r.retryDelay):
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrStreamRead, readErr)
		}
	}

	// Stream ended without [DONE]: the remaining buffer may hold one
	// last complete block.
	if buffer != "" && r.handleEvent(buffer) {
		r.finalize(true)
		return nil
	}
	r.finalize(false)
	return nil
}

// handleEvent parses one event block and applies its increment.
// Returns true when the block carries the end-of-stream token.
func (r *streamReader) handleEvent(block string) bool {
	payload, ok := parseEventPayload(block)
	if !ok {
		// A block without data: lines is a no-op.
		return false
	}
	if strings.TrimSpace(payload) == doneToken {
		return true
	}

	increment := extractIncrement(payload)
	if increment == "" {
		return false
	}

	r.accumulated += increment
	log.Stream("content", increment)
	r.store.SetContent(r.gen, r.msgID, markdown.Repair(r.accumulated))
	return false
}

// finalize clears the streaming flag exactly once. When nothing was
// accumulated and the stream did not end cleanly, the message gets the
// no-valid-response sentence; accumulated content is never overwritten.
func (r *streamReader) finalize(sawDone bool) {
	if r.finalized {
		return
	}
	r.finalized = true
	r.store.Update(r.gen, r.msgID, func(m *Message) {
		m.Streaming = false
		if r.accumulated == "" && !sawDone {
			m.Content = noValidResponseText
		}
	})
}

// parseEventPayload joins the block's data: lines with single line
// breaks, preserving internal newlines for Markdown rendering. ok is
// false when the block has no data: line at all.
func parseEventPayload(block string) (payload string, ok bool) {
	var dataLines []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		line = line[len(dataPrefix):]
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			line = line[1:]
		}
		dataLines = append(dataLines, line)
	}
	if len(dataLines) == 0 {
		return "", false
	}
	return strings.Join(dataLines, "\n"), true
}

// extractIncrement turns one event payload into incremental text.
// JSON objects yield the first present of text, content, delta; other
// JSON values are re-serialized whole. Non-JSON payloads pass through
// raw, with escaped newlines restored.
func extractIncrement(payload string) string {
	var parsed any
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return strings.ReplaceAll(payload, `\n`, "\n")
	}

	if obj, isObj := parsed.(map[string]any); isObj {
		for _, key := range []string{"text", "content", "delta"} {
			v, present := obj[key]
			if !present || v == nil {
				continue
			}
			if s, isStr := v.(string); isStr {
				return s
			}
			// Field present but not a string: fall back to the
			// whole value.
			break
		}
	}

	serialized, err := json.Marshal(parsed)
	if err != nil {
		return ""
	}
	return string(serialized)
}
