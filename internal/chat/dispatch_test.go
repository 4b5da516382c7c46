package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/vipcong816/video-editing-agent/internal/agent"
)

func newExchangeFixture(t *testing.T, protocol agent.Protocol, kind agent.MediaKind) (*exchange, *Store) {
	t.Helper()
	store := NewStore()
	store.AppendUser("hi", "")
	ph := store.AppendAgentPlaceholder(protocol == agent.ProtocolStreaming)
	gen := store.NextGeneration()
	cfg := testAgent("test", protocol)
	return &exchange{
		store: store,
		gen:   gen,
		msgID: ph.ID,
		cfg:   cfg,
		kind:  kind,
	}, store
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestHandleResponseStatus(t *testing.T) {
	ex, _ := newExchangeFixture(t, agent.ProtocolSynchronous, "")

	err := ex.handleResponse(context.Background(), jsonResponse(500, "boom"))
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if se.Status != 500 {
		t.Errorf("Status = %d, want 500", se.Status)
	}
}

func TestHandleSynchronous(t *testing.T) {
	t.Run("response field", func(t *testing.T) {
		ex, store := newExchangeFixture(t, agent.ProtocolSynchronous, "")
		if err := ex.handleResponse(context.Background(), jsonResponse(200, `{"response":"ok"}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		msg, _ := store.Last()
		if msg.Content != "ok" {
			t.Errorf("Content = %q, want %q", msg.Content, "ok")
		}
		if msg.Streaming {
			t.Error("expected streaming flag cleared")
		}
	})

	t.Run("output field for the command agent", func(t *testing.T) {
		ex, store := newExchangeFixture(t, agent.ProtocolSynchronous, "")
		ex.cfg.ID = xiaohongshuAgentID
		if err := ex.handleResponse(context.Background(), jsonResponse(200, `{"output":"账号状态正常"}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg, _ := store.Last(); msg.Content != "账号状态正常" {
			t.Errorf("Content = %q", msg.Content)
		}
	})

	t.Run("missing field falls back", func(t *testing.T) {
		ex, store := newExchangeFixture(t, agent.ProtocolSynchronous, "")
		if err := ex.handleResponse(context.Background(), jsonResponse(200, `{}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg, _ := store.Last(); msg.Content != noValidResponseText {
			t.Errorf("Content = %q, want fallback", msg.Content)
		}
	})

	t.Run("invalid json propagates", func(t *testing.T) {
		ex, _ := newExchangeFixture(t, agent.ProtocolSynchronous, "")
		if err := ex.handleResponse(context.Background(), jsonResponse(200, "not json")); err == nil {
			t.Error("expected decode error")
		}
	})
}

func TestHandleMedia(t *testing.T) {
	t.Run("image success", func(t *testing.T) {
		ex, store := newExchangeFixture(t, agent.ProtocolMedia, agent.MediaImage)
		if err := ex.handleResponse(context.Background(), jsonResponse(200, `{"url":"http://m/1.png","type":"image"}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		msg, _ := store.Last()
		if msg.Content != imageSuccessText {
			t.Errorf("Content = %q", msg.Content)
		}
		if msg.MediaURL != "http://m/1.png" || msg.MediaKind != agent.MediaImage {
			t.Errorf("media = %q/%q", msg.MediaURL, msg.MediaKind)
		}
		if msg.Streaming {
			t.Error("expected streaming flag cleared")
		}
	})

	t.Run("video shows wait notice before the result", func(t *testing.T) {
		ex, store := newExchangeFixture(t, agent.ProtocolMedia, agent.MediaVideo)
		var contents []string
		store.Observe(func(msgs []Message) {
			contents = append(contents, msgs[len(msgs)-1].Content)
		})
		if err := ex.handleResponse(context.Background(), jsonResponse(200, `{"url":"http://m/1.mp4","type":"video"}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(contents) != 2 || contents[0] != videoPendingText {
			t.Errorf("observed contents = %v, want wait notice first", contents)
		}
		if msg, _ := store.Last(); msg.Content != videoSuccessText {
			t.Errorf("Content = %q", msg.Content)
		}
	})

	t.Run("missing url fails with parse copy", func(t *testing.T) {
		ex, store := newExchangeFixture(t, agent.ProtocolMedia, agent.MediaImage)
		if err := ex.handleResponse(context.Background(), jsonResponse(200, `{"type":"image"}`)); err != nil {
			t.Fatalf("parse failures are absorbed, got %v", err)
		}
		msg, _ := store.Last()
		if msg.Content != parseFailText {
			t.Errorf("Content = %q, want parse failure copy", msg.Content)
		}
		if msg.MediaURL != "" {
			t.Errorf("MediaURL = %q, want empty", msg.MediaURL)
		}
	})

	t.Run("unrecognized type rejected", func(t *testing.T) {
		ex, store := newExchangeFixture(t, agent.ProtocolMedia, agent.MediaImage)
		if err := ex.handleResponse(context.Background(), jsonResponse(200, `{"url":"http://m/1.gif","type":"gif"}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg, _ := store.Last(); msg.Content != parseFailText {
			t.Errorf("Content = %q, want parse failure copy", msg.Content)
		}
	})

	t.Run("invalid json fails with parse copy", func(t *testing.T) {
		ex, store := newExchangeFixture(t, agent.ProtocolMedia, agent.MediaImage)
		if err := ex.handleResponse(context.Background(), jsonResponse(200, "<html>")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg, _ := store.Last(); msg.Content != parseFailText {
			t.Errorf("Content = %q, want parse failure copy", msg.Content)
		}
	})
}

func TestHandleProject(t *testing.T) {
	t.Run("content and download link", func(t *testing.T) {
		ex, store := newExchangeFixture(t, agent.ProtocolProject, "")
		if err := ex.handleResponse(context.Background(), jsonResponse(200, `{"content":"项目完成","download_url":"http://d/p.zip"}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		msg, _ := store.Last()
		if msg.Content != "项目完成" || msg.DownloadURL != "http://d/p.zip" {
			t.Errorf("message = %+v", msg)
		}
	})

	t.Run("default copy when content absent", func(t *testing.T) {
		ex, store := newExchangeFixture(t, agent.ProtocolProject, "")
		if err := ex.handleResponse(context.Background(), jsonResponse(200, `{"download_url":"http://d/p.zip"}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg, _ := store.Last(); msg.Content != projectDefaultText {
			t.Errorf("Content = %q, want default project copy", msg.Content)
		}
	})

	t.Run("empty object is a parse failure", func(t *testing.T) {
		ex, store := newExchangeFixture(t, agent.ProtocolProject, "")
		if err := ex.handleResponse(context.Background(), jsonResponse(200, `{}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg, _ := store.Last(); msg.Content != parseFailText {
			t.Errorf("Content = %q, want parse failure copy", msg.Content)
		}
	})
}

func TestHandleResponseStreaming(t *testing.T) {
	ex, store := newExchangeFixture(t, agent.ProtocolStreaming, "")
	body := "data: {\"text\": \"流式\"}\n\ndata: {\"text\": \"输出\"}\n\ndata: [DONE]\n\n"

	if err := ex.handleResponse(context.Background(), jsonResponse(200, body)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, _ := store.Last()
	if msg.Content != "流式输出" {
		t.Errorf("Content = %q, want %q", msg.Content, "流式输出")
	}
	if msg.Streaming {
		t.Error("expected streaming flag cleared")
	}
}
