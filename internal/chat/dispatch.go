package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vipcong816/video-editing-agent/internal/agent"
)

// exchange carries everything needed to turn one HTTP response into
// updates of a single agent message.
type exchange struct {
	store   *Store
	gen     uint64
	msgID   string
	cfg     *agent.Config
	kind    agent.MediaKind
	onRetry func(attempt, max int)
}

// handleResponse dispatches the response body per the agent's protocol.
// Errors it returns are classified by the caller; protocol-level parse
// failures for media and project agents are absorbed here by finalizing
// the message with the parse-failure sentence.
func (e *exchange) handleResponse(ctx context.Context, resp *http.Response) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Status: resp.StatusCode}
	}

	switch e.cfg.Response.Type {
	case agent.ProtocolStreaming:
		if resp.Body == http.NoBody {
			return ErrNoBody
		}
		reader := newStreamReader(e.store, e.msgID, e.gen, e.onRetry)
		return reader.Run(ctx, resp.Body)
	case agent.ProtocolSynchronous:
		return e.handleSynchronous(resp.Body)
	case agent.ProtocolMedia:
		e.handleMedia(resp.Body)
		return nil
	case agent.ProtocolProject:
		e.handleProject(resp.Body)
		return nil
	default:
		return fmt.Errorf("unsupported response protocol %q", e.cfg.Response.Type)
	}
}

func (e *exchange) handleSynchronous(body io.Reader) error {
	var data struct {
		Output   string `json:"output"`
		Response string `json:"response"`
	}
	if err := json.NewDecoder(body).Decode(&data); err != nil {
		return fmt.Errorf("decoding synchronous response: %w", err)
	}

	content := data.Response
	if e.cfg.ID == xiaohongshuAgentID {
		content = data.Output
	}
	if content == "" {
		content = noValidResponseText
	}

	e.store.Update(e.gen, e.msgID, func(m *Message) {
		m.Content = content
		m.Streaming = false
	})
	return nil
}

func (e *exchange) handleMedia(body io.Reader) {
	// Video generation is slow; show the wait notice while parsing.
	if e.kind == agent.MediaVideo {
		e.store.Update(e.gen, e.msgID, func(m *Message) {
			m.Content = videoPendingText
			m.Streaming = true
		})
	}

	url, kind, err := parseMediaResponse(body)
	if err != nil {
		log.Error("media response invalid: %v", err)
		e.store.Update(e.gen, e.msgID, func(m *Message) {
			m.Content = parseFailText
			m.Streaming = false
		})
		return
	}

	content := videoSuccessText
	if kind == agent.MediaImage {
		content = imageSuccessText
	}
	e.store.Update(e.gen, e.msgID, func(m *Message) {
		m.Content = content
		m.Streaming = false
		m.MediaURL = url
		m.MediaKind = kind
	})
}

func parseMediaResponse(body io.Reader) (url string, kind agent.MediaKind, err error) {
	var data struct {
		URL  string `json:"url"`
		Type string `json:"type"`
	}
	if err := json.NewDecoder(body).Decode(&data); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidMediaResponse, err)
	}
	if data.URL == "" || data.Type == "" {
		return "", "", fmt.Errorf("%w: missing url or type", ErrInvalidMediaResponse)
	}
	switch data.Type {
	case "image":
		return data.URL, agent.MediaImage, nil
	case "video":
		return data.URL, agent.MediaVideo, nil
	default:
		return "", "", fmt.Errorf("%w: unrecognized type %q", ErrInvalidMediaResponse, data.Type)
	}
}

func (e *exchange) handleProject(body io.Reader) {
	var data struct {
		Content     string `json:"content"`
		DownloadURL string `json:"download_url"`
	}
	err := json.NewDecoder(body).Decode(&data)
	if err == nil && data.Content == "" && data.DownloadURL == "" {
		err = fmt.Errorf("%w: empty response", ErrInvalidProjectResponse)
	}
	if err != nil {
		log.Error("project response invalid: %v", err)
		e.store.Update(e.gen, e.msgID, func(m *Message) {
			m.Content = parseFailText
			m.Streaming = false
		})
		return
	}

	content := data.Content
	if content == "" {
		content = projectDefaultText
	}
	e.store.Update(e.gen, e.msgID, func(m *Message) {
		m.Content = content
		m.Streaming = false
		m.DownloadURL = data.DownloadURL
	})
}
