package chat

import (
	"encoding/json"

	"github.com/vipcong816/video-editing-agent/internal/agent"
)

// Request payload shapes, one per response protocol.

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []historyEntry `json:"messages"`
}

type imageChatRequest struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url"`
}

type mediaRequest struct {
	Prompt string          `json:"prompt"`
	Class  agent.MediaKind `json:"class"`
}

type projectRequest struct {
	Messages    []historyEntry `json:"messages"`
	ProjectName string         `json:"project_name"`
}

type commandRequest struct {
	Message string `json:"message"`
}

// At most three exchanges of history travel with a request.
const maxHistoryMessages = 6

// xiaohongshuAgentID names the one agent with a fixed command payload
// and an output-field response format.
const xiaohongshuAgentID = "agent-xiaohongshu"

// fixedPayloads overrides the request shape for specific agents that
// expect one literal instruction regardless of user input.
var fixedPayloads = map[string]any{
	xiaohongshuAgentID: commandRequest{Message: "查看登录情况使用 xiaohongshu-mcp。"},
}

// historyForAPI maps the most recent exchanges to role/content pairs.
func historyForAPI(msgs []Message) []historyEntry {
	if len(msgs) > maxHistoryMessages {
		msgs = msgs[len(msgs)-maxHistoryMessages:]
	}
	entries := make([]historyEntry, len(msgs))
	for i, m := range msgs {
		role := "assistant"
		if m.Sender == SenderUser {
			role = "user"
		}
		entries[i] = historyEntry{Role: role, Content: m.Content}
	}
	return entries
}

// BuildRequestBody produces the JSON payload for one exchange. history
// must already contain the new user message and must not contain the
// agent placeholder. Pure function of its inputs.
func BuildRequestBody(cfg *agent.Config, history []Message, text, imageURL string, kind agent.MediaKind) ([]byte, error) {
	var payload any

	switch cfg.Response.Type {
	case agent.ProtocolMedia:
		payload = mediaRequest{Prompt: text, Class: kind}

	case agent.ProtocolProject:
		name := text
		if name == "" {
			name = agent.GenerateProjectName()
		}
		payload = projectRequest{
			Messages:    historyForAPI(history),
			ProjectName: name,
		}

	default:
		if fixed, ok := fixedPayloads[cfg.ID]; ok {
			payload = fixed
			break
		}
		if cfg.Response.SupportsImageUpload && imageURL != "" {
			payload = imageChatRequest{Text: text, ImageURL: imageURL}
			break
		}
		payload = chatRequest{Messages: historyForAPI(history)}
	}

	return json.Marshal(payload)
}
