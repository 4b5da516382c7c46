package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vipcong816/video-editing-agent/internal/agent"
	"github.com/vipcong816/video-editing-agent/internal/auth"
	"github.com/vipcong816/video-editing-agent/internal/chat"
	"github.com/vipcong816/video-editing-agent/internal/config"
	"github.com/vipcong816/video-editing-agent/internal/logging"
)

// The account backend can be slow; mirror the front end's generous
// ceiling for auth calls.
const authTimeout = 600 * time.Second

var (
	appConfig *config.Config
	registry  *agent.Registry
	account   *auth.Session
	session   *chat.Session

	httpClient = &http.Client{}
	log        = logging.Get()

	respondMu sync.Mutex
	initMu    sync.Mutex
	sessionMu sync.Mutex
)

func main() {
	if os.Getenv("VEAGENT_DEBUG") == "1" {
		fmt.Fprintf(os.Stderr, "veagent: process started with VEAGENT_DEBUG=1\n")
	}
	logBuildInfo()
	defer log.Close()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		handleRequest(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			respond("", map[string]any{
				"type":    "error",
				"message": "Request too large (max 1MB). Split the request.",
			})
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "stdin error: %v\n", err)
		os.Exit(1)
	}
}

func logBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		log.Info("Build info: unavailable")
		return
	}

	var revision string
	var buildTime string
	var modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			buildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}

	version := info.Main.Version
	if revision != "" {
		version = revision
	}
	if modified == "true" {
		version += " (modified)"
	}

	if buildTime != "" {
		log.Info("Build: %s; go=%s; time=%s", version, runtime.Version(), buildTime)
		return
	}
	log.Info("Build: %s; go=%s", version, runtime.Version())
}

// ensureInit loads config, registry, and the persisted sign-in lazily
// on first use.
func ensureInit() error {
	initMu.Lock()
	defer initMu.Unlock()

	if appConfig != nil {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	reg, err := agent.LoadRegistry(cfg.AgentsPath)
	if err != nil {
		return err
	}

	appConfig = cfg
	registry = reg
	account = auth.NewSession(cfg.AuthBaseURL, httpClient)
	account.Hydrate()
	return nil
}

func currentSession() *chat.Session {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	return session
}

func handleRequest(line string) {
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		log.Error("Invalid JSON request: %s", line)
		respond("", map[string]any{"type": "error", "message": "Invalid JSON"})
		return
	}

	action, _ := req["action"].(string)
	log.Request(action, line)
	reqID := requestID(req)

	switch action {
	case "ping":
		respond(reqID, map[string]any{"type": "ok"})

	case "init":
		if err := ensureInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		resp := map[string]any{"type": "ok"}
		if user, ok := account.Current(); ok {
			resp["signed_in"] = true
			resp["username"] = user.Username
			resp["role"] = user.Role
		}
		respond(reqID, resp)

	case "login":
		username, _ := req["username"].(string)
		password, _ := req["password"].(string)
		if username == "" || password == "" {
			respond(reqID, map[string]any{"type": "error", "message": "Missing required field: username or password"})
			return
		}
		if err := ensureInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		go handleLogin(reqID, username, password)

	case "register":
		username, _ := req["username"].(string)
		password, _ := req["password"].(string)
		email, _ := req["email"].(string)
		group, _ := req["group"].(string)
		if username == "" || password == "" || email == "" {
			respond(reqID, map[string]any{"type": "error", "message": "Missing required field: username, password or email"})
			return
		}
		if err := ensureInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		go handleRegister(reqID, username, password, email, group)

	case "logout":
		if err := ensureInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		account.Logout()
		respond(reqID, map[string]any{"type": "ok"})

	case "auth_status":
		if err := ensureInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		resp := map[string]any{"type": "auth_status", "signed_in": false}
		if user, ok := account.Current(); ok {
			resp["signed_in"] = true
			resp["username"] = user.Username
			resp["role"] = user.Role
		}
		respond(reqID, resp)

	case "agent_list":
		if err := ensureInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "agent_list", "agents": agentSummaries()})

	case "agent_select":
		id, _ := req["id"].(string)
		if id == "" {
			respond(reqID, map[string]any{"type": "error", "message": "Missing required field: id"})
			return
		}
		if err := ensureInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		handleAgentSelect(reqID, id)

	case "send":
		content, _ := req["content"].(string)
		sess := currentSession()
		if sess == nil {
			respond(reqID, errorResponse(chat.ErrNoAgent))
			return
		}
		go handleSend(reqID, sess, content)

	case "cancel":
		sess := currentSession()
		if sess == nil {
			respond(reqID, map[string]any{"type": "error", "message": "No active request to cancel"})
			return
		}
		sess.Cancel()
		respond(reqID, map[string]any{"type": "ok"})

	case "new_chat":
		sess := currentSession()
		if sess == nil {
			respond(reqID, errorResponse(chat.ErrNoAgent))
			return
		}
		sess.NewChat()
		respond(reqID, map[string]any{"type": "ok"})

	case "reconnect":
		sess := currentSession()
		if sess == nil {
			respond(reqID, errorResponse(chat.ErrNoAgent))
			return
		}
		go handleReconnect(reqID, sess)

	case "set_media_kind":
		kind, _ := req["kind"].(string)
		sess := currentSession()
		if sess == nil {
			respond(reqID, errorResponse(chat.ErrNoAgent))
			return
		}
		if err := sess.SetMediaKind(agent.MediaKind(kind)); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "ok"})

	case "attach_image":
		url, _ := req["url"].(string)
		sess := currentSession()
		if sess == nil {
			respond(reqID, errorResponse(chat.ErrNoAgent))
			return
		}
		sess.AttachImage(url)
		respond(reqID, map[string]any{"type": "ok"})

	case "estimate_tokens":
		inputText, _ := req["input_text"].(string)
		sess := currentSession()
		if sess == nil {
			respond(reqID, map[string]any{
				"type":  "token_estimate",
				"total": chat.EstimateTokensSimple(inputText),
			})
			return
		}
		respond(reqID, map[string]any{
			"type":  "token_estimate",
			"total": sess.EstimateExchangeTokens(inputText),
		})

	case "shutdown":
		log.Close()
		os.Exit(0)

	default:
		respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown action: %s", action)})
	}
}

func handleLogin(reqID, username, password string) {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	user, err := account.Login(ctx, username, password)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{
		"type":     "login_result",
		"username": user.Username,
		"role":     user.Role,
	})
}

func handleRegister(reqID, username, password, email, group string) {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	if err := account.Register(ctx, username, password, email, group); err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{"type": "ok"})
}

func agentSummaries() []map[string]any {
	var agents []map[string]any
	for _, cfg := range registry.List() {
		agents = append(agents, map[string]any{
			"id":                    cfg.ID,
			"name":                  cfg.Name,
			"description":           cfg.Description,
			"creator":               cfg.Creator,
			"views":                 cfg.Views,
			"avatar":                cfg.Avatar,
			"external_url":          cfg.ExternalURL,
			"protocol":              string(cfg.Response.Type),
			"media_kind":            string(cfg.Response.MediaKind),
			"supports_image_upload": cfg.Response.SupportsImageUpload,
		})
	}
	return agents
}

// handleAgentSelect binds a fresh session to the chosen agent.
// Selecting an agent always starts a new conversation.
func handleAgentSelect(reqID, id string) {
	selected, err := registry.Get(id)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	// The session owns a private copy so registry entries stay pristine.
	cfg := *selected
	if cfg.Server.TimeoutMs == 0 {
		cfg.Server.TimeoutMs = appConfig.DefaultTimeoutMs
	}

	newStore := chat.NewStore()
	newStore.Observe(func(msgs []chat.Message) {
		respond("", map[string]any{"type": "messages", "messages": msgs})
	})
	newSession := chat.NewSession(&cfg, newStore, httpClient, account.SignedIn)
	newSession.OnStatus(func(ee chat.ExchangeError) {
		respond("", map[string]any{"type": "status", "code": ee.Code, "banner": ee.Banner})
	})

	sessionMu.Lock()
	if session != nil {
		session.Cancel()
	}
	session = newSession
	sessionMu.Unlock()

	respond(reqID, map[string]any{
		"type":        "agent_selected",
		"id":          cfg.ID,
		"name":        cfg.Name,
		"protocol":    string(cfg.Response.Type),
		"media_kind":  string(cfg.Response.MediaKind),
		"placeholder": cfg.UI.Placeholder,
		"welcome":     cfg.UI.WelcomeMessage,
	})
}

func handleSend(reqID string, sess *chat.Session, content string) {
	if err := sess.Send(content); err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{"type": "send_done", "state": sess.State()})
}

func handleReconnect(reqID string, sess *chat.Session) {
	if err := sess.Reconnect(); err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{"type": "send_done", "state": sess.State()})
}

func errorResponse(err error) map[string]any {
	var msg string
	switch {
	case errors.Is(err, chat.ErrNoAgent):
		msg = "No agent selected"
	case errors.Is(err, chat.ErrNotSignedIn):
		msg = "Not signed in"
	case errors.Is(err, chat.ErrEmptyInput):
		msg = "Nothing to send"
	case errors.Is(err, chat.ErrBusy):
		msg = "Another request is already in progress"
	case errors.Is(err, agent.ErrAgentNotFound):
		msg = "Agent not found"
	case errors.Is(err, config.ErrInvalidJSON):
		msg = "Config file invalid: ~/.config/veagent/config.json"
	default:
		msg = err.Error()
	}
	return map[string]any{"type": "error", "message": msg}
}

func respond(reqID string, data map[string]any) {
	out, _ := json.Marshal(addResponseID(reqID, data))
	msgType, _ := data["type"].(string)
	respondMu.Lock()
	defer respondMu.Unlock()
	log.Response(msgType, string(out))
	fmt.Println(string(out))
}

func addResponseID(reqID string, data map[string]any) map[string]any {
	if reqID == "" {
		return data
	}
	data["request_id"] = reqID
	return data
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}
