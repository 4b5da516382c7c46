package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vipcong816/video-editing-agent/internal/agent"
)

const (
	defaultTimeout = 30 * time.Second
	// Video generation regularly takes over a minute.
	videoTimeout = 600 * time.Second
)

// Session drives one conversation with one agent. It owns the
// cancellation handle of the in-flight exchange and is the only
// component that issues the network call.
//
// Methods are safe for concurrent use, but at most one exchange runs
// at a time; Send during an active exchange returns ErrBusy.
type Session struct {
	mu       sync.Mutex
	cfg      *agent.Config
	store    *Store
	client   *http.Client
	signedIn func() bool
	onStatus func(ExchangeError)

	inFlight     bool
	gen          uint64
	cancel       context.CancelFunc
	phID         string
	draft        string
	pendingImage string
	mediaKind    agent.MediaKind
	lastError    ExchangeError

	lastSendText  string
	lastSendImage string
}

// NewSession binds a fresh session to one agent configuration.
// Changing agents means creating a new session; the binding never
// changes for a session's lifetime.
func NewSession(cfg *agent.Config, store *Store, client *http.Client, signedIn func() bool) *Session {
	if client == nil {
		client = http.DefaultClient
	}
	s := &Session{
		cfg:      cfg,
		store:    store,
		client:   client,
		signedIn: signedIn,
	}
	if cfg != nil {
		s.mediaKind = cfg.Response.MediaKind
	}
	return s
}

// OnStatus registers a callback for advisory status events: retry
// banners during streaming and classified exchange failures. The
// callback runs on the exchange's goroutine.
func (s *Session) OnStatus(fn func(ExchangeError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = fn
}

// Send runs one full exchange: appends the user message and an agent
// placeholder, issues the request, and hands the response to the
// protocol dispatcher. It blocks until the exchange completes.
//
// Precondition failures come back as ErrNoAgent, ErrNotSignedIn,
// ErrEmptyInput, or ErrBusy. Failures past that point are absorbed
// into the placeholder's content and the session error state, and
// Send returns nil.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	image := s.pendingImage
	s.mu.Unlock()
	return s.exchange(text, image, true)
}

func (s *Session) exchange(text, image string, appendUser bool) error {
	s.mu.Lock()
	if s.cfg == nil {
		s.mu.Unlock()
		return ErrNoAgent
	}
	if s.signedIn != nil && !s.signedIn() {
		s.mu.Unlock()
		return ErrNotSignedIn
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" && image == "" {
		s.mu.Unlock()
		return ErrEmptyInput
	}
	if s.inFlight {
		s.mu.Unlock()
		return ErrBusy
	}

	cfg := s.cfg
	kind := s.mediaKind
	s.draft = ""
	s.pendingImage = ""
	s.lastError = ExchangeError{}
	s.lastSendText = trimmed
	s.lastSendImage = image

	if appendUser {
		userContent := trimmed
		if userContent == "" {
			userContent = imagePromptDefault
		}
		s.store.AppendUser(userContent, image)
	}
	history := s.store.Messages()
	ph := s.store.AppendAgentPlaceholder(cfg.Response.Type == agent.ProtocolStreaming)
	gen := s.store.NextGeneration()

	ctx, cancel := context.WithCancel(context.Background())
	s.inFlight = true
	s.gen = gen
	s.cancel = cancel
	s.phID = ph.ID
	s.mu.Unlock()

	s.runExchange(ctx, cfg, kind, gen, ph.ID, history, trimmed, image)
	return nil
}

func (s *Session) runExchange(ctx context.Context, cfg *agent.Config, kind agent.MediaKind, gen uint64, phID string, history []Message, text, image string) {
	defer s.finishExchange(gen)

	payload, err := BuildRequestBody(cfg, history, text, image, kind)
	if err != nil {
		s.failExchange(gen, phID, cfg, kind, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Server.Method, cfg.Server.URL, bytes.NewReader(payload))
	if err != nil {
		s.failExchange(gen, phID, cfg, kind, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	log.Request(cfg.ID, string(payload))

	type callResult struct {
		resp *http.Response
		err  error
	}
	results := make(chan callResult, 1)
	go func() {
		resp, err := s.client.Do(req)
		results <- callResult{resp, err}
	}()

	// Timeout races the call instead of cancelling it. The loser is
	// abandoned; a helper drains and closes its body when it lands.
	var resp *http.Response
	select {
	case r := <-results:
		if r.err != nil {
			if ctx.Err() != nil || errors.Is(r.err, context.Canceled) {
				return
			}
			s.failExchange(gen, phID, cfg, kind, r.err)
			return
		}
		resp = r.resp
	case <-time.After(resolveTimeout(cfg, kind)):
		go func() {
			r := <-results
			if r.resp != nil {
				io.Copy(io.Discard, r.resp.Body)
				r.resp.Body.Close()
			}
		}()
		timeoutErr := ErrTimeout
		if cfg.Response.Type == agent.ProtocolMedia && kind == agent.MediaVideo {
			timeoutErr = ErrVideoTimeout
		}
		s.failExchange(gen, phID, cfg, kind, timeoutErr)
		return
	}

	ex := &exchange{
		store: s.store,
		gen:   gen,
		msgID: phID,
		cfg:   cfg,
		kind:  kind,
		onRetry: func(attempt, max int) {
			s.emitStatus(ExchangeError{Code: "stream_retry", Banner: retryBanner(attempt, max)})
		},
	}
	if err := ex.handleResponse(ctx, resp); err != nil {
		if errors.Is(err, context.Canceled) {
			// User cancellation is never an error.
			return
		}
		s.failExchange(gen, phID, cfg, kind, err)
	}
}

// finishExchange releases the in-flight slot, unless a newer exchange
// or a new chat already took over the session.
func (s *Session) finishExchange(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.inFlight = false
	s.cancel = nil
	s.phID = ""
}

func (s *Session) failExchange(gen uint64, phID string, cfg *agent.Config, kind agent.MediaKind, err error) {
	ee := Classify(err, cfg.Response.Type, kind)
	log.Error("exchange failed (%s): %v", ee.Code, err)

	s.store.Update(gen, phID, func(m *Message) {
		m.Content = ee.Sentence
		m.Streaming = false
	})

	s.mu.Lock()
	if s.gen == gen {
		s.lastError = ee
	}
	s.mu.Unlock()
	s.emitStatus(ee)
}

func (s *Session) emitStatus(ee ExchangeError) {
	s.mu.Lock()
	fn := s.onStatus
	s.mu.Unlock()
	if fn != nil {
		fn(ee)
	}
}

// Cancel aborts the in-flight exchange, if any. An agent placeholder
// still marked streaming is removed outright; a message whose protocol
// handler already finalized it stays with whatever content it has.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.inFlight {
		s.mu.Unlock()
		return
	}
	gen, phID, cancel := s.gen, s.phID, s.cancel
	s.inFlight = false
	s.cancel = nil
	s.phID = ""
	s.mu.Unlock()

	// Remove before signalling so the reader's finalize, racing in,
	// finds nothing to touch.
	s.store.RemoveIfStreaming(gen, phID)
	if cancel != nil {
		cancel()
	}
}

// NewChat cancels any in-flight exchange and resets the session to an
// empty conversation with the agent's defaults.
func (s *Session) NewChat() {
	s.Cancel()
	s.store.Clear()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = ""
	s.pendingImage = ""
	s.lastError = ExchangeError{}
	s.lastSendText = ""
	s.lastSendImage = ""
	if s.cfg != nil {
		s.mediaKind = s.cfg.Response.MediaKind
	}
}

// Reconnect retries the last send. The last message must be a
// finalized agent message; it is discarded and the previous user input
// is re-issued without appending a duplicate user message.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrBusy
	}
	text, image := s.lastSendText, s.lastSendImage
	s.lastError = ExchangeError{}
	s.mu.Unlock()

	last, ok := s.store.Last()
	if !ok || last.Sender != SenderAgent || last.Streaming {
		return nil
	}
	s.store.Discard(last.ID)
	return s.exchange(text, image, false)
}

// SetMediaKind selects image or video output for media agents.
func (s *Session) SetMediaKind(kind agent.MediaKind) error {
	if kind != agent.MediaImage && kind != agent.MediaVideo {
		return fmt.Errorf("unknown media kind %q", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mediaKind = kind
	return nil
}

// AttachImage stages an image reference for the next send.
func (s *Session) AttachImage(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingImage = url
}

// SetDraft records the current input text.
func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = text
}

// ClearError drops the session error state.
func (s *Session) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = ExchangeError{}
}

// Agent returns the bound configuration, nil when unbound.
func (s *Session) Agent() *agent.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// State is a point-in-time snapshot of the session's UI-facing state.
type State struct {
	AgentID      string `json:"agent_id"`
	InFlight     bool   `json:"in_flight"`
	Draft        string `json:"draft"`
	PendingImage string `json:"pending_image,omitempty"`
	MediaKind    string `json:"media_kind,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorBanner  string `json:"error_banner,omitempty"`
	Placeholder  string `json:"placeholder,omitempty"`
	Welcome      string `json:"welcome,omitempty"`
}

// State snapshots the session for the UI.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		InFlight:     s.inFlight,
		Draft:        s.draft,
		PendingImage: s.pendingImage,
		MediaKind:    string(s.mediaKind),
		ErrorCode:    s.lastError.Code,
		ErrorBanner:  s.lastError.Banner,
	}
	if s.cfg != nil {
		st.AgentID = s.cfg.ID
		st.Placeholder = s.cfg.UI.Placeholder
		st.Welcome = s.cfg.UI.WelcomeMessage
	}
	return st
}

func resolveTimeout(cfg *agent.Config, kind agent.MediaKind) time.Duration {
	if cfg.Response.Type == agent.ProtocolMedia && kind == agent.MediaVideo {
		return videoTimeout
	}
	if cfg.Server.TimeoutMs > 0 {
		return time.Duration(cfg.Server.TimeoutMs) * time.Millisecond
	}
	return defaultTimeout
}
