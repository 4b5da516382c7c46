// Package auth talks to the account backend and persists the signed-in
// user between runs.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrLoginFailed    = errors.New("登录失败，请检查用户名和密码")
	ErrRegisterFailed = errors.New("注册失败，请检查信息是否正确")
)

// registerSuccessMessage is the exact acknowledgement the backend
// returns for a successful registration.
const registerSuccessMessage = "注册成功"

// User is the signed-in account, persisted verbatim to disk.
type User struct {
	Username  string `json:"username"`
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
}

// Session holds the authentication state. Logout only clears local
// state; the backend keeps no server-side session for this client.
type Session struct {
	mu        sync.Mutex
	baseURL   string
	client    *http.Client
	tokenPath string
	user      *User
}

// NewSession creates an auth session against the given backend base
// URL. The persisted token lives under ~/.veagent.
func NewSession(baseURL string, client *http.Client) *Session {
	if client == nil {
		client = http.DefaultClient
	}
	tokenPath := ""
	if home, err := os.UserHomeDir(); err == nil {
		tokenPath = filepath.Join(home, ".veagent", "session.json")
	}
	return &Session{
		baseURL:   baseURL,
		client:    client,
		tokenPath: tokenPath,
	}
}

// Hydrate restores a previously persisted sign-in, if any.
func (s *Session) Hydrate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokenPath == "" {
		return
	}
	data, err := os.ReadFile(s.tokenPath)
	if err != nil {
		return
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil || user.Username == "" {
		return
	}
	s.user = &user
}

// SignedIn reports whether a user is signed in.
func (s *Session) SignedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user != nil
}

// Current returns the signed-in user.
func (s *Session) Current() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// Login signs in with username and password and persists the result.
func (s *Session) Login(ctx context.Context, username, password string) (User, error) {
	payload := map[string]string{
		"username": username,
		"password": password,
	}
	var reply struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if err := s.post(ctx, "/login/", payload, &reply); err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	user := User{
		Username:  reply.Username,
		Role:      reply.Role,
		Timestamp: time.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.user = &user
	s.persistLocked()
	s.mu.Unlock()
	return user, nil
}

// Register creates a new account. group is the backend's role label,
// e.g. 剪辑师 or 用户.
func (s *Session) Register(ctx context.Context, username, password, email, group string) error {
	payload := map[string]string{
		"username": username,
		"password": password,
		"email":    email,
		"group":    group,
	}
	var reply struct {
		Message string `json:"message"`
	}
	if err := s.post(ctx, "/registerapi/", payload, &reply); err != nil {
		return fmt.Errorf("%w: %v", ErrRegisterFailed, err)
	}
	if reply.Message != registerSuccessMessage {
		if reply.Message != "" {
			return fmt.Errorf("%w: %s", ErrRegisterFailed, reply.Message)
		}
		return ErrRegisterFailed
	}
	return nil
}

// Logout clears the signed-in user and the persisted token.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	if s.tokenPath != "" {
		os.Remove(s.tokenPath)
	}
}

func (s *Session) post(ctx context.Context, path string, payload any, reply any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP error! status: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(reply)
}

func (s *Session) persistLocked() {
	if s.tokenPath == "" || s.user == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.tokenPath), 0755); err != nil {
		return
	}
	data, err := json.Marshal(s.user)
	if err != nil {
		return
	}
	os.WriteFile(s.tokenPath, data, 0600)
}
