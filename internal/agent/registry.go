package agent

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrInvalidYAML   = errors.New("invalid agents YAML")
)

// Protocol identifies how an agent's endpoint answers a request.
type Protocol string

const (
	ProtocolStreaming   Protocol = "streaming"   // SSE-style event stream
	ProtocolSynchronous Protocol = "synchronous" // single JSON reply
	ProtocolMedia       Protocol = "media"       // image/video generation
	ProtocolProject     Protocol = "project"     // editing-project generation
)

// MediaKind selects the output class for media-generation agents.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// Server holds the endpoint an agent is reached at.
type Server struct {
	URL       string `yaml:"url"`
	Method    string `yaml:"method"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Response describes how the agent's endpoint answers.
type Response struct {
	Type                Protocol  `yaml:"type"`
	MediaKind           MediaKind `yaml:"media_kind"`
	SupportsImageUpload bool      `yaml:"supports_image_upload"`
	RequiresProjectName bool      `yaml:"requires_project_name"`
}

// UI carries display hints for the front end; the engine passes them
// through untouched.
type UI struct {
	Placeholder    string `yaml:"placeholder"`
	WelcomeMessage string `yaml:"welcome_message"`
}

// Config is one agent's full configuration record. A chat session is
// bound to exactly one Config for its lifetime.
type Config struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Creator     string `yaml:"creator"`
	Views       string `yaml:"views"`
	Avatar      string `yaml:"avatar"`
	ExternalURL string `yaml:"external_url"`

	Server   Server   `yaml:"server"`
	Response Response `yaml:"response"`
	UI       UI       `yaml:"ui"`
}

// Registry is the read-only agent configuration lookup.
type Registry struct {
	agents []Config
	byID   map[string]*Config
}

type registryFile struct {
	Agents []Config `yaml:"agents"`
}

// LoadRegistry reads and validates the agent registry from a YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistry(data)
}

// ParseRegistry builds a registry from raw YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	r := &Registry{
		agents: file.Agents,
		byID:   make(map[string]*Config, len(file.Agents)),
	}
	for i := range r.agents {
		cfg := &r.agents[i]
		if err := validate(cfg); err != nil {
			return nil, err
		}
		applyDefaults(cfg)
		if _, dup := r.byID[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id: %s", cfg.ID)
		}
		r.byID[cfg.ID] = cfg
	}
	return r, nil
}

func validate(cfg *Config) error {
	if cfg.ID == "" {
		return errors.New("agent missing id")
	}
	if cfg.Server.URL == "" {
		return fmt.Errorf("agent %s: missing server url", cfg.ID)
	}
	switch cfg.Response.Type {
	case ProtocolStreaming, ProtocolSynchronous, ProtocolMedia, ProtocolProject:
	default:
		return fmt.Errorf("agent %s: unknown response type %q", cfg.ID, cfg.Response.Type)
	}
	switch cfg.Response.MediaKind {
	case "", MediaImage, MediaVideo:
	default:
		return fmt.Errorf("agent %s: unknown media kind %q", cfg.ID, cfg.Response.MediaKind)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Method == "" {
		cfg.Server.Method = "POST"
	}
	if cfg.Response.Type == ProtocolMedia && cfg.Response.MediaKind == "" {
		cfg.Response.MediaKind = MediaImage
	}
}

// Get returns the configuration for an agent id.
func (r *Registry) Get(id string) (*Config, error) {
	cfg, ok := r.byID[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cfg, nil
}

// List returns all agent configurations in registry order.
func (r *Registry) List() []Config {
	out := make([]Config, len(r.agents))
	copy(out, r.agents)
	return out
}

// GenerateProjectName creates a collision-resistant project name from
// the current time and a random component. Used for project-generation
// agents when the user supplies no name.
func GenerateProjectName() string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		// Fall back to time alone; collisions are unlikely at ms granularity.
		return fmt.Sprintf("project_%d", time.Now().UnixMilli())
	}
	return fmt.Sprintf("project_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}
