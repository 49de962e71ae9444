package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/chatndev/internal/llm"
	"github.com/ehrlich-b/chatndev/internal/orchestrator"
	"github.com/ehrlich-b/chatndev/internal/sandbox"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MessagesPerSecond bounds inbound frames per connection.
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LLMConfig struct {
	Provider string        `yaml:"provider"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	// Serialize runs one assistant request at a time per room.
	Serialize *bool `yaml:"serialize"`
}

type SandboxConfig struct {
	Root         string        `yaml:"root"`
	Isolation    string        `yaml:"isolation"`
	Install      []string      `yaml:"install"`
	Run          []string      `yaml:"run"`
	Manifests    []string      `yaml:"manifests"`
	ReadyMarkers []string      `yaml:"ready_markers"`
	PreviewHost  string        `yaml:"preview_host"`
	DefaultPort  int           `yaml:"default_port"`
	AssignPort   bool          `yaml:"assign_port"`
	UsePTY       bool          `yaml:"use_pty"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	MemLimit     uint64        `yaml:"mem_limit"`
	PIDLimit     uint32        `yaml:"pid_limit"`
	Env          []string      `yaml:"env"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			MessagesPerSecond: 10,
			Burst:             20,
		},
		Database: DatabaseConfig{Path: "chatndev.db"},
		LLM: LLMConfig{
			Provider: "dummy",
			Timeout:  60 * time.Second,
		},
		Sandbox: SandboxConfig{Isolation: "standard"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from path, then applies .env and environment
// overrides. A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("PORT %q is not a number", port)
		}
		c.Server.Addr = ":" + port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if db := os.Getenv("CHATNDEV_DB"); db != "" {
		c.Database.Path = db
	}
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
	}
	if apiKey := os.Getenv("LLM_API_KEY"); apiKey != "" {
		c.LLM.APIKey = apiKey
	}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if baseURL := os.Getenv("LLM_BASE_URL"); baseURL != "" {
		c.LLM.BaseURL = baseURL
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 characters")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
			return fmt.Errorf("llm.api_key or llm.base_url is required for openai")
		}
	case "anthropic":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for anthropic")
		}
	case "dummy", "":
	default:
		return fmt.Errorf("llm.provider must be 'openai', 'anthropic' or 'dummy'")
	}
	if c.LLM.Timeout < 0 {
		return fmt.Errorf("llm.timeout must not be negative")
	}
	switch strings.ToLower(c.Sandbox.Isolation) {
	case "", "strict", "standard", "privileged":
	default:
		return fmt.Errorf("sandbox.isolation must be 'strict', 'standard' or 'privileged'")
	}
	if p := c.Sandbox.DefaultPort; p < 0 || p > 65535 {
		return fmt.Errorf("sandbox.default_port out of range")
	}
	return nil
}

// SerializeAssistant reports whether assistant requests queue per room.
func (c *Config) SerializeAssistant() bool {
	return c.LLM.Serialize == nil || *c.LLM.Serialize
}

// Provider maps the llm section onto provider settings. Structured replies
// need JSON mode.
func (c *Config) Provider() llm.Config {
	return llm.Config{
		Provider: c.LLM.Provider,
		APIKey:   c.LLM.APIKey,
		Model:    c.LLM.Model,
		BaseURL:  c.LLM.BaseURL,
		JSONMode: true,
	}
}

// Orchestrator maps the sandbox section onto orchestrator settings. Unset
// fields take the orchestrator defaults.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Manifests:    c.Sandbox.Manifests,
		Install:      c.Sandbox.Install,
		Run:          c.Sandbox.Run,
		ReadyMarkers: c.Sandbox.ReadyMarkers,
		PreviewHost:  c.Sandbox.PreviewHost,
		DefaultPort:  c.Sandbox.DefaultPort,
		AssignPort:   c.Sandbox.AssignPort,
		UsePTY:       c.Sandbox.UsePTY,
		StopTimeout:  c.Sandbox.StopTimeout,
		Sandbox: sandbox.Config{
			Isolation: sandbox.ParseLevel(c.Sandbox.Isolation),
			Root:      c.Sandbox.Root,
			Env:       c.Sandbox.Env,
			MemLimit:  c.Sandbox.MemLimit,
			PIDLimit:  c.Sandbox.PIDLimit,
		},
	}
}
