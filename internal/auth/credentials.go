package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Credentials are what the CLI remembers between runs.
type Credentials struct {
	Server    string `yaml:"server"`
	Token     string `yaml:"token"`
	UserID    string `yaml:"user_id"`
	Email     string `yaml:"email"`
	ExpiresAt int64  `yaml:"expires_at,omitempty"`
}

// Valid reports whether the credentials hold an unexpired token.
func (c *Credentials) Valid() bool {
	if c == nil || c.Token == "" {
		return false
	}
	return c.ExpiresAt == 0 || time.Now().Unix() < c.ExpiresAt
}

// CredentialStore persists Credentials as YAML under Dir.
type CredentialStore struct {
	Dir string
}

func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{Dir: dir}
}

func (s *CredentialStore) path() string {
	return filepath.Join(s.Dir, "credentials.yaml")
}

func (s *CredentialStore) Save(c *Credentials) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if err := os.WriteFile(s.path(), data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Load returns nil, nil when nothing has been saved.
func (s *CredentialStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &c, nil
}

func (s *CredentialStore) Delete() error {
	err := os.Remove(s.path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}
