// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config handles gamecode-chat configuration loading and saving.
// Configuration lives in ~/.gamecode/config.toml; the auth token may also
// be supplied via the GAMECODE_AUTH_TOKEN environment variable, which takes
// precedence over the file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/gamecode-chat/internal/util"
)

// =============================================================================
// CONFIGURATION TYPES
// =============================================================================

// Config is the root configuration.
type Config struct {
	// Server configures the chat gateway connection.
	Server ServerConfig `toml:"server" json:"server"`

	// Chat configures the per-turn parameters.
	Chat ChatConfig `toml:"chat" json:"chat"`

	// Context configures the token budget and compression.
	Context ContextConfig `toml:"context" json:"context"`

	// Storage configures conversation persistence.
	Storage StorageConfig `toml:"storage" json:"storage"`
}

// ServerConfig contains gateway connection settings.
type ServerConfig struct {
	// BaseURL is the chat gateway address.
	BaseURL string `toml:"base_url" json:"base_url"`

	// AuthToken is the bearer token for gateway requests.
	// SECURITY: Prefer GAMECODE_AUTH_TOKEN over storing the token here.
	AuthToken string `toml:"auth_token" json:"auth_token"`
}

// ChatConfig contains per-turn parameters.
type ChatConfig struct {
	// Provider selects the inference provider ("ollama", "openai", ...).
	Provider string `toml:"provider" json:"provider"`

	// Model overrides the gateway's default model when set.
	Model string `toml:"model" json:"model"`

	// SystemPrompt is an optional system-prompt override sent per turn.
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`

	// Temperature is an optional sampling temperature.
	Temperature *float64 `toml:"temperature" json:"temperature,omitempty"`

	// MaxTokens caps the response length when positive.
	MaxTokens int `toml:"max_tokens" json:"max_tokens"`
}

// ContextConfig contains the context budget settings.
type ContextConfig struct {
	// MaxContextTokens is the token budget for one request.
	MaxContextTokens int `toml:"max_context_tokens" json:"max_context_tokens"`

	// AutoCompressThreshold is the budget fraction that triggers
	// compression (0.0-1.0).
	AutoCompressThreshold float64 `toml:"auto_compress_threshold" json:"auto_compress_threshold"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	// Backend selects the store: "file", "sqlite", or "none".
	Backend string `toml:"backend" json:"backend"`

	// Dir is the data directory for the file backend and the SQLite
	// database. Empty uses ~/.gamecode/conversations.
	Dir string `toml:"dir" json:"dir"`

	// MaxConversations caps stored conversations (0 = unlimited).
	MaxConversations int `toml:"max_conversations" json:"max_conversations"`

	// ListLimit is the switcher listing size.
	ListLimit int `toml:"list_limit" json:"list_limit"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://127.0.0.1:3000/api",
		},
		Chat: ChatConfig{
			Provider: "ollama",
		},
		Context: ContextConfig{
			MaxContextTokens:      4096,
			AutoCompressThreshold: 0.85,
		},
		Storage: StorageConfig{
			Backend:          "file",
			MaxConversations: 100,
			ListLimit:        20,
		},
	}
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// ConfigDir returns the gamecode configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".gamecode"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir resolves the conversation data directory for a storage config.
func (c *StorageConfig) DataDir() (string, error) {
	if c.Dir != "" {
		return c.Dir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "conversations"), nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the config file at path, layered over the defaults. A missing
// file yields the defaults without error. GAMECODE_AUTH_TOKEN overrides the
// file's auth token either way.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if token := os.Getenv("GAMECODE_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads the config from the standard path.
func LoadDefault() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the config to path atomically.
// SECURITY: 0600 because the file may carry the auth token.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0600)
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the config for values that cannot work.
func (c *Config) Validate() error {
	if c.Context.MaxContextTokens < 0 {
		return fmt.Errorf("context.max_context_tokens must not be negative, got %d", c.Context.MaxContextTokens)
	}
	if t := c.Context.AutoCompressThreshold; t < 0 || t > 1 {
		return fmt.Errorf("context.auto_compress_threshold must be in [0,1], got %v", t)
	}
	switch c.Storage.Backend {
	case "", "file", "sqlite", "none":
	default:
		return fmt.Errorf("storage.backend must be file, sqlite, or none, got %q", c.Storage.Backend)
	}
	if c.Chat.Temperature != nil {
		if t := *c.Chat.Temperature; t < 0 || t > 2 {
			return fmt.Errorf("chat.temperature must be in [0,2], got %v", t)
		}
	}
	return nil
}
