// Package config loads and validates the peerline configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Config is the full application configuration, stored as JSON.
type Config struct {
	Identity IdentityConfig `json:"identity"`
	Store    StoreConfig    `json:"store"`
	Media    MediaConfig    `json:"media"`
	Call     CallConfig     `json:"call"`
	Paths    PathsConfig    `json:"paths"`
}

// IdentityConfig names this user.
type IdentityConfig struct {
	UID      string `json:"uid"`
	Nickname string `json:"nickname"`
}

// StoreConfig selects the remote session store. An empty MongoURI selects
// the in-process store (single-machine loopback only).
type StoreConfig struct {
	MongoURI string `json:"mongo_uri"`
	Database string `json:"database"`
}

// MediaConfig tunes the WebRTC transport.
type MediaConfig struct {
	StunURLs []string `json:"stun_urls"`
	Capture  bool     `json:"capture"`
}

// CallConfig tunes call behavior.
type CallConfig struct {
	// WaitingTimeoutSec bounds how long a wait stays open. Zero uses the
	// built-in default; negative disables the timeout.
	WaitingTimeoutSec int `json:"waiting_timeout_sec"`
}

// PathsConfig locates local state.
type PathsConfig struct {
	DataDir string `json:"data_dir"`
}

// Default returns a runnable configuration with a fresh identity.
func Default() *Config {
	dataDir := "peerline-data"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".peerline")
	}
	return &Config{
		Identity: IdentityConfig{
			UID:      uuid.NewString(),
			Nickname: "anonymous",
		},
		Store: StoreConfig{
			Database: "peerline",
		},
		Media: MediaConfig{
			StunURLs: []string{"stun:stun.l.google.com:19302"},
			Capture:  true,
		},
		Call: CallConfig{
			WaitingTimeoutSec: 120,
		},
		Paths: PathsConfig{
			DataDir: dataDir,
		},
	}
}

// Load reads the config at path, creating it with defaults when missing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the config for values that cannot work.
func (c *Config) Validate() error {
	if c.Identity.UID == "" {
		return errors.New("config: identity.uid is required")
	}
	if c.Store.MongoURI != "" && c.Store.Database == "" {
		return errors.New("config: store.database is required with store.mongo_uri")
	}
	if c.Paths.DataDir == "" {
		return errors.New("config: paths.data_dir is required")
	}
	return nil
}
