package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML encoding ("1s", "500ms").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the global ~/.mychat/config.toml.
type Config struct {
	DefaultProfile string     `toml:"default_profile"`
	API            APIConfig  `toml:"api"`
	Auth           AuthConfig `toml:"auth"`
	Poll           PollConfig `toml:"poll"`
}

// APIConfig locates the backend.
type APIConfig struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

// AuthConfig carries credentials for non-interactive login.
type AuthConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// PollConfig holds the per-synchronizer poll intervals.
type PollConfig struct {
	Messages Duration `toml:"messages"`
	Roster   Duration `toml:"roster"`
	Requests Duration `toml:"requests"`
}

// Defaults match the reference client: messages every second, roster
// every two, pending requests every three.
var defaults = Config{
	API: APIConfig{
		BaseURL: "http://localhost:8000",
		WSURL:   "ws://localhost:8000",
	},
	Poll: PollConfig{
		Messages: Duration{time.Second},
		Roster:   Duration{2 * time.Second},
		Requests: Duration{3 * time.Second},
	},
}

// Load reads config from the given path and fills in defaults for
// unset fields. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaults
	return &cfg
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func applyDefaults(cfg *Config) {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = defaults.API.BaseURL
	}
	if cfg.API.WSURL == "" {
		cfg.API.WSURL = defaults.API.WSURL
	}
	if cfg.Poll.Messages.Duration <= 0 {
		cfg.Poll.Messages = defaults.Poll.Messages
	}
	if cfg.Poll.Roster.Duration <= 0 {
		cfg.Poll.Roster = defaults.Poll.Roster
	}
	if cfg.Poll.Requests.Duration <= 0 {
		cfg.Poll.Requests = defaults.Poll.Requests
	}
}
