package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.mktinbox/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	API   APIConfig   `toml:"api"`
	Poll  PollConfig  `toml:"poll"`
	Live  LiveConfig  `toml:"live"`
	Send  SendConfig  `toml:"send"`
	Read  ReadConfig  `toml:"read"`
	Cache CacheConfig `toml:"cache"`
}

// APIConfig points the daemon at the marketplace backend.
type APIConfig struct {
	BaseURL   string   `toml:"base_url"`
	WSURL     string   `toml:"ws_url"`
	Timeout   Duration `toml:"timeout"`
	TokenFile string   `toml:"token_file"`
	// UserID overrides the subject claim of the access token.
	UserID string `toml:"user_id"`
}

type PollConfig struct {
	ListInterval   Duration `toml:"list_interval"`
	ThreadInterval Duration `toml:"thread_interval"`
}

type LiveConfig struct {
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	MaxRetries     int      `toml:"max_retries"`
}

type SendConfig struct {
	MaxLength   int      `toml:"max_length"`
	MatchWindow Duration `toml:"match_window"`
}

type ReadConfig struct {
	AckRetries    int      `toml:"ack_retries"`
	AckRetryDelay Duration `toml:"ack_retry_delay"`
}

type CacheConfig struct {
	Enabled bool `toml:"enabled"`
}

// Duration is a time.Duration written as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns the configuration used when a key is absent.
func Defaults() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: Duration{10 * time.Second},
		},
		Poll: PollConfig{
			ListInterval:   Duration{30 * time.Second},
			ThreadInterval: Duration{10 * time.Second},
		},
		Live: LiveConfig{
			InitialBackoff: Duration{time.Second},
			MaxBackoff:     Duration{30 * time.Second},
			MaxRetries:     8,
		},
		Send: SendConfig{
			MaxLength:   1000,
			MatchWindow: Duration{2 * time.Minute},
		},
		Read: ReadConfig{
			AckRetries:    3,
			AckRetryDelay: Duration{5 * time.Second},
		},
		Cache: CacheConfig{Enabled: true},
	}
}

// Load reads config from the given path on top of Defaults. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	return cfg, err
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

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url %q: must be an absolute http(s) URL", c.API.BaseURL)
	}
	if c.API.WSURL != "" {
		w, err := url.Parse(c.API.WSURL)
		if err != nil || (w.Scheme != "ws" && w.Scheme != "wss") {
			return fmt.Errorf("api.ws_url %q: must be a ws(s) URL", c.API.WSURL)
		}
	}
	if c.API.Timeout.Duration <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.Poll.ListInterval.Duration <= 0 || c.Poll.ThreadInterval.Duration <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.Live.InitialBackoff.Duration <= 0 || c.Live.MaxBackoff.Duration < c.Live.InitialBackoff.Duration {
		return fmt.Errorf("live backoff: need 0 < initial_backoff <= max_backoff")
	}
	if c.Live.MaxRetries < 0 {
		return fmt.Errorf("live.max_retries must not be negative")
	}
	if c.Send.MaxLength <= 0 {
		return fmt.Errorf("send.max_length must be positive")
	}
	if c.Send.MatchWindow.Duration < 0 {
		return fmt.Errorf("send.match_window must not be negative")
	}
	if c.Read.AckRetries < 0 || c.Read.AckRetryDelay.Duration < 0 {
		return fmt.Errorf("read ack retry settings must not be negative")
	}
	return nil
}

// WebSocketURL returns the push base URL, deriving it from BaseURL when unset.
func (c *Config) WebSocketURL() string {
	if c.API.WSURL != "" {
		return c.API.WSURL
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
