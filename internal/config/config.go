package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvToken seeds the in-memory bearer token at daemon start. The token is
// never written to the config file.
const EnvToken = "TASKCHAT_TOKEN"

// Config represents the global ~/.taskchat/config.toml.
type Config struct {
	DefaultProfile    string   `toml:"default_profile"`
	APIURL            string   `toml:"api_url"`
	PushURL           string   `toml:"push_url"`
	UserID            string   `toml:"user_id"`
	UserName          string   `toml:"user_name"`
	PageLimit         int      `toml:"page_limit"`
	ReconnectAttempts int      `toml:"reconnect_attempts"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	RequestTimeout    Duration `toml:"request_timeout"`
	MetricsAddr       string   `toml:"metrics_addr"`
	AutoMarkRead      bool     `toml:"auto_mark_read"`
}

// Duration is a time.Duration written as a string ("2s") in TOML.
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

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile:    "main",
		APIURL:            "http://localhost:5000/api",
		PageLimit:         20,
		ReconnectAttempts: 5,
		ReconnectDelay:    Duration{2 * time.Second},
		RequestTimeout:    Duration{10 * time.Second},
		AutoMarkRead:      true,
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
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

// Validate checks endpoint URLs and numeric bounds.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_url %q: must be an http(s) URL", c.APIURL))
	}
	if c.PushURL != "" {
		if u, err := url.Parse(c.PushURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Errorf("push_url %q: must be a ws(s) URL", c.PushURL))
		}
	}
	if c.PageLimit < 1 || c.PageLimit > 100 {
		errs = append(errs, fmt.Errorf("page_limit %d: must be between 1 and 100", c.PageLimit))
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect_attempts %d: must not be negative", c.ReconnectAttempts))
	}
	if c.ReconnectDelay.Duration <= 0 {
		errs = append(errs, errors.New("reconnect_delay: must be positive"))
	}
	if c.RequestTimeout.Duration <= 0 {
		errs = append(errs, errors.New("request_timeout: must be positive"))
	}
	return errors.Join(errs...)
}

// PushEndpoint returns push_url, or the API origin with a ws(s) scheme and
// a /ws path when push_url is unset.
func (c *Config) PushEndpoint() string {
	if c.PushURL != "" {
		return c.PushURL
	}
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/")
}

// Token returns the bearer token from the environment, if any.
func Token() string {
	return strings.TrimSpace(os.Getenv(EnvToken))
}
