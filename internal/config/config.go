package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the per-session ~/.chatd/config.toml plus
// environment overrides. All limits and endpoints are externally
// supplied, never computed.
type Config struct {
	DefaultSession string `toml:"default_session"`

	APIBaseURL string `toml:"api_base_url"`
	SocketURL  string `toml:"socket_url"`

	// Local control API listen address.
	ListenAddr string `toml:"listen_addr"`

	MaxMessageLen int   `toml:"max_message_len"`
	MaxFileSize   int64 `toml:"max_file_size"`

	AllowedMIMETypes  []string `toml:"allowed_mime_types"`
	AllowedExtensions []string `toml:"allowed_extensions"`

	ReconnectInitialDelay Duration `toml:"reconnect_initial_delay"`
	ReconnectMaxDelay     Duration `toml:"reconnect_max_delay"`
	ReconnectMaxAttempts  int      `toml:"reconnect_max_attempts"`

	SendRetryCeiling int `toml:"send_retry_ceiling"`

	DirectoryCacheTTL  Duration `toml:"directory_cache_ttl"`
	DirectoryCacheSize int      `toml:"directory_cache_size"`
}

// Duration wraps time.Duration for TOML decoding of values like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession:        "main",
		APIBaseURL:            "https://api.jyotilabs.in/api/v1",
		SocketURL:             "wss://chat.jyotilabs.in/socket",
		ListenAddr:            "127.0.0.1:7465",
		MaxMessageLen:         4096,
		MaxFileSize:           10 << 20,
		AllowedMIMETypes:      []string{"image/jpeg", "image/png", "image/webp", "application/pdf"},
		AllowedExtensions:     []string{".jpg", ".jpeg", ".png", ".webp", ".pdf"},
		ReconnectInitialDelay: Duration(time.Second),
		ReconnectMaxDelay:     Duration(30 * time.Second),
		ReconnectMaxAttempts:  10,
		SendRetryCeiling:      3,
		DirectoryCacheTTL:     Duration(30 * time.Second),
		DirectoryCacheSize:    128,
	}
}

// Load reads config from the given path, layered over defaults, then
// applies CHATD_* environment overrides. A missing file is not an
// error; the daemon runs on defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
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

// ReconnectInitial returns the initial reconnect backoff delay.
func (c *Config) ReconnectInitial() time.Duration { return time.Duration(c.ReconnectInitialDelay) }

// ReconnectMax returns the reconnect backoff delay cap.
func (c *Config) ReconnectMax() time.Duration { return time.Duration(c.ReconnectMaxDelay) }

// CacheTTL returns the conversation directory cache TTL.
func (c *Config) CacheTTL() time.Duration { return time.Duration(c.DirectoryCacheTTL) }

func (c *Config) applyEnv() {
	if v := os.Getenv("CHATD_API_BASE_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("CHATD_SOCKET_URL"); v != "" {
		c.SocketURL = v
	}
	if v := os.Getenv("CHATD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CHATD_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxFileSize = n
		}
	}
	if v := os.Getenv("CHATD_RECONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReconnectMaxAttempts = n
		}
	}
}
