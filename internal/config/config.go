// Package config loads configuration for the zentrias client and reference backend.
//
// Values come from Default, then an optional YAML file, then ZENTRIAS_*
// environment variables. Command-line flags are applied by the binaries on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
	// File, when set, receives logs through a rotating writer instead of stderr.
	File string `yaml:"file"`
	// MaxSizeMB, MaxBackups and MaxAgeDays control file rotation.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// ClientConfig is the configuration of the terminal client.
type ClientConfig struct {
	// BaseURL is the messaging backend, e.g. "http://localhost:8080".
	BaseURL string `yaml:"base_url"`
	// WebSocketURL overrides the live channel URL. Derived from BaseURL when empty.
	WebSocketURL string `yaml:"websocket_url"`
	// DataDir holds the client database.
	DataDir string `yaml:"data_dir"`
	// TailnetHostname, when set, routes all traffic through an embedded tailnet node.
	TailnetHostname string `yaml:"tailnet_hostname"`
	// ResyncOnSend re-fetches the full history after every send instead of
	// relying on the optimistic local append.
	ResyncOnSend bool `yaml:"resync_on_send"`
	// AudioCommand captures audio to stdout for /audio, e.g. ["arecord", "-f", "cd", "-t", "wav"].
	AudioCommand []string `yaml:"audio_command"`

	Log LogConfig `yaml:"log"`
}

// ServerConfig is the configuration of the reference backend.
type ServerConfig struct {
	// Listen is the TCP address for plain HTTP, e.g. ":8080".
	Listen string `yaml:"listen"`
	// DataDir holds the server database.
	DataDir string `yaml:"data_dir"`
	// TokenSecret signs credentials. Required.
	TokenSecret string `yaml:"token_secret"`
	// TokenTTL is how long issued credentials stay valid. Zero means no expiry.
	TokenTTL time.Duration `yaml:"token_ttl"`
	// MaxUploadBytes caps media uploads.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	// TailnetHostname, when set, serves over TLS on the tailnet instead of Listen.
	TailnetHostname string `yaml:"tailnet_hostname"`

	Log LogConfig `yaml:"log"`
}

// DefaultDir returns ~/.config/zentrias.
func DefaultDir() string {
	dir, err := homedir.Expand("~/.config/zentrias")
	if err != nil {
		return filepath.Join(".", ".zentrias")
	}
	return dir
}

func defaultLog() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "text",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 30,
	}
}

// DefaultClient returns the client defaults.
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		BaseURL: "http://localhost:8080",
		DataDir: DefaultDir(),
		Log:     defaultLog(),
	}
}

// DefaultServer returns the server defaults.
func DefaultServer() *ServerConfig {
	return &ServerConfig{
		Listen:         ":8080",
		DataDir:        DefaultDir(),
		TokenTTL:       24 * time.Hour,
		MaxUploadBytes: 10 << 20,
		Log:            defaultLog(),
	}
}

// LoadClient loads the client configuration. path may be empty.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClient()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.BaseURL = getEnv("ZENTRIAS_BASE_URL", cfg.BaseURL)
	cfg.WebSocketURL = getEnv("ZENTRIAS_WEBSOCKET_URL", cfg.WebSocketURL)
	cfg.DataDir = getEnv("ZENTRIAS_DATA_DIR", cfg.DataDir)
	cfg.TailnetHostname = getEnv("ZENTRIAS_TAILNET_HOSTNAME", cfg.TailnetHostname)
	cfg.ResyncOnSend = getBoolEnv("ZENTRIAS_RESYNC_ON_SEND", cfg.ResyncOnSend)
	applyLogEnv(&cfg.Log)

	if err := cfg.expand(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServer loads the server configuration. path may be empty.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.Listen = getEnv("ZENTRIAS_LISTEN", cfg.Listen)
	cfg.DataDir = getEnv("ZENTRIAS_DATA_DIR", cfg.DataDir)
	cfg.TokenSecret = getEnv("ZENTRIAS_TOKEN_SECRET", cfg.TokenSecret)
	cfg.TailnetHostname = getEnv("ZENTRIAS_TAILNET_HOSTNAME", cfg.TailnetHostname)
	if v := os.Getenv("ZENTRIAS_TOKEN_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ZENTRIAS_TOKEN_TTL %q: %w", v, err)
		}
		cfg.TokenTTL = ttl
	}
	applyLogEnv(&cfg.Log)

	dir, err := homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("invalid data_dir %q: %w", cfg.DataDir, err)
	}
	cfg.DataDir = dir
	return cfg, nil
}

// Validate checks fields that have no usable default.
func (c *ServerConfig) Validate() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("token_secret must be set (or ZENTRIAS_TOKEN_SECRET)")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}
	return nil
}

// LiveURL returns the websocket URL of the live channel.
func (c *ClientConfig) LiveURL() string {
	if c.WebSocketURL != "" {
		return c.WebSocketURL
	}
	u := strings.TrimRight(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func (c *ClientConfig) expand() error {
	dir, err := homedir.Expand(c.DataDir)
	if err != nil {
		return fmt.Errorf("invalid data_dir %q: %w", c.DataDir, err)
	}
	c.DataDir = dir
	if c.Log.File != "" {
		file, err := homedir.Expand(c.Log.File)
		if err != nil {
			return fmt.Errorf("invalid log file %q: %w", c.Log.File, err)
		}
		c.Log.File = file
	}
	return nil
}

func loadFile(path string, into any) error {
	if path == "" {
		return nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", expanded, err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", expanded, err)
	}
	return nil
}

func applyLogEnv(l *LogConfig) {
	l.Level = getEnv("ZENTRIAS_LOG_LEVEL", l.Level)
	l.Format = getEnv("ZENTRIAS_LOG_FORMAT", l.Format)
	l.File = getEnv("ZENTRIAS_LOG_FILE", l.File)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
