package fetch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	defaultMaxConns       = 10
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 10 * time.Minute
	defaultRetryDelay     = time.Second
	defaultMaxRetryDelay  = 30 * time.Second
	defaultResolverPath   = "apt-get"
	defaultUpgradeCommand = "full-upgrade"

	// DefaultUserAgent imitates apt so that mirrors treat us like it.
	DefaultUserAgent = "Debian APT-HTTP/1.3 (aptfetch)"
)

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// ResolverConfig selects the dependency resolver executable.
type ResolverConfig struct {
	Path           string `toml:"path"`
	UpgradeCommand string `toml:"upgrade_command"`
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := fetch.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
//
// Durations are written as strings, e.g. attempt_timeout = "10m".
type Config struct {
	Dir        string `toml:"dir"`
	PartialDir string `toml:"partial_dir"`

	MaxConns       int           `toml:"max_conns"`
	MaxAttempts    int           `toml:"max_attempts"`
	AttemptTimeout time.Duration `toml:"attempt_timeout"`
	RetryDelay     time.Duration `toml:"retry_delay"`
	MaxRetryDelay  time.Duration `toml:"max_retry_delay"`
	ConnectDelay   time.Duration `toml:"connect_delay"`
	RetryNotFound  bool          `toml:"retry_not_found"`
	UserAgent      string        `toml:"user_agent"`

	Log      LogConfig      `toml:"log"`
	Resolver ResolverConfig `toml:"resolver"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		MaxConns:       defaultMaxConns,
		MaxAttempts:    defaultMaxAttempts,
		AttemptTimeout: defaultAttemptTimeout,
		RetryDelay:     defaultRetryDelay,
		MaxRetryDelay:  defaultMaxRetryDelay,
		UserAgent:      DefaultUserAgent,
		Resolver: ResolverConfig{
			Path:           defaultResolverPath,
			UpgradeCommand: defaultUpgradeCommand,
		},
	}
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if !filepath.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	if c.PartialDir != "" && !filepath.IsAbs(c.PartialDir) {
		return errors.New("partial_dir must be an absolute path")
	}
	if c.MaxConns < 1 {
		return errors.Newf("max_conns must be positive: %d", c.MaxConns)
	}
	if c.MaxAttempts < 1 {
		return errors.Newf("max_attempts must be positive: %d", c.MaxAttempts)
	}
	if c.AttemptTimeout < 0 || c.RetryDelay < 0 || c.MaxRetryDelay < 0 || c.ConnectDelay < 0 {
		return errors.New("durations must not be negative")
	}
	if c.MaxRetryDelay > 0 && c.MaxRetryDelay < c.RetryDelay {
		return errors.New("max_retry_delay is shorter than retry_delay")
	}
	if c.Resolver.Path == "" {
		return errors.New("resolver.path is not set")
	}
	return nil
}

// Partial returns the directory for in-progress downloads.
func (c *Config) Partial() string {
	if c.PartialDir != "" {
		return c.PartialDir
	}
	return filepath.Join(c.Dir, "partial")
}

// Options derives scheduler options from the configuration.
func (c *Config) Options() Options {
	retryable := DefaultRetryable
	if c.RetryNotFound {
		retryable = NotFoundRetryable
	}
	return Options{
		MaxConns: c.MaxConns,
		Retry: RetryPolicy{
			MaxAttempts:     c.MaxAttempts,
			BaseDelay:       c.RetryDelay,
			MaxDelay:        c.MaxRetryDelay,
			MismatchRetries: 1,
			Retryable:       retryable,
		},
		AttemptTimeout: c.AttemptTimeout,
		ConnectDelay:   c.ConnectDelay,
	}
}
