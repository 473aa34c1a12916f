// Package config loads the optional TOML configuration file and computes
// the effective settings: CLI flags override config, config overrides
// built-in defaults, and respectful mode overrides the lot.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Defaults.
const (
	DefaultConcurrency                = 10
	DefaultRateLimitMs                = 1000
	DefaultMaxRetries                 = 3
	DefaultDownloadConnectTimeoutSecs = 30
	DefaultDownloadReadTimeoutSecs    = 300
	DefaultResolverConnectTimeoutSecs = 10
	DefaultResolverReadTimeoutSecs    = 30
)

// Respectful-mode overrides.
const (
	RespectfulConcurrency = 2
	RespectfulRateLimitMs = 3000
	RespectfulMaxRetries  = 1
	RespectfulJitterMs    = 1000
)

// Verbosity levels accepted in the config file.
const (
	VerbosityDefault = "default"
	VerbosityVerbose = "verbose"
	VerbosityQuiet   = "quiet"
	VerbosityDebug   = "debug"
)

// FileConfig mirrors the recognized TOML keys. Pointers distinguish unset
// keys from zero values.
type FileConfig struct {
	OutputDir                  *string `toml:"output_dir"`
	Concurrency                *int    `toml:"concurrency"`
	RateLimit                  *uint64 `toml:"rate_limit"`
	RateLimitJitter            *uint64 `toml:"rate_limit_jitter"`
	MaxRetries                 *int    `toml:"max_retries"`
	Respectful                 *bool   `toml:"respectful"`
	CheckRobots                *bool   `toml:"check_robots"`
	Verbosity                  *string `toml:"verbosity"`
	DownloadConnectTimeoutSecs *uint64 `toml:"download_connect_timeout_secs"`
	DownloadReadTimeoutSecs    *uint64 `toml:"download_read_timeout_secs"`
	ResolverConnectTimeoutSecs *uint64 `toml:"resolver_connect_timeout_secs"`
	ResolverReadTimeoutSecs    *uint64 `toml:"resolver_read_timeout_secs"`
	DBMaxConnections           *int    `toml:"db_max_connections"`
	DBBusyTimeoutMs            *int    `toml:"db_busy_timeout_ms"`
	DetectTopics               *bool   `toml:"detect_topics"`
	TopicsFile                 *string `toml:"topics_file"`
	Sidecar                    *bool   `toml:"sidecar"`
}

// Loaded couples a parsed config with where it came from.
type Loaded struct {
	Config         *FileConfig
	Path           string
	LoadedFromFile bool
}

// Settings is the effective download configuration after merging defaults,
// file config, CLI values, and the respectful preset.
type Settings struct {
	OutputDir         string
	Concurrency       int
	RateLimitMs       uint64
	RateLimitJitterMs uint64
	MaxRetries        int
	Respectful        bool
	CheckRobots       bool
	Verbosity         string
	DetectTopics      bool
	TopicsFile        string
	Sidecar           bool

	DownloadConnectTimeoutSecs uint64
	DownloadReadTimeoutSecs    uint64
	ResolverConnectTimeoutSecs uint64
	ResolverReadTimeoutSecs    uint64

	DBMaxConnections int
	DBBusyTimeoutMs  int
}

// CLIOverrides flags which settings were set explicitly on the command
// line (those always beat the config file).
type CLIOverrides struct {
	OutputDir    bool
	Concurrency  bool
	RateLimit    bool
	MaxRetries   bool
	Respectful   bool
	CheckRobots  bool
	Verbosity    bool
	DetectTopics bool
	TopicsFile   bool
	Sidecar      bool
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		OutputDir:                  ".",
		Concurrency:                DefaultConcurrency,
		RateLimitMs:                DefaultRateLimitMs,
		MaxRetries:                 DefaultMaxRetries,
		Verbosity:                  VerbosityDefault,
		DownloadConnectTimeoutSecs: DefaultDownloadConnectTimeoutSecs,
		DownloadReadTimeoutSecs:    DefaultDownloadReadTimeoutSecs,
		ResolverConnectTimeoutSecs: DefaultResolverConnectTimeoutSecs,
		ResolverReadTimeoutSecs:    DefaultResolverReadTimeoutSecs,
		DBMaxConnections:           5,
		DBBusyTimeoutMs:            5000,
	}
}

// DiscoverPath returns the first config path that applies:
// $XDG_CONFIG_HOME/downloader/config.toml, then
// $HOME/.config/downloader/config.toml.
func DiscoverPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "downloader", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "downloader", "config.toml")
}

// Load reads the default-discovered config file. A missing file is not an
// error; the result reports LoadedFromFile = false.
func Load() (*Loaded, error) {
	path := DiscoverPath()
	return LoadFrom(path)
}

// LoadFrom reads a config file from an explicit path.
func LoadFrom(path string) (*Loaded, error) {
	loaded := &Loaded{Path: path}
	if path == "" {
		return loaded, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return loaded, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg FileConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w\n  Suggestion: Check the TOML syntax or remove the file to use defaults", path, err)
	}

	loaded.Config = &cfg
	loaded.LoadedFromFile = true
	return loaded, nil
}

// Apply merges the file config into settings, honoring CLI overrides, then
// applies the respectful preset and validates ranges.
func Apply(settings Settings, overrides CLIOverrides, file *FileConfig) (Settings, error) {
	if file != nil {
		if !overrides.OutputDir && file.OutputDir != nil {
			settings.OutputDir = *file.OutputDir
		}
		if !overrides.Concurrency && file.Concurrency != nil {
			settings.Concurrency = *file.Concurrency
		}
		if !overrides.RateLimit && file.RateLimit != nil {
			settings.RateLimitMs = *file.RateLimit
		}
		if file.RateLimitJitter != nil {
			settings.RateLimitJitterMs = *file.RateLimitJitter
		}
		if !overrides.MaxRetries && file.MaxRetries != nil {
			settings.MaxRetries = *file.MaxRetries
		}
		if !overrides.Respectful && file.Respectful != nil {
			settings.Respectful = *file.Respectful
		}
		if !overrides.CheckRobots && file.CheckRobots != nil {
			settings.CheckRobots = *file.CheckRobots
		}
		if !overrides.Verbosity && file.Verbosity != nil {
			verbosity, err := validateVerbosity(*file.Verbosity)
			if err != nil {
				return settings, err
			}
			settings.Verbosity = verbosity
		}
		if !overrides.DetectTopics && file.DetectTopics != nil {
			settings.DetectTopics = *file.DetectTopics
		}
		if !overrides.TopicsFile && file.TopicsFile != nil {
			settings.TopicsFile = *file.TopicsFile
		}
		if !overrides.Sidecar && file.Sidecar != nil {
			settings.Sidecar = *file.Sidecar
		}

		if file.DownloadConnectTimeoutSecs != nil {
			settings.DownloadConnectTimeoutSecs = *file.DownloadConnectTimeoutSecs
		}
		if file.DownloadReadTimeoutSecs != nil {
			settings.DownloadReadTimeoutSecs = *file.DownloadReadTimeoutSecs
		}
		if file.ResolverConnectTimeoutSecs != nil {
			settings.ResolverConnectTimeoutSecs = *file.ResolverConnectTimeoutSecs
		}
		if file.ResolverReadTimeoutSecs != nil {
			settings.ResolverReadTimeoutSecs = *file.ResolverReadTimeoutSecs
		}
		if file.DBMaxConnections != nil {
			settings.DBMaxConnections = *file.DBMaxConnections
		}
		if file.DBBusyTimeoutMs != nil {
			settings.DBBusyTimeoutMs = *file.DBBusyTimeoutMs
		}
	}

	// Respectful mode wins over both CLI and config values.
	if settings.Respectful {
		settings.Concurrency = RespectfulConcurrency
		settings.RateLimitMs = RespectfulRateLimitMs
		settings.MaxRetries = RespectfulMaxRetries
		if settings.RateLimitJitterMs == 0 {
			settings.RateLimitJitterMs = RespectfulJitterMs
		}
		settings.CheckRobots = true
	}

	if settings.Concurrency < 1 || settings.Concurrency > 100 {
		return settings, fmt.Errorf("invalid effective concurrency value: %d. Expected range: 1..=100", settings.Concurrency)
	}
	if settings.RateLimitMs > 60000 {
		return settings, fmt.Errorf("invalid effective rate_limit value: %d. Expected range: 0..=60000", settings.RateLimitMs)
	}
	if settings.RateLimitJitterMs > 60000 {
		return settings, fmt.Errorf("invalid effective rate_limit_jitter value: %d. Expected range: 0..=60000", settings.RateLimitJitterMs)
	}

	return settings, nil
}

func validateVerbosity(v string) (string, error) {
	switch v {
	case VerbosityDefault, VerbosityVerbose, VerbosityQuiet, VerbosityDebug:
		return v, nil
	default:
		return "", fmt.Errorf("invalid verbosity %q: use default, verbose, quiet, or debug", v)
	}
}
