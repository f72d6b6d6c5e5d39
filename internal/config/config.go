package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const productName = "casterlab"

// Config holds every knob of the distributor, populated once at process start.
// Components receive values from here explicitly instead of reading the
// environment themselves.
type Config struct {
	ServerURL string `envconfig:"SERVER_URL" required:"true"`
	APIToken  string `envconfig:"API_TOKEN"`

	AddonsDir       string `envconfig:"ADDONS_DIR"`
	DependenciesDir string `envconfig:"DEPENDENCIES_DIR"`

	BundleName string `envconfig:"BUNDLE_NAME"`
	UseStaging bool   `envconfig:"USE_STAGING"`

	Threaded        bool          `envconfig:"THREADED" default:"true"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	DownloadTimeout time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"5m"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"INFO"`

	Metrics struct {
		Enabled     bool   `split_words:"true"`
		BindAddress string `split_words:"true" default:"127.0.0.1:9464"`
	}
}

// LoadConfig reads AD_* environment variables and resolves directory
// fallbacks for any unset target directory.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("ad", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.resolveDirs(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolveDirs fills AddonsDir and DependenciesDir with per-user data
// directories when they were not configured explicitly.
func (c *Config) resolveDirs() error {
	if c.AddonsDir == "" {
		dir, err := userDataDir("addons")
		if err != nil {
			return err
		}

		c.AddonsDir = dir
	}

	if c.DependenciesDir == "" {
		dir, err := userDataDir("dependency_packages")
		if err != nil {
			return err
		}

		c.DependenciesDir = dir
	}

	return nil
}

func userDataDir(subdir string) (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve user data directory: %w", err)
	}

	return filepath.Join(base, productName, subdir), nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
