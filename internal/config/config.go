// Package config loads launcher configuration from an optional TOML file
// plus environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// ServiceConfig addresses one supervised local service.
type ServiceConfig struct {
	Host string `toml:"host" mapstructure:"host"`
	Port string `toml:"port" mapstructure:"port"`
}

// SidecarConfig describes the optional inference-server sidecar.
type SidecarConfig struct {
	Enabled    bool     `toml:"enabled" mapstructure:"enabled"`
	Port       string   `toml:"port" mapstructure:"port"`
	Commands   []string `toml:"commands" mapstructure:"commands"` // candidate binary names, first working wins
	MinVersion string   `toml:"min_version" mapstructure:"min_version"`
}

// HTTPConfig carries the outbound TLS trust knobs.
type HTTPConfig struct {
	ExtraCACerts string `toml:"extra_ca_certs" mapstructure:"extra_ca_certs"` // PEM bundle appended to the trust store
	CABundle     string `toml:"ca_bundle" mapstructure:"ca_bundle"`           // explicit bundle file override
	ForceSecure  bool   `toml:"force_secure" mapstructure:"force_secure"`     // always use the certificate-augmented client
	Insecure     bool   `toml:"insecure" mapstructure:"insecure"`             // disable verification; logged opt-out
}

// Config is the top-level launcher configuration. LocalRelease points at an
// on-disk wheel; when set the download is skipped.
type Config struct {
	InstallDir   string        `toml:"install_dir" mapstructure:"install_dir"`
	LogDir       string        `toml:"log_dir" mapstructure:"log_dir"`
	LogLevel     string        `toml:"log_level" mapstructure:"log_level"`
	Dev          bool          `toml:"dev" mapstructure:"dev"` // development run: app served from a source checkout
	Version      string        `toml:"version" mapstructure:"version"`
	DownloadURL  string        `toml:"download_url" mapstructure:"download_url"`
	LocalRelease string        `toml:"local_release" mapstructure:"local_release"`
	StatusAddr   string        `toml:"status_addr" mapstructure:"status_addr"`
	HistoryDSN   string        `toml:"history_dsn" mapstructure:"history_dsn"`
	Backend      ServiceConfig `toml:"backend" mapstructure:"backend"`
	Sidecar      SidecarConfig `toml:"sidecar" mapstructure:"sidecar"`
	HTTP         HTTPConfig    `toml:"http" mapstructure:"http"`
}

// Environment variable names honored regardless of config file contents.
const (
	EnvHost         = "RAUX_HOST"
	EnvPort         = "RAUX_PORT"
	EnvSidecarPort  = "LEMONADE_PORT"
	EnvVersion      = "RAUX_VERSION"
	EnvDownloadURL  = "RAUX_DOWNLOAD_URL"
	EnvExtraCACerts = "RAUX_EXTRA_CA_CERTS"
	EnvForceSecure  = "RAUX_FORCE_SECURE_CLIENT"
	EnvTLSInsecure  = "RAUX_TLS_INSECURE"
	EnvCABundle     = "RAUX_CA_BUNDLE"
)

// Default returns the built-in configuration for this machine.
func Default() Config {
	return Config{
		InstallDir: defaultInstallDir(),
		LogLevel:   "info",
		StatusAddr: "127.0.0.1:18377",
		Backend:    ServiceConfig{Host: "localhost", Port: "8080"},
		Sidecar: SidecarConfig{
			Enabled:    runtime.GOOS == "windows",
			Port:       "8000",
			Commands:   []string{"lemonade-server", "lemonade-server-dev"},
			MinVersion: "8.0.0",
		},
	}
}

// Load reads the TOML file at path (ignored when empty) on top of defaults,
// then applies environment overrides last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.InstallDir, "logs")
	}
	if cfg.HistoryDSN == "" {
		cfg.HistoryDSN = filepath.Join(cfg.InstallDir, "launcher-history.db")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvHost); v != "" {
		cfg.Backend.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		cfg.Backend.Port = v
	}
	if v := os.Getenv(EnvSidecarPort); v != "" {
		cfg.Sidecar.Port = v
	}
	if v := os.Getenv(EnvVersion); v != "" {
		cfg.Version = v
	}
	if v := os.Getenv(EnvDownloadURL); v != "" {
		cfg.DownloadURL = v
	}
	if v := os.Getenv(EnvExtraCACerts); v != "" {
		cfg.HTTP.ExtraCACerts = v
	}
	if v := os.Getenv(EnvCABundle); v != "" {
		cfg.HTTP.CABundle = v
	}
	if isTruthy(os.Getenv(EnvForceSecure)) {
		cfg.HTTP.ForceSecure = true
	}
	if isTruthy(os.Getenv(EnvTLSInsecure)) {
		cfg.HTTP.Insecure = true
	}
}

func isTruthy(v string) bool {
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}

func defaultInstallDir() string {
	if runtime.GOOS == "windows" {
		if lad := os.Getenv("LOCALAPPDATA"); lad != "" {
			return filepath.Join(lad, "RAUX")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "raux"
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "RAUX")
	}
	return filepath.Join(home, ".local", "share", "raux")
}
