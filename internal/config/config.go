/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config covers process level configuration: defaults, overlaid with an
// optional YAML file, overlaid with SKULD_* environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int

	// Homepage is the URL shown whenever nothing else claims the screen.
	Homepage string

	// Display session
	DisplayName           string // X display, e.g. ":0"
	DisplayLauncher       string // command launching the X session; empty means attach to an existing one
	DisplayStartupTimeout time.Duration

	// Browser renderer
	ChromiumBinary    string
	ChromiumFlagsFile string
	DebugPort         int

	// Media renderers
	MPVBinary        string
	IMVBinary        string
	PlayerSocketPath string

	// Media library roots. Empty entries are skipped at scan time.
	MediaLocalRoot    string
	MediaCacheRoot    string
	MediaNetworkRoot  string
	MediaMetadataPath string
	FFProbeTimeout    time.Duration
	MaxUploadMB       int

	// Scheduler
	TickInterval  time.Duration
	ImageDuration time.Duration

	// State files
	StatePath    string
	PlaylistPath string
	HistoryPath  string

	// Web UI
	WebUIRoot string

	// Security
	PasswordHash string // bcrypt hash of the admin password
	TokenSecret  string
	TokenTTL     time.Duration

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// fileConfig is the YAML shape of the on-disk config file. Zero values mean
// "not set" and leave the default in place.
type fileConfig struct {
	Environment string `yaml:"environment"`
	UI          struct {
		Bind string `yaml:"bind"`
		Port int    `yaml:"port"`
		Root string `yaml:"root"`
	} `yaml:"ui"`
	Device struct {
		Homepage string `yaml:"homepage"`
	} `yaml:"device"`
	Display struct {
		Name           string `yaml:"name"`
		Launcher       string `yaml:"launcher"`
		StartupTimeout int    `yaml:"startup_timeout"`
	} `yaml:"display"`
	Chromium struct {
		Binary    string `yaml:"binary"`
		FlagsFile string `yaml:"flags_file"`
		DebugPort int    `yaml:"debug_port"`
	} `yaml:"chromium"`
	Media struct {
		LocalPath     string `yaml:"local_path"`
		CachePath     string `yaml:"cache_path"`
		NetworkPath   string `yaml:"network_path"`
		MetadataPath  string `yaml:"metadata_path"`
		MPVBinary     string `yaml:"mpv_binary"`
		IMVBinary     string `yaml:"imv_binary"`
		SocketPath    string `yaml:"socket_path"`
		ImageDuration int    `yaml:"image_duration"`
		MaxUploadMB   int    `yaml:"max_upload_mb"`
	} `yaml:"media"`
	Scheduler struct {
		TickInterval int `yaml:"tick_interval"`
	} `yaml:"scheduler"`
	State struct {
		Path         string `yaml:"path"`
		PlaylistPath string `yaml:"playlist_path"`
		HistoryPath  string `yaml:"history_path"`
	} `yaml:"state"`
	Security struct {
		PasswordHash string `yaml:"password_hash"`
		TokenSecret  string `yaml:"token_secret"`
		TokenTTLMin  int    `yaml:"token_ttl_minutes"`
	} `yaml:"security"`
	Tracing struct {
		Enabled      bool    `yaml:"enabled"`
		OTLPEndpoint string  `yaml:"otlp_endpoint"`
		SampleRate   float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Load builds the configuration from defaults, the YAML file at path (if path
// is empty, SKULD_CONFIG or /etc/skuld/config.yaml when present), and
// SKULD_* environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Environment:           "development",
		HTTPBind:              "0.0.0.0",
		HTTPPort:              8080,
		Homepage:              "https://example.org",
		DisplayName:           ":0",
		DisplayStartupTimeout: 12 * time.Second,
		ChromiumBinary:        "chromium",
		DebugPort:             9222,
		MPVBinary:             "mpv",
		IMVBinary:             "imv",
		PlayerSocketPath:      "/tmp/skuld-mpv.sock",
		MediaLocalRoot:        "/var/lib/skuld/media",
		MediaCacheRoot:        "/var/cache/skuld/media",
		MediaMetadataPath:     "/var/lib/skuld/media-meta.json",
		FFProbeTimeout:        5 * time.Second,
		MaxUploadMB:           200,
		TickInterval:          15 * time.Second,
		ImageDuration:         30 * time.Second,
		StatePath:             "/var/lib/skuld/state.json",
		PlaylistPath:          "/var/lib/skuld/playlists.json",
		HistoryPath:           "/var/lib/skuld/history.db",
		WebUIRoot:             "/usr/share/skuld/webui",
		TokenTTL:              12 * time.Hour,
		OTLPEndpoint:          "localhost:4317",
		TracingSampleRate:     1.0,
	}

	if path == "" {
		path = os.Getenv("SKULD_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("/etc/skuld/config.yaml"); err == nil {
			path = "/etc/skuld/config.yaml"
		}
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("invalid HTTP port %d", cfg.HTTPPort)
	}
	if cfg.DebugPort <= 0 || cfg.DebugPort > 65535 {
		return nil, fmt.Errorf("invalid devtools debug port %d", cfg.DebugPort)
	}
	if cfg.Homepage == "" {
		return nil, fmt.Errorf("homepage URL must be provided")
	}
	if cfg.TickInterval < 5*time.Second {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.ImageDuration < 5*time.Second {
		cfg.ImageDuration = 5 * time.Second
	}
	if strings.EqualFold(cfg.Environment, "production") && cfg.PasswordHash == "" {
		return nil, fmt.Errorf("SKULD_PASSWORD_HASH must be set in production")
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setStr(&c.Environment, fc.Environment)
	setStr(&c.HTTPBind, fc.UI.Bind)
	setInt(&c.HTTPPort, fc.UI.Port)
	setStr(&c.WebUIRoot, fc.UI.Root)
	setStr(&c.Homepage, fc.Device.Homepage)
	setStr(&c.DisplayName, fc.Display.Name)
	setStr(&c.DisplayLauncher, fc.Display.Launcher)
	setDur(&c.DisplayStartupTimeout, fc.Display.StartupTimeout)
	setStr(&c.ChromiumBinary, fc.Chromium.Binary)
	setStr(&c.ChromiumFlagsFile, fc.Chromium.FlagsFile)
	setInt(&c.DebugPort, fc.Chromium.DebugPort)
	setStr(&c.MediaLocalRoot, fc.Media.LocalPath)
	setStr(&c.MediaCacheRoot, fc.Media.CachePath)
	setStr(&c.MediaNetworkRoot, fc.Media.NetworkPath)
	setStr(&c.MediaMetadataPath, fc.Media.MetadataPath)
	setStr(&c.MPVBinary, fc.Media.MPVBinary)
	setStr(&c.IMVBinary, fc.Media.IMVBinary)
	setStr(&c.PlayerSocketPath, fc.Media.SocketPath)
	setDur(&c.ImageDuration, fc.Media.ImageDuration)
	setInt(&c.MaxUploadMB, fc.Media.MaxUploadMB)
	setDur(&c.TickInterval, fc.Scheduler.TickInterval)
	setStr(&c.StatePath, fc.State.Path)
	setStr(&c.PlaylistPath, fc.State.PlaylistPath)
	setStr(&c.HistoryPath, fc.State.HistoryPath)
	setStr(&c.PasswordHash, fc.Security.PasswordHash)
	setStr(&c.TokenSecret, fc.Security.TokenSecret)
	if fc.Security.TokenTTLMin > 0 {
		c.TokenTTL = time.Duration(fc.Security.TokenTTLMin) * time.Minute
	}
	if fc.Tracing.Enabled {
		c.TracingEnabled = true
	}
	setStr(&c.OTLPEndpoint, fc.Tracing.OTLPEndpoint)
	if fc.Tracing.SampleRate > 0 {
		c.TracingSampleRate = fc.Tracing.SampleRate
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnv("SKULD_ENV", c.Environment)
	c.HTTPBind = getEnv("SKULD_HTTP_BIND", c.HTTPBind)
	c.HTTPPort = getEnvInt("SKULD_HTTP_PORT", c.HTTPPort)
	c.Homepage = getEnv("SKULD_HOMEPAGE", c.Homepage)
	c.DisplayName = getEnv("SKULD_DISPLAY", c.DisplayName)
	c.DisplayLauncher = getEnv("SKULD_DISPLAY_LAUNCHER", c.DisplayLauncher)
	c.ChromiumBinary = getEnv("SKULD_CHROMIUM_BINARY", c.ChromiumBinary)
	c.ChromiumFlagsFile = getEnv("SKULD_CHROMIUM_FLAGS_FILE", c.ChromiumFlagsFile)
	c.DebugPort = getEnvInt("SKULD_DEBUG_PORT", c.DebugPort)
	c.MPVBinary = getEnv("SKULD_MPV_BINARY", c.MPVBinary)
	c.IMVBinary = getEnv("SKULD_IMV_BINARY", c.IMVBinary)
	c.PlayerSocketPath = getEnv("SKULD_PLAYER_SOCKET", c.PlayerSocketPath)
	c.MediaLocalRoot = getEnv("SKULD_MEDIA_LOCAL_ROOT", c.MediaLocalRoot)
	c.MediaCacheRoot = getEnv("SKULD_MEDIA_CACHE_ROOT", c.MediaCacheRoot)
	c.MediaNetworkRoot = getEnv("SKULD_MEDIA_NETWORK_ROOT", c.MediaNetworkRoot)
	c.MediaMetadataPath = getEnv("SKULD_MEDIA_METADATA_PATH", c.MediaMetadataPath)
	c.MaxUploadMB = getEnvInt("SKULD_MAX_UPLOAD_MB", c.MaxUploadMB)
	c.TickInterval = getEnvSeconds("SKULD_TICK_INTERVAL", c.TickInterval)
	c.ImageDuration = getEnvSeconds("SKULD_IMAGE_DURATION", c.ImageDuration)
	c.StatePath = getEnv("SKULD_STATE_PATH", c.StatePath)
	c.PlaylistPath = getEnv("SKULD_PLAYLIST_PATH", c.PlaylistPath)
	c.HistoryPath = getEnv("SKULD_HISTORY_PATH", c.HistoryPath)
	c.WebUIRoot = getEnv("SKULD_WEBUI_ROOT", c.WebUIRoot)
	c.PasswordHash = getEnv("SKULD_PASSWORD_HASH", c.PasswordHash)
	c.TokenSecret = getEnv("SKULD_TOKEN_SECRET", c.TokenSecret)
	c.TokenTTL = getEnvSeconds("SKULD_TOKEN_TTL", c.TokenTTL)
	c.TracingEnabled = getEnvBool("SKULD_TRACING_ENABLED", c.TracingEnabled)
	c.OTLPEndpoint = getEnv("SKULD_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.TracingSampleRate = getEnvFloat("SKULD_TRACING_SAMPLE_RATE", c.TracingSampleRate)
}

// MediaRoots returns the configured library roots, named, skipping unset ones.
func (c *Config) MediaRoots() map[string]string {
	roots := make(map[string]string, 3)
	if c.MediaLocalRoot != "" {
		roots["local"] = c.MediaLocalRoot
	}
	if c.MediaCacheRoot != "" {
		roots["cache"] = c.MediaCacheRoot
	}
	if c.MediaNetworkRoot != "" {
		roots["network"] = c.MediaNetworkRoot
	}
	return roots
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDur(dst *time.Duration, seconds int) {
	if seconds > 0 {
		*dst = time.Duration(seconds) * time.Second
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvSeconds reads an integer number of seconds.
func getEnvSeconds(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return time.Duration(parsed) * time.Second
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
