package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tidwall/jsonc"
)

const appName = "striderun"

// CompilerConfig describes where the cstride executable lives.
type CompilerConfig struct {
	Command          string `json:"command"`
	DebugPath        string `json:"debug_path,omitempty"`
	ReleasePath      string `json:"release_path,omitempty"`
	KillGraceSeconds int    `json:"kill_grace_seconds"`
}

// KillGrace returns the SIGTERM to SIGKILL delay.
func (c CompilerConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceSeconds) * time.Second
}

// RunConfig holds the initial run configuration handed to sessions.
type RunConfig struct {
	DebugMode bool `json:"debug_mode"`
}

// Config represents server configuration
type Config struct {
	Addr           string         `json:"addr"`
	CacheDir       string         `json:"cache_dir"`
	Compiler       CompilerConfig `json:"compiler"`
	Run            RunConfig      `json:"run"`
	AllowedOrigins []string       `json:"allowed_origins,omitempty"`
	MaxMessageSize int64          `json:"max_message_size"`
	RateLimit      float64        `json:"rate_limit"` // inbound frames per second per connection, 0 disables
	RateBurst      int            `json:"rate_burst"`
	LogLevel       string         `json:"log_level"` // debug, info, warn, error, none
	LogPath        string         `json:"-"`
	PIDFile        string         `json:"pid_file,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(os.TempDir(), appName)
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:     ":8080",
		CacheDir: defaultCacheDir(),
		Compiler: CompilerConfig{
			Command:          "cstride",
			KillGraceSeconds: 5,
		},
		MaxMessageSize: 1 << 20,
		RateLimit:      50,
		RateBurst:      100,
		LogLevel:       "info",
		LogPath:        "-",
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// Comments and trailing commas are allowed in the config file
	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.Compiler.Command == "" {
		c.Compiler.Command = def.Compiler.Command
	}
	if c.Compiler.KillGraceSeconds <= 0 {
		c.Compiler.KillGraceSeconds = def.Compiler.KillGraceSeconds
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = int(c.RateLimit)
		if c.RateBurst < 1 {
			c.RateBurst = 1
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogPath == "" {
		c.LogPath = def.LogPath
	}
}

// ApplyEnv overrides fields from STRIDERUN_* environment variables.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("STRIDERUN_ADDR")); v != "" {
		c.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("STRIDERUN_CACHE_DIR")); v != "" {
		c.CacheDir = v
	}
	if v := strings.TrimSpace(os.Getenv("STRIDERUN_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("STRIDERUN_LOG_PATH")); v != "" {
		c.LogPath = v
	}
}

// Save writes the configuration to path, replacing any existing file
// atomically so a running watcher never reads a partial file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	return atomic.WriteFile(path, bytes.NewReader(data))
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
