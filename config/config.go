package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultBaseURL        = "http://localhost:8000"
	DefaultAppName        = "bookings_agent"
	DefaultDialTimeout    = 10 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

type SystemConfig struct {
	DataDirectory string `toml:"data_directory"`
}

type AgentConfig struct {
	BaseURL               string `toml:"base_url"`
	AppName               string `toml:"app_name"`
	Streaming             bool   `toml:"streaming"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

type UserConfig struct {
	Agent       AgentConfig `toml:"agent"`
	DisplayName string      `toml:"display_name,omitempty"`
}

type Config struct {
	DataDirectory  string
	BaseURL        string
	AppName        string
	DisplayName    string
	Streaming      bool
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

var Debug = false

// DebugLog is a no-op logger unless BOOKCHAT_DEBUG is set.
var DebugLog = zap.NewNop()

func (c *Config) DataDir() string {
	return ExpandPath(c.DataDirectory)
}

func (c *Config) applyEnvOverrides() error {
	if baseURL := os.Getenv("BOOKCHAT_BASE_URL"); baseURL != "" {
		c.BaseURL = baseURL
	}
	if appName := os.Getenv("BOOKCHAT_APP_NAME"); appName != "" {
		c.AppName = appName
	}
	if name := os.Getenv("BOOKCHAT_DISPLAY_NAME"); name != "" {
		c.DisplayName = name
	}
	if streaming := os.Getenv("BOOKCHAT_STREAMING"); streaming != "" {
		v, err := strconv.ParseBool(streaming)
		if err != nil {
			return fmt.Errorf("invalid BOOKCHAT_STREAMING %q: %w", streaming, err)
		}
		c.Streaming = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.AppName == "" {
		return fmt.Errorf("agent app_name is empty")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid agent base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid agent base_url %q: scheme must be http or https", c.BaseURL)
	}
	return nil
}

func CheckDebug() bool {
	debug := os.Getenv("BOOKCHAT_DEBUG")
	return debug == "true" || debug == "1"
}

// InitDebugLog points DebugLog at <dataDir>/debug.log when debugging is on.
func InitDebugLog(dataDir string) {
	if !CheckDebug() {
		return
	}

	Debug = true
	logPath := filepath.Join(dataDir, "debug.log")

	// 0600: the log may contain message text and identifiers
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not open debug log at %s: %v\n", logPath, err)
		return
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), zap.DebugLevel)

	DebugLog = zap.New(core, zap.AddCaller())
	DebugLog.Info("debug logging started",
		zap.String("BOOKCHAT_DEBUG", os.Getenv("BOOKCHAT_DEBUG")),
		zap.String("path", logPath))
}

// loadDotEnv reads a .env file from the working directory. A missing file is
// fine; a malformed one is reported.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load .env: %w", err)
}

// Load assembles the configuration: .env, then the system settings file,
// then the user config in the data directory, then environment overrides.
// Missing files are created from templates.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDirectory:  GetDefaultDataDir(),
		BaseURL:        DefaultBaseURL,
		AppName:        DefaultAppName,
		Streaming:      true,
		DialTimeout:    DefaultDialTimeout,
		RequestTimeout: DefaultRequestTimeout,
	}

	if dataDir := os.Getenv("BOOKCHAT_DATA_DIR"); dataDir != "" {
		cfg.DataDirectory = dataDir
	} else {
		systemCfg, err := LoadSystemConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load system config: %w", err)
		}
		if systemCfg.DataDirectory != "" {
			cfg.DataDirectory = systemCfg.DataDirectory
		}
	}

	dataDir := cfg.DataDir()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Ensure data directory has correct permissions (fix if needed)
	if err := EnsureDataDirPermissions(dataDir); err != nil {
		return nil, fmt.Errorf("failed to set data directory permissions: %w", err)
	}

	userCfg, err := LoadUserConfig(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	}
	cfg.applyUserConfig(userCfg)

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyUserConfig(u *UserConfig) {
	if u.Agent.BaseURL != "" {
		c.BaseURL = u.Agent.BaseURL
	}
	if u.Agent.AppName != "" {
		c.AppName = u.Agent.AppName
	}
	c.Streaming = u.Agent.Streaming
	if u.Agent.RequestTimeoutSeconds > 0 {
		c.RequestTimeout = time.Duration(u.Agent.RequestTimeoutSeconds) * time.Second
	}
	c.DisplayName = u.DisplayName
}
