package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds remote API configuration
type ServerConfig struct {
	URL         string        `mapstructure:"url"`          // Base URL every route is built under
	Prefix      string        `mapstructure:"prefix"`       // Path prefix, e.g. "/api/v1"
	RefreshPath string        `mapstructure:"refresh_path"` // Token refresh endpoint
	LoginPath   string        `mapstructure:"login_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// AuthConfig holds credential handling configuration
type AuthConfig struct {
	Token           string        `mapstructure:"token"`
	ExpiryThreshold time.Duration `mapstructure:"expiry_threshold"` // Refresh this long before expiry
	Fingerprint     string        `mapstructure:"fingerprint"`      // Sent with refresh calls when set
}

// CacheConfig holds local store configuration
type CacheConfig struct {
	Dir      string        `mapstructure:"dir"`       // Empty keeps everything in memory
	ErrorTTL time.Duration `mapstructure:"error_ttl"` // Failed request errors clear after this; 0 keeps them
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Prefix:      "",
			RefreshPath: "/auth/refresh",
			LoginPath:   "/auth/login",
			Timeout:     30 * time.Second,
		},
		Auth: AuthConfig{
			ExpiryThreshold: 30 * time.Second,
		},
		Cache: CacheConfig{
			Dir:      defaultCachePath(),
			ErrorTTL: 5 * time.Second,
		},
		Logging: LoggingConfig{
			File:  defaultLogPath(),
			Level: "INFO",
		},
	}
}

// defaultLogPath returns the default log file path for the current OS
func defaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "kinosync", "kinosync.log")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "kinosync", "kinosync.log")
	}
}

// defaultConfigPath returns the default config file path for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "kinosync")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "kinosync")
	}
}

// defaultCachePath returns the default cache directory path for the current OS
func defaultCachePath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "kinosync", "cache")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "kinosync", "cache")
	}
}

// LoadConfig loads configuration from file and environment
func LoadConfig() (*Config, error) {
	return loadConfig(viper.New(), defaultConfigPath(), ".")
}

func loadConfig(v *viper.Viper, paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// Environment variable overrides, e.g. KINOSYNC_SERVER_URL
	v.SetEnvPrefix("KINOSYNC")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	bindEnv(v)

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

var envKeyReplacer = strings.NewReplacer(".", "_")

// bindEnv registers every key so AutomaticEnv can see it during Unmarshal,
// which only consults keys viper already knows about.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"server.url", "server.prefix", "server.refresh_path", "server.login_path", "server.timeout",
		"auth.token", "auth.expiry_threshold", "auth.fingerprint",
		"cache.dir", "cache.error_ttl",
		"logging.file", "logging.level",
	} {
		_ = v.BindEnv(key)
	}
}

// SaveConfig saves the current configuration to file
func SaveConfig(cfg *Config) error {
	return saveConfig(viper.New(), cfg, defaultConfigPath())
}

func saveConfig(v *viper.Viper, cfg *Config, configPath string) error {
	// Ensure config directory exists
	if err := os.MkdirAll(configPath, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Set fields individually to ensure correct key names (snake_case)
	v.Set("server.url", cfg.Server.URL)
	v.Set("server.prefix", cfg.Server.Prefix)
	v.Set("server.refresh_path", cfg.Server.RefreshPath)
	v.Set("server.login_path", cfg.Server.LoginPath)
	v.Set("server.timeout", cfg.Server.Timeout.String())

	v.Set("auth.token", cfg.Auth.Token)
	v.Set("auth.expiry_threshold", cfg.Auth.ExpiryThreshold.String())
	v.Set("auth.fingerprint", cfg.Auth.Fingerprint)

	v.Set("cache.dir", cfg.Cache.Dir)
	v.Set("cache.error_ttl", cfg.Cache.ErrorTTL.String())

	v.Set("logging.file", cfg.Logging.File)
	v.Set("logging.level", cfg.Logging.Level)

	configFile := filepath.Join(configPath, "config.yaml")
	if err := v.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// IsConfigured returns true if the server URL is set
func (c *Config) IsConfigured() bool {
	return c.Server.URL != ""
}
