// Package config provides configuration management for rtmpush using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort           = 8090
	defaultServerTimeout        = 30 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	defaultMaxOpenConns         = 10
	defaultMaxIdleConns         = 5
	defaultStartTimeout         = 3 * time.Second
	defaultStopTimeout          = 5 * time.Second
	defaultReconnectDelay       = 10 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultLoopClipDuration     = 5 * time.Second
	defaultTopUpThreshold       = 5
	defaultTopUpCount           = 10
	defaultOutputRWTimeout      = 10 * time.Second
	defaultMaxStandbyImageSize  = 20 * 1024 * 1024 // 20MB
	defaultRemoteTimeout        = 10 * time.Minute
	defaultLogRetention         = 7 * 24 * time.Hour
	defaultJanitorCron          = "0 */30 * * * *"
)

// Config holds all configuration for the application.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Storage StorageConfig `mapstructure:"storage"`
	Store   StoreConfig   `mapstructure:"store"`
	FFmpeg  FFmpegConfig  `mapstructure:"ffmpeg"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Janitor JanitorConfig `mapstructure:"janitor"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StorageConfig holds the on-disk layout. Every directory except MediaDir
// lives under CacheDir.
type StorageConfig struct {
	CacheDir            string `mapstructure:"cache_dir"`
	MediaDir            string `mapstructure:"media_dir"`
	MaxStandbyImageSize int64  `mapstructure:"max_standby_image_size"`
}

// StoreConfig selects the durable session store backend.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"` // file, sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // empty = auto-detect
	ProbePath  string `mapstructure:"probe_path"`  // empty = auto-detect
	LogLevel   string `mapstructure:"log_level"`
}

// RelayConfig holds session supervision settings.
type RelayConfig struct {
	StartTimeout         time.Duration `mapstructure:"start_timeout"`
	StopTimeout          time.Duration `mapstructure:"stop_timeout"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	LoopClipDuration     time.Duration `mapstructure:"loop_clip_duration"`
	TopUpThreshold       int           `mapstructure:"topup_threshold"`
	TopUpCount           int           `mapstructure:"topup_count"`
	OutputRWTimeout      time.Duration `mapstructure:"output_rw_timeout"` // 0 disables
}

// RemoteConfig holds the remote file share used by switch-to-remote-file.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// JanitorConfig holds the scheduled maintenance job configuration.
type JanitorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Cron         string        `mapstructure:"cron"` // 6-field cron expression
	LogRetention time.Duration `mapstructure:"log_retention"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RTMPUSH_ and use underscores for nesting.
// Example: RTMPUSH_RELAY_RECONNECT_DELAY=5s.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rtmpush")
		v.AddConfigPath("$HOME/.rtmpush")
	}

	v.SetEnvPrefix("RTMPUSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates the configuration held by an already
// populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	// Uploads of standby images can be slow on poor links.
	v.SetDefault("server.write_timeout", 2*defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("storage.cache_dir", "./cache")
	v.SetDefault("storage.media_dir", "./media")
	v.SetDefault("storage.max_standby_image_size", defaultMaxStandbyImageSize)

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("store.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", time.Hour)
	v.SetDefault("store.log_level", "warn")

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.log_level", "info")

	v.SetDefault("relay.start_timeout", defaultStartTimeout)
	v.SetDefault("relay.stop_timeout", defaultStopTimeout)
	v.SetDefault("relay.reconnect_delay", defaultReconnectDelay)
	v.SetDefault("relay.max_reconnect_attempts", defaultMaxReconnectAttempts)
	v.SetDefault("relay.loop_clip_duration", defaultLoopClipDuration)
	v.SetDefault("relay.topup_threshold", defaultTopUpThreshold)
	v.SetDefault("relay.topup_count", defaultTopUpCount)
	v.SetDefault("relay.output_rw_timeout", defaultOutputRWTimeout)

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout", defaultRemoteTimeout)

	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.cron", defaultJanitorCron)
	v.SetDefault("janitor.log_retention", defaultLogRetention)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Storage.CacheDir == "" {
		return fmt.Errorf("storage.cache_dir is required")
	}

	validDrivers := map[string]bool{"file": true, "sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("store.driver must be one of: file, sqlite, postgres, mysql")
	}
	if (c.Store.Driver == "postgres" || c.Store.Driver == "mysql") && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
	}

	if c.Relay.StartTimeout <= 0 {
		return fmt.Errorf("relay.start_timeout must be positive")
	}
	if c.Relay.ReconnectDelay < 0 {
		return fmt.Errorf("relay.reconnect_delay must not be negative")
	}
	if c.Relay.MaxReconnectAttempts < 0 {
		return fmt.Errorf("relay.max_reconnect_attempts must not be negative")
	}
	if c.Relay.LoopClipDuration < time.Second {
		return fmt.Errorf("relay.loop_clip_duration must be at least 1s")
	}
	if c.Relay.TopUpThreshold < 1 {
		return fmt.Errorf("relay.topup_threshold must be at least 1")
	}
	if c.Relay.TopUpCount <= c.Relay.TopUpThreshold {
		return fmt.Errorf("relay.topup_count must be greater than relay.topup_threshold")
	}

	if c.Janitor.Enabled && c.Janitor.Cron == "" {
		return fmt.Errorf("janitor.cron is required when the janitor is enabled")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SessionsPath returns the directory holding per-session records.
func (c *StorageConfig) SessionsPath() string {
	return filepath.Join(c.CacheDir, "sessions")
}

// PlaylistsPath returns the directory holding per-session concat playlists.
func (c *StorageConfig) PlaylistsPath() string {
	return filepath.Join(c.CacheDir, "playlists")
}

// LogsPath returns the directory holding per-session encoder logs.
func (c *StorageConfig) LogsPath() string {
	return filepath.Join(c.CacheDir, "logs")
}

// StandbyPath returns the directory holding standby images and loop clips.
func (c *StorageConfig) StandbyPath() string {
	return filepath.Join(c.CacheDir, "standby")
}

// RemotePath returns the directory remote files are downloaded into.
func (c *StorageConfig) RemotePath() string {
	return filepath.Join(c.CacheDir, "remote")
}

// LoopsPath returns the directory holding rendered standby loop clips.
func (c *StorageConfig) LoopsPath() string {
	return filepath.Join(c.CacheDir, "loops")
}

// CatalogPath returns the directory holding the media id index.
func (c *StorageConfig) CatalogPath() string {
	return filepath.Join(c.CacheDir, "catalog")
}

// DatabasePath returns the default sqlite database path.
func (c *StorageConfig) DatabasePath() string {
	return filepath.Join(c.CacheDir, "rtmpush.db")
}
