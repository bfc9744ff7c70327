// Package config provides YAML-based configuration loading for pixjail.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the host application
    AppName string `mapstructure:"app_name"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Decode bounds the sandboxed decoder per request
    Decode DecodeConfig `mapstructure:"decode"`

    // Channel configures the host<->worker IPC channel
    Channel ChannelConfig `mapstructure:"channel"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// DecodeConfig bounds decoder resource use. The ceilings exist to stop
// decompression bombs before pixel storage is allocated.
type DecodeConfig struct {
    MaxWidth      int `mapstructure:"max_width"`
    MaxHeight     int `mapstructure:"max_height"`
    MaxPixelBytes int `mapstructure:"max_pixel_bytes"`
    TimeoutMS     int `mapstructure:"timeout_ms"`
}

// ChannelConfig describes the worker channel and its failure policy.
type ChannelConfig struct {
    // Kind: unix, winpipe, or mem
    Kind string `mapstructure:"kind"`
    // Address: socket path, pipe name, or mem listener name
    Address string `mapstructure:"address"`

    // RequestTimeoutMS bounds one in-flight request end to end
    RequestTimeoutMS int `mapstructure:"request_timeout_ms"`
    // MaxInflight caps pipelined requests on the channel
    MaxInflight int `mapstructure:"max_inflight"`
    // QueueDepth bounds requests queued while the channel is down
    QueueDepth int `mapstructure:"queue_depth"`
    // MaxFrameBytes caps a single wire frame
    MaxFrameBytes int `mapstructure:"max_frame_bytes"`

    // Respawn backoff for reconnect attempts after a worker death
    RespawnBackoffInitialMS int `mapstructure:"respawn_backoff_initial_ms"`
    RespawnBackoffMaxMS     int `mapstructure:"respawn_backoff_max_ms"`
    RespawnBackoffJitterMS  int `mapstructure:"respawn_backoff_jitter_ms"`
    // MaxRespawnAttempts bounds one reconnect cycle before the channel is
    // surfaced as unavailable
    MaxRespawnAttempts int `mapstructure:"max_respawn_attempts"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "pixjail",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stderr"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/pixjail.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Decode: DecodeConfig{
            MaxWidth:      16384,
            MaxHeight:     16384,
            MaxPixelBytes: 256 << 20,
            TimeoutMS:     5000,
        },
        Channel: ChannelConfig{
            Kind:                    "unix",
            Address:                 "/tmp/pixjail-worker.sock",
            RequestTimeoutMS:        5000,
            MaxInflight:             4,
            QueueDepth:              32,
            MaxFrameBytes:           260 << 20,
            RespawnBackoffInitialMS: 250,
            RespawnBackoffMaxMS:     10000,
            RespawnBackoffJitterMS:  100,
            MaxRespawnAttempts:      5,
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix PIXJAIL and `.`/`-` are replaced with `_`.
// Example: PIXJAIL_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("PIXJAIL")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("decode.max_width", cfg.Decode.MaxWidth)
    v.SetDefault("decode.max_height", cfg.Decode.MaxHeight)
    v.SetDefault("decode.max_pixel_bytes", cfg.Decode.MaxPixelBytes)
    v.SetDefault("decode.timeout_ms", cfg.Decode.TimeoutMS)
    v.SetDefault("channel.kind", cfg.Channel.Kind)
    v.SetDefault("channel.address", cfg.Channel.Address)
    v.SetDefault("channel.request_timeout_ms", cfg.Channel.RequestTimeoutMS)
    v.SetDefault("channel.max_inflight", cfg.Channel.MaxInflight)
    v.SetDefault("channel.queue_depth", cfg.Channel.QueueDepth)
    v.SetDefault("channel.max_frame_bytes", cfg.Channel.MaxFrameBytes)
    v.SetDefault("channel.respawn_backoff_initial_ms", cfg.Channel.RespawnBackoffInitialMS)
    v.SetDefault("channel.respawn_backoff_max_ms", cfg.Channel.RespawnBackoffMaxMS)
    v.SetDefault("channel.respawn_backoff_jitter_ms", cfg.Channel.RespawnBackoffJitterMS)
    v.SetDefault("channel.max_respawn_attempts", cfg.Channel.MaxRespawnAttempts)

    // Choose config file
    if path == "" {
        if envPath := os.Getenv("PIXJAIL_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("pixjail")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".pixjail"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stderr"}
    }

    if c.Decode.MaxWidth <= 0 || c.Decode.MaxHeight <= 0 {
        return fmt.Errorf("decode ceilings must be positive: %dx%d", c.Decode.MaxWidth, c.Decode.MaxHeight)
    }
    if c.Decode.MaxPixelBytes <= 0 {
        return fmt.Errorf("decode.max_pixel_bytes must be positive: %d", c.Decode.MaxPixelBytes)
    }
    if c.Decode.TimeoutMS <= 0 {
        return fmt.Errorf("decode.timeout_ms must be positive: %d", c.Decode.TimeoutMS)
    }

    c.Channel.Kind = strings.ToLower(strings.TrimSpace(c.Channel.Kind))
    switch c.Channel.Kind {
    case "unix", "uds", "winpipe", "mem":
        // ok
    default:
        return fmt.Errorf("invalid channel.kind: %q", c.Channel.Kind)
    }
    if strings.TrimSpace(c.Channel.Address) == "" {
        return errors.New("channel.address must be set")
    }
    if c.Channel.MaxInflight <= 0 {
        c.Channel.MaxInflight = 1
    }
    if c.Channel.QueueDepth < 0 {
        c.Channel.QueueDepth = 0
    }
    if c.Channel.RequestTimeoutMS <= 0 {
        return fmt.Errorf("channel.request_timeout_ms must be positive: %d", c.Channel.RequestTimeoutMS)
    }
    if c.Channel.MaxFrameBytes > 0 && c.Channel.MaxFrameBytes < c.Decode.MaxPixelBytes {
        return fmt.Errorf("channel.max_frame_bytes %d cannot carry decode.max_pixel_bytes %d",
            c.Channel.MaxFrameBytes, c.Decode.MaxPixelBytes)
    }
    if c.Channel.MaxRespawnAttempts <= 0 {
        c.Channel.MaxRespawnAttempts = 1
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
