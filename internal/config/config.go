// Package config loads the watchdog configuration from a JSON file with
// WARDEN_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/schedule"
	"github.com/loykin/warden/internal/supervisor"
)

// DefaultPath is where the config is read from when no path is given.
const DefaultPath = "config/client_config.json"

// EnvPrefix prefixes environment overrides, e.g. WARDEN_MAX_CRASH_COUNT.
const EnvPrefix = "WARDEN"

// ErrInvalid marks values that parsed but cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// ParseError wraps any failure to produce a usable Config.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("config %s: %v", e.Path, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

type Config struct {
	RestartTime                string `mapstructure:"restart_time"`
	GlobalDataFile             string `mapstructure:"global_data_file"`
	ServerFolder               string `mapstructure:"server_folder"`
	MaxFileSize                int64  `mapstructure:"max_file_size"`
	MaxCrashCount              int    `mapstructure:"max_crash_count"`
	CrashCountTimerLenInMillis int64  `mapstructure:"crash_count_timer_len_in_millis"`

	Command               string        `mapstructure:"command"`
	Env                   []string      `mapstructure:"env"`
	LogDir                string        `mapstructure:"log_dir"`
	CrashDrainDelayMillis int64         `mapstructure:"crash_drain_delay_millis"`
	MonitorPollMillis     int64         `mapstructure:"monitor_poll_millis"`
	TickMillis            int64         `mapstructure:"tick_millis"`
	HistoryDB             string        `mapstructure:"history_db"`
	Log                   logger.Config `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	// keys without a default are listed so env overrides reach Unmarshal
	v.SetDefault("restart_time", "")
	v.SetDefault("global_data_file", "")
	v.SetDefault("server_folder", "")
	v.SetDefault("max_file_size", 0)
	v.SetDefault("max_crash_count", 0)
	v.SetDefault("crash_count_timer_len_in_millis", 0)

	v.SetDefault("command", supervisor.DefaultCommand)
	v.SetDefault("env", []string{})
	v.SetDefault("log_dir", "logs")
	v.SetDefault("crash_drain_delay_millis", 10)
	v.SetDefault("monitor_poll_millis", 2000)
	v.SetDefault("tick_millis", 1000)
	v.SetDefault("history_db", "")
	v.SetDefault("log.file", "logs/warden.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)
}

// Load reads path (DefaultPath when empty), applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if err := c.Validate(); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &c, nil
}

// Validate checks the fields the watchdog cannot run without.
func (c *Config) Validate() error {
	if _, _, err := schedule.ParseClock(c.RestartTime); err != nil {
		return fmt.Errorf("%w: restart_time: %v", ErrInvalid, err)
	}
	if strings.TrimSpace(c.GlobalDataFile) == "" {
		return fmt.Errorf("%w: global_data_file is required", ErrInvalid)
	}
	if strings.TrimSpace(c.ServerFolder) == "" {
		return fmt.Errorf("%w: server_folder is required", ErrInvalid)
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("%w: command is empty", ErrInvalid)
	}
	if c.MaxCrashCount < 1 {
		return fmt.Errorf("%w: max_crash_count must be at least 1", ErrInvalid)
	}
	if c.CrashCountTimerLenInMillis <= 0 {
		return fmt.Errorf("%w: crash_count_timer_len_in_millis must be positive", ErrInvalid)
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("%w: max_file_size must not be negative", ErrInvalid)
	}
	if c.TickMillis <= 0 || c.MonitorPollMillis <= 0 || c.CrashDrainDelayMillis <= 0 {
		return fmt.Errorf("%w: tick_millis, monitor_poll_millis and crash_drain_delay_millis must be positive", ErrInvalid)
	}
	return nil
}

func (c *Config) CrashWindow() time.Duration     { return millis(c.CrashCountTimerLenInMillis) }
func (c *Config) CrashDrainDelay() time.Duration { return millis(c.CrashDrainDelayMillis) }
func (c *Config) MonitorPoll() time.Duration     { return millis(c.MonitorPollMillis) }
func (c *Config) TickInterval() time.Duration    { return millis(c.TickMillis) }

func millis(n int64) time.Duration { return time.Duration(n) * time.Millisecond }
