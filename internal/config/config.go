package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const envPrefix = "TREADMILL"

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Bluetooth BluetoothConfig `mapstructure:"bluetooth"`
	Workout   WorkoutConfig   `mapstructure:"workout"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// FileUsed is the config file that was read, empty when none was found
	FileUsed string `mapstructure:"-"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type BluetoothConfig struct {
	DeviceNameFilter        string `mapstructure:"device_name_filter"`
	ScanTimeoutSecs         int    `mapstructure:"scan_timeout_secs"`
	ReconnectDelaySecs      int    `mapstructure:"reconnect_delay_secs"`
	NotificationTimeoutSecs int    `mapstructure:"notification_timeout_secs"`

	// Mock replaces the adapter with a simulated FTMS treadmill
	Mock            bool   `mapstructure:"mock"`
	MockControlAddr string `mapstructure:"mock_control_addr"`
}

func (b BluetoothConfig) ScanTimeout() time.Duration {
	return time.Duration(b.ScanTimeoutSecs) * time.Second
}

func (b BluetoothConfig) ReconnectDelay() time.Duration {
	return time.Duration(b.ReconnectDelaySecs) * time.Second
}

func (b BluetoothConfig) NotificationTimeout() time.Duration {
	return time.Duration(b.NotificationTimeoutSecs) * time.Second
}

type WorkoutConfig struct {
	// EndTimeoutSecs is how many inactive seconds end a workout
	EndTimeoutSecs  int `mapstructure:"end_timeout_secs"`
	MinSamples      int `mapstructure:"min_samples"`
	MinDurationSecs int `mapstructure:"min_duration_secs"`
}

func (w WorkoutConfig) MinDuration() time.Duration {
	return time.Duration(w.MinDurationSecs) * time.Second
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	File    string `mapstructure:"file"`
	Stdout  bool   `mapstructure:"stdout"`
	Verbose bool   `mapstructure:"verbose"`
}

var defaults = map[string]any{
	"database.path":                       "./treadmill.db",
	"bluetooth.device_name_filter":        "LifeSpan",
	"bluetooth.scan_timeout_secs":         30,
	"bluetooth.reconnect_delay_secs":      5,
	"bluetooth.notification_timeout_secs": 30,
	"bluetooth.mock":                      false,
	"bluetooth.mock_control_addr":         "127.0.0.1:9901",
	"workout.end_timeout_secs":            30,
	"workout.min_samples":                 10,
	"workout.min_duration_secs":           30,
	"server.host":                         "0.0.0.0",
	"server.port":                         8080,
	"logging.file":                        "",
	"logging.stdout":                      true,
	"logging.verbose":                     false,
}

// Older deployments used these shorter variable names
var legacyEnv = map[string]string{
	"database.path":                  "TREADMILL_DB_PATH",
	"bluetooth.device_name_filter":   "TREADMILL_DEVICE_FILTER",
	"bluetooth.scan_timeout_secs":    "TREADMILL_SCAN_TIMEOUT",
	"bluetooth.reconnect_delay_secs": "TREADMILL_RECONNECT_DELAY",
	"server.host":                    "TREADMILL_HOST",
	"server.port":                    "TREADMILL_PORT",
}

var flagKeys = map[string]string{
	"db":            "database.path",
	"device-filter": "bluetooth.device_name_filter",
	"host":          "server.host",
	"port":          "server.port",
	"log-file":      "logging.file",
	"mock":          "bluetooth.mock",
	"verbose":       "logging.verbose",
}

// Load builds the configuration from command line args (without the program
// name), TREADMILL_* environment variables and the TOML config file.
// Precedence is flag, env, file, default. A missing config file is not an error.
func Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("treadmill-sync", pflag.ContinueOnError)
	configPath := flags.String("config", "config.toml", "path to the TOML config file")
	flags.String("db", "", "SQLite database path")
	flags.String("device-filter", "", "substring of the treadmill's advertised name")
	flags.String("host", "", "HTTP listen host")
	flags.Int("port", 0, "HTTP listen port")
	flags.String("log-file", "", "rotating log file, empty logs to stdout only")
	flags.Bool("verbose", false, "log every frame and sample")
	flags.Bool("mock", false, "simulate an FTMS treadmill instead of using Bluetooth")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		current := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, current, legacy); err != nil {
			return nil, err
		}
	}

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	v.SetConfigFile(*configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config %s: %w", *configPath, err)
		}
	} else {
		cfg.FileUsed = v.ConfigFileUsed()
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var err error
	if c.Database.Path == "" {
		err = multierr.Append(err, errors.New("database.path must be set"))
	}
	positive := map[string]int{
		"bluetooth.scan_timeout_secs":         c.Bluetooth.ScanTimeoutSecs,
		"bluetooth.reconnect_delay_secs":      c.Bluetooth.ReconnectDelaySecs,
		"bluetooth.notification_timeout_secs": c.Bluetooth.NotificationTimeoutSecs,
		"workout.end_timeout_secs":            c.Workout.EndTimeoutSecs,
		"workout.min_samples":                 c.Workout.MinSamples,
	}
	for key, value := range positive {
		if value <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be > 0, got %d", key, value))
		}
	}
	if c.Workout.MinDurationSecs < 0 {
		err = multierr.Append(err, fmt.Errorf("workout.min_duration_secs must be >= 0, got %d", c.Workout.MinDurationSecs))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
