// Package config loads server configuration from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Configuration lists the tunable parameters for the waypost server.
type Configuration struct {
	// ListenAddr is the HTTP/websocket bind address.
	ListenAddr string `mapstructure:"listen_addr"`
	// DatabasePath is the SQLite file backing the registry. Empty disables
	// persistence; the registry runs memory-only.
	DatabasePath string `mapstructure:"database_path"`
	LogLevel     string `mapstructure:"log_level"`
	// HistoryMax caps the retained message history replayed in snapshots.
	HistoryMax int `mapstructure:"history_max"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	MQTT struct {
		// Enabled turns on the embedded MQTT event mirror.
		Enabled bool   `mapstructure:"enabled"`
		Bind    string `mapstructure:"bind"`
	} `mapstructure:"mqtt"`
}

// Load reads configuration from the given file (optional), a waypost.yaml in
// the working directory or /etc/waypost, and WAYPOST_* environment variables.
func Load(path string) (Configuration, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8970")
	v.SetDefault("database_path", "data/waypost.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("history_max", 500)
	v.SetDefault("shutdown_timeout", "5s")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.bind", ":1883")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("waypost")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/waypost")
	}

	v.SetEnvPrefix("WAYPOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Configuration{}, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine; defaults and environment apply.
	}

	var cfg Configuration
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return Configuration{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
