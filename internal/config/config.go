// Package config binds process configuration (flags + environment) for
// the fast-broadcastd server and fast-broadcast client binaries.
// Grounded on sevenDatabase-SevenDB/config/config.go's viper/pflag/
// struct-tag approach, pared down to this protocol's constructor
// fields: server identity on one side, client identity and dial
// target on the other.
package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every flag/env-bound setting shared by both binaries.
// Not every field applies to every binary; each cmd package reads only
// the fields it needs.
type Config struct {
	Host     string `mapstructure:"host" default:"127.0.0.1" description:"host to listen on or dial"`
	Port     int    `mapstructure:"port" default:"7331" description:"port to listen on or dial"`
	ClientID string `mapstructure:"client-id" description:"subscription client_id"`
	ServerID string `mapstructure:"server-id" description:"server identity stamped on outbound events; random if unset"`

	// LogLevel defaults to "fatal" so test harnesses run quiet unless
	// something serious happens.
	LogLevel string `mapstructure:"log-level" default:"fatal" description:"debug|info|warn|error|fatal"`
}

// Load binds flags and the environment (LOG_LEVEL, HOST, PORT, ...) onto
// a Config, applying struct-tag defaults first so unset flags and unset
// env vars still produce a usable value.
func Load(flags *pflag.FlagSet) (*Config, error) {
	cfg := withDefaults(&Config{})

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// ResolveLevel maps LogLevel to an slog.Level. "fatal" and any
// unrecognised value map to LevelError+4 (slog has no "fatal" level;
// "fatal" here means "quiet unless it's serious").
func (c *Config) ResolveLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return slog.LevelError + 4
	default:
		return slog.LevelError + 4
	}
}

// withDefaults applies each field's `default` struct tag, mirroring
// sevenDatabase-SevenDB's config.initDefaultConfig.
func withDefaults(cfg *Config) *Config {
	t := reflect.TypeOf(*cfg)
	v := reflect.ValueOf(cfg).Elem()

	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("default")
		if tag == "" {
			continue
		}
		field := v.Field(i)
		switch field.Kind() {
		case reflect.String:
			field.SetString(tag)
		case reflect.Int:
			var n int
			if _, err := fmt.Sscanf(tag, "%d", &n); err == nil {
				field.SetInt(int64(n))
			}
		}
	}
	return cfg
}
