// Package config loads chat-bridge settings from an optional YAML file and
// CHATBRIDGE_* environment variables.
package config

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides, e.g. CHATBRIDGE_BASE_URL
// or CHATBRIDGE_LOG_LEVEL.
const EnvPrefix = "CHATBRIDGE"

// Config is the complete configuration of the client and the dev server.
type Config struct {
	BaseURL  string        `mapstructure:"base_url" yaml:"base_url"`
	UseLogin bool          `mapstructure:"use_login" yaml:"use_login"`
	IDToken  string        `mapstructure:"id_token" yaml:"id_token,omitempty"`
	Server   ServerConfig  `mapstructure:"server" yaml:"server"`
	Stream   StreamConfig  `mapstructure:"stream" yaml:"stream"`
	Metrics  MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Log      LogConfig     `mapstructure:"log" yaml:"log"`
}

// ServerConfig configures the development backend.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// StreamConfig configures streamed replies.
type StreamConfig struct {
	// Correlate tags each request and filters replies on the tag.
	Correlate bool `mapstructure:"correlate" yaml:"correlate"`
}

// MetricsConfig configures the prometheus endpoint. An empty Addr serves
// /metrics on the main listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig configures logging. When File is set logs go to a rotated file.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("use_login", false)
	v.SetDefault("id_token", "")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("stream.correlate", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
}

// New returns a viper instance with defaults and environment binding set up.
// Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if non-empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return errors.Wrap(err, "invalid base_url")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.Errorf("invalid base_url %q: scheme must be http or https", c.BaseURL)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return errors.Errorf("invalid log.format %q: want console or json", c.Log.Format)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return errors.New("log rotation limits must not be negative")
	}
	return nil
}

// Dump renders cfg as YAML with the id token redacted.
func Dump(cfg *Config) ([]byte, error) {
	redacted := *cfg
	if redacted.IDToken != "" {
		redacted.IDToken = "<redacted>"
	}
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode config")
	}
	return out, nil
}
