// Package config loads runtime settings from defaults, an optional config
// file, CROISSANT_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "CROISSANT"
	// DefaultModel is the CroissantLLM chat model as published for Ollama.
	DefaultModel = "croissantllm/CroissantLLMChat-v0.1:1.3b"
)

// Config holds every setting the commands read.
type Config struct {
	Backend   string `mapstructure:"backend" yaml:"backend" validate:"oneof=ollama openai"`
	Model     string `mapstructure:"model" yaml:"model" validate:"required"`
	OllamaURL string `mapstructure:"ollama_url" yaml:"ollama_url" validate:"omitempty,url"`
	OpenAIURL string `mapstructure:"openai_url" yaml:"openai_url" validate:"omitempty,url"`
	OpenAIKey string `mapstructure:"openai_key" yaml:"openai_key,omitempty"`

	Direction string `mapstructure:"direction" yaml:"direction" validate:"oneof=en-fr fr-en auto"`
	Clean     bool   `mapstructure:"clean" yaml:"clean"`

	DB      string `mapstructure:"db" yaml:"db"`
	NoCache bool   `mapstructure:"no_cache" yaml:"no_cache"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" validate:"oneof=text json"`

	Listen        string        `mapstructure:"listen" yaml:"listen" validate:"hostname_port"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout" yaml:"stream_timeout" validate:"gte=0"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", "ollama")
	v.SetDefault("model", DefaultModel)
	v.SetDefault("ollama_url", "http://localhost:11434")
	v.SetDefault("openai_url", "http://localhost:8080/v1")
	v.SetDefault("openai_key", "")
	v.SetDefault("direction", "en-fr")
	v.SetDefault("clean", false)
	v.SetDefault("db", "croissant.db")
	v.SetDefault("no_cache", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("listen", "127.0.0.1:8088")
	v.SetDefault("stream_timeout", 5*time.Minute)
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile loads file into v. With an empty file it looks for croissant.yaml
// in the working directory and in the user config directory, and a missing
// file is not an error.
func ReadFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName("croissant")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "croissant"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Backend = strings.ToLower(cfg.Backend)
	cfg.Direction = strings.ToLower(cfg.Direction)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (got %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// YAML renders c as a config file with the API key masked.
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.OpenAIKey != "" {
		out.OpenAIKey = "********"
	}
	return yaml.Marshal(&out)
}
