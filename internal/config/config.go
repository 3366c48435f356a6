package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultHost           = "127.0.0.1"
	defaultPort           = 8080
	defaultEngineURL      = "http://127.0.0.1:11434"
	defaultModel          = "llama3.2"
	defaultTimeoutSeconds = 120
	defaultKeepAlive      = "5m"
	defaultMaxConcurrent  = 1
)

// Config represents the application configuration parsed from YAML,
// with environment variables taking precedence over file values.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Host string `yaml:"host" env:"CHATBRIDGE_HOST"`
	Port int    `yaml:"port" env:"CHATBRIDGE_PORT"`
}

// EngineConfig describes the local generation engine runtime.
type EngineConfig struct {
	BaseURL        string `yaml:"base_url" env:"CHATBRIDGE_ENGINE_URL"`
	Model          string `yaml:"model" env:"CHATBRIDGE_MODEL"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"CHATBRIDGE_ENGINE_TIMEOUT"`
	KeepAlive      string `yaml:"keep_alive"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
}

// Timeout returns the engine request timeout as a duration.
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Default returns the built-in configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: defaultHost,
			Port: defaultPort,
		},
		Engine: EngineConfig{
			BaseURL:        defaultEngineURL,
			Model:          defaultModel,
			TimeoutSeconds: defaultTimeoutSeconds,
			KeepAlive:      defaultKeepAlive,
			MaxConcurrent:  defaultMaxConcurrent,
		},
	}
}

// Load reads YAML configuration from disk, applies environment overrides and
// validates the result. An unreadable or absent file is not an error: the
// defaults are used and fromFile reports false so the caller can warn about
// it. A file that exists but fails to parse or validate is a hard error.
func Load(path string) (cfg Config, fromFile bool, err error) {
	cfg = Default()

	if path != "" {
		absPath, pathErr := filepath.Abs(path)
		if pathErr == nil {
			if data, readErr := os.ReadFile(absPath); readErr == nil {
				if err := yaml.Unmarshal(data, &cfg); err != nil {
					return Config{}, false, fmt.Errorf("parse config file %q: %w", absPath, err)
				}
				fromFile = true
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, false, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, fromFile, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return errors.New("server.host must not be empty")
	}

	engine := c.Engine
	baseURL := strings.TrimSpace(engine.BaseURL)
	if baseURL == "" {
		return errors.New("engine.base_url must not be empty")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return fmt.Errorf("engine.base_url must be an http(s) URL, got %q", baseURL)
	}
	if strings.TrimSpace(engine.Model) == "" {
		return errors.New("engine.model must not be empty")
	}
	if engine.TimeoutSeconds <= 0 {
		return fmt.Errorf("engine.timeout_seconds must be positive, got %d", engine.TimeoutSeconds)
	}
	if engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be at least 1, got %d", engine.MaxConcurrent)
	}
	if engine.KeepAlive != "" {
		if _, err := time.ParseDuration(engine.KeepAlive); err != nil {
			return fmt.Errorf("engine.keep_alive %q is not a valid duration: %w", engine.KeepAlive, err)
		}
	}

	return nil
}
