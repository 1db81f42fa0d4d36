package mealgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Allowance Allowance     `yaml:"allowance"`
	Window    time.Duration `yaml:"window"`

	// ChargeFailedEstimations keeps an image estimation spent when the
	// gateway call fails.
	ChargeFailedEstimations bool `yaml:"charge_failed_estimations"`

	// Timezone defines day boundaries for statistics (IANA name).
	Timezone string        `yaml:"timezone"`
	Gateway  GatewayConfig `yaml:"gateway"`
}

// GatewayConfig configures the OpenAI-compatible AI gateway.
type GatewayConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	ChatModel   string `yaml:"chat_model"`
	VisionModel string `yaml:"vision_model"`
}

// DefaultConfig returns the canonical free-tier configuration.
func DefaultConfig() Config {
	return Config{
		Allowance: DefaultAllowance,
		Window:    DefaultWindow,
		Timezone:  "UTC",
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("mealgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("mealgate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for consistency.
func (c Config) Validate() error {
	if c.Allowance.ImageEstimations < 0 {
		return fmt.Errorf("mealgate: config: allowance.image_estimations must not be negative")
	}
	if c.Allowance.AssistantTokens < 0 {
		return fmt.Errorf("mealgate: config: allowance.assistant_tokens must not be negative")
	}
	if c.Window <= 0 {
		return fmt.Errorf("mealgate: config: window must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone; empty means UTC.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("mealgate: config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// LedgerOptions returns the ledger options this config implies.
func (c Config) LedgerOptions() []LedgerOption {
	return []LedgerOption{WithAllowance(c.Allowance), WithWindow(c.Window)}
}
