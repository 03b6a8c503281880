package app

import (
	"errors"
	"fmt"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	GraphPath        string // hcl file or directory
	EngineConfigPath string // optional engine hcl file
	OutputDir        string // where output images are written

	Iterations int
	Async      bool

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	// Workers overrides the engine configuration when positive.
	Workers    int
	LogSinkURL string
}

// NewConfig validates cfg and fills in defaults.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.GraphPath == "" {
		return nil, errors.New("GraphPath is a required configuration field and cannot be empty")
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = 1
	}
	if cfg.Iterations < 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", cfg.Iterations)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("workers must not be negative, got %d", cfg.Workers)
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("invalid healthcheck port %d", cfg.HealthcheckPort)
	}
	return &cfg, nil
}
