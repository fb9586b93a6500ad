package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/vk/mediagrid/internal/registry"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	GraphPath string // description file or directory
	// UpdatePaths are update documents applied in order once the graph runs.
	UpdatePaths []string
	UpdateDelay time.Duration

	LogFormat       string
	LogLevel        string
	HealthcheckPort int

	QueueCapacity int
	DrainTimeout  time.Duration
	FaultPolicy   string

	// ProgressDecoder and ProgressEncoder name the nodes whose frames feed
	// the progress tracker. Empty disables tracking.
	ProgressDecoder string
	ProgressEncoder string
}

// NewConfig validates cfg and returns a copy.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.GraphPath == "" {
		return nil, errors.New("GraphPath is a required configuration field and cannot be empty")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
	if cfg.QueueCapacity < 0 {
		return nil, errors.New("queue capacity must not be negative")
	}
	if cfg.DrainTimeout < 0 || cfg.UpdateDelay < 0 {
		return nil, errors.New("durations must not be negative")
	}
	if cfg.FaultPolicy != "" {
		if _, err := registry.ParseFaultPolicy(cfg.FaultPolicy); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
