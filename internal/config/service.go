package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vzahanych/firewatch/internal/logger"
)

// Service provides configuration management with environment variable support
type Service struct {
	config     *Config
	configPath string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// NewService loads, overrides from the environment and validates the configuration
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Service{
		config:     cfg,
		configPath: configPath,
		logger:     log,
	}, nil
}

// Get returns the current configuration
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Reload reloads the configuration from file and notifies watchers
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldConfig := s.config

	newConfig, err := Load(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	applyEnvOverrides(newConfig)
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid reloaded configuration: %w", err)
	}

	s.config = newConfig

	for _, watcher := range s.watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// applyEnvOverrides applies FIREWATCH_* environment variables on top of the file
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("FIREWATCH_DATA_DIR"); val != "" {
		cfg.Firewatch.DataDir = val
	}

	if val := os.Getenv("FIREWATCH_PREDICT_ENDPOINT"); val != "" {
		cfg.Predict.Endpoint = val
	}
	if val := os.Getenv("FIREWATCH_PREDICT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Predict.Timeout = d
		}
	}

	if val := os.Getenv("FIREWATCH_CAPTURE_SOURCE"); val != "" {
		cfg.Capture.Source = strings.ToLower(val)
	}
	if val := os.Getenv("FIREWATCH_CAPTURE_DEVICE_ID"); val != "" {
		if id, err := strconv.Atoi(val); err == nil {
			cfg.Capture.DeviceID = id
		}
	}
	if val := os.Getenv("FIREWATCH_CAPTURE_INPUT"); val != "" {
		cfg.Capture.Input = val
	}
	if val := os.Getenv("FIREWATCH_SESSION_EMAIL"); val != "" {
		cfg.Capture.SessionEmail = val
	}

	if val := os.Getenv("FIREWATCH_WEB_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Web.Port = port
		}
	}

	if val := os.Getenv("FIREWATCH_MQTT_ENABLED"); val != "" {
		cfg.Notify.MQTT.Enabled = GetEnvBool("FIREWATCH_MQTT_ENABLED", false)
	}
	if val := os.Getenv("FIREWATCH_MQTT_BROKER"); val != "" {
		cfg.Notify.MQTT.Broker = val
	}
	if val := os.Getenv("FIREWATCH_MQTT_PASSWORD"); val != "" {
		cfg.Notify.MQTT.Password = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		cfg.Log.Output = val
	}
}

// GetEnvBool gets a boolean environment variable
func GetEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes" || val == "on"
}
