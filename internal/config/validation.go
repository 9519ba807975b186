package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	if c.Firewatch.DataDir == "" {
		errors = append(errors, "firewatch.data_dir is required")
	}
	if c.Firewatch.HistoryRetention < 0 {
		errors = append(errors, fmt.Sprintf("firewatch.history_retention must be >= 0, got: %v", c.Firewatch.HistoryRetention))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	if c.Predict.Endpoint == "" {
		errors = append(errors, "predict.endpoint is required")
	} else if u, err := url.Parse(c.Predict.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, fmt.Sprintf("predict.endpoint must be an absolute URL, got: %s", c.Predict.Endpoint))
	}
	if c.Predict.Timeout <= 0 {
		errors = append(errors, fmt.Sprintf("predict.timeout must be > 0, got: %v", c.Predict.Timeout))
	}

	switch c.Capture.Source {
	case SourceWebcam:
		if c.Capture.DeviceID < 0 {
			errors = append(errors, fmt.Sprintf("capture.device_id must be >= 0, got: %d", c.Capture.DeviceID))
		}
	case SourceFFmpeg:
		if c.Capture.Input == "" {
			errors = append(errors, "capture.input is required when capture.source is ffmpeg")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid capture.source: %s (must be: %s or %s)", c.Capture.Source, SourceWebcam, SourceFFmpeg))
	}
	if c.Capture.RefreshRate <= 0 || c.Capture.RefreshRate > 240 {
		errors = append(errors, fmt.Sprintf("capture.refresh_rate must be in (0, 240], got: %.2f", c.Capture.RefreshRate))
	}
	if c.Capture.SubmitEvery <= 0 {
		errors = append(errors, fmt.Sprintf("capture.submit_every must be > 0, got: %d", c.Capture.SubmitEvery))
	}
	if c.Capture.MaxWidth < 0 {
		errors = append(errors, fmt.Sprintf("capture.max_width must be >= 0, got: %d", c.Capture.MaxWidth))
	}

	if c.Upload.MaxSize <= 0 {
		errors = append(errors, fmt.Sprintf("upload.max_size must be > 0, got: %d", c.Upload.MaxSize))
	}
	if c.Upload.PreviewTTL <= 0 {
		errors = append(errors, fmt.Sprintf("upload.preview_ttl must be > 0, got: %v", c.Upload.PreviewTTL))
	}
	if c.Upload.PreviewDir == "" {
		errors = append(errors, "upload.preview_dir is required")
	} else if filepath.Clean(c.Upload.PreviewDir) == "/" {
		errors = append(errors, "upload.preview_dir must not be the filesystem root")
	}

	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		errors = append(errors, fmt.Sprintf("web.port must be between 1 and 65535, got: %d", c.Web.Port))
	}
	if c.Health.Port <= 0 || c.Health.Port > 65535 {
		errors = append(errors, fmt.Sprintf("health.port must be between 1 and 65535, got: %d", c.Health.Port))
	}
	if c.Web.Enabled && c.Health.Port == c.Web.Port {
		errors = append(errors, fmt.Sprintf("health.port and web.port must differ, both are %d", c.Web.Port))
	}

	if c.Notify.MQTT.Enabled {
		if c.Notify.MQTT.Broker == "" {
			errors = append(errors, "notify.mqtt.broker is required when mqtt is enabled")
		}
		if c.Notify.MQTT.Topic == "" {
			errors = append(errors, "notify.mqtt.topic is required when mqtt is enabled")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
