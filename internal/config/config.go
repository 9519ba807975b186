package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Firewatch FirewatchConfig `yaml:"firewatch"`
	Predict   PredictConfig   `yaml:"predict"`
	Capture   CaptureConfig   `yaml:"capture"`
	Upload    UploadConfig    `yaml:"upload"`
	Web       WebConfig       `yaml:"web"`
	Health    HealthConfig    `yaml:"health"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log,omitempty"`
}

// FirewatchConfig contains process-wide settings
type FirewatchConfig struct {
	DataDir          string        `yaml:"data_dir"`
	HistoryRetention time.Duration `yaml:"history_retention"` // 0 keeps prediction history forever
}

// PredictConfig describes the remote prediction endpoint
type PredictConfig struct {
	Endpoint string        `yaml:"endpoint"` // base URL, /api/predict is appended
	Timeout  time.Duration `yaml:"timeout"`
}

// Source kinds for the live capture loop
const (
	SourceWebcam = "webcam" // local device through OpenCV
	SourceFFmpeg = "ffmpeg" // any ffmpeg input (v4l2 device, RTSP URL, file)
)

// CaptureConfig contains live capture loop configuration
type CaptureConfig struct {
	Source       string  `yaml:"source"`
	DeviceID     int     `yaml:"device_id"`     // webcam source
	Input        string  `yaml:"input"`         // ffmpeg source
	InputFormat  string  `yaml:"input_format"`  // optional ffmpeg -f, e.g. v4l2
	RefreshRate  float64 `yaml:"refresh_rate"`  // ticks per second
	SubmitEvery  int     `yaml:"submit_every"`  // submit when frame count is a multiple
	MaxWidth     int     `yaml:"max_width"`     // 0 keeps native resolution
	SessionEmail string  `yaml:"session_email"` // seeds the persisted session identity
	DevicesDir   string  `yaml:"devices_dir"`   // where video device nodes live
}

// UploadConfig contains upload form configuration
type UploadConfig struct {
	MaxSize    int64         `yaml:"max_size"`
	PreviewTTL time.Duration `yaml:"preview_ttl"`
	PreviewDir string        `yaml:"preview_dir"`
}

// WebConfig contains web server configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// HealthConfig contains health endpoint configuration
type HealthConfig struct {
	Port int `yaml:"port"`
}

// NotifyConfig contains fire alert publishing configuration
type NotifyConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // tcp://host:port
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"` // never logged
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// getDefaultConfigPath returns the first configuration file that exists
func getDefaultConfigPath() string {
	paths := []string{
		"./config/firewatch.dev.yaml",
		"./config/firewatch.yaml",
		"../config/firewatch.yaml",
		"/etc/firewatch/firewatch.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Firewatch.DataDir == "" {
		c.Firewatch.DataDir = "./data"
	}

	if c.Predict.Endpoint == "" {
		c.Predict.Endpoint = "http://localhost:1311"
	}
	if c.Predict.Timeout == 0 {
		c.Predict.Timeout = 30 * time.Second
	}

	if c.Capture.Source == "" {
		c.Capture.Source = SourceWebcam
	}
	if c.Capture.RefreshRate == 0 {
		c.Capture.RefreshRate = 60
	}
	if c.Capture.SubmitEvery == 0 {
		c.Capture.SubmitEvery = 5
	}
	if c.Capture.DevicesDir == "" {
		c.Capture.DevicesDir = "/dev"
	}

	if c.Upload.MaxSize == 0 {
		c.Upload.MaxSize = 200 << 20
	}
	if c.Upload.PreviewTTL == 0 {
		c.Upload.PreviewTTL = 30 * time.Minute
	}
	if c.Upload.PreviewDir == "" {
		c.Upload.PreviewDir = filepath.Join(c.Firewatch.DataDir, "previews")
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 3000
		c.Web.Enabled = true
	}

	if c.Health.Port == 0 {
		c.Health.Port = 8080
	}

	if c.Notify.MQTT.Topic == "" {
		c.Notify.MQTT.Topic = "firewatch/alerts"
	}
	if c.Notify.MQTT.ClientID == "" {
		c.Notify.MQTT.ClientID = "firewatch"
	}
}

// DatabasePath returns the location of the local SQLite database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Firewatch.DataDir, "db", "firewatch.db")
}
