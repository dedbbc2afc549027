package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config represents the complete configuration for the rover daemon.
type Config struct {
	Command   CommandConfig   `yaml:"command"`
	Motion    MotionConfig    `yaml:"motion"`
	Actuator  ActuatorConfig  `yaml:"actuator"`
	Audit     AuditConfig     `yaml:"audit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// CommandConfig holds command protocol server settings
type CommandConfig struct {
	ListenAddr       string   `yaml:"listen_addr"`
	AllowedCIDRs     []string `yaml:"allowed_cidrs"`
	MaxConnections   int      `yaml:"max_connections"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	CommandTimeoutMs int      `yaml:"command_timeout_ms"`
	QueueSize        int      `yaml:"queue_size"`
}

// MotionConfig holds differential drive settings
type MotionConfig struct {
	DefaultSpeed   float64 `yaml:"default_speed"`
	TurnMode       string  `yaml:"turn_mode"`        // pivot | spin
	PivotTurnRatio float64 `yaml:"pivot_turn_ratio"` // inner wheel fraction in pivot mode
	SpeedPolicy    string  `yaml:"speed_policy"`     // immediate | deferred
}

// ActuatorConfig selects and configures the wheel driver backend
type ActuatorConfig struct {
	Backend string       `yaml:"backend"` // fake | sysfs | serial
	Sysfs   SysfsConfig  `yaml:"sysfs"`
	Serial  SerialConfig `yaml:"serial"`
}

// SysfsConfig holds GPIO pin numbers for the sysfs backend
type SysfsConfig struct {
	LeftForward   int `yaml:"left_forward"`
	LeftBackward  int `yaml:"left_backward"`
	RightForward  int `yaml:"right_forward"`
	RightBackward int `yaml:"right_backward"`
	LeftEnable    int `yaml:"left_enable"`  // 0 disables
	RightEnable   int `yaml:"right_enable"` // 0 disables
}

// SerialConfig holds settings for a serial motor driver board
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// AuditConfig holds command history settings
type AuditConfig struct {
	Backend     string `yaml:"backend"` // json | sqlite
	HistoryFile string `yaml:"history_file"`
	MaxEntries  int    `yaml:"max_entries"`
}

// TelemetryConfig holds video stream settings
type TelemetryConfig struct {
	Enabled           bool       `yaml:"enabled"`
	Transport         string     `yaml:"transport"` // websocket | mqtt
	TargetFPS         float64    `yaml:"target_fps"`
	ReceiveTimeoutSec int        `yaml:"receive_timeout_sec"`
	FrameWidth        int        `yaml:"frame_width"`
	FrameHeight       int        `yaml:"frame_height"`
	JPEGQuality       int        `yaml:"jpeg_quality"`
	MQTT              MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig holds broker settings for the mqtt transport
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// APIConfig holds operator HTTP API settings
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	AuthSecret string `yaml:"auth_secret"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Journal    bool   `yaml:"journal"`
}

// IdleTimeout returns the per-connection idle deadline.
func (c CommandConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// CommandTimeout returns the deadline applied to one command exchange.
func (c CommandConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

// ReceiveTimeout returns the stall threshold for telemetry receivers.
func (t TelemetryConfig) ReceiveTimeout() time.Duration {
	return time.Duration(t.ReceiveTimeoutSec) * time.Second
}

// Load loads configuration from an optional YAML file and environment variables.
// An empty path falls back to ROVER_CONFIG; with neither set only defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("ROVER_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	// Override with environment variables
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Command: CommandConfig{
			ListenAddr:       ":5555",
			AllowedCIDRs:     []string{"0.0.0.0/0", "::/0"},
			MaxConnections:   8,
			IdleTimeoutSec:   300,
			CommandTimeoutMs: 2000,
			QueueSize:        16,
		},
		Motion: MotionConfig{
			DefaultSpeed:   0.7,
			TurnMode:       "pivot",
			PivotTurnRatio: 0.7,
			SpeedPolicy:    "immediate",
		},
		Actuator: ActuatorConfig{
			Backend: "fake",
			Sysfs: SysfsConfig{
				LeftForward:   12,
				LeftBackward:  13,
				RightForward:  19,
				RightBackward: 18,
			},
			Serial: SerialConfig{
				Port:     "/dev/ttyUSB0",
				BaudRate: 115200,
			},
		},
		Audit: AuditConfig{
			Backend:     "json",
			HistoryFile: "robot_command_history.json",
			MaxEntries:  1000,
		},
		Telemetry: TelemetryConfig{
			Enabled:           true,
			Transport:         "websocket",
			TargetFPS:         15,
			ReceiveTimeoutSec: 5,
			FrameWidth:        640,
			FrameHeight:       480,
			JPEGQuality:       80,
			MQTT: MQTTConfig{
				Broker:   "tcp://localhost:1883",
				Topic:    "rover/video",
				ClientID: "roverd",
			},
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.UnmarshalStrict(data, cfg)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ROVER_COMMAND_ADDR"); v != "" {
		cfg.Command.ListenAddr = v
	}
	if v := os.Getenv("ROVER_API_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("ROVER_HISTORY_FILE"); v != "" {
		cfg.Audit.HistoryFile = v
	}
	if v := os.Getenv("ROVER_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Audit.MaxEntries = n
		}
	}
	if v := os.Getenv("ROVER_AUDIT_BACKEND"); v != "" {
		cfg.Audit.Backend = v
	}
	if v := os.Getenv("ROVER_ACTUATOR"); v != "" {
		cfg.Actuator.Backend = v
	}
	if v := os.Getenv("ROVER_SERIAL_PORT"); v != "" {
		cfg.Actuator.Serial.Port = v
	}
	if v := os.Getenv("ROVER_TELEMETRY_TRANSPORT"); v != "" {
		cfg.Telemetry.Transport = v
	}
	if v := os.Getenv("ROVER_TARGET_FPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Telemetry.TargetFPS = f
		}
	}
	if v := os.Getenv("ROVER_MQTT_BROKER"); v != "" {
		cfg.Telemetry.MQTT.Broker = v
	}
	if v := os.Getenv("ROVER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ROVER_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("ROVER_AUTH_SECRET"); v != "" {
		cfg.API.AuthSecret = v
	}
}

// Validate checks the configuration for out-of-range or unknown values.
func Validate(cfg *Config) error {
	if cfg.Command.ListenAddr == "" {
		return fmt.Errorf("command listen address must be set")
	}
	for _, cidr := range cfg.Command.AllowedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid allowed CIDR %q: %w", cidr, err)
		}
	}
	if cfg.Command.MaxConnections < 1 {
		return fmt.Errorf("max connections %d must be at least 1", cfg.Command.MaxConnections)
	}
	if cfg.Command.IdleTimeoutSec <= 0 {
		return fmt.Errorf("idle timeout %d seconds must be positive", cfg.Command.IdleTimeoutSec)
	}
	if cfg.Command.CommandTimeoutMs <= 0 || cfg.Command.CommandTimeoutMs > 60000 {
		return fmt.Errorf("command timeout %dms is outside reasonable range [1, 60000]", cfg.Command.CommandTimeoutMs)
	}
	if cfg.Command.QueueSize < 1 {
		return fmt.Errorf("queue size %d must be at least 1", cfg.Command.QueueSize)
	}

	// Motion
	if !(cfg.Motion.DefaultSpeed >= 0.1 && cfg.Motion.DefaultSpeed <= 1.0) {
		return fmt.Errorf("default speed %v is outside [0.1, 1.0]", cfg.Motion.DefaultSpeed)
	}
	if !(cfg.Motion.PivotTurnRatio >= 0 && cfg.Motion.PivotTurnRatio <= 1.0) {
		return fmt.Errorf("pivot turn ratio %v is outside [0, 1]", cfg.Motion.PivotTurnRatio)
	}
	if !contains([]string{"pivot", "spin"}, cfg.Motion.TurnMode) {
		return fmt.Errorf("invalid turn mode %s, must be one of: pivot, spin", cfg.Motion.TurnMode)
	}
	if !contains([]string{"immediate", "deferred"}, cfg.Motion.SpeedPolicy) {
		return fmt.Errorf("invalid speed policy %s, must be one of: immediate, deferred", cfg.Motion.SpeedPolicy)
	}

	// Actuator
	switch cfg.Actuator.Backend {
	case "fake":
	case "sysfs":
		if err := validatePins(cfg.Actuator.Sysfs); err != nil {
			return err
		}
	case "serial":
		if cfg.Actuator.Serial.Port == "" {
			return fmt.Errorf("serial actuator requires a port")
		}
		if cfg.Actuator.Serial.BaudRate <= 0 {
			return fmt.Errorf("invalid serial baud rate %d", cfg.Actuator.Serial.BaudRate)
		}
	default:
		return fmt.Errorf("invalid actuator backend %s, must be one of: fake, sysfs, serial", cfg.Actuator.Backend)
	}

	// Audit
	if !contains([]string{"json", "sqlite"}, cfg.Audit.Backend) {
		return fmt.Errorf("invalid audit backend %s, must be one of: json, sqlite", cfg.Audit.Backend)
	}
	if cfg.Audit.HistoryFile == "" {
		return fmt.Errorf("history file must be set")
	}
	if cfg.Audit.MaxEntries < 1 {
		return fmt.Errorf("max entries %d must be at least 1", cfg.Audit.MaxEntries)
	}

	// Telemetry
	if !contains([]string{"websocket", "mqtt"}, cfg.Telemetry.Transport) {
		return fmt.Errorf("invalid telemetry transport %s, must be one of: websocket, mqtt", cfg.Telemetry.Transport)
	}
	if !(cfg.Telemetry.TargetFPS > 0 && cfg.Telemetry.TargetFPS <= 60) {
		return fmt.Errorf("target fps %v is outside reasonable range (0, 60]", cfg.Telemetry.TargetFPS)
	}
	if cfg.Telemetry.ReceiveTimeoutSec <= 0 {
		return fmt.Errorf("receive timeout %d seconds must be positive", cfg.Telemetry.ReceiveTimeoutSec)
	}
	if cfg.Telemetry.FrameWidth <= 0 || cfg.Telemetry.FrameHeight <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", cfg.Telemetry.FrameWidth, cfg.Telemetry.FrameHeight)
	}
	if cfg.Telemetry.JPEGQuality < 1 || cfg.Telemetry.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality %d is outside [1, 100]", cfg.Telemetry.JPEGQuality)
	}
	if cfg.Telemetry.Transport == "mqtt" && (cfg.Telemetry.MQTT.Broker == "" || cfg.Telemetry.MQTT.Topic == "") {
		return fmt.Errorf("mqtt transport requires broker and topic")
	}

	// Logging
	if !contains([]string{"debug", "info", "warn", "error"}, cfg.Log.Level) {
		return fmt.Errorf("invalid log level %s, must be one of: debug, info, warn, error", cfg.Log.Level)
	}

	return nil
}

// validatePins rejects missing or shared GPIO assignments.
func validatePins(p SysfsConfig) error {
	seen := make(map[int]string)
	pins := []struct {
		name string
		pin  int
		opt  bool
	}{
		{"leftForward", p.LeftForward, false},
		{"leftBackward", p.LeftBackward, false},
		{"rightForward", p.RightForward, false},
		{"rightBackward", p.RightBackward, false},
		{"leftEnable", p.LeftEnable, true},
		{"rightEnable", p.RightEnable, true},
	}
	for _, entry := range pins {
		if entry.opt && entry.pin == 0 {
			continue
		}
		if entry.pin <= 0 {
			return fmt.Errorf("invalid gpio pin %d for %s", entry.pin, entry.name)
		}
		if other, ok := seen[entry.pin]; ok {
			return fmt.Errorf("gpio pin %d assigned to both %s and %s", entry.pin, other, entry.name)
		}
		seen[entry.pin] = entry.name
	}
	return nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
