// Package config loads and validates the bridge configuration. The loaded
// Config is an immutable snapshot: components receive it at construction and
// never write to it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete bridge configuration.
type Config struct {
	InstanceID       string       `yaml:"instance_id"`
	LogLevel         string       `yaml:"log_level"`          // DEBUG, INFO, WARN, ERROR
	ShutdownTimeoutS int          `yaml:"shutdown_timeout_s"` // graceful shutdown bound (default 5)
	MetricsAddr      string       `yaml:"metrics_addr"`       // health + metrics HTTP listen address
	Device           DeviceConfig `yaml:"device"`
	MQTT             MQTTConfig   `yaml:"mqtt"`
	Queue            QueueConfig  `yaml:"queue"`
}

// DeviceConfig contains receiver settings.
type DeviceConfig struct {
	Driver            string `yaml:"driver"` // "sim" is the only in-tree driver
	BufferBytes       int    `yaml:"buffer_bytes"`
	CenterFrequencyHz uint64 `yaml:"center_frequency_hz"`
	SampleRateHz      uint32 `yaml:"sample_rate_hz"`
	FilterBandwidthHz uint32 `yaml:"filter_bandwidth_hz"`
	LNAGainDB         uint32 `yaml:"lna_gain_db"`
	VGAGainDB         uint32 `yaml:"vga_gain_db"`
}

// MQTTConfig contains broker settings.
type MQTTConfig struct {
	Broker           string          `yaml:"broker"` // host:port
	Username         string          `yaml:"username"`
	Password         string          `yaml:"password"`
	KeepaliveS       int             `yaml:"keepalive_s"`
	ConnectTimeoutS  int             `yaml:"connect_timeout_s"`
	DisconnectGraceS int             `yaml:"disconnect_grace_s"` // continuous disconnect after which the bridge exits
	Topics           MQTTTopics      `yaml:"topics"`
	QoS              map[string]byte `yaml:"qos"`
}

// MQTTTopics contains the topics the bridge publishes and listens on.
type MQTTTopics struct {
	Data    string `yaml:"data"`
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
}

// QueueConfig contains the handoff queue settings.
type QueueConfig struct {
	Capacity int `yaml:"capacity"` // 0 = unbounded (test configs only)
}

// Load reads and parses a YAML configuration file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
