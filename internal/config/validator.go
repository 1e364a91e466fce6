package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Receiver defaults match a HackRF-class device tuned to the 2.4 GHz ISM band.
const (
	defaultFrequencyHz   = 2_400_000_000
	defaultSampleRateHz  = 2_000_000
	defaultBandwidthHz   = 1_750_000
	defaultLNAGainDB     = 32
	defaultVGAGainDB     = 24
	defaultQueueCapacity = 100
)

// Validate checks the configuration and fills in defaults in place.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":8080"
	}

	if err := validateDevice(&cfg.Device); err != nil {
		return err
	}
	if err := validateMQTT(cfg); err != nil {
		return err
	}

	if cfg.Queue.Capacity < 0 {
		return fmt.Errorf("queue.capacity must be >= 0")
	}
	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = defaultQueueCapacity
	}

	return nil
}

func validateDevice(d *DeviceConfig) error {
	if d.Driver == "" {
		d.Driver = "sim"
	}
	if d.CenterFrequencyHz == 0 {
		d.CenterFrequencyHz = defaultFrequencyHz
	}
	if d.SampleRateHz == 0 {
		d.SampleRateHz = defaultSampleRateHz
	}
	if d.FilterBandwidthHz == 0 {
		d.FilterBandwidthHz = defaultBandwidthHz
	}
	if d.LNAGainDB == 0 {
		d.LNAGainDB = defaultLNAGainDB
	}
	if d.VGAGainDB == 0 {
		d.VGAGainDB = defaultVGAGainDB
	}

	// Gain ranges and step sizes come from the receiver's RX chain.
	if d.LNAGainDB > 40 || d.LNAGainDB%8 != 0 {
		return fmt.Errorf("device.lna_gain_db must be 0-40 in 8 dB steps, got %d", d.LNAGainDB)
	}
	if d.VGAGainDB > 62 || d.VGAGainDB%2 != 0 {
		return fmt.Errorf("device.vga_gain_db must be 0-62 in 2 dB steps, got %d", d.VGAGainDB)
	}
	return nil
}

func validateMQTT(cfg *Config) error {
	m := &cfg.MQTT

	if m.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if m.KeepaliveS <= 0 {
		m.KeepaliveS = 60
	}
	if m.ConnectTimeoutS <= 0 {
		m.ConnectTimeoutS = 5
	}
	if m.DisconnectGraceS <= 0 {
		m.DisconnectGraceS = 30
	}

	// Topics derive from the instance ID when not set explicitly.
	if m.Topics.Data == "" {
		m.Topics.Data = fmt.Sprintf("sdr/iq/%s", cfg.InstanceID)
	}
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("sdr/control/%s", cfg.InstanceID)
	}
	if m.Topics.Status == "" {
		m.Topics.Status = fmt.Sprintf("sdr/status/%s", cfg.InstanceID)
	}

	if m.QoS == nil {
		m.QoS = map[string]byte{
			"data":    0,
			"control": 1,
			"status":  0,
		}
	}
	for name, qos := range m.QoS {
		if qos > 2 {
			return fmt.Errorf("mqtt.qos.%s must be 0-2, got %d", name, qos)
		}
	}

	return nil
}
