// Package config loads the application configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"finesse/pkg/device"
)

const (
	DefaultPort          = 8090
	DefaultDiscoveryPort = 32228
	DefaultDatabase      = "finesse.db"
)

type Config struct {
	Server      ServerConfig    `yaml:"server"`
	Database    string          `yaml:"database"`
	EventLog    string          `yaml:"event_log"`
	HardwareSet string          `yaml:"hardware_set"`
	Sequencer   SequencerConfig `yaml:"sequencer"`
	Debug       bool            `yaml:"debug"`
}

type ServerConfig struct {
	Port      int             `yaml:"port"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type DiscoveryConfig struct {
	Disabled bool   `yaml:"disabled"`
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
}

// SequencerConfig names the instances driven by measure scripts, e.g.
// "stepper_motor".
type SequencerConfig struct {
	Motor        string `yaml:"motor"`
	Spectrometer string `yaml:"spectrometer"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads the YAML file at path. Missing values take their defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Discovery.Address == "" {
		c.Server.Discovery.Address = "0.0.0.0"
	}
	if c.Server.Discovery.Port == 0 {
		c.Server.Discovery.Port = DefaultDiscoveryPort
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Sequencer.Motor == "" {
		c.Sequencer.Motor = device.StepperMotor.Name
	}
	if c.Sequencer.Spectrometer == "" {
		c.Sequencer.Spectrometer = device.Spectrometer.Name
	}
}

// Validate checks the configuration after defaults and command-line
// overrides have been applied.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.Discovery.Port < 1 || c.Server.Discovery.Port > 65535 {
		return fmt.Errorf("server.discovery.port %d is out of range", c.Server.Discovery.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if _, err := device.ParseInstanceRef(c.Sequencer.Motor); err != nil {
		return fmt.Errorf("sequencer.motor: %w", err)
	}
	if _, err := device.ParseInstanceRef(c.Sequencer.Spectrometer); err != nil {
		return fmt.Errorf("sequencer.spectrometer: %w", err)
	}
	return nil
}

// Devices returns the motor and spectrometer instances for the sequencer.
func (c *Config) Devices() (motor, spectrometer device.InstanceRef, err error) {
	if motor, err = device.ParseInstanceRef(c.Sequencer.Motor); err != nil {
		return
	}
	spectrometer, err = device.ParseInstanceRef(c.Sequencer.Spectrometer)
	return
}
