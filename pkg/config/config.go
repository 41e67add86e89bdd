// Package config loads and validates the daemon's YAML configuration
// and translates it into the kernel configuration and I/O handler
// selection.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"loconetd/pkg/loconet"
	"loconetd/pkg/serial"
)

// Config is the daemon configuration file.
type Config struct {
	Interface InterfaceConfig `yaml:"interface"`
	LocoNet   LocoNetConfig   `yaml:"loconet"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Log       LogConfig       `yaml:"log"`
}

// InterfaceConfig selects and parameterizes the I/O handler.
type InterfaceConfig struct {
	// Type is one of: locobuffer, dr5000, serial, tcp, lbserver,
	// simulation.
	Type string `yaml:"type"`

	// Device is the serial device path for serial types.
	Device string `yaml:"device"`

	// Address is host:port for tcp and lbserver types.
	Address string `yaml:"address"`

	// Baud overrides the preset baud rate for type serial.
	Baud int `yaml:"baud"`

	// FlowControl enables CTS/RTS handshaking for type serial.
	FlowControl bool `yaml:"flow_control"`
}

// LocoNetConfig carries the kernel options.
type LocoNetConfig struct {
	Debug                  bool `yaml:"debug"`
	ListenOnly             bool `yaml:"listen_only"`
	FastClockMaster        bool `yaml:"fast_clock_master"`
	FastClockSyncIntervalS int  `yaml:"fast_clock_sync_interval_s"`
	FastClockAckCycles     int  `yaml:"fast_clock_ack_cycles"`
	EchoTimeoutMs          int  `yaml:"echo_timeout_ms"`
	ResponseTimeoutMs      int  `yaml:"response_timeout_ms"`
}

// MonitorConfig configures the diagnostic HTTP server.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the interface selection and value ranges.
func (c *Config) Validate() error {
	switch c.Interface.Type {
	case "locobuffer", "dr5000":
		if c.Interface.Device == "" {
			return fmt.Errorf("config: interface type %q requires device", c.Interface.Type)
		}
	case "serial":
		if c.Interface.Device == "" {
			return fmt.Errorf("config: interface type serial requires device")
		}
		if c.Interface.Baud < 0 {
			return fmt.Errorf("config: invalid baud %d", c.Interface.Baud)
		}
	case "tcp", "lbserver":
		if c.Interface.Address == "" {
			return fmt.Errorf("config: interface type %q requires address", c.Interface.Type)
		}
	case "simulation":
	case "":
		return fmt.Errorf("config: interface type required")
	default:
		return fmt.Errorf("config: unknown interface type %q", c.Interface.Type)
	}

	if c.LocoNet.EchoTimeoutMs < 0 || c.LocoNet.ResponseTimeoutMs < 0 ||
		c.LocoNet.FastClockSyncIntervalS < 0 || c.LocoNet.FastClockAckCycles < 0 {
		return fmt.Errorf("config: loconet timing values must not be negative")
	}

	if c.Monitor.Enabled && c.Monitor.Address == "" {
		return fmt.Errorf("config: monitor enabled but no address")
	}

	return nil
}

// KernelConfig translates the file values into the kernel snapshot;
// zero values fall back to kernel defaults.
func (c *Config) KernelConfig() loconet.Config {
	cfg := loconet.DefaultConfig()
	cfg.Debug = c.LocoNet.Debug
	cfg.ListenOnly = c.LocoNet.ListenOnly
	cfg.FastClockMaster = c.LocoNet.FastClockMaster
	if c.LocoNet.FastClockSyncIntervalS > 0 {
		cfg.FastClockSyncInterval = time.Duration(c.LocoNet.FastClockSyncIntervalS) * time.Second
	}
	if c.LocoNet.FastClockAckCycles > 0 {
		cfg.FastClockAckCycles = c.LocoNet.FastClockAckCycles
	}
	if c.LocoNet.EchoTimeoutMs > 0 {
		cfg.EchoTimeout = time.Duration(c.LocoNet.EchoTimeoutMs) * time.Millisecond
	}
	if c.LocoNet.ResponseTimeoutMs > 0 {
		cfg.ResponseTimeout = time.Duration(c.LocoNet.ResponseTimeoutMs) * time.Millisecond
	}
	return cfg
}

// IOHandlerFactory builds the handler factory for the selected
// interface.
func (c *Config) IOHandlerFactory() (loconet.IOHandlerFactory, error) {
	switch c.Interface.Type {
	case "locobuffer":
		return loconet.NewLocoBufferIOHandler(c.Interface.Device), nil
	case "dr5000":
		return loconet.NewDR5000IOHandler(c.Interface.Device), nil
	case "serial":
		cfg := serial.DefaultConfig()
		cfg.Device = c.Interface.Device
		if c.Interface.Baud > 0 {
			cfg.BaudRate = c.Interface.Baud
		}
		cfg.FlowControl = c.Interface.FlowControl
		return loconet.NewSerialIOHandler(cfg), nil
	case "tcp":
		return loconet.NewTCPBinaryIOHandler(c.Interface.Address), nil
	case "lbserver":
		return loconet.NewLBServerIOHandler(c.Interface.Address), nil
	case "simulation":
		return loconet.NewSimulationIOHandler(), nil
	}
	return nil, fmt.Errorf("config: unknown interface type %q", c.Interface.Type)
}
