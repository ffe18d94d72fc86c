package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-beamctl/control"
)

// Config is the device file.
type Config struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one machine. Durations use time.ParseDuration syntax.
type DeviceConfig struct {
	Name               string `yaml:"name"`
	URL                string `yaml:"url"`
	AuxURL             string `yaml:"aux_url"`
	Token              string `yaml:"token"`
	RawProtocolVersion int    `yaml:"raw_protocol_version"`
	ConnectTimeout     string `yaml:"connect_timeout"`
	CommandTimeout     string `yaml:"command_timeout"`
	LineCheckResends   int    `yaml:"line_check_resend_limit"`
}

// LoadConfig reads and validates the device file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes a device file.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse device file: %w", err)
	}

	if len(cfg.Devices) == 0 {
		return nil, errors.New("device file lists no devices")
	}

	seen := make(map[string]struct{}, len(cfg.Devices))
	for i, dev := range cfg.Devices {
		if dev.Name == "" {
			return nil, fmt.Errorf("device #%d: name is required", i+1)
		}
		if dev.URL == "" {
			return nil, fmt.Errorf("device %q: url is required", dev.Name)
		}
		if _, dup := seen[dev.Name]; dup {
			return nil, fmt.Errorf("device %q: duplicate name", dev.Name)
		}
		seen[dev.Name] = struct{}{}
	}

	return &cfg, nil
}

// Device returns the device called name, or the first device when name is empty.
func (c *Config) Device(name string) (*DeviceConfig, error) {
	if name == "" {
		return &c.Devices[0], nil
	}

	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i], nil
		}
	}

	return nil, fmt.Errorf("device %q not found", name)
}

// SessionOptions converts the device settings into session options.
func (d *DeviceConfig) SessionOptions() ([]control.SessionOption, error) {
	var opts []control.SessionOption

	if d.Token != "" {
		opts = append(opts, control.WithAuthToken(d.Token))
	}
	if d.RawProtocolVersion != 0 {
		opts = append(opts, control.WithRawProtocolVersion(d.RawProtocolVersion))
	}
	if d.LineCheckResends != 0 {
		opts = append(opts, control.WithLineCheckResendLimit(d.LineCheckResends))
	}

	for _, dur := range []struct {
		field string
		value string
		opt   func(time.Duration) control.SessionOption
	}{
		{field: "connect_timeout", value: d.ConnectTimeout, opt: control.WithConnectTimeout},
		{field: "command_timeout", value: d.CommandTimeout, opt: control.WithCommandTimeout},
	} {
		if dur.value == "" {
			continue
		}

		v, err := time.ParseDuration(dur.value)
		if err != nil {
			return nil, fmt.Errorf("device %q: %s: %w", d.Name, dur.field, err)
		}
		opts = append(opts, dur.opt(v))
	}

	// reject invalid values before dialing
	if _, err := control.NewSessionConfig(opts...); err != nil {
		return nil, fmt.Errorf("device %q: %w", d.Name, err)
	}

	return opts, nil
}
