// Package config loads the spoptimize TOML configuration.
//
// A file only needs the keys it changes; everything else keeps the value
// from Default. Unknown keys are rejected so typos do not pass silently.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	AWS  AWSConfig  `toml:"aws"`
	Spot SpotConfig `toml:"spot"`
	OTEL OTELConfig `toml:"otel"`
	Log  LogConfig  `toml:"log"`
}

// AWSConfig selects the account and region requests go to.
type AWSConfig struct {
	Region  string `toml:"region"`
	Profile string `toml:"profile"`
}

// SpotConfig holds placement defaults and how the wait command polls.
type SpotConfig struct {
	AvailabilityZone string   `toml:"availability_zone"`
	SubnetID         string   `toml:"subnet_id"`
	PollInterval     Duration `toml:"poll_interval"`
	Timeout          Duration `toml:"timeout"`
}

// OTELConfig holds OpenTelemetry export settings. Nothing is exported
// without an endpoint.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is given. Region is
// left empty.
func Default() *Config {
	return &Config{
		Spot: SpotConfig{
			PollInterval: Duration{15 * time.Second},
			Timeout:      Duration{10 * time.Minute},
		},
		OTEL: OTELConfig{
			ServiceName: "spoptimize",
			Traces:      TracesConfig{SampleRate: 1.0},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load decodes the file at path over Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error
	if c.AWS.Region == "" {
		errs = append(errs, errors.New("aws.region required"))
	}
	if c.Spot.PollInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("spot.poll_interval must be positive, got %v", c.Spot.PollInterval))
	}
	if c.Spot.Timeout.Duration < c.Spot.PollInterval.Duration {
		errs = append(errs, fmt.Errorf("spot.timeout %v is shorter than spot.poll_interval %v", c.Spot.Timeout, c.Spot.PollInterval))
	}
	if rate := c.OTEL.Traces.SampleRate; rate < 0 || rate > 1 {
		errs = append(errs, fmt.Errorf("otel.traces.sample_rate must be within [0, 1], got %v", rate))
	}
	return errors.Join(errs...)
}
