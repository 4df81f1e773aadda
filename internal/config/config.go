// Package config loads and validates the TOML configuration file driving the
// collector: the set of chains to monitor, the database location, the metrics
// endpoint and the optional status feed. Runtime tuning that does not belong
// in the file (log level, telemetry toggle) comes from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/chainpulse/chainpulse/internal/pkg/validator"
)

// CometBFT RPC generations the decoder understands.
const (
	CometVersion0_34 = "0.34"
	CometVersion0_37 = "0.37"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Chain describes a single CometBFT node to follow.
type Chain struct {
	// URL is the WebSocket RPC endpoint, e.g. "wss://rpc.example.com/websocket".
	URL string `toml:"url" validate:"required,url"`

	// CometVersion selects the RPC wire generation. Defaults to "0.34".
	CometVersion string `toml:"comet_version" validate:"oneof=0.34 0.37"`
}

// Database holds the SQLite settings.
type Database struct {
	// Path is the database file location.
	Path string `toml:"path" validate:"required"`
}

// Metrics configures the Prometheus endpoint and the derived-metric jobs.
type Metrics struct {
	Enabled         bool `toml:"enabled"`
	Port            int  `toml:"port" validate:"min=1,max=65535"`
	PopulateOnStart bool `toml:"populate_on_start"`

	// StuckPackets toggles the periodic store-based stuck packet sweep.
	StuckPackets         bool     `toml:"stuck_packets"`
	StuckPacketsInterval Duration `toml:"stuck_packets_interval"`
}

// StatusFeed configures the optional external IBC status poller.
type StatusFeed struct {
	Enabled  bool     `toml:"enabled"`
	URL      string   `toml:"url" validate:"omitempty,url"`
	Interval Duration `toml:"interval"`
}

// Config is the root of the TOML configuration file.
type Config struct {
	Chains     map[string]Chain `toml:"chains" validate:"required,min=1,dive"`
	Database   Database         `toml:"database"`
	Metrics    Metrics          `toml:"metrics"`
	StatusFeed StatusFeed       `toml:"status_feed"`
}

// defaultStatusFeedURL is the public Osmosis IBC status API.
const defaultStatusFeedURL = "https://api-osmosis.imperator.co/ibc/v1/raw"

func defaults() Config {
	return Config{
		Metrics: Metrics{
			Enabled:              true,
			Port:                 3000,
			StuckPackets:         true,
			StuckPacketsInterval: Duration(60 * time.Second),
		},
		StatusFeed: StatusFeed{
			URL:      defaultStatusFeedURL,
			Interval: Duration(60 * time.Second),
		},
	}
}

// Load reads the TOML file at path, fills in defaults, and validates the
// result. Chains missing a comet_version get "0.34".
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	for id, chain := range cfg.Chains {
		if chain.CometVersion == "" {
			chain.CometVersion = CometVersion0_34
			cfg.Chains[id] = chain
		}
	}

	if err := validator.Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Env carries runtime settings taken from the environment rather than the
// configuration file.
type Env struct {
	// LogLevel is the minimum level emitted by the logger.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// OtelEnabled turns on the OpenTelemetry exporters.
	OtelEnabled bool `envconfig:"OTEL_ENABLED" default:"false"`
}

// LoadEnv reads the CHAINPULSE_* environment variables.
func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("chainpulse", &env); err != nil {
		return Env{}, fmt.Errorf("processing environment: %w", err)
	}

	return env, nil
}
