// Package config centralises runtime configuration for relay deployments.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings contains the relay configuration tree loaded from defaults and
// overrides.
type Settings struct {
	// ClaimDuration is how long a scheduled entry stays claimed before the
	// recovery sweep may re-emit it. Must exceed worst-case publish-to-confirm
	// latency.
	ClaimDuration time.Duration `yaml:"claimDuration"`
	// DelayOnExc is the default outbox retry delay for handlers registered
	// without an explicit one.
	DelayOnExc time.Duration   `yaml:"delayOnExc"`
	Streams    StreamConfig    `yaml:"streams"`
	AMQP       AMQPConfig      `yaml:"amqp"`
	Postgres   PostgresConfig  `yaml:"postgres"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

// StreamConfig sizes the in-memory channels between scheduler and broker.
type StreamConfig struct {
	PayloadBuffer      int `yaml:"payloadBuffer"`
	ConfirmationBuffer int `yaml:"confirmationBuffer"`
}

// AMQPConfig declares broker connectivity for the AMQP adapter.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// PostgresConfig declares store connectivity for the postgres adapter.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	PoolSize int    `yaml:"poolSize"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Default returns the default relay configuration.
func Default() Settings {
	return Settings{
		ClaimDuration: 30 * time.Second,
		DelayOnExc:    time.Second,
		Streams: StreamConfig{
			PayloadBuffer:      64,
			ConfirmationBuffer: 64,
		},
		AMQP: AMQPConfig{
			URL:      "",
			Exchange: "relay.events",
			Queue:    "relay",
			Prefetch: 32,
		},
		Postgres: PostgresConfig{
			DSN:      "",
			PoolSize: 8,
		},
		Telemetry: TelemetryConfig{OTLPEndpoint: "", ServiceName: "relay"},
	}
}

// Load reads settings from the YAML file at path, layered over Default.
func Load(path string) (Settings, error) {
	settings := Default()

	file, err := os.Open(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&settings); err != nil {
		return Settings{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate checks the invariants the library depends on.
func (s Settings) Validate() error {
	if s.ClaimDuration <= 0 {
		return fmt.Errorf("config: claimDuration must be positive, got %s", s.ClaimDuration)
	}
	if s.DelayOnExc <= 0 {
		return fmt.Errorf("config: delayOnExc must be positive, got %s", s.DelayOnExc)
	}
	if s.Streams.PayloadBuffer < 0 || s.Streams.ConfirmationBuffer < 0 {
		return fmt.Errorf("config: stream buffers must not be negative")
	}
	if url := strings.TrimSpace(s.AMQP.URL); url != "" {
		if strings.TrimSpace(s.AMQP.Exchange) == "" || strings.TrimSpace(s.AMQP.Queue) == "" {
			return fmt.Errorf("config: amqp exchange and queue are required when url is set")
		}
	}
	return nil
}
