package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "5s" in YAML and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := string(text)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Market carries the economic parameters of the settlement engine. Amounts are
// decimal strings in base units of the native currency.
type Market struct {
	NativeCurrency    string   `yaml:"native_currency" toml:"NativeCurrency"`
	Currencies        []string `yaml:"currencies" toml:"Currencies"`
	UnitCost          string   `yaml:"unit_cost" toml:"UnitCost"`
	MinSurplus        string   `yaml:"min_surplus" toml:"MinSurplus"`
	RoundingTolerance string   `yaml:"rounding_tolerance" toml:"RoundingTolerance"`
	MaxRecipients     int      `yaml:"max_recipients" toml:"MaxRecipients"`
	Operator          string   `yaml:"operator" toml:"Operator"`
	Paused            bool     `yaml:"paused" toml:"Paused"`
}

// Endpoints map a custodian or currency identifier to the base URL of the
// service that answers for it.
type Endpoints map[string]string

// Custody configures the outbound custody client.
type Custody struct {
	Endpoints Endpoints `yaml:"endpoints" toml:"Endpoints"`
	Timeout   Duration  `yaml:"timeout" toml:"Timeout"`
}

// Transfers configures the outbound currency service clients.
type Transfers struct {
	Endpoints Endpoints `yaml:"endpoints" toml:"Endpoints"`
	Timeout   Duration  `yaml:"timeout" toml:"Timeout"`
}

// Auth configures bearer token verification. The secret may be given inline,
// read from a file or taken from an environment variable.
type Auth struct {
	HMACSecret     string `yaml:"hmac_secret" toml:"HMACSecret"`
	HMACSecretFile string `yaml:"hmac_secret_file" toml:"HMACSecretFile"`
	HMACSecretEnv  string `yaml:"hmac_secret_env" toml:"HMACSecretEnv"`
	Issuer         string `yaml:"issuer" toml:"Issuer"`
	Audience       string `yaml:"audience" toml:"Audience"`
}

// RateLimit bounds requests per authenticated principal.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"rps" toml:"RequestsPerSecond"`
	Burst             int     `yaml:"burst" toml:"Burst"`
}

// Idempotency selects the database backing Idempotency-Key replay.
type Idempotency struct {
	Driver string   `yaml:"driver" toml:"Driver"`
	DSN    string   `yaml:"dsn" toml:"DSN"`
	TTL    Duration `yaml:"ttl" toml:"TTL"`
}

// Logging mirrors logging.Options.
type Logging struct {
	Level      string `yaml:"level" toml:"Level"`
	File       string `yaml:"file" toml:"File"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"MaxSizeMB"`
	MaxBackups int    `yaml:"max_backups" toml:"MaxBackups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"MaxAgeDays"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint    string  `yaml:"endpoint" toml:"Endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"Insecure"`
	Headers     string  `yaml:"headers" toml:"Headers"`
	Traces      bool    `yaml:"traces" toml:"Traces"`
	Metrics     bool    `yaml:"metrics" toml:"Metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"SampleRatio"`
}
