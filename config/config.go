package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of marketd.
type Config struct {
	ListenAddress string      `yaml:"listen" toml:"ListenAddress"`
	DataDir       string      `yaml:"data_dir" toml:"DataDir"`
	Environment   string      `yaml:"environment" toml:"Environment"`
	Market        Market      `yaml:"market" toml:"market"`
	Custody       Custody     `yaml:"custody" toml:"custody"`
	Transfers     Transfers   `yaml:"transfers" toml:"transfers"`
	Auth          Auth        `yaml:"auth" toml:"auth"`
	RateLimit     RateLimit   `yaml:"rate_limit" toml:"rate_limit"`
	Idempotency   Idempotency `yaml:"idempotency" toml:"idempotency"`
	Logging       Logging     `yaml:"logging" toml:"logging"`
	Telemetry     Telemetry   `yaml:"telemetry" toml:"telemetry"`
}

// Load reads the configuration at path. Files ending in .toml use the TOML
// decoder; .yaml and .yml files use YAML.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		return nil, fmt.Errorf("config file %s: unsupported extension", path)
	}
	applyDefaults(cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./market-data"
	}
	if cfg.Market.NativeCurrency == "" {
		cfg.Market.NativeCurrency = "native"
	}
	if cfg.Market.UnitCost == "" {
		cfg.Market.UnitCost = "10000000000000000000000"
	}
	if cfg.Market.MinSurplus == "" {
		cfg.Market.MinSurplus = "1"
	}
	if cfg.Market.RoundingTolerance == "" {
		cfg.Market.RoundingTolerance = "1"
	}
	if cfg.Market.MaxRecipients <= 0 {
		cfg.Market.MaxRecipients = 10
	}
	if cfg.Custody.Timeout.Duration == 0 {
		cfg.Custody.Timeout.Duration = 30 * time.Second
	}
	if cfg.Transfers.Timeout.Duration == 0 {
		cfg.Transfers.Timeout.Duration = 15 * time.Second
	}
	if cfg.Custody.Endpoints == nil {
		cfg.Custody.Endpoints = Endpoints{}
	}
	if cfg.Transfers.Endpoints == nil {
		cfg.Transfers.Endpoints = Endpoints{}
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.Idempotency.Driver == "" {
		cfg.Idempotency.Driver = "sqlite"
	}
	if cfg.Idempotency.DSN == "" && cfg.Idempotency.Driver == "sqlite" {
		cfg.Idempotency.DSN = filepath.Join(cfg.DataDir, "idempotency.db")
	}
	if cfg.Idempotency.TTL.Duration == 0 {
		cfg.Idempotency.TTL.Duration = 24 * time.Hour
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
}

func (a *Auth) normalise() error {
	secret := strings.TrimSpace(a.HMACSecret)
	switch {
	case secret != "":
	case strings.TrimSpace(a.HMACSecretEnv) != "":
		secret = strings.TrimSpace(os.Getenv(strings.TrimSpace(a.HMACSecretEnv)))
		if secret == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
	case strings.TrimSpace(a.HMACSecretFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(a.HMACSecretFile))
		if err != nil {
			return fmt.Errorf("read hmac_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	a.HMACSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}

// LedgerPath is the location of the bbolt market state file.
func (c *Config) LedgerPath() string { return filepath.Join(c.DataDir, "market.db") }

// JournalPath is the location of the LevelDB event journal.
func (c *Config) JournalPath() string { return filepath.Join(c.DataDir, "journal") }
