package config

import (
	"fmt"
	"math/big"
	"net/url"
	"strings"

	nativecommon "bazaar/native/common"
	"bazaar/native/market"
)

// MinSecretLength is the shortest HMAC secret accepted for token signing.
var MinSecretLength = 32

// Validate checks a loaded configuration for consistency.
func Validate(cfg *Config) error {
	if _, err := cfg.MarketParams(); err != nil {
		return err
	}
	if len(cfg.Auth.HMACSecret) < MinSecretLength {
		return fmt.Errorf("auth: hmac secret must be at least %d bytes", MinSecretLength)
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	switch cfg.Idempotency.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("idempotency: unsupported driver %q", cfg.Idempotency.Driver)
	}
	if strings.TrimSpace(cfg.Idempotency.DSN) == "" {
		return fmt.Errorf("idempotency: dsn required")
	}
	for name, endpoints := range map[string]Endpoints{"custody": cfg.Custody.Endpoints, "transfers": cfg.Transfers.Endpoints} {
		for id, raw := range endpoints {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("%s: endpoint for %s must be an absolute URL", name, id)
			}
		}
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	return nil
}

func parseUintAmount(field, raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("market: %s must be a non-negative integer, got %q", field, raw)
	}
	return value, nil
}

// MarketParams converts the market section into engine parameters.
func (c *Config) MarketParams() (market.Params, error) {
	m := c.Market
	unit, err := parseUintAmount("unit_cost", m.UnitCost)
	if err != nil {
		return market.Params{}, err
	}
	if unit.Sign() == 0 {
		return market.Params{}, fmt.Errorf("market: unit_cost must be positive")
	}
	surplus, err := parseUintAmount("min_surplus", m.MinSurplus)
	if err != nil {
		return market.Params{}, err
	}
	tolerance, err := parseUintAmount("rounding_tolerance", m.RoundingTolerance)
	if err != nil {
		return market.Params{}, err
	}
	native, err := market.NormalizeCurrency(m.NativeCurrency)
	if err != nil {
		return market.Params{}, fmt.Errorf("market: native_currency: %w", err)
	}
	return market.Params{
		NativeCurrency:    native,
		UnitCost:          unit,
		MinSurplus:        surplus,
		RoundingTolerance: tolerance,
		MaxRecipients:     m.MaxRecipients,
		Operator:          strings.TrimSpace(m.Operator),
	}, nil
}

// Pauses returns the pause view derived from the market section.
func (c *Config) Pauses() nativecommon.StaticPauses {
	return nativecommon.StaticPauses{market.ModuleName: c.Market.Paused}
}
