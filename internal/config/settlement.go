package config

import (
	"fmt"

	"github.com/alanyoungcy/legchain/internal/money"
)

// PriceCapMicro returns the price cap in micro-units. It must lie in (0, 1).
func (s SettlementConfig) PriceCapMicro() (int64, error) {
	v, err := money.Parse(s.PriceCap)
	if err != nil {
		return 0, fmt.Errorf("price_cap: %w", err)
	}
	if v <= 0 || v >= money.Scale {
		return 0, fmt.Errorf("price_cap must be between 0 and 1 exclusive, got %s", s.PriceCap)
	}
	return v, nil
}

// DustMicro returns the minimum fee worth collecting, in micro-units.
func (f FeeConfig) DustMicro() (int64, error) {
	v, err := money.Parse(f.DustThreshold)
	if err != nil {
		return 0, fmt.Errorf("dust_threshold: %w", err)
	}
	if v < 0 {
		return 0, fmt.Errorf("dust_threshold must not be negative, got %s", f.DustThreshold)
	}
	return v, nil
}

// MinStakeMicro returns the minimum position stake in micro-units.
func (s ServerConfig) MinStakeMicro() (int64, error) {
	v, err := money.Parse(s.MinStake)
	if err != nil {
		return 0, fmt.Errorf("min_stake: %w", err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("min_stake must be positive, got %s", s.MinStake)
	}
	return v, nil
}
