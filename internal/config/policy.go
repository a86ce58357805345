package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy bundles every engine tunable. It is loaded from a YAML file at
// startup and re-read on SIGHUP; the coordinator swaps the whole record
// atomically so a tick never sees a half-applied reload.
type Policy struct {
	Tariff     TariffPolicy     `yaml:"tariff"`
	Thresholds ThresholdsPolicy `yaml:"thresholds"`
	Battery    BatteryPolicy    `yaml:"battery"`
	Charging   ChargingPolicy   `yaml:"charging"`
	Selling    SellingPolicy    `yaml:"selling"`
}

// TariffPolicy configures the effective-price calculation.
type TariffPolicy struct {
	// Kind is one of "flat", "two_zone", "three_zone", "policy_signal".
	Kind string `yaml:"kind"`
	// ZoneSurcharges maps zone name to the additive distribution cost
	// in PLN/kWh. Recognised zones: "peak", "offpeak", "day", "evening",
	// "night", "flat", "signal_high", "signal_low".
	ZoneSurcharges map[string]float64 `yaml:"zone_surcharges"`
	// ServiceChargePLNKWh is always added.
	ServiceChargePLNKWh float64 `yaml:"service_charge_pln_kwh"`
	// MinimumPriceFloorPLNKWh is the regulatory floor.
	MinimumPriceFloorPLNKWh float64 `yaml:"minimum_price_floor_pln_kwh"`
}

// ThresholdsPolicy configures the adaptive threshold engine.
type ThresholdsPolicy struct {
	PercentileHigh     float64 `yaml:"percentile_high"`
	PercentileCritical float64 `yaml:"percentile_critical"`
	// SeasonalMultipliers keyed by "winter", "spring", "summer", "autumn".
	SeasonalMultipliers map[string]float64 `yaml:"seasonal_multipliers"`
	MinHighPLNKWh       float64            `yaml:"min_high_pln_kwh"`
	MaxHighPLNKWh       float64            `yaml:"max_high_pln_kwh"`
	MinCriticalPLNKWh   float64            `yaml:"min_critical_pln_kwh"`
	MaxCriticalPLNKWh   float64            `yaml:"max_critical_pln_kwh"`
	FallbackHighPLNKWh  float64            `yaml:"fallback_high_pln_kwh"`
	FallbackCritPLNKWh  float64            `yaml:"fallback_critical_pln_kwh"`
	MinSamples          int                `yaml:"min_samples"`
	UpdateIntervalHours float64            `yaml:"update_interval_hours"`
	BufferDays          int                `yaml:"buffer_days"`
}

// BatteryPolicy describes the physical plant.
type BatteryPolicy struct {
	CapacityKWh         float64 `yaml:"capacity_kwh"`
	ChargePowerW        int     `yaml:"charge_power_w"`
	SellPowerW          int     `yaml:"sell_power_w"`
	ChargeEfficiency    float64 `yaml:"charge_efficiency"`
	DischargeEfficiency float64 `yaml:"discharge_efficiency"`
}

// ChargingPolicy configures the charging decision engine (the 4-tier ladder).
type ChargingPolicy struct {
	EmergencySOC float64 `yaml:"emergency_soc"`
	CriticalSOC  float64 `yaml:"critical_soc"`
	TargetSOC    float64 `yaml:"target_soc"`
	NearFullSOC  float64 `yaml:"near_full_soc"`

	// Smart critical sub-policy.
	MinPriceSavingsPercent float64 `yaml:"min_price_savings_percent"`
	PVImprovementMinSOC    float64 `yaml:"pv_improvement_min_soc"`

	// Multi-window evaluation.
	EvaluationHorizonHours  float64 `yaml:"evaluation_horizon_hours"`
	NetBenefitThresholdPLN  float64 `yaml:"net_benefit_threshold_pln"`
	FallbackLoadW           float64 `yaml:"fallback_load_w"`
	CommitmentMarginMinutes int     `yaml:"commitment_margin_minutes"`

	// Session protection.
	ProtectionBuffer float64 `yaml:"protection_buffer"`

	// Preventive partial charging.
	PreventiveMinSOC           float64 `yaml:"preventive_min_soc"`
	PreventiveMaxSOC           float64 `yaml:"preventive_max_soc"`
	PreventiveMinHighHours     float64 `yaml:"preventive_min_high_hours"`
	PreventiveCriticalForecast float64 `yaml:"preventive_critical_soc_forecast"`
	MinPartialChargeKWh        float64 `yaml:"min_partial_charge_kwh"`
	MaxPartialSessionsPerDay   int     `yaml:"max_partial_sessions_per_day"`
	LedgerResetHour            int     `yaml:"ledger_reset_hour"`

	// Normal tier hysteresis.
	HysteresisEnabled    bool    `yaml:"hysteresis_enabled"`
	NormalStartSOC       float64 `yaml:"normal_start_soc"`
	NormalStopSOC        float64 `yaml:"normal_stop_soc"`
	EntryPricePercentile float64 `yaml:"entry_price_percentile"`
	MinSessionMinutes    int     `yaml:"min_session_minutes"`
	MinDischargeDepth    float64 `yaml:"min_discharge_depth"`
	MaxSessionsPerDay    int     `yaml:"max_sessions_per_day"`
	NormalTierSOC        float64 `yaml:"normal_tier_soc"`
}

// SellingPolicy configures the selling decision engine.
type SellingPolicy struct {
	MinSOCDefault       float64 `yaml:"min_soc_default"`
	DynamicThresholds   bool    `yaml:"dynamic_thresholds"`
	EmergencyPricePLN   float64 `yaml:"emergency_price_pln_kwh"`
	RevenueFactor       float64 `yaml:"revenue_factor"`
	MaxDailyCycles      int     `yaml:"max_daily_cycles"`
	MaxSOCDropPerSess   float64 `yaml:"max_soc_drop_per_session"`
	MaxSOCDropPerDay    float64 `yaml:"max_soc_drop_per_day"`
	PeakHourStart       int     `yaml:"peak_hour_start"`
	PeakHourEnd         int     `yaml:"peak_hour_end"`
	NightHourStart      int     `yaml:"night_hour_start"`
	NightHourEnd        int     `yaml:"night_hour_end"`
	EveningMargin       float64 `yaml:"evening_margin_soc"`
	AggressiveMargin    float64 `yaml:"aggressive_margin_soc"`
	ModerateMargin      float64 `yaml:"moderate_margin_soc"`
	AggressiveMinConf   float64 `yaml:"aggressive_min_confidence"`
	PeakImprovement     float64 `yaml:"peak_improvement"`
	PeakLookaheadHours  float64 `yaml:"peak_lookahead_hours"`
	MinPeakConfidence   float64 `yaml:"min_peak_confidence"`
	RechargeRatio       float64 `yaml:"recharge_ratio"`
	RechargeLookaheadH  float64 `yaml:"recharge_lookahead_hours"`
	BuyBackSafetyFactor float64 `yaml:"buyback_safety_factor"`
	BuyBackCostRatio    float64 `yaml:"buyback_cost_ratio"`
	DeficitBlockRatio   float64 `yaml:"deficit_block_ratio"`
}

// DefaultPolicy returns the built-in defaults; the YAML file overrides them.
func DefaultPolicy() Policy {
	return Policy{
		Tariff: TariffPolicy{
			Kind: "two_zone",
			ZoneSurcharges: map[string]float64{
				"peak":    0.35,
				"offpeak": 0.18,
			},
			ServiceChargePLNKWh:     0.09,
			MinimumPriceFloorPLNKWh: 0.05,
		},
		Thresholds: ThresholdsPolicy{
			PercentileHigh:     75,
			PercentileCritical: 25,
			SeasonalMultipliers: map[string]float64{
				"winter": 1.10,
				"spring": 1.00,
				"summer": 0.95,
				"autumn": 1.05,
			},
			MinHighPLNKWh:       0.60,
			MaxHighPLNKWh:       2.50,
			MinCriticalPLNKWh:   0.25,
			MaxCriticalPLNKWh:   1.20,
			FallbackHighPLNKWh:  1.10,
			FallbackCritPLNKWh:  0.55,
			MinSamples:          48,
			UpdateIntervalHours: 3,
			BufferDays:          30,
		},
		Battery: BatteryPolicy{
			CapacityKWh:         10.0,
			ChargePowerW:        3000,
			SellPowerW:          3000,
			ChargeEfficiency:    0.95,
			DischargeEfficiency: 0.90,
		},
		Charging: ChargingPolicy{
			EmergencySOC:               5,
			CriticalSOC:                12,
			TargetSOC:                  80,
			NearFullSOC:                90,
			MinPriceSavingsPercent:     30,
			PVImprovementMinSOC:        8,
			EvaluationHorizonHours:     12,
			NetBenefitThresholdPLN:     0.10,
			FallbackLoadW:              800,
			CommitmentMarginMinutes:    30,
			ProtectionBuffer:           0.10,
			PreventiveMinSOC:           30,
			PreventiveMaxSOC:           60,
			PreventiveMinHighHours:     3,
			PreventiveCriticalForecast: 15,
			MinPartialChargeKWh:        1.0,
			MaxPartialSessionsPerDay:   4,
			LedgerResetHour:            6,
			HysteresisEnabled:          true,
			NormalStartSOC:             85,
			NormalStopSOC:              95,
			EntryPricePercentile:       40,
			MinSessionMinutes:          30,
			MinDischargeDepth:          10,
			MaxSessionsPerDay:          4,
			NormalTierSOC:              50,
		},
		Selling: SellingPolicy{
			MinSOCDefault:       80,
			DynamicThresholds:   true,
			EmergencyPricePLN:   1.50,
			RevenueFactor:       1.0,
			MaxDailyCycles:      2,
			MaxSOCDropPerSess:   20,
			MaxSOCDropPerDay:    40,
			PeakHourStart:       17,
			PeakHourEnd:         21,
			NightHourStart:      22,
			NightHourEnd:        6,
			EveningMargin:       55,
			AggressiveMargin:    48,
			ModerateMargin:      50,
			AggressiveMinConf:   0.8,
			PeakImprovement:     0.10,
			PeakLookaheadHours:  6,
			MinPeakConfidence:   0.6,
			RechargeRatio:       0.7,
			RechargeLookaheadH:  12,
			BuyBackSafetyFactor: 1.25,
			BuyBackCostRatio:    1.5,
			DeficitBlockRatio:   0.5,
		},
	}
}

// LoadPolicy reads the YAML policy file on top of the defaults. A missing
// file is not an error: the defaults apply.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate rejects out-of-range values that would make the engines misbehave.
func (p Policy) Validate() error {
	switch p.Tariff.Kind {
	case "flat", "two_zone", "three_zone", "policy_signal":
	default:
		return fmt.Errorf("invalid input: unknown tariff kind %q", p.Tariff.Kind)
	}
	if p.Charging.EmergencySOC < 0 || p.Charging.EmergencySOC > 100 {
		return fmt.Errorf("invalid input: emergency_soc %.1f out of range", p.Charging.EmergencySOC)
	}
	if p.Charging.CriticalSOC < p.Charging.EmergencySOC {
		return fmt.Errorf("invalid input: critical_soc %.1f below emergency_soc %.1f",
			p.Charging.CriticalSOC, p.Charging.EmergencySOC)
	}
	if p.Charging.NormalStopSOC < p.Charging.NormalStartSOC {
		return fmt.Errorf("invalid input: normal_stop_soc %.1f below normal_start_soc %.1f",
			p.Charging.NormalStopSOC, p.Charging.NormalStartSOC)
	}
	if p.Battery.CapacityKWh <= 0 {
		return fmt.Errorf("invalid input: battery capacity must be positive")
	}
	if p.Selling.MaxSOCDropPerDay < p.Selling.MaxSOCDropPerSess {
		return fmt.Errorf("invalid input: max_soc_drop_per_day %.1f below per-session cap %.1f",
			p.Selling.MaxSOCDropPerDay, p.Selling.MaxSOCDropPerSess)
	}
	return nil
}
