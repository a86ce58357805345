// Package pricing contains the effective-price calculation, the day-ahead
// price curve model and the adaptive price thresholds that the decision
// engines read.
package pricing

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/energomat/energomat/internal/config"
)

// PolicySignal is the optional grid operator signal used by the
// policy-signal-driven tariff kind.
type PolicySignal string

const (
	SignalHigh PolicySignal = "high"
	SignalLow  PolicySignal = "low"
)

// TariffCalculator converts a raw market price into the effective end-user
// price by applying time-of-use zone surcharges, the fixed service charge
// and the regulatory floor. It is deterministic and does no I/O.
type TariffCalculator struct {
	policy config.TariffPolicy
	loc    *time.Location
}

// NewTariffCalculator creates a calculator for the given tariff policy.
// Zone hours are evaluated in loc.
func NewTariffCalculator(policy config.TariffPolicy, loc *time.Location) *TariffCalculator {
	if loc == nil {
		loc = time.UTC
	}
	return &TariffCalculator{policy: policy, loc: loc}
}

// EffectivePrice returns the effective price in PLN/kWh for a market price
// quoted in PLN/MWh at the given instant. signal may be empty except for the
// policy-signal tariff kind, where an empty signal selects the low zone.
func (t *TariffCalculator) EffectivePrice(marketPLNMWh float64, ts time.Time, signal PolicySignal) (float64, error) {
	if math.IsNaN(marketPLNMWh) || math.IsInf(marketPLNMWh, 0) {
		return 0, fmt.Errorf("invalid input: market price %v", marketPLNMWh)
	}
	if ts.IsZero() {
		return 0, fmt.Errorf("invalid input: zero timestamp")
	}

	zone, err := t.zoneFor(ts.In(t.loc), signal)
	if err != nil {
		return 0, err
	}

	// PLN/MWh -> PLN/kWh, then additive components. Decimal keeps the
	// surcharge addition exact; tariff components are published with
	// 4 decimal places.
	price := decimal.NewFromFloat(marketPLNMWh).Div(decimal.NewFromInt(1000))
	price = price.Add(decimal.NewFromFloat(t.policy.ZoneSurcharges[zone]))
	price = price.Add(decimal.NewFromFloat(t.policy.ServiceChargePLNKWh))

	floor := decimal.NewFromFloat(t.policy.MinimumPriceFloorPLNKWh)
	if price.LessThan(floor) {
		price = floor
	}
	return price.InexactFloat64(), nil
}

// zoneFor selects the surcharge zone for a local timestamp. Weekends collapse
// to the off-peak zone for the two- and three-zone kinds.
func (t *TariffCalculator) zoneFor(local time.Time, signal PolicySignal) (string, error) {
	weekend := local.Weekday() == time.Saturday || local.Weekday() == time.Sunday
	hour := local.Hour()

	switch t.policy.Kind {
	case "flat":
		return "flat", nil

	case "two_zone":
		// G12-style split: day zone 06-13 and 15-22, off-peak otherwise.
		if weekend {
			return "offpeak", nil
		}
		if (hour >= 6 && hour < 13) || (hour >= 15 && hour < 22) {
			return "peak", nil
		}
		return "offpeak", nil

	case "three_zone":
		// G13-style split: morning day zone, evening peak, night otherwise.
		if weekend {
			return "night", nil
		}
		switch {
		case hour >= 7 && hour < 13:
			return "day", nil
		case hour >= 16 && hour < 21:
			return "evening", nil
		default:
			return "night", nil
		}

	case "policy_signal":
		if signal == SignalHigh {
			return "signal_high", nil
		}
		return "signal_low", nil

	default:
		return "", fmt.Errorf("invalid input: unknown tariff kind %q", t.policy.Kind)
	}
}
