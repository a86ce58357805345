package pricing

import (
	"math"
	"testing"
	"time"

	"github.com/energomat/energomat/internal/config"
)

func twoZonePolicy() config.TariffPolicy {
	return config.TariffPolicy{
		Kind:                    "two_zone",
		ZoneSurcharges:          map[string]float64{"peak": 0.35, "offpeak": 0.18},
		ServiceChargePLNKWh:     0.09,
		MinimumPriceFloorPLNKWh: 0.05,
	}
}

// Thursday 2026-01-15 in Warsaw.
func weekdayAt(hour int) time.Time {
	loc, _ := time.LoadLocation("Europe/Warsaw")
	return time.Date(2026, 1, 15, hour, 0, 0, 0, loc)
}

func TestEffectivePriceTwoZoneBoundaries(t *testing.T) {
	loc, _ := time.LoadLocation("Europe/Warsaw")
	calc := NewTariffCalculator(twoZonePolicy(), loc)

	cases := []struct {
		hour int
		want float64
	}{
		{5, 500.0/1000 + 0.18 + 0.09},  // before day zone
		{6, 500.0/1000 + 0.35 + 0.09},  // day zone opens
		{12, 500.0/1000 + 0.35 + 0.09}, // last day-zone hour of the morning block
		{13, 500.0/1000 + 0.18 + 0.09}, // midday dip
		{15, 500.0/1000 + 0.35 + 0.09}, // afternoon block opens
		{21, 500.0/1000 + 0.35 + 0.09}, // last hour of the afternoon block
		{22, 500.0/1000 + 0.18 + 0.09}, // night
	}
	for _, c := range cases {
		got, err := calc.EffectivePrice(500, weekdayAt(c.hour), "")
		if err != nil {
			t.Fatalf("hour %d: %v", c.hour, err)
		}
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("hour %d: got %.4f, want %.4f", c.hour, got, c.want)
		}
	}
}

func TestEffectivePriceWeekendIsOffPeak(t *testing.T) {
	loc, _ := time.LoadLocation("Europe/Warsaw")
	calc := NewTariffCalculator(twoZonePolicy(), loc)

	saturdayNoon := time.Date(2026, 1, 17, 12, 0, 0, 0, loc)
	got, err := calc.EffectivePrice(500, saturdayNoon, "")
	if err != nil {
		t.Fatal(err)
	}
	want := 500.0/1000 + 0.18 + 0.09
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got %.4f, want %.4f", got, want)
	}
}

func TestEffectivePriceThreeZone(t *testing.T) {
	policy := config.TariffPolicy{
		Kind:           "three_zone",
		ZoneSurcharges: map[string]float64{"day": 0.30, "evening": 0.45, "night": 0.15},
	}
	loc, _ := time.LoadLocation("Europe/Warsaw")
	calc := NewTariffCalculator(policy, loc)

	cases := []struct {
		hour      int
		surcharge float64
	}{
		{8, 0.30},  // day
		{14, 0.15}, // gap between blocks counts as night
		{17, 0.45}, // evening
		{23, 0.15}, // night
	}
	for _, c := range cases {
		got, err := calc.EffectivePrice(400, weekdayAt(c.hour), "")
		if err != nil {
			t.Fatalf("hour %d: %v", c.hour, err)
		}
		want := 0.40 + c.surcharge
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("hour %d: got %.4f, want %.4f", c.hour, got, want)
		}
	}
}

func TestEffectivePricePolicySignal(t *testing.T) {
	policy := config.TariffPolicy{
		Kind:           "policy_signal",
		ZoneSurcharges: map[string]float64{"signal_high": 0.50, "signal_low": 0.10},
	}
	calc := NewTariffCalculator(policy, time.UTC)
	ts := weekdayAt(12)

	high, err := calc.EffectivePrice(300, ts, SignalHigh)
	if err != nil {
		t.Fatal(err)
	}
	low, err := calc.EffectivePrice(300, ts, "")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(high-0.80) > 1e-9 || math.Abs(low-0.40) > 1e-9 {
		t.Errorf("high = %.4f, low = %.4f", high, low)
	}
}

func TestEffectivePriceAppliesFloor(t *testing.T) {
	calc := NewTariffCalculator(twoZonePolicy(), time.UTC)

	// Negative market prices happen on sunny weekends; the floor holds.
	got, err := calc.EffectivePrice(-400, weekdayAt(12), "")
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.05 {
		t.Errorf("got %.4f, want floor 0.05", got)
	}
}

func TestEffectivePriceRejectsInvalidInput(t *testing.T) {
	calc := NewTariffCalculator(twoZonePolicy(), time.UTC)

	if _, err := calc.EffectivePrice(math.NaN(), weekdayAt(12), ""); err == nil {
		t.Error("expected error for NaN price")
	}
	if _, err := calc.EffectivePrice(math.Inf(1), weekdayAt(12), ""); err == nil {
		t.Error("expected error for infinite price")
	}
	if _, err := calc.EffectivePrice(500, time.Time{}, ""); err == nil {
		t.Error("expected error for zero timestamp")
	}
}

func TestEffectivePriceDeterministic(t *testing.T) {
	calc := NewTariffCalculator(twoZonePolicy(), time.UTC)
	ts := weekdayAt(10)

	first, err := calc.EffectivePrice(623.45, ts, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		got, err := calc.EffectivePrice(623.45, ts, "")
		if err != nil {
			t.Fatal(err)
		}
		if got != first {
			t.Fatalf("iteration %d: got %v, want %v", i, got, first)
		}
	}
}
