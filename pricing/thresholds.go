package pricing

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/energomat/energomat/internal/config"
)

// Thresholds are the published adaptive price thresholds. Invariant:
// CriticalChargePLNKWh <= HighPricePLNKWh.
type Thresholds struct {
	HighPricePLNKWh      float64   `json:"high_price_pln_kwh"`
	CriticalChargePLNKWh float64   `json:"critical_charge_price_pln_kwh"`
	ComputedAt           time.Time `json:"computed_at"`
	SampleCount          int       `json:"sample_count"`
}

// ThresholdEngine maintains a rolling window of observed effective prices
// and derives the high-price and critical-charging thresholds from seasonal
// percentiles. Published thresholds are swapped atomically so readers never
// take a lock.
type ThresholdEngine struct {
	mu      sync.Mutex
	policy  config.ThresholdsPolicy
	samples map[time.Time]float64
	last    time.Time
	lastLog time.Time
	current atomic.Pointer[Thresholds]
	nowFunc func() time.Time
}

// NewThresholdEngine creates an engine publishing the configured fallback
// thresholds until enough samples accumulate.
func NewThresholdEngine(policy config.ThresholdsPolicy) *ThresholdEngine {
	e := &ThresholdEngine{
		policy:  policy,
		samples: make(map[time.Time]float64),
		nowFunc: time.Now,
	}
	e.current.Store(&Thresholds{
		HighPricePLNKWh:      policy.FallbackHighPLNKWh,
		CriticalChargePLNKWh: policy.FallbackCritPLNKWh,
	})
	return e
}

// SetClock sets the clock for tests. Not safe for concurrent use; call
// before the engine is shared.
func (e *ThresholdEngine) SetClock(fn func() time.Time) { e.nowFunc = fn }

// Reconfigure swaps the policy; the next refresh uses the new values.
func (e *ThresholdEngine) Reconfigure(policy config.ThresholdsPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy
}

// Current returns the published thresholds. Lock-free.
func (e *ThresholdEngine) Current() Thresholds { return *e.current.Load() }

// HighPriceThreshold returns the published high-price threshold.
func (e *ThresholdEngine) HighPriceThreshold() float64 {
	return e.current.Load().HighPricePLNKWh
}

// CriticalChargeThreshold returns the published critical-charging threshold.
func (e *ThresholdEngine) CriticalChargeThreshold() float64 {
	return e.current.Load().CriticalChargePLNKWh
}

// Observe feeds effective price points into the rolling buffer. Duplicate
// timestamps overwrite; points older than the buffer window are evicted.
func (e *ThresholdEngine) Observe(points []PricePoint) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range points {
		e.samples[p.Timestamp] = p.EffectivePLNKWh
	}

	days := e.policy.BufferDays
	if days <= 0 {
		days = 30
	}
	cutoff := e.nowFunc().Add(-time.Duration(days) * 24 * time.Hour)
	for ts := range e.samples {
		if ts.Before(cutoff) {
			delete(e.samples, ts)
		}
	}
}

// Refresh recomputes and publishes both thresholds iff enough samples exist
// and the previous refresh is older than the update interval. Returns true
// when new thresholds were published. Never returns an error: on
// insufficient samples the previous (or fallback) thresholds stay in effect.
func (e *ThresholdEngine) Refresh() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowFunc()
	interval := time.Duration(e.policy.UpdateIntervalHours * float64(time.Hour))
	if interval <= 0 {
		interval = 3 * time.Hour
	}
	if !e.last.IsZero() && now.Sub(e.last) < interval {
		return false
	}

	minSamples := e.policy.MinSamples
	if minSamples <= 0 {
		minSamples = 48
	}
	if len(e.samples) < minSamples {
		// Log once per interval, not on every call.
		if now.Sub(e.lastLog) >= interval {
			slog.Info("not enough price samples for adaptive thresholds, keeping previous",
				"samples", len(e.samples), "min_samples", minSamples)
			e.lastLog = now
		}
		return false
	}

	values := make([]float64, 0, len(e.samples))
	for _, v := range e.samples {
		values = append(values, v)
	}

	mult := e.seasonalMultiplier(now)
	high := clip(Percentile(values, e.policy.PercentileHigh)*mult,
		e.policy.MinHighPLNKWh, e.policy.MaxHighPLNKWh)
	crit := clip(Percentile(values, e.policy.PercentileCritical)*mult,
		e.policy.MinCriticalPLNKWh, e.policy.MaxCriticalPLNKWh)
	if crit > high {
		crit = high
	}

	e.last = now
	e.current.Store(&Thresholds{
		HighPricePLNKWh:      high,
		CriticalChargePLNKWh: crit,
		ComputedAt:           now,
		SampleCount:          len(values),
	})
	slog.Debug("published adaptive thresholds",
		"high_pln_kwh", high, "critical_pln_kwh", crit, "samples", len(values))
	return true
}

func (e *ThresholdEngine) seasonalMultiplier(now time.Time) float64 {
	var season string
	switch now.Month() {
	case time.December, time.January, time.February:
		season = "winter"
	case time.March, time.April, time.May:
		season = "spring"
	case time.June, time.July, time.August:
		season = "summer"
	default:
		season = "autumn"
	}
	if m, ok := e.policy.SeasonalMultipliers[season]; ok && m > 0 {
		return m
	}
	return 1.0
}

func clip(v, lo, hi float64) float64 {
	if lo > 0 && v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
