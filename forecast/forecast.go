// Package forecast predicts household grid consumption from a rolling
// history of observed load, grouped by hour of day.
package forecast

import (
	"sync"
	"time"
)

const historyWindow = 7 * 24 * time.Hour

// Sample is one observed load/PV reading.
type Sample struct {
	Timestamp time.Time
	LoadW     float64
	PVW       float64
}

// Forecaster averages observed household load by hour of day over a 7-day
// rolling window and scales it with time-of-day factors. When the history
// is too short for an hour, a configured fallback load applies.
type Forecaster struct {
	mu           sync.Mutex
	samples      []Sample
	fallbackW    float64
	minPerBucket int
}

// New creates a forecaster with the given fallback load in watts.
func New(fallbackLoadW float64) *Forecaster {
	return &Forecaster{
		fallbackW:    fallbackLoadW,
		minPerBucket: 3,
	}
}

// SetFallbackLoadW updates the fallback used for hours without history.
func (f *Forecaster) SetFallbackLoadW(w float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbackW = w
}

// Add records a sample and evicts anything outside the rolling window.
func (f *Forecaster) Add(s Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.samples = append(f.samples, s)
	cutoff := s.Timestamp.Add(-historyWindow)
	i := 0
	for ; i < len(f.samples); i++ {
		if !f.samples[i].Timestamp.Before(cutoff) {
			break
		}
	}
	f.samples = f.samples[i:]
}

// timeOfDayFactor scales predicted consumption: evenings run hot, nights
// run cold.
func timeOfDayFactor(hour int) float64 {
	switch {
	case hour >= 18 && hour < 22:
		return 1.5
	case hour >= 22 || hour < 6:
		return 0.8
	default:
		return 1.0
	}
}

// hourlyAverages regroups history by hour of day. Caller must hold f.mu.
func (f *Forecaster) hourlyAverages() map[int]float64 {
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for _, s := range f.samples {
		h := s.Timestamp.Hour()
		sums[h] += s.LoadW
		counts[h]++
	}
	avgs := make(map[int]float64, len(sums))
	for h, sum := range sums {
		if counts[h] >= f.minPerBucket {
			avgs[h] = sum / float64(counts[h])
		}
	}
	return avgs
}

// PredictedLoadW returns the predicted household draw for the hour
// containing t, after the time-of-day factor.
func (f *Forecaster) PredictedLoadW(t time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	avgs := f.hourlyAverages()
	base, ok := avgs[t.Hour()]
	if !ok {
		base = f.fallbackW
	}
	return base * timeOfDayFactor(t.Hour())
}

// PredictedConsumptionKWh integrates the predicted load over [from, to).
// Partial leading/trailing hours are scaled by their fraction.
func (f *Forecaster) PredictedConsumptionKWh(from, to time.Time) float64 {
	if !to.After(from) {
		return 0
	}

	var kwh float64
	cur := from
	for cur.Before(to) {
		hourEnd := cur.Truncate(time.Hour).Add(time.Hour)
		if hourEnd.After(to) {
			hourEnd = to
		}
		frac := hourEnd.Sub(cur).Hours()
		kwh += f.PredictedLoadW(cur) / 1000.0 * frac
		cur = hourEnd
	}
	return kwh
}

// HistoryLen returns the number of retained samples.
func (f *Forecaster) HistoryLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}
