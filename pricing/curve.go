package pricing

import (
	"sort"
	"time"
)

// PricePoint is a single normalised price slot. EffectivePLNKWh is derived
// by the tariff calculator and immutable once computed.
type PricePoint struct {
	Timestamp       time.Time `json:"timestamp"`
	MarketPLNMWh    float64   `json:"market_price_pln_per_mwh"`
	EffectivePLNKWh float64   `json:"effective_price_pln_per_kwh"`
}

// Curve is an ordered sequence of price points, unique by timestamp. It
// covers at least the next 24 h and may carry historical points used for
// threshold learning.
type Curve struct {
	points []PricePoint
	slot   time.Duration
}

// NewCurve builds a curve from points: sorts them, drops duplicate
// timestamps (last one wins) and infers the slot resolution.
func NewCurve(points []PricePoint) Curve {
	byTS := make(map[time.Time]PricePoint, len(points))
	for _, p := range points {
		byTS[p.Timestamp] = p
	}
	sorted := make([]PricePoint, 0, len(byTS))
	for _, p := range byTS {
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	slot := time.Hour
	if len(sorted) >= 2 {
		if d := sorted[1].Timestamp.Sub(sorted[0].Timestamp); d > 0 {
			slot = d
		}
	}
	return Curve{points: sorted, slot: slot}
}

// Points returns the underlying slots in timestamp order. Callers must not
// mutate the returned slice.
func (c Curve) Points() []PricePoint { return c.points }

// Slot returns the slot resolution (15 min or 1 h).
func (c Curve) Slot() time.Duration { return c.slot }

// Empty reports whether the curve has no points.
func (c Curve) Empty() bool { return len(c.points) == 0 }

// PriceAt returns the effective price of the slot containing t.
func (c Curve) PriceAt(t time.Time) (float64, bool) {
	for _, p := range c.points {
		if !t.Before(p.Timestamp) && t.Before(p.Timestamp.Add(c.slot)) {
			return p.EffectivePLNKWh, true
		}
	}
	return 0, false
}

// Between returns the points with from <= ts < to.
func (c Curve) Between(from, to time.Time) []PricePoint {
	var out []PricePoint
	for _, p := range c.points {
		if !p.Timestamp.Before(from) && p.Timestamp.Before(to) {
			out = append(out, p)
		}
	}
	return out
}

// CheapestWithin returns the cheapest slot with now <= ts < now+horizon.
func (c Curve) CheapestWithin(now time.Time, horizon time.Duration) (PricePoint, bool) {
	var best PricePoint
	found := false
	for _, p := range c.Between(now, now.Add(horizon)) {
		if !found || p.EffectivePLNKWh < best.EffectivePLNKWh {
			best = p
			found = true
		}
	}
	return best, found
}

// MaxWithin returns the most expensive slot with now <= ts < now+horizon.
func (c Curve) MaxWithin(now time.Time, horizon time.Duration) (PricePoint, bool) {
	var best PricePoint
	found := false
	for _, p := range c.Between(now, now.Add(horizon)) {
		if !found || p.EffectivePLNKWh > best.EffectivePLNKWh {
			best = p
			found = true
		}
	}
	return best, found
}

// AveragePLNKWh returns the mean effective price between from and to, or
// fallback if the range holds no points.
func (c Curve) AveragePLNKWh(from, to time.Time, fallback float64) float64 {
	pts := c.Between(from, to)
	if len(pts) == 0 {
		return fallback
	}
	var sum float64
	for _, p := range pts {
		sum += p.EffectivePLNKWh
	}
	return sum / float64(len(pts))
}

// ContiguousBelow returns how long the price stays at or below limit
// starting from the slot at start (inclusive). Zero when the starting slot
// itself is above the limit.
func (c Curve) ContiguousBelow(start time.Time, limit float64) time.Duration {
	var dur time.Duration
	for _, p := range c.points {
		if p.Timestamp.Before(start) {
			continue
		}
		if p.EffectivePLNKWh > limit {
			break
		}
		// Slots must be contiguous; a gap ends the run.
		if dur > 0 && !p.Timestamp.Equal(start.Add(dur)) {
			break
		}
		dur += c.slot
	}
	return dur
}

// Period is a contiguous stretch of slots.
type Period struct {
	Start    time.Time
	End      time.Time
	AvgPrice float64
}

// Duration returns the period length.
func (p Period) Duration() time.Duration { return p.End.Sub(p.Start) }

// PeriodsAbove returns contiguous periods within [now, now+horizon) whose
// slots all price above the limit.
func (c Curve) PeriodsAbove(now time.Time, horizon time.Duration, limit float64) []Period {
	var periods []Period
	var cur *Period
	var sum float64
	var n int

	flush := func() {
		if cur != nil && n > 0 {
			cur.AvgPrice = sum / float64(n)
			periods = append(periods, *cur)
		}
		cur, sum, n = nil, 0, 0
	}

	for _, p := range c.Between(now, now.Add(horizon)) {
		if p.EffectivePLNKWh > limit {
			if cur == nil {
				cur = &Period{Start: p.Timestamp}
			} else if !p.Timestamp.Equal(cur.End) {
				flush()
				cur = &Period{Start: p.Timestamp}
			}
			cur.End = p.Timestamp.Add(c.slot)
			sum += p.EffectivePLNKWh
			n++
		} else {
			flush()
		}
	}
	flush()
	return periods
}

// Percentile returns the pth percentile (0..100) of the effective prices in
// values using linear interpolation. Returns 0 for an empty input.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(pos)
	frac := pos - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
