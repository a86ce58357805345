package pricing

import (
	"math"
	"testing"
	"time"
)

var curveBase = time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

func hourly(prices ...float64) Curve {
	points := make([]PricePoint, len(prices))
	for i, p := range prices {
		points[i] = PricePoint{Timestamp: curveBase.Add(time.Duration(i) * time.Hour), EffectivePLNKWh: p}
	}
	return NewCurve(points)
}

func TestNewCurveSortsAndDeduplicates(t *testing.T) {
	c := NewCurve([]PricePoint{
		{Timestamp: curveBase.Add(2 * time.Hour), EffectivePLNKWh: 0.3},
		{Timestamp: curveBase, EffectivePLNKWh: 0.1},
		{Timestamp: curveBase, EffectivePLNKWh: 0.2}, // duplicate, last wins
		{Timestamp: curveBase.Add(time.Hour), EffectivePLNKWh: 0.5},
	})

	pts := c.Points()
	if len(pts) != 3 {
		t.Fatalf("points = %d, want 3", len(pts))
	}
	if pts[0].EffectivePLNKWh != 0.2 {
		t.Errorf("first point = %.1f, want deduplicated 0.2", pts[0].EffectivePLNKWh)
	}
	if c.Slot() != time.Hour {
		t.Errorf("slot = %s, want 1h", c.Slot())
	}
}

func TestPriceAtCoversWholeSlot(t *testing.T) {
	c := hourly(0.10, 0.20, 0.30)

	got, ok := c.PriceAt(curveBase.Add(90 * time.Minute))
	if !ok || got != 0.20 {
		t.Errorf("got %.2f ok=%v, want 0.20", got, ok)
	}
	if _, ok := c.PriceAt(curveBase.Add(5 * time.Hour)); ok {
		t.Error("expected no price outside the curve")
	}
}

func TestContiguousBelowStopsAtGapAndLimit(t *testing.T) {
	// 3 cheap hours, then expensive.
	c := hourly(0.30, 0.30, 0.30, 0.90, 0.30)
	if got := c.ContiguousBelow(curveBase, 0.55); got != 3*time.Hour {
		t.Errorf("run = %s, want 3h", got)
	}
	if got := c.ContiguousBelow(curveBase.Add(3*time.Hour), 0.55); got != 0 {
		t.Errorf("run starting above limit = %s, want 0", got)
	}

	// A missing slot ends the run even when prices stay cheap.
	gapped := NewCurve([]PricePoint{
		{Timestamp: curveBase, EffectivePLNKWh: 0.30},
		{Timestamp: curveBase.Add(time.Hour), EffectivePLNKWh: 0.30},
		{Timestamp: curveBase.Add(3 * time.Hour), EffectivePLNKWh: 0.30},
	})
	if got := gapped.ContiguousBelow(curveBase, 0.55); got != 2*time.Hour {
		t.Errorf("gapped run = %s, want 2h", got)
	}
}

func TestPeriodsAboveMergesContiguousSlots(t *testing.T) {
	c := hourly(0.50, 1.50, 1.60, 0.50, 1.40, 0.50)

	periods := c.PeriodsAbove(curveBase, 12*time.Hour, 1.10)
	if len(periods) != 2 {
		t.Fatalf("periods = %d, want 2", len(periods))
	}
	first := periods[0]
	if !first.Start.Equal(curveBase.Add(time.Hour)) || !first.End.Equal(curveBase.Add(3*time.Hour)) {
		t.Errorf("first period = %s..%s", first.Start, first.End)
	}
	if math.Abs(first.AvgPrice-1.55) > 1e-9 {
		t.Errorf("avg = %.3f, want 1.55", first.AvgPrice)
	}
	if first.Duration() != 2*time.Hour {
		t.Errorf("duration = %s, want 2h", first.Duration())
	}
}

func TestCheapestAndMaxWithin(t *testing.T) {
	c := hourly(0.80, 0.30, 1.20, 0.60)

	cheapest, ok := c.CheapestWithin(curveBase, 24*time.Hour)
	if !ok || cheapest.EffectivePLNKWh != 0.30 {
		t.Errorf("cheapest = %.2f ok=%v", cheapest.EffectivePLNKWh, ok)
	}
	max, ok := c.MaxWithin(curveBase, 24*time.Hour)
	if !ok || max.EffectivePLNKWh != 1.20 {
		t.Errorf("max = %.2f ok=%v", max.EffectivePLNKWh, ok)
	}
	// Horizon excludes later slots.
	cheapest, _ = c.CheapestWithin(curveBase, time.Hour)
	if cheapest.EffectivePLNKWh != 0.80 {
		t.Errorf("bounded cheapest = %.2f, want 0.80", cheapest.EffectivePLNKWh)
	}
}

func TestAveragePLNKWhFallback(t *testing.T) {
	c := hourly(0.40, 0.60)

	if got := c.AveragePLNKWh(curveBase, curveBase.Add(2*time.Hour), 9); math.Abs(got-0.50) > 1e-9 {
		t.Errorf("avg = %.2f, want 0.50", got)
	}
	if got := c.AveragePLNKWh(curveBase.Add(10*time.Hour), curveBase.Add(12*time.Hour), 9); got != 9 {
		t.Errorf("empty range avg = %.2f, want fallback 9", got)
	}
}

func TestPercentileInterpolation(t *testing.T) {
	values := []float64{1, 2, 3, 4}

	cases := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{100, 4},
		{50, 2.5},
		{25, 1.75},
	}
	for _, c := range cases {
		if got := Percentile(values, c.p); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("Percentile(%v) = %.3f, want %.3f", c.p, got, c.want)
		}
	}
	if got := Percentile(nil, 50); got != 0 {
		t.Errorf("empty input = %.2f, want 0", got)
	}
}
