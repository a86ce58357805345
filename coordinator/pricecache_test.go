package coordinator

import (
	"testing"
	"time"

	"github.com/energomat/energomat/pricing"
)

func TestPriceCacheRoundTrip(t *testing.T) {
	f := newPriceCacheFile(t.TempDir())
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	points := []pricing.PricePoint{
		{Timestamp: now, MarketPLNMWh: 400, EffectivePLNKWh: 0.84},
		{Timestamp: now.Add(time.Hour), MarketPLNMWh: 380, EffectivePLNKWh: 0.82},
	}

	if err := f.save(points, now, time.UTC); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, fetchedAt, ok := f.load(now.Add(2*time.Hour), time.UTC)
	if !ok {
		t.Fatal("expected cache hit on the same business day")
	}
	if !fetchedAt.Equal(now) {
		t.Errorf("fetchedAt = %v, want %v", fetchedAt, now)
	}
	if len(got) != 2 || got[1].EffectivePLNKWh != 0.82 {
		t.Errorf("points = %+v", got)
	}
}

func TestPriceCacheStaleBusinessDay(t *testing.T) {
	f := newPriceCacheFile(t.TempDir())
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	points := []pricing.PricePoint{{Timestamp: now, EffectivePLNKWh: 0.84}}

	if err := f.save(points, now, time.UTC); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, _, ok := f.load(now.Add(24*time.Hour), time.UTC); ok {
		t.Error("next-day load must miss")
	}
}

func TestPriceCacheMissingFile(t *testing.T) {
	f := newPriceCacheFile(t.TempDir())
	if _, _, ok := f.load(time.Now(), time.UTC); ok {
		t.Error("missing file must miss, not error")
	}
}
