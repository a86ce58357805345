package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/energomat/energomat/pricing"
)

const priceCacheFileName = "price_cache.json"

// priceCachePayload is the persisted form of the last fetched curve. It
// survives restarts so the control loop has prices before the first fetch.
type priceCachePayload struct {
	BusinessDate string               `json:"business_date"`
	FetchedAt    time.Time            `json:"fetched_at"`
	Points       []pricing.PricePoint `json:"points"`
}

// priceCacheFile persists the fetched curve in the data directory. Only the
// price refresher touches it, so no lock is needed.
type priceCacheFile struct {
	path string
}

func newPriceCacheFile(dataDir string) *priceCacheFile {
	return &priceCacheFile{path: filepath.Join(dataDir, priceCacheFileName)}
}

// save writes the curve atomically via temp file and rename.
func (f *priceCacheFile) save(points []pricing.PricePoint, fetchedAt time.Time, loc *time.Location) error {
	payload := priceCachePayload{
		BusinessDate: fetchedAt.In(loc).Format("2006-01-02"),
		FetchedAt:    fetchedAt,
		Points:       points,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal price cache: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write price cache: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename price cache: %w", err)
	}
	return nil
}

// load returns the cached curve if it belongs to the current business day.
// A missing or stale cache is not an error.
func (f *priceCacheFile) load(now time.Time, loc *time.Location) ([]pricing.PricePoint, time.Time, bool) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, time.Time{}, false
	}
	var payload priceCachePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, time.Time{}, false
	}
	if payload.BusinessDate != now.In(loc).Format("2006-01-02") {
		return nil, time.Time{}, false
	}
	return payload.Points, payload.FetchedAt, len(payload.Points) > 0
}
