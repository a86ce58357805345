package selling

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const dropLedgerFile = "daily_soc_drops.json"

// dropLedger tracks cumulative SOC drop per calendar day in a JSON file so
// the daily budget survives restarts.
type dropLedger struct {
	dataDir string
	loc     *time.Location
	drops   map[string]float64 // "2006-01-02" -> total drop percent
}

func newDropLedger(dataDir string, loc *time.Location) *dropLedger {
	if loc == nil {
		loc = time.UTC
	}
	return &dropLedger{dataDir: dataDir, loc: loc, drops: map[string]float64{}}
}

func (l *dropLedger) load() error {
	if l.dataDir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(l.dataDir, dropLedgerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read drop ledger: %w", err)
	}
	if err := json.Unmarshal(data, &l.drops); err != nil {
		return fmt.Errorf("unmarshal drop ledger: %w", err)
	}
	return nil
}

func (l *dropLedger) dayKey(t time.Time) string {
	return t.In(l.loc).Format("2006-01-02")
}

// usedToday returns the cumulative SOC drop recorded for now's day.
func (l *dropLedger) usedToday(now time.Time) float64 {
	return l.drops[l.dayKey(now)]
}

// record adds a session's SOC drop and persists atomically. Days older than
// 7 days are evicted on write.
func (l *dropLedger) record(now time.Time, drop float64) error {
	if drop < 0 {
		drop = 0
	}
	l.drops[l.dayKey(now)] += drop

	cutoff := l.dayKey(now.AddDate(0, 0, -7))
	for day := range l.drops {
		if day < cutoff {
			delete(l.drops, day)
		}
	}
	return l.save()
}

func (l *dropLedger) save() error {
	if l.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(l.dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(l.dataDir, dropLedgerFile)
	tmpPath := path + ".tmp"

	data, err := json.MarshalIndent(l.drops, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal drop ledger: %w", err)
	}
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename drop ledger: %w", err)
	}
	return nil
}
