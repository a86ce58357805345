package charging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const partialLedgerFile = "partial_charging_sessions.json"

// partialLedger tracks partial-charge session timestamps in a JSON file so
// the daily budget survives restarts. Days roll over at the configured
// reset hour, not midnight.
type partialLedger struct {
	dataDir   string
	resetHour int
	loc       *time.Location
	entries   []time.Time
}

func newPartialLedger(dataDir string, resetHour int, loc *time.Location) *partialLedger {
	if loc == nil {
		loc = time.UTC
	}
	return &partialLedger{dataDir: dataDir, resetHour: resetHour, loc: loc}
}

// load reads the ledger file; a missing file is an empty ledger.
func (l *partialLedger) load() error {
	if l.dataDir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(l.dataDir, partialLedgerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read partial ledger: %w", err)
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		return fmt.Errorf("unmarshal partial ledger: %w", err)
	}
	return nil
}

// ledgerDay maps a timestamp onto its ledger day, which starts at the
// reset hour.
func (l *partialLedger) ledgerDay(t time.Time) time.Time {
	t = t.In(l.loc)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, l.loc)
	if t.Hour() < l.resetHour {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// countToday returns how many partial sessions the current ledger day holds.
func (l *partialLedger) countToday(now time.Time) int {
	today := l.ledgerDay(now)
	n := 0
	for _, e := range l.entries {
		if l.ledgerDay(e).Equal(today) {
			n++
		}
	}
	return n
}

// record appends a partial session and persists atomically. Entries older
// than 7 days are evicted on write.
func (l *partialLedger) record(now time.Time) error {
	cutoff := now.Add(-7 * 24 * time.Hour)
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.entries = append(kept, now)
	return l.save()
}

// save writes the ledger with temp-file + rename.
func (l *partialLedger) save() error {
	if l.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(l.dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(l.dataDir, partialLedgerFile)
	tmpPath := path + ".tmp"

	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal partial ledger: %w", err)
	}
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename partial ledger: %w", err)
	}
	return nil
}
