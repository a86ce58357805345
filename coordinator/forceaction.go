package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// forceActionKind is an externally requested override.
type forceActionKind string

const (
	forceCharge    forceActionKind = "charge"
	forceDischarge forceActionKind = "discharge"
	forceAuto      forceActionKind = "auto"
)

const forceActionFileName = "force_action.json"

// forceAction is a one-shot command written by the HTTP API or an operator.
type forceAction struct {
	Action   forceActionKind `json:"action"`
	IssuedAt time.Time       `json:"issued_at"`
}

// forceActionFile mediates the file-backed command. A pending action is
// replaced only after it is consumed or expires; consumption deletes the
// file, so each command executes at most once.
type forceActionFile struct {
	mu   sync.Mutex
	path string
	ttl  time.Duration
}

func newForceActionFile(dataDir string, ttl time.Duration) *forceActionFile {
	return &forceActionFile{path: filepath.Join(dataDir, forceActionFileName), ttl: ttl}
}

// write stores a new command. A pending non-expired command is not replaced.
func (f *forceActionFile) write(action string, now time.Time) error {
	switch forceActionKind(action) {
	case forceCharge, forceDischarge, forceAuto:
	default:
		return fmt.Errorf("invalid input: unknown force action %q", action)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if cur, ok := f.readLocked(now); ok {
		return fmt.Errorf("force action %q already pending since %s", cur.Action, cur.IssuedAt.Format(time.RFC3339))
	}

	fa := forceAction{Action: forceActionKind(action), IssuedAt: now}
	data, err := json.Marshal(fa)
	if err != nil {
		return fmt.Errorf("marshal force action: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write force action: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename force action: %w", err)
	}
	return nil
}

// peek returns the pending non-expired command without consuming it.
func (f *forceActionFile) peek(now time.Time) (forceAction, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked(now)
}

// consume deletes the pending command.
func (f *forceActionFile) consume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	os.Remove(f.path)
}

func (f *forceActionFile) readLocked(now time.Time) (forceAction, bool) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return forceAction{}, false
	}
	var fa forceAction
	if err := json.Unmarshal(data, &fa); err != nil {
		// A corrupt file would wedge the loop forever; drop it.
		os.Remove(f.path)
		return forceAction{}, false
	}
	if f.ttl > 0 && now.Sub(fa.IssuedAt) > f.ttl {
		os.Remove(f.path)
		return forceAction{}, false
	}
	return fa, true
}
