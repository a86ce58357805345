package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/energomat/energomat/decision"
)

const (
	decisionsFile   = "decisions.jsonl"
	systemStateFile = "system_state.jsonl"
)

// JSONFileStore appends records to JSON-lines files under a data directory.
// Writes are serialised by a mutex; each line is a self-contained record so
// a crash can lose at most the line being written.
type JSONFileStore struct {
	mu      sync.Mutex
	dataDir string
}

// NewJSONFileStore creates the data directory if needed.
func NewJSONFileStore(dataDir string) (*JSONFileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &JSONFileStore{dataDir: dataDir}, nil
}

func (s *JSONFileStore) appendLine(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dataDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", name, err)
	}
	return nil
}

// AppendDecision appends one decision record.
func (s *JSONFileStore) AppendDecision(_ context.Context, rec decision.Record) error {
	return s.appendLine(decisionsFile, rec)
}

// AppendSystemState appends one system-state sample.
func (s *JSONFileStore) AppendSystemState(_ context.Context, state SystemState) error {
	return s.appendLine(systemStateFile, state)
}

// Decisions returns records with from <= ts < to in file order.
func (s *JSONFileStore) Decisions(_ context.Context, from, to time.Time) ([]decision.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []decision.Record
	err := s.scanLines(decisionsFile, func(line []byte) error {
		var rec decision.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		if !rec.Timestamp.Before(from) && rec.Timestamp.Before(to) {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// LatestSystemState returns the most recent samples, newest first.
func (s *JSONFileStore) LatestSystemState(_ context.Context, limit int) ([]SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []SystemState
	err := s.scanLines(systemStateFile, func(line []byte) error {
		var st SystemState
		if err := json.Unmarshal(line, &st); err != nil {
			return err
		}
		all = append(all, st)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]SystemState, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Summary aggregates the given month from the decision log.
func (s *JSONFileStore) Summary(ctx context.Context, year int, month time.Month) (MonthlySummary, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	recs, err := s.Decisions(ctx, from, to)
	if err != nil {
		return MonthlySummary{}, err
	}
	return summarize(year, month, recs), nil
}

// Close is a no-op; each append opens and closes its file.
func (s *JSONFileStore) Close() error { return nil }

func (s *JSONFileStore) scanLines(name string, fn func(line []byte) error) error {
	f, err := os.Open(filepath.Join(s.dataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	return scanner.Err()
}
