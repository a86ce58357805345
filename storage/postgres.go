package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/energomat/energomat/decision"
)

// PostgresStore persists records to Postgres for long-term analysis.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the connection, verifies it and creates the schema
// when missing.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS decisions (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			kind TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			priority TEXT NOT NULL,
			inputs JSONB NOT NULL,
			metrics JSONB
		);
		CREATE INDEX IF NOT EXISTS decisions_timestamp_idx ON decisions (timestamp);

		CREATE TABLE IF NOT EXISTS system_state (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			soc_percent DOUBLE PRECISION NOT NULL,
			battery_temp_c DOUBLE PRECISION NOT NULL,
			pv_power_w DOUBLE PRECISION NOT NULL,
			load_power_w DOUBLE PRECISION NOT NULL,
			grid_power_w DOUBLE PRECISION NOT NULL,
			price_pln_kwh DOUBLE PRECISION NOT NULL,
			operation_mode TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS system_state_timestamp_idx ON system_state (timestamp);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// AppendDecision inserts one decision record.
func (s *PostgresStore) AppendDecision(ctx context.Context, rec decision.Record) error {
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (timestamp, kind, action, reason, confidence, priority, inputs, metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Timestamp, rec.Kind, rec.Action, rec.Reason, rec.Confidence, rec.Priority, inputs, metrics)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// AppendSystemState inserts one system-state sample.
func (s *PostgresStore) AppendSystemState(ctx context.Context, st SystemState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_state (timestamp, soc_percent, battery_temp_c, pv_power_w, load_power_w, grid_power_w, price_pln_kwh, operation_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		st.Timestamp, st.SOCPercent, st.BatteryTempC, st.PVPowerW, st.LoadPowerW, st.GridPowerW, st.PricePLNKWh, st.OperationMode)
	if err != nil {
		return fmt.Errorf("insert system state: %w", err)
	}
	return nil
}

// Decisions returns records with from <= ts < to in timestamp order.
func (s *PostgresStore) Decisions(ctx context.Context, from, to time.Time) ([]decision.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, kind, action, reason, confidence, priority, inputs, metrics
		FROM decisions WHERE timestamp >= $1 AND timestamp < $2 ORDER BY timestamp`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []decision.Record
	for rows.Next() {
		var rec decision.Record
		var inputs, metrics []byte
		if err := rows.Scan(&rec.Timestamp, &rec.Kind, &rec.Action, &rec.Reason,
			&rec.Confidence, &rec.Priority, &inputs, &metrics); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if err := json.Unmarshal(inputs, &rec.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
		if len(metrics) > 0 {
			if err := json.Unmarshal(metrics, &rec.Metrics); err != nil {
				return nil, fmt.Errorf("unmarshal metrics: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestSystemState returns the most recent samples, newest first.
func (s *PostgresStore) LatestSystemState(ctx context.Context, limit int) ([]SystemState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, soc_percent, battery_temp_c, pv_power_w, load_power_w, grid_power_w, price_pln_kwh, operation_mode
		FROM system_state ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query system state: %w", err)
	}
	defer rows.Close()

	var out []SystemState
	for rows.Next() {
		var st SystemState
		if err := rows.Scan(&st.Timestamp, &st.SOCPercent, &st.BatteryTempC, &st.PVPowerW,
			&st.LoadPowerW, &st.GridPowerW, &st.PricePLNKWh, &st.OperationMode); err != nil {
			return nil, fmt.Errorf("scan system state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Summary aggregates the given month from the decision table.
func (s *PostgresStore) Summary(ctx context.Context, year int, month time.Month) (MonthlySummary, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	recs, err := s.Decisions(ctx, from, to)
	if err != nil {
		return MonthlySummary{}, err
	}
	return summarize(year, month, recs), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
