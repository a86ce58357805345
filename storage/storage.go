// Package storage persists decision records and system-state samples. Two
// implementations exist: a JSON-lines file store for standalone setups and
// a Postgres store for long-term analysis.
package storage

import (
	"context"
	"time"

	"github.com/energomat/energomat/decision"
)

// SystemState is a periodic sample of the observable plant state.
type SystemState struct {
	Timestamp     time.Time `json:"timestamp"`
	SOCPercent    float64   `json:"soc_percent"`
	BatteryTempC  float64   `json:"battery_temp_c"`
	PVPowerW      float64   `json:"pv_power_w"`
	LoadPowerW    float64   `json:"load_power_w"`
	GridPowerW    float64   `json:"grid_power_w"`
	PricePLNKWh   float64   `json:"price_pln_kwh"`
	OperationMode string    `json:"operation_mode"`
}

// MonthlySummary aggregates a month of decisions.
type MonthlySummary struct {
	Year                int     `json:"year"`
	Month               int     `json:"month"`
	Decisions           int     `json:"decisions"`
	Charges             int     `json:"charges"`
	Sells               int     `json:"sells"`
	Waits               int     `json:"waits"`
	AvgConfidence       float64 `json:"avg_confidence"`
	EstimatedRevenuePLN float64 `json:"estimated_revenue_pln"`
}

// Store is the persistence collaborator used by the coordinator.
type Store interface {
	AppendDecision(ctx context.Context, rec decision.Record) error
	AppendSystemState(ctx context.Context, state SystemState) error
	Decisions(ctx context.Context, from, to time.Time) ([]decision.Record, error)
	LatestSystemState(ctx context.Context, limit int) ([]SystemState, error)
	Summary(ctx context.Context, year int, month time.Month) (MonthlySummary, error)
	Close() error
}

// summarize folds decision records into a monthly aggregate.
func summarize(year int, month time.Month, recs []decision.Record) MonthlySummary {
	s := MonthlySummary{Year: year, Month: int(month)}
	var confSum float64
	for _, r := range recs {
		if r.Timestamp.Year() != year || r.Timestamp.Month() != month {
			continue
		}
		s.Decisions++
		confSum += r.Confidence
		switch r.Kind {
		case decision.KindCharge:
			s.Charges++
		case decision.KindSell:
			s.Sells++
			s.EstimatedRevenuePLN += r.Metrics["expected_revenue_pln"]
		default:
			s.Waits++
		}
	}
	if s.Decisions > 0 {
		s.AvgConfidence = confSum / float64(s.Decisions)
	}
	return s
}
