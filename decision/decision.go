// Package decision holds the vocabulary shared by the charging and selling
// engines and the coordinator: decision kinds, priorities, risk levels and
// the append-only decision record.
package decision

import "time"

// Kind is the high-level category of a decision.
type Kind string

const (
	KindCharge Kind = "charge"
	KindSell   Kind = "sell"
	KindWait   Kind = "wait"
)

// Priority orders decisions when the coordinator resolves the charging and
// selling outputs into a single action.
type Priority string

const (
	PriorityEmergency Priority = "emergency"
	PriorityCritical  Priority = "critical"
	PriorityHigh      Priority = "high"
	PriorityMedium    Priority = "medium"
	PriorityLow       Priority = "low"
)

// rank maps priorities to an ordinal for comparisons; higher wins.
var rank = map[Priority]int{
	PriorityEmergency: 5,
	PriorityCritical:  4,
	PriorityHigh:      3,
	PriorityMedium:    2,
	PriorityLow:       1,
}

// Outranks reports whether p is strictly more urgent than other.
func (p Priority) Outranks(other Priority) bool {
	return rank[p] > rank[other]
}

// RiskLevel classifies a selling decision.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Record is the append-only decision record consumed by the storage layer.
type Record struct {
	Timestamp  time.Time          `json:"timestamp"`
	Kind       Kind               `json:"kind"`
	Action     string             `json:"action"`
	Reason     string             `json:"reason"`
	Confidence float64            `json:"confidence"` // [0,1]
	Priority   Priority           `json:"priority"`
	Inputs     InputsSnapshot     `json:"inputs"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// InputsSnapshot captures the observable state the decision was made from.
type InputsSnapshot struct {
	SOCPercent        float64 `json:"soc_percent"`
	BatteryTempC      float64 `json:"battery_temp_c"`
	PVPowerW          float64 `json:"pv_power_w"`
	LoadPowerW        float64 `json:"load_power_w"`
	GridPowerW        float64 `json:"grid_power_w"`
	PricePLNKWh       float64 `json:"price_pln_kwh"`
	HighThreshold     float64 `json:"high_threshold_pln_kwh"`
	CriticalThreshold float64 `json:"critical_threshold_pln_kwh"`
}
