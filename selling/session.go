package selling

import (
	"fmt"
	"time"
)

// SessionStatus tracks the selling session lifecycle.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
	StatusFailed    SessionStatus = "failed"
)

// Session is an active grid-export cycle. TargetSOC is the safety margin
// the battery must not drain below; the session closes one point above it.
type Session struct {
	ID                 string        `json:"session_id"`
	StartTime          time.Time     `json:"start_time"`
	StartSOC           float64       `json:"start_soc"`
	TargetSOC          float64       `json:"target_soc"`
	SellingPowerW      int           `json:"selling_power_w"`
	ExpectedRevenuePLN float64       `json:"expected_revenue_pln"`
	Status             SessionStatus `json:"status"`
}

func newSessionID(start time.Time) string {
	return fmt.Sprintf("sell-%s", start.UTC().Format("20060102T150405"))
}

// Mutations is the state patch a selling decision carries, applied by the
// coordinator through Apply.
type Mutations struct {
	StartSession *Session
	StopSession  bool
	// StopStatus is the terminal status when StopSession is set.
	StopStatus SessionStatus
}
