package charging

import "time"

// Session is an active charging session. Created by the engine when it
// commits to charging; mutated only through Apply. At most one session is
// active at a time.
type Session struct {
	StartTime      time.Time `json:"start_time"`
	StartSOC       float64   `json:"start_soc"`
	TargetSOC      float64   `json:"target_soc"`
	ProtectedUntil time.Time `json:"protected_until"`
	Partial        bool      `json:"partial"`
}

// Protected reports whether the session protection window is still open.
func (s *Session) Protected(now time.Time) bool {
	return now.Before(s.ProtectedUntil)
}

// Commitment records the intention to charge at a specific future window,
// with a bounded postponement count to prevent indefinite deferral.
type Commitment struct {
	WindowTime        time.Time `json:"committed_window_time"`
	WindowPrice       float64   `json:"committed_window_price"`
	PostponementCount int       `json:"postponement_count"`
}

// Mutations is the state patch a decision carries. The engine stays pure in
// Decide; the coordinator applies the patch atomically via Apply.
type Mutations struct {
	StartSession    *Session
	StopSession     bool
	SetCommitment   *Commitment
	ClearCommitment bool
	RecordPartial   bool
}

// maxPostponementsForSOC bounds window re-commits: the lower the SOC, the
// fewer deferrals are tolerated.
func maxPostponementsForSOC(soc float64) int {
	switch {
	case soc < 15:
		return 0
	case soc < 20:
		return 1
	case soc < 30:
		return 2
	default:
		return 3
	}
}
