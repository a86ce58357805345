// Package charging implements the charging decision engine: the 4-tier SOC
// ladder, multi-window economic evaluation with interim-cost accounting,
// commitment and session protection, hysteresis-based session consolidation
// and preventive partial charging.
package charging

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/energomat/energomat/clients/forecast"
	"github.com/energomat/energomat/clients/inverter"
	"github.com/energomat/energomat/decision"
	fc "github.com/energomat/energomat/forecast"
	"github.com/energomat/energomat/internal/config"
	"github.com/energomat/energomat/pricing"
)

// Inputs is the consistent snapshot the engine decides from. The engine
// never reads the wall clock or does I/O: everything comes in here.
type Inputs struct {
	Now           time.Time
	Snapshot      inverter.Snapshot
	Curve         pricing.Curve
	CurveOK       bool
	Thresholds    pricing.Thresholds
	Forecaster    *fc.Forecaster
	PriceForecast []forecast.Point
}

// Decision is the charging engine output. Mutations carry the state patch
// for the coordinator to apply.
type Decision struct {
	ShouldCharge bool
	TargetSOC    float64
	Reason       string
	Priority     decision.Priority
	Confidence   float64
	Mutations    Mutations
}

// Engine is the charging decision engine. State (active session,
// commitment, ledgers) is owned here; Decide computes a decision without
// mutating, Apply applies the returned patch under the engine lock.
type Engine struct {
	mu     sync.Mutex
	policy config.Policy
	loc    *time.Location
	lat    float64
	lon    float64

	session    *Session
	commitment *Commitment
	ledger     *partialLedger

	sessionsToday   int
	sessionsDay     time.Time
	lastStopSOC     float64 // SOC when the last session ended; 0 = none yet
	lowestSinceStop float64
	haveStoppedOnce bool
}

// NewEngine creates the engine and loads the partial-session ledger.
func NewEngine(policy config.Policy, dataDir string, lat, lon float64, loc *time.Location) (*Engine, error) {
	if loc == nil {
		loc = time.UTC
	}
	e := &Engine{
		policy: policy,
		loc:    loc,
		lat:    lat,
		lon:    lon,
		ledger: newPartialLedger(dataDir, policy.Charging.LedgerResetHour, loc),
	}
	if err := e.ledger.load(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reconfigure swaps the policy on hot-reload. Sessions survive.
func (e *Engine) Reconfigure(policy config.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy
	e.ledger.resetHour = policy.Charging.LedgerResetHour
}

// ActiveSession returns a copy of the active session, or nil.
func (e *Engine) ActiveSession() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	s := *e.session
	return &s
}

// ActiveCommitment returns a copy of the committed window, or nil.
func (e *Engine) ActiveCommitment() *Commitment {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.commitment == nil {
		return nil
	}
	c := *e.commitment
	return &c
}

// Observe tracks SOC between sessions for the hysteresis discharge-depth
// rule and rolls the daily session counter at local midnight.
func (e *Engine) Observe(now time.Time, soc float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	day := midnight(now.In(e.loc))
	if !day.Equal(e.sessionsDay) {
		e.sessionsDay = day
		e.sessionsToday = 0
	}
	if e.haveStoppedOnce && soc < e.lowestSinceStop {
		e.lowestSinceStop = soc
	}
}

// Apply applies a decision's state patch atomically. endSOC is the SOC at
// the time the patch is applied (used when a session stops).
func (e *Engine) Apply(m Mutations, now time.Time, endSOC float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m.StopSession && e.session != nil {
		e.session = nil
		e.lastStopSOC = endSOC
		e.lowestSinceStop = endSOC
		e.haveStoppedOnce = true
	}
	if m.ClearCommitment {
		e.commitment = nil
	}
	if m.SetCommitment != nil {
		c := *m.SetCommitment
		e.commitment = &c
	}
	if m.StartSession != nil {
		s := *m.StartSession
		e.session = &s
		e.sessionsToday++
	}
	if m.RecordPartial {
		if err := e.ledger.record(now); err != nil {
			return err
		}
	}
	return nil
}

// Decide runs the decision cascade; the first matching rule wins.
func (e *Engine) Decide(in Inputs) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.policy.Charging
	snap := in.Snapshot
	soc := snap.SOCPercent

	// Refuse to act on data that is too old.
	if snap.Unusable(in.Now) {
		return Decision{
			Reason:     fmt.Sprintf("snapshot stale by %s, refusing to act", in.Now.Sub(snap.Timestamp).Round(time.Second)),
			Priority:   decision.PriorityCritical,
			Confidence: 0,
		}
	}

	// Safe mode without a price curve: charge only below the critical floor.
	if !in.CurveOK || in.Curve.Empty() {
		if soc < cfg.CriticalSOC {
			return Decision{
				ShouldCharge: true,
				TargetSOC:    cfg.TargetSOC,
				Reason:       "price curve unavailable, charging on critical SOC (safe mode)",
				Priority:     decision.PriorityCritical,
				Confidence:   0.6,
				Mutations:    e.startMutation(in.Now, soc, cfg.TargetSOC, false),
			}
		}
		return Decision{
			Reason:     "price curve unavailable, waiting (safe mode)",
			Priority:   decision.PriorityMedium,
			Confidence: 0.5,
		}
	}

	price, havePrice := in.Curve.PriceAt(in.Now)
	if !havePrice {
		price = in.Curve.AveragePLNKWh(in.Now.Add(-time.Hour), in.Now.Add(time.Hour), in.Thresholds.HighPricePLNKWh)
	}

	// Rule 1: active session continuation.
	if e.session != nil {
		return e.continueSession(in, price)
	}

	// Rule 2: emergency floor, price-blind.
	if soc < cfg.EmergencySOC {
		return Decision{
			ShouldCharge: true,
			TargetSOC:    cfg.TargetSOC,
			Reason:       fmt.Sprintf("emergency: SOC %.1f%% below %.1f%%, charging regardless of price", soc, cfg.EmergencySOC),
			Priority:     decision.PriorityEmergency,
			Confidence:   0.95,
			Mutations:    e.startMutation(in.Now, soc, cfg.TargetSOC, false),
		}
	}

	// Rule 3: critical floor with the smart-critical sub-policy.
	if soc < cfg.CriticalSOC {
		return e.smartCritical(in, price)
	}

	// Rule 4: opportunistic tier, multi-window interim-cost evaluation.
	if soc < cfg.NormalTierSOC {
		return e.multiWindow(in, price)
	}

	// Rule 5: preventive partial charging ahead of an expensive stretch.
	if d, ok := e.preventive(in, price); ok {
		return d
	}

	// Rule 6: normal tier governed by hysteresis.
	return e.normalTier(in, price)
}

// continueSession implements Rule 1.
func (e *Engine) continueSession(in Inputs, price float64) Decision {
	cfg := e.policy.Charging
	soc := in.Snapshot.SOCPercent
	sess := e.session

	if soc >= cfg.NearFullSOC && soc >= sess.TargetSOC {
		return Decision{
			Reason:     fmt.Sprintf("session complete: SOC %.1f%% reached target %.1f%%", soc, sess.TargetSOC),
			Priority:   decision.PriorityLow,
			Confidence: 0.9,
			Mutations:  Mutations{StopSession: true},
		}
	}
	if soc >= 90 {
		return Decision{
			Reason:     fmt.Sprintf("stopping session near full at %.1f%%", soc),
			Priority:   decision.PriorityLow,
			Confidence: 0.9,
			Mutations:  Mutations{StopSession: true},
		}
	}
	if soc >= sess.TargetSOC {
		return Decision{
			Reason:     fmt.Sprintf("session target %.1f%% reached at %.1f%%", sess.TargetSOC, soc),
			Priority:   decision.PriorityLow,
			Confidence: 0.9,
			Mutations:  Mutations{StopSession: true},
		}
	}

	// During the protection window the session always continues; this is
	// what prevents inverter thrashing on price blips.
	if sess.Protected(in.Now) {
		return Decision{
			ShouldCharge: true,
			TargetSOC:    sess.TargetSOC,
			Reason:       fmt.Sprintf("continuing protected session until %s", sess.ProtectedUntil.In(e.loc).Format("15:04")),
			Priority:     decision.PriorityHigh,
			Confidence:   0.85,
		}
	}

	// Protection expired: stop only if conditions degraded.
	if price > in.Thresholds.HighPricePLNKWh && soc >= e.policy.Charging.CriticalSOC {
		return Decision{
			Reason:     fmt.Sprintf("stopping session: protection expired and price %.3f above high threshold %.3f", price, in.Thresholds.HighPricePLNKWh),
			Priority:   decision.PriorityMedium,
			Confidence: 0.7,
			Mutations:  Mutations{StopSession: true},
		}
	}
	return Decision{
		ShouldCharge: true,
		TargetSOC:    sess.TargetSOC,
		Reason:       fmt.Sprintf("continuing session toward %.1f%%", sess.TargetSOC),
		Priority:     decision.PriorityMedium,
		Confidence:   0.75,
	}
}

// smartCritical implements Rule 3.
func (e *Engine) smartCritical(in Inputs, price float64) Decision {
	cfg := e.policy.Charging
	soc := in.Snapshot.SOCPercent
	high := in.Thresholds.HighPricePLNKWh
	crit := in.Thresholds.CriticalChargePLNKWh

	// Step 1: at the 10% mark, wait out a strictly-high price. The boundary
	// value still charges.
	if soc == 10 && price > high {
		return Decision{
			Reason:     fmt.Sprintf("critical SOC but price %.3f above high threshold %.3f, waiting for relief", price, high),
			Priority:   decision.PriorityHigh,
			Confidence: 0.6,
		}
	}

	// Step 2: cheap enough, charge.
	if price <= crit {
		return Decision{
			ShouldCharge: true,
			TargetSOC:    cfg.TargetSOC,
			Reason:       fmt.Sprintf("critical SOC %.1f%% and price %.3f at or below critical threshold %.3f", soc, price, crit),
			Priority:     decision.PriorityCritical,
			Confidence:   0.9,
			Mutations:    e.startMutation(in.Now, soc, cfg.TargetSOC, false),
		}
	}

	// Step 3: bounded wait for a significantly cheaper slot.
	cheapest, found := in.Curve.CheapestWithin(in.Now, 24*time.Hour)
	if found && cheapest.EffectivePLNKWh < price {
		hoursToWait := cheapest.Timestamp.Sub(in.Now).Hours()
		if hoursToWait < 0 {
			hoursToWait = 0
		}
		savingsPct := (price - cheapest.EffectivePLNKWh) / price * 100
		maxWait := dynamicMaxWait(savingsPct, soc)
		if savingsPct >= cfg.MinPriceSavingsPercent && hoursToWait <= maxWait {
			return Decision{
				Reason: fmt.Sprintf("significant price drop coming: %.3f -> %.3f in %.1fh (%.0f%% savings)",
					price, cheapest.EffectivePLNKWh, hoursToWait, savingsPct),
				Priority:   decision.PriorityHigh,
				Confidence: 0.7,
			}
		}
	}

	// Step 4: hold for PV if the sun is plausibly still rising.
	if soc > cfg.PVImprovementMinSOC && e.sunRising(in.Now) && in.Snapshot.PVPowerW > 0 {
		return Decision{
			Reason:     "critical SOC but PV generation rising toward midday, holding off grid charge",
			Priority:   decision.PriorityHigh,
			Confidence: 0.55,
		}
	}

	return Decision{
		ShouldCharge: true,
		TargetSOC:    cfg.TargetSOC,
		Reason:       fmt.Sprintf("critical SOC %.1f%%, no better window within reach", soc),
		Priority:     decision.PriorityCritical,
		Confidence:   0.8,
		Mutations:    e.startMutation(in.Now, soc, cfg.TargetSOC, false),
	}
}

// dynamicMaxWait scales the tolerated wait with the savings magnitude and
// shrinks it when the battery is nearly empty.
func dynamicMaxWait(savingsPct, soc float64) float64 {
	const baseHours = 3.0

	factor := 0.7
	if savingsPct > 30 {
		factor += 0.8 * (savingsPct - 30) / 40
		if factor > 1.5 {
			factor = 1.5
		}
	}
	urgency := 1.0
	if soc < 8 {
		urgency = 0.5
	}
	return baseHours * factor * urgency
}

// sunRising reports whether now falls between sunrise and solar noon.
func (e *Engine) sunRising(now time.Time) bool {
	times := suncalc.GetTimes(now.In(e.loc), e.lat, e.lon)
	sunrise := times[suncalc.Sunrise].Value
	noon := times[suncalc.SolarNoon].Value
	if sunrise.IsZero() || noon.IsZero() {
		return false
	}
	return now.After(sunrise) && now.Before(noon)
}

// multiWindow implements Rule 4 and the commitment mechanism.
func (e *Engine) multiWindow(in Inputs, price float64) Decision {
	cfg := e.policy.Charging
	soc := in.Snapshot.SOCPercent

	required := e.requiredChargeDuration(soc, cfg.TargetSOC)
	energyKWh := e.expectedEnergyKWh(soc, cfg.TargetSOC)

	// Commitment bookkeeping comes first: reaching or passing the window
	// resolves it before any new scan.
	commit := e.commitment
	expired := false
	if commit != nil {
		margin := time.Duration(cfg.CommitmentMarginMinutes) * time.Minute
		if in.Now.After(commit.WindowTime.Add(in.Curve.Slot())) {
			// Window passed without charging; drop it and rescan below.
			commit = nil
			expired = true
		} else if !in.Now.Before(commit.WindowTime.Add(-margin)) {
			return Decision{
				ShouldCharge: true,
				TargetSOC:    cfg.TargetSOC,
				Reason:       fmt.Sprintf("committed window at %s reached, charging", commit.WindowTime.In(e.loc).Format("15:04")),
				Priority:     decision.PriorityMedium,
				Confidence:   0.8,
				Mutations:    e.startAndClear(in.Now, soc, cfg.TargetSOC),
			}
		}
	}

	best, bestBenefit, bestSavings, bestInterim := e.bestWindow(in, price, required, energyKWh)

	if commit != nil {
		if best == nil || best.Timestamp.Equal(commit.WindowTime) {
			// Same plan as before: keep waiting.
			return Decision{
				Reason: fmt.Sprintf("holding commitment to window at %s (%.3f PLN/kWh)",
					commit.WindowTime.In(e.loc).Format("15:04"), commit.WindowPrice),
				Priority:   decision.PriorityMedium,
				Confidence: 0.7,
			}
		}
		// The best window moved: postpone, bounded by SOC.
		count := commit.PostponementCount + 1
		if count >= maxPostponementsForSOC(soc) {
			return Decision{
				ShouldCharge: true,
				TargetSOC:    cfg.TargetSOC,
				Reason:       fmt.Sprintf("postponement limit %d reached at SOC %.1f%%, charging now", maxPostponementsForSOC(soc), soc),
				Priority:     decision.PriorityHigh,
				Confidence:   0.75,
				Mutations:    e.startAndClear(in.Now, soc, cfg.TargetSOC),
			}
		}
		return Decision{
			Reason: fmt.Sprintf("re-committing to better window at %s (postponement %d)",
				best.Timestamp.In(e.loc).Format("15:04"), count),
			Priority:   decision.PriorityMedium,
			Confidence: 0.65,
			Mutations: Mutations{SetCommitment: &Commitment{
				WindowTime:        best.Timestamp,
				WindowPrice:       best.EffectivePLNKWh,
				PostponementCount: count,
			}},
		}
	}

	if best != nil && bestBenefit > cfg.NetBenefitThresholdPLN {
		return Decision{
			Reason: fmt.Sprintf("waiting for window at %s: savings %.2f PLN - interim cost %.2f PLN = net %.2f PLN",
				best.Timestamp.In(e.loc).Format("15:04"), bestSavings, bestInterim, bestBenefit),
			Priority:   decision.PriorityMedium,
			Confidence: 0.7,
			Mutations: Mutations{
				ClearCommitment: expired,
				SetCommitment: &Commitment{
					WindowTime:  best.Timestamp,
					WindowPrice: best.EffectivePLNKWh,
				},
			},
		}
	}

	reason := fmt.Sprintf("opportunistic charge at %.3f PLN/kWh: no future window beats charging now", price)
	if best != nil {
		reason = fmt.Sprintf("opportunistic charge at %.3f PLN/kWh: best window nets only %.2f PLN", price, bestBenefit)
	}
	return Decision{
		ShouldCharge: true,
		TargetSOC:    cfg.TargetSOC,
		Reason:       reason,
		Priority:     decision.PriorityMedium,
		Confidence:   0.7,
		Mutations:    e.startAndClear(in.Now, soc, cfg.TargetSOC),
	}
}

// bestWindow scans candidate windows within the evaluation horizon and
// returns the one with the highest net benefit.
func (e *Engine) bestWindow(in Inputs, price float64, required time.Duration, energyKWh float64) (*pricing.PricePoint, float64, float64, float64) {
	cfg := e.policy.Charging
	crit := in.Thresholds.CriticalChargePLNKWh
	horizon := time.Duration(cfg.EvaluationHorizonHours * float64(time.Hour))

	var best *pricing.PricePoint
	var bestBenefit, bestSavings, bestInterim float64

	for _, p := range in.Curve.Between(in.Now.Add(in.Curve.Slot()), in.Now.Add(horizon)) {
		if p.EffectivePLNKWh > crit {
			continue // hard block: never plan a charge above the critical threshold
		}
		if in.Curve.ContiguousBelow(p.Timestamp, crit) < required {
			continue // window too short to finish the charge
		}

		savings := (price - p.EffectivePLNKWh) * energyKWh
		var interim float64
		if in.Forecaster != nil {
			consumption := in.Forecaster.PredictedConsumptionKWh(in.Now, p.Timestamp)
			avgPrice := in.Curve.AveragePLNKWh(in.Now, p.Timestamp, price)
			interim = consumption * avgPrice
		} else {
			hours := p.Timestamp.Sub(in.Now).Hours()
			interim = cfg.FallbackLoadW / 1000 * hours * price
		}
		benefit := savings - interim

		if best == nil || benefit > bestBenefit {
			pp := p
			best = &pp
			bestBenefit = benefit
			bestSavings = savings
			bestInterim = interim
		}
	}
	return best, bestBenefit, bestSavings, bestInterim
}

// preventive implements Rule 5: top up cheaply before a long expensive
// stretch that would drain the battery below the comfort line.
func (e *Engine) preventive(in Inputs, price float64) (Decision, bool) {
	cfg := e.policy.Charging
	bat := e.policy.Battery
	soc := in.Snapshot.SOCPercent

	if soc < cfg.PreventiveMinSOC || soc > cfg.PreventiveMaxSOC {
		return Decision{}, false
	}
	if price > in.Thresholds.CriticalChargePLNKWh {
		return Decision{}, false
	}
	if e.ledger.countToday(in.Now) >= cfg.MaxPartialSessionsPerDay {
		slog.Debug("preventive charge skipped: partial session budget exhausted")
		return Decision{}, false
	}

	minDur := time.Duration(cfg.PreventiveMinHighHours * float64(time.Hour))
	for _, period := range in.Curve.PeriodsAbove(in.Now, 12*time.Hour, in.Thresholds.HighPricePLNKWh) {
		if period.Duration() < minDur {
			continue
		}
		var drainKWh float64
		if in.Forecaster != nil {
			drainKWh = in.Forecaster.PredictedConsumptionKWh(period.Start, period.End)
		} else {
			drainKWh = cfg.FallbackLoadW / 1000 * period.Duration().Hours()
		}
		drainSOC := drainKWh / bat.CapacityKWh * 100 / bat.DischargeEfficiency
		if soc-drainSOC >= cfg.PreventiveCriticalForecast {
			continue
		}

		neededSOC := cfg.PreventiveCriticalForecast + drainSOC - soc
		neededKWh := neededSOC / 100 * bat.CapacityKWh
		if neededKWh < cfg.MinPartialChargeKWh {
			neededKWh = cfg.MinPartialChargeKWh
			neededSOC = neededKWh / bat.CapacityKWh * 100
		}
		target := soc + neededSOC
		if target > cfg.NearFullSOC {
			target = cfg.NearFullSOC
		}

		m := e.startMutation(in.Now, soc, target, true)
		m.RecordPartial = true
		return Decision{
			ShouldCharge: true,
			TargetSOC:    target,
			Reason: fmt.Sprintf("preventive partial charge to %.1f%%: high-price period %s-%s would drain below %.1f%%",
				target, period.Start.In(e.loc).Format("15:04"), period.End.In(e.loc).Format("15:04"), cfg.PreventiveCriticalForecast),
			Priority:   decision.PriorityHigh,
			Confidence: 0.75,
			Mutations:  m,
		}, true
	}
	return Decision{}, false
}

// normalTier implements Rule 6.
func (e *Engine) normalTier(in Inputs, price float64) Decision {
	cfg := e.policy.Charging
	soc := in.Snapshot.SOCPercent

	if !cfg.HysteresisEnabled {
		return Decision{
			Reason:     fmt.Sprintf("normal tier at %.1f%%, hysteresis disabled, waiting", soc),
			Priority:   decision.PriorityLow,
			Confidence: 0.6,
		}
	}
	if soc >= cfg.NormalStartSOC {
		return Decision{
			Reason:     fmt.Sprintf("SOC %.1f%% at or above start threshold %.1f%%, no session", soc, cfg.NormalStartSOC),
			Priority:   decision.PriorityLow,
			Confidence: 0.7,
		}
	}
	if e.sessionsToday >= cfg.MaxSessionsPerDay {
		return Decision{
			Reason:     fmt.Sprintf("daily session budget exhausted (%d)", cfg.MaxSessionsPerDay),
			Priority:   decision.PriorityLow,
			Confidence: 0.7,
		}
	}
	// Depth counts the deepest dip since the last stop, not the current
	// SOC: a battery that discharged and partially recovered still cycled.
	lowest := e.lowestSinceStop
	if soc < lowest {
		lowest = soc
	}
	if e.haveStoppedOnce && e.lastStopSOC-lowest < cfg.MinDischargeDepth {
		return Decision{
			Reason: fmt.Sprintf("discharge depth %.1f%% since last charge below minimum %.1f%%",
				e.lastStopSOC-lowest, cfg.MinDischargeDepth),
			Priority:   decision.PriorityLow,
			Confidence: 0.65,
		}
	}

	entry, ok := e.entryPrice(in)
	if !ok || price > entry {
		return Decision{
			Reason:     fmt.Sprintf("price %.3f above hysteresis entry price %.3f, waiting", price, entry),
			Priority:   decision.PriorityLow,
			Confidence: 0.6,
		}
	}

	target := cfg.NormalStopSOC
	m := e.startMutation(in.Now, soc, target, false)
	// Enforce the minimum session duration through the protection window.
	minDur := time.Duration(cfg.MinSessionMinutes) * time.Minute
	if m.StartSession.ProtectedUntil.Sub(in.Now) < minDur {
		m.StartSession.ProtectedUntil = in.Now.Add(minDur)
	}
	return Decision{
		ShouldCharge: true,
		TargetSOC:    target,
		Reason:       fmt.Sprintf("hysteresis entry: SOC %.1f%% below %.1f%% and price %.3f at or below entry price %.3f", soc, cfg.NormalStartSOC, price, entry),
		Priority:     decision.PriorityLow,
		Confidence:   0.6,
		Mutations:    m,
	}
}

// entryPrice is the hysteresis entry gate: the configured percentile of
// recent prices, falling back to 1.10x the cheapest slot in the next 24 h.
func (e *Engine) entryPrice(in Inputs) (float64, bool) {
	cfg := e.policy.Charging
	recent := in.Curve.Between(in.Now.Add(-24*time.Hour), in.Now.Add(24*time.Hour))
	if len(recent) >= 12 {
		values := make([]float64, len(recent))
		for i, p := range recent {
			values[i] = p.EffectivePLNKWh
		}
		return pricing.Percentile(values, cfg.EntryPricePercentile), true
	}
	cheapest, found := in.Curve.CheapestWithin(in.Now, 24*time.Hour)
	if !found {
		return 0, false
	}
	return cheapest.EffectivePLNKWh * 1.10, true
}

// requiredChargeDuration estimates how long charging from soc to target
// takes at the configured charge power.
func (e *Engine) requiredChargeDuration(soc, target float64) time.Duration {
	if target <= soc {
		return 0
	}
	kwh := e.expectedEnergyKWh(soc, target)
	powerKW := float64(e.policy.Battery.ChargePowerW) / 1000
	if powerKW <= 0 {
		powerKW = e.policy.Battery.CapacityKWh / 3 // assume a 3 h full charge
	}
	return time.Duration(kwh / powerKW * float64(time.Hour))
}

// expectedEnergyKWh is the grid energy needed to lift soc to target.
func (e *Engine) expectedEnergyKWh(soc, target float64) float64 {
	if target <= soc {
		return 0
	}
	eff := e.policy.Battery.ChargeEfficiency
	if eff <= 0 {
		eff = 1
	}
	return (target - soc) / 100 * e.policy.Battery.CapacityKWh / eff
}

// startMutation builds the session-start patch with its protection window.
func (e *Engine) startMutation(now time.Time, soc, target float64, partial bool) Mutations {
	dur := e.requiredChargeDuration(soc, target)
	buffer := e.policy.Charging.ProtectionBuffer
	protected := now.Add(time.Duration(float64(dur) * (1 + buffer)))
	return Mutations{
		StartSession: &Session{
			StartTime:      now,
			StartSOC:       soc,
			TargetSOC:      target,
			ProtectedUntil: protected,
			Partial:        partial,
		},
		ClearCommitment: true,
	}
}

func (e *Engine) startAndClear(now time.Time, soc, target float64) Mutations {
	m := e.startMutation(now, soc, target, false)
	m.ClearCommitment = true
	return m
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
