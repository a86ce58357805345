// Package selling implements the battery-selling decision engine: safety
// gates, risk-adjusted safety margins, price-keyed dynamic SOC floors,
// sell-then-buy prevention, SOC-drop budgets and smart timing against
// forecast peaks.
package selling

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/energomat/energomat/clients/forecast"
	"github.com/energomat/energomat/clients/inverter"
	"github.com/energomat/energomat/decision"
	fc "github.com/energomat/energomat/forecast"
	"github.com/energomat/energomat/internal/config"
	"github.com/energomat/energomat/pricing"
)

// Action is the selling engine verdict for one cycle.
type Action string

const (
	ActionStart    Action = "start"
	ActionContinue Action = "continue"
	ActionStop     Action = "stop"
	ActionWait     Action = "wait"
)

// Battery temperature and grid voltage operating windows. Selling outside
// these bounds is never worth the hardware risk.
const (
	minBatteryTempC = -20
	maxBatteryTempC = 50
	minGridVoltageV = 200
	maxGridVoltageV = 250
)

// Price-keyed minimum SOC floors used when dynamic thresholds apply.
const (
	superPremiumPrice = 1.20
	premiumPrice      = 0.90
	elevatedPrice     = 0.80

	superPremiumMinSOC = 70
	premiumMinSOC      = 75
	elevatedMinSOC     = 60
)

// Inputs is the consistent snapshot the engine decides from.
type Inputs struct {
	Now           time.Time
	Snapshot      inverter.Snapshot
	Curve         pricing.Curve
	CurveOK       bool
	Thresholds    pricing.Thresholds
	Forecaster    *fc.Forecaster
	PriceForecast []forecast.Point

	// ForecastConfigured reports whether a forecast source exists at all.
	// Without one the engine sells at confidence zero; a configured source
	// that stopped answering blocks non-emergency starts instead.
	ForecastConfigured bool
	ForecastOK         bool
}

// Decision is the selling engine output.
type Decision struct {
	Action             Action
	PowerW             int
	ExpectedRevenuePLN float64
	Reason             string
	Confidence         float64
	Risk               decision.RiskLevel
	Mutations          Mutations
}

// Engine is the selling decision engine. Session state and the SOC-drop
// ledger live here; Decide is read-only and Apply commits the patch.
type Engine struct {
	mu     sync.Mutex
	policy config.Policy
	loc    *time.Location

	session     *Session
	cyclesToday int
	cyclesDay   time.Time
	ledger      *dropLedger
}

// NewEngine creates the engine and loads the SOC-drop ledger.
func NewEngine(policy config.Policy, dataDir string, loc *time.Location) (*Engine, error) {
	if loc == nil {
		loc = time.UTC
	}
	e := &Engine{
		policy: policy,
		loc:    loc,
		ledger: newDropLedger(dataDir, loc),
	}
	if err := e.ledger.load(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reconfigure swaps the policy on hot-reload. The active session survives.
func (e *Engine) Reconfigure(policy config.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy
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

// Apply commits a decision's state patch. endSOC is the SOC at apply time;
// on session stop the drop since session start is charged to the ledger.
func (e *Engine) Apply(m Mutations, now time.Time, endSOC float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m.StopSession && e.session != nil {
		drop := e.session.StartSOC - endSOC
		e.session = nil
		if err := e.ledger.record(now, drop); err != nil {
			return err
		}
	}
	if m.StartSession != nil {
		s := *m.StartSession
		e.session = &s

		day := midnight(now.In(e.loc))
		if !day.Equal(e.cyclesDay) {
			e.cyclesDay = day
			e.cyclesToday = 0
		}
		e.cyclesToday++
	}
	return nil
}

// Decide runs the selling evaluation for one cycle.
func (e *Engine) Decide(in Inputs) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := in.Snapshot

	if snap.Unusable(in.Now) {
		return wait(fmt.Sprintf("snapshot stale by %s, refusing to act",
			in.Now.Sub(snap.Timestamp).Round(time.Second)))
	}

	if e.session != nil {
		return e.continueSession(in)
	}

	if !in.CurveOK || in.Curve.Empty() {
		return wait("price curve unavailable")
	}
	price, ok := in.Curve.PriceAt(in.Now)
	if !ok {
		return wait("no price for current slot")
	}

	return e.evaluateStart(in, price)
}

// continueSession decides whether an active export cycle keeps running.
func (e *Engine) continueSession(in Inputs) Decision {
	sess := e.session
	soc := in.Snapshot.SOCPercent

	// One point of hysteresis above the safety margin when stopping.
	if soc <= sess.TargetSOC+1 {
		return Decision{
			Action:    ActionStop,
			Reason:    fmt.Sprintf("SOC %.1f%% reached safety margin %.1f%%", soc, sess.TargetSOC),
			Mutations: Mutations{StopSession: true, StopStatus: StatusCompleted},
		}
	}
	if in.Snapshot.BatteryTempC < minBatteryTempC || in.Snapshot.BatteryTempC > maxBatteryTempC {
		return Decision{
			Action:    ActionStop,
			Reason:    fmt.Sprintf("battery temperature %.1fC out of range", in.Snapshot.BatteryTempC),
			Mutations: Mutations{StopSession: true, StopStatus: StatusCancelled},
		}
	}
	if e.isNightHour(in.Now) {
		return Decision{
			Action:    ActionStop,
			Reason:    "night hours reached, stopping export",
			Mutations: Mutations{StopSession: true, StopStatus: StatusCancelled},
		}
	}
	return Decision{
		Action: ActionContinue,
		PowerW: sess.SellingPowerW,
		Reason: fmt.Sprintf("export continues toward %.1f%%", sess.TargetSOC),
	}
}

// evaluateStart runs the gate cascade for opening a new export cycle.
func (e *Engine) evaluateStart(in Inputs, price float64) Decision {
	cfg := e.policy.Selling
	bat := e.policy.Battery
	snap := in.Snapshot
	soc := snap.SOCPercent

	emergency := price >= cfg.EmergencyPricePLN
	conf := e.forecastConfidence(in)
	margin := e.effectiveMargin(in.Now, conf)

	// Hard safety gates first.
	if snap.BatteryTempC < minBatteryTempC || snap.BatteryTempC > maxBatteryTempC {
		return wait(fmt.Sprintf("battery temperature %.1fC out of range", snap.BatteryTempC))
	}
	if snap.GridVoltageV > 0 && (snap.GridVoltageV < minGridVoltageV || snap.GridVoltageV > maxGridVoltageV) {
		return wait(fmt.Sprintf("grid voltage %.1fV out of range", snap.GridVoltageV))
	}
	if soc <= margin {
		return wait(fmt.Sprintf("SOC %.1f%% at or below safety margin %.1f%%", soc, margin))
	}
	if e.cyclesTodayLocked(in.Now) >= cfg.MaxDailyCycles {
		return wait(fmt.Sprintf("daily cycle limit %d reached", cfg.MaxDailyCycles))
	}
	if e.isNightHour(in.Now) && !emergency {
		return wait("night hours, export disabled")
	}
	if in.ForecastConfigured && !in.ForecastOK && !emergency {
		return wait("forecast source failing, refusing to start export")
	}

	// Minimum SOC floor, lowered on premium prices when a recharge window
	// exists later in the day.
	minSOC := cfg.MinSOCDefault
	if !emergency {
		minSOC = e.minSOCToStart(in, price)
		if soc < minSOC {
			return wait(fmt.Sprintf("SOC %.1f%% below minimum %.1f%% for price %.3f", soc, minSOC, price))
		}
	}

	// SOC-drop budget.
	dayRemaining := cfg.MaxSOCDropPerDay - e.ledger.usedToday(in.Now)
	if dayRemaining <= 0 {
		return wait("daily SOC-drop budget exhausted")
	}
	plannedDrop := min3(cfg.MaxSOCDropPerSess, dayRemaining, soc-margin)
	if plannedDrop <= 0 {
		return wait("no sellable energy above safety margin")
	}

	deliverableKWh := plannedDrop / 100 * bat.CapacityKWh * bat.DischargeEfficiency
	powerKW := float64(bat.SellPowerW) / 1000
	durationHours := deliverableKWh / powerKW
	revenue := expectedRevenue(deliverableKWh, price, cfg.RevenueFactor)

	// Sell-then-buy prevention: a sale that forces an expensive buy-back
	// later is a net loss.
	var deficitKWh float64
	if !emergency {
		var blocked bool
		deficitKWh, blocked = e.sellThenBuyCheck(in, soc, plannedDrop, margin, deliverableKWh, revenue)
		if blocked {
			return wait(fmt.Sprintf("sell-then-buy risk: projected deficit %.1f kWh would cost more to buy back than %.2f PLN revenue",
				deficitKWh, revenue))
		}

		// Smart timing: hold for a clearly better peak close ahead.
		if peak, at, found := e.betterPeakAhead(in, price); found {
			return wait(fmt.Sprintf("higher peak %.3f PLN/kWh at %s, holding", peak, at.In(e.loc).Format("15:04")))
		}
	}

	reason := fmt.Sprintf("starting export at %.3f PLN/kWh (min SOC %.0f%%, margin %.0f%%, %.1f kWh planned)",
		price, minSOC, margin, deliverableKWh)
	if emergency {
		reason = fmt.Sprintf("emergency price spike %.3f PLN/kWh, exporting %.1f kWh", price, deliverableKWh)
	}

	target := soc - plannedDrop
	if target < margin {
		target = margin
	}
	return Decision{
		Action:             ActionStart,
		PowerW:             bat.SellPowerW,
		ExpectedRevenuePLN: revenue,
		Reason:             reason,
		Confidence:         e.confidence(in, soc, price, margin, minSOC, deficitKWh, deliverableKWh),
		Risk:               riskLevel(soc, price, durationHours),
		Mutations: Mutations{StartSession: &Session{
			ID:                 newSessionID(in.Now),
			StartTime:          in.Now,
			StartSOC:           soc,
			TargetSOC:          target,
			SellingPowerW:      bat.SellPowerW,
			ExpectedRevenuePLN: revenue,
			Status:             StatusActive,
		}},
	}
}

// effectiveMargin is the risk-adjusted SOC floor below which selling is
// forbidden.
func (e *Engine) effectiveMargin(now time.Time, confidence float64) float64 {
	cfg := e.policy.Selling
	hour := now.In(e.loc).Hour()
	if hour >= 18 && hour < 22 {
		return cfg.EveningMargin
	}
	if confidence >= cfg.AggressiveMinConf {
		return cfg.AggressiveMargin
	}
	return cfg.ModerateMargin
}

// minSOCToStart returns the price-keyed SOC floor. The table only applies
// during peak hours with a recharge opportunity later in the day.
func (e *Engine) minSOCToStart(in Inputs, price float64) float64 {
	cfg := e.policy.Selling
	if !cfg.DynamicThresholds || !e.isPeakHour(in.Now) {
		return cfg.MinSOCDefault
	}
	lookahead := time.Duration(cfg.RechargeLookaheadH * float64(time.Hour))
	cheapest, found := in.Curve.CheapestWithin(in.Now, lookahead)
	if !found || cheapest.EffectivePLNKWh > cfg.RechargeRatio*price {
		return cfg.MinSOCDefault
	}
	switch {
	case price >= superPremiumPrice:
		return superPremiumMinSOC
	case price >= premiumPrice:
		return premiumMinSOC
	case price >= elevatedPrice:
		return elevatedMinSOC
	default:
		return cfg.MinSOCDefault
	}
}

// sellThenBuyCheck estimates the household energy deficit the sale would
// create and blocks when buying it back later costs more than the sale earns.
func (e *Engine) sellThenBuyCheck(in Inputs, soc, plannedDrop, margin, deliverableKWh, revenue float64) (float64, bool) {
	cfg := e.policy.Selling
	bat := e.policy.Battery

	horizon := 12 * time.Hour
	var consumptionKWh float64
	if in.Forecaster != nil {
		consumptionKWh = in.Forecaster.PredictedConsumptionKWh(in.Now, in.Now.Add(horizon))
	} else {
		consumptionKWh = e.policy.Charging.FallbackLoadW / 1000 * horizon.Hours()
	}

	// Energy the household can still pull from the battery after the sale,
	// down to the critical reserve.
	postSOC := soc - plannedDrop
	reserve := e.policy.Charging.CriticalSOC
	availableKWh := (postSOC - reserve) / 100 * bat.CapacityKWh * bat.DischargeEfficiency
	if availableKWh < 0 {
		availableKWh = 0
	}

	deficit := consumptionKWh*cfg.BuyBackSafetyFactor - availableKWh
	if deficit <= 0 {
		return 0, false
	}
	if deficit > cfg.DeficitBlockRatio*deliverableKWh {
		return deficit, true
	}

	maxFuture, found := in.Curve.MaxWithin(in.Now, horizon)
	if found && deficit*maxFuture.EffectivePLNKWh > cfg.BuyBackCostRatio*revenue {
		return deficit, true
	}
	return deficit, false
}

// betterPeakAhead reports a significantly higher forecast peak within the
// lookahead window. Day-ahead curve slots count as fully confident.
func (e *Engine) betterPeakAhead(in Inputs, price float64) (float64, time.Time, bool) {
	cfg := e.policy.Selling
	limit := price * (1 + cfg.PeakImprovement)
	horizon := time.Duration(cfg.PeakLookaheadHours * float64(time.Hour))
	until := in.Now.Add(horizon)

	for _, p := range in.PriceForecast {
		if p.Timestamp.After(in.Now) && p.Timestamp.Before(until) &&
			p.PLNPerKWh >= limit && p.Confidence >= cfg.MinPeakConfidence {
			return p.PLNPerKWh, p.Timestamp, true
		}
	}
	if max, found := in.Curve.MaxWithin(in.Now.Add(in.Curve.Slot()), horizon); found && max.EffectivePLNKWh >= limit {
		return max.EffectivePLNKWh, max.Timestamp, true
	}
	return 0, time.Time{}, false
}

// forecastConfidence is the mean confidence of forecast points in the next
// six hours, zero when no forecast is available.
func (e *Engine) forecastConfidence(in Inputs) float64 {
	until := in.Now.Add(6 * time.Hour)
	var sum float64
	var n int
	for _, p := range in.PriceForecast {
		if p.Timestamp.After(in.Now) && p.Timestamp.Before(until) {
			sum += p.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// confidence is the weighted decision confidence: SOC headroom 30%, price
// magnitude 30%, household deficit 20%, peak-hour bonus 10%, margin
// headroom 10%.
func (e *Engine) confidence(in Inputs, soc, price, margin, minSOC, deficitKWh, deliverableKWh float64) float64 {
	cfg := e.policy.Selling

	headroom := clamp01((soc - margin) / 50)
	magnitude := clamp01(price / cfg.EmergencyPricePLN)
	deficitScore := 1.0
	if deliverableKWh > 0 {
		deficitScore = clamp01(1 - deficitKWh/deliverableKWh)
	}
	peakBonus := 0.0
	if e.isPeakHour(in.Now) {
		peakBonus = 1
	}
	marginHeadroom := clamp01((soc - minSOC) / 20)

	return clamp01(0.30*headroom + 0.30*magnitude + 0.20*deficitScore + 0.10*peakBonus + 0.10*marginHeadroom)
}

// riskLevel scores SOC, price and session duration ordinally.
func riskLevel(soc, price, durationHours float64) decision.RiskLevel {
	score := 0
	if soc < 60 {
		score++
	}
	if price < 0.80 {
		score++
	}
	if durationHours > 2 {
		score++
	}
	switch {
	case score == 0:
		return decision.RiskLow
	case score == 1:
		return decision.RiskMedium
	default:
		return decision.RiskHigh
	}
}

// expectedRevenue computes revenue in PLN with decimal arithmetic to avoid
// float drift in money values.
func expectedRevenue(deliverableKWh, pricePLNKWh, factor float64) float64 {
	rev := decimal.NewFromFloat(deliverableKWh).
		Mul(decimal.NewFromFloat(pricePLNKWh)).
		Mul(decimal.NewFromFloat(factor))
	f, _ := rev.Round(2).Float64()
	return f
}

func (e *Engine) isPeakHour(now time.Time) bool {
	hour := now.In(e.loc).Hour()
	return hour >= e.policy.Selling.PeakHourStart && hour < e.policy.Selling.PeakHourEnd
}

func (e *Engine) isNightHour(now time.Time) bool {
	hour := now.In(e.loc).Hour()
	start, end := e.policy.Selling.NightHourStart, e.policy.Selling.NightHourEnd
	if start > end { // wraps midnight
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

// cyclesTodayLocked returns today's started cycle count; caller holds e.mu.
func (e *Engine) cyclesTodayLocked(now time.Time) int {
	if !midnight(now.In(e.loc)).Equal(e.cyclesDay) {
		return 0
	}
	return e.cyclesToday
}

func wait(reason string) Decision {
	return Decision{Action: ActionWait, Reason: reason}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func min3(a, b, c float64) float64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
