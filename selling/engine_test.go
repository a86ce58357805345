package selling

import (
	"strings"
	"testing"
	"time"

	"github.com/energomat/energomat/clients/forecast"
	"github.com/energomat/energomat/clients/inverter"
	"github.com/energomat/energomat/decision"
	fc "github.com/energomat/energomat/forecast"
	"github.com/energomat/energomat/internal/config"
	"github.com/energomat/energomat/pricing"
)

func at(hour, min int) time.Time {
	return time.Date(2026, 1, 15, hour, min, 0, 0, time.UTC)
}

func newTestEngine(t *testing.T, mutate func(*config.Policy)) *Engine {
	t.Helper()
	policy := config.DefaultPolicy()
	if mutate != nil {
		mutate(&policy)
	}
	e, err := NewEngine(policy, t.TempDir(), time.UTC)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func snapshot(soc float64, ts time.Time) inverter.Snapshot {
	return inverter.Snapshot{
		SOCPercent:   soc,
		BatteryTempC: 20,
		GridVoltageV: 230,
		Timestamp:    ts,
	}
}

// hourlyCurve builds an hourly curve anchored one hour before now, with
// per-offset overrides keyed by hours from now.
func hourlyCurve(now time.Time, base float64, hours int, overrides map[int]float64) pricing.Curve {
	points := make([]pricing.PricePoint, 0, hours)
	for i := 0; i < hours; i++ {
		price := base
		if v, ok := overrides[i-1]; ok {
			price = v
		}
		points = append(points, pricing.PricePoint{
			Timestamp:       now.Truncate(time.Hour).Add(time.Duration(i-1) * time.Hour),
			EffectivePLNKWh: price,
		})
	}
	return pricing.NewCurve(points)
}

func sellInputs(now time.Time, soc float64, curve pricing.Curve, f *fc.Forecaster) Inputs {
	return Inputs{
		Now:        now,
		Snapshot:   snapshot(soc, now),
		Curve:      curve,
		CurveOK:    true,
		Thresholds: pricing.Thresholds{HighPricePLNKWh: 1.10, CriticalChargePLNKWh: 0.55},
		Forecaster: f,

		ForecastConfigured: true,
		ForecastOK:         true,
	}
}

func TestDecideDynamicMinSOCAtSuperPremiumPrice(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(17, 30)

	// Peak hour, super-premium price, recharge opportunity at 0.60 four
	// hours out: the floor drops to 70%.
	curve := hourlyCurve(now, 1.25, 24, map[int]float64{4: 0.60})
	d := e.Decide(sellInputs(now, 72, curve, fc.New(100)))

	if d.Action != ActionStart {
		t.Fatalf("expected start, got %s: %s", d.Action, d.Reason)
	}
	if !strings.Contains(d.Reason, "min SOC 70") {
		t.Errorf("expected lowered floor in reason, got: %s", d.Reason)
	}
	if d.Mutations.StartSession == nil {
		t.Fatal("expected a session start mutation")
	}
	if d.ExpectedRevenuePLN <= 0 {
		t.Errorf("expected positive revenue, got %.2f", d.ExpectedRevenuePLN)
	}
}

func TestDecideDefaultFloorBlocksOutsidePeakHours(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(12, 0)

	curve := hourlyCurve(now, 1.25, 24, map[int]float64{4: 0.60})
	d := e.Decide(sellInputs(now, 72, curve, fc.New(100)))

	if d.Action != ActionWait {
		t.Fatalf("expected wait below default floor, got %s: %s", d.Action, d.Reason)
	}
	if !strings.Contains(d.Reason, "below minimum") {
		t.Errorf("unexpected reason: %s", d.Reason)
	}
}

func TestDecideSellThenBuyBlock(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(17, 30)

	// Heavy household load ahead and an expensive buy-back slot: the sale
	// would cost more later than it earns now.
	curve := hourlyCurve(now, 0.85, 24, map[int]float64{5: 1.50})
	d := e.Decide(sellInputs(now, 82, curve, fc.New(800)))

	if d.Action != ActionWait {
		t.Fatalf("expected sell-then-buy block, got %s: %s", d.Action, d.Reason)
	}
	if !strings.Contains(d.Reason, "sell-then-buy") {
		t.Errorf("unexpected reason: %s", d.Reason)
	}
}

func TestDecideSmartTimingWaitsForForecastPeak(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(12, 0)

	curve := hourlyCurve(now, 1.00, 24, nil)
	in := sellInputs(now, 85, curve, fc.New(100))
	in.PriceForecast = []forecast.Point{
		{Timestamp: now.Add(3 * time.Hour), PLNPerKWh: 1.15, Confidence: 0.9},
	}
	d := e.Decide(in)

	if d.Action != ActionWait {
		t.Fatalf("expected wait for higher peak, got %s: %s", d.Action, d.Reason)
	}
	if !strings.Contains(d.Reason, "higher peak") {
		t.Errorf("unexpected reason: %s", d.Reason)
	}
}

func TestDecideEmergencySpikeOverridesFloors(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(12, 0)

	// SOC 60 is far under the default floor; the spike bypasses it.
	curve := hourlyCurve(now, 1.60, 24, nil)
	in := sellInputs(now, 60, curve, fc.New(800))
	in.ForecastOK = false
	d := e.Decide(in)

	if d.Action != ActionStart {
		t.Fatalf("expected emergency start, got %s: %s", d.Action, d.Reason)
	}
	if !strings.Contains(d.Reason, "emergency price spike") {
		t.Errorf("unexpected reason: %s", d.Reason)
	}
}

func TestDecideStartsWithoutForecastSource(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(12, 0)

	// No forecast source deployed at all: selling proceeds at confidence
	// zero with the default safety margin instead of being blocked.
	in := sellInputs(now, 85, hourlyCurve(now, 1.00, 24, nil), fc.New(100))
	in.ForecastConfigured = false
	in.ForecastOK = false
	d := e.Decide(in)

	if d.Action != ActionStart {
		t.Fatalf("expected start without forecast source, got %s: %s", d.Action, d.Reason)
	}
	if !strings.Contains(d.Reason, "margin 50") {
		t.Errorf("expected default margin in reason, got: %s", d.Reason)
	}
}

func TestDecideFailingForecastSourceBlocksStart(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(12, 0)

	in := sellInputs(now, 85, hourlyCurve(now, 1.00, 24, nil), fc.New(100))
	in.ForecastOK = false
	d := e.Decide(in)

	if d.Action != ActionWait || !strings.Contains(d.Reason, "forecast source failing") {
		t.Fatalf("expected forecast gate, got %s: %s", d.Action, d.Reason)
	}
}

func TestDecideNightHoursBlockExport(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(23, 0)

	curve := hourlyCurve(now, 1.00, 24, nil)
	d := e.Decide(sellInputs(now, 85, curve, fc.New(100)))

	if d.Action != ActionWait {
		t.Fatalf("expected wait at night, got %s: %s", d.Action, d.Reason)
	}
	if !strings.Contains(d.Reason, "night hours") {
		t.Errorf("unexpected reason: %s", d.Reason)
	}
}

func TestDecideEveningMarginIsConservative(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(19, 0)

	curve := hourlyCurve(now, 1.00, 24, nil)
	d := e.Decide(sellInputs(now, 52, curve, fc.New(100)))

	if d.Action != ActionWait {
		t.Fatalf("expected wait under evening margin, got %s: %s", d.Action, d.Reason)
	}
	if !strings.Contains(d.Reason, "safety margin 55") {
		t.Errorf("unexpected reason: %s", d.Reason)
	}
}

func TestDecideTemperatureGate(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(12, 0)

	in := sellInputs(now, 85, hourlyCurve(now, 1.00, 24, nil), fc.New(100))
	in.Snapshot.BatteryTempC = 55
	d := e.Decide(in)

	if d.Action != ActionWait || !strings.Contains(d.Reason, "temperature") {
		t.Fatalf("expected temperature gate, got %s: %s", d.Action, d.Reason)
	}
}

func TestDecideVoltageGate(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(12, 0)

	in := sellInputs(now, 85, hourlyCurve(now, 1.00, 24, nil), fc.New(100))
	in.Snapshot.GridVoltageV = 190
	d := e.Decide(in)

	if d.Action != ActionWait || !strings.Contains(d.Reason, "voltage") {
		t.Fatalf("expected voltage gate, got %s: %s", d.Action, d.Reason)
	}
}

func TestDecideDailyCycleLimit(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(12, 0)

	for i := 0; i < e.policy.Selling.MaxDailyCycles; i++ {
		start := &Session{ID: "s", StartTime: now, StartSOC: 85, TargetSOC: 80, Status: StatusActive}
		if err := e.Apply(Mutations{StartSession: start}, now, 85); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if err := e.Apply(Mutations{StopSession: true, StopStatus: StatusCompleted}, now, 83); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	d := e.Decide(sellInputs(now, 85, hourlyCurve(now, 1.00, 24, nil), fc.New(100)))

	if d.Action != ActionWait || !strings.Contains(d.Reason, "cycle limit") {
		t.Fatalf("expected cycle limit gate, got %s: %s", d.Action, d.Reason)
	}
}

func TestDecideDailyDropBudgetExhausted(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(12, 0)

	if err := e.ledger.record(now, e.policy.Selling.MaxSOCDropPerDay); err != nil {
		t.Fatalf("record: %v", err)
	}

	d := e.Decide(sellInputs(now, 85, hourlyCurve(now, 1.00, 24, nil), fc.New(100)))

	if d.Action != ActionWait || !strings.Contains(d.Reason, "budget exhausted") {
		t.Fatalf("expected drop budget gate, got %s: %s", d.Action, d.Reason)
	}
}

func TestDecideStopsSessionAtSafetyMargin(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(12, 0)

	start := &Session{ID: "s", StartTime: now.Add(-time.Hour), StartSOC: 70, TargetSOC: 50, Status: StatusActive}
	if err := e.Apply(Mutations{StartSession: start}, now.Add(-time.Hour), 70); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	d := e.Decide(sellInputs(now, 50.5, hourlyCurve(now, 1.00, 24, nil), fc.New(100)))

	if d.Action != ActionStop {
		t.Fatalf("expected stop at margin, got %s: %s", d.Action, d.Reason)
	}
	if d.Mutations.StopStatus != StatusCompleted {
		t.Errorf("stop status = %s, want completed", d.Mutations.StopStatus)
	}
}

func TestDecideContinuesHealthySession(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(12, 0)

	start := &Session{ID: "s", StartTime: now.Add(-time.Hour), StartSOC: 80, TargetSOC: 50, SellingPowerW: 3000, Status: StatusActive}
	if err := e.Apply(Mutations{StartSession: start}, now.Add(-time.Hour), 80); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	d := e.Decide(sellInputs(now, 70, hourlyCurve(now, 1.00, 24, nil), fc.New(100)))

	if d.Action != ActionContinue {
		t.Fatalf("expected continue, got %s: %s", d.Action, d.Reason)
	}
	if d.PowerW != 3000 {
		t.Errorf("power = %d, want 3000", d.PowerW)
	}
}

func TestApplyStopRecordsSOCDrop(t *testing.T) {
	e := newTestEngine(t, nil)
	now := at(12, 0)

	start := &Session{ID: "s", StartTime: now, StartSOC: 80, TargetSOC: 55, Status: StatusActive}
	if err := e.Apply(Mutations{StartSession: start}, now, 80); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := e.Apply(Mutations{StopSession: true, StopStatus: StatusCompleted}, now.Add(time.Hour), 60); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := e.ledger.usedToday(now); got != 20 {
		t.Errorf("recorded drop = %.1f, want 20", got)
	}
	if e.ActiveSession() != nil {
		t.Error("session should be closed")
	}
}

func TestRiskLevelOrdinalScore(t *testing.T) {
	cases := []struct {
		soc, price, dur float64
		want            decision.RiskLevel
	}{
		{80, 1.20, 1, decision.RiskLow},
		{55, 1.20, 1, decision.RiskMedium},
		{55, 0.70, 1, decision.RiskHigh},
		{80, 0.70, 3, decision.RiskHigh},
	}
	for _, c := range cases {
		if got := riskLevel(c.soc, c.price, c.dur); got != c.want {
			t.Errorf("riskLevel(%.0f, %.2f, %.0f) = %s, want %s", c.soc, c.price, c.dur, got, c.want)
		}
	}
}
