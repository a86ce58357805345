package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/energomat/energomat/charging"
	"github.com/energomat/energomat/clients/forecast"
	"github.com/energomat/energomat/clients/inverter"
	"github.com/energomat/energomat/clients/rdn"
	"github.com/energomat/energomat/decision"
	fc "github.com/energomat/energomat/forecast"
	"github.com/energomat/energomat/internal/config"
	"github.com/energomat/energomat/pricing"
	"github.com/energomat/energomat/selling"
	"github.com/energomat/energomat/storage"
)

var tickNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

type fakeInverter struct {
	mu          sync.Mutex
	fastCharges int
	fastStops   int
	modeCalls   []inverter.OperationMode
	exportCalls []int
	failAll     bool
}

func (f *fakeInverter) GetSnapshot() (inverter.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return inverter.Snapshot{}, inverter.ErrUnreachable
	}
	return inverter.Snapshot{}, nil
}

func (f *fakeInverter) SetOperationMode(mode inverter.OperationMode, _ int, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return inverter.ErrUnreachable
	}
	f.modeCalls = append(f.modeCalls, mode)
	return nil
}

func (f *fakeInverter) SetGridExportLimit(watts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return inverter.ErrUnreachable
	}
	f.exportCalls = append(f.exportCalls, watts)
	return nil
}

func (f *fakeInverter) StartFastCharge() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return inverter.ErrUnreachable
	}
	f.fastCharges++
	return nil
}

func (f *fakeInverter) StopFastCharge() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return inverter.ErrUnreachable
	}
	f.fastStops++
	return nil
}

type fakePrices struct{}

func (fakePrices) FetchDayAndNext(context.Context, time.Time) ([]rdn.MarketPrice, error) {
	return nil, nil
}

type fakeForecast struct{}

func (fakeForecast) FetchForecast(context.Context) ([]forecast.Point, error) { return nil, nil }

type memStore struct {
	mu    sync.Mutex
	recs  []decision.Record
	state []storage.SystemState
}

func (m *memStore) AppendDecision(_ context.Context, r decision.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) AppendSystemState(_ context.Context, s storage.SystemState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = append(m.state, s)
	return nil
}

func (m *memStore) Decisions(context.Context, time.Time, time.Time) ([]decision.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]decision.Record(nil), m.recs...), nil
}

func (m *memStore) LatestSystemState(context.Context, int) ([]storage.SystemState, error) {
	return nil, nil
}

func (m *memStore) Summary(context.Context, int, time.Month) (storage.MonthlySummary, error) {
	return storage.MonthlySummary{}, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) last(t *testing.T) decision.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recs) == 0 {
		t.Fatal("no decision recorded")
	}
	return m.recs[len(m.recs)-1]
}

type fixture struct {
	c     *Coordinator
	inv   *fakeInverter
	store *memStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	policy := config.DefaultPolicy()
	dataDir := t.TempDir()
	cfg := config.Config{
		DataDir:           dataDir,
		LoopIntervalS:     60,
		PriceRefreshS:     300,
		InverterRefreshS:  30,
		IOTimeoutS:        10,
		MetricsSnapshotS:  3600,
		ForceActionTTLMin: 60,
	}

	ce, err := charging.NewEngine(policy, dataDir, 52.23, 21.01, time.UTC)
	if err != nil {
		t.Fatalf("charging.NewEngine: %v", err)
	}
	se, err := selling.NewEngine(policy, dataDir, time.UTC)
	if err != nil {
		t.Fatalf("selling.NewEngine: %v", err)
	}

	inv := &fakeInverter{}
	store := &memStore{}
	c := New(cfg, policy, time.UTC, Deps{
		Inverter:   inv,
		Prices:     fakePrices{},
		Forecast:   fakeForecast{},
		Store:      store,
		Thresholds: pricing.NewThresholdEngine(policy.Thresholds),
		Charging:   ce,
		Selling:    se,
		Forecaster: fc.New(policy.Charging.FallbackLoadW),
		Metrics:    NewMetrics(nil),
		Logger:     slog.New(slog.DiscardHandler),
	})
	c.nowFunc = func() time.Time { return tickNow }
	return &fixture{c: c, inv: inv, store: store}
}

func (f *fixture) setSnapshot(soc float64) {
	f.c.snapState.mu.Lock()
	f.c.snapState.snap = inverter.Snapshot{
		SOCPercent:   soc,
		BatteryTempC: 20,
		GridVoltageV: 230,
		Timestamp:    tickNow,
	}
	f.c.snapState.ok = true
	f.c.snapState.mu.Unlock()
}

func (f *fixture) setCurve(price float64) {
	points := make([]pricing.PricePoint, 24)
	for i := range points {
		points[i] = pricing.PricePoint{
			Timestamp:       tickNow.Add(time.Duration(i-1) * time.Hour),
			EffectivePLNKWh: price,
		}
	}
	f.c.priceState.mu.Lock()
	f.c.priceState.curve = pricing.NewCurve(points)
	f.c.priceState.okCurve = true
	f.c.priceState.okFc = true
	f.c.priceState.mu.Unlock()
}

func TestTickWaitsOnMissingSnapshot(t *testing.T) {
	f := newFixture(t)
	f.setCurve(0.80)

	if err := f.c.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	rec := f.store.last(t)
	if rec.Kind != decision.KindWait || !strings.Contains(rec.Reason, "snapshot unavailable") {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestTickEmergencyChargeOutranksForceAction(t *testing.T) {
	f := newFixture(t)
	f.setSnapshot(4)
	f.setCurve(2.00)
	if err := f.c.ForceAction("discharge"); err != nil {
		t.Fatalf("ForceAction: %v", err)
	}

	if err := f.c.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if f.inv.fastCharges != 1 {
		t.Errorf("fast charges = %d, want 1", f.inv.fastCharges)
	}
	rec := f.store.last(t)
	if rec.Priority != decision.PriorityEmergency {
		t.Errorf("priority = %s, want emergency", rec.Priority)
	}
	// The force action survives for the next tick.
	if _, ok := f.c.force.peek(tickNow); !ok {
		t.Error("force action should remain pending after emergency override")
	}
}

func TestTickConsumesForceActionAtMostOnce(t *testing.T) {
	f := newFixture(t)
	f.setSnapshot(96)
	f.setCurve(0.80)
	if err := f.c.ForceAction("charge"); err != nil {
		t.Fatalf("ForceAction: %v", err)
	}

	if err := f.c.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.inv.fastCharges != 1 {
		t.Fatalf("fast charges = %d, want 1", f.inv.fastCharges)
	}
	rec := f.store.last(t)
	if rec.Action != "force_charge" {
		t.Errorf("action = %s, want force_charge", rec.Action)
	}
	if _, ok := f.c.force.peek(tickNow); ok {
		t.Error("force action must be consumed after execution")
	}

	// Second tick must not repeat the command.
	if err := f.c.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.inv.fastCharges != 1 {
		t.Errorf("fast charges after second tick = %d, want 1", f.inv.fastCharges)
	}
}

func TestTickForcedDischargeRaisesExportLimit(t *testing.T) {
	f := newFixture(t)
	f.setSnapshot(96)
	f.setCurve(0.80)
	if err := f.c.ForceAction("discharge"); err != nil {
		t.Fatalf("ForceAction: %v", err)
	}

	if err := f.c.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(f.inv.modeCalls) != 1 || f.inv.modeCalls[0] != inverter.ModeEcoDischarge {
		t.Fatalf("mode calls = %v, want eco discharge", f.inv.modeCalls)
	}
	if len(f.inv.exportCalls) != 1 || f.inv.exportCalls[0] != 3000 {
		t.Errorf("export calls = %v, want [3000]", f.inv.exportCalls)
	}
}

func TestTickRejectsDuplicateForceAction(t *testing.T) {
	f := newFixture(t)
	if err := f.c.ForceAction("charge"); err != nil {
		t.Fatalf("ForceAction: %v", err)
	}
	if err := f.c.ForceAction("auto"); err == nil {
		t.Error("expected pending force action to block a new one")
	}
}

func TestTickFatalAfterRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.setSnapshot(4)
	f.setCurve(2.00)
	f.inv.failAll = true

	err := f.c.tick(context.Background())
	if err == nil {
		t.Fatal("expected fatal action failure")
	}
	if !strings.Contains(err.Error(), "fatal_action_failure") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPollWatchdogSignalsInverterLost(t *testing.T) {
	f := newFixture(t)
	f.c.cfg.FatalTimeoutS = 600
	f.inv.failAll = true
	f.c.snapState.lastSuccess = tickNow
	l := slog.New(slog.DiscardHandler)

	// Five minutes of silence is still within the timeout.
	f.c.nowFunc = func() time.Time { return tickNow.Add(5 * time.Minute) }
	f.c.pollInverter(l)
	select {
	case err := <-f.c.fatalCh:
		t.Fatalf("watchdog fired early: %v", err)
	default:
	}

	// Past the timeout the control loop must be told to give up.
	f.c.nowFunc = func() time.Time { return tickNow.Add(11 * time.Minute) }
	f.c.pollInverter(l)
	select {
	case err := <-f.c.fatalCh:
		if !errors.Is(err, ErrInverterLost) {
			t.Errorf("unexpected error: %v", err)
		}
	default:
		t.Fatal("expected inverter-lost signal")
	}
}

func TestControlLoopReturnsFatalSignal(t *testing.T) {
	f := newFixture(t)
	f.setSnapshot(50)
	f.setCurve(0.80)
	f.c.fatalCh <- ErrInverterLost

	err := f.c.controlLoop(context.Background())
	if !errors.Is(err, ErrInverterLost) {
		t.Errorf("controlLoop error = %v, want inverter lost", err)
	}
}

func TestTickWaitRecordsBothEngineReasons(t *testing.T) {
	f := newFixture(t)
	// SOC above every charge band with an expensive price: both engines
	// should decline.
	f.setSnapshot(96)
	f.setCurve(1.00)

	if err := f.c.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	rec := f.store.last(t)
	if rec.Kind != decision.KindWait {
		t.Fatalf("kind = %s, want wait: %s", rec.Kind, rec.Reason)
	}
	if !strings.Contains(rec.Reason, "charge:") || !strings.Contains(rec.Reason, "sell:") {
		t.Errorf("expected combined reason, got: %s", rec.Reason)
	}
}

func TestTickFlagsStaleSnapshotInReason(t *testing.T) {
	f := newFixture(t)
	f.setCurve(1.00)
	// Stale but still usable: the tick proceeds and the record carries the
	// snapshot age.
	f.c.snapState.mu.Lock()
	f.c.snapState.snap = inverter.Snapshot{
		SOCPercent:   96,
		BatteryTempC: 20,
		GridVoltageV: 230,
		Timestamp:    tickNow.Add(-5 * time.Minute),
	}
	f.c.snapState.ok = true
	f.c.snapState.mu.Unlock()

	if err := f.c.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	rec := f.store.last(t)
	if rec.Kind != decision.KindWait {
		t.Fatalf("kind = %s, want wait: %s", rec.Kind, rec.Reason)
	}
	if !strings.Contains(rec.Reason, "snapshot 5m0s old") {
		t.Errorf("expected stale-snapshot note, got: %s", rec.Reason)
	}
}

func TestRecentDecisionsRingBuffer(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 300; i++ {
		f.c.publish(decision.Record{Action: "wait", Timestamp: tickNow.Add(time.Duration(i) * time.Minute)})
	}
	got := f.c.RecentDecisions(1000)
	if len(got) != 256 {
		t.Errorf("ring buffer holds %d, want 256", len(got))
	}
	if !got[0].Timestamp.After(got[len(got)-1].Timestamp) {
		t.Error("expected newest-first ordering")
	}
}

func TestSubscribeReceivesPublishedDecisions(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.c.Subscribe()
	defer cancel()

	f.c.publish(decision.Record{Action: "start_charge"})

	select {
	case rec := <-ch:
		if rec.Action != "start_charge" {
			t.Errorf("action = %s, want start_charge", rec.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("no record received")
	}
}
