// Package coordinator drives the control loop: it polls the inverter and
// the price source through background workers, invokes the charging and
// selling engines on a consistent snapshot every tick, resolves their
// outputs into a single action and applies it to the inverter.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
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

// ErrFatalActionFailure is returned by Run when an inverter command keeps
// failing after retries. The process should exit non-zero.
var ErrFatalActionFailure = errors.New("fatal_action_failure")

// ErrInverterLost is returned by Run when no valid inverter snapshot has
// arrived for longer than the configured fatal timeout.
var ErrInverterLost = errors.New("inverter_lost")

// InverterClient is the inverter collaborator surface the coordinator needs.
type InverterClient interface {
	GetSnapshot() (inverter.Snapshot, error)
	SetOperationMode(mode inverter.OperationMode, powerPercent int, minSOC float64) error
	SetGridExportLimit(watts int) error
	StartFastCharge() error
	StopFastCharge() error
}

// PriceSource fetches raw day-ahead market prices.
type PriceSource interface {
	FetchDayAndNext(ctx context.Context, businessDate time.Time) ([]rdn.MarketPrice, error)
}

// ForecastSource fetches price forecasts with confidence.
type ForecastSource interface {
	FetchForecast(ctx context.Context) ([]forecast.Point, error)
}

// priceCache is the price refresher's output, read by the control loop.
type priceCache struct {
	mu        sync.RWMutex
	curve     pricing.Curve
	forecastP []forecast.Point
	okCurve   bool
	okFc      bool
	fetchedAt time.Time
}

// snapshotCache is the inverter poller's output. lastSuccess feeds the
// inverter-lost watchdog.
type snapshotCache struct {
	mu          sync.RWMutex
	snap        inverter.Snapshot
	ok          bool
	lastSuccess time.Time
}

// Coordinator wires the engines, collaborators and workers together.
type Coordinator struct {
	cfg config.Config
	loc *time.Location
	l   *slog.Logger

	policyMu sync.RWMutex
	policy   config.Policy

	inv      InverterClient
	prices   PriceSource
	fcSource ForecastSource
	store    storage.Store

	tariff     *pricing.TariffCalculator
	thresholds *pricing.ThresholdEngine
	charging   *charging.Engine
	selling    *selling.Engine
	forecaster *fc.Forecaster

	force      *forceActionFile
	priceCache *priceCacheFile
	metrics    *Metrics

	priceState priceCache
	snapState  snapshotCache
	fatalCh    chan error

	recentMu sync.Mutex
	recent   []decision.Record
	subs     map[chan decision.Record]struct{}

	efficiencyMu sync.Mutex
	efficiency   float64

	nowFunc func() time.Time
}

// Deps carries the collaborators; the coordinator owns no I/O clients
// directly so tests can fake them.
type Deps struct {
	Inverter   InverterClient
	Prices     PriceSource
	Forecast   ForecastSource
	Store      storage.Store
	Thresholds *pricing.ThresholdEngine
	Charging   *charging.Engine
	Selling    *selling.Engine
	Forecaster *fc.Forecaster
	Metrics    *Metrics
	Logger     *slog.Logger
}

// New creates a coordinator.
func New(cfg config.Config, policy config.Policy, loc *time.Location, d Deps) *Coordinator {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	m := d.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Coordinator{
		cfg:        cfg,
		loc:        loc,
		l:          l.With("component", "coordinator"),
		policy:     policy,
		inv:        d.Inverter,
		prices:     d.Prices,
		fcSource:   d.Forecast,
		store:      d.Store,
		tariff:     pricing.NewTariffCalculator(policy.Tariff, loc),
		thresholds: d.Thresholds,
		charging:   d.Charging,
		selling:    d.Selling,
		forecaster: d.Forecaster,
		force:      newForceActionFile(cfg.DataDir, time.Duration(cfg.ForceActionTTLMin)*time.Minute),
		priceCache: newPriceCacheFile(cfg.DataDir),
		metrics:    m,
		fatalCh:    make(chan error, 1),
		subs:       map[chan decision.Record]struct{}{},
		nowFunc:    time.Now,
	}
}

// Reload re-reads the policy file and pushes the new policy into every
// engine. Sessions and learned thresholds survive.
func (c *Coordinator) Reload() error {
	policy, err := config.LoadPolicy(c.cfg.PolicyPath)
	if err != nil {
		return err
	}
	c.policyMu.Lock()
	c.policy = policy
	c.tariff = pricing.NewTariffCalculator(policy.Tariff, c.loc)
	c.policyMu.Unlock()

	c.thresholds.Reconfigure(policy.Thresholds)
	c.charging.Reconfigure(policy)
	c.selling.Reconfigure(policy)
	c.l.Info("configuration reloaded", "policy_path", c.cfg.PolicyPath)
	return nil
}

// ForceAction stores an external one-shot command consumed by the next tick.
func (c *Coordinator) ForceAction(action string) error {
	return c.force.write(action, c.nowFunc())
}

// Run starts the workers and the control loop. It blocks until ctx is
// cancelled or a fatal action failure occurs.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	// The lost-inverter clock starts at boot so a plant that never answers
	// still trips the watchdog.
	c.snapState.mu.Lock()
	if c.snapState.lastSuccess.IsZero() {
		c.snapState.lastSuccess = c.nowFunc()
	}
	c.snapState.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.priceRefresher(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.inverterPoller(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.metricsSnapshotter(ctx)
	}()

	err := c.controlLoop(ctx)

	wg.Wait()
	c.shutdown()
	return err
}

func (c *Coordinator) controlLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.LoopInterval())
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.fatalCh:
			return err
		case <-ticker.C:
			if err := c.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// priceRefresher fetches the price curve and forecast on a fixed cadence
// and publishes into the cache.
func (c *Coordinator) priceRefresher(ctx context.Context) {
	l := c.l.With("worker", "price_refresher")
	interval := time.Duration(c.cfg.PriceRefreshS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The on-disk cache bridges restarts until the first fetch succeeds.
	if points, fetchedAt, ok := c.priceCache.load(c.nowFunc(), c.loc); ok {
		curve := pricing.NewCurve(points)
		c.priceState.mu.Lock()
		c.priceState.curve = curve
		c.priceState.okCurve = true
		c.priceState.fetchedAt = fetchedAt
		c.priceState.mu.Unlock()
		c.thresholds.Observe(points)
		l.Info("price cache restored", "slots", len(points), "fetched_at", fetchedAt)
	}

	c.refreshPrices(ctx, l)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshPrices(ctx, l)
		}
	}
}

func (c *Coordinator) refreshPrices(ctx context.Context, l *slog.Logger) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.IOTimeout())
	defer cancel()

	raw, err := c.prices.FetchDayAndNext(fetchCtx, c.nowFunc().In(c.loc))
	if err != nil {
		l.Error("price fetch failed", "err", err)
		// A previously fetched curve stays valid for the slots it covers.
		c.priceState.mu.Lock()
		if _, ok := c.priceState.curve.PriceAt(c.nowFunc()); !ok {
			c.priceState.okCurve = false
		}
		c.priceState.mu.Unlock()
		return
	}

	c.policyMu.RLock()
	tariff := c.tariff
	c.policyMu.RUnlock()

	points := make([]pricing.PricePoint, 0, len(raw))
	for _, p := range raw {
		effective, err := tariff.EffectivePrice(p.PLNPerMWh, p.Timestamp, "")
		if err != nil {
			l.Warn("skipping unpriceable slot", "ts", p.Timestamp, "err", err)
			continue
		}
		points = append(points, pricing.PricePoint{
			Timestamp:       p.Timestamp,
			MarketPLNMWh:    p.PLNPerMWh,
			EffectivePLNKWh: effective,
		})
	}
	curve := pricing.NewCurve(points)
	c.thresholds.Observe(points)

	var fcPoints []forecast.Point
	fcOK := false
	if c.fcSource != nil {
		fcCtx, cancelFc := context.WithTimeout(ctx, c.cfg.IOTimeout())
		fcPoints, err = c.fcSource.FetchForecast(fcCtx)
		cancelFc()
		if err != nil {
			l.Warn("forecast fetch failed", "err", err)
		} else {
			fcOK = true
		}
	}

	fetchedAt := c.nowFunc()
	c.priceState.mu.Lock()
	c.priceState.curve = curve
	c.priceState.okCurve = !curve.Empty()
	c.priceState.forecastP = fcPoints
	c.priceState.okFc = fcOK
	c.priceState.fetchedAt = fetchedAt
	c.priceState.mu.Unlock()

	if !curve.Empty() {
		if err := c.priceCache.save(points, fetchedAt, c.loc); err != nil {
			l.Warn("price cache write failed", "err", err)
		}
	}
	l.Debug("price curve refreshed", "slots", len(points))
}

// inverterPoller refreshes the snapshot cache.
func (c *Coordinator) inverterPoller(ctx context.Context) {
	l := c.l.With("worker", "inverter_poller")
	ticker := time.NewTicker(time.Duration(c.cfg.InverterRefreshS) * time.Second)
	defer ticker.Stop()

	c.pollInverter(l)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollInverter(l)
		}
	}
}

func (c *Coordinator) pollInverter(l *slog.Logger) {
	snap, err := c.inv.GetSnapshot()
	if err != nil {
		l.Error("inverter poll failed", "err", err)
		c.checkInverterLost(err)
		return
	}
	if err := snap.Valid(); err != nil {
		l.Warn("discarding invalid snapshot", "err", err)
		c.checkInverterLost(err)
		return
	}
	c.snapState.mu.Lock()
	c.snapState.snap = snap
	c.snapState.ok = true
	c.snapState.lastSuccess = c.nowFunc()
	c.snapState.mu.Unlock()

	c.metrics.SOCPercent.Set(snap.SOCPercent)
	c.forecaster.Add(fc.Sample{Timestamp: snap.Timestamp, LoadW: snap.LoadPowerW, PVW: snap.PVPowerW})
}

// checkInverterLost signals the control loop once the inverter has been
// silent past the fatal timeout.
func (c *Coordinator) checkInverterLost(cause error) {
	timeout := c.cfg.FatalTimeout()
	if timeout <= 0 {
		return
	}
	c.snapState.mu.RLock()
	last := c.snapState.lastSuccess
	c.snapState.mu.RUnlock()
	if last.IsZero() {
		return
	}

	age := c.nowFunc().Sub(last)
	if age <= timeout {
		return
	}
	select {
	case c.fatalCh <- fmt.Errorf("%w: no valid inverter data for %s: %v", ErrInverterLost, age.Round(time.Second), cause):
	default:
	}
}

// metricsSnapshotter periodically persists a system-state sample and the
// daily efficiency aggregate.
func (c *Coordinator) metricsSnapshotter(ctx context.Context) {
	l := c.l.With("worker", "metrics_snapshotter")
	ticker := time.NewTicker(time.Duration(c.cfg.MetricsSnapshotS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.snapshotMetrics(ctx, l)
		}
	}
}

func (c *Coordinator) snapshotMetrics(ctx context.Context, l *slog.Logger) {
	now := c.nowFunc()
	recs, err := c.store.Decisions(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		l.Error("decision query failed", "err", err)
		return
	}
	if len(recs) == 0 {
		return
	}

	var confSum float64
	charges := 0
	active := 0
	for _, r := range recs {
		confSum += r.Confidence
		switch r.Kind {
		case decision.KindCharge:
			charges++
			active++
		case decision.KindSell:
			active++
		}
	}
	chargingRatio := 0.0
	if active > 0 {
		chargingRatio = float64(charges) / float64(active)
	}
	score := confSum/float64(len(recs))*0.6 + chargingRatio*0.4
	c.metrics.EfficiencyScore.Set(score)
	c.efficiencyMu.Lock()
	c.efficiency = score
	c.efficiencyMu.Unlock()
	l.Info("daily efficiency snapshot", "score", score, "decisions", len(recs))
}

// Efficiency returns the last computed 24h efficiency score.
func (c *Coordinator) Efficiency() float64 {
	c.efficiencyMu.Lock()
	defer c.efficiencyMu.Unlock()
	return c.efficiency
}

// shutdown restores safe inverter defaults and closes persistence.
func (c *Coordinator) shutdown() {
	now := c.nowFunc()
	if s := c.charging.ActiveSession(); s != nil {
		c.l.Info("stopping charging session on shutdown")
		if err := c.inv.StopFastCharge(); err != nil {
			c.l.Error("stop fast charge failed", "err", err)
		}
		soc := c.currentSOC()
		if err := c.charging.Apply(charging.Mutations{StopSession: true}, now, soc); err != nil {
			c.l.Error("closing charging session failed", "err", err)
		}
	}
	if s := c.selling.ActiveSession(); s != nil {
		c.l.Info("stopping selling session on shutdown")
		if err := c.inv.SetGridExportLimit(0); err != nil {
			c.l.Error("zeroing export limit failed", "err", err)
		}
		if err := c.inv.SetOperationMode(inverter.ModeGeneral, 0, 0); err != nil {
			c.l.Error("restoring default mode failed", "err", err)
		}
		soc := c.currentSOC()
		if err := c.selling.Apply(selling.Mutations{StopSession: true, StopStatus: selling.StatusCancelled}, now, soc); err != nil {
			c.l.Error("closing selling session failed", "err", err)
		}
	}
	if err := c.store.Close(); err != nil {
		c.l.Error("closing store failed", "err", err)
	}
}

func (c *Coordinator) currentSOC() float64 {
	c.snapState.mu.RLock()
	defer c.snapState.mu.RUnlock()
	return c.snapState.snap.SOCPercent
}

// CurrentState returns the cached snapshot and the effective price for the
// current slot. ok is false until the first successful inverter poll.
func (c *Coordinator) CurrentState() (inverter.Snapshot, float64, bool) {
	c.snapState.mu.RLock()
	snap := c.snapState.snap
	ok := c.snapState.ok
	c.snapState.mu.RUnlock()

	c.priceState.mu.RLock()
	price, _ := c.priceState.curve.PriceAt(c.nowFunc())
	c.priceState.mu.RUnlock()
	return snap, price, ok
}

// PriceCurve returns the cached price curve.
func (c *Coordinator) PriceCurve() (pricing.Curve, bool) {
	c.priceState.mu.RLock()
	defer c.priceState.mu.RUnlock()
	return c.priceState.curve, c.priceState.okCurve
}

// Thresholds returns the current adaptive thresholds.
func (c *Coordinator) Thresholds() pricing.Thresholds {
	return c.thresholds.Current()
}

// ChargingSession returns a copy of the active charging session, or nil.
func (c *Coordinator) ChargingSession() *charging.Session {
	return c.charging.ActiveSession()
}

// SellingSession returns a copy of the active selling session, or nil.
func (c *Coordinator) SellingSession() *selling.Session {
	return c.selling.ActiveSession()
}

// Store exposes the persistence layer for read-only API queries.
func (c *Coordinator) Store() storage.Store { return c.store }

// RecentDecisions returns up to n of the latest decision records, newest
// first.
func (c *Coordinator) RecentDecisions(n int) []decision.Record {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()

	out := make([]decision.Record, 0, n)
	for i := len(c.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, c.recent[i])
	}
	return out
}

// Subscribe registers a live decision feed. The returned cancel function
// must be called to release the subscription.
func (c *Coordinator) Subscribe() (<-chan decision.Record, func()) {
	ch := make(chan decision.Record, 16)
	c.recentMu.Lock()
	c.subs[ch] = struct{}{}
	c.recentMu.Unlock()

	return ch, func() {
		c.recentMu.Lock()
		delete(c.subs, ch)
		c.recentMu.Unlock()
	}
}

func (c *Coordinator) publish(rec decision.Record) {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()

	c.recent = append(c.recent, rec)
	if len(c.recent) > 256 {
		c.recent = c.recent[len(c.recent)-256:]
	}
	for ch := range c.subs {
		select {
		case ch <- rec:
		default: // slow consumer, drop
		}
	}
}
