package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/energomat/energomat/charging"
	"github.com/energomat/energomat/clients/inverter"
	"github.com/energomat/energomat/decision"
	"github.com/energomat/energomat/selling"
	"github.com/energomat/energomat/storage"
)

// tick runs one control cycle: gather a consistent snapshot, consult the
// engines, resolve a single action and apply it.
func (c *Coordinator) tick(ctx context.Context) error {
	now := c.nowFunc()

	c.snapState.mu.RLock()
	snap := c.snapState.snap
	snapOK := c.snapState.ok
	c.snapState.mu.RUnlock()

	c.priceState.mu.RLock()
	curve := c.priceState.curve
	curveOK := c.priceState.okCurve
	fcPoints := c.priceState.forecastP
	fcOK := c.priceState.okFc
	c.priceState.mu.RUnlock()

	if !snapOK || snap.Unusable(now) {
		c.recordDecision(ctx, decision.Record{
			Timestamp:  now,
			Kind:       decision.KindWait,
			Action:     "wait",
			Reason:     "inverter snapshot unavailable or stale",
			Priority:   decision.PriorityCritical,
			Confidence: 0,
		}, snap, 0)
		return nil
	}

	c.thresholds.Refresh()
	th := c.thresholds.Current()
	c.charging.Observe(now, snap.SOCPercent)

	price, _ := curve.PriceAt(now)
	c.metrics.PricePLNKWh.Set(price)

	chargeIn := charging.Inputs{
		Now:           now,
		Snapshot:      snap,
		Curve:         curve,
		CurveOK:       curveOK,
		Thresholds:    th,
		Forecaster:    c.forecaster,
		PriceForecast: fcPoints,
	}
	sellIn := selling.Inputs{
		Now:                now,
		Snapshot:           snap,
		Curve:              curve,
		CurveOK:            curveOK,
		Thresholds:         th,
		Forecaster:         c.forecaster,
		PriceForecast:      fcPoints,
		ForecastConfigured: c.fcSource != nil,
		ForecastOK:         fcOK,
	}

	// Active selling session: continuation outranks everything except an
	// emergency charge, which the margin gates make impossible while a
	// session holds SOC above its floor.
	if c.selling.ActiveSession() != nil {
		return c.handleSelling(ctx, now, snap, price, c.selling.Decide(sellIn))
	}

	cd := c.charging.Decide(chargeIn)

	// Emergency charging outranks a pending force-action.
	if cd.ShouldCharge && cd.Priority == decision.PriorityEmergency {
		return c.handleCharging(ctx, now, snap, price, cd)
	}

	if fa, ok := c.force.peek(now); ok {
		return c.handleForce(ctx, now, snap, price, fa)
	}

	// Active charging session: the engine already folded continuation and
	// stop logic into its decision.
	if c.charging.ActiveSession() != nil {
		return c.handleCharging(ctx, now, snap, price, cd)
	}

	sd := c.selling.Decide(sellIn)

	// Selling outranks charging; the engines' gates keep the overlap narrow.
	if sd.Action == selling.ActionStart {
		return c.handleSelling(ctx, now, snap, price, sd)
	}
	if cd.ShouldCharge {
		return c.handleCharging(ctx, now, snap, price, cd)
	}

	reason := cd.Reason
	if sd.Reason != "" {
		reason = fmt.Sprintf("charge: %s; sell: %s", cd.Reason, sd.Reason)
	}
	c.recordDecision(ctx, decision.Record{
		Timestamp:  now,
		Kind:       decision.KindWait,
		Action:     "wait",
		Reason:     reason,
		Priority:   decision.PriorityLow,
		Confidence: cd.Confidence,
	}, snap, price)
	return nil
}

func (c *Coordinator) handleCharging(ctx context.Context, now time.Time, snap inverter.Snapshot, price float64, cd charging.Decision) error {
	m := cd.Mutations

	var cmdErr error
	switch {
	case m.StartSession != nil:
		cmdErr = c.withRetry(c.inv.StartFastCharge, "start fast charge")
	case m.StopSession:
		cmdErr = c.withRetry(c.inv.StopFastCharge, "stop fast charge")
	}
	if cmdErr != nil {
		return cmdErr
	}

	if err := c.charging.Apply(m, now, snap.SOCPercent); err != nil {
		c.l.Error("applying charging mutations failed", "err", err)
	}

	action := "wait"
	kind := decision.KindWait
	switch {
	case m.StartSession != nil:
		action, kind = "start_charge", decision.KindCharge
	case m.StopSession:
		action, kind = "stop_charge", decision.KindCharge
	case cd.ShouldCharge:
		action, kind = "continue_charge", decision.KindCharge
	}

	c.recordDecision(ctx, decision.Record{
		Timestamp:  now,
		Kind:       kind,
		Action:     action,
		Reason:     cd.Reason,
		Priority:   cd.Priority,
		Confidence: cd.Confidence,
		Metrics:    map[string]float64{"target_soc": cd.TargetSOC},
	}, snap, price)
	return nil
}

func (c *Coordinator) handleSelling(ctx context.Context, now time.Time, snap inverter.Snapshot, price float64, sd selling.Decision) error {
	c.policyMu.RLock()
	marginSOC := c.policy.Selling.ModerateMargin
	c.policyMu.RUnlock()

	var cmdErr error
	switch sd.Action {
	case selling.ActionStart:
		cmdErr = c.withRetry(func() error {
			if err := c.inv.SetOperationMode(inverter.ModeEcoDischarge, 100, sd.Mutations.StartSession.TargetSOC); err != nil {
				return err
			}
			return c.inv.SetGridExportLimit(sd.PowerW)
		}, "start export")
	case selling.ActionStop:
		cmdErr = c.withRetry(func() error {
			if err := c.inv.SetGridExportLimit(0); err != nil {
				return err
			}
			return c.inv.SetOperationMode(inverter.ModeGeneral, 0, marginSOC)
		}, "stop export")
	}
	if cmdErr != nil {
		return cmdErr
	}

	if err := c.selling.Apply(sd.Mutations, now, snap.SOCPercent); err != nil {
		c.l.Error("applying selling mutations failed", "err", err)
	}

	action := "wait"
	kind := decision.KindWait
	switch sd.Action {
	case selling.ActionStart:
		action, kind = "start_sell", decision.KindSell
	case selling.ActionContinue:
		action, kind = "continue_sell", decision.KindSell
	case selling.ActionStop:
		action, kind = "stop_sell", decision.KindSell
	}

	rec := decision.Record{
		Timestamp:  now,
		Kind:       kind,
		Action:     action,
		Reason:     sd.Reason,
		Priority:   decision.PriorityHigh,
		Confidence: sd.Confidence,
	}
	if sd.ExpectedRevenuePLN > 0 {
		rec.Metrics = map[string]float64{"expected_revenue_pln": sd.ExpectedRevenuePLN}
	}
	c.recordDecision(ctx, rec, snap, price)
	return nil
}

func (c *Coordinator) handleForce(ctx context.Context, now time.Time, snap inverter.Snapshot, price float64, fa forceAction) error {
	c.policyMu.RLock()
	marginSOC := c.policy.Selling.ModerateMargin
	sellPowerW := c.policy.Battery.SellPowerW
	c.policyMu.RUnlock()

	var cmdErr error
	var kind decision.Kind
	switch fa.Action {
	case forceCharge:
		kind = decision.KindCharge
		cmdErr = c.withRetry(c.inv.StartFastCharge, "forced charge")
	case forceDischarge:
		kind = decision.KindSell
		// A prior stop may have zeroed the export limit; discharge mode
		// alone would then export nothing.
		cmdErr = c.withRetry(func() error {
			if err := c.inv.SetOperationMode(inverter.ModeEcoDischarge, 100, marginSOC); err != nil {
				return err
			}
			return c.inv.SetGridExportLimit(sellPowerW)
		}, "forced discharge")
	case forceAuto:
		kind = decision.KindWait
		cmdErr = c.withRetry(func() error {
			if err := c.inv.StopFastCharge(); err != nil {
				return err
			}
			if err := c.inv.SetGridExportLimit(0); err != nil {
				return err
			}
			return c.inv.SetOperationMode(inverter.ModeGeneral, 0, marginSOC)
		}, "forced auto")
	default:
		c.l.Warn("ignoring unknown force action", "action", fa.Action)
		c.force.consume()
		return nil
	}
	if cmdErr != nil {
		return cmdErr
	}

	// Consume only after successful execution: at-most-once semantics.
	c.force.consume()

	c.recordDecision(ctx, decision.Record{
		Timestamp:  now,
		Kind:       kind,
		Action:     "force_" + string(fa.Action),
		Reason:     fmt.Sprintf("external force-action %q issued at %s", fa.Action, fa.IssuedAt.In(c.loc).Format("15:04:05")),
		Priority:   decision.PriorityHigh,
		Confidence: 1,
	}, snap, price)
	return nil
}

// withRetry runs an inverter command with exponential backoff. Exhausting
// the retries is fatal: the plant state is no longer known to match the
// decision state.
func (c *Coordinator) withRetry(op func() error, what string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(op, backoff.WithMaxRetries(bo, 3))
	if err != nil {
		c.metrics.ActionFailures.Inc()
		c.l.Error("inverter command failed after retries", "command", what, "err", err)
		return fmt.Errorf("%w: %s: %v", ErrFatalActionFailure, what, err)
	}
	return nil
}

func (c *Coordinator) recordDecision(ctx context.Context, rec decision.Record, snap inverter.Snapshot, price float64) {
	// An aging snapshot (stale but still usable) is flagged on the record
	// so operators can see which decisions ran on old data.
	if !snap.Timestamp.IsZero() && snap.Stale(rec.Timestamp) && !snap.Unusable(rec.Timestamp) {
		rec.Reason = fmt.Sprintf("%s [snapshot %s old]",
			rec.Reason, rec.Timestamp.Sub(snap.Timestamp).Round(time.Second))
	}

	th := c.thresholds.Current()
	rec.Inputs = decision.InputsSnapshot{
		SOCPercent:        snap.SOCPercent,
		BatteryTempC:      snap.BatteryTempC,
		PVPowerW:          snap.PVPowerW,
		LoadPowerW:        snap.LoadPowerW,
		GridPowerW:        snap.GridPowerW,
		PricePLNKWh:       price,
		HighThreshold:     th.HighPricePLNKWh,
		CriticalThreshold: th.CriticalChargePLNKWh,
	}

	c.metrics.DecisionsTotal.WithLabelValues(string(rec.Kind)).Inc()
	c.publish(rec)

	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.IOTimeout())
	defer cancel()
	if err := c.store.AppendDecision(storeCtx, rec); err != nil {
		c.l.Error("persisting decision failed", "err", err)
	}
	state := storage.SystemState{
		Timestamp:    rec.Timestamp,
		SOCPercent:   snap.SOCPercent,
		BatteryTempC: snap.BatteryTempC,
		PVPowerW:     snap.PVPowerW,
		LoadPowerW:   snap.LoadPowerW,
		GridPowerW:   snap.GridPowerW,
		PricePLNKWh:  price,
	}
	if err := c.store.AppendSystemState(storeCtx, state); err != nil {
		c.l.Error("persisting system state failed", "err", err)
	}

	c.l.Info("decision",
		"kind", rec.Kind,
		"action", rec.Action,
		"reason", rec.Reason,
		"priority", rec.Priority,
		"confidence", rec.Confidence,
		"soc", snap.SOCPercent,
		"price", price,
	)
}
