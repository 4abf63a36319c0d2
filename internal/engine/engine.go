// Package engine runs the per-instrument evaluation pipeline. Every
// closed bar flows through one fixed sequence: ordering check, snapshot
// pickup, day rollover, gap tracking, zone classification, position
// management, then entry evaluation. The pipeline is strictly
// single-threaded per instrument; concurrency lives at its edges (the
// feed, the API server, the event subscribers).
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"gamma-trading-bot/internal/bias"
	"gamma-trading-bot/internal/events"
	"gamma-trading-bot/internal/market"
	"gamma-trading-bot/internal/patterns"
	"gamma-trading-bot/internal/risk"
	"gamma-trading-bot/internal/signal"
	"gamma-trading-bot/internal/state"
	"gamma-trading-bot/internal/zones"

	"github.com/rs/zerolog"
)

// Status is the published view of one instrument's pipeline, refreshed
// after every bar. The API server reads it without touching the pipeline.
type Status struct {
	Symbol         string            `json:"symbol"`
	LastBarAt      time.Time         `json:"last_bar_at"`
	LastPrice      float64           `json:"last_price"`
	Degraded       bool              `json:"degraded"`
	Regime         market.RegimeSign `json:"regime"`
	Bias           market.Direction  `json:"bias"`
	BiasStrong     bool              `json:"bias_strong"`
	Gaps           []patterns.Gap    `json:"gaps"`
	Zones          []zones.Zone      `json:"zones"`
	Risk           risk.State        `json:"risk"`
	Position       *signal.Position  `json:"position,omitempty"`
	StoreAvailable bool              `json:"store_available"`
}

// Config holds the pipeline wiring parameters
type Config struct {
	BiasMaxAge time.Duration
}

// Engine is the evaluation pipeline for one instrument
type Engine struct {
	cfg       Config
	symbol    string
	tracker   *patterns.Tracker
	zoneEng   *zones.Engine
	signals   *signal.Engine
	gate      *risk.Gatekeeper
	store     state.Store
	biasSlot  *state.BiasSlot
	levelSlot *state.LevelSlot
	bus       *events.EventBus

	lastBarTime time.Time
	wasDegraded bool
	wasLocked   bool
	status      atomic.Pointer[Status]
	logger      zerolog.Logger
}

// New wires a pipeline from its collaborators
func New(symbol string, cfg Config, tracker *patterns.Tracker, zoneEng *zones.Engine,
	signals *signal.Engine, gate *risk.Gatekeeper, store state.Store,
	biasSlot *state.BiasSlot, levelSlot *state.LevelSlot, bus *events.EventBus,
	logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		symbol:    symbol,
		tracker:   tracker,
		zoneEng:   zoneEng,
		signals:   signals,
		gate:      gate,
		store:     store,
		biasSlot:  biasSlot,
		levelSlot: levelSlot,
		bus:       bus,
		logger:    logger.With().Str("component", "engine").Str("symbol", symbol).Logger(),
	}
}

// Resume restores persisted gap, zone and position state after a
// restart. Missing keys are a clean start, not an error.
func (e *Engine) Resume(ctx context.Context) error {
	if data, err := e.store.Get(ctx, state.GapsKey(e.symbol)); err == nil {
		var gaps []patterns.Gap
		if uerr := json.Unmarshal(data, &gaps); uerr == nil {
			e.tracker.Restore(gaps)
			e.logger.Info().Int("gaps", len(gaps)).Msg("gap collection restored")
		}
	} else if !errors.Is(err, state.ErrNotFound) {
		return err
	}

	if data, err := e.store.Get(ctx, state.ZonesKey(e.symbol)); err == nil {
		var persisted struct {
			Snapshot *market.LevelSnapshot `json:"snapshot"`
			Zones    []zones.Zone          `json:"zones"`
		}
		if uerr := json.Unmarshal(data, &persisted); uerr == nil {
			e.zoneEng.Restore(persisted.Snapshot, persisted.Zones)
		}
	} else if !errors.Is(err, state.ErrNotFound) {
		return err
	}

	if data, err := e.store.Get(ctx, state.PositionKey(e.symbol)); err == nil {
		var p signal.Position
		if uerr := json.Unmarshal(data, &p); uerr == nil {
			e.signals.Restore(&p)
			e.logger.Info().Str("position", p.ID).Msg("open position restored")
		}
	} else if !errors.Is(err, state.ErrNotFound) {
		return err
	}

	return nil
}

// Run consumes bars until the context ends. Cancellation is honored only
// at bar boundaries so a bar is never half-processed.
func (e *Engine) Run(ctx context.Context, bars <-chan market.Bar) {
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("pipeline stopped")
			return
		case bar, ok := <-bars:
			if !ok {
				e.logger.Info().Msg("bar channel closed")
				return
			}
			e.ProcessBar(ctx, bar)
		}
	}
}

// ProcessBar advances the pipeline by one closed bar. Out-of-order and
// duplicate bars are rejected without disturbing any state.
func (e *Engine) ProcessBar(ctx context.Context, bar market.Bar) {
	if !e.lastBarTime.IsZero() && !bar.Timestamp.After(e.lastBarTime) {
		e.logger.Warn().
			Time("bar", bar.Timestamp).
			Time("last", e.lastBarTime).
			Msg("out-of-order bar rejected")
		return
	}

	// One load per cycle: the whole bar sees a consistent pair of
	// snapshots even if the producers publish mid-evaluation.
	b := e.biasSlot.Load()
	snap := e.levelSlot.Load()

	if err := e.gate.Rollover(ctx, bar.Timestamp); err != nil {
		e.logger.Error().Err(err).Msg("day rollover failed")
		e.bus.PublishError(e.symbol, "day rollover failed", err)
	}

	if b != nil {
		e.gate.ObserveData(b.AsOf)
		if err := e.gate.ObserveVolatility(ctx, b.VolMovePercent); err != nil {
			e.logger.Error().Err(err).Msg("failed to persist volatility lockout")
		}
	}
	if snap != nil {
		e.gate.ObserveData(snap.AsOf)
	}

	e.applySnapshot(snap, bar)

	e.tracker.OnBar(bar)
	e.advanceZones(bar)

	e.manageExits(ctx, bar)
	e.announceLockout(bar)
	e.evaluateEntry(ctx, bar, b)

	e.signals.ObserveBar(bar)
	e.lastBarTime = bar.Timestamp

	e.persistAnalytics(ctx)
	e.publishStatus(bar, b)
}

// applySnapshot swaps in a fresh level snapshot when one arrived
func (e *Engine) applySnapshot(snap *market.LevelSnapshot, bar market.Bar) {
	current := e.zoneEng.Snapshot()
	if snap != nil && (current == nil || !current.AsOf.Equal(snap.AsOf)) {
		e.zoneEng.ApplySnapshot(snap)
	}

	degraded := e.zoneEng.Degraded()
	if degraded && !e.wasDegraded {
		e.bus.Publish(events.Event{
			Type:      events.EventDegradedMode,
			Timestamp: bar.Timestamp,
			Data:      map[string]interface{}{"symbol": e.symbol},
		})
	}
	e.wasDegraded = degraded
}

// advanceZones classifies the bar and surfaces wall breaks as events
func (e *Engine) advanceZones(bar market.Bar) {
	before := brokenKinds(e.zoneEng.Zones())
	e.zoneEng.OnBar(bar)
	for _, z := range e.zoneEng.Zones() {
		if z.WallStatus == zones.WallBroken && !before[z.Kind] {
			e.bus.Publish(events.Event{
				Type:      events.EventWallBroken,
				Timestamp: bar.Timestamp,
				Data: map[string]interface{}{
					"symbol": e.symbol,
					"kind":   string(z.Kind),
					"level":  z.LevelPrice,
				},
			})
		}
	}
}

func brokenKinds(zs []zones.Zone) map[market.LevelKind]bool {
	out := make(map[market.LevelKind]bool, len(zs))
	for _, z := range zs {
		if z.WallStatus == zones.WallBroken {
			out[z.Kind] = true
		}
	}
	return out
}

// manageExits applies exit rules and settles finished trades with the
// gatekeeper before anything else can happen on this bar
func (e *Engine) manageExits(ctx context.Context, bar market.Bar) {
	exit := e.signals.ManagePosition(bar)
	if exit == nil {
		return
	}

	p := e.signals.Position()
	if exit.Final {
		// Position() hides closed positions; fetch the record for the event.
		closed := e.closedPosition()
		if closed != nil {
			if err := e.gate.RecordClose(ctx, closed.RealizedPercent, bar.Timestamp); err != nil {
				e.logger.Error().Err(err).Msg("failed to record trade close")
				e.bus.PublishError(e.symbol, "failed to record trade close", err)
			}
			e.bus.Publish(events.Event{
				Type:      events.EventTradeClosed,
				Timestamp: bar.Timestamp,
				Data: map[string]interface{}{
					"symbol":         e.symbol,
					"position_id":    closed.ID,
					"direction":      string(closed.Direction),
					"variant":        string(closed.Variant),
					"entry_price":    closed.EntryPrice,
					"exit_price":     exit.Price,
					"stop_price":     closed.OriginalStop,
					"close_reason":   string(exit.Reason),
					"return_percent": closed.RealizedPercent,
					"opened_at":      closed.OpenedAt,
				},
			})
		}
		e.signals.ClearClosed()
		if err := e.store.Delete(ctx, state.PositionKey(e.symbol)); err != nil {
			e.logger.Warn().Err(err).Msg("failed to clear persisted position")
		}
		return
	}

	// Partial fill: tell the execution collaborator to close the banked
	// fraction, then persist the surviving position (stop at breakeven).
	e.bus.Publish(events.Event{
		Type:      events.EventPartialExit,
		Timestamp: bar.Timestamp,
		Data: map[string]interface{}{
			"symbol":         e.symbol,
			"position_id":    exit.PositionID,
			"reason":         string(exit.Reason),
			"price":          exit.Price,
			"fraction":       exit.Fraction,
			"return_percent": exit.ReturnPercent,
		},
	})
	if p != nil {
		e.persistPosition(ctx, p)
	}
}

// closedPosition returns the position record right after a final exit
func (e *Engine) closedPosition() *signal.Position {
	// The signal engine keeps the closed record until ClearClosed.
	return e.signals.Closed()
}

// evaluateEntry runs admission and the setup checks
func (e *Engine) evaluateEntry(ctx context.Context, bar market.Bar, b *market.Bias) {
	if e.signals.Position() != nil {
		return
	}

	dir := bias.Effective(b, bar.Timestamp, e.cfg.BiasMaxAge)
	if dir == market.Neutral {
		return
	}

	ok, reason := e.gate.CanTrade(ctx, bar.Timestamp)
	if !ok {
		e.logger.Debug().Str("reason", reason).Msg("entry blocked")
		return
	}

	sig := e.signals.CheckEntry(bar, dir, e.zoneEng, e.tracker.Gaps())
	if sig == nil {
		return
	}

	e.persistPosition(ctx, e.signals.Position())
	e.bus.Publish(events.Event{
		Type:      events.EventSignalGenerated,
		Timestamp: bar.Timestamp,
		Data: map[string]interface{}{
			"symbol":      e.symbol,
			"position_id": sig.PositionID,
			"direction":   string(sig.Direction),
			"variant":     string(sig.Variant),
			"entry":       sig.EntryPrice,
			"stop":        sig.StopPrice,
			"tp1":         sig.TP1Price,
			"tp2":         sig.TP2Price,
		},
	})
}

func (e *Engine) persistPosition(ctx context.Context, p *signal.Position) {
	if p == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		e.logger.Error().Err(err).Msg("marshal position")
		return
	}
	if err := e.store.Set(ctx, state.PositionKey(e.symbol), data); err != nil {
		e.logger.Warn().Err(err).Msg("failed to persist position")
	}
}

// persistAnalytics writes the gap and zone collections for restart
// resume and the status API. Store errors degrade durability, not the
// pipeline; the gatekeeper's fail-closed check handles the consequences.
func (e *Engine) persistAnalytics(ctx context.Context) {
	if data, err := json.Marshal(e.tracker.Gaps()); err == nil {
		if serr := e.store.Set(ctx, state.GapsKey(e.symbol), data); serr != nil {
			e.logger.Warn().Err(serr).Msg("failed to persist gaps")
		}
	}

	persisted := struct {
		Snapshot *market.LevelSnapshot `json:"snapshot"`
		Zones    []zones.Zone          `json:"zones"`
	}{e.zoneEng.Snapshot(), e.zoneEng.Zones()}
	if data, err := json.Marshal(persisted); err == nil {
		if serr := e.store.Set(ctx, state.ZonesKey(e.symbol), data); serr != nil {
			e.logger.Warn().Err(serr).Msg("failed to persist zones")
		}
	}
}

// announceLockout publishes the lockout event once per transition, not
// on every locked bar
func (e *Engine) announceLockout(bar market.Bar) {
	locked, reason := e.gate.Lockout()
	if locked && !e.wasLocked {
		e.bus.Publish(events.Event{
			Type:      events.EventRiskLockout,
			Timestamp: bar.Timestamp,
			Data: map[string]interface{}{
				"symbol": e.symbol,
				"reason": reason,
			},
		})
	}
	e.wasLocked = locked
}

// publishStatus refreshes the read-only view the API serves
func (e *Engine) publishStatus(bar market.Bar, b *market.Bias) {
	dir := bias.Effective(b, bar.Timestamp, e.cfg.BiasMaxAge)
	st := &Status{
		Symbol:         e.symbol,
		LastBarAt:      bar.Timestamp,
		LastPrice:      bar.Close,
		Degraded:       e.zoneEng.Degraded(),
		Regime:         e.zoneEng.Regime(),
		Bias:           dir,
		BiasStrong:     dir != market.Neutral && b != nil && bias.Strong(b.Score),
		Gaps:           e.tracker.Gaps(),
		Zones:          e.zoneEng.Zones(),
		Risk:           e.gate.State(),
		Position:       e.signals.Position(),
		StoreAvailable: e.store.Available(),
	}
	e.status.Store(st)
}

// Status returns the last published pipeline view, or nil before the
// first bar
func (e *Engine) Status() *Status {
	return e.status.Load()
}
