// Package signal turns zone interactions, gap lifecycle events and the
// directional bias into concrete entry and exit decisions. It owns the
// single position slot per instrument; admission (trade counts, lockouts)
// is the risk gatekeeper's job, not this package's.
package signal

import (
	"fmt"
	"math"
	"time"

	"gamma-trading-bot/internal/market"
	"gamma-trading-bot/internal/patterns"
	"gamma-trading-bot/internal/zones"

	"github.com/rs/zerolog"
)

// Config holds the entry/exit parameters
type Config struct {
	TP1Percent          float64       // First target distance as % of entry
	TP1Fraction         float64       // Fraction of the position closed at TP1
	StopBufferPercent   float64       // Buffer beyond the sweep extreme, % of entry
	StopCapPercent      float64       // Hard cap on stop distance, % of entry
	GapProximityPercent float64       // Max distance of an inverting gap from the zone level, % of level
	NoWallTarget        bool          // Disable the opposing-wall second target
	TimeStop            time.Duration // Bar-time age after which a stale position is cut
	TimeStopMinProfit   float64       // Unrealized % below which the time stop fires
}

// Engine evaluates one instrument. Single-caller, like the tracker and
// zone engine: only the evaluation pipeline drives it.
type Engine struct {
	cfg      Config
	symbol   string
	position *Position
	prev     market.Bar
	hasPrev  bool
	logger   zerolog.Logger
}

// NewEngine creates a signal engine for one instrument
func NewEngine(symbol string, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.TP1Fraction <= 0 || cfg.TP1Fraction >= 1 {
		cfg.TP1Fraction = 0.5
	}
	if cfg.GapProximityPercent <= 0 {
		cfg.GapProximityPercent = 0.5
	}
	return &Engine{
		cfg:    cfg,
		symbol: symbol,
		logger: logger.With().Str("component", "signal").Str("symbol", symbol).Logger(),
	}
}

// Position returns the open position, or nil
func (e *Engine) Position() *Position {
	if e.position == nil || e.position.Status != PositionOpen {
		return nil
	}
	return e.position
}

// Closed returns the just-closed position record, still held until
// ClearClosed consumes it, or nil
func (e *Engine) Closed() *Position {
	if e.position == nil || e.position.Status != PositionClosed {
		return nil
	}
	return e.position
}

// Restore reinstates a persisted open position after a restart
func (e *Engine) Restore(p *Position) {
	if p != nil && p.Status == PositionOpen {
		e.position = p
	}
}

// ObserveBar records the bar for sweep detection on the next cycle.
// Call it last, after ManagePosition and CheckEntry.
func (e *Engine) ObserveBar(bar market.Bar) {
	e.prev = bar
	e.hasPrev = true
}

// ManagePosition applies exit rules to the open position. At most one
// exit fires per bar; when several conditions are true at once the order
// is stop, time stop, second target, first target.
func (e *Engine) ManagePosition(bar market.Bar) *ExitSignal {
	p := e.position
	if p == nil || p.Status != PositionOpen {
		return nil
	}

	long := p.Direction == market.Long
	remaining := 1.0
	if p.PartialFilled {
		remaining = 1 - e.cfg.TP1Fraction
	}

	stopHit := (long && bar.Low <= p.StopPrice) || (!long && bar.High >= p.StopPrice)
	if stopHit {
		return e.closeAll(p, bar, ReasonStop, p.StopPrice, remaining)
	}

	age := bar.Timestamp.Sub(p.OpenedAt)
	if e.cfg.TimeStop > 0 && age >= e.cfg.TimeStop &&
		e.unrealizedPercent(p, bar.Close) < e.cfg.TimeStopMinProfit {
		return e.closeAll(p, bar, ReasonTimeStop, bar.Close, remaining)
	}

	if p.TP2Price > 0 {
		tp2Hit := (long && bar.High >= p.TP2Price) || (!long && bar.Low <= p.TP2Price)
		if tp2Hit {
			return e.closeAll(p, bar, ReasonTP2, p.TP2Price, remaining)
		}
	}

	if !p.PartialFilled {
		tp1Hit := (long && bar.High >= p.TP1Price) || (!long && bar.Low <= p.TP1Price)
		if tp1Hit {
			return e.partialAtTP1(p, bar)
		}
	}

	return nil
}

// closeAll closes the remaining position at the given price
func (e *Engine) closeAll(p *Position, bar market.Bar, reason CloseReason, price, fraction float64) *ExitSignal {
	ret := e.returnPercent(p, price) * fraction
	p.RealizedPercent += ret
	p.Status = PositionClosed
	p.CloseReason = reason

	e.logger.Info().
		Str("position", p.ID).
		Str("reason", string(reason)).
		Float64("price", price).
		Float64("realized_percent", p.RealizedPercent).
		Msg("position closed")

	return &ExitSignal{
		PositionID:    p.ID,
		Symbol:        p.Symbol,
		Reason:        reason,
		Price:         price,
		Fraction:      fraction,
		ReturnPercent: ret,
		Final:         true,
		Timestamp:     bar.Timestamp,
	}
}

// partialAtTP1 banks the first target and moves the stop to breakeven
func (e *Engine) partialAtTP1(p *Position, bar market.Bar) *ExitSignal {
	ret := e.returnPercent(p, p.TP1Price) * e.cfg.TP1Fraction
	p.RealizedPercent += ret
	p.PartialFilled = true
	p.StopPrice = p.EntryPrice

	e.logger.Info().
		Str("position", p.ID).
		Float64("price", p.TP1Price).
		Float64("realized_percent", ret).
		Msg("first target filled, stop moved to breakeven")

	return &ExitSignal{
		PositionID:    p.ID,
		Symbol:        p.Symbol,
		Reason:        ReasonTP1,
		Price:         p.TP1Price,
		Fraction:      e.cfg.TP1Fraction,
		ReturnPercent: ret,
		Final:         false,
		Timestamp:     bar.Timestamp,
	}
}

// ClearClosed drops the position slot once the pipeline has consumed the
// final exit
func (e *Engine) ClearClosed() {
	if e.position != nil && e.position.Status == PositionClosed {
		e.position = nil
	}
}

func (e *Engine) unrealizedPercent(p *Position, price float64) float64 {
	return e.returnPercent(p, price)
}

// returnPercent is the directional move from entry, as a percentage
func (e *Engine) returnPercent(p *Position, price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	raw := (price - p.EntryPrice) / p.EntryPrice * 100
	if p.Direction == market.Short {
		return -raw
	}
	return raw
}

// CheckEntry evaluates entry setups against the bar. It returns nil when
// no setup triggers, when a position is already open, or when the bias is
// neutral. The caller is responsible for risk admission before acting on
// the returned signal.
func (e *Engine) CheckEntry(bar market.Bar, bias market.Direction, ze *zones.Engine, gaps []patterns.Gap) *EntrySignal {
	if e.Position() != nil || !e.hasPrev || bias == market.Neutral || ze.Degraded() {
		return nil
	}

	switch ze.Regime() {
	case market.RegimePositive:
		return e.checkFade(bar, bias, ze, gaps)
	case market.RegimeNegative:
		return e.checkBreakout(bar, bias, ze)
	default:
		// Flat regime carries no edge either way, stand aside.
		return nil
	}
}

// checkFade looks for mean-reversion entries at an intact wall: a sweep
// into the zone followed by a reclaim close, or a gap inverting in the
// trade direction at the zone. The inversion variant carries more weight
// and is tried first.
func (e *Engine) checkFade(bar market.Bar, bias market.Direction, ze *zones.Engine, gaps []patterns.Gap) *EntrySignal {
	var z *zones.Zone
	if bias == market.Long {
		z = ze.SupportZone()
	} else {
		z = ze.ResistanceZone()
	}
	if z == nil || !z.FadeEligible() {
		return nil
	}

	swept := e.sweptZone(z, bias)
	if !swept {
		return nil
	}

	if sig := e.inversionTrigger(bar, bias, z, ze, gaps); sig != nil {
		return sig
	}
	return e.reclaimTrigger(bar, bias, z, ze)
}

// sweptZone reports whether the previous bar's range reached into the
// zone, or through it, from the defended side
func (e *Engine) sweptZone(z *zones.Zone, bias market.Direction) bool {
	if bias == market.Long {
		return e.prev.Low <= z.UpperBound
	}
	return e.prev.High >= z.LowerBound
}

// inversionTrigger fires when a gap inverted on this bar, now agrees with
// the trade direction, and sits close enough to the zone level to act as
// its confirmation. The stop hides behind the gap's far edge.
func (e *Engine) inversionTrigger(bar market.Bar, bias market.Direction, z *zones.Zone, ze *zones.Engine, gaps []patterns.Gap) *EntrySignal {
	want := patterns.Bullish
	if bias == market.Short {
		want = patterns.Bearish
	}

	for _, g := range gaps {
		if g.Status != patterns.StatusInverted || g.Polarity != want {
			continue
		}
		// Only an inversion confirmed by this bar's close triggers.
		if !g.InvertedAt.Equal(bar.Timestamp) {
			continue
		}
		if z.LevelPrice <= 0 ||
			math.Abs(g.Midpoint()-z.LevelPrice)/z.LevelPrice*100 > e.cfg.GapProximityPercent {
			continue
		}

		entry := bar.Close
		var rawStop float64
		if bias == market.Long {
			rawStop = g.Bottom - entry*e.cfg.StopBufferPercent/100
		} else {
			rawStop = g.Top + entry*e.cfg.StopBufferPercent/100
		}
		return e.open(bar, bias, VariantInversion, entry, rawStop, ze)
	}
	return nil
}

// reclaimTrigger fires when, after the sweep, this bar closes back inside
// or beyond the zone in the trade direction with a directional close. The
// stop hides behind the sweep extreme.
func (e *Engine) reclaimTrigger(bar market.Bar, bias market.Direction, z *zones.Zone, ze *zones.Engine) *EntrySignal {
	entry := bar.Close
	if bias == market.Long {
		if entry < z.LowerBound || !bar.IsBullish() {
			return nil
		}
		rawStop := e.prev.Low - entry*e.cfg.StopBufferPercent/100
		return e.open(bar, bias, VariantReclaim, entry, rawStop, ze)
	}

	if entry > z.UpperBound || !bar.IsBearish() {
		return nil
	}
	rawStop := e.prev.High + entry*e.cfg.StopBufferPercent/100
	return e.open(bar, bias, VariantReclaim, entry, rawStop, ze)
}

// checkBreakout handles the negative regime, where walls are traded
// through instead of faded: a wall that broke on this very bar, in the
// bias direction, is entered at the close with the stop behind the far
// side of the failed zone.
func (e *Engine) checkBreakout(bar market.Bar, bias market.Direction, ze *zones.Engine) *EntrySignal {
	var z *zones.Zone
	if bias == market.Long {
		z = ze.ResistanceZone()
	} else {
		z = ze.SupportZone()
	}
	if z == nil || z.WallStatus != zones.WallBroken ||
		z.BrokenAt == nil || !z.BrokenAt.Equal(bar.Timestamp) {
		return nil
	}

	entry := bar.Close
	var rawStop float64
	if bias == market.Long {
		rawStop = z.LowerBound - entry*e.cfg.StopBufferPercent/100
	} else {
		rawStop = z.UpperBound + entry*e.cfg.StopBufferPercent/100
	}
	return e.open(bar, bias, VariantBreakout, entry, rawStop, ze)
}

// open builds the position and the signal for a triggered setup. The
// stop distance is capped, the first target sits a fixed percentage out,
// and the second target is the opposing wall when one exists beyond it.
func (e *Engine) open(bar market.Bar, bias market.Direction, variant TriggerVariant, entry, rawStop float64, ze *zones.Engine) *EntrySignal {
	stop := e.capStop(bias, entry, rawStop)

	var tp1 float64
	if bias == market.Long {
		tp1 = entry * (1 + e.cfg.TP1Percent/100)
	} else {
		tp1 = entry * (1 - e.cfg.TP1Percent/100)
	}
	var tp2 float64
	if !e.cfg.NoWallTarget {
		tp2 = opposingWall(bias, entry, ze)
	}

	p := &Position{
		ID:           fmt.Sprintf("%s-%d", e.symbol, bar.Timestamp.Unix()),
		Symbol:       e.symbol,
		Direction:    bias,
		Variant:      variant,
		EntryPrice:   entry,
		StopPrice:    stop,
		OriginalStop: stop,
		TP1Price:     tp1,
		TP2Price:     tp2,
		OpenedAt:     bar.Timestamp,
		Status:       PositionOpen,
	}
	e.position = p

	e.logger.Info().
		Str("position", p.ID).
		Str("direction", string(bias)).
		Str("variant", string(variant)).
		Float64("entry", entry).
		Float64("stop", stop).
		Float64("tp1", tp1).
		Float64("tp2", tp2).
		Msg("entry signal")

	return &EntrySignal{
		PositionID:     p.ID,
		Symbol:         p.Symbol,
		Direction:      bias,
		Variant:        variant,
		HighConfidence: variant == VariantInversion,
		EntryPrice:     entry,
		StopPrice:      stop,
		TP1Price:       tp1,
		TP2Price:       tp2,
		Timestamp:      bar.Timestamp,
	}
}

// capStop clamps the stop so the worst-case loss never exceeds the
// configured cap, whatever the sweep extreme was
func (e *Engine) capStop(bias market.Direction, entry, rawStop float64) float64 {
	maxDist := entry * e.cfg.StopCapPercent / 100
	if bias == market.Long {
		if entry-rawStop > maxDist {
			return entry - maxDist
		}
		return rawStop
	}
	if rawStop-entry > maxDist {
		return entry + maxDist
	}
	return rawStop
}

// opposingWall returns the far wall's level as the second target, or 0
// when no wall sits beyond the entry in the trade direction
func opposingWall(bias market.Direction, entry float64, ze *zones.Engine) float64 {
	if bias == market.Long {
		if z := ze.ResistanceZone(); z != nil && z.LevelPrice > entry {
			return z.LevelPrice
		}
		return 0
	}
	if z := ze.SupportZone(); z != nil && z.LevelPrice < entry {
		return z.LevelPrice
	}
	return 0
}
