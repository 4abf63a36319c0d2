// Package zones derives tolerance zones from structural level snapshots
// and classifies how price interacts with them. Zone bounds are frozen at
// snapshot time and only move when the next snapshot arrives.
package zones

import (
	"time"

	"gamma-trading-bot/internal/market"

	"github.com/rs/zerolog"
)

// WallStatus tracks whether a zone's defensive wall still holds
type WallStatus string

const (
	WallIntact WallStatus = "intact"
	WallBroken WallStatus = "broken"
)

// Classification describes one bar's interaction with a zone
type Classification string

const (
	ClassNone      Classification = "none"
	ClassTouch     Classification = "touch"
	ClassRejection Classification = "rejection"
	ClassBreach    Classification = "breach"
)

// Side identifies which side of a zone price entered or left through
type Side string

const (
	SideAbove Side = "above"
	SideBelow Side = "below"
)

// Zone is a bounded price band around a structural level. Bounds are a
// fixed fraction of the snapshot reference price, centered on the level.
type Zone struct {
	Kind       market.LevelKind `json:"kind"`
	LevelPrice float64          `json:"level_price"`
	LowerBound float64          `json:"lower_bound"`
	UpperBound float64          `json:"upper_bound"`
	WallStatus WallStatus       `json:"wall_status"`
	BrokenAt   *time.Time       `json:"broken_at,omitempty"`

	// Interaction state, reset on each snapshot
	touched     bool
	touchedFrom Side
	breachSide  Side
	breachSince *time.Time
	last        Classification
}

// Contains reports whether the price sits inside the zone band
func (z *Zone) Contains(price float64) bool {
	return price >= z.LowerBound && price <= z.UpperBound
}

// Entered reports whether the bar's range reaches into the zone band
func (z *Zone) Entered(bar market.Bar) bool {
	return bar.Low <= z.UpperBound && bar.High >= z.LowerBound
}

// Last returns the most recent classification for this zone
func (z *Zone) Last() Classification {
	return z.last
}

// FadeEligible reports whether the zone may still anchor mean-reversion
// entries. A broken wall stays ineligible until the next snapshot.
func (z *Zone) FadeEligible() bool {
	return z.WallStatus == WallIntact
}

// Config holds the zone derivation parameters
type Config struct {
	WidthPercent float64       // Zone half-width as % of snapshot reference price
	BreachHold   time.Duration // Bar-time a close must hold beyond a zone to break the wall
}

// Engine owns zone state for one instrument. Like the pattern tracker it
// is single-caller: only the evaluation pipeline touches it.
type Engine struct {
	cfg    Config
	symbol string
	snap   *market.LevelSnapshot
	zones  []*Zone
	logger zerolog.Logger
}

// NewEngine creates a zone engine for one instrument
func NewEngine(symbol string, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.BreachHold <= 0 {
		cfg.BreachHold = 15 * time.Minute
	}
	return &Engine{
		cfg:    cfg,
		symbol: symbol,
		logger: logger.With().Str("component", "zones").Str("symbol", symbol).Logger(),
	}
}

// ApplySnapshot rebuilds the zone set from a new structural level
// snapshot. All wall/interaction state is reset: a broken wall only
// recovers through a fresh snapshot.
func (e *Engine) ApplySnapshot(snap *market.LevelSnapshot) {
	e.snap = snap
	e.zones = nil
	if snap == nil {
		e.logger.Warn().Msg("no structural levels, running degraded")
		return
	}

	halfWidth := snap.ReferencePrice * e.cfg.WidthPercent / 100
	for _, lvl := range snap.Levels {
		e.zones = append(e.zones, &Zone{
			Kind:       lvl.Kind,
			LevelPrice: lvl.Price,
			LowerBound: lvl.Price - halfWidth,
			UpperBound: lvl.Price + halfWidth,
			WallStatus: WallIntact,
		})
	}
	e.logger.Info().
		Int("zones", len(e.zones)).
		Str("regime", string(snap.Regime)).
		Time("as_of", snap.AsOf).
		Msg("structural level snapshot applied")
}

// Restore reinstates a persisted zone set after a restart, keeping wall
// status intact until the next snapshot. Interaction state is not
// persisted and starts fresh.
func (e *Engine) Restore(snap *market.LevelSnapshot, zs []Zone) {
	if snap == nil || len(zs) == 0 {
		return
	}
	e.snap = snap
	e.zones = make([]*Zone, 0, len(zs))
	for i := range zs {
		z := zs[i]
		e.zones = append(e.zones, &z)
	}
	e.logger.Info().Int("zones", len(e.zones)).Msg("zone set restored")
}

// Degraded reports whether the engine has no level snapshot to work from
func (e *Engine) Degraded() bool {
	return e.snap == nil || len(e.zones) == 0
}

// Regime returns the regime sign of the active snapshot
func (e *Engine) Regime() market.RegimeSign {
	if e.snap == nil {
		return market.RegimeFlat
	}
	return e.snap.Regime
}

// Snapshot returns the active level snapshot, or nil in degraded mode
func (e *Engine) Snapshot() *market.LevelSnapshot {
	return e.snap
}

// OnBar classifies the bar against every zone and advances wall state
func (e *Engine) OnBar(bar market.Bar) {
	for _, z := range e.zones {
		e.classify(z, bar)
	}
}

func (e *Engine) classify(z *Zone, bar market.Bar) {
	entered := z.Entered(bar)
	closeOutside := bar.Close > z.UpperBound || bar.Close < z.LowerBound
	side := SideAbove
	if bar.Close < z.LowerBound {
		side = SideBelow
	}

	// Bars that never reach the zone and carry no breach hold: a close
	// beyond the defended side still feeds the hold; otherwise the only
	// interesting case is a rejection completing after an earlier touch.
	if !entered && z.breachSince == nil {
		if closeOutside && breaksWall(z.Kind, side) {
			e.advanceBreach(z, bar, side)
			return
		}
		if z.touched && closeOutside && side == z.touchedFrom {
			z.last = ClassRejection
			z.touched = false
			return
		}
		z.last = ClassNone
		return
	}

	// Close back inside the band: a touch, and any breach hold resets.
	if !closeOutside {
		z.breachSince = nil
		if !z.touched {
			z.touchedFrom = entrySide(z, bar)
			z.touched = true
		}
		z.last = ClassTouch
		return
	}

	if !z.touched {
		z.touchedFrom = entrySide(z, bar)
		z.touched = true
	}

	// Closed back out the side it entered from, away from the defended
	// side: rejection, the zone held. A defended-side close always feeds
	// the breach hold, whichever side price entered from.
	if side == z.touchedFrom && z.breachSince == nil && !breaksWall(z.Kind, side) {
		z.last = ClassRejection
		return
	}

	e.advanceBreach(z, bar, side)
}

// advanceBreach records a closing breach and breaks the wall once closes
// have held beyond the zone for the full hold duration (bar time)
func (e *Engine) advanceBreach(z *Zone, bar market.Bar, side Side) {
	z.last = ClassBreach

	if z.breachSince == nil || z.breachSide != side {
		ts := bar.Timestamp
		z.breachSince = &ts
		z.breachSide = side
		return
	}

	if z.WallStatus == WallIntact && breaksWall(z.Kind, side) &&
		bar.Timestamp.Sub(*z.breachSince) >= e.cfg.BreachHold {
		z.WallStatus = WallBroken
		ts := bar.Timestamp
		z.BrokenAt = &ts
		e.logger.Info().
			Str("kind", string(z.Kind)).
			Float64("level", z.LevelPrice).
			Str("side", string(side)).
			Msg("wall broken, zone no longer fade eligible")
	}
}

// breaksWall reports whether a sustained breach on the given side defeats
// the zone's defensive purpose. A support wall fails below, a resistance
// wall above; a flip level has no defended side and fails either way.
func breaksWall(kind market.LevelKind, side Side) bool {
	switch kind {
	case market.SupportWall:
		return side == SideBelow
	case market.ResistanceWall:
		return side == SideAbove
	default:
		return true
	}
}

// entrySide guesses which side the bar came into the zone from, using
// its open relative to the band
func entrySide(z *Zone, bar market.Bar) Side {
	if bar.Open >= z.UpperBound {
		return SideAbove
	}
	if bar.Open <= z.LowerBound {
		return SideBelow
	}
	// Opened inside: use the deeper wick
	if z.UpperBound-bar.Low > bar.High-z.LowerBound {
		return SideAbove
	}
	return SideBelow
}

// Zone returns the active zone of the given kind, or nil
func (e *Engine) Zone(kind market.LevelKind) *Zone {
	for _, z := range e.zones {
		if z.Kind == kind {
			return z
		}
	}
	return nil
}

// SupportZone returns the support wall zone, or nil
func (e *Engine) SupportZone() *Zone {
	return e.Zone(market.SupportWall)
}

// ResistanceZone returns the resistance wall zone, or nil
func (e *Engine) ResistanceZone() *Zone {
	return e.Zone(market.ResistanceWall)
}

// Zones returns a copy of the active zone set for status and persistence
func (e *Engine) Zones() []Zone {
	out := make([]Zone, 0, len(e.zones))
	for _, z := range e.zones {
		out = append(out, *z)
	}
	return out
}
