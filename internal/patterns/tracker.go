// Package patterns detects and tracks 3-bar price gaps. A gap is created
// when the newest closed bar leaves untraded range against the bar two
// periods back; it is mitigated when price trades back into that range,
// inverted when price closes through it, and pruned once it is stale.
//
// All lifecycle ages are measured in bar time, never the wall clock, so
// replaying an identical bar sequence reproduces the exact same gap set.
package patterns

import (
	"fmt"
	"time"

	"gamma-trading-bot/internal/market"

	"github.com/rs/zerolog"
)

// Polarity represents the directional meaning of a gap
type Polarity string

const (
	Bullish Polarity = "bullish"
	Bearish Polarity = "bearish"
)

// Opposite returns the flipped polarity
func (p Polarity) Opposite() Polarity {
	if p == Bullish {
		return Bearish
	}
	return Bullish
}

// Status represents the gap lifecycle state. Transitions only move
// forward: open -> mitigated|inverted -> pruned.
type Status string

const (
	StatusOpen      Status = "open"
	StatusMitigated Status = "mitigated"
	StatusInverted  Status = "inverted"
	StatusPruned    Status = "pruned"
)

// Gap is a tracked price gap. Top is always strictly above Bottom.
// Polarity flips exactly once, on inversion.
type Gap struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Top             float64   `json:"top"`
	Bottom          float64   `json:"bottom"`
	Polarity        Polarity  `json:"polarity"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	InvertedAt      time.Time `json:"inverted_at,omitempty"`
	LastEvaluatedAt time.Time `json:"last_evaluated_at"`
}

// Midpoint returns the center of the gap band
func (g Gap) Midpoint() float64 {
	return (g.Top + g.Bottom) / 2
}

// Width returns the size of the gap band
func (g Gap) Width() float64 {
	return g.Top - g.Bottom
}

// Intersects reports whether the bar's range overlaps the gap band
func (g Gap) Intersects(bar market.Bar) bool {
	return bar.Low <= g.Top && bar.High >= g.Bottom
}

// Config holds the tracker parameters
type Config struct {
	MinGapPercent float64       // Gaps smaller than this % of the middle bar close are ignored
	MaxAge        time.Duration // Gaps older than this (bar time) are pruned
}

// Tracker owns the gap collection for a single instrument. It is not
// safe for concurrent use; the evaluation pipeline is its only caller.
type Tracker struct {
	cfg    Config
	symbol string
	gaps   []*Gap
	window [2]market.Bar // the two most recent closed bars, oldest first
	seen   int
	logger zerolog.Logger
}

// NewTracker creates a tracker for one instrument
func NewTracker(symbol string, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 2 * time.Hour
	}
	return &Tracker{
		cfg:    cfg,
		symbol: symbol,
		logger: logger.With().Str("component", "patterns").Str("symbol", symbol).Logger(),
	}
}

// OnBar advances the gap collection by one closed bar. Existing gaps are
// evaluated first, then a new gap may be created, and pruning runs last.
// A gap created on this bar is not evaluated or pruned until the next one.
func (t *Tracker) OnBar(bar market.Bar) {
	for _, g := range t.gaps {
		t.evaluate(g, bar)
	}

	if t.seen >= 2 {
		if g := t.detect(t.window[0], t.window[1], bar); g != nil {
			t.gaps = append(t.gaps, g)
			t.logger.Debug().
				Str("id", g.ID).
				Str("polarity", string(g.Polarity)).
				Float64("top", g.Top).
				Float64("bottom", g.Bottom).
				Msg("gap detected")
		}
	}

	t.prune(bar)

	t.window[0] = t.window[1]
	t.window[1] = bar
	if t.seen < 2 {
		t.seen++
	}
}

// detect checks the 3-bar gap conditions against bars (i-2, i-1, i).
// Bullish: low[i-2] > high[i]. Bearish: high[i-2] < low[i].
func (t *Tracker) detect(old, mid, cur market.Bar) *Gap {
	var top, bottom float64
	var polarity Polarity

	switch {
	case old.Low > cur.High:
		top, bottom = old.Low, cur.High
		polarity = Bullish
	case old.High < cur.Low:
		top, bottom = cur.Low, old.High
		polarity = Bearish
	default:
		return nil
	}

	if mid.Close <= 0 || (top-bottom)/mid.Close*100 < t.cfg.MinGapPercent {
		return nil
	}

	return &Gap{
		ID:              fmt.Sprintf("%s-%d", t.symbol, cur.Timestamp.Unix()),
		Symbol:          t.symbol,
		Top:             top,
		Bottom:          bottom,
		Polarity:        polarity,
		Status:          StatusOpen,
		CreatedAt:       cur.Timestamp,
		LastEvaluatedAt: cur.Timestamp,
	}
}

// evaluate applies mitigation and inversion rules to one gap
func (t *Tracker) evaluate(g *Gap, bar market.Bar) {
	if g.Status == StatusPruned {
		return
	}
	g.LastEvaluatedAt = bar.Timestamp

	// Inversion: a close strictly beyond the gap against its current
	// polarity flips it. An already-inverted gap closed through again is
	// invalidated, not flipped back.
	closedThrough := (g.Polarity == Bearish && bar.Close > g.Top) ||
		(g.Polarity == Bullish && bar.Close < g.Bottom)

	if closedThrough {
		if g.Status == StatusInverted {
			g.Status = StatusPruned
			t.logger.Debug().Str("id", g.ID).Msg("inverted gap closed through again, invalidated")
			return
		}
		g.Polarity = g.Polarity.Opposite()
		g.Status = StatusInverted
		g.InvertedAt = bar.Timestamp
		t.logger.Info().
			Str("id", g.ID).
			Str("polarity", string(g.Polarity)).
			Msg("gap inverted")
		return
	}

	// Mitigation: a touch of the band. Not applied to inverted gaps,
	// which act as support/resistance and are expected to be touched.
	if g.Status == StatusOpen && g.Intersects(bar) {
		g.Status = StatusMitigated
		t.logger.Debug().Str("id", g.ID).Msg("gap mitigated")
	}
}

// prune drops dead gaps: anything already pruned, anything past the age
// horizon, and mitigated gaps price has left behind without re-approach
// (the bar range is fully outside a one-width band around the gap).
func (t *Tracker) prune(bar market.Bar) {
	kept := t.gaps[:0]
	for _, g := range t.gaps {
		if g.CreatedAt.Equal(bar.Timestamp) {
			kept = append(kept, g)
			continue
		}

		drop := g.Status == StatusPruned ||
			bar.Timestamp.Sub(g.CreatedAt) > t.cfg.MaxAge ||
			(g.Status == StatusMitigated && t.movedAway(g, bar))

		if drop {
			t.logger.Debug().Str("id", g.ID).Str("status", string(g.Status)).Msg("gap pruned")
			continue
		}
		kept = append(kept, g)
	}
	t.gaps = kept
}

// movedAway reports whether the bar trades entirely outside an expanded
// band of one gap-width around the gap
func (t *Tracker) movedAway(g *Gap, bar market.Bar) bool {
	w := g.Width()
	return bar.Low > g.Top+w || bar.High < g.Bottom-w
}

// Gaps returns a copy of the live gap collection, in creation order
func (t *Tracker) Gaps() []Gap {
	out := make([]Gap, 0, len(t.gaps))
	for _, g := range t.gaps {
		out = append(out, *g)
	}
	return out
}

// InvertedGaps returns live gaps whose status is inverted
func (t *Tracker) InvertedGaps() []Gap {
	var out []Gap
	for _, g := range t.gaps {
		if g.Status == StatusInverted {
			out = append(out, *g)
		}
	}
	return out
}

// Restore replaces the gap collection, used when resuming from the
// persisted snapshot after a restart
func (t *Tracker) Restore(gaps []Gap) {
	t.gaps = make([]*Gap, 0, len(gaps))
	for i := range gaps {
		g := gaps[i]
		if g.Status == StatusPruned {
			continue
		}
		t.gaps = append(t.gaps, &g)
	}
}
