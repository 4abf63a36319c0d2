// Package risk implements the admission gatekeeper: a persisted counter
// and lockout state machine consulted before every entry and updated
// after every exit. Its decisions are fail-closed — when the state store
// is not durable or the day's limits are hit, no new entries pass.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gamma-trading-bot/internal/state"

	"github.com/rs/zerolog"
)

// Lockout reasons carried in the persisted state
const (
	ReasonDailyLoss         = "daily_loss"
	ReasonConsecutiveLosses = "consecutive_losses"
	ReasonDataLag           = "data_lag"
	ReasonVolatilityShock   = "volatility_shock"
)

// Config holds the gatekeeper limits
type Config struct {
	MaxTradesPerDay           int
	MaxDailyLossPercent       float64
	ConsecutiveLossLimit      int
	VolatilityShutdownPercent float64
	MaxDataLag                time.Duration
}

// State is the persisted per-day risk record. It is written back after
// every mutation, before the next admission check can run.
type State struct {
	TradingDate       string  `json:"trading_date"` // YYYY-MM-DD, UTC
	TradesToday       int     `json:"trades_today"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	DailyPnLPercent   float64 `json:"daily_pnl_percent"`
	LockoutActive     bool    `json:"lockout_active"`
	LockoutReason     string  `json:"lockout_reason,omitempty"`
}

// Gatekeeper owns the risk state for one instrument. Single-caller, like
// the rest of the pipeline; the evaluation loop is the only writer.
type Gatekeeper struct {
	cfg        Config
	store      state.Store
	symbol     string
	st         State
	lastDataAt time.Time
	logger     zerolog.Logger
}

// NewGatekeeper creates a gatekeeper. The day's state is loaded lazily on
// the first bar via Rollover, so a restart mid-session resumes exactly
// the last committed counters.
func NewGatekeeper(symbol string, cfg Config, store state.Store, logger zerolog.Logger) *Gatekeeper {
	return &Gatekeeper{
		cfg:    cfg,
		store:  store,
		symbol: symbol,
		logger: logger.With().Str("component", "risk").Str("symbol", symbol).Logger(),
	}
}

// Rollover aligns the state with the bar's trading day. On a new day all
// counters and lockouts reset; on a restart within the same day the
// persisted record is restored.
func (g *Gatekeeper) Rollover(ctx context.Context, barTime time.Time) error {
	date := barTime.UTC().Format("2006-01-02")
	if g.st.TradingDate == date {
		return nil
	}

	data, err := g.store.Get(ctx, state.RiskKey(g.symbol, date))
	switch {
	case err == nil:
		var st State
		if uerr := json.Unmarshal(data, &st); uerr != nil {
			return fmt.Errorf("corrupt risk state for %s: %w", date, uerr)
		}
		g.st = st
		g.logger.Info().
			Str("date", date).
			Int("trades", st.TradesToday).
			Bool("lockout", st.LockoutActive).
			Msg("risk state restored")
		return nil
	case errors.Is(err, state.ErrNotFound):
		g.st = State{TradingDate: date}
		g.logger.Info().Str("date", date).Msg("trading day rolled over")
		return g.persist(ctx)
	default:
		return fmt.Errorf("load risk state: %w", err)
	}
}

// ObserveData records the freshest external data timestamp. Admission
// compares it against bar time for the recency check.
func (g *Gatekeeper) ObserveData(asOf time.Time) {
	if asOf.After(g.lastDataAt) {
		g.lastDataAt = asOf
	}
}

// ObserveVolatility trips the volatility-shock lockout when the intraday
// move exceeds the shutdown threshold. Recoverable only at day rollover.
func (g *Gatekeeper) ObserveVolatility(ctx context.Context, intradayMovePercent float64) error {
	if intradayMovePercent <= g.cfg.VolatilityShutdownPercent {
		return nil
	}
	if g.st.LockoutActive {
		return nil
	}
	g.logger.Warn().
		Float64("move_percent", intradayMovePercent).
		Msg("volatility shock, locking out for the day")
	return g.lock(ctx, ReasonVolatilityShock)
}

// CanTrade runs the full admission check. A rejection is not an error;
// the caller simply emits no entry signal.
func (g *Gatekeeper) CanTrade(ctx context.Context, barTime time.Time) (bool, string) {
	if !g.store.Available() {
		return false, "state store unavailable"
	}
	if g.st.TradingDate == "" {
		return false, "no trading day established"
	}
	if g.st.LockoutActive {
		return false, fmt.Sprintf("lockout active: %s", g.st.LockoutReason)
	}
	if g.st.TradesToday >= g.cfg.MaxTradesPerDay {
		return false, fmt.Sprintf("max trades per day reached: %d", g.st.TradesToday)
	}
	if g.st.ConsecutiveLosses >= g.cfg.ConsecutiveLossLimit {
		return false, fmt.Sprintf("consecutive losses: %d", g.st.ConsecutiveLosses)
	}

	if g.lastDataAt.IsZero() {
		return false, "no external data observed yet"
	}
	if lag := barTime.Sub(g.lastDataAt); lag > g.cfg.MaxDataLag {
		if err := g.lock(ctx, ReasonDataLag); err != nil {
			g.logger.Error().Err(err).Msg("failed to persist data-lag lockout")
		}
		return false, fmt.Sprintf("external data lag %s exceeds %s", lag, g.cfg.MaxDataLag)
	}

	return true, ""
}

// RecordClose applies a completed trade's realized return and persists
// the updated state before returning. The caller must not process the
// next bar until this succeeds.
func (g *Gatekeeper) RecordClose(ctx context.Context, returnPercent float64, barTime time.Time) error {
	if err := g.Rollover(ctx, barTime); err != nil {
		return err
	}

	g.st.TradesToday++
	g.st.DailyPnLPercent += returnPercent
	if returnPercent < 0 {
		g.st.ConsecutiveLosses++
	} else {
		g.st.ConsecutiveLosses = 0
	}

	if !g.st.LockoutActive {
		if g.st.DailyPnLPercent <= -g.cfg.MaxDailyLossPercent {
			g.st.LockoutActive = true
			g.st.LockoutReason = ReasonDailyLoss
		} else if g.st.ConsecutiveLosses >= g.cfg.ConsecutiveLossLimit {
			g.st.LockoutActive = true
			g.st.LockoutReason = ReasonConsecutiveLosses
		}
	}

	g.logger.Info().
		Float64("return_percent", returnPercent).
		Float64("daily_pnl_percent", g.st.DailyPnLPercent).
		Int("trades_today", g.st.TradesToday).
		Int("consecutive_losses", g.st.ConsecutiveLosses).
		Bool("lockout", g.st.LockoutActive).
		Msg("trade result recorded")

	return g.persist(ctx)
}

// Lockout reports the current lockout flag and reason
func (g *Gatekeeper) Lockout() (bool, string) {
	return g.st.LockoutActive, g.st.LockoutReason
}

// State returns a copy of the current persisted record
func (g *Gatekeeper) State() State {
	return g.st
}

func (g *Gatekeeper) lock(ctx context.Context, reason string) error {
	g.st.LockoutActive = true
	g.st.LockoutReason = reason
	return g.persist(ctx)
}

func (g *Gatekeeper) persist(ctx context.Context) error {
	data, err := json.Marshal(g.st)
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}
	if err := g.store.Set(ctx, state.RiskKey(g.symbol, g.st.TradingDate), data); err != nil {
		return fmt.Errorf("persist risk state: %w", err)
	}
	return nil
}
