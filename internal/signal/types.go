package signal

import (
	"time"

	"gamma-trading-bot/internal/market"
)

// TriggerVariant identifies which setup produced an entry
type TriggerVariant string

const (
	// VariantReclaim is the sweep-and-reclaim setup: price wicks into a
	// zone and a later bar closes back inside or beyond it.
	VariantReclaim TriggerVariant = "sweep_reclaim"

	// VariantInversion is the gap-inversion setup: a gap of opposing
	// polarity flips in the trade direction at the zone. Higher
	// confidence than a plain reclaim.
	VariantInversion TriggerVariant = "gap_inversion"

	// VariantBreakout is the negative-regime setup: a wall dissolves and
	// price is traded through it rather than faded.
	VariantBreakout TriggerVariant = "wall_break"
)

// CloseReason explains why (part of) a position was closed
type CloseReason string

const (
	ReasonStop     CloseReason = "stop"
	ReasonTP1      CloseReason = "tp1"
	ReasonTP2      CloseReason = "tp2"
	ReasonTimeStop CloseReason = "time_stop"
)

// PositionStatus is the position lifecycle state
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position is the single open position slot for an instrument. At most
// one exists at any time.
type Position struct {
	ID              string           `json:"id"`
	Symbol          string           `json:"symbol"`
	Direction       market.Direction `json:"direction"`
	Variant         TriggerVariant   `json:"variant"`
	EntryPrice      float64          `json:"entry_price"`
	StopPrice       float64          `json:"stop_price"`
	OriginalStop    float64          `json:"original_stop"`
	TP1Price        float64          `json:"tp1_price"`
	TP2Price        float64          `json:"tp2_price"` // 0 means no second target
	OpenedAt        time.Time        `json:"opened_at"`
	PartialFilled   bool             `json:"partial_filled"`
	RealizedPercent float64          `json:"realized_percent"` // Size-weighted, accumulated across partial exits
	Status          PositionStatus   `json:"status"`
	CloseReason     CloseReason      `json:"close_reason,omitempty"`
}

// EntrySignal is emitted for the order-execution collaborator when a
// setup triggers. Prices are taken from the triggering bar's close.
type EntrySignal struct {
	PositionID     string           `json:"position_id"`
	Symbol         string           `json:"symbol"`
	Direction      market.Direction `json:"direction"`
	Variant        TriggerVariant   `json:"variant"`
	HighConfidence bool             `json:"high_confidence"`
	EntryPrice     float64          `json:"entry_price"`
	StopPrice      float64          `json:"stop_price"`
	TP1Price       float64          `json:"tp1_price"`
	TP2Price       float64          `json:"tp2_price"`
	Timestamp      time.Time        `json:"timestamp"`
}

// ExitSignal is emitted when (part of) the position closes.
// ReturnPercent is already weighted by the closed size fraction, so the
// gatekeeper can sum it directly into daily PnL.
type ExitSignal struct {
	PositionID    string      `json:"position_id"`
	Symbol        string      `json:"symbol"`
	Reason        CloseReason `json:"reason"`
	Price         float64     `json:"price"`
	Fraction      float64     `json:"fraction"` // Fraction of original size closed by this exit
	ReturnPercent float64     `json:"return_percent"`
	Final         bool        `json:"final"`
	Timestamp     time.Time   `json:"timestamp"`
}
