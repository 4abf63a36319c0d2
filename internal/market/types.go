// Package market holds the core data types shared across the signal
// pipeline: price bars, trade direction, the daily bias snapshot and the
// structural level snapshot. Snapshots are immutable once published and
// replaced wholesale, never patched in place.
package market

import "time"

// Direction represents the trading direction bias
type Direction string

const (
	Long    Direction = "long"
	Short   Direction = "short"
	Neutral Direction = "neutral"
)

// Bar is a single closed OHLCV bar. Bars are immutable once closed and
// strictly ordered by timestamp per instrument.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// IsBullish reports whether the bar closed above its open
func (b Bar) IsBullish() bool {
	return b.Close > b.Open
}

// IsBearish reports whether the bar closed below its open
func (b Bar) IsBearish() bool {
	return b.Close < b.Open
}

// Range returns the bar's high-low range
func (b Bar) Range() float64 {
	return b.High - b.Low
}

// Bias is the daily directional bias snapshot produced by the sentiment
// collaborator. Score is in [-100, 100]. VolMovePercent is the intraday
// move of the volatility index, used for the shock shutdown.
type Bias struct {
	Direction      Direction `json:"direction"`
	Score          int       `json:"score"`
	VolMovePercent float64   `json:"vol_move_percent"`
	AsOf           time.Time `json:"as_of"`
}

// RegimeSign describes whether aggregate positioning favors price
// stickiness (positive, mean-reversion) or slipperiness (negative,
// trend continuation).
type RegimeSign string

const (
	RegimePositive RegimeSign = "positive"
	RegimeNegative RegimeSign = "negative"
	RegimeFlat     RegimeSign = "flat"
)

// LevelKind identifies a structural level type
type LevelKind string

const (
	ResistanceWall LevelKind = "resistance_wall"
	SupportWall    LevelKind = "support_wall"
	FlipLevel      LevelKind = "flip_level"
)

// StructuralLevel is a single options-derived price level
type StructuralLevel struct {
	Kind     LevelKind `json:"kind"`
	Price    float64   `json:"price"`
	Strength float64   `json:"strength"`
}

// LevelSnapshot is the slow-cadence structural level set for one
// instrument. ReferencePrice is the spot price observed when the snapshot
// was built; zone widths are derived from it and frozen until the next
// snapshot.
type LevelSnapshot struct {
	Symbol         string            `json:"symbol"`
	ReferencePrice float64           `json:"reference_price"`
	Levels         []StructuralLevel `json:"levels"`
	Regime         RegimeSign        `json:"regime"`
	AsOf           time.Time         `json:"as_of"`
}

// Level returns the first level of the given kind, or nil
func (s *LevelSnapshot) Level(kind LevelKind) *StructuralLevel {
	for i := range s.Levels {
		if s.Levels[i].Kind == kind {
			return &s.Levels[i]
		}
	}
	return nil
}
