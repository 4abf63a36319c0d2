// Package bias maps the sentiment collaborator's numeric score onto a
// trading direction and applies the freshness rule: a stale snapshot is
// treated as neutral, never as an error.
package bias

import (
	"time"

	"gamma-trading-bot/internal/market"
)

// Score band boundaries. Scores in (-20, 20) carry no directional edge.
const (
	longThreshold   = 20
	shortThreshold  = -20
	strongThreshold = 50
)

// FromScore is the total classification from score to direction
func FromScore(score int) market.Direction {
	switch {
	case score > longThreshold:
		return market.Long
	case score < shortThreshold:
		return market.Short
	default:
		return market.Neutral
	}
}

// Strong reports whether the score sits in one of the conviction bands
func Strong(score int) bool {
	return score > strongThreshold || score < -strongThreshold
}

// Effective resolves the direction the signal engine may trade. A nil
// snapshot or one older than maxAge (relative to bar time) is neutral.
func Effective(b *market.Bias, barTime time.Time, maxAge time.Duration) market.Direction {
	if b == nil {
		return market.Neutral
	}
	if maxAge > 0 && barTime.Sub(b.AsOf) > maxAge {
		return market.Neutral
	}
	if b.Direction != "" {
		return b.Direction
	}
	return FromScore(b.Score)
}
