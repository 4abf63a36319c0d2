package state

import (
	"sync/atomic"

	"gamma-trading-bot/internal/market"
)

// Snapshot slots are the one-writer/one-reader handoff between the slow
// collaborators (bias, structural levels) and the fast bar loop. The
// producer publishes a complete immutable value; the consumer loads the
// pointer once per cycle and sees either the old snapshot or the new one,
// never a partial update.

// BiasSlot holds the latest bias snapshot
type BiasSlot struct {
	v atomic.Pointer[market.Bias]
}

// Publish swaps in a new snapshot wholesale
func (s *BiasSlot) Publish(b market.Bias) {
	s.v.Store(&b)
}

// Load returns the current snapshot, or nil if none was ever published
func (s *BiasSlot) Load() *market.Bias {
	return s.v.Load()
}

// LevelSlot holds the latest structural level snapshot
type LevelSlot struct {
	v atomic.Pointer[market.LevelSnapshot]
}

func (s *LevelSlot) Publish(snap market.LevelSnapshot) {
	s.v.Store(&snap)
}

func (s *LevelSlot) Load() *market.LevelSnapshot {
	return s.v.Load()
}
