package state

import (
	"context"
	"errors"
	"testing"

	"gamma-trading-bot/internal/market"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("expected v1, got %s", got)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	if !s.Available() {
		t.Error("memory store is always available")
	}
}

// TestMemoryStoreCopies ensures callers cannot mutate stored bytes
func TestMemoryStoreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	val := []byte("original")
	s.Set(ctx, "k", val)
	val[0] = 'X'

	got, _ := s.Get(ctx, "k")
	if string(got) != "original" {
		t.Errorf("store leaked the caller's slice: %s", got)
	}

	got[0] = 'Y'
	again, _ := s.Get(ctx, "k")
	if string(again) != "original" {
		t.Errorf("store leaked its internal slice: %s", again)
	}
}

func TestKeyBuilders(t *testing.T) {
	if got := RiskKey("SPY", "2025-06-02"); got != "risk:SPY:2025-06-02" {
		t.Errorf("risk key: %s", got)
	}
	if got := PositionKey("SPY"); got != "position:SPY" {
		t.Errorf("position key: %s", got)
	}
	if got := GapsKey("QQQ"); got != "gaps:QQQ" {
		t.Errorf("gaps key: %s", got)
	}
	if got := ZonesKey("QQQ"); got != "zones:QQQ" {
		t.Errorf("zones key: %s", got)
	}
}

// TestSlotPublishLoad checks the snapshot handoff: nil before the first
// publish, then whole-value swaps
func TestSlotPublishLoad(t *testing.T) {
	var bs BiasSlot
	if bs.Load() != nil {
		t.Fatal("empty slot should load nil")
	}

	bs.Publish(market.Bias{Direction: market.Long, Score: 60})
	b := bs.Load()
	if b == nil || b.Score != 60 {
		t.Fatalf("expected published bias, got %+v", b)
	}

	bs.Publish(market.Bias{Direction: market.Short, Score: -30})
	if got := bs.Load(); got.Direction != market.Short {
		t.Errorf("expected replacement snapshot, got %+v", got)
	}
	// The earlier pointer still sees the old value.
	if b.Direction != market.Long {
		t.Error("published snapshots must be immutable")
	}

	var ls LevelSlot
	ls.Publish(market.LevelSnapshot{Symbol: "SPY", ReferencePrice: 500})
	if snap := ls.Load(); snap == nil || snap.ReferencePrice != 500 {
		t.Errorf("level slot round trip failed: %+v", snap)
	}
}
