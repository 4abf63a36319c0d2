package signal

import (
	"math"
	"testing"
	"time"

	"gamma-trading-bot/internal/market"
	"gamma-trading-bot/internal/patterns"
	"gamma-trading-bot/internal/zones"

	"github.com/rs/zerolog"
)

var t0 = time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

func bar(minute int, o, h, l, c float64) market.Bar {
	return market.Bar{
		Symbol:    "SPY",
		Timestamp: t0.Add(time.Duration(minute) * time.Minute),
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
	}
}

func testConfig() Config {
	return Config{
		TP1Percent:          0.3,
		TP1Fraction:         0.5,
		StopBufferPercent:   0.01,
		StopCapPercent:      0.2,
		GapProximityPercent: 0.5,
		TimeStop:            30 * time.Minute,
		TimeStopMinProfit:   0.1,
	}
}

// zoneEngine builds a positive-regime zone set: support wall at 498 and
// resistance wall at 505 around a 500 reference price
func zoneEngine(regime market.RegimeSign) *zones.Engine {
	ze := zones.NewEngine("SPY", zones.Config{
		WidthPercent: 0.15,
		BreachHold:   15 * time.Minute,
	}, zerolog.Nop())
	ze.ApplySnapshot(&market.LevelSnapshot{
		Symbol:         "SPY",
		ReferencePrice: 500,
		Regime:         regime,
		AsOf:           t0,
		Levels: []market.StructuralLevel{
			{Kind: market.SupportWall, Price: 498, Strength: 0.8},
			{Kind: market.ResistanceWall, Price: 505, Strength: 0.6},
		},
	})
	return ze
}

func approx(t *testing.T, name string, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Errorf("%s: got %f, want %f", name, got, want)
	}
}

// openLongReclaim drives the canonical sweep-and-reclaim long: a wick to
// 498.10 inside the support zone, then a bullish close at 498.40
func openLongReclaim(t *testing.T, se *Engine, ze *zones.Engine) *EntrySignal {
	t.Helper()
	sweep := bar(0, 499.0, 499.2, 498.10, 498.30)
	ze.OnBar(sweep)
	se.ObserveBar(sweep)

	cur := bar(1, 498.30, 498.55, 498.20, 498.40)
	ze.OnBar(cur)
	sig := se.CheckEntry(cur, market.Long, ze, nil)
	if sig == nil {
		t.Fatal("expected a reclaim entry signal")
	}
	se.ObserveBar(cur)
	return sig
}

// TestReclaimLongEntry verifies the sweep-and-reclaim setup end to end:
// prices, stop behind the sweep low, first target and opposing wall
func TestReclaimLongEntry(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())

	sig := openLongReclaim(t, se, ze)

	if sig.Variant != VariantReclaim {
		t.Errorf("expected reclaim variant, got %s", sig.Variant)
	}
	if sig.Direction != market.Long {
		t.Errorf("expected long, got %s", sig.Direction)
	}
	if sig.HighConfidence {
		t.Error("a plain reclaim is not high confidence")
	}
	approx(t, "entry", sig.EntryPrice, 498.40, 1e-9)
	// Sweep low 498.10 minus 0.01% of entry.
	approx(t, "stop", sig.StopPrice, 498.10-498.40*0.0001, 1e-6)
	approx(t, "tp1", sig.TP1Price, 498.40*1.003, 1e-6)
	approx(t, "tp2", sig.TP2Price, 505, 1e-9)

	if se.Position() == nil {
		t.Fatal("entry should open the position slot")
	}
}

// TestReclaimShortEntry mirrors the setup at the resistance wall
func TestReclaimShortEntry(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())

	sweep := bar(0, 504.0, 505.0, 503.9, 504.8) // wick into the zone from below
	ze.OnBar(sweep)
	se.ObserveBar(sweep)

	cur := bar(1, 504.8, 505.1, 504.4, 504.5) // bearish close back under
	ze.OnBar(cur)
	sig := se.CheckEntry(cur, market.Short, ze, nil)
	if sig == nil {
		t.Fatal("expected a short reclaim signal")
	}

	if sig.Direction != market.Short {
		t.Errorf("expected short, got %s", sig.Direction)
	}
	approx(t, "stop", sig.StopPrice, 505.0+504.5*0.0001, 1e-6)
	approx(t, "tp1", sig.TP1Price, 504.5*0.997, 1e-6)
	approx(t, "tp2", sig.TP2Price, 498, 1e-9)
}

// TestInversionTriggerTakesPriority prefers the gap-inversion variant
// over a reclaim that is simultaneously valid
func TestInversionTriggerTakesPriority(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())

	sweep := bar(0, 499.0, 499.2, 498.10, 498.30)
	ze.OnBar(sweep)
	se.ObserveBar(sweep)

	cur := bar(1, 498.30, 498.55, 498.20, 498.40)
	ze.OnBar(cur)

	gaps := []patterns.Gap{{
		ID:         "SPY-1",
		Status:     patterns.StatusInverted,
		Polarity:   patterns.Bullish,
		Top:        498.2,
		Bottom:     497.9,
		InvertedAt: cur.Timestamp,
	}}

	sig := se.CheckEntry(cur, market.Long, ze, gaps)
	if sig == nil {
		t.Fatal("expected an entry signal")
	}
	if sig.Variant != VariantInversion {
		t.Fatalf("expected inversion variant, got %s", sig.Variant)
	}
	if !sig.HighConfidence {
		t.Error("inversion entries are high confidence")
	}
	// Stop hides behind the gap's far edge.
	approx(t, "stop", sig.StopPrice, 497.9-498.40*0.0001, 1e-6)
}

// TestStaleInversionIgnored falls back to the reclaim when the gap
// inverted on an earlier bar
func TestStaleInversionIgnored(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())

	sweep := bar(0, 499.0, 499.2, 498.10, 498.30)
	ze.OnBar(sweep)
	se.ObserveBar(sweep)

	cur := bar(1, 498.30, 498.55, 498.20, 498.40)
	ze.OnBar(cur)

	gaps := []patterns.Gap{{
		ID:         "SPY-1",
		Status:     patterns.StatusInverted,
		Polarity:   patterns.Bullish,
		Top:        498.2,
		Bottom:     497.9,
		InvertedAt: t0.Add(-10 * time.Minute),
	}}

	sig := se.CheckEntry(cur, market.Long, ze, gaps)
	if sig == nil {
		t.Fatal("expected an entry signal")
	}
	if sig.Variant != VariantReclaim {
		t.Errorf("stale inversion should not trigger, got %s", sig.Variant)
	}
}

// TestStopCapClampsDeepSweep limits the stop distance to the cap no
// matter how deep the sweep went
func TestStopCapClampsDeepSweep(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())

	sweep := bar(0, 499.0, 499.2, 495.0, 498.30) // very deep wick
	ze.OnBar(sweep)
	se.ObserveBar(sweep)

	cur := bar(1, 498.30, 498.55, 498.20, 498.40)
	ze.OnBar(cur)
	sig := se.CheckEntry(cur, market.Long, ze, nil)
	if sig == nil {
		t.Fatal("expected an entry signal")
	}

	approx(t, "capped stop", sig.StopPrice, 498.40*(1-0.2/100), 1e-6)
}

// TestNoEntryWhenNeutralOrFlat suppresses entries with no bias edge and
// in the flat regime
func TestNoEntryWhenNeutralOrFlat(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())

	sweep := bar(0, 499.0, 499.2, 498.10, 498.30)
	ze.OnBar(sweep)
	se.ObserveBar(sweep)
	cur := bar(1, 498.30, 498.55, 498.20, 498.40)
	ze.OnBar(cur)

	if sig := se.CheckEntry(cur, market.Neutral, ze, nil); sig != nil {
		t.Error("neutral bias must not trade")
	}

	flat := zoneEngine(market.RegimeFlat)
	flat.OnBar(sweep)
	flat.OnBar(cur)
	if sig := se.CheckEntry(cur, market.Long, flat, nil); sig != nil {
		t.Error("flat regime must not trade")
	}
}

// TestNoFadeAtBrokenWall refuses mean-reversion entries once the wall
// has dissolved
func TestNoFadeAtBrokenWall(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())

	// Break the support wall: closes held below for the full hold.
	ze.OnBar(bar(0, 499, 499.2, 496.8, 497.0))
	ze.OnBar(bar(15, 497.0, 497.2, 496.5, 496.8))
	if ze.SupportZone().WallStatus != zones.WallBroken {
		t.Fatal("precondition: wall should be broken")
	}

	sweep := bar(16, 496.8, 498.3, 496.7, 498.2)
	se.ObserveBar(sweep)
	ze.OnBar(sweep)

	cur := bar(17, 498.2, 498.6, 498.1, 498.5)
	ze.OnBar(cur)
	if sig := se.CheckEntry(cur, market.Long, ze, nil); sig != nil {
		t.Error("broken wall must not anchor a fade entry")
	}
}

// TestBreakoutEntryInNegativeRegime trades through a wall that broke on
// this bar when the regime favors continuation
func TestBreakoutEntryInNegativeRegime(t *testing.T) {
	ze := zoneEngine(market.RegimeNegative)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())

	first := bar(0, 505.6, 506.2, 505.5, 506.0)
	ze.OnBar(first)
	se.ObserveBar(first)

	breaker := bar(15, 506.0, 506.8, 505.9, 506.5)
	ze.OnBar(breaker)
	if ze.ResistanceZone().WallStatus != zones.WallBroken {
		t.Fatal("precondition: resistance wall should be broken")
	}

	sig := se.CheckEntry(breaker, market.Long, ze, nil)
	if sig == nil {
		t.Fatal("expected a breakout entry")
	}
	if sig.Variant != VariantBreakout {
		t.Errorf("expected breakout variant, got %s", sig.Variant)
	}
	approx(t, "entry", sig.EntryPrice, 506.5, 1e-9)
	// Raw stop behind the failed zone exceeds the cap.
	approx(t, "stop", sig.StopPrice, 506.5*(1-0.2/100), 1e-6)
	if sig.TP2Price != 0 {
		t.Errorf("no wall beyond a breakout long here, tp2 should be 0, got %f", sig.TP2Price)
	}
}

// TestStopBeatsTargetsOnSameBar applies the exit precedence when one bar
// spans both the stop and the first target
func TestStopBeatsTargetsOnSameBar(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())
	openLongReclaim(t, se, ze)
	p := se.Position()

	wild := bar(2, 498.40, 500.1, 497.8, 499.0) // hits stop and TP1
	exit := se.ManagePosition(wild)
	if exit == nil {
		t.Fatal("expected an exit")
	}
	if exit.Reason != ReasonStop {
		t.Fatalf("stop outranks targets, got %s", exit.Reason)
	}
	if !exit.Final || exit.Fraction != 1 {
		t.Errorf("stop closes everything: %+v", exit)
	}
	wantRet := (p.StopPrice - p.EntryPrice) / p.EntryPrice * 100
	approx(t, "return", exit.ReturnPercent, wantRet, 1e-9)

	if se.Position() != nil {
		t.Error("closed position should not be reported open")
	}
	se.ClearClosed()
	if se.Closed() != nil {
		t.Error("clear should drop the closed record")
	}
}

// TestTP1PartialMovesStopToBreakeven banks half at the first target and
// protects the rest at entry
func TestTP1PartialMovesStopToBreakeven(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())
	openLongReclaim(t, se, ze)

	runUp := bar(2, 498.40, 499.95, 498.35, 499.9)
	exit := se.ManagePosition(runUp)
	if exit == nil {
		t.Fatal("expected the TP1 partial")
	}
	if exit.Reason != ReasonTP1 || exit.Final {
		t.Fatalf("expected non-final tp1, got %+v", exit)
	}
	if exit.Fraction != 0.5 {
		t.Errorf("expected half the size, got %f", exit.Fraction)
	}
	// 0.3% move on half the size.
	approx(t, "partial return", exit.ReturnPercent, 0.15, 1e-9)

	p := se.Position()
	if p == nil || !p.PartialFilled {
		t.Fatal("position should stay open with the partial recorded")
	}
	approx(t, "breakeven stop", p.StopPrice, p.EntryPrice, 1e-9)

	// A pullback to entry stops out the remainder for zero additional.
	exit = se.ManagePosition(bar(3, 499.9, 499.95, 498.35, 498.5))
	if exit == nil || exit.Reason != ReasonStop || !exit.Final {
		t.Fatalf("expected the breakeven stop, got %+v", exit)
	}
	approx(t, "remainder return", exit.ReturnPercent, 0, 1e-9)
	approx(t, "total realized", se.Closed().RealizedPercent, 0.15, 1e-9)
}

// TestTP2ClosesAtOpposingWall takes the full remainder at the second
// target, outranking TP1 when both print on one bar
func TestTP2ClosesAtOpposingWall(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())
	openLongReclaim(t, se, ze)
	p := se.Position()

	surge := bar(2, 498.40, 505.4, 498.38, 505.1)
	exit := se.ManagePosition(surge)
	if exit == nil {
		t.Fatal("expected an exit")
	}
	if exit.Reason != ReasonTP2 {
		t.Fatalf("TP2 outranks TP1, got %s", exit.Reason)
	}
	if !exit.Final || exit.Fraction != 1 {
		t.Errorf("TP2 closes the full remainder: %+v", exit)
	}
	approx(t, "exit price", exit.Price, 505, 1e-9)
	wantRet := (505 - p.EntryPrice) / p.EntryPrice * 100
	approx(t, "return", exit.ReturnPercent, wantRet, 1e-9)
}

// TestTimeStopCutsStalledPosition closes a position that has gone
// nowhere after the configured bar-time age
func TestTimeStopCutsStalledPosition(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())
	openLongReclaim(t, se, ze)

	// 29 minutes in, still flat: no exit yet.
	if exit := se.ManagePosition(bar(30, 498.42, 498.6, 498.3, 498.45)); exit != nil {
		t.Fatalf("time stop fired early: %+v", exit)
	}

	// Past the age with unrealized below the threshold.
	exit := se.ManagePosition(bar(31, 498.45, 498.6, 498.3, 498.45))
	if exit == nil || exit.Reason != ReasonTimeStop {
		t.Fatalf("expected time stop, got %+v", exit)
	}
	if !exit.Final {
		t.Error("time stop closes the whole position")
	}
}

// TestTimeStopSparesWorkingPosition leaves a position alone when it has
// enough unrealized gain, however old it is
func TestTimeStopSparesWorkingPosition(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())
	openLongReclaim(t, se, ze)

	// +0.15% unrealized at 45 minutes: keep it.
	price := 498.40 * 1.0015
	if exit := se.ManagePosition(bar(46, price, price + 0.1, price - 0.1, price)); exit != nil {
		t.Fatalf("working position should survive the time stop: %+v", exit)
	}
}

// TestNoSecondEntryWhileOpen keeps the single position slot exclusive
func TestNoSecondEntryWhileOpen(t *testing.T) {
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", testConfig(), zerolog.Nop())
	openLongReclaim(t, se, ze)

	cur := bar(2, 498.40, 498.7, 498.3, 498.6)
	if sig := se.CheckEntry(cur, market.Long, ze, nil); sig != nil {
		t.Error("no entries while a position is open")
	}
}

// TestRestoreReopensPosition resumes exit management on a persisted
// position after a restart
func TestRestoreReopensPosition(t *testing.T) {
	se := NewEngine("SPY", testConfig(), zerolog.Nop())
	se.Restore(&Position{
		ID:         "SPY-100",
		Symbol:     "SPY",
		Direction:  market.Long,
		EntryPrice: 498.40,
		StopPrice:  498.05,
		TP1Price:   499.90,
		TP2Price:   505,
		OpenedAt:   t0,
		Status:     PositionOpen,
	})

	if se.Position() == nil {
		t.Fatal("restored position should be open")
	}
	exit := se.ManagePosition(bar(2, 498.3, 498.4, 497.9, 498.0))
	if exit == nil || exit.Reason != ReasonStop {
		t.Fatalf("restored position should stop out, got %+v", exit)
	}
}

// TestNoWallTargetDisablesTP2 checks that the opposing-wall target can
// be switched off, leaving TP1 and the stop as the only exits
func TestNoWallTargetDisablesTP2(t *testing.T) {
	cfg := testConfig()
	cfg.NoWallTarget = true
	ze := zoneEngine(market.RegimePositive)
	se := NewEngine("SPY", cfg, zerolog.Nop())

	sig := openLongReclaim(t, se, ze)
	if sig.TP2Price != 0 {
		t.Errorf("expected no second target, got %f", sig.TP2Price)
	}

	// A close beyond the opposing wall must not trigger a TP2 exit.
	exit := se.ManagePosition(bar(2, 504.0, 505.5, 503.9, 505.4))
	if exit != nil && exit.Reason == ReasonTP2 {
		t.Error("tp2 exit fired with the wall target disabled")
	}
}
