package feed

import (
	"testing"
	"time"

	"gamma-trading-bot/internal/market"

	"github.com/rs/zerolog"
)

func TestDispatchBar(t *testing.T) {
	var got market.Bar
	s := NewStream("ws://example/feed", Handlers{
		OnBar: func(b market.Bar) { got = b },
	}, zerolog.Nop())

	msg := []byte(`{"type":"bar","data":{"symbol":"SPY","timestamp":"2025-06-02T14:30:00Z","open":499,"high":499.5,"low":498.8,"close":499.2,"volume":12000}}`)
	if err := s.dispatch(msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if got.Symbol != "SPY" || got.Close != 499.2 {
		t.Errorf("bar not decoded: %+v", got)
	}
	want := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	if !got.Timestamp.Equal(want) {
		t.Errorf("timestamp: %v", got.Timestamp)
	}
}

func TestDispatchBiasAndLevels(t *testing.T) {
	var gotBias market.Bias
	var gotSnap market.LevelSnapshot
	s := NewStream("ws://example/feed", Handlers{
		OnBias:   func(b market.Bias) { gotBias = b },
		OnLevels: func(ls market.LevelSnapshot) { gotSnap = ls },
	}, zerolog.Nop())

	if err := s.dispatch([]byte(`{"type":"bias","data":{"direction":"long","score":65,"vol_move_percent":3.2,"as_of":"2025-06-02T13:00:00Z"}}`)); err != nil {
		t.Fatalf("bias dispatch: %v", err)
	}
	if gotBias.Direction != market.Long || gotBias.Score != 65 {
		t.Errorf("bias not decoded: %+v", gotBias)
	}

	levels := `{"type":"levels","data":{"symbol":"SPY","reference_price":500,"regime":"positive","as_of":"2025-06-02T13:30:00Z","levels":[{"kind":"support_wall","price":498,"strength":0.8}]}}`
	if err := s.dispatch([]byte(levels)); err != nil {
		t.Fatalf("levels dispatch: %v", err)
	}
	if gotSnap.ReferencePrice != 500 || len(gotSnap.Levels) != 1 {
		t.Errorf("snapshot not decoded: %+v", gotSnap)
	}
	if gotSnap.Levels[0].Kind != market.SupportWall {
		t.Errorf("level kind: %s", gotSnap.Levels[0].Kind)
	}
}

func TestDispatchRejectsMalformed(t *testing.T) {
	s := NewStream("ws://example/feed", Handlers{}, zerolog.Nop())

	if err := s.dispatch([]byte(`not json`)); err == nil {
		t.Error("malformed frame must error")
	}
	if err := s.dispatch([]byte(`{"type":"quote","data":{}}`)); err == nil {
		t.Error("unknown message type must error")
	}
	if err := s.dispatch([]byte(`{"type":"bar","data":"nope"}`)); err == nil {
		t.Error("wrong payload shape must error")
	}
}

func TestStartRequiresURL(t *testing.T) {
	s := NewStream("", Handlers{}, zerolog.Nop())
	if err := s.Start(); err == nil {
		t.Error("empty url must fail fast")
	}
}
