// Package feed consumes the upstream market data WebSocket. One stream
// carries three message kinds: closed bars, directional bias updates and
// structural level snapshots. Bars are handed to the evaluation pipeline;
// bias and levels go to the published slots the pipeline reads from.
package feed

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gamma-trading-bot/internal/market"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const reconnectDelay = 5 * time.Second

// Envelope is the wire frame for every stream message
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Message type tags on the wire
const (
	TypeBar    = "bar"
	TypeBias   = "bias"
	TypeLevels = "levels"
)

// Handlers receive decoded stream messages. Bar handling must be fast;
// it runs on the read loop.
type Handlers struct {
	OnBar    func(market.Bar)
	OnBias   func(market.Bias)
	OnLevels func(market.LevelSnapshot)
}

// Stream is a reconnecting WebSocket client for the market data feed
type Stream struct {
	mu        sync.RWMutex
	url       string
	conn      *websocket.Conn
	handlers  Handlers
	isRunning bool
	stopChan  chan struct{}
	lastMsgAt time.Time
	logger    zerolog.Logger
}

// NewStream creates a stream client for the given feed URL
func NewStream(url string, handlers Handlers, logger zerolog.Logger) *Stream {
	return &Stream{
		url:      url,
		handlers: handlers,
		logger:   logger.With().Str("component", "feed").Logger(),
	}
}

// Start begins the connection loop. Safe to call once.
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if s.url == "" {
		s.mu.Unlock()
		return fmt.Errorf("feed url not configured")
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	go s.connect()
	return nil
}

// Stop closes the stream and ends the connection loop
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.logger.Info().Msg("feed stopped")
}

// IsRunning reports whether the connection loop is active
func (s *Stream) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastMessageAt returns the receive time of the most recent message,
// used by the health endpoint to surface a stalled feed
func (s *Stream) LastMessageAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMsgAt
}

// connect dials and reads until stopped, reconnecting on any error
func (s *Stream) connect() {
	for {
		s.mu.RLock()
		running := s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}

		s.logger.Info().Str("url", s.url).Msg("connecting to feed")

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.logger.Error().Err(err).Dur("retry_in", reconnectDelay).Msg("feed connection failed")
			select {
			case <-s.stopChan:
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.logger.Info().Msg("feed connected")
		s.readLoop(conn)

		conn.Close()

		select {
		case <-s.stopChan:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// readLoop reads frames until the connection dies
func (s *Stream) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.RLock()
			running := s.isRunning
			s.mu.RUnlock()
			if running {
				s.logger.Warn().Err(err).Msg("feed read error, reconnecting")
			}
			return
		}

		s.mu.Lock()
		s.lastMsgAt = time.Now()
		s.mu.Unlock()

		if err := s.dispatch(raw); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed feed message")
		}
	}
}

// dispatch decodes an envelope and routes it to the matching handler
func (s *Stream) dispatch(raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeBar:
		var bar market.Bar
		if err := json.Unmarshal(env.Data, &bar); err != nil {
			return fmt.Errorf("decode bar: %w", err)
		}
		if s.handlers.OnBar != nil {
			s.handlers.OnBar(bar)
		}
	case TypeBias:
		var bias market.Bias
		if err := json.Unmarshal(env.Data, &bias); err != nil {
			return fmt.Errorf("decode bias: %w", err)
		}
		if s.handlers.OnBias != nil {
			s.handlers.OnBias(bias)
		}
	case TypeLevels:
		var snap market.LevelSnapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			return fmt.Errorf("decode level snapshot: %w", err)
		}
		if s.handlers.OnLevels != nil {
			s.handlers.OnLevels(snap)
		}
	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
	return nil
}
