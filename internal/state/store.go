// Package state provides the persistence contract for everything that
// must survive a restart (risk counters, the open position, active gaps
// and zones) plus the snapshot slots used to hand slow-cadence updates to
// the fast evaluation loop without tearing.
//
// The core only ever sees get/set/delete semantics; the backing
// technology is an implementation detail.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a key has no value
var ErrNotFound = errors.New("state: key not found")

// Store is the persisted key-value contract. Available reports whether
// writes are currently durable; the gatekeeper fails closed when it is
// false.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Available() bool
}

// Key builders for the persisted state contract, keyed by instrument and
// trading day where applicable.

func RiskKey(symbol, tradingDate string) string {
	return fmt.Sprintf("risk:%s:%s", symbol, tradingDate)
}

func PositionKey(symbol string) string {
	return fmt.Sprintf("position:%s", symbol)
}

func GapsKey(symbol string) string {
	return fmt.Sprintf("gaps:%s", symbol)
}

func ZonesKey(symbol string) string {
	return fmt.Sprintf("zones:%s", symbol)
}

// MemoryStore is an in-process Store used in tests and dry runs. It is
// always available.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Available() bool {
	return true
}
