// Package positions persists narration offsets per document.
//
// Values are stored under the key audio_position_<documentID> as a
// stringified floating point number of seconds. A missing key reads as 0.
package positions

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

const keyPrefix = "audio_position_"

// Store maps a document id to its narration offset in seconds.
type Store interface {
	Save(ctx context.Context, documentID string, offset float64) error
	Load(ctx context.Context, documentID string) (float64, error)
	Clear(ctx context.Context, documentID string) error
}

// Key returns the persisted key for a document.
func Key(documentID string) string {
	return keyPrefix + documentID
}

func formatOffset(offset float64) string {
	return strconv.FormatFloat(offset, 'f', -1, 64)
}

func parseOffset(value string) (float64, error) {
	offset, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stored offset %q: %w", value, err)
	}
	return offset, nil
}

// MemoryStore keeps offsets for the lifetime of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Save(_ context.Context, documentID string, offset float64) error {
	if documentID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[Key(documentID)] = formatOffset(offset)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, documentID string) (float64, error) {
	if documentID == "" {
		return 0, nil
	}
	m.mu.RLock()
	value, ok := m.values[Key(documentID)]
	m.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return parseOffset(value)
}

func (m *MemoryStore) Clear(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, Key(documentID))
	return nil
}
