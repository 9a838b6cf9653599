package oauth

import (
	"context"
	"sync"
	"time"

	"github.com/fuomag9/square-bridge/internal/apierror"
)

// MemoryStateStore keeps states in process memory. It is only correct for a
// single instance and exists for local development and tests.
type MemoryStateStore struct {
	mu      sync.Mutex
	records map[string]StateRecord
}

// NewMemoryStateStore creates an empty in-memory backend.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{records: make(map[string]StateRecord)}
}

// Put implements StateBackend
func (m *MemoryStateStore) Put(_ context.Context, rec StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.State]; exists {
		return apierror.New(apierror.KindValidation, "state already exists")
	}
	m.records[rec.State] = rec
	return nil
}

// Consume implements StateBackend
func (m *MemoryStateStore) Consume(_ context.Context, state string, now time.Time) (StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[state]
	if !ok {
		return StateRecord{}, classifyUnconsumable(nil, now)
	}
	if rec.Used || !now.Before(rec.ExpiresAt) {
		return StateRecord{}, classifyUnconsumable(&rec, now)
	}

	out := rec
	rec.Used = true
	m.records[state] = rec
	return out, nil
}

// PurgeExpired implements StateBackend
func (m *MemoryStateStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, rec := range m.records {
		if !now.Before(rec.ExpiresAt) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records
func (m *MemoryStateStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
