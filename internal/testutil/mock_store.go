package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MikeSquared-Agency/hsstream/internal/store"
)

// MockStore is a thread-safe in-memory implementation of store.DataStore for testing.
type MockStore struct {
	mu sync.Mutex

	Events          []store.EventRecord
	Sessions        map[string]map[string]any
	Classifications []store.Classification

	InsertErr         error
	UpsertSessionErr  error
	ClassificationErr error

	InsertCalls         int
	UpsertSessionCalls  int
	ClassificationCalls int
}

func NewMockStore() *MockStore {
	return &MockStore{
		Events:   make([]store.EventRecord, 0),
		Sessions: make(map[string]map[string]any),
	}
}

func (m *MockStore) InsertEvents(_ context.Context, evts []store.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.Events = append(m.Events, evts...)
	return nil
}

func (m *MockStore) UpsertSession(_ context.Context, sessionID string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertSessionCalls++
	if m.UpsertSessionErr != nil {
		return m.UpsertSessionErr
	}
	if m.Sessions[sessionID] == nil {
		m.Sessions[sessionID] = map[string]any{"session_id": sessionID, "status": "streaming"}
	}
	for k, v := range updates {
		m.Sessions[sessionID][k] = v
	}
	return nil
}

func (m *MockStore) GetSession(_ context.Context, sessionID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	cp := make(map[string]any, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp, nil
}

func (m *MockStore) QueryEvents(_ context.Context, sessionID string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []map[string]any
	for _, e := range m.Events {
		if e.SessionID == sessionID {
			results = append(results, map[string]any{
				"event_id":   e.EventID,
				"session_id": e.SessionID,
				"event_type": e.EventType,
				"timestamp":  e.Timestamp,
				"data":       e.Data,
			})
		}
	}
	return results, nil
}

func (m *MockStore) QuerySessions(_ context.Context, status string, limit int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.Sessions))
	for id := range m.Sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var results []map[string]any
	for _, id := range ids {
		s := m.Sessions[id]
		if status != "" {
			if st, ok := s["status"].(string); ok && st != status {
				continue
			}
		}
		results = append(results, s)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (m *MockStore) InsertClassification(_ context.Context, c store.Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClassificationCalls++
	if m.ClassificationErr != nil {
		return m.ClassificationErr
	}
	m.Classifications = append(m.Classifications, c)
	return nil
}

func (m *MockStore) ListClassifications(_ context.Context, limit int) ([]store.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []store.Classification
	for i := len(m.Classifications) - 1; i >= 0; i-- {
		results = append(results, m.Classifications[i])
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (m *MockStore) Close() {}

// SetSession seeds a session row for testing.
func (m *MockStore) SetSession(sessionID string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sessions[sessionID] = data
}

// GetInsertCalls returns how many times InsertEvents was called.
func (m *MockStore) GetInsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InsertCalls
}

// GetEventCount returns total events stored.
func (m *MockStore) GetEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events)
}

// GetClassifications returns a copy of the recorded classifications.
func (m *MockStore) GetClassifications() []store.Classification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Classification(nil), m.Classifications...)
}
