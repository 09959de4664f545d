package repository

import (
	"context"
	"sync"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

var _ order.Store = (*MemoryPendingStore)(nil)

// MemoryPendingStore keeps pending submissions in process memory. It is used
// when no database is configured; submissions do not survive a restart.
type MemoryPendingStore struct {
	mu      sync.RWMutex
	pending map[string]order.PendingSubmission
}

// NewMemoryPendingStore returns an empty MemoryPendingStore.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{pending: make(map[string]order.PendingSubmission)}
}

func (m *MemoryPendingStore) Save(_ context.Context, s *order.PendingSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pending[s.SessionID]; ok {
		existing.Attempts = s.Attempts
		existing.LastError = s.LastError
		existing.UpdatedAt = s.UpdatedAt
		m.pending[s.SessionID] = existing
		return nil
	}
	m.pending[s.SessionID] = clonePending(*s)
	return nil
}

func (m *MemoryPendingStore) Get(_ context.Context, sessionID string) (*order.PendingSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.pending[sessionID]
	if !ok {
		return nil, order.ErrNotFound
	}
	out := clonePending(s)
	return &out, nil
}

func (m *MemoryPendingStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.pending, sessionID)
	m.mu.Unlock()
	return nil
}

// Len returns the number of pending submissions.
func (m *MemoryPendingStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

func clonePending(s order.PendingSubmission) order.PendingSubmission {
	s.Draft.Cart = append([]order.Line(nil), s.Draft.Cart...)
	if s.Evidence != nil {
		ev := *s.Evidence
		ev.Response = append([]byte(nil), ev.Response...)
		s.Evidence = &ev
	}
	return s
}
