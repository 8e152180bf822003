package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/me/clusterui/pkg/model"
)

// MemoryStore implements Store in process memory. Obligations recorded here do
// not survive a crash; use SQLiteStore when they must.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*model.SessionDescriptor
	obligations map[string]*model.Obligation
	seq         int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*model.SessionDescriptor),
		obligations: make(map[string]*model.Obligation),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func (m *MemoryStore) PutSession(_ context.Context, d *model.SessionDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*model.SessionDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return d.Clone(), nil
}

func (m *MemoryStore) GetSessionByRequestID(_ context.Context, requestID string) (*model.SessionDescriptor, error) {
	if requestID == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *model.SessionDescriptor
	for _, d := range m.sessions {
		if d.RequestID != requestID {
			continue
		}
		if found == nil || d.CreatedAt.After(found.CreatedAt) {
			found = d
		}
	}
	if found == nil {
		return nil, nil
	}
	return found.Clone(), nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]*model.SessionDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.SessionDescriptor, 0, len(m.sessions))
	for _, d := range m.sessions {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) AddObligation(_ context.Context, requestID, sessionID, owner string) (*model.Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ob, ok := m.obligations[requestID]; ok {
		c := *ob
		return &c, nil
	}
	m.seq++
	ob := &model.Obligation{
		Seq:       m.seq,
		RequestID: requestID,
		SessionID: sessionID,
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
	}
	m.obligations[requestID] = ob
	c := *ob
	return &c, nil
}

func (m *MemoryStore) ClearObligation(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.obligations, requestID)
	return nil
}

func (m *MemoryStore) ListObligations(_ context.Context) ([]*model.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Obligation, 0, len(m.obligations))
	for _, ob := range m.obligations {
		c := *ob
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
