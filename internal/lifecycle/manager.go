package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/me/clusterui/internal/cleanup"
	"github.com/me/clusterui/internal/store"
	"github.com/me/clusterui/pkg/model"
)

// ErrSessionNotFound is returned when no tracked session matches an id.
var ErrSessionNotFound = errors.New("session not found")

// Manager tracks N sessions, one Machine each, for daemon mode.
type Manager struct {
	sched     Scheduler
	channels  ChannelOpener
	guarantor *cleanup.Guarantor
	store     store.Store
	cfg       Config
	base      *slog.Logger
	logger    *slog.Logger

	mu       sync.RWMutex
	machines map[string]*Machine
}

// NewManager creates a Manager.
func NewManager(sched Scheduler, channels ChannelOpener, g *cleanup.Guarantor, st store.Store, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		sched:     sched,
		channels:  channels,
		guarantor: g,
		store:     st,
		cfg:       cfg,
		base:      logger,
		logger:    logger.With("component", "manager"),
		machines:  make(map[string]*Machine),
	}
}

// Start submits req and starts polling it. The returned descriptor is the
// state right after submission.
func (mgr *Manager) Start(ctx context.Context, req model.SessionRequest) (*model.SessionDescriptor, error) {
	m := NewMachine(req, mgr.sched, mgr.channels, mgr.guarantor, mgr.store, mgr.cfg, mgr.base)

	mgr.mu.Lock()
	mgr.machines[m.ID()] = m
	mgr.mu.Unlock()

	if err := m.Submit(context.WithoutCancel(ctx)); err != nil {
		return m.Descriptor(), err
	}
	m.Start()
	d := m.Descriptor()
	mgr.logger.Info("session started", "session_id", d.ID, "request_id", d.RequestID)
	return d, nil
}

// Get returns the session whose local id or request id is id.
func (mgr *Manager) Get(id string) (*model.SessionDescriptor, error) {
	m, err := mgr.find(id)
	if err != nil {
		return nil, err
	}
	return m.Descriptor(), nil
}

// List returns all tracked sessions, oldest first.
func (mgr *Manager) List() []*model.SessionDescriptor {
	mgr.mu.RLock()
	out := make([]*model.SessionDescriptor, 0, len(mgr.machines))
	for _, m := range mgr.machines {
		out = append(out, m.Descriptor())
	}
	mgr.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Cancel forces the session to Closing. Cancelling a Terminal session does
// nothing and issues no removal.
func (mgr *Manager) Cancel(id string) (*model.SessionDescriptor, error) {
	m, err := mgr.find(id)
	if err != nil {
		return nil, err
	}
	if d := m.Descriptor(); d.State.IsTerminal() {
		return d, nil
	}
	m.Close(model.ReasonUserClosed)
	return m.Descriptor(), nil
}

// Prune forgets Terminal sessions whose scheduler record is confirmed gone,
// deleting them from the store. It returns how many were pruned.
func (mgr *Manager) Prune(ctx context.Context) int {
	outstanding := make(map[string]bool)
	for _, id := range mgr.guarantor.Outstanding() {
		outstanding[id] = true
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	n := 0
	for id, m := range mgr.machines {
		d := m.Descriptor()
		if !d.State.IsTerminal() || outstanding[d.RequestID] {
			continue
		}
		if mgr.store != nil {
			if err := mgr.store.DeleteSession(ctx, id); err != nil {
				mgr.logger.Warn("delete session", "session_id", id, "error", err)
				continue
			}
		}
		delete(mgr.machines, id)
		n++
	}
	return n
}

// Shutdown closes every active session and waits for them to reach Terminal
// or for ctx to end.
func (mgr *Manager) Shutdown(ctx context.Context) error {
	mgr.mu.RLock()
	machines := make([]*Machine, 0, len(mgr.machines))
	for _, m := range mgr.machines {
		machines = append(machines, m)
	}
	mgr.mu.RUnlock()

	var wg sync.WaitGroup
	for _, m := range machines {
		wg.Add(1)
		go func(m *Machine) {
			defer wg.Done()
			m.Close(model.ReasonUserClosed)
			// A session still submitting finishes closing only once its
			// submit returns.
			select {
			case <-m.Done():
			case <-ctx.Done():
			}
		}(m)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mgr *Manager) find(id string) (*Machine, error) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	if m, ok := mgr.machines[id]; ok {
		return m, nil
	}
	for _, m := range mgr.machines {
		if d := m.Descriptor(); d.RequestID != "" && d.RequestID == id {
			return m, nil
		}
	}
	return nil, ErrSessionNotFound
}
