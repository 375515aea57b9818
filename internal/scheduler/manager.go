package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/medx/internal/notify"
)

// Directory is a ProfileSource that can also enumerate users.
type Directory interface {
	ProfileSource
	ActiveUserIDs(ctx context.Context) ([]string, error)
}

// Manager owns one scheduler per user.
type Manager struct {
	ctx       context.Context
	directory Directory
	opts      Options
	logger    *zap.Logger

	mu         sync.Mutex
	schedulers map[string]*Scheduler
}

// NewManager creates a manager whose schedulers run under ctx.
func NewManager(ctx context.Context, directory Directory, opts Options) *Manager {
	opts.Profile = directory
	opts = opts.withDefaults()
	return &Manager{
		ctx:        ctx,
		directory:  directory,
		opts:       opts,
		logger:     opts.Logger,
		schedulers: make(map[string]*Scheduler),
	}
}

// For returns the user's scheduler, creating a stopped one on first use.
func (m *Manager) For(userID string) *Scheduler {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedulers[userID]
	if !ok {
		s = New(m.ctx, userID, m.opts)
		m.schedulers[userID] = s
	}
	return s
}

// Reconcile re-evaluates one user after a profile, preference or permission change.
func (m *Manager) Reconcile(ctx context.Context, userID string) (State, error) {
	state, err := m.For(userID).Reconcile(ctx)
	if err != nil {
		m.logger.Warn("Failed to reconcile scheduler", zap.String("user_id", userID), zap.Error(err))
	}
	return state, err
}

// ReconcileAll reconciles every active user. Per-user failures are logged
// and the first is returned.
func (m *Manager) ReconcileAll(ctx context.Context) error {
	ids, err := m.directory.ActiveUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	var firstErr error
	running := 0
	for _, id := range ids {
		state, err := m.Reconcile(ctx, id)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if state == StateRunning {
			running++
		}
	}

	m.logger.Info("Schedulers reconciled", zap.Int("users", len(ids)), zap.Int("running", running))
	return firstErr
}

// CheckNow runs one immediate pass for the user.
func (m *Manager) CheckNow(ctx context.Context, userID string) (notify.Summary, bool, error) {
	return m.For(userID).CheckNow(ctx)
}

// SetInterval applies a new tick period to every scheduler.
func (m *Manager) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.opts.Interval = d
	list := m.list()
	m.mu.Unlock()

	for _, s := range list {
		s.SetInterval(d)
	}
}

// States reports each known user's scheduler state.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	list := m.schedulers
	out := make(map[string]State, len(list))
	for id, s := range list {
		out[id] = s.State()
	}
	m.mu.Unlock()
	return out
}

// StopAll stops every scheduler.
func (m *Manager) StopAll() {
	m.mu.Lock()
	list := m.list()
	m.mu.Unlock()

	for _, s := range list {
		s.Stop()
	}
}

func (m *Manager) list() []*Scheduler {
	out := make([]*Scheduler, 0, len(m.schedulers))
	for _, s := range m.schedulers {
		out = append(out, s)
	}
	return out
}
