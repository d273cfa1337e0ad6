package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"flowmesh/pkg/cluster"
)

// Config sets the lease discipline. Lease must exceed Refresh; a lock whose
// holder crashes becomes free at most Lease after its last refresh.
type Config struct {
	Lease         time.Duration
	Refresh       time.Duration
	RetryInterval time.Duration
	Logger        hclog.Logger
}

// slot is the local semaphore for one lock name, counted by the callers
// waiting on or holding it so idle names are forgotten.
type slot struct {
	ch   chan struct{}
	refs int
}

type held struct {
	token   uint64
	expires time.Time
}

// Manager provides named cluster-wide mutual exclusion. Locally a per-name
// semaphore admits one goroutine; cluster-wide a replicated lease admits one node.
type Manager struct {
	sub    cluster.Substrate
	cfg    Config
	logger hclog.Logger

	mu    sync.Mutex
	local map[string]*slot
	held  map[string]held
}

// NewManager creates a lock manager.
func NewManager(sub cluster.Substrate, cfg Config) *Manager {
	if cfg.Lease <= 0 {
		cfg.Lease = 15 * time.Second
	}
	if cfg.Refresh <= 0 || cfg.Refresh >= cfg.Lease {
		cfg.Refresh = cfg.Lease / 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		sub:    sub,
		cfg:    cfg,
		logger: logger.Named("lock"),
		local:  make(map[string]*slot),
		held:   make(map[string]held),
	}
}

// Lease is the configured lease duration.
func (m *Manager) Lease() time.Duration { return m.cfg.Lease }

func (m *Manager) ref(name string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.local[name]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.local[name] = s
	}
	s.refs++
	return s
}

// unref drops a reference taken by ref, releasing the semaphore first when
// the caller holds it.
func (m *Manager) unref(name string, s *slot, holding bool) {
	if holding {
		<-s.ch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 && m.local[name] == s {
		delete(m.local, name)
	}
}

func (m *Manager) slotFor(name string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local[name]
}

// TryLock blocks up to timeout for the named lock. Contention that does not
// resolve in time returns false with a nil error.
func (m *Manager) TryLock(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("lock name required")
	}
	if err := m.sub.Ready(); err != nil {
		return false, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	s := m.ref(name)
	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		m.unref(name, s, false)
		return false, nil
	case <-ctx.Done():
		m.unref(name, s, false)
		return false, nil
	}

	for {
		start := time.Now()
		res, err := cluster.ApplyCommand(ctx, m.sub, cluster.CmdLockAcquire, cluster.LockPayload{Name: name, Lease: m.cfg.Lease})
		if err != nil {
			m.unref(name, s, true)
			return false, err
		}
		if res.OK {
			m.mu.Lock()
			m.held[name] = held{token: res.Token, expires: start.Add(m.cfg.Lease)}
			m.mu.Unlock()
			m.logger.Debug("lock acquired", "name", name, "token", res.Token)
			return true, nil
		}

		retry := time.NewTimer(m.cfg.RetryInterval)
		select {
		case <-retry.C:
		case <-timer.C:
			retry.Stop()
			m.unref(name, s, true)
			m.logger.Debug("lock contended", "name", name, "holder", res.Holder)
			return false, nil
		case <-ctx.Done():
			retry.Stop()
			m.unref(name, s, true)
			return false, nil
		}
	}
}

// Unlock releases the named lock. Unlocking a lock this node does not hold logs
// a warning and returns nil.
func (m *Manager) Unlock(ctx context.Context, name string) error {
	m.mu.Lock()
	h, ok := m.held[name]
	if ok {
		delete(m.held, name)
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("unlock of lock not held", "name", name)
		return nil
	}
	if s := m.slotFor(name); s != nil {
		defer m.unref(name, s, true)
	}

	res, err := cluster.ApplyCommand(ctx, m.sub, cluster.CmdLockRelease, cluster.LockPayload{Name: name, Token: h.token})
	if err != nil {
		return err
	}
	if !res.OK {
		m.logger.Warn("lock lease was lost before release", "name", name, "token", h.token, "holder", res.Holder)
	}
	return nil
}

// Token returns the fencing token of a lock held by this node.
func (m *Manager) Token(name string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[name]
	return h.token, ok
}

// Held lists the locks this node holds.
func (m *Manager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.held))
	for name := range m.held {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Holder reads the current holder of a lock from the local replica.
func (m *Manager) Holder(ctx context.Context, name string) (cluster.LockRecord, bool, error) {
	rec, ok, err := m.sub.FSM().Lock(ctx, name)
	if err != nil || !ok {
		return cluster.LockRecord{}, false, err
	}
	if !rec.ExpiresAt.After(time.Now()) {
		return cluster.LockRecord{}, false, nil
	}
	return rec, true, nil
}

// Run refreshes held leases every Refresh until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshAll(ctx)
		}
	}
}

// RefreshAll extends every held lease once. Leases that cannot be extended and
// have lapsed locally are dropped.
func (m *Manager) RefreshAll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]held, len(m.held))
	for k, v := range m.held {
		snapshot[k] = v
	}
	m.mu.Unlock()

	for name, h := range snapshot {
		start := time.Now()
		res, err := cluster.ApplyCommand(ctx, m.sub, cluster.CmdLockRefresh,
			cluster.LockPayload{Name: name, Lease: m.cfg.Lease, Token: h.token})
		switch {
		case err == nil && res.OK:
			m.update(name, h.token, func(cur *held) { cur.expires = start.Add(m.cfg.Lease) })
		case err == nil:
			m.logger.Warn("lock lease lost", "name", name, "token", h.token, "holder", res.Holder)
			m.drop(name, h.token)
		case time.Now().After(h.expires):
			m.logger.Warn("lock lease expired while refresh failing", "name", name, "error", err)
			m.drop(name, h.token)
		default:
			m.logger.Warn("lock refresh failed", "name", name, "error", err)
		}
	}
}

func (m *Manager) update(name string, token uint64, fn func(*held)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[name]
	if !ok || cur.token != token {
		return
	}
	fn(&cur)
	m.held[name] = cur
}

func (m *Manager) drop(name string, token uint64) {
	m.mu.Lock()
	cur, ok := m.held[name]
	if ok && cur.token == token {
		delete(m.held, name)
	}
	m.mu.Unlock()
	if ok && cur.token == token {
		if s := m.slotFor(name); s != nil {
			m.unref(name, s, true)
		}
	}
}
