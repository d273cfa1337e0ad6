package election

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"flowmesh/pkg/cluster"
)

// Kind distinguishes the start and end of a leadership tenure.
type Kind string

const (
	Elected Kind = "ELECTED"
	Demoted Kind = "DEMOTED"
)

// Demotion reasons.
const (
	ReasonStepDown   = "step down"
	ReasonSuperseded = "superseded"
	ReasonLeaseLost  = "lease lost"
	ReasonShutdown   = "shutdown"
)

// Event is delivered once when a tenure starts and once when it ends.
type Event struct {
	Service string
	Kind    Kind
	Epoch   uint64
	Reason  string
}

// Config sets the leadership lease. Lease must exceed Renew.
type Config struct {
	Lease       time.Duration
	Renew       time.Duration
	EventBuffer int
	Logger      hclog.Logger
}

type tenure struct {
	epoch   uint64
	expires time.Time
}

// Manager elects this node as the single leader per service name.
type Manager struct {
	sub    cluster.Substrate
	cfg    Config
	logger hclog.Logger
	events chan Event

	mu      sync.Mutex
	tenures map[string]tenure
}

// NewManager creates an election manager. Events must be drained by the caller;
// notifications beyond EventBuffer are dropped with an error log.
func NewManager(sub cluster.Substrate, cfg Config) *Manager {
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Second
	}
	if cfg.Renew <= 0 || cfg.Renew >= cfg.Lease {
		cfg.Renew = cfg.Lease / 3
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		sub:     sub,
		cfg:     cfg,
		logger:  logger.Named("election"),
		events:  make(chan Event, cfg.EventBuffer),
		tenures: make(map[string]tenure),
	}
}

// Events delivers Elected and Demoted notifications for this node.
func (m *Manager) Events() <-chan Event { return m.events }

// Elect tries to become leader for service. It returns false when another node
// holds an unexpired tenure.
func (m *Manager) Elect(ctx context.Context, service string) (bool, error) {
	if service == "" {
		return false, fmt.Errorf("service name required")
	}
	start := time.Now()
	res, err := cluster.ApplyCommand(ctx, m.sub, cluster.CmdLeaderClaim, cluster.LeaderPayload{Service: service, Lease: m.cfg.Lease})
	if err != nil {
		return false, err
	}
	if !res.OK {
		m.logger.Debug("leadership held elsewhere", "service", service, "holder", res.Holder)
		return false, nil
	}

	m.mu.Lock()
	prev, had := m.tenures[service]
	m.tenures[service] = tenure{epoch: res.Token, expires: start.Add(m.cfg.Lease)}
	m.mu.Unlock()

	if had && prev.epoch != res.Token {
		m.emit(Event{Service: service, Kind: Demoted, Epoch: prev.epoch, Reason: ReasonSuperseded})
	}
	if !had || prev.epoch != res.Token {
		m.logger.Info("elected leader", "service", service, "epoch", res.Token)
		m.emit(Event{Service: service, Kind: Elected, Epoch: res.Token})
	}
	return true, nil
}

// StepDown resigns leadership for service. It is a no-op when not leader.
func (m *Manager) StepDown(ctx context.Context, service string) error {
	t, ok := m.end(service)
	if !ok {
		return nil
	}
	_, err := cluster.ApplyCommand(ctx, m.sub, cluster.CmdLeaderResign, cluster.LeaderPayload{Service: service, Epoch: t.epoch})
	m.logger.Info("stepped down", "service", service, "epoch", t.epoch)
	m.emit(Event{Service: service, Kind: Demoted, Epoch: t.epoch, Reason: ReasonStepDown})
	return err
}

// IsLeader reports whether this node currently holds the tenure for service.
// The replicated record is read on every call.
func (m *Manager) IsLeader(service string) bool {
	m.mu.Lock()
	t, ok := m.tenures[service]
	m.mu.Unlock()
	if !ok {
		return false
	}
	now := time.Now()
	if !t.expires.After(now) {
		return false
	}
	rec, found, err := m.sub.FSM().Leader(context.Background(), service)
	if err != nil || !found {
		return false
	}
	return rec.Holder == m.sub.LocalID() && rec.Epoch == t.epoch && rec.ExpiresAt.After(now)
}

// Leader returns the current leader for service, if any.
func (m *Manager) Leader(ctx context.Context, service string) (cluster.LeaseRecord, bool, error) {
	if err := m.sub.Ready(); err != nil {
		return cluster.LeaseRecord{}, false, err
	}
	rec, ok, err := m.sub.FSM().Leader(ctx, service)
	if err != nil || !ok {
		return cluster.LeaseRecord{}, false, err
	}
	if !rec.ExpiresAt.After(time.Now()) {
		return cluster.LeaseRecord{}, false, nil
	}
	return rec, true, nil
}

// Services lists the services this node leads.
func (m *Manager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tenures))
	for s := range m.tenures {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Run renews tenures every Renew until ctx is done, then ends them all.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Renew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case <-ticker.C:
			m.RenewAll(ctx)
		}
	}
}

// RenewAll extends every tenure once.
func (m *Manager) RenewAll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]tenure, len(m.tenures))
	for k, v := range m.tenures {
		snapshot[k] = v
	}
	m.mu.Unlock()

	for service, t := range snapshot {
		start := time.Now()
		res, err := cluster.ApplyCommand(ctx, m.sub, cluster.CmdLeaderRenew,
			cluster.LeaderPayload{Service: service, Lease: m.cfg.Lease, Epoch: t.epoch})
		switch {
		case err == nil && res.OK:
			m.mu.Lock()
			if cur, ok := m.tenures[service]; ok && cur.epoch == t.epoch {
				cur.expires = start.Add(m.cfg.Lease)
				m.tenures[service] = cur
			}
			m.mu.Unlock()
		case err == nil:
			m.demote(service, t.epoch, ReasonSuperseded)
		case time.Now().After(t.expires):
			m.logger.Warn("leadership renew failing past lease", "service", service, "error", err)
			m.demote(service, t.epoch, ReasonLeaseLost)
		default:
			m.logger.Warn("leadership renew failed", "service", service, "error", err)
		}
	}
}

func (m *Manager) end(service string) (tenure, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenures[service]
	if ok {
		delete(m.tenures, service)
	}
	return t, ok
}

func (m *Manager) demote(service string, epoch uint64, reason string) {
	m.mu.Lock()
	cur, ok := m.tenures[service]
	if !ok || cur.epoch != epoch {
		m.mu.Unlock()
		return
	}
	delete(m.tenures, service)
	m.mu.Unlock()
	m.logger.Warn("demoted", "service", service, "epoch", epoch, "reason", reason)
	m.emit(Event{Service: service, Kind: Demoted, Epoch: epoch, Reason: reason})
}

func (m *Manager) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, service := range m.Services() {
		t, ok := m.end(service)
		if !ok {
			continue
		}
		_, _ = cluster.ApplyCommand(ctx, m.sub, cluster.CmdLeaderResign, cluster.LeaderPayload{Service: service, Epoch: t.epoch})
		m.emit(Event{Service: service, Kind: Demoted, Epoch: t.epoch, Reason: ReasonShutdown})
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Error("election event buffer full, notification dropped", "service", ev.Service, "kind", ev.Kind, "epoch", ev.Epoch)
	}
}
