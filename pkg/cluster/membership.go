package cluster

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
)

// MembershipConfig identifies the local member and tunes failure detection.
type MembershipConfig struct {
	Local             Member
	HeartbeatInterval time.Duration
	// TTL is how long a member may go without a heartbeat before it is reported
	// suspect. The coordinator expires members after twice this.
	TTL    time.Duration
	Logger hclog.Logger
}

// Membership is the read view over member records in the replicated state plus
// the heartbeat loop that keeps the local record fresh.
type Membership struct {
	sub    Substrate
	cfg    MembershipConfig
	logger hclog.Logger
	now    func() time.Time
}

// NewMembership creates the membership provider for sub.
func NewMembership(sub Substrate, cfg MembershipConfig) *Membership {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * cfg.HeartbeatInterval
	}
	if cfg.Local.ID == "" {
		cfg.Local.ID = sub.LocalID()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Membership{sub: sub, cfg: cfg, logger: logger.Named("membership"), now: time.Now}
}

// Join registers the local member record.
func (m *Membership) Join(ctx context.Context) error {
	if err := m.sub.Ready(); err != nil {
		return err
	}
	_, err := ApplyCommand(ctx, m.sub, CmdMemberJoin, MemberPayload{Member: m.cfg.Local})
	if err != nil {
		return err
	}
	m.logger.Info("joined cluster", "id", m.cfg.Local.ID, "address", m.cfg.Local.Address)
	return nil
}

// Leave removes the local member record and every lease it holds.
func (m *Membership) Leave(ctx context.Context) error {
	if err := m.sub.Ready(); err != nil {
		return err
	}
	_, err := ApplyCommand(ctx, m.sub, CmdMemberLeave, MemberLeavePayload{ID: m.cfg.Local.ID})
	if err == nil {
		m.logger.Info("left cluster", "id", m.cfg.Local.ID)
	}
	return err
}

// Run heartbeats until ctx is done.
func (m *Membership) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Tick sends one heartbeat and, on the coordinator, expires dead members.
func (m *Membership) Tick(ctx context.Context) error {
	res, err := ApplyCommand(ctx, m.sub, CmdMemberHeartbeat, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		m.logger.Warn("local member record missing, rejoining", "id", m.cfg.Local.ID)
		if err := m.Join(ctx); err != nil {
			return err
		}
	}
	if !m.sub.IsCoordinator() {
		return nil
	}
	res, err = ApplyCommand(ctx, m.sub, CmdMemberExpire, MemberExpirePayload{TTL: 2 * m.cfg.TTL})
	if err != nil {
		return err
	}
	for _, id := range res.IDs {
		m.logger.Warn("expired member", "id", id)
		if err := m.sub.Evict(ctx, id); err != nil {
			m.logger.Error("evict member", "id", id, "error", err)
		}
	}
	return nil
}

// Members lists every member record, labelling those not seen within TTL as suspect.
func (m *Membership) Members(ctx context.Context) ([]Member, error) {
	if err := m.sub.Ready(); err != nil {
		return nil, err
	}
	members, err := m.sub.FSM().Members(ctx)
	if err != nil {
		return nil, Unavailable("read members", err)
	}
	now := m.now()
	for i := range members {
		members[i].Status = MemberAlive
		if now.Sub(members[i].LastSeen) > m.cfg.TTL {
			members[i].Status = MemberSuspect
		}
	}
	return members, nil
}

// LocalMember returns the local member record.
func (m *Membership) LocalMember(ctx context.Context) (Member, error) {
	members, err := m.Members(ctx)
	if err != nil {
		return Member{}, err
	}
	for _, mem := range members {
		if mem.ID == m.cfg.Local.ID {
			return mem, nil
		}
	}
	return Member{}, Unavailable("local member "+m.cfg.Local.ID+" has not joined", nil)
}

// ClusterSize is the number of member records.
func (m *Membership) ClusterSize(ctx context.Context) (int, error) {
	members, err := m.Members(ctx)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// IsOldestMember reports whether the local member has the earliest join time.
// Ties break on id.
func (m *Membership) IsOldestMember(ctx context.Context) (bool, error) {
	members, err := m.Members(ctx)
	if err != nil {
		return false, err
	}
	if len(members) == 0 {
		return false, nil
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members[0].ID == m.cfg.Local.ID, nil
}

// ClusterState is RECONCILING while any member is suspect or the voter set
// disagrees with the member records.
func (m *Membership) ClusterState(ctx context.Context) (State, error) {
	members, err := m.Members(ctx)
	if err != nil {
		return "", err
	}
	voters, err := m.sub.Voters(ctx)
	if err != nil {
		return "", err
	}
	ids := make(map[string]bool, len(members))
	for _, mem := range members {
		if mem.Status == MemberSuspect {
			return StateReconciling, nil
		}
		ids[mem.ID] = true
	}
	if len(voters) != len(ids) {
		return StateReconciling, nil
	}
	for _, v := range voters {
		if !ids[v.ID] {
			return StateReconciling, nil
		}
	}
	return StateStable, nil
}
