package cluster

import "time"

// Role indicates the node's role in the consensus substrate.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// MemberStatus is the liveness of a member as seen by the local replica.
type MemberStatus string

const (
	MemberAlive   MemberStatus = "alive"
	MemberSuspect MemberStatus = "suspect"
)

// State is the overall membership state.
type State string

const (
	StateStable      State = "STABLE"
	StateReconciling State = "RECONCILING"
)

// Member represents a cluster member. Address is its identity on the substrate.
type Member struct {
	ID         string       `json:"id"`
	Address    string       `json:"address"`
	RPCAddress string       `json:"rpcAddress,omitempty"`
	APIAddress string       `json:"apiAddress,omitempty"`
	JoinedAt   time.Time    `json:"joinedAt"`
	LastSeen   time.Time    `json:"lastSeen"`
	Status     MemberStatus `json:"status,omitempty"`
}

// Voter is a server in the substrate's voting configuration.
type Voter struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// LockRecord is the replicated lease behind a distributed lock.
type LockRecord struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	Token      uint64    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// LeaseRecord is the replicated leadership tenure for one service name.
type LeaseRecord struct {
	Service   string    `json:"service"`
	Holder    string    `json:"holder"`
	Epoch     uint64    `json:"epoch"`
	ElectedAt time.Time `json:"electedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Event is a cluster-wide notification. It is never persisted.
type Event struct {
	ID          string         `json:"id"`
	Topic       string         `json:"topic"`
	Source      string         `json:"source"`
	Payload     map[string]any `json:"payload,omitempty"`
	PublishedAt time.Time      `json:"publishedAt"`
	Index       uint64         `json:"index"`
}
