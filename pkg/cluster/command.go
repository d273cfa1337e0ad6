package cluster

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandType describes the replicated operation type.
type CommandType string

const (
	CmdMemberJoin      CommandType = "MEMBER_JOIN"
	CmdMemberHeartbeat CommandType = "MEMBER_HEARTBEAT"
	CmdMemberLeave     CommandType = "MEMBER_LEAVE"
	CmdMemberExpire    CommandType = "MEMBER_EXPIRE"
	CmdLockAcquire     CommandType = "LOCK_ACQUIRE"
	CmdLockRefresh     CommandType = "LOCK_REFRESH"
	CmdLockRelease     CommandType = "LOCK_RELEASE"
	CmdLeaderClaim     CommandType = "LEADER_CLAIM"
	CmdLeaderRenew     CommandType = "LEADER_RENEW"
	CmdLeaderResign    CommandType = "LEADER_RESIGN"
	CmdCounterAdd      CommandType = "COUNTER_ADD"
	CmdEventPublish    CommandType = "EVENT_PUBLISH"
	CmdKVWrite         CommandType = "KV_WRITE"
	CmdBarrier         CommandType = "BARRIER"
)

const commandVersion = 1

// Command is the envelope replicated through the substrate. IssuedAt is the
// proposer's clock; lease expiry is evaluated against it so every replica
// reaches the same decision.
type Command struct {
	Version  int             `json:"v"`
	Type     CommandType     `json:"t"`
	Issuer   string          `json:"i"`
	IssuedAt time.Time       `json:"at"`
	Payload  json.RawMessage `json:"p,omitempty"`
}

// NewCommand builds a command with a JSON-encoded payload.
func NewCommand(t CommandType, payload any) (Command, error) {
	cmd := Command{Version: commandVersion, Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Command{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		cmd.Payload = raw
	}
	return cmd, nil
}

// Marshal encodes the command to bytes.
func (c Command) Marshal() ([]byte, error) { return json.Marshal(c) }

// stamp fills issuer and timestamp when the caller left them empty.
func (c Command) stamp(issuer string) Command {
	if c.Version == 0 {
		c.Version = commandVersion
	}
	if c.Issuer == "" {
		c.Issuer = issuer
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = time.Now().UTC()
	}
	return c
}

// Result is the outcome of applying a command. Fields are populated per command type.
type Result struct {
	Index     uint64    `json:"index"`
	OK        bool      `json:"ok"`
	Holder    string    `json:"holder,omitempty"`
	Token     uint64    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Value     int64     `json:"value,omitempty"`
	IDs       []string  `json:"ids,omitempty"`
}

// Payloads

type MemberPayload struct {
	Member Member `json:"member"`
}

type MemberLeavePayload struct {
	ID string `json:"id"`
}

type MemberExpirePayload struct {
	TTL time.Duration `json:"ttl"`
}

type LockPayload struct {
	Name  string        `json:"name"`
	Lease time.Duration `json:"lease,omitempty"`
	Token uint64        `json:"token,omitempty"`
}

type LeaderPayload struct {
	Service string        `json:"service"`
	Lease   time.Duration `json:"lease,omitempty"`
	Epoch   uint64        `json:"epoch,omitempty"`
}

type CounterPayload struct {
	Name  string `json:"name"`
	Delta int64  `json:"delta"`
}

type EventPayload struct {
	ID      string         `json:"id"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload,omitempty"`
}

// KVWritePayload atomically writes and deletes data keys. When FenceLock is set the
// write is accepted only while the issuer still holds that lock with FenceToken.
type KVWritePayload struct {
	Puts       map[string][]byte `json:"puts,omitempty"`
	Deletes    []string          `json:"deletes,omitempty"`
	FenceLock  string            `json:"fenceLock,omitempty"`
	FenceToken uint64            `json:"fenceToken,omitempty"`
}
