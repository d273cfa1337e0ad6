// Package health aggregates cluster health checks into one judgment.
package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"flowmesh/pkg/cluster"
)

// Check names.
const (
	CheckMembership = "membership"
	CheckQuorum     = "quorum"
	CheckEventBus   = "eventbus"
)

// MembershipView is the part of the membership provider the checker reads.
type MembershipView interface {
	Members(ctx context.Context) ([]cluster.Member, error)
}

// Pinger round-trips a probe through the event bus.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult is one named check.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// ClusterHealth is a point-in-time health judgment. It is never persisted.
type ClusterHealth struct {
	Healthy   bool          `json:"healthy"`
	Checks    []CheckResult `json:"checks"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// Checker runs membership, quorum and event bus checks in sequence.
type Checker struct {
	members   MembershipView
	bus       Pinger
	minQuorum int
	timeout   time.Duration
}

// NewChecker creates a checker. A minQuorum of zero disables the quorum check.
// timeout bounds each individual check.
func NewChecker(members MembershipView, bus Pinger, minQuorum int, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{members: members, bus: bus, minQuorum: minQuorum, timeout: timeout}
}

// CheckClusterHealth runs every check, even after one fails.
func (c *Checker) CheckClusterHealth(ctx context.Context) ClusterHealth {
	h := ClusterHealth{Healthy: true, CheckedAt: time.Now().UTC()}
	var failures []string

	record := func(r CheckResult) {
		h.Checks = append(h.Checks, r)
		if !r.Healthy {
			h.Healthy = false
			failures = append(failures, r.Name+": "+r.Detail)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	members, err := c.members.Members(cctx)
	cancel()
	if err != nil {
		record(CheckResult{Name: CheckMembership, Detail: err.Error()})
	} else {
		alive := 0
		for _, m := range members {
			if m.Status != cluster.MemberSuspect {
				alive++
			}
		}
		record(CheckResult{Name: CheckMembership, Healthy: true, Detail: fmt.Sprintf("%d members, %d alive", len(members), alive)})
		if c.minQuorum > 0 {
			r := CheckResult{Name: CheckQuorum, Healthy: alive >= c.minQuorum,
				Detail: fmt.Sprintf("%d alive, %d required", alive, c.minQuorum)}
			record(r)
		}
	}
	if err != nil && c.minQuorum > 0 {
		record(CheckResult{Name: CheckQuorum, Detail: "membership unavailable"})
	}

	cctx, cancel = context.WithTimeout(ctx, c.timeout)
	err = c.bus.Ping(cctx)
	cancel()
	if err != nil {
		record(CheckResult{Name: CheckEventBus, Detail: err.Error()})
	} else {
		record(CheckResult{Name: CheckEventBus, Healthy: true, Detail: "probe delivered"})
	}

	if len(failures) > 0 {
		h.Error = strings.Join(failures, "; ")
	}
	return h
}
