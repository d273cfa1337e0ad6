package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"

	"flowmesh/pkg/cluster"
	"flowmesh/pkg/process"
)

const (
	defaultLockName    = "test-lock"
	defaultServiceName = "test-service"
	defaultHoldSeconds = 5
	maxHoldSeconds     = 30
	maxBodyBytes       = 1 << 20
)

// ClusterInfo is the body of GET /cluster/info.
type ClusterInfo struct {
	NodeID        string           `json:"nodeId"`
	Role          cluster.Role     `json:"role"`
	State         cluster.State    `json:"state"`
	ClusterSize   int              `json:"clusterSize"`
	IsOldest      bool             `json:"isOldestMember"`
	Members       []cluster.Member `json:"members"`
	Voters        []cluster.Voter  `json:"voters"`
	HeldLocks     []string         `json:"heldLocks"`
	LedServices   []string         `json:"ledServices"`
	Dispatching   bool             `json:"dispatching"`
	EventsDropped uint64           `json:"eventsDropped"`
}

// LockTestResult is the body of POST /cluster/test/locking.
type LockTestResult struct {
	LockName    string `json:"lockName"`
	Acquired    bool   `json:"acquired"`
	Token       uint64 `json:"token,omitempty"`
	HeldSeconds int    `json:"heldSeconds"`
	Node        string `json:"node"`
}

// ElectionTestResult is the body of POST /cluster/test/leader-election.
type ElectionTestResult struct {
	ServiceName string `json:"serviceName"`
	Elected     bool   `json:"elected"`
	Leader      string `json:"leader,omitempty"`
	Epoch       uint64 `json:"epoch,omitempty"`
	Node        string `json:"node"`
}

// TransitionResult is the body of instance lifecycle actions.
type TransitionResult struct {
	InstanceID string `json:"instanceId"`
	Action     string `json:"action"`
	Success    bool   `json:"success"`
}

// TaskResult is the body of POST /process-engine/task/{taskId}/complete.
type TaskResult struct {
	TaskID    string `json:"taskId"`
	Completed bool   `json:"completed"`
}

// CounterValue is the body of counter routes.
type CounterValue struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// PublishResult is the body of POST /cluster/event/publish.
type PublishResult struct {
	Topic   string `json:"topic"`
	EventID string `json:"eventId"`
}

type api struct {
	node   *Node
	logger hclog.Logger
}

// NewHandler routes the HTTP API onto node.
func NewHandler(node *Node, logger hclog.Logger) http.Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	a := &api{node: node, logger: logger}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /process-engine/deploy/{flowId}", a.deploy)
	mux.HandleFunc("POST /process-engine/start/{definitionId}", a.start)
	mux.HandleFunc("GET /process-engine/instance/{id}", a.instance)
	mux.HandleFunc("GET /process-engine/instances", a.instances)
	mux.HandleFunc("POST /process-engine/instance/{id}/{action}", a.transition)
	mux.HandleFunc("POST /process-engine/task/{taskId}/complete", a.completeTask)
	mux.HandleFunc("GET /process-engine/tasks", a.tasks)
	mux.HandleFunc("GET /process-engine/definitions", a.definitions)
	mux.HandleFunc("GET /process-engine/definition/{id}", a.definition)

	mux.HandleFunc("GET /cluster/info", a.clusterInfo)
	mux.HandleFunc("GET /cluster/health", a.clusterHealth)
	mux.HandleFunc("GET /cluster/members", a.members)
	mux.HandleFunc("POST /cluster/test/locking", a.lockTest)
	mux.HandleFunc("POST /cluster/test/leader-election", a.electionTest)
	mux.HandleFunc("POST /cluster/event/publish", a.publish)
	mux.HandleFunc("GET /cluster/counter/{name}", a.counter)
	mux.HandleFunc("POST /cluster/counter/{name}/increment", a.increment)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := node.Substrate().Ready(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (a *api) deploy(w http.ResponseWriter, r *http.Request) {
	def, err := a.node.Engine.Deploy(r.Context(), r.PathValue("flowId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (a *api) start(w http.ResponseWriter, r *http.Request) {
	vars, ok := a.decodeObject(w, r)
	if !ok {
		return
	}
	inst, err := a.node.Engine.Start(r.Context(), r.PathValue("definitionId"), vars)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (a *api) instance(w http.ResponseWriter, r *http.Request) {
	inst, err := a.node.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// instances lists active instances, or those with the given ?status= values.
func (a *api) instances(w http.ResponseWriter, r *http.Request) {
	var (
		list []process.Instance
		err  error
	)
	if raw := r.URL.Query()["status"]; len(raw) > 0 {
		statuses := make([]process.Status, 0, len(raw))
		for _, s := range raw {
			statuses = append(statuses, process.Status(s))
		}
		list, err = a.node.Engine.List(r.Context(), statuses...)
	} else {
		list, err = a.node.Engine.ListActive(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) transition(w http.ResponseWriter, r *http.Request) {
	id, action := r.PathValue("id"), process.Action(r.PathValue("action"))
	switch action {
	case process.ActionSuspend, process.ActionResume, process.ActionTerminate:
	default:
		writeFailure(w, CodeBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}
	outcome, err := a.node.Engine.Act(r.Context(), id, action)
	if err != nil {
		writeError(w, err)
		return
	}
	switch outcome {
	case process.OutcomeBusy:
		writeFailure(w, CodeInstanceBusy, fmt.Sprintf("instance %s is busy, retry %s", id, action))
		return
	case process.OutcomeIllegal:
		writeFailure(w, CodeIllegalTransition, fmt.Sprintf("cannot %s instance %s in its current state", action, id))
		return
	}
	writeJSON(w, http.StatusOK, TransitionResult{InstanceID: id, Action: string(action), Success: true})
}

func (a *api) completeTask(w http.ResponseWriter, r *http.Request) {
	output, ok := a.decodeObject(w, r)
	if !ok {
		return
	}
	id := r.PathValue("taskId")
	done, err := a.node.Engine.CompleteUserTask(r.Context(), id, output)
	if err != nil {
		writeError(w, err)
		return
	}
	if !done {
		writeFailure(w, CodeInstanceBusy, "owning instance is busy, retry")
		return
	}
	writeJSON(w, http.StatusOK, TaskResult{TaskID: id, Completed: true})
}

func (a *api) tasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.node.Engine.ListUserTasks(r.Context(), r.URL.Query().Get("instanceId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *api) definitions(w http.ResponseWriter, r *http.Request) {
	defs, err := a.node.Engine.ListDefinitions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (a *api) definition(w http.ResponseWriter, r *http.Request) {
	def, err := a.node.Engine.GetDefinition(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (a *api) clusterInfo(w http.ResponseWriter, r *http.Request) {
	if !a.node.cfg.Cluster.Enabled {
		writeFailure(w, CodeClusteringDisabled, "clustering is disabled on this node")
		return
	}
	ctx := r.Context()
	n := a.node
	members, err := n.Membership.Members(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	voters, err := n.Substrate().Voters(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := n.Membership.ClusterState(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	oldest, err := n.Membership.IsOldestMember(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClusterInfo{
		NodeID:        n.Substrate().LocalID(),
		Role:          n.Substrate().Role(),
		State:         state,
		ClusterSize:   len(members),
		IsOldest:      oldest,
		Members:       members,
		Voters:        voters,
		HeldLocks:     n.Locks.Held(),
		LedServices:   n.Elections.Services(),
		Dispatching:   n.Dispatcher.Leading(),
		EventsDropped: n.Bus.Dropped(),
	})
}

func (a *api) clusterHealth(w http.ResponseWriter, r *http.Request) {
	h := a.node.Health.CheckClusterHealth(r.Context())
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (a *api) members(w http.ResponseWriter, r *http.Request) {
	members, err := a.node.Membership.Members(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// lockTest acquires lockName, holds it for holdSeconds (capped) and releases it.
func (a *api) lockTest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("lockName")
	if name == "" {
		name = defaultLockName
	}
	hold := defaultHoldSeconds
	if raw := q.Get("holdSeconds"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeFailure(w, CodeBadRequest, "holdSeconds must be a non-negative integer")
			return
		}
		hold = v
	}
	if hold > maxHoldSeconds {
		hold = maxHoldSeconds
	}

	ctx := r.Context()
	res := LockTestResult{LockName: name, Node: a.node.Substrate().LocalID()}
	acquired, err := a.node.Locks.TryLock(ctx, name, a.node.cfg.Engine.LockTimeout)
	if err != nil {
		writeError(w, err)
		return
	}
	if acquired {
		res.Acquired = true
		res.Token, _ = a.node.Locks.Token(name)
		start := time.Now()
		select {
		case <-time.After(time.Duration(hold) * time.Second):
		case <-ctx.Done():
		}
		res.HeldSeconds = int(time.Since(start).Round(time.Second) / time.Second)
		if err := a.node.Locks.Unlock(context.WithoutCancel(ctx), name); err != nil {
			a.logger.Warn("test lock release failed", "lock", name, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) electionTest(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("serviceName")
	if service == "" {
		service = defaultServiceName
	}
	ctx := r.Context()
	elected, err := a.node.Elections.Elect(ctx, service)
	if err != nil {
		writeError(w, err)
		return
	}
	res := ElectionTestResult{ServiceName: service, Elected: elected, Node: a.node.Substrate().LocalID()}
	if rec, ok, err := a.node.Elections.Leader(ctx, service); err == nil && ok {
		res.Leader, res.Epoch = rec.Holder, rec.Epoch
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) publish(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	payload, ok := a.decodeObject(w, r)
	if !ok {
		return
	}
	id, err := a.node.Bus.Publish(r.Context(), topic, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PublishResult{Topic: topic, EventID: id})
}

func (a *api) counter(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	v, err := a.node.Counters.Get(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CounterValue{Name: name, Value: v})
}

// increment adds ?delta= (default 1) to the counter.
func (a *api) increment(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	delta := int64(1)
	if raw := r.URL.Query().Get("delta"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeFailure(w, CodeBadRequest, "delta must be an integer")
			return
		}
		delta = v
	}
	v, err := a.node.Counters.Add(r.Context(), name, delta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CounterValue{Name: name, Value: v})
}

// decodeObject reads an optional JSON object body. An empty body is an empty object.
func (a *api) decodeObject(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	out := map[string]any{}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&out)
	if err != nil && !errors.Is(err, io.EOF) {
		writeFailure(w, CodeBadRequest, "body must be a JSON object: "+err.Error())
		return nil, false
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, true
}
