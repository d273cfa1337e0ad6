package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmesh/pkg/cluster"
	"flowmesh/pkg/counter"
	"flowmesh/pkg/eventbus"
	"flowmesh/pkg/flow"
	"flowmesh/pkg/kv"
	"flowmesh/pkg/lock"
	"flowmesh/storage"
)

type harness struct {
	lb         *cluster.Loopback
	flows      *flow.MemoryReader
	adapters   *Adapters
	transforms *Transforms
	counters   *counter.Registry
	bus        *eventbus.Bus
	repo       *Repository
	engine     *Engine
}

func newHarness(t *testing.T, cfg Config, flows ...flow.Flow) *harness {
	t.Helper()
	st := storage.NewMemoryKV()
	t.Cleanup(func() { _ = st.Close() })
	h := &harness{
		lb:         cluster.NewLoopback(st, cluster.FSMOptions{}),
		flows:      flow.NewMemoryReader(flows...),
		adapters:   NewAdapters(),
		transforms: NewTransforms(),
	}
	RegisterBuiltins(h.adapters, h.transforms)
	h.engine = h.engineOn(t, "n1", cfg)
	return h
}

// engineOn wires an engine for node id over the shared replica.
func (h *harness) engineOn(t *testing.T, id string, cfg Config) *Engine {
	t.Helper()
	sub := h.lb.Node(id)
	counters := counter.New(sub)
	bus := eventbus.New(sub, eventbus.Config{})
	repo := NewRepository(kv.New(sub))
	cfg.NodeID = id
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = time.Second
	}
	e := NewEngine(cfg, Deps{
		Locks:       lock.NewManager(sub, lock.Config{RetryInterval: 5 * time.Millisecond}),
		Events:      bus,
		Counters:    counters,
		Definitions: NewRegistry(repo, counters, h.flows, h.adapters, h.transforms, nil),
		Repository:  repo,
		Adapters:    h.adapters,
		Transforms:  h.transforms,
	})
	t.Cleanup(func() {
		e.Close()
		bus.Close()
	})
	if h.engine == nil {
		h.counters, h.bus, h.repo = counters, bus, repo
	}
	return e
}

func assignStep(name string, values map[string]any) flow.Step {
	return flow.Step{Name: name, Type: flow.StepTransform, Transformation: TransformAssign,
		Config: map[string]any{"values": values}}
}

// approvalFlow assigns a greeting, waits for approval, then echoes a result.
func approvalFlow() flow.Flow {
	return flow.Flow{
		ID:     "approval",
		Inputs: []flow.Param{{Name: "orderId", Type: "string", Required: true}},
		Steps: []flow.Step{
			assignStep("greet", map[string]any{"greeting": "hi"}),
			{Name: "approve", Type: flow.StepUserTask},
			{Name: "finish", Type: flow.StepAdapter, Adapter: AdapterEcho, Output: "result",
				Config: map[string]any{"done": true}},
		},
	}
}

func statuses(inst Instance) []string {
	out := make([]string, len(inst.Log))
	for i, e := range inst.Log {
		out[i] = e.Step + ":" + e.Status
	}
	return out
}

func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	v, err := h.counters.Peek(context.Background(), name)
	require.NoError(t, err)
	return v
}

func TestDeployVersions(t *testing.T) {
	h := newHarness(t, Config{}, approvalFlow())
	ctx := context.Background()

	d1, err := h.engine.Deploy(ctx, "approval")
	require.NoError(t, err)
	d2, err := h.engine.Deploy(ctx, "approval")
	require.NoError(t, err)
	assert.Equal(t, "approval:1", d1.ID)
	assert.Equal(t, "approval:2", d2.ID)
	assert.Equal(t, int64(2), d2.Version)
	assert.False(t, d2.DeployedAt.IsZero())

	latest, err := h.engine.GetDefinition(ctx, "approval")
	require.NoError(t, err)
	assert.Equal(t, d2.ID, latest.ID)

	got, err := h.engine.GetDefinition(ctx, "approval:1")
	require.NoError(t, err)
	assert.Equal(t, d1.Steps, got.Steps)

	defs, err := h.engine.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	_, err = h.engine.GetDefinition(ctx, "approval:9")
	assert.Equal(t, ErrCodeDefinitionNotFound, Code(err))
	_, err = h.engine.GetDefinition(ctx, "nope")
	assert.Equal(t, ErrCodeDefinitionNotFound, Code(err))
	_, err = h.engine.Deploy(ctx, "nope")
	assert.Equal(t, flow.ErrCodeFlowNotFound, Code(err))

	h.flows.Put(flow.Flow{ID: "broken"})
	_, err = h.engine.Deploy(ctx, "broken")
	assert.Equal(t, ErrCodeDeployment, Code(err))
}

func TestUserTaskFlowCompletes(t *testing.T) {
	h := newHarness(t, Config{}, approvalFlow())
	ctx := context.Background()
	lifecycle := h.bus.Subscribe(LifecycleTopic, 64)

	def, err := h.engine.Deploy(ctx, "approval")
	require.NoError(t, err)

	inst, err := h.engine.Start(ctx, def.ID, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, inst.Status)
	assert.Equal(t, "approve", inst.CurrentStep)
	assert.Equal(t, int64(1), inst.Sequence)
	assert.Equal(t, "hi", inst.Variables["greeting"])
	assert.Equal(t, []string{"greet:SUCCESS", "approve:WAITING"}, statuses(inst))
	require.Len(t, inst.OutstandingTasks, 1)

	tasks, err := h.engine.ListUserTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, inst.OutstandingTasks[0], task.ID)
	assert.Equal(t, "approve", task.Step)
	assert.Equal(t, "o-1", task.Input["orderId"])

	active, err := h.engine.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	ok, err := h.engine.CompleteUserTask(ctx, task.ID, map[string]any{"approved": true})
	require.NoError(t, err)
	require.True(t, ok)

	done, err := h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.EndedAt)
	assert.Equal(t, true, done.Variables["approved"])
	assert.Equal(t, map[string]any{"done": true}, done.Variables["result"])
	assert.Equal(t, []string{"greet:SUCCESS", "approve:WAITING", "approve:SUCCESS", "finish:SUCCESS"}, statuses(done))
	assert.Empty(t, done.OutstandingTasks)
	assert.Nil(t, done.InFlight)

	tasks, err = h.engine.ListUserTasks(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = h.engine.CompleteUserTask(ctx, task.ID, nil)
	assert.Equal(t, ErrCodeTaskNotFound, Code(err), "a task completes once")

	assert.Equal(t, int64(1), h.counter(t, CounterStarted))
	assert.Equal(t, int64(1), h.counter(t, CounterCompleted))

	var last string
	for i := 0; i < 64 && last != string(StatusCompleted); i++ {
		select {
		case ev := <-lifecycle.C:
			assert.Equal(t, inst.ID, ev.Payload["instanceId"])
			last, _ = ev.Payload["status"].(string)
		case <-time.After(time.Second):
			t.Fatal("lifecycle event missing")
		}
	}
	assert.Equal(t, string(StatusCompleted), last)
}

func TestStartErrors(t *testing.T) {
	h := newHarness(t, Config{}, approvalFlow())
	ctx := context.Background()
	def, err := h.engine.Deploy(ctx, "approval")
	require.NoError(t, err)

	_, err = h.engine.Start(ctx, "unknown:1", nil)
	assert.Equal(t, ErrCodeStart, Code(err))

	_, err = h.engine.Start(ctx, def.ID, map[string]any{"orderId": 7})
	assert.Equal(t, ErrCodeInvalidVariables, Code(err))

	_, err = h.engine.Get(ctx, "missing")
	assert.Equal(t, ErrCodeInstanceNotFound, Code(err))
	_, err = h.engine.Suspend(ctx, "missing")
	assert.Equal(t, ErrCodeInstanceNotFound, Code(err))
	_, err = h.engine.CompleteUserTask(ctx, "missing", nil)
	assert.Equal(t, ErrCodeTaskNotFound, Code(err))

	list, err := h.engine.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "failed starts create no instance")
}

func TestSuspendResumeTerminate(t *testing.T) {
	h := newHarness(t, Config{}, approvalFlow())
	ctx := context.Background()
	def, err := h.engine.Deploy(ctx, "approval")
	require.NoError(t, err)
	inst, err := h.engine.Start(ctx, def.ID, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)

	ok, err := h.engine.Resume(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, ok, "running instance cannot resume")

	ok, err = h.engine.Suspend(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = h.engine.Suspend(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, ok, "suspend twice")

	got, err := h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)

	ok, err = h.engine.Resume(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.engine.Terminate(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.Empty(t, got.OutstandingTasks)
	assert.Equal(t, []string{"greet:SUCCESS", "approve:WAITING", "approve:SUSPENDED", "approve:RESUMED", "approve:CANCELLED"}, statuses(got))

	tasks, err := h.engine.ListUserTasks(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks, "terminate drops outstanding tasks")

	for _, fn := range []func(context.Context, string) (bool, error){h.engine.Suspend, h.engine.Resume, h.engine.Terminate} {
		ok, err = fn(ctx, inst.ID)
		require.NoError(t, err)
		assert.False(t, ok, "cancelled is terminal")
	}
	assert.Equal(t, int64(1), h.counter(t, CounterCancelled))
}

func TestTaskCompletedWhileSuspended(t *testing.T) {
	h := newHarness(t, Config{}, approvalFlow())
	ctx := context.Background()
	def, err := h.engine.Deploy(ctx, "approval")
	require.NoError(t, err)
	inst, err := h.engine.Start(ctx, def.ID, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)

	ok, err := h.engine.Suspend(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.engine.CompleteUserTask(ctx, inst.OutstandingTasks[0], nil)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status, "suspended instances do not advance")
	assert.Equal(t, "finish", got.CurrentStep)

	ok, err = h.engine.Resume(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	ok, err = h.engine.Suspend(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, ok, "completed is terminal")
}

func TestStepFailure(t *testing.T) {
	h := newHarness(t, Config{}, flow.Flow{ID: "fails", Steps: []flow.Step{
		assignStep("prep", map[string]any{"a": 1}),
		{Name: "call", Type: flow.StepAdapter, Adapter: "boom"},
		assignStep("never", map[string]any{"b": 2}),
	}}, flow.Flow{ID: "needs", Steps: []flow.Step{
		{Name: "call", Type: flow.StepAdapter, Adapter: AdapterEcho, Requires: []string{"token"}},
	}})
	h.adapters.Register("boom", func(context.Context, AdapterStep, map[string]any) (map[string]any, error) {
		return nil, errors.New("connection refused")
	})
	ctx := context.Background()

	def, err := h.engine.Deploy(ctx, "fails")
	require.NoError(t, err)
	inst, err := h.engine.Start(ctx, def.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "connection refused")
	assert.Equal(t, []string{"prep:SUCCESS", "call:FAILED"}, statuses(inst))
	assert.NotContains(t, inst.Variables, "b")
	assert.Equal(t, int64(1), h.counter(t, CounterFailed))

	def, err = h.engine.Deploy(ctx, "needs")
	require.NoError(t, err)
	inst, err = h.engine.Start(ctx, def.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Contains(t, inst.Error, `required variable "token" not set`)
}

func TestBranchRouting(t *testing.T) {
	h := newHarness(t, Config{}, flow.Flow{
		ID:     "routing",
		Inputs: []flow.Param{{Name: "decision", Type: "string", Required: true}},
		Steps: []flow.Step{
			{Name: "route", Type: flow.StepBranch, Branch: &flow.Branch{
				Variable: "decision", Cases: map[string]string{"ok": "ship"}, Default: "reject"}},
			assignStep("reject", map[string]any{"rejected": true}),
			assignStep("ship", map[string]any{"shipped": true}),
		},
	})
	ctx := context.Background()
	def, err := h.engine.Deploy(ctx, "routing")
	require.NoError(t, err)

	inst, err := h.engine.Start(ctx, def.ID, map[string]any{"decision": "ok"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, true, inst.Variables["shipped"])
	assert.NotContains(t, inst.Variables, "rejected")
	assert.Equal(t, []string{"route:SUCCESS", "ship:SUCCESS"}, statuses(inst))

	inst, err = h.engine.Start(ctx, def.ID, map[string]any{"decision": "later"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, true, inst.Variables["rejected"])
	assert.Equal(t, int64(2), inst.Sequence)
}

func TestTerminateDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t, Config{}, flow.Flow{ID: "slow", Steps: []flow.Step{
		{Name: "wait", Type: flow.StepAdapter, Adapter: "block"},
	}})
	started := make(chan struct{})
	release := make(chan struct{})
	h.adapters.Register("block", func(ctx context.Context, _ AdapterStep, _ map[string]any) (map[string]any, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return map[string]any{"late": true}, nil
	})
	ctx := context.Background()
	def, err := h.engine.Deploy(ctx, "slow")
	require.NoError(t, err)

	type result struct {
		inst Instance
		err  error
	}
	results := make(chan result, 1)
	go func() {
		inst, err := h.engine.Start(ctx, def.ID, nil)
		results <- result{inst, err}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("adapter not invoked")
	}
	list, err := h.engine.List(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].InFlight, "step is marked in flight")

	ok, err := h.engine.Terminate(ctx, list[0].ID)
	require.NoError(t, err)
	require.True(t, ok, "locks are not held while a step runs")
	close(release)

	var res result
	select {
	case res = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	require.NoError(t, res.err)
	assert.Equal(t, StatusCancelled, res.inst.Status)
	assert.NotContains(t, res.inst.Variables, "late")
	assert.Equal(t, []string{"wait:CANCELLED"}, statuses(res.inst))
}

func TestTwoNodesShareInstances(t *testing.T) {
	h := newHarness(t, Config{}, approvalFlow())
	other := h.engineOn(t, "n2", Config{})
	ctx := context.Background()

	def, err := h.engine.Deploy(ctx, "approval")
	require.NoError(t, err)
	inst, err := h.engine.Start(ctx, def.ID, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)

	tasks, err := other.ListUserTasks(ctx, "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	ok, err := other.CompleteUserTask(ctx, tasks[0].ID, nil)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "n2", got.Log[len(got.Log)-1].Node)
}

func TestAdvanceReclaimsStaleInFlight(t *testing.T) {
	h := newHarness(t, Config{StaleAfter: time.Minute}, flow.Flow{ID: "one", Steps: []flow.Step{
		assignStep("set", map[string]any{"x": "y"}),
	}})
	ctx := context.Background()
	def, err := h.engine.Deploy(ctx, "one")
	require.NoError(t, err)

	now := time.Now().UTC()
	fresh := Instance{ID: "fresh", DefinitionID: def.ID, Sequence: 1, Status: StatusRunning, CurrentStep: "set",
		StartedAt: now, InFlight: &InFlight{Node: "n9", Step: "set", Since: now}}
	stale := fresh
	stale.ID, stale.Sequence = "stale", 2
	stale.InFlight = &InFlight{Node: "n9", Step: "set", Since: now.Add(-2 * time.Minute)}
	require.NoError(t, h.repo.CreateInstance(ctx, fresh))
	require.NoError(t, h.repo.CreateInstance(ctx, stale))

	require.NoError(t, h.engine.Advance(ctx, "fresh"))
	got, err := h.engine.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status, "a live marker is left alone")
	assert.Equal(t, "n9", got.InFlight.Node)

	require.NoError(t, h.engine.Advance(ctx, "stale"))
	got, err = h.engine.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "y", got.Variables["x"])
}

func TestAsyncStartRunsOnPool(t *testing.T) {
	h := newHarness(t, Config{AsyncStart: true, Workers: 2}, flow.Flow{ID: "one", Steps: []flow.Step{
		assignStep("set", map[string]any{"x": "y"}),
	}})
	ctx := context.Background()
	def, err := h.engine.Deploy(ctx, "one")
	require.NoError(t, err)

	inst, err := h.engine.Start(ctx, def.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, inst.Status)

	require.Eventually(t, func() bool {
		got, err := h.engine.Get(ctx, inst.ID)
		return err == nil && got.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCallerCancellationDoesNotLoseStepResult(t *testing.T) {
	h := newHarness(t, Config{}, flow.Flow{ID: "charge", Steps: []flow.Step{
		{Name: "charge", Type: flow.StepAdapter, Adapter: "hangup", Output: "payment"},
		assignStep("after", map[string]any{"settled": true}),
	}}, flow.Flow{ID: "review", Steps: []flow.Step{
		{Name: "review", Type: flow.StepUserTask},
		{Name: "notify", Type: flow.StepAdapter, Adapter: "hangup"},
	}})
	var hangup context.CancelFunc
	calls := 0
	h.adapters.Register("hangup", func(context.Context, AdapterStep, map[string]any) (map[string]any, error) {
		calls++
		hangup()
		return map[string]any{"ok": true}, nil
	})

	t.Run("start", func(t *testing.T) {
		calls = 0
		def, err := h.engine.Deploy(context.Background(), "charge")
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		hangup = cancel

		inst, err := h.engine.Start(ctx, def.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, inst.Status)
		assert.Nil(t, inst.InFlight)
		assert.Equal(t, []string{"charge:SUCCESS", "after:SUCCESS"}, statuses(inst))
		assert.Equal(t, map[string]any{"ok": true}, inst.Variables["payment"])
		assert.Equal(t, 1, calls)
	})

	t.Run("task completion", func(t *testing.T) {
		calls = 0
		def, err := h.engine.Deploy(context.Background(), "review")
		require.NoError(t, err)
		inst, err := h.engine.Start(context.Background(), def.ID, nil)
		require.NoError(t, err)
		require.Len(t, inst.OutstandingTasks, 1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		hangup = cancel
		ok, err := h.engine.CompleteUserTask(ctx, inst.OutstandingTasks[0], nil)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := h.engine.Get(context.Background(), inst.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Nil(t, got.InFlight)
		assert.Equal(t, []string{"review:WAITING", "review:SUCCESS", "notify:SUCCESS"}, statuses(got))
		assert.Equal(t, 1, calls)
	})
}

func TestActReportsBusyInstance(t *testing.T) {
	h := newHarness(t, Config{LockTimeout: 50 * time.Millisecond}, approvalFlow())
	ctx := context.Background()
	def, err := h.engine.Deploy(ctx, "approval")
	require.NoError(t, err)
	inst, err := h.engine.Start(ctx, def.ID, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)
	require.Equal(t, StatusRunning, inst.Status)

	rival := lock.NewManager(h.lb.Node("n2"), lock.Config{})
	ok, err := rival.TryLock(ctx, InstanceLockName(inst.ID), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	for _, action := range []Action{ActionSuspend, ActionResume, ActionTerminate} {
		o, err := h.engine.Act(ctx, inst.ID, action)
		require.NoError(t, err)
		assert.Equal(t, OutcomeBusy, o, action)
	}
	ok, err = h.engine.Suspend(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rival.Unlock(ctx, InstanceLockName(inst.ID)))

	o, err := h.engine.Act(ctx, inst.ID, ActionResume)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIllegal, o, "resume of a running instance")
	o, err = h.engine.Act(ctx, inst.ID, ActionSuspend)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, o)

	_, err = h.engine.Act(ctx, inst.ID, Action("restart"))
	assert.Error(t, err)
}

func TestFailureCommittedAfterSuspendFailsInstance(t *testing.T) {
	h := newHarness(t, Config{}, flow.Flow{ID: "flaky", Steps: []flow.Step{
		{Name: "call", Type: flow.StepAdapter, Adapter: "stall"},
		assignStep("never", map[string]any{"b": 2}),
	}})
	started := make(chan struct{})
	release := make(chan struct{})
	h.adapters.Register("stall", func(context.Context, AdapterStep, map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return nil, errors.New("upstream reset")
	})
	ctx := context.Background()
	def, err := h.engine.Deploy(ctx, "flaky")
	require.NoError(t, err)

	done := make(chan Instance, 1)
	go func() {
		inst, _ := h.engine.Start(ctx, def.ID, nil)
		done <- inst
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("adapter not invoked")
	}
	list, err := h.engine.List(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, list, 1)

	ok, err := h.engine.Suspend(ctx, list[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	close(release)

	var inst Instance
	select {
	case inst = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Contains(t, inst.Error, "upstream reset")
	assert.Equal(t, []string{"call:SUSPENDED", "call:FAILED"}, statuses(inst))
	assert.True(t, CanTransition(StatusSuspended, StatusFailed))
}
