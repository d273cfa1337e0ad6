package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmesh/pkg/election"
	"flowmesh/pkg/flow"
)

func pendingInstance(id string, seq int64, def Definition) Instance {
	now := time.Now().UTC()
	return Instance{ID: id, DefinitionID: def.ID, Sequence: seq, Status: StatusPending,
		CurrentStep: def.First(), StartedAt: now, UpdatedAt: now, Variables: map[string]any{}}
}

func TestSweepOnlyWhileLeading(t *testing.T) {
	h := newHarness(t, Config{}, flow.Flow{ID: "one", Steps: []flow.Step{
		assignStep("set", map[string]any{"x": "y"}),
	}})
	ctx := context.Background()
	def, err := h.engine.Deploy(ctx, "one")
	require.NoError(t, err)
	require.NoError(t, h.repo.CreateInstance(ctx, pendingInstance("p1", 1, def)))

	elector := election.NewManager(h.lb.Node("n1"), election.Config{})
	rival := election.NewManager(h.lb.Node("n2"), election.Config{})
	d := NewDispatcher(h.engine, elector, DispatcherConfig{PollInterval: 50 * time.Millisecond})

	ok, err := rival.Elect(ctx, EngineService)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, d.Sweep(ctx), "followers never sweep")

	require.NoError(t, rival.StepDown(ctx, EngineService))
	ok, err = elector.Elect(ctx, EngineService)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, d.Sweep(ctx))

	require.Eventually(t, func() bool {
		got, err := h.engine.Get(ctx, "p1")
		return err == nil && got.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, d.Sweep(ctx), "completed instances are not dispatched")
}

func TestSweepSkipsBlockedAndLiveInFlight(t *testing.T) {
	h := newHarness(t, Config{}, approvalFlow())
	ctx := context.Background()
	def, err := h.engine.Deploy(ctx, "approval")
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, def.ID, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)

	busy := pendingInstance("busy", 10, def)
	busy.Status = StatusRunning
	busy.InFlight = &InFlight{Node: "n2", Step: "greet", Since: time.Now().UTC()}
	require.NoError(t, h.repo.CreateInstance(ctx, busy))

	elector := election.NewManager(h.lb.Node("n1"), election.Config{})
	ok, err := elector.Elect(ctx, EngineService)
	require.NoError(t, err)
	require.True(t, ok)

	d := NewDispatcher(h.engine, elector, DispatcherConfig{})
	assert.Zero(t, d.Sweep(ctx))
}

func TestHandleSchedulesOnElection(t *testing.T) {
	h := newHarness(t, Config{}, approvalFlow())
	d := NewDispatcher(h.engine, election.NewManager(h.lb.Node("n1"), election.Config{}), DispatcherConfig{})

	d.Handle(election.Event{Service: "other", Kind: election.Elected})
	assert.False(t, d.Leading())
	d.Handle(election.Event{Service: EngineService, Kind: election.Elected, Epoch: 1})
	assert.True(t, d.Leading())
	d.Handle(election.Event{Service: EngineService, Kind: election.Elected, Epoch: 1})
	assert.True(t, d.Leading())
	d.Handle(election.Event{Service: EngineService, Kind: election.Demoted, Epoch: 1, Reason: election.ReasonLeaseLost})
	assert.False(t, d.Leading())
}

func TestRunCampaignsAndDispatches(t *testing.T) {
	h := newHarness(t, Config{}, flow.Flow{ID: "one", Steps: []flow.Step{
		assignStep("set", map[string]any{"x": "y"}),
	}})
	ctx := context.Background()
	def, err := h.engine.Deploy(ctx, "one")
	require.NoError(t, err)
	require.NoError(t, h.repo.CreateInstance(ctx, pendingInstance("orphan", 1, def)))

	elector := election.NewManager(h.lb.Node("n1"), election.Config{})
	d := NewDispatcher(h.engine, elector, DispatcherConfig{PollInterval: 100 * time.Millisecond})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		d.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, d.Leading, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		got, err := h.engine.Get(ctx, "orphan")
		return err == nil && got.Status == StatusCompleted
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.False(t, d.Leading())
	assert.False(t, elector.IsLeader(EngineService), "leadership is resigned on shutdown")
}
