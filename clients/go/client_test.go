package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmesh/config"
	"flowmesh/pkg/cluster"
	"flowmesh/pkg/flow"
	"flowmesh/pkg/process"
	"flowmesh/pkg/server"
	"flowmesh/storage"
)

func newTestClient(t *testing.T) (*Client, *cluster.Loopback) {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Cluster.Enabled = true
	cfg.Engine.LockTimeout = time.Second

	st := storage.NewMemoryKV()
	t.Cleanup(func() { _ = st.Close() })
	lb := cluster.NewLoopback(st, cluster.FSMOptions{})
	node := server.Assemble(cfg, nil, lb.Node("n1"), flow.NewMemoryReader(flow.Flow{
		ID: "review",
		Steps: []flow.Step{
			{Name: "review", Type: flow.StepUserTask},
			{Name: "tag", Type: flow.StepTransform, Transformation: process.TransformAssign,
				Config: map[string]any{"values": map[string]any{"reviewed": true}}},
		},
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, node.Start(ctx))

	srv := httptest.NewServer(server.NewHandler(node, nil))
	t.Cleanup(func() {
		srv.Close()
		_ = node.Close()
	})
	return New(srv.URL, &Options{Timeout: 5 * time.Second}), lb
}

func TestNewNormalizesAddress(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", New("localhost:8080", nil).base)
	assert.Equal(t, "https://node:1", New("https://node:1/", nil).base)
}

func TestProcessRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	def, err := c.Deploy(ctx, "review")
	require.NoError(t, err)
	assert.Equal(t, "review:1", def.ID)

	defs, err := c.Definitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
	latest, err := c.Definition(ctx, "review")
	require.NoError(t, err)
	assert.Equal(t, def.ID, latest.ID)

	inst, err := c.Start(ctx, def.ID, map[string]any{"pr": 42})
	require.NoError(t, err)
	assert.Equal(t, process.StatusRunning, inst.Status)

	active, err := c.Instances(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	ok, err := c.Resume(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, ok, "illegal transition is not an error")
	ok, err = c.Suspend(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Resume(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	tasks, err := c.Tasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, c.CompleteTask(ctx, tasks[0].ID, map[string]any{"verdict": "lgtm"}))

	got, err := c.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StatusCompleted, got.Status)
	assert.Equal(t, "lgtm", got.Variables["verdict"])
	assert.Equal(t, true, got.Variables["reviewed"])

	done, err := c.Instances(ctx, process.StatusCompleted, process.StatusFailed)
	require.NoError(t, err)
	assert.Len(t, done, 1)

	ok, err = c.Terminate(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAPIErrors(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Instance(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, process.ErrCodeInstanceNotFound, apiErr.Code)
	assert.Contains(t, apiErr.Error(), "INSTANCE_NOT_FOUND")

	err = c.CompleteTask(ctx, "missing", nil)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	_, err = c.Suspend(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, process.ErrCodeInstanceNotFound, apiErr.Code)
}

func TestClusterCalls(t *testing.T) {
	c, lb := newTestClient(t)
	ctx := context.Background()

	info, err := c.ClusterInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "n1", info.NodeID)

	members, err := c.Members(ctx)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	lockRes, err := c.TestLock(ctx, "demo", 0)
	require.NoError(t, err)
	assert.True(t, lockRes.Acquired)

	elect, err := c.TestLeaderElection(ctx, "svc")
	require.NoError(t, err)
	assert.True(t, elect.Elected)

	id, err := c.Publish(ctx, "orders", map[string]any{"n": 1})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	v, err := c.Increment(ctx, "c", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
	v, err = c.Counter(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	h, err := c.ClusterHealth(ctx)
	require.NoError(t, err)
	assert.True(t, h.Healthy)

	lb.Node("n1").Disconnect()
	defer lb.Node("n1").Reconnect()
	h, err = c.ClusterHealth(ctx)
	require.NoError(t, err, "unhealthy is reported, not returned as an error")
	assert.False(t, h.Healthy)
}
