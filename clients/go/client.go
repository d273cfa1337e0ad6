package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flowmesh/pkg/cluster"
	"flowmesh/pkg/health"
	"flowmesh/pkg/process"
	"flowmesh/pkg/server"
)

// Client is a typed SDK for the flowmesh HTTP API.
type Client struct {
	base string
	http *http.Client
}

// Options control Client behavior.
type Options struct {
	// Timeout bounds each request.
	Timeout time.Duration
	// HTTPClient replaces the default transport.
	HTTPClient *http.Client
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flowmesh: %d %s: %s", e.Status, e.Code, e.Message)
}

// New returns a client for the node at address (host:port or a full URL).
func New(address string, opts *Options) *Client {
	if opts == nil {
		opts = &Options{Timeout: 30 * time.Second}
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	base := strings.TrimRight(address, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: hc}
}

// Deploy compiles flowID into a new definition version.
func (c *Client) Deploy(ctx context.Context, flowID string) (process.Definition, error) {
	var out process.Definition
	err := c.do(ctx, http.MethodPost, "/process-engine/deploy/"+url.PathEscape(flowID), nil, nil, &out)
	return out, err
}

// Start creates an instance of definitionID.
func (c *Client) Start(ctx context.Context, definitionID string, vars map[string]any) (process.Instance, error) {
	var out process.Instance
	err := c.do(ctx, http.MethodPost, "/process-engine/start/"+url.PathEscape(definitionID), nil, vars, &out)
	return out, err
}

// Instance fetches one instance.
func (c *Client) Instance(ctx context.Context, id string) (process.Instance, error) {
	var out process.Instance
	err := c.do(ctx, http.MethodGet, "/process-engine/instance/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Instances lists instances in statuses, or active ones when none are given.
func (c *Client) Instances(ctx context.Context, statuses ...process.Status) ([]process.Instance, error) {
	q := url.Values{}
	for _, s := range statuses {
		q.Add("status", string(s))
	}
	var out []process.Instance
	err := c.do(ctx, http.MethodGet, "/process-engine/instances", q, nil, &out)
	return out, err
}

// Suspend, Resume and Terminate report false when the transition is illegal.
func (c *Client) Suspend(ctx context.Context, id string) (bool, error) {
	return c.action(ctx, id, "suspend")
}

func (c *Client) Resume(ctx context.Context, id string) (bool, error) {
	return c.action(ctx, id, "resume")
}

func (c *Client) Terminate(ctx context.Context, id string) (bool, error) {
	return c.action(ctx, id, "terminate")
}

func (c *Client) action(ctx context.Context, id, action string) (bool, error) {
	var out server.TransitionResult
	err := c.do(ctx, http.MethodPost, "/process-engine/instance/"+url.PathEscape(id)+"/"+action, nil, nil, &out)
	if apiErr, ok := err.(*APIError); ok && apiErr.Code == server.CodeIllegalTransition {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Success, nil
}

// CompleteTask submits output for a user task.
func (c *Client) CompleteTask(ctx context.Context, taskID string, output map[string]any) error {
	return c.do(ctx, http.MethodPost, "/process-engine/task/"+url.PathEscape(taskID)+"/complete", nil, output, nil)
}

// Tasks lists outstanding user tasks, for one instance when instanceID is set.
func (c *Client) Tasks(ctx context.Context, instanceID string) ([]process.UserTask, error) {
	q := url.Values{}
	if instanceID != "" {
		q.Set("instanceId", instanceID)
	}
	var out []process.UserTask
	err := c.do(ctx, http.MethodGet, "/process-engine/tasks", q, nil, &out)
	return out, err
}

// Definitions lists deployed definitions.
func (c *Client) Definitions(ctx context.Context) ([]process.Definition, error) {
	var out []process.Definition
	err := c.do(ctx, http.MethodGet, "/process-engine/definitions", nil, nil, &out)
	return out, err
}

// Definition fetches a definition by id, or the latest version of a flow id.
func (c *Client) Definition(ctx context.Context, id string) (process.Definition, error) {
	var out process.Definition
	err := c.do(ctx, http.MethodGet, "/process-engine/definition/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// ClusterInfo describes the node and its view of the cluster.
func (c *Client) ClusterInfo(ctx context.Context) (server.ClusterInfo, error) {
	var out server.ClusterInfo
	err := c.do(ctx, http.MethodGet, "/cluster/info", nil, nil, &out)
	return out, err
}

// ClusterHealth returns the health judgment. A degraded cluster is not an error.
func (c *Client) ClusterHealth(ctx context.Context) (health.ClusterHealth, error) {
	var out health.ClusterHealth
	err := c.do(ctx, http.MethodGet, "/cluster/health", nil, nil, &out)
	if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusServiceUnavailable && !out.CheckedAt.IsZero() {
		return out, nil
	}
	return out, err
}

// Members lists cluster members.
func (c *Client) Members(ctx context.Context) ([]cluster.Member, error) {
	var out []cluster.Member
	err := c.do(ctx, http.MethodGet, "/cluster/members", nil, nil, &out)
	return out, err
}

// TestLock acquires lockName on the node, holds it and releases it.
func (c *Client) TestLock(ctx context.Context, lockName string, holdSeconds int) (server.LockTestResult, error) {
	q := url.Values{"lockName": {lockName}, "holdSeconds": {strconv.Itoa(holdSeconds)}}
	var out server.LockTestResult
	err := c.do(ctx, http.MethodPost, "/cluster/test/locking", q, nil, &out)
	return out, err
}

// TestLeaderElection campaigns for serviceName on the node.
func (c *Client) TestLeaderElection(ctx context.Context, serviceName string) (server.ElectionTestResult, error) {
	q := url.Values{"serviceName": {serviceName}}
	var out server.ElectionTestResult
	err := c.do(ctx, http.MethodPost, "/cluster/test/leader-election", q, nil, &out)
	return out, err
}

// Publish sends an event to every node subscribed to topic.
func (c *Client) Publish(ctx context.Context, topic string, data map[string]any) (string, error) {
	var out server.PublishResult
	err := c.do(ctx, http.MethodPost, "/cluster/event/publish", url.Values{"topic": {topic}}, data, &out)
	return out.EventID, err
}

// Counter reads a distributed counter.
func (c *Client) Counter(ctx context.Context, name string) (int64, error) {
	var out server.CounterValue
	err := c.do(ctx, http.MethodGet, "/cluster/counter/"+url.PathEscape(name), nil, nil, &out)
	return out.Value, err
}

// Increment adds delta to a distributed counter and returns the new value.
func (c *Client) Increment(ctx context.Context, name string, delta int64) (int64, error) {
	q := url.Values{"delta": {strconv.FormatInt(delta, 10)}}
	var out server.CounterValue
	err := c.do(ctx, http.MethodPost, "/cluster/counter/"+url.PathEscape(name)+"/increment", q, nil, &out)
	return out.Value, err
}

// do sends one request. On a non-2xx status it decodes the body into out when
// possible and returns an *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, out)
	}

	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	var eb server.ErrorBody
	if json.Unmarshal(data, &eb) == nil && eb.Code != "" {
		apiErr.Code, apiErr.Message = eb.Code, eb.Error
	} else if out != nil {
		_ = json.Unmarshal(data, out)
	}
	return apiErr
}
