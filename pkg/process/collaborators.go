package process

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// AdapterInvoker performs the I/O behind adapter steps.
type AdapterInvoker interface {
	HasAdapter(name string) bool
	Invoke(ctx context.Context, step AdapterStep, vars map[string]any) (map[string]any, error)
}

// Transformer runs the mapping behind transform steps.
type Transformer interface {
	HasTransformation(name string) bool
	Transform(ctx context.Context, step TransformStep, vars map[string]any) (map[string]any, error)
}

// AuditSink receives every execution-log entry.
type AuditSink interface {
	Record(ctx context.Context, instanceID string, entry LogEntry)
}

// AdapterFunc adapts a function to a single adapter.
type AdapterFunc func(ctx context.Context, step AdapterStep, vars map[string]any) (map[string]any, error)

// TransformFunc adapts a function to a single transformation.
type TransformFunc func(ctx context.Context, step TransformStep, vars map[string]any) (map[string]any, error)

// Adapters is an AdapterInvoker over named functions.
type Adapters struct {
	mu  sync.RWMutex
	fns map[string]AdapterFunc
}

// NewAdapters returns an empty adapter registry.
func NewAdapters() *Adapters { return &Adapters{fns: make(map[string]AdapterFunc)} }

// Register adds or replaces the adapter name.
func (a *Adapters) Register(name string, fn AdapterFunc) *Adapters {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fns[name] = fn
	return a
}

func (a *Adapters) HasAdapter(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.fns[name]
	return ok
}

// Names lists registered adapters.
func (a *Adapters) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.fns))
	for n := range a.fns {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (a *Adapters) Invoke(ctx context.Context, step AdapterStep, vars map[string]any) (map[string]any, error) {
	a.mu.RLock()
	fn, ok := a.fns[step.Adapter]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter %q not registered", step.Adapter)
	}
	return fn(ctx, step, vars)
}

// Transforms is a Transformer over named functions.
type Transforms struct {
	mu  sync.RWMutex
	fns map[string]TransformFunc
}

// NewTransforms returns an empty transformation registry.
func NewTransforms() *Transforms { return &Transforms{fns: make(map[string]TransformFunc)} }

// Register adds or replaces the transformation name.
func (t *Transforms) Register(name string, fn TransformFunc) *Transforms {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fns[name] = fn
	return t
}

func (t *Transforms) HasTransformation(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.fns[name]
	return ok
}

func (t *Transforms) Transform(ctx context.Context, step TransformStep, vars map[string]any) (map[string]any, error) {
	t.mu.RLock()
	fn, ok := t.fns[step.Transformation]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transformation %q not registered", step.Transformation)
	}
	return fn(ctx, step, vars)
}

// Builtin adapters and transformations available on every node.
const (
	AdapterEcho     = "echo"
	TransformAssign = "assign"
	TransformCopy   = "copy"
)

// RegisterBuiltins installs the builtin collaborators.
//
// echo returns its step config. assign returns config["values"]. copy maps
// config["from"] to config["to"] variable names.
func RegisterBuiltins(a *Adapters, t *Transforms) {
	a.Register(AdapterEcho, func(_ context.Context, step AdapterStep, _ map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(step.Config))
		for k, v := range step.Config {
			out[k] = v
		}
		return out, nil
	})
	t.Register(TransformAssign, func(_ context.Context, step TransformStep, _ map[string]any) (map[string]any, error) {
		values, _ := step.Config["values"].(map[string]any)
		out := make(map[string]any, len(values))
		for k, v := range values {
			out[k] = v
		}
		return out, nil
	})
	t.Register(TransformCopy, func(_ context.Context, step TransformStep, vars map[string]any) (map[string]any, error) {
		from, _ := step.Config["from"].(string)
		to, _ := step.Config["to"].(string)
		if from == "" || to == "" {
			return nil, fmt.Errorf("copy requires from and to")
		}
		v, ok := vars[from]
		if !ok {
			return nil, fmt.Errorf("variable %q not set", from)
		}
		return map[string]any{to: v}, nil
	})
}

// LogSink is an AuditSink writing entries to a logger.
type LogSink struct {
	Logger hclog.Logger
}

func (s LogSink) Record(_ context.Context, instanceID string, e LogEntry) {
	if s.Logger == nil {
		return
	}
	args := []interface{}{"instance", instanceID, "step", e.Step, "status", e.Status, "node", e.Node}
	if e.Error != "" {
		args = append(args, "error", e.Error)
		s.Logger.Warn("execution log", args...)
		return
	}
	s.Logger.Info("execution log", args...)
}
