// Package flow holds the loosely typed flow definitions the process engine compiles.
package flow

import (
	"context"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/goliatone/go-errors"
)

// Step types.
const (
	StepAdapter   = "adapter"
	StepTransform = "transform"
	StepUserTask  = "user-task"
	StepBranch    = "branch"
)

// ErrCodeFlowNotFound marks an unknown flow id.
const ErrCodeFlowNotFound = "FLOW_NOT_FOUND"

// ErrFlowNotFound is returned by readers for unknown ids.
var ErrFlowNotFound = apperrors.New("flow not found", apperrors.CategoryBadInput).
	WithTextCode(ErrCodeFlowNotFound)

// NotFound clones ErrFlowNotFound for id.
func NotFound(id string) error {
	err := ErrFlowNotFound.Clone()
	err.Message = "flow not found: " + id
	return err.WithMetadata(map[string]any{"flowId": id})
}

// Flow is an integration flow as authored.
type Flow struct {
	ID      string  `json:"id" yaml:"id"`
	Name    string  `json:"name" yaml:"name"`
	Inputs  []Param `json:"inputs,omitempty" yaml:"inputs"`
	Outputs []Param `json:"outputs,omitempty" yaml:"outputs"`
	Steps   []Step  `json:"steps" yaml:"steps"`
}

// Param declares one input or output variable.
type Param struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type,omitempty" yaml:"type"`
	Required bool   `json:"required,omitempty" yaml:"required"`
}

// Step is one untyped step configuration.
type Step struct {
	Name           string         `json:"name" yaml:"name"`
	Type           string         `json:"type" yaml:"type"`
	Adapter        string         `json:"adapter,omitempty" yaml:"adapter"`
	Operation      string         `json:"operation,omitempty" yaml:"operation"`
	Transformation string         `json:"transformation,omitempty" yaml:"transformation"`
	Requires       []string       `json:"requires,omitempty" yaml:"requires"`
	Output         string         `json:"output,omitempty" yaml:"output"`
	Config         map[string]any `json:"config,omitempty" yaml:"config"`
	Branch         *Branch        `json:"branch,omitempty" yaml:"branch"`
}

// Branch routes on the string form of a variable.
type Branch struct {
	Variable string            `json:"variable" yaml:"variable"`
	Cases    map[string]string `json:"cases" yaml:"cases"`
	Default  string            `json:"default,omitempty" yaml:"default"`
}

// Reader resolves flow ids to definitions.
type Reader interface {
	Read(ctx context.Context, id string) (Flow, error)
	List(ctx context.Context) ([]string, error)
}

// MemoryReader is a Reader over flows registered in memory.
type MemoryReader struct {
	mu    sync.RWMutex
	flows map[string]Flow
}

// NewMemoryReader returns a reader seeded with flows.
func NewMemoryReader(flows ...Flow) *MemoryReader {
	r := &MemoryReader{flows: make(map[string]Flow, len(flows))}
	for _, f := range flows {
		r.Put(f)
	}
	return r
}

// Put adds or replaces a flow.
func (r *MemoryReader) Put(f Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[strings.TrimSpace(f.ID)] = f
}

func (r *MemoryReader) Read(_ context.Context, id string) (Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[strings.TrimSpace(id)]
	if !ok {
		return Flow{}, NotFound(id)
	}
	return f, nil
}

func (r *MemoryReader) List(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.flows))
	for id := range r.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
