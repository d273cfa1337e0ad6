package process

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepKind tags a compiled step variant.
type StepKind string

const (
	KindAdapter   StepKind = "adapter"
	KindTransform StepKind = "transform"
	KindUserTask  StepKind = "user-task"
	KindBranch    StepKind = "branch"
)

// Step is a compiled step. The set of implementations is closed.
type Step interface {
	StepName() string
	Kind() StepKind
	Requirements() []string
	isStep()
}

// AdapterStep calls an external adapter.
type AdapterStep struct {
	Name      string         `json:"name"`
	Adapter   string         `json:"adapter"`
	Operation string         `json:"operation,omitempty"`
	Requires  []string       `json:"requires,omitempty"`
	Output    string         `json:"output,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
}

// TransformStep invokes a named transformation.
type TransformStep struct {
	Name           string         `json:"name"`
	Transformation string         `json:"transformation"`
	Requires       []string       `json:"requires,omitempty"`
	Output         string         `json:"output,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
}

// UserTaskStep blocks the instance until a user task is completed.
type UserTaskStep struct {
	Name     string         `json:"name"`
	Requires []string       `json:"requires,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// BranchStep jumps forward to the step named by the matching case.
type BranchStep struct {
	Name     string            `json:"name"`
	Variable string            `json:"variable"`
	Cases    map[string]string `json:"cases"`
	Default  string            `json:"default,omitempty"`
}

func (s AdapterStep) StepName() string       { return s.Name }
func (s AdapterStep) Kind() StepKind         { return KindAdapter }
func (s AdapterStep) Requirements() []string { return s.Requires }
func (AdapterStep) isStep()                  {}

func (s TransformStep) StepName() string       { return s.Name }
func (s TransformStep) Kind() StepKind         { return KindTransform }
func (s TransformStep) Requirements() []string { return s.Requires }
func (TransformStep) isStep()                  {}

func (s UserTaskStep) StepName() string       { return s.Name }
func (s UserTaskStep) Kind() StepKind         { return KindUserTask }
func (s UserTaskStep) Requirements() []string { return s.Requires }
func (UserTaskStep) isStep()                  {}

func (s BranchStep) StepName() string       { return s.Name }
func (s BranchStep) Kind() StepKind         { return KindBranch }
func (s BranchStep) Requirements() []string { return []string{s.Variable} }
func (BranchStep) isStep()                  {}

// Input types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeAny     = "any"
)

// Input is a declared input variable.
type Input struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// Definition is an immutable, versioned compiled flow.
type Definition struct {
	ID         string    `json:"id"`
	FlowID     string    `json:"flowId"`
	Name       string    `json:"name"`
	Version    int64     `json:"version"`
	DeployedAt time.Time `json:"deployedAt"`
	Inputs     []Input   `json:"inputs,omitempty"`
	Outputs    []string  `json:"outputs,omitempty"`
	Steps      Steps     `json:"steps"`
}

// DefinitionID formats the id of version v of flowID.
func DefinitionID(flowID string, v int64) string {
	return fmt.Sprintf("%s:%d", flowID, v)
}

// Step returns the named step and its position.
func (d Definition) Step(name string) (Step, int, bool) {
	for i, s := range d.Steps {
		if s.StepName() == name {
			return s, i, true
		}
	}
	return nil, -1, false
}

// Next returns the name of the step following position i, or "" at the end.
func (d Definition) Next(i int) string {
	if i+1 < len(d.Steps) {
		return d.Steps[i+1].StepName()
	}
	return ""
}

// First returns the name of the entry step.
func (d Definition) First() string {
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[0].StepName()
}

// Steps encodes the closed variant set as {"kind": ..., "body": {...}}.
type Steps []Step

type stepEnvelope struct {
	Kind StepKind        `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func (s Steps) MarshalJSON() ([]byte, error) {
	out := make([]stepEnvelope, 0, len(s))
	for _, st := range s {
		raw, err := json.Marshal(st)
		if err != nil {
			return nil, err
		}
		out = append(out, stepEnvelope{Kind: st.Kind(), Body: raw})
	}
	return json.Marshal(out)
}

func (s *Steps) UnmarshalJSON(data []byte) error {
	var envs []stepEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return err
	}
	out := make(Steps, 0, len(envs))
	for _, env := range envs {
		var (
			st  Step
			err error
		)
		switch env.Kind {
		case KindAdapter:
			var v AdapterStep
			err = json.Unmarshal(env.Body, &v)
			st = v
		case KindTransform:
			var v TransformStep
			err = json.Unmarshal(env.Body, &v)
			st = v
		case KindUserTask:
			var v UserTaskStep
			err = json.Unmarshal(env.Body, &v)
			st = v
		case KindBranch:
			var v BranchStep
			err = json.Unmarshal(env.Body, &v)
			st = v
		default:
			return fmt.Errorf("unknown step kind %q", env.Kind)
		}
		if err != nil {
			return fmt.Errorf("decode %s step: %w", env.Kind, err)
		}
		out = append(out, st)
	}
	*s = out
	return nil
}
