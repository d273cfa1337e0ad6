package process

import (
	"encoding/json"
	"fmt"
	"strings"

	"flowmesh/pkg/flow"
)

var inputTypes = map[string]bool{
	TypeString: true, TypeNumber: true, TypeBoolean: true,
	TypeObject: true, TypeArray: true, TypeAny: true,
}

// Compile validates f and turns it into an unversioned Definition.
func Compile(f flow.Flow, adapters AdapterInvoker, transforms Transformer) (Definition, error) {
	var problems []string
	addf := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(f.ID) == "" {
		addf("flow id is empty")
	}
	if len(f.Steps) == 0 {
		addf("flow has no steps")
	}

	index := make(map[string]int, len(f.Steps))
	for i, s := range f.Steps {
		if s.Name == "" {
			addf("step %d has no name", i)
			continue
		}
		if _, dup := index[s.Name]; dup {
			addf("duplicate step name %q", s.Name)
			continue
		}
		index[s.Name] = i
	}

	steps := make(Steps, 0, len(f.Steps))
	for i, s := range f.Steps {
		switch s.Type {
		case flow.StepAdapter:
			if s.Adapter == "" {
				addf("step %q: adapter name required", s.Name)
			} else if adapters == nil || !adapters.HasAdapter(s.Adapter) {
				addf("step %q: unknown adapter %q", s.Name, s.Adapter)
			}
			steps = append(steps, AdapterStep{
				Name: s.Name, Adapter: s.Adapter, Operation: s.Operation,
				Requires: s.Requires, Output: s.Output, Config: s.Config,
			})
		case flow.StepTransform:
			if s.Transformation == "" {
				addf("step %q: transformation name required", s.Name)
			} else if transforms == nil || !transforms.HasTransformation(s.Transformation) {
				addf("step %q: unknown transformation %q", s.Name, s.Transformation)
			}
			steps = append(steps, TransformStep{
				Name: s.Name, Transformation: s.Transformation,
				Requires: s.Requires, Output: s.Output, Config: s.Config,
			})
		case flow.StepUserTask:
			steps = append(steps, UserTaskStep{Name: s.Name, Requires: s.Requires, Config: s.Config})
		case flow.StepBranch:
			b := s.Branch
			if b == nil || b.Variable == "" {
				addf("step %q: branch variable required", s.Name)
				continue
			}
			if len(b.Cases) == 0 && b.Default == "" {
				addf("step %q: branch needs cases or a default", s.Name)
			}
			targets := make([]string, 0, len(b.Cases)+1)
			for _, t := range b.Cases {
				targets = append(targets, t)
			}
			if b.Default != "" {
				targets = append(targets, b.Default)
			}
			for _, t := range targets {
				j, ok := index[t]
				switch {
				case !ok:
					addf("step %q: branch target %q does not exist", s.Name, t)
				case j <= i:
					addf("step %q: branch target %q must come after the branch", s.Name, t)
				}
			}
			cases := make(map[string]string, len(b.Cases))
			for k, v := range b.Cases {
				cases[k] = v
			}
			steps = append(steps, BranchStep{Name: s.Name, Variable: b.Variable, Cases: cases, Default: b.Default})
		default:
			addf("step %q: unknown step type %q", s.Name, s.Type)
		}
	}

	inputs := make([]Input, 0, len(f.Inputs))
	for _, p := range f.Inputs {
		t := p.Type
		if t == "" {
			t = TypeAny
		}
		if p.Name == "" {
			addf("input with empty name")
			continue
		}
		if !inputTypes[t] {
			addf("input %q: unknown type %q", p.Name, p.Type)
			continue
		}
		inputs = append(inputs, Input{Name: p.Name, Type: t, Required: p.Required})
	}
	outputs := make([]string, 0, len(f.Outputs))
	for _, p := range f.Outputs {
		outputs = append(outputs, p.Name)
	}

	if len(problems) > 0 {
		return Definition{}, newError(ErrDeployment,
			fmt.Sprintf("flow %s is invalid: %s", f.ID, strings.Join(problems, "; ")), nil,
			map[string]any{"flowId": f.ID, "problems": problems})
	}
	name := f.Name
	if name == "" {
		name = f.ID
	}
	return Definition{FlowID: f.ID, Name: name, Inputs: inputs, Outputs: outputs, Steps: steps}, nil
}

// ValidateVariables checks vars against the declared inputs.
func ValidateVariables(def Definition, vars map[string]any) error {
	var problems []string
	for _, in := range def.Inputs {
		v, ok := vars[in.Name]
		if !ok || v == nil {
			if in.Required {
				problems = append(problems, fmt.Sprintf("%s is required", in.Name))
			}
			continue
		}
		if !matchesType(in.Type, v) {
			problems = append(problems, fmt.Sprintf("%s must be %s, got %T", in.Name, in.Type, v))
		}
	}
	if len(problems) > 0 {
		return newError(ErrInvalidVariables, "invalid variables: "+strings.Join(problems, "; "), nil,
			map[string]any{"definitionId": def.ID, "problems": problems})
	}
	return nil
}

func matchesType(t string, v any) bool {
	switch t {
	case TypeAny, "":
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
			return true
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}
