package process

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"

	"flowmesh/pkg/observability"
)

// claim is a step this node has marked in flight.
type claim struct {
	inst   Instance
	def    Definition
	step   Step
	index  int
	marker InFlight
}

// outcome is what a step produced outside the lock.
type outcome struct {
	vars map[string]any
	task *UserTask
	next string
	err  error
}

// Advance executes steps of instance id until it completes, fails, blocks on a
// user task, is suspended or cancelled, or the lock cannot be taken.
func (e *Engine) Advance(ctx context.Context, id string) error {
	for {
		c, err := e.claim(ctx, id)
		if err != nil || c == nil {
			return err
		}
		out := e.execute(ctx, c)
		more, err := e.commit(ctx, c, out)
		if err != nil || !more {
			return err
		}
	}
}

// claim marks the current step in flight under the instance lock. It returns
// nil when there is nothing to run.
func (e *Engine) claim(ctx context.Context, id string) (*claim, error) {
	var (
		c       *claim
		changed *Instance
		prev    Status
		logged  bool
		metric  string
	)
	acquired, err := e.locked(ctx, id, func(fence Fence) error {
		inst, ok, err := e.repo.Instance(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return instanceNotFound(id)
		}
		if inst.Status != StatusPending && inst.Status != StatusRunning {
			return nil
		}
		if inst.Blocked() {
			return nil
		}
		now := e.now()
		if inst.InFlight != nil {
			if now.Sub(inst.InFlight.Since) < e.cfg.StaleAfter {
				return nil
			}
			e.logger.Warn("reclaiming stale in-flight step", "instance", id, "step", inst.InFlight.Step, "node", inst.InFlight.Node)
		}
		def, err := e.defs.Get(ctx, inst.DefinitionID)
		if err != nil {
			return err
		}
		prev = inst.Status
		inst.Status = StatusRunning
		inst.Node = e.cfg.NodeID
		inst.UpdatedAt = now

		if inst.CurrentStep == "" {
			inst.finish(StatusCompleted, now)
			metric = CounterCompleted
		} else if step, idx, found := def.Step(inst.CurrentStep); !found {
			msg := fmt.Sprintf("step %q not in definition %s", inst.CurrentStep, def.ID)
			inst.append(e.entry(inst.CurrentStep, EntryFailed, msg))
			inst.Error = msg
			inst.finish(StatusFailed, now)
			logged, metric = true, CounterFailed
		} else {
			marker := InFlight{Node: e.cfg.NodeID, Step: step.StepName(), Since: now}
			inst.InFlight = &marker
			c = &claim{def: def, step: step, index: idx, marker: marker}
		}

		saved, err := e.repo.SaveInstance(ctx, fence, inst, nil, nil)
		if err != nil {
			c = nil
			return err
		}
		if !saved {
			c = nil
			e.logger.Warn("claim rejected, lock lost", "instance", id)
			return nil
		}
		if c != nil {
			c.inst = inst
		}
		changed = &inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		e.logger.Debug("instance busy, leaving for dispatcher", "instance", id)
		return nil, nil
	}
	if changed != nil && changed.Status != prev {
		e.publish(ctx, changed)
	}
	if changed == nil {
		return nil, nil
	}
	if logged {
		e.recordLast(ctx, changed)
	}
	if metric != "" {
		e.metric(ctx, metric)
	}
	return c, nil
}

// execute runs the step's collaborator without holding the lock.
func (e *Engine) execute(ctx context.Context, c *claim) outcome {
	ctx, span := observability.StartSpan(ctx, "process.step",
		attribute.String("process.instance", c.inst.ID),
		attribute.String("process.definition", c.def.ID),
		attribute.String("process.step", c.step.StepName()),
		attribute.String("process.step.kind", string(c.step.Kind())),
	)
	defer span.End()

	out := e.run(ctx, c)
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(otelcodes.Error, out.err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	return out
}

func (e *Engine) run(ctx context.Context, c *claim) outcome {
	vars := c.inst.Variables
	for _, name := range c.step.Requirements() {
		if _, ok := vars[name]; !ok {
			return outcome{err: stepError(c, fmt.Errorf("required variable %q not set", name))}
		}
	}

	switch s := c.step.(type) {
	case AdapterStep:
		res, err := e.adapters.Invoke(ctx, s, copyVars(vars))
		if err != nil {
			return outcome{err: stepError(c, err)}
		}
		return outcome{vars: res, next: c.def.Next(c.index)}
	case TransformStep:
		res, err := e.transforms.Transform(ctx, s, copyVars(vars))
		if err != nil {
			return outcome{err: stepError(c, err)}
		}
		return outcome{vars: res, next: c.def.Next(c.index)}
	case UserTaskStep:
		input := make(map[string]any)
		if len(s.Requires) == 0 {
			input = copyVars(vars)
		}
		for _, name := range s.Requires {
			input[name] = vars[name]
		}
		return outcome{task: &UserTask{
			ID:         uuid.NewString(),
			InstanceID: c.inst.ID,
			Step:       s.Name,
			Input:      input,
			Config:     s.Config,
			CreatedAt:  e.now(),
		}}
	case BranchStep:
		value := fmt.Sprint(vars[s.Variable])
		target, ok := s.Cases[value]
		if !ok {
			target = s.Default
		}
		if target == "" {
			return outcome{err: stepError(c, fmt.Errorf("no branch for %s=%q", s.Variable, value))}
		}
		return outcome{next: target}
	default:
		return outcome{err: stepError(c, fmt.Errorf("unsupported step %T", s))}
	}
}

// commit applies out under the instance lock after re-checking that the claim
// still stands. A cancelled or reclaimed instance discards the result. It
// reports whether the instance can advance further.
func (e *Engine) commit(ctx context.Context, c *claim, out outcome) (bool, error) {
	var (
		after  *Instance
		metric string
	)
	id := c.inst.ID
	acquired, err := e.locked(ctx, id, func(fence Fence) error {
		inst, ok, err := e.repo.Instance(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return instanceNotFound(id)
		}
		if inst.Status.Terminal() || inst.InFlight == nil || !inst.InFlight.same(c.marker) {
			e.logger.Info("step result discarded", "instance", id, "step", c.step.StepName(), "status", inst.Status)
			return nil
		}

		now := e.now()
		inst.InFlight = nil
		inst.Node = e.cfg.NodeID
		inst.UpdatedAt = now
		var create []UserTask

		switch {
		case out.err != nil:
			inst.append(e.entry(c.step.StepName(), EntryFailed, out.err.Error()))
			inst.Error = out.err.Error()
			inst.finish(StatusFailed, now)
			metric = CounterFailed
		case out.task != nil:
			inst.append(e.entry(c.step.StepName(), EntryWaiting, ""))
			inst.OutstandingTasks = append(inst.OutstandingTasks, out.task.ID)
			create = append(create, *out.task)
		default:
			merge(&inst, c.step, out.vars)
			inst.append(e.entry(c.step.StepName(), EntrySuccess, ""))
			inst.CurrentStep = out.next
			if out.next == "" && inst.Status == StatusRunning {
				inst.finish(StatusCompleted, now)
				metric = CounterCompleted
			}
		}

		saved, err := e.repo.SaveInstance(ctx, fence, inst, create, nil)
		if err != nil {
			return err
		}
		if !saved {
			e.logger.Warn("step commit rejected, lock lost", "instance", id, "step", c.step.StepName())
			return nil
		}
		after = &inst
		return nil
	})
	if err != nil {
		return false, err
	}
	if !acquired {
		e.logger.Warn("commit lock not acquired, step left in flight", "instance", id, "step", c.step.StepName())
		return false, nil
	}
	if after == nil {
		return false, nil
	}
	e.recordLast(ctx, after)
	e.publish(ctx, after)
	if metric != "" {
		e.metric(ctx, metric)
	}
	return after.Status == StatusRunning && !after.Blocked(), nil
}

func merge(inst *Instance, step Step, vars map[string]any) {
	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
	var output string
	switch s := step.(type) {
	case AdapterStep:
		output = s.Output
	case TransformStep:
		output = s.Output
	}
	if output != "" {
		inst.Variables[output] = vars
		return
	}
	for k, v := range vars {
		inst.Variables[k] = v
	}
}

func stepError(c *claim, err error) error {
	return newError(ErrStepExecution, fmt.Sprintf("step %s failed: %v", c.step.StepName(), err), err,
		map[string]any{"instanceId": c.inst.ID, "step": c.step.StepName()})
}
