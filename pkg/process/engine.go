package process

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"flowmesh/pkg/counter"
	"flowmesh/pkg/lock"
)

// LifecycleTopic carries every instance transition.
const LifecycleTopic = "process.lifecycle"

// Counter names.
const (
	CounterInstanceSequence = "process.instance.sequence"
	CounterStarted          = "process.started"
	CounterCompleted        = "process.completed"
	CounterFailed           = "process.failed"
	CounterCancelled        = "process.cancelled"
)

const instanceLockPrefix = "process.instance/"

// InstanceLockName is the distributed lock guarding instance id.
func InstanceLockName(id string) string { return instanceLockPrefix + id }

// Publisher publishes cluster events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any) (string, error)
}

// Config tunes the engine.
type Config struct {
	NodeID string
	// LockTimeout bounds every wait for an instance lock.
	LockTimeout time.Duration
	// StaleAfter is how long an in-flight marker survives before another node may reclaim the step.
	StaleAfter time.Duration
	// AsyncStart queues the first advance on the worker pool instead of running it in Start.
	AsyncStart bool
	Workers    int
	QueueSize  int
	Logger     hclog.Logger
}

// Deps are the engine's collaborators.
type Deps struct {
	Locks       *lock.Manager
	Events      Publisher
	Counters    *counter.Registry
	Definitions *Registry
	Repository  *Repository
	Adapters    AdapterInvoker
	Transforms  Transformer
	Audit       AuditSink
}

// Engine creates, advances and terminates process instances.
type Engine struct {
	cfg        Config
	locks      *lock.Manager
	events     Publisher
	counters   *counter.Registry
	defs       *Registry
	repo       *Repository
	adapters   AdapterInvoker
	transforms Transformer
	audit      AuditSink
	pool       *Pool
	logger     hclog.Logger
	now        func() time.Time
}

// NewEngine wires an engine and starts its worker pool.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	e := &Engine{
		cfg:        cfg,
		locks:      deps.Locks,
		events:     deps.Events,
		counters:   deps.Counters,
		defs:       deps.Definitions,
		repo:       deps.Repository,
		adapters:   deps.Adapters,
		transforms: deps.Transforms,
		audit:      deps.Audit,
		logger:     logger.Named("engine"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if e.audit == nil {
		e.audit = LogSink{Logger: e.logger.Named("audit")}
	}
	e.pool = NewPool(cfg.Workers, cfg.QueueSize, e.Advance, e.logger.Named("pool"))
	return e
}

// Pool is the engine's local worker pool.
func (e *Engine) Pool() *Pool { return e.pool }

// Close stops the worker pool.
func (e *Engine) Close() { e.pool.Stop() }

// Deploy compiles flowID and registers a new definition version.
func (e *Engine) Deploy(ctx context.Context, flowID string) (Definition, error) {
	return e.defs.Deploy(ctx, flowID)
}

// GetDefinition returns a deployed definition.
func (e *Engine) GetDefinition(ctx context.Context, id string) (Definition, error) {
	return e.defs.Get(ctx, id)
}

// ListDefinitions returns every deployed definition.
func (e *Engine) ListDefinitions(ctx context.Context) ([]Definition, error) {
	return e.defs.List(ctx)
}

// Start creates an instance of definitionID and advances it as far as it can
// go. With AsyncStart the first advance is queued instead.
func (e *Engine) Start(ctx context.Context, definitionID string, vars map[string]any) (Instance, error) {
	def, err := e.defs.Get(ctx, definitionID)
	if err != nil {
		if IsNotFound(err) {
			return Instance{}, newError(ErrStart, "cannot start unknown definition "+definitionID, err,
				map[string]any{"definitionId": definitionID})
		}
		return Instance{}, err
	}
	if err := ValidateVariables(def, vars); err != nil {
		return Instance{}, err
	}
	seq, err := e.counters.Increment(ctx, CounterInstanceSequence)
	if err != nil {
		return Instance{}, err
	}

	now := e.now()
	inst := Instance{
		ID:               uuid.NewString(),
		DefinitionID:     def.ID,
		Sequence:         seq,
		Status:           StatusPending,
		StartedAt:        now,
		CurrentStep:      def.First(),
		Variables:        copyVars(vars),
		Log:              []LogEntry{},
		OutstandingTasks: []string{},
		Node:             e.cfg.NodeID,
		UpdatedAt:        now,
	}
	if err := e.repo.CreateInstance(ctx, inst); err != nil {
		return Instance{}, err
	}
	e.metric(ctx, CounterStarted)
	e.publish(ctx, &inst)
	e.logger.Info("process started", "instance", inst.ID, "definition", def.ID, "sequence", seq)

	if e.cfg.AsyncStart {
		e.pool.Submit(inst.ID)
		return inst, nil
	}
	// A claimed step must reach its commit even if the caller goes away.
	run := context.WithoutCancel(ctx)
	if err := e.Advance(run, inst.ID); err != nil {
		return Instance{}, err
	}
	return e.Get(run, inst.ID)
}

// Get returns an instance.
func (e *Engine) Get(ctx context.Context, id string) (Instance, error) {
	inst, ok, err := e.repo.Instance(ctx, id)
	if err != nil {
		return Instance{}, err
	}
	if !ok {
		return Instance{}, instanceNotFound(id)
	}
	return inst, nil
}

// List returns instances in any of statuses, or all instances when none are given.
func (e *Engine) List(ctx context.Context, statuses ...Status) ([]Instance, error) {
	return e.repo.Instances(ctx, func(i *Instance) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, s := range statuses {
			if i.Status == s {
				return true
			}
		}
		return false
	})
}

// ListActive returns RUNNING and SUSPENDED instances.
func (e *Engine) ListActive(ctx context.Context) ([]Instance, error) {
	return e.List(ctx, StatusRunning, StatusSuspended)
}

// ListUserTasks returns outstanding user tasks, for one instance when instanceID is set.
func (e *Engine) ListUserTasks(ctx context.Context, instanceID string) ([]UserTask, error) {
	return e.repo.Tasks(ctx, instanceID)
}

// Action is a lifecycle operation on an instance.
type Action string

const (
	ActionSuspend   Action = "suspend"
	ActionResume    Action = "resume"
	ActionTerminate Action = "terminate"
)

// Outcome reports what a lifecycle action did.
type Outcome int

const (
	// OutcomeApplied means the instance changed status.
	OutcomeApplied Outcome = iota
	// OutcomeIllegal means the current status does not allow the action.
	OutcomeIllegal
	// OutcomeBusy means the instance lock was not acquired within LockTimeout.
	OutcomeBusy
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeIllegal:
		return "illegal"
	default:
		return "busy"
	}
}

// Suspend moves a RUNNING instance to SUSPENDED.
func (e *Engine) Suspend(ctx context.Context, id string) (bool, error) {
	return e.applied(e.Act(ctx, id, ActionSuspend))
}

// Resume moves a SUSPENDED instance back to RUNNING and continues it.
func (e *Engine) Resume(ctx context.Context, id string) (bool, error) {
	return e.applied(e.Act(ctx, id, ActionResume))
}

// Terminate cancels a non-terminal instance. A step in flight discards its result.
func (e *Engine) Terminate(ctx context.Context, id string) (bool, error) {
	return e.applied(e.Act(ctx, id, ActionTerminate))
}

func (e *Engine) applied(o Outcome, err error) (bool, error) {
	return err == nil && o == OutcomeApplied, err
}

// Act runs a lifecycle action and reports whether it was applied, refused in
// the current status, or left undone because the instance was busy.
func (e *Engine) Act(ctx context.Context, id string, action Action) (Outcome, error) {
	switch action {
	case ActionSuspend:
		return e.transition(ctx, id, StatusSuspended, func(inst *Instance) []string {
			inst.append(e.entry(inst.CurrentStep, EntrySuspended, ""))
			return nil
		})
	case ActionResume:
		o, err := e.transition(ctx, id, StatusRunning, func(inst *Instance) []string {
			inst.append(e.entry(inst.CurrentStep, EntryResumed, ""))
			return nil
		})
		if o == OutcomeApplied && err == nil {
			e.kick(ctx, id)
		}
		return o, err
	case ActionTerminate:
		o, err := e.transition(ctx, id, StatusCancelled, func(inst *Instance) []string {
			inst.append(e.entry(inst.CurrentStep, EntryCancelled, ""))
			inst.finish(StatusCancelled, e.now())
			tasks := inst.OutstandingTasks
			inst.OutstandingTasks = []string{}
			return tasks
		})
		if o == OutcomeApplied && err == nil {
			e.metric(ctx, CounterCancelled)
		}
		return o, err
	default:
		return OutcomeIllegal, fmt.Errorf("unknown action %q", action)
	}
}

// transition applies mutate under the instance lock when the current status may
// move to to.
func (e *Engine) transition(ctx context.Context, id string, to Status, mutate func(*Instance) (removeTasks []string)) (Outcome, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return OutcomeIllegal, err
	}
	var (
		outcome = OutcomeIllegal
		after   Instance
	)
	acquired, err := e.locked(ctx, id, func(fence Fence) error {
		inst, ok, err := e.repo.Instance(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return instanceNotFound(id)
		}
		if !CanTransition(inst.Status, to) {
			e.logger.Debug("illegal transition", "instance", id, "from", inst.Status, "to", to)
			return nil
		}
		from := inst.Status
		inst.Status = to
		remove := mutate(&inst)
		inst.UpdatedAt = e.now()
		saved, err := e.repo.SaveInstance(ctx, fence, inst, nil, remove)
		if err != nil {
			return err
		}
		if !saved {
			e.logger.Warn("instance write rejected, lock lost", "instance", id)
			outcome = OutcomeBusy
			return nil
		}
		e.logger.Info("instance transition", "instance", id, "from", from, "to", to)
		outcome, after = OutcomeApplied, inst
		return nil
	})
	if err != nil {
		return OutcomeIllegal, err
	}
	if !acquired {
		e.logger.Warn("instance lock not acquired", "instance", id, "timeout", e.cfg.LockTimeout)
		return OutcomeBusy, nil
	}
	if outcome == OutcomeApplied {
		e.recordLast(ctx, &after)
		e.publish(ctx, &after)
	}
	return outcome, nil
}

// CompleteUserTask merges output into the owning instance and unblocks it once
// no tasks remain.
func (e *Engine) CompleteUserTask(ctx context.Context, taskID string, output map[string]any) (bool, error) {
	task, ok, err := e.repo.Task(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, taskNotFound(taskID)
	}

	var (
		changed bool
		after   Instance
	)
	acquired, err := e.locked(ctx, task.InstanceID, func(fence Fence) error {
		if _, ok, err := e.repo.Task(ctx, taskID); err != nil {
			return err
		} else if !ok {
			return taskNotFound(taskID)
		}
		inst, ok, err := e.repo.Instance(ctx, task.InstanceID)
		if err != nil {
			return err
		}
		if !ok {
			return instanceNotFound(task.InstanceID)
		}
		if inst.Status.Terminal() || !inst.removeTask(taskID) {
			return taskNotFound(taskID)
		}
		if inst.Variables == nil {
			inst.Variables = map[string]any{}
		}
		for k, v := range output {
			inst.Variables[k] = v
		}
		inst.append(e.entry(task.Step, EntrySuccess, ""))
		if !inst.Blocked() {
			def, err := e.defs.Get(ctx, inst.DefinitionID)
			if err != nil {
				return err
			}
			if _, idx, found := def.Step(task.Step); found {
				inst.CurrentStep = def.Next(idx)
			}
			if inst.CurrentStep == "" && inst.Status == StatusRunning {
				inst.finish(StatusCompleted, e.now())
			}
		}
		inst.UpdatedAt = e.now()
		saved, err := e.repo.SaveInstance(ctx, fence, inst, nil, []string{taskID})
		if err != nil {
			return err
		}
		if !saved {
			e.logger.Warn("instance write rejected, lock lost", "instance", inst.ID)
			return nil
		}
		changed, after = true, inst
		return nil
	})
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	if !changed {
		return false, nil
	}
	e.recordLast(ctx, &after)
	e.publish(ctx, &after)
	if after.Status == StatusCompleted {
		e.metric(ctx, CounterCompleted)
	}
	if after.Status == StatusRunning && !after.Blocked() {
		e.kick(ctx, after.ID)
	}
	return true, nil
}

// kick continues an instance in the background mode configured for starts.
// Synchronous advances are detached from ctx cancellation, as in Start.
func (e *Engine) kick(ctx context.Context, id string) {
	if e.cfg.AsyncStart {
		e.pool.Submit(id)
		return
	}
	if err := e.Advance(context.WithoutCancel(ctx), id); err != nil {
		e.logger.Warn("advance failed", "instance", id, "error", err)
	}
}

// locked runs fn while holding the instance lock. It reports false without
// running fn when the lock is not acquired within LockTimeout.
func (e *Engine) locked(ctx context.Context, id string, fn func(Fence) error) (bool, error) {
	name := InstanceLockName(id)
	ok, err := e.locks.TryLock(ctx, name, e.cfg.LockTimeout)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if err := e.locks.Unlock(context.WithoutCancel(ctx), name); err != nil {
			e.logger.Warn("instance unlock failed", "instance", id, "error", err)
		}
	}()
	token, _ := e.locks.Token(name)
	return true, fn(Fence{Lock: name, Token: token})
}

func (e *Engine) entry(step, status, errText string) LogEntry {
	return LogEntry{Step: step, Status: status, Timestamp: e.now(), Error: errText, Node: e.cfg.NodeID}
}

func (e *Engine) recordLast(ctx context.Context, inst *Instance) {
	if n := len(inst.Log); n > 0 {
		e.audit.Record(ctx, inst.ID, inst.Log[n-1])
	}
}

func (e *Engine) publish(ctx context.Context, inst *Instance) {
	if e.events == nil {
		return
	}
	_, err := e.events.Publish(ctx, LifecycleTopic, map[string]any{
		"instanceId":   inst.ID,
		"definitionId": inst.DefinitionID,
		"status":       string(inst.Status),
		"step":         inst.CurrentStep,
		"node":         e.cfg.NodeID,
	})
	if err != nil {
		e.logger.Warn("lifecycle event not published", "instance", inst.ID, "error", err)
	}
}

func (e *Engine) metric(ctx context.Context, name string) {
	if _, err := e.counters.Increment(ctx, name); err != nil {
		e.logger.Warn("metric not recorded", "counter", name, "error", err)
	}
}

func instanceNotFound(id string) error {
	return newError(ErrInstanceNotFound, "process instance not found: "+id, nil, map[string]any{"instanceId": id})
}

func taskNotFound(id string) error {
	return newError(ErrTaskNotFound, "user task not found or already completed: "+id, nil, map[string]any{"taskId": id})
}

func copyVars(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
