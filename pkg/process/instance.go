package process

import "time"

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the instance counts as active.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusSuspended
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusSuspended, StatusCompleted, StatusFailed, StatusCancelled},
	// A step already in flight at suspension may still fail the instance.
	StatusSuspended: {StatusRunning, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Execution-log entry statuses.
const (
	EntrySuccess   = "SUCCESS"
	EntryFailed    = "FAILED"
	EntryWaiting   = "WAITING"
	EntrySuspended = "SUSPENDED"
	EntryResumed   = "RESUMED"
	EntryCancelled = "CANCELLED"
)

// LogEntry is one append-only execution-log record.
type LogEntry struct {
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Node      string    `json:"node,omitempty"`
}

// InFlight marks a step whose collaborator is running outside the instance lock.
type InFlight struct {
	Node  string    `json:"node"`
	Step  string    `json:"step"`
	Since time.Time `json:"since"`
}

func (m InFlight) same(o InFlight) bool {
	return m.Node == o.Node && m.Step == o.Step && m.Since.Equal(o.Since)
}

// Instance is one execution of a definition.
type Instance struct {
	ID               string         `json:"id"`
	DefinitionID     string         `json:"definitionId"`
	Sequence         int64          `json:"sequence"`
	Status           Status         `json:"status"`
	StartedAt        time.Time      `json:"startedAt"`
	EndedAt          *time.Time     `json:"endedAt,omitempty"`
	CurrentStep      string         `json:"currentStep"`
	Variables        map[string]any `json:"variables"`
	Log              []LogEntry     `json:"log"`
	Error            string         `json:"error,omitempty"`
	OutstandingTasks []string       `json:"outstandingTasks"`
	InFlight         *InFlight      `json:"inFlight,omitempty"`
	Node             string         `json:"node,omitempty"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Blocked reports whether the instance waits on user tasks.
func (i *Instance) Blocked() bool { return len(i.OutstandingTasks) > 0 }

func (i *Instance) append(e LogEntry) { i.Log = append(i.Log, e) }

func (i *Instance) finish(s Status, at time.Time) {
	i.Status = s
	i.EndedAt = &at
	i.InFlight = nil
}

func (i *Instance) removeTask(id string) bool {
	for n, t := range i.OutstandingTasks {
		if t == id {
			i.OutstandingTasks = append(i.OutstandingTasks[:n], i.OutstandingTasks[n+1:]...)
			return true
		}
	}
	return false
}

// UserTask blocks an instance until completed with output variables.
type UserTask struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instanceId"`
	Step       string         `json:"step"`
	Input      map[string]any `json:"input"`
	Config     map[string]any `json:"config,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
