package model

import (
	"errors"
	"time"
)

// Execution status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrInvalidTransition is returned when a status change does not follow the
// execution state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry, so nothing leaves them.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is one of completed, failed or cancelled.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Step actions.
const (
	ActionRouting    = "routing"
	ActionAnalyzing  = "analyzing"
	ActionDelegating = "delegating"
	ActionExecuting  = "executing"
	ActionResponding = "responding"
	ActionCompleting = "completing"
)

// Step is one observable progress tick of an execution.
type Step struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	WorkerID  string            `json:"worker_id"`
	Action    string            `json:"action"`
	Narrative string            `json:"narrative"`
	Progress  int               `json:"progress"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Metrics are the per-execution counters.
type Metrics struct {
	Tokens    int   `json:"tokens"`
	ToolCalls int   `json:"tool_calls"`
	Handoffs  int   `json:"handoffs"`
	Errors    int   `json:"errors"`
	Retries   int   `json:"retries"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// Execution is one unit of dispatched work, from submission to terminal state.
type Execution struct {
	ID             string               `json:"id"`
	RequesterID    string               `json:"requester_id,omitempty"`
	ThreadID       string               `json:"thread_id,omitempty"`
	TargetWorkerID string               `json:"target_worker_id"`
	Input          string               `json:"input"`
	Status         string               `json:"status"`
	StartTime      time.Time            `json:"start_time"`
	EndTime        *time.Time           `json:"end_time,omitempty"`
	Messages       Messages             `json:"messages"`
	Steps          []Step               `json:"steps"`
	Delegations    []DelegationProgress `json:"delegations"`
	Metrics        Metrics              `json:"metrics"`
	Error          string               `json:"error,omitempty"`
	Result         string               `json:"result,omitempty"`
	Partial        bool                 `json:"partial"`
}

// Transition moves the execution to status, recording the end time when the
// new status is terminal.
func (e *Execution) Transition(status string, at time.Time) error {
	if !ValidTransition(e.Status, status) {
		return ErrInvalidTransition
	}
	e.Status = status
	if IsTerminal(status) {
		end := at
		e.EndTime = &end
		e.Metrics.ElapsedMS = at.Sub(e.StartTime).Milliseconds()
	}
	return nil
}

// Delegation returns a pointer to the delegation with the given id, or nil.
func (e *Execution) Delegation(id string) *DelegationProgress {
	for i := range e.Delegations {
		if e.Delegations[i].ID == id {
			return &e.Delegations[i]
		}
	}
	return nil
}

// Clone returns a deep copy that shares no slices or maps with e.
func (e *Execution) Clone() *Execution {
	c := *e
	if e.EndTime != nil {
		end := *e.EndTime
		c.EndTime = &end
	}
	c.Messages = e.Messages.Clone()
	c.Steps = make([]Step, len(e.Steps))
	for i, s := range e.Steps {
		c.Steps[i] = s
		if s.Metadata != nil {
			md := make(map[string]string, len(s.Metadata))
			for k, v := range s.Metadata {
				md[k] = v
			}
			c.Steps[i].Metadata = md
		}
	}
	c.Delegations = make([]DelegationProgress, len(e.Delegations))
	for i, d := range e.Delegations {
		c.Delegations[i] = d
		c.Delegations[i].Timeline = append([]StageEvent(nil), d.Timeline...)
	}
	return &c
}

// Delegation statuses.
const (
	DelegationRequested  = "requested"
	DelegationAccepted   = "accepted"
	DelegationInProgress = "in_progress"
	DelegationCompleting = "completing"
	DelegationCompleted  = "completed"
	DelegationFailed     = "failed"
	DelegationTimeout    = "timeout"
)

// delegationProgress maps a delegation status to its progress percentage.
var delegationProgress = map[string]int{
	DelegationRequested:  10,
	DelegationAccepted:   25,
	DelegationInProgress: 50,
	DelegationCompleting: 90,
	DelegationCompleted:  100,
	DelegationFailed:     100,
	DelegationTimeout:    100,
}

// StageEvent records one stage change of a delegation.
type StageEvent struct {
	Status    string    `json:"status"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}

// DelegationProgress is the observable record of a single handoff.
type DelegationProgress struct {
	ID             string       `json:"id"`
	SourceWorkerID string       `json:"source_worker_id"`
	TargetWorkerID string       `json:"target_worker_id"`
	Task           string       `json:"task"`
	Status         string       `json:"status"`
	Stage          string       `json:"stage"`
	Timeline       []StageEvent `json:"timeline"`
	ProgressPct    int          `json:"progress_pct"`
	Depth          int          `json:"depth"`
}

// Advance appends a stage change to the timeline and updates the status and
// progress. Once a delegation is completed, failed or timed out it is frozen.
func (d *DelegationProgress) Advance(status, stage string, at time.Time) {
	switch d.Status {
	case DelegationCompleted, DelegationFailed, DelegationTimeout:
		return
	}
	d.Status = status
	d.Stage = stage
	d.ProgressPct = delegationProgress[status]
	d.Timeline = append(d.Timeline, StageEvent{Status: status, Stage: stage, Timestamp: at})
}
