// Package process implements the automation process engine: it advances
// business objects through a directed graph of workflow steps, persists their
// position and transition history, enforces recurrence policy on start, and
// serializes concurrent transition requests against the same object.
//
// The engine is a library. Storage of step definitions and history rows,
// condition evaluation and permission decisions are supplied by the caller
// through the interfaces in repository.go; in-memory implementations suitable
// for tests live in memory.go, SQL-backed ones in pkg/store.
//
// Example usage:
//
//	mgr, err := process.NewManager(process.ManagerConfig{
//	    Steps:      catalog,
//	    Workflows:  catalog,
//	    Store:      process.NewMemoryStore(),
//	    Conditions: process.NewFuncEvaluator(catalog),
//	})
//	state, err := mgr.StartProcess(ctx, order, "order-approval", principal, nil)
//	step, err := mgr.MoveToNextStep(ctx, order, state, principal, "approved by reviewer")
package process

import (
	"time"
)

// TransitionType distinguishes engine-driven from user-driven transitions.
type TransitionType string

const (
	// TransitionAutomatic marks a transition taken by the engine itself,
	// without a discrete human action.
	TransitionAutomatic TransitionType = "Automatic"

	// TransitionManual marks a transition triggered by a user request.
	TransitionManual TransitionType = "Manual"
)

// ProcessStatus is the lifecycle status of a process instance.
type ProcessStatus string

const (
	StatusProcessing ProcessStatus = "Processing"
	StatusPending    ProcessStatus = "Pending"
	StatusFinished   ProcessStatus = "Finished"
)

// RecurrencePolicy governs whether a new process instance may be started for
// an object that already has (or had) one. Enforced at start time only.
type RecurrencePolicy string

const (
	// NonRecurring rejects a new start when any instance exists for the
	// (object, workflow) pair, finished or not.
	NonRecurring RecurrencePolicy = "NonRecurring"

	// NonConcurrentRecurring rejects a new start only while a non-finished
	// instance exists.
	NonConcurrentRecurring RecurrencePolicy = "NonConcurrentRecurring"

	// Recurring never rejects.
	Recurring RecurrencePolicy = "Recurring"
)

// WorkflowKind is the kind of a workflow definition. The engine only starts
// workflows of KindAutomation.
type WorkflowKind string

const (
	KindAutomation WorkflowKind = "Automation"
	KindApproval   WorkflowKind = "Approval"
)

// Action names a permission-gated operation on a process.
type Action string

const (
	// ActionStartProcess is never consulted by the engine itself, since the
	// start step is always permitted; it exists for caller-side
	// CheckStepPermissions queries before starting.
	ActionStartProcess Action = "StartProcess"

	ActionMoveToNextStep     Action = "MoveToNextStep"
	ActionMoveToPreviousStep Action = "MoveToPreviousStep"
	ActionMoveToSpecificStep Action = "MoveToSpecificStep"

	// ActionRemoveProcess is likewise a caller-side check: RemoveProcess
	// carries no acting principal and is treated as administrative.
	ActionRemoveProcess Action = "RemoveProcess"
)

// Workflow is the definition header of one workflow graph.
type Workflow struct {
	ID         string           `json:"id" yaml:"id"`
	Name       string           `json:"name" yaml:"name"`
	Kind       WorkflowKind     `json:"kind" yaml:"kind"`
	Enabled    bool             `json:"enabled" yaml:"enabled"`
	Recurrence RecurrencePolicy `json:"recurrence" yaml:"recurrence"`
}

// Step is a node in a workflow graph. Steps are immutable once loaded for a
// given transition; they are supplied by a StepRepository.
type Step struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"displayName" yaml:"displayName"`
	WorkflowID  string `json:"workflowId" yaml:"workflowId"`

	// IsStart marks the workflow's designated entry step.
	IsStart bool `json:"isStart,omitempty" yaml:"isStart,omitempty"`

	// IsFinished marks the workflow's terminal step.
	IsFinished bool `json:"isFinished,omitempty" yaml:"isFinished,omitempty"`

	// IsAction marks an unattended step that runs custom work; such a step
	// is never user-approvable and only the engine may leave it.
	IsAction bool `json:"isAction,omitempty" yaml:"isAction,omitempty"`

	// AllowOnlyAutomaticTransitions forces every transition leaving this
	// step to be recorded as Automatic regardless of what the caller
	// requested.
	AllowOnlyAutomaticTransitions bool `json:"allowOnlyAutomaticTransitions,omitempty" yaml:"allowOnlyAutomaticTransitions,omitempty"`

	// AllowReject permits backward navigation away from this step.
	AllowReject bool `json:"allowReject,omitempty" yaml:"allowReject,omitempty"`
}

// Transition is a directed, conditionally guarded edge between two steps.
type Transition struct {
	ID         string `json:"id" yaml:"id"`
	FromStepID string `json:"from" yaml:"from"`
	ToStepID   string `json:"to" yaml:"to"`

	// Condition references a guard evaluated by the ConditionEvaluator.
	// An empty condition always holds.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// SourcePointID disambiguates outgoing edges of steps with multiple
	// exit points.
	SourcePointID string `json:"sourcePoint,omitempty" yaml:"sourcePoint,omitempty"`

	Type TransitionType `json:"type" yaml:"type"`
}

// ProcessState is the persisted record of one object's position within one
// workflow instance. There is at most one active state per (object, workflow)
// pair when the workflow's recurrence policy demands it.
type ProcessState struct {
	ID          string        `json:"id"`
	SubjectType string        `json:"subjectType"`
	SubjectID   string        `json:"subjectId"`
	WorkflowID  string        `json:"workflowId"`
	CurrentStep string        `json:"currentStep"`
	Status      ProcessStatus `json:"status"`

	// ActionStatus is free-form progress text written by long-running
	// action steps.
	ActionStatus string `json:"actionStatus,omitempty"`

	// Data seeds the condition evaluation context, e.g. the trigger
	// payload the process was started with.
	Data map[string]any `json:"data,omitempty"`

	OwnerID   string    `json:"ownerId"`
	SiteID    string    `json:"siteId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StepSnapshot captures the identifying fields of a step at transition time,
// so history stays readable after the graph is re-authored.
type StepSnapshot struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	IsStart     bool   `json:"isStart,omitempty"`
	IsFinished  bool   `json:"isFinished,omitempty"`
	IsAction    bool   `json:"isAction,omitempty"`
}

// SnapshotOf copies the history-relevant fields of a step.
func SnapshotOf(s *Step) StepSnapshot {
	if s == nil {
		return StepSnapshot{}
	}
	return StepSnapshot{
		ID:          s.ID,
		Name:        s.Name,
		DisplayName: s.DisplayName,
		IsStart:     s.IsStart,
		IsFinished:  s.IsFinished,
		IsAction:    s.IsAction,
	}
}

// HistoryRecord is an append-only audit row describing one executed (or
// reverted) transition. Records are never updated except to flip Rejected to
// true, and never deleted by the engine.
type HistoryRecord struct {
	// ID is assigned by the HistoryRepository on append and is monotonic
	// per repository.
	ID int64 `json:"id"`

	StateID string       `json:"stateId"`
	From    StepSnapshot `json:"from"`
	To      StepSnapshot `json:"to"`

	ActorID   string         `json:"actorId"`
	Timestamp time.Time      `json:"timestamp"`
	Comment   string         `json:"comment,omitempty"`
	Type      TransitionType `json:"type"`

	// WasRejected means this record's target was reached via backward
	// navigation.
	WasRejected bool `json:"wasRejected,omitempty"`

	// Rejected means a later backward navigation has used this record up;
	// it no longer qualifies as a "previous step" pointer.
	Rejected bool `json:"rejected,omitempty"`
}

// Subject is the business object under automation. The engine never loads or
// saves the object itself; it only needs a stable identity and site scope.
type Subject interface {
	// SubjectType names the object's type, e.g. "order".
	SubjectType() string

	// SubjectID is the object's identifier, unique within its type.
	SubjectID() string

	// SiteScope is the site the object belongs to; empty when the
	// application is not multi-site.
	SiteScope() string
}

// Principal identifies the acting user for a call. There is no ambient
// current-user context; every operation takes the principal explicitly.
type Principal struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Admin bool     `json:"admin,omitempty"`
}

// User is a member of the set returned by UsersWhoCanMove.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// ApproverFilter selects which groups GetUsersWhoCanMove merges.
type ApproverFilter struct {
	IncludeApprovers      bool
	IncludeManagers       bool
	IncludeAdministrators bool
}

// EvalContext is the context handed to the ConditionEvaluator when deciding
// which outgoing transitions currently hold.
type EvalContext struct {
	Subject Subject
	State   *ProcessState

	// PreviousStep is the step the process is leaving; exposed so e.g.
	// notification templates can reference the originating step.
	PreviousStep *Step

	Data map[string]any
}

// TransitionEvent is delivered to transition listeners after a transition has
// been committed.
type TransitionEvent struct {
	StateID     string         `json:"stateId"`
	WorkflowID  string         `json:"workflowId"`
	SubjectType string         `json:"subjectType"`
	SubjectID   string         `json:"subjectId"`
	From        StepSnapshot   `json:"from"`
	To          StepSnapshot   `json:"to"`
	Type        TransitionType `json:"type"`
	ActorID     string         `json:"actorId"`
	Backward    bool           `json:"backward,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// TransitionListener observes committed transitions.
type TransitionListener func(ev TransitionEvent)

// StartResult is the per-object outcome of a batch start. A recurrence
// rejection removes only the offending object from the batch; the rest
// proceed.
type StartResult struct {
	Subject Subject
	State   *ProcessState
	Err     error
}
