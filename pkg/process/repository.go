package process

import (
	"context"
)

// TransitionFilter narrows inbound-transition lookups.
type TransitionFilter struct {
	// Type restricts results to one transition type when non-empty.
	Type TransitionType
}

// StepRepository resolves workflow graph structure. Implementations must
// return (nil, nil) when the requested step does not exist.
type StepRepository interface {
	GetStep(ctx context.Context, id string) (*Step, error)
	GetFirstStep(ctx context.Context, workflowID string) (*Step, error)
	GetFinishedStep(ctx context.Context, workflowID string) (*Step, error)
	GetInboundTransitions(ctx context.Context, step *Step, filter TransitionFilter) ([]*Transition, error)
	GetOutboundTransitions(ctx context.Context, step *Step) ([]*Transition, error)
}

// WorkflowRepository resolves workflow definition headers. Returns (nil, nil)
// when the workflow does not exist.
type WorkflowRepository interface {
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
}

// StateRepository persists process states.
type StateRepository interface {
	Insert(ctx context.Context, state *ProcessState) error
	InsertBatch(ctx context.Context, states []*ProcessState) error
	Update(ctx context.Context, state *ProcessState) error
	Delete(ctx context.Context, stateID string) error
	Get(ctx context.Context, stateID string) (*ProcessState, error)

	// GetBySubject returns all states, finished included, for one
	// (object, workflow) pair. Used by the recurrence check.
	GetBySubject(ctx context.Context, subjectType, subjectID, workflowID string) ([]*ProcessState, error)
}

// HistoryRepository persists the append-only audit trail. Record ids are
// assigned on append and are monotonic per repository.
type HistoryRepository interface {
	Append(ctx context.Context, rec *HistoryRecord) error

	// GetLastRecordTargeting returns the most recent non-rejected record
	// whose target is stepID, scoped to stateID; (nil, nil) when none.
	GetLastRecordTargeting(ctx context.Context, stepID, stateID string) (*HistoryRecord, error)

	// GetLastRecordFromStart returns the most recent record whose source
	// step is the workflow's start step; (nil, nil) when none.
	GetLastRecordFromStart(ctx context.Context, stateID string) (*HistoryRecord, error)

	// GetRecordsBetween returns records with startID <= id <= endID for
	// stateID, newest first, at most limit (0 means no limit).
	GetRecordsBetween(ctx context.Context, startID, endID int64, stateID string, limit int) ([]*HistoryRecord, error)

	// MarkRejected flips Rejected on every record of stateID with
	// recordID <= id <= upToRecordID.
	MarkRejected(ctx context.Context, recordID, upToRecordID int64, stateID string) error
}

// Store groups state and history persistence behind one transactional
// boundary. WithinTx runs fn against a transactional view; the state mutation
// and history append of a transition either both commit or both roll back.
type Store interface {
	States() StateRepository
	History() HistoryRepository
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// ConditionEvaluator decides which outgoing transitions of a step currently
// hold. Order follows the stored transition order.
type ConditionEvaluator interface {
	EvaluateOutbound(ctx context.Context, step *Step, principal Principal, siteScope string, ec *EvalContext) ([]*Transition, error)
}

// PermissionOracle answers authorization questions for the engine.
type PermissionOracle interface {
	CanPerform(ctx context.Context, principal Principal, subject Subject, state *ProcessState, action Action) (bool, error)
	UsersWhoCanApprove(ctx context.Context, step *Step, sourcePointID, siteScope string) ([]User, error)
	UsersWithManagePermission(ctx context.Context, subject Subject, siteScope string) ([]User, error)
	Administrators(ctx context.Context, siteScope string) ([]User, error)
}

// ActionRunner executes a step's associated action after the transition into
// it has committed, e.g. sending mail or running custom code. A failure is
// surfaced to the caller but never rolls the transition back.
type ActionRunner interface {
	RunStepActions(ctx context.Context, step *Step, state *ProcessState, subject Subject) error
}
