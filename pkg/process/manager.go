package process

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fluxorio/stepflow/pkg/worker"
)

// ManagerConfig wires the Manager's collaborators. Steps, Workflows, Store
// and Conditions are required; the rest default to safe implementations.
type ManagerConfig struct {
	Steps      StepRepository
	Workflows  WorkflowRepository
	Store      Store
	Conditions ConditionEvaluator

	// Permissions defaults to AllowAllOracle.
	Permissions PermissionOracle

	// Actions runs a step's associated work after the transition into it
	// commits. Nil disables step actions.
	Actions ActionRunner

	Logger  Logger
	Tracer  trace.Tracer
	Metrics MetricsRecorder

	Config Config
}

// Manager is the public facade of the process engine. Every state-mutating
// operation acquires an exclusive lock keyed by the business object's
// identity before doing any work, so concurrent transition attempts against
// the same object are serialized; read-only queries do not take the lock.
type Manager struct {
	eng       *engine
	workflows WorkflowRepository
	steps     StepRepository
	store     Store
	locks     *lockTable
	logger    Logger
	tracer    trace.Tracer
	metrics   MetricsRecorder
	cfg       Config
	pool      *worker.Pool

	listenerMu sync.RWMutex
	listeners  []TransitionListener
}

// NewManager validates cfg and creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Steps == nil {
		return nil, newError(ErrCodeInvalidState, "ManagerConfig.Steps is required")
	}
	if cfg.Workflows == nil {
		return nil, newError(ErrCodeInvalidState, "ManagerConfig.Workflows is required")
	}
	if cfg.Store == nil {
		return nil, newError(ErrCodeInvalidState, "ManagerConfig.Store is required")
	}
	if cfg.Conditions == nil {
		return nil, newError(ErrCodeInvalidState, "ManagerConfig.Conditions is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	perms := cfg.Permissions
	if perms == nil {
		perms = AllowAllOracle{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("stepflow")
	}
	conf := cfg.Config.withDefaults()

	m := &Manager{
		workflows: cfg.Workflows,
		steps:     cfg.Steps,
		store:     cfg.Store,
		locks:     newLockTable(),
		logger:    logger,
		tracer:    tracer,
		metrics:   cfg.Metrics,
		cfg:       conf,
	}
	m.eng = &engine{
		steps:       cfg.Steps,
		store:       cfg.Store,
		conditions:  cfg.Conditions,
		permissions: perms,
		actions:     cfg.Actions,
		logger:      logger,
		metrics:     cfg.Metrics,
		notify:      m.notifyListeners,
		maxHops:     conf.MaxHops,
		permsOff:    conf.DisablePermissions,
	}
	if conf.BatchWorkers > 0 {
		m.pool = worker.NewPool(conf.BatchWorkers, conf.BatchQueue)
	}
	return m, nil
}

// Close releases the batch worker pool, if any.
func (m *Manager) Close() {
	if m.pool != nil {
		m.pool.Stop()
	}
}

// AddTransitionListener registers a listener notified after every committed
// transition. Listeners run on their own goroutine and may not block the
// engine.
func (m *Manager) AddTransitionListener(l TransitionListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notifyListeners(ev TransitionEvent) {
	m.listenerMu.RLock()
	listeners := make([]TransitionListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()

	for _, l := range listeners {
		go func(l TransitionListener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Errorf("transition listener panicked: %v", r)
				}
			}()
			l(ev)
		}(l)
	}
}

type permSkipKey struct{}

// WithPermissionChecksDisabled returns a context under which the engine skips
// every permission check. Intended for trusted system callers.
func WithPermissionChecksDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, permSkipKey{}, true)
}

func permChecksDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(permSkipKey{}).(bool)
	return v
}

func (m *Manager) lockSubject(subject Subject) func() {
	t0 := time.Now()
	release := m.locks.Acquire(subjectKey(subject))
	if m.metrics != nil {
		m.metrics.ObserveLockWait(time.Since(t0))
	}
	return release
}

// refreshState replaces the caller's state copy with the stored row, read
// inside the subject lock. Callers routinely hold independently loaded copies
// of the same process; whichever committed last is authoritative, and running
// the engine against a stale copy would re-apply a transition that already
// happened. A state absent from the store keeps the caller's copy.
func (m *Manager) refreshState(ctx context.Context, state *ProcessState) error {
	stored, err := m.store.States().Get(ctx, state.ID)
	if err != nil {
		return err
	}
	if stored != nil {
		*state = *stored
	}
	return nil
}

func (m *Manager) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func validateSubject(subject Subject) error {
	if subject == nil {
		return newError(ErrCodeInvalidState, "subject is required")
	}
	return nil
}

func validateArgs(subject Subject, state *ProcessState) error {
	if err := validateSubject(subject); err != nil {
		return err
	}
	if state == nil {
		return newError(ErrCodeInvalidState, "process state is required")
	}
	return nil
}

// resolveStartable checks that the workflow exists, is of the automation kind
// and enabled, and that its recurrence policy admits a new instance for
// subject.
func (m *Manager) resolveStartable(ctx context.Context, subject Subject, workflowID string) (*Workflow, error) {
	wf, err := m.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, newError(ErrCodeProcessDisabled, "workflow %s not found", workflowID)
	}
	if wf.Kind != KindAutomation {
		return nil, newError(ErrCodeProcessDisabled, "workflow %s is not an automation workflow", workflowID)
	}
	if !wf.Enabled {
		return nil, newError(ErrCodeProcessDisabled, "workflow %s is disabled", workflowID)
	}
	if err := m.checkRecurrence(ctx, subject, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// checkRecurrence enforces the workflow's recurrence policy. It runs at start
// time only; the invariant is not re-checked continuously.
func (m *Manager) checkRecurrence(ctx context.Context, subject Subject, wf *Workflow) error {
	if wf.Recurrence == Recurring {
		return nil
	}

	existing, err := m.store.States().GetBySubject(ctx, subject.SubjectType(), subject.SubjectID(), wf.ID)
	if err != nil {
		return err
	}

	switch wf.Recurrence {
	case NonConcurrentRecurring:
		for _, st := range existing {
			if st.Status != StatusFinished {
				return newError(ErrCodeRecurrence,
					"workflow %s already running for %s/%s", wf.ID, subject.SubjectType(), subject.SubjectID())
			}
		}
	default:
		// NonRecurring (and any unknown policy, conservatively): one
		// instance ever, finished or not.
		if len(existing) > 0 {
			return newError(ErrCodeRecurrence,
				"workflow %s already started for %s/%s", wf.ID, subject.SubjectType(), subject.SubjectID())
		}
	}
	return nil
}

func (m *Manager) newState(subject Subject, wf *Workflow, first *Step, principal Principal, trigger map[string]any) *ProcessState {
	now := time.Now()
	var data map[string]any
	if len(trigger) > 0 {
		data = make(map[string]any, len(trigger))
		for k, v := range trigger {
			data[k] = v
		}
	}
	return &ProcessState{
		ID:          uuid.New().String(),
		SubjectType: subject.SubjectType(),
		SubjectID:   subject.SubjectID(),
		WorkflowID:  wf.ID,
		CurrentStep: first.ID,
		Status:      StatusProcessing,
		Data:        data,
		OwnerID:     principal.ID,
		SiteID:      subject.SiteScope(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// StartProcess creates a process instance positioned at the workflow's start
// step and immediately advances it through automatic transitions. A workflow
// without a start step is a no-op and returns (nil, nil). trigger seeds the
// condition evaluation context of the new instance.
func (m *Manager) StartProcess(ctx context.Context, subject Subject, workflowID string, principal Principal, trigger map[string]any) (*ProcessState, error) {
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	ctx, span := m.span(ctx, "stepflow.StartProcess",
		attribute.String("workflow.id", workflowID),
		attribute.String("subject.id", subject.SubjectID()))
	defer span.End()

	wf, err := m.resolveStartable(ctx, subject, workflowID)
	if err != nil {
		if m.metrics != nil {
			if code, ok := CodeOf(err); ok {
				m.metrics.RecordError(code)
			}
		}
		return nil, err
	}

	first, err := m.steps.GetFirstStep(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if first == nil {
		m.logger.Warnf("workflow %s has no start step, nothing to start", workflowID)
		return nil, nil
	}

	state := m.newState(subject, wf, first, principal, trigger)
	if err := m.store.States().Insert(ctx, state); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordStart(wf.ID, "started")
	}
	m.logger.Infof("started process %s (workflow %s) for %s/%s", state.ID, wf.ID, state.SubjectType, state.SubjectID)

	release := m.lockSubject(subject)
	defer release()

	hops := 0
	if _, err := m.eng.moveNext(ctx, subject, state, principal, "", TransitionAutomatic, &hops); err != nil {
		return state, err
	}
	return state, nil
}

// StartProcesses starts many objects against the same workflow: one bulk
// insert, then per-object automatic advancement. An object whose recurrence
// check fails is reported in its StartResult and removed from the batch; the
// rest proceed. Only a missing, disabled or wrong-kind workflow fails the
// whole call.
func (m *Manager) StartProcesses(ctx context.Context, subjects []Subject, workflowID string, principal Principal, trigger map[string]any) ([]StartResult, error) {
	ctx, span := m.span(ctx, "stepflow.StartProcesses",
		attribute.String("workflow.id", workflowID),
		attribute.Int("batch.size", len(subjects)))
	defer span.End()

	wf, err := m.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, newError(ErrCodeProcessDisabled, "workflow %s not found", workflowID)
	}
	if wf.Kind != KindAutomation {
		return nil, newError(ErrCodeProcessDisabled, "workflow %s is not an automation workflow", workflowID)
	}
	if !wf.Enabled {
		return nil, newError(ErrCodeProcessDisabled, "workflow %s is disabled", workflowID)
	}

	first, err := m.steps.GetFirstStep(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	results := make([]StartResult, len(subjects))
	batch := make([]*ProcessState, 0, len(subjects))
	for i, subject := range subjects {
		results[i].Subject = subject
		if subject == nil {
			results[i].Err = newError(ErrCodeInvalidState, "subject is required")
			continue
		}
		if first == nil {
			// No start step: starting is a no-op for every object.
			continue
		}
		if err := m.checkRecurrence(ctx, subject, wf); err != nil {
			results[i].Err = err
			if m.metrics != nil {
				m.metrics.RecordStart(wf.ID, "recurrence_rejected")
			}
			continue
		}
		state := m.newState(subject, wf, first, principal, trigger)
		results[i].State = state
		batch = append(batch, state)
	}

	if len(batch) == 0 {
		return results, nil
	}
	if err := m.store.States().InsertBatch(ctx, batch); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordStart(wf.ID, "started")
	}

	advance := func(i int) func(context.Context) error {
		return func(ctx context.Context) error {
			subject := results[i].Subject
			release := m.lockSubject(subject)
			defer release()

			hops := 0
			_, err := m.eng.moveNext(ctx, subject, results[i].State, principal, "", TransitionAutomatic, &hops)
			return err
		}
	}

	if m.pool != nil {
		waits := make(map[int]<-chan error, len(results))
		for i := range results {
			if results[i].State == nil || results[i].Err != nil {
				continue
			}
			waits[i] = m.pool.Submit(ctx, advance(i))
		}
		for i, ch := range waits {
			if err := <-ch; err != nil {
				results[i].Err = err
			}
		}
		return results, nil
	}

	for i := range results {
		if results[i].State == nil || results[i].Err != nil {
			continue
		}
		if err := advance(i)(ctx); err != nil {
			results[i].Err = err
		}
	}
	return results, nil
}

// RemoveProcess deletes the process state only; history rows are retained for
// audit. A finished process stays queryable until explicitly removed this
// way.
func (m *Manager) RemoveProcess(ctx context.Context, subject Subject, state *ProcessState) error {
	if err := validateArgs(subject, state); err != nil {
		return err
	}
	ctx, span := m.span(ctx, "stepflow.RemoveProcess", attribute.String("process.id", state.ID))
	defer span.End()

	release := m.lockSubject(subject)
	defer release()

	if err := m.store.States().Delete(ctx, state.ID); err != nil {
		return err
	}
	m.logger.Infof("removed process %s for %s/%s", state.ID, state.SubjectType, state.SubjectID)
	return nil
}

// MoveToNextStep advances the process along the single outgoing transition
// whose guard currently holds, then chains automatic follow-ons. Zero or
// multiple eligible transitions leaves the process where it is.
func (m *Manager) MoveToNextStep(ctx context.Context, subject Subject, state *ProcessState, principal Principal, comment string) (*Step, error) {
	if err := validateArgs(subject, state); err != nil {
		return nil, err
	}
	ctx, span := m.span(ctx, "stepflow.MoveToNextStep", attribute.String("process.id", state.ID))
	defer span.End()

	release := m.lockSubject(subject)
	defer release()
	if err := m.refreshState(ctx, state); err != nil {
		return nil, err
	}

	hops := 0
	return m.eng.moveNext(ctx, subject, state, principal, comment, TransitionManual, &hops)
}

// MoveToPreviousStep navigates backward using the audit trail; see
// GetPreviousStepInfo for the lookup rules. The consumed history records are
// permanently disqualified from later backward navigations. No automatic
// advancement follows a backward move.
func (m *Manager) MoveToPreviousStep(ctx context.Context, subject Subject, state *ProcessState, principal Principal, comment string) (*Step, error) {
	if err := validateArgs(subject, state); err != nil {
		return nil, err
	}
	ctx, span := m.span(ctx, "stepflow.MoveToPreviousStep", attribute.String("process.id", state.ID))
	defer span.End()

	release := m.lockSubject(subject)
	defer release()
	if err := m.refreshState(ctx, state); err != nil {
		return nil, err
	}

	return m.eng.movePrevious(ctx, subject, state, principal, comment)
}

// MoveToSpecificStep transitions directly to the caller-supplied target step;
// the target is authoritative and conditions are not re-evaluated for this
// hop. Automatic advancement still follows.
func (m *Manager) MoveToSpecificStep(ctx context.Context, subject Subject, state *ProcessState, target *Step, principal Principal, comment string) (*Step, error) {
	return m.moveSpecific(ctx, subject, state, target, principal, comment, ActionMoveToSpecificStep)
}

// MoveToSpecificNextStep is MoveToSpecificStep checked against the
// MoveToNextStep permission action, for callers resolving the next step
// themselves (e.g. a resumed action step).
func (m *Manager) MoveToSpecificNextStep(ctx context.Context, subject Subject, state *ProcessState, target *Step, principal Principal, comment string) (*Step, error) {
	return m.moveSpecific(ctx, subject, state, target, principal, comment, ActionMoveToNextStep)
}

func (m *Manager) moveSpecific(ctx context.Context, subject Subject, state *ProcessState, target *Step, principal Principal, comment string, permAction Action) (*Step, error) {
	if err := validateArgs(subject, state); err != nil {
		return nil, err
	}
	if target == nil {
		return nil, newError(ErrCodeInvalidState, "target step is required")
	}
	ctx, span := m.span(ctx, "stepflow.MoveToSpecificStep",
		attribute.String("process.id", state.ID),
		attribute.String("step.id", target.ID))
	defer span.End()

	release := m.lockSubject(subject)
	defer release()
	if err := m.refreshState(ctx, state); err != nil {
		return nil, err
	}

	hops := 0
	return m.eng.moveSpecific(ctx, subject, state, target, principal, comment, permAction, &hops)
}

// MoveToFirstStep resolves the workflow's start step and moves there
// directly.
func (m *Manager) MoveToFirstStep(ctx context.Context, subject Subject, state *ProcessState, principal Principal, comment string) (*Step, error) {
	if err := validateArgs(subject, state); err != nil {
		return nil, err
	}
	first, err := m.steps.GetFirstStep(ctx, state.WorkflowID)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, newError(ErrCodeInvalidState, "workflow %s has no start step", state.WorkflowID)
	}
	return m.MoveToSpecificStep(ctx, subject, state, first, principal, comment)
}

// MoveToFinishedStep resolves the workflow's finished step and moves there
// directly.
func (m *Manager) MoveToFinishedStep(ctx context.Context, subject Subject, state *ProcessState, principal Principal, comment string) (*Step, error) {
	if err := validateArgs(subject, state); err != nil {
		return nil, err
	}
	finished, err := m.steps.GetFinishedStep(ctx, state.WorkflowID)
	if err != nil {
		return nil, err
	}
	if finished == nil {
		return nil, newError(ErrCodeInvalidState, "workflow %s has no finished step", state.WorkflowID)
	}
	return m.MoveToSpecificStep(ctx, subject, state, finished, principal, comment)
}

// GetFirstStep returns the workflow's designated start step, or nil.
func (m *Manager) GetFirstStep(ctx context.Context, workflowID string) (*Step, error) {
	return m.steps.GetFirstStep(ctx, workflowID)
}

// GetFinishedStep returns the workflow's designated finished step, or nil.
func (m *Manager) GetFinishedStep(ctx context.Context, workflowID string) (*Step, error) {
	return m.steps.GetFinishedStep(ctx, workflowID)
}

// GetProcessWorkflow returns the workflow definition a state belongs to.
func (m *Manager) GetProcessWorkflow(ctx context.Context, state *ProcessState) (*Workflow, error) {
	if state == nil {
		return nil, newError(ErrCodeInvalidState, "process state is required")
	}
	return m.workflows.GetWorkflow(ctx, state.WorkflowID)
}

// GetStepInfo returns the process's current step.
func (m *Manager) GetStepInfo(ctx context.Context, state *ProcessState) (*Step, error) {
	if state == nil {
		return nil, newError(ErrCodeInvalidState, "process state is required")
	}
	return m.eng.mustStep(ctx, state.CurrentStep)
}

// GetPreviousStepInfo resolves the step a backward navigation would land on,
// without consuming any history. Nil when backward navigation is not
// possible.
func (m *Manager) GetPreviousStepInfo(ctx context.Context, subject Subject, state *ProcessState) (*Step, error) {
	if err := validateArgs(subject, state); err != nil {
		return nil, err
	}
	cur, err := m.eng.mustStep(ctx, state.CurrentStep)
	if err != nil {
		return nil, err
	}
	if !cur.AllowReject {
		return nil, nil
	}
	prev, _, err := m.eng.findPrevious(ctx, cur, state)
	return prev, err
}

// GetPreviousSteps returns every candidate prior step reachable by backward
// navigation, derived from the audit trail.
func (m *Manager) GetPreviousSteps(ctx context.Context, subject Subject, state *ProcessState) ([]*Step, error) {
	if err := validateArgs(subject, state); err != nil {
		return nil, err
	}
	cur, err := m.eng.mustStep(ctx, state.CurrentStep)
	if err != nil {
		return nil, err
	}
	return m.eng.previousSteps(ctx, cur, state)
}

// GetNextSteps returns the steps reachable from the current one by
// transitions whose guard conditions currently hold.
func (m *Manager) GetNextSteps(ctx context.Context, subject Subject, state *ProcessState, principal Principal) ([]*Step, error) {
	if err := validateArgs(subject, state); err != nil {
		return nil, err
	}
	cur, err := m.eng.mustStep(ctx, state.CurrentStep)
	if err != nil {
		return nil, err
	}
	cands, err := m.eng.evalOutbound(ctx, subject, state, cur, principal)
	if err != nil {
		return nil, err
	}
	steps := make([]*Step, 0, len(cands))
	seen := make(map[string]bool)
	for _, t := range cands {
		if seen[t.ToStepID] {
			continue
		}
		seen[t.ToStepID] = true
		s, err := m.eng.mustStep(ctx, t.ToStepID)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// SetActionStatus records interim progress text for an in-flight action step
// without altering the step position. Text signalling "running" forces the
// process status to Processing; anything else drops it to Pending, or
// Finished when the process already sits at the finished step.
func (m *Manager) SetActionStatus(ctx context.Context, subject Subject, state *ProcessState, text string) error {
	if err := validateArgs(subject, state); err != nil {
		return err
	}

	release := m.lockSubject(subject)
	defer release()
	if err := m.refreshState(ctx, state); err != nil {
		return err
	}

	cur, err := m.eng.mustStep(ctx, state.CurrentStep)
	if err != nil {
		return err
	}

	status := StatusPending
	switch {
	case isRunningStatus(text):
		status = StatusProcessing
	case cur.IsFinished:
		status = StatusFinished
	}

	updated := *state
	updated.ActionStatus = text
	updated.Status = status
	updated.UpdatedAt = time.Now()
	if err := m.store.States().Update(ctx, &updated); err != nil {
		return err
	}
	*state = updated
	return nil
}

// GetActionStatus returns the action progress text last recorded for the
// process, read from the store.
func (m *Manager) GetActionStatus(ctx context.Context, state *ProcessState) (string, error) {
	if state == nil {
		return "", newError(ErrCodeInvalidState, "process state is required")
	}
	stored, err := m.store.States().Get(ctx, state.ID)
	if err != nil {
		return "", err
	}
	if stored == nil {
		return state.ActionStatus, nil
	}
	return stored.ActionStatus, nil
}

func isRunningStatus(text string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), "running")
}

// CheckStepPermissions reports whether principal may perform action on the
// process at its current step. The start step is always permitted; pure
// action steps are never permitted for direct specific-step moves.
func (m *Manager) CheckStepPermissions(ctx context.Context, subject Subject, state *ProcessState, action Action, principal Principal) (bool, error) {
	if err := validateArgs(subject, state); err != nil {
		return false, err
	}
	cur, err := m.eng.mustStep(ctx, state.CurrentStep)
	if err != nil {
		return false, err
	}
	return m.eng.checkStepPermissions(ctx, subject, state, cur, action, principal)
}

// GetUsersWhoCanMove returns the union of role-assigned approvers for the
// current step, holders of a manage permission on the subject, and global
// administrators, merged by unique user id per the filter.
func (m *Manager) GetUsersWhoCanMove(ctx context.Context, subject Subject, state *ProcessState, filter ApproverFilter) ([]User, error) {
	if err := validateArgs(subject, state); err != nil {
		return nil, err
	}
	cur, err := m.eng.mustStep(ctx, state.CurrentStep)
	if err != nil {
		return nil, err
	}

	site := subject.SiteScope()
	merged := make([]User, 0)
	seen := make(map[string]bool)
	add := func(users []User) {
		for _, u := range users {
			if seen[u.ID] {
				continue
			}
			seen[u.ID] = true
			merged = append(merged, u)
		}
	}

	if filter.IncludeApprovers {
		users, err := m.eng.permissions.UsersWhoCanApprove(ctx, cur, "", site)
		if err != nil {
			return nil, err
		}
		add(users)
	}
	if filter.IncludeManagers {
		users, err := m.eng.permissions.UsersWithManagePermission(ctx, subject, site)
		if err != nil {
			return nil, err
		}
		add(users)
	}
	if filter.IncludeAdministrators {
		users, err := m.eng.permissions.Administrators(ctx, site)
		if err != nil {
			return nil, err
		}
		add(users)
	}
	return merged, nil
}
