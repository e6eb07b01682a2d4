package process

import (
	"context"
	"time"
)

// MetricsRecorder receives engine measurements. pkg/metrics provides a
// Prometheus-backed implementation; a nil recorder disables recording.
type MetricsRecorder interface {
	RecordTransition(workflowID string, ttype TransitionType, backward bool)
	RecordChainHops(workflowID string, hops int)
	RecordStart(workflowID string, outcome string)
	RecordError(code ErrorCode)
	ObserveLockWait(d time.Duration)
}

// engine holds the transition algorithms: forward and backward navigation,
// transition mechanics, and the bounded automatic-advancement chain. The
// Manager facade validates input and serializes calls before delegating here.
type engine struct {
	steps       StepRepository
	store       Store
	conditions  ConditionEvaluator
	permissions PermissionOracle
	actions     ActionRunner
	logger      Logger
	metrics     MetricsRecorder
	notify      func(ev TransitionEvent)
	maxHops     int
	permsOff    bool
}

// consumeRange is an id range of history records a backward navigation uses
// up; the records are flagged Rejected in the same transaction as the move.
type consumeRange struct {
	from int64
	to   int64
}

func (e *engine) mustStep(ctx context.Context, id string) (*Step, error) {
	step, err := e.steps.GetStep(ctx, id)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, newError(ErrCodeInvalidState, "step %s not found", id)
	}
	return step, nil
}

// permissionsDisabled reports whether checks are off for this call, either
// globally or via WithPermissionChecksDisabled on the context.
func (e *engine) permissionsDisabled(ctx context.Context) bool {
	return e.permsOff || permChecksDisabled(ctx)
}

// checkStepPermissions decides whether principal may perform action on the
// process while it sits at cur. The start step is always permitted; a pure
// action step is never permitted for direct specific-step moves, since only
// the engine itself may leave it.
func (e *engine) checkStepPermissions(ctx context.Context, subject Subject, state *ProcessState, cur *Step, action Action, principal Principal) (bool, error) {
	if e.permissionsDisabled(ctx) {
		return true, nil
	}
	if cur.IsStart {
		return true, nil
	}
	if cur.IsAction && action == ActionMoveToSpecificStep {
		return false, nil
	}
	return e.permissions.CanPerform(ctx, principal, subject, state, action)
}

// evalOutbound asks the condition evaluator for the outgoing transitions of
// cur whose guards currently hold.
func (e *engine) evalOutbound(ctx context.Context, subject Subject, state *ProcessState, cur *Step, principal Principal) ([]*Transition, error) {
	ec := &EvalContext{
		Subject:      subject,
		State:        state,
		PreviousStep: cur,
		Data:         state.Data,
	}
	return e.conditions.EvaluateOutbound(ctx, cur, principal, subject.SiteScope(), ec)
}

// countHop increments the per-call hop counter and fails once the chain of
// automatic transitions exceeds the configured bound.
func (e *engine) countHop(hops *int, state *ProcessState) error {
	*hops++
	if *hops > e.maxHops {
		if e.metrics != nil {
			e.metrics.RecordError(ErrCodeCycleDetected)
		}
		return newError(ErrCodeCycleDetected,
			"automatic transition chain exceeded %d hops in workflow %s", e.maxHops, state.WorkflowID)
	}
	return nil
}

// performTransition applies one transition as a unit: the state mutation and
// the history append commit or roll back together. consume, when non-nil,
// flags the given history range Rejected inside the same transaction. After
// commit the target step's actions run synchronously; their failure is
// surfaced but the committed transition stands.
func (e *engine) performTransition(ctx context.Context, subject Subject, state *ProcessState, from, to *Step, principal Principal, reqType TransitionType, comment string, backward bool, consume *consumeRange) error {
	recType := reqType
	if from.AllowOnlyAutomaticTransitions {
		recType = TransitionAutomatic
	}

	status := StatusProcessing
	switch {
	case backward:
		status = StatusPending
	case to.IsFinished:
		status = StatusFinished
	}

	now := time.Now()
	updated := *state
	updated.CurrentStep = to.ID
	updated.Status = status
	updated.UpdatedAt = now

	rec := &HistoryRecord{
		StateID:     state.ID,
		From:        SnapshotOf(from),
		To:          SnapshotOf(to),
		ActorID:     principal.ID,
		Timestamp:   now,
		Comment:     comment,
		Type:        recType,
		WasRejected: backward,
		Rejected:    backward,
	}

	err := e.store.WithinTx(ctx, func(tx Store) error {
		if err := tx.States().Update(ctx, &updated); err != nil {
			return err
		}
		if consume != nil {
			if err := tx.History().MarkRejected(ctx, consume.from, consume.to, state.ID); err != nil {
				return err
			}
		}
		return tx.History().Append(ctx, rec)
	})
	if err != nil {
		return err
	}
	*state = updated

	if e.metrics != nil {
		e.metrics.RecordTransition(state.WorkflowID, recType, backward)
	}
	if e.notify != nil {
		e.notify(TransitionEvent{
			StateID:     state.ID,
			WorkflowID:  state.WorkflowID,
			SubjectType: subject.SubjectType(),
			SubjectID:   subject.SubjectID(),
			From:        rec.From,
			To:          rec.To,
			Type:        recType,
			ActorID:     principal.ID,
			Backward:    backward,
			Timestamp:   now,
		})
	}
	e.logger.Debugf("process %s moved %s -> %s (%s)", state.ID, from.ID, to.ID, recType)

	if e.actions != nil {
		if aerr := e.actions.RunStepActions(ctx, to, state, subject); aerr != nil {
			e.logger.Errorf("step %s action failed after committed transition: %v", to.ID, aerr)
			if e.metrics != nil {
				e.metrics.RecordError(ErrCodeActionFailed)
			}
			return wrapError(ErrCodeActionFailed, aerr, "step %s action failed", to.ID)
		}
	}
	return nil
}

// moveNext advances the process along the single outgoing transition whose
// guard currently holds. Zero or multiple candidates is not an error: the
// process stays put so partially authored or intentionally gated graphs
// behave predictably. After the move the automatic chain continues as far as
// unambiguous paths allow.
func (e *engine) moveNext(ctx context.Context, subject Subject, state *ProcessState, principal Principal, comment string, reqType TransitionType, hops *int) (*Step, error) {
	cur, err := e.mustStep(ctx, state.CurrentStep)
	if err != nil {
		return nil, err
	}
	if cur.IsFinished {
		// Terminal state is idempotent.
		return cur, nil
	}

	cands, err := e.evalOutbound(ctx, subject, state, cur, principal)
	if err != nil {
		return nil, err
	}
	if len(cands) != 1 {
		e.logger.Debugf("process %s stays at %s: %d eligible transitions", state.ID, cur.ID, len(cands))
		return cur, nil
	}

	allowed, err := e.checkStepPermissions(ctx, subject, state, cur, ActionMoveToNextStep, principal)
	if err != nil {
		return nil, err
	}
	if !allowed {
		if e.metrics != nil {
			e.metrics.RecordError(ErrCodePermissionDenied)
		}
		return nil, newError(ErrCodePermissionDenied, "principal %s may not move process %s to the next step", principal.ID, state.ID)
	}

	to, err := e.mustStep(ctx, cands[0].ToStepID)
	if err != nil {
		return nil, err
	}
	if reqType == TransitionAutomatic {
		if err := e.countHop(hops, state); err != nil {
			return cur, err
		}
	}
	if err := e.performTransition(ctx, subject, state, cur, to, principal, reqType, comment, false, nil); err != nil {
		return to, err
	}

	return e.advanceChain(ctx, subject, state, principal, hops)
}

// advanceChain moves the process forward through unambiguous automatic
// follow-on transitions until no single candidate remains, the finished step
// is reached, or the hop limit trips.
func (e *engine) advanceChain(ctx context.Context, subject Subject, state *ProcessState, principal Principal, hops *int) (*Step, error) {
	start := *hops
	for {
		cur, err := e.mustStep(ctx, state.CurrentStep)
		if err != nil {
			return nil, err
		}
		if cur.IsFinished {
			e.recordChain(state, *hops-start)
			return cur, nil
		}

		cands, err := e.evalOutbound(ctx, subject, state, cur, principal)
		if err != nil {
			return nil, err
		}
		if len(cands) != 1 {
			e.recordChain(state, *hops-start)
			return cur, nil
		}

		if err := e.countHop(hops, state); err != nil {
			return cur, err
		}

		to, err := e.mustStep(ctx, cands[0].ToStepID)
		if err != nil {
			return nil, err
		}
		if err := e.performTransition(ctx, subject, state, cur, to, principal, TransitionAutomatic, "", false, nil); err != nil {
			return to, err
		}
	}
}

func (e *engine) recordChain(state *ProcessState, hops int) {
	if e.metrics != nil && hops > 0 {
		e.metrics.RecordChainHops(state.WorkflowID, hops)
	}
}

// moveSpecific transitions directly to the caller-supplied target step. The
// target is authoritative; conditions are not re-evaluated for this hop, but
// the automatic-advancement pass still follows.
func (e *engine) moveSpecific(ctx context.Context, subject Subject, state *ProcessState, target *Step, principal Principal, comment string, permAction Action, hops *int) (*Step, error) {
	cur, err := e.mustStep(ctx, state.CurrentStep)
	if err != nil {
		return nil, err
	}

	allowed, err := e.checkStepPermissions(ctx, subject, state, cur, permAction, principal)
	if err != nil {
		return nil, err
	}
	if !allowed {
		if e.metrics != nil {
			e.metrics.RecordError(ErrCodePermissionDenied)
		}
		return nil, newError(ErrCodePermissionDenied, "principal %s may not move process %s to step %s", principal.ID, state.ID, target.ID)
	}

	if err := e.performTransition(ctx, subject, state, cur, target, principal, TransitionManual, comment, false, nil); err != nil {
		return target, err
	}

	return e.advanceChain(ctx, subject, state, principal, hops)
}

// movePrevious navigates backward. The previous step is reconstructed from
// history rather than a stored pointer; the consumed history records are
// flagged Rejected so a later backward navigation cannot reuse them. The move
// is permission-gated once a previous step resolves. The
// landed step's actions run, but no automatic advancement follows a backward
// move.
func (e *engine) movePrevious(ctx context.Context, subject Subject, state *ProcessState, principal Principal, comment string) (*Step, error) {
	cur, err := e.mustStep(ctx, state.CurrentStep)
	if err != nil {
		return nil, err
	}
	if !cur.AllowReject {
		return cur, nil
	}

	prev, consume, err := e.findPrevious(ctx, cur, state)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return cur, nil
	}

	allowed, err := e.checkStepPermissions(ctx, subject, state, cur, ActionMoveToPreviousStep, principal)
	if err != nil {
		return nil, err
	}
	if !allowed {
		if e.metrics != nil {
			e.metrics.RecordError(ErrCodePermissionDenied)
		}
		return nil, newError(ErrCodePermissionDenied, "principal %s may not move process %s to the previous step", principal.ID, state.ID)
	}

	if err := e.performTransition(ctx, subject, state, cur, prev, principal, TransitionManual, comment, true, consume); err != nil {
		return prev, err
	}
	return prev, nil
}
