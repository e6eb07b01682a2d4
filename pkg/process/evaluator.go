package process

import (
	"context"
	"sync"
)

// GuardFunc evaluates one named condition against a process context.
type GuardFunc func(ctx context.Context, ec *EvalContext) (bool, error)

// FuncEvaluator is a ConditionEvaluator backed by a registry of named guard
// functions. A transition with an empty condition always holds; a transition
// referencing an unregistered guard never holds. Result order follows the
// stored transition order.
type FuncEvaluator struct {
	steps  StepRepository
	guards map[string]GuardFunc
	logger Logger
	mu     sync.RWMutex
}

// NewFuncEvaluator creates a guard-registry evaluator reading outbound
// transitions from steps.
func NewFuncEvaluator(steps StepRepository) *FuncEvaluator {
	return &FuncEvaluator{
		steps:  steps,
		guards: make(map[string]GuardFunc),
		logger: NewDefaultLogger(),
	}
}

// RegisterGuard registers a guard function under name.
func (e *FuncEvaluator) RegisterGuard(name string, guard GuardFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guards[name] = guard
}

// EvaluateOutbound implements ConditionEvaluator.
func (e *FuncEvaluator) EvaluateOutbound(ctx context.Context, step *Step, principal Principal, siteScope string, ec *EvalContext) ([]*Transition, error) {
	outbound, err := e.steps.GetOutboundTransitions(ctx, step)
	if err != nil {
		return nil, err
	}

	result := make([]*Transition, 0, len(outbound))
	for _, t := range outbound {
		if t.Condition == "" {
			result = append(result, t)
			continue
		}

		e.mu.RLock()
		guard, ok := e.guards[t.Condition]
		e.mu.RUnlock()
		if !ok {
			e.logger.Warnf("guard %s not registered, transition %s denied", t.Condition, t.ID)
			continue
		}

		hold, err := guard(ctx, ec)
		if err != nil {
			return nil, err
		}
		if hold {
			result = append(result, t)
		}
	}

	return result, nil
}

// AllowAllOracle is a PermissionOracle that permits everything and knows no
// users. It is the default when no oracle is configured.
type AllowAllOracle struct{}

func (AllowAllOracle) CanPerform(ctx context.Context, principal Principal, subject Subject, state *ProcessState, action Action) (bool, error) {
	return true, nil
}

func (AllowAllOracle) UsersWhoCanApprove(ctx context.Context, step *Step, sourcePointID, siteScope string) ([]User, error) {
	return nil, nil
}

func (AllowAllOracle) UsersWithManagePermission(ctx context.Context, subject Subject, siteScope string) ([]User, error) {
	return nil, nil
}

func (AllowAllOracle) Administrators(ctx context.Context, siteScope string) ([]User, error) {
	return nil, nil
}

// ActionRunnerFunc adapts a function to the ActionRunner interface.
type ActionRunnerFunc func(ctx context.Context, step *Step, state *ProcessState, subject Subject) error

func (f ActionRunnerFunc) RunStepActions(ctx context.Context, step *Step, state *ProcessState, subject Subject) error {
	return f(ctx, step, state, subject)
}
