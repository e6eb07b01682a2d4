package definition

import (
	"github.com/fluxorio/stepflow/pkg/process"
)

// Builder provides a fluent API for authoring workflow graphs.
//
// Example:
//
//	g, err := definition.NewBuilder("order-approval").
//	    Name("Order approval").
//	    Recurrence(process.NonConcurrentRecurring).
//	    Step("start").Start().
//	        To("review").Automatic().Done().
//	        Done().
//	    Step("review").AllowReject().
//	        To("done").Condition("approved").Done().
//	        Done().
//	    Step("done").Finished().
//	        Done().
//	    Build()
type Builder struct {
	graph   *Graph
	current *StepBuilder
}

// StepBuilder builds a single step and its outgoing transitions.
type StepBuilder struct {
	parent *Builder
	step   *process.Step
}

// TransitionBuilder builds a single outgoing transition.
type TransitionBuilder struct {
	parent     *StepBuilder
	transition *process.Transition
}

// NewBuilder creates a builder for the workflow with the given id. The
// workflow defaults to the automation kind, enabled, recurrence NonRecurring.
func NewBuilder(workflowID string) *Builder {
	return &Builder{
		graph: &Graph{
			Workflow: process.Workflow{
				ID:         workflowID,
				Kind:       process.KindAutomation,
				Enabled:    true,
				Recurrence: process.NonRecurring,
			},
		},
	}
}

// Name sets the workflow display name.
func (b *Builder) Name(name string) *Builder {
	b.graph.Workflow.Name = name
	return b
}

// Kind sets the workflow kind.
func (b *Builder) Kind(kind process.WorkflowKind) *Builder {
	b.graph.Workflow.Kind = kind
	return b
}

// Enabled toggles the workflow.
func (b *Builder) Enabled(enabled bool) *Builder {
	b.graph.Workflow.Enabled = enabled
	return b
}

// Recurrence sets the recurrence policy.
func (b *Builder) Recurrence(policy process.RecurrencePolicy) *Builder {
	b.graph.Workflow.Recurrence = policy
	return b
}

// Step adds a new step. Its name defaults to the id.
func (b *Builder) Step(id string) *StepBuilder {
	b.flush()
	sb := &StepBuilder{
		parent: b,
		step: &process.Step{
			ID:         id,
			Name:       id,
			WorkflowID: b.graph.Workflow.ID,
		},
	}
	b.current = sb
	return sb
}

func (b *Builder) flush() {
	if b.current != nil {
		b.graph.Steps = append(b.graph.Steps, b.current.step)
		b.current = nil
	}
}

// Build validates and returns the graph.
func (b *Builder) Build() (*Graph, error) {
	b.flush()
	if err := b.graph.Validate(); err != nil {
		return nil, err
	}
	return b.graph, nil
}

// Name sets the step name.
func (sb *StepBuilder) Name(name string) *StepBuilder {
	sb.step.Name = name
	return sb
}

// DisplayName sets the step display name.
func (sb *StepBuilder) DisplayName(name string) *StepBuilder {
	sb.step.DisplayName = name
	return sb
}

// Start marks this step as the workflow's entry step.
func (sb *StepBuilder) Start() *StepBuilder {
	sb.step.IsStart = true
	return sb
}

// Finished marks this step as the workflow's terminal step.
func (sb *StepBuilder) Finished() *StepBuilder {
	sb.step.IsFinished = true
	return sb
}

// Action marks this step as an unattended action step.
func (sb *StepBuilder) Action() *StepBuilder {
	sb.step.IsAction = true
	return sb
}

// AllowReject permits backward navigation away from this step.
func (sb *StepBuilder) AllowReject() *StepBuilder {
	sb.step.AllowReject = true
	return sb
}

// OnlyAutomatic forces every transition leaving this step to be recorded as
// automatic.
func (sb *StepBuilder) OnlyAutomatic() *StepBuilder {
	sb.step.AllowOnlyAutomaticTransitions = true
	return sb
}

// To adds an outgoing transition to the target step. The transition defaults
// to manual with no condition.
func (sb *StepBuilder) To(target string) *TransitionBuilder {
	t := &process.Transition{
		FromStepID: sb.step.ID,
		ToStepID:   target,
		Type:       process.TransitionManual,
	}
	sb.parent.graph.Transitions = append(sb.parent.graph.Transitions, t)
	return &TransitionBuilder{parent: sb, transition: t}
}

// Done finishes this step.
func (sb *StepBuilder) Done() *Builder {
	return sb.parent
}

// Condition sets the guard reference.
func (tb *TransitionBuilder) Condition(ref string) *TransitionBuilder {
	tb.transition.Condition = ref
	return tb
}

// SourcePoint sets the source point id disambiguating multiple exits.
func (tb *TransitionBuilder) SourcePoint(id string) *TransitionBuilder {
	tb.transition.SourcePointID = id
	return tb
}

// Automatic marks the transition engine-driven.
func (tb *TransitionBuilder) Automatic() *TransitionBuilder {
	tb.transition.Type = process.TransitionAutomatic
	return tb
}

// Manual marks the transition user-driven.
func (tb *TransitionBuilder) Manual() *TransitionBuilder {
	tb.transition.Type = process.TransitionManual
	return tb
}

// Done finishes this transition.
func (tb *TransitionBuilder) Done() *StepBuilder {
	return tb.parent
}
