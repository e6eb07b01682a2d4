// Package definition covers workflow graph authoring: a fluent builder, a
// YAML/JSON loader, graph validation, and an in-memory catalog that serves
// the engine's StepRepository and WorkflowRepository interfaces.
package definition

import (
	"fmt"

	"github.com/fluxorio/stepflow/pkg/process"
)

// Graph is one complete workflow definition: the header plus its steps and
// transitions.
type Graph struct {
	Workflow    process.Workflow      `json:"workflow" yaml:"workflow"`
	Steps       []*process.Step       `json:"steps" yaml:"steps"`
	Transitions []*process.Transition `json:"transitions" yaml:"transitions"`
}

// Validate checks structural integrity: unique step ids, at most one start
// and one finished step, and transitions whose endpoints exist. Transition
// types default to Manual.
func (g *Graph) Validate() error {
	if g.Workflow.ID == "" {
		return fmt.Errorf("workflow ID is required")
	}
	if len(g.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", g.Workflow.ID)
	}

	stepIDs := make(map[string]bool, len(g.Steps))
	starts, finishes := 0, 0
	for _, s := range g.Steps {
		if s.ID == "" {
			return fmt.Errorf("step ID is required in workflow %s", g.Workflow.ID)
		}
		if stepIDs[s.ID] {
			return fmt.Errorf("duplicate step ID %s in workflow %s", s.ID, g.Workflow.ID)
		}
		stepIDs[s.ID] = true
		if s.WorkflowID == "" {
			s.WorkflowID = g.Workflow.ID
		} else if s.WorkflowID != g.Workflow.ID {
			return fmt.Errorf("step %s belongs to workflow %s, not %s", s.ID, s.WorkflowID, g.Workflow.ID)
		}
		if s.IsStart {
			starts++
		}
		if s.IsFinished {
			finishes++
		}
	}
	if starts > 1 {
		return fmt.Errorf("workflow %s has %d start steps", g.Workflow.ID, starts)
	}
	if finishes > 1 {
		return fmt.Errorf("workflow %s has %d finished steps", g.Workflow.ID, finishes)
	}

	for _, t := range g.Transitions {
		if !stepIDs[t.FromStepID] {
			return fmt.Errorf("transition %s: source step %s not found", t.ID, t.FromStepID)
		}
		if !stepIDs[t.ToStepID] {
			return fmt.Errorf("transition %s: target step %s not found", t.ID, t.ToStepID)
		}
		switch t.Type {
		case process.TransitionAutomatic, process.TransitionManual:
		case "":
			t.Type = process.TransitionManual
		default:
			return fmt.Errorf("transition %s: unknown type %q", t.ID, t.Type)
		}
		if t.ID == "" {
			t.ID = t.FromStepID + "->" + t.ToStepID
		}
	}

	return nil
}

// AutomaticCycle looks for a cycle among steps flagged
// AllowOnlyAutomaticTransitions. Such a cycle would trip the engine's hop
// limit at runtime; detecting it at authoring time gives a better signal.
// Returns the ids of the steps on the first cycle found, or nil.
func AutomaticCycle(g *Graph) []string {
	auto := make(map[string]bool)
	for _, s := range g.Steps {
		if s.AllowOnlyAutomaticTransitions {
			auto[s.ID] = true
		}
	}
	edges := make(map[string][]string)
	for _, t := range g.Transitions {
		if auto[t.FromStepID] && auto[t.ToStepID] {
			edges[t.FromStepID] = append(edges[t.FromStepID], t.ToStepID)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range edges[id] {
			if color[next] == gray {
				// Found a back edge; cut the stack at the cycle entry.
				for i, s := range stack {
					if s == next {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
			}
			if color[next] == white && visit(next) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for id := range auto {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
