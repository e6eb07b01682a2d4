package definition

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxorio/stepflow/pkg/process"
)

// Catalog is an in-memory registry of workflow graphs. It implements the
// engine's process.StepRepository and process.WorkflowRepository interfaces,
// so a validated Graph can be served to a Manager directly.
type Catalog struct {
	mu        sync.RWMutex
	workflows map[string]*process.Workflow
	steps     map[string]*process.Step
	outbound  map[string][]*process.Transition
	inbound   map[string][]*process.Transition
	first     map[string]string
	finished  map[string]string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		workflows: make(map[string]*process.Workflow),
		steps:     make(map[string]*process.Step),
		outbound:  make(map[string][]*process.Transition),
		inbound:   make(map[string][]*process.Transition),
		first:     make(map[string]string),
		finished:  make(map[string]string),
	}
}

// Register validates g and adds it to the catalog. Registering a workflow id
// twice is an error.
func (c *Catalog) Register(g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.workflows[g.Workflow.ID]; ok {
		return fmt.Errorf("workflow %s already registered", g.Workflow.ID)
	}
	for _, s := range g.Steps {
		if _, ok := c.steps[s.ID]; ok {
			return fmt.Errorf("step %s already registered", s.ID)
		}
	}

	wf := g.Workflow
	c.workflows[wf.ID] = &wf
	for _, s := range g.Steps {
		cp := *s
		c.steps[s.ID] = &cp
		if s.IsStart {
			c.first[wf.ID] = s.ID
		}
		if s.IsFinished {
			c.finished[wf.ID] = s.ID
		}
	}
	for _, t := range g.Transitions {
		cp := *t
		c.outbound[t.FromStepID] = append(c.outbound[t.FromStepID], &cp)
		c.inbound[t.ToStepID] = append(c.inbound[t.ToStepID], &cp)
	}
	return nil
}

// GetWorkflow implements process.WorkflowRepository.
func (c *Catalog) GetWorkflow(ctx context.Context, id string) (*process.Workflow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wf, ok := c.workflows[id]
	if !ok {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

// GetStep implements process.StepRepository.
func (c *Catalog) GetStep(ctx context.Context, id string) (*process.Step, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.steps[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// GetFirstStep implements process.StepRepository.
func (c *Catalog) GetFirstStep(ctx context.Context, workflowID string) (*process.Step, error) {
	c.mu.RLock()
	id, ok := c.first[workflowID]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return c.GetStep(ctx, id)
}

// GetFinishedStep implements process.StepRepository.
func (c *Catalog) GetFinishedStep(ctx context.Context, workflowID string) (*process.Step, error) {
	c.mu.RLock()
	id, ok := c.finished[workflowID]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return c.GetStep(ctx, id)
}

// GetInboundTransitions implements process.StepRepository.
func (c *Catalog) GetInboundTransitions(ctx context.Context, step *process.Step, filter process.TransitionFilter) ([]*process.Transition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return filterTransitions(c.inbound[step.ID], filter), nil
}

// GetOutboundTransitions implements process.StepRepository.
func (c *Catalog) GetOutboundTransitions(ctx context.Context, step *process.Step) ([]*process.Transition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return filterTransitions(c.outbound[step.ID], process.TransitionFilter{}), nil
}

func filterTransitions(ts []*process.Transition, filter process.TransitionFilter) []*process.Transition {
	result := make([]*process.Transition, 0, len(ts))
	for _, t := range ts {
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	return result
}
