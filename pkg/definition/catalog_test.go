package definition

import (
	"context"
	"testing"

	"github.com/fluxorio/stepflow/pkg/process"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := NewCatalog()
	if err := c.Register(validGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return c
}

func TestCatalog_Lookups(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	wf, err := c.GetWorkflow(ctx, "order-approval")
	if err != nil || wf == nil {
		t.Fatalf("GetWorkflow: %v %v", wf, err)
	}
	if wf.Name != "Order approval" {
		t.Fatalf("workflow: %+v", wf)
	}

	missing, err := c.GetWorkflow(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("missing workflow: %v %v", missing, err)
	}

	first, err := c.GetFirstStep(ctx, "order-approval")
	if err != nil || first == nil || first.ID != "start" {
		t.Fatalf("first: %v %v", first, err)
	}
	finished, err := c.GetFinishedStep(ctx, "order-approval")
	if err != nil || finished == nil || finished.ID != "done" {
		t.Fatalf("finished: %v %v", finished, err)
	}

	step, err := c.GetStep(ctx, "review")
	if err != nil || step == nil || !step.AllowReject {
		t.Fatalf("step: %+v %v", step, err)
	}

	// Returned steps are copies.
	step.Name = "mutated"
	again, _ := c.GetStep(ctx, "review")
	if again.Name == "mutated" {
		t.Fatal("GetStep must return an isolated copy")
	}
}

func TestCatalog_Transitions(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	out, err := c.GetOutboundTransitions(ctx, &process.Step{ID: "start"})
	if err != nil || len(out) != 1 || out[0].ToStepID != "review" {
		t.Fatalf("outbound: %v %v", out, err)
	}

	in, err := c.GetInboundTransitions(ctx, &process.Step{ID: "review"}, process.TransitionFilter{})
	if err != nil || len(in) != 1 {
		t.Fatalf("inbound: %v %v", in, err)
	}

	// The type filter hides the automatic start->review edge.
	in, err = c.GetInboundTransitions(ctx, &process.Step{ID: "review"}, process.TransitionFilter{Type: process.TransitionManual})
	if err != nil || len(in) != 0 {
		t.Fatalf("filtered inbound: %v %v", in, err)
	}

	in, err = c.GetInboundTransitions(ctx, &process.Step{ID: "done"}, process.TransitionFilter{Type: process.TransitionManual})
	if err != nil || len(in) != 1 || in[0].FromStepID != "review" {
		t.Fatalf("manual inbound: %v %v", in, err)
	}
}

func TestCatalog_RejectsDuplicates(t *testing.T) {
	c := testCatalog(t)
	if err := c.Register(validGraph(t)); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
