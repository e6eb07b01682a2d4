package process_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/stepflow/pkg/definition"
	"github.com/fluxorio/stepflow/pkg/process"
)

type testSubject struct {
	typ  string
	id   string
	site string
}

func (s testSubject) SubjectType() string { return s.typ }
func (s testSubject) SubjectID() string   { return s.id }
func (s testSubject) SiteScope() string   { return s.site }

func order(id string) testSubject {
	return testSubject{typ: "order", id: id}
}

var alice = process.Principal{ID: "alice", Name: "Alice"}

// approvalGraph is the canonical three-step fixture: the start step hands off
// automatically to review, and review only releases to done once the
// "approved" guard holds.
func approvalGraph(t *testing.T) *definition.Graph {
	t.Helper()
	g, err := definition.NewBuilder("order-approval").
		Name("Order approval").
		Step("start").Start().
		To("review").Automatic().Done().
		Done().
		Step("review").AllowReject().
		To("done").Condition("approved").Done().
		Done().
		Step("done").Finished().
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

type env struct {
	mgr   *process.Manager
	store *process.MemoryStore
	eval  *process.FuncEvaluator
	cat   *definition.Catalog
}

func newEnv(t *testing.T, g *definition.Graph, mutate func(cfg *process.ManagerConfig)) *env {
	t.Helper()

	cat := definition.NewCatalog()
	if err := cat.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	store := process.NewMemoryStore()
	eval := process.NewFuncEvaluator(cat)

	cfg := process.ManagerConfig{
		Steps:      cat,
		Workflows:  cat,
		Store:      store,
		Conditions: eval,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr, err := process.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)
	return &env{mgr: mgr, store: store, eval: eval, cat: cat}
}

func TestStartProcess_AdvancesThroughAutomaticTransition(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if state.CurrentStep != "review" {
		t.Fatalf("current step: got %s want review", state.CurrentStep)
	}
	if state.Status != process.StatusProcessing {
		t.Fatalf("status: got %s", state.Status)
	}

	recs := e.store.Records(state.ID)
	if len(recs) != 1 {
		t.Fatalf("history: got %d records want 1", len(recs))
	}
	rec := recs[0]
	if rec.From.ID != "start" || rec.To.ID != "review" {
		t.Fatalf("record: %s -> %s", rec.From.ID, rec.To.ID)
	}
	if rec.Type != process.TransitionAutomatic {
		t.Fatalf("record type: got %s", rec.Type)
	}
	if !rec.From.IsStart {
		t.Fatal("record should snapshot the start flag")
	}
	if rec.ActorID != "alice" {
		t.Fatalf("actor: got %s", rec.ActorID)
	}
}

func TestMoveToNextStep_GateHoldsThenReleases(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	approved := false
	e.eval.RegisterGuard("approved", func(context.Context, *process.EvalContext) (bool, error) {
		return approved, nil
	})

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	// Guard is false: the process stays where it is, without error.
	step, err := e.mgr.MoveToNextStep(ctx, order("o-1"), state, alice, "")
	if err != nil {
		t.Fatalf("MoveToNextStep: %v", err)
	}
	if step.ID != "review" {
		t.Fatalf("step: got %s want review", step.ID)
	}
	if len(e.store.Records(state.ID)) != 1 {
		t.Fatal("gated attempt must not append history")
	}

	approved = true
	step, err = e.mgr.MoveToNextStep(ctx, order("o-1"), state, alice, "looks good")
	if err != nil {
		t.Fatalf("MoveToNextStep: %v", err)
	}
	if step.ID != "done" {
		t.Fatalf("step: got %s want done", step.ID)
	}
	if state.Status != process.StatusFinished {
		t.Fatalf("status: got %s", state.Status)
	}

	recs := e.store.Records(state.ID)
	if len(recs) != 2 {
		t.Fatalf("history: got %d records want 2", len(recs))
	}
	last := recs[len(recs)-1]
	if last.Type != process.TransitionManual || last.Comment != "looks good" {
		t.Fatalf("record: type %s comment %q", last.Type, last.Comment)
	}
}

func TestMoveToNextStep_FinishedIsIdempotent(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	e.eval.RegisterGuard("approved", func(context.Context, *process.EvalContext) (bool, error) {
		return true, nil
	})

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if state.CurrentStep != "done" {
		t.Fatalf("current step: got %s want done", state.CurrentStep)
	}
	before := len(e.store.Records(state.ID))

	step, err := e.mgr.MoveToNextStep(ctx, order("o-1"), state, alice, "")
	if err != nil {
		t.Fatalf("MoveToNextStep at terminal: %v", err)
	}
	if !step.IsFinished {
		t.Fatalf("step: got %s", step.ID)
	}
	if got := len(e.store.Records(state.ID)); got != before {
		t.Fatalf("history grew at terminal: %d -> %d", before, got)
	}
}

func TestMoveToNextStep_AmbiguousCandidatesStayPut(t *testing.T) {
	g, err := definition.NewBuilder("fork").
		Step("start").Start().
		To("review").Automatic().Done().
		Done().
		Step("review").
		To("a").Done().
		To("b").Done().
		Done().
		Step("a").Done().
		Step("b").Finished().Done().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newEnv(t, g, nil)
	ctx := context.Background()

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "fork", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if state.CurrentStep != "review" {
		t.Fatalf("current step: got %s", state.CurrentStep)
	}

	step, err := e.mgr.MoveToNextStep(ctx, order("o-1"), state, alice, "")
	if err != nil {
		t.Fatalf("MoveToNextStep: %v", err)
	}
	if step.ID != "review" {
		t.Fatalf("ambiguous exit should stay at review, got %s", step.ID)
	}
}

func TestAutomaticChain_CycleTripsHopLimit(t *testing.T) {
	g, err := definition.NewBuilder("loop").
		Step("start").Start().
		To("a").Automatic().Done().
		Done().
		Step("a").
		To("b").Automatic().Done().
		Done().
		Step("b").
		To("a").Automatic().Done().
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newEnv(t, g, func(cfg *process.ManagerConfig) {
		cfg.Config.MaxHops = 10
	})
	ctx := context.Background()

	_, err = e.mgr.StartProcess(ctx, order("o-1"), "loop", alice, nil)
	if err == nil {
		t.Fatal("expected hop limit error")
	}
	if !process.IsCode(err, process.ErrCodeCycleDetected) {
		t.Fatalf("error code: got %v", err)
	}
}

type denyOracle struct {
	process.AllowAllOracle
}

func (denyOracle) CanPerform(context.Context, process.Principal, process.Subject, *process.ProcessState, process.Action) (bool, error) {
	return false, nil
}

func TestMoveToNextStep_PermissionDeniedAtReview(t *testing.T) {
	e := newEnv(t, approvalGraph(t), func(cfg *process.ManagerConfig) {
		cfg.Permissions = denyOracle{}
	})
	ctx := context.Background()

	approved := false
	e.eval.RegisterGuard("approved", func(context.Context, *process.EvalContext) (bool, error) {
		return approved, nil
	})

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	approved = true
	if _, err := e.mgr.MoveToNextStep(ctx, order("o-1"), state, alice, ""); !process.IsCode(err, process.ErrCodePermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	// The same call under a trusted context goes through.
	trusted := process.WithPermissionChecksDisabled(ctx)
	step, err := e.mgr.MoveToNextStep(trusted, order("o-1"), state, alice, "")
	if err != nil {
		t.Fatalf("MoveToNextStep trusted: %v", err)
	}
	if step.ID != "done" {
		t.Fatalf("step: got %s want done", step.ID)
	}
}

func TestStartProcess_RecurrencePolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("non-recurring rejects any second start", func(t *testing.T) {
		e := newEnv(t, approvalGraph(t), nil)
		if _, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil); err != nil {
			t.Fatalf("first start: %v", err)
		}
		_, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
		if !process.IsCode(err, process.ErrCodeRecurrence) {
			t.Fatalf("expected recurrence error, got %v", err)
		}
		// A different object is unaffected.
		if _, err := e.mgr.StartProcess(ctx, order("o-2"), "order-approval", alice, nil); err != nil {
			t.Fatalf("other object: %v", err)
		}
	})

	t.Run("non-concurrent allows restart after finish", func(t *testing.T) {
		g := approvalGraph(t)
		g.Workflow.ID = "order-approval-nc"
		g.Workflow.Recurrence = process.NonConcurrentRecurring
		for _, s := range g.Steps {
			s.ID = "nc-" + s.ID
			s.WorkflowID = g.Workflow.ID
		}
		for _, tr := range g.Transitions {
			tr.FromStepID = "nc-" + tr.FromStepID
			tr.ToStepID = "nc-" + tr.ToStepID
		}
		e := newEnv(t, g, nil)
		approved := false
		e.eval.RegisterGuard("approved", func(context.Context, *process.EvalContext) (bool, error) {
			return approved, nil
		})

		state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval-nc", alice, nil)
		if err != nil {
			t.Fatalf("first start: %v", err)
		}
		if _, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval-nc", alice, nil); !process.IsCode(err, process.ErrCodeRecurrence) {
			t.Fatalf("expected recurrence error while running, got %v", err)
		}

		approved = true
		if _, err := e.mgr.MoveToNextStep(ctx, order("o-1"), state, alice, ""); err != nil {
			t.Fatalf("finish: %v", err)
		}
		approved = false
		if _, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval-nc", alice, nil); err != nil {
			t.Fatalf("restart after finish: %v", err)
		}
	})

	t.Run("recurring never rejects", func(t *testing.T) {
		g := approvalGraph(t)
		g.Workflow.ID = "order-approval-r"
		g.Workflow.Recurrence = process.Recurring
		for _, s := range g.Steps {
			s.ID = "r-" + s.ID
			s.WorkflowID = g.Workflow.ID
		}
		for _, tr := range g.Transitions {
			tr.FromStepID = "r-" + tr.FromStepID
			tr.ToStepID = "r-" + tr.ToStepID
		}
		e := newEnv(t, g, nil)
		for i := 0; i < 3; i++ {
			if _, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval-r", alice, nil); err != nil {
				t.Fatalf("start %d: %v", i, err)
			}
		}
	})
}

func TestStartProcess_DisabledWorkflow(t *testing.T) {
	g := approvalGraph(t)
	g.Workflow.Enabled = false
	e := newEnv(t, g, nil)

	_, err := e.mgr.StartProcess(context.Background(), order("o-1"), "order-approval", alice, nil)
	if !process.IsCode(err, process.ErrCodeProcessDisabled) {
		t.Fatalf("expected process disabled, got %v", err)
	}
}

func TestStartProcess_UnknownWorkflow(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)

	_, err := e.mgr.StartProcess(context.Background(), order("o-1"), "no-such-workflow", alice, nil)
	if !process.IsCode(err, process.ErrCodeProcessDisabled) {
		t.Fatalf("expected process disabled, got %v", err)
	}
}

func TestStartProcess_NoStartStepIsNoop(t *testing.T) {
	g, err := definition.NewBuilder("headless").
		Step("a").
		To("b").Done().
		Done().
		Step("b").Finished().Done().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newEnv(t, g, nil)

	state, err := e.mgr.StartProcess(context.Background(), order("o-1"), "headless", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state, got %+v", state)
	}
}

func TestStartProcess_TriggerDataReachesGuards(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	e.eval.RegisterGuard("approved", func(_ context.Context, ec *process.EvalContext) (bool, error) {
		v, _ := ec.Data["preapproved"].(bool)
		return v, nil
	})

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, map[string]any{"preapproved": true})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	// The chain reads the trigger data and rides straight through review.
	if state.CurrentStep != "done" {
		t.Fatalf("current step: got %s want done", state.CurrentStep)
	}
}

func TestStartProcesses_PartialSuccess(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	// o-1 already has an instance; in the batch it alone must fail.
	if _, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil); err != nil {
		t.Fatalf("seed start: %v", err)
	}

	subjects := []process.Subject{order("o-1"), order("o-2"), order("o-3")}
	results, err := e.mgr.StartProcesses(ctx, subjects, "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcesses: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results: got %d", len(results))
	}

	if !process.IsCode(results[0].Err, process.ErrCodeRecurrence) {
		t.Fatalf("o-1: expected recurrence error, got %v", results[0].Err)
	}
	if results[0].State != nil {
		t.Fatal("o-1 must not get a state")
	}
	for i := 1; i < 3; i++ {
		if results[i].Err != nil {
			t.Fatalf("result %d: %v", i, results[i].Err)
		}
		if results[i].State == nil || results[i].State.CurrentStep != "review" {
			t.Fatalf("result %d: state %+v", i, results[i].State)
		}
	}
}

func TestStartProcesses_WorkflowFailureIsFatal(t *testing.T) {
	g := approvalGraph(t)
	g.Workflow.Enabled = false
	e := newEnv(t, g, nil)

	_, err := e.mgr.StartProcesses(context.Background(), []process.Subject{order("o-1")}, "order-approval", alice, nil)
	if !process.IsCode(err, process.ErrCodeProcessDisabled) {
		t.Fatalf("expected process disabled, got %v", err)
	}
}

func TestStartProcesses_WithWorkerPool(t *testing.T) {
	e := newEnv(t, approvalGraph(t), func(cfg *process.ManagerConfig) {
		cfg.Config.BatchWorkers = 4
	})
	ctx := context.Background()

	subjects := make([]process.Subject, 40)
	for i := range subjects {
		subjects[i] = order("bulk-" + string(rune('a'+i%26)) + string(rune('0'+i/26)))
	}
	results, err := e.mgr.StartProcesses(ctx, subjects, "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcesses: %v", err)
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d: %v", i, r.Err)
		}
		if r.State.CurrentStep != "review" {
			t.Fatalf("result %d: step %s", i, r.State.CurrentStep)
		}
	}
}

func TestRemoveProcess_KeepsHistory(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if err := e.mgr.RemoveProcess(ctx, order("o-1"), state); err != nil {
		t.Fatalf("RemoveProcess: %v", err)
	}

	stored, err := e.store.States().Get(ctx, state.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored != nil {
		t.Fatal("state should be gone")
	}
	if len(e.store.Records(state.ID)) == 0 {
		t.Fatal("history must survive removal")
	}
}

func TestMoveToSpecificStep_TargetIsAuthoritative(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	// No transition leads from review back to start, and the "approved"
	// guard is unregistered; the specific move goes anyway.
	done, err := e.mgr.GetFinishedStep(ctx, "order-approval")
	if err != nil || done == nil {
		t.Fatalf("GetFinishedStep: %v %v", done, err)
	}
	step, err := e.mgr.MoveToSpecificStep(ctx, order("o-1"), state, done, alice, "forced")
	if err != nil {
		t.Fatalf("MoveToSpecificStep: %v", err)
	}
	if step.ID != "done" || state.Status != process.StatusFinished {
		t.Fatalf("step %s status %s", step.ID, state.Status)
	}

	recs := e.store.Records(state.ID)
	last := recs[len(recs)-1]
	if last.Type != process.TransitionManual || last.Comment != "forced" {
		t.Fatalf("record: %+v", last)
	}
}

func TestMoveToFirstStep_ResolvesStart(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	step, err := e.mgr.MoveToFirstStep(ctx, order("o-1"), state, alice, "")
	if err != nil {
		t.Fatalf("MoveToFirstStep: %v", err)
	}
	// Landing on start re-enters the automatic chain and rides back to
	// review.
	if step.ID != "review" {
		t.Fatalf("step: got %s want review", step.ID)
	}
}

func TestOnlyAutomaticStep_ForcesRecordType(t *testing.T) {
	g, err := definition.NewBuilder("forced-auto").
		Step("start").Start().
		To("gate").Automatic().Done().
		Done().
		Step("gate").OnlyAutomatic().
		To("done").Condition("go").Done().
		Done().
		Step("done").Finished().Done().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newEnv(t, g, nil)
	ctx := context.Background()

	go_ := false
	e.eval.RegisterGuard("go", func(context.Context, *process.EvalContext) (bool, error) {
		return go_, nil
	})

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "forced-auto", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	go_ = true
	if _, err := e.mgr.MoveToNextStep(ctx, order("o-1"), state, alice, ""); err != nil {
		t.Fatalf("MoveToNextStep: %v", err)
	}

	recs := e.store.Records(state.ID)
	last := recs[len(recs)-1]
	if last.From.ID != "gate" || last.Type != process.TransitionAutomatic {
		t.Fatalf("manual request leaving an automatic-only step must be recorded automatic: %+v", last)
	}
}

type recordingRunner struct {
	seen []string
	fail bool
}

func (r *recordingRunner) RunStepActions(_ context.Context, step *process.Step, _ *process.ProcessState, _ process.Subject) error {
	r.seen = append(r.seen, step.ID)
	if r.fail && step.IsAction {
		return errors.New("mail server unreachable")
	}
	return nil
}

func actionGraph(t *testing.T) *definition.Graph {
	t.Helper()
	g, err := definition.NewBuilder("notify-flow").
		Step("start").Start().
		To("notify").Automatic().Done().
		Done().
		Step("notify").Action().
		To("done").Condition("sent").Done().
		Done().
		Step("done").Finished().Done().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestStepActions_RunAfterCommit(t *testing.T) {
	runner := &recordingRunner{}
	e := newEnv(t, actionGraph(t), func(cfg *process.ManagerConfig) {
		cfg.Actions = runner
	})
	ctx := context.Background()

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "notify-flow", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if state.CurrentStep != "notify" {
		t.Fatalf("current step: got %s", state.CurrentStep)
	}
	if len(runner.seen) != 1 || runner.seen[0] != "notify" {
		t.Fatalf("actions seen: %v", runner.seen)
	}
}

func TestStepActions_FailureDoesNotRollBack(t *testing.T) {
	runner := &recordingRunner{fail: true}
	e := newEnv(t, actionGraph(t), func(cfg *process.ManagerConfig) {
		cfg.Actions = runner
	})
	ctx := context.Background()

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "notify-flow", alice, nil)
	if !process.IsCode(err, process.ErrCodeActionFailed) {
		t.Fatalf("expected action failure, got %v", err)
	}
	if state == nil || state.CurrentStep != "notify" {
		t.Fatalf("the committed transition must stand: %+v", state)
	}

	stored, err := e.store.States().Get(ctx, state.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.CurrentStep != "notify" {
		t.Fatalf("stored step: got %s", stored.CurrentStep)
	}
	if len(e.store.Records(state.ID)) != 1 {
		t.Fatal("history record must survive the action failure")
	}
}

func TestTransitionListener_ReceivesCommittedEvents(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	events := make(chan process.TransitionEvent, 4)
	e.mgr.AddTransitionListener(func(ev process.TransitionEvent) {
		events <- ev
	})

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	select {
	case ev := <-events:
		if ev.StateID != state.ID || ev.From.ID != "start" || ev.To.ID != "review" {
			t.Fatalf("event: %+v", ev)
		}
		if ev.Type != process.TransitionAutomatic || ev.Backward {
			t.Fatalf("event flags: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transition event delivered")
	}
}

func TestGetNextSteps_ReflectsGuards(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	approved := false
	e.eval.RegisterGuard("approved", func(context.Context, *process.EvalContext) (bool, error) {
		return approved, nil
	})

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	steps, err := e.mgr.GetNextSteps(ctx, order("o-1"), state, alice)
	if err != nil {
		t.Fatalf("GetNextSteps: %v", err)
	}
	if len(steps) != 0 {
		t.Fatalf("next steps while gated: %v", steps)
	}

	approved = true
	steps, err = e.mgr.GetNextSteps(ctx, order("o-1"), state, alice)
	if err != nil {
		t.Fatalf("GetNextSteps: %v", err)
	}
	if len(steps) != 1 || steps[0].ID != "done" {
		t.Fatalf("next steps: %v", steps)
	}
}

func TestSetActionStatus(t *testing.T) {
	runner := &recordingRunner{}
	e := newEnv(t, actionGraph(t), func(cfg *process.ManagerConfig) {
		cfg.Actions = runner
	})
	ctx := context.Background()

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "notify-flow", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	if err := e.mgr.SetActionStatus(ctx, order("o-1"), state, "Running: 40%"); err != nil {
		t.Fatalf("SetActionStatus: %v", err)
	}
	if state.Status != process.StatusProcessing {
		t.Fatalf("status: got %s want Processing", state.Status)
	}

	if err := e.mgr.SetActionStatus(ctx, order("o-1"), state, "waiting for operator"); err != nil {
		t.Fatalf("SetActionStatus: %v", err)
	}
	if state.Status != process.StatusPending {
		t.Fatalf("status: got %s want Pending", state.Status)
	}

	got, err := e.mgr.GetActionStatus(ctx, state)
	if err != nil {
		t.Fatalf("GetActionStatus: %v", err)
	}
	if got != "waiting for operator" {
		t.Fatalf("action status: got %q", got)
	}
}

func TestCheckStepPermissions(t *testing.T) {
	runner := &recordingRunner{}
	e := newEnv(t, actionGraph(t), func(cfg *process.ManagerConfig) {
		cfg.Permissions = denyOracle{}
		cfg.Actions = runner
	})
	ctx := context.Background()

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "notify-flow", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	// The process sits at the unattended notify step: a direct specific-step
	// move is never permitted there, not even by a permissive oracle.
	ok, err := e.mgr.CheckStepPermissions(ctx, order("o-1"), state, process.ActionMoveToSpecificStep, alice)
	if err != nil {
		t.Fatalf("CheckStepPermissions: %v", err)
	}
	if ok {
		t.Fatal("action step must refuse direct specific moves")
	}
}

type rosterOracle struct {
	process.AllowAllOracle
}

func (rosterOracle) UsersWhoCanApprove(context.Context, *process.Step, string, string) ([]process.User, error) {
	return []process.User{{ID: "u1"}, {ID: "u2"}}, nil
}

func (rosterOracle) UsersWithManagePermission(context.Context, process.Subject, string) ([]process.User, error) {
	return []process.User{{ID: "u2"}, {ID: "u3"}}, nil
}

func (rosterOracle) Administrators(context.Context, string) ([]process.User, error) {
	return []process.User{{ID: "u4"}}, nil
}

func TestGetUsersWhoCanMove_MergesUnique(t *testing.T) {
	e := newEnv(t, approvalGraph(t), func(cfg *process.ManagerConfig) {
		cfg.Permissions = rosterOracle{}
	})
	ctx := context.Background()

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	users, err := e.mgr.GetUsersWhoCanMove(ctx, order("o-1"), state, process.ApproverFilter{
		IncludeApprovers:      true,
		IncludeManagers:       true,
		IncludeAdministrators: true,
	})
	if err != nil {
		t.Fatalf("GetUsersWhoCanMove: %v", err)
	}
	if len(users) != 4 {
		t.Fatalf("users: got %d (%v) want 4", len(users), users)
	}

	users, err = e.mgr.GetUsersWhoCanMove(ctx, order("o-1"), state, process.ApproverFilter{IncludeManagers: true})
	if err != nil {
		t.Fatalf("GetUsersWhoCanMove: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("managers only: got %d", len(users))
	}
}

func TestManager_InputValidation(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	if _, err := e.mgr.StartProcess(ctx, nil, "order-approval", alice, nil); !process.IsCode(err, process.ErrCodeInvalidState) {
		t.Fatalf("nil subject: %v", err)
	}
	if _, err := e.mgr.MoveToNextStep(ctx, order("o-1"), nil, alice, ""); !process.IsCode(err, process.ErrCodeInvalidState) {
		t.Fatalf("nil state: %v", err)
	}
	if _, err := e.mgr.MoveToSpecificStep(ctx, order("o-1"), &process.ProcessState{ID: "x", CurrentStep: "start"}, nil, alice, ""); !process.IsCode(err, process.ErrCodeInvalidState) {
		t.Fatalf("nil target: %v", err)
	}
}

func TestNewManager_RequiresCollaborators(t *testing.T) {
	if _, err := process.NewManager(process.ManagerConfig{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestMoveToNextStep_ConcurrentCopiesSingleTransition(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	approved := false
	e.eval.RegisterGuard("approved", func(context.Context, *process.EvalContext) (bool, error) {
		return approved, nil
	})

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	approved = true

	// Two requests load the state independently, as concurrent API calls
	// would; the engine must not trust either snapshot.
	first, err := e.store.States().Get(ctx, state.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := e.store.States().Get(ctx, state.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, st := range []*process.ProcessState{first, second} {
		wg.Add(1)
		go func(i int, st *process.ProcessState) {
			defer wg.Done()
			_, errs[i] = e.mgr.MoveToNextStep(ctx, order("o-1"), st, alice, "")
		}(i, st)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}

	moved := 0
	for _, r := range e.store.Records(state.ID) {
		if r.From.ID == "review" && r.To.ID == "done" {
			moved++
		}
	}
	if moved != 1 {
		t.Fatalf("review->done recorded %d times, want exactly 1", moved)
	}
	// Both callers, winner and loser, end up observing the post-transition
	// position.
	if first.CurrentStep != "done" || second.CurrentStep != "done" {
		t.Fatalf("caller copies: %s / %s", first.CurrentStep, second.CurrentStep)
	}
	if first.Status != process.StatusFinished || second.Status != process.StatusFinished {
		t.Fatalf("caller statuses: %s / %s", first.Status, second.Status)
	}
}

func TestSetActionStatus_StaleCopyKeepsCommittedStep(t *testing.T) {
	e := newEnv(t, approvalGraph(t), nil)
	ctx := context.Background()

	approved := false
	e.eval.RegisterGuard("approved", func(context.Context, *process.EvalContext) (bool, error) {
		return approved, nil
	})

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "order-approval", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	stale, err := e.store.States().Get(ctx, state.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	approved = true
	if _, err := e.mgr.MoveToNextStep(ctx, order("o-1"), state, alice, ""); err != nil {
		t.Fatalf("MoveToNextStep: %v", err)
	}

	// The stale copy still says review; the whole-row update must not carry
	// that back into the store.
	if err := e.mgr.SetActionStatus(ctx, order("o-1"), stale, "archived"); err != nil {
		t.Fatalf("SetActionStatus: %v", err)
	}

	stored, err := e.store.States().Get(ctx, state.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.CurrentStep != "done" {
		t.Fatalf("current step reverted to %s", stored.CurrentStep)
	}
	if stored.ActionStatus != "archived" {
		t.Fatalf("action status: got %q", stored.ActionStatus)
	}
	if stored.Status != process.StatusFinished {
		t.Fatalf("status: got %s", stored.Status)
	}
}

type denyBackOracle struct {
	process.AllowAllOracle
}

func (denyBackOracle) CanPerform(_ context.Context, _ process.Principal, _ process.Subject, _ *process.ProcessState, action process.Action) (bool, error) {
	return action != process.ActionMoveToPreviousStep, nil
}

func TestMoveToPreviousStep_PermissionDenied(t *testing.T) {
	g, err := definition.NewBuilder("return-flow").
		Name("Return flow").
		Step("start").Start().
		To("draft").Automatic().Done().
		Done().
		Step("draft").
		To("review").Condition("submitted").Done().
		Done().
		Step("review").AllowReject().
		To("done").Condition("approved").Done().
		Done().
		Step("done").Finished().
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e := newEnv(t, g, func(cfg *process.ManagerConfig) {
		cfg.Permissions = denyBackOracle{}
	})
	ctx := context.Background()

	submitted := false
	e.eval.RegisterGuard("submitted", func(context.Context, *process.EvalContext) (bool, error) {
		return submitted, nil
	})
	e.eval.RegisterGuard("approved", func(context.Context, *process.EvalContext) (bool, error) {
		return false, nil
	})

	state, err := e.mgr.StartProcess(ctx, order("o-1"), "return-flow", alice, nil)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	submitted = true
	if _, err := e.mgr.MoveToNextStep(ctx, order("o-1"), state, alice, ""); err != nil {
		t.Fatalf("MoveToNextStep: %v", err)
	}
	if state.CurrentStep != "review" {
		t.Fatalf("current step: %s", state.CurrentStep)
	}

	_, err = e.mgr.MoveToPreviousStep(ctx, order("o-1"), state, alice, "send back")
	if !process.IsCode(err, process.ErrCodePermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if state.CurrentStep != "review" {
		t.Fatalf("denied move changed position to %s", state.CurrentStep)
	}
	for _, r := range e.store.Records(state.ID) {
		if r.Rejected {
			t.Fatal("denied move consumed history")
		}
	}

	trusted := process.WithPermissionChecksDisabled(ctx)
	step, err := e.mgr.MoveToPreviousStep(trusted, order("o-1"), state, alice, "send back")
	if err != nil {
		t.Fatalf("MoveToPreviousStep: %v", err)
	}
	if step.ID != "draft" || state.CurrentStep != "draft" {
		t.Fatalf("landed on %s (state %s)", step.ID, state.CurrentStep)
	}
}
