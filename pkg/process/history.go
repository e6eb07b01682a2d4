package process

import (
	"context"
)

// findPrevious resolves the step a backward navigation should land on, and
// the history range the move consumes.
//
// The lookup is history-first: the most recent non-rejected record targeting
// the current step decides. A Manual record points straight back at its
// source. An Automatic record means the process arrived here through an
// automation chain, so the walk continues backward through history, bounded
// by the last departure from the start step, until a manual record is found;
// its source is the answer. Only when no history qualifies does the engine
// fall back to graph structure: a single manual inbound transition.
func (e *engine) findPrevious(ctx context.Context, cur *Step, state *ProcessState) (*Step, *consumeRange, error) {
	rec, err := e.store.History().GetLastRecordTargeting(ctx, cur.ID, state.ID)
	if err != nil {
		return nil, nil, err
	}

	if rec == nil {
		prev, err := e.structuralPrevious(ctx, cur)
		return prev, nil, err
	}

	if rec.Type == TransitionManual {
		prev, err := e.mustStep(ctx, rec.From.ID)
		if err != nil {
			return nil, nil, err
		}
		return prev, &consumeRange{from: rec.ID, to: rec.ID}, nil
	}

	// Arrived via an automation chain: walk back toward the last departure
	// from the start step, looking for the most recent manual record.
	manual, err := e.lastManualBefore(ctx, state, rec)
	if err != nil {
		return nil, nil, err
	}
	if manual == nil {
		return nil, nil, nil
	}
	prev, err := e.mustStep(ctx, manual.From.ID)
	if err != nil {
		return nil, nil, err
	}
	return prev, &consumeRange{from: manual.ID, to: rec.ID}, nil
}

// structuralPrevious is the no-history fallback: when exactly one manual
// transition leads into cur, its source is the previous step.
func (e *engine) structuralPrevious(ctx context.Context, cur *Step) (*Step, error) {
	inbound, err := e.steps.GetInboundTransitions(ctx, cur, TransitionFilter{Type: TransitionManual})
	if err != nil {
		return nil, err
	}
	if len(inbound) != 1 {
		return nil, nil
	}
	return e.mustStep(ctx, inbound[0].FromStepID)
}

// lastManualBefore returns the most recent non-rejected manual record at or
// before end, scoped to the segment that begins with the last departure from
// the start step. Reaching that bound without a manual record means there is
// no previous step.
func (e *engine) lastManualBefore(ctx context.Context, state *ProcessState, end *HistoryRecord) (*HistoryRecord, error) {
	startRec, err := e.store.History().GetLastRecordFromStart(ctx, state.ID)
	if err != nil {
		return nil, err
	}
	var lo int64 = 1
	if startRec != nil {
		lo = startRec.ID
	}

	recs, err := e.store.History().GetRecordsBetween(ctx, lo, end.ID, state.ID, 0)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.Type == TransitionManual && !r.Rejected {
			return r, nil
		}
	}
	return nil, nil
}

// previousSteps collects every candidate prior step: for a manual arrival the
// single source, for an automatic arrival the source of each manual record
// found along the backward walk.
func (e *engine) previousSteps(ctx context.Context, cur *Step, state *ProcessState) ([]*Step, error) {
	if !cur.AllowReject {
		return nil, nil
	}

	rec, err := e.store.History().GetLastRecordTargeting(ctx, cur.ID, state.ID)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		inbound, err := e.steps.GetInboundTransitions(ctx, cur, TransitionFilter{Type: TransitionManual})
		if err != nil {
			return nil, err
		}
		steps := make([]*Step, 0, len(inbound))
		seen := make(map[string]bool)
		for _, t := range inbound {
			if seen[t.FromStepID] {
				continue
			}
			seen[t.FromStepID] = true
			s, err := e.mustStep(ctx, t.FromStepID)
			if err != nil {
				return nil, err
			}
			steps = append(steps, s)
		}
		return steps, nil
	}

	if rec.Type == TransitionManual {
		s, err := e.mustStep(ctx, rec.From.ID)
		if err != nil {
			return nil, err
		}
		return []*Step{s}, nil
	}

	startRec, err := e.store.History().GetLastRecordFromStart(ctx, state.ID)
	if err != nil {
		return nil, err
	}
	var lo int64 = 1
	if startRec != nil {
		lo = startRec.ID
	}
	recs, err := e.store.History().GetRecordsBetween(ctx, lo, rec.ID, state.ID, 0)
	if err != nil {
		return nil, err
	}

	steps := make([]*Step, 0)
	seen := make(map[string]bool)
	for _, r := range recs {
		if r.Type != TransitionManual || r.Rejected || seen[r.From.ID] {
			continue
		}
		seen[r.From.ID] = true
		s, err := e.mustStep(ctx, r.From.ID)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}
