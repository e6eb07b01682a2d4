package process

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store, suitable for tests and embedded use.
// WithinTx holds the store lock for the duration of the callback and restores
// a snapshot when the callback fails, so the state/history pair stays
// consistent.
type MemoryStore struct {
	mu      sync.RWMutex
	states  map[string]*ProcessState
	history []*HistoryRecord
	nextID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*ProcessState),
	}
}

// States implements Store.
func (s *MemoryStore) States() StateRepository {
	return &memStates{store: s, locking: true}
}

// History implements Store.
func (s *MemoryStore) History() HistoryRepository {
	return &memHistory{store: s, locking: true}
}

// WithinTx implements Store.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshotLocked()
	if err := fn(&memTx{store: s}); err != nil {
		s.restoreLocked(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	states  map[string]*ProcessState
	history []*HistoryRecord
	nextID  int64
}

func (s *MemoryStore) snapshotLocked() memSnapshot {
	states := make(map[string]*ProcessState, len(s.states))
	for id, st := range s.states {
		states[id] = cloneState(st)
	}
	history := make([]*HistoryRecord, len(s.history))
	for i, rec := range s.history {
		cp := *rec
		history[i] = &cp
	}
	return memSnapshot{states: states, history: history, nextID: s.nextID}
}

func (s *MemoryStore) restoreLocked(snap memSnapshot) {
	s.states = snap.states
	s.history = snap.history
	s.nextID = snap.nextID
}

// memTx is the transactional view handed to WithinTx callbacks. The store
// lock is already held, so its repositories skip locking.
type memTx struct {
	store *MemoryStore
}

func (t *memTx) States() StateRepository {
	return &memStates{store: t.store}
}

func (t *memTx) History() HistoryRepository {
	return &memHistory{store: t.store}
}

func (t *memTx) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	// Already inside a transaction; run against the same view.
	return fn(t)
}

type memStates struct {
	store   *MemoryStore
	locking bool
}

func (r *memStates) lock() func() {
	if !r.locking {
		return func() {}
	}
	r.store.mu.Lock()
	return r.store.mu.Unlock
}

func (r *memStates) rlock() func() {
	if !r.locking {
		return func() {}
	}
	r.store.mu.RLock()
	return r.store.mu.RUnlock
}

func (r *memStates) Insert(ctx context.Context, state *ProcessState) error {
	defer r.lock()()
	if _, ok := r.store.states[state.ID]; ok {
		return fmt.Errorf("state already exists: %s", state.ID)
	}
	r.store.states[state.ID] = cloneState(state)
	return nil
}

func (r *memStates) InsertBatch(ctx context.Context, states []*ProcessState) error {
	defer r.lock()()
	for _, st := range states {
		if _, ok := r.store.states[st.ID]; ok {
			return fmt.Errorf("state already exists: %s", st.ID)
		}
	}
	for _, st := range states {
		r.store.states[st.ID] = cloneState(st)
	}
	return nil
}

func (r *memStates) Update(ctx context.Context, state *ProcessState) error {
	defer r.lock()()
	if _, ok := r.store.states[state.ID]; !ok {
		return fmt.Errorf("state not found: %s", state.ID)
	}
	r.store.states[state.ID] = cloneState(state)
	return nil
}

func (r *memStates) Delete(ctx context.Context, stateID string) error {
	defer r.lock()()
	delete(r.store.states, stateID)
	return nil
}

func (r *memStates) Get(ctx context.Context, stateID string) (*ProcessState, error) {
	defer r.rlock()()
	st, ok := r.store.states[stateID]
	if !ok {
		return nil, nil
	}
	return cloneState(st), nil
}

func (r *memStates) GetBySubject(ctx context.Context, subjectType, subjectID, workflowID string) ([]*ProcessState, error) {
	defer r.rlock()()
	result := make([]*ProcessState, 0)
	for _, st := range r.store.states {
		if st.SubjectType == subjectType && st.SubjectID == subjectID && st.WorkflowID == workflowID {
			result = append(result, cloneState(st))
		}
	}
	return result, nil
}

type memHistory struct {
	store   *MemoryStore
	locking bool
}

func (r *memHistory) lock() func() {
	if !r.locking {
		return func() {}
	}
	r.store.mu.Lock()
	return r.store.mu.Unlock
}

func (r *memHistory) rlock() func() {
	if !r.locking {
		return func() {}
	}
	r.store.mu.RLock()
	return r.store.mu.RUnlock
}

func (r *memHistory) Append(ctx context.Context, rec *HistoryRecord) error {
	defer r.lock()()
	r.store.nextID++
	rec.ID = r.store.nextID
	cp := *rec
	r.store.history = append(r.store.history, &cp)
	return nil
}

func (r *memHistory) GetLastRecordTargeting(ctx context.Context, stepID, stateID string) (*HistoryRecord, error) {
	defer r.rlock()()
	for i := len(r.store.history) - 1; i >= 0; i-- {
		rec := r.store.history[i]
		if rec.StateID == stateID && rec.To.ID == stepID && !rec.Rejected {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memHistory) GetLastRecordFromStart(ctx context.Context, stateID string) (*HistoryRecord, error) {
	defer r.rlock()()
	for i := len(r.store.history) - 1; i >= 0; i-- {
		rec := r.store.history[i]
		if rec.StateID == stateID && rec.From.IsStart {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memHistory) GetRecordsBetween(ctx context.Context, startID, endID int64, stateID string, limit int) ([]*HistoryRecord, error) {
	defer r.rlock()()
	result := make([]*HistoryRecord, 0)
	for i := len(r.store.history) - 1; i >= 0; i-- {
		rec := r.store.history[i]
		if rec.StateID != stateID || rec.ID < startID || rec.ID > endID {
			continue
		}
		cp := *rec
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (r *memHistory) MarkRejected(ctx context.Context, recordID, upToRecordID int64, stateID string) error {
	defer r.lock()()
	for _, rec := range r.store.history {
		if rec.StateID == stateID && rec.ID >= recordID && rec.ID <= upToRecordID {
			rec.Rejected = true
		}
	}
	return nil
}

// Records returns a copy of the full audit trail for a state, oldest first;
// used by tests and diagnostics.
func (s *MemoryStore) Records(stateID string) []*HistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*HistoryRecord, 0)
	for _, rec := range s.history {
		if rec.StateID == stateID {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result
}

func cloneState(st *ProcessState) *ProcessState {
	cp := *st
	if st.Data != nil {
		cp.Data = make(map[string]any, len(st.Data))
		for k, v := range st.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}
