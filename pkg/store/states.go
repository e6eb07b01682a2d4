package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fluxorio/stepflow/pkg/process"
)

type sqlStates struct {
	store *SQLStore
	q     querier
}

const stateColumns = `id, subject_type, subject_id, workflow_id, current_step, status,
	action_status, data, owner_id, site_id, created_at, updated_at`

const insertStateSQL = `INSERT INTO process_states (` + stateColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *sqlStates) Insert(ctx context.Context, state *process.ProcessState) error {
	data, err := encodeData(state.Data)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, r.store.bind(insertStateSQL),
		state.ID, state.SubjectType, state.SubjectID, state.WorkflowID,
		state.CurrentStep, string(state.Status), state.ActionStatus, data,
		state.OwnerID, state.SiteID, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert state %s: %w", state.ID, err)
	}
	return nil
}

func (r *sqlStates) InsertBatch(ctx context.Context, states []*process.ProcessState) error {
	for _, state := range states {
		if err := r.Insert(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

func (r *sqlStates) Update(ctx context.Context, state *process.ProcessState) error {
	data, err := encodeData(state.Data)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, r.store.bind(
		`UPDATE process_states SET current_step = ?, status = ?, action_status = ?,
			data = ?, updated_at = ? WHERE id = ?`),
		state.CurrentStep, string(state.Status), state.ActionStatus,
		data, state.UpdatedAt, state.ID)
	if err != nil {
		return fmt.Errorf("failed to update state %s: %w", state.ID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("state not found: %s", state.ID)
	}
	return nil
}

func (r *sqlStates) Delete(ctx context.Context, stateID string) error {
	if _, err := r.q.ExecContext(ctx, r.store.bind(
		`DELETE FROM process_states WHERE id = ?`), stateID); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", stateID, err)
	}
	return nil
}

func (r *sqlStates) Get(ctx context.Context, stateID string) (*process.ProcessState, error) {
	row := r.q.QueryRowContext(ctx, r.store.bind(
		`SELECT `+stateColumns+` FROM process_states WHERE id = ?`), stateID)
	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return state, err
}

func (r *sqlStates) GetBySubject(ctx context.Context, subjectType, subjectID, workflowID string) ([]*process.ProcessState, error) {
	rows, err := r.q.QueryContext(ctx, r.store.bind(
		`SELECT `+stateColumns+` FROM process_states
			WHERE subject_type = ? AND subject_id = ? AND workflow_id = ?
			ORDER BY created_at`),
		subjectType, subjectID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	result := make([]*process.ProcessState, 0)
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, state)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*process.ProcessState, error) {
	var state process.ProcessState
	var status, data string
	if err := row.Scan(&state.ID, &state.SubjectType, &state.SubjectID,
		&state.WorkflowID, &state.CurrentStep, &status, &state.ActionStatus,
		&data, &state.OwnerID, &state.SiteID, &state.CreatedAt, &state.UpdatedAt); err != nil {
		return nil, err
	}
	state.Status = process.ProcessStatus(status)
	decoded, err := decodeData(data)
	if err != nil {
		return nil, err
	}
	state.Data = decoded
	return &state, nil
}
