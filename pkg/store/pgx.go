package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxorio/stepflow/pkg/process"
)

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// PgxStore implements process.Store on a pgx connection pool. It speaks
// the same postgres schema as SQLStore with DialectPostgres.
type PgxStore struct {
	pool *pgxpool.Pool
}

// NewPgxStore wraps an existing pool. The caller owns the pool lifecycle.
func NewPgxStore(pool *pgxpool.Pool) *PgxStore {
	return &PgxStore{pool: pool}
}

// Connect opens a pool from a postgres connection string and pings it.
func Connect(ctx context.Context, dsn string) (*PgxStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PgxStore{pool: pool}, nil
}

// InitSchema creates the state and history tables if they do not exist.
func (s *PgxStore) InitSchema(ctx context.Context) error {
	for _, stmt := range splitStatements(schemaPostgres) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool.
func (s *PgxStore) Close() {
	s.pool.Close()
}

func (s *PgxStore) States() process.StateRepository {
	return &pgxStates{q: s.pool}
}

func (s *PgxStore) History() process.HistoryRepository {
	return &pgxHistory{q: s.pool}
}

func (s *PgxStore) WithinTx(ctx context.Context, fn func(tx process.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&pgxTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) States() process.StateRepository {
	return &pgxStates{q: t.tx}
}

func (t *pgxTx) History() process.HistoryRepository {
	return &pgxHistory{q: t.tx}
}

func (t *pgxTx) WithinTx(ctx context.Context, fn func(tx process.Store) error) error {
	return fn(t)
}

type pgxStates struct {
	q pgxQuerier
}

func (r *pgxStates) Insert(ctx context.Context, state *process.ProcessState) error {
	data, err := encodeData(state.Data)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, rebindPostgres(insertStateSQL),
		state.ID, state.SubjectType, state.SubjectID, state.WorkflowID,
		state.CurrentStep, string(state.Status), state.ActionStatus, data,
		state.OwnerID, state.SiteID, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert state %s: %w", state.ID, err)
	}
	return nil
}

func (r *pgxStates) InsertBatch(ctx context.Context, states []*process.ProcessState) error {
	if len(states) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(states))
	for _, state := range states {
		data, err := encodeData(state.Data)
		if err != nil {
			return err
		}
		rows = append(rows, []any{
			state.ID, state.SubjectType, state.SubjectID, state.WorkflowID,
			state.CurrentStep, string(state.Status), state.ActionStatus, data,
			state.OwnerID, state.SiteID, state.CreatedAt, state.UpdatedAt,
		})
	}
	_, err := r.q.CopyFrom(ctx, pgx.Identifier{"process_states"},
		[]string{"id", "subject_type", "subject_id", "workflow_id",
			"current_step", "status", "action_status", "data",
			"owner_id", "site_id", "created_at", "updated_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to batch insert states: %w", err)
	}
	return nil
}

func (r *pgxStates) Update(ctx context.Context, state *process.ProcessState) error {
	data, err := encodeData(state.Data)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, rebindPostgres(
		`UPDATE process_states SET current_step = ?, status = ?, action_status = ?,
			data = ?, updated_at = ? WHERE id = ?`),
		state.CurrentStep, string(state.Status), state.ActionStatus,
		data, state.UpdatedAt, state.ID)
	if err != nil {
		return fmt.Errorf("failed to update state %s: %w", state.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("state not found: %s", state.ID)
	}
	return nil
}

func (r *pgxStates) Delete(ctx context.Context, stateID string) error {
	if _, err := r.q.Exec(ctx, rebindPostgres(
		`DELETE FROM process_states WHERE id = ?`), stateID); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", stateID, err)
	}
	return nil
}

func (r *pgxStates) Get(ctx context.Context, stateID string) (*process.ProcessState, error) {
	row := r.q.QueryRow(ctx, rebindPostgres(
		`SELECT `+stateColumns+` FROM process_states WHERE id = ?`), stateID)
	state, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return state, err
}

func (r *pgxStates) GetBySubject(ctx context.Context, subjectType, subjectID, workflowID string) ([]*process.ProcessState, error) {
	rows, err := r.q.Query(ctx, rebindPostgres(
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

type pgxHistory struct {
	q pgxQuerier
}

func (r *pgxHistory) Append(ctx context.Context, rec *process.HistoryRecord) error {
	row := r.q.QueryRow(ctx, rebindPostgres(insertHistorySQL)+" RETURNING id",
		rec.StateID,
		rec.From.ID, rec.From.Name, rec.From.DisplayName, rec.From.IsStart, rec.From.IsFinished, rec.From.IsAction,
		rec.To.ID, rec.To.Name, rec.To.DisplayName, rec.To.IsStart, rec.To.IsFinished, rec.To.IsAction,
		rec.ActorID, rec.Timestamp, rec.Comment, string(rec.Type), rec.WasRejected, rec.Rejected)
	if err := row.Scan(&rec.ID); err != nil {
		return fmt.Errorf("failed to append history record: %w", err)
	}
	return nil
}

func (r *pgxHistory) GetLastRecordTargeting(ctx context.Context, stepID, stateID string) (*process.HistoryRecord, error) {
	row := r.q.QueryRow(ctx, rebindPostgres(
		`SELECT `+historyColumns+` FROM process_history
			WHERE state_id = ? AND to_step = ? AND rejected = ?
			ORDER BY id DESC LIMIT 1`),
		stateID, stepID, false)
	rec, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r *pgxHistory) GetLastRecordFromStart(ctx context.Context, stateID string) (*process.HistoryRecord, error) {
	row := r.q.QueryRow(ctx, rebindPostgres(
		`SELECT `+historyColumns+` FROM process_history
			WHERE state_id = ? AND from_is_start = ?
			ORDER BY id DESC LIMIT 1`),
		stateID, true)
	rec, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r *pgxHistory) GetRecordsBetween(ctx context.Context, startID, endID int64, stateID string, limit int) ([]*process.HistoryRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM process_history
		WHERE state_id = ? AND id >= ? AND id <= ?
		ORDER BY id DESC`
	args := []any{stateID, startID, endID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.q.Query(ctx, rebindPostgres(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	result := make([]*process.HistoryRecord, 0)
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (r *pgxHistory) MarkRejected(ctx context.Context, recordID, upToRecordID int64, stateID string) error {
	if _, err := r.q.Exec(ctx, rebindPostgres(
		`UPDATE process_history SET rejected = ?
			WHERE state_id = ? AND id >= ? AND id <= ?`),
		true, stateID, recordID, upToRecordID); err != nil {
		return fmt.Errorf("failed to mark history rejected: %w", err)
	}
	return nil
}
