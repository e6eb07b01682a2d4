package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fluxorio/stepflow/pkg/process"
)

type sqlHistory struct {
	store *SQLStore
	q     querier
}

const historyColumns = `id, state_id,
	from_step, from_name, from_display, from_is_start, from_is_finished, from_is_action,
	to_step, to_name, to_display, to_is_start, to_is_finished, to_is_action,
	actor_id, ts, comment, type, was_rejected, rejected`

const insertHistorySQL = `INSERT INTO process_history (state_id,
	from_step, from_name, from_display, from_is_start, from_is_finished, from_is_action,
	to_step, to_name, to_display, to_is_start, to_is_finished, to_is_action,
	actor_id, ts, comment, type, was_rejected, rejected)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *sqlHistory) Append(ctx context.Context, rec *process.HistoryRecord) error {
	args := []any{
		rec.StateID,
		rec.From.ID, rec.From.Name, rec.From.DisplayName, rec.From.IsStart, rec.From.IsFinished, rec.From.IsAction,
		rec.To.ID, rec.To.Name, rec.To.DisplayName, rec.To.IsStart, rec.To.IsFinished, rec.To.IsAction,
		rec.ActorID, rec.Timestamp, rec.Comment, string(rec.Type), rec.WasRejected, rec.Rejected,
	}

	if r.store.dialect == DialectPostgres {
		row := r.q.QueryRowContext(ctx, r.store.bind(insertHistorySQL)+" RETURNING id", args...)
		if err := row.Scan(&rec.ID); err != nil {
			return fmt.Errorf("failed to append history record: %w", err)
		}
		return nil
	}

	res, err := r.q.ExecContext(ctx, insertHistorySQL, args...)
	if err != nil {
		return fmt.Errorf("failed to append history record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read history record id: %w", err)
	}
	rec.ID = id
	return nil
}

func (r *sqlHistory) GetLastRecordTargeting(ctx context.Context, stepID, stateID string) (*process.HistoryRecord, error) {
	row := r.q.QueryRowContext(ctx, r.store.bind(
		`SELECT `+historyColumns+` FROM process_history
			WHERE state_id = ? AND to_step = ? AND rejected = ?
			ORDER BY id DESC LIMIT 1`),
		stateID, stepID, false)
	rec, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r *sqlHistory) GetLastRecordFromStart(ctx context.Context, stateID string) (*process.HistoryRecord, error) {
	row := r.q.QueryRowContext(ctx, r.store.bind(
		`SELECT `+historyColumns+` FROM process_history
			WHERE state_id = ? AND from_is_start = ?
			ORDER BY id DESC LIMIT 1`),
		stateID, true)
	rec, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r *sqlHistory) GetRecordsBetween(ctx context.Context, startID, endID int64, stateID string, limit int) ([]*process.HistoryRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM process_history
		WHERE state_id = ? AND id >= ? AND id <= ?
		ORDER BY id DESC`
	args := []any{stateID, startID, endID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.q.QueryContext(ctx, r.store.bind(query), args...)
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

func (r *sqlHistory) MarkRejected(ctx context.Context, recordID, upToRecordID int64, stateID string) error {
	if _, err := r.q.ExecContext(ctx, r.store.bind(
		`UPDATE process_history SET rejected = ?
			WHERE state_id = ? AND id >= ? AND id <= ?`),
		true, stateID, recordID, upToRecordID); err != nil {
		return fmt.Errorf("failed to mark history rejected: %w", err)
	}
	return nil
}

func scanHistory(row rowScanner) (*process.HistoryRecord, error) {
	var rec process.HistoryRecord
	var ttype string
	if err := row.Scan(&rec.ID, &rec.StateID,
		&rec.From.ID, &rec.From.Name, &rec.From.DisplayName, &rec.From.IsStart, &rec.From.IsFinished, &rec.From.IsAction,
		&rec.To.ID, &rec.To.Name, &rec.To.DisplayName, &rec.To.IsStart, &rec.To.IsFinished, &rec.To.IsAction,
		&rec.ActorID, &rec.Timestamp, &rec.Comment, &ttype, &rec.WasRejected, &rec.Rejected); err != nil {
		return nil, err
	}
	rec.Type = process.TransitionType(ttype)
	return &rec, nil
}
