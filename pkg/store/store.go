// Package store provides SQL-backed implementations of the engine's
// process.Store: one on database/sql usable with the sqlite3 and postgres
// drivers, and one on a pgx connection pool. Both pair the state mutation and
// the history append of a transition inside one database transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fluxorio/stepflow/pkg/process"
)

// Dialect selects placeholder style and DDL variants.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements process.Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. The dialect must match the driver the pool was
// opened with.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS process_states (
	id            TEXT PRIMARY KEY,
	subject_type  TEXT NOT NULL,
	subject_id    TEXT NOT NULL,
	workflow_id   TEXT NOT NULL,
	current_step  TEXT NOT NULL,
	status        TEXT NOT NULL,
	action_status TEXT NOT NULL DEFAULT '',
	data          TEXT NOT NULL DEFAULT '',
	owner_id      TEXT NOT NULL DEFAULT '',
	site_id       TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_states_subject
	ON process_states (subject_type, subject_id, workflow_id);

CREATE TABLE IF NOT EXISTS process_history (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	state_id         TEXT NOT NULL,
	from_step        TEXT NOT NULL,
	from_name        TEXT NOT NULL DEFAULT '',
	from_display     TEXT NOT NULL DEFAULT '',
	from_is_start    BOOLEAN NOT NULL DEFAULT FALSE,
	from_is_finished BOOLEAN NOT NULL DEFAULT FALSE,
	from_is_action   BOOLEAN NOT NULL DEFAULT FALSE,
	to_step          TEXT NOT NULL,
	to_name          TEXT NOT NULL DEFAULT '',
	to_display       TEXT NOT NULL DEFAULT '',
	to_is_start      BOOLEAN NOT NULL DEFAULT FALSE,
	to_is_finished   BOOLEAN NOT NULL DEFAULT FALSE,
	to_is_action     BOOLEAN NOT NULL DEFAULT FALSE,
	actor_id         TEXT NOT NULL DEFAULT '',
	ts               TIMESTAMP NOT NULL,
	comment          TEXT NOT NULL DEFAULT '',
	type             TEXT NOT NULL,
	was_rejected     BOOLEAN NOT NULL DEFAULT FALSE,
	rejected         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_process_history_state
	ON process_history (state_id, id);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS process_states (
	id            TEXT PRIMARY KEY,
	subject_type  TEXT NOT NULL,
	subject_id    TEXT NOT NULL,
	workflow_id   TEXT NOT NULL,
	current_step  TEXT NOT NULL,
	status        TEXT NOT NULL,
	action_status TEXT NOT NULL DEFAULT '',
	data          TEXT NOT NULL DEFAULT '',
	owner_id      TEXT NOT NULL DEFAULT '',
	site_id       TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_states_subject
	ON process_states (subject_type, subject_id, workflow_id);

CREATE TABLE IF NOT EXISTS process_history (
	id               BIGSERIAL PRIMARY KEY,
	state_id         TEXT NOT NULL,
	from_step        TEXT NOT NULL,
	from_name        TEXT NOT NULL DEFAULT '',
	from_display     TEXT NOT NULL DEFAULT '',
	from_is_start    BOOLEAN NOT NULL DEFAULT FALSE,
	from_is_finished BOOLEAN NOT NULL DEFAULT FALSE,
	from_is_action   BOOLEAN NOT NULL DEFAULT FALSE,
	to_step          TEXT NOT NULL,
	to_name          TEXT NOT NULL DEFAULT '',
	to_display       TEXT NOT NULL DEFAULT '',
	to_is_start      BOOLEAN NOT NULL DEFAULT FALSE,
	to_is_finished   BOOLEAN NOT NULL DEFAULT FALSE,
	to_is_action     BOOLEAN NOT NULL DEFAULT FALSE,
	actor_id         TEXT NOT NULL DEFAULT '',
	ts               TIMESTAMPTZ NOT NULL,
	comment          TEXT NOT NULL DEFAULT '',
	type             TEXT NOT NULL,
	was_rejected     BOOLEAN NOT NULL DEFAULT FALSE,
	rejected         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_process_history_state
	ON process_history (state_id, id);
`

// InitSchema creates the tables and indexes when missing.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	ddl := schemaSQLite
	if s.dialect == DialectPostgres {
		ddl = schemaPostgres
	}
	for _, stmt := range splitStatements(ddl) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	stmts := make([]string, 0)
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// bind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	return rebindPostgres(query)
}

func rebindPostgres(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// States implements process.Store.
func (s *SQLStore) States() process.StateRepository {
	return &sqlStates{store: s, q: s.db}
}

// History implements process.Store.
func (s *SQLStore) History() process.HistoryRepository {
	return &sqlHistory{store: s, q: s.db}
}

// WithinTx implements process.Store.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(tx process.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&sqlTx{store: s, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// sqlTx is the transactional view handed to WithinTx callbacks.
type sqlTx struct {
	store *SQLStore
	tx    *sql.Tx
}

func (t *sqlTx) States() process.StateRepository {
	return &sqlStates{store: t.store, q: t.tx}
}

func (t *sqlTx) History() process.HistoryRepository {
	return &sqlHistory{store: t.store, q: t.tx}
}

func (t *sqlTx) WithinTx(ctx context.Context, fn func(tx process.Store) error) error {
	// Already inside a transaction; run against the same view.
	return fn(t)
}

func encodeData(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode state data: %w", err)
	}
	return string(raw), nil
}

func decodeData(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to decode state data: %w", err)
	}
	return data, nil
}
