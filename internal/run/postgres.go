package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"majordomo.app/conductor/common/id"
	"majordomo.app/conductor/core/db"
	"majordomo.app/conductor/internal/model"
)

// schema is applied at boot. Everything is idempotent so concurrent
// instances can race on it safely.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	department      TEXT NOT NULL DEFAULT '',
	intent          TEXT NOT NULL,
	correlation_id  TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at     TIMESTAMPTZ,
	failure_reason  TEXT,
	attempt_count   INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS runs_idempotency_key_idx ON runs (idempotency_key);
CREATE INDEX IF NOT EXISTS runs_status_idx ON runs (status);

CREATE TABLE IF NOT EXISTS run_transitions (
	id          BIGINT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs (run_id),
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	reason      TEXT,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS run_transitions_run_id_idx ON run_transitions (run_id);
`

const runColumns = `run_id, status, department, intent, correlation_id, idempotency_key, started_at, finished_at, failure_reason, attempt_count`

// PostgresStore implements Store on the shared database pool.
type PostgresStore struct {
	db *db.DB
}

func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// EnsureSchema creates the run tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Pool().Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensuring run schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, r *model.Run) (bool, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		INSERT INTO runs (run_id, status, department, intent, correlation_id, idempotency_key, started_at, attempt_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		r.RunID, string(r.Status), string(r.Department), r.Intent, r.CorrelationID, r.IdempotencyKey, r.StartedAt, r.AttemptCount)
	if err != nil {
		return false, fmt.Errorf("inserting run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.Pool().QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

// Transition locks the row, checks the machine's rules against the recorded
// status and applies the change with its audit row in one transaction. A
// concurrent writer that advanced the run first makes this call a no-op.
func (s *PostgresStore) Transition(ctx context.Context, req TransitionRequest) (*model.Run, bool, error) {
	var (
		result  *model.Run
		applied bool
	)

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1 FOR UPDATE`, req.RunID)
		current, err := scanRun(row)
		if err != nil {
			return err
		}

		if !CanTransition(current.Status, req.To) {
			result = current
			applied = false
			return nil
		}

		from := current.Status
		now := time.Now().UTC()

		var finishedAt *time.Time
		if req.To.IsTerminal() {
			finishedAt = &now
		}

		updated := tx.QueryRow(ctx, `
			UPDATE runs
			SET status = $2,
			    finished_at = COALESCE($3, finished_at),
			    failure_reason = COALESCE($4, failure_reason),
			    department = COALESCE(NULLIF($6, ''), department)
			WHERE run_id = $1 AND status = $5
			RETURNING `+runColumns,
			req.RunID, string(req.To), finishedAt, req.Reason, string(from), string(req.Department))
		result, err = scanRun(updated)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO run_transitions (id, run_id, from_status, to_status, reason, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id.New(), req.RunID, string(from), string(req.To), req.Reason, now); err != nil {
			return fmt.Errorf("recording transition: %w", err)
		}

		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return result, applied, nil
}

func (s *PostgresStore) IncrementAttempts(ctx context.Context, runID string) error {
	tag, err := s.db.Pool().Exec(ctx, `UPDATE runs SET attempt_count = attempt_count + 1 WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("incrementing attempts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]model.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE ($1 = '' OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2`,
		string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) Transitions(ctx context.Context, runID string) ([]model.RunTransition, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, run_id, from_status, to_status, reason, recorded_at
		FROM run_transitions
		WHERE run_id = $1
		ORDER BY recorded_at ASC, id ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	defer rows.Close()

	var transitions []model.RunTransition
	for rows.Next() {
		var (
			t        model.RunTransition
			from, to string
		)
		if err := rows.Scan(&t.ID, &t.RunID, &from, &to, &t.Reason, &t.RecordedAt); err != nil {
			return nil, err
		}
		t.FromStatus = model.RunStatus(from)
		t.ToStatus = model.RunStatus(to)
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

func scanRun(row pgx.Row) (*model.Run, error) {
	var (
		r          model.Run
		status     string
		department string
	)
	err := row.Scan(&r.RunID, &status, &department, &r.Intent, &r.CorrelationID, &r.IdempotencyKey,
		&r.StartedAt, &r.FinishedAt, &r.FailureReason, &r.AttemptCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.Department = model.Department(department)
	return &r, nil
}
