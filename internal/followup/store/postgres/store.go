package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shepherd/internal/followup"
	"shepherd/internal/platform/postgres"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
	txcontext "shepherd/pkg/platform/tx"
)

const taskColumns = `id, person_id, reason, stage, assignee_role, assignee_id, due_at, status,
	created_at, completed_at, completed_by, outcome`

// Store implements followup.Store on the follow_up_tasks table. A partial
// unique index keeps one pending task per key.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func scanTask(row rowScanner) (*followup.Task, error) {
	var (
		t                           followup.Task
		id, person                  uuid.UUID
		assignee, completedBy       uuid.NullUUID
		reason, stage, role, status string
		completedAt                 sql.NullTime
	)
	err := row.Scan(&id, &person, &reason, &stage, &role, &assignee, &t.DueAt, &status,
		&t.CreatedAt, &completedAt, &completedBy, &t.Outcome)
	if err != nil {
		return nil, err
	}
	t.ID = domain.TaskID(id)
	t.PersonID = domain.PersonID(person)
	t.Reason = followup.Reason(reason)
	t.Stage = domain.FunnelStage(stage)
	t.AssigneeRole = domain.Role(role)
	t.AssigneeID = domain.ActorID(assignee.UUID)
	t.Status = followup.Status(status)
	t.CompletedBy = domain.ActorID(completedBy.UUID)
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	return &t, nil
}

func (s *Store) Create(ctx context.Context, t *followup.Task) error {
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO follow_up_tasks (id, person_id, reason, stage, assignee_role, assignee_id, due_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.UUID(t.ID), uuid.UUID(t.PersonID), string(t.Reason), string(t.Stage), string(t.AssigneeRole),
		nullUUID(uuid.UUID(t.AssigneeID)), t.DueAt, string(t.Status), t.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id domain.TaskID) (*followup.Task, error) {
	t, err := scanTask(txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM follow_up_tasks WHERE id = $1`, uuid.UUID(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find task: %w", err)
	}
	return t, nil
}

func (s *Store) List(ctx context.Context, filter followup.Filter) ([]*followup.Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM follow_up_tasks
		WHERE ($1::uuid IS NULL OR person_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR assignee_role = $3)
		ORDER BY due_at, id
		OFFSET $4 LIMIT NULLIF($5::int, 0)`,
		nullUUID(uuid.UUID(filter.PersonID)), string(filter.Status), string(filter.AssigneeRole),
		filter.Offset, filter.Limit)
}

func (s *Store) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*followup.Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM follow_up_tasks
		WHERE status = 'pending' AND due_at < $1
		ORDER BY due_at, id
		LIMIT NULLIF($2::int, 0)`, now, limit)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*followup.Task, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*followup.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Complete(ctx context.Context, id domain.TaskID, at time.Time, by domain.ActorID, outcome string) (*followup.Task, error) {
	return s.close(ctx, id, `UPDATE follow_up_tasks
		SET status = 'done', completed_at = $2, completed_by = $3, outcome = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+taskColumns, uuid.UUID(id), at, uuid.UUID(by), outcome)
}

func (s *Store) Expire(ctx context.Context, id domain.TaskID) (*followup.Task, error) {
	return s.close(ctx, id, `UPDATE follow_up_tasks SET status = 'expired'
		WHERE id = $1 AND status = 'pending'
		RETURNING `+taskColumns, uuid.UUID(id))
}

// close runs a guarded update; no row means the task is missing or no
// longer pending.
func (s *Store) close(ctx context.Context, id domain.TaskID, query string, args ...any) (*followup.Task, error) {
	exec := txcontext.Exec(ctx, s.db)
	t, err := scanTask(exec.QueryRowContext(ctx, query, args...))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("close task: %w", err)
	}
	var exists bool
	if err := exec.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM follow_up_tasks WHERE id = $1)`, uuid.UUID(id)).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check task: %w", err)
	}
	if !exists {
		return nil, sentinel.ErrNotFound
	}
	return nil, sentinel.ErrConflict
}
