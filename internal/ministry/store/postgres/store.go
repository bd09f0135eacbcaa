package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shepherd/internal/ministry"
	"shepherd/internal/platform/postgres"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
	txcontext "shepherd/pkg/platform/tx"
)

// Store implements ministry.Store on the ministries, ministry_leaders,
// ministry_members and pastoral_assignments tables.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateMinistry(ctx context.Context, m ministry.Ministry) error {
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx,
		`INSERT INTO ministries (id, name, created_at) VALUES ($1, $2, $3)`,
		uuid.UUID(m.ID), m.Name, m.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert ministry: %w", err)
	}
	return nil
}

func (s *Store) FindMinistry(ctx context.Context, id domain.MinistryID) (ministry.Ministry, error) {
	var (
		m   ministry.Ministry
		raw uuid.UUID
	)
	err := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT id, name, created_at FROM ministries WHERE id = $1`, uuid.UUID(id),
	).Scan(&raw, &m.Name, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ministry.Ministry{}, sentinel.ErrNotFound
	}
	if err != nil {
		return ministry.Ministry{}, fmt.Errorf("find ministry: %w", err)
	}
	m.ID = domain.MinistryID(raw)
	return m, nil
}

func (s *Store) ListMinistries(ctx context.Context) ([]ministry.Ministry, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx,
		`SELECT id, name, created_at FROM ministries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list ministries: %w", err)
	}
	defer rows.Close()

	var out []ministry.Ministry
	for rows.Next() {
		var (
			m   ministry.Ministry
			raw uuid.UUID
		)
		if err := rows.Scan(&raw, &m.Name, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ministry: %w", err)
		}
		m.ID = domain.MinistryID(raw)
		out = append(out, m)
	}
	return out, rows.Err()
}

// openOnce inserts a relation row unless an open one already exists.
func (s *Store) openOnce(ctx context.Context, exists, insert string, args ...any) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Exec(ctx, s.db)
		var open bool
		if err := exec.QueryRowContext(ctx, exists, args[0], args[1]).Scan(&open); err != nil {
			return fmt.Errorf("check relation: %w", err)
		}
		if open {
			return sentinel.ErrAlreadyUsed
		}
		if _, err := exec.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("insert relation: %w", err)
		}
		return nil
	})
}

func (s *Store) close(ctx context.Context, query string, args ...any) error {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("end relation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end relation: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *Store) StartLeadership(ctx context.Context, ministryID domain.MinistryID, leader domain.ActorID, at time.Time) error {
	return s.openOnce(ctx,
		`SELECT EXISTS (SELECT 1 FROM ministry_leaders WHERE ministry_id = $1 AND leader_id = $2 AND ended_at IS NULL)`,
		`INSERT INTO ministry_leaders (ministry_id, leader_id, started_at) VALUES ($1, $2, $3)`,
		uuid.UUID(ministryID), uuid.UUID(leader), at)
}

func (s *Store) EndLeadership(ctx context.Context, ministryID domain.MinistryID, leader domain.ActorID, at time.Time) error {
	return s.close(ctx,
		`UPDATE ministry_leaders SET ended_at = $3 WHERE ministry_id = $1 AND leader_id = $2 AND ended_at IS NULL`,
		uuid.UUID(ministryID), uuid.UUID(leader), at)
}

func (s *Store) AddMember(ctx context.Context, ministryID domain.MinistryID, person domain.PersonID, at time.Time) error {
	return s.openOnce(ctx,
		`SELECT EXISTS (SELECT 1 FROM ministry_members WHERE ministry_id = $1 AND person_id = $2 AND left_at IS NULL)`,
		`INSERT INTO ministry_members (ministry_id, person_id, joined_at) VALUES ($1, $2, $3)`,
		uuid.UUID(ministryID), uuid.UUID(person), at)
}

func (s *Store) RemoveMember(ctx context.Context, ministryID domain.MinistryID, person domain.PersonID, at time.Time) error {
	return s.close(ctx,
		`UPDATE ministry_members SET left_at = $3 WHERE ministry_id = $1 AND person_id = $2 AND left_at IS NULL`,
		uuid.UUID(ministryID), uuid.UUID(person), at)
}

func (s *Store) AssignPastor(ctx context.Context, person domain.PersonID, pastor domain.ActorID, at time.Time) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Exec(ctx, s.db)
		if _, err := exec.ExecContext(ctx,
			`UPDATE pastoral_assignments SET ended_at = $2 WHERE person_id = $1 AND ended_at IS NULL`,
			uuid.UUID(person), at); err != nil {
			return fmt.Errorf("end previous assignment: %w", err)
		}
		if _, err := exec.ExecContext(ctx,
			`INSERT INTO pastoral_assignments (person_id, pastor_id, started_at) VALUES ($1, $2, $3)`,
			uuid.UUID(person), uuid.UUID(pastor), at); err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
		return nil
	})
}

func (s *Store) EndPastoralAssignment(ctx context.Context, person domain.PersonID, at time.Time) error {
	return s.close(ctx,
		`UPDATE pastoral_assignments SET ended_at = $2 WHERE person_id = $1 AND ended_at IS NULL`,
		uuid.UUID(person), at)
}

func (s *Store) LeadsMinistryOf(ctx context.Context, leader domain.ActorID, person domain.PersonID, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM ministry_leaders l
			JOIN ministry_members m ON m.ministry_id = l.ministry_id
			WHERE l.leader_id = $1
			  AND m.person_id = $2
			  AND (l.ended_at IS NULL OR l.ended_at > $3)
			  AND (m.left_at IS NULL OR m.left_at > $3)
		)
	`
	var leads bool
	if err := txcontext.Exec(ctx, s.db).QueryRowContext(ctx, query,
		uuid.UUID(leader), uuid.UUID(person), since).Scan(&leads); err != nil {
		return false, fmt.Errorf("check leadership: %w", err)
	}
	return leads, nil
}

func (s *Store) IsAssignedPastor(ctx context.Context, pastor domain.ActorID, person domain.PersonID, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM pastoral_assignments
			WHERE pastor_id = $1 AND person_id = $2 AND (ended_at IS NULL OR ended_at > $3)
		)
	`
	var assigned bool
	if err := txcontext.Exec(ctx, s.db).QueryRowContext(ctx, query,
		uuid.UUID(pastor), uuid.UUID(person), since).Scan(&assigned); err != nil {
		return false, fmt.Errorf("check pastoral assignment: %w", err)
	}
	return assigned, nil
}
