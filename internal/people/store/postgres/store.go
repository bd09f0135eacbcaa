package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"shepherd/internal/people"
	"shepherd/internal/platform/postgres"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
	txcontext "shepherd/pkg/platform/tx"
)

const personColumns = `id, name, email, phone, birth_date, family_id, family_role,
	stage, stage_entered_at, previous_stage, stage_version,
	consent_granted, consent_text, consent_granted_at, consent_revoked_at, consent_recorded_by,
	check_ins, last_activity_at, archived_at, created_at, updated_at`

// Store implements people.Store on the people and person_stage_history
// tables. List and ListIdle do not load the stage history.
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

func nullUUIDPtr(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return nullUUID(*id)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func scanPerson(row rowScanner) (*people.Person, error) {
	var (
		p                             people.Person
		id                            uuid.UUID
		familyID, recordedBy          uuid.NullUUID
		birth, granted, revoked, arch sql.NullTime
		stage, previous               string
	)
	err := row.Scan(&id, &p.Name, &p.Email, &p.Phone, &birth, &familyID, &p.FamilyRole,
		&stage, &p.StageEnteredAt, &previous, &p.StageVersion,
		&p.Consent.Granted, &p.Consent.Text, &granted, &revoked, &recordedBy,
		&p.CheckIns, &p.LastActivityAt, &arch, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ID = domain.PersonID(id)
	p.BirthDate = timePtr(birth)
	if familyID.Valid {
		id := familyID.UUID
		p.FamilyID = &id
	}
	p.Stage = domain.FunnelStage(stage)
	p.PreviousStage = domain.FunnelStage(previous)
	p.Consent.GrantedAt = timePtr(granted)
	p.Consent.RevokedAt = timePtr(revoked)
	p.Consent.RecordedBy = domain.ActorID(recordedBy.UUID)
	p.ArchivedAt = timePtr(arch)
	return &p, nil
}

func (s *Store) Create(ctx context.Context, person *people.Person) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
			INSERT INTO people (`+personColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
			uuid.UUID(person.ID), person.Name, person.Email, person.Phone, nullTime(person.BirthDate),
			nullUUIDPtr(person.FamilyID), person.FamilyRole,
			string(person.Stage), person.StageEnteredAt, string(person.PreviousStage), person.StageVersion,
			person.Consent.Granted, person.Consent.Text, nullTime(person.Consent.GrantedAt),
			nullTime(person.Consent.RevokedAt), nullUUID(uuid.UUID(person.Consent.RecordedBy)),
			person.CheckIns, person.LastActivityAt, nullTime(person.ArchivedAt), person.CreatedAt, person.UpdatedAt)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return sentinel.ErrAlreadyUsed
			}
			return fmt.Errorf("insert person: %w", err)
		}
		for _, change := range person.StageHistory {
			if err := s.insertHistory(ctx, person.ID, change); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) insertHistory(ctx context.Context, id domain.PersonID, c people.StageChange) error {
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO person_stage_history (person_id, from_stage, to_stage, trigger, actor_id, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.UUID(id), string(c.From), string(c.To), c.Trigger, nullUUID(uuid.UUID(c.ActorID)), c.At)
	if err != nil {
		return fmt.Errorf("insert stage history: %w", err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id domain.PersonID) (*people.Person, error) {
	exec := txcontext.Exec(ctx, s.db)
	p, err := scanPerson(exec.QueryRowContext(ctx,
		`SELECT `+personColumns+` FROM people WHERE id = $1`, uuid.UUID(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find person: %w", err)
	}
	if p.StageHistory, err = s.history(ctx, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) history(ctx context.Context, id domain.PersonID) ([]people.StageChange, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT from_stage, to_stage, trigger, actor_id, at
		FROM person_stage_history WHERE person_id = $1 ORDER BY id`, uuid.UUID(id))
	if err != nil {
		return nil, fmt.Errorf("query stage history: %w", err)
	}
	defer rows.Close()

	var out []people.StageChange
	for rows.Next() {
		var (
			c        people.StageChange
			from, to string
			actor    uuid.NullUUID
		)
		if err := rows.Scan(&from, &to, &c.Trigger, &actor, &c.At); err != nil {
			return nil, fmt.Errorf("scan stage history: %w", err)
		}
		c.From, c.To = domain.FunnelStage(from), domain.FunnelStage(to)
		c.ActorID = domain.ActorID(actor.UUID)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Update locks the row, applies fn and writes back the non-stage columns.
// stage_version moves only when fn archives the person.
func (s *Store) Update(ctx context.Context, id domain.PersonID, fn func(*people.Person) error) (*people.Person, error) {
	var updated *people.Person
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Exec(ctx, s.db)
		p, err := scanPerson(exec.QueryRowContext(ctx,
			`SELECT `+personColumns+` FROM people WHERE id = $1 FOR UPDATE`, uuid.UUID(id)))
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock person: %w", err)
		}
		wasArchived := p.IsArchived()
		if err := fn(p); err != nil {
			return err
		}
		bump := 0
		if p.IsArchived() && !wasArchived {
			bump = 1
		}
		_, err = exec.ExecContext(ctx, `
			UPDATE people SET name = $2, email = $3, phone = $4, birth_date = $5, family_id = $6, family_role = $7,
				consent_granted = $8, consent_text = $9, consent_granted_at = $10, consent_revoked_at = $11,
				consent_recorded_by = $12, archived_at = $13, updated_at = $14,
				stage_version = stage_version + $15
			WHERE id = $1`,
			uuid.UUID(id), p.Name, p.Email, p.Phone, nullTime(p.BirthDate), nullUUIDPtr(p.FamilyID), p.FamilyRole,
			p.Consent.Granted, p.Consent.Text, nullTime(p.Consent.GrantedAt), nullTime(p.Consent.RevokedAt),
			nullUUID(uuid.UUID(p.Consent.RecordedBy)), nullTime(p.ArchivedAt), p.UpdatedAt, bump)
		if err != nil {
			return fmt.Errorf("update person: %w", err)
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, updated.ID)
}

// Locked holds a FOR SHARE lock on the person row for the transaction fn
// runs in; consent and archive updates wait for it.
func (s *Store) Locked(ctx context.Context, id domain.PersonID, fn func(ctx context.Context, p *people.Person) error) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		p, err := scanPerson(txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
			`SELECT `+personColumns+` FROM people WHERE id = $1 FOR SHARE`, uuid.UUID(id)))
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock person: %w", err)
		}
		return fn(ctx, p)
	})
}

func (s *Store) CompareAndSwapStage(ctx context.Context, id domain.PersonID, expectedVersion int64, t people.Transition) (*people.Person, error) {
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Exec(ctx, s.db)
		res, err := exec.ExecContext(ctx, `
			UPDATE people SET stage = $3, stage_entered_at = $4, previous_stage = $5,
				stage_version = stage_version + 1, updated_at = $4,
				last_activity_at = CASE WHEN $6 THEN $4 ELSE last_activity_at END
			WHERE id = $1 AND stage_version = $2`,
			uuid.UUID(id), expectedVersion, string(t.Change.To), t.Change.At, string(t.PreviousStage), t.Activity)
		if err != nil {
			return fmt.Errorf("swap stage: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("swap stage: %w", err)
		}
		if n == 0 {
			var exists bool
			if err := exec.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM people WHERE id = $1)`, uuid.UUID(id)).Scan(&exists); err != nil {
				return fmt.Errorf("check person: %w", err)
			}
			if !exists {
				return sentinel.ErrNotFound
			}
			return sentinel.ErrConflict
		}
		return s.insertHistory(ctx, id, t.Change)
	})
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, id)
}

func (s *Store) RecordCheckIn(ctx context.Context, id domain.PersonID, at time.Time) (*people.Person, error) {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE people SET check_ins = check_ins + 1, last_activity_at = $2,
			stage_version = stage_version + 1, updated_at = $2
		WHERE id = $1`, uuid.UUID(id), at)
	if err != nil {
		return nil, fmt.Errorf("record check-in: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("record check-in: %w", err)
	} else if n == 0 {
		return nil, sentinel.ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *Store) List(ctx context.Context, filter people.Filter) ([]*people.Person, error) {
	query := `SELECT ` + personColumns + ` FROM people
		WHERE ($1 = '' OR stage = $1) AND ($2 OR archived_at IS NULL)
		ORDER BY name, id OFFSET $3`
	args := []any{string(filter.Stage), filter.IncludeArchived, filter.Offset}
	if filter.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, filter.Limit)
	}
	return s.query(ctx, query, args...)
}

func (s *Store) ListIdle(ctx context.Context, filter people.IdleFilter) ([]*people.Person, error) {
	stages := make([]string, len(filter.Stages))
	for i, st := range filter.Stages {
		stages[i] = string(st)
	}
	query := `SELECT ` + personColumns + ` FROM people
		WHERE stage = ANY($1) AND last_activity_at < $2 AND archived_at IS NULL
		ORDER BY last_activity_at`
	args := []any{pq.Array(stages), filter.Before}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}
	return s.query(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*people.Person, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	defer rows.Close()

	var out []*people.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CountByStage(ctx context.Context) (people.StageCount, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx,
		`SELECT stage, COUNT(*) FROM people WHERE archived_at IS NULL GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("count people: %w", err)
	}
	defer rows.Close()

	counts := make(people.StageCount)
	for _, stage := range domain.Stages() {
		counts[stage] = 0
	}
	for rows.Next() {
		var (
			stage string
			n     int
		)
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.FunnelStage(stage)] = n
	}
	return counts, rows.Err()
}
