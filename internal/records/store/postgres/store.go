package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"shepherd/internal/cipher"
	"shepherd/internal/platform/postgres"
	"shepherd/internal/records"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
	txcontext "shepherd/pkg/platform/tx"
)

const recordColumns = `id, person_id, kind, ciphertext, key_version, created_by, created_at,
	supersedes, superseded_by, erased_at, erased_by, erasure_reason, erasure_reference`

// Store implements records.Store on the sensitive_records table.
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

func scanRecord(row rowScanner) (*records.Record, error) {
	var (
		r                                  records.Record
		id, person, createdBy              uuid.UUID
		supersedes, supersededBy, erasedBy uuid.NullUUID
		kind, reason, reference            string
		version                            int64
		erasedAt                           sql.NullTime
	)
	err := row.Scan(&id, &person, &kind, &r.Ciphertext, &version, &createdBy, &r.CreatedAt,
		&supersedes, &supersededBy, &erasedAt, &erasedBy, &reason, &reference)
	if err != nil {
		return nil, err
	}
	r.ID = domain.RecordID(id)
	r.PersonID = domain.PersonID(person)
	r.Kind = records.Kind(kind)
	r.KeyVersion = cipher.KeyVersion(version)
	r.CreatedBy = domain.ActorID(createdBy)
	r.Supersedes = domain.RecordID(supersedes.UUID)
	r.SupersededBy = domain.RecordID(supersededBy.UUID)
	if erasedAt.Valid {
		r.Erasure = &records.Erasure{
			ErasedAt:  erasedAt.Time,
			ErasedBy:  domain.ActorID(erasedBy.UUID),
			Reason:    reason,
			Reference: reference,
		}
	}
	return &r, nil
}

func (s *Store) Create(ctx context.Context, r *records.Record) error {
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO sensitive_records (id, person_id, kind, ciphertext, key_version, created_by, created_at, supersedes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.UUID(r.ID), uuid.UUID(r.PersonID), string(r.Kind), r.Ciphertext, int64(r.KeyVersion),
		uuid.UUID(r.CreatedBy), r.CreatedAt, nullUUID(uuid.UUID(r.Supersedes)))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id domain.RecordID) (*records.Record, error) {
	r, err := scanRecord(txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM sensitive_records WHERE id = $1`, uuid.UUID(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find record: %w", err)
	}
	return r, nil
}

func (s *Store) ListByPerson(ctx context.Context, personID domain.PersonID, kind records.Kind) ([]*records.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM sensitive_records
		WHERE person_id = $1 AND kind = $2 ORDER BY created_at, id`,
		uuid.UUID(personID), string(kind))
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*records.Record, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*records.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// guardedUpdate runs an UPDATE whose WHERE clause also checks state, and
// tells a missing row apart from one in the wrong state.
func (s *Store) guardedUpdate(ctx context.Context, id domain.RecordID, query string, args ...any) error {
	exec := txcontext.Exec(ctx, s.db)
	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := exec.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sensitive_records WHERE id = $1)`, uuid.UUID(id)).Scan(&exists); err != nil {
		return fmt.Errorf("check record: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrConflict
}

func (s *Store) Supersede(ctx context.Context, previous domain.RecordID, next *records.Record) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		if err := s.Create(ctx, next); err != nil {
			return err
		}
		return s.guardedUpdate(ctx, previous, `
			UPDATE sensitive_records SET superseded_by = $2
			WHERE id = $1 AND superseded_by IS NULL AND erased_at IS NULL`,
			uuid.UUID(previous), uuid.UUID(next.ID))
	})
}

func (s *Store) Erase(ctx context.Context, id domain.RecordID, e records.Erasure) error {
	return s.guardedUpdate(ctx, id, `
		UPDATE sensitive_records
		SET ciphertext = NULL, erased_at = $2, erased_by = $3, erasure_reason = $4, erasure_reference = $5
		WHERE id = $1 AND erased_at IS NULL`,
		uuid.UUID(id), e.ErasedAt, uuid.UUID(e.ErasedBy), e.Reason, e.Reference)
}

func (s *Store) ListStale(ctx context.Context, active cipher.KeyVersion, limit int) ([]*records.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM sensitive_records
		WHERE key_version <> $1 AND erased_at IS NULL ORDER BY created_at, id`
	args := []any{int64(active)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *Store) Rekey(ctx context.Context, id domain.RecordID, from cipher.KeyVersion, env cipher.Envelope) error {
	return s.guardedUpdate(ctx, id, `
		UPDATE sensitive_records SET ciphertext = $3, key_version = $4
		WHERE id = $1 AND key_version = $2 AND erased_at IS NULL`,
		uuid.UUID(id), int64(from), env.Blob, int64(env.KeyVersion))
}

func (s *Store) CountByKeyVersion(ctx context.Context, version cipher.KeyVersion) (int, error) {
	var n int
	err := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sensitive_records WHERE key_version = $1 AND erased_at IS NULL`,
		int64(version)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
