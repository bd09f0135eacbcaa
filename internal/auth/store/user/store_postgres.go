package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shepherd/internal/auth/models"
	"shepherd/internal/platform/postgres"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
	txcontext "shepherd/pkg/platform/tx"
)

// PostgresStore persists staff accounts in the users table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed user store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, name, role, password_hash, person_id, active, created_at, last_login_at`

func (s *PostgresStore) Save(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, name, role, password_hash, person_id, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	var personID uuid.NullUUID
	if !user.PersonID.IsNil() {
		personID = uuid.NullUUID{UUID: uuid.UUID(user.PersonID), Valid: true}
	}
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(user.ID),
		models.NormalizeEmail(user.Email),
		user.Name,
		string(user.Role),
		user.PasswordHash,
		personID,
		user.Active,
		user.CreatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id domain.ActorID) (*models.User, error) {
	row := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", uuid.UUID(id))
	return scanUser(row)
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	row := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1", models.NormalizeEmail(email))
	return scanUser(row)
}

func (s *PostgresStore) RecordLogin(ctx context.Context, id domain.ActorID, at time.Time) error {
	return s.update(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, uuid.UUID(id), at)
}

func (s *PostgresStore) SetActive(ctx context.Context, id domain.ActorID, active bool) error {
	return s.update(ctx, `UPDATE users SET active = $2 WHERE id = $1`, uuid.UUID(id), active)
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.User, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) update(ctx context.Context, query string, args ...any) error {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user      models.User
		id        uuid.UUID
		role      string
		personID  uuid.NullUUID
		lastLogin sql.NullTime
	)
	err := row.Scan(&id, &user.Email, &user.Name, &role, &user.PasswordHash,
		&personID, &user.Active, &user.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	user.ID = domain.ActorID(id)
	user.Role = domain.Role(role)
	if personID.Valid {
		user.PersonID = domain.PersonID(personID.UUID)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLoginAt = &t
	}
	return &user, nil
}
