package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"shepherd/pkg/domain"
	audit "shepherd/pkg/platform/audit"
	txcontext "shepherd/pkg/platform/tx"
)

// Store implements audit.Store on the audit_entries table. The application
// role is only granted INSERT and SELECT on that table.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const entryColumns = `seq, id, ts, actor_id, role, session_id, action, resource_type,
	resource_id, owner_id, decision, reason, outcome, request_id, client_ip, device, category`

// Append inserts the entry and returns the sequence assigned by the database.
func (s *Store) Append(ctx context.Context, e audit.Entry) (int64, error) {
	query := `
		INSERT INTO audit_entries (
			id, ts, actor_id, role, session_id, action, resource_type,
			resource_id, owner_id, decision, reason, outcome,
			request_id, client_ip, device, category
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING seq
	`
	var seq int64
	err := txcontext.Exec(ctx, s.db).QueryRowContext(ctx, query,
		e.ID,
		e.Timestamp,
		nullUUID(uuid.UUID(e.ActorID)),
		string(e.Role),
		nullUUID(uuid.UUID(e.SessionID)),
		e.Action,
		string(e.ResourceType),
		e.ResourceID,
		nullUUID(uuid.UUID(e.OwnerID)),
		string(e.Decision),
		e.Reason,
		e.Outcome,
		e.RequestID,
		e.ClientIP,
		e.Device,
		string(e.Category),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	return seq, nil
}

// Query returns matching entries in sequence order.
func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	add("seq > $%d", f.After)
	if !f.ActorID.IsNil() {
		add("actor_id = $%d", uuid.UUID(f.ActorID))
	}
	if f.Role != "" {
		add("role = $%d", string(f.Role))
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", string(f.ResourceType))
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if !f.OwnerID.IsNil() {
		add("owner_id = $%d", uuid.UUID(f.OwnerID))
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Decision != "" {
		add("decision = $%d", string(f.Decision))
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts < $%d", f.To)
	}

	query := "SELECT " + entryColumns + " FROM audit_entries WHERE " +
		strings.Join(conds, " AND ") + " ORDER BY seq ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var entries []audit.Entry
	for rows.Next() {
		var (
			e                           audit.Entry
			actorID, sessionID, ownerID uuid.NullUUID
			role, resourceType          string
			decision, category          string
		)
		err := rows.Scan(
			&e.Seq,
			&e.ID,
			&e.Timestamp,
			&actorID,
			&role,
			&sessionID,
			&e.Action,
			&resourceType,
			&e.ResourceID,
			&ownerID,
			&decision,
			&e.Reason,
			&e.Outcome,
			&e.RequestID,
			&e.ClientIP,
			&e.Device,
			&category,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ActorID = domain.ActorID(actorID.UUID)
		e.SessionID = domain.SessionID(sessionID.UUID)
		e.OwnerID = domain.PersonID(ownerID.UUID)
		e.Role = domain.Role(role)
		e.ResourceType = domain.ResourceType(resourceType)
		e.Decision = audit.Decision(decision)
		e.Category = audit.EventCategory(category)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func nullUUID(u uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: u, Valid: u != uuid.Nil}
}
