// Package audit exposes the audit trail to staff. Reading the trail is
// itself a guarded, audited access.
package audit

import (
	"context"
	"time"

	"shepherd/internal/authz"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/audit"
)

type Log interface {
	Query(ctx context.Context, filter audit.Filter) (audit.Page, error)
}

type Guard interface {
	Require(ctx context.Context, req authz.Request) (authz.Grant, error)
}

// Service answers audit trail queries.
type Service struct {
	log   Log
	guard Guard
}

func NewService(log Log, guard Guard) *Service {
	return &Service{log: log, guard: guard}
}

// Query returns one page of entries. A filter on a person is authorized
// against that person, so roles scoped to their own people may read their
// trail.
func (s *Service) Query(ctx context.Context, actor domain.Actor, filter audit.Filter) (audit.Page, error) {
	if filter.Role != "" && !filter.Role.IsValid() {
		return audit.Page{}, dErrors.New(dErrors.CodeInvalidInput, "unknown role")
	}
	if filter.ResourceType != "" && !filter.ResourceType.IsValid() {
		return audit.Page{}, dErrors.New(dErrors.CodeInvalidInput, "unknown resource type")
	}
	if filter.Decision != "" && filter.Decision != audit.DecisionAllowed && filter.Decision != audit.DecisionDenied {
		return audit.Page{}, dErrors.New(dErrors.CodeInvalidInput, "unknown decision")
	}
	if _, err := s.guard.Require(ctx, authz.Request{
		Actor:    actor,
		Action:   domain.ActionRead,
		Resource: domain.ResourceAuditLog,
		OwnerID:  filter.OwnerID,
	}); err != nil {
		return audit.Page{}, err
	}
	return s.log.Query(ctx, filter)
}

// EntryView is the JSON shape of an entry.
type EntryView struct {
	Seq          int64     `json:"seq"`
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ActorID      string    `json:"actor_id,omitempty"`
	Role         string    `json:"role,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	OwnerID      string    `json:"owner_id,omitempty"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	ClientIP     string    `json:"client_ip,omitempty"`
	Device       string    `json:"device,omitempty"`
	Category     string    `json:"category"`
}

func View(e audit.Entry) EntryView {
	v := EntryView{
		Seq:          e.Seq,
		ID:           e.ID.String(),
		Timestamp:    e.Timestamp,
		Role:         string(e.Role),
		Action:       e.Action,
		ResourceType: string(e.ResourceType),
		ResourceID:   e.ResourceID,
		Decision:     string(e.Decision),
		Reason:       e.Reason,
		Outcome:      e.Outcome,
		RequestID:    e.RequestID,
		ClientIP:     e.ClientIP,
		Device:       e.Device,
		Category:     string(e.Category),
	}
	if !e.ActorID.IsNil() {
		v.ActorID = e.ActorID.String()
	}
	if !e.SessionID.IsNil() {
		v.SessionID = e.SessionID.String()
	}
	if !e.OwnerID.IsNil() {
		v.OwnerID = e.OwnerID.String()
	}
	return v
}
