package service

import (
	"context"
	"errors"

	"shepherd/internal/auth/models"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/audit"
	"shepherd/pkg/platform/sentinel"
	"shepherd/pkg/requestcontext"
)

const (
	reasonLogout      = "logout"
	reasonDeactivated = "user_deactivated"
)

// Logout revokes the caller's own session. Revoking an already revoked
// session succeeds without a second audit entry.
func (s *Service) Logout(ctx context.Context, actor domain.Actor) error {
	if actor.IsZero() {
		return dErrors.New(dErrors.CodeUnauthorized, "not authenticated")
	}
	if actor.SessionID.IsNil() {
		return dErrors.New(dErrors.CodeBadRequest, "session ID required")
	}

	now := requestcontext.Now(ctx)
	var alreadyRevoked bool
	_, err := s.sessions.Execute(ctx, actor.SessionID,
		func(sess *models.Session) error {
			if sess.ActorID != actor.ID {
				return dErrors.New(dErrors.CodeForbidden, "forbidden")
			}
			alreadyRevoked = sess.CanRevoke() != nil
			return nil
		},
		func(sess *models.Session) {
			if !alreadyRevoked {
				sess.ApplyRevocation(now)
			}
		},
	)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeForbidden) {
			return err
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "session not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke session")
	}
	if alreadyRevoked {
		return nil
	}
	return s.auditRevocation(ctx, actor, actor.SessionID, reasonLogout)
}

// DeactivateResult reports how many sessions a deactivation closed.
type DeactivateResult struct {
	RevokedCount int `json:"revoked_count"`
	FailedCount  int `json:"failed_count"`
}

// Deactivate disables an account and revokes its live sessions. It continues
// past individual revocation failures and reports them in the result.
func (s *Service) Deactivate(ctx context.Context, by domain.Actor, actorID domain.ActorID) (*DeactivateResult, error) {
	if actorID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "actor ID required")
	}
	if err := s.users.SetActive(ctx, actorID, false); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to deactivate user")
	}

	sessions, err := s.sessions.ListByActor(ctx, actorID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list sessions")
	}

	now := requestcontext.Now(ctx)
	result := &DeactivateResult{}
	for _, session := range sessions {
		var skip bool
		_, err := s.sessions.Execute(ctx, session.ID,
			func(sess *models.Session) error {
				skip = !sess.IsActive(now)
				return nil
			},
			func(sess *models.Session) {
				if !skip {
					sess.ApplyRevocation(now)
				}
			},
		)
		if err != nil {
			result.FailedCount++
			s.logger.ErrorContext(ctx, "failed to revoke session during deactivation",
				"error", err,
				"session_id", session.ID.String(),
				"actor_id", actorID.String(),
			)
			continue
		}
		if skip {
			continue
		}
		result.RevokedCount++
		if err := s.auditRevocation(ctx, by, session.ID, reasonDeactivated); err != nil {
			return result, err
		}
	}

	s.logger.InfoContext(ctx, "user deactivated",
		"actor_id", actorID.String(),
		"by", by.ID.String(),
		"revoked_sessions", result.RevokedCount,
	)
	return result, nil
}

func (s *Service) auditRevocation(ctx context.Context, by domain.Actor, sessionID domain.SessionID, reason string) error {
	s.metrics.IncRevocation(reason)
	if s.auditLog == nil {
		return nil
	}
	_, err := s.auditLog.Append(ctx, audit.Entry{
		ActorID:    by.ID,
		Role:       by.Role,
		SessionID:  by.SessionID,
		Action:     audit.ActionSessionRevoked,
		ResourceID: sessionID.String(),
		Reason:     reason,
		Outcome:    audit.OutcomeOK,
	})
	return err
}
