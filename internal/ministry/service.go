// Package ministry keeps the relations that make a staff user the "owner" of
// a person: ministry leadership over enrolled members and pastoral
// assignment. It implements authz.Relations.
package ministry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"shepherd/internal/authz"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/sentinel"
	"shepherd/pkg/requestcontext"
)

type Store interface {
	CreateMinistry(ctx context.Context, m Ministry) error
	FindMinistry(ctx context.Context, id domain.MinistryID) (Ministry, error)
	ListMinistries(ctx context.Context) ([]Ministry, error)
	StartLeadership(ctx context.Context, ministryID domain.MinistryID, leader domain.ActorID, at time.Time) error
	EndLeadership(ctx context.Context, ministryID domain.MinistryID, leader domain.ActorID, at time.Time) error
	AddMember(ctx context.Context, ministryID domain.MinistryID, person domain.PersonID, at time.Time) error
	RemoveMember(ctx context.Context, ministryID domain.MinistryID, person domain.PersonID, at time.Time) error
	// AssignPastor ends any open assignment for the person and opens a new one.
	AssignPastor(ctx context.Context, person domain.PersonID, pastor domain.ActorID, at time.Time) error
	EndPastoralAssignment(ctx context.Context, person domain.PersonID, at time.Time) error
	LeadsMinistryOf(ctx context.Context, leader domain.ActorID, person domain.PersonID, since time.Time) (bool, error)
	IsAssignedPastor(ctx context.Context, pastor domain.ActorID, person domain.PersonID, since time.Time) (bool, error)
}

// Guard authorizes relation changes.
type Guard interface {
	Require(ctx context.Context, req authz.Request) (authz.Grant, error)
}

// Service manages ministry and pastoral relations.
type Service struct {
	store  Store
	guard  Guard
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(store Store, guard Guard, opts ...Option) *Service {
	s := &Service{
		store:  store,
		guard:  guard,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LeadsMinistryOf delegates to the store; it is the ownership query the
// guard runs and so is not itself guarded.
func (s *Service) LeadsMinistryOf(ctx context.Context, leader domain.ActorID, person domain.PersonID, since time.Time) (bool, error) {
	return s.store.LeadsMinistryOf(ctx, leader, person, since)
}

func (s *Service) IsAssignedPastor(ctx context.Context, pastor domain.ActorID, person domain.PersonID, since time.Time) (bool, error) {
	return s.store.IsAssignedPastor(ctx, pastor, person, since)
}

// requireWrite guards relation changes as person/write on the affected
// person, or on no particular person for ministry-level changes.
func (s *Service) requireWrite(ctx context.Context, actor domain.Actor, person domain.PersonID) error {
	_, err := s.guard.Require(ctx, authz.Request{
		Actor:    actor,
		Action:   domain.ActionWrite,
		Resource: domain.ResourcePerson,
		OwnerID:  person,
	})
	return err
}

func (s *Service) CreateMinistry(ctx context.Context, actor domain.Actor, name string) (Ministry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Ministry{}, dErrors.New(dErrors.CodeInvalidInput, "ministry name is required")
	}
	if err := s.requireWrite(ctx, actor, domain.PersonID{}); err != nil {
		return Ministry{}, err
	}
	m := Ministry{ID: domain.NewMinistryID(), Name: name, CreatedAt: requestcontext.Now(ctx)}
	if err := s.store.CreateMinistry(ctx, m); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return Ministry{}, dErrors.New(dErrors.CodeConflict, "ministry name already in use")
		}
		return Ministry{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create ministry")
	}
	s.logger.InfoContext(ctx, "ministry created", "ministry_id", m.ID.String(), "name", m.Name)
	return m, nil
}

func (s *Service) ListMinistries(ctx context.Context) ([]Ministry, error) {
	list, err := s.store.ListMinistries(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list ministries")
	}
	return list, nil
}

func (s *Service) AssignLeader(ctx context.Context, actor domain.Actor, ministryID domain.MinistryID, leader domain.ActorID) error {
	if err := s.requireWrite(ctx, actor, domain.PersonID{}); err != nil {
		return err
	}
	if err := s.ensureMinistry(ctx, ministryID); err != nil {
		return err
	}
	if err := s.store.StartLeadership(ctx, ministryID, leader, requestcontext.Now(ctx)); err != nil {
		return translate(err, "leader already active")
	}
	s.logger.InfoContext(ctx, "ministry leader assigned", "ministry_id", ministryID.String(), "leader_id", leader.String())
	return nil
}

func (s *Service) EndLeadership(ctx context.Context, actor domain.Actor, ministryID domain.MinistryID, leader domain.ActorID) error {
	if err := s.requireWrite(ctx, actor, domain.PersonID{}); err != nil {
		return err
	}
	if err := s.store.EndLeadership(ctx, ministryID, leader, requestcontext.Now(ctx)); err != nil {
		return translate(err, "")
	}
	s.logger.InfoContext(ctx, "ministry leadership ended", "ministry_id", ministryID.String(), "leader_id", leader.String())
	return nil
}

func (s *Service) Enroll(ctx context.Context, actor domain.Actor, ministryID domain.MinistryID, person domain.PersonID) error {
	if err := s.requireWrite(ctx, actor, person); err != nil {
		return err
	}
	if err := s.ensureMinistry(ctx, ministryID); err != nil {
		return err
	}
	if err := s.store.AddMember(ctx, ministryID, person, requestcontext.Now(ctx)); err != nil {
		return translate(err, "person already enrolled")
	}
	return nil
}

func (s *Service) Withdraw(ctx context.Context, actor domain.Actor, ministryID domain.MinistryID, person domain.PersonID) error {
	if err := s.requireWrite(ctx, actor, person); err != nil {
		return err
	}
	if err := s.store.RemoveMember(ctx, ministryID, person, requestcontext.Now(ctx)); err != nil {
		return translate(err, "")
	}
	return nil
}

// AssignPastor makes pastor responsible for person, ending any previous
// assignment at the same instant.
func (s *Service) AssignPastor(ctx context.Context, actor domain.Actor, person domain.PersonID, pastor domain.ActorID) error {
	if pastor.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "pastor is required")
	}
	if err := s.requireWrite(ctx, actor, person); err != nil {
		return err
	}
	if err := s.store.AssignPastor(ctx, person, pastor, requestcontext.Now(ctx)); err != nil {
		return translate(err, "")
	}
	s.logger.InfoContext(ctx, "pastor assigned", "person_id", person.String(), "pastor_id", pastor.String())
	return nil
}

func (s *Service) EndPastoralAssignment(ctx context.Context, actor domain.Actor, person domain.PersonID) error {
	if err := s.requireWrite(ctx, actor, person); err != nil {
		return err
	}
	if err := s.store.EndPastoralAssignment(ctx, person, requestcontext.Now(ctx)); err != nil {
		return translate(err, "")
	}
	return nil
}

func (s *Service) ensureMinistry(ctx context.Context, id domain.MinistryID) error {
	if _, err := s.store.FindMinistry(ctx, id); err != nil {
		return translate(err, "")
	}
	return nil
}

func translate(err error, conflictMsg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "relation not found")
	case errors.Is(err, sentinel.ErrAlreadyUsed) && conflictMsg != "":
		return dErrors.New(dErrors.CodeConflict, conflictMsg)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update relation")
	}
}
