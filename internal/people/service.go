// Package people is the identity registry: canonical Person records, their
// consent and their current funnel stage. Stage changes are made only by the
// funnel engine through Store.CompareAndSwapStage.
package people

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"shepherd/internal/authz"
	"shepherd/internal/events"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/audit"
	"shepherd/pkg/platform/sentinel"
	"shepherd/pkg/requestcontext"
)

// Guard authorizes registry access.
type Guard interface {
	Require(ctx context.Context, req authz.Request) (authz.Grant, error)
}

// AuditLog records consent and archive events.
type AuditLog interface {
	Append(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// TxRunner runs fn as one unit of work. The store and the audit log join
// the transaction carried on the context passed to fn.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Registry is the guarded entry point to person records.
type Registry struct {
	store     Store
	guard     Guard
	auditLog  AuditLog
	publisher events.Publisher
	tx        TxRunner
	logger    *slog.Logger
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithPublisher announces the visitor stage a new person enters.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) {
		r.publisher = p
	}
}

// WithTx makes consent changes and archives commit together with their
// audit entry.
func WithTx(t TxRunner) Option {
	return func(r *Registry) {
		r.tx = t
	}
}

func NewRegistry(store Store, guard Guard, auditLog AuditLog, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		guard:    guard,
		auditLog: auditLog,
		tx:       noTx{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) require(ctx context.Context, actor domain.Actor, action domain.Action, id domain.PersonID) error {
	req := authz.Request{
		Actor:    actor,
		Action:   action,
		Resource: domain.ResourcePerson,
		OwnerID:  id,
	}
	if !id.IsNil() {
		req.ResourceID = id.String()
	}
	_, err := r.guard.Require(ctx, req)
	return err
}

// Register creates a person in the visitor stage. Registration is the
// person's first visit.
func (r *Registry) Register(ctx context.Context, actor domain.Actor, profile Profile) (*Person, error) {
	profile.Name = strings.TrimSpace(profile.Name)
	if profile.Name == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "name is required")
	}
	if err := r.require(ctx, actor, domain.ActionWrite, domain.PersonID{}); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	person := &Person{
		ID:             domain.NewPersonID(),
		Stage:          domain.StageVisitor,
		StageEnteredAt: now,
		StageHistory: []StageChange{{
			To:      domain.StageVisitor,
			Trigger: "registered",
			ActorID: actor.ID,
			At:      now,
		}},
		CheckIns:       1,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	applyProfile(person, profile)
	if err := r.store.Create(ctx, person); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create person")
	}
	r.logger.InfoContext(ctx, "person registered",
		"person_id", person.ID.String(),
		"actor_id", actor.ID.String(),
	)
	r.announce(ctx, person)
	return person, nil
}

// announce publishes the entry into the visitor stage. The person is already
// stored, so a failing subscriber is only logged.
func (r *Registry) announce(ctx context.Context, p *Person) {
	if r.publisher == nil {
		return
	}
	entered := p.StageHistory[0]
	if err := r.publisher.Publish(ctx, events.StageChanged{
		PersonID: p.ID,
		To:       entered.To,
		Trigger:  entered.Trigger,
		ActorID:  entered.ActorID,
		At:       entered.At,
	}); err != nil {
		r.logger.WarnContext(ctx, "stage change subscriber failed",
			"person_id", p.ID.String(),
			"error", err,
		)
	}
}

func applyProfile(p *Person, profile Profile) {
	p.Name = profile.Name
	p.Email = strings.TrimSpace(profile.Email)
	p.Phone = strings.TrimSpace(profile.Phone)
	p.BirthDate = profile.BirthDate
	p.FamilyID = nil
	if profile.FamilyID != nil && *profile.FamilyID != uuid.Nil {
		id := *profile.FamilyID
		p.FamilyID = &id
	}
	p.FamilyRole = profile.FamilyRole
}

// Get authorizes before loading so a denial does not reveal whether the
// person exists.
func (r *Registry) Get(ctx context.Context, actor domain.Actor, id domain.PersonID) (*Person, error) {
	if err := r.require(ctx, actor, domain.ActionRead, id); err != nil {
		return nil, err
	}
	p, err := r.store.FindByID(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

// List is unscoped: ownership can only be checked per person, so roles with
// owner_only person read are denied here.
func (r *Registry) List(ctx context.Context, actor domain.Actor, filter Filter) ([]*Person, error) {
	if filter.Stage != "" && !filter.Stage.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown funnel stage: "+filter.Stage.String())
	}
	if err := r.require(ctx, actor, domain.ActionRead, domain.PersonID{}); err != nil {
		return nil, err
	}
	list, err := r.store.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list people")
	}
	return list, nil
}

// Stats counts non-archived people per funnel stage.
func (r *Registry) Stats(ctx context.Context, actor domain.Actor) (StageCount, error) {
	if err := r.require(ctx, actor, domain.ActionRead, domain.PersonID{}); err != nil {
		return nil, err
	}
	counts, err := r.store.CountByStage(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count people")
	}
	return counts, nil
}

func (r *Registry) UpdateProfile(ctx context.Context, actor domain.Actor, id domain.PersonID, profile Profile) (*Person, error) {
	profile.Name = strings.TrimSpace(profile.Name)
	if profile.Name == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "name is required")
	}
	if err := r.require(ctx, actor, domain.ActionWrite, id); err != nil {
		return nil, err
	}
	p, err := r.store.Update(ctx, id, func(p *Person) error {
		if p.IsArchived() {
			return errArchived
		}
		applyProfile(p, profile)
		p.UpdatedAt = requestcontext.Now(ctx)
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

// RecordConsent stores the consent text the person agreed to. Sensitive
// records can be created only while consent is granted.
func (r *Registry) RecordConsent(ctx context.Context, actor domain.Actor, id domain.PersonID, text string) (*Person, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "consent text is required")
	}
	return r.changeConsent(ctx, actor, id, audit.ActionConsentGranted, func(c *Consent) error {
		now := requestcontext.Now(ctx)
		*c = Consent{Granted: true, Text: text, GrantedAt: &now, RecordedBy: actor.ID}
		return nil
	})
}

// RevokeConsent withdraws consent. Existing records stay encrypted; new
// ones are refused.
func (r *Registry) RevokeConsent(ctx context.Context, actor domain.Actor, id domain.PersonID) (*Person, error) {
	return r.changeConsent(ctx, actor, id, audit.ActionConsentRevoked, func(c *Consent) error {
		if !c.Granted {
			return dErrors.New(dErrors.CodeConflict, "consent is not granted")
		}
		now := requestcontext.Now(ctx)
		c.Granted = false
		c.RevokedAt = &now
		c.RecordedBy = actor.ID
		return nil
	})
}

func (r *Registry) changeConsent(ctx context.Context, actor domain.Actor, id domain.PersonID, action string, change func(*Consent) error) (*Person, error) {
	if err := r.require(ctx, actor, domain.ActionWrite, id); err != nil {
		return nil, err
	}
	p, err := r.audited(ctx, actor, id, action, func(p *Person) error {
		if p.IsArchived() {
			return errArchived
		}
		if err := change(&p.Consent); err != nil {
			return err
		}
		p.UpdatedAt = requestcontext.Now(ctx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "consent changed",
		"person_id", id.String(),
		"action", action,
		"actor_id", actor.ID.String(),
	)
	return p, nil
}

// Archive soft-deletes a person. Archived people keep their history and
// records but leave listings, statistics and the funnel.
func (r *Registry) Archive(ctx context.Context, actor domain.Actor, id domain.PersonID) (*Person, error) {
	if err := r.require(ctx, actor, domain.ActionErase, id); err != nil {
		return nil, err
	}
	p, err := r.audited(ctx, actor, id, audit.ActionPersonArchived, func(p *Person) error {
		if p.IsArchived() {
			return errArchived
		}
		now := requestcontext.Now(ctx)
		p.ArchivedAt = &now
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "person archived", "person_id", id.String(), "actor_id", actor.ID.String())
	return p, nil
}

// audited applies change and appends its audit entry as one unit. The entry
// is appended before the store saves, so a failed append leaves the person
// unchanged.
func (r *Registry) audited(ctx context.Context, actor domain.Actor, id domain.PersonID, action string, change func(*Person) error) (*Person, error) {
	var updated *Person
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		p, err := r.store.Update(ctx, id, func(p *Person) error {
			if err := change(p); err != nil {
				return err
			}
			return r.record(ctx, actor, id, action)
		})
		if err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return updated, nil
}

func (r *Registry) record(ctx context.Context, actor domain.Actor, id domain.PersonID, action string) error {
	_, err := r.auditLog.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		Role:         actor.Role,
		SessionID:    actor.SessionID,
		Action:       action,
		ResourceType: domain.ResourcePerson,
		ResourceID:   id.String(),
		OwnerID:      id,
		Outcome:      audit.OutcomeOK,
	})
	return err
}

var errArchived = dErrors.New(dErrors.CodeConflict, "person is archived")

func translate(err error) error {
	var coded dErrors.Coder
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "person not found")
	case errors.As(err, &coded):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update person")
	}
}
