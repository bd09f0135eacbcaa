// Package funnel is the relationship funnel state machine. It is the only
// writer of a person's stage: every change is validated against a closed
// edge table and committed by compare-and-swap on the stage version.
package funnel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"shepherd/internal/authz"
	"shepherd/internal/events"
	"shepherd/internal/people"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/sentinel"
	"shepherd/pkg/requestcontext"
)

const (
	DefaultInactivityWindow = 90 * 24 * time.Hour
	DefaultCheckInsToEngage = 2
	DefaultSweepBatch       = 500
)

// Store is the part of the person store the engine needs.
type Store interface {
	FindByID(ctx context.Context, id domain.PersonID) (*people.Person, error)
	CompareAndSwapStage(ctx context.Context, id domain.PersonID, expectedVersion int64, t people.Transition) (*people.Person, error)
	RecordCheckIn(ctx context.Context, id domain.PersonID, at time.Time) (*people.Person, error)
	ListIdle(ctx context.Context, filter people.IdleFilter) ([]*people.Person, error)
}

type Guard interface {
	Require(ctx context.Context, req authz.Request) (authz.Grant, error)
}

// Engine applies funnel events to people.
type Engine struct {
	store     Store
	guard     Guard
	table     *Table
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	inactivityWindow time.Duration
	checkInsToEngage int
	sweepBatch       int
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithPublisher sets where StageChanged events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithInactivityWindow sets how long without activity before the sweep
// moves a person to inactive.
func WithInactivityWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.inactivityWindow = d
		}
	}
}

// WithCheckInsToEngage sets how many check-ins make a visitor engaged.
func WithCheckInsToEngage(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.checkInsToEngage = n
		}
	}
}

func WithSweepBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepBatch = n
		}
	}
}

func New(store Store, guard Guard, table *Table, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		guard:            guard,
		table:            table,
		logger:           slog.New(slog.DiscardHandler),
		tracer:           otel.Tracer("shepherd/internal/funnel"),
		inactivityWindow: DefaultInactivityWindow,
		checkInsToEngage: DefaultCheckInsToEngage,
		sweepBatch:       DefaultSweepBatch,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Table() *Table { return e.table }

func (e *Engine) InactivityWindow() time.Duration { return e.inactivityWindow }

// AttemptTransition applies event to the person on behalf of actor and
// returns the new stage.
func (e *Engine) AttemptTransition(ctx context.Context, actor domain.Actor, personID domain.PersonID, event Event) (domain.FunnelStage, error) {
	ctx, span := e.tracer.Start(ctx, "funnel.attempt_transition", trace.WithAttributes(
		attribute.String("funnel.event", string(event)),
		attribute.String("funnel.person_id", personID.String()),
	))
	defer span.End()

	if _, err := e.guard.Require(ctx, authz.Request{
		Actor:      actor,
		Action:     domain.ActionTransition,
		Resource:   domain.ResourcePerson,
		OwnerID:    personID,
		ResourceID: personID.String(),
	}); err != nil {
		span.SetStatus(codes.Error, "denied")
		return "", err
	}

	p, err := e.apply(ctx, actor, personID, event, requestcontext.Now(ctx), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition rejected")
		return "", err
	}
	span.SetAttributes(attribute.String("funnel.to", string(p.Stage)))
	return p.Stage, nil
}

// apply reads the person, validates the event against the table and commits
// by compare-and-swap. A conflict is retried once, and only if the stage did
// not change meanwhile. precondition, if set, is re-checked on every read.
func (e *Engine) apply(ctx context.Context, actor domain.Actor, personID domain.PersonID, event Event, at time.Time,
	precondition func(*people.Person) bool) (*people.Person, error) {
	var firstStage domain.FunnelStage
	for attempt := 0; attempt < 2; attempt++ {
		p, err := e.store.FindByID(ctx, personID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.New(dErrors.CodeNotFound, "person not found")
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load person")
		}
		if attempt == 0 {
			firstStage = p.Stage
		} else if p.Stage != firstStage {
			return nil, e.conflict(personID, event)
		}

		t, err := e.plan(actor, p, event, at)
		if err != nil {
			return nil, err
		}
		if precondition != nil && !precondition(p) {
			return nil, e.invalid(p, event, reasonNotIdle)
		}

		updated, err := e.store.CompareAndSwapStage(ctx, personID, p.StageVersion, t)
		if errors.Is(err, sentinel.ErrConflict) {
			e.metrics.IncRetry()
			continue
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save stage")
		}
		e.committed(ctx, t.Change, personID)
		return updated, nil
	}
	return nil, e.conflict(personID, event)
}

// plan builds the transition for event out of the person's current stage.
func (e *Engine) plan(actor domain.Actor, p *people.Person, event Event, at time.Time) (people.Transition, error) {
	if !event.IsValid() {
		return people.Transition{}, e.invalid(p, event, reasonUnknownEvent)
	}
	if p.IsArchived() {
		return people.Transition{}, e.invalid(p, event, reasonArchived)
	}
	edge, ok := e.table.Lookup(p.Stage, event)
	if !ok {
		return people.Transition{}, e.invalid(p, event, reasonNoEdge)
	}
	if !edge.approves(actor.Role) {
		return people.Transition{}, e.invalid(p, event, reasonApprover)
	}

	to, previous := edge.To, p.PreviousStage
	switch {
	case event == EventReactivate:
		to, previous = p.PreviousStage, ""
		if !to.IsValid() || to == domain.StageInactive {
			to = domain.StageVisitor
		}
	case to == domain.StageInactive:
		previous = p.Stage
	}
	return people.Transition{
		Change: people.StageChange{
			From:    p.Stage,
			To:      to,
			Trigger: string(event),
			ActorID: actor.ID,
			At:      at,
		},
		PreviousStage: previous,
		Activity:      event.counts(),
	}, nil
}

func (e *Engine) invalid(p *people.Person, event Event, reason string) error {
	e.metrics.IncRejection(event, reason)
	return &InvalidTransitionError{PersonID: p.ID, From: p.Stage, Event: event, Reason: reason}
}

func (e *Engine) conflict(personID domain.PersonID, event Event) error {
	e.metrics.IncRejection(event, "conflict")
	return &TransitionConflictError{PersonID: personID}
}

// committed reports a transition that is already stored. Subscriber failures
// are logged; they cannot undo the change.
func (e *Engine) committed(ctx context.Context, c people.StageChange, personID domain.PersonID) {
	e.metrics.IncTransition(c.From, c.To, Event(c.Trigger))
	e.logger.InfoContext(ctx, "stage changed",
		"person_id", personID.String(),
		"from", c.From,
		"to", c.To,
		"event", c.Trigger,
		"actor_id", c.ActorID.String(),
	)
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, events.StageChanged{
		PersonID: personID,
		From:     c.From,
		To:       c.To,
		Trigger:  c.Trigger,
		ActorID:  c.ActorID,
		At:       c.At,
	}); err != nil {
		e.logger.WarnContext(ctx, "stage change subscriber failed",
			"person_id", personID.String(),
			"error", err,
		)
	}
}

// CheckInResult is the outcome of a visit.
type CheckInResult struct {
	Person *people.Person `json:"person"`
	// Event is the transition the visit fired, if any.
	Event Event `json:"event,omitempty"`
}

// CheckIn records a visit. A visitor reaching the check-in threshold becomes
// engaged and an inactive person is reactivated. A transition lost to a
// concurrent change leaves the visit recorded.
func (e *Engine) CheckIn(ctx context.Context, actor domain.Actor, personID domain.PersonID) (*CheckInResult, error) {
	ctx, span := e.tracer.Start(ctx, "funnel.check_in", trace.WithAttributes(
		attribute.String("funnel.person_id", personID.String()),
	))
	defer span.End()

	if _, err := e.guard.Require(ctx, authz.Request{
		Actor:      actor,
		Action:     domain.ActionTransition,
		Resource:   domain.ResourcePerson,
		OwnerID:    personID,
		ResourceID: personID.String(),
	}); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	current, err := e.store.FindByID(ctx, personID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "person not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load person")
	}
	if current.IsArchived() {
		return nil, dErrors.New(dErrors.CodeConflict, "person is archived")
	}
	p, err := e.store.RecordCheckIn(ctx, personID, now)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record check-in")
	}

	var event Event
	switch {
	case p.Stage == domain.StageVisitor && p.CheckIns >= e.checkInsToEngage:
		event = EventRepeatCheckIn
	case p.Stage == domain.StageInactive:
		event = EventReactivate
	default:
		return &CheckInResult{Person: p}, nil
	}

	updated, err := e.apply(ctx, actor, personID, event, now, nil)
	var invalid *InvalidTransitionError
	var conflict *TransitionConflictError
	switch {
	case err == nil:
		return &CheckInResult{Person: updated, Event: event}, nil
	case errors.As(err, &invalid), errors.As(err, &conflict):
		e.logger.InfoContext(ctx, "check-in recorded without transition",
			"person_id", personID.String(),
			"event", event,
			"error", err,
		)
		return &CheckInResult{Person: p}, nil
	default:
		return nil, err
	}
}

// SweepResult summarizes one inactivity sweep.
type SweepResult struct {
	Moved   int `json:"moved"`
	Skipped int `json:"skipped"`
}

// SweepInactive moves people idle for longer than the inactivity window to
// inactive. Idleness is checked again on the fresh read, so a visit racing
// the sweep wins.
func (e *Engine) SweepInactive(ctx context.Context, now time.Time) (SweepResult, error) {
	ctx, span := e.tracer.Start(ctx, "funnel.sweep_inactive")
	defer span.End()

	var result SweepResult
	cutoff := now.Add(-e.inactivityWindow)
	idle, err := e.store.ListIdle(ctx, people.IdleFilter{
		Stages: []domain.FunnelStage{domain.StageVisitor, domain.StageEngaged, domain.StageNewConvert, domain.StageMember},
		Before: cutoff,
		Limit:  e.sweepBatch,
	})
	if err != nil {
		return result, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list idle people")
	}
	stillIdle := func(p *people.Person) bool { return p.LastActivityAt.Before(cutoff) }
	for _, p := range idle {
		_, err := e.apply(ctx, domain.Actor{}, p.ID, EventInactivityTimeout, now, stillIdle)
		var invalid *InvalidTransitionError
		var conflict *TransitionConflictError
		switch {
		case err == nil:
			result.Moved++
		case errors.As(err, &invalid), errors.As(err, &conflict):
			result.Skipped++
		default:
			return result, err
		}
	}
	span.SetAttributes(attribute.Int("funnel.moved", result.Moved), attribute.Int("funnel.skipped", result.Skipped))
	if result.Moved > 0 {
		e.logger.InfoContext(ctx, "inactivity sweep finished", "moved", result.Moved, "skipped", result.Skipped)
	}
	return result, nil
}
