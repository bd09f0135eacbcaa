// Package followup turns funnel activity into tasks for staff. Tasks are
// produced on stage entry, on missed check-ins and on pledged donations,
// expire when overdue, and are never deleted.
package followup

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"shepherd/internal/authz"
	"shepherd/internal/events"
	"shepherd/internal/followup/dedupe"
	"shepherd/internal/funnel"
	"shepherd/internal/people"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/sentinel"
	"shepherd/pkg/requestcontext"
)

const DefaultBatchSize = 500

// People resolves the current state of the person a task is about.
type People interface {
	FindByID(ctx context.Context, id domain.PersonID) (*people.Person, error)
	ListIdle(ctx context.Context, filter people.IdleFilter) ([]*people.Person, error)
}

type Guard interface {
	Require(ctx context.Context, req authz.Request) (authz.Grant, error)
}

// Funnel receives the contact made when a visitor task is completed.
type Funnel interface {
	AttemptTransition(ctx context.Context, actor domain.Actor, personID domain.PersonID, event funnel.Event) (domain.FunnelStage, error)
}

// Scheduler produces, expires and completes follow-up tasks.
type Scheduler struct {
	store     Store
	people    People
	guard     Guard
	dedupe    Deduper
	funnel    Funnel
	publisher events.Publisher
	rules     Rules
	batch     int
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) {
		s.publisher = p
	}
}

// WithDeduper replaces the in-process dedupe window, typically with the
// Redis one when several processes schedule tasks.
func WithDeduper(d Deduper) Option {
	return func(s *Scheduler) {
		if d != nil {
			s.dedupe = d
		}
	}
}

func WithFunnel(f Funnel) Option {
	return func(s *Scheduler) {
		s.funnel = f
	}
}

func WithRules(r Rules) Option {
	return func(s *Scheduler) {
		s.rules = r
	}
}

func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batch = n
		}
	}
}

func New(store Store, people People, guard Guard, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		store:  store,
		people: people,
		guard:  guard,
		dedupe: dedupe.NewMemory(),
		rules:  DefaultRules(),
		batch:  DefaultBatchSize,
		logger: slog.New(slog.DiscardHandler),
		tracer: otel.Tracer("shepherd/internal/followup"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.rules.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Rules() Rules { return s.rules }

// HandleEvent subscribes the scheduler to the event bus.
func (s *Scheduler) HandleEvent(ctx context.Context, event events.Event) error {
	if changed, ok := event.(events.StageChanged); ok {
		_, err := s.OnStageChanged(ctx, changed)
		return err
	}
	return nil
}

// OnStageChanged creates the task configured for the stage entered, if any.
// Re-delivery of the same event does not open a second task.
func (s *Scheduler) OnStageChanged(ctx context.Context, event events.StageChanged) (*Task, error) {
	a, ok := s.rules.StageEntered[event.To]
	if !ok {
		return nil, nil
	}
	key := Key{PersonID: event.PersonID, Reason: ReasonStageEntered, Stage: event.To}
	return s.schedule(ctx, key, a.Role, event.At.Add(a.Due), requestcontext.Now(ctx))
}

// OnMissedCheckIn creates a task for a person who did not show up by
// expected.
func (s *Scheduler) OnMissedCheckIn(ctx context.Context, personID domain.PersonID, expected time.Time) (*Task, error) {
	p, err := s.person(ctx, personID)
	if err != nil || p.IsArchived() {
		return nil, err
	}
	return s.missedCheckIn(ctx, p, expected, requestcontext.Now(ctx))
}

func (s *Scheduler) missedCheckIn(ctx context.Context, p *people.Person, expected, now time.Time) (*Task, error) {
	from := expected
	if now.After(from) {
		from = now
	}
	key := Key{PersonID: p.ID, Reason: ReasonMissedCheckIn, Stage: p.Stage}
	return s.schedule(ctx, key, s.rules.MissedCheckIn.Role, from.Add(s.rules.MissedCheckIn.Due), now)
}

// OnPledgedCommitment creates a task to follow a donation pledged for due.
func (s *Scheduler) OnPledgedCommitment(ctx context.Context, personID domain.PersonID, due time.Time) error {
	p, err := s.person(ctx, personID)
	if err != nil || p.IsArchived() {
		return err
	}
	key := Key{PersonID: p.ID, Reason: ReasonPledgedCommitment, Stage: p.Stage}
	_, err = s.schedule(ctx, key, s.rules.Pledge.Role, due.Add(s.rules.Pledge.Due), requestcontext.Now(ctx))
	return err
}

func (s *Scheduler) person(ctx context.Context, id domain.PersonID) (*people.Person, error) {
	p, err := s.people.FindByID(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "person not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load person")
	}
	return p, nil
}

// schedule opens a pending task for key unless one was scheduled within
// the dedupe window or one is still pending. A nil task means nothing was
// created.
func (s *Scheduler) schedule(ctx context.Context, key Key, role domain.Role, due, now time.Time) (*Task, error) {
	claimed := false
	if s.rules.DedupeWindow > 0 {
		fresh, err := s.dedupe.Claim(ctx, key.String(), s.rules.DedupeWindow)
		switch {
		case err != nil:
			// Pending tasks stay unique in the store; only the window is lost.
			s.logger.WarnContext(ctx, "follow-up dedupe unavailable", "key", key.String(), "error", err)
		case !fresh:
			s.metrics.IncDeduplicated(key.Reason)
			return nil, nil
		default:
			claimed = true
		}
	}

	task := &Task{
		ID:           domain.NewTaskID(),
		PersonID:     key.PersonID,
		Reason:       key.Reason,
		Stage:        key.Stage,
		AssigneeRole: role,
		DueAt:        due,
		Status:       StatusPending,
		CreatedAt:    now,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			s.metrics.IncDeduplicated(key.Reason)
			return nil, nil
		}
		if claimed {
			if rerr := s.dedupe.Release(ctx, key.String()); rerr != nil {
				s.logger.WarnContext(ctx, "failed to release follow-up dedupe key", "key", key.String(), "error", rerr)
			}
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create follow-up task")
	}

	s.metrics.IncCreated(task.Reason)
	s.logger.InfoContext(ctx, "follow-up task created",
		"task_id", task.ID.String(),
		"person_id", task.PersonID.String(),
		"reason", task.Reason,
		"stage", task.Stage,
		"assignee_role", task.AssigneeRole,
	)
	s.publish(ctx, events.FollowUpTaskCreated{
		TaskID:       task.ID,
		PersonID:     task.PersonID,
		Reason:       string(task.Reason),
		Stage:        task.Stage,
		AssigneeRole: task.AssigneeRole,
		DueAt:        task.DueAt,
		At:           now,
	})
	return task, nil
}

func (s *Scheduler) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "follow-up event not delivered",
			"event", string(event.EventType()),
			"error", err,
		)
	}
}

// EvaluateResult summarizes one scheduler pass.
type EvaluateResult struct {
	Expired        int `json:"expired"`
	MissedCheckIns int `json:"missed_check_ins"`
}

// Evaluate expires overdue pending tasks and raises missed check-in tasks
// for engaged people without recent activity.
func (s *Scheduler) Evaluate(ctx context.Context, now time.Time) (EvaluateResult, error) {
	ctx, span := s.tracer.Start(ctx, "followup.evaluate")
	defer span.End()

	var result EvaluateResult
	overdue, err := s.store.ListOverdue(ctx, now, s.batch)
	if err != nil {
		return result, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list overdue tasks")
	}
	for _, t := range overdue {
		expired, err := s.store.Expire(ctx, t.ID)
		if errors.Is(err, sentinel.ErrConflict) {
			continue
		}
		if err != nil {
			return result, dErrors.Wrap(err, dErrors.CodeInternal, "failed to expire task")
		}
		result.Expired++
		s.metrics.IncClosed(expired.Reason, StatusExpired)
		s.publish(ctx, events.FollowUpTaskExpired{
			TaskID:       expired.ID,
			PersonID:     expired.PersonID,
			Reason:       string(expired.Reason),
			AssigneeRole: expired.AssigneeRole,
			DueAt:        expired.DueAt,
			At:           now,
		})
	}

	idle, err := s.people.ListIdle(ctx, people.IdleFilter{
		Stages: []domain.FunnelStage{domain.StageEngaged},
		Before: now.Add(-s.rules.MissedCheckInAfter),
		Limit:  s.batch,
	})
	if err != nil {
		return result, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list idle people")
	}
	for _, p := range idle {
		task, err := s.missedCheckIn(ctx, p, p.LastActivityAt.Add(s.rules.MissedCheckInAfter), now)
		if err != nil {
			return result, err
		}
		if task != nil {
			result.MissedCheckIns++
		}
	}

	span.SetAttributes(
		attribute.Int("followup.expired", result.Expired),
		attribute.Int("followup.missed_check_ins", result.MissedCheckIns),
	)
	return result, nil
}

// Get returns one task if the actor may read it.
func (s *Scheduler) Get(ctx context.Context, actor domain.Actor, id domain.TaskID) (*Task, error) {
	return s.load(ctx, actor, id, domain.ActionRead)
}

// List returns tasks matching filter. Roles scoped to their own people must
// filter by person.
func (s *Scheduler) List(ctx context.Context, actor domain.Actor, filter Filter) ([]*Task, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown task status")
	}
	if filter.AssigneeRole != "" && !filter.AssigneeRole.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown role")
	}
	if _, err := s.guard.Require(ctx, authz.Request{
		Actor:    actor,
		Action:   domain.ActionRead,
		Resource: domain.ResourceFollowUpTask,
		OwnerID:  filter.PersonID,
	}); err != nil {
		return nil, err
	}
	tasks, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list tasks")
	}
	return tasks, nil
}

// Complete closes a pending task with the outcome of the contact. Completing
// a visitor's stage-entry task records the contact in the funnel.
func (s *Scheduler) Complete(ctx context.Context, actor domain.Actor, id domain.TaskID, req CompleteRequest) (*Task, error) {
	ctx, span := s.tracer.Start(ctx, "followup.complete", trace.WithAttributes(
		attribute.String("followup.task_id", id.String()),
	))
	defer span.End()

	task, err := s.load(ctx, actor, id, domain.ActionWrite)
	if err != nil {
		return nil, err
	}
	if !task.IsPending() {
		return nil, dErrors.New(dErrors.CodeConflict, "task is already closed")
	}
	outcome := strings.TrimSpace(req.Outcome)
	if len(outcome) > 2000 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "outcome is too long")
	}

	done, err := s.store.Complete(ctx, id, requestcontext.Now(ctx), actor.ID, outcome)
	if errors.Is(err, sentinel.ErrConflict) {
		return nil, dErrors.New(dErrors.CodeConflict, "task is already closed")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to complete task")
	}
	s.metrics.IncClosed(done.Reason, StatusDone)
	s.logger.InfoContext(ctx, "follow-up task completed",
		"task_id", done.ID.String(),
		"person_id", done.PersonID.String(),
		"actor_id", actor.ID.String(),
	)

	if s.funnel != nil && done.Reason == ReasonStageEntered && done.Stage == domain.StageVisitor {
		s.recordContact(ctx, actor, done)
	}
	return done, nil
}

// recordContact moves the visitor on. The task stays done whatever the
// funnel decides, since the person may have moved on already.
func (s *Scheduler) recordContact(ctx context.Context, actor domain.Actor, task *Task) {
	stage, err := s.funnel.AttemptTransition(ctx, actor, task.PersonID, funnel.EventFollowUpContact)
	if err == nil {
		s.logger.InfoContext(ctx, "follow-up contact advanced person",
			"person_id", task.PersonID.String(),
			"stage", stage,
		)
		return
	}
	var invalid *funnel.InvalidTransitionError
	if errors.As(err, &invalid) {
		s.logger.InfoContext(ctx, "follow-up contact left stage unchanged",
			"person_id", task.PersonID.String(),
			"reason", invalid.Reason,
		)
		return
	}
	s.logger.WarnContext(ctx, "follow-up contact not applied",
		"person_id", task.PersonID.String(),
		"error", err,
	)
}

// load authorizes access to a task. A missing task is authorized without an
// owner first, so a denied caller cannot discover task IDs.
func (s *Scheduler) load(ctx context.Context, actor domain.Actor, id domain.TaskID, action domain.Action) (*Task, error) {
	task, err := s.store.FindByID(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		if _, err := s.guard.Require(ctx, authz.Request{
			Actor:      actor,
			Action:     action,
			Resource:   domain.ResourceFollowUpTask,
			ResourceID: id.String(),
		}); err != nil {
			return nil, err
		}
		return nil, dErrors.New(dErrors.CodeNotFound, "task not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load task")
	}
	if _, err := s.guard.Require(ctx, authz.Request{
		Actor:      actor,
		Action:     action,
		Resource:   domain.ResourceFollowUpTask,
		OwnerID:    task.PersonID,
		ResourceID: id.String(),
	}); err != nil {
		return nil, err
	}
	return task, nil
}
