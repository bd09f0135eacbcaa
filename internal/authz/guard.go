// Package authz decides who may do what to which record.
//
// The Guard consults a complete PermissionMatrix; owner_only entries are
// resolved through the ownership rule configured for the resource type.
// Every decision is written to the audit log before it is returned, and any
// failure along the way denies.
package authz

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"shepherd/internal/events"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/audit"
	"shepherd/pkg/requestcontext"
)

// SessionValidator reports whether the actor's session is live.
type SessionValidator interface {
	ValidSession(ctx context.Context, actor domain.Actor) (bool, error)
}

// AuditLog is the append side of the audit trail.
type AuditLog interface {
	Append(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// Request is one authorization question. OwnerID is the person the resource
// belongs to; ResourceID names the specific record, if any.
type Request struct {
	Actor      domain.Actor
	Action     domain.Action
	Resource   domain.ResourceType
	OwnerID    domain.PersonID
	ResourceID string
}

// Decision is the guard's answer.
type Decision struct {
	Allowed  bool
	Effect   Effect
	Reason   string
	AuditSeq int64
	Grant    Grant
}

// Grant proves an allowed decision for one resource and action. Only the
// guard can produce a valid Grant.
type Grant struct {
	actor      domain.Actor
	resource   domain.ResourceType
	resourceID string
	ownerID    domain.PersonID
	action     domain.Action
	valid      bool
}

// Covers reports whether the grant authorizes action on the given resource.
// A grant issued without a ResourceID covers any record of its owner.
func (g Grant) Covers(resource domain.ResourceType, resourceID string, action domain.Action) bool {
	if !g.valid || g.resource != resource || g.action != action {
		return false
	}
	return g.resourceID == "" || g.resourceID == resourceID
}

func (g Grant) Valid() bool              { return g.valid }
func (g Grant) Actor() domain.Actor      { return g.actor }
func (g Grant) OwnerID() domain.PersonID { return g.ownerID }

// Guard is the access control decision point.
type Guard struct {
	matrix    *Matrix
	rules     OwnershipRules
	relations Relations
	sessions  SessionValidator
	auditLog  AuditLog
	publisher events.Publisher
	grace     time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

type Option func(*Guard)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithPublisher receives AccessDenied events.
func WithPublisher(p events.Publisher) Option {
	return func(g *Guard) {
		g.publisher = p
	}
}

// WithSessionValidator makes every decision check the actor's session first.
func WithSessionValidator(v SessionValidator) Option {
	return func(g *Guard) {
		g.sessions = v
	}
}

// WithRelations supplies the ministry and pastoral relations.
func WithRelations(r Relations) Option {
	return func(g *Guard) {
		g.relations = r
	}
}

// WithOwnershipRules replaces the default ownership rules.
func WithOwnershipRules(rules OwnershipRules) Option {
	return func(g *Guard) {
		g.rules = rules
	}
}

// WithReassignmentGrace keeps an ended relation effective for d after it
// ended. Zero revokes access at the moment of reassignment.
func WithReassignmentGrace(d time.Duration) Option {
	return func(g *Guard) {
		if d >= 0 {
			g.grace = d
		}
	}
}

// New builds a guard over a validated matrix and audit log.
func New(matrix *Matrix, auditLog AuditLog, opts ...Option) (*Guard, error) {
	if matrix == nil {
		return nil, errors.New("authz: matrix is required")
	}
	if auditLog == nil {
		return nil, errors.New("authz: audit log is required")
	}
	g := &Guard{
		matrix:   matrix,
		rules:    DefaultOwnershipRules(),
		auditLog: auditLog,
		logger:   slog.New(slog.DiscardHandler),
		tracer:   otel.Tracer("shepherd/internal/authz"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.rules.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Authorize decides the request and records exactly one audit entry. A
// non-nil error means the decision could not be made or recorded; the
// returned Decision is then always a deny.
func (g *Guard) Authorize(ctx context.Context, req Request) (Decision, error) {
	ctx, span := g.tracer.Start(ctx, "authz.authorize", trace.WithAttributes(
		attribute.String("authz.role", string(req.Actor.Role)),
		attribute.String("authz.resource", string(req.Resource)),
		attribute.String("authz.action", string(req.Action)),
	))
	defer span.End()
	start := time.Now()

	decision, decideErr := g.decide(ctx, req)

	entry, err := g.auditLog.Append(ctx, g.entryFor(req, decision))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit append failed")
		g.metrics.ObserveDecision(req.Resource, false, time.Since(start))
		return Decision{Effect: decision.Effect, Reason: decision.Reason}, err
	}
	decision.AuditSeq = entry.Seq
	span.SetAttributes(attribute.String("authz.reason", decision.Reason), attribute.Bool("authz.allowed", decision.Allowed))
	g.metrics.ObserveDecision(req.Resource, decision.Allowed, time.Since(start))

	if decideErr != nil {
		span.RecordError(decideErr)
		span.SetStatus(codes.Error, decision.Reason)
		return decision, decideErr
	}
	if !decision.Allowed {
		g.denied(ctx, req, decision)
		return decision, nil
	}

	decision.Grant = Grant{
		actor:      req.Actor,
		resource:   req.Resource,
		resourceID: req.ResourceID,
		ownerID:    req.OwnerID,
		action:     req.Action,
		valid:      true,
	}
	return decision, nil
}

// Require authorizes and converts a deny into *AccessDeniedError.
func (g *Guard) Require(ctx context.Context, req Request) (Grant, error) {
	decision, err := g.Authorize(ctx, req)
	if err != nil {
		return Grant{}, err
	}
	if !decision.Allowed {
		return Grant{}, &AccessDeniedError{Reason: decision.Reason, Resource: req.Resource, Action: req.Action}
	}
	return decision.Grant, nil
}

func (g *Guard) decide(ctx context.Context, req Request) (Decision, error) {
	deny := func(reason string) Decision {
		return Decision{Effect: EffectDeny, Reason: reason}
	}
	switch {
	case req.Actor.IsZero():
		return deny(ReasonMissingActor), nil
	case !req.Actor.Role.IsValid():
		return deny(ReasonUnknownRole), nil
	case !req.Resource.IsValid():
		return deny(ReasonUnknownResource), nil
	case !req.Action.IsValid():
		return deny(ReasonUnknownAction), nil
	}

	if g.sessions != nil {
		ok, err := g.sessions.ValidSession(ctx, req.Actor)
		if err != nil {
			return deny(ReasonSessionUnverifiable), dErrors.Wrap(err, dErrors.CodeUnavailable, "session store unavailable")
		}
		if !ok {
			return deny(ReasonSessionInvalid), nil
		}
	}

	effect, ok := g.matrix.Effect(req.Actor.Role, req.Resource, req.Action)
	if !ok {
		return deny(ReasonDeniedByMatrix), nil
	}
	switch effect {
	case EffectAllow:
		return Decision{Allowed: true, Effect: effect, Reason: ReasonAllowedByMatrix}, nil
	case EffectOwnerOnly:
		since := requestcontext.Now(ctx).Add(-g.grace)
		owner, err := owns(ctx, g.relations, g.rules[req.Resource], req.Actor, req.OwnerID, since)
		if err != nil {
			return Decision{Effect: effect, Reason: ReasonOwnershipUnresolved},
				dErrors.Wrap(err, dErrors.CodeUnavailable, "ownership could not be resolved")
		}
		if !owner {
			return Decision{Effect: effect, Reason: ReasonNotOwner}, nil
		}
		return Decision{Allowed: true, Effect: effect, Reason: ReasonAllowedByOwnership}, nil
	default:
		return deny(ReasonDeniedByMatrix), nil
	}
}

func (g *Guard) entryFor(req Request, d Decision) audit.Entry {
	decision := audit.DecisionDenied
	if d.Allowed {
		decision = audit.DecisionAllowed
	}
	return audit.Entry{
		ActorID:      req.Actor.ID,
		Role:         req.Actor.Role,
		SessionID:    req.Actor.SessionID,
		Action:       string(req.Action),
		ResourceType: req.Resource,
		ResourceID:   req.ResourceID,
		OwnerID:      req.OwnerID,
		Decision:     decision,
		Reason:       d.Reason,
	}
}

func (g *Guard) denied(ctx context.Context, req Request, d Decision) {
	g.logger.WarnContext(ctx, "access denied",
		"actor_id", req.Actor.ID.String(),
		"role", req.Actor.Role,
		"action", req.Action,
		"resource_type", req.Resource,
		"reason", d.Reason,
	)
	if g.publisher == nil {
		return
	}
	err := g.publisher.Publish(ctx, events.AccessDenied{
		ActorID:      req.Actor.ID,
		Role:         req.Actor.Role,
		Action:       req.Action,
		ResourceType: req.Resource,
		ResourceID:   req.ResourceID,
		OwnerID:      req.OwnerID,
		Reason:       d.Reason,
		At:           requestcontext.Now(ctx),
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to publish access denied event", "error", err)
	}
}
