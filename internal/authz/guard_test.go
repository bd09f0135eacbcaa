package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"shepherd/internal/events"
	"shepherd/internal/events/mocks"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/audit"
	"shepherd/pkg/platform/audit/store/memory"
	"shepherd/pkg/requestcontext"
)

type relation struct {
	actor  domain.ActorID
	person domain.PersonID
	ended  *time.Time
}

type stubRelations struct {
	mu        sync.Mutex
	leaders   []relation
	pastors   []relation
	err       error
	lastSince time.Time
}

func (r *stubRelations) match(list []relation, actor domain.ActorID, person domain.PersonID, since time.Time) bool {
	for _, rel := range list {
		if rel.actor == actor && rel.person == person && (rel.ended == nil || rel.ended.After(since)) {
			return true
		}
	}
	return false
}

func (r *stubRelations) LeadsMinistryOf(_ context.Context, leader domain.ActorID, person domain.PersonID, since time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSince = since
	return r.match(r.leaders, leader, person, since), r.err
}

func (r *stubRelations) IsAssignedPastor(_ context.Context, pastor domain.ActorID, person domain.PersonID, since time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSince = since
	return r.match(r.pastors, pastor, person, since), r.err
}

type stubSessions struct {
	valid bool
	err   error
}

func (s stubSessions) ValidSession(context.Context, domain.Actor) (bool, error) { return s.valid, s.err }

type failingAudit struct{}

func (failingAudit) Append(context.Context, audit.Entry) (audit.Entry, error) {
	return audit.Entry{}, dErrors.New(dErrors.CodeUnavailable, "audit log unavailable")
}

type GuardSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	publisher *mocks.MockPublisher
	store     *memory.InMemoryStore
	relations *stubRelations
	metrics   *Metrics
	guard     *Guard
	now       time.Time
	ctx       context.Context
}

func TestGuardSuite(t *testing.T) {
	suite.Run(t, new(GuardSuite))
}

func (s *GuardSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.publisher = mocks.NewMockPublisher(s.ctrl)
	s.store = memory.NewInMemoryStore()
	s.relations = &stubRelations{}
	s.metrics = NewMetrics(prometheus.NewRegistry())
	s.now = time.Date(2026, 6, 7, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.guard = s.newGuard(DefaultMatrix())
}

func (s *GuardSuite) newGuard(m *Matrix, opts ...Option) *Guard {
	opts = append([]Option{
		WithPublisher(s.publisher),
		WithRelations(s.relations),
		WithMetrics(s.metrics),
		WithSessionValidator(stubSessions{valid: true}),
	}, opts...)
	g, err := New(m, audit.New(s.store, audit.WithRetry(1, 0)), opts...)
	s.Require().NoError(err)
	return g
}

func actor(role domain.Role) domain.Actor {
	return domain.Actor{ID: domain.NewActorID(), Role: role, SessionID: domain.NewSessionID()}
}

func (s *GuardSuite) expectDenied(reason string) {
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e events.Event) error {
			denied, ok := e.(events.AccessDenied)
			s.Require().True(ok)
			s.Equal(reason, denied.Reason)
			s.Equal(s.now, denied.At)
			return nil
		})
}

func (s *GuardSuite) TestSecretariatCannotReadFinancialRecords() {
	s.expectDenied(ReasonDeniedByMatrix)
	secretary := actor(domain.RoleSecretariat)
	recordID := domain.NewRecordID().String()

	decision, err := s.guard.Authorize(s.ctx, Request{
		Actor:      secretary,
		Action:     domain.ActionRead,
		Resource:   domain.ResourceFinancial,
		OwnerID:    domain.NewPersonID(),
		ResourceID: recordID,
	})
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.False(decision.Grant.Valid())
	s.Equal(ReasonDeniedByMatrix, decision.Reason)

	entries := s.store.All()
	s.Require().Len(entries, 1)
	s.Equal(audit.DecisionDenied, entries[0].Decision)
	s.Equal(secretary.ID, entries[0].ActorID)
	s.Equal(recordID, entries[0].ResourceID)
	s.Equal(audit.CategorySecurity, entries[0].Category)
	s.Equal(decision.AuditSeq, entries[0].Seq)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Decisions.WithLabelValues("financial", "denied")))
}

func (s *GuardSuite) TestEveryDecisionIsAuditedOnce() {
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	calls := 0
	for _, role := range domain.Roles() {
		for _, resource := range domain.ResourceTypes() {
			for _, action := range domain.Actions() {
				_, err := s.guard.Authorize(s.ctx, Request{
					Actor:    actor(role),
					Action:   action,
					Resource: resource,
					OwnerID:  domain.NewPersonID(),
				})
				s.Require().NoError(err)
				calls++
			}
		}
	}
	s.Equal(calls, s.store.Len())
}

func (s *GuardSuite) TestDefaultDeny() {
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	cases := []struct {
		name   string
		req    Request
		reason string
	}{
		{"missing actor", Request{Action: domain.ActionRead, Resource: domain.ResourcePerson}, ReasonMissingActor},
		{"unknown role", Request{Actor: actor(domain.Role("usher")), Action: domain.ActionRead, Resource: domain.ResourcePerson}, ReasonUnknownRole},
		{"unknown resource", Request{Actor: actor(domain.RoleAdministrator), Action: domain.ActionRead, Resource: domain.ResourceType("prayer_requests")}, ReasonUnknownResource},
		{"unknown action", Request{Actor: actor(domain.RoleAdministrator), Action: domain.Action("export"), Resource: domain.ResourcePerson}, ReasonUnknownAction},
		{"owner only without an owner", Request{Actor: actor(domain.RolePastor), Action: domain.ActionRead, Resource: domain.ResourceCounseling}, ReasonNotOwner},
		{"owner only without a relation", Request{Actor: actor(domain.RoleMinistryLeader), Action: domain.ActionRead, Resource: domain.ResourcePerson, OwnerID: domain.NewPersonID()}, ReasonNotOwner},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			decision, err := s.guard.Authorize(s.ctx, tc.req)
			s.Require().NoError(err)
			s.False(decision.Allowed)
			s.Equal(tc.reason, decision.Reason)

			_, err = s.guard.Require(s.ctx, tc.req)
			var denied *AccessDeniedError
			s.Require().ErrorAs(err, &denied)
			s.Equal(tc.reason, denied.Reason)
			s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
		})
	}
}

func (s *GuardSuite) TestOwnershipScopingIsConfigurationDriven() {
	pastor := actor(domain.RolePastor)
	person := domain.NewPersonID()
	req := Request{Actor: pastor, Action: domain.ActionRead, Resource: domain.ResourceCounseling, OwnerID: person}

	s.Run("owner only restricted to assigned pastors denies an unassigned pastor", func() {
		s.expectDenied(ReasonNotOwner)
		decision, err := s.guard.Authorize(s.ctx, req)
		s.Require().NoError(err)
		s.False(decision.Allowed)
		s.Equal(EffectOwnerOnly, decision.Effect)
	})

	s.Run("the assigned pastor is allowed", func() {
		s.relations.pastors = []relation{{actor: pastor.ID, person: person}}
		defer func() { s.relations.pastors = nil }()
		decision, err := s.guard.Authorize(s.ctx, req)
		s.Require().NoError(err)
		s.True(decision.Allowed)
		s.Equal(ReasonAllowedByOwnership, decision.Reason)
	})

	s.Run("blanket pastor access allows", func() {
		table := DefaultTable()
		table[domain.RolePastor][domain.ResourceCounseling][domain.ActionRead] = EffectAllow
		m, err := NewMatrix(table)
		s.Require().NoError(err)
		decision, err := s.newGuard(m).Authorize(s.ctx, req)
		s.Require().NoError(err)
		s.True(decision.Allowed)
		s.Equal(ReasonAllowedByMatrix, decision.Reason)
	})

	s.Run("self rule", func() {
		rules := DefaultOwnershipRules()
		rules[domain.ResourceCounseling] = OwnershipSelf
		self := pastor
		self.PersonID = person
		decision, err := s.newGuard(DefaultMatrix(), WithOwnershipRules(rules)).Authorize(s.ctx, Request{
			Actor: self, Action: domain.ActionRead, Resource: domain.ResourceCounseling, OwnerID: person,
		})
		s.Require().NoError(err)
		s.True(decision.Allowed)
	})
}

func (s *GuardSuite) TestMinistryLeaderScope() {
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	leader := actor(domain.RoleMinistryLeader)
	member := domain.NewPersonID()
	s.relations.leaders = []relation{{actor: leader.ID, person: member}}

	decision, err := s.guard.Authorize(s.ctx, Request{Actor: leader, Action: domain.ActionRead, Resource: domain.ResourcePerson, OwnerID: member})
	s.Require().NoError(err)
	s.True(decision.Allowed)

	decision, err = s.guard.Authorize(s.ctx, Request{Actor: leader, Action: domain.ActionRead, Resource: domain.ResourcePerson, OwnerID: domain.NewPersonID()})
	s.Require().NoError(err)
	s.False(decision.Allowed)

	decision, err = s.guard.Authorize(s.ctx, Request{Actor: leader, Action: domain.ActionWrite, Resource: domain.ResourcePerson, OwnerID: member})
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.Equal(ReasonDeniedByMatrix, decision.Reason)
}

func (s *GuardSuite) TestReassignmentGrace() {
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	pastor := actor(domain.RolePastor)
	person := domain.NewPersonID()
	ended := s.now.Add(-time.Hour)
	s.relations.pastors = []relation{{actor: pastor.ID, person: person, ended: &ended}}
	req := Request{Actor: pastor, Action: domain.ActionRead, Resource: domain.ResourceCounseling, OwnerID: person}

	s.Run("zero grace loses access at reassignment", func() {
		decision, err := s.guard.Authorize(s.ctx, req)
		s.Require().NoError(err)
		s.False(decision.Allowed)
		s.Equal(s.now, s.relations.lastSince)
	})

	s.Run("grace keeps access for the configured window", func() {
		g := s.newGuard(DefaultMatrix(), WithReassignmentGrace(2*time.Hour))
		decision, err := g.Authorize(s.ctx, req)
		s.Require().NoError(err)
		s.True(decision.Allowed)

		later := requestcontext.WithTime(context.Background(), s.now.Add(90*time.Minute))
		decision, err = g.Authorize(later, req)
		s.Require().NoError(err)
		s.False(decision.Allowed)
	})
}

func (s *GuardSuite) TestSessionChecks() {
	pastor := actor(domain.RolePastor)
	req := Request{Actor: pastor, Action: domain.ActionRead, Resource: domain.ResourcePerson, OwnerID: domain.NewPersonID()}

	s.Run("revoked session is denied", func() {
		s.expectDenied(ReasonSessionInvalid)
		g := s.newGuard(DefaultMatrix(), WithSessionValidator(stubSessions{valid: false}))
		decision, err := g.Authorize(s.ctx, req)
		s.Require().NoError(err)
		s.False(decision.Allowed)
		s.Equal(ReasonSessionInvalid, decision.Reason)
	})

	s.Run("session store failure fails closed and is still audited", func() {
		before := s.store.Len()
		g := s.newGuard(DefaultMatrix(), WithSessionValidator(stubSessions{err: errors.New("redis down")}))
		decision, err := g.Authorize(s.ctx, req)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
		s.False(decision.Allowed)
		s.Equal(before+1, s.store.Len())
	})
}

func (s *GuardSuite) TestOwnershipResolutionFailureDenies() {
	s.relations.err = errors.New("db timeout")
	decision, err := s.guard.Authorize(s.ctx, Request{
		Actor: actor(domain.RolePastor), Action: domain.ActionRead, Resource: domain.ResourceCounseling, OwnerID: domain.NewPersonID(),
	})
	s.Require().Error(err)
	s.False(decision.Allowed)
	s.Equal(ReasonOwnershipUnresolved, decision.Reason)
	s.Equal(ReasonOwnershipUnresolved, s.store.All()[0].Reason)
}

func (s *GuardSuite) TestAuditFailureDenies() {
	g, err := New(DefaultMatrix(), failingAudit{})
	s.Require().NoError(err)
	decision, err := g.Authorize(s.ctx, Request{Actor: actor(domain.RoleAdministrator), Action: domain.ActionRead, Resource: domain.ResourcePerson})
	s.Require().Error(err)
	s.False(decision.Allowed)
	s.False(decision.Grant.Valid())

	_, err = g.Require(s.ctx, Request{Actor: actor(domain.RoleAdministrator), Action: domain.ActionRead, Resource: domain.ResourcePerson})
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
}

func (s *GuardSuite) TestGrantIsBoundToResource() {
	admin := actor(domain.RoleAdministrator)
	owner := domain.NewPersonID()
	recordID := domain.NewRecordID().String()

	grant, err := s.guard.Require(s.ctx, Request{
		Actor: admin, Action: domain.ActionRead, Resource: domain.ResourceCounseling, OwnerID: owner, ResourceID: recordID,
	})
	s.Require().NoError(err)
	s.True(grant.Covers(domain.ResourceCounseling, recordID, domain.ActionRead))
	s.False(grant.Covers(domain.ResourceCounseling, domain.NewRecordID().String(), domain.ActionRead))
	s.False(grant.Covers(domain.ResourceFinancial, recordID, domain.ActionRead))
	s.False(grant.Covers(domain.ResourceCounseling, recordID, domain.ActionWrite))
	s.Equal(admin, grant.Actor())
	s.Equal(owner, grant.OwnerID())

	s.False(Grant{}.Covers(domain.ResourceCounseling, recordID, domain.ActionRead))
}

func (s *GuardSuite) TestNewRejectsIncompleteConfiguration() {
	_, err := New(nil, audit.New(s.store))
	s.Error(err)

	rules := DefaultOwnershipRules()
	delete(rules, domain.ResourcePerson)
	_, err = New(DefaultMatrix(), audit.New(s.store), WithOwnershipRules(rules))
	s.Error(err)
}
