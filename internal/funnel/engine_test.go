package funnel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"shepherd/internal/authz"
	"shepherd/internal/events"
	"shepherd/internal/events/mocks"
	"shepherd/internal/funnel"
	ministrymemory "shepherd/internal/ministry/store/memory"
	"shepherd/internal/people"
	"shepherd/internal/people/store/memory"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/audit"
	auditmemory "shepherd/pkg/platform/audit/store/memory"
	"shepherd/pkg/requestcontext"
	"shepherd/pkg/testutil"
)

// barrierStore holds the first n reads until all n have arrived, so that
// concurrent transitions observe the same starting version.
type barrierStore struct {
	*memory.InMemoryStore
	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func newBarrierStore(store *memory.InMemoryStore, n int) *barrierStore {
	return &barrierStore{InMemoryStore: store, waiting: n, release: make(chan struct{})}
}

func (b *barrierStore) FindByID(ctx context.Context, id domain.PersonID) (*people.Person, error) {
	p, err := b.InMemoryStore.FindByID(ctx, id)
	b.mu.Lock()
	if b.waiting == 0 {
		b.mu.Unlock()
		return p, err
	}
	b.waiting--
	if b.waiting == 0 {
		close(b.release)
	}
	b.mu.Unlock()
	<-b.release
	return p, err
}

type EngineSuite struct {
	suite.Suite
	store       *memory.InMemoryStore
	guard       *authz.Guard
	recorder    *events.Recorder
	engine      *funnel.Engine
	secretariat domain.Actor
	pastor      domain.Actor
	start       time.Time
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.start = time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC)
	s.store = memory.New()
	guard, err := authz.New(authz.DefaultMatrix(), audit.New(auditmemory.NewInMemoryStore()),
		authz.WithRelations(ministrymemory.New()))
	s.Require().NoError(err)
	s.guard = guard
	s.recorder = &events.Recorder{}
	s.engine = s.newEngine(s.store, false)
	s.secretariat = testutil.NewActor(domain.RoleSecretariat)
	s.pastor = testutil.NewActor(domain.RolePastor)
}

func (s *EngineSuite) newEngine(store funnel.Store, direct bool, opts ...funnel.Option) *funnel.Engine {
	table, err := funnel.NewTable(funnel.DefaultEdges(direct))
	s.Require().NoError(err)
	opts = append([]funnel.Option{funnel.WithPublisher(s.recorder)}, opts...)
	return funnel.New(store, s.guard, table, opts...)
}

func (s *EngineSuite) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), s.start)
}

func (s *EngineSuite) person(stage domain.FunnelStage, lastActivity time.Time) *people.Person {
	p := &people.Person{
		ID:             domain.NewPersonID(),
		Name:           "Paulo",
		Stage:          stage,
		StageEnteredAt: s.start,
		CheckIns:       1,
		LastActivityAt: lastActivity,
		CreatedAt:      s.start,
		UpdatedAt:      s.start,
	}
	s.Require().NoError(s.store.Create(context.Background(), p))
	return p
}

func (s *EngineSuite) stageOf(id domain.PersonID) domain.FunnelStage {
	p, err := s.store.FindByID(context.Background(), id)
	s.Require().NoError(err)
	return p.Stage
}

func (s *EngineSuite) TestForwardPath() {
	p := s.person(domain.StageVisitor, s.start)

	steps := []struct {
		actor domain.Actor
		event funnel.Event
		want  domain.FunnelStage
	}{
		{s.secretariat, funnel.EventFollowUpContact, domain.StageEngaged},
		{s.secretariat, funnel.EventConversion, domain.StageNewConvert},
		{s.pastor, funnel.EventMembershipApproved, domain.StageMember},
	}
	for _, step := range steps {
		got, err := s.engine.AttemptTransition(s.ctx(), step.actor, p.ID, step.event)
		s.Require().NoError(err)
		s.Equal(step.want, got)
	}

	changes := s.recorder.OfType(events.TypeStageChanged)
	s.Require().Len(changes, 3)
	last := changes[2].(events.StageChanged)
	s.Equal(domain.StageNewConvert, last.From)
	s.Equal(domain.StageMember, last.To)
	s.Equal(string(funnel.EventMembershipApproved), last.Trigger)
	s.Equal(s.pastor.ID, last.ActorID)

	_, err := s.engine.AttemptTransition(s.ctx(), s.pastor, p.ID, funnel.EventConversion)
	var invalid *funnel.InvalidTransitionError
	s.Require().ErrorAs(err, &invalid)
	s.Equal(domain.StageMember, invalid.From)
	s.Equal(funnel.EventConversion, invalid.Event)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	s.Len(s.recorder.OfType(events.TypeStageChanged), 3)

	stored, err := s.store.FindByID(context.Background(), p.ID)
	s.Require().NoError(err)
	s.Equal(int64(3), stored.StageVersion)
	s.Len(stored.StageHistory, 3)
}

func (s *EngineSuite) TestConversionFromVisitorNeedsConfiguration() {
	p := s.person(domain.StageVisitor, s.start)
	_, err := s.engine.AttemptTransition(s.ctx(), s.secretariat, p.ID, funnel.EventConversion)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	s.Equal(domain.StageVisitor, s.stageOf(p.ID))

	direct := s.newEngine(s.store, true)
	got, err := direct.AttemptTransition(s.ctx(), s.secretariat, p.ID, funnel.EventConversion)
	s.Require().NoError(err)
	s.Equal(domain.StageNewConvert, got)
}

func (s *EngineSuite) TestRejections() {
	p := s.person(domain.StageNewConvert, s.start)

	_, err := s.engine.AttemptTransition(s.ctx(), s.secretariat, p.ID, funnel.EventMembershipApproved)
	var invalid *funnel.InvalidTransitionError
	s.Require().ErrorAs(err, &invalid)
	s.Equal("approver_required", invalid.Reason)

	_, err = s.engine.AttemptTransition(s.ctx(), s.secretariat, p.ID, "baptism")
	s.Require().ErrorAs(err, &invalid)
	s.Equal("unknown_event", invalid.Reason)

	_, err = s.engine.AttemptTransition(s.ctx(), testutil.NewActor(domain.RoleFinance), p.ID, funnel.EventDeactivate)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	_, err = s.engine.AttemptTransition(s.ctx(), s.secretariat, domain.NewPersonID(), funnel.EventDeactivate)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	s.Equal(domain.StageNewConvert, s.stageOf(p.ID))
	s.Empty(s.recorder.Events())
}

func (s *EngineSuite) TestArchivedPersonCannotMove() {
	p := s.person(domain.StageEngaged, s.start)
	_, err := s.store.Update(context.Background(), p.ID, func(p *people.Person) error {
		p.ArchivedAt = &s.start
		return nil
	})
	s.Require().NoError(err)

	_, err = s.engine.AttemptTransition(s.ctx(), s.secretariat, p.ID, funnel.EventConversion)
	var invalid *funnel.InvalidTransitionError
	s.Require().ErrorAs(err, &invalid)
	s.Equal("archived", invalid.Reason)
}

// archivingStore archives the person just before the first stage swap.
type archivingStore struct {
	*memory.InMemoryStore
	at   time.Time
	done bool
}

func (a *archivingStore) CompareAndSwapStage(ctx context.Context, id domain.PersonID, expected int64, t people.Transition) (*people.Person, error) {
	if !a.done {
		a.done = true
		if _, err := a.Update(ctx, id, func(p *people.Person) error {
			p.ArchivedAt = &a.at
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return a.InMemoryStore.CompareAndSwapStage(ctx, id, expected, t)
}

func (s *EngineSuite) TestArchiveRacingTransitionWins() {
	p := s.person(domain.StageEngaged, s.start)
	engine := s.newEngine(&archivingStore{InMemoryStore: s.store, at: s.start}, false)

	_, err := engine.AttemptTransition(s.ctx(), s.secretariat, p.ID, funnel.EventConversion)
	var invalid *funnel.InvalidTransitionError
	s.Require().ErrorAs(err, &invalid)
	s.Equal("archived", invalid.Reason)
	s.Equal(domain.StageEngaged, s.stageOf(p.ID))
	s.Empty(s.recorder.OfType(events.TypeStageChanged))
}

func (s *EngineSuite) TestDeactivateAndReactivate() {
	p := s.person(domain.StageNewConvert, s.start)

	got, err := s.engine.AttemptTransition(s.ctx(), s.secretariat, p.ID, funnel.EventDeactivate)
	s.Require().NoError(err)
	s.Equal(domain.StageInactive, got)

	_, err = s.engine.AttemptTransition(s.ctx(), s.secretariat, p.ID, funnel.EventDeactivate)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))

	got, err = s.engine.AttemptTransition(s.ctx(), s.secretariat, p.ID, funnel.EventReactivate)
	s.Require().NoError(err)
	s.Equal(domain.StageNewConvert, got, "reactivation returns to the stage held before")

	stored, err := s.store.FindByID(context.Background(), p.ID)
	s.Require().NoError(err)
	s.Empty(stored.PreviousStage)
}

func (s *EngineSuite) TestConcurrentConversionsFromSameStage() {
	p := s.person(domain.StageEngaged, s.start)
	engine := s.newEngine(newBarrierStore(s.store, 2), false)

	type outcome struct {
		stage domain.FunnelStage
		err   error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stage, err := engine.AttemptTransition(s.ctx(), s.secretariat, p.ID, funnel.EventConversion)
			results <- outcome{stage, err}
		}()
	}
	wg.Wait()
	close(results)

	var won, conflicted int
	for r := range results {
		var conflict *funnel.TransitionConflictError
		switch {
		case r.err == nil:
			won++
			s.Equal(domain.StageNewConvert, r.stage)
		case errors.As(r.err, &conflict):
			conflicted++
			s.Equal(p.ID, conflict.PersonID)
		default:
			s.Failf("unexpected error", "%v", r.err)
		}
	}
	s.Equal(1, won)
	s.Equal(1, conflicted)

	stored, err := s.store.FindByID(context.Background(), p.ID)
	s.Require().NoError(err)
	s.Equal(domain.StageNewConvert, stored.Stage)
	s.Equal(int64(1), stored.StageVersion, "applied once")
	s.Len(s.recorder.OfType(events.TypeStageChanged), 1)
}

func (s *EngineSuite) TestManyConcurrentAttemptsApplyOnce() {
	p := s.person(domain.StageEngaged, s.start)

	const attempts = 16
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.engine.AttemptTransition(s.ctx(), s.secretariat, p.ID, funnel.EventConversion)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		code, _ := dErrors.CodeOf(err)
		s.Contains([]dErrors.Code{dErrors.CodeInvalidTransition, dErrors.CodeConflict}, code)
	}
	s.Equal(1, succeeded)
	s.Len(s.recorder.OfType(events.TypeStageChanged), 1)
}

func (s *EngineSuite) TestCheckIn() {
	p := s.person(domain.StageVisitor, s.start)

	second, err := s.engine.CheckIn(s.ctx(), s.secretariat, p.ID)
	s.Require().NoError(err)
	s.Equal(funnel.EventRepeatCheckIn, second.Event, "the visit after registration engages")
	s.Equal(domain.StageEngaged, second.Person.Stage)
	s.Equal(2, second.Person.CheckIns)

	third, err := s.engine.CheckIn(s.ctx(), s.secretariat, p.ID)
	s.Require().NoError(err)
	s.Empty(third.Event)
	s.Equal(domain.StageEngaged, third.Person.Stage)
	s.Equal(3, third.Person.CheckIns)

	threshold := s.newEngine(s.store, false, funnel.WithCheckInsToEngage(3))
	q := s.person(domain.StageVisitor, s.start)
	first, err := threshold.CheckIn(s.ctx(), s.secretariat, q.ID)
	s.Require().NoError(err)
	s.Empty(first.Event)
	s.Equal(domain.StageVisitor, first.Person.Stage)
}

func (s *EngineSuite) TestCheckInReactivates() {
	p := s.person(domain.StageMember, s.start)
	_, err := s.engine.AttemptTransition(s.ctx(), s.secretariat, p.ID, funnel.EventDeactivate)
	s.Require().NoError(err)

	result, err := s.engine.CheckIn(s.ctx(), s.secretariat, p.ID)
	s.Require().NoError(err)
	s.Equal(funnel.EventReactivate, result.Event)
	s.Equal(domain.StageMember, result.Person.Stage)
}

func (s *EngineSuite) TestSweepInactive() {
	window := 60 * 24 * time.Hour
	engine := s.newEngine(s.store, false, funnel.WithInactivityWindow(window))
	idle := s.person(domain.StageEngaged, s.start.Add(-window-time.Hour))
	idleMember := s.person(domain.StageMember, s.start.Add(-2*window))
	active := s.person(domain.StageEngaged, s.start.Add(-time.Hour))

	result, err := engine.SweepInactive(context.Background(), s.start)
	s.Require().NoError(err)
	s.Equal(funnel.SweepResult{Moved: 2}, result)
	s.Equal(domain.StageInactive, s.stageOf(idle.ID))
	s.Equal(domain.StageInactive, s.stageOf(idleMember.ID))
	s.Equal(domain.StageEngaged, s.stageOf(active.ID))

	stored, err := s.store.FindByID(context.Background(), idle.ID)
	s.Require().NoError(err)
	s.Equal(domain.StageEngaged, stored.PreviousStage)
	s.True(stored.LastActivityAt.Before(s.start), "a timeout is not activity")
	s.True(stored.StageHistory[len(stored.StageHistory)-1].ActorID.IsNil())

	result, err = engine.SweepInactive(context.Background(), s.start)
	s.Require().NoError(err)
	s.Zero(result.Moved)
}

func (s *EngineSuite) TestSubscriberFailureDoesNotUndo() {
	ctrl := gomock.NewController(s.T())
	publisher := mocks.NewMockPublisher(ctrl)
	publisher.EXPECT().
		Publish(gomock.Any(), gomock.AssignableToTypeOf(events.StageChanged{})).
		Return(errors.New("subscriber down")).
		Times(1)

	table, err := funnel.NewTable(funnel.DefaultEdges(false))
	s.Require().NoError(err)
	engine := funnel.New(s.store, s.guard, table, funnel.WithPublisher(publisher))
	p := s.person(domain.StageEngaged, s.start)

	got, err := engine.AttemptTransition(s.ctx(), s.secretariat, p.ID, funnel.EventConversion)
	s.Require().NoError(err)
	s.Equal(domain.StageNewConvert, got)
	s.Equal(domain.StageNewConvert, s.stageOf(p.ID))
}
