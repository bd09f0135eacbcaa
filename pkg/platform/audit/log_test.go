package audit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	audit "shepherd/pkg/platform/audit"
	"shepherd/pkg/platform/audit/store/memory"
	"shepherd/pkg/requestcontext"
)

type LogSuite struct {
	suite.Suite
	store *memory.InMemoryStore
	log   *audit.Log
}

func TestLogSuite(t *testing.T) {
	suite.Run(t, new(LogSuite))
}

func (s *LogSuite) SetupTest() {
	s.store = memory.NewInMemoryStore()
	s.log = audit.New(s.store, audit.WithRetry(3, 0))
}

func entryFor(actor domain.ActorID, action string, decision audit.Decision) audit.Entry {
	return audit.Entry{
		ActorID:      actor,
		Role:         domain.RolePastor,
		Action:       action,
		ResourceType: domain.ResourceCounseling,
		ResourceID:   domain.NewRecordID().String(),
		Decision:     decision,
	}
}

func (s *LogSuite) TestAppend() {
	s.Run("stamps sequence, ID and strictly increasing timestamps", func() {
		fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		ctx := requestcontext.WithTime(context.Background(), fixed)
		actor := domain.NewActorID()

		first, err := s.log.Append(ctx, entryFor(actor, "read", audit.DecisionAllowed))
		s.Require().NoError(err)
		second, err := s.log.Append(ctx, entryFor(actor, "read", audit.DecisionAllowed))
		s.Require().NoError(err)

		s.NotEqual(first.ID, second.ID)
		s.Less(first.Seq, second.Seq)
		s.True(second.Timestamp.After(first.Timestamp))
		s.Equal(fixed, first.Timestamp)
	})

	s.Run("derives category from action and decision", func() {
		actor := domain.NewActorID()
		denied, err := s.log.Append(context.Background(), entryFor(actor, "read", audit.DecisionDenied))
		s.Require().NoError(err)
		s.Equal(audit.CategorySecurity, denied.Category)

		decrypt, err := s.log.Append(context.Background(), entryFor(actor, audit.ActionDecrypt, audit.DecisionAllowed))
		s.Require().NoError(err)
		s.Equal(audit.CategoryCompliance, decrypt.Category)

		routine, err := s.log.Append(context.Background(), entryFor(actor, "read", audit.DecisionAllowed))
		s.Require().NoError(err)
		s.Equal(audit.CategoryOperations, routine.Category)
	})

	s.Run("copies request metadata from context", func() {
		ctx := requestcontext.WithRequestID(context.Background(), "req-42")
		ctx = requestcontext.WithClientMetadata(ctx, "10.0.0.7", "curl/8")
		ctx = requestcontext.WithDevice(ctx, "curl on Linux")

		e, err := s.log.Append(ctx, entryFor(domain.NewActorID(), "write", audit.DecisionAllowed))
		s.Require().NoError(err)
		s.Equal("req-42", e.RequestID)
		s.Equal("10.0.0.7", e.ClientIP)
		s.Equal("curl on Linux", e.Device)
	})

	s.Run("rejects entries without an action", func() {
		_, err := s.log.Append(context.Background(), audit.Entry{})
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

type flakyStore struct {
	*memory.InMemoryStore
	failures atomic.Int32
}

func (f *flakyStore) Append(ctx context.Context, e audit.Entry) (int64, error) {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return 0, errors.New("connection reset")
	}
	return f.InMemoryStore.Append(ctx, e)
}

func (s *LogSuite) TestAppendRetry() {
	s.Run("transient failures are retried", func() {
		store := &flakyStore{InMemoryStore: memory.NewInMemoryStore()}
		store.failures.Store(2)
		log := audit.New(store, audit.WithRetry(3, 0))

		_, err := log.Append(context.Background(), entryFor(domain.NewActorID(), "read", audit.DecisionAllowed))
		s.Require().NoError(err)
		s.Equal(1, store.Len())
	})

	s.Run("persistent failure is reported as unavailable", func() {
		store := &flakyStore{InMemoryStore: memory.NewInMemoryStore()}
		store.failures.Store(10)
		reg := prometheus.NewRegistry()
		metrics := audit.NewMetrics(reg)
		log := audit.New(store, audit.WithRetry(3, 0), audit.WithMetrics(metrics))

		_, err := log.Append(context.Background(), entryFor(domain.NewActorID(), "read", audit.DecisionAllowed))
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
		s.Equal(0, store.Len())
		s.Equal(int32(7), store.failures.Load())
		s.Equal(float64(1), testutil.ToFloat64(metrics.AppendFailures))
	})
}

func (s *LogSuite) TestConcurrentAppendsPreserveOrder() {
	const perActor = 50
	actors := []domain.ActorID{domain.NewActorID(), domain.NewActorID(), domain.NewActorID()}

	var wg sync.WaitGroup
	for _, actor := range actors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perActor; i++ {
				_, err := s.log.Append(context.Background(), entryFor(actor, "read", audit.DecisionAllowed))
				s.NoError(err)
			}
		}()
	}
	wg.Wait()

	all := s.store.All()
	s.Len(all, perActor*len(actors))
	for i := 1; i < len(all); i++ {
		s.Less(all[i-1].Seq, all[i].Seq)
		s.True(all[i].Timestamp.After(all[i-1].Timestamp))
	}
}

func (s *LogSuite) TestQuery() {
	ctx := context.Background()
	pastor := domain.NewActorID()
	leader := domain.NewActorID()
	owner := domain.NewPersonID()

	for i := 0; i < 5; i++ {
		e := entryFor(pastor, "read", audit.DecisionAllowed)
		e.OwnerID = owner
		_, err := s.log.Append(ctx, e)
		s.Require().NoError(err)
	}
	for i := 0; i < 3; i++ {
		e := entryFor(leader, "read", audit.DecisionDenied)
		e.Role = domain.RoleMinistryLeader
		_, err := s.log.Append(ctx, e)
		s.Require().NoError(err)
	}

	s.Run("pages through results with a cursor", func() {
		page, err := s.log.Query(ctx, audit.Filter{ActorID: pastor, Limit: 2})
		s.Require().NoError(err)
		s.Len(page.Entries, 2)
		s.NotZero(page.NextCursor)

		var seen []int64
		for _, e := range page.Entries {
			seen = append(seen, e.Seq)
		}
		for page.NextCursor != 0 {
			page, err = s.log.Query(ctx, audit.Filter{ActorID: pastor, Limit: 2, After: page.NextCursor})
			s.Require().NoError(err)
			for _, e := range page.Entries {
				seen = append(seen, e.Seq)
			}
		}
		s.Len(seen, 5)
		for i := 1; i < len(seen); i++ {
			s.Less(seen[i-1], seen[i])
		}
	})

	s.Run("filters by decision, role and owner", func() {
		page, err := s.log.Query(ctx, audit.Filter{Decision: audit.DecisionDenied})
		s.Require().NoError(err)
		s.Len(page.Entries, 3)
		for _, e := range page.Entries {
			s.Equal(domain.RoleMinistryLeader, e.Role)
		}

		page, err = s.log.Query(ctx, audit.Filter{OwnerID: owner})
		s.Require().NoError(err)
		s.Len(page.Entries, 5)
		s.Zero(page.NextCursor)
	})

	s.Run("rejects an inverted time range", func() {
		now := time.Now()
		_, err := s.log.Query(ctx, audit.Filter{From: now, To: now.Add(-time.Hour)})
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}
