//go:build integration

package user_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"shepherd/internal/auth/models"
	"shepherd/internal/auth/store/user"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
	"shepherd/pkg/testutil/containers"
)

type PostgresUserStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *user.PostgresStore
}

func TestPostgresUserStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresUserStoreSuite))
}

func (s *PostgresUserStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = user.NewPostgres(s.postgres.DB)
}

func (s *PostgresUserStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "users"))
}

func (s *PostgresUserStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	u := &models.User{
		ID:           domain.NewActorID(),
		Email:        "Maria@Church.org",
		Name:         "Maria",
		Role:         domain.RoleFinance,
		PasswordHash: "$2a$10$hash",
		PersonID:     domain.NewPersonID(),
		Active:       true,
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	s.Require().NoError(s.store.Save(ctx, u))

	found, err := s.store.FindByEmail(ctx, "maria@church.ORG")
	s.Require().NoError(err)
	s.Equal(u.ID, found.ID)
	s.Equal("maria@church.org", found.Email)
	s.Equal(u.PersonID, found.PersonID)
	s.Nil(found.LastLoginAt)

	dup := *u
	dup.ID = domain.NewActorID()
	s.ErrorIs(s.store.Save(ctx, &dup), sentinel.ErrAlreadyUsed)

	at := time.Now().UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.store.RecordLogin(ctx, u.ID, at))
	s.Require().NoError(s.store.SetActive(ctx, u.ID, false))

	found, err = s.store.FindByID(ctx, u.ID)
	s.Require().NoError(err)
	s.False(found.Active)
	s.Require().NotNil(found.LastLoginAt)
	s.True(at.Equal(*found.LastLoginAt))

	s.ErrorIs(s.store.SetActive(ctx, domain.NewActorID(), false), sentinel.ErrNotFound)
	_, err = s.store.FindByID(ctx, domain.NewActorID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}
