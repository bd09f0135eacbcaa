package testutil

import (
	"shepherd/pkg/domain"
)

// NewActor builds a signed-in actor with fresh IDs for role.
func NewActor(role domain.Role) domain.Actor {
	return domain.Actor{
		ID:        domain.NewActorID(),
		Role:      role,
		SessionID: domain.NewSessionID(),
	}
}
