package authz

import (
	"context"
	"fmt"
	"time"

	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
)

// OwnershipRule decides what "owner" means for an owner_only entry.
type OwnershipRule string

const (
	// OwnershipMinistryLeadership: the actor leads an active ministry the
	// person belongs to.
	OwnershipMinistryLeadership OwnershipRule = "ministry_leadership"
	// OwnershipPastoralAssignment: the actor is the person's assigned pastor
	// or counselor.
	OwnershipPastoralAssignment OwnershipRule = "pastoral_assignment"
	// OwnershipSelf: the person is the actor's own registry entry.
	OwnershipSelf OwnershipRule = "self"
	// OwnershipNone: nobody owns; owner_only behaves as deny.
	OwnershipNone OwnershipRule = "none"
)

func (r OwnershipRule) IsValid() bool {
	switch r {
	case OwnershipMinistryLeadership, OwnershipPastoralAssignment, OwnershipSelf, OwnershipNone:
		return true
	}
	return false
}

// OwnershipRules maps each resource type to its rule.
type OwnershipRules map[domain.ResourceType]OwnershipRule

// DefaultOwnershipRules scopes people and tasks to ministry leadership and
// counseling to the assigned pastor.
func DefaultOwnershipRules() OwnershipRules {
	return OwnershipRules{
		domain.ResourcePerson:       OwnershipMinistryLeadership,
		domain.ResourceCounseling:   OwnershipPastoralAssignment,
		domain.ResourceFinancial:    OwnershipNone,
		domain.ResourceFollowUpTask: OwnershipMinistryLeadership,
		domain.ResourceAuditLog:     OwnershipNone,
	}
}

// Validate requires a known rule for every resource type.
func (r OwnershipRules) Validate() error {
	for _, resource := range domain.ResourceTypes() {
		rule, ok := r[resource]
		if !ok {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("missing ownership rule for %s", resource))
		}
		if !rule.IsValid() {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown ownership rule %q for %s", rule, resource))
		}
	}
	return nil
}

// Relations answers ownership questions. A relation that ended counts while
// its end is after since.
type Relations interface {
	LeadsMinistryOf(ctx context.Context, leader domain.ActorID, person domain.PersonID, since time.Time) (bool, error)
	IsAssignedPastor(ctx context.Context, pastor domain.ActorID, person domain.PersonID, since time.Time) (bool, error)
}

// owns resolves the rule for the actor and owner. since is the earliest end
// time of a relation that still counts.
func owns(ctx context.Context, relations Relations, rule OwnershipRule, actor domain.Actor, ownerID domain.PersonID, since time.Time) (bool, error) {
	if ownerID.IsNil() {
		return false, nil
	}
	switch rule {
	case OwnershipSelf:
		return !actor.PersonID.IsNil() && actor.PersonID == ownerID, nil
	case OwnershipMinistryLeadership:
		if relations == nil {
			return false, fmt.Errorf("no relations configured for %s", rule)
		}
		return relations.LeadsMinistryOf(ctx, actor.ID, ownerID, since)
	case OwnershipPastoralAssignment:
		if relations == nil {
			return false, fmt.Errorf("no relations configured for %s", rule)
		}
		return relations.IsAssignedPastor(ctx, actor.ID, ownerID, since)
	default:
		return false, nil
	}
}
