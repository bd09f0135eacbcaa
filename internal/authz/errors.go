package authz

import (
	"fmt"

	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
)

// Decision reasons.
const (
	ReasonAllowedByMatrix     = "allowed_by_matrix"
	ReasonAllowedByOwnership  = "allowed_by_ownership"
	ReasonDeniedByMatrix      = "denied_by_matrix"
	ReasonNotOwner            = "not_owner"
	ReasonUnknownRole         = "unknown_role"
	ReasonUnknownResource     = "unknown_resource"
	ReasonUnknownAction       = "unknown_action"
	ReasonSessionInvalid      = "session_invalid"
	ReasonSessionUnverifiable = "session_unverifiable"
	ReasonOwnershipUnresolved = "ownership_unresolved"
	ReasonMissingActor        = "missing_actor"
)

// AccessDeniedError is returned by Require when the guard denies. Its message
// never names the record, so callers cannot test for existence.
type AccessDeniedError struct {
	Reason   string
	Resource domain.ResourceType
	Action   domain.Action
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s on %s (%s)", e.Action, e.Resource, e.Reason)
}

func (e *AccessDeniedError) ErrorCode() dErrors.Code { return dErrors.CodeForbidden }
