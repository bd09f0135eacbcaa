package funnel

import (
	"fmt"

	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
)

// InvalidTransitionError rejects an event that no edge out of the person's
// current stage accepts. Nothing was changed.
type InvalidTransitionError struct {
	PersonID domain.PersonID
	From     domain.FunnelStage
	Event    Event
	Reason   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for person %s: %s from %s (%s)", e.PersonID, e.Event, e.From, e.Reason)
}

func (e *InvalidTransitionError) ErrorCode() dErrors.Code { return dErrors.CodeInvalidTransition }

// TransitionConflictError reports a concurrent stage change. Callers re-read
// the person before trying again.
type TransitionConflictError struct {
	PersonID domain.PersonID
}

func (e *TransitionConflictError) Error() string {
	return "concurrent stage change for person " + e.PersonID.String()
}

func (e *TransitionConflictError) ErrorCode() dErrors.Code { return dErrors.CodeConflict }

const (
	reasonNoEdge       = "no_edge"
	reasonUnknownEvent = "unknown_event"
	reasonApprover     = "approver_required"
	reasonArchived     = "archived"
	reasonNotIdle      = "not_idle"
)
