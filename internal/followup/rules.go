package followup

import (
	"fmt"
	"time"

	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
)

// Assignment is who a task goes to and how long they have.
type Assignment struct {
	Role domain.Role
	Due  time.Duration
}

// Rules decide which tasks are produced. A stage without an entry in
// StageEntered produces no task when entered.
type Rules struct {
	StageEntered map[domain.FunnelStage]Assignment
	// MissedCheckInAfter is how long an engaged person may go without
	// activity before a missed check-in task is raised.
	MissedCheckInAfter time.Duration
	MissedCheckIn      Assignment
	// Pledge.Due is the grace after the pledged date.
	Pledge Assignment
	// DedupeWindow suppresses re-scheduling of the same key.
	DedupeWindow time.Duration
}

func DefaultRules() Rules {
	return Rules{
		StageEntered: map[domain.FunnelStage]Assignment{
			domain.StageVisitor:    {Role: domain.RoleMinistryLeader, Due: 48 * time.Hour},
			domain.StageNewConvert: {Role: domain.RolePastor, Due: 72 * time.Hour},
			domain.StageMember:     {Role: domain.RoleSecretariat, Due: 7 * 24 * time.Hour},
		},
		MissedCheckInAfter: 14 * 24 * time.Hour,
		MissedCheckIn:      Assignment{Role: domain.RoleMinistryLeader, Due: 48 * time.Hour},
		Pledge:             Assignment{Role: domain.RoleSecretariat, Due: 72 * time.Hour},
		DedupeWindow:       24 * time.Hour,
	}
}

func (r Rules) Validate() error {
	for stage, a := range r.StageEntered {
		if !stage.IsValid() {
			return invalidRules("unknown stage %q", stage)
		}
		if err := a.validate(true); err != nil {
			return invalidRules("stage %s: %v", stage, err)
		}
	}
	if r.MissedCheckInAfter <= 0 {
		return invalidRules("missed check-in threshold must be positive")
	}
	if err := r.MissedCheckIn.validate(true); err != nil {
		return invalidRules("missed check-in: %v", err)
	}
	if err := r.Pledge.validate(false); err != nil {
		return invalidRules("pledge: %v", err)
	}
	if r.DedupeWindow < 0 {
		return invalidRules("dedupe window must not be negative")
	}
	return nil
}

func (a Assignment) validate(needsDue bool) error {
	if !a.Role.IsValid() {
		return fmt.Errorf("unknown role %q", a.Role)
	}
	if a.Due < 0 || (needsDue && a.Due == 0) {
		return fmt.Errorf("due offset must be positive")
	}
	return nil
}

func invalidRules(format string, args ...any) error {
	return dErrors.New(dErrors.CodeValidation, "invalid follow-up rules: "+fmt.Sprintf(format, args...))
}
