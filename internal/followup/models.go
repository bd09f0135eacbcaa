package followup

import (
	"time"

	"shepherd/pkg/domain"
)

// Reason is why a follow-up task exists.
type Reason string

const (
	ReasonStageEntered      Reason = "stage_entered"
	ReasonMissedCheckIn     Reason = "missed_check_in"
	ReasonPledgedCommitment Reason = "pledged_commitment"
)

func (r Reason) IsValid() bool {
	switch r {
	case ReasonStageEntered, ReasonMissedCheckIn, ReasonPledgedCommitment:
		return true
	}
	return false
}

// Status is the completion state of a task. Pending is the only open state.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusExpired Status = "expired"
)

func (s Status) IsValid() bool {
	return s == StatusPending || s == StatusDone || s == StatusExpired
}

// Task is a follow-up action for staff. Expired tasks are kept for
// reporting.
type Task struct {
	ID           domain.TaskID      `json:"id"`
	PersonID     domain.PersonID    `json:"person_id"`
	Reason       Reason             `json:"reason"`
	Stage        domain.FunnelStage `json:"stage,omitempty"`
	AssigneeRole domain.Role        `json:"assignee_role"`
	AssigneeID   domain.ActorID     `json:"assignee_id"`
	DueAt        time.Time          `json:"due_at"`
	Status       Status             `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	CompletedBy  domain.ActorID     `json:"completed_by"`
	Outcome      string             `json:"outcome,omitempty"`
}

func (t *Task) IsPending() bool { return t.Status == StatusPending }

// Key identifies tasks that must not be open twice.
func (t *Task) Key() Key {
	return Key{PersonID: t.PersonID, Reason: t.Reason, Stage: t.Stage}
}

// Key is the idempotence key of a task.
type Key struct {
	PersonID domain.PersonID
	Reason   Reason
	Stage    domain.FunnelStage
}

func (k Key) String() string {
	return k.PersonID.String() + ":" + string(k.Reason) + ":" + string(k.Stage)
}

// Filter selects tasks for listing.
type Filter struct {
	PersonID     domain.PersonID
	Status       Status
	AssigneeRole domain.Role
	Offset       int
	Limit        int
}

// CompleteRequest closes a pending task.
type CompleteRequest struct {
	Outcome string `json:"outcome" validate:"max=2000"`
}
