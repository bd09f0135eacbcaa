package ministry

import (
	"time"

	"shepherd/pkg/domain"
)

// Ministry is a serving group (worship, youth, reception...).
type Ministry struct {
	ID        domain.MinistryID `json:"id"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"created_at"`
}

// Leadership is a period during which a staff user leads a ministry.
type Leadership struct {
	MinistryID domain.MinistryID `json:"ministry_id"`
	LeaderID   domain.ActorID    `json:"leader_id"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
}

// Membership is a period during which a person belongs to a ministry.
type Membership struct {
	MinistryID domain.MinistryID `json:"ministry_id"`
	PersonID   domain.PersonID   `json:"person_id"`
	JoinedAt   time.Time         `json:"joined_at"`
	LeftAt     *time.Time        `json:"left_at,omitempty"`
}

// PastoralAssignment makes a pastor responsible for a person's care. A
// person has at most one open assignment.
type PastoralAssignment struct {
	PersonID  domain.PersonID `json:"person_id"`
	PastorID  domain.ActorID  `json:"pastor_id"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// EffectiveSince reports whether a period that ended at ended (nil = open)
// still counts for checks that accept relations ended after since.
func EffectiveSince(ended *time.Time, since time.Time) bool {
	return ended == nil || ended.After(since)
}
