package people

import (
	"time"

	"github.com/google/uuid"

	"shepherd/pkg/domain"
)

// Person is the canonical registry entry. It is never hard-deleted.
type Person struct {
	ID         domain.PersonID `json:"id"`
	Name       string          `json:"name"`
	Email      string          `json:"email,omitempty"`
	Phone      string          `json:"phone,omitempty"`
	BirthDate  *time.Time      `json:"birth_date,omitempty"`
	FamilyID   *uuid.UUID      `json:"family_id,omitempty"`
	FamilyRole string          `json:"family_role,omitempty"`

	Stage          domain.FunnelStage `json:"stage"`
	StageEnteredAt time.Time          `json:"stage_entered_at"`
	// PreviousStage is the stage held before the person became inactive.
	PreviousStage domain.FunnelStage `json:"previous_stage,omitempty"`
	// StageVersion increases on every stage change, check-in and archive;
	// transitions compare-and-swap on it.
	StageVersion int64         `json:"stage_version"`
	StageHistory []StageChange `json:"stage_history"`

	Consent Consent `json:"consent"`
	// CheckIns counts visits, the registering visit included.
	CheckIns       int        `json:"check_ins"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (p *Person) IsArchived() bool { return p.ArchivedAt != nil }

// HasConsent reports whether sensitive records may be created.
func (p *Person) HasConsent() bool { return p.Consent.Granted }

// StageChange is one entry of the stage history.
type StageChange struct {
	From    domain.FunnelStage `json:"from"`
	To      domain.FunnelStage `json:"to"`
	Trigger string             `json:"trigger"`
	ActorID domain.ActorID     `json:"actor_id"`
	At      time.Time          `json:"at"`
}

// Consent is the explicit data-processing consent of the person.
type Consent struct {
	Granted    bool           `json:"granted"`
	Text       string         `json:"text,omitempty"`
	GrantedAt  *time.Time     `json:"granted_at,omitempty"`
	RevokedAt  *time.Time     `json:"revoked_at,omitempty"`
	RecordedBy domain.ActorID `json:"recorded_by"`
}

// Transition is a stage change applied by compare-and-swap.
type Transition struct {
	Change StageChange
	// PreviousStage is stored with the new stage; it is the stage to return
	// to on reactivation.
	PreviousStage domain.FunnelStage
	// Activity marks the change as activity, resetting the inactivity clock.
	Activity bool
}

// Profile holds the editable personal and family attributes.
type Profile struct {
	Name       string     `json:"name" validate:"required,max=200"`
	Email      string     `json:"email" validate:"omitempty,email,max=254"`
	Phone      string     `json:"phone" validate:"omitempty,max=40"`
	BirthDate  *time.Time `json:"birth_date"`
	FamilyID   *uuid.UUID `json:"family_id"`
	FamilyRole string     `json:"family_role" validate:"omitempty,max=40"`
}

// Filter selects people for listing.
type Filter struct {
	Stage           domain.FunnelStage
	IncludeArchived bool
	Limit           int
	Offset          int
}

// IdleFilter selects non-archived people in one of Stages whose last
// activity is before Before.
type IdleFilter struct {
	Stages []domain.FunnelStage
	Before time.Time
	Limit  int
}

// StageCount is the number of non-archived people per stage.
type StageCount map[domain.FunnelStage]int
