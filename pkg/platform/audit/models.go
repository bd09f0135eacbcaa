package audit

import (
	"time"

	"github.com/google/uuid"

	"shepherd/pkg/domain"
)

// EventCategory classifies audit entries by their primary purpose.
// This enables different retention policies and routing.
type EventCategory string

const (
	// CategoryCompliance covers entries with legal/regulatory significance:
	// decrypts of confidential records, erasure requests, consent changes.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers denials, session revocations and key rotations.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine allowed access.
	CategoryOperations EventCategory = "operations"
)

// Decision is the authorization verdict recorded with an entry.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// Action names recorded in entries. Authorization entries use the guarded
// domain.Action ("read", "write", ...) directly; the rest are listed here.
const (
	ActionDecrypt         = "decrypt"
	ActionErasure         = "erasure"
	ActionConsentGranted  = "consent_granted"
	ActionConsentRevoked  = "consent_revoked"
	ActionKeyRotated      = "key_rotated"
	ActionSessionRevoked  = "session_revoked"
	ActionPersonArchived  = "person_archived"
	ActionRecordRekeyed   = "record_rekeyed"
	ActionRecordCorrected = "record_corrected"
)

// Outcomes recorded with entries.
const (
	OutcomeOK               = "ok"
	OutcomeDecryptionFailed = "decryption_failed"
)

// Entry is one immutable line of the audit trail.
type Entry struct {
	Seq          int64
	ID           uuid.UUID
	Timestamp    time.Time
	ActorID      domain.ActorID
	Role         domain.Role
	SessionID    domain.SessionID
	Action       string
	ResourceType domain.ResourceType
	ResourceID   string
	OwnerID      domain.PersonID
	Decision     Decision
	Reason       string
	Outcome      string
	RequestID    string
	ClientIP     string
	Device       string
	Category     EventCategory
}

var actionCategories = map[string]EventCategory{
	ActionDecrypt:         CategoryCompliance,
	ActionErasure:         CategoryCompliance,
	ActionConsentGranted:  CategoryCompliance,
	ActionConsentRevoked:  CategoryCompliance,
	ActionPersonArchived:  CategoryCompliance,
	ActionRecordCorrected: CategoryCompliance,
	ActionKeyRotated:      CategorySecurity,
	ActionSessionRevoked:  CategorySecurity,
	ActionRecordRekeyed:   CategorySecurity,

	string(domain.ActionErase): CategoryCompliance,
}

// CategoryFor derives the category of an entry. Denials are always security
// relevant; unknown actions default to operations.
func CategoryFor(action string, decision Decision) EventCategory {
	if decision == DecisionDenied {
		return CategorySecurity
	}
	if cat, ok := actionCategories[action]; ok {
		return cat
	}
	return CategoryOperations
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	ActorID      domain.ActorID
	Role         domain.Role
	ResourceType domain.ResourceType
	ResourceID   string
	OwnerID      domain.PersonID
	Action       string
	Decision     Decision
	From         time.Time
	To           time.Time
	// After is the cursor: only entries with Seq > After are returned.
	After int64
	Limit int
}

// Matches reports whether e passes every set field of the filter, ignoring
// cursor and limit.
func (f Filter) Matches(e Entry) bool {
	switch {
	case !f.ActorID.IsNil() && e.ActorID != f.ActorID:
		return false
	case f.Role != "" && e.Role != f.Role:
		return false
	case f.ResourceType != "" && e.ResourceType != f.ResourceType:
		return false
	case f.ResourceID != "" && e.ResourceID != f.ResourceID:
		return false
	case !f.OwnerID.IsNil() && e.OwnerID != f.OwnerID:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.Decision != "" && e.Decision != f.Decision:
		return false
	case !f.From.IsZero() && e.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && !e.Timestamp.Before(f.To):
		return false
	}
	return true
}

// Page is one slice of query results. NextCursor is zero on the last page.
type Page struct {
	Entries    []Entry
	NextCursor int64
}
