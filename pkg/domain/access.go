package domain

import (
	dErrors "shepherd/pkg/domain-errors"
)

// Role is a staff role. The catalog is closed.
type Role string

const (
	RoleAdministrator  Role = "administrator"
	RolePastor         Role = "pastor"
	RoleMinistryLeader Role = "ministry_leader"
	RoleSecretariat    Role = "secretariat"
	RoleFinance        Role = "finance"
)

var roles = []Role{RoleAdministrator, RolePastor, RoleMinistryLeader, RoleSecretariat, RoleFinance}

// Roles returns the full role catalog.
func Roles() []Role { return append([]Role(nil), roles...) }

func (r Role) IsValid() bool {
	for _, known := range roles {
		if r == known {
			return true
		}
	}
	return false
}

func (r Role) String() string { return string(r) }

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown role: "+s)
	}
	return r, nil
}

// ResourceType names a guarded kind of data.
type ResourceType string

const (
	ResourcePerson       ResourceType = "person"
	ResourceCounseling   ResourceType = "counseling"
	ResourceFinancial    ResourceType = "financial"
	ResourceFollowUpTask ResourceType = "follow_up_task"
	ResourceAuditLog     ResourceType = "audit_log"
)

var resourceTypes = []ResourceType{
	ResourcePerson, ResourceCounseling, ResourceFinancial, ResourceFollowUpTask, ResourceAuditLog,
}

func ResourceTypes() []ResourceType { return append([]ResourceType(nil), resourceTypes...) }

func (r ResourceType) IsValid() bool {
	for _, known := range resourceTypes {
		if r == known {
			return true
		}
	}
	return false
}

// IsSensitive reports whether payloads of this type are stored encrypted.
func (r ResourceType) IsSensitive() bool {
	return r == ResourceCounseling || r == ResourceFinancial
}

func ParseResourceType(s string) (ResourceType, error) {
	r := ResourceType(s)
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown resource type: "+s)
	}
	return r, nil
}

// Action is an operation on a resource.
type Action string

const (
	ActionRead       Action = "read"
	ActionWrite      Action = "write"
	ActionTransition Action = "transition"
	ActionErase      Action = "erase"
)

var actions = []Action{ActionRead, ActionWrite, ActionTransition, ActionErase}

func Actions() []Action { return append([]Action(nil), actions...) }

func (a Action) IsValid() bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown action: "+s)
	}
	return a, nil
}

// Actor is the authenticated staff user behind a call.
type Actor struct {
	ID        ActorID
	Role      Role
	SessionID SessionID
	// PersonID links the staff user to their own registry entry, if any.
	PersonID PersonID
}

func (a Actor) IsZero() bool { return a.ID.IsNil() }
