// Package domain holds the identifiers and closed catalogs shared by every module.
//
// IDs are distinct named UUID types so a PersonID can never be passed where an
// ActorID is expected. Parse* functions are the trust-boundary constructors.
package domain

import (
	"github.com/google/uuid"

	dErrors "shepherd/pkg/domain-errors"
)

type (
	// PersonID identifies a congregant or visitor tracked by the registry.
	PersonID uuid.UUID
	// ActorID identifies a staff user able to authenticate.
	ActorID uuid.UUID
	// SessionID identifies an authenticated session.
	SessionID uuid.UUID
	// RecordID identifies an encrypted sensitive record.
	RecordID uuid.UUID
	// TaskID identifies a follow-up task.
	TaskID uuid.UUID
	// MinistryID identifies a ministry (small group, department).
	MinistryID uuid.UUID
)

func (id PersonID) String() string   { return uuid.UUID(id).String() }
func (id ActorID) String() string    { return uuid.UUID(id).String() }
func (id SessionID) String() string  { return uuid.UUID(id).String() }
func (id RecordID) String() string   { return uuid.UUID(id).String() }
func (id TaskID) String() string     { return uuid.UUID(id).String() }
func (id MinistryID) String() string { return uuid.UUID(id).String() }

func (id PersonID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id ActorID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id SessionID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id RecordID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id TaskID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id MinistryID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func NewPersonID() PersonID     { return PersonID(uuid.New()) }
func NewActorID() ActorID       { return ActorID(uuid.New()) }
func NewSessionID() SessionID   { return SessionID(uuid.New()) }
func NewRecordID() RecordID     { return RecordID(uuid.New()) }
func NewTaskID() TaskID         { return TaskID(uuid.New()) }
func NewMinistryID() MinistryID { return MinistryID(uuid.New()) }

// parseUUID rejects empty, malformed and nil identifiers.
func parseUUID(s, kind string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(s) > 64 {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+kind)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be nil")
	}
	return u, nil
}

func ParsePersonID(s string) (PersonID, error) {
	u, err := parseUUID(s, "person ID")
	return PersonID(u), err
}

func ParseActorID(s string) (ActorID, error) {
	u, err := parseUUID(s, "actor ID")
	return ActorID(u), err
}

func ParseSessionID(s string) (SessionID, error) {
	u, err := parseUUID(s, "session ID")
	return SessionID(u), err
}

func ParseRecordID(s string) (RecordID, error) {
	u, err := parseUUID(s, "record ID")
	return RecordID(u), err
}

func ParseTaskID(s string) (TaskID, error) {
	u, err := parseUUID(s, "task ID")
	return TaskID(u), err
}

func ParseMinistryID(s string) (MinistryID, error) {
	u, err := parseUUID(s, "ministry ID")
	return MinistryID(u), err
}

// Text marshaling keeps IDs in canonical UUID form in JSON and YAML. Unmarshal
// accepts the nil UUID so zero values round-trip; use Parse* at trust boundaries.

func unmarshalUUID(text []byte) (uuid.UUID, error) {
	if len(text) == 0 {
		return uuid.Nil, nil
	}
	return uuid.ParseBytes(text)
}

func (id PersonID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *PersonID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	if err != nil {
		return err
	}
	*id = PersonID(u)
	return nil
}

func (id ActorID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ActorID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	if err != nil {
		return err
	}
	*id = ActorID(u)
	return nil
}

func (id SessionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *SessionID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	if err != nil {
		return err
	}
	*id = SessionID(u)
	return nil
}

func (id RecordID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *RecordID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	if err != nil {
		return err
	}
	*id = RecordID(u)
	return nil
}

func (id TaskID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *TaskID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	if err != nil {
		return err
	}
	*id = TaskID(u)
	return nil
}

func (id MinistryID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *MinistryID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	if err != nil {
		return err
	}
	*id = MinistryID(u)
	return nil
}
