// Package events carries domain notifications out of the core. The core only
// depends on Publisher; transports (in-process bus, Kafka, NATS) plug in
// behind it. Publishing happens after the decision it reports and never
// blocks on a remote broker.
package events

//go:generate mockgen -destination=mocks/mock_publisher.go -package=mocks shepherd/internal/events Publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shepherd/pkg/domain"
)

// Type names an event on the wire.
type Type string

const (
	TypeStageChanged        Type = "stage_changed"
	TypeFollowUpTaskCreated Type = "follow_up_task_created"
	TypeFollowUpTaskExpired Type = "follow_up_task_expired"
	TypeAccessDenied        Type = "access_denied"
)

// Event is implemented by every published notification.
type Event interface {
	EventType() Type
	// PartitionKey orders events for one subject (person or actor).
	PartitionKey() string
	OccurredAt() time.Time
}

// Publisher delivers events to subscribers or a broker.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// StageChanged reports a committed funnel transition.
type StageChanged struct {
	PersonID domain.PersonID    `json:"person_id"`
	From     domain.FunnelStage `json:"from"`
	To       domain.FunnelStage `json:"to"`
	Trigger  string             `json:"trigger"`
	ActorID  domain.ActorID     `json:"actor_id"`
	At       time.Time          `json:"at"`
}

func (e StageChanged) EventType() Type       { return TypeStageChanged }
func (e StageChanged) PartitionKey() string  { return e.PersonID.String() }
func (e StageChanged) OccurredAt() time.Time { return e.At }

// FollowUpTaskCreated reports a new pending follow-up task.
type FollowUpTaskCreated struct {
	TaskID       domain.TaskID      `json:"task_id"`
	PersonID     domain.PersonID    `json:"person_id"`
	Reason       string             `json:"reason"`
	Stage        domain.FunnelStage `json:"stage,omitempty"`
	AssigneeRole domain.Role        `json:"assignee_role"`
	DueAt        time.Time          `json:"due_at"`
	At           time.Time          `json:"at"`
}

func (e FollowUpTaskCreated) EventType() Type       { return TypeFollowUpTaskCreated }
func (e FollowUpTaskCreated) PartitionKey() string  { return e.PersonID.String() }
func (e FollowUpTaskCreated) OccurredAt() time.Time { return e.At }

// FollowUpTaskExpired reports a task that passed its due time while pending.
type FollowUpTaskExpired struct {
	TaskID       domain.TaskID   `json:"task_id"`
	PersonID     domain.PersonID `json:"person_id"`
	Reason       string          `json:"reason"`
	AssigneeRole domain.Role     `json:"assignee_role"`
	DueAt        time.Time       `json:"due_at"`
	At           time.Time       `json:"at"`
}

func (e FollowUpTaskExpired) EventType() Type       { return TypeFollowUpTaskExpired }
func (e FollowUpTaskExpired) PartitionKey() string  { return e.PersonID.String() }
func (e FollowUpTaskExpired) OccurredAt() time.Time { return e.At }

// AccessDenied reports a denied authorization decision.
type AccessDenied struct {
	ActorID      domain.ActorID      `json:"actor_id"`
	Role         domain.Role         `json:"role"`
	Action       domain.Action       `json:"action"`
	ResourceType domain.ResourceType `json:"resource_type"`
	ResourceID   string              `json:"resource_id,omitempty"`
	OwnerID      domain.PersonID     `json:"owner_id"`
	Reason       string              `json:"reason"`
	At           time.Time           `json:"at"`
}

func (e AccessDenied) EventType() Type       { return TypeAccessDenied }
func (e AccessDenied) PartitionKey() string  { return e.ActorID.String() }
func (e AccessDenied) OccurredAt() time.Time { return e.At }

// Envelope is the broker wire format.
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Encode wraps an event in an Envelope and marshals it.
func Encode(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event.EventType(), err)
	}
	return json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Type:       event.EventType(),
		Key:        event.PartitionKey(),
		OccurredAt: event.OccurredAt().UTC(),
		Data:       data,
	})
}

// Decode parses an Envelope back into its concrete event.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	var event Event
	switch env.Type {
	case TypeStageChanged:
		var e StageChanged
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		event = e
	case TypeFollowUpTaskCreated:
		var e FollowUpTaskCreated
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		event = e
	case TypeFollowUpTaskExpired:
		var e FollowUpTaskExpired
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		event = e
	case TypeAccessDenied:
		var e AccessDenied
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		event = e
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	return event, nil
}
