package funnel

import (
	"fmt"
	"slices"

	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
)

// Event is something that may move a person to another stage.
type Event string

const (
	EventRepeatCheckIn      Event = "repeat_check_in"
	EventFollowUpContact    Event = "follow_up_contact"
	EventConversion         Event = "conversion"
	EventMembershipApproved Event = "membership_approved"
	EventInactivityTimeout  Event = "inactivity_timeout"
	EventDeactivate         Event = "deactivate"
	EventReactivate         Event = "reactivate"
)

var knownEvents = []Event{
	EventRepeatCheckIn, EventFollowUpContact, EventConversion, EventMembershipApproved,
	EventInactivityTimeout, EventDeactivate, EventReactivate,
}

func Events() []Event { return slices.Clone(knownEvents) }

func (e Event) IsValid() bool { return slices.Contains(knownEvents, e) }

// counts reports whether applying the event is activity by the person.
func (e Event) counts() bool {
	return e != EventInactivityTimeout && e != EventDeactivate
}

// Edge allows Event to move a person from From to To. An edge out of
// inactive has no To: reactivation returns to the stage held before. When
// Approvers is set only those roles may fire the edge.
type Edge struct {
	From      domain.FunnelStage
	Event     Event
	To        domain.FunnelStage
	Approvers []domain.Role
}

// Table is a validated, immutable set of edges.
type Table struct {
	edges map[domain.FunnelStage]map[Event]Edge
}

// DefaultEdges is the standard funnel. allowDirectConversion adds
// visitor -> new_convert on conversion.
func DefaultEdges(allowDirectConversion bool) []Edge {
	approvers := []domain.Role{domain.RolePastor, domain.RoleMinistryLeader, domain.RoleAdministrator}
	edges := []Edge{
		{From: domain.StageVisitor, Event: EventRepeatCheckIn, To: domain.StageEngaged},
		{From: domain.StageVisitor, Event: EventFollowUpContact, To: domain.StageEngaged},
		{From: domain.StageEngaged, Event: EventConversion, To: domain.StageNewConvert},
		{From: domain.StageNewConvert, Event: EventMembershipApproved, To: domain.StageMember, Approvers: approvers},
		{From: domain.StageInactive, Event: EventReactivate},
	}
	if allowDirectConversion {
		edges = append(edges, Edge{From: domain.StageVisitor, Event: EventConversion, To: domain.StageNewConvert})
	}
	for _, stage := range []domain.FunnelStage{domain.StageVisitor, domain.StageEngaged, domain.StageNewConvert, domain.StageMember} {
		edges = append(edges,
			Edge{From: stage, Event: EventInactivityTimeout, To: domain.StageInactive},
			Edge{From: stage, Event: EventDeactivate, To: domain.StageInactive},
		)
	}
	return edges
}

// NewTable validates edges. Edges out of inactive other than reactivate,
// reactivate from anywhere else, duplicate (stage, event) pairs and
// unknown stages, events or roles are rejected.
func NewTable(edges []Edge) (*Table, error) {
	t := &Table{edges: make(map[domain.FunnelStage]map[Event]Edge)}
	for _, e := range edges {
		if err := validateEdge(e); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid funnel table")
		}
		byEvent := t.edges[e.From]
		if byEvent == nil {
			byEvent = make(map[Event]Edge)
			t.edges[e.From] = byEvent
		}
		if _, dup := byEvent[e.Event]; dup {
			return nil, dErrors.New(dErrors.CodeValidation,
				fmt.Sprintf("invalid funnel table: duplicate edge %s/%s", e.From, e.Event))
		}
		e.Approvers = slices.Clone(e.Approvers)
		byEvent[e.Event] = e
	}
	if _, ok := t.edges[domain.StageInactive][EventReactivate]; !ok {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid funnel table: inactive must allow reactivate")
	}
	return t, nil
}

func validateEdge(e Edge) error {
	switch {
	case !e.From.IsValid():
		return fmt.Errorf("unknown stage %q", e.From)
	case !e.Event.IsValid():
		return fmt.Errorf("unknown event %q", e.Event)
	case e.From == domain.StageInactive && e.Event != EventReactivate:
		return fmt.Errorf("inactive only leaves on reactivate, got %s", e.Event)
	case e.Event == EventReactivate && e.From != domain.StageInactive:
		return fmt.Errorf("reactivate only applies to inactive, got %s", e.From)
	case e.Event == EventReactivate && e.To != "":
		return fmt.Errorf("reactivate returns to the previous stage and takes no target")
	case e.Event != EventReactivate && !e.To.IsValid():
		return fmt.Errorf("edge %s/%s: unknown target stage %q", e.From, e.Event, e.To)
	case e.To == e.From:
		return fmt.Errorf("edge %s/%s loops", e.From, e.Event)
	}
	for _, r := range e.Approvers {
		if !r.IsValid() {
			return fmt.Errorf("edge %s/%s: unknown approver role %q", e.From, e.Event, r)
		}
	}
	return nil
}

// Lookup returns the edge for event out of stage.
func (t *Table) Lookup(from domain.FunnelStage, event Event) (Edge, bool) {
	e, ok := t.edges[from][event]
	return e, ok
}

// Edges lists every edge in funnel order of its source stage.
func (t *Table) Edges() []Edge {
	var out []Edge
	for _, stage := range domain.Stages() {
		for _, event := range knownEvents {
			if e, ok := t.edges[stage][event]; ok {
				out = append(out, e)
			}
		}
	}
	return out
}

func (e Edge) approves(role domain.Role) bool {
	return len(e.Approvers) == 0 || slices.Contains(e.Approvers, role)
}
