package authz

import (
	"fmt"
	"strings"

	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
)

// Effect is the matrix verdict for one (role, resource, action).
type Effect string

const (
	EffectAllow     Effect = "allow"
	EffectDeny      Effect = "deny"
	EffectOwnerOnly Effect = "owner_only"
)

func (e Effect) IsValid() bool {
	return e == EffectAllow || e == EffectDeny || e == EffectOwnerOnly
}

// Table is the raw matrix shape: role → resource → action → effect.
type Table map[domain.Role]map[domain.ResourceType]map[domain.Action]Effect

// Matrix is a complete, validated permission matrix. It is immutable once
// built and safe for concurrent reads.
type Matrix struct {
	cells map[cellKey]Effect
}

type cellKey struct {
	role     domain.Role
	resource domain.ResourceType
	action   domain.Action
}

// NewMatrix validates that the table covers every role, resource and action
// combination with a known effect and contains nothing else.
func NewMatrix(table Table) (*Matrix, error) {
	var problems []string
	cells := make(map[cellKey]Effect)
	for role, resources := range table {
		if !role.IsValid() {
			problems = append(problems, fmt.Sprintf("unknown role %q", role))
			continue
		}
		for resource, actions := range resources {
			if !resource.IsValid() {
				problems = append(problems, fmt.Sprintf("unknown resource %q for role %s", resource, role))
				continue
			}
			for action, effect := range actions {
				if !action.IsValid() {
					problems = append(problems, fmt.Sprintf("unknown action %q for %s/%s", action, role, resource))
					continue
				}
				if !effect.IsValid() {
					problems = append(problems, fmt.Sprintf("unknown effect %q for %s/%s/%s", effect, role, resource, action))
					continue
				}
				cells[cellKey{role, resource, action}] = effect
			}
		}
	}
	for _, role := range domain.Roles() {
		for _, resource := range domain.ResourceTypes() {
			for _, action := range domain.Actions() {
				if _, ok := cells[cellKey{role, resource, action}]; !ok {
					problems = append(problems, fmt.Sprintf("missing entry %s/%s/%s", role, resource, action))
				}
			}
		}
	}
	if len(problems) > 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid permission matrix: "+strings.Join(problems, "; "))
	}
	return &Matrix{cells: cells}, nil
}

// Effect returns the entry for the triple; ok is false for unknown values.
func (m *Matrix) Effect(role domain.Role, resource domain.ResourceType, action domain.Action) (Effect, bool) {
	effect, ok := m.cells[cellKey{role, resource, action}]
	return effect, ok
}

// Table returns a copy of the matrix in its raw shape.
func (m *Matrix) Table() Table {
	out := make(Table)
	for k, effect := range m.cells {
		if out[k.role] == nil {
			out[k.role] = make(map[domain.ResourceType]map[domain.Action]Effect)
		}
		if out[k.role][k.resource] == nil {
			out[k.role][k.resource] = make(map[domain.Action]Effect)
		}
		out[k.role][k.resource][k.action] = effect
	}
	return out
}

func row(read, write, transition, erase Effect) map[domain.Action]Effect {
	return map[domain.Action]Effect{
		domain.ActionRead:       read,
		domain.ActionWrite:      write,
		domain.ActionTransition: transition,
		domain.ActionErase:      erase,
	}
}

const (
	allow = EffectAllow
	deny  = EffectDeny
	owner = EffectOwnerOnly
)

// DefaultTable is the built-in matrix. Counseling is visible to the assigned
// pastor only, giving is visible to finance, and only administrators erase.
func DefaultTable() Table {
	return Table{
		domain.RoleAdministrator: {
			domain.ResourcePerson:       row(allow, allow, allow, allow),
			domain.ResourceCounseling:   row(allow, allow, allow, allow),
			domain.ResourceFinancial:    row(allow, allow, allow, allow),
			domain.ResourceFollowUpTask: row(allow, allow, allow, allow),
			domain.ResourceAuditLog:     row(allow, deny, deny, deny),
		},
		domain.RolePastor: {
			domain.ResourcePerson:       row(allow, allow, allow, deny),
			domain.ResourceCounseling:   row(owner, owner, deny, deny),
			domain.ResourceFinancial:    row(deny, deny, deny, deny),
			domain.ResourceFollowUpTask: row(allow, allow, deny, deny),
			domain.ResourceAuditLog:     row(allow, deny, deny, deny),
		},
		domain.RoleMinistryLeader: {
			domain.ResourcePerson:       row(owner, deny, owner, deny),
			domain.ResourceCounseling:   row(owner, owner, deny, deny),
			domain.ResourceFinancial:    row(deny, deny, deny, deny),
			domain.ResourceFollowUpTask: row(owner, owner, deny, deny),
			domain.ResourceAuditLog:     row(deny, deny, deny, deny),
		},
		domain.RoleSecretariat: {
			domain.ResourcePerson:       row(allow, allow, allow, deny),
			domain.ResourceCounseling:   row(deny, deny, deny, deny),
			domain.ResourceFinancial:    row(deny, deny, deny, deny),
			domain.ResourceFollowUpTask: row(allow, allow, deny, deny),
			domain.ResourceAuditLog:     row(deny, deny, deny, deny),
		},
		domain.RoleFinance: {
			domain.ResourcePerson:       row(allow, deny, deny, deny),
			domain.ResourceCounseling:   row(deny, deny, deny, deny),
			domain.ResourceFinancial:    row(allow, allow, deny, deny),
			domain.ResourceFollowUpTask: row(deny, deny, deny, deny),
			domain.ResourceAuditLog:     row(deny, deny, deny, deny),
		},
	}
}

// DefaultMatrix builds the built-in matrix.
func DefaultMatrix() *Matrix {
	m, err := NewMatrix(DefaultTable())
	if err != nil {
		panic(err)
	}
	return m
}
