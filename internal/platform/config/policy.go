package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"shepherd/internal/authz"
	"shepherd/internal/followup"
	"shepherd/internal/funnel"
	"shepherd/pkg/domain"
)

// Policy is the deployment policy: who may do what, what "owner" means,
// how people move through the funnel and which follow-ups are raised.
// It is read once at start.
type Policy struct {
	Matrix            *authz.Matrix
	Ownership         authz.OwnershipRules
	ReassignmentGrace time.Duration
	Funnel            FunnelPolicy
	FollowUp          followup.Rules
}

type FunnelPolicy struct {
	Table            *funnel.Table
	InactivityWindow time.Duration
	CheckInsToEngage int
}

// policyFile is the YAML shape. Absent sections keep the built-in default;
// a matrix, when given, replaces the default and must be complete.
type policyFile struct {
	Matrix            authz.Table                                 `yaml:"matrix"`
	Ownership         map[domain.ResourceType]authz.OwnershipRule `yaml:"ownership"`
	ReassignmentGrace time.Duration                               `yaml:"reassignment_grace" validate:"gte=0"`
	Funnel            funnelFile                                  `yaml:"funnel"`
	FollowUp          *followUpFile                               `yaml:"follow_up"`
}

type funnelFile struct {
	InactivityWindow      time.Duration `yaml:"inactivity_window" validate:"gte=0"`
	CheckInsToEngage      int           `yaml:"check_ins_to_engage" validate:"gte=0"`
	AllowDirectConversion bool          `yaml:"allow_direct_conversion"`
	Edges                 []edgeFile    `yaml:"edges" validate:"dive"`
}

type edgeFile struct {
	From      domain.FunnelStage `yaml:"from" validate:"required"`
	Event     funnel.Event       `yaml:"event" validate:"required"`
	To        domain.FunnelStage `yaml:"to"`
	Approvers []domain.Role      `yaml:"approvers"`
}

type assignmentFile struct {
	Role domain.Role   `yaml:"role"`
	Due  time.Duration `yaml:"due"`
}

func (a assignmentFile) assignment() followup.Assignment {
	return followup.Assignment{Role: a.Role, Due: a.Due}
}

type followUpFile struct {
	StageEntered       map[domain.FunnelStage]assignmentFile `yaml:"stage_entered"`
	MissedCheckInAfter time.Duration                         `yaml:"missed_check_in_after"`
	MissedCheckIn      *assignmentFile                       `yaml:"missed_check_in"`
	Pledge             *assignmentFile                       `yaml:"pledge"`
	DedupeWindow       *time.Duration                        `yaml:"dedupe_window"`
}

// DefaultPolicy is the built-in policy used when no file is configured.
func DefaultPolicy() (*Policy, error) {
	return ParsePolicy(nil)
}

// LoadPolicy reads the policy file at path. An empty path yields the
// default policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes and validates a YAML policy. Unknown fields are
// rejected so a typo cannot silently fall back to a default.
func ParsePolicy(raw []byte) (*Policy, error) {
	var file policyFile
	if len(raw) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse policy: %w", err)
		}
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	policy := &Policy{ReassignmentGrace: file.ReassignmentGrace}

	var err error
	table := file.Matrix
	if table == nil {
		table = authz.DefaultTable()
	}
	if policy.Matrix, err = authz.NewMatrix(table); err != nil {
		return nil, err
	}

	policy.Ownership = authz.DefaultOwnershipRules()
	for resource, rule := range file.Ownership {
		if !resource.IsValid() {
			return nil, fmt.Errorf("invalid policy: ownership rule for unknown resource %q", resource)
		}
		policy.Ownership[resource] = rule
	}
	if err := policy.Ownership.Validate(); err != nil {
		return nil, err
	}

	if policy.Funnel, err = file.Funnel.build(); err != nil {
		return nil, err
	}
	if policy.FollowUp, err = file.FollowUp.build(); err != nil {
		return nil, err
	}
	return policy, nil
}

func (f funnelFile) build() (FunnelPolicy, error) {
	out := FunnelPolicy{
		InactivityWindow: f.InactivityWindow,
		CheckInsToEngage: f.CheckInsToEngage,
	}
	if out.InactivityWindow == 0 {
		out.InactivityWindow = funnel.DefaultInactivityWindow
	}
	if out.CheckInsToEngage == 0 {
		out.CheckInsToEngage = funnel.DefaultCheckInsToEngage
	}

	edges := funnel.DefaultEdges(f.AllowDirectConversion)
	if len(f.Edges) > 0 {
		edges = make([]funnel.Edge, 0, len(f.Edges))
		for _, e := range f.Edges {
			edges = append(edges, funnel.Edge{From: e.From, Event: e.Event, To: e.To, Approvers: e.Approvers})
		}
	}
	table, err := funnel.NewTable(edges)
	if err != nil {
		return FunnelPolicy{}, err
	}
	out.Table = table
	return out, nil
}

func (f *followUpFile) build() (followup.Rules, error) {
	rules := followup.DefaultRules()
	if f == nil {
		return rules, nil
	}
	if f.StageEntered != nil {
		rules.StageEntered = make(map[domain.FunnelStage]followup.Assignment, len(f.StageEntered))
		for stage, a := range f.StageEntered {
			rules.StageEntered[stage] = a.assignment()
		}
	}
	if f.MissedCheckInAfter != 0 {
		rules.MissedCheckInAfter = f.MissedCheckInAfter
	}
	if f.MissedCheckIn != nil {
		rules.MissedCheckIn = f.MissedCheckIn.assignment()
	}
	if f.Pledge != nil {
		rules.Pledge = f.Pledge.assignment()
	}
	if f.DedupeWindow != nil {
		rules.DedupeWindow = *f.DedupeWindow
	}
	if err := rules.Validate(); err != nil {
		return followup.Rules{}, err
	}
	return rules, nil
}
