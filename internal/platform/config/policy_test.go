package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"shepherd/internal/authz"
	"shepherd/internal/funnel"
	ministrymemory "shepherd/internal/ministry/store/memory"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/audit"
	auditmemory "shepherd/pkg/platform/audit/store/memory"
	"shepherd/pkg/testutil"
)

func TestDefaultPolicy(t *testing.T) {
	policy, err := LoadPolicy("")
	require.NoError(t, err)

	effect, ok := policy.Matrix.Effect(domain.RolePastor, domain.ResourceCounseling, domain.ActionRead)
	require.True(t, ok)
	assert.Equal(t, authz.EffectOwnerOnly, effect)
	assert.Equal(t, authz.OwnershipPastoralAssignment, policy.Ownership[domain.ResourceCounseling])
	assert.Zero(t, policy.ReassignmentGrace)

	assert.Equal(t, funnel.DefaultInactivityWindow, policy.Funnel.InactivityWindow)
	assert.Equal(t, funnel.DefaultCheckInsToEngage, policy.Funnel.CheckInsToEngage)
	_, direct := policy.Funnel.Table.Lookup(domain.StageVisitor, funnel.EventConversion)
	assert.False(t, direct)

	assert.Equal(t, 48*time.Hour, policy.FollowUp.StageEntered[domain.StageVisitor].Due)
}

func TestParsePolicyOverrides(t *testing.T) {
	policy, err := ParsePolicy([]byte(`
reassignment_grace: 720h
ownership:
  person: pastoral_assignment
funnel:
  inactivity_window: 1440h
  check_ins_to_engage: 3
  allow_direct_conversion: true
follow_up:
  stage_entered:
    visitor: {role: secretariat, due: 24h}
  missed_check_in_after: 168h
  dedupe_window: 0s
`))
	require.NoError(t, err)

	assert.Equal(t, 720*time.Hour, policy.ReassignmentGrace)
	assert.Equal(t, authz.OwnershipPastoralAssignment, policy.Ownership[domain.ResourcePerson])
	assert.Equal(t, authz.OwnershipPastoralAssignment, policy.Ownership[domain.ResourceCounseling])
	assert.Equal(t, 60*24*time.Hour, policy.Funnel.InactivityWindow)
	assert.Equal(t, 3, policy.Funnel.CheckInsToEngage)
	edge, ok := policy.Funnel.Table.Lookup(domain.StageVisitor, funnel.EventConversion)
	require.True(t, ok)
	assert.Equal(t, domain.StageNewConvert, edge.To)

	require.Len(t, policy.FollowUp.StageEntered, 1)
	assert.Equal(t, domain.RoleSecretariat, policy.FollowUp.StageEntered[domain.StageVisitor].Role)
	assert.Equal(t, 7*24*time.Hour, policy.FollowUp.MissedCheckInAfter)
	assert.Zero(t, policy.FollowUp.DedupeWindow)
	assert.Equal(t, domain.RoleSecretariat, policy.FollowUp.Pledge.Role, "unset sections keep their default")
	assert.Equal(t, domain.RoleMinistryLeader, policy.FollowUp.MissedCheckIn.Role)
}

func TestPolicyRejects(t *testing.T) {
	cases := map[string]string{
		"partial matrix":         "matrix: {pastor: {counseling: {read: allow, write: allow, transition: deny, erase: deny}}}",
		"unknown ownership rule": "ownership: {counseling: whoever}",
		"unknown resource":       "ownership: {donations: none}",
		"edge out of inactive":   "funnel: {edges: [{from: inactive, event: conversion, to: new_convert}]}",
		"unknown approver":       "funnel: {edges: [{from: new_convert, event: membership_approved, to: member, approvers: [deacon]}, {from: inactive, event: reactivate}]}",
		"follow-up without due":  "follow_up: {stage_entered: {visitor: {role: pastor}}}",
		"negative grace":         "reassignment_grace: -1h",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(raw))
			assert.Error(t, err)
		})
	}

	_, err := ParsePolicy([]byte("funnel:\n  inactivty_window: 10h\n"))
	assert.Error(t, err, "misspelled keys are not ignored")

	_, err = ParsePolicy([]byte(cases["partial matrix"]))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestCustomEdgesReplaceDefault(t *testing.T) {
	policy, err := ParsePolicy([]byte(`
funnel:
  edges:
    - {from: visitor, event: follow_up_contact, to: engaged}
    - {from: engaged, event: conversion, to: new_convert, approvers: [pastor]}
    - {from: engaged, event: deactivate, to: inactive}
    - {from: inactive, event: reactivate}
`))
	require.NoError(t, err)
	assert.Len(t, policy.Funnel.Table.Edges(), 4)
	_, ok := policy.Funnel.Table.Lookup(domain.StageVisitor, funnel.EventRepeatCheckIn)
	assert.False(t, ok)
	edge, ok := policy.Funnel.Table.Lookup(domain.StageEngaged, funnel.EventConversion)
	require.True(t, ok)
	assert.Equal(t, []domain.Role{domain.RolePastor}, edge.Approvers)
}

// Counseling access for an unassigned pastor follows the configured matrix.
func TestCounselingScopeIsConfigurable(t *testing.T) {
	table := authz.DefaultTable()
	table[domain.RolePastor][domain.ResourceCounseling][domain.ActionRead] = authz.EffectAllow
	matrix, err := yaml.Marshal(map[string]any{"matrix": table})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, matrix, 0o600))

	blanket, err := LoadPolicy(path)
	require.NoError(t, err)
	scoped, err := DefaultPolicy()
	require.NoError(t, err)

	pastor := testutil.NewActor(domain.RolePastor)
	req := authz.Request{
		Actor:    pastor,
		Action:   domain.ActionRead,
		Resource: domain.ResourceCounseling,
		OwnerID:  domain.NewPersonID(),
	}
	for _, tc := range []struct {
		name    string
		policy  *Policy
		allowed bool
	}{
		{"assigned pastors only", scoped, false},
		{"blanket pastor access", blanket, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			guard, err := authz.New(tc.policy.Matrix, audit.New(auditmemory.NewInMemoryStore()),
				authz.WithOwnershipRules(tc.policy.Ownership),
				authz.WithRelations(ministrymemory.New()))
			require.NoError(t, err)
			decision, err := guard.Authorize(context.Background(), req)
			if tc.allowed {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.allowed, decision.Allowed)
		})
	}
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
