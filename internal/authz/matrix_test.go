package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
)

func TestDefaultMatrixIsComplete(t *testing.T) {
	m := DefaultMatrix()
	for _, role := range domain.Roles() {
		for _, resource := range domain.ResourceTypes() {
			for _, action := range domain.Actions() {
				effect, ok := m.Effect(role, resource, action)
				assert.True(t, ok, "%s/%s/%s", role, resource, action)
				assert.True(t, effect.IsValid())
			}
		}
	}
}

func TestDefaultMatrixKeepsSensitiveDataNarrow(t *testing.T) {
	m := DefaultMatrix()
	for _, role := range domain.Roles() {
		if role == domain.RoleAdministrator {
			continue
		}
		for _, resource := range []domain.ResourceType{domain.ResourceCounseling, domain.ResourceFinancial} {
			effect, _ := m.Effect(role, resource, domain.ActionErase)
			assert.Equal(t, EffectDeny, effect, "%s may not erase %s", role, resource)
		}
	}
	effect, _ := m.Effect(domain.RoleSecretariat, domain.ResourceFinancial, domain.ActionRead)
	assert.Equal(t, EffectDeny, effect)
	effect, _ = m.Effect(domain.RolePastor, domain.ResourceCounseling, domain.ActionRead)
	assert.Equal(t, EffectOwnerOnly, effect)
}

func TestNewMatrixFailsFast(t *testing.T) {
	t.Run("missing entry", func(t *testing.T) {
		table := DefaultTable()
		delete(table[domain.RoleFinance][domain.ResourceFinancial], domain.ActionErase)
		_, err := NewMatrix(table)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		assert.Contains(t, err.Error(), "missing entry finance/financial/erase")
	})

	t.Run("unknown role", func(t *testing.T) {
		table := DefaultTable()
		table[domain.Role("deacon")] = table[domain.RolePastor]
		_, err := NewMatrix(table)
		assert.ErrorContains(t, err, `unknown role "deacon"`)
	})

	t.Run("unknown effect", func(t *testing.T) {
		table := DefaultTable()
		table[domain.RolePastor][domain.ResourcePerson][domain.ActionRead] = Effect("maybe")
		_, err := NewMatrix(table)
		assert.ErrorContains(t, err, `unknown effect "maybe"`)
	})

	t.Run("empty table lists every combination", func(t *testing.T) {
		_, err := NewMatrix(Table{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing entry administrator/person/read")
	})
}

func TestMatrixTableRoundTrip(t *testing.T) {
	m := DefaultMatrix()
	again, err := NewMatrix(m.Table())
	require.NoError(t, err)
	assert.Equal(t, m.Table(), again.Table())
}

func TestOwnershipRulesValidate(t *testing.T) {
	require.NoError(t, DefaultOwnershipRules().Validate())

	rules := DefaultOwnershipRules()
	delete(rules, domain.ResourceCounseling)
	assert.Error(t, rules.Validate())

	rules = DefaultOwnershipRules()
	rules[domain.ResourceCounseling] = OwnershipRule("family")
	assert.Error(t, rules.Validate())
}
