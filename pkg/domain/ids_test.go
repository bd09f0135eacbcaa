package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "shepherd/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// "IDs must be valid, non-empty, non-nil UUIDs"
//
// Justification: This is a pure function enforcing a domain invariant
// at trust boundaries. Per testing.md, unit tests are allowed for invariants.
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParsePersonID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParsePersonID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParsePersonID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		validUUID := uuid.New()
		id, err := ParsePersonID(validUUID.String())
		require.NoError(t, err)
		assert.Equal(t, PersonID(validUUID), id)
	})
}

// TestTypeDistinction verifies the compiler enforces type safety.
// This is a compile-time check - if this compiles, the invariant holds.
func TestTypeDistinction(t *testing.T) {
	personID := PersonID(uuid.New())
	actorID := ActorID(uuid.New())

	// These would fail to compile if types were interchangeable:
	// var _ PersonID = actorID   // compile error
	// var _ ActorID = personID   // compile error

	assert.NotEqual(t, uuid.UUID(personID), uuid.UUID(actorID))
}

// TestParseID_SecurityInvariants validates security-critical parsing rules.
//
// Justification: These are trust boundary invariants - parsing must reject
// attack vectors at API entry points.
func TestParseID_SecurityInvariants(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		// Attack vectors
		{"SQL injection attempt", "'; DROP TABLE users;--", true},
		{"Path traversal", "../../../etc/passwd", true},
		{"Null byte injection", "550e8400\x00-e29b-41d4-a716-446655440000", true},
		{"Oversized input", strings.Repeat("a", 1000), true},
		{"Unicode zero-width space", "550e8400\u200B-e29b-41d4-a716-446655440000", true},

		// Edge cases
		{"Empty string", "", true},
		{"Nil UUID", uuid.Nil.String(), true},
		{"Whitespace only", "   ", true},
		{"Uppercase valid UUID", "550E8400-E29B-41D4-A716-446655440000", false},
		// Note: uuid.Parse trims whitespace, so " uuid " is accepted as valid

		// Valid
		{"Valid UUID lowercase", "550e8400-e29b-41d4-a716-446655440000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePersonID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// TestAllIDTypes_ConsistentBehavior ensures all ID types have identical parsing behavior.
//
// Justification: Inconsistent validation across ID types could create security holes.
func TestAllIDTypes_ConsistentBehavior(t *testing.T) {
	validUUID := uuid.New().String()
	invalidInputs := []string{"", "invalid", uuid.Nil.String()}

	// All types should accept valid UUID
	t.Run("all accept valid UUID", func(t *testing.T) {
		for _, parse := range parsers() {
			require.NoError(t, parse(validUUID))
		}
	})

	// All types should reject invalid inputs identically
	for _, input := range invalidInputs {
		t.Run("all reject: "+input, func(t *testing.T) {
			for _, parse := range parsers() {
				require.Error(t, parse(input))
			}
		})
	}
}

func parsers() []func(string) error {
	return []func(string) error{
		func(s string) error { _, err := ParsePersonID(s); return err },
		func(s string) error { _, err := ParseActorID(s); return err },
		func(s string) error { _, err := ParseSessionID(s); return err },
		func(s string) error { _, err := ParseRecordID(s); return err },
		func(s string) error { _, err := ParseTaskID(s); return err },
		func(s string) error { _, err := ParseMinistryID(s); return err },
	}
}

func TestCatalogs(t *testing.T) {
	t.Run("roles are closed", func(t *testing.T) {
		for _, r := range Roles() {
			parsed, err := ParseRole(string(r))
			require.NoError(t, err)
			assert.Equal(t, r, parsed)
		}
		_, err := ParseRole("deacon")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("resource types and actions are closed", func(t *testing.T) {
		assert.Len(t, ResourceTypes(), 5)
		assert.Len(t, Actions(), 4)
		_, err := ParseResourceType("prayer_request")
		assert.Error(t, err)
		_, err = ParseAction("delete")
		assert.Error(t, err)
		assert.True(t, ResourceCounseling.IsSensitive())
		assert.True(t, ResourceFinancial.IsSensitive())
		assert.False(t, ResourcePerson.IsSensitive())
	})

	t.Run("stages are ordered", func(t *testing.T) {
		assert.Less(t, StageVisitor.Order(), StageEngaged.Order())
		assert.Less(t, StageEngaged.Order(), StageNewConvert.Order())
		assert.Less(t, StageNewConvert.Order(), StageMember.Order())
		assert.Equal(t, -1, FunnelStage("lead").Order())
		_, err := ParseFunnelStage("lead")
		assert.Error(t, err)
	})
}

func TestIDTextMarshaling(t *testing.T) {
	personID := NewPersonID()
	raw, err := json.Marshal(map[string]PersonID{"id": personID})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+personID.String()+`"}`, string(raw))

	var decoded map[string]PersonID
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, personID, decoded["id"])

	var zero ActorID
	require.NoError(t, zero.UnmarshalText([]byte(uuid.Nil.String())))
	assert.True(t, zero.IsNil())
}
