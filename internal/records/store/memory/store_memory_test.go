package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shepherd/internal/cipher"
	"shepherd/internal/records"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
)

func newRecord(person domain.PersonID, version cipher.KeyVersion) *records.Record {
	return &records.Record{
		ID:         domain.NewRecordID(),
		PersonID:   person,
		Kind:       records.KindCounseling,
		Ciphertext: []byte{1, 2, 3},
		KeyVersion: version,
		CreatedAt:  time.Now(),
	}
}

func TestSupersedeAndErase(t *testing.T) {
	ctx := context.Background()
	store := New()
	person := domain.NewPersonID()
	first := newRecord(person, 1)
	require.NoError(t, store.Create(ctx, first))
	assert.ErrorIs(t, store.Create(ctx, first), sentinel.ErrAlreadyUsed)

	next := newRecord(person, 1)
	next.Supersedes = first.ID
	require.NoError(t, store.Supersede(ctx, first.ID, next))
	assert.ErrorIs(t, store.Supersede(ctx, first.ID, newRecord(person, 1)), sentinel.ErrConflict)
	assert.ErrorIs(t, store.Supersede(ctx, domain.NewRecordID(), newRecord(person, 1)), sentinel.ErrNotFound)

	erasure := records.Erasure{ErasedAt: time.Now(), Reason: "request"}
	require.NoError(t, store.Erase(ctx, next.ID, erasure))
	assert.ErrorIs(t, store.Erase(ctx, next.ID, erasure), sentinel.ErrConflict)

	found, err := store.FindByID(ctx, next.ID)
	require.NoError(t, err)
	assert.True(t, found.IsErased())
	assert.Nil(t, found.Ciphertext)

	list, err := store.ListByPerson(ctx, person, records.KindCounseling)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, next.ID, list[0].SupersededBy)

	empty, err := store.ListByPerson(ctx, person, records.KindFinancial)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStaleAndRekey(t *testing.T) {
	ctx := context.Background()
	store := New()
	person := domain.NewPersonID()
	old1, old2, current := newRecord(person, 1), newRecord(person, 1), newRecord(person, 2)
	for _, r := range []*records.Record{old1, old2, current} {
		require.NoError(t, store.Create(ctx, r))
	}

	stale, err := store.ListStale(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old1.ID, stale[0].ID)

	n, err := store.CountByKeyVersion(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	env := cipher.Envelope{KeyVersion: 2, Blob: []byte{9}}
	require.NoError(t, store.Rekey(ctx, old1.ID, 1, env))
	assert.ErrorIs(t, store.Rekey(ctx, old1.ID, 1, env), sentinel.ErrConflict)

	n, err = store.CountByKeyVersion(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
