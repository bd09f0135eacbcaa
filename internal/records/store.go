package records

import (
	"context"

	"shepherd/internal/cipher"
	"shepherd/pkg/domain"
)

// Store persists records. There is no general update: payloads change only
// through Supersede, Erase and Rekey.
type Store interface {
	Create(ctx context.Context, record *Record) error
	FindByID(ctx context.Context, id domain.RecordID) (*Record, error)
	// ListByPerson returns the person's records of kind, oldest first.
	ListByPerson(ctx context.Context, personID domain.PersonID, kind Kind) ([]*Record, error)
	// Supersede stores next and links the record it corrects. It returns
	// sentinel.ErrConflict if that record is already superseded or erased.
	Supersede(ctx context.Context, previous domain.RecordID, next *Record) error
	// Erase drops the ciphertext and stores the tombstone. It returns
	// sentinel.ErrConflict if the record is already erased.
	Erase(ctx context.Context, id domain.RecordID, erasure Erasure) error
	// ListStale returns unerased records sealed with a version other than
	// active.
	ListStale(ctx context.Context, active cipher.KeyVersion, limit int) ([]*Record, error)
	// Rekey replaces the envelope if the record is still sealed with from.
	Rekey(ctx context.Context, id domain.RecordID, from cipher.KeyVersion, env cipher.Envelope) error
	// CountByKeyVersion counts unerased records sealed with version.
	CountByKeyVersion(ctx context.Context, version cipher.KeyVersion) (int, error)
}
