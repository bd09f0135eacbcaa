package records

import (
	"time"

	"shepherd/internal/cipher"
	"shepherd/pkg/domain"
)

// Kind is the category of a sensitive record.
type Kind string

const (
	KindCounseling Kind = "counseling"
	KindFinancial  Kind = "financial"
)

func (k Kind) IsValid() bool { return k == KindCounseling || k == KindFinancial }

// ResourceType is the guarded resource the kind is authorized as.
func (k Kind) ResourceType() domain.ResourceType {
	switch k {
	case KindCounseling:
		return domain.ResourceCounseling
	case KindFinancial:
		return domain.ResourceFinancial
	}
	return ""
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.IsValid() {
		return "", errUnknownKind(s)
	}
	return k, nil
}

// Record is an encrypted sub-record of a person. The payload is never
// changed in place except when re-sealed under a newer key.
type Record struct {
	ID         domain.RecordID   `json:"id"`
	PersonID   domain.PersonID   `json:"person_id"`
	Kind       Kind              `json:"kind"`
	Ciphertext []byte            `json:"-"`
	KeyVersion cipher.KeyVersion `json:"key_version"`
	CreatedBy  domain.ActorID    `json:"created_by"`
	CreatedAt  time.Time         `json:"created_at"`
	// Supersedes is the record this one corrects.
	Supersedes   domain.RecordID `json:"supersedes,omitempty"`
	SupersededBy domain.RecordID `json:"superseded_by,omitempty"`
	Erasure      *Erasure        `json:"erasure,omitempty"`
}

func (r *Record) IsErased() bool { return r.Erasure != nil }

func (r *Record) IsSuperseded() bool { return !r.SupersededBy.IsNil() }

func (r *Record) envelope() cipher.Envelope {
	return cipher.Envelope{KeyVersion: r.KeyVersion, Blob: r.Ciphertext}
}

func (r *Record) cipherContext() cipher.Context {
	return cipher.Context{Purpose: string(r.Kind), ResourceID: r.ID.String()}
}

// ErasureRequest is a data-subject erasure decision.
type ErasureRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
	// Reference points at the request that triggered the erasure, such as
	// a ticket or protocol number.
	Reference string `json:"reference" validate:"max=200"`
}

// Erasure is the tombstone left after the payload is removed.
type Erasure struct {
	ErasedAt  time.Time      `json:"erased_at"`
	ErasedBy  domain.ActorID `json:"erased_by"`
	Reason    string         `json:"reason"`
	Reference string         `json:"reference,omitempty"`
}

// Opened is a decrypted record.
type Opened struct {
	Record  *Record `json:"record"`
	Payload Payload `json:"payload,omitempty"`
}
