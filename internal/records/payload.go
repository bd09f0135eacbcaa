package records

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	dErrors "shepherd/pkg/domain-errors"
)

const maxNoteLength = 20000

// strict strips all markup from free text. Policies are safe for concurrent
// use once built.
var strict = bluemonday.StrictPolicy()

// Payload is the plaintext sealed inside a record.
type Payload interface {
	Kind() Kind
	normalize() error
}

// CounselingNote is a pastoral counseling session.
type CounselingNote struct {
	// Kind of counseling: pastoral, marital, family, spiritual, other.
	Type        string     `json:"type"`
	Summary     string     `json:"summary"`
	Notes       string     `json:"notes"`
	NextMeeting *time.Time `json:"next_meeting,omitempty"`
}

func (*CounselingNote) Kind() Kind { return KindCounseling }

func (n *CounselingNote) normalize() error {
	n.Type = strings.TrimSpace(n.Type)
	if n.Type == "" {
		n.Type = "pastoral"
	}
	n.Summary = strings.TrimSpace(strict.Sanitize(n.Summary))
	n.Notes = strings.TrimSpace(strict.Sanitize(n.Notes))
	if n.Summary == "" && n.Notes == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "counseling note is empty")
	}
	if len(n.Notes) > maxNoteLength {
		return dErrors.New(dErrors.CodeInvalidInput, "counseling notes too long")
	}
	return nil
}

// DonationKind classifies a contribution.
type DonationKind string

const (
	DonationTithe    DonationKind = "tithe"
	DonationOffering DonationKind = "offering"
	DonationMissions DonationKind = "missions"
	DonationBuilding DonationKind = "building"
	DonationSocial   DonationKind = "social"
	DonationOther    DonationKind = "other"
)

func (k DonationKind) IsValid() bool {
	switch k {
	case DonationTithe, DonationOffering, DonationMissions, DonationBuilding, DonationSocial, DonationOther:
		return true
	}
	return false
}

// Donation is a contribution or, when Pledge is set, a commitment to give
// by Date.
type Donation struct {
	Type   DonationKind    `json:"type"`
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method,omitempty"`
	Date   time.Time       `json:"date"`
	Pledge bool            `json:"pledge,omitempty"`
}

func (*Donation) Kind() Kind { return KindFinancial }

func (d *Donation) normalize() error {
	if !d.Type.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "unknown donation type: "+string(d.Type))
	}
	if !d.Amount.IsPositive() {
		return dErrors.New(dErrors.CodeInvalidInput, "donation amount must be positive")
	}
	if !d.Amount.Equal(d.Amount.Round(2)) {
		return dErrors.New(dErrors.CodeInvalidInput, "donation amount has more than two decimal places")
	}
	if d.Date.IsZero() {
		return dErrors.New(dErrors.CodeInvalidInput, "donation date is required")
	}
	d.Method = strings.TrimSpace(strict.Sanitize(d.Method))
	return nil
}

// NewPayload returns an empty payload of the kind, ready to decode into.
func NewPayload(kind Kind) (Payload, error) {
	switch kind {
	case KindCounseling:
		return &CounselingNote{}, nil
	case KindFinancial:
		return &Donation{}, nil
	}
	return nil, errUnknownKind(string(kind))
}

func decodePayload(kind Kind, plaintext []byte) (Payload, error) {
	p, err := NewPayload(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plaintext, p); err != nil {
		return nil, err
	}
	return p, nil
}
