package records

import (
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
)

// ConsentMissingError refuses a new sensitive record for a person without
// recorded consent.
type ConsentMissingError struct {
	PersonID domain.PersonID
}

func (e *ConsentMissingError) Error() string {
	return "consent missing for person " + e.PersonID.String()
}

// ErrorCode implements domainerrors.Coder.
func (e *ConsentMissingError) ErrorCode() dErrors.Code { return dErrors.CodeMissingConsent }

func errUnknownKind(s string) error {
	return dErrors.New(dErrors.CodeInvalidInput, "unknown record kind: "+s)
}
