// Package sentinel holds the facts stores report. Services translate them
// into coded domain errors; input validation uses pkg/domain-errors directly.
package sentinel

import "errors"

var (
	// ErrNotFound: no row or key with that ID.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a compare-and-swap saw a different version, or the row is
	// not in the state the write expects.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyUsed: a unique value (e-mail, dedupe key, open assignment) is
	// taken.
	ErrAlreadyUsed = errors.New("already used")
)
