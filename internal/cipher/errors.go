package cipher

import (
	"fmt"

	dErrors "shepherd/pkg/domain-errors"
)

// DecryptionError reports a blob that could not be opened: corrupt, sealed
// with an unknown key version, or bound to a different record.
type DecryptionError struct {
	ResourceID string
	KeyVersion KeyVersion
	Reason     string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("record %s unavailable: decryption failed (key version %d, %s)", e.ResourceID, e.KeyVersion, e.Reason)
}

// ErrorCode implements domainerrors.Coder.
func (e *DecryptionError) ErrorCode() dErrors.Code { return dErrors.CodeDecryptionFailure }
