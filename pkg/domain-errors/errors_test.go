package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type typedErr struct{}

func (typedErr) Error() string   { return "typed" }
func (typedErr) ErrorCode() Code { return CodeInvalidTransition }

func TestHasCode(t *testing.T) {
	t.Run("matches wrapped coded error", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeNotFound, "person not found"))
		assert.True(t, HasCode(err, CodeNotFound))
		assert.False(t, HasCode(err, CodeConflict))
	})

	t.Run("matches inner code beneath an outer code", func(t *testing.T) {
		err := Wrap(New(CodeConflict, "stale"), CodeInternal, "save failed")
		assert.True(t, HasCode(err, CodeInternal))
		assert.True(t, HasCode(err, CodeConflict))
		code, ok := CodeOf(err)
		assert.True(t, ok)
		assert.Equal(t, CodeInternal, code)
	})

	t.Run("typed errors participate through Coder", func(t *testing.T) {
		err := fmt.Errorf("ctx: %w", typedErr{})
		assert.True(t, Is(err, CodeInvalidTransition))
	})

	t.Run("plain errors carry no code", func(t *testing.T) {
		_, ok := CodeOf(errors.New("boom"))
		assert.False(t, ok)
		assert.False(t, HasCode(nil, CodeInternal))
	})
}

func TestToHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeForbidden:         http.StatusForbidden,
		CodeDecryptionFailure: http.StatusServiceUnavailable,
		CodeInvalidTransition: http.StatusConflict,
		CodeConflict:          http.StatusConflict,
		CodeMissingConsent:    http.StatusPreconditionFailed,
		CodeRateLimited:       http.StatusTooManyRequests,
		Code("unknown"):       http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, ToHTTPStatus(code), string(code))
	}
}
