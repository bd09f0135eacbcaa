// Package httputil writes JSON responses and coded errors.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "shepherd/pkg/domain-errors"
)

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a coded error to its status. Errors without a code, and
// internal errors, never expose their message.
func WriteError(w http.ResponseWriter, err error) {
	code, ok := dErrors.CodeOf(err)
	if !ok {
		code = dErrors.CodeInternal
	}
	body := errorBody{Error: string(code)}
	if ok && code != dErrors.CodeInternal {
		body.ErrorDescription = dErrors.Message(err)
	}
	WriteJSON(w, dErrors.ToHTTPStatus(code), body)
}

// DecodeJSON decodes the request body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request body")
	}
	return nil
}
