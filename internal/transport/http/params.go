package httptransport

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/httputil"
	"shepherd/pkg/requestcontext"
)

const maxPageSize = 500

var validate = validator.New(validator.WithRequiredStructEnabled())

// decode reads a JSON body into v and runs its validate tags.
func decode(r *http.Request, v any) error {
	if err := httputil.DecodeJSON(r, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid request")
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return dErrors.New(dErrors.CodeValidation, "invalid fields: "+strings.Join(fields, ", "))
}

func actorFrom(r *http.Request) domain.Actor {
	return requestcontext.Actor(r.Context())
}

func personIDParam(r *http.Request) (domain.PersonID, error) {
	return domain.ParsePersonID(chi.URLParam(r, "personID"))
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "invalid "+name)
	}
	return n, nil
}

// page reads limit and offset, capping limit.
func page(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit", 0); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	return min(limit, maxPageSize), offset, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, dErrors.New(dErrors.CodeInvalidInput, name+" must be RFC 3339")
	}
	return t, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, dErrors.New(dErrors.CodeInvalidInput, "invalid "+name)
	}
	return b, nil
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func list[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items}
}
