// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrorMapping ties a sentinel error to the problem response it produces.
type ErrorMapping struct {
	Err    error
	Status int
	Type   string
	Title  string
}

// ErrorMapper resolves errors against an ordered table; the first match wins.
type ErrorMapper []ErrorMapping

var defaultMappings = ErrorMapper{
	{Err: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: ErrDuplicate, Status: http.StatusConflict, Title: "Duplicate"},
	{Err: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Err: ErrForbidden, Status: http.StatusForbidden, Title: "Forbidden"},
	{Err: ErrUnauthorized, Status: http.StatusUnauthorized, Title: "Unauthorized"},
}

// Lookup returns the mapping for err, falling back to the package defaults.
func (m ErrorMapper) Lookup(err error) (ErrorMapping, bool) {
	for _, table := range []ErrorMapper{m, defaultMappings} {
		for _, mapping := range table {
			if errors.Is(err, mapping.Err) {
				return mapping, true
			}
		}
	}
	return ErrorMapping{}, false
}

// Respond writes the problem response for err. Unmapped errors become a 500
// without leaking their message.
func (m ErrorMapper) Respond(w http.ResponseWriter, err error) int {
	mapping, ok := m.Lookup(err)
	if !ok {
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return http.StatusInternalServerError
	}
	writeProblem(w, ProblemDetail{
		Type:   mapping.Type,
		Title:  mapping.Title,
		Status: mapping.Status,
		Detail: err.Error(),
	})
	return mapping.Status
}

// RespondError maps the package sentinels to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	ErrorMapper(nil).Respond(w, err)
}
