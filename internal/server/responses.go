package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eugener/sentinel/internal/core/errs"
)

type errorBody struct {
	Error string `json:"error"`
}

// errorResponse builds the JSON body for an error response.
func errorResponse(msg string) errorBody { return errorBody{Error: msg} }

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps a sentinel error kind to the HTTP status the caller
// should see. Errors not wrapping one of the four kinds map to 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrArgument):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, errs.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
