package server

import (
	"encoding/json"
	"net/http"
)

// apiError is the JSON error envelope every non-2xx response uses, in the
// distribution-spec's {"errors":[{"code","message"}]} shape.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

func (e *apiError) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)

	type errEntry struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	type wrap struct {
		Errors []errEntry `json:"errors"`
	}
	_ = json.NewEncoder(w).Encode(wrap{Errors: []errEntry{{Code: e.Code, Message: e.Message}}})
}

func errBadRequest(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: "BAD_REQUEST", Message: msg}
}

func errUnauthorized(msg string) *apiError {
	return &apiError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: msg}
}

func errNotFound(msg string) *apiError {
	return &apiError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: msg}
}

func errDigestMismatch(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: "DIGEST_INVALID", Message: msg}
}

func errNameInvalid(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: "NAME_INVALID", Message: msg}
}
