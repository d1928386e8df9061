package httpapi

import (
	"errors"
	"net/http"

	"github.com/example/tow-dispatch/internal/models"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var serviceErrors = []struct {
	err    error
	status int
	code   string
}{
	{models.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{models.ErrForbidden, http.StatusForbidden, "forbidden"},
	{models.ErrNotFound, http.StatusNotFound, "not_found"},
	{models.ErrConflict, http.StatusConflict, "conflict"},
	{models.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{models.ErrActiveRequest, http.StatusConflict, "active_request"},
	{models.ErrOperatorBusy, http.StatusConflict, "operator_busy"},
	{models.ErrNotEligible, http.StatusUnprocessableEntity, "not_eligible"},
	{models.ErrDependencyUnavailable, http.StatusServiceUnavailable, "dependency_unavailable"},
}

// statusFor maps a domain error to its HTTP status and stable error code.
func statusFor(err error) (int, string) {
	for _, e := range serviceErrors {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}
