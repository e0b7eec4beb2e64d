package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// classify maps an error to its HTTP status and kind.
func classify(err error) (int, string) {
	var (
		validation *domain.ValidationError
		noSchedule *domain.ScheduleNotFoundError
		noInsights *domain.InsightsNotFoundError
		noTask     *domain.TaskNotFoundError
		exists     *domain.ScheduleExistsError
		conflict   *domain.ConflictError
		transient  *domain.TransientExternalError
		fatal      *domain.FatalStateError
		tooLarge   *http.MaxBytesError
		syntaxErr  *json.SyntaxError
		typeErr    *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "validation"
	case errors.As(err, &validation), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &noSchedule), errors.As(err, &noInsights), errors.As(err, &noTask):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &exists):
		return http.StatusConflict, "schedule_exists"
	case errors.As(err, &conflict):
		// Every retry round lost to a concurrent writer.
		return http.StatusServiceUnavailable, "conflict"
	case errors.As(err, &transient):
		return http.StatusServiceUnavailable, "transient"
	case errors.As(err, &fatal):
		return http.StatusInternalServerError, "fatal_state"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg, kind string) {
	writeJSON(w, code, ErrorResponse{Error: msg, Kind: kind})
}
