package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"simulado-service/internal/domain"
)

var errUnauthorized = errors.New("missing or invalid credentials")

type errorBody struct {
	Error          string     `json:"error"`
	Message        string     `json:"message"`
	Reason         string     `json:"reason,omitempty"`
	Boundary       *time.Time `json:"boundary,omitempty"`
	PriorAttemptID string     `json:"prior_attempt_id,omitempty"`
	PriorPct       *int       `json:"prior_percentage,omitempty"`
	Partial        bool       `json:"partial,omitempty"`
}

// errorResponse maps engine errors to a status code and a stable error code.
func errorResponse(err error) (int, errorBody) {
	body := errorBody{Message: err.Error()}

	var unavailable *domain.ExamUnavailableError
	var retake *domain.RetakeNotAllowedError
	var persistence *domain.PersistenceError
	switch {
	case errors.As(err, &unavailable):
		boundary := unavailable.Boundary
		body.Error, body.Reason, body.Boundary = "exam_unavailable", string(unavailable.Reason), &boundary
		return http.StatusForbidden, body
	case errors.As(err, &retake):
		pct := retake.Prior.Percentage
		body.Error, body.PriorAttemptID, body.PriorPct = "retake_not_allowed", retake.Prior.ID, &pct
		return http.StatusConflict, body
	case errors.Is(err, domain.ErrAlreadyCompleted):
		body.Error = "already_completed"
		return http.StatusConflict, body
	case errors.Is(err, domain.ErrTimeExpired):
		body.Error = "time_expired"
		return http.StatusConflict, body
	case errors.Is(err, domain.ErrExamNotFound), errors.Is(err, domain.ErrAttemptNotFound):
		body.Error = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, domain.ErrInvalidInput):
		body.Error = "invalid_input"
		return http.StatusBadRequest, body
	case errors.Is(err, domain.ErrForbidden):
		body.Error = "forbidden"
		return http.StatusForbidden, body
	case errors.Is(err, domain.ErrRankingHidden):
		body.Error = "ranking_hidden"
		return http.StatusForbidden, body
	case errors.Is(err, errUnauthorized):
		body.Error = "unauthorized"
		return http.StatusUnauthorized, body
	case errors.As(err, &persistence):
		body.Error, body.Partial = "persistence_failure", persistence.AttemptCompleted
		body.Message = "storage failure"
		if persistence.AttemptCompleted {
			body.Message = "attempt was completed but its answers were not stored"
		}
		return http.StatusInternalServerError, body
	default:
		body.Error, body.Message = "internal", "internal error"
		return http.StatusInternalServerError, body
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}
