package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"simulado-service/internal/app"
	"simulado-service/internal/domain"
)

// Handler exposes the attempt engine and rankings over REST.
type Handler struct {
	attempts *app.AttemptService
	rankings *app.RankingService
}

func NewHandler(attempts *app.AttemptService, rankings *app.RankingService) *Handler {
	return &Handler{attempts: attempts, rankings: rankings}
}

// NewRouter mounts the REST API and the live attempt socket behind auth.
func NewRouter(h *Handler, socket *AttemptSocket, auth *Authenticator) *mux.Router {
	router := mux.NewRouter()
	router.Use(requestLogger)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("").Subrouter()
	api.Use(auth.Middleware)
	api.HandleFunc("/exams/{examID}/attempts", h.StartOrResume).Methods(http.MethodPost)
	api.HandleFunc("/exams/{examID}/history", h.History).Methods(http.MethodGet)
	api.HandleFunc("/exams/{examID}/ranking", h.PublicRanking).Methods(http.MethodGet)
	api.HandleFunc("/attempts/{attemptID}", h.AttemptDetail).Methods(http.MethodGet)
	api.HandleFunc("/attempts/{attemptID}/answers/{position}", h.RecordAnswer).Methods(http.MethodPut)
	api.HandleFunc("/attempts/{attemptID}/finalize", h.Finalize).Methods(http.MethodPost)
	api.HandleFunc("/admin/exams/{examID}/ranking", h.AdminRanking).Methods(http.MethodGet)
	api.HandleFunc("/ws/attempts/{attemptID}", socket.ServeWS).Methods(http.MethodGet)
	return router
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}

func (h *Handler) StartOrResume(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	handle, err := h.attempts.StartOrResume(r.Context(), caller.UserID, mux.Vars(r)["examID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if handle.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, handle)
}

func (h *Handler) RecordAnswer(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	vars := mux.Vars(r)
	position, err := strconv.Atoi(vars["position"])
	if err != nil {
		writeError(w, r, domain.InvalidInput("position %q is not a number", vars["position"]))
		return
	}

	var req recordAnswerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := domain.ValidateStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	remaining, err := h.attempts.RecordAnswer(r.Context(), caller.UserID, vars["attemptID"], domain.AnswerChoice{
		Position: position,
		Choice:   req.Choice,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordAnswerResponse{Position: position, RemainingSeconds: remaining})
}

func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	var req finalizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.attempts.Finalize(r.Context(), caller.UserID, mux.Vars(r)["attemptID"], req.Answers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFinishedResponse(result))
}

func (h *Handler) AttemptDetail(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	detail, err := h.attempts.AttemptDetail(r.Context(), caller, mux.Vars(r)["attemptID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	history, err := h.attempts.History(r.Context(), caller.UserID, mux.Vars(r)["examID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) PublicRanking(w http.ResponseWriter, r *http.Request) {
	ranking, err := h.rankings.PublicRanking(r.Context(), mux.Vars(r)["examID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ranking)
}

func (h *Handler) AdminRanking(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	if !caller.IsAdmin() {
		writeError(w, r, domain.ErrForbidden)
		return
	}
	ranking, err := h.rankings.AdminRanking(r.Context(), mux.Vars(r)["examID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ranking)
}

// maxBodyBytes bounds request bodies; a full answer sheet is well under it.
const maxBodyBytes = 64 << 10

// decodeBody decodes an optional JSON body; an empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return domain.InvalidInput("request body exceeds %d bytes", tooLarge.Limit)
	}
	if errors.Is(err, domain.ErrInvalidInput) {
		return err
	}
	return domain.InvalidInput("malformed request body: %v", err)
}
