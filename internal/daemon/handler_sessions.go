package daemon

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/clusterui/internal/lifecycle"
	"github.com/me/clusterui/pkg/model"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	sessions := s.sessions.List()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := sessions[:0]
		for _, d := range sessions {
			if string(d.State) == state {
				filtered = append(filtered, d)
			}
		}
		sessions = filtered
	}
	respondOK(w, reqID, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var body model.CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid JSON body: "+err.Error()))
			return
		}
	}
	if body.Transport == "" {
		body.Transport = string(model.TransportNone)
	}

	req, err := s.build(body)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}

	d, err := s.sessions.Start(r.Context(), req)
	if err != nil {
		respondFailure(w, reqID, err, classify)
		return
	}
	respondCreated(w, reqID, d)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	d, err := s.sessions.Get(id)
	if err != nil {
		respondFailure(w, reqID, err, lookupClassifier(id))
		return
	}
	respondOK(w, reqID, d)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	d, err := s.sessions.Cancel(id)
	if err != nil {
		respondFailure(w, reqID, err, lookupClassifier(id))
		return
	}
	s.logger.Info("session cancelled", "session_id", d.ID, "request_id", d.RequestID, "state", d.State)
	respondOK(w, reqID, d)
}

// classify maps a submission failure onto an HTTP status and error code.
func classify(err error) (int, *model.APIError) {
	switch {
	case errors.Is(err, model.ErrSchedulerRejected):
		return http.StatusUnprocessableEntity, &model.APIError{Code: model.ErrRejected, Message: err.Error()}
	case errors.Is(err, model.ErrSchedulerUnavailable):
		return http.StatusServiceUnavailable, &model.APIError{Code: model.ErrUnavailable, Message: err.Error()}
	default:
		return http.StatusInternalServerError, &model.APIError{Code: model.ErrInternal, Message: err.Error()}
	}
}

// lookupClassifier maps errors from looking up session id.
func lookupClassifier(id string) func(error) (int, *model.APIError) {
	return func(err error) (int, *model.APIError) {
		if errors.Is(err, lifecycle.ErrSessionNotFound) {
			return http.StatusNotFound, model.NewNotFoundError("session", id)
		}
		return http.StatusInternalServerError, &model.APIError{Code: model.ErrInternal, Message: err.Error()}
	}
}
