package daemon

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/clusterui/pkg/model"
)

type healthResponse struct {
	Status             string               `json:"status"`
	Version            string               `json:"version"`
	GoVersion          string               `json:"go_version"`
	Uptime             string               `json:"uptime"`
	Sessions           model.SessionSummary `json:"sessions"`
	OutstandingRemoves []string             `json:"outstanding_removals"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	pending := []string{}
	if s.outstanding != nil {
		pending = append(pending, s.outstanding()...)
	}
	respondOK(w, reqID, healthResponse{
		Status:             "healthy",
		Version:            s.version,
		GoVersion:          runtime.Version(),
		Uptime:             time.Since(s.startTime).Round(time.Second).String(),
		Sessions:           model.ComputeSessionSummary(s.sessions.List()),
		OutstandingRemoves: pending,
	})
}
