package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	Profile   string `json:"profile,omitempty"`
	Transport string `json:"transport,omitempty"`
	TimeLimit string `json:"time_limit,omitempty"` // Go duration string, e.g. "2h"
	Owner     string `json:"owner,omitempty"`
}

// SessionSummary counts tracked sessions by state for the health endpoint.
type SessionSummary struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Closing  int `json:"closing"`
	Terminal int `json:"terminal"`
}

// ComputeSessionSummary calculates a SessionSummary from descriptors.
func ComputeSessionSummary(sessions []*SessionDescriptor) SessionSummary {
	s := SessionSummary{Total: len(sessions)}
	for _, d := range sessions {
		switch {
		case d.State.IsTerminal():
			s.Terminal++
		case d.State == SessionStateClosing:
			s.Closing++
		default:
			s.Active++
		}
	}
	return s
}
