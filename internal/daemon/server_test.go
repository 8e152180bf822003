package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/clusterui/internal/lifecycle"
	"github.com/me/clusterui/pkg/model"
)

type fakeSessions struct {
	mu        sync.Mutex
	sessions  []*model.SessionDescriptor
	startErr  error
	started   []model.SessionRequest
	cancelled []string
}

func (f *fakeSessions) Start(_ context.Context, req model.SessionRequest) (*model.SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	if f.startErr != nil {
		return nil, f.startErr
	}
	d := &model.SessionDescriptor{
		ID:        fmt.Sprintf("ses_%d", len(f.sessions)+1),
		RequestID: fmt.Sprintf("%d.0", 100+len(f.sessions)),
		Request:   req,
		State:     model.SessionStateSubmitted,
		CreatedAt: time.Now().UTC(),
	}
	f.sessions = append(f.sessions, d)
	return d, nil
}

func (f *fakeSessions) Get(id string) (*model.SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.sessions {
		if d.ID == id || d.RequestID == id {
			return d.Clone(), nil
		}
	}
	return nil, lifecycle.ErrSessionNotFound
}

func (f *fakeSessions) List() []*model.SessionDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.SessionDescriptor, 0, len(f.sessions))
	for _, d := range f.sessions {
		out = append(out, d.Clone())
	}
	return out
}

func (f *fakeSessions) Cancel(id string) (*model.SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.sessions {
		if d.ID == id || d.RequestID == id {
			f.cancelled = append(f.cancelled, id)
			if !d.State.IsTerminal() {
				d.State = model.SessionStateTerminal
				d.TerminationReason = model.ReasonUserClosed
			}
			return d.Clone(), nil
		}
	}
	return nil, lifecycle.ErrSessionNotFound
}

func testBuilder(b model.CreateSessionRequest) (model.SessionRequest, error) {
	kind, ok := model.ParseTransportKind(b.Transport)
	if !ok {
		return model.SessionRequest{}, fmt.Errorf("unknown transport %q", b.Transport)
	}
	req := model.SessionRequest{Transport: kind, Owner: b.Owner}
	req.Profile.Name = b.Profile
	if b.TimeLimit != "" {
		d, err := time.ParseDuration(b.TimeLimit)
		if err != nil {
			return model.SessionRequest{}, err
		}
		req.TimeLimit = d
	}
	return req, nil
}

func testServer(f *fakeSessions, opts ...Option) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f, testBuilder, logger, opts...)
}

type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     *model.APIError `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string, wantStatus int) envelope {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantStatus, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("%s %s: Content-Type = %q", method, path, ct)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	if !strings.HasPrefix(env.RequestID, "req_") {
		t.Errorf("request_id = %q, want req_ prefix", env.RequestID)
	}
	if w.Header().Get("X-Request-ID") != env.RequestID {
		t.Errorf("X-Request-ID = %q, body request_id = %q", w.Header().Get("X-Request-ID"), env.RequestID)
	}
	return env
}

func TestHealth(t *testing.T) {
	f := &fakeSessions{}
	srv := testServer(f, WithOutstanding(func() []string { return []string{"7.0"} }))
	f.Start(context.Background(), model.SessionRequest{Transport: model.TransportNone})

	env := do(t, srv, "GET", "/api/v1/health", "", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	var h healthResponse
	if err := json.Unmarshal(env.Data, &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Status != "healthy" || h.Version != "0.1" {
		t.Errorf("health = %+v", h)
	}
	if h.Sessions.Total != 1 || h.Sessions.Active != 1 {
		t.Errorf("sessions = %+v, want 1 active", h.Sessions)
	}
	if len(h.OutstandingRemoves) != 1 || h.OutstandingRemoves[0] != "7.0" {
		t.Errorf("outstanding = %v", h.OutstandingRemoves)
	}
}

func TestCreateSession(t *testing.T) {
	f := &fakeSessions{}
	srv := testServer(f)

	env := do(t, srv, "POST", "/api/v1/sessions/", `{"profile":"gpu","time_limit":"2h"}`, http.StatusCreated)
	var d model.SessionDescriptor
	if err := json.Unmarshal(env.Data, &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.RequestID != "100.0" || d.State != model.SessionStateSubmitted {
		t.Errorf("descriptor = %+v", d)
	}
	if len(f.started) != 1 {
		t.Fatalf("started = %d, want 1", len(f.started))
	}
	got := f.started[0]
	if got.Transport != model.TransportNone {
		t.Errorf("transport = %q, want none by default", got.Transport)
	}
	if got.TimeLimit != 2*time.Hour || got.Profile.Name != "gpu" {
		t.Errorf("request = %+v", got)
	}
}

func TestCreateSessionErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		status   int
		code     model.ErrorCode
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, model.ErrValidation},
		{"bad transport", `{"transport":"telnet"}`, nil, http.StatusBadRequest, model.ErrValidation},
		{"bad duration", `{"time_limit":"soon"}`, nil, http.StatusBadRequest, model.ErrValidation},
		{
			"rejected", `{}`,
			&model.SchedulerError{Op: "submit", Err: model.ErrSchedulerRejected, Output: "bad requirements"},
			http.StatusUnprocessableEntity, model.ErrRejected,
		},
		{
			"unavailable", `{}`,
			&model.SchedulerError{Op: "submit", Err: model.ErrSchedulerUnavailable},
			http.StatusServiceUnavailable, model.ErrUnavailable,
		},
		{"other", `{}`, fmt.Errorf("disk full"), http.StatusInternalServerError, model.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(&fakeSessions{startErr: tt.startErr})
			env := do(t, srv, "POST", "/api/v1/sessions/", tt.body, tt.status)
			if env.Status != "error" {
				t.Errorf("status = %q, want error", env.Status)
			}
			if env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %s", env.Error, tt.code)
			}
		})
	}
}

func TestListAndGetSessions(t *testing.T) {
	f := &fakeSessions{}
	srv := testServer(f)
	f.Start(context.Background(), model.SessionRequest{Transport: model.TransportNone})
	f.Start(context.Background(), model.SessionRequest{Transport: model.TransportNone})
	f.Cancel("ses_2")

	env := do(t, srv, "GET", "/api/v1/sessions/", "", http.StatusOK)
	var all []model.SessionDescriptor
	if err := json.Unmarshal(env.Data, &all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}

	env = do(t, srv, "GET", "/api/v1/sessions/?state=TERMINAL", "", http.StatusOK)
	var terminal []model.SessionDescriptor
	if err := json.Unmarshal(env.Data, &terminal); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(terminal) != 1 || terminal[0].ID != "ses_2" {
		t.Errorf("filtered = %+v", terminal)
	}

	for _, id := range []string{"ses_1", "100.0"} {
		env = do(t, srv, "GET", "/api/v1/sessions/"+id, "", http.StatusOK)
		var d model.SessionDescriptor
		if err := json.Unmarshal(env.Data, &d); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if d.ID != "ses_1" {
			t.Errorf("GET %s: id = %q", id, d.ID)
		}
	}

	env = do(t, srv, "GET", "/api/v1/sessions/999.0", "", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestCancelSession(t *testing.T) {
	f := &fakeSessions{}
	srv := testServer(f)
	f.Start(context.Background(), model.SessionRequest{Transport: model.TransportNone})

	for i := 0; i < 2; i++ {
		env := do(t, srv, "PUT", "/api/v1/sessions/100.0/cancel", "", http.StatusOK)
		var d model.SessionDescriptor
		if err := json.Unmarshal(env.Data, &d); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if d.State != model.SessionStateTerminal || d.TerminationReason != model.ReasonUserClosed {
			t.Errorf("cancel #%d: %s/%s", i+1, d.State, d.TerminationReason)
		}
	}
	if len(f.cancelled) != 2 {
		t.Errorf("cancel calls = %d, want 2", len(f.cancelled))
	}

	do(t, srv, "PUT", "/api/v1/sessions/nope/cancel", "", http.StatusNotFound)
}

func TestUnknownRoute(t *testing.T) {
	srv := testServer(&fakeSessions{})
	env := do(t, srv, "GET", "/api/v1/jobs", "", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v", env.Error)
	}
}
