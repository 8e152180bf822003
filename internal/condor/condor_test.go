package condor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/me/clusterui/pkg/model"
)

type mockRunner struct {
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	stdin string
	name  string
	args  []string
}

type mockResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

func (m *mockRunner) Run(_ context.Context, stdin, name string, args ...string) (string, string, int, error) {
	m.calls = append(m.calls, mockCall{stdin: stdin, name: name, args: args})
	if m.callIdx >= len(m.results) {
		return "", "", -1, fmt.Errorf("unexpected call %d", m.callIdx)
	}
	r := m.results[m.callIdx]
	m.callIdx++
	return r.stdout, r.stderr, r.exitCode, r.err
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdapter(cfg Config, results ...mockResult) (*HTCondor, *mockRunner) {
	runner := &mockRunner{results: results}
	return newWithRunner(cfg, newTestLogger(), runner), runner
}

func testRequest() model.SessionRequest {
	return model.SessionRequest{
		Profile:   model.ResourceProfile{Name: "small", CPUs: 2, MemoryMB: 4096},
		Transport: model.TransportTerminal,
		TimeLimit: 2 * time.Hour,
	}
}

func TestSubmit_TerseOutput(t *testing.T) {
	h, runner := newTestAdapter(Config{Pool: "cm.example"}, mockResult{stdout: "123.0 - 123.0\n"})

	id, err := h.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "123.0" {
		t.Errorf("id = %q, want 123.0", id)
	}

	call := runner.calls[0]
	if call.name != "condor_submit" {
		t.Errorf("bin = %q, want condor_submit", call.name)
	}
	want := []string{"-terse", "-pool", "cm.example", "-"}
	if strings.Join(call.args, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", call.args, want)
	}
	for _, line := range []string{
		"request_cpus = 2",
		"request_memory = 4096",
		"+MaxRuntime = 7200",
		"+InteractiveJob = True",
		`+ClusterUITransport = "terminal"`,
		"executable = /bin/sleep",
		"queue",
	} {
		if !strings.Contains(call.stdin, line+"\n") {
			t.Errorf("submit description missing %q:\n%s", line, call.stdin)
		}
	}
}

func TestSubmit_ClassicOutput(t *testing.T) {
	h, _ := newTestAdapter(Config{}, mockResult{
		stdout: "Submitting job(s).\n1 job(s) submitted to cluster 123.\n",
	})
	id, err := h.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "123.0" {
		t.Errorf("id = %q, want 123.0", id)
	}
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name   string
		result mockResult
		want   error
	}{
		{"rejected", mockResult{stderr: "ERROR: invalid profile\n", exitCode: 1}, model.ErrSchedulerRejected},
		{"schedd unreachable", mockResult{stderr: "ERROR: Can't find address of local schedd\n", exitCode: 1}, model.ErrSchedulerUnavailable},
		{"exec failure", mockResult{exitCode: -1, err: errors.New("exec: not found")}, model.ErrSchedulerUnavailable},
		{"unparseable", mockResult{stdout: "something odd\n"}, model.ErrSchedulerUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestAdapter(Config{}, tt.result)
			_, err := h.Submit(context.Background(), testRequest())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubmit_InvalidProfileNeverRuns(t *testing.T) {
	h, runner := newTestAdapter(Config{})
	req := testRequest()
	req.Profile.CPUs = -1

	_, err := h.Submit(context.Background(), req)
	if !errors.Is(err, model.ErrSchedulerRejected) {
		t.Fatalf("err = %v, want rejected", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("calls = %d, want 0", len(runner.calls))
	}
}

func TestSubmitDescription_TransportPayload(t *testing.T) {
	h, _ := newTestAdapter(Config{
		Payloads: map[model.TransportKind]Payload{
			model.TransportTerminal: {Executable: "/bin/sleep", Arguments: "infinity"},
			model.TransportVNC:      {Executable: "/opt/vnc/start.sh", Arguments: "--geometry 1920x1080"},
		},
		ExtraSubmit: []string{"accounting_group = group_ui", "  "},
	})
	req := testRequest()
	req.Transport = model.TransportVNC
	req.Profile.Requirements = `(OpSys == "LINUX")`

	desc := h.SubmitDescription(req)
	for _, line := range []string{
		"executable = /opt/vnc/start.sh",
		"arguments = --geometry 1920x1080",
		`requirements = (OpSys == "LINUX")`,
		"accounting_group = group_ui",
	} {
		if !strings.Contains(desc, line+"\n") {
			t.Errorf("description missing %q:\n%s", line, desc)
		}
	}
	if !strings.HasSuffix(desc, "queue\n") {
		t.Errorf("description must end with queue:\n%s", desc)
	}

	req.Transport = model.TransportSSH
	if desc := h.SubmitDescription(req); !strings.Contains(desc, "executable = /bin/sleep\n") {
		t.Errorf("ssh transport should fall back to terminal payload:\n%s", desc)
	}
}

func TestQuery_Mapping(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   model.ObservedState
	}{
		{"empty output", "", model.ObservedState{Kind: model.ObservedGone}},
		{"empty array", "[]", model.ObservedState{Kind: model.ObservedGone}},
		{"idle", `[{"ClusterId":123,"ProcId":0,"JobStatus":1}]`, model.ObservedState{Kind: model.ObservedIdle}},
		{
			"idle after eviction",
			`[{"ClusterId":123,"ProcId":0,"JobStatus":1,"NumJobStarts":2}]`,
			model.ObservedState{Kind: model.ObservedPreempted, Generation: 2},
		},
		{
			"running with published endpoint",
			`[{"ClusterId":123,"ProcId":0,"JobStatus":2,"RemoteHost":"slot1@node7","NumJobStarts":1,"InteractiveEndpoint":"node7:5901"}]`,
			model.ObservedState{Kind: model.ObservedRunning, Generation: 1, Endpoint: model.Endpoint{Address: "node7:5901", Slot: "slot1@node7"}},
		},
		{
			"running from remote host",
			`[{"ClusterId":123,"ProcId":0,"JobStatus":2,"RemoteHost":"slot1_3@node9.example","NumJobStarts":1}]`,
			model.ObservedState{Kind: model.ObservedRunning, Generation: 1, Endpoint: model.Endpoint{Address: "node9.example", Slot: "slot1_3@node9.example"}},
		},
		{"running without host", `[{"ClusterId":123,"ProcId":0,"JobStatus":2}]`, model.ObservedState{Kind: model.ObservedQueued}},
		{"removed", `[{"ClusterId":123,"ProcId":0,"JobStatus":3}]`, model.ObservedState{Kind: model.ObservedGone}},
		{"completed", `[{"ClusterId":123,"ProcId":0,"JobStatus":4}]`, model.ObservedState{Kind: model.ObservedGone}},
		{
			"held",
			`[{"ClusterId":123,"ProcId":0,"JobStatus":5,"HoldReason":"out of memory"}]`,
			model.ObservedState{Kind: model.ObservedHeld, Detail: "out of memory"},
		},
		{
			"suspended",
			`[{"ClusterId":123,"ProcId":0,"JobStatus":7,"NumJobStarts":1}]`,
			model.ObservedState{Kind: model.ObservedPreempted, Generation: 1, Detail: "suspended"},
		},
		{
			"suspended again in the same run",
			`[{"ClusterId":123,"ProcId":0,"JobStatus":7,"NumJobStarts":1,"TotalSuspensions":2}]`,
			model.ObservedState{Kind: model.ObservedPreempted, Generation: 1, Suspension: 2, Detail: "suspended"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, runner := newTestAdapter(Config{}, mockResult{stdout: tt.stdout})
			got, err := h.Query(context.Background(), "123.0")
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			args := runner.calls[0].args
			if args[len(args)-1] != "123.0" {
				t.Errorf("last arg = %q, want request id", args[len(args)-1])
			}
		})
	}
}

func TestQuery_FailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		result mockResult
	}{
		{"malformed json", mockResult{stdout: "{not json"}},
		{"unknown status", mockResult{stdout: `[{"ClusterId":123,"ProcId":0,"JobStatus":42}]`}},
		{"missing status", mockResult{stdout: `[{"ClusterId":123,"ProcId":0}]`}},
		{"status wrong type", mockResult{stdout: `[{"ClusterId":123,"ProcId":0,"JobStatus":"Running"}]`}},
		{"two ads", mockResult{stdout: `[{"ClusterId":123,"ProcId":0,"JobStatus":2},{"ClusterId":123,"ProcId":1,"JobStatus":2}]`}},
		{"other job", mockResult{stdout: `[{"ClusterId":999,"ProcId":0,"JobStatus":2,"RemoteHost":"slot1@node7"}]`}},
		{"non-zero exit", mockResult{stderr: "Failed to fetch ads from schedd", exitCode: 1}},
		{"exec error", mockResult{exitCode: -1, err: context.DeadlineExceeded}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestAdapter(Config{}, tt.result)
			got, err := h.Query(context.Background(), "123.0")
			if !errors.Is(err, model.ErrSchedulerUnavailable) {
				t.Fatalf("err = %v, want unavailable", err)
			}
			if got.Kind == model.ObservedRunning {
				t.Errorf("unmapped output must never read as running")
			}
		})
	}
}

func TestRemove(t *testing.T) {
	tests := []struct {
		name    string
		result  mockResult
		wantErr bool
	}{
		{"removed", mockResult{stdout: "Job 123.0 marked for removal\n"}, false},
		{"already gone", mockResult{stderr: "Couldn't find/remove all jobs matching constraint (ClusterId == 123)\n", exitCode: 1}, false},
		{"not found", mockResult{stderr: "Job 123.0 not found\n", exitCode: 1}, false},
		{"schedd down", mockResult{stderr: "Can't find address of local schedd\n", exitCode: 1}, true},
		{"exec error", mockResult{exitCode: -1, err: errors.New("exec: condor_rm: not found")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, runner := newTestAdapter(Config{Name: "schedd1"}, tt.result)
			err := h.Remove(context.Background(), "123.0")
			if tt.wantErr {
				if !errors.Is(err, model.ErrSchedulerUnavailable) {
					t.Fatalf("err = %v, want unavailable", err)
				}
			} else if err != nil {
				t.Fatalf("Remove: %v", err)
			}
			want := "-name schedd1 123.0"
			if got := strings.Join(runner.calls[0].args, " "); got != want {
				t.Errorf("args = %q, want %q", got, want)
			}
		})
	}
}

func TestHostFromRemoteHost(t *testing.T) {
	tests := map[string]string{
		"slot1@node7":          "node7",
		"slot1_2@node7.domain": "node7.domain",
		"node7":                "node7",
		"":                     "",
	}
	for in, want := range tests {
		if got := hostFromRemoteHost(in); got != want {
			t.Errorf("hostFromRemoteHost(%q) = %q, want %q", in, got, want)
		}
	}
}
