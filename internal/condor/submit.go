package condor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/me/clusterui/pkg/model"
)

var (
	// condor_submit -terse: "123.0 - 123.0"
	terseIDRe = regexp.MustCompile(`(?m)^\s*(\d+\.\d+)\s*-\s*\d+\.\d+\s*$`)
	// classic output: "1 job(s) submitted to cluster 123."
	clusterIDRe = regexp.MustCompile(`submitted to cluster (\d+)`)

	// Output fragments meaning condor_submit never reached a schedd.
	unreachableMarkers = []string{
		"can't find address",
		"failed to connect",
		"connection refused",
		"timed out",
		"could not locate",
	}
)

// Submit renders a submit description and pipes it to condor_submit.
func (h *HTCondor) Submit(ctx context.Context, req model.SessionRequest) (string, error) {
	if err := req.Profile.Validate(); err != nil {
		return "", &model.SchedulerError{Op: "submit", Err: fmt.Errorf("%w: %v", model.ErrSchedulerRejected, err)}
	}

	desc := h.SubmitDescription(req)
	args := append([]string{"-terse"}, h.poolArgs()...)
	args = append(args, "-")

	h.logger.Debug("submitting interactive request",
		"profile", req.Profile.Name,
		"transport", req.Transport,
		"time_limit", req.TimeLimit,
	)

	stdout, stderr, code, err := h.run(ctx, desc, h.cfg.SubmitBin, args...)
	if err != nil {
		return "", unavailable("submit", "", combined(stdout, stderr), err)
	}
	if code != 0 {
		out := combined(stdout, stderr)
		if isUnreachable(out) {
			return "", unavailable("submit", "", out, nil)
		}
		return "", &model.SchedulerError{Op: "submit", Output: out, Err: model.ErrSchedulerRejected}
	}

	id, ok := parseSubmitID(stdout)
	if !ok {
		// The job may exist but we cannot name it; nothing to retract by id.
		return "", unavailable("submit", "", combined(stdout, stderr), fmt.Errorf("cannot parse job id"))
	}

	h.logger.Info("request submitted", "request_id", id, "profile", req.Profile.Name)
	return id, nil
}

// SubmitDescription renders the submit file for req.
func (h *HTCondor) SubmitDescription(req model.SessionRequest) string {
	payload := h.payloadFor(req.Transport)
	p := req.Profile

	var b strings.Builder
	b.WriteString("universe = vanilla\n")
	fmt.Fprintf(&b, "executable = %s\n", payload.Executable)
	if payload.Arguments != "" {
		fmt.Fprintf(&b, "arguments = %s\n", payload.Arguments)
	}
	b.WriteString("transfer_executable = false\n")
	b.WriteString("should_transfer_files = NO\n")
	b.WriteString("notification = Never\n")

	if p.CPUs > 0 {
		fmt.Fprintf(&b, "request_cpus = %d\n", p.CPUs)
	}
	if p.MemoryMB > 0 {
		fmt.Fprintf(&b, "request_memory = %d\n", p.MemoryMB)
	}
	if p.GPUs > 0 {
		fmt.Fprintf(&b, "request_gpus = %d\n", p.GPUs)
	}
	if r := strings.TrimSpace(p.Requirements); r != "" {
		fmt.Fprintf(&b, "requirements = %s\n", r)
	}
	if req.TimeLimit > 0 {
		fmt.Fprintf(&b, "+MaxRuntime = %d\n", int64(req.TimeLimit.Seconds()))
	}

	b.WriteString("+InteractiveJob = True\n")
	b.WriteString("+ClusterUIRequest = True\n")
	fmt.Fprintf(&b, "+ClusterUITransport = %s\n", strconv.Quote(string(req.Transport)))
	if p.Name != "" {
		fmt.Fprintf(&b, "+ClusterUIProfile = %s\n", strconv.Quote(p.Name))
	}
	if req.Owner != "" {
		fmt.Fprintf(&b, "+ClusterUIOwner = %s\n", strconv.Quote(req.Owner))
	}

	for _, line := range h.cfg.ExtraSubmit {
		if line = strings.TrimSpace(line); line != "" {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("queue\n")
	return b.String()
}

func (h *HTCondor) payloadFor(kind model.TransportKind) Payload {
	if p, ok := h.cfg.Payloads[kind]; ok && p.Executable != "" {
		return p
	}
	if p, ok := h.cfg.Payloads[model.TransportTerminal]; ok && p.Executable != "" {
		return p
	}
	return DefaultConfig().Payloads[model.TransportTerminal]
}

// parseSubmitID extracts "cluster.proc" from condor_submit output.
func parseSubmitID(out string) (string, bool) {
	if m := terseIDRe.FindStringSubmatch(out); m != nil {
		return m[1], true
	}
	if m := clusterIDRe.FindStringSubmatch(out); m != nil {
		return m[1] + ".0", true
	}
	return "", false
}

func isUnreachable(out string) bool {
	lower := strings.ToLower(out)
	for _, marker := range unreachableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
