package condor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/me/clusterui/pkg/model"
)

// HTCondor JobStatus codes.
const (
	jobIdle      = 1
	jobRunning   = 2
	jobRemoved   = 3
	jobCompleted = 4
	jobHeld      = 5
	jobXferOut   = 6
	jobSuspended = 7
)

// jobAd is the subset of a job ClassAd we ask condor_q for.
type jobAd struct {
	ClusterID    *int64  `json:"ClusterId"`
	ProcID       *int64  `json:"ProcId"`
	JobStatus    *int    `json:"JobStatus"`
	RemoteHost   string  `json:"RemoteHost"`
	NumJobStarts int     `json:"NumJobStarts"`
	HoldReason   string  `json:"HoldReason"`
	Suspensions  int     `json:"TotalSuspensions"`
	Endpoint     *string `json:"-"`
}

// Query asks condor_q for the job and maps its status.
func (h *HTCondor) Query(ctx context.Context, requestID string) (model.ObservedState, error) {
	attrs := []string{"ClusterId", "ProcId", "JobStatus", "RemoteHost", "NumJobStarts", "HoldReason", "TotalSuspensions"}
	if h.cfg.EndpointAttribute != "" {
		attrs = append(attrs, h.cfg.EndpointAttribute)
	}
	args := []string{"-json", "-attributes", strings.Join(attrs, ",")}
	args = append(args, h.poolArgs()...)
	args = append(args, requestID)

	stdout, stderr, code, err := h.run(ctx, "", h.cfg.QueueBin, args...)
	if err != nil {
		return model.ObservedState{}, unavailable("query", requestID, combined(stdout, stderr), err)
	}
	if code != 0 {
		return model.ObservedState{}, unavailable("query", requestID, combined(stdout, stderr),
			fmt.Errorf("%s exited with code %d", h.cfg.QueueBin, code))
	}

	obs, err := h.parseQuery(requestID, []byte(stdout))
	if err != nil {
		return model.ObservedState{}, unavailable("query", requestID, stdout, err)
	}
	return obs, nil
}

// parseQuery maps condor_q -json output to an ObservedState. It fails on
// anything it does not recognize.
func (h *HTCondor) parseQuery(requestID string, out []byte) (model.ObservedState, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		// No record in the queue: completed, removed or never existed.
		return model.ObservedState{Kind: model.ObservedGone}, nil
	}

	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(out, &raw); err != nil {
		return model.ObservedState{}, fmt.Errorf("decoding condor_q output: %w", err)
	}
	switch len(raw) {
	case 0:
		return model.ObservedState{Kind: model.ObservedGone}, nil
	case 1:
	default:
		return model.ObservedState{}, fmt.Errorf("expected one job ad for %s, got %d", requestID, len(raw))
	}

	ad, err := h.decodeAd(raw[0])
	if err != nil {
		return model.ObservedState{}, err
	}
	if err := matchID(requestID, ad); err != nil {
		return model.ObservedState{}, err
	}
	if ad.JobStatus == nil {
		return model.ObservedState{}, fmt.Errorf("job ad for %s has no JobStatus", requestID)
	}

	switch *ad.JobStatus {
	case jobIdle:
		if ad.NumJobStarts > 0 {
			// Back in the queue after having started: evicted.
			return model.ObservedState{Kind: model.ObservedPreempted, Generation: ad.NumJobStarts}, nil
		}
		return model.ObservedState{Kind: model.ObservedIdle}, nil
	case jobRunning:
		ep := h.endpointFor(ad)
		if ep.IsZero() {
			// Matched but the slot has not published where to reach it yet.
			return model.ObservedState{Kind: model.ObservedQueued}, nil
		}
		return model.ObservedState{Kind: model.ObservedRunning, Endpoint: ep, Generation: ad.NumJobStarts}, nil
	case jobRemoved, jobCompleted, jobXferOut:
		return model.ObservedState{Kind: model.ObservedGone}, nil
	case jobHeld:
		return model.ObservedState{Kind: model.ObservedHeld, Detail: ad.HoldReason}, nil
	case jobSuspended:
		gen := ad.NumJobStarts
		if gen == 0 {
			gen = 1
		}
		return model.ObservedState{Kind: model.ObservedPreempted, Generation: gen, Suspension: ad.Suspensions, Detail: "suspended"}, nil
	default:
		return model.ObservedState{}, fmt.Errorf("unknown JobStatus %d for %s", *ad.JobStatus, requestID)
	}
}

func (h *HTCondor) decodeAd(raw map[string]json.RawMessage) (jobAd, error) {
	var ad jobAd
	decode := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("attribute %s: %w", key, err)
		}
		return nil
	}
	if err := decode("ClusterId", &ad.ClusterID); err != nil {
		return ad, err
	}
	if err := decode("ProcId", &ad.ProcID); err != nil {
		return ad, err
	}
	if err := decode("JobStatus", &ad.JobStatus); err != nil {
		return ad, err
	}
	if err := decode("RemoteHost", &ad.RemoteHost); err != nil {
		return ad, err
	}
	if err := decode("NumJobStarts", &ad.NumJobStarts); err != nil {
		return ad, err
	}
	if err := decode("HoldReason", &ad.HoldReason); err != nil {
		return ad, err
	}
	if err := decode("TotalSuspensions", &ad.Suspensions); err != nil {
		return ad, err
	}
	if attr := h.cfg.EndpointAttribute; attr != "" {
		if v, ok := raw[attr]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return ad, fmt.Errorf("attribute %s: %w", attr, err)
			}
			ad.Endpoint = &s
		}
	}
	return ad, nil
}

// matchID rejects an ad that belongs to a different job than the one asked for.
func matchID(requestID string, ad jobAd) error {
	if ad.ClusterID == nil {
		return nil
	}
	cluster, proc, _ := strings.Cut(requestID, ".")
	if c, err := strconv.ParseInt(cluster, 10, 64); err != nil || c != *ad.ClusterID {
		return fmt.Errorf("job ad cluster %d does not match %s", *ad.ClusterID, requestID)
	}
	if proc != "" && ad.ProcID != nil {
		if p, err := strconv.ParseInt(proc, 10, 64); err != nil || p != *ad.ProcID {
			return fmt.Errorf("job ad proc %d does not match %s", *ad.ProcID, requestID)
		}
	}
	return nil
}

// endpointFor prefers the job-published endpoint over the slot's host.
func (h *HTCondor) endpointFor(ad jobAd) model.Endpoint {
	ep := model.Endpoint{Slot: ad.RemoteHost}
	if ad.Endpoint != nil && strings.TrimSpace(*ad.Endpoint) != "" {
		ep.Address = strings.TrimSpace(*ad.Endpoint)
		return ep
	}
	ep.Address = hostFromRemoteHost(ad.RemoteHost)
	return ep
}

// hostFromRemoteHost turns "slot1_2@node7.example" into "node7.example".
func hostFromRemoteHost(remote string) string {
	remote = strings.TrimSpace(remote)
	if _, host, ok := strings.Cut(remote, "@"); ok {
		return host
	}
	return remote
}
