package condor

import (
	"context"
	"fmt"
	"strings"
)

// Output fragments condor_rm prints when the job is already out of the queue.
var alreadyGoneMarkers = []string{
	"not found",
	"couldn't find",
	"does not exist",
	"already marked for removal",
	"no jobs matched",
}

// Remove retracts the job. A job the schedd no longer knows counts as removed.
func (h *HTCondor) Remove(ctx context.Context, requestID string) error {
	args := append(h.poolArgs(), requestID)

	stdout, stderr, code, err := h.run(ctx, "", h.cfg.RemoveBin, args...)
	out := combined(stdout, stderr)
	if err != nil {
		return unavailable("remove", requestID, out, err)
	}
	if code == 0 {
		h.logger.Info("request removed", "request_id", requestID)
		return nil
	}
	if isAlreadyGone(out) {
		h.logger.Info("request already gone", "request_id", requestID)
		return nil
	}
	return unavailable("remove", requestID, out, fmt.Errorf("%s exited with code %d", h.cfg.RemoveBin, code))
}

func isAlreadyGone(out string) bool {
	lower := strings.ToLower(out)
	for _, marker := range alreadyGoneMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
