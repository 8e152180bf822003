package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/me/clusterui/pkg/model"
)

// ReconcileResult summarizes a reconciliation pass.
type ReconcileResult struct {
	Removed []string // scheduler answered; marker cleared
	Kept    []string // scheduler unreachable; marker kept for next time
	InUse   []string // owned by another running cui process; left alone
}

// Reconcile issues a removal for every marker left by a previous run. A
// marker is cleared once the scheduler answered at all, whatever it said;
// only an unreachable scheduler keeps it. Ids owned by this process, or by
// another process that still holds its owner lock, are skipped. Reconcile
// must finish before new submissions are accepted.
func (g *Guarantor) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	obligations, err := g.store.ListObligations(ctx)
	if err != nil {
		return res, fmt.Errorf("list obligations: %w", err)
	}
	if len(obligations) == 0 {
		return res, nil
	}
	g.logger.Info("checking removal markers", "count", len(obligations))

	for _, ob := range obligations {
		g.mu.Lock()
		_, owned := g.obligations[ob.RequestID]
		g.mu.Unlock()
		if owned {
			continue
		}
		if g.ownerAlive(ob) {
			res.InUse = append(res.InUse, ob.RequestID)
			continue
		}

		rmErr := g.remover.Remove(ctx, ob.RequestID)
		if rmErr != nil && errors.Is(rmErr, model.ErrSchedulerUnavailable) {
			g.logger.Warn("stale request not removed; keeping marker",
				"request_id", ob.RequestID, "seq", ob.Seq, "error", rmErr)
			res.Kept = append(res.Kept, ob.RequestID)
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			continue
		}

		if err := g.store.ClearObligation(ctx, ob.RequestID); err != nil {
			return res, fmt.Errorf("clear obligation %s: %w", ob.RequestID, err)
		}
		g.logger.Info("stale request removed", "request_id", ob.RequestID, "seq", ob.Seq)
		res.Removed = append(res.Removed, ob.RequestID)

		if ob.SessionID != "" {
			g.closeStaleSession(ctx, ob.SessionID)
		}
	}
	return res, nil
}

func (g *Guarantor) ownerAlive(ob *model.Obligation) bool {
	if g.cfg.Liveness == nil || ob.Owner == "" {
		return false
	}
	alive, err := g.cfg.Liveness.Alive(ob.Owner)
	if err != nil {
		// Removing a job another session may be using is worse than keeping
		// the marker until the next start.
		g.logger.Warn("cannot tell whether marker owner is running; skipping",
			"request_id", ob.RequestID, "owner", ob.Owner, "error", err)
		return true
	}
	if alive {
		g.logger.Debug("marker owned by a running process", "request_id", ob.RequestID, "owner", ob.Owner)
	}
	return alive
}

// closeStaleSession marks a session left open by a crashed run as removed.
func (g *Guarantor) closeStaleSession(ctx context.Context, sessionID string) {
	d, err := g.store.GetSession(ctx, sessionID)
	if err != nil || d == nil || d.State.IsTerminal() {
		return
	}
	d.State = model.SessionStateTerminal
	d.TerminationReason = model.ReasonRemoved
	d.ExecutionEndpoint = model.Endpoint{}
	d.Detail = "removed during reconciliation after an unclean exit"
	now := time.Now().UTC()
	d.ClosedAt = &now
	if err := g.store.PutSession(ctx, d); err != nil {
		g.logger.Warn("update stale session", "session_id", sessionID, "error", err)
	}
}
