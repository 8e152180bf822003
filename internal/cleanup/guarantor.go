// Package cleanup guarantees that every submitted request is removed from the
// scheduler exactly once, across normal exits, interrupts and restarts.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/clusterui/internal/retry"
	"github.com/me/clusterui/internal/store"
)

// ErrRemovalDeferred is returned by Release when the first removal attempt
// failed and the obligation was handed to a background retry.
var ErrRemovalDeferred = errors.New("removal deferred to background retry")

// Remover is the part of the scheduler adapter the guarantor needs.
type Remover interface {
	Remove(ctx context.Context, requestID string) error
}

// Config tunes background removal.
type Config struct {
	Policy    retry.Policy  // backoff between background attempts; MaxAttempts 0 retries forever
	WarnAfter time.Duration // lingering records are reported loudly past this horizon

	// Liveness stamps markers with this process's owner id and lets Reconcile
	// skip markers of other processes still running. Nil treats every marker
	// not held in memory as stale.
	Liveness Liveness
}

// DefaultConfig returns the background removal defaults.
func DefaultConfig() Config {
	return Config{
		Policy:    retry.RemovalPolicy(),
		WarnAfter: 10 * time.Minute,
	}
}

type obligationState int

const (
	statePending obligationState = iota // recorded, release not yet requested
	stateRemoving                       // background retry in flight
	stateDone                           // removed or confirmed gone
)

// Guarantor tracks removal obligations in memory and in the store.
type Guarantor struct {
	remover Remover
	store   store.Store
	cfg     Config
	logger  *slog.Logger

	mu          sync.Mutex
	obligations map[string]obligationState
	wg          sync.WaitGroup

	bgCtx    context.Context
	bgCancel context.CancelFunc

	// OnLingering, when set, is called once per request id whose removal is
	// still failing after WarnAfter.
	OnLingering func(requestID string, elapsed time.Duration, lastErr error)
}

// New creates a Guarantor.
func New(remover Remover, st store.Store, cfg Config, logger *slog.Logger) *Guarantor {
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = DefaultConfig().WarnAfter
	}
	if cfg.Policy.InitialDelay <= 0 {
		cfg.Policy = DefaultConfig().Policy
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Guarantor{
		remover:     remover,
		store:       st,
		cfg:         cfg,
		logger:      logger.With("component", "cleanup"),
		obligations: make(map[string]obligationState),
		bgCtx:       ctx,
		bgCancel:    cancel,
	}
}

// Record registers the obligation to remove requestID. It must be called
// before the submitting call returns its id to anyone else. The in-memory
// registration always succeeds; an error means the durable marker could not be
// written and a crash would leak the record.
func (g *Guarantor) Record(ctx context.Context, requestID, sessionID string) error {
	if requestID == "" {
		return fmt.Errorf("record obligation: empty request id")
	}

	g.mu.Lock()
	if _, ok := g.obligations[requestID]; !ok {
		g.obligations[requestID] = statePending
	}
	g.mu.Unlock()

	ob, err := g.store.AddObligation(ctx, requestID, sessionID, g.owner())
	if err != nil {
		g.logger.Error("durable removal marker not written", "request_id", requestID, "error", err)
		return fmt.Errorf("record obligation %s: %w", requestID, err)
	}
	g.logger.Debug("obligation recorded", "request_id", requestID, "seq", ob.Seq)
	return nil
}

// Release removes requestID from the scheduler. Only the first call for a
// recorded id issues a removal; later calls return nil. Release never blocks
// past one attempt: if that attempt fails the obligation moves to a background
// retry and ErrRemovalDeferred is returned.
func (g *Guarantor) Release(ctx context.Context, requestID string) error {
	g.mu.Lock()
	st, ok := g.obligations[requestID]
	if !ok || st != statePending {
		g.mu.Unlock()
		return nil
	}
	g.obligations[requestID] = stateRemoving
	g.mu.Unlock()

	err := g.remover.Remove(ctx, requestID)
	if err == nil {
		g.finish(requestID)
		return nil
	}

	g.logger.Warn("removal failed, retrying in background", "request_id", requestID, "error", err)
	g.wg.Add(1)
	go g.retryRemoval(requestID, err)
	return fmt.Errorf("%w: %s: %v", ErrRemovalDeferred, requestID, err)
}

// Confirm clears the obligation for a request the scheduler no longer knows.
// No removal is issued.
func (g *Guarantor) Confirm(ctx context.Context, requestID string) {
	g.mu.Lock()
	st, ok := g.obligations[requestID]
	if ok && st == stateRemoving {
		// The background retry will see the id as gone on its next attempt.
		g.mu.Unlock()
		return
	}
	g.obligations[requestID] = stateDone
	g.mu.Unlock()

	if err := g.store.ClearObligation(ctx, requestID); err != nil {
		g.logger.Error("clear obligation", "request_id", requestID, "error", err)
	}
	g.logger.Debug("obligation confirmed gone", "request_id", requestID)
}

// Outstanding returns request ids whose removal has not completed.
func (g *Guarantor) Outstanding() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for id, st := range g.obligations {
		if st != stateDone {
			ids = append(ids, id)
		}
	}
	return ids
}

// Wait blocks until all background removals finish or ctx is done.
func (g *Guarantor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop abandons background retries. Their durable markers stay behind for the
// next Reconcile.
func (g *Guarantor) Stop() {
	g.bgCancel()
	g.wg.Wait()
}

func (g *Guarantor) owner() string {
	if g.cfg.Liveness == nil {
		return ""
	}
	return g.cfg.Liveness.Self()
}

func (g *Guarantor) finish(requestID string) {
	g.mu.Lock()
	g.obligations[requestID] = stateDone
	g.mu.Unlock()

	// Clearing must outlive a cancelled caller; the removal already happened.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.store.ClearObligation(ctx, requestID); err != nil {
		g.logger.Error("clear obligation", "request_id", requestID, "error", err)
	}
}

func (g *Guarantor) retryRemoval(requestID string, lastErr error) {
	defer g.wg.Done()

	start := time.Now()
	warned := false
	for attempt := 0; ; attempt++ {
		if g.cfg.Policy.Exhausted(attempt) {
			g.logger.Error("giving up on removal; remove the job manually",
				"request_id", requestID, "attempts", attempt, "error", lastErr)
			g.setState(requestID, statePending)
			return
		}
		if err := retry.Sleep(g.bgCtx, g.cfg.Policy.Delay(attempt)); err != nil {
			g.logger.Warn("background removal abandoned; will retry on next start",
				"request_id", requestID, "error", lastErr)
			g.setState(requestID, statePending)
			return
		}

		lastErr = g.remover.Remove(g.bgCtx, requestID)
		if lastErr == nil {
			g.logger.Info("background removal succeeded", "request_id", requestID, "attempts", attempt+1)
			g.finish(requestID)
			return
		}

		elapsed := time.Since(start)
		if !warned && elapsed >= g.cfg.WarnAfter {
			warned = true
			g.logger.Warn("scheduler record still not removed; remove it manually if this persists",
				"request_id", requestID,
				"elapsed", elapsed.Round(time.Second).String(),
				"error", lastErr,
			)
			if g.OnLingering != nil {
				g.OnLingering(requestID, elapsed, lastErr)
			}
		}
	}
}

func (g *Guarantor) setState(requestID string, st obligationState) {
	g.mu.Lock()
	g.obligations[requestID] = st
	g.mu.Unlock()
}
