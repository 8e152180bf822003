package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/me/clusterui/internal/channel"
	"github.com/me/clusterui/internal/cleanup"
	"github.com/me/clusterui/internal/condor"
	"github.com/me/clusterui/internal/config"
	"github.com/me/clusterui/internal/lifecycle"
	"github.com/me/clusterui/internal/store"
	"github.com/me/clusterui/pkg/model"
)

func condorConfig(c config.Config) condor.Config {
	s := c.Scheduler
	payloads := make(map[model.TransportKind]condor.Payload, len(s.Payloads))
	for kind, p := range s.Payloads {
		payloads[model.TransportKind(kind)] = condor.Payload{Executable: p.Executable, Arguments: p.Arguments}
	}
	return condor.Config{
		Pool:              s.Pool,
		Name:              s.Name,
		SubmitBin:         s.SubmitBin,
		QueueBin:          s.QueueBin,
		RemoveBin:         s.RemoveBin,
		EndpointAttribute: s.EndpointAttribute,
		ExtraSubmit:       s.ExtraSubmit,
		Payloads:          payloads,
		CommandTimeout:    s.CommandTimeout,
	}
}

func transportConfig(c config.Config) channel.TransportConfig {
	return channel.TransportConfig{
		Pool:         c.Scheduler.Pool,
		Name:         c.Scheduler.Name,
		SSHToJobBin:  c.Scheduler.SSHToJobBin,
		SSHBin:       c.Scheduler.SSHBin,
		VNCViewerBin: c.Scheduler.VNCViewerBin,
	}
}

func channelConfig(c config.Config) channel.Config {
	cc := channel.DefaultConfig()
	cc.OpenAttempts = c.Lifecycle.ChannelRetries + 1
	cc.ReconnectAttempts = c.Lifecycle.ReconnectAttempts
	return cc
}

func lifecycleConfig(c config.Config) lifecycle.Config {
	lc := lifecycle.DefaultConfig()
	lc.PollInterval = c.Lifecycle.PollInterval
	lc.QueryPolicy.MaxAttempts = c.Lifecycle.QueryRetries
	lc.PreemptRetries = c.Lifecycle.PreemptRetries
	if t := c.Scheduler.CommandTimeout; t > 0 {
		lc.QueryTimeout = t + 5*time.Second
	}
	return lc
}

func cleanupConfig(c config.Config) cleanup.Config {
	cc := cleanup.DefaultConfig()
	if c.Lifecycle.RemovalWarnAfter > 0 {
		cc.WarnAfter = c.Lifecycle.RemovalWarnAfter
	}
	return cc
}

// buildRequest resolves command-line or API inputs against the config.
func buildRequest(c config.Config, profile, transport string, limit time.Duration, owner string) (model.SessionRequest, error) {
	p, err := c.Profile(profile)
	if err != nil {
		return model.SessionRequest{}, err
	}
	if transport == "" {
		transport = c.DefaultTransport
	}
	kind, ok := model.ParseTransportKind(transport)
	if !ok {
		return model.SessionRequest{}, fmt.Errorf("unknown transport %q (want terminal, x11, ssh, vnc or none)", transport)
	}
	if limit < 0 {
		return model.SessionRequest{}, fmt.Errorf("time limit must not be negative")
	}
	if owner == "" {
		owner = os.Getenv("USER")
	}
	return model.SessionRequest{Profile: p, Transport: kind, TimeLimit: limit, Owner: owner}, nil
}

// apiRequestBuilder adapts buildRequest to the daemon's request shape.
func apiRequestBuilder(c config.Config) func(model.CreateSessionRequest) (model.SessionRequest, error) {
	return func(b model.CreateSessionRequest) (model.SessionRequest, error) {
		var limit time.Duration
		if b.TimeLimit != "" {
			d, err := time.ParseDuration(b.TimeLimit)
			if err != nil {
				return model.SessionRequest{}, fmt.Errorf("time_limit: %w", err)
			}
			limit = d
		}
		return buildRequest(c, b.Profile, b.Transport, limit, b.Owner)
	}
}

// stack is the set of collaborators a session-owning command needs.
type stack struct {
	store     *store.SQLiteStore
	adapter   *condor.HTCondor
	guarantor *cleanup.Guarantor
	owner     *cleanup.OwnerLock
}

// openStack opens the state database and builds the adapter and guarantor.
func openStack(ctx context.Context, c config.Config, logger *slog.Logger) (*stack, error) {
	dir, err := c.ResolveStateDir()
	if err != nil {
		return nil, err
	}
	st, err := store.OpenStateDir(ctx, dir, logger)
	if err != nil {
		return nil, err
	}
	// Held until exit so other cui processes on this state dir leave our
	// jobs alone during their reconciliation.
	owner, err := cleanup.AcquireOwner(dir)
	if err != nil {
		st.Close()
		return nil, err
	}
	adapter := condor.New(condorConfig(c), logger)
	gcfg := cleanupConfig(c)
	gcfg.Liveness = owner
	g := cleanup.New(adapter, st, gcfg, logger)
	g.OnLingering = func(requestID string, elapsed time.Duration, lastErr error) {
		fmt.Fprintf(os.Stderr, "cui: WARNING: job %s still not removed after %s (%v); run `condor_rm %s` if it persists\n",
			requestID, elapsed.Round(time.Second), lastErr, requestID)
	}
	return &stack{store: st, adapter: adapter, guarantor: g, owner: owner}, nil
}

// reconcile runs the startup pass, reporting what it did on stderr.
func (s *stack) reconcile(ctx context.Context) (cleanup.ReconcileResult, error) {
	res, err := s.guarantor.Reconcile(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range res.Removed {
		fmt.Fprintf(os.Stderr, "cui: removed job %s left behind by an earlier run\n", id)
	}
	for _, id := range res.Kept {
		fmt.Fprintf(os.Stderr, "cui: could not remove job %s left behind by an earlier run; will retry next time\n", id)
	}
	return res, nil
}

// drain waits up to grace for background removals, then stops them. Any
// removal still pending keeps its durable marker for the next start.
func (s *stack) drain(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.guarantor.Wait(ctx); err != nil {
		for _, id := range s.guarantor.Outstanding() {
			fmt.Fprintf(os.Stderr, "cui: removal of job %s still pending; it will be retried on the next start\n", id)
		}
	}
	s.guarantor.Stop()
}

func (s *stack) close() {
	s.store.Close()
	s.owner.Release()
}

// newChannelManager builds the interactive channel manager over launcher.
func newChannelManager(c config.Config, launcher channel.Launcher, logger *slog.Logger) *channel.Manager {
	registry := channel.NewDefaultRegistry(transportConfig(c), logger)
	return channel.NewManager(registry, launcher, channelConfig(c), logger)
}

// detachedOpener opens every channel as detached. The daemon has no terminal
// to bridge; users attach later with `cui attach`.
type detachedOpener struct {
	channels *channel.Manager
}

func (d detachedOpener) Open(ctx context.Context, _ model.TransportKind, target channel.Target) (channel.Channel, error) {
	return d.channels.Open(ctx, model.TransportNone, target)
}
