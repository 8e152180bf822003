// Package lifecycle drives interactive sessions from submission to removal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/me/clusterui/internal/channel"
	"github.com/me/clusterui/internal/cleanup"
	"github.com/me/clusterui/internal/retry"
	"github.com/me/clusterui/internal/store"
	"github.com/me/clusterui/pkg/model"
)

// Scheduler is the adapter contract the machine drives.
type Scheduler interface {
	Submit(ctx context.Context, req model.SessionRequest) (string, error)
	Query(ctx context.Context, requestID string) (model.ObservedState, error)
	Remove(ctx context.Context, requestID string) error
}

// ChannelOpener opens the interactive channel once an endpoint is known.
type ChannelOpener interface {
	Open(ctx context.Context, kind model.TransportKind, target channel.Target) (channel.Channel, error)
}

// Clock abstracts time for the poll cadence and the time limit.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config holds lifecycle configuration.
type Config struct {
	PollInterval   time.Duration
	QueryPolicy    retry.Policy // MaxAttempts is the consecutive query failure budget
	PreemptRetries int          // preemptions tolerated before Terminal(Preempted)
	QueryTimeout   time.Duration
	Clock          Clock
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		QueryPolicy:    retry.QueryPolicy(),
		PreemptRetries: 2,
		QueryTimeout:   90 * time.Second,
	}
}

// Machine owns one SessionDescriptor and is its only writer.
type Machine struct {
	sched     Scheduler
	channels  ChannelOpener
	guarantor *cleanup.Guarantor
	store     store.Store
	cfg       Config
	clock     Clock
	logger    *slog.Logger

	ctx    context.Context // cancelled once Terminal
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once

	mu          sync.Mutex
	desc        *model.SessionDescriptor
	ch          channel.Channel
	runToken    int // bumped on every entry into Running
	runGen      int // scheduler start generation of the current Running stint
	preemptGen  int // highest preemption generation already counted
	suspendGen  int // highest suspend episode already counted
	querySeq    uint64
	appliedSeq  uint64
	timerArmed  bool
	submitErr   error
	submitting  bool
	closeReq    *closeRequest // close that arrived while the submit was in flight
}

type closeRequest struct {
	reason model.TerminationReason
	detail string
}

// NewMachine creates a machine in Pending for req.
func NewMachine(req model.SessionRequest, sched Scheduler, channels ChannelOpener, g *cleanup.Guarantor, st store.Store, cfg Config, logger *slog.Logger) *Machine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := "ses_" + uuid.New().String()
	return &Machine{
		sched:     sched,
		channels:  channels,
		guarantor: g,
		store:     st,
		cfg:       cfg,
		clock:     clock,
		logger:    logger.With("component", "lifecycle", "session_id", id),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		desc: &model.SessionDescriptor{
			ID:        id,
			Request:   req,
			State:     model.SessionStatePending,
			CreatedAt: clock.Now().UTC(),
		},
	}
}

// ID returns the local session id.
func (m *Machine) ID() string {
	return m.desc.ID
}

// Descriptor returns a snapshot of the session.
func (m *Machine) Descriptor() *model.SessionDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desc.Clone()
}

// Done is closed when the session reaches Terminal.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Submit moves Pending to Submitted with a single scheduler call. The removal
// obligation is recorded before Submit returns. A failed submit is terminal
// and is not retried.
func (m *Machine) Submit(ctx context.Context) error {
	m.mu.Lock()
	if m.desc.State != model.SessionStatePending {
		state := m.desc.State
		m.mu.Unlock()
		return fmt.Errorf("submit: session %s is %s", m.desc.ID, state)
	}
	req := m.desc.Request
	m.submitting = true
	m.persistLocked()
	m.mu.Unlock()

	requestID, err := m.sched.Submit(ctx, req)
	if err != nil {
		m.logger.Error("submit failed", "error", err)
		m.mu.Lock()
		m.submitting = false
		m.submitErr = err
		m.desc.Detail = err.Error()
		m.desc.TerminationReason = model.ReasonSchedulerError
		m.finishLocked()
		m.mu.Unlock()
		return err
	}

	if rerr := m.guarantor.Record(ctx, requestID, m.desc.ID); rerr != nil {
		m.logger.Warn("removal marker not durable", "request_id", requestID, "error", rerr)
	}

	m.mu.Lock()
	m.submitting = false
	m.desc.RequestID = requestID
	m.logger = m.logger.With("request_id", requestID)
	var f followUp
	if err := m.transitionLocked(model.SessionStateSubmitted); err != nil {
		// The job exists; whatever went wrong locally, it must still be removed.
		m.logger.Error("submitted request not tracked", "error", err)
		m.desc.TerminationReason = model.ReasonSchedulerError
		m.desc.Detail = err.Error()
		f = followUp{closing: true}
	} else if cr := m.closeReq; cr != nil {
		m.logger.Info("closed during submit", "reason", cr.reason)
		f = m.beginCloseLocked(cr.reason, cr.detail, false)
	}
	m.closeReq = nil
	m.persistLocked()
	m.mu.Unlock()
	m.follow(f)
	return nil
}

// SubmitErr returns the error of a failed Submit, if any.
func (m *Machine) SubmitErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitErr
}

// Start launches the poll loop. It returns immediately; Done reports the end.
func (m *Machine) Start() {
	m.startOnce.Do(func() {
		go m.pollLoop()
	})
}

// Run submits, polls and blocks until the session is Terminal. Cancelling
// ctx is a user interrupt: the session is closed with UserClosed. Only a
// failed submit is returned as an error; every other outcome is in the
// descriptor's TerminationReason.
func (m *Machine) Run(ctx context.Context) (*model.SessionDescriptor, error) {
	// The submit itself is not interrupted: a job might exist without us
	// learning its id.
	if err := m.Submit(context.WithoutCancel(ctx)); err != nil {
		return m.Descriptor(), err
	}
	m.Start()

	select {
	case <-m.done:
	case <-ctx.Done():
		m.logger.Info("interrupted")
		m.Close(model.ReasonUserClosed)
		<-m.done
	}
	return m.Descriptor(), nil
}

// Tick performs one synchronous poll and applies the result.
func (m *Machine) Tick(ctx context.Context) error {
	m.mu.Lock()
	if m.desc.State == model.SessionStatePending {
		m.mu.Unlock()
		return errors.New("tick: session not submitted")
	}
	if m.closedLocked() {
		m.mu.Unlock()
		return nil
	}
	m.querySeq++
	seq := m.querySeq
	requestID := m.desc.RequestID
	m.mu.Unlock()

	obs, err := m.sched.Query(ctx, requestID)
	m.applyQuery(seq, obs, err)
	return nil
}

// Close forces the session to Closing and then Terminal with reason. It is a
// no-op once the session is Closing or Terminal.
func (m *Machine) Close(reason model.TerminationReason) {
	m.closeWith(reason, "")
}

func (m *Machine) closeWith(reason model.TerminationReason, detail string) {
	m.mu.Lock()
	f := m.beginCloseLocked(reason, detail, false)
	m.mu.Unlock()
	m.follow(f)
}

func (m *Machine) pollLoop() {
	delay := time.Duration(0)
	for {
		select {
		case <-m.done:
			return
		case <-m.clock.After(delay):
		}

		m.mu.Lock()
		if m.closedLocked() {
			m.mu.Unlock()
			return
		}
		m.querySeq++
		seq := m.querySeq
		requestID := m.desc.RequestID
		m.mu.Unlock()

		// In-flight queries are never cancelled; a late answer is discarded.
		qctx, cancel := context.WithTimeout(context.Background(), m.cfg.QueryTimeout)
		obs, err := m.sched.Query(qctx, requestID)
		cancel()
		m.applyQuery(seq, obs, err)

		m.mu.Lock()
		failures := m.desc.QueryFailures
		m.mu.Unlock()
		if failures > 0 {
			delay = m.cfg.QueryPolicy.Delay(failures - 1)
		} else {
			delay = m.cfg.PollInterval
		}
	}
}

// followUp is work decided under the lock and performed after releasing it.
type followUp struct {
	closeChs []channel.Channel
	open     bool
	target   channel.Target
	token    int
	closing  bool // run removal (or confirmation) then finish
	gone     bool // scheduler no longer has the request; confirm instead of remove
	armTime  time.Duration
}

func (m *Machine) applyQuery(seq uint64, obs model.ObservedState, err error) {
	m.mu.Lock()
	if m.closedLocked() || seq <= m.appliedSeq {
		m.mu.Unlock()
		m.logger.Debug("discarding stale query result", "seq", seq)
		return
	}
	m.appliedSeq = seq

	var f followUp
	if err != nil {
		f = m.queryFailedLocked(err)
	} else {
		f = m.observeLocked(obs)
	}
	if !f.closing {
		if lf := m.checkTimeLimitLocked(); lf.closing {
			f = mergeFollowUp(f, lf)
		}
	}
	m.mu.Unlock()
	m.follow(f)
}

func (m *Machine) queryFailedLocked(err error) followUp {
	m.desc.QueryFailures++
	n := m.desc.QueryFailures
	m.logger.Warn("query failed", "failures", n, "error", err)
	if m.cfg.QueryPolicy.Exhausted(n) {
		m.logger.Error("query retries exhausted", "failures", n)
		return m.beginCloseLocked(model.ReasonSchedulerError,
			fmt.Sprintf("scheduler unreachable after %d queries: %v", n, err), false)
	}
	m.persistLocked()
	return followUp{}
}

func (m *Machine) observeLocked(obs model.ObservedState) followUp {
	now := m.clock.Now().UTC()
	m.desc.LastObservedAt = &now
	m.desc.QueryFailures = 0

	state := m.desc.State
	switch obs.Kind {
	case model.ObservedIdle, model.ObservedQueued:
		if state == model.SessionStateSubmitted || state == model.SessionStatePreempted {
			_ = m.transitionLocked(model.SessionStateQueued)
		}
		m.persistLocked()
		return followUp{}

	case model.ObservedRunning:
		if state == model.SessionStateRunning {
			if obs.Generation > m.runGen && m.runGen > 0 {
				// Evicted and restarted between two polls.
				f := m.preemptLocked(m.runGen)
				if f.closing {
					return f
				}
				return mergeFollowUp(f, m.enterRunningLocked(obs))
			}
			if obs.Endpoint.Address != m.desc.ExecutionEndpoint.Address {
				m.logger.Warn("endpoint changed while running", "old", m.desc.ExecutionEndpoint.Address, "new", obs.Endpoint.Address)
				f := m.leaveRunningLocked(model.SessionStateRunning)
				return mergeFollowUp(f, m.enterRunningLocked(obs))
			}
			m.persistLocked()
			return followUp{}
		}
		return m.enterRunningLocked(obs)

	case model.ObservedPreempted:
		if obs.Suspension > 0 {
			if obs.Suspension <= m.suspendGen {
				m.persistLocked()
				return followUp{}
			}
			m.suspendGen = obs.Suspension
			if state != model.SessionStateRunning {
				m.persistLocked()
				return followUp{}
			}
			// Suspension keeps the start generation; evictions stay countable.
			return m.preemptLocked(m.preemptGen)
		}
		gen := obs.Generation
		if gen == 0 && state == model.SessionStateRunning {
			gen = m.preemptGen + 1
		}
		if gen <= m.preemptGen {
			m.persistLocked()
			return followUp{}
		}
		return m.preemptLocked(gen)

	case model.ObservedHeld:
		m.logger.Warn("request held by scheduler", "reason", obs.Detail)
		return m.beginCloseLocked(model.ReasonSchedulerError, "held: "+obs.Detail, false)

	case model.ObservedGone:
		m.logger.Info("request left the queue")
		return m.beginCloseLocked(model.ReasonRemoved, obs.Detail, true)
	}

	return m.beginCloseLocked(model.ReasonSchedulerError, fmt.Sprintf("unmapped observation %q", obs.Kind), false)
}

func (m *Machine) enterRunningLocked(obs model.ObservedState) followUp {
	if obs.Endpoint.IsZero() {
		return followUp{}
	}
	if err := m.transitionLocked(model.SessionStateRunning); err != nil {
		m.logger.Error("cannot enter running", "error", err)
		return followUp{}
	}
	m.desc.ExecutionEndpoint = obs.Endpoint
	m.runGen = obs.Generation
	m.runToken++
	now := m.clock.Now().UTC()
	if m.desc.RunningSince == nil {
		m.desc.RunningSince = &now
	}
	m.persistLocked()
	m.logger.Info("session running", "endpoint", obs.Endpoint.String(), "slot", obs.Endpoint.Slot)

	f := followUp{
		open:   true,
		target: channel.Target{RequestID: m.desc.RequestID, Endpoint: obs.Endpoint},
		token:  m.runToken,
	}
	if limit := m.desc.Request.TimeLimit; limit > 0 && !m.timerArmed {
		m.timerArmed = true
		f.armTime = limit - now.Sub(*m.desc.RunningSince)
	}
	return f
}

// leaveRunningLocked clears the endpoint and detaches the channel.
func (m *Machine) leaveRunningLocked(next model.SessionState) followUp {
	var f followUp
	if m.ch != nil {
		f.closeChs = append(f.closeChs, m.ch)
		m.ch = nil
	}
	m.desc.ExecutionEndpoint = model.Endpoint{}
	m.runToken++
	_ = m.transitionLocked(next)
	return f
}

func (m *Machine) preemptLocked(gen int) followUp {
	m.preemptGen = gen
	m.desc.Preemptions++
	m.logger.Warn("session preempted", "preemptions", m.desc.Preemptions, "generation", gen)

	f := m.leaveRunningLocked(model.SessionStatePreempted)
	if m.desc.Preemptions > m.cfg.PreemptRetries {
		return mergeFollowUp(f, m.beginCloseLocked(model.ReasonPreempted,
			fmt.Sprintf("preempted %d times", m.desc.Preemptions), false))
	}
	// The scheduler requeues the same request; the id is unchanged.
	_ = m.transitionLocked(model.SessionStateQueued)
	m.persistLocked()
	return f
}

// checkTimeLimitLocked enforces the time limit from the poll loop. The limit
// counts from the first entry into Running; a session never matched is
// bounded by the same limit counted from its creation.
func (m *Machine) checkTimeLimitLocked() followUp {
	limit := m.desc.Request.TimeLimit
	if limit <= 0 || !m.desc.State.IsActive() {
		return followUp{}
	}
	now := m.clock.Now()
	if m.desc.RunningSince == nil {
		if now.Sub(m.desc.CreatedAt) < limit {
			return followUp{}
		}
		m.logger.Info("no slot within time limit", "limit", limit.String())
		return m.beginCloseLocked(model.ReasonTimeout, "no slot within time limit "+limit.String(), false)
	}
	if now.Sub(*m.desc.RunningSince) < limit {
		return followUp{}
	}
	m.logger.Info("time limit reached", "limit", limit.String())
	return m.beginCloseLocked(model.ReasonTimeout, "time limit "+limit.String()+" reached", false)
}

func (m *Machine) onTimeLimit() {
	m.mu.Lock()
	if m.closedLocked() {
		m.mu.Unlock()
		return
	}
	limit := m.desc.Request.TimeLimit
	m.logger.Info("time limit reached", "limit", limit.String())
	f := m.beginCloseLocked(model.ReasonTimeout, "time limit "+limit.String()+" reached", false)
	m.mu.Unlock()
	m.follow(f)
}

func (m *Machine) onChannelClosed(ch channel.Channel, c channel.Closed) {
	m.mu.Lock()
	if m.ch != ch || m.closedLocked() {
		m.mu.Unlock()
		return
	}
	m.ch = nil
	var f followUp
	switch c.Reason {
	case channel.ClosedExited:
		m.logger.Info("channel closed by remote side", "exit_code", c.ExitCode)
		f = m.beginCloseLocked(model.ReasonUserClosed, "", false)
	case channel.ClosedDropped:
		detail := fmt.Sprintf("connection lost after %d reconnects", c.Reconnects)
		f = m.beginCloseLocked(model.ReasonChannelUnreachable, detail, false)
	default:
		// Closed locally; whoever closed it owns the transition.
	}
	m.mu.Unlock()
	m.follow(f)
}

// beginCloseLocked moves an active session to Closing. It returns an empty
// followUp when the session is already Closing or Terminal.
func (m *Machine) beginCloseLocked(reason model.TerminationReason, detail string, gone bool) followUp {
	if m.closedLocked() {
		return followUp{}
	}
	if m.desc.State == model.SessionStatePending && m.submitting {
		// The scheduler may be creating a job right now. Submit closes the
		// session, removal included, once it knows the id.
		if m.closeReq == nil {
			m.closeReq = &closeRequest{reason: reason, detail: detail}
		}
		return followUp{}
	}

	m.desc.TerminationReason = reason
	if detail != "" {
		m.desc.Detail = detail
	}

	if m.desc.State == model.SessionStatePending {
		m.finishLocked()
		return followUp{}
	}

	f := followUp{closing: true, gone: gone}
	if m.ch != nil {
		f.closeChs = append(f.closeChs, m.ch)
		m.ch = nil
	}
	m.desc.ExecutionEndpoint = model.Endpoint{}
	m.runToken++
	_ = m.transitionLocked(model.SessionStateClosing)
	m.persistLocked()
	m.logger.Info("session closing", "reason", reason)
	return f
}

// follow performs the side effects decided under the lock.
func (m *Machine) follow(f followUp) {
	for _, ch := range f.closeChs {
		ch.Close()
	}
	if f.armTime > 0 && !f.closing {
		m.armTimer(f.armTime)
	}
	if f.open && !f.closing {
		m.openChannel(f.target, f.token)
	}
	if !f.closing {
		return
	}

	m.mu.Lock()
	requestID := m.desc.RequestID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.QueryTimeout)
	if f.gone {
		m.guarantor.Confirm(ctx, requestID)
	} else if err := m.guarantor.Release(ctx, requestID); err != nil {
		m.logger.Warn("removal pending", "error", err)
	}
	cancel()

	m.mu.Lock()
	m.finishLocked()
	m.mu.Unlock()
}

func (m *Machine) armTimer(d time.Duration) {
	expired := m.clock.After(d)
	go func() {
		select {
		case <-m.done:
		case <-expired:
			m.onTimeLimit()
		}
	}()
}

func (m *Machine) openChannel(target channel.Target, token int) {
	if m.channels == nil {
		return
	}
	m.mu.Lock()
	kind := m.desc.Request.Transport
	m.mu.Unlock()

	ch, err := m.channels.Open(m.ctx, kind, target)

	m.mu.Lock()
	if token != m.runToken || m.desc.State != model.SessionStateRunning {
		m.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return
	}
	if err != nil {
		m.logger.Error("channel unreachable", "endpoint", target.Endpoint.String(), "error", err)
		f := m.beginCloseLocked(model.ReasonChannelUnreachable, err.Error(), false)
		m.mu.Unlock()
		m.follow(f)
		return
	}
	m.ch = ch
	m.mu.Unlock()

	go func() {
		select {
		case <-ch.Done():
			m.onChannelClosed(ch, ch.Wait())
		case <-m.done:
		}
	}()
}

func (m *Machine) finishLocked() {
	if m.desc.State.IsTerminal() {
		return
	}
	_ = m.transitionLocked(model.SessionStateTerminal)
	m.desc.ExecutionEndpoint = model.Endpoint{}
	now := m.clock.Now().UTC()
	m.desc.ClosedAt = &now
	m.persistLocked()
	m.logger.Info("session terminal", "reason", m.desc.TerminationReason)
	m.cancel()
	close(m.done)
}

func (m *Machine) closedLocked() bool {
	return m.desc.State == model.SessionStateClosing || m.desc.State.IsTerminal()
}

func (m *Machine) transitionLocked(next model.SessionState) error {
	cur := m.desc.State
	if cur == next {
		return nil
	}
	if !cur.CanTransitionTo(next) {
		return &model.InvalidTransitionError{ID: m.desc.ID, From: cur, To: next}
	}
	m.desc.State = next
	m.logger.Debug("transition", "from", cur, "to", next)
	return nil
}

func (m *Machine) persistLocked() {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.PutSession(ctx, m.desc); err != nil {
		m.logger.Error("persist session", "error", err)
	}
}

func mergeFollowUp(a, b followUp) followUp {
	a.closeChs = append(a.closeChs, b.closeChs...)
	if b.open {
		a.open, a.target, a.token = true, b.target, b.token
	}
	if b.armTime != 0 {
		a.armTime = b.armTime
	}
	a.closing = a.closing || b.closing
	a.gone = a.gone || b.gone
	return a
}
