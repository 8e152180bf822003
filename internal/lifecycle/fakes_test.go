package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/me/clusterui/internal/channel"
	"github.com/me/clusterui/internal/cleanup"
	"github.com/me/clusterui/internal/retry"
	"github.com/me/clusterui/internal/store"
	"github.com/me/clusterui/pkg/model"
)

type queryResult struct {
	obs model.ObservedState
	err error
}

// fakeScheduler replays scripted query results; the last one repeats.
type fakeScheduler struct {
	mu        sync.Mutex
	submitID  string
	submitErr error
	results   []queryResult
	queries   int
	removes   map[string]int
	removeErr error
	block     chan struct{} // when set, Query waits on it

	submitEntered chan struct{} // when set, receives once Submit is called
	submitGate    chan struct{} // when set, Submit waits on it
}

func newFakeScheduler(id string, results ...queryResult) *fakeScheduler {
	return &fakeScheduler{submitID: id, results: results, removes: make(map[string]int)}
}

func (f *fakeScheduler) Submit(context.Context, model.SessionRequest) (string, error) {
	if f.submitEntered != nil {
		f.submitEntered <- struct{}{}
	}
	if f.submitGate != nil {
		<-f.submitGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeScheduler) Query(_ context.Context, requestID string) (model.ObservedState, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if requestID != f.submitID {
		return model.ObservedState{}, errors.New("unexpected request id " + requestID)
	}
	f.queries++
	if len(f.results) == 0 {
		return model.ObservedState{Kind: model.ObservedQueued}, nil
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r.obs, r.err
}

func (f *fakeScheduler) Remove(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes[requestID]++
	return f.removeErr
}

func (f *fakeScheduler) removeCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removes[id]
}

// gateSubmit makes the next Submit block until the returned func is called.
func (f *fakeScheduler) gateSubmit() (entered <-chan struct{}, release func()) {
	in := make(chan struct{}, 1)
	gate := make(chan struct{})
	f.submitEntered = in
	f.submitGate = gate
	return in, func() { close(gate) }
}

func (f *fakeScheduler) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// fakeChannel ends when the test calls end or the machine calls Close.
type fakeChannel struct {
	target channel.Target
	done   chan struct{}
	once   sync.Once
	result channel.Closed
}

func (c *fakeChannel) Wait() channel.Closed  { <-c.done; return c.result }
func (c *fakeChannel) Done() <-chan struct{} { return c.done }
func (c *fakeChannel) Close()                { c.end(channel.Closed{Reason: channel.ClosedInterrupted}) }

func (c *fakeChannel) end(r channel.Closed) {
	c.once.Do(func() {
		c.result = r
		close(c.done)
	})
}

func (c *fakeChannel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeOpener struct {
	mu       sync.Mutex
	channels []*fakeChannel
	openErr  error
	opened   chan *fakeChannel
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opened: make(chan *fakeChannel, 16)}
}

func (o *fakeOpener) Open(_ context.Context, _ model.TransportKind, t channel.Target) (channel.Channel, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	c := &fakeChannel{target: t, done: make(chan struct{})}
	o.mu.Lock()
	o.channels = append(o.channels, c)
	o.mu.Unlock()
	o.opened <- c
	return c, nil
}

func (o *fakeOpener) last() *fakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.channels) == 0 {
		return nil
	}
	return o.channels[len(o.channels)-1]
}

// manualClock only moves when Advance is called.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []clockWaiter
}

type clockWaiter struct {
	at time.Time
	ch chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, clockWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		PollInterval:   time.Millisecond,
		QueryPolicy:    retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2},
		PreemptRetries: 1,
		QueryTimeout:   time.Second,
	}
}

type harness struct {
	sched     *fakeScheduler
	opener    *fakeOpener
	store     store.Store
	guarantor *cleanup.Guarantor
	cfg       Config
}

func newHarness(t *testing.T, sched *fakeScheduler) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	gcfg := cleanup.Config{
		Policy:    retry.Policy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		WarnAfter: time.Hour,
	}
	g := cleanup.New(sched, st, gcfg, testLogger())
	t.Cleanup(g.Stop)
	return &harness{sched: sched, opener: newFakeOpener(), store: st, guarantor: g, cfg: testConfig()}
}

func (h *harness) machine(req model.SessionRequest) *Machine {
	return NewMachine(req, h.sched, h.opener, h.guarantor, h.store, h.cfg, testLogger())
}

func testRequest() model.SessionRequest {
	return model.SessionRequest{
		Profile:   model.ResourceProfile{Name: "default", CPUs: 1, MemoryMB: 2048},
		Transport: model.TransportTerminal,
	}
}

func queued() queryResult { return queryResult{obs: model.ObservedState{Kind: model.ObservedQueued}} }

func running(addr string, gen int) queryResult {
	return queryResult{obs: model.ObservedState{
		Kind:       model.ObservedRunning,
		Endpoint:   model.Endpoint{Address: addr},
		Generation: gen,
	}}
}

func preempted(gen int) queryResult {
	return queryResult{obs: model.ObservedState{Kind: model.ObservedPreempted, Generation: gen}}
}

func unavailable() queryResult {
	return queryResult{err: model.ErrSchedulerUnavailable}
}

func waitDone(t *testing.T, m *Machine) *model.SessionDescriptor {
	t.Helper()
	select {
	case <-m.Done():
		return m.Descriptor()
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not reach Terminal; state %s", m.Descriptor().State)
		return nil
	}
}

func mustTick(t *testing.T, m *Machine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := m.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
}
