package providerhost

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// sweepInterval is how often the tracker checks for expired calls. The sweep
// runs on this fixed period only; a call whose deadline falls between sweeps
// is resolved with Timeout at the first sweep at or after its deadline.
const sweepInterval = time.Second

// CallOutcome is the terminal result of one tracked call.
type CallOutcome struct {
	Data json.RawMessage
	Err  error
}

// call is one pending entry in the tracker.
type call struct {
	provider string
	tool     string
	deadline time.Time
	done     chan CallOutcome
	resolved bool
}

// CallTracker correlates in-flight tool calls with their eventual responses
// by an opaque call ID, and enforces per-call deadlines. It is grounded on
// the request-ID-to-channel map pattern used for child-process RPC
// correlation, generalized to a shared, timer-swept table.
type CallTracker struct {
	clock clockwork.Clock

	mu      sync.Mutex
	pending map[string]*call

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCallTracker creates a tracker driven by clock and starts its background
// expiry sweep. clock may be a clockwork.NewFakeClock() in tests.
func NewCallTracker(clock clockwork.Clock) *CallTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := &CallTracker{
		clock:   clock,
		pending: make(map[string]*call),
		stopCh:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// Close stops the background sweep goroutine. It does not resolve any
// pending calls; callers are expected to call AbortAll beforehand if they
// want pending calls to observe a terminal outcome.
func (t *CallTracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

// Begin creates a pending call for provider/tool with the given deadline and
// returns its ID and a channel that receives exactly one CallOutcome.
func (t *CallTracker) Begin(provider, tool string, deadline time.Time) (string, <-chan CallOutcome) {
	id := uuid.NewString()
	c := &call{
		provider: provider,
		tool:     tool,
		deadline: deadline,
		done:     make(chan CallOutcome, 1),
	}
	t.mu.Lock()
	t.pending[id] = c
	t.mu.Unlock()
	return id, c.done
}

// Complete resolves the call identified by id with outcome, if it is still
// pending. A response for an unknown or already-resolved ID is reported back
// to the caller as "stale" so the caller (the Provider Manager) can log and
// discard it rather than double-resolve.
func (t *CallTracker) Complete(id string, outcome CallOutcome) (stale bool) {
	t.mu.Lock()
	c, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return true
	}
	c.done <- outcome
	return false
}

// AbortProvider fails every pending call owned by provider with reason,
// removing them from the tracker.
func (t *CallTracker) AbortProvider(provider string, kind ErrorKind, reason string) {
	t.abortMatching(reason, kind, func(c *call) bool { return c.provider == provider })
}

// AbortAll fails every pending call, used for host-wide shutdown.
func (t *CallTracker) AbortAll(kind ErrorKind, reason string) {
	t.abortMatching(reason, kind, func(*call) bool { return true })
}

func (t *CallTracker) abortMatching(reason string, kind ErrorKind, match func(*call) bool) {
	t.mu.Lock()
	victims := make([]*call, 0)
	for id, c := range t.pending {
		if match(c) {
			victims = append(victims, c)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, c := range victims {
		c.done <- CallOutcome{Err: NewCallError(kind, reason, nil)}
	}
}

func (t *CallTracker) sweepLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.clock.After(sweepInterval):
			t.sweepExpired()
		}
	}
}

func (t *CallTracker) sweepExpired() {
	now := t.clock.Now()
	t.mu.Lock()
	expired := make([]*call, 0)
	for id, c := range t.pending {
		if !now.Before(c.deadline) {
			expired = append(expired, c)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, c := range expired {
		c.done <- CallOutcome{Err: NewCallError(Timeout, "call deadline exceeded", nil)}
	}
}

// Await blocks on done until it resolves or ctx is cancelled, translating a
// context cancellation into a HostShutdown outcome.
func Await(ctx context.Context, done <-chan CallOutcome) CallOutcome {
	select {
	case outcome := <-done:
		return outcome
	case <-ctx.Done():
		return CallOutcome{Err: NewCallError(HostShutdown, "call cancelled", ctx.Err())}
	}
}
