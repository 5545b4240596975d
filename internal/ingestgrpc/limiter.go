package ingestgrpc

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxInflightPerClient bounds concurrent in-flight RPCs per machine
// (§4.7's backpressure requirement); a machine that exceeds it gets a
// transient ResourceExhausted rather than piling up unbounded goroutines
// during a reconnect storm or a buggy agent.
const DefaultMaxInflightPerClient = 8

// clientLimiter hands out a per-machine weighted semaphore, created lazily
// on first use and kept for the life of the process. Semaphores for
// machines with no in-flight work are cheap to keep around (an int64 and a
// mutex), so there is no eviction.
type clientLimiter struct {
	max int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newClientLimiter(max int64) *clientLimiter {
	if max <= 0 {
		max = DefaultMaxInflightPerClient
	}
	return &clientLimiter{max: max, sems: make(map[string]*semaphore.Weighted)}
}

// acquire takes one of machineID's inflight slots. ok is false when the
// machine is already at its cap; the caller should surface ResourceExhausted
// and let the agent retry. release must be called exactly once on success.
func (l *clientLimiter) acquire(machineID string) (release func(), ok bool) {
	l.mu.Lock()
	sem, found := l.sems[machineID]
	if !found {
		sem = semaphore.NewWeighted(l.max)
		l.sems[machineID] = sem
	}
	l.mu.Unlock()

	if !sem.TryAcquire(1) {
		return nil, false
	}
	return func() { sem.Release(1) }, true
}
