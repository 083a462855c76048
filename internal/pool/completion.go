package pool

import (
	"sync"
	"time"

	"github.com/t77yq/execpool/internal/model"
)

// hubRetention bounds how long delivered and unclaimed results are kept.
// Within the window a duplicate fulfill for the same execution is dropped;
// after it, the entry is evicted so the hub cannot grow without bound in a
// long-lived supervisor.
const hubRetention = time.Hour

// completionHub delivers terminal execution results to interested callers.
// It has its own lock, deliberately decoupled from the pool's, so a slow
// consumer can never block dispatch.
type completionHub struct {
	mu          sync.Mutex
	retention   time.Duration
	lastSweep   time.Time
	waiters     map[string][]chan *model.ExecutionResult
	results     map[string]*model.ExecutionResult
	fulfilledAt map[string]time.Time
}

func newCompletionHub() *completionHub {
	return &completionHub{
		retention:   hubRetention,
		lastSweep:   time.Now(),
		waiters:     make(map[string][]chan *model.ExecutionResult),
		results:     make(map[string]*model.ExecutionResult),
		fulfilledAt: make(map[string]time.Time),
	}
}

// wait returns a channel that receives the execution's terminal result.
// The channel is buffered; the hub never blocks on delivery. A result
// fulfilled before wait was called is delivered immediately.
func (h *completionHub) wait(executionID string) <-chan *model.ExecutionResult {
	ch := make(chan *model.ExecutionResult, 1)

	h.mu.Lock()
	defer h.mu.Unlock()

	if result, ok := h.results[executionID]; ok {
		delete(h.results, executionID)
		ch <- result
		return ch
	}
	h.waiters[executionID] = append(h.waiters[executionID], ch)
	return ch
}

// fulfill publishes the terminal result for an execution exactly once
// within the retention window. Later calls for the same id are dropped.
func (h *completionHub) fulfill(result *model.ExecutionResult) {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sweepLocked(now)

	if _, done := h.fulfilledAt[result.ExecutionID]; done {
		return
	}
	h.fulfilledAt[result.ExecutionID] = now

	waiters, ok := h.waiters[result.ExecutionID]
	if !ok {
		h.results[result.ExecutionID] = result
		return
	}
	delete(h.waiters, result.ExecutionID)
	for _, ch := range waiters {
		ch <- result
	}
}

// sweepLocked evicts entries older than the retention window. Runs at most
// once per window, so fulfill stays amortized O(1).
func (h *completionHub) sweepLocked(now time.Time) {
	if now.Sub(h.lastSweep) < h.retention {
		return
	}
	h.lastSweep = now

	for id, at := range h.fulfilledAt {
		if now.Sub(at) > h.retention {
			delete(h.fulfilledAt, id)
			delete(h.results, id)
		}
	}
}
