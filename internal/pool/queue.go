package pool

import (
	"time"

	"github.com/t77yq/execpool/internal/model"
)

// queueItem is one pending execution. Position is derived from queue order
// at read time, never stored.
type queueItem struct {
	exec       *model.Execution
	enqueuedAt time.Time
}

// executionQueue is a FIFO of pending executions for one pool. It is not
// safe for concurrent use on its own; the owning pool serializes access
// under its lock.
type executionQueue struct {
	items []*queueItem
	byID  map[string]*queueItem
}

func newExecutionQueue() *executionQueue {
	return &executionQueue{
		byID: make(map[string]*queueItem),
	}
}

// push appends an execution and returns its one-based position; the item
// at position 1 is dispatched next.
func (q *executionQueue) push(exec *model.Execution) int {
	item := &queueItem{exec: exec, enqueuedAt: time.Now()}
	q.items = append(q.items, item)
	q.byID[exec.ID] = item
	return len(q.items)
}

// pop removes and returns the longest-waiting execution, or nil when empty.
func (q *executionQueue) pop() *model.Execution {
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	delete(q.byID, item.exec.ID)
	return item.exec
}

// remove takes an execution out of the queue by id. It is idempotent and
// returns false when the id is no longer queued, which includes losing the
// race against a dispatch.
func (q *executionQueue) remove(executionID string) bool {
	if _, ok := q.byID[executionID]; !ok {
		return false
	}
	delete(q.byID, executionID)
	for i, item := range q.items {
		if item.exec.ID == executionID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return true
}

func (q *executionQueue) depth() int {
	return len(q.items)
}

// snapshot returns the ordered queue contents for observability reads.
func (q *executionQueue) snapshot() []*model.QueuedExecution {
	out := make([]*model.QueuedExecution, 0, len(q.items))
	for i, item := range q.items {
		out = append(out, &model.QueuedExecution{
			ExecutionID: item.exec.ID,
			Position:    i + 1,
			EnqueuedAt:  item.enqueuedAt,
		})
	}
	return out
}

// drain empties the queue and returns everything that was pending.
func (q *executionQueue) drain() []*model.Execution {
	out := make([]*model.Execution, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item.exec)
	}
	q.items = nil
	q.byID = make(map[string]*queueItem)
	return out
}
