package pool

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/execpool/internal/model"
)

func TestExecutionQueueFIFO(t *testing.T) {
	q := newExecutionQueue()
	assert.Nil(t, q.pop())

	for i := 1; i <= 3; i++ {
		pos := q.push(&model.Execution{ID: fmt.Sprintf("e%d", i)})
		assert.Equal(t, i, pos)
	}
	assert.Equal(t, 3, q.depth())

	assert.Equal(t, "e1", q.pop().ID)
	assert.Equal(t, "e2", q.pop().ID)
	assert.Equal(t, "e3", q.pop().ID)
	assert.Nil(t, q.pop())
}

func TestExecutionQueueRemove(t *testing.T) {
	q := newExecutionQueue()
	q.push(&model.Execution{ID: "e1"})
	q.push(&model.Execution{ID: "e2"})
	q.push(&model.Execution{ID: "e3"})

	assert.True(t, q.remove("e2"))
	assert.False(t, q.remove("e2"), "remove is idempotent")
	assert.False(t, q.remove("never-queued"))

	assert.Equal(t, "e1", q.pop().ID)
	assert.Equal(t, "e3", q.pop().ID)
	assert.Equal(t, 0, q.depth())
}

func TestExecutionQueueSnapshotPositions(t *testing.T) {
	q := newExecutionQueue()
	q.push(&model.Execution{ID: "e1"})
	q.push(&model.Execution{ID: "e2"})

	snap := q.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "e1", snap[0].ExecutionID)
	assert.Equal(t, 1, snap[0].Position)
	assert.Equal(t, "e2", snap[1].ExecutionID)
	assert.Equal(t, 2, snap[1].Position)
	assert.False(t, snap[0].EnqueuedAt.IsZero())
}

func TestExecutionQueueDrain(t *testing.T) {
	q := newExecutionQueue()
	q.push(&model.Execution{ID: "e1"})
	q.push(&model.Execution{ID: "e2"})

	drained := q.drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "e1", drained[0].ID)
	assert.Equal(t, 0, q.depth())
	assert.False(t, q.remove("e1"))
}

func TestCompletionHubDeliversOnce(t *testing.T) {
	hub := newCompletionHub()

	ch := hub.wait("e1")
	hub.fulfill(&model.ExecutionResult{ExecutionID: "e1", Outcome: model.OutcomeCompleted})
	result := <-ch
	assert.Equal(t, model.OutcomeCompleted, result.Outcome)

	// A second fulfill for the same execution is dropped.
	late := hub.wait("e1")
	hub.fulfill(&model.ExecutionResult{ExecutionID: "e1", Outcome: model.OutcomeCrashed})
	select {
	case extra := <-late:
		t.Fatalf("duplicate result delivered: %+v", extra)
	default:
	}
}

func TestCompletionHubWaitAfterFulfill(t *testing.T) {
	hub := newCompletionHub()
	hub.fulfill(&model.ExecutionResult{ExecutionID: "e1", Outcome: model.OutcomeCanceled})

	result := <-hub.wait("e1")
	assert.Equal(t, model.OutcomeCanceled, result.Outcome)
}

func TestCompletionHubEvictsAgedEntries(t *testing.T) {
	hub := newCompletionHub()
	hub.retention = 5 * time.Millisecond

	// An unclaimed result must not pin hub memory forever.
	hub.fulfill(&model.ExecutionResult{ExecutionID: "e1", Outcome: model.OutcomeCompleted})
	time.Sleep(20 * time.Millisecond)
	hub.fulfill(&model.ExecutionResult{ExecutionID: "e2", Outcome: model.OutcomeCompleted})

	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.NotContains(t, hub.results, "e1")
	assert.NotContains(t, hub.fulfilledAt, "e1")
	assert.Contains(t, hub.results, "e2")
}
