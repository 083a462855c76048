package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
	"github.com/t77yq/execpool/internal/pool"
	"github.com/t77yq/execpool/internal/testutil"
)

type nullLauncher struct{}

func (nullLauncher) Launch(ctx context.Context, spec pool.LaunchSpec) (pool.Handle, error) {
	return nullHandle{}, nil
}

type nullHandle struct{}

func (nullHandle) PID() int { return 1 }

func (nullHandle) Dispatch(ctx context.Context, e *model.Execution) error { return nil }

func (nullHandle) Kill() error { return nil }

type recordedResults struct {
	mu      sync.Mutex
	results []*model.ExecutionResult
}

func (r *recordedResults) RecordResult(ctx context.Context, result *model.ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

func (r *recordedResults) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func TestRouterRoutesHeartbeatsAndResults(t *testing.T) {
	_, nc, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	registry := pool.NewRegistry()
	p := pool.New(model.PoolConfig{
		ID:                "pool-1",
		MinWorkers:        1,
		MaxWorkers:        1,
		StartupTimeout:    time.Second,
		HeartbeatInterval: time.Second,
		HeartbeatMisses:   3,
		MaxSpawnAttempts:  3,
	}, nullLauncher{}, zap.NewNop())
	require.NoError(t, registry.Register(p))
	p.EnsureMin()

	recorder := &recordedResults{}
	router := NewRouter(nc, js, registry, recorder, zap.NewNop())
	require.NoError(t, router.Start(context.Background()))
	defer router.Stop()

	// Find the spawned worker and activate it via a published heartbeat,
	// the same way a real worker announces readiness.
	var processID string
	testutil.Eventually(t, 2*time.Second, func() bool {
		for _, w := range p.Info().Workers {
			if w.PID != 0 {
				processID = w.ID
				return true
			}
		}
		return false
	})

	hb, err := json.Marshal(model.WorkerHeartbeat{
		ProcessID: processID,
		PoolID:    "pool-1",
		PID:       1,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(HeartbeatSubject("pool-1"), hb))

	require.True(t, testutil.Eventually(t, 2*time.Second, func() bool {
		return p.Stats().Idle == 1
	}), "heartbeat should move the worker to idle")

	// Submit, then report the result over JetStream like a worker would.
	receipt, err := p.Submit(context.Background(), &model.Execution{
		ID:          "e1",
		EntryModule: "wf/main.go",
	})
	require.NoError(t, err)
	require.True(t, receipt.Dispatched)

	done := p.Wait("e1")
	now := time.Now()
	result, err := json.Marshal(model.ExecutionResult{
		ExecutionID: "e1",
		ProcessID:   processID,
		Outcome:     model.OutcomeCompleted,
		Result:      []byte("ok"),
		StartedAt:   now,
		CompletedAt: &now,
	})
	require.NoError(t, err)
	_, err = js.Publish(ResultSubject("pool-1"), result)
	require.NoError(t, err)

	select {
	case terminal := <-done:
		assert.Equal(t, model.OutcomeCompleted, terminal.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("result never routed to the pool")
	}

	require.True(t, testutil.Eventually(t, 2*time.Second, func() bool {
		return recorder.count() == 1
	}), "terminal result should land in the history recorder")
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestRouterIgnoresUnknownPool(t *testing.T) {
	_, nc, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	recorder := &recordedResults{}
	router := NewRouter(nc, js, pool.NewRegistry(), recorder, zap.NewNop())
	require.NoError(t, router.Start(context.Background()))
	defer router.Stop()

	now := time.Now()
	result, err := json.Marshal(model.ExecutionResult{
		ExecutionID: "e1",
		ProcessID:   "w1",
		Outcome:     model.OutcomeCompleted,
		StartedAt:   now,
		CompletedAt: &now,
	})
	require.NoError(t, err)
	_, err = js.Publish(ResultSubject("ghost-pool"), result)
	require.NoError(t, err)

	// The message is acked and dropped without reaching any recorder.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, recorder.count())
}

func TestSubjectLayout(t *testing.T) {
	assert.Equal(t, "exec.dispatch.w1", DispatchSubject("w1"))
	assert.Equal(t, "exec.result.pool-1", ResultSubject("pool-1"))
	assert.Equal(t, "worker.heartbeat.pool-1", HeartbeatSubject("pool-1"))
}
