package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
	"github.com/t77yq/execpool/internal/runtime"
)

// AgentConfig identifies the worker inside its pool.
type AgentConfig struct {
	PoolID            string
	ProcessID         string
	HeartbeatInterval time.Duration
}

// Agent is the worker-process side of the protocol: it receives dispatched
// executions, runs them one at a time through the workflow runtime, and
// reports results and heartbeats. The resolver must be installed before
// the agent starts; install failure is fatal to worker startup.
type Agent struct {
	logger *zap.Logger
	nc     *nats.Conn
	js     nats.JetStreamContext
	runner *runtime.Runner
	cfg    AgentConfig

	execMu    sync.Mutex // serializes executions; one invocation at a time
	completed atomic.Int64
	sub       *nats.Subscription
	stop      chan struct{}
}

// NewAgent creates a worker agent.
func NewAgent(nc *nats.Conn, js nats.JetStreamContext, runner *runtime.Runner, cfg AgentConfig, logger *zap.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &Agent{
		logger: logger.Named("agent").With(
			zap.String("pool_id", cfg.PoolID),
			zap.String("process_id", cfg.ProcessID)),
		nc:     nc,
		js:     js,
		runner: runner,
		cfg:    cfg,
		stop:   make(chan struct{}),
	}
}

// Start subscribes to the worker's dispatch subject and begins
// heartbeating. The first heartbeat is sent immediately so the pool can
// move the worker out of the spawning state without waiting an interval.
func (a *Agent) Start(ctx context.Context) error {
	sub, err := a.nc.Subscribe(DispatchSubject(a.cfg.ProcessID), func(msg *nats.Msg) {
		var exec model.Execution
		if err := json.Unmarshal(msg.Data, &exec); err != nil {
			a.logger.Error("Failed to unmarshal execution", zap.Error(err))
			return
		}
		go a.execute(ctx, &exec)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to dispatch subject: %w", err)
	}
	a.sub = sub

	if err := a.sendHeartbeat(); err != nil {
		a.logger.Warn("Initial heartbeat failed", zap.Error(err))
	}
	go a.heartbeatLoop(ctx)

	a.logger.Info("Worker agent started")
	return nil
}

// Stop unsubscribes and halts heartbeats.
func (a *Agent) Stop() {
	if a.sub != nil {
		_ = a.sub.Unsubscribe()
	}
	close(a.stop)
}

func (a *Agent) execute(ctx context.Context, exec *model.Execution) {
	a.execMu.Lock()
	defer a.execMu.Unlock()

	a.logger.Info("Executing workflow",
		zap.String("execution_id", exec.ID),
		zap.String("entry_module", exec.EntryModule))

	result, err := a.runner.Run(ctx, exec)
	if err != nil {
		// Runtime infrastructure failure. Report it as a failed outcome
		// so the pool can free the worker; the error text tells the
		// caller what broke.
		now := time.Now()
		result = &model.ExecutionResult{
			ExecutionID: exec.ID,
			Outcome:     model.OutcomeFailed,
			Error:       err.Error(),
			StartedAt:   now,
			CompletedAt: &now,
		}
	}
	result.ProcessID = a.cfg.ProcessID
	a.completed.Add(1)

	data, err := json.Marshal(result)
	if err != nil {
		a.logger.Error("Failed to marshal result", zap.Error(err))
		return
	}
	if _, err := a.js.Publish(ResultSubject(a.cfg.PoolID), data); err != nil {
		a.logger.Error("Failed to publish result",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(); err != nil {
				a.logger.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (a *Agent) sendHeartbeat() error {
	hb := model.WorkerHeartbeat{
		ProcessID:      a.cfg.ProcessID,
		PoolID:         a.cfg.PoolID,
		PID:            os.Getpid(),
		CompletedCount: int(a.completed.Load()),
		Timestamp:      time.Now(),
	}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		hb.CPUPercent = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		hb.MemoryPercent = memInfo.UsedPercent
	}

	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return a.nc.Publish(HeartbeatSubject(a.cfg.PoolID), data)
}
