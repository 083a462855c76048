package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
)

// SubmitReceipt tells the submitter where its execution landed. An
// execution always lands in exactly one of the two states: dispatched to a
// worker, or queued at a position.
type SubmitReceipt struct {
	ExecutionID string `json:"execution_id"`
	Dispatched  bool   `json:"dispatched"`
	ProcessID   string `json:"process_id,omitempty"`
	Position    int    `json:"position"`
}

// workerSlot pairs the pool's bookkeeping for a worker with its handle and
// in-flight execution. Only touched under the pool lock.
type workerSlot struct {
	proc   *model.WorkerProcess
	handle Handle
	exec   *model.Execution

	// dispatchedAt is when the in-flight execution was handed to the
	// worker, as opposed to when it was submitted.
	dispatchedAt time.Time

	// announced is set when a heartbeat arrives before the launch
	// goroutine has attached the handle; the idle transition then happens
	// at attach time.
	announced bool
}

// dispatchOp is a dispatch decided under the lock and performed after
// releasing it, so handle I/O never runs inside the critical section.
type dispatchOp struct {
	slot *workerSlot
	exec *model.Execution
}

// ProcessPool owns a bounded set of worker processes for one logical
// worker group. All pool, queue, and worker state mutation is serialized
// under a single mutex; separate pools are fully independent.
type ProcessPool struct {
	logger   *zap.Logger
	launcher Launcher
	hub      *completionHub

	mu            sync.Mutex
	cfg           model.PoolConfig
	workers       map[string]*workerSlot
	order         []string
	queue         *executionQueue
	closed        bool
	degraded      bool
	spawnFailures int
	lastHeartbeat time.Time
}

// New creates a pool without spawning anything. The supervisor brings the
// pool up to min_workers and drives the liveness timers.
func New(cfg model.PoolConfig, launcher Launcher, logger *zap.Logger) *ProcessPool {
	return &ProcessPool{
		logger:        logger.Named("pool").With(zap.String("pool_id", cfg.ID)),
		launcher:      launcher,
		hub:           newCompletionHub(),
		cfg:           cfg,
		workers:       make(map[string]*workerSlot),
		queue:         newExecutionQueue(),
		lastHeartbeat: time.Now(),
	}
}

// ID returns the pool id.
func (p *ProcessPool) ID() string {
	return p.cfg.ID
}

// Config returns the current pool configuration.
func (p *ProcessPool) Config() model.PoolConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// LastHeartbeat returns the time of the most recent worker heartbeat seen
// by this pool. The registry uses it to detect stale pools.
func (p *ProcessPool) LastHeartbeat() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHeartbeat
}

// Submit dispatches the execution to an idle worker or queues it. It never
// blocks the caller and fails only when the pool has zero configured
// capacity or is shutting down.
func (p *ProcessPool) Submit(ctx context.Context, exec *model.Execution) (*SubmitReceipt, error) {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	exec.PoolID = p.cfg.ID
	if exec.SubmittedAt.IsZero() {
		exec.SubmittedAt = time.Now()
	}

	p.mu.Lock()
	if p.closed || p.cfg.MaxWorkers == 0 {
		p.mu.Unlock()
		return nil, ErrPoolUnavailable
	}

	if slot := p.anyIdleLocked(); slot != nil {
		op := p.assignLocked(slot, exec)
		p.mu.Unlock()
		p.runDispatch(op)
		return &SubmitReceipt{
			ExecutionID: exec.ID,
			Dispatched:  true,
			ProcessID:   op.slot.proc.ID,
		}, nil
	}

	pos := p.queue.push(exec)
	// Queue pressure grows the pool toward max_workers.
	if p.occupancyLocked() < p.cfg.MaxWorkers {
		p.spawnLocked()
	}
	p.mu.Unlock()

	return &SubmitReceipt{
		ExecutionID: exec.ID,
		Position:    pos,
	}, nil
}

// Wait returns a channel delivering the execution's terminal result. The
// channel is independent of the pool lock; slow consumers never block
// dispatch.
func (p *ProcessPool) Wait(executionID string) <-chan *model.ExecutionResult {
	return p.hub.wait(executionID)
}

// Cancel removes a still-queued execution. It is idempotent and
// best-effort: it returns false when the execution is no longer queued,
// including when cancellation lost the race against a dispatch.
func (p *ProcessPool) Cancel(executionID string) bool {
	p.mu.Lock()
	removed := p.queue.remove(executionID)
	p.mu.Unlock()

	if removed {
		now := time.Now()
		p.hub.fulfill(&model.ExecutionResult{
			ExecutionID: executionID,
			Outcome:     model.OutcomeCanceled,
			StartedAt:   now,
			CompletedAt: &now,
		})
	}
	return removed
}

// Complete is called at the worker boundary when an execution finishes.
// The freed worker is preferred for the next queued item; any other idle
// worker serves as fallback when the freed one was recycled instead.
func (p *ProcessPool) Complete(processID, executionID string, result *model.ExecutionResult) error {
	p.mu.Lock()
	slot, ok := p.workers[processID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("complete %s: %w", processID, ErrUnknownProcess)
	}
	if slot.proc.State != model.ProcessStateBusy || slot.exec == nil || slot.exec.ID != executionID {
		p.mu.Unlock()
		return fmt.Errorf("complete %s on %s: %w", executionID, processID, ErrUnknownExecution)
	}

	slot.exec = nil
	slot.proc.CurrentExecID = ""
	slot.proc.CompletedCount++

	var ops []dispatchOp
	switch {
	case slot.proc.PendingRemoval:
		p.killLocked(slot, "scale-down")
	case slot.proc.PendingRecycle:
		p.killLocked(slot, "recycle")
		p.ensureMinLocked()
	default:
		slot.proc.State = model.ProcessStateIdle
		if next := p.queue.pop(); next != nil {
			ops = append(ops, p.assignLocked(slot, next))
		}
	}
	ops = append(ops, p.drainLocked()...)
	p.mu.Unlock()

	for _, op := range ops {
		p.runDispatch(op)
	}
	if result != nil {
		result.ProcessID = processID
		p.hub.fulfill(result)
	}
	return nil
}

// Heartbeat records liveness for a worker. The first heartbeat completes
// the spawning phase and makes the worker eligible for dispatch; a
// heartbeat that races the launch goroutine is remembered and the
// transition happens once the handle is attached.
func (p *ProcessPool) Heartbeat(hb model.WorkerHeartbeat) error {
	now := time.Now()

	p.mu.Lock()
	slot, ok := p.workers[hb.ProcessID]
	if !ok || slot.proc.State == model.ProcessStateKilled {
		p.mu.Unlock()
		return fmt.Errorf("heartbeat from %s: %w", hb.ProcessID, ErrUnknownProcess)
	}

	p.lastHeartbeat = now
	slot.proc.LastHeartbeat = now
	slot.proc.Alive = true
	if hb.PID > 0 {
		slot.proc.PID = hb.PID
	}

	var ops []dispatchOp
	if slot.proc.State == model.ProcessStateSpawning {
		if slot.handle == nil {
			// The launch goroutine has not attached the handle yet. The
			// worker stays spawning (and undispatchable) until it does;
			// the announcement completes the transition at attach time.
			slot.announced = true
		} else {
			ops = p.activateLocked(slot)
		}
	}
	p.mu.Unlock()

	for _, op := range ops {
		p.runDispatch(op)
	}
	return nil
}

// activateLocked finishes a worker's spawning phase: first heartbeat seen
// and handle attached. Queued work drains to it immediately.
func (p *ProcessPool) activateLocked(slot *workerSlot) []dispatchOp {
	slot.proc.State = model.ProcessStateIdle
	p.spawnFailures = 0
	p.degraded = false
	return p.drainLocked()
}

// HandleCrash marks a worker as lost, reports a crashed outcome for its
// in-flight execution exactly once, and respawns within configured bounds.
// The execution is never retried by the pool; retry policy belongs to the
// caller.
func (p *ProcessPool) HandleCrash(processID, reason string) error {
	p.mu.Lock()
	slot, ok := p.workers[processID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("crash of %s: %w", processID, ErrUnknownProcess)
	}
	if slot.proc.State == model.ProcessStateKilled {
		p.mu.Unlock()
		return nil
	}

	var crashed *model.ExecutionResult
	if slot.exec != nil {
		now := time.Now()
		crashed = &model.ExecutionResult{
			ExecutionID: slot.exec.ID,
			ProcessID:   processID,
			Outcome:     model.OutcomeCrashed,
			Error:       reason,
			StartedAt:   slot.dispatchedAt,
			CompletedAt: &now,
		}
		slot.exec = nil
		slot.proc.CurrentExecID = ""
	}
	p.killLocked(slot, reason)
	p.ensureMinLocked()
	p.mu.Unlock()

	p.logger.Warn("Worker process lost",
		zap.String("process_id", processID),
		zap.String("reason", reason))

	if crashed != nil {
		p.hub.fulfill(crashed)
	}
	return nil
}

// Recycle terminates and replaces one worker. Idle workers die
// immediately; busy workers finish their in-flight execution first and are
// killed at their next Complete.
func (p *ProcessPool) Recycle(processID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.workers[processID]
	if !ok {
		return fmt.Errorf("recycle %s: %w", processID, ErrUnknownProcess)
	}
	return p.recycleLocked(slot, reason)
}

// RecycleAll applies Recycle to every worker in the pool. Used for mass
// rollout of a new workflow runtime: recycled workers re-pin module
// versions on startup.
func (p *ProcessPool) RecycleAll(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range append([]string(nil), p.order...) {
		if slot, ok := p.workers[id]; ok {
			_ = p.recycleLocked(slot, reason)
		}
	}
}

func (p *ProcessPool) recycleLocked(slot *workerSlot, reason string) error {
	switch slot.proc.State {
	case model.ProcessStateKilled:
		return nil
	case model.ProcessStateBusy:
		slot.proc.PendingRecycle = true
	default: // idle or spawning
		p.killLocked(slot, reason)
		p.ensureMinLocked()
	}
	return nil
}

// Rescale adjusts the pool bounds. Shrinking below the current live count
// removes idle workers first and marks busy ones for removal at their next
// Complete; growing the minimum spawns immediately.
func (p *ProcessPool) Rescale(min, max int) error {
	if min < 0 || max < 0 || min > max {
		return fmt.Errorf("rescale to [%d,%d]: %w", min, max, ErrInvalidBounds)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cfg.MinWorkers = min
	p.cfg.MaxWorkers = max

	excess := p.occupancyLocked() - max
	if excess > 0 {
		// Idle and still-spawning workers go first.
		for _, id := range append([]string(nil), p.order...) {
			if excess == 0 {
				break
			}
			slot, ok := p.workers[id]
			if !ok {
				continue
			}
			switch slot.proc.State {
			case model.ProcessStateIdle, model.ProcessStateSpawning:
				slot.proc.PendingRemoval = true
				p.killLocked(slot, "scale-down")
				excess--
			}
		}
		for _, id := range p.order {
			if excess == 0 {
				break
			}
			slot, ok := p.workers[id]
			if !ok {
				continue
			}
			if slot.proc.State == model.ProcessStateBusy && !slot.proc.PendingRemoval {
				slot.proc.PendingRemoval = true
				excess--
			}
		}
	}

	p.ensureMinLocked()
	return nil
}

// Stats returns a read-only occupancy snapshot. It never mutates state and
// is not meant to drive scheduling decisions.
func (p *ProcessPool) Stats() model.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *ProcessPool) statsLocked() model.PoolStats {
	stats := model.PoolStats{
		PoolID:      p.cfg.ID,
		QueueDepth:  p.queue.depth(),
		Degraded:    p.degraded,
		CollectedAt: time.Now(),
	}
	for _, slot := range p.workers {
		switch slot.proc.State {
		case model.ProcessStateIdle:
			stats.Idle++
		case model.ProcessStateBusy:
			stats.Busy++
		case model.ProcessStateSpawning:
			stats.Spawning++
		case model.ProcessStateKilled:
			stats.PendingReap++
		}
	}
	return stats
}

// Info returns the full observability view including per-process state.
func (p *ProcessPool) Info() *model.PoolInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := &model.PoolInfo{
		Config:        p.cfg,
		Stats:         p.statsLocked(),
		LastHeartbeat: p.lastHeartbeat,
	}
	for _, id := range p.order {
		if slot, ok := p.workers[id]; ok {
			procCopy := *slot.proc
			info.Workers = append(info.Workers, &procCopy)
		}
	}
	return info
}

// QueueSnapshot returns the ordered pending executions.
func (p *ProcessPool) QueueSnapshot() []*model.QueuedExecution {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.snapshot()
}

// Close shuts the pool down. Queued executions are reported as canceled;
// all workers are killed.
func (p *ProcessPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.queue.drain()
	for _, slot := range p.workers {
		if slot.proc.State != model.ProcessStateKilled {
			p.killLocked(slot, "shutdown")
		}
	}
	p.mu.Unlock()

	now := time.Now()
	for _, exec := range pending {
		p.hub.fulfill(&model.ExecutionResult{
			ExecutionID: exec.ID,
			Outcome:     model.OutcomeCanceled,
			Error:       "pool shutting down",
			StartedAt:   exec.SubmittedAt,
			CompletedAt: &now,
		})
	}
}

// --- supervisor-driven maintenance ---

// EnsureMin spawns workers up to min_workers. Called by the supervisor on
// startup and on its tick.
func (p *ProcessPool) EnsureMin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureMinLocked()
}

// ExpireStartups kills spawning workers that never produced a first
// heartbeat within the startup timeout. Bounded respawn attempts; after
// exhaustion the pool is flagged degraded but keeps serving.
func (p *ProcessPool) ExpireStartups(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range append([]string(nil), p.order...) {
		slot, ok := p.workers[id]
		if !ok || slot.proc.State != model.ProcessStateSpawning {
			continue
		}
		if now.Sub(slot.proc.StartedAt) < p.cfg.StartupTimeout {
			continue
		}
		p.spawnFailures++
		p.killLocked(slot, "startup timeout")
		p.logger.Warn("Worker startup timed out",
			zap.String("process_id", id),
			zap.Int("spawn_failures", p.spawnFailures))
	}
	p.ensureMinLocked()
}

// CheckLiveness runs the heartbeat-loss detection for workers past the
// spawning phase. Crossing the miss threshold takes the crash path.
func (p *ProcessPool) CheckLiveness(now time.Time) {
	threshold := time.Duration(p.cfg.HeartbeatMisses) * p.cfg.HeartbeatInterval
	if threshold <= 0 {
		return
	}

	p.mu.Lock()
	var lost []string
	for _, id := range p.order {
		slot, ok := p.workers[id]
		if !ok {
			continue
		}
		switch slot.proc.State {
		case model.ProcessStateIdle, model.ProcessStateBusy:
			if now.Sub(slot.proc.LastHeartbeat) > threshold {
				lost = append(lost, id)
			}
		}
	}
	p.mu.Unlock()

	for _, id := range lost {
		_ = p.HandleCrash(id, "heartbeat loss")
	}
}

// RecycleExpired recycles workers that exceeded the configured lifetime.
func (p *ProcessPool) RecycleExpired(now time.Time) {
	if p.cfg.WorkerLifetime <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range append([]string(nil), p.order...) {
		slot, ok := p.workers[id]
		if !ok {
			continue
		}
		switch slot.proc.State {
		case model.ProcessStateIdle, model.ProcessStateBusy:
			if now.Sub(slot.proc.StartedAt) > p.cfg.WorkerLifetime {
				_ = p.recycleLocked(slot, "lifetime exceeded")
			}
		}
	}
}

// Reap removes killed workers from the pool's bookkeeping once their OS
// process has been terminated.
func (p *ProcessPool) Reap() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.order[:0]
	for _, id := range p.order {
		slot, ok := p.workers[id]
		if ok && slot.proc.State == model.ProcessStateKilled {
			delete(p.workers, id)
			continue
		}
		kept = append(kept, id)
	}
	p.order = kept
}

// --- internals, all called under p.mu ---

func (p *ProcessPool) anyIdleLocked() *workerSlot {
	for _, id := range p.order {
		slot, ok := p.workers[id]
		if ok && slot.proc.State == model.ProcessStateIdle {
			return slot
		}
	}
	return nil
}

// assignLocked marks the worker busy and returns the dispatch to run after
// the lock is released.
func (p *ProcessPool) assignLocked(slot *workerSlot, exec *model.Execution) dispatchOp {
	slot.proc.State = model.ProcessStateBusy
	slot.proc.CurrentExecID = exec.ID
	slot.exec = exec
	slot.dispatchedAt = time.Now()
	return dispatchOp{slot: slot, exec: exec}
}

// drainLocked matches queued executions to idle workers, strictly FIFO.
func (p *ProcessPool) drainLocked() []dispatchOp {
	var ops []dispatchOp
	for p.queue.depth() > 0 {
		slot := p.anyIdleLocked()
		if slot == nil {
			break
		}
		ops = append(ops, p.assignLocked(slot, p.queue.pop()))
	}
	return ops
}

func (p *ProcessPool) runDispatch(op dispatchOp) {
	handle := op.slot.handle
	if handle == nil {
		_ = p.HandleCrash(op.slot.proc.ID, "dispatch to worker without handle")
		return
	}
	if err := handle.Dispatch(context.Background(), op.exec); err != nil {
		_ = p.HandleCrash(op.slot.proc.ID, fmt.Sprintf("dispatch failed: %v", err))
	}
}

func (p *ProcessPool) liveLocked() int {
	n := 0
	for _, slot := range p.workers {
		switch slot.proc.State {
		case model.ProcessStateIdle, model.ProcessStateBusy:
			n++
		}
	}
	return n
}

func (p *ProcessPool) occupancyLocked() int {
	n := 0
	for _, slot := range p.workers {
		switch slot.proc.State {
		case model.ProcessStateIdle, model.ProcessStateBusy, model.ProcessStateSpawning:
			n++
		}
	}
	return n
}

func (p *ProcessPool) ensureMinLocked() {
	if p.closed {
		return
	}
	if p.cfg.MaxSpawnAttempts > 0 && p.spawnFailures >= p.cfg.MaxSpawnAttempts {
		if !p.degraded {
			p.degraded = true
			p.logger.Error("Pool degraded: respawn attempts exhausted",
				zap.Int("spawn_failures", p.spawnFailures))
		}
		return
	}
	for p.occupancyLocked() < p.cfg.MinWorkers {
		p.spawnLocked()
	}
}

// spawnLocked reserves a slot in spawning state and launches the process
// off the lock. The worker becomes dispatchable on its first heartbeat.
func (p *ProcessPool) spawnLocked() {
	id := uuid.New().String()
	slot := &workerSlot{
		proc: &model.WorkerProcess{
			ID:        id,
			State:     model.ProcessStateSpawning,
			StartedAt: time.Now(),
		},
	}
	p.workers[id] = slot
	p.order = append(p.order, id)

	go func() {
		handle, err := p.launcher.Launch(context.Background(), LaunchSpec{
			PoolID:            p.cfg.ID,
			ProcessID:         id,
			HeartbeatInterval: p.cfg.HeartbeatInterval,
		})

		p.mu.Lock()
		current, ok := p.workers[id]
		if !ok || current.proc.State == model.ProcessStateKilled {
			p.mu.Unlock()
			if err == nil {
				_ = handle.Kill()
			}
			return
		}
		if err != nil {
			p.spawnFailures++
			p.killLocked(current, "launch failed")
			degraded := p.cfg.MaxSpawnAttempts > 0 && p.spawnFailures >= p.cfg.MaxSpawnAttempts
			if degraded && !p.degraded {
				p.degraded = true
			}
			p.mu.Unlock()
			p.logger.Error("Failed to launch worker",
				zap.String("process_id", id),
				zap.Error(err))
			return
		}
		current.handle = handle
		current.proc.PID = handle.PID()
		var ops []dispatchOp
		if current.announced && current.proc.State == model.ProcessStateSpawning {
			ops = p.activateLocked(current)
		}
		p.mu.Unlock()

		for _, op := range ops {
			p.runDispatch(op)
		}
		p.logger.Info("Worker spawned",
			zap.String("process_id", id),
			zap.Int("pid", handle.PID()))
	}()
}

// killLocked transitions a worker to the terminal killed state and
// terminates the OS process off the lock. The slot stays around until Reap.
func (p *ProcessPool) killLocked(slot *workerSlot, reason string) {
	if slot.proc.State == model.ProcessStateKilled {
		return
	}
	slot.proc.State = model.ProcessStateKilled
	slot.proc.Alive = false
	slot.proc.PendingRecycle = false
	slot.exec = nil
	slot.proc.CurrentExecID = ""

	if handle := slot.handle; handle != nil {
		go func() {
			if err := handle.Kill(); err != nil {
				p.logger.Warn("Failed to kill worker process",
					zap.String("process_id", slot.proc.ID),
					zap.String("reason", reason),
					zap.Error(err))
			}
		}()
	}
}
