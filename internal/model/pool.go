package model

import "time"

// PoolConfig holds the bounds and timing knobs for one process pool.
type PoolConfig struct {
	ID                string        `json:"id"`
	Host              string        `json:"host"`
	MinWorkers        int           `json:"min_workers"`
	MaxWorkers        int           `json:"max_workers"`
	StartupTimeout    time.Duration `json:"startup_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatMisses   int           `json:"heartbeat_misses"`
	MaxSpawnAttempts  int           `json:"max_spawn_attempts"`
	WorkerLifetime    time.Duration `json:"worker_lifetime"`
}

// PoolStats is a point-in-time snapshot of pool occupancy. Read-only for
// consumers; it never drives scheduling.
type PoolStats struct {
	PoolID      string    `json:"pool_id"`
	Idle        int       `json:"idle"`
	Busy        int       `json:"busy"`
	Spawning    int       `json:"spawning"`
	PendingReap int       `json:"pending_reap"`
	QueueDepth  int       `json:"queue_depth"`
	Degraded    bool      `json:"degraded"`
	CollectedAt time.Time `json:"collected_at"`
}

// PoolInfo is the observability view of a pool including per-process state.
type PoolInfo struct {
	Config        PoolConfig       `json:"config"`
	Stats         PoolStats        `json:"stats"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Workers       []*WorkerProcess `json:"workers"`
}

// QueuedExecution is the observability view of one queue slot.
type QueuedExecution struct {
	ExecutionID string    `json:"execution_id"`
	Position    int       `json:"position"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}
