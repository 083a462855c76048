package model

import "time"

// ProcessState represents the lifecycle state of a worker process.
// Killed is terminal; a killed process is never revived, only replaced.
type ProcessState string

const (
	ProcessStateSpawning ProcessState = "spawning"
	ProcessStateIdle     ProcessState = "idle"
	ProcessStateBusy     ProcessState = "busy"
	ProcessStateKilled   ProcessState = "killed"
)

// WorkerProcess is the pool's view of one worker. The owning pool is the
// only writer; everything here is read under the pool's lock.
type WorkerProcess struct {
	ID             string       `json:"id"`
	PID            int          `json:"pid"`
	State          ProcessState `json:"state"`
	CurrentExecID  string       `json:"current_execution_id,omitempty"`
	CompletedCount int          `json:"completed_count"`
	StartedAt      time.Time    `json:"started_at"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	Alive          bool         `json:"alive"`
	PendingRecycle bool         `json:"pending_recycle"`
	PendingRemoval bool         `json:"pending_removal"`
}

// WorkerHeartbeat is published periodically by every live worker.
type WorkerHeartbeat struct {
	ProcessID      string    `json:"process_id"`
	PoolID         string    `json:"pool_id"`
	PID            int       `json:"pid"`
	CompletedCount int       `json:"completed_count"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	Timestamp      time.Time `json:"timestamp"`
}
