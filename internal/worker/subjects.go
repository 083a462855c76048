package worker

import (
	"fmt"

	"github.com/t77yq/execpool/internal/pool"
)

// Subject layout of the worker protocol. Dispatch and heartbeats ride core
// NATS (loss tolerance is the point of the heartbeat signal); results go
// through JetStream so a completion survives a supervisor restart.
const (
	resultStreamName     = "EXECUTIONS"
	resultStreamSubjects = "exec.result.*"

	// Env vars a spawned worker re-establishes its identity and
	// deployment configuration from. The child inherits no in-process
	// state from the parent.
	EnvPoolID            = "EXECPOOL_POOL_ID"
	EnvProcessID         = "EXECPOOL_PROCESS_ID"
	EnvNATSURL           = "EXECPOOL_NATS_URL"
	EnvHeartbeatInterval = "EXECPOOL_HEARTBEAT_INTERVAL"
	EnvModuleBucket      = "EXECPOOL_MODULE_BUCKET"
	EnvVirtualRoot       = "EXECPOOL_VIRTUAL_ROOT"
)

// LaunchEnv is the deployment configuration every spawned worker receives
// alongside its identity. The supervisor and its workers must agree on the
// cache bucket and virtual root, so both launchers forward these verbatim.
type LaunchEnv struct {
	NATSURL      string
	ModuleBucket string
	VirtualRoot  string
}

// launchEnv builds the child environment for one worker spawn. The
// heartbeat interval comes from the pool's launch spec; the liveness
// threshold on the supervisor side is derived from the same value.
func launchEnv(spec pool.LaunchSpec, env LaunchEnv) []string {
	out := []string{
		fmt.Sprintf("%s=%s", EnvPoolID, spec.PoolID),
		fmt.Sprintf("%s=%s", EnvProcessID, spec.ProcessID),
		fmt.Sprintf("%s=%s", EnvNATSURL, env.NATSURL),
	}
	if spec.HeartbeatInterval > 0 {
		out = append(out, fmt.Sprintf("%s=%s", EnvHeartbeatInterval, spec.HeartbeatInterval))
	}
	if env.ModuleBucket != "" {
		out = append(out, fmt.Sprintf("%s=%s", EnvModuleBucket, env.ModuleBucket))
	}
	if env.VirtualRoot != "" {
		out = append(out, fmt.Sprintf("%s=%s", EnvVirtualRoot, env.VirtualRoot))
	}
	return out
}

// DispatchSubject is where one worker receives its executions.
func DispatchSubject(processID string) string {
	return fmt.Sprintf("exec.dispatch.%s", processID)
}

// ResultSubject is where workers of one pool report terminal results.
func ResultSubject(poolID string) string {
	return fmt.Sprintf("exec.result.%s", poolID)
}

// HeartbeatSubject is where workers of one pool emit liveness.
func HeartbeatSubject(poolID string) string {
	return fmt.Sprintf("worker.heartbeat.%s", poolID)
}
