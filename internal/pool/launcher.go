package pool

import (
	"context"
	"time"

	"github.com/t77yq/execpool/internal/model"
)

// LaunchSpec carries the identity a freshly spawned worker needs. The
// child inherits nothing from the parent; every capability it uses (cache
// connectivity, resolver install) is re-established inside the child from
// these values.
type LaunchSpec struct {
	PoolID    string
	ProcessID string

	// HeartbeatInterval is the cadence the spawned worker must beat at.
	// The pool derives its liveness threshold from the same value, so the
	// launcher has to hand it to the child verbatim.
	HeartbeatInterval time.Duration
}

// Handle is the pool's narrow view of a spawned worker process. Dispatch
// hands over exactly one execution; Kill terminates the underlying
// process. Implementations must tolerate Kill being called more than once.
type Handle interface {
	PID() int
	Dispatch(ctx context.Context, exec *model.Execution) error
	Kill() error
}

// Launcher spawns worker processes for a pool. Implementations live at the
// worker boundary (bare process, container); the pool only sees handles.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
}
