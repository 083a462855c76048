package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
	"github.com/t77yq/execpool/internal/pool"
)

// ProcessLauncher spawns workers as bare OS processes running the workerd
// binary. The child gets its identity and deployment configuration through
// the environment and re-establishes everything else itself.
type ProcessLauncher struct {
	logger *zap.Logger
	nc     *nats.Conn
	binary string
	env    LaunchEnv
}

// NewProcessLauncher creates a launcher that spawns the given workerd
// binary.
func NewProcessLauncher(nc *nats.Conn, binary string, env LaunchEnv, logger *zap.Logger) *ProcessLauncher {
	return &ProcessLauncher{
		logger: logger.Named("process-launcher"),
		nc:     nc,
		binary: binary,
		env:    env,
	}
}

// Launch implements pool.Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context, spec pool.LaunchSpec) (pool.Handle, error) {
	cmd := exec.Command(l.binary)
	cmd.Env = append(os.Environ(), launchEnv(spec, l.env)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	l.logger.Info("Worker process started",
		zap.String("process_id", spec.ProcessID),
		zap.Int("pid", cmd.Process.Pid))

	handle := &processHandle{
		nc:        l.nc,
		cmd:       cmd,
		processID: spec.ProcessID,
	}
	// Reap the child as soon as it exits so killed workers don't linger
	// as zombies.
	go func() { _ = cmd.Wait() }()

	return handle, nil
}

type processHandle struct {
	nc        *nats.Conn
	cmd       *exec.Cmd
	processID string
}

func (h *processHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *processHandle) Dispatch(ctx context.Context, execution *model.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	return h.nc.Publish(DispatchSubject(h.processID), data)
}

func (h *processHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
