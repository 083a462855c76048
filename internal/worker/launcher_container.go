package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
	"github.com/t77yq/execpool/internal/pool"
)

// ContainerLauncher spawns workers as Docker containers running the
// workerd image. Same protocol as bare processes; the isolation unit is
// just heavier.
type ContainerLauncher struct {
	logger *zap.Logger
	nc     *nats.Conn
	docker *client.Client
	image  string
	env    LaunchEnv
}

// NewContainerLauncher creates a Docker-backed launcher.
func NewContainerLauncher(nc *nats.Conn, image string, env LaunchEnv, logger *zap.Logger) (*ContainerLauncher, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &ContainerLauncher{
		logger: logger.Named("container-launcher"),
		nc:     nc,
		docker: docker,
		image:  image,
		env:    env,
	}, nil
}

// Launch implements pool.Launcher.
func (l *ContainerLauncher) Launch(ctx context.Context, spec pool.LaunchSpec) (pool.Handle, error) {
	created, err := l.docker.ContainerCreate(ctx,
		&container.Config{
			Image: l.image,
			Env:   launchEnv(spec, l.env),
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode("host"),
		},
		nil, nil,
		fmt.Sprintf("execpool-worker-%s", spec.ProcessID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker container: %w", err)
	}

	if err := l.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = l.docker.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start worker container: %w", err)
	}

	pid := 0
	if inspect, err := l.docker.ContainerInspect(ctx, created.ID); err == nil && inspect.State != nil {
		pid = inspect.State.Pid
	}

	l.logger.Info("Worker container started",
		zap.String("process_id", spec.ProcessID),
		zap.String("container_id", created.ID),
		zap.Int("pid", pid))

	return &containerHandle{
		nc:          l.nc,
		docker:      l.docker,
		processID:   spec.ProcessID,
		containerID: created.ID,
		pid:         pid,
	}, nil
}

type containerHandle struct {
	nc          *nats.Conn
	docker      *client.Client
	processID   string
	containerID string
	pid         int
}

func (h *containerHandle) PID() int {
	return h.pid
}

func (h *containerHandle) Dispatch(ctx context.Context, execution *model.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	return h.nc.Publish(DispatchSubject(h.processID), data)
}

func (h *containerHandle) Kill() error {
	ctx := context.Background()
	_ = h.docker.ContainerKill(ctx, h.containerID, "SIGKILL")
	return h.docker.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
}
