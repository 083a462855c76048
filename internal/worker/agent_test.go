package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/pool"
	"github.com/t77yq/execpool/internal/testutil"
)

func TestLaunchEnv(t *testing.T) {
	spec := pool.LaunchSpec{
		PoolID:            "pool-1",
		ProcessID:         "w1",
		HeartbeatInterval: 2 * time.Second,
	}

	t.Run("full deployment config", func(t *testing.T) {
		env := launchEnv(spec, LaunchEnv{
			NATSURL:      "nats://127.0.0.1:4222",
			ModuleBucket: "workflow_modules",
			VirtualRoot:  "/workflows",
		})
		assert.Contains(t, env, "EXECPOOL_POOL_ID=pool-1")
		assert.Contains(t, env, "EXECPOOL_PROCESS_ID=w1")
		assert.Contains(t, env, "EXECPOOL_NATS_URL=nats://127.0.0.1:4222")
		assert.Contains(t, env, "EXECPOOL_HEARTBEAT_INTERVAL=2s")
		assert.Contains(t, env, "EXECPOOL_MODULE_BUCKET=workflow_modules")
		assert.Contains(t, env, "EXECPOOL_VIRTUAL_ROOT=/workflows")
	})

	t.Run("defaults stay on the worker side", func(t *testing.T) {
		// Unset values are omitted entirely so the worker applies its own
		// defaults instead of receiving empty strings.
		env := launchEnv(pool.LaunchSpec{PoolID: "pool-1", ProcessID: "w1"}, LaunchEnv{})
		for _, entry := range env {
			assert.NotContains(t, entry, EnvHeartbeatInterval)
			assert.NotContains(t, entry, EnvModuleBucket)
			assert.NotContains(t, entry, EnvVirtualRoot)
		}
	})
}

func TestAgentHeartbeatCadence(t *testing.T) {
	_, nc, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	var beats atomic.Int64
	sub, err := nc.Subscribe(HeartbeatSubject("pool-1"), func(msg *nats.Msg) {
		beats.Add(1)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	agent := NewAgent(nc, js, nil, AgentConfig{
		PoolID:            "pool-1",
		ProcessID:         "w1",
		HeartbeatInterval: 50 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()

	// The configured cadence is honored: well over three beats arrive long
	// before the built-in 5s fallback would have fired even once.
	require.True(t, testutil.Eventually(t, 3*time.Second, func() bool {
		return beats.Load() >= 3
	}), "agent must beat at the configured interval")
}
