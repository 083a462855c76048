package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/modcache"
	"github.com/t77yq/execpool/internal/resolver"
	"github.com/t77yq/execpool/internal/runtime"
	"github.com/t77yq/execpool/internal/worker"
)

// workerd is the worker process entrypoint. It is spawned by poold with a
// clean environment: identity comes in through env vars, and every
// capability (cache connectivity, resolver install) is established here
// from scratch. Connectivity to the module cache is required before any
// workflow can run; failing to install the resolver is fatal.
func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	poolID := os.Getenv(worker.EnvPoolID)
	processID := os.Getenv(worker.EnvProcessID)
	natsURL := os.Getenv(worker.EnvNATSURL)
	if poolID == "" || processID == "" {
		logger.Fatal("Missing worker identity",
			zap.String("pool_id", poolID),
			zap.String("process_id", processID))
	}
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}

	// The heartbeat cadence must match what the supervisor derives its
	// liveness threshold from, so a malformed value is fatal rather than
	// silently replaced by a default.
	var heartbeatInterval time.Duration
	if raw := os.Getenv(worker.EnvHeartbeatInterval); raw != "" {
		heartbeatInterval, err = time.ParseDuration(raw)
		if err != nil {
			logger.Fatal("Invalid heartbeat interval",
				zap.String("value", raw),
				zap.Error(err))
		}
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("execpool-worker-"+processID),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Module cache and resolver. Install pins the module snapshot this
	// worker will serve for its whole lifetime; a new snapshot requires a
	// recycle.
	cache, err := modcache.NewKVCache(js, os.Getenv(worker.EnvModuleBucket), logger)
	if err != nil {
		logger.Fatal("Module cache unreachable", zap.Error(err))
	}

	res := resolver.New(cache, os.Getenv(worker.EnvVirtualRoot), logger)
	installCtx, installCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := res.Install(installCtx); err != nil {
		installCancel()
		logger.Fatal("Failed to install virtual import resolver", zap.Error(err))
	}
	installCancel()

	runner := runtime.New(res, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := worker.NewAgent(nc, js, runner, worker.AgentConfig{
		PoolID:            poolID,
		ProcessID:         processID,
		HeartbeatInterval: heartbeatInterval,
	}, logger)
	if err := agent.Start(ctx); err != nil {
		logger.Fatal("Failed to start worker agent", zap.Error(err))
	}
	defer agent.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("Worker shutting down", zap.String("signal", sig.String()))
}
