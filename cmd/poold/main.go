package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
	"github.com/t77yq/execpool/internal/monitor"
	"github.com/t77yq/execpool/internal/pool"
	"github.com/t77yq/execpool/internal/service"
	"github.com/t77yq/execpool/internal/storage"
	"github.com/t77yq/execpool/internal/worker"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetDefault("pool.heartbeat_interval", 5*time.Second)
	viper.SetDefault("pool.heartbeat_misses", 3)
	viper.SetDefault("pool.startup_timeout", 30*time.Second)
	viper.SetDefault("pool.max_spawn_attempts", 5)
	viper.SetDefault("supervisor.tick_interval", time.Second)
	viper.SetDefault("history.path", "execution_history.db")
	viper.SetDefault("metrics.interval", 10*time.Second)
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	natsURL := viper.GetString("nats.urls.0")
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(natsURL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream(nats.MaxWait(viper.GetDuration("cache.lookup_timeout")))
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Execution history storage
	history, err := storage.NewSQLiteExecutionHistory(logger, viper.GetString("history.path"))
	if err != nil {
		logger.Fatal("Failed to create execution history storage", zap.Error(err))
	}
	defer history.Close()

	// Worker launcher. Workers must resolve modules from the same bucket
	// and virtual root the supervisor is configured for.
	workerEnv := worker.LaunchEnv{
		NATSURL:      natsURL,
		ModuleBucket: viper.GetString("cache.bucket"),
		VirtualRoot:  viper.GetString("cache.virtual_root"),
	}
	var launcher pool.Launcher
	switch kind := viper.GetString("worker.launcher"); kind {
	case "container":
		launcher, err = worker.NewContainerLauncher(nc,
			viper.GetString("worker.image"),
			workerEnv,
			logger)
		if err != nil {
			logger.Fatal("Failed to create container launcher", zap.Error(err))
		}
	case "", "process":
		launcher = worker.NewProcessLauncher(nc,
			viper.GetString("worker.binary"),
			workerEnv,
			logger)
	default:
		logger.Fatal("Unknown worker launcher", zap.String("launcher", kind))
	}

	// Build pools from configuration
	registry := pool.NewRegistry()
	host, _ := os.Hostname()
	for _, id := range viper.GetStringSlice("pool.ids") {
		cfg := model.PoolConfig{
			ID:                id,
			Host:              host,
			MinWorkers:        viper.GetInt("pool.min_workers"),
			MaxWorkers:        viper.GetInt("pool.max_workers"),
			StartupTimeout:    viper.GetDuration("pool.startup_timeout"),
			HeartbeatInterval: viper.GetDuration("pool.heartbeat_interval"),
			HeartbeatMisses:   viper.GetInt("pool.heartbeat_misses"),
			MaxSpawnAttempts:  viper.GetInt("pool.max_spawn_attempts"),
			WorkerLifetime:    viper.GetDuration("pool.worker_lifetime"),
		}
		if err := registry.Register(pool.New(cfg, launcher, logger)); err != nil {
			logger.Fatal("Failed to register pool",
				zap.String("pool_id", id),
				zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Result and heartbeat routing
	router := worker.NewRouter(nc, js, registry, history, logger)
	if err := router.Start(ctx); err != nil {
		logger.Fatal("Failed to start worker router", zap.Error(err))
	}
	defer router.Stop()

	// Supervisor control loop
	supervisor := pool.NewSupervisor(registry, pool.SupervisorConfig{
		TickInterval:    viper.GetDuration("supervisor.tick_interval"),
		RecycleCronSpec: viper.GetString("supervisor.recycle_cron"),
		StaleSweepSpec:  viper.GetString("supervisor.stale_sweep_cron"),
		StalePoolMaxAge: viper.GetDuration("supervisor.stale_pool_max_age"),
	}, logger)
	if err := supervisor.Start(ctx); err != nil {
		logger.Fatal("Failed to start supervisor", zap.Error(err))
	}
	defer supervisor.Stop()

	// Admin and observability endpoints
	admin := service.NewAdminService(nc, registry, history, logger)
	if err := admin.Start(ctx); err != nil {
		logger.Fatal("Failed to start admin service", zap.Error(err))
	}
	defer admin.Stop()

	// Metrics publishing
	collector := monitor.NewStatsCollector(js, registry,
		viper.GetDuration("metrics.interval"), logger)
	if err := collector.Start(ctx); err != nil {
		logger.Fatal("Failed to start stats collector", zap.Error(err))
	}
	defer collector.Stop()

	// Periodic history cleanup
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -30)
				if err := history.DeleteBefore(ctx, cutoff); err != nil {
					logger.Error("Failed to cleanup old execution history", zap.Error(err))
				}
			}
		}
	}()

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	for _, p := range registry.List() {
		p.Close()
	}
	logger.Info("Pool daemon shutting down gracefully")
}
